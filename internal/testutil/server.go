// Package testutil provides shared test infrastructure: a deterministic
// in-process REST target with switchable bug behaviors, and grammar
// construction helpers.
package testutil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
)

// ServerOptions switch the target's deliberate bugs on and off.
type ServerOptions struct {
	// UseAfterFreeBug keeps deleted objects readable.
	UseAfterFreeBug bool
	// HierarchyBug makes children reachable through any parent.
	HierarchyBug bool
	// LeakOnFailure creates the object even when the creation request is
	// rejected.
	LeakOnFailure bool
	// NamespaceBug lets any identity read any object.
	NamespaceBug bool
	// PayloadBodyBug answers 500 instead of 400 to malformed bodies.
	PayloadBodyBug bool
	// RequireAuth enforces the test tokens (token-user1, token-user2).
	RequireAuth bool
	// DelayPath, when matched as a path prefix, delays the response by
	// Delay.
	DelayPath string
	Delay     time.Duration
	// RejectNames causes creations with these names to answer 400.
	RejectNames []string
}

// object is one stored resource.
type object struct {
	name   string
	parent string
	owner  string
}

// Server is a deterministic REST resource target. Object names are
// generated with a per-type counter, so runs are reproducible.
type Server struct {
	*httptest.Server
	opts ServerOptions

	mu       sync.Mutex
	objects  map[string]map[string]*object // type -> name -> object
	counters map[string]int
}

// NewServer starts the target on a loopback port.
func NewServer(opts ServerOptions) *Server {
	s := &Server{
		opts:     opts,
		objects:  make(map[string]map[string]*object),
		counters: make(map[string]int),
	}

	router := httprouter.New()
	router.PUT("/:type/:name", s.create)
	router.POST("/:type", s.createGenerated)
	router.GET("/:type/:name", s.get)
	router.DELETE("/:type/:name", s.delete)
	router.PUT("/:type/:name/:childtype/:childname", s.createChild)
	router.GET("/:type/:name/:childtype/:childname", s.getChild)
	router.DELETE("/:type/:name/:childtype/:childname", s.deleteChild)

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.DelayPath != "" && strings.HasPrefix(r.URL.Path, s.opts.DelayPath) {
			time.Sleep(s.opts.Delay)
		}
		router.ServeHTTP(w, r)
	}))
	return s
}

// Addr returns the host and port the server listens on.
func (s *Server) Addr() (string, int) {
	u := strings.TrimPrefix(s.URL, "http://")
	host, portStr, _ := net.SplitHostPort(u)
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// ObjectCount returns how many objects of a type are stored.
func (s *Server) ObjectCount(typeName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects[typeName])
}

func (s *Server) identity(r *http.Request) (string, bool) {
	if !s.opts.RequireAuth {
		return "user1", true
	}
	token := r.Header.Get("Authorization")
	switch token {
	case "token-user1":
		return "user1", true
	case "token-user2":
		return "user2", true
	}
	return "", false
}

func (s *Server) nextName(typeName string) string {
	s.counters[typeName]++
	return fmt.Sprintf("%s-%d", typeName, s.counters[typeName])
}

func (s *Server) store(typeName string, obj *object) {
	if s.objects[typeName] == nil {
		s.objects[typeName] = make(map[string]*object)
	}
	s.objects[typeName][obj.name] = obj
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// create handles PUT /:type/:name. The stored name is server-generated;
// the requested name only seeds rejection checks.
func (s *Server) create(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	owner, ok := s.identity(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	typeName := ps.ByName("type")
	requested := ps.ByName("name")

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, reject := range s.opts.RejectNames {
		if requested == reject {
			if s.opts.LeakOnFailure {
				s.store(typeName, &object{name: requested, owner: owner})
			}
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid name"})
			return
		}
	}
	name := s.nextName(typeName)
	s.store(typeName, &object{name: name, owner: owner})
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

// createGenerated handles POST /:type with a JSON body requiring a
// string "name" field.
func (s *Server) createGenerated(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	owner, ok := s.identity(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	typeName := ps.ByName("type")

	var body map[string]any
	badBody := false
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badBody = true
	} else if _, ok := body["name"].(string); !ok {
		badBody = true
	}
	if badBody {
		code := http.StatusBadRequest
		if s.opts.PayloadBodyBug {
			code = http.StatusInternalServerError
		}
		writeJSON(w, code, map[string]string{"error": "bad body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.nextName(typeName)
	s.store(typeName, &object{name: name, owner: owner})
	writeJSON(w, http.StatusCreated, map[string]string{"id": name})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	owner, ok := s.identity(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.objects[ps.ByName("type")][ps.ByName("name")]
	if obj == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if obj.owner != owner && !s.opts.NamespaceBug {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": obj.name})
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if _, ok := s.identity(r); !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	typeName, name := ps.ByName("type"), ps.ByName("name")
	if s.objects[typeName][name] == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !s.opts.UseAfterFreeBug {
		delete(s.objects[typeName], name)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createChild(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	owner, ok := s.identity(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	parentType, parentName := ps.ByName("type"), ps.ByName("name")
	if s.objects[parentType][parentName] == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	childType := ps.ByName("childtype")
	name := s.nextName(childType)
	s.store(childType, &object{name: name, parent: parentName, owner: owner})
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func (s *Server) getChild(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if _, ok := s.identity(r); !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	child := s.objects[ps.ByName("childtype")][ps.ByName("childname")]
	if child == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if child.parent != ps.ByName("name") && !s.opts.HierarchyBug {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": child.name})
}

func (s *Server) deleteChild(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if _, ok := s.identity(r); !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	childType, childName := ps.ByName("childtype"), ps.ByName("childname")
	child := s.objects[childType][childName]
	if child == nil || child.parent != ps.ByName("name") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !s.opts.UseAfterFreeBug {
		delete(s.objects[childType], childName)
	}
	w.WriteHeader(http.StatusNoContent)
}
