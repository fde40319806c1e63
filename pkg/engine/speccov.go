package engine

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/praetorian-inc/restfuzz/pkg/grammar"
	"github.com/praetorian-inc/restfuzz/pkg/sequences"
)

// Speccov aggregates, per method+endpoint, how often renderings were
// valid and how often they failed per cause, over the whole run.
type Speccov struct {
	mu     sync.Mutex
	counts map[string]map[string]int
}

// NewSpeccov creates an empty aggregate.
func NewSpeccov() *Speccov {
	return &Speccov{counts: make(map[string]map[string]int)}
}

// Record registers one rendering outcome for a request.
func (s *Speccov) Record(req *grammar.Request, outcome sequences.Classification) {
	key := req.Method + " " + req.EndpointNoDynamicObjects()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[key] == nil {
		s.counts[key] = map[string]int{
			sequences.Valid.String():                       0,
			sequences.InvalidDueToSequenceFailure.String(): 0,
			sequences.InvalidDueToResourceFailure.String(): 0,
			sequences.InvalidDueToParserFailure.String():   0,
			sequences.InvalidDueTo500.String():             0,
		}
	}
	s.counts[key][outcome.String()]++
}

// Snapshot returns a deep copy of the aggregate.
func (s *Speccov) Snapshot() map[string]map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]int, len(s.counts))
	for key, counts := range s.counts {
		dup := make(map[string]int, len(counts))
		for k, v := range counts {
			dup[k] = v
		}
		out[key] = dup
	}
	return out
}

// WriteFile persists the aggregate as JSON.
func (s *Speccov) WriteFile(path string) error {
	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
