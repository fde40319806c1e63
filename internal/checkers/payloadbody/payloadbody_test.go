package payloadbody

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praetorian-inc/restfuzz/internal/testutil"
	"github.com/praetorian-inc/restfuzz/pkg/grammar"
)

func TestMutations_DeriveVariants(t *testing.T) {
	req := &grammar.Request{BodySchema: map[string]string{"name": "string"}}
	body := `{"name":"x","extra":1}`

	variants := mutations(req, body)
	require.Len(t, variants, 3)

	byKind := make(map[string]string)
	for _, v := range variants {
		byKind[v.errorStr] = v.body
	}
	assert.NotContains(t, byKind["StructMissing_name"], "name")
	assert.Contains(t, byKind["TypeMismatch_name"], `"name":123`)
	assert.Contains(t, byKind, invalidJSONStr)
}

func TestReplaceBody_FixesContentLength(t *testing.T) {
	data := "POST /obj HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"
	out := replaceBody(data, "hi")
	assert.Contains(t, out, "Content-Length: 2\r\n")
	assert.Contains(t, out, "\r\n\r\nhi")
}

func TestBuckets_DedupPerKind(t *testing.T) {
	c := grammar.NewCollection()
	req := &grammar.Request{ID: "/obj", Method: "POST", Endpoint: "/obj",
		Primitives: []grammar.Primitive{{Type: grammar.StaticString, Value: "POST /obj"}}}
	require.NoError(t, c.Add(req))

	b := NewBuckets()
	dir := t.TempDir()
	assert.Equal(t, "StructMissing_name", b.Add(req, "StructMissing_name", "{}", dir))
	assert.Equal(t, "", b.Add(req, "StructMissing_name", "{}", dir), "duplicate kind is dropped")
	assert.Equal(t, "Other", b.Add(req, "", "{}", dir))

	log, err := os.ReadFile(filepath.Join(dir, "payload_buckets.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "POST /obj")
	assert.Contains(t, string(log), "StructMissing_name")
}

// S4: dropping a required field drives the target to a 500; the checker
// files payloadbody_500 and records the divergence kind.
func TestPayloadBody_DetectsStructMissing(t *testing.T) {
	srv := testutil.NewServer(testutil.ServerOptions{PayloadBodyBug: true})
	defer srv.Close()
	host, _ := srv.Addr()

	c, err := testutil.BuildCollection(host,
		testutil.RequestSpec{
			ID: "/obj", Method: "POST", Endpoint: "/obj",
			PathParts:  []grammar.Primitive{testutil.Static("/obj")},
			Body:       []grammar.Primitive{testutil.Static(`{"name":"thing"}`)},
			Writers:    map[string]string{"_post_obj": "id"},
			BodySchema: map[string]string{"name": "string"},
		},
	)
	require.NoError(t, err)

	cfg := testutil.FuzzSettings(t, srv, 1)
	eng := testutil.RunFuzzer(t, cfg, c, nil)

	require.True(t, eng.Buckets().Has("payloadbody_500"),
		"buckets: %v", eng.Buckets().NumBugBuckets())

	log, err := os.ReadFile(filepath.Join(cfg.LogsDir, "payload_buckets.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "StructMissing_name")
}
