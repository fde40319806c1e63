package useafterfree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praetorian-inc/restfuzz/internal/testutil"
	"github.com/praetorian-inc/restfuzz/pkg/grammar"
)

func uafGrammar(t *testing.T, host string) *grammar.Collection {
	c, err := testutil.BuildCollection(host,
		testutil.RequestSpec{
			ID: "/r/{id}", Method: "PUT", Endpoint: "/r/{id}",
			PathParts: []grammar.Primitive{testutil.Static("/r/r")},
			Writers:   map[string]string{"_put_r": "name"},
		},
		testutil.RequestSpec{
			ID: "/r/{id}", Method: "DELETE", Endpoint: "/r/{id}",
			PathParts: []grammar.Primitive{testutil.Static("/r/"), testutil.Reader("_put_r")},
		},
		testutil.RequestSpec{
			ID: "/r/{id}", Method: "GET", Endpoint: "/r/{id}",
			PathParts: []grammar.Primitive{testutil.Static("/r/"), testutil.Reader("_put_r")},
		},
	)
	require.NoError(t, err)
	return c
}

// S2: the target keeps deleted objects readable; the checker files one
// useafterfree_200 bucket and the replay reproduces it.
func TestUseAfterFree_DetectsBug(t *testing.T) {
	srv := testutil.NewServer(testutil.ServerOptions{UseAfterFreeBug: true})
	defer srv.Close()
	host, _ := srv.Addr()

	cfg := testutil.FuzzSettings(t, srv, 2)
	cfg.Reproduce = true
	eng := testutil.RunFuzzer(t, cfg, uafGrammar(t, host), nil)

	require.True(t, eng.Buckets().Has("useafterfree_200"), "buckets: %v", eng.Buckets().NumBugBuckets())

	var found bool
	for _, entry := range eng.Buckets().Entries() {
		if entry.Origin == "useafterfree_200" {
			found = true
			assert.True(t, entry.Reproducible, "replaying the stored payloads must reproduce the 200")
		}
	}
	assert.True(t, found)
}

// A correct target produces no use-after-free finding.
func TestUseAfterFree_CleanTarget(t *testing.T) {
	srv := testutil.NewServer(testutil.ServerOptions{})
	defer srv.Close()
	host, _ := srv.Addr()

	cfg := testutil.FuzzSettings(t, srv, 2)
	eng := testutil.RunFuzzer(t, cfg, uafGrammar(t, host), nil)

	for origin := range eng.Buckets().NumBugBuckets() {
		assert.NotContains(t, origin, "useafterfree")
	}
}
