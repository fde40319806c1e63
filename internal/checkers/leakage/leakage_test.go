package leakage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praetorian-inc/restfuzz/internal/testutil"
	"github.com/praetorian-inc/restfuzz/pkg/grammar"
)

func leakGrammar(t *testing.T, host string) *grammar.Collection {
	c, err := testutil.BuildCollection(host,
		testutil.RequestSpec{
			ID: "/A/{name}", Method: "PUT", Endpoint: "/A/{name}",
			PathParts: []grammar.Primitive{
				testutil.Static("/A/"),
				testutil.Group("name", "badname"),
			},
			Writers: map[string]string{"_put_a": "name"},
		},
		testutil.RequestSpec{
			ID: "/A/{name}", Method: "GET", Endpoint: "/A/{name}",
			PathParts: []grammar.Primitive{testutil.Static("/A/"), testutil.Reader("_put_a")},
		},
	)
	require.NoError(t, err)
	return c
}

// After a rejected creation the target must answer 404 for the would-be
// resource; a target that leaks it answers 200 and the checker files a
// leakage_200 bucket.
func TestLeakage_DetectsLeakedResource(t *testing.T) {
	srv := testutil.NewServer(testutil.ServerOptions{
		RejectNames:   []string{"badname"},
		LeakOnFailure: true,
	})
	defer srv.Close()
	host, _ := srv.Addr()

	cfg := testutil.FuzzSettings(t, srv, 1)
	eng := testutil.RunFuzzer(t, cfg, leakGrammar(t, host), nil)

	assert.True(t, eng.Buckets().Has("leakage_200"),
		"buckets: %v", eng.Buckets().NumBugBuckets())
}

// A rejection that really rejects produces no finding.
func TestLeakage_CleanTarget(t *testing.T) {
	srv := testutil.NewServer(testutil.ServerOptions{
		RejectNames: []string{"badname"},
	})
	defer srv.Close()
	host, _ := srv.Addr()

	cfg := testutil.FuzzSettings(t, srv, 1)
	eng := testutil.RunFuzzer(t, cfg, leakGrammar(t, host), nil)

	assert.Empty(t, eng.Buckets().NumBugBuckets())
}
