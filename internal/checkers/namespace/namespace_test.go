package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praetorian-inc/restfuzz/internal/testutil"
	"github.com/praetorian-inc/restfuzz/pkg/grammar"
	"github.com/praetorian-inc/restfuzz/pkg/settings"
)

func namespaceGrammar(t *testing.T, host string) *grammar.Collection {
	c, err := testutil.BuildCollection(host,
		testutil.RequestSpec{
			ID: "/obj/{id}", Method: "PUT", Endpoint: "/obj/{id}",
			PathParts: []grammar.Primitive{testutil.Static("/obj/o")},
			Writers:   map[string]string{"_put_obj": "name"},
			WithAuth:  true,
		},
		testutil.RequestSpec{
			ID: "/obj/{id}", Method: "GET", Endpoint: "/obj/{id}",
			PathParts: []grammar.Primitive{testutil.Static("/obj/"), testutil.Reader("_put_obj")},
			WithAuth:  true,
		},
	)
	require.NoError(t, err)
	return c
}

func enableNamespace(cfg *settings.Settings) {
	on := true
	cfg.Checkers = map[string]settings.CheckerSettings{
		"namespace": {Enabled: &on},
	}
}

// S5: with two identities, an object created under the first must not be
// readable under the second. The vulnerable target answers 200 and a
// namespace_200 bucket is filed and never marked reproducible.
func TestNamespace_DetectsViolation(t *testing.T) {
	srv := testutil.NewServer(testutil.ServerOptions{
		RequireAuth:  true,
		NamespaceBug: true,
	})
	defer srv.Close()
	host, _ := srv.Addr()

	cfg := testutil.FuzzSettings(t, srv, 2)
	enableNamespace(cfg)
	eng := testutil.RunFuzzer(t, cfg, namespaceGrammar(t, host),
		testutil.StaticTokens(testutil.TwoIdentityTokens))

	require.True(t, eng.Buckets().Has("namespace_200"),
		"buckets: %v", eng.Buckets().NumBugBuckets())
	for _, entry := range eng.Buckets().Entries() {
		if entry.Origin == "namespace_200" {
			assert.False(t, entry.Reproducible)
		}
	}
}

// A tenant-isolating target answers 403 to the second identity: no
// finding.
func TestNamespace_CleanTarget(t *testing.T) {
	srv := testutil.NewServer(testutil.ServerOptions{RequireAuth: true})
	defer srv.Close()
	host, _ := srv.Addr()

	cfg := testutil.FuzzSettings(t, srv, 2)
	enableNamespace(cfg)
	eng := testutil.RunFuzzer(t, cfg, namespaceGrammar(t, host),
		testutil.StaticTokens(testutil.TwoIdentityTokens))

	for origin := range eng.Buckets().NumBugBuckets() {
		assert.NotContains(t, origin, "namespace")
	}
}

// Without a second identity the checker keeps quiet.
func TestNamespace_SingleIdentity(t *testing.T) {
	srv := testutil.NewServer(testutil.ServerOptions{RequireAuth: true, NamespaceBug: true})
	defer srv.Close()
	host, _ := srv.Addr()

	cfg := testutil.FuzzSettings(t, srv, 2)
	enableNamespace(cfg)
	eng := testutil.RunFuzzer(t, cfg, namespaceGrammar(t, host),
		testutil.StaticTokens("{'user1': {}}\nAuthorization: token-user1\n"))

	for origin := range eng.Buckets().NumBugBuckets() {
		assert.NotContains(t, origin, "namespace")
	}
}
