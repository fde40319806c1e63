package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/praetorian-inc/restfuzz/pkg/auth"
	"github.com/praetorian-inc/restfuzz/pkg/dictionary"
	"github.com/praetorian-inc/restfuzz/pkg/engine"
	"github.com/praetorian-inc/restfuzz/pkg/grammar"
	"github.com/praetorian-inc/restfuzz/pkg/settings"
)

// TwoIdentityTokens is a token source output carrying the two test
// identities the target's RequireAuth mode accepts.
const TwoIdentityTokens = "{'user1': {}}\n{'user2': {}}\n" +
	"Authorization: token-user1\n---\nAuthorization: token-user2\n"

// FuzzSettings returns engine settings wired at the test server, with a
// temp logs directory and a short per-request timeout.
func FuzzSettings(t *testing.T, srv *Server, maxSequenceLength int) *settings.Settings {
	t.Helper()
	host, port := srv.Addr()
	cfg := settings.Default()
	cfg.TargetIP = host
	cfg.TargetPort = port
	cfg.NoSSL = true
	cfg.GrammarFile = "in-memory"
	cfg.MaxSequenceLength = maxSequenceLength
	cfg.MaxRequestExecutionTimeSec = 5
	cfg.GarbageCollectionIntervalSec = 0
	cfg.LogsDir = t.TempDir()
	return cfg
}

// RunFuzzer builds an engine over the given grammar and drives a full
// run. The token source may be nil.
func RunFuzzer(t *testing.T, cfg *settings.Settings, collection *grammar.Collection, tokens auth.TokenSource) *engine.Engine {
	t.Helper()
	pool := dictionary.NewPool(nil)
	eng, err := engine.New(cfg, collection, pool, tokens)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, eng.Run(ctx))
	return eng
}

// StaticTokens adapts a fixed token output to the token source contract.
func StaticTokens(out string) auth.TokenSource {
	return auth.TokenSourceFunc(func(context.Context) (string, error) {
		return out, nil
	})
}
