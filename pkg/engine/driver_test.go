package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praetorian-inc/restfuzz/internal/testutil"
	"github.com/praetorian-inc/restfuzz/pkg/grammar"

	// The use-after-free checker backs the create-once replay scenario.
	_ "github.com/praetorian-inc/restfuzz/internal/checkers/useafterfree"
)

// producerConsumerGrammar is the simple producer/consumer pair: a PUT
// that writes _put_a from the response and a GET that reads it.
func producerConsumerGrammar(t *testing.T, host string) *grammar.Collection {
	c, err := testutil.BuildCollection(host,
		testutil.RequestSpec{
			ID: "/A/{name}", Method: "PUT", Endpoint: "/A/{name}",
			PathParts: []grammar.Primitive{testutil.Static("/A/A")},
			Writers:   map[string]string{"_put_a": "name"},
		},
		testutil.RequestSpec{
			ID: "/A/{name}", Method: "GET", Endpoint: "/A/{name}",
			PathParts: []grammar.Primitive{testutil.Static("/A/"), testutil.Reader("_put_a")},
		},
	)
	require.NoError(t, err)
	return c
}

// S1: against a cooperative target the generator reaches length two with
// the producer/consumer pair, and the status-codes monitor records both
// requests as fully valid.
func TestEngine_ProducerConsumer(t *testing.T) {
	srv := testutil.NewServer(testutil.ServerOptions{})
	defer srv.Close()
	host, _ := srv.Addr()

	collection := producerConsumerGrammar(t, host)
	cfg := testutil.FuzzSettings(t, srv, 2)
	eng := testutil.RunFuzzer(t, cfg, collection, nil)

	put := collection.Fuzzable()[0]
	get := collection.Fuzzable()[1]

	result := eng.Monitor().QueryStatusCodes(put, []string{"201"}, nil)
	assert.True(t, result.ValidCode)
	assert.True(t, result.FullyValid)

	result = eng.Monitor().QueryStatusCodes(get, []string{"200"}, nil)
	assert.True(t, result.ValidCode)
	assert.True(t, result.FullyValid)

	// No bugs on a healthy target.
	assert.Empty(t, eng.Buckets().NumBugBuckets())

	// Speccov records validity per method+endpoint.
	cov := eng.Speccov().Snapshot()
	require.Contains(t, cov, "GET /A/{name}")
	assert.Positive(t, cov["GET /A/{name}"]["valid"])
}

// A consumer whose producer never succeeds is never rendered.
func TestEngine_ConsumerBlockedWithoutProducer(t *testing.T) {
	srv := testutil.NewServer(testutil.ServerOptions{RejectNames: []string{"A"}})
	defer srv.Close()
	host, _ := srv.Addr()

	collection := producerConsumerGrammar(t, host)
	cfg := testutil.FuzzSettings(t, srv, 2)
	eng := testutil.RunFuzzer(t, cfg, collection, nil)

	get := collection.Fuzzable()[1]
	assert.False(t, eng.Monitor().IsFullyRenderedRequest(get))

	cov := eng.Speccov().Snapshot()
	assert.Positive(t, cov["PUT /A/{name}"]["invalid_due_to_resource_failure"])
}

// S6: a target slower than the per-request execution budget produces the
// 599 pseudo-code, files a main_driver_timeout bucket, and the run still
// terminates normally.
func TestEngine_Timeout(t *testing.T) {
	srv := testutil.NewServer(testutil.ServerOptions{
		DelayPath: "/slow",
		Delay:     500 * time.Millisecond,
	})
	defer srv.Close()
	host, _ := srv.Addr()

	c, err := testutil.BuildCollection(host,
		testutil.RequestSpec{
			ID: "/slow/x", Method: "GET", Endpoint: "/slow/x",
			PathParts: []grammar.Primitive{testutil.Static("/slow/x")},
		},
	)
	require.NoError(t, err)

	cfg := testutil.FuzzSettings(t, srv, 1)
	cfg.MaxRequestExecutionTimeSec = 0.1
	eng := testutil.RunFuzzer(t, cfg, c, nil)

	assert.True(t, eng.Buckets().Has("main_driver_timeout"))
}

// GC cap: after the run the server holds at most one object above the
// type's cap, and the garbage collector really sent deletions.
func TestEngine_GarbageCollection(t *testing.T) {
	srv := testutil.NewServer(testutil.ServerOptions{})
	defer srv.Close()
	host, _ := srv.Addr()

	c, err := testutil.BuildCollection(host,
		testutil.RequestSpec{
			ID: "/large-resource/{id}", Method: "PUT", Endpoint: "/large-resource/{id}",
			PathParts: []grammar.Primitive{testutil.Static("/large-resource/r")},
			Writers:   map[string]string{"_put_lr": "name"},
		},
		testutil.RequestSpec{
			ID: "/large-resource/{id}", Method: "DELETE", Endpoint: "/large-resource/{id}",
			PathParts: []grammar.Primitive{testutil.Static("/large-resource/"), testutil.Reader("_put_lr")},
		},
	)
	require.NoError(t, err)

	cfg := testutil.FuzzSettings(t, srv, 3)
	cfg.ObjectCaps = map[string]int{"_put_lr": 1}
	eng := testutil.RunFuzzer(t, cfg, c, nil)

	assert.Positive(t, eng.Monitor().NumRequestsSent()["gc"])
	assert.LessOrEqual(t, srv.ObjectCount("large-resource"), 2,
		"garbage collection must keep the live object population near its cap")
}

// Determinism: two single-worker runs over the same grammar produce the
// same coverage aggregate and the same bug bucket keys.
func TestEngine_DeterministicRuns(t *testing.T) {
	run := func() (map[string]map[string]int, map[string]int) {
		srv := testutil.NewServer(testutil.ServerOptions{})
		defer srv.Close()
		host, _ := srv.Addr()
		collection := producerConsumerGrammar(t, host)
		cfg := testutil.FuzzSettings(t, srv, 2)
		eng := testutil.RunFuzzer(t, cfg, collection, nil)
		return eng.Speccov().Snapshot(), eng.Buckets().NumBugBuckets()
	}

	cov1, buckets1 := run()
	cov2, buckets2 := run()
	assert.Equal(t, cov1, cov2)
	assert.Equal(t, buckets1, buckets2)
}

// The preprocessing phase executes create-once requests and prepends
// them to replay payloads.
func TestEngine_CreateOncePreprocessing(t *testing.T) {
	srv := testutil.NewServer(testutil.ServerOptions{UseAfterFreeBug: true})
	defer srv.Close()
	host, _ := srv.Addr()

	c, err := testutil.BuildCollection(host,
		testutil.RequestSpec{
			ID: "/setup/{id}", Method: "PUT", Endpoint: "/setup/{id}",
			PathParts:  []grammar.Primitive{testutil.Static("/setup/s")},
			CreateOnce: true,
		},
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

	cfg := testutil.FuzzSettings(t, srv, 2)
	eng := testutil.RunFuzzer(t, cfg, c, nil)

	entries := eng.Buckets().Entries()
	require.NotEmpty(t, entries, "the use-after-free target must produce a bucket")
	assert.Contains(t, entries[0].Payloads[0], "/setup/", "replay payloads start with create-once requests")
}
