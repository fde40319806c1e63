package examples

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praetorian-inc/restfuzz/internal/testutil"
	"github.com/praetorian-inc/restfuzz/pkg/grammar"
)

func TestSubstituteBody(t *testing.T) {
	data := "POST /obj HTTP/1.1\r\nHost: t\r\nContent-Length: 2\r\n\r\n{}"
	out := substituteBody(data, `{"name":"from-example"}`)

	assert.Contains(t, out, `{"name":"from-example"}`)
	assert.Contains(t, out, "Content-Length: 23\r\n")

	// A request without a length header gets one.
	bare := "POST /obj HTTP/1.1\r\nHost: t\r\n\r\n{}"
	out = substituteBody(bare, "abc")
	assert.Contains(t, out, "Content-Length: 3\r\n")
}

func TestSubstituteQuery(t *testing.T) {
	data := "GET /obj?a=1 HTTP/1.1\r\nHost: t\r\n\r\n"
	out := substituteQuery(data, "verbose=true")
	assert.Contains(t, out, "GET /obj?verbose=true HTTP/1.1")

	// A request line without a query gains one.
	out = substituteQuery("GET /obj HTTP/1.1\r\nHost: t\r\n\r\n", "x=1")
	assert.Contains(t, out, "GET /obj?x=1 HTTP/1.1")
}

// An example body that drives the target to a 5xx is filed under the
// examples origin, hashed over the full request.
func TestExamples_FilesBugForFailingExample(t *testing.T) {
	srv := testutil.NewServer(testutil.ServerOptions{PayloadBodyBug: true})
	defer srv.Close()
	host, _ := srv.Addr()

	c, err := testutil.BuildCollection(host,
		testutil.RequestSpec{
			ID: "/obj", Method: "POST", Endpoint: "/obj",
			PathParts: []grammar.Primitive{testutil.Static("/obj")},
			Body:      []grammar.Primitive{testutil.Static(`{"name":"good"}`)},
			Writers:   map[string]string{"_post_obj": "id"},
			Examples: &grammar.ExampleSet{
				BodyExamples: []string{`{"wrong_field":true}`},
			},
		},
	)
	require.NoError(t, err)

	cfg := testutil.FuzzSettings(t, srv, 1)
	eng := testutil.RunFuzzer(t, cfg, c, nil)

	assert.True(t, eng.Buckets().Has("examples_500"),
		"buckets: %v", eng.Buckets().NumBugBuckets())
}

// Valid examples produce no finding.
func TestExamples_CleanTarget(t *testing.T) {
	srv := testutil.NewServer(testutil.ServerOptions{})
	defer srv.Close()
	host, _ := srv.Addr()

	c, err := testutil.BuildCollection(host,
		testutil.RequestSpec{
			ID: "/obj", Method: "POST", Endpoint: "/obj",
			PathParts: []grammar.Primitive{testutil.Static("/obj")},
			Body:      []grammar.Primitive{testutil.Static(`{"name":"good"}`)},
			Writers:   map[string]string{"_post_obj": "id"},
			Examples: &grammar.ExampleSet{
				BodyExamples: []string{`{"name":"also-good"}`},
			},
		},
	)
	require.NoError(t, err)

	cfg := testutil.FuzzSettings(t, srv, 1)
	eng := testutil.RunFuzzer(t, cfg, c, nil)

	assert.Empty(t, eng.Buckets().NumBugBuckets())
}
