package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExport_Counters(t *testing.T) {
	m := &Metrics{}
	m.AddRequestSent()
	m.AddRequestSent()
	m.AddSequenceRendered(true)
	m.AddSequenceRendered(false)
	m.AddBugFound()
	m.AddGCDelete()

	out := NewPrometheusExporter(m).Export()

	assert.Contains(t, out, "restfuzz_requests_sent_total 2\n")
	assert.Contains(t, out, `restfuzz_sequences_rendered_total{status="valid"} 1`)
	assert.Contains(t, out, `restfuzz_sequences_rendered_total{status="invalid"} 1`)
	assert.Contains(t, out, "restfuzz_bugs_found_total 1\n")
	assert.Contains(t, out, "restfuzz_gc_deletes_total 1\n")
	assert.Contains(t, out, "restfuzz_sequences_valid_rate 0.5\n")
}

func TestExport_ZeroRate(t *testing.T) {
	out := NewPrometheusExporter(&Metrics{}).Export()
	assert.Contains(t, out, "restfuzz_sequences_valid_rate 0\n")
}

func TestHandler_ServesTextFormat(t *testing.T) {
	m := &Metrics{}
	m.AddRequestSent()

	srv := httptest.NewServer(NewPrometheusExporter(m).Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	assert.Contains(t, string(body), "restfuzz_requests_sent_total 1")
}

func TestMetrics_ConcurrentUpdates(t *testing.T) {
	m := &Metrics{}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.AddRequestSent()
			m.AddSequenceRendered(true)
		}()
	}
	wg.Wait()

	out := NewPrometheusExporter(m).Export()
	assert.Contains(t, out, "restfuzz_requests_sent_total 50")
	assert.Contains(t, out, `restfuzz_sequences_rendered_total{status="valid"} 50`)
}
