package monitors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusCodesMonitor_CountersAndTestCases(t *testing.T) {
	m := NewStatusCodesMonitor(time.Now())

	m.IncrementRequestsCount("gc")
	m.IncrementRequestsCount("gc")
	m.IncrementRequestsCount("useafterfree")

	counts := m.NumRequestsSent()
	assert.Equal(t, 2, counts["gc"])
	assert.Equal(t, 1, counts["useafterfree"])
	assert.Equal(t, 0, counts["main_driver"])

	m.Update("seq-1", 2, []*RequestExecutionStatus{
		{RequestHex: "a", StatusCode: "201", IsFullyValid: true},
		{RequestHex: "b", StatusCode: "200", IsFullyValid: true},
	})
	assert.Equal(t, 2, m.NumRequestsSent()["main_driver"])
	assert.Equal(t, 1, m.NumTestCases())
}

func TestStatusCodesMonitor_QueryResponseCodes(t *testing.T) {
	m := NewStatusCodesMonitor(time.Now())
	m.Update("seq-1", 2, []*RequestExecutionStatus{
		{RequestHex: "a", StatusCode: "201", IsFullyValid: true},
		{RequestHex: "b", StatusCode: "400", IsFullyValid: false, SequenceFailure: false},
	})

	got := m.QueryResponseCodes("a", []string{"200", "201"}, []string{"400"})
	assert.True(t, got.ValidCode)
	assert.True(t, got.FullyValid)

	got = m.QueryResponseCodes("b", []string{"200", "201"}, []string{"400"})
	assert.False(t, got.ValidCode)
	assert.False(t, got.FullyValid)

	got = m.QueryResponseCodes("missing", []string{"200"}, nil)
	assert.False(t, got.ValidCode)
	assert.False(t, got.FullyValid)
	assert.False(t, got.SequenceFailure)
}

func TestFuzzingMonitor_Budget(t *testing.T) {
	m := NewFuzzingMonitor(time.Hour)
	assert.NoError(t, m.CheckBudget())

	m.Terminate()
	assert.ErrorIs(t, m.CheckBudget(), ErrTimeBudgetExceeded)
}

func TestFuzzingMonitor_UnboundedBudget(t *testing.T) {
	m := NewFuzzingMonitor(0)
	assert.NoError(t, m.CheckBudget())
	assert.Positive(t, m.RemainingTimeBudget())
}

func TestFuzzingMonitor_GenerationCounter(t *testing.T) {
	m := NewFuzzingMonitor(0)
	assert.Equal(t, 0, m.Generation())
	m.SetGeneration(3)
	assert.Equal(t, 3, m.Generation())
}
