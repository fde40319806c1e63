package monitors

import (
	"errors"
	"sync"
	"time"

	"github.com/praetorian-inc/restfuzz/pkg/grammar"
	"github.com/praetorian-inc/restfuzz/pkg/sequences"
)

// ErrTimeBudgetExceeded signals cooperative cancellation: every worker
// finishes its current send, records state, and joins.
var ErrTimeBudgetExceeded = errors.New("monitors: time budget exceeded")

// FuzzingMonitor is the façade over the renderings and status-codes
// monitors plus the run clock and time budget. All methods are safe for
// concurrent use: one mutex serializes both sub-monitors, matching the
// engine's shared-lock discipline.
type FuzzingMonitor struct {
	mu sync.Mutex

	startTime  time.Time
	timeBudget time.Duration
	terminated bool

	renderings  *RenderingsMonitor
	statusCodes *StatusCodesMonitor
}

// NewFuzzingMonitor creates a monitor with the clock anchored at now. A
// zero timeBudget means unbounded.
func NewFuzzingMonitor(timeBudget time.Duration) *FuzzingMonitor {
	now := time.Now()
	return &FuzzingMonitor{
		startTime:   now,
		timeBudget:  timeBudget,
		renderings:  NewRenderingsMonitor(),
		statusCodes: NewStatusCodesMonitor(now),
	}
}

// ResetStartTime rewinds the clock to now, keeping the budget. Called
// between preprocessing and fuzzing.
func (m *FuzzingMonitor) ResetStartTime() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startTime = time.Now()
	m.statusCodes.startTime = m.startTime
}

// RunningTime returns the elapsed time since the run started.
func (m *FuzzingMonitor) RunningTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.startTime)
}

// RemainingTimeBudget returns the unspent budget; negative once elapsed.
func (m *FuzzingMonitor) RemainingTimeBudget() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated {
		return 0
	}
	if m.timeBudget == 0 {
		return time.Duration(1<<62 - 1)
	}
	return m.timeBudget - time.Since(m.startTime)
}

// CheckBudget returns ErrTimeBudgetExceeded once the budget has elapsed.
// Checked at every send and every async poll.
func (m *FuzzingMonitor) CheckBudget() error {
	if m.RemainingTimeBudget() <= 0 {
		return ErrTimeBudgetExceeded
	}
	return nil
}

// Terminate zeroes the remaining budget so every worker stops at its next
// send.
func (m *FuzzingMonitor) Terminate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = true
}

// Generation returns the generation currently being fuzzed.
func (m *FuzzingMonitor) Generation() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renderings.Generation()
}

// SetGeneration advances the run to a new generation.
func (m *FuzzingMonitor) SetGeneration(g int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renderings.SetGeneration(g)
}

// SetMemoizeInvalidRenderings toggles invalid-rendering memoization.
func (m *FuzzingMonitor) SetMemoizeInvalidRenderings(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renderings.SetMemoizeInvalidRenderings(on)
}

// ResetRenderings clears rendering records after preprocessing.
func (m *FuzzingMonitor) ResetRenderings() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renderings.Reset()
}

// UpdateRendering records the validity of the request's most recently
// yielded combination.
func (m *FuzzingMonitor) UpdateRendering(req *grammar.Request, isValid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renderings.Update(req.HexDefinition(), req.LastRenderedCombinationID(), isValid)
}

// IsInvalidRendering reports whether the request's current combination is
// known invalid from the previous generation.
func (m *FuzzingMonitor) IsInvalidRendering(req *grammar.Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renderings.IsInvalidRendering(req.HexDefinition(), req.CurrentCombinationID())
}

// IsFullyRenderedRequest reports whether the request was ever rendered.
func (m *FuzzingMonitor) IsFullyRenderedRequest(req *grammar.Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renderings.IsFullyRenderedRequest(req.HexDefinition())
}

// NumFullyRenderedRequests counts requests rendered at least once.
func (m *FuzzingMonitor) NumFullyRenderedRequests(reqs []*grammar.Request) int {
	hexes := make([]string, len(reqs))
	for i, req := range reqs {
		hexes[i] = req.HexDefinition()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renderings.NumFullyRenderedRequests(hexes)
}

// IncrementRequestsCount bumps the per-origin sent counter.
func (m *FuzzingMonitor) IncrementRequestsCount(origin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCodes.IncrementRequestsCount(origin)
}

// NumRequestsSent returns the per-origin sent counters.
func (m *FuzzingMonitor) NumRequestsSent() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCodes.NumRequestsSent()
}

// NumTestCases returns the test cases executed so far.
func (m *FuzzingMonitor) NumTestCases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCodes.NumTestCases()
}

// UpdateStatusCodes registers a sequence execution's statuses.
func (m *FuzzingMonitor) UpdateStatusCodes(seq *sequences.Sequence, statuses []*RequestExecutionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCodes.Update(seq.HexDefinition(), seq.Length(), statuses)
}

// QueryStatusCodes reports whether the request ever received one of the
// given codes.
func (m *FuzzingMonitor) QueryStatusCodes(req *grammar.Request, validCodes, failCodes []string) QueryResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCodes.QueryResponseCodes(req.HexDefinition(), validCodes, failCodes)
}

// StartTime returns the anchor of the run clock.
func (m *FuzzingMonitor) StartTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startTime
}

// NewExecutionStatus builds a status record stamped with the run-relative
// timestamp.
func (m *FuzzingMonitor) NewExecutionStatus(reqHex, statusCode string, fullyValid, seqFailure bool) *RequestExecutionStatus {
	return &RequestExecutionStatus{
		RelativeTimestamp: time.Since(m.StartTime()),
		RequestHex:        reqHex,
		StatusCode:        statusCode,
		IsFullyValid:      fullyValid,
		SequenceFailure:   seqFailure,
	}
}
