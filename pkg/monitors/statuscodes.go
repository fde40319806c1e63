package monitors

import (
	"time"
)

// RequestExecutionStatus records one request execution within a sequence.
type RequestExecutionStatus struct {
	// RelativeTimestamp is the offset from the run start.
	RelativeTimestamp time.Duration
	// RequestHex identifies the request definition.
	RequestHex string
	// StatusCode is the received (or pseudo) status code.
	StatusCode string
	// IsFullyValid means a valid code and a successful parse.
	IsFullyValid bool
	// SequenceFailure means the sequence failed before this request
	// completed.
	SequenceFailure bool
	// NumTestCases is the running test-case counter at record time.
	NumTestCases int
}

// SequenceStatusCodes collects the statuses a sequence received, keyed by
// status code.
type SequenceStatusCodes struct {
	Length          int
	RequestStatuses map[string][]*RequestExecutionStatus
}

// QueryResult is the answer to a status-code query for a request.
type QueryResult struct {
	ValidCode       bool
	FullyValid      bool
	SequenceFailure bool
}

// StatusCodesMonitor keeps the per-sequence history of status codes plus
// the per-origin request counters.
//
// Not safe for concurrent use on its own; the FuzzingMonitor serializes
// access under the shared engine lock.
type StatusCodesMonitor struct {
	startTime time.Time

	// requestsCount counts requests sent per origin (main_driver, gc,
	// checker names).
	requestsCount map[string]int

	// sequenceStatuses: sequence hex definition -> statuses.
	sequenceStatuses map[string]*SequenceStatusCodes
}

// NewStatusCodesMonitor creates a monitor anchored at startTime.
func NewStatusCodesMonitor(startTime time.Time) *StatusCodesMonitor {
	return &StatusCodesMonitor{
		startTime:        startTime,
		requestsCount:    map[string]int{"gc": 0, "main_driver": 0},
		sequenceStatuses: make(map[string]*SequenceStatusCodes),
	}
}

// IncrementRequestsCount bumps the sent-request counter for an origin.
func (m *StatusCodesMonitor) IncrementRequestsCount(origin string) {
	m.requestsCount[origin]++
}

// NumRequestsSent returns a copy of the per-origin counters.
func (m *StatusCodesMonitor) NumRequestsSent() map[string]int {
	out := make(map[string]int, len(m.requestsCount))
	for k, v := range m.requestsCount {
		out[k] = v
	}
	return out
}

// NumTestCases returns the number of test cases executed so far: the total
// recorded statuses normalized by sequence length.
func (m *StatusCodesMonitor) NumTestCases() int {
	total := 0.0
	for _, seq := range m.sequenceStatuses {
		statuses := 0
		for _, list := range seq.RequestStatuses {
			statuses += len(list)
		}
		total += float64(statuses) / float64(seq.Length)
	}
	return int(total)
}

// Update registers the statuses of a just-executed sequence.
func (m *StatusCodesMonitor) Update(seqHex string, seqLength int, statuses []*RequestExecutionStatus) {
	m.requestsCount["main_driver"] += seqLength

	entry := m.sequenceStatuses[seqHex]
	if entry == nil {
		entry = &SequenceStatusCodes{
			Length:          seqLength,
			RequestStatuses: make(map[string][]*RequestExecutionStatus),
		}
		m.sequenceStatuses[seqHex] = entry
	}

	numTestCases := m.NumTestCases() + 1
	for _, status := range statuses {
		rec := *status
		rec.NumTestCases = numTestCases
		entry.RequestStatuses[rec.StatusCode] = append(entry.RequestStatuses[rec.StatusCode], &rec)
	}
}

// QueryResponseCodes reports whether the request ever received one of
// validCodes or failCodes, returning the first match found.
func (m *StatusCodesMonitor) QueryResponseCodes(reqHex string, validCodes, failCodes []string) QueryResult {
	valid := make(map[string]bool, len(validCodes))
	for _, c := range validCodes {
		valid[c] = true
	}
	fail := make(map[string]bool, len(failCodes))
	for _, c := range failCodes {
		fail[c] = true
	}
	for _, seq := range m.sequenceStatuses {
		for code, statuses := range seq.RequestStatuses {
			if !valid[code] && !fail[code] {
				continue
			}
			for _, status := range statuses {
				if status.RequestHex == reqHex {
					return QueryResult{
						ValidCode:       valid[code],
						FullyValid:      status.IsFullyValid,
						SequenceFailure: status.SequenceFailure,
					}
				}
			}
		}
	}
	return QueryResult{}
}

// SequenceStatuses returns a copy of the per-sequence map.
func (m *StatusCodesMonitor) SequenceStatuses() map[string]*SequenceStatusCodes {
	out := make(map[string]*SequenceStatusCodes, len(m.sequenceStatuses))
	for k, v := range m.sequenceStatuses {
		out[k] = v
	}
	return out
}
