package sequences

import (
	"github.com/praetorian-inc/restfuzz/pkg/transport"
)

// Classification labels the outcome of rendering and sending a sequence's
// final request. The names double as the speccov report keys.
type Classification int

const (
	// Valid: the final request got a valid code and its parser populated
	// the expected dynamic variables.
	Valid Classification = iota
	// InvalidDueToSequenceFailure: a dependency could not be resolved, or
	// a prefix request failed, so the final request was never reached
	// with a usable state.
	InvalidDueToSequenceFailure
	// InvalidDueToResourceFailure: the final request was sent but the
	// service rejected it (non-valid, non-5xx code).
	InvalidDueToResourceFailure
	// InvalidDueToParserFailure: the response was valid but the parser
	// extracted none of the expected variables.
	InvalidDueToParserFailure
	// InvalidDueTo500: the service answered with a 5xx.
	InvalidDueTo500
)

// String returns the speccov key for the classification.
func (c Classification) String() string {
	switch c {
	case Valid:
		return "valid"
	case InvalidDueToSequenceFailure:
		return "invalid_due_to_sequence_failure"
	case InvalidDueToResourceFailure:
		return "invalid_due_to_resource_failure"
	case InvalidDueToParserFailure:
		return "invalid_due_to_parser_failure"
	case InvalidDueTo500:
		return "invalid_due_to_500"
	}
	return "unknown"
}

// RenderedSequence is the record handed to checkers after a sequence has
// been rendered and sent.
type RenderedSequence struct {
	Sequence      *Sequence
	Valid         bool
	FinalResponse *transport.Response
	Failure       Classification
}
