// Package transport implements the wire protocol for the fuzzing engine:
// a raw HTTP/1.1 stream-socket client and the response model with the
// engine's status-code classification rules.
package transport

import (
	"encoding/json"
	"regexp"
	"strings"
)

// delim separates the response head from the body.
const delim = "\r\n\r\n"

// Pseudo status codes assigned by the engine itself, never by the server.
const (
	// TimeoutCode is assigned when a request times out before a response
	// head is received.
	TimeoutCode = "599"
	// ConnectionClosedCode is assigned when the connection is closed
	// before a complete response is received.
	ConnectionClosedCode = "598"
	// NeverSentCode marks a request that was never sent because its
	// sequence failed at an earlier position.
	NeverSentCode = "999"
)

// validCodes are the status codes treated as a valid server response.
var validCodes = map[string]bool{
	"200": true,
	"201": true,
	"202": true,
	"204": true,
	"304": true,
}

// Response wraps a raw HTTP response as received from the server.
type Response struct {
	raw        string
	statusCode string
}

// NewResponse parses the raw response bytes. A malformed status line leaves
// the status code empty; classification methods then report false.
func NewResponse(raw string) *Response {
	r := &Response{raw: raw}
	parts := strings.SplitN(raw, " ", 3)
	if len(parts) >= 2 {
		r.statusCode = parts[1]
	}
	return r
}

// NewPseudoResponse fabricates a response carrying one of the engine's
// pseudo status codes.
func NewPseudoResponse(code string) *Response {
	return &Response{
		raw:        "HTTP/1.1 " + code + " Engine Assigned",
		statusCode: code,
	}
}

// String returns the entire response as received.
func (r *Response) String() string {
	return r.raw
}

// StatusCode returns the three-digit status code, or an empty string when
// the response could not be parsed.
func (r *Response) StatusCode() string {
	return r.statusCode
}

// StatusText returns the text following the status code on the status line.
func (r *Response) StatusText() string {
	parts := strings.SplitN(r.raw, " ", 3)
	if len(parts) < 3 {
		return ""
	}
	if idx := strings.Index(parts[2], "\r\n"); idx >= 0 {
		return parts[2][:idx]
	}
	return parts[2]
}

// Body returns everything after the head/body delimiter. The socket layer
// has already de-chunked the payload, so the framing here is exact.
func (r *Response) Body() string {
	idx := strings.Index(r.raw, delim)
	if idx < 0 {
		return ""
	}
	return r.raw[idx+len(delim):]
}

// JSONBody returns the JSON portion of the body, or an empty string when
// the body does not contain a JSON document.
func (r *Response) JSONBody() string {
	body := strings.TrimSpace(r.Body())
	if body == "" {
		return ""
	}
	if json.Valid([]byte(body)) {
		return body
	}
	// Fall back to the outermost object or array embedded in the body.
	start := strings.IndexAny(body, "{[")
	if start < 0 {
		return ""
	}
	var end int
	if body[start] == '{' {
		end = strings.LastIndexByte(body, '}')
	} else {
		end = strings.LastIndexByte(body, ']')
	}
	if end <= start {
		return ""
	}
	candidate := body[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return ""
	}
	return candidate
}

// HasValidCode reports whether the status code is one of the codes the
// engine considers a valid response.
func (r *Response) HasValidCode() bool {
	return validCodes[r.statusCode]
}

// Classifier decides whether a status code indicates a bug, honoring the
// user-configured bug and non-bug code patterns.
type Classifier struct {
	// BugCodes are additional patterns flagged as bugs.
	BugCodes []*regexp.Regexp
	// NonBugCodes, when non-empty, inverts the rule: every code is a bug
	// unless it matches one of these patterns.
	NonBugCodes []*regexp.Regexp
}

// CompileClassifier builds a Classifier from pattern strings.
func CompileClassifier(bugCodes, nonBugCodes []string) (*Classifier, error) {
	c := &Classifier{}
	for _, p := range bugCodes {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		c.BugCodes = append(c.BugCodes, re)
	}
	for _, p := range nonBugCodes {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		c.NonBugCodes = append(c.NonBugCodes, re)
	}
	return c, nil
}

// HasBugCode reports whether the response's status code should be filed as
// a bug. 5xx and the transport pseudo-codes are bugs by default; the
// non-bug list, when configured, overrides everything else.
func (c *Classifier) HasBugCode(r *Response) bool {
	code := r.StatusCode()
	if code == "" {
		return false
	}
	if len(c.NonBugCodes) > 0 {
		for _, re := range c.NonBugCodes {
			if re.MatchString(code) {
				return false
			}
		}
		return true
	}
	// The transport pseudo-codes 598 and 599 fall under the 5xx rule.
	if strings.HasPrefix(code, "5") {
		return true
	}
	for _, re := range c.BugCodes {
		if re.MatchString(code) {
			return true
		}
	}
	return false
}
