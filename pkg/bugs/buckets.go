// Package bugs deduplicates, hashes, and persists bug-triggering
// sequences, optionally replaying them to verify reproducibility.
//
// Bucketization follows the methodology of the original stateful REST
// fuzzing work: a bucket is keyed by origin (main driver or checker name)
// plus the status code (named forms for timeouts and closed connections),
// and a bug hash over the last request.
package bugs

import (
	"context"
	"log/slog"
	"sync"

	"github.com/praetorian-inc/restfuzz/pkg/grammar"
	"github.com/praetorian-inc/restfuzz/pkg/sequences"
	"github.com/praetorian-inc/restfuzz/pkg/transport"
)

// OriginMainDriver tags bugs found by the driver itself rather than a
// checker.
const OriginMainDriver = "main_driver"

// Replayer re-sends stored payloads serially and returns the final status
// code. The engine provides one backed by a dedicated socket.
type Replayer interface {
	Replay(ctx context.Context, payloads []string) (statusCode string, err error)
}

// Entry is one stored bug bucket.
type Entry struct {
	// Origin is the bucket origin tag, e.g. "useafterfree_200".
	Origin string `json:"origin"`
	// BugHash uniquely identifies the bucket.
	BugHash string `json:"bug_hash"`
	// SequenceHex is the full sequence definition hash.
	SequenceHex string `json:"sequence_hex"`
	// LastRequestHex identifies the final request of the sequence.
	LastRequestHex string `json:"last_request_hex"`
	// StatusCode is the code that triggered the bug.
	StatusCode string `json:"status_code"`
	// Reproducible records whether a replay reproduced the bug.
	Reproducible bool `json:"reproducible"`
	// Payloads is the replay payload list: create-once payloads followed
	// by the sequence's sent data.
	Payloads []string `json:"-"`
	// AdditionalLogStr is extra context some checkers attach to the
	// replay header.
	AdditionalLogStr string `json:"additional_log_str,omitempty"`
}

// UpdateOptions tune one UpdateBugBuckets call.
type UpdateOptions struct {
	// Origin of the bug; defaults to OriginMainDriver.
	Origin string
	// Reproduce replays the sequence to verify reproducibility.
	Reproduce bool
	// HashFullRequest hashes the entire last-request definition instead
	// of method+endpoint.
	HashFullRequest bool
	// CheckerStr is an additional string folded into the hash by some
	// checkers.
	CheckerStr string
	// AdditionalLogStr is recorded on the entry.
	AdditionalLogStr string
}

// Buckets is the engine-wide bug bucket store. Safe for concurrent use.
type Buckets struct {
	mu sync.Mutex
	// buckets: bucket origin -> sequence hex -> entry, in insertion
	// order per origin via order slice.
	buckets map[string]map[string]*Entry
	order   []*Entry

	replayer Replayer
	sink     Sink

	// createOncePayloads are prepended to every replay artifact.
	createOncePayloads []string
}

// NewBuckets creates a store. replayer may be nil, disabling reproduction;
// sink may be nil, disabling persistence.
func NewBuckets(replayer Replayer, sink Sink) *Buckets {
	return &Buckets{
		buckets:  make(map[string]map[string]*Entry),
		replayer: replayer,
		sink:     sink,
	}
}

// SetCreateOncePayloads records the preprocessing payloads included in
// every replay artifact.
func (b *Buckets) SetCreateOncePayloads(payloads []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createOncePayloads = append([]string(nil), payloads...)
}

// BucketOrigin derives the bucket origin tag from the origin and the
// triggering status code. Timeout and connection-closed pseudo-codes get
// named forms; everything else, the 2xx rule-violation codes included,
// keeps the literal code.
func BucketOrigin(origin, bugCode string) string {
	switch bugCode {
	case transport.TimeoutCode:
		return origin + "_timeout"
	case transport.ConnectionClosedCode:
		return origin + "_connection_closed"
	default:
		return origin + "_" + bugCode
	}
}

// BugHash builds the bucket key: origin tag plus a sha1 over the last
// request (method+endpoint by default, the full definition when
// hashFullRequest is set), with the optional checker string appended.
func BugHash(bucketOrigin string, seq *sequences.Sequence, hashFullRequest bool, checkerStr string) string {
	last := seq.LastRequest()
	reqStr := last.MethodEndpointHexDefinition()
	if hashFullRequest {
		reqStr = last.HexDefinition()
	}
	if checkerStr != "" {
		reqStr += checkerStr
	}
	return bucketOrigin + "_" + grammar.HexDef(reqStr)
}

// UpdateBugBuckets potentially adds a bug-triggering sequence to the
// store. Duplicates are rejected when the sequence is already bucketed
// anywhere, or when a same-origin bucket already holds a sequence with
// the same final request: if xB is filed, xyB adds nothing.
func (b *Buckets) UpdateBugBuckets(ctx context.Context, seq *sequences.Sequence, bugCode string, opts UpdateOptions) {
	if opts.Origin == "" {
		opts.Origin = OriginMainDriver
	}
	bucketOrigin := BucketOrigin(opts.Origin, bugCode)
	seqHex := seq.HexDefinition()
	lastHex := seq.LastRequest().HexDefinition()

	b.mu.Lock()
	if b.isDuplicate(seqHex) || b.endingRequestExists(bucketOrigin, lastHex) {
		b.mu.Unlock()
		return
	}

	payloads := append([]string(nil), b.createOncePayloads...)
	for _, sent := range seq.SentData() {
		payloads = append(payloads, sent.Rendered)
	}

	entry := &Entry{
		Origin:           bucketOrigin,
		BugHash:          BugHash(bucketOrigin, seq, opts.HashFullRequest, opts.CheckerStr),
		SequenceHex:      seqHex,
		LastRequestHex:   lastHex,
		StatusCode:       bugCode,
		Payloads:         payloads,
		AdditionalLogStr: opts.AdditionalLogStr,
	}
	if b.buckets[bucketOrigin] == nil {
		b.buckets[bucketOrigin] = make(map[string]*Entry)
	}
	b.buckets[bucketOrigin][seqHex] = entry
	b.order = append(b.order, entry)
	replayer := b.replayer
	b.mu.Unlock()

	if opts.Reproduce && replayer != nil {
		slog.Info("attempting to reproduce bug", "origin", bucketOrigin)
		code, err := replayer.Replay(ctx, payloads)
		if err != nil {
			slog.Debug("bug replay failed", "origin", bucketOrigin, "error", err)
		}
		entry.Reproducible = err == nil && code == bugCode
	}

	if b.sink != nil {
		if err := b.sink.WriteBucket(entry); err != nil {
			slog.Warn("failed to persist bug bucket", "bug_hash", entry.BugHash, "error", err)
		}
		b.mu.Lock()
		index := append([]*Entry(nil), b.order...)
		b.mu.Unlock()
		if err := b.sink.WriteIndex(index); err != nil {
			slog.Warn("failed to persist bug bucket index", "error", err)
		}
	}
}

func (b *Buckets) isDuplicate(seqHex string) bool {
	for _, entries := range b.buckets {
		if _, ok := entries[seqHex]; ok {
			return true
		}
	}
	return false
}

func (b *Buckets) endingRequestExists(bucketOrigin, lastHex string) bool {
	for _, entry := range b.buckets[bucketOrigin] {
		if entry.LastRequestHex == lastHex {
			return true
		}
	}
	return false
}

// NumBugBuckets returns the bucket count per origin tag.
func (b *Buckets) NumBugBuckets() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.buckets))
	for origin, entries := range b.buckets {
		out[origin] = len(entries)
	}
	return out
}

// Entries returns every stored entry in insertion order.
func (b *Buckets) Entries() []*Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Entry(nil), b.order...)
}

// Has reports whether any bucket with the given origin tag exists.
func (b *Buckets) Has(bucketOrigin string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets[bucketOrigin]) > 0
}
