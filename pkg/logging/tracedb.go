package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// traceMaxFileSize is the rotation threshold for a trace DB file.
const traceMaxFileSize = 100 << 20 // 100 MiB

// TraceTags identify where a request/response pair came from.
type TraceTags struct {
	RequestID     string `json:"request_id,omitempty"`
	SequenceID    string `json:"sequence_id,omitempty"`
	CombinationID int    `json:"combination_id,omitempty"`
	Origin        string `json:"origin,omitempty"`
}

// TraceRecord is one newline-delimited JSON object in the trace DB.
type TraceRecord struct {
	SentTimestamp     *time.Time `json:"sent_timestamp,omitempty"`
	ReceivedTimestamp *time.Time `json:"received_timestamp,omitempty"`
	Request           string     `json:"request,omitempty"`
	Response          string     `json:"response,omitempty"`
	Tags              TraceTags  `json:"tags"`
}

// TraceDB is the structured request/response store: ndjson files rotated
// at 100 MiB. Safe for concurrent use.
type TraceDB struct {
	mu    sync.Mutex
	dir   string
	f     *os.File
	size  int64
	index int
}

// NewTraceDB opens the trace database under dir.
func NewTraceDB(dir string) (*TraceDB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace db dir: %w", err)
	}
	db := &TraceDB{dir: dir}
	if err := db.rotate(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *TraceDB) rotate() error {
	if db.f != nil {
		db.f.Close()
	}
	path := filepath.Join(db.dir, fmt.Sprintf("trace.%d.ndjson", db.index))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open trace db file: %w", err)
	}
	db.f = f
	db.size = 0
	db.index++
	return nil
}

// Log appends a record.
func (db *TraceDB) Log(rec *TraceRecord) error {
	if db == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.size+int64(len(data)) > traceMaxFileSize {
		if err := db.rotate(); err != nil {
			return err
		}
	}
	n, err := db.f.Write(data)
	db.size += int64(n)
	return err
}

// Close closes the current trace file.
func (db *TraceDB) Close() error {
	if db == nil {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.f == nil {
		return nil
	}
	err := db.f.Close()
	db.f = nil
	return err
}
