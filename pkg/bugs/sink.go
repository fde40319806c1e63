package bugs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sink persists bug buckets: one replay file per bucket plus a JSON
// index.
type Sink interface {
	WriteBucket(entry *Entry) error
	WriteIndex(entries []*Entry) error
}

// DirSink writes buckets under a directory.
type DirSink struct {
	dir string
}

// NewDirSink creates the directory if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bug buckets dir: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

// WriteBucket emits the replay artifact for one bucket: a header line and
// the concatenated payloads, each introduced by its position marker so the
// replay tool can split them back apart.
func (s *DirSink) WriteBucket(entry *Entry) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# bucket %s status_code %s reproducible %v\n", entry.BugHash, entry.StatusCode, entry.Reproducible)
	if entry.AdditionalLogStr != "" {
		fmt.Fprintf(&b, "# %s\n", entry.AdditionalLogStr)
	}
	for i, payload := range entry.Payloads {
		fmt.Fprintf(&b, "-> request %d\n", i+1)
		b.WriteString(payload)
		if !strings.HasSuffix(payload, "\n") {
			b.WriteString("\n")
		}
	}
	path := filepath.Join(s.dir, entry.BugHash+".replay.txt")
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// WriteIndex rewrites the bucket index.
func (s *DirSink) WriteIndex(entries []*Entry) error {
	data, err := json.MarshalIndent(struct {
		Buckets []*Entry `json:"buckets"`
	}{entries}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, "bug_buckets.json"), data, 0o644)
}
