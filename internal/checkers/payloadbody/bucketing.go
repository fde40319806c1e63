package payloadbody

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/praetorian-inc/restfuzz/pkg/grammar"
)

// Buckets deduplicates payload-body findings per request by divergence
// kind and appends each new kind to the payload buckets log.
type Buckets struct {
	mu sync.Mutex
	// seen: method+endpoint hash -> error strings already filed.
	seen map[string]map[string]bool
}

// NewBuckets creates an empty store.
func NewBuckets() *Buckets {
	return &Buckets{seen: make(map[string]map[string]bool)}
}

// Add records a finding; it returns the error string when the finding is
// new for the request, or an empty string for a duplicate. logsDir may be
// empty to skip the on-disk log.
func (b *Buckets) Add(req *grammar.Request, errorStr, body, logsDir string) string {
	if errorStr == "" {
		errorStr = "Other"
	}
	key := req.MethodEndpointHexDefinition()

	b.mu.Lock()
	defer b.mu.Unlock()
	first := b.seen[key] == nil
	if first {
		b.seen[key] = make(map[string]bool)
	}
	if b.seen[key][errorStr] {
		return ""
	}
	b.seen[key][errorStr] = true

	if logsDir != "" {
		f, err := os.OpenFile(filepath.Join(logsDir, "payload_buckets.txt"),
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			if first {
				fmt.Fprintf(f, "%s %s\n", req.Method, req.EndpointNoDynamicObjects())
			}
			fmt.Fprintf(f, "\t%s\n\t%s\n\n", errorStr, body)
			f.Close()
		}
	}
	return errorStr
}
