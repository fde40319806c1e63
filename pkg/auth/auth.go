// Package auth models the authentication contract: an external token
// source produces identity descriptors and header blocks, and the
// provider caches them with TTL-based refresh. Token acquisition itself
// (script execution, cloud metadata, etc.) lives outside the engine.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrNoToken reports that a request requires authentication but no token
// is available. The request is logged and skipped.
var ErrNoToken = errors.New("auth: no token available")

// Divider separates per-identity header blocks in token source output.
const Divider = "---"

// TokenSource acquires fresh token material. The output format is:
// lines 1..k are identity descriptors (user1, user2, ...), the remaining
// lines are header blocks, one per identity, separated by a Divider line.
type TokenSource interface {
	Acquire(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to the TokenSource interface.
type TokenSourceFunc func(ctx context.Context) (string, error)

// Acquire implements TokenSource.
func (f TokenSourceFunc) Acquire(ctx context.Context) (string, error) {
	return f(ctx)
}

// Tokens is the parsed result of one acquisition.
type Tokens struct {
	// Identities are the descriptor lines in order (user1 first).
	Identities []string
	// Primary is the header block of the first identity, newline
	// terminated, ready for insertion into a request head.
	Primary string
	// Shadow is the header block of the second identity, or empty when
	// the source declares a single identity.
	Shadow string
}

// ParseTokens splits token source output into identities and header
// blocks.
func ParseTokens(out string) (*Tokens, error) {
	lines := strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n")

	var t Tokens
	i := 0
	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		// Identity descriptors precede the header blocks and look like
		// {'user1': ...} entries; a header line always contains a colon
		// after a header name, an identity line starts with a brace.
		if !strings.HasPrefix(line, "{") {
			break
		}
		t.Identities = append(t.Identities, line)
	}

	var blocks []string
	var current []string
	for ; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], " \t")
		if strings.TrimSpace(line) == Divider {
			blocks = append(blocks, joinHeaderBlock(current))
			current = nil
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		blocks = append(blocks, joinHeaderBlock(current))
	}

	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: token source produced no header block", ErrNoToken)
	}
	t.Primary = blocks[0]
	if len(blocks) > 1 {
		t.Shadow = blocks[1]
	}
	return &t, nil
}

func joinHeaderBlock(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

// Provider caches tokens from a TokenSource and refreshes them when the
// declared lifetime elapses. Safe for concurrent use.
type Provider struct {
	source TokenSource
	ttl    time.Duration

	mu        sync.Mutex
	tokens    *Tokens
	fetchedAt time.Time
}

// NewProvider creates a provider. A zero ttl keeps the first acquisition
// for the whole run. A nil source yields ErrNoToken from every call.
func NewProvider(source TokenSource, ttl time.Duration) *Provider {
	return &Provider{source: source, ttl: ttl}
}

func (p *Provider) refresh(ctx context.Context) error {
	if p.source == nil {
		return ErrNoToken
	}
	out, err := p.source.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoToken, err)
	}
	tokens, err := ParseTokens(out)
	if err != nil {
		return err
	}
	p.tokens = tokens
	p.fetchedAt = time.Now()
	return nil
}

func (p *Provider) current(ctx context.Context) (*Tokens, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tokens == nil || (p.ttl > 0 && time.Since(p.fetchedAt) >= p.ttl) {
		if err := p.refresh(ctx); err != nil {
			return nil, err
		}
	}
	return p.tokens, nil
}

// Primary returns the current primary-identity header block.
func (p *Provider) Primary(ctx context.Context) (string, error) {
	t, err := p.current(ctx)
	if err != nil {
		return "", err
	}
	return t.Primary, nil
}

// Shadow returns the current secondary-identity header block, or
// ErrNoToken when the source declares a single identity. The namespace
// checker requires two identities.
func (p *Provider) Shadow(ctx context.Context) (string, error) {
	t, err := p.current(ctx)
	if err != nil {
		return "", err
	}
	if t.Shadow == "" {
		return "", fmt.Errorf("%w: no shadow identity", ErrNoToken)
	}
	return t.Shadow, nil
}

// HasShadow reports whether a secondary identity is available.
func (p *Provider) HasShadow(ctx context.Context) bool {
	t, err := p.current(ctx)
	return err == nil && t.Shadow != ""
}

// RedactTokens replaces every known token header block in data for the
// network log.
func (p *Provider) RedactTokens(data string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tokens == nil {
		return data
	}
	for _, block := range []string{p.tokens.Primary, p.tokens.Shadow} {
		if block != "" {
			data = strings.ReplaceAll(data, block, "_OMITTED_AUTH_TOKEN_\r\n")
		}
	}
	return data
}
