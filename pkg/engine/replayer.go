package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/praetorian-inc/restfuzz/pkg/grammar"
	"github.com/praetorian-inc/restfuzz/pkg/transport"
)

// replayer re-sends a bucket's stored payloads serially over a dedicated
// socket and reports the final status code, verifying reproducibility.
type replayer struct {
	eng *Engine
}

// Replay implements bugs.Replayer.
func (r *replayer) Replay(ctx context.Context, payloads []string) (string, error) {
	if len(payloads) == 0 {
		return "", fmt.Errorf("nothing to replay")
	}
	client := transport.NewClient(transport.Settings{
		TargetIP:   r.eng.cfg.TargetIP,
		TargetPort: r.eng.cfg.TargetPort,
		UseSSL:     !r.eng.cfg.NoSSL,
		Timeout:    r.eng.cfg.MaxRequestExecutionTime(),
	})
	defer client.Close()

	var last *transport.Response
	for _, payload := range payloads {
		// Stored payloads keep the auth slot unsubstituted so replays
		// run under a fresh token.
		if strings.Contains(payload, grammar.AuthTokenMarker) {
			block, err := r.eng.authProvider.Primary(ctx)
			if err != nil {
				return "", err
			}
			payload = strings.ReplaceAll(payload, grammar.AuthTokenMarker, block)
		}
		resp, err := client.Send(ctx, payload)
		if err != nil {
			resp = transport.ResponseForError(err)
		}
		r.eng.monitor.IncrementRequestsCount("replay")
		last = resp
	}
	return last.StatusCode(), nil
}
