package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// ErrTimeout reports that no complete response arrived within the
// per-request execution budget.
var ErrTimeout = errors.New("transport: request timed out")

// ErrConnectionClosed reports that the peer closed the connection before a
// complete response was received.
var ErrConnectionClosed = errors.New("transport: connection closed")

// Settings configures a Client.
type Settings struct {
	// TargetIP and TargetPort locate the service under test.
	TargetIP   string
	TargetPort int
	// UseSSL wraps the stream in TLS. Certificate validation is disabled:
	// the target is a test deployment, often with a self-signed cert.
	UseSSL bool
	// Timeout bounds a single send/receive exchange.
	Timeout time.Duration
	// ReconnectOnEveryRequest forces a fresh connection per request
	// instead of reconnecting only after errors.
	ReconnectOnEveryRequest bool
}

// Client is a raw HTTP/1.1 client over a stream socket. The rendered
// request bytes are sent verbatim; the response is read until the framing
// (Content-Length or chunked encoding) says it is complete, or until the
// peer closes the connection.
//
// A Client is owned by exactly one fuzzing worker and is not safe for
// concurrent use.
type Client struct {
	settings Settings
	conn     net.Conn
}

// NewClient creates a client. No connection is made until the first Send.
func NewClient(settings Settings) *Client {
	if settings.Timeout <= 0 {
		settings.Timeout = 600 * time.Second
	}
	return &Client{settings: settings}
}

// Close tears down the current connection, if any.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.settings.TargetIP, strconv.Itoa(c.settings.TargetPort))
	d := net.Dialer{Timeout: c.settings.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	if c.settings.UseSSL {
		tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("tls handshake %s: %w", addr, err)
		}
		conn = tlsConn
	}
	c.conn = conn
	return nil
}

// FrameContentLength inserts a Content-Length header when the request
// carries a body but declares no framing. Rendered grammars do not carry
// length headers, since fuzzed bodies change length per combination.
func FrameContentLength(data string) string {
	head, body, found := strings.Cut(data, "\r\n\r\n")
	if !found || body == "" {
		return data
	}
	lower := strings.ToLower(head)
	if strings.Contains(lower, "\r\ncontent-length:") || strings.Contains(lower, "\r\ntransfer-encoding:") {
		return data
	}
	return fmt.Sprintf("%s\r\nContent-Length: %d\r\n\r\n%s", head, len(body), body)
}

// Send writes the rendered request bytes and reads one response.
//
// Transport failures are returned as ErrTimeout or ErrConnectionClosed
// (possibly wrapped); use ResponseForError to map them to the engine's
// pseudo-code responses. A failed connect is reported as
// ErrConnectionClosed as well.
func (c *Client) Send(ctx context.Context, data string) (*Response, error) {
	data = FrameContentLength(data)
	if c.settings.ReconnectOnEveryRequest || c.conn == nil {
		c.Close()
		if err := c.connect(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
	}

	resp, err := c.exchange(data)
	if err == nil {
		return resp, nil
	}

	// Reconnect once: the server may have dropped an idle keep-alive
	// connection between requests.
	slog.Debug("transport exchange failed, reconnecting", "error", err)
	c.Close()
	if errors.Is(err, ErrTimeout) {
		return nil, err
	}
	if cerr := c.connect(ctx); cerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, cerr)
	}
	return c.exchange(data)
}

func (c *Client) exchange(data string) (*Response, error) {
	deadline := time.Now().Add(c.settings.Timeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	if _, err := io.WriteString(c.conn, data); err != nil {
		return nil, classifyNetErr(err)
	}
	raw, err := readResponse(bufio.NewReader(c.conn))
	if err != nil {
		return nil, classifyNetErr(err)
	}
	return NewResponse(raw), nil
}

func classifyNetErr(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}

// ResponseForError maps a transport error to the pseudo-code response the
// engine records for it. Non-transport errors map to connection-closed.
func ResponseForError(err error) *Response {
	if errors.Is(err, ErrTimeout) {
		return NewPseudoResponse(TimeoutCode)
	}
	return NewPseudoResponse(ConnectionClosedCode)
}

// readResponse reads one full HTTP/1.1 response and reassembles it with the
// body de-chunked, so downstream framing (Response.Body) is exact.
func readResponse(r *bufio.Reader) (string, error) {
	tp := textproto.NewReader(r)

	statusLine, err := tp.ReadLine()
	if err != nil {
		return "", err
	}
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		return "", err
	}

	var head strings.Builder
	head.WriteString(statusLine)
	head.WriteString("\r\n")
	for key, values := range mimeHeader {
		for _, v := range values {
			head.WriteString(key)
			head.WriteString(": ")
			head.WriteString(v)
			head.WriteString("\r\n")
		}
	}
	head.WriteString("\r\n")

	body, err := readBody(r, statusLine, mimeHeader)
	if err != nil {
		return "", err
	}
	return head.String() + body, nil
}

func readBody(r *bufio.Reader, statusLine string, header textproto.MIMEHeader) (string, error) {
	// 1xx, 204, and 304 responses carry no body regardless of headers.
	if parts := strings.SplitN(statusLine, " ", 3); len(parts) >= 2 {
		code := parts[1]
		if code == "204" || code == "304" || strings.HasPrefix(code, "1") {
			return "", nil
		}
	}
	if strings.EqualFold(header.Get("Transfer-Encoding"), "chunked") {
		return readChunkedBody(r)
	}
	if cl := header.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return "", fmt.Errorf("bad Content-Length %q", cl)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		return string(buf), nil
	}
	// No framing headers: read until the peer closes the connection.
	var b strings.Builder
	if _, err := io.Copy(&b, r); err != nil {
		return "", err
	}
	return b.String(), nil
}

func readChunkedBody(r *bufio.Reader) (string, error) {
	var body strings.Builder
	for {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		sizeLine = strings.TrimSpace(sizeLine)
		if idx := strings.IndexByte(sizeLine, ';'); idx >= 0 {
			sizeLine = sizeLine[:idx]
		}
		size, err := strconv.ParseInt(sizeLine, 16, 64)
		if err != nil {
			return "", fmt.Errorf("bad chunk size %q", sizeLine)
		}
		if size == 0 {
			// Consume the trailer section up to the final blank line.
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return "", err
				}
				if strings.TrimSpace(line) == "" {
					break
				}
			}
			return body.String(), nil
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return "", err
		}
		body.Write(chunk)
		// Trailing CRLF after each chunk.
		if _, err := r.Discard(2); err != nil {
			return "", err
		}
	}
}
