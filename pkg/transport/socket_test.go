package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawServer answers every connection with a fixed response payload.
func rawServer(t *testing.T, response string) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				c.Read(buf)
				c.Write([]byte(response))
			}(conn)
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func TestClient_Send_ContentLengthFraming(t *testing.T) {
	body := `{"name":"x"}`
	response := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	host, port := rawServer(t, response)

	client := NewClient(Settings{TargetIP: host, TargetPort: port, Timeout: 2 * time.Second})
	defer client.Close()

	resp, err := client.Send(context.Background(), "GET /x HTTP/1.1\r\nHost: t\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, "200", resp.StatusCode())
	assert.Equal(t, body, resp.Body())
}

func TestClient_Send_ChunkedFraming(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	host, port := rawServer(t, response)

	client := NewClient(Settings{TargetIP: host, TargetPort: port, Timeout: 2 * time.Second})
	defer client.Close()

	resp, err := client.Send(context.Background(), "GET /x HTTP/1.1\r\nHost: t\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Body())
}

func TestClient_Send_Timeout(t *testing.T) {
	// A listener that never answers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	client := NewClient(Settings{TargetIP: host, TargetPort: port, Timeout: 100 * time.Millisecond})
	defer client.Close()

	_, err = client.Send(context.Background(), "GET /x HTTP/1.1\r\nHost: t\r\n\r\n")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, TimeoutCode, ResponseForError(err).StatusCode())
}

func TestClient_Send_ConnectRefused(t *testing.T) {
	client := NewClient(Settings{TargetIP: "127.0.0.1", TargetPort: 1, Timeout: 500 * time.Millisecond})
	defer client.Close()

	_, err := client.Send(context.Background(), "GET /x HTTP/1.1\r\n\r\n")
	require.Error(t, err)
	assert.Equal(t, ConnectionClosedCode, ResponseForError(err).StatusCode())
}

func TestFrameContentLength(t *testing.T) {
	// Body without framing gets a Content-Length.
	framed := FrameContentLength("POST /a HTTP/1.1\r\nHost: t\r\n\r\n{\"x\":1}")
	assert.Contains(t, framed, "Content-Length: 7\r\n")
	assert.True(t, strings.HasSuffix(framed, "\r\n\r\n{\"x\":1}"))

	// Existing framing is left alone.
	withLength := "POST /a HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc"
	assert.Equal(t, withLength, FrameContentLength(withLength))

	// No body, no header added.
	bare := "GET /a HTTP/1.1\r\nHost: t\r\n\r\n"
	assert.Equal(t, bare, FrameContentLength(bare))
}
