// Package transport builds outbound connections to configured Trojan and
// VMess servers, composing TCP, TLS, and WebSocket framing per spec.md
// §4.2's four server_type variants. Dial writes the protocol header for
// every variant and returns the same Outbound stream shape (Read, Write,
// Close, SetDeadline) to session code.
package transport

import (
	"io"
	"net"
	"time"
)

// Outbound is a fully established connection to an upstream server. Header
// framing (Trojan's hex-password preamble, VMess's encrypted request
// header) has already been written by the time a Dial* function returns
// one; callers only Write/Read the proxied payload afterward.
type Outbound interface {
	io.Reader
	io.Writer
	io.Closer
	SetDeadline(t time.Time) error
}

// wsStream adapts a WebSocket-framed net.Conn to the plain byte-stream
// Reader/Writer the rest of the pipeline expects: writes become single
// binary frames (one per flush, per spec.md §4.2), reads drain one frame
// at a time and transparently answer pings with pongs, mirroring
// proxy-egress/internal/websocket/proxy.go's WebSocketConnection.
type wsStream struct {
	net.Conn
	src     io.Reader // frames are parsed from src, which may be a bufio.Reader wrapping Conn
	pending []byte
}

// newWSStream wraps conn for writes/close/deadlines and src for reads, so
// any bytes CheckUpgradeResponse's bufio.Reader already buffered past the
// HTTP headers aren't lost.
func newWSStream(conn net.Conn, src io.Reader) *wsStream {
	return &wsStream{Conn: conn, src: src}
}

func (c *wsStream) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		frame, err := readDataFrame(c.src, c.Conn)
		if err != nil {
			return 0, err
		}
		c.pending = frame
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wsStream) Write(p []byte) (int, error) {
	if err := writeBinaryFrame(c.Conn, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
