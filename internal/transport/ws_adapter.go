package transport

import (
	"fmt"
	"io"

	"pegasproxy/internal/wsproto"
)

// writeBinaryFrame sends p as a single binary WebSocket frame, matching
// spec.md §4.2's "1 frame per flush" framing rule.
func writeBinaryFrame(w io.Writer, p []byte) error {
	return wsproto.WriteBinary(w, p)
}

// readDataFrame reads frames from r until it finds one carrying data
// (binary or text), answering pings on w with a pong of identical payload
// in between — spec.md §7 test 6 requires the pong not interrupt data
// flow — and treating a close frame as a clean EOF. A masked frame from
// the server is rejected with an error.
func readDataFrame(r io.Reader, w io.Writer) ([]byte, error) {
	for {
		frame, err := wsproto.ReadFrame(r)
		if err != nil {
			return nil, err
		}
		if frame.Masked {
			return nil, fmt.Errorf("websocket frame from server is masked")
		}
		switch frame.Opcode {
		case wsproto.OpBinary, wsproto.OpText, wsproto.OpContinuation:
			return frame.Payload, nil
		case wsproto.OpPing:
			if err := wsproto.WritePong(w, frame.Payload); err != nil {
				return nil, fmt.Errorf("reply to ping: %w", err)
			}
		case wsproto.OpPong:
			// unsolicited pong, ignore.
		case wsproto.OpClose:
			return nil, io.EOF
		default:
			return nil, fmt.Errorf("unexpected websocket opcode 0x%x", frame.Opcode)
		}
	}
}
