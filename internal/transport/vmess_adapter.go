package transport

import (
	"io"
	"time"

	"pegasproxy/internal/vmess"
)

// rawStream is the minimal shape both a net.Conn and a *wsStream satisfy,
// letting vmessStream wrap either the plain TCP or the WebSocket-framed
// carrier identically.
type rawStream interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// vmessStream layers VMess's chunked AEAD framing on top of a rawStream,
// so v2ray_tcp wraps a net.Conn directly and v2ray_ws wraps a *wsStream
// carrying the same chunks inside WebSocket binary frames.
type vmessStream struct {
	under    rawStream
	writer   *vmess.ChunkWriter
	reader   *vmess.ChunkReader
	leftover []byte
}

func newVMessStream(under rawStream, sec vmess.Security, keys vmess.RequestKeys) (*vmessStream, error) {
	w, err := vmess.NewChunkWriter(under, sec, keys.RequestKey, keys.RequestIV)
	if err != nil {
		return nil, err
	}
	r, err := vmess.NewChunkReader(under, sec, keys.ResponseKey, keys.ResponseIV)
	if err != nil {
		return nil, err
	}
	return &vmessStream{under: under, writer: w, reader: r}, nil
}

func (v *vmessStream) Write(p []byte) (int, error) {
	return v.writer.Write(p)
}

func (v *vmessStream) Read(p []byte) (int, error) {
	for len(v.leftover) == 0 {
		chunk, err := v.reader.ReadChunk()
		if err != nil {
			return 0, err
		}
		v.leftover = chunk
	}
	n := copy(p, v.leftover)
	v.leftover = v.leftover[n:]
	return n, nil
}

func (v *vmessStream) Close() error {
	return v.under.Close()
}

func (v *vmessStream) SetDeadline(t time.Time) error {
	return v.under.SetDeadline(t)
}
