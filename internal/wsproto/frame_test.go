package wsproto

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, opcode byte, payloadLen int) {
	t.Helper()
	payload := bytes.Repeat([]byte{0xAB}, payloadLen)

	buf := &bytes.Buffer{}
	require.NoError(t, writeFrame(buf, opcode, payload))

	frame, err := ReadFrame(buf)
	require.NoError(t, err)

	assert.True(t, frame.Fin)
	assert.Equal(t, opcode, frame.Opcode)
	assert.True(t, frame.Masked)
	assert.Equal(t, uint64(payloadLen), frame.PayloadLen)
	assert.Equal(t, payload, frame.Payload)
}

func TestFrameRoundTripAllSizes(t *testing.T) {
	sizes := []int{0, 125, 126, 65535, 65536}
	opcodes := []byte{OpText, OpBinary, OpClose, OpPing, OpPong}
	for _, op := range opcodes {
		for _, size := range sizes {
			roundTrip(t, op, size)
		}
	}
}

func TestFrameRoundTripLarge(t *testing.T) {
	// 2^17 is enough to exercise the 64-bit extended length path without
	// allocating 2^31 bytes in a unit test.
	roundTrip(t, OpBinary, 1<<17)
}

func TestParseHeaderIncompleteReturnsFalse(t *testing.T) {
	_, ok := ParseHeader([]byte{0x82})
	assert.False(t, ok)
}

func TestParseHeaderExtended16(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, writeFrame(buf, OpBinary, bytes.Repeat([]byte{1}, 200)))
	meta, ok := ParseHeader(buf.Bytes())
	require.True(t, ok)
	assert.Equal(t, uint64(200), meta.PayloadLen)
	assert.True(t, meta.Masked)
}

func TestBuildUpgradeRequestAndCheck(t *testing.T) {
	buf := &bytes.Buffer{}
	nonce, err := BuildUpgradeRequest(buf, "example.com", "/ray")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Sec-WebSocket-Version: 13\r\n")
	assert.Contains(t, buf.String(), "Host: example.com\r\n")
	assert.NotEmpty(t, nonce)

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(nonce) + "\r\n\r\n"

	ok, err := CheckUpgradeResponse(bufio.NewReader(strings.NewReader(resp)))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckUpgradeResponseRejectsNon101(t *testing.T) {
	resp := "HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n"
	ok, err := CheckUpgradeResponse(bufio.NewReader(strings.NewReader(resp)))
	require.NoError(t, err)
	assert.False(t, ok)
}
