// Package vmess implements the VMess request header and AEAD stream
// framing described in spec.md §4.1, including the invariant that chunk
// length fields never exceed 2^14-1 bytes (larger payloads are split).
package vmess

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
)

// Security selects the stream AEAD, matching the wire values from
// spec.md §4.1 ("security = 0x03 AES-GCM or 0x04 ChaCha20-Poly1305").
type Security byte

const (
	SecurityAESGCM           Security = 0x03
	SecurityChaCha20Poly1305 Security = 0x04
)

const (
	version    = 0x01
	cmdTCP     = 0x01
	optionByte = 0x05 // standard format + chunk length masking + global padding

	AddrIPv4   = 0x01
	AddrDomain = 0x02
	AddrIPv6   = 0x03
)

// keyMagic is the fixed salt VMess mixes into the UUID to derive the
// header-encryption key (MD5(uuid || magic)), per spec.md §4.1.
var keyMagic = []byte("c48619fe-8f02-49e0-b9e9-edf763e17e21")

// RequestKeys holds the per-connection symmetric material spec.md's
// "VMess session keys" describes: request IV/key plus the response
// IV/key derived by hashing them.
type RequestKeys struct {
	RequestIV   [16]byte
	RequestKey  [16]byte
	ResponseIV  [16]byte
	ResponseKey [16]byte
	ResponseV   byte
}

// NewRequestKeys generates fresh random request key/IV and derives the
// response-direction keys as SHA256(reqKey)[0:16] / SHA256(reqIV)[0:16].
func NewRequestKeys() (RequestKeys, error) {
	var keys RequestKeys
	if _, err := rand.Read(keys.RequestIV[:]); err != nil {
		return keys, fmt.Errorf("generate request iv: %w", err)
	}
	if _, err := rand.Read(keys.RequestKey[:]); err != nil {
		return keys, fmt.Errorf("generate request key: %w", err)
	}
	respV := make([]byte, 1)
	if _, err := rand.Read(respV); err != nil {
		return keys, fmt.Errorf("generate response auth byte: %w", err)
	}
	keys.ResponseV = respV[0]

	rk := sha256Sum(keys.RequestKey[:])
	copy(keys.ResponseKey[:], rk[:16])
	ri := sha256Sum(keys.RequestIV[:])
	copy(keys.ResponseIV[:], ri[:16])

	return keys, nil
}

// BuildRequest encodes and encrypts the VMess request header for dest,
// following the exact field layout of spec.md §4.1.
func BuildRequest(userUUID uuid.UUID, keys RequestKeys, sec Security, addrType byte, addr []byte, port uint16) ([]byte, error) {
	padLen := paddingLength()
	padding := make([]byte, padLen)
	if padLen > 0 {
		if _, err := rand.Read(padding); err != nil {
			return nil, fmt.Errorf("generate padding: %w", err)
		}
	}

	body := make([]byte, 0, 40+len(addr)+int(padLen))
	body = append(body, version)
	body = append(body, keys.RequestIV[:]...)
	body = append(body, keys.RequestKey[:]...)
	body = append(body, keys.ResponseV)
	body = append(body, optionByte)
	body = append(body, byte(padLen)<<4|byte(sec))
	body = append(body, 0x00) // reserved
	body = append(body, cmdTCP)

	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, port)
	body = append(body, portBuf...)

	body = append(body, addrType)
	if addrType == AddrDomain {
		body = append(body, byte(len(addr)))
	}
	body = append(body, addr...)
	body = append(body, padding...)

	sum := fnv.New32a()
	sum.Write(body)
	checksum := make([]byte, 4)
	binary.BigEndian.PutUint32(checksum, sum.Sum32())
	body = append(body, checksum...)

	encKey := md5Sum(append(append([]byte{}, userUUID[:]...), keyMagic...))
	tsBytes := timestampIV()
	encIV := md5Sum(bytes16x(tsBytes))

	block, err := aes.NewCipher(encKey[:16])
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	stream := cipher.NewCFBEncrypter(block, encIV[:16])
	out := make([]byte, len(body))
	stream.XORKeyStream(out, body)

	return out, nil
}

// paddingLength mirrors pegasocks' use of a small random global padding
// (option byte 0x05 enables it); kept modest since it only obscures
// header length on the wire.
func paddingLength() int {
	b := make([]byte, 1)
	rand.Read(b) //nolint:errcheck // padding length is not security-critical
	return int(b[0] & 0x0F)
}

func timestampIV() int64 {
	return time.Now().Unix()
}

// bytes16x repeats the 8-byte big-endian timestamp four times, giving the
// 32 bytes MD5 is fed, per spec.md §4.1 ("IV = MD5(timestamp-byte repeated)").
func bytes16x(ts int64) []byte {
	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, uint64(ts))
	out := make([]byte, 0, 32)
	for i := 0; i < 4; i++ {
		out = append(out, tsBuf...)
	}
	return out
}

// timestampTolerance bounds how far a request's encryption timestamp may
// drift from wall-clock time before ParseRequest gives up, matching
// pegasocks' acceptance window for replay-ish clock skew.
const timestampTolerance = 120 * time.Second

// ParsedRequest is the decoded, checksum-verified VMess request header.
type ParsedRequest struct {
	Keys     RequestKeys
	Security Security
	AddrType byte
	Addr     []byte
	Port     uint16
}

// ParseRequest decrypts and validates an encoded VMess request header
// produced by BuildRequest for the given user UUID. It tries every
// timestamp within timestampTolerance of now, since the encryption IV is
// derived from the sender's clock rather than carried on the wire.
func ParseRequest(encoded []byte, userUUID uuid.UUID) (ParsedRequest, error) {
	encKey := md5Sum(append(append([]byte{}, userUUID[:]...), keyMagic...))

	now := time.Now().Unix()
	window := int64(timestampTolerance / time.Second)
	for ts := now - window; ts <= now+window; ts++ {
		encIV := md5Sum(bytes16x(ts))
		body, err := decryptBody(encoded, encKey, encIV)
		if err != nil {
			continue
		}
		parsed, ok := decodeBody(body)
		if ok {
			return parsed, nil
		}
	}
	return ParsedRequest{}, fmt.Errorf("vmess: no valid request header within timestamp tolerance")
}

func decryptBody(encoded []byte, key, iv [16]byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCFBDecrypter(block, iv[:])
	out := make([]byte, len(encoded))
	stream.XORKeyStream(out, encoded)
	return out, nil
}

// decodeBody validates the checksum and unpacks the fixed-layout fields.
// It returns ok=false (never an error) on mismatch so ParseRequest can
// cheaply try the next candidate timestamp.
func decodeBody(body []byte) (ParsedRequest, bool) {
	const minLen = 1 + 16 + 16 + 1 + 1 + 1 + 1 + 1 + 2 + 1 + 4
	if len(body) < minLen {
		return ParsedRequest{}, false
	}
	if body[0] != version {
		return ParsedRequest{}, false
	}

	var keys RequestKeys
	copy(keys.RequestIV[:], body[1:17])
	copy(keys.RequestKey[:], body[17:33])
	keys.ResponseV = body[33]

	padSec := body[35]
	padLen := int(padSec >> 4)
	sec := Security(padSec & 0x0F)
	cmd := body[37]
	if cmd != cmdTCP {
		return ParsedRequest{}, false
	}
	port := binary.BigEndian.Uint16(body[38:40])
	addrType := body[40]

	pos := 41
	var addr []byte
	switch addrType {
	case AddrIPv4:
		if len(body) < pos+4 {
			return ParsedRequest{}, false
		}
		addr = append([]byte{}, body[pos:pos+4]...)
		pos += 4
	case AddrIPv6:
		if len(body) < pos+16 {
			return ParsedRequest{}, false
		}
		addr = append([]byte{}, body[pos:pos+16]...)
		pos += 16
	case AddrDomain:
		if len(body) < pos+1 {
			return ParsedRequest{}, false
		}
		domLen := int(body[pos])
		pos++
		if len(body) < pos+domLen {
			return ParsedRequest{}, false
		}
		addr = append([]byte{}, body[pos:pos+domLen]...)
		pos += domLen
	default:
		return ParsedRequest{}, false
	}

	if len(body) < pos+padLen+4 {
		return ParsedRequest{}, false
	}
	pos += padLen

	gotChecksum := binary.BigEndian.Uint32(body[pos : pos+4])
	sum := fnv.New32a()
	sum.Write(body[:pos])
	if sum.Sum32() != gotChecksum {
		return ParsedRequest{}, false
	}

	rk := sha256Sum(keys.RequestKey[:])
	copy(keys.ResponseKey[:], rk[:16])
	ri := sha256Sum(keys.RequestIV[:])
	copy(keys.ResponseIV[:], ri[:16])

	return ParsedRequest{
		Keys:     keys,
		Security: sec,
		AddrType: addrType,
		Addr:     addr,
		Port:     port,
	}, true
}

func md5Sum(b []byte) [16]byte {
	return md5.Sum(b)
}

func sha256Sum(b []byte) [32]byte {
	return sha256.Sum256(b)
}
