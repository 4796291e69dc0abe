// Package trojan implements the Trojan obfuscation header described in
// spec.md §4.1: SHA224(password) as lowercase hex, CRLF, a SOCKS5-style
// address, CRLF, then the raw payload stream.
package trojan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"pegasproxy/internal/socks5"
)

// HashPassword returns the lowercase hex SHA224 digest Trojan servers
// expect as the connection's authentication token.
func HashPassword(password string) string {
	sum := sha256.Sum224([]byte(password))
	return hex.EncodeToString(sum[:])
}

// WriteHeader writes the Trojan request header (hex password, CRLF,
// CONNECT command byte, encoded address, CRLF) to w, ahead of any
// payload bytes.
func WriteHeader(w io.Writer, password string, dest socks5.Destination) error {
	hashed := HashPassword(password)

	buf := make([]byte, 0, len(hashed)+2+1+len(dest.Addr)+8)
	buf = append(buf, []byte(hashed)...)
	buf = append(buf, '\r', '\n')
	buf = append(buf, socks5.CmdConnect)
	buf = append(buf, socks5.EncodeAddress(dest)...)
	buf = append(buf, '\r', '\n')

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write trojan header: %w", err)
	}
	return nil
}
