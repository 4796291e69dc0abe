package transport

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"pegasproxy/internal/config"
	"pegasproxy/internal/socks5"
	"pegasproxy/internal/trojan"
	"pegasproxy/internal/vmess"
)

func selfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func TestDialTrojanGFWSendsValidHeader(t *testing.T) {
	ln, err := tls.Listen("tcp", "127.0.0.1:0", selfSignedTLSConfig(t))
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	dest := socks5.Destination{ATYP: socks5.ATYPDomain, Addr: []byte("example.com"), Port: 80}

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()

		hashed := trojan.HashPassword("s3cr3t")
		buf := make([]byte, len(hashed))
		if _, err := io.ReadFull(conn, buf); err != nil {
			serverErr <- err
			return
		}
		if string(buf) != hashed {
			serverErr <- fmt.Errorf("hash mismatch: got %s", buf)
			return
		}
		crlf := make([]byte, 2)
		io.ReadFull(conn, crlf)
		if crlf[0] != '\r' || crlf[1] != '\n' {
			serverErr <- fmt.Errorf("missing crlf")
			return
		}
		serverErr <- nil
	}()

	srv := config.Server{
		Address:     "127.0.0.1",
		Port:        addr.Port,
		Type:        config.ServerTrojanGFW,
		SNI:         "localhost",
		Secret:      "s3cr3t",
		TLSInsecure: true,
	}

	outbound, err := Dial(srv, dest, 2*time.Second)
	require.NoError(t, err)
	defer outbound.Close()

	require.NoError(t, <-serverErr)
}

func TestDialV2RayTCPRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	id := uuid.New()
	dest := socks5.Destination{ATYP: socks5.ATYPDomain, Addr: []byte("example.com"), Port: 80}

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()

		headerBuf := make([]byte, 4096)
		n, err := conn.Read(headerBuf)
		if err != nil {
			serverErr <- err
			return
		}
		parsed, err := vmess.ParseRequest(headerBuf[:n], id)
		if err != nil {
			serverErr <- err
			return
		}
		if string(parsed.Addr) != "example.com" {
			serverErr <- fmt.Errorf("unexpected addr: %s", parsed.Addr)
			return
		}

		reader, err := vmess.NewChunkReader(conn, parsed.Security, parsed.Keys.RequestKey, parsed.Keys.RequestIV)
		if err != nil {
			serverErr <- err
			return
		}
		chunk, err := reader.ReadChunk()
		if err != nil {
			serverErr <- err
			return
		}
		if string(chunk) != "ping" {
			serverErr <- fmt.Errorf("unexpected payload: %s", chunk)
			return
		}

		writer, err := vmess.NewChunkWriter(conn, parsed.Security, parsed.Keys.ResponseKey, parsed.Keys.ResponseIV)
		if err != nil {
			serverErr <- err
			return
		}
		serverErr <- writer.WriteChunk([]byte("pong"))
	}()

	srv := config.Server{
		Address:  "127.0.0.1",
		Port:     addr.Port,
		Type:     config.ServerV2RayTCP,
		Secret:   id.String(),
		Security: config.SecurityAESGCM,
	}

	outbound, err := Dial(srv, dest, 2*time.Second)
	require.NoError(t, err)
	defer outbound.Close()

	_, err = outbound.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, <-serverErr)

	resp := make([]byte, 4)
	_, err = io.ReadFull(outbound, resp)
	require.NoError(t, err)
	require.Equal(t, "pong", string(resp))
}

func TestUpgradeWebSocketRejectsNon101(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		br.ReadString('\n')
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n"))
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = upgradeWebSocket(conn, config.Server{Address: "127.0.0.1", WSPath: "/ray"})
	require.Error(t, err)
}
