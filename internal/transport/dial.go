package transport

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"pegasproxy/internal/config"
	"pegasproxy/internal/socks5"
	"pegasproxy/internal/trojan"
	"pegasproxy/internal/vmess"
	"pegasproxy/internal/wsproto"
)

// Dial opens an outbound connection to srv and writes its protocol header
// for dest, returning a stream ready for the session to Write/Read
// proxied bytes. This is the single entry point session code uses
// regardless of server_type, per spec.md §4.2's four-variant contract.
func Dial(srv config.Server, dest socks5.Destination, timeout time.Duration) (Outbound, error) {
	switch srv.Type {
	case config.ServerTrojanGFW:
		return dialTrojanGFW(srv, dest, timeout)
	case config.ServerTrojanWS:
		return dialTrojanWS(srv, dest, timeout)
	case config.ServerV2RayTCP:
		return dialV2RayTCP(srv, dest, timeout)
	case config.ServerV2RayWS:
		return dialV2RayWS(srv, dest, timeout)
	default:
		return nil, fmt.Errorf("transport: unsupported server_type %q", srv.Type)
	}
}

func dialTCP(srv config.Server, timeout time.Duration) (net.Conn, error) {
	addr := net.JoinHostPort(srv.Address, fmt.Sprintf("%d", srv.Port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// dialTLS wraps conn in a client TLS handshake with ALPN h2/http1.1 and
// SNI from the server descriptor, per spec.md §4.2's trojan_gfw line.
func dialTLS(conn net.Conn, srv config.Server) (*tls.Conn, error) {
	cfg := &tls.Config{
		ServerName:         srv.SNI,
		InsecureSkipVerify: srv.TLSInsecure, //nolint:gosec // operator-configured trust for non-public upstreams
		NextProtos:         []string{"h2", "http/1.1"},
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

// upgradeWebSocket performs the client-role WS handshake against
// srv.WSPath over an already-established conn (plain or TLS), returning
// a stream that frames subsequent bytes as WS binary frames.
func upgradeWebSocket(conn net.Conn, srv config.Server) (*wsStream, error) {
	if _, err := wsproto.BuildUpgradeRequest(conn, srv.Address, srv.WSPath); err != nil {
		return nil, fmt.Errorf("send websocket upgrade: %w", err)
	}
	br := bufio.NewReader(conn)
	ok, err := wsproto.CheckUpgradeResponse(br)
	if err != nil {
		return nil, fmt.Errorf("read websocket upgrade response: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("websocket upgrade rejected by %s", srv.Address)
	}
	return newWSStream(conn, br), nil
}

func dialTrojanGFW(srv config.Server, dest socks5.Destination, timeout time.Duration) (Outbound, error) {
	conn, err := dialTCP(srv, timeout)
	if err != nil {
		return nil, err
	}
	tlsConn, err := dialTLS(conn, srv)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := trojan.WriteHeader(tlsConn, srv.Secret, dest); err != nil {
		tlsConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func dialTrojanWS(srv config.Server, dest socks5.Destination, timeout time.Duration) (Outbound, error) {
	conn, err := dialTCP(srv, timeout)
	if err != nil {
		return nil, err
	}
	tlsConn, err := dialTLS(conn, srv)
	if err != nil {
		conn.Close()
		return nil, err
	}
	ws, err := upgradeWebSocket(tlsConn, srv)
	if err != nil {
		tlsConn.Close()
		return nil, err
	}
	if err := trojan.WriteHeader(ws, srv.Secret, dest); err != nil {
		ws.Close()
		return nil, err
	}
	return ws, nil
}

func dialV2RayTCP(srv config.Server, dest socks5.Destination, timeout time.Duration) (Outbound, error) {
	conn, err := dialTCP(srv, timeout)
	if err != nil {
		return nil, err
	}
	stream, err := vmessHandshake(conn, srv, dest)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return stream, nil
}

func dialV2RayWS(srv config.Server, dest socks5.Destination, timeout time.Duration) (Outbound, error) {
	conn, err := dialTCP(srv, timeout)
	if err != nil {
		return nil, err
	}
	tlsConn, err := dialTLS(conn, srv)
	if err != nil {
		conn.Close()
		return nil, err
	}
	ws, err := upgradeWebSocket(tlsConn, srv)
	if err != nil {
		tlsConn.Close()
		return nil, err
	}
	stream, err := vmessHandshake(ws, srv, dest)
	if err != nil {
		ws.Close()
		return nil, err
	}
	return stream, nil
}

// vmessHandshake writes the encrypted VMess request header to under and
// returns a stream that frames subsequent Writes/Reads as AEAD chunks.
func vmessHandshake(under rawStream, srv config.Server, dest socks5.Destination) (Outbound, error) {
	id, err := uuid.Parse(srv.Secret)
	if err != nil {
		return nil, fmt.Errorf("parse vmess uuid: %w", err)
	}
	keys, err := vmess.NewRequestKeys()
	if err != nil {
		return nil, err
	}
	sec, err := toVMessSecurity(srv.Security)
	if err != nil {
		return nil, err
	}
	addrType, addr := toVMessAddress(dest)

	header, err := vmess.BuildRequest(id, keys, sec, addrType, addr, dest.Port)
	if err != nil {
		return nil, err
	}
	if _, err := under.Write(header); err != nil {
		return nil, fmt.Errorf("write vmess header: %w", err)
	}

	return newVMessStream(under, sec, keys)
}

// toVMessSecurity resolves the configured AEAD, defaulting to AES-128-GCM
// (matching the VMess reference implementation's own default) when a
// server entry omits security entirely.
func toVMessSecurity(s config.Security) (vmess.Security, error) {
	switch s {
	case config.SecurityAESGCM, "":
		return vmess.SecurityAESGCM, nil
	case config.SecurityChaCha20Poly1305:
		return vmess.SecurityChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("transport: unsupported vmess security %q", s)
	}
}

// toVMessAddress translates a SOCKS5 ATYP/address pair into VMess's own
// (distinct) ATYP numbering: 0x01 IPv4, 0x02 domain, 0x03 IPv6.
func toVMessAddress(dest socks5.Destination) (byte, []byte) {
	switch dest.ATYP {
	case socks5.ATYPIPv4:
		return vmess.AddrIPv4, dest.Addr
	case socks5.ATYPIPv6:
		return vmess.AddrIPv6, dest.Addr
	default:
		return vmess.AddrDomain, dest.Addr
	}
}
