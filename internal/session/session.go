// Package session implements the per-connection state machine described
// in spec.md §4.3: a SOCKS5 inbound leg paired with a Trojan or VMess
// outbound leg, relayed once both sides are established.
package session

import (
	"fmt"
	"io"
	"net"
	"time"

	"pegasproxy/internal/config"
	"pegasproxy/internal/logging"
	"pegasproxy/internal/queue"
	"pegasproxy/internal/server"
	"pegasproxy/internal/socks5"
	"pegasproxy/internal/transport"
)

// State enumerates the session lifecycle from spec.md §3. Dial performs
// the OUTBOUND_CONNECTING/TLS_HANDSHAKING/WS_UPGRADING/VMESS_HEADER_WRITING
// steps internally as one blocking call, so this machine only surfaces
// the coarser transitions a caller can observe.
type State int

const (
	StateSOCKS5AuthWait State = iota
	StateSOCKS5ReqWait
	StateOutboundConnecting
	StateStreaming
	StateClosing
)

// Session owns one inbound connection for its lifetime.
type Session struct {
	conn    net.Conn
	mgr     *server.Manager
	cfg     *config.Config
	log     *logging.Logger
	q       *queue.Queue
	state   State
	dialFn  func(config.Server, socks5.Destination, time.Duration) (transport.Outbound, error)
	upBytes uint64
	downBytes uint64
}

// New builds a Session over an accepted inbound connection.
func New(conn net.Conn, mgr *server.Manager, cfg *config.Config, log *logging.Logger, q *queue.Queue) *Session {
	return &Session{
		conn:   conn,
		mgr:    mgr,
		cfg:    cfg,
		log:    log,
		q:      q,
		state:  StateSOCKS5AuthWait,
		dialFn: transport.Dial,
	}
}

// Serve drives the session to completion: SOCKS5 handshake, outbound
// dial, then bidirectional relay until either side closes.
func (s *Session) Serve() {
	defer s.conn.Close()
	defer func() { s.state = StateClosing }()

	noAuth, err := socks5.ReadGreeting(s.conn)
	if err != nil {
		s.pushLog("warn", fmt.Sprintf("socks5 greeting error: %v", err))
		return
	}
	if !noAuth {
		socks5.WriteMethodSelection(s.conn, socks5.MethodNoAcceptable)
		return
	}
	if err := socks5.WriteMethodSelection(s.conn, socks5.MethodNoAuth); err != nil {
		return
	}

	s.state = StateSOCKS5ReqWait
	dest, err := socks5.ReadRequest(s.conn)
	if err != nil {
		s.pushLog("warn", fmt.Sprintf("socks5 request error: %v", err))
		socks5.WriteReply(s.conn, socks5.ReplyCommandNotSupported)
		return
	}

	s.state = StateOutboundConnecting
	idx, srv := s.mgr.Active()
	timeout := time.Duration(s.cfg.Timeout) * time.Second

	outbound, err := s.dialFn(srv, dest, timeout)
	if err != nil {
		s.pushLog("warn", fmt.Sprintf("dial server %d (%s) failed: %v", idx, dest.Host(), err))
		socks5.WriteReply(s.conn, socks5.ReplyGeneralFailure)
		return
	}
	defer outbound.Close()

	if err := socks5.WriteReply(s.conn, socks5.ReplySucceeded); err != nil {
		return
	}
	s.state = StateStreaming
	s.pushConnCount(idx)

	s.relay(outbound)
}

// relay pumps bytes in both directions until either leg reaches EOF,
// applying the backpressure watermarks from buffer.go.
func (s *Session) relay(outbound transport.Outbound) {
	idleTimeout := time.Duration(s.cfg.Timeout) * time.Second

	up := newPump()
	down := newPump()

	done := make(chan struct{}, 2)
	go func() {
		up.Run(&deadlineReader{r: s.conn, setter: s.conn, timeout: idleTimeout}, outbound)
		done <- struct{}{}
	}()
	go func() {
		down.Run(&deadlineReader{r: outbound, setter: outbound, timeout: idleTimeout}, s.conn)
		done <- struct{}{}
	}()

	// Whichever direction finishes first (EOF or error) may leave the
	// other blocked on a Read that will never return on its own (its
	// peer's socket is still open); closing both legs unblocks it.
	<-done
	s.conn.Close()
	outbound.Close()
	<-done

	s.upBytes = up.BytesMoved()
	s.downBytes = down.BytesMoved()
}

// UpBytes and DownBytes report the accumulated byte counters from
// spec.md §3's Session type, valid after Serve returns.
func (s *Session) UpBytes() uint64   { return s.upBytes }
func (s *Session) DownBytes() uint64 { return s.downBytes }

func (s *Session) pushLog(level, text string) {
	if s.q == nil {
		return
	}
	s.q.TryPush(queue.Message{Kind: queue.KindLog, Level: level, Text: text})
}

func (s *Session) pushConnCount(idx int) {
	if s.q == nil {
		return
	}
	s.q.TryPush(queue.Message{Kind: queue.KindStat, ServerIdx: idx, StatK: queue.StatConnCount, Value: 1})
}

// deadlineSetter is the common shape of net.Conn and transport.Outbound
// this package needs: a single combined deadline, not separate
// read/write ones.
type deadlineSetter interface {
	SetDeadline(t time.Time) error
}

// deadlineReader resets the underlying connection's deadline before every
// Read, so an idle session (no bytes in either direction) times out per
// spec.md §3's idle timer instead of blocking forever.
type deadlineReader struct {
	r       io.Reader
	setter  deadlineSetter
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if d.timeout > 0 {
		d.setter.SetDeadline(time.Now().Add(d.timeout))
	}
	return d.r.Read(p)
}
