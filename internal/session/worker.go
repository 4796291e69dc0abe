package session

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"pegasproxy/internal/config"
	"pegasproxy/internal/logging"
	"pegasproxy/internal/queue"
	"pegasproxy/internal/server"
)

// Worker is one reactor: it owns a listener bound with SO_REUSEPORT so the
// kernel load-balances accepted connections across sibling workers,
// mirroring spec.md §4.4's shared-listening-socket design without
// needing the original's shared-fd-plus-epoll plumbing — Go's goroutine
// scheduler plays the role the per-worker event loop did in C.
type Worker struct {
	id   int
	cfg  *config.Config
	mgr  *server.Manager
	log  *logging.Logger
	q    *queue.Queue
	ln   net.Listener
}

// NewWorker binds a fresh listener on cfg.ListenAddress() with
// SO_REUSEPORT set, so it can be called once per configured worker thread
// and every call succeeds even though they share an address.
func NewWorker(id int, cfg *config.Config, mgr *server.Manager, log *logging.Logger, q *queue.Queue) (*Worker, error) {
	ln, err := listenReusePort(cfg.ListenAddress())
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", id, err)
	}
	return &Worker{id: id, cfg: cfg, mgr: mgr, log: log, q: q, ln: ln}, nil
}

// Run accepts connections until ctx is cancelled, spawning one Session
// goroutine per accepted connection. Workers terminate on signal receipt
// per spec.md §4.4; ctx cancellation is this translation's equivalent.
func (w *Worker) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		w.ln.Close()
	}()

	for {
		conn, err := w.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				w.log.Warn("accept failed", "worker", w.id, "error", err.Error())
				return
			}
		}
		sess := New(conn, w.mgr, w.cfg, w.log, w.q)
		go sess.Serve()
	}
}

// Close releases the worker's listening socket.
func (w *Worker) Close() error {
	return w.ln.Close()
}

// listenReusePort binds a TCP listener with SO_REUSEPORT, letting several
// workers each hold their own listener on the same address while the
// kernel spreads incoming connections across them.
func listenReusePort(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var controlErr error
			err := c.Control(func(fd uintptr) {
				controlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return controlErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}
