package server

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"pegasproxy/internal/config"
	"pegasproxy/internal/logging"
	"pegasproxy/internal/queue"
	"pegasproxy/internal/socks5"
	"pegasproxy/internal/transport"
)

// unhealthySentinel is recorded for a probe stat when the probe fails
// outright, per spec.md §4.6.
const unhealthySentinel = math.MaxUint32

// probePath is the well-known connectivity-check endpoint spec.md §5.2
// names for latency probing.
const probePath = "/generate_204"

// probeHost and probePort are the external 204 endpoint every server is
// probed through, per spec.md §4.6: the point of the probe is to sample
// real tunneled reachability, not a loopback to the server itself.
const probeHost = "www.google.com"
const probePort = 80

// Prober periodically measures connect and g204 latency for every
// configured server by dialing through the real outbound transport (not
// net/http's default client), so the measurement reflects the TLS/WS/VMess
// handshake cost a real session would pay.
type Prober struct {
	servers  []config.Server
	q        *queue.Queue
	log      *logging.Logger
	interval time.Duration
	limiter  *rate.Limiter
}

// NewProber builds a Prober that probes every server once per interval.
// Probes run one after another, and limiter spaces their starts
// interval/len(servers) apart so they don't all fire in the same instant.
func NewProber(servers []config.Server, q *queue.Queue, log *logging.Logger, interval time.Duration) *Prober {
	every := interval
	if n := len(servers); n > 1 {
		every = interval / time.Duration(n)
	}
	return &Prober{
		servers:  servers,
		q:        q,
		log:      log,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(every), 1),
	}
}

// Run blocks, probing every server each tick until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for idx, srv := range p.servers {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		p.probeOne(idx, srv)
	}
}

func (p *Prober) probeOne(idx int, srv config.Server) {
	connectStart := time.Now()
	dest := socks5.Destination{ATYP: socks5.ATYPDomain, Addr: []byte(probeHost), Port: uint16(probePort)}

	outbound, err := transport.Dial(srv, dest, 10*time.Second)
	if err != nil {
		p.pushLog(fmt.Sprintf("probe dial failed for server %d: %v", idx, err))
		p.pushStat(idx, queue.StatConnectDelayMS, unhealthySentinel)
		p.pushStat(idx, queue.StatG204DelayMS, unhealthySentinel)
		return
	}
	defer outbound.Close()

	connectDelay := time.Since(connectStart).Milliseconds()
	p.pushStat(idx, queue.StatConnectDelayMS, uint32(connectDelay))

	g204Start := time.Now()
	if err := probeG204(outbound); err != nil {
		p.pushLog(fmt.Sprintf("g204 probe failed for server %d: %v", idx, err))
		p.pushStat(idx, queue.StatG204DelayMS, unhealthySentinel)
		return
	}
	g204Delay := time.Since(g204Start).Milliseconds()
	p.pushStat(idx, queue.StatG204DelayMS, uint32(g204Delay))
}

// probeG204 sends a raw HTTP/1.0 GET for probePath over outbound and times
// receipt of the HTTP/1.x 204 status line, per spec.md §4.6. Any other
// status is treated as a failed probe.
func probeG204(outbound transport.Outbound) error {
	req := fmt.Sprintf("GET http://%s%s HTTP/1.0\r\nHost: %s\r\n\r\n", probeHost, probePath, probeHost)
	if _, err := outbound.Write([]byte(req)); err != nil {
		return fmt.Errorf("write probe request: %w", err)
	}

	br := bufio.NewReader(outbound)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return fmt.Errorf("read probe response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected probe status: %s", resp.Status)
	}
	return nil
}

func (p *Prober) pushStat(idx int, kind queue.StatKind, value uint32) {
	p.q.TryPush(queue.Message{Kind: queue.KindStat, ServerIdx: idx, StatK: kind, Value: value})
}

func (p *Prober) pushLog(text string) {
	p.q.TryPush(queue.Message{Kind: queue.KindLog, Level: "warn", Text: text})
}
