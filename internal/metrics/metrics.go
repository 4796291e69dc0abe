// Package metrics exposes pegasproxy's Prometheus metrics and a small
// admin HTTP surface (/healthz, /metrics, /status), grounded on
// proxy/internal/monitoring/monitor.go's gorilla/mux + promauto wiring.
package metrics

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pegasproxy/internal/server"
)

// Collectors bundles the Prometheus instruments updated as sessions and
// probes run.
type Collectors struct {
	ConnectDelay *prometheus.GaugeVec
	G204Delay    *prometheus.GaugeVec
	ConnCount    *prometheus.GaugeVec
	ActiveServer prometheus.Gauge
	QueueDropped prometheus.Counter
}

// NewCollectors registers every metric against reg, mirroring
// proxy/internal/monitoring/monitor.go's promauto usage. Production
// callers pass prometheus.DefaultRegisterer; tests pass a fresh
// prometheus.NewRegistry() so repeated calls don't collide.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		ConnectDelay: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pegasproxy",
			Name:      "connect_delay_ms",
			Help:      "Most recent outbound connect latency per server.",
		}, []string{"server_index"}),
		G204Delay: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pegasproxy",
			Name:      "g204_delay_ms",
			Help:      "Most recent generate_204 probe latency per server.",
		}, []string{"server_index"}),
		ConnCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pegasproxy",
			Name:      "conn_count",
			Help:      "Cumulative sessions routed to each server.",
		}, []string{"server_index"}),
		ActiveServer: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pegasproxy",
			Name:      "active_server_index",
			Help:      "Index of the currently active outbound server.",
		}),
		QueueDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pegasproxy",
			Name:      "queue_dropped_total",
			Help:      "Messages dropped by the log/stat MPSC queue under backpressure.",
		}),
	}
}

// Refresh pulls the latest snapshot from mgr into the gauges. Called from
// the helper loop on the same tick as the stat-queue drain.
func (c *Collectors) Refresh(mgr *server.Manager) {
	idx, _ := mgr.Active()
	c.ActiveServer.Set(float64(idx))

	for i, s := range mgr.AllStats() {
		label := prometheus.Labels{"server_index": strconv.Itoa(i)}
		c.ConnectDelay.With(label).Set(float64(s.ConnectDelayMS))
		c.G204Delay.With(label).Set(float64(s.G204DelayMS))
		c.ConnCount.With(label).Set(float64(s.ConnCount))
	}
}

// Server hosts the admin HTTP surface: /healthz, /metrics, /status.
type Server struct {
	mgr *server.Manager
	mux *mux.Router
}

// NewServer builds the admin HTTP router, mirroring
// proxy/internal/monitoring/monitor.go's route table.
func NewServer(mgr *server.Manager) *Server {
	s := &Server{mgr: mgr, mux: mux.NewRouter()}
	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.mux.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return s
}

// ListenAndServe starts the admin HTTP server on addr, blocking until it
// errors or is shut down. An empty addr disables the admin server.
func (s *Server) ListenAndServe(addr string) error {
	if addr == "" {
		return nil
	}
	return http.ListenAndServe(addr, s.mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type statusServer struct {
	Index          int    `json:"index"`
	Address        string `json:"address"`
	ConnectDelayMS uint32 `json:"connect_delay_ms"`
	G204DelayMS    uint32 `json:"g204_delay_ms"`
	ConnCount      uint32 `json:"conn_count"`
}

type statusResponse struct {
	Active  int            `json:"active"`
	Servers []statusServer `json:"servers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, _ := s.mgr.Active()
	servers := s.mgr.Servers()
	stats := s.mgr.AllStats()

	resp := statusResponse{Active: active, Servers: make([]statusServer, len(servers))}
	for i, srv := range servers {
		resp.Servers[i] = statusServer{
			Index:          i,
			Address:        srv.Address,
			ConnectDelayMS: stats[i].ConnectDelayMS,
			G204DelayMS:    stats[i].G204DelayMS,
			ConnCount:      stats[i].ConnCount,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
