// pegasproxy - local SOCKS5 forward proxy tunneling through obfuscated
// Trojan/VMess outbound servers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"pegasproxy/internal/config"
	"pegasproxy/internal/control"
	"pegasproxy/internal/helper"
	"pegasproxy/internal/logging"
	"pegasproxy/internal/metrics"
	"pegasproxy/internal/queue"
	"pegasproxy/internal/server"
	"pegasproxy/internal/session"
)

var (
	version = "v0.1.0"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:     "pegasproxy",
		Short:   "pegasproxy - SOCKS5 proxy over obfuscated Trojan/VMess outbounds",
		Version: version,
		Run:     run,
	}

	rootCmd.Flags().StringP("config", "c", "", "Configuration file path")
	rootCmd.Flags().IntP("threads", "t", 0, "Worker thread count override")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(255)
	}
}

func run(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(255)
	}

	log := logging.New(cfg.LogLevel, cfg.LogIsATTY)
	log.Info("starting pegasproxy", "version", version, "listen", cfg.ListenAddress(), "servers", len(cfg.Servers))

	mgr := server.New(cfg.Servers)
	q := queue.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workers := make([]*session.Worker, 0, cfg.WorkerThreads)
	for i := 0; i < cfg.WorkerThreads; i++ {
		w, err := session.NewWorker(i, cfg, mgr, log, q)
		if err != nil {
			log.Error("listener setup failed", "worker", i, "error", err.Error())
			os.Exit(1)
		}
		workers = append(workers, w)
	}
	for _, w := range workers {
		go w.Run(ctx)
	}

	prober := server.NewProber(cfg.Servers, q, log, time.Duration(cfg.ProbeInterval)*time.Second)
	go prober.Run(ctx)

	tail := control.NewLogTail(500)
	if cfg.IsControlEnabled() {
		ctrl := control.New(mgr, log, tail)
		go func() {
			if err := ctrl.Run(ctx, cfg); err != nil && ctx.Err() == nil {
				log.Error("control plane exited", "error", err.Error())
			}
		}()
	}

	collectors := metrics.NewCollectors(prometheus.DefaultRegisterer)
	if cfg.AdminAddress != "" {
		admin := metrics.NewServer(mgr)
		go func() {
			if err := admin.ListenAndServe(cfg.AdminAddress); err != nil {
				log.Error("admin server exited", "error", err.Error())
			}
		}()
	}

	loop := helper.New(mgr, q, log, collectors, tail)
	go loop.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig.String())

	cancel()
	for _, w := range workers {
		w.Close()
	}

	log.Info("shutdown complete")
}
