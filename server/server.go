// Package server wires nbd.Registry, Listener and nbd.Client together
// into a runnable process: configuration loading, logging, metrics, and
// the top-level accept loops for every listener a config file names.
package server

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blockserve/nbdserver/nbd"
)

var (
	configFile  = flag.String("c", "/etc/nbd-server.yaml", "path to the YAML configuration file")
	foreground  = flag.Bool("f", false, "run in the foreground instead of detaching")
	debugFlag   = flag.Bool("debug", false, "enable debug logging regardless of the config file")
)

// Control lets a caller (chiefly a test) stop a server started with Run.
type Control struct {
	quit chan struct{} // closed by the caller to request shutdown
}

// NewControl returns a Control ready to be passed to Run.
func NewControl() *Control {
	return &Control{quit: make(chan struct{})}
}

// Run parses the package's command-line flags (set by the caller, or by
// flag.Parse() before Run is invoked, per server_test.go's convention)
// and runs until control.quit is closed or the process receives
// SIGINT/SIGTERM. If control is nil, a SIGINT/SIGTERM is the only way to
// stop it.
func Run(control *Control) {
	if control == nil {
		control = NewControl()
	}
	if err := RunWithConfig(*configFile, *foreground, *debugFlag, control); err != nil {
		log.Printf("[FATAL] %v", err)
		os.Exit(1)
	}
}

// RunWithConfig is Run with its inputs passed explicitly instead of read
// from package-level flags; cmd/nbd-server's Cobra commands call this
// directly so the CLI layer owns its own flag parsing.
func RunWithConfig(configPath string, runForeground, debug bool, control *Control) error {
	if control == nil {
		control = NewControl()
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Debug = true
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("server: cannot set up logging: %w", err)
	}

	if !runForeground {
		stop, err := daemonize(logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	metricsReg := prometheus.NewRegistry()
	metrics := NewMetrics(metricsReg)
	registry := nbd.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sessionCtx, sessionCancel := context.WithCancel(context.Background())
	defer sessionCancel()
	var sessionWg sync.WaitGroup

	listeners := make([]*Listener, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		l, err := NewListener(logger, registry, metrics, s)
		if err != nil {
			cancel()
			return err
		}
		listeners = append(listeners, l)
	}

	for _, l := range listeners {
		l := l
		logger.Printf("[INFO] listening on %s:%s", l.cfg.Protocol, l.cfg.Address)
		go l.Listen(ctx, sessionCtx, &sessionWg)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			logger.Printf("[INFO] serving metrics on %s", cfg.Metrics.Address)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("[ERROR] metrics server: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-control.quit:
	case <-sig:
	}

	logger.Printf("[INFO] shutting down")
	cancel()
	sessionCancel()
	sessionWg.Wait()
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	return nil
}
