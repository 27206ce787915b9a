package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/blockserve/nbdserver/nbd"
)

// Listener binds one net.Listen address and serves every export named in
// its ServerConfig. Grounded on the teacher's (now-absent) Listener/
// NewListener/Listen split implied by nbd/connection.go and config.go's
// StartServer and by server/server_test.go's ConfigTemplate/NbdInstance.
type Listener struct {
	cfg      nbd.ServerConfig
	registry *nbd.Registry
	logger   *log.Logger
	metrics  nbd.MetricsSink

	preselected *nbd.Export // set when cfg.Oldstyle
	net         net.Listener
}

// NewListener opens every export named in cfg against registry and binds
// the listening socket. It does not start accepting connections; call
// Listen for that.
func NewListener(logger *log.Logger, registry *nbd.Registry, metrics nbd.MetricsSink, cfg nbd.ServerConfig) (*Listener, error) {
	l := &Listener{cfg: cfg, registry: registry, logger: logger, metrics: metrics}

	for i := range cfg.Exports {
		ec := cfg.Exports[i]
		if err := l.openExport(&ec); err != nil {
			return nil, fmt.Errorf("server: export %q: %w", ec.Name, err)
		}
	}

	if cfg.Oldstyle {
		name := cfg.DefaultExport
		if name == "" {
			name = cfg.Exports[0].Name
		}
		exp := registry.Find(name)
		if exp == nil {
			return nil, fmt.Errorf("server: oldstyle listener: export %q not found", name)
		}
		l.preselected = exp
	}

	ln, err := net.Listen(cfg.Protocol, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("server: cannot listen on %s:%s: %w", cfg.Protocol, cfg.Address, err)
	}
	l.net = ln
	return l, nil
}

func (l *Listener) openExport(ec *nbd.ExportConfig) error {
	ctx := context.Background()
	backend, err := nbd.OpenBackend(ctx, ec)
	if err != nil {
		return err
	}
	size, err := backend.Length(ctx)
	if err != nil {
		_ = backend.Close(ctx)
		return err
	}

	flags := nbd.FlagHasFlags | nbd.FlagSendFlush | nbd.FlagSendFua | nbd.FlagSendTrim
	if ec.ReadOnly {
		flags |= nbd.FlagReadOnly
	}

	maxBuffer := ec.MaxBufferSize
	if maxBuffer == 0 && ec.MaximumBlockSize > 0 {
		maxBuffer = int(ec.MaximumBlockSize)
	}

	exp, err := l.registry.CreateExport(nbd.CreateExportParams{
		Backend:     backend,
		Size:        uint64(size) &^ (nbd.SectorSize - 1), // rounded down to whole sectors
		Flags:       flags,
		ReadOnly:    ec.ReadOnly,
		Workers:     ec.Workers,
		MaxInFlight: ec.MaxInFlight,
		MaxBuffer:   maxBuffer,
	})
	if err != nil {
		_ = backend.Close(ctx)
		return err
	}
	return l.registry.SetName(ctx, exp, ec.Name)
}

// Listen accepts connections until ctx is done. sessionCtx, separate from
// ctx, is the context connections themselves run under, so a listener
// restart (ctx cancelled) doesn't sever connections already in progress;
// sessionWg is incremented once per accepted connection and decremented
// when that connection's Serve returns.
func (l *Listener) Listen(ctx context.Context, sessionCtx context.Context, sessionWg *sync.WaitGroup) {
	go func() {
		<-ctx.Done()
		_ = l.net.Close()
	}()

	for {
		conn, err := l.net.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				l.logger.Printf("[ERROR] accept on %s:%s: %v", l.cfg.Protocol, l.cfg.Address, err)
				return
			}
		}

		client := nbd.NewClient(conn, l.registry, l.preselected, l.logger)
		client.SetMetrics(l.metrics)
		sessionWg.Add(1)
		go func() {
			defer sessionWg.Done()
			client.Serve(sessionCtx)
		}()
	}
}
