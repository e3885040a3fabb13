package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/transferq/internal/api"
	"github.com/sheerbytes/transferq/internal/chunks"
	"github.com/sheerbytes/transferq/internal/config"
	"github.com/sheerbytes/transferq/internal/logging"
	"github.com/sheerbytes/transferq/internal/metrics"
	"github.com/sheerbytes/transferq/internal/peers"
	"github.com/sheerbytes/transferq/internal/perf"
	"github.com/sheerbytes/transferq/internal/scheduler"
	"github.com/sheerbytes/transferq/internal/store"
	"github.com/sheerbytes/transferq/internal/telemetry"
	"github.com/sheerbytes/transferq/internal/transfer"
	"github.com/sheerbytes/transferq/internal/transport"
	"github.com/sheerbytes/transferq/internal/transport/loopback"
	"github.com/sheerbytes/transferq/internal/transport/quicrange"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.ParseDaemonConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log := logging.New("transferqd", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("daemon failed")
		os.Exit(1)
	}
	log.Info("daemon stopped")
}

func run(ctx context.Context, cfg config.DaemonConfig, log *logrus.Entry) error {
	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry.Service)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.WithError(err).Warn("tracing shutdown")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	tr, err := newTransport(cfg, log)
	if err != nil {
		return err
	}
	defer tr.Close()

	sched := scheduler.New(tr, schedulerConfig(cfg, log))

	var st store.Store
	if cfg.Store.Kind != "none" {
		st, err = store.Open(ctx, cfg.Store.Kind, cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("open %s store: %w", cfg.Store.Kind, err)
		}
		defer st.Close()
		restored, err := store.Restore(ctx, st, sched)
		if err != nil {
			return fmt.Errorf("restore state: %w", err)
		}
		if restored {
			stats := sched.Stats()
			log.WithFields(logrus.Fields{
				"queued":    stats.QueuedCount,
				"paused":    stats.PausedCount,
				"completed": stats.CompletedCount,
			}).Info("state restored")
		}
	}

	srv := api.New(sched, api.Options{
		WSInterval:  cfg.Server.WSInterval,
		RateLimit:   cfg.Server.RateLimit,
		Burst:       cfg.Server.Burst,
		Logger:      log,
		Gatherer:    reg,
		ServiceName: cfg.Telemetry.Service,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if st != nil {
		cp := store.NewCheckpointer(st, sched, cfg.Store.Interval, log)
		g.Go(func() error {
			return cp.Run(gctx)
		})
	}
	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"addr":      cfg.Server.Addr,
			"transport": cfg.Transport.Kind,
			"store":     cfg.Store.Kind,
			"limit":     sched.Limit(),
		}).Info("transferqd listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})
	return g.Wait()
}

type closingTransport interface {
	transfer.Transport
	io.Closer
}

func newTransport(cfg config.DaemonConfig, log *logrus.Entry) (closingTransport, error) {
	var sink transport.Sink = transport.Discard{}
	if cfg.Transport.OutputDir != "" {
		if err := os.MkdirAll(cfg.Transport.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("output dir: %w", err)
		}
		sink = transport.DirSink{Dir: cfg.Transport.OutputDir}
	}
	switch cfg.Transport.Kind {
	case "quic":
		return quicrange.NewClient(quicrange.ClientOptions{
			TLS:    transport.ClientTLSConfig(cfg.Transport.InsecureSkipVerify),
			Sink:   sink,
			Logger: log,
		}), nil
	case "loopback":
		return loopback.New(loopback.Config{
			Default: loopback.Peer{
				Rate:     cfg.Transport.RateLimit,
				FailRate: cfg.Transport.FailRate,
			},
			Seed:   uint64(time.Now().UnixNano()),
			Sink:   sink,
			Logger: log,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}
}

func schedulerConfig(cfg config.DaemonConfig, log *logrus.Entry) scheduler.Config {
	ctrlCfg := perf.DefaultControllerConfig()
	ctrlCfg.Max = cfg.Scheduler.MaxConcurrency
	probe := perf.StaticProbe{
		LowEnd:            cfg.Device.LowEnd,
		AvailableMemoryMB: cfg.Device.AvailableMemoryMB,
	}

	allocCfg := chunks.DefaultConfig()
	allocCfg.EndgameThreshold = cfg.Chunks.EndgameThreshold
	if cfg.Chunks.PerSourceInflight > 0 {
		allocCfg.PerSourceInflight = cfg.Chunks.PerSourceInflight
	}

	return scheduler.Config{
		MaxRetries:     cfg.Scheduler.MaxRetries,
		AdaptEvery:     cfg.Scheduler.AdaptEvery,
		StallInterval:  cfg.Scheduler.StallInterval,
		StallThreshold: cfg.Scheduler.StallThreshold,
		MaxStallPolls:  cfg.Scheduler.MaxStallPolls,
		Controller:     perf.NewConcurrencyController(ctrlCfg, nil, probe),
		Allocator:      chunks.NewAllocator(allocCfg),
		Registry: peers.NewRegistry(peers.RegistryConfig{
			Alpha:       cfg.Sources.ReliabilityAlpha,
			TTL:         cfg.Sources.TTL,
			MaxFailures: cfg.Sources.MaxFailures,
		}),
		Logger: log,
	}
}
