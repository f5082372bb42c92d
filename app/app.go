package app

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/searchktools/sehttpd/config"
	"github.com/searchktools/sehttpd/core"
	"github.com/searchktools/sehttpd/core/observability"
	"github.com/searchktools/sehttpd/core/pools"
	"github.com/searchktools/sehttpd/core/static"
)

const shutdownTimeout = 5 * time.Second

// App wires configuration, logging, metrics and the engine together
type App struct {
	cfg     *config.Config
	log     *logrus.Entry
	metrics *observability.Metrics
	files   *static.FileCache
	engine  *core.Engine
}

// New creates an application instance and binds the listening socket
func New(cfg *config.Config) (*App, error) {
	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	log := logrus.NewEntry(logger)

	pools.ApplyGCConfig(pools.GCConfig{GOGC: cfg.GOGC, MemoryLimit: cfg.MemoryLimit})

	a := &App{
		cfg:     cfg,
		log:     log.WithField("component", "app"),
		metrics: observability.NewMetrics(),
		files:   static.NewFileCache(cfg.FileCache, log),
	}

	a.engine, err = core.NewEngine(core.Options{
		Root:             cfg.Root,
		QueueDepth:       cfg.QueueDepth,
		MaxConns:         cfg.MaxConns,
		Buffers:          cfg.Buffers,
		BufferSize:       cfg.BufferSize,
		IOTimeout:        cfg.IOTimeout,
		KeepAliveTimeout: cfg.KeepAliveTimeout,
		Backend:          cfg.Backend,
		FileCache:        a.files,
		Logger:           log,
		Metrics:          a.metrics,
	})
	if err != nil {
		a.files.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	if err := a.engine.Listen(cfg.Addr()); err != nil {
		a.engine.Close()
		a.files.Close()
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}

	return a, nil
}

// Engine returns the underlying engine
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Run serves until ctx is cancelled or the loop fails
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if err := a.files.Watch(a.cfg.Root); err != nil {
		a.log.WithError(err).Warn("document root not watched; cached files may go stale")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// The loop owns a ring bound to this thread
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if err := a.engine.Run(); err != nil {
			return fmt.Errorf("event loop: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down")
		a.engine.Stop()
		return nil
	})

	if a.cfg.MetricsAddr != "" {
		srv := &nethttp.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           a.statsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.WithField("addr", a.cfg.MetricsAddr).Info("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		a.dumpStatsOnSignal(ctx)
		return nil
	})

	a.log.WithFields(logrus.Fields{
		"addr":    a.engine.Addr().String(),
		"root":    a.cfg.Root,
		"backend": a.engine.Backend(),
	}).Info("seHTTPd started")

	return g.Wait()
}

// statsHandler serves prometheus metrics and the pool snapshot
func (a *App) statsHandler() nethttp.Handler {
	mux := nethttp.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/debug/pools", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.URL.Query().Get("format") == "text" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			fmt.Fprint(w, a.engine.GetPoolStatsText())
			return
		}

		data, err := a.engine.GetPoolStatsJSON()
		if err != nil {
			nethttp.Error(w, err.Error(), nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})
	return mux
}

// dumpStatsOnSignal logs the pool snapshot on SIGUSR1
func (a *App) dumpStatsOnSignal(ctx context.Context) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			a.log.Info("\n" + a.engine.GetPoolStatsText())
		}
	}
}

func (a *App) close() {
	if err := a.engine.Close(); err != nil {
		a.log.WithError(err).Warn("engine close")
	}
	a.files.Close()
}

// NewLogger builds the process logger from level and format names
func NewLogger(level, format string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(lvl)
	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
