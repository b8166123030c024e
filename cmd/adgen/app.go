package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jo-hoe/adgen/internal/api"
	"github.com/jo-hoe/adgen/internal/common"
	"github.com/jo-hoe/adgen/internal/config"
	"github.com/jo-hoe/adgen/internal/jobs"
	"github.com/jo-hoe/adgen/internal/metrics"
	"github.com/jo-hoe/adgen/internal/reconcile"
	"github.com/jo-hoe/adgen/internal/transport"
)

const historyShutdownGrace = 5 * time.Second

// app carries what every command needs once flags are parsed.
type app struct {
	configPath string
	cfg        *config.Config
	log        *slog.Logger
}

func (a *app) init(debug bool) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level := cfg.SlogLevel()
	if debug {
		level = slog.LevelDebug
	}
	a.cfg = cfg
	a.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.log)
	return nil
}

func (a *app) client() *api.Client {
	return api.New(a.cfg.Backend, a.log)
}

func (a *app) reconciler(m *metrics.Recorder) *reconcile.Reconciler {
	return reconcile.New(a.cfg.StepCatalogue(), a.log, m)
}

// transport picks the push or pull channel from the configured mode.
func (a *app) transport(client *api.Client, m *metrics.Recorder) transport.Transport {
	ts := a.cfg.Transport
	if ts.Mode == common.TransportPoll {
		return &transport.Poller{
			Client:   client,
			Interval: ts.PollInterval,
			Log:      a.log,
			Metrics:  m,
		}
	}
	return &transport.WebSocket{
		BaseURL:        client.BaseURL(),
		Token:          client.Token(),
		MaxMessageSize: int64(ts.MaxMessageSize),
		Log:            a.log,
		Metrics:        m,
	}
}

// history opens the SQLite store and starts its writer. The returned
// function drains pending writes and closes the store.
func (a *app) history(ctx context.Context) (*jobs.Writer, func(), error) {
	store, err := jobs.NewSQLiteStore(a.cfg.Storage.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open history: %w", err)
	}
	w := jobs.NewWriter(a.log, store, 0)
	if err := w.Start(ctx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return w, func() {
		w.Shutdown(historyShutdownGrace)
		if err := store.Close(); err != nil {
			a.log.Warn("close history", "err", err)
		}
	}, nil
}

// metrics returns a recorder. With a non-empty addr it registers with a
// fresh registry and serves it on /metrics until ctx ends.
func (a *app) metrics(ctx context.Context, addr string) *metrics.Recorder {
	if addr == "" {
		return metrics.New(nil)
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.log.Info("metrics server starting", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return m
}
