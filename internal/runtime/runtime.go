package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/announce"
	"github.com/loqalabs/loqa-tts/internal/auth"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"golang.org/x/sync/errgroup"
)

const (
	pruneInterval   = time.Hour
	shutdownTimeout = 10 * time.Second
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	tracerClose func(context.Context) error
	metrics     http.Handler

	store     *eventstore.Store
	busServer *natsserver.EmbeddedServer
	busClient *bus.Client
	tokens    *auth.Provider
	client    *tts.Client
	service   *tts.Service
	announcer *announce.Announcer
	defaults  tts.Request

	// closers run in reverse order on shutdown or a failed start.
	closers []func()

	listener net.Listener
	started  chan struct{}
	ready    atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: make(chan struct{}),
	}
}

// Started is closed once the HTTP listener accepts connections.
func (r *Runtime) Started() <-chan struct{} { return r.started }

// Addr is the bound HTTP address. Only valid after Started is closed.
func (r *Runtime) Addr() net.Addr { return r.listener.Addr() }

// Start brings up every component and serves until ctx is cancelled. A failure
// while starting tears down whatever was already running.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.setup(ctx); err != nil {
		r.teardown()
		return err
	}

	mux := r.routes()
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var metricsServer *http.Server
	if r.cfg.Telemetry.PrometheusBind != "" && r.metrics != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", r.metrics)
		metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(r.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started", slog.String("addr", r.listener.Addr().String()))

	err := g.Wait()
	r.teardown()
	return err
}

func (r *Runtime) setup(ctx context.Context) error {
	shutdownTelemetry, metrics, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metrics

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store
	r.push(func() {
		if err := store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	})

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	tokens, err := auth.New(ctx, r.cfg.Auth, r.logger, auth.WithRenewalHook(r.recordRenewal))
	if err != nil {
		return fmt.Errorf("failed to acquire bearer token: %w", err)
	}
	r.tokens = tokens
	r.push(tokens.Close)

	defaults, err := tts.RequestDefaults(r.cfg.Speech)
	if err != nil {
		return fmt.Errorf("invalid speech defaults: %w", err)
	}
	r.defaults = defaults

	r.client = tts.NewClient(tts.NewClientConfig(r.cfg.Speech), tokens, r.logger)
	r.push(r.client.Close)

	if r.busClient != nil {
		svc, err := tts.NewService(ctx, r.cfg.Speech, r.busClient, r.client, store, r.logger)
		if err != nil {
			return fmt.Errorf("failed to create tts service: %w", err)
		}
		if err := svc.Start(); err != nil {
			return fmt.Errorf("failed to start tts service: %w", err)
		}
		r.service = svc
		r.push(svc.Close)

		announcer, err := announce.New(ctx, r.cfg.Node, r.voice(), r.busClient, r.logger)
		if err != nil {
			return fmt.Errorf("failed to announce voice: %w", err)
		}
		r.announcer = announcer
		r.push(announcer.Close)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	r.listener = ln
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "natsserver")))
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.busServer = srv
		r.push(srv.Shutdown)
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = client
	r.push(client.Close)
	return nil
}

func (r *Runtime) voice() protocol.VoiceAnnouncement {
	formats := tts.OutputFormats()
	headers := make([]string, 0, len(formats))
	for _, f := range formats {
		headers = append(headers, f.Header())
	}
	return protocol.VoiceAnnouncement{
		Locale:    r.defaults.Locale,
		VoiceName: r.defaults.VoiceName,
		Gender:    r.defaults.Gender.String(),
		Formats:   headers,
	}
}

func (r *Runtime) push(fn func()) { r.closers = append(r.closers, fn) }

func (r *Runtime) teardown() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil

	if r.tracerClose != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
		r.tracerClose = nil
	}
}

func (r *Runtime) recordRenewal(err error) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if storeErr := r.store.RecordRenewal(ctx, err); storeErr != nil {
		r.logger.Warn("failed to record token renewal", slog.String("error", storeErr.Error()))
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
