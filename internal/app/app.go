// Package app wires all Aria subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the session and persistence loops, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithDevices, WithProvider). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/veridian-labs/aria/internal/config"
	"github.com/veridian-labs/aria/internal/health"
	"github.com/veridian-labs/aria/internal/observe"
	"github.com/veridian-labs/aria/internal/session"
	"github.com/veridian-labs/aria/internal/store"
	"github.com/veridian-labs/aria/pkg/audio/device"
	"github.com/veridian-labs/aria/pkg/audio/miniaudio"
	"github.com/veridian-labs/aria/pkg/live"
)

// persistInterval is how often finished turn messages are drained from the
// orchestrator into the store.
const persistInterval = 500 * time.Millisecond

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	provider live.Provider
	devices  device.Opener
	store    store.Store
	orch     *session.Orchestrator
	record   store.Session

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithDevices injects an audio backend instead of opening real hardware.
func WithDevices(d device.Opener) Option {
	return func(a *App) { a.devices = d }
}

// WithProvider injects a live provider instead of the one built by main.
func WithProvider(p live.Provider) Option {
	return func(a *App) { a.provider = p }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The provider comes
// from main (built via the config registry). Use Option functions to inject
// test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, provider live.Provider, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		provider: provider,
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initDevices(); err != nil {
		return nil, fmt.Errorf("app: init audio backend: %w", err)
	}

	a.orch = session.New(session.Config{
		APIKey:       cfg.API.Key,
		Live:         cfg.Live(),
		InputDevice:  cfg.Audio.InputDevice,
		OutputDevice: cfg.Audio.OutputDevice,
	}, session.Deps{
		Provider: a.provider,
		Devices:  a.devices,
	})
	a.orch.SetOutputVolume(cfg.Audio.Volume)

	return a, nil
}

// initStore connects to PostgreSQL when a DSN is configured, otherwise falls
// back to the in-memory store.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		slog.Info("no postgres_dsn configured, sessions are kept in memory only")
		a.store = store.NewMemStore()
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	pg := store.NewPostgres(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return err
	}

	a.store = pg
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	return nil
}

// initDevices opens the real audio backend if none was injected.
func (a *App) initDevices() error {
	if a.devices != nil {
		return nil
	}
	backend, err := miniaudio.NewBackend()
	if err != nil {
		return err
	}
	a.devices = backend
	a.closers = append(a.closers, backend.Close)
	return nil
}

// Orchestrator exposes the live session controller, e.g. for a UI layer.
func (a *App) Orchestrator() *session.Orchestrator {
	return a.orch
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the live session, the persistence loop, and the debug HTTP
// server, then blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.orch.Start(ctx); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}

	rec := store.Session{
		ID:    a.orch.ID(),
		Model: a.cfg.API.Model,
		Voice: a.cfg.Session.Voice,
	}
	if err := a.store.CreateSession(ctx, &rec); err != nil {
		a.orch.End()
		return fmt.Errorf("app: record session: %w", err)
	}
	a.record = rec

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.persistLoop(ctx) })

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		g.Go(func() error { return a.serveDebug(ctx, addr) })
	}

	slog.Info("app running",
		"session_id", rec.ID,
		"model", a.cfg.API.Model,
		"listen_addr", a.cfg.Server.ListenAddr,
	)
	return g.Wait()
}

// persistLoop drains completed turn messages into the store until ctx is
// done, then performs a final drain so no finished turn is lost.
func (a *App) persistLoop(ctx context.Context) error {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.drainMessages(context.Background())
			return ctx.Err()
		case <-ticker.C:
			a.drainMessages(ctx)
		}
	}
}

// drainMessages persists every pending turn message. Failures are logged and
// the message is dropped; the session keeps running.
func (a *App) drainMessages(ctx context.Context) {
	for _, msg := range a.orch.ConsumePendingMessages() {
		rec, err := store.SaveTurn(ctx, a.store, a.record.ID, msg)
		if err != nil {
			slog.Warn("failed to persist turn message", "role", msg.Role, "err", err)
			continue
		}
		slog.Debug("turn message persisted",
			"message_id", rec.ID,
			"role", rec.Role,
			"duration_ms", rec.DurationMs,
		)

		if dir := a.cfg.Storage.ExportDir; dir != "" {
			path := filepath.Join(dir, fmt.Sprintf("%s-%s.wav", rec.ID, rec.Role))
			if err := store.ExportWAV(ctx, a.store, rec.AudioID, path); err != nil {
				slog.Warn("failed to export turn audio", "path", path, "err", err)
			}
		}
	}
}

// serveDebug runs the health + metrics HTTP endpoint until ctx is done.
func (a *App) serveDebug(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	health.New(a.readyChecker()).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: debug server: %w", err)
		}
		return nil
	}
}

// readyChecker reports readiness based on the session state: an errored or
// torn-down session makes the process not ready.
func (a *App) readyChecker() health.Checker {
	return health.Checker{
		Name: "session",
		Check: func(context.Context) error {
			if st := a.orch.Status(); st == session.StatusError {
				return fmt.Errorf("session in error state: %s", a.orch.LastError())
			}
			return nil
		},
	}
}

// ApplyConfigChange applies a hot-reloadable config diff to the running app.
func (a *App) ApplyConfigChange(d config.ConfigDiff) {
	if d.LogLevelChanged {
		slog.Info("log level change requires restart to take effect", "new_level", d.NewLogLevel)
	}
	if d.VolumeChanged {
		a.orch.SetOutputVolume(d.NewVolume)
		slog.Info("output volume updated", "volume", d.NewVolume)
	}
	if d.DevicesChanged {
		slog.Info("audio device change applies to the next session")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the live session and tears down all subsystems in
// reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.orch.End()
		a.drainMessages(ctx)

		if a.record.ID != "" {
			if err := a.store.EndSession(ctx, a.record.ID); err != nil {
				slog.Warn("failed to close session record", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
