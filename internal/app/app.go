// Package app wires YTBot's modules together and owns the process lifecycle:
// the phased startup sequence, the runtime loops, and graceful shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ytbot-dev/ytbot/internal/bootstrap"
	"github.com/ytbot-dev/ytbot/internal/cache"
	"github.com/ytbot-dev/ytbot/internal/downloader"
	"github.com/ytbot-dev/ytbot/internal/lockfile"
	"github.com/ytbot-dev/ytbot/internal/messaging"
	"github.com/ytbot-dev/ytbot/internal/models"
	"github.com/ytbot-dev/ytbot/internal/monitor"
	"github.com/ytbot-dev/ytbot/internal/nextcloud"
	"github.com/ytbot-dev/ytbot/internal/scheduler"
	"github.com/ytbot-dev/ytbot/internal/session"
	"github.com/ytbot-dev/ytbot/internal/store"
)

// Default configuration constants
const (
	// DefaultProbeInterval is how often the availability monitor probes.
	DefaultProbeInterval = 30 * time.Second
	// DefaultMaintenanceCron drains the retry queue and purges orphans every
	// 15 minutes, independent of availability transitions.
	DefaultMaintenanceCron = "*/15 * * * *"
	// DefaultSessionCleanupInterval is how often expired sessions are swept.
	DefaultSessionCleanupInterval = time.Minute
	// retryQueueFileName is the retry queue document inside the state dir.
	retryQueueFileName = "retry_queue.json"
	// sessionsFileName is the session snapshot inside the state dir.
	sessionsFileName = "sessions.json"
)

// Opts holds the assembled configuration for the application.
type Opts struct {
	StateDir    string
	DownloadDir string
	DatabaseDSN string

	TelegramToken string
	AdminChatID   int64

	NextcloudURL         string
	NextcloudUser        string
	NextcloudPassword    string
	NextcloudBaseDir     string
	NextcloudMaxAttempts int

	YtdlpPath       string
	YtdlpMinVersion string

	ProbeInterval      time.Duration
	MaintenanceCron    string
	SessionIdleTimeout time.Duration
	DownloadTimeout    time.Duration
	PersistSessions    bool
}

// Option defines a configuration option for the application.
type Option func(*Opts)

// WithStateDir sets the directory for lock file, queue and session state.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithDownloadDir sets the working directory for in-flight downloads.
func WithDownloadDir(dir string) Option {
	return func(o *Opts) { o.DownloadDir = dir }
}

// WithDatabaseDSN sets the delivery history database DSN.
func WithDatabaseDSN(dsn string) Option {
	return func(o *Opts) { o.DatabaseDSN = dsn }
}

// WithTelegram sets the bot token and the admin chat for notices.
func WithTelegram(token string, adminChatID int64) Option {
	return func(o *Opts) {
		o.TelegramToken = token
		o.AdminChatID = adminChatID
	}
}

// WithNextcloud sets the storage backend endpoint and credentials.
func WithNextcloud(url, user, password, baseDir string) Option {
	return func(o *Opts) {
		o.NextcloudURL = url
		o.NextcloudUser = user
		o.NextcloudPassword = password
		o.NextcloudBaseDir = baseDir
	}
}

// WithNextcloudMaxAttempts bounds the uploader's per-call retry budget.
func WithNextcloudMaxAttempts(n int) Option {
	return func(o *Opts) { o.NextcloudMaxAttempts = n }
}

// WithSessionPersistence toggles the session snapshot on disk. Disabling it
// keeps interactions purely in memory so a restart starts every user fresh.
func WithSessionPersistence(persist bool) Option {
	return func(o *Opts) { o.PersistSessions = persist }
}

// WithYtdlp sets the extractor binary path and minimum version.
func WithYtdlp(path, minVersion string) Option {
	return func(o *Opts) {
		o.YtdlpPath = path
		o.YtdlpMinVersion = minVersion
	}
}

// WithProbeInterval sets the availability monitor's probe cadence.
func WithProbeInterval(d time.Duration) Option {
	return func(o *Opts) { o.ProbeInterval = d }
}

// WithMaintenanceCron sets the periodic drain/purge schedule.
func WithMaintenanceCron(expr string) Option {
	return func(o *Opts) { o.MaintenanceCron = expr }
}

// WithSessionIdleTimeout sets how long idle sessions survive.
func WithSessionIdleTimeout(d time.Duration) Option {
	return func(o *Opts) { o.SessionIdleTimeout = d }
}

// WithDownloadTimeout bounds one download+upload cycle.
func WithDownloadTimeout(d time.Duration) Option {
	return func(o *Opts) { o.DownloadTimeout = d }
}

// Run assembles the modules, executes the startup sequence, and serves until
// SIGINT/SIGTERM. It returns an error when startup fails or shutdown leaves
// a component in a bad state.
func Run(opts ...Option) error {
	cfg := Opts{
		ProbeInterval:        DefaultProbeInterval,
		MaintenanceCron:      DefaultMaintenanceCron,
		SessionIdleTimeout:   session.DefaultIdleTimeout,
		DownloadTimeout:      messaging.DefaultDownloadTimeout,
		NextcloudMaxAttempts: nextcloud.DefaultMaxAttempts,
		PersistSessions:      true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.StateDir == "" {
		return fmt.Errorf("state directory is required")
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(cfg.StateDir, "downloads")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Mutable slots the phases fill in as they complete.
	var (
		lock    *lockfile.Lock
		history store.Store
		queue   *cache.Manager
		svc     *messaging.TelegramService
		nc      *nextcloud.Client
	)

	dl := downloader.New(
		downloader.WithBinPath(cfg.YtdlpPath),
		downloader.WithWorkDir(cfg.DownloadDir),
		downloader.WithMinVersion(cfg.YtdlpMinVersion),
	)
	mon := monitor.New()

	phases := []bootstrap.Phase{
		{
			ID:    "state-lock",
			Label: "Acquire single-instance lock",
			Fatal: true,
			Run: func(ctx context.Context) error {
				if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
					return fmt.Errorf("failed to create state directory: %w", err)
				}
				l, err := lockfile.Acquire(cfg.StateDir)
				if err != nil {
					return err
				}
				lock = l
				return nil
			},
			Rollback: func(ctx context.Context) error {
				if lock != nil {
					return lock.Release()
				}
				return nil
			},
		},
		{
			ID:    "directories",
			Label: "Prepare working directories",
			Fatal: true,
			Run: func(ctx context.Context) error {
				return os.MkdirAll(cfg.DownloadDir, 0o755)
			},
		},
		{
			ID:    "delivery-store",
			Label: "Open delivery history store",
			Fatal: true,
			Run: func(ctx context.Context) error {
				st, err := openStore(cfg)
				if err != nil {
					return err
				}
				history = st
				return nil
			},
			Rollback: func(ctx context.Context) error {
				if history != nil {
					return history.Close()
				}
				return nil
			},
		},
		{
			ID:    "retry-queue",
			Label: "Load retry queue",
			Fatal: true,
			Run: func(ctx context.Context) error {
				q, err := cache.NewManager(cache.WithPath(filepath.Join(cfg.StateDir, retryQueueFileName)))
				if err != nil {
					return err
				}
				queue = q
				return nil
			},
		},
		{
			ID:    "ytdlp-version",
			Label: "Check yt-dlp version",
			Fatal: false,
			Run: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
				defer cancel()
				_, err := dl.CheckVersion(checkCtx)
				return err
			},
		},
		{
			ID:    "nextcloud",
			Label: "Verify Nextcloud connectivity",
			Fatal: false,
			Run: func(ctx context.Context) error {
				client, err := nextcloud.NewClient(
					nextcloud.WithBaseURL(cfg.NextcloudURL),
					nextcloud.WithCredentials(cfg.NextcloudUser, cfg.NextcloudPassword),
					nextcloud.WithBaseDir(cfg.NextcloudBaseDir),
					nextcloud.WithMaxAttempts(cfg.NextcloudMaxAttempts),
				)
				if err != nil {
					return err
				}
				nc = client
				checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
				defer cancel()
				return client.CheckConnection(checkCtx)
			},
		},
		{
			ID:    "telegram",
			Label: "Verify Telegram connectivity",
			Fatal: true,
			Run: func(ctx context.Context) error {
				s, err := messaging.NewTelegramService(cfg.TelegramToken)
				if err != nil {
					return err
				}
				svc = s
				checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
				defer cancel()
				return s.CheckConnection(checkCtx)
			},
		},
		{
			ID:    "monitor-start",
			Label: "Start availability monitor",
			Fatal: true,
			Run: func(ctx context.Context) error {
				if nc != nil {
					if err := mon.Register("nextcloud", nc.CheckConnection); err != nil {
						return err
					}
				}
				if err := mon.Register("telegram", svc.CheckConnection); err != nil {
					return err
				}
				return mon.Start(cfg.ProbeInterval)
			},
			Rollback: func(ctx context.Context) error {
				mon.Stop()
				return nil
			},
		},
	}

	seq := bootstrap.NewSequencer()
	report := seq.Run(ctx, phases)
	logStartupReport(report)
	if report.Failed() {
		return fmt.Errorf("startup failed at phase %q", failedPhaseID(report))
	}

	// The nextcloud phase is non-fatal, but the bot cannot do anything
	// useful without a configured backend.
	if nc == nil {
		abortCleanup(mon, history, lock)
		return fmt.Errorf("nextcloud client could not be configured")
	}

	sessionOpts := []session.Option{session.WithIdleTimeout(cfg.SessionIdleTimeout)}
	if cfg.PersistSessions {
		sessionOpts = append(sessionOpts, session.WithPersistPath(filepath.Join(cfg.StateDir, sessionsFileName)))
	}
	sessions := session.NewManager(sessionOpts...)
	handler := messaging.NewResponseHandler(svc, sessions, dl, nc, queue, history, mon,
		messaging.WithAdminChatID(cfg.AdminChatID),
		messaging.WithDownloadTimeout(cfg.DownloadTimeout),
	)

	// A storage recovery drains the queue immediately instead of waiting for
	// the next maintenance tick. The drain runs off the probe goroutine so a
	// long replay never stalls the next probe round.
	mon.Subscribe(func(service string, oldStatus, newStatus models.Availability) {
		switch {
		case service == "nextcloud" && newStatus == models.AvailabilityUp && oldStatus == models.AvailabilityDown:
			go func() {
				handler.NotifyAdmin(ctx, "Nextcloud is back, draining the retry queue.")
				summary := handler.DrainQueue(ctx)
				handler.NotifyAdmin(ctx, fmt.Sprintf("Drain finished: %d delivered, %d still queued.", summary.Succeeded, summary.Failed))
			}()
		case newStatus == models.AvailabilityDown:
			handler.NotifyAdmin(ctx, fmt.Sprintf("%s is unreachable.", service))
		}
	})

	if err := sessions.StartCleanupLoop(DefaultSessionCleanupInterval, cfg.SessionIdleTimeout); err != nil {
		slog.Error("Failed to start session cleanup loop", "error", err)
	}

	sched := scheduler.NewScheduler()
	if err := sched.AddJob(cfg.MaintenanceCron, func() {
		if purged, err := queue.PurgeOrphans(); err != nil {
			slog.Warn("Orphan purge failed", "error", err)
		} else if purged > 0 {
			slog.Info("Purged orphaned retry items", "count", purged)
		}
		handler.DrainQueue(ctx)
	}); err != nil {
		slog.Error("Failed to schedule maintenance job", "error", err, "expr", cfg.MaintenanceCron)
	}

	if err := svc.Start(ctx); err != nil {
		mon.Stop()
		sched.Stop()
		sessions.StopCleanupLoop()
		history.Close()
		lock.Release()
		return fmt.Errorf("failed to start telegram service: %w", err)
	}

	handlerDone := make(chan struct{})
	go func() {
		handler.Run(ctx)
		close(handlerDone)
	}()

	handler.NotifyAdmin(ctx, fmt.Sprintf("YTBot started (%s, %d startup phases, %d queued deliveries).",
		report.Overall, len(report.Results), queue.Stats().Count))
	slog.Info("YTBot is up", "state_dir", cfg.StateDir, "probe_interval", cfg.ProbeInterval)
	<-ctx.Done()
	slog.Info("Shutdown signal received")

	// Shutdown order: stop intake first, then background work, then state.
	if err := svc.Stop(); err != nil {
		slog.Warn("Telegram service stop failed", "error", err)
	}
	<-handlerDone
	sched.Stop()
	mon.Stop()
	sessions.StopCleanupLoop()
	if err := history.Close(); err != nil {
		slog.Warn("Delivery store close failed", "error", err)
	}
	if err := lock.Release(); err != nil {
		slog.Warn("Lock release failed", "error", err)
	}
	slog.Info("YTBot exited cleanly")
	return nil
}

// abortCleanup releases the resources the sequencer handed over when Run
// bails out before the runtime loops start. Every release is best-effort; no
// component may be left holding a handle.
func abortCleanup(mon *monitor.Monitor, history store.Store, lock *lockfile.Lock) {
	if mon != nil {
		mon.Stop()
	}
	if history != nil {
		if err := history.Close(); err != nil {
			slog.Warn("Delivery store close failed during abort", "error", err)
		}
	}
	if lock != nil {
		if err := lock.Release(); err != nil {
			slog.Warn("Lock release failed during abort", "error", err)
		}
	}
}

// openStore picks the delivery history backend from the DSN.
func openStore(cfg Opts) (store.Store, error) {
	if cfg.DatabaseDSN == "" {
		slog.Debug("No database DSN provided, using in-memory delivery history")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DatabaseDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN for delivery history")
		return store.NewPostgresStore(store.WithPostgresDSN(cfg.DatabaseDSN))
	}
	slog.Debug("Detected SQLite DSN for delivery history", "db_path", cfg.DatabaseDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(cfg.DatabaseDSN))
}

// logStartupReport writes one line per phase plus the overall outcome.
func logStartupReport(report bootstrap.Report) {
	for _, r := range report.Results {
		attrs := []any{"phase", r.ID, "status", r.Status}
		if r.Error != "" {
			attrs = append(attrs, "error", r.Error)
		}
		switch r.Status {
		case bootstrap.PhaseFailed:
			slog.Error("Startup phase failed", attrs...)
		case bootstrap.PhaseSkipped, bootstrap.PhaseRolledBack, bootstrap.PhasePending:
			slog.Warn("Startup phase did not complete", attrs...)
		default:
			slog.Info("Startup phase finished", attrs...)
		}
	}
	slog.Info("Startup sequence finished", "overall", report.Overall, "elapsed", report.Elapsed)
}

func failedPhaseID(report bootstrap.Report) string {
	for _, r := range report.Results {
		if r.Status == bootstrap.PhaseFailed {
			return r.ID
		}
	}
	return "unknown"
}
