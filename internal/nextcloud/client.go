// Package nextcloud uploads delivered files to a Nextcloud instance over
// WebDAV. It is the bot's storage backend: every successful download ends up
// here before the user gets a share-friendly confirmation.
package nextcloud

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/studio-b12/gowebdav"
)

// Default retry parameters for uploads. The backend is the flakiest
// collaborator in the delivery path, so uploads retry with exponential
// backoff before the item falls through to the durable retry queue.
const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = 2 * time.Second
)

// Opts holds configuration for the Nextcloud client.
type Opts struct {
	// BaseURL is the WebDAV endpoint, e.g.
	// https://cloud.example.org/remote.php/dav/files/ytbot
	BaseURL  string
	Username string
	Password string
	// BaseDir is the remote directory uploads land in, relative to BaseURL.
	BaseDir string
	// MaxAttempts bounds upload retries within a single call.
	MaxAttempts int
	// InitialDelay is the first backoff interval; it doubles per attempt.
	InitialDelay time.Duration
}

// Option defines a configuration option for the Nextcloud client.
type Option func(*Opts)

// WithBaseURL sets the WebDAV endpoint URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithCredentials sets the WebDAV username and password (an app password,
// not the account password).
func WithCredentials(username, password string) Option {
	return func(o *Opts) {
		o.Username = username
		o.Password = password
	}
}

// WithBaseDir sets the remote directory uploads are placed under.
func WithBaseDir(dir string) Option {
	return func(o *Opts) { o.BaseDir = dir }
}

// WithMaxAttempts bounds the number of upload attempts per call.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithInitialDelay sets the first retry backoff interval.
func WithInitialDelay(d time.Duration) Option {
	return func(o *Opts) { o.InitialDelay = d }
}

// Client wraps a WebDAV connection to a Nextcloud instance.
type Client struct {
	dav          *gowebdav.Client
	baseDir      string
	maxAttempts  int
	initialDelay time.Duration
}

// NewClient creates a Nextcloud client with the given options.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{MaxAttempts: DefaultMaxAttempts, InitialDelay: DefaultInitialDelay}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("nextcloud base URL is required")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	slog.Debug("Creating Nextcloud client", "url", cfg.BaseURL, "base_dir", cfg.BaseDir, "max_attempts", cfg.MaxAttempts)
	return &Client{
		dav:          gowebdav.NewClient(cfg.BaseURL, cfg.Username, cfg.Password),
		baseDir:      cfg.BaseDir,
		maxAttempts:  cfg.MaxAttempts,
		initialDelay: cfg.InitialDelay,
	}, nil
}

// BaseDir returns the configured remote base directory.
func (c *Client) BaseDir() string {
	return c.baseDir
}

// CheckConnection verifies the WebDAV endpoint is reachable and the
// credentials work. It doubles as the availability probe for the monitor.
func (c *Client) CheckConnection(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- c.dav.Connect()
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("nextcloud connection check failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("nextcloud connection check canceled: %w", ctx.Err())
	}
}

// Upload stores a local file at baseDir/remoteDir/remoteName, creating the
// remote directory as needed. Transient failures are retried with exponential
// backoff; the last error is returned once attempts are exhausted so the
// caller can queue the item for later delivery.
func (c *Client) Upload(ctx context.Context, localPath, remoteDir, remoteName string) (string, error) {
	remotePath := path.Join(c.baseDir, remoteDir, remoteName)
	dir := path.Dir(remotePath)

	var lastErr error
	delay := c.initialDelay
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("upload canceled: %w", err)
		}

		lastErr = c.uploadOnce(localPath, dir, remotePath)
		if lastErr == nil {
			slog.Info("Upload complete", "remote_path", remotePath, "attempt", attempt)
			return remotePath, nil
		}

		slog.Warn("Upload attempt failed", "error", lastErr, "remote_path", remotePath, "attempt", attempt, "max_attempts", c.maxAttempts)
		if attempt < c.maxAttempts {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return "", fmt.Errorf("upload canceled during backoff: %w", ctx.Err())
			}
		}
	}
	return "", fmt.Errorf("upload of %s failed after %d attempts: %w", remoteName, c.maxAttempts, lastErr)
}

// uploadOnce performs a single mkdir+stream attempt.
func (c *Client) uploadOnce(localPath, remoteDir, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer f.Close()

	if err := c.dav.MkdirAll(remoteDir, 0o755); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %w", remoteDir, err)
	}
	if err := c.dav.WriteStream(remotePath, f, 0o644); err != nil {
		return fmt.Errorf("failed to write remote file: %w", err)
	}
	return nil
}

// RemotePath returns the full remote path for a directory and name under the
// configured base directory.
func (c *Client) RemotePath(remoteDir, remoteName string) string {
	return path.Join(c.baseDir, remoteDir, remoteName)
}

// Exists reports whether a remote path already holds a file. Queue replays
// are at-least-once; checking before re-upload keeps a crash between remote
// success and local removal from transferring the file twice.
func (c *Client) Exists(remoteDir, remoteName string) bool {
	_, err := c.dav.Stat(c.RemotePath(remoteDir, remoteName))
	return err == nil
}
