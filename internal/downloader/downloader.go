// Package downloader wraps the external yt-dlp extraction tool for YTBot.
package downloader

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Default configuration constants
const (
	// DefaultBinPath is the yt-dlp executable looked up on PATH.
	DefaultBinPath = "yt-dlp"
	// DefaultMinVersion is the minimum yt-dlp release known to work with
	// the platforms the bot supports.
	DefaultMinVersion = "2026.2.4"
)

// Format selects the extraction mode for a download.
type Format string

const (
	// FormatAudio extracts audio and converts it to mp3.
	FormatAudio Format = "audio"
	// FormatVideo downloads the best available video+audio as mp4.
	FormatVideo Format = "video"
)

// IsValidFormat checks whether the given format is supported.
func IsValidFormat(f Format) bool {
	return f == FormatAudio || f == FormatVideo
}

// Result describes one completed download.
type Result struct {
	FilePath  string // sanitized final path inside the work directory
	FileName  string // sanitized base name
	SizeBytes int64
}

// Opts holds configuration for the Downloader.
type Opts struct {
	BinPath    string
	WorkDir    string
	MinVersion string
}

// Option defines a configuration option for the Downloader.
type Option func(*Opts)

// WithBinPath overrides the yt-dlp executable path.
func WithBinPath(path string) Option {
	return func(o *Opts) { o.BinPath = path }
}

// WithWorkDir sets the directory downloads are written into.
func WithWorkDir(dir string) Option {
	return func(o *Opts) { o.WorkDir = dir }
}

// WithMinVersion overrides the minimum accepted yt-dlp version.
func WithMinVersion(v string) Option {
	return func(o *Opts) { o.MinVersion = v }
}

// Downloader shells out to yt-dlp. It is an external collaborator: YTBot's
// core only sequences and retries calls into it.
type Downloader struct {
	binPath    string
	workDir    string
	minVersion string
}

// New creates a Downloader with the given options.
func New(opts ...Option) *Downloader {
	cfg := Opts{BinPath: DefaultBinPath, MinVersion: DefaultMinVersion}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	slog.Debug("Creating downloader", "bin", cfg.BinPath, "work_dir", cfg.WorkDir, "min_version", cfg.MinVersion)
	return &Downloader{binPath: cfg.BinPath, workDir: cfg.WorkDir, minVersion: cfg.MinVersion}
}

// DetectPlatform identifies the content platform from a URL host, for the
// session payload and user-facing messages. Unrecognized hosts are "generic";
// yt-dlp decides whether it can extract from them.
func DetectPlatform(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	switch {
	case host == "youtu.be" || host == "youtube.com" || strings.HasSuffix(host, ".youtube.com"):
		return "youtube"
	case host == "bilibili.com" || strings.HasSuffix(host, ".bilibili.com") || host == "b23.tv":
		return "bilibili"
	case host == "twitter.com" || host == "x.com":
		return "twitter"
	case host == "instagram.com" || strings.HasSuffix(host, ".instagram.com"):
		return "instagram"
	default:
		return "generic"
	}
}

// IsSupportedURL reports whether the text looks like a downloadable URL.
func IsSupportedURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Download runs yt-dlp for the URL into a fresh subdirectory of the work
// directory and returns the sanitized result file. The caller owns the
// returned file and removes it (via Cleanup) after delivery.
func (d *Downloader) Download(ctx context.Context, rawURL string, format Format) (*Result, error) {
	if !IsSupportedURL(rawURL) {
		return nil, fmt.Errorf("unsupported URL: %s", rawURL)
	}
	if !IsValidFormat(format) {
		return nil, fmt.Errorf("unsupported format: %s", format)
	}

	jobDir, err := os.MkdirTemp(d.workDir, "ytbot-dl-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	outputTemplate := filepath.Join(jobDir, "%(title)s.%(ext)s")
	args := []string{"--no-playlist", "--no-progress", "-o", outputTemplate}
	switch format {
	case FormatAudio:
		args = append(args, "-x", "--audio-format", "mp3", "--audio-quality", "0")
	case FormatVideo:
		args = append(args, "-f", "bestvideo+bestaudio/best", "--merge-output-format", "mp4")
	}
	args = append(args, rawURL)

	slog.Info("Starting download", "url", rawURL, "format", format, "dir", jobDir)
	cmd := exec.CommandContext(ctx, d.binPath, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(jobDir)
		slog.Error("yt-dlp failed", "error", err, "url", rawURL, "output", truncateOutput(out))
		return nil, fmt.Errorf("yt-dlp failed for %s: %w", rawURL, err)
	}

	result, err := d.collectResult(jobDir)
	if err != nil {
		os.RemoveAll(jobDir)
		return nil, err
	}
	slog.Info("Download finished", "file", result.FileName, "size", FormatFileSize(result.SizeBytes))
	return result, nil
}

// collectResult locates the produced file and renames it to a sanitized,
// byte-capped name.
func (d *Downloader) collectResult(jobDir string) (*Result, error) {
	entries, err := os.ReadDir(jobDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read download directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		safeName := SafeTruncateFilename(entry.Name(), MaxFileNameBytes)
		finalPath := filepath.Join(jobDir, safeName)
		if safeName != entry.Name() {
			if err := os.Rename(filepath.Join(jobDir, entry.Name()), finalPath); err != nil {
				return nil, fmt.Errorf("failed to rename download to sanitized name: %w", err)
			}
		}
		return &Result{FilePath: finalPath, FileName: safeName, SizeBytes: info.Size()}, nil
	}
	return nil, fmt.Errorf("yt-dlp produced no output file in %s", jobDir)
}

// Cleanup removes a download's working files after delivery (or after the
// retry queue no longer references them).
func Cleanup(result *Result) {
	if result == nil || result.FilePath == "" {
		return
	}
	dir := filepath.Dir(result.FilePath)
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("Failed to clean up download directory", "error", err, "dir", dir)
		return
	}
	slog.Debug("Cleaned up download directory", "dir", dir)
}

// truncateOutput keeps process output in logs bounded.
func truncateOutput(out []byte) string {
	const max = 512
	s := strings.TrimSpace(string(out))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
