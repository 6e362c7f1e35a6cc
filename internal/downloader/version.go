// The yt-dlp version check run at startup. Platforms change their players
// constantly; an outdated extractor is the most common reason downloads
// silently start failing, so the bot surfaces the installed version against
// a required minimum.

package downloader

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// NormalizeVersion strips leading zeros from every dot-separated part so
// date-based versions like "2026.02.04" compare equal to "2026.2.4".
func NormalizeVersion(version string) string {
	parts := strings.Split(strings.TrimSpace(version), ".")
	for i, part := range parts {
		if n, err := strconv.Atoi(part); err == nil {
			parts[i] = strconv.Itoa(n)
		}
	}
	return strings.Join(parts, ".")
}

// CompareVersions returns -1, 0 or 1 as a is older than, equal to, or newer
// than b. Parts compare numerically when both sides are numeric, otherwise
// lexically.
func CompareVersions(a, b string) int {
	aParts := strings.Split(NormalizeVersion(a), ".")
	bParts := strings.Split(NormalizeVersion(b), ".")

	for i := 0; i < len(aParts) || i < len(bParts); i++ {
		av, bv := "0", "0"
		if i < len(aParts) {
			av = aParts[i]
		}
		if i < len(bParts) {
			bv = bParts[i]
		}

		an, aErr := strconv.Atoi(av)
		bn, bErr := strconv.Atoi(bv)
		if aErr == nil && bErr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// CheckVersion runs the extraction tool with --version and verifies the
// installed version meets the configured minimum. It returns the installed
// version string so the caller can include it in the startup report.
func (d *Downloader) CheckVersion(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, d.binPath, "--version").Output()
	if err != nil {
		slog.Error("yt-dlp version check failed to execute", "error", err, "bin", d.binPath)
		return "", fmt.Errorf("failed to run %s --version: %w", d.binPath, err)
	}

	installed := strings.TrimSpace(string(out))
	if installed == "" {
		return "", fmt.Errorf("%s --version produced no output", d.binPath)
	}

	if d.minVersion != "" && CompareVersions(installed, d.minVersion) < 0 {
		slog.Warn("yt-dlp version below minimum", "installed", installed, "minimum", d.minVersion)
		return installed, fmt.Errorf("yt-dlp %s is older than required minimum %s", installed, d.minVersion)
	}

	slog.Info("yt-dlp version check passed", "installed", installed, "minimum", d.minVersion)
	return installed, nil
}
