// Filename sanitization for downloaded media. Remote titles arrive with
// characters that are invalid on common filesystems and with lengths that
// exceed what the storage backend accepts, so every downloaded file is
// renamed through SanitizeFilename before upload.

package downloader

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

const (
	// DefaultFileName is used when the input name is empty or unusable.
	DefaultFileName = "unknown_file.mp3"
	// fallbackFileName is used when sanitization leaves nothing meaningful.
	fallbackFileName = "unnamed_file.mp3"
	// MaxNameLength limits the name portion (without extension), keeping
	// the full name safely under storage-backend limits even after URL
	// encoding.
	MaxNameLength = 150
	// MaxFileNameBytes caps the whole filename in bytes. Rune-capped CJK
	// names can still exceed filesystem byte limits, so downloads pass
	// through the byte-safe truncation as well.
	MaxFileNameBytes = 200
)

// invalidChars are rejected by common filesystems and by the WebDAV backend.
const invalidChars = `<>"/\|?*`

// reservedNames are filenames some operating systems refuse to create.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// SanitizeFilename cleans a filename for safe storage: invalid characters
// become underscores, runs of underscores collapse, control characters are
// dropped, overlong names are truncated, and OS-reserved names get a numeric
// suffix.
func SanitizeFilename(name string) string {
	if strings.TrimSpace(name) == "" {
		slog.Debug("SanitizeFilename: empty input, using default name")
		return DefaultFileName
	}
	cleaned := strings.TrimSpace(name)

	// Replace unsupported characters with underscores.
	var b strings.Builder
	for _, r := range cleaned {
		if r < 32 {
			continue
		}
		if strings.ContainsRune(invalidChars, r) {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	cleaned = b.String()

	// Collapse consecutive underscores.
	for strings.Contains(cleaned, "__") {
		cleaned = strings.ReplaceAll(cleaned, "__", "_")
	}

	// Truncate an overlong name portion, preserving the extension.
	ext := filepath.Ext(cleaned)
	base := strings.TrimSuffix(cleaned, ext)
	if baseRunes := []rune(base); len(baseRunes) > MaxNameLength {
		base = string(baseRunes[:MaxNameLength])
		cleaned = base + ext
		slog.Debug("SanitizeFilename: name truncated", "result", cleaned)
	}

	// Avoid OS-reserved filenames, keeping the original casing.
	for counter := 1; counter <= 100; counter++ {
		ext = filepath.Ext(cleaned)
		base = strings.TrimSuffix(cleaned, ext)
		if !reservedNames[strings.ToUpper(base)] {
			break
		}
		cleaned = fmt.Sprintf("%s_%d%s", base, counter, ext)
	}

	if cleaned == "" || cleaned == ext || cleaned == "_" {
		slog.Debug("SanitizeFilename: nothing usable left, using fallback name")
		return fallbackFileName
	}

	cleaned = strings.Trim(cleaned, "_")
	if cleaned == "" || cleaned == ext {
		return fallbackFileName
	}
	return cleaned
}

// SafeTruncateFilename truncates a filename to at most maxBytes bytes,
// sanitizing first and respecting multi-byte characters so a CJK title is
// never cut mid-rune.
func SafeTruncateFilename(name string, maxBytes int) string {
	if name == "" {
		return DefaultFileName
	}
	cleaned := SanitizeFilename(name)

	ext := filepath.Ext(cleaned)
	base := strings.TrimSuffix(cleaned, ext)

	maxBaseBytes := maxBytes - len(ext)
	if maxBaseBytes <= 0 {
		return "file" + ext
	}
	if len(base) <= maxBaseBytes {
		return cleaned
	}

	// Accumulate whole runes up to the byte budget.
	truncated := ""
	for _, r := range base {
		next := truncated + string(r)
		if len(next) > maxBaseBytes {
			break
		}
		truncated = next
	}
	if truncated == "" {
		return "file" + ext
	}

	const ellipsis = "..."
	if len(truncated)+len(ellipsis) <= maxBaseBytes {
		truncated += ellipsis
	}
	return truncated + ext
}

// FormatFileSize renders a byte count in a human-readable unit.
func FormatFileSize(sizeBytes int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(sizeBytes)
	idx := 0
	for size >= 1024 && idx < len(units)-1 {
		size /= 1024
		idx++
	}
	return fmt.Sprintf("%.2f %s", size, units[idx])
}
