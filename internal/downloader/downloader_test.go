package downloader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeFakeExtractor writes an executable stand-in for yt-dlp that creates
// one output file with the given name in the -o template's directory.
func writeFakeExtractor(t *testing.T, producedName string) string {
	t.Helper()
	script := `#!/bin/sh
if [ "$1" = "--version" ]; then
  echo "2026.8.1"
  exit 0
fi
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
done
dir=$(dirname "$out")
printf 'media-bytes' > "$dir/` + producedName + `"
`
	path := filepath.Join(t.TempDir(), "yt-dlp")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake extractor: %v", err)
	}
	return path
}

func TestDownloadSanitizesResultName(t *testing.T) {
	d := New(
		WithBinPath(writeFakeExtractor(t, `bad<name>.mp3`)),
		WithWorkDir(t.TempDir()),
	)
	result, err := d.Download(context.Background(), "https://youtu.be/abc123", FormatAudio)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer Cleanup(result)

	if result.FileName != "bad_name_.mp3" {
		t.Errorf("expected sanitized name, got %q", result.FileName)
	}
	if _, err := os.Stat(result.FilePath); err != nil {
		t.Errorf("result file missing at sanitized path: %v", err)
	}
}

func TestDownloadCapsResultNameBytes(t *testing.T) {
	long := strings.Repeat("日", 80) + ".mp3"
	d := New(
		WithBinPath(writeFakeExtractor(t, long)),
		WithWorkDir(t.TempDir()),
	)
	result, err := d.Download(context.Background(), "https://youtu.be/abc123", FormatAudio)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer Cleanup(result)

	if len(result.FileName) > MaxFileNameBytes {
		t.Errorf("result name is %d bytes, want at most %d", len(result.FileName), MaxFileNameBytes)
	}
	if !strings.HasSuffix(result.FileName, ".mp3") {
		t.Errorf("extension must survive truncation, got %q", result.FileName)
	}
	if _, err := os.Stat(result.FilePath); err != nil {
		t.Errorf("result file missing at truncated path: %v", err)
	}
}

func TestDownloadRejectsBadInput(t *testing.T) {
	d := New(WithWorkDir(t.TempDir()))
	if _, err := d.Download(context.Background(), "not a url", FormatAudio); err == nil {
		t.Error("expected error for unsupported URL")
	}
	if _, err := d.Download(context.Background(), "https://youtu.be/abc", Format("flac")); err == nil {
		t.Error("expected error for unsupported format")
	}
}
