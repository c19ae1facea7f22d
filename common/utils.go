package common

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// GenerateRunID returns a unique identifier for one harvest process invocation.
// The timestamp prefix keeps ids sortable in log search.
func GenerateRunID() string {
	return time.Now().Format("20060102150405") + "-" + uuid.New().String()[:8]
}

// IsRemotePath reports whether the input location is an http(s) URL.
func IsRemotePath(path string) bool {
	lower := strings.ToLower(strings.TrimSpace(path))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// DownloadURLFile downloads a file from a URL and saves it to a temporary location.
// Returns the path to the downloaded file and any error encountered. A
// partial file is removed when the download fails or ctx is cancelled.
func DownloadURLFile(ctx context.Context, url string) (string, error) {
	log.Info().Str("url", url).Msg("Downloading input file")

	client := &http.Client{
		Timeout: 10 * time.Minute,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 Parcel-Harvester/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bad status code: %d", resp.StatusCode)
	}

	filename := filepath.Join(os.TempDir(), fmt.Sprintf("harvest_input_%s.csv", GenerateRunID()))
	out, err := os.Create(filename)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}

	if _, err = io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(filename)
		return "", fmt.Errorf("failed to write to file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(filename)
		return "", fmt.Errorf("failed to close output file: %w", err)
	}

	log.Info().Str("file", filename).Msg("Input file downloaded successfully")
	return filename, nil
}

// ResolveInputPath returns a local path for the input, downloading it first
// when it is remote.
func ResolveInputPath(ctx context.Context, path string) (string, error) {
	if IsRemotePath(path) {
		return DownloadURLFile(ctx, path)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("input file not readable: %w", err)
	}
	return path, nil
}

// WriteFileAtomic writes data to a sibling temp file, syncs it and renames it
// over path, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
