// Package models downloads voice conversion models into the models directory
// the conversion stage resolves model files from.
package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/synthesis-service/internal/core"
	"github.com/book-expert/synthesis-service/internal/fsutil"
)

const (
	tempFilePattern   = ".download-*"
	maxErrorBodyBytes = 512
)

// Error message and format string constants.
const (
	errFmtBadURL          = "%w: model url must be an absolute http(s) URL"
	errFmtBadName         = "%w: cannot derive a model file name from %q"
	errFmtUnsupported     = "%w: unsupported model file %q (expected .pth or .index)"
	errFmtDownloadStatus  = "%w: %s returned %s: %s"
	errFmtTooLarge        = "%w: %s exceeds %d bytes"
	errFmtFailedToCreate  = "failed to create temporary model file: %w"
	errFmtFailedToWrite   = "failed to write model file: %w"
	errFmtFailedToInstall = "failed to move model into %s: %w"
)

var (
	// ErrModelsDirEmpty indicates that no models directory was configured.
	ErrModelsDirEmpty = errors.New("models directory cannot be empty")
	// ErrDownloadFailed indicates the remote server did not deliver the model.
	ErrDownloadFailed = errors.New("model download failed")
	// ErrModelTooLarge indicates the model exceeds the configured size limit.
	ErrModelTooLarge = errors.New("model file too large")

	modelNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// Fetcher downloads model files over HTTP.
type Fetcher struct {
	httpClient *http.Client
	modelsDir  string
	maxBytes   int64
	log        *logger.Logger
}

// NewFetcher creates a fetcher writing into modelsDir. A non-positive
// maxBytes disables the size limit.
func NewFetcher(modelsDir string, timeout time.Duration, maxBytes int64, log *logger.Logger) (*Fetcher, error) {
	if strings.TrimSpace(modelsDir) == "" {
		return nil, ErrModelsDirEmpty
	}

	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		modelsDir:  modelsDir,
		maxBytes:   maxBytes,
		log:        log,
	}, nil
}

// Fetch downloads rawURL into the models directory and returns the local
// path. An existing model of the same name is replaced only once the new
// file is complete. URL and file name problems wrap core.ErrValidation.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	name, err := ModelFileName(rawURL)
	if err != nil {
		return "", err
	}

	started := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf(errFmtBadURL, core.ErrValidation)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

		return "", fmt.Errorf(errFmtDownloadStatus, ErrDownloadFailed, rawURL, resp.Status, strings.TrimSpace(string(body)))
	}

	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return "", fmt.Errorf(errFmtTooLarge, ErrModelTooLarge, name, f.maxBytes)
	}

	destination := filepath.Join(f.modelsDir, name)

	written, err := f.install(resp.Body, destination)
	if err != nil {
		return "", err
	}

	f.log.Info("Downloaded model %s (%d bytes) in %s", destination, written,
		fsutil.FormatDuration(time.Since(started).Seconds()))

	return destination, nil
}

// install streams body into a temporary file next to destination and renames it into place.
func (f *Fetcher) install(body io.Reader, destination string) (int64, error) {
	dirErr := fsutil.EnsureDir(f.modelsDir)
	if dirErr != nil {
		return 0, dirErr
	}

	tempFile, err := os.CreateTemp(f.modelsDir, tempFilePattern)
	if err != nil {
		return 0, fmt.Errorf(errFmtFailedToCreate, err)
	}

	tempPath := tempFile.Name()

	defer func() {
		_ = os.Remove(tempPath)
	}()

	reader := body
	if f.maxBytes > 0 {
		reader = io.LimitReader(body, f.maxBytes+1)
	}

	written, copyErr := io.Copy(tempFile, reader)
	closeErr := tempFile.Close()

	if copyErr != nil {
		return 0, fmt.Errorf(errFmtFailedToWrite, copyErr)
	}

	if closeErr != nil {
		return 0, fmt.Errorf(errFmtFailedToWrite, closeErr)
	}

	if f.maxBytes > 0 && written > f.maxBytes {
		return 0, fmt.Errorf(errFmtTooLarge, ErrModelTooLarge, filepath.Base(destination), f.maxBytes)
	}

	renameErr := os.Rename(tempPath, destination)
	if renameErr != nil {
		return 0, fmt.Errorf(errFmtFailedToInstall, f.modelsDir, renameErr)
	}

	return written, nil
}

// ModelFileName validates rawURL and returns the file name the model is stored under.
func ModelFileName(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", fmt.Errorf(errFmtBadURL, core.ErrValidation)
	}

	name := path.Base(parsed.Path)
	if !modelNamePattern.MatchString(name) {
		return "", fmt.Errorf(errFmtBadName, core.ErrValidation, rawURL)
	}

	switch strings.ToLower(path.Ext(name)) {
	case ".pth", ".index":
		return name, nil
	default:
		return "", fmt.Errorf(errFmtUnsupported, core.ErrValidation, name)
	}
}
