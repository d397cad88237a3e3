// Package fsutil provides file and path utility functions for the synthesis pipeline.
//
// It resolves model files for the conversion stage, prepares output
// directories, and builds collision-free artifact names.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variable names used for path resolution.
const (
	envCacheDir = "CACHE_DIR"
)

// Common application directory and path constants.
const (
	appName               = "synthesis-service"
	cacheDirName          = "cache"
	modelsDirName         = "models"
	tmpDir                = "/tmp"
	dotCache              = ".cache"
	defaultDirPermissions = 0o750
)

// Time formatting constants.
const (
	secondsInMinute = 60
	secondsInHour   = 3600
	formatSeconds   = "%.2fs"
	formatMinutes   = "%dm %.1fs"
	formatHours     = "%dh %dm"
)

// Error message and format string constants.
const (
	errModelNotFoundMsg               = "model not found"
	errFmtFailedToCreateDir           = "failed to create directory %s: %w"
	errFmtCouldNotResolveAbsolutePath = "could not resolve absolute path for %q: %w"
	errFmtErrorCheckingModelPath      = "error checking model path %q: %w"
	errFmtModelNotFound               = "%w: %s"
)

var (
	// ErrModelNotFound is returned when a model file cannot be located.
	ErrModelNotFound = errors.New(errModelNotFoundMsg)
	// ErrModelIsDirectory is returned when a model reference names a directory.
	ErrModelIsDirectory = errors.New("model path is a directory")
)

// GetCacheDir returns the application's cache directory, respecting an environment
// variable override and falling back to a standard user-based cache directory.
func GetCacheDir() string {
	if cacheDir := os.Getenv(envCacheDir); cacheDir != "" {
		return cacheDir
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(tmpDir, appName, cacheDirName)
	}

	return filepath.Join(homeDir, dotCache, appName)
}

// EnsureDir ensures a directory exists at the given path, creating it if it doesn't.
func EnsureDir(path string) error {
	_, statErr := os.Stat(path)
	if os.IsNotExist(statErr) {
		mkdirErr := os.MkdirAll(path, defaultDirPermissions)
		if mkdirErr != nil {
			return fmt.Errorf(errFmtFailedToCreateDir, path, mkdirErr)
		}
	}

	return nil
}

// EnsureParentDir creates the directory that will hold path.
func EnsureParentDir(path string) error {
	return EnsureDir(filepath.Dir(path))
}

// resolveSinglePath checks if a regular file exists at a given path.
// A missing path is reported as found=false without error.
func resolveSinglePath(path string) (resolvedPath string, found bool, err error) {
	info, statErr := os.Stat(path)
	if statErr == nil {
		if info.IsDir() {
			return "", false, fmt.Errorf(errFmtModelNotFound, ErrModelIsDirectory, path)
		}

		absPath, errAbs := filepath.Abs(path)
		if errAbs != nil {
			return "", false, fmt.Errorf(errFmtCouldNotResolveAbsolutePath, path, errAbs)
		}

		return absPath, true, nil
	} else if !os.IsNotExist(statErr) {
		return "", false, fmt.Errorf(errFmtErrorCheckingModelPath, path, statErr)
	}

	return "", false, nil
}

// ResolveModelPath resolves the absolute path to a model file by checking, in order:
// the reference itself, the configured models directory, a local "models"
// directory and the cache.
func ResolveModelPath(modelRef, modelsDir string) (string, error) {
	if strings.TrimSpace(modelRef) == "" {
		return "", fmt.Errorf(errFmtModelNotFound, ErrModelNotFound, "<empty>")
	}

	candidatePaths := []string{modelRef}

	if modelsDir != "" && !filepath.IsAbs(modelRef) {
		candidatePaths = append(candidatePaths, filepath.Join(modelsDir, modelRef))
	}

	if !filepath.IsAbs(modelRef) {
		candidatePaths = append(candidatePaths,
			filepath.Join(modelsDirName, modelRef),
			filepath.Join(GetCacheDir(), modelsDirName, modelRef),
		)
	}

	for _, path := range candidatePaths {
		resolvedPath, found, err := resolveSinglePath(path)
		if err != nil {
			return "", err
		} else if found {
			return resolvedPath, nil
		}
	}

	return "", fmt.Errorf(errFmtModelNotFound, ErrModelNotFound, modelRef)
}

// FormatDuration formats a duration in seconds as a human-readable string
// (e.g., "1h 15m", "5m 30.5s", "1.25s").
func FormatDuration(seconds float64) string {
	if seconds < secondsInMinute {
		return fmt.Sprintf(formatSeconds, seconds)
	}

	if seconds < secondsInHour {
		minutes := int(seconds / secondsInMinute)
		remainingSeconds := seconds - float64(minutes*secondsInMinute)

		return fmt.Sprintf(formatMinutes, minutes, remainingSeconds)
	}

	hours := int(seconds / secondsInHour)
	remainingSeconds := seconds - float64(hours*secondsInHour)
	remainingMinutes := int(remainingSeconds / secondsInMinute)

	return fmt.Sprintf(formatHours, hours, remainingMinutes)
}

// RemoveFile deletes path. A file that is already gone is not an error.
func RemoveFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	return nil
}

// FileExists reports whether a regular file exists at path.
func FileExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && !info.IsDir()
}
