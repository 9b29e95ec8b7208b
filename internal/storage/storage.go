// Package storage persists session data and publishes export files.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned when a session or object does not exist.
var ErrNotFound = errors.New("storage: not found")

// StorageError represents a storage operation error.
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotExist returns true if the error indicates the object doesn't exist.
func IsNotExist(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.StatusCode == 404
	}
	return false
}

// Exporter publishes a finished export file and returns where it landed.
type Exporter interface {
	Export(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Export file names, matching what the offline analysis scripts look for.
const (
	QREAFile       = "qrea_log.csv"
	TraceFile      = "camera_trace.csv"
	QualityLogFile = "quality_log.json"
)

// ContentType returns the MIME type for an export file name.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// ExportKey places a session's export under its own prefix.
func ExportKey(sessionID, name string) string {
	return fmt.Sprintf("sessions/%s/%s", sessionID, name)
}

// Nop drops every export. It is used when no exporter is configured.
type Nop struct{}

func (Nop) Export(_ context.Context, key string, _ []byte, _ string) (string, error) {
	return "", &StorageError{Op: "export", Key: key, Err: errors.New("no exporter configured")}
}
