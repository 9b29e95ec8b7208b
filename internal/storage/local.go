package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// LocalExporter writes exports below a directory.
type LocalExporter struct {
	dir    string
	logger *zap.Logger
}

// NewLocalExporter creates dir if needed.
func NewLocalExporter(dir string, logger *zap.Logger) (*LocalExporter, error) {
	if logger == nil {
		logger = zap.L()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Key: dir, Err: err}
	}
	return &LocalExporter{dir: dir, logger: logger.Named("local-exporter")}, nil
}

// Export writes data to dir/key through a temporary file and a rename.
func (e *LocalExporter) Export(ctx context.Context, key string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", &StorageError{Op: "export", Key: key, Err: fmt.Errorf("key escapes export dir")}
	}
	dst := filepath.Join(e.dir, clean)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", &StorageError{Op: "export", Key: key, Err: err}
	}

	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return "", &StorageError{Op: "export", Key: key, Err: err}
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", &StorageError{Op: "export", Key: key, Err: err}
	}

	e.logger.Debug("Export written", zap.String("path", dst), zap.Int("size", len(data)))
	return dst, nil
}
