// Package artifact describes the local files produced by a backup run.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tinytelemetry/drivebackup/internal/backuperr"
)

// Kind identifies what an artifact was produced from.
type Kind string

const (
	KindDatabase  Kind = "db"
	KindDirectory Kind = "dir"
)

const timestampLayout = "20060102_150405"

// Extension returns the file extension used for artifacts of this kind.
func (k Kind) Extension() string {
	switch k {
	case KindDatabase:
		return ".dump"
	case KindDirectory:
		return ".tar.zst"
	}
	return ".bin"
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindDatabase || k == KindDirectory
}

// Artifact is one backup payload on local disk. It is owned by whichever
// stage currently holds it and must be removed once no longer needed.
type Artifact struct {
	Kind      Kind
	Path      string
	Size      int64
	CreatedAt time.Time
}

// Name returns the base name of the artifact file.
func (a Artifact) Name() string {
	return filepath.Base(a.Path)
}

// FileName returns "{kind}_{YYYYMMDD_HHMMSS}{ext}" for t in UTC.
func FileName(kind Kind, t time.Time) string {
	return fmt.Sprintf("%s_%s%s", kind, t.UTC().Format(timestampLayout), kind.Extension())
}

// PathIn joins FileName(kind, t) onto dir.
func PathIn(dir string, kind Kind, t time.Time) string {
	return filepath.Join(dir, FileName(kind, t))
}

// Remove deletes path. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return backuperr.New(backuperr.LocalIO, "remove "+path, err)
	}
	return nil
}

// Discard removes a partial or superseded artifact, logging instead of
// returning a failure so it never masks the error that led here.
func Discard(logger *slog.Logger, path string) {
	if err := Remove(path); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("failed to clean up temp file", "path", path, "error", err)
	}
}
