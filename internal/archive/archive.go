// Package archive builds compressed tar archives of a directory tree.
//
// The archive is streamed straight to its destination: tar entries are
// written into a zstd encoder which writes into a large buffered writer over
// the output file, so no uncompressed intermediate ever touches disk.
package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/drivebackup/internal/artifact"
	"github.com/tinytelemetry/drivebackup/internal/backuperr"
)

const writeBufferSize = 512 * 1024

// Output is a finished archive on local disk.
type Output struct {
	Path string
	Size int64
	// Entries is the number of tar entries written.
	Entries int
	// Skipped counts special files (sockets, devices, fifos) left out.
	Skipped int
}

// Archiver writes .tar.zst archives. The zero value is ready to use.
type Archiver struct {
	// Root is the name of the top-level directory inside the archive.
	// Defaults to the base name of the source directory.
	Root string
	// Concurrency is the number of zstd block encoders. Zero uses every
	// available core.
	Concurrency int
	// Level trades ratio for speed. Zero means zstd.SpeedDefault.
	Level  zstd.EncoderLevel
	Logger *slog.Logger
}

func (a *Archiver) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// Archive writes the tree under src to dest. Symlinks are stored as symlink
// entries and never followed. On any failure the partial dest is removed.
//
// The walk and compression run on their own goroutine; a panic there is
// reported as an ArchiveBuild error.
func (a *Archiver) Archive(ctx context.Context, src, dest string) (Output, error) {
	log := a.logger().With("source", src, "output", dest)

	info, err := os.Stat(src)
	if err != nil {
		log.Error("source directory is not accessible", "error", err)
		return Output{}, backuperr.New(backuperr.ArchiveBuild, "stat source "+src, err)
	}
	if !info.IsDir() {
		log.Error("source path is not a directory")
		return Output{}, backuperr.Errorf(backuperr.ArchiveBuild, "stat source "+src, "not a directory")
	}

	log.Info("starting directory archive (streaming tar+zstd)")
	out, err := isolate(func() (Output, error) {
		return a.build(ctx, src, dest)
	})
	if err != nil {
		log.Error("directory archive failed", "error", err)
		artifact.Discard(log, dest)
		return Output{}, err
	}

	log.Info("directory archive completed",
		"size_bytes", out.Size,
		"size", humanize.IBytes(uint64(out.Size)),
		"entries", out.Entries,
		"skipped", out.Skipped)
	return out, nil
}

// isolate runs fn on a separate goroutine and converts a panic into an error.
func isolate(fn func() (Output, error)) (Output, error) {
	var out Output
	var g errgroup.Group
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = backuperr.Errorf(backuperr.ArchiveBuild, "archive worker", "panic: %v", r)
			}
		}()
		out, err = fn()
		return err
	})
	if err := g.Wait(); err != nil {
		return Output{}, err
	}
	return out, nil
}

func (a *Archiver) build(ctx context.Context, src, dest string) (Output, error) {
	walkRoot, err := filepath.EvalSymlinks(src)
	if err != nil {
		return Output{}, backuperr.New(backuperr.ArchiveBuild, "resolve source "+src, err)
	}
	root := a.Root
	if root == "" {
		root = filepath.Base(walkRoot)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return Output{}, backuperr.New(backuperr.LocalIO, "create output file", err)
	}
	fileOpen := true
	defer func() {
		if fileOpen {
			f.Close()
		}
	}()

	bw := bufio.NewWriterSize(f, writeBufferSize)

	concurrency := a.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	level := a.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}
	enc, err := zstd.NewWriter(bw,
		zstd.WithEncoderConcurrency(concurrency),
		zstd.WithEncoderLevel(level))
	if err != nil {
		return Output{}, backuperr.New(backuperr.ArchiveBuild, "create zstd encoder", err)
	}
	encOpen := true
	defer func() {
		if encOpen {
			// Releases the encoder goroutines; the output is discarded anyway.
			enc.Close()
		}
	}()

	tw := tar.NewWriter(enc)
	w := &treeWriter{tw: tw, root: root, base: walkRoot, log: a.logger()}
	if err := filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return w.add(p, d)
	}); err != nil {
		return Output{}, backuperr.New(backuperr.ArchiveBuild, "build tar archive from "+src, err)
	}

	// Finalize strictly inside-out: tar trailer, zstd frame, buffer, file.
	if err := tw.Close(); err != nil {
		return Output{}, backuperr.New(backuperr.ArchiveBuild, "finalize tar archive", err)
	}
	encOpen = false
	if err := enc.Close(); err != nil {
		return Output{}, backuperr.New(backuperr.ArchiveBuild, "finalize zstd compression", err)
	}
	if err := bw.Flush(); err != nil {
		return Output{}, backuperr.New(backuperr.ArchiveBuild, "flush output buffer", err)
	}
	fileOpen = false
	if err := f.Close(); err != nil {
		return Output{}, backuperr.New(backuperr.LocalIO, "close output file", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return Output{}, backuperr.New(backuperr.LocalIO, "stat output file", err)
	}
	return Output{Path: dest, Size: info.Size(), Entries: w.entries, Skipped: w.skipped}, nil
}

type treeWriter struct {
	tw      *tar.Writer
	root    string
	base    string
	log     *slog.Logger
	entries int
	skipped int
}

func (w *treeWriter) add(p string, d fs.DirEntry) error {
	rel, err := filepath.Rel(w.base, p)
	if err != nil {
		return err
	}
	name := w.root
	if rel != "." {
		name = path.Join(w.root, filepath.ToSlash(rel))
	}

	// DirEntry.Info does not follow symlinks.
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	mode := info.Mode()
	switch {
	case mode.IsRegular(), mode.IsDir():
	case mode&fs.ModeSymlink != 0:
		if link, err = os.Readlink(p); err != nil {
			return err
		}
	default:
		w.log.Debug("skipping special file", "path", p, "mode", mode.String())
		w.skipped++
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("header for %s: %w", p, err)
	}
	hdr.Name = name
	if mode.IsDir() {
		hdr.Name += "/"
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header for %s: %w", p, err)
	}
	w.entries++

	if !mode.IsRegular() {
		return nil
	}
	return copyFile(w.tw, p, hdr.Size)
}

// copyFile writes exactly size bytes of p. A file that shrank since it was
// stat'ed fails the archive; bytes appended after the stat are ignored.
func copyFile(dst io.Writer, p string, size int64) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.CopyN(dst, f, size); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s shrank while being archived", p)
		}
		return fmt.Errorf("copy %s: %w", p, err)
	}
	return nil
}
