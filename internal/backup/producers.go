package backup

import (
	"context"
	"time"

	"github.com/tinytelemetry/drivebackup/internal/archive"
	"github.com/tinytelemetry/drivebackup/internal/artifact"
	"github.com/tinytelemetry/drivebackup/internal/dump"
)

// DumpProducer produces database artifacts.
type DumpProducer struct {
	Dumper dump.Dumper
}

// Produce implements Producer.
func (p DumpProducer) Produce(ctx context.Context, dest string) (artifact.Artifact, error) {
	out, err := p.Dumper.Dump(ctx, dest)
	if err != nil {
		return artifact.Artifact{}, err
	}
	return artifact.Artifact{
		Kind:      artifact.KindDatabase,
		Path:      out.Path,
		Size:      out.Size,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// ArchiveProducer produces directory artifacts from Source.
type ArchiveProducer struct {
	Archiver *archive.Archiver
	Source   string
}

// Produce implements Producer.
func (p ArchiveProducer) Produce(ctx context.Context, dest string) (artifact.Artifact, error) {
	a := p.Archiver
	if a == nil {
		a = &archive.Archiver{}
	}
	out, err := a.Archive(ctx, p.Source, dest)
	if err != nil {
		return artifact.Artifact{}, err
	}
	return artifact.Artifact{
		Kind:      artifact.KindDirectory,
		Path:      out.Path,
		Size:      out.Size,
		CreatedAt: time.Now().UTC(),
	}, nil
}
