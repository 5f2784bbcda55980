package main

import (
	"log/slog"

	"github.com/tinytelemetry/drivebackup/internal/archive"
	"github.com/tinytelemetry/drivebackup/internal/artifact"
	"github.com/tinytelemetry/drivebackup/internal/backup"
	"github.com/tinytelemetry/drivebackup/internal/dump"
	"github.com/tinytelemetry/drivebackup/internal/prune"
)

func (c appConfig) retention(enabled bool) *prune.Policy {
	if !enabled {
		return nil
	}
	return &prune.Policy{Keep: c.Keep}
}

// job builds the backup job for kind. Settings are validated first.
func (c appConfig) job(kind artifact.Kind, logger *slog.Logger) (backup.Job, error) {
	switch kind {
	case artifact.KindDatabase:
		if err := c.validateDB(); err != nil {
			return backup.Job{}, err
		}
		return backup.Job{
			Kind: kind,
			Producer: backup.DumpProducer{Dumper: &dump.PgDump{
				Binary:   c.PgDumpPath,
				Host:     c.DBHost,
				Port:     c.DBPort,
				User:     c.DBUsername,
				Password: c.DBPassword,
				Database: c.DBName,
				Logger:   logger,
			}},
			FolderName: c.DBFolderName,
			Retention:  c.retention(c.DBRetention),
		}, nil
	case artifact.KindDirectory:
		if err := c.validateDir(); err != nil {
			return backup.Job{}, err
		}
		return backup.Job{
			Kind: kind,
			Producer: backup.ArchiveProducer{
				Archiver: &archive.Archiver{Root: c.ArchiveRoot, Logger: logger},
				Source:   c.SourceDir,
			},
			FolderName: c.DirFolderName,
			Retention:  c.retention(c.DirRetention),
		}, nil
	}
	return backup.Job{}, configErrorf("unknown backup kind %q", kind)
}

func (c appConfig) jobs(kinds []artifact.Kind, logger *slog.Logger) ([]backup.Job, error) {
	out := make([]backup.Job, 0, len(kinds))
	for _, k := range kinds {
		j, err := c.job(k, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// pruneJobs lists every kind that has retention enabled. Producers are left
// empty since nothing is produced.
func (c appConfig) pruneJobs() ([]backup.Job, error) {
	var out []backup.Job
	if c.DBRetention {
		out = append(out, backup.Job{Kind: artifact.KindDatabase, FolderName: c.DBFolderName, Retention: c.retention(true)})
	}
	if c.DirRetention {
		out = append(out, backup.Job{Kind: artifact.KindDirectory, FolderName: c.DirFolderName, Retention: c.retention(true)})
	}
	if len(out) == 0 {
		return nil, configErrorf("prune requires db-retention or dir-retention to be enabled")
	}
	return out, nil
}
