package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/maruel/subcommands"

	"github.com/tinytelemetry/drivebackup/internal/artifact"
	"github.com/tinytelemetry/drivebackup/internal/backup"
	"github.com/tinytelemetry/drivebackup/internal/drive"
	"github.com/tinytelemetry/drivebackup/internal/httpserver"
	"github.com/tinytelemetry/drivebackup/internal/ledger"
)

var cmdDB = &subcommands.Command{
	UsageLine: "db [options]",
	ShortDesc: "dumps the PostgreSQL database and uploads it",
	LongDesc: `Runs pg_dump in custom format into the temp directory, uploads the dump
to the database folder on Google Drive and removes the local copy. Old dumps
are pruned only when db-retention is enabled.`,
	CommandRun: func() subcommands.CommandRun {
		return newBackupRun(artifact.KindDatabase)
	},
}

var cmdDir = &subcommands.Command{
	UsageLine: "dir [options]",
	ShortDesc: "archives the source directory and uploads it",
	LongDesc: `Streams source-dir into a zstd-compressed tar archive, uploads it to the
directory folder on Google Drive, keeps the newest "keep" archives there and
removes the local copy. Symlinks are stored, never followed.`,
	CommandRun: func() subcommands.CommandRun {
		return newBackupRun(artifact.KindDirectory)
	},
}

var cmdAll = &subcommands.Command{
	UsageLine: "all [options]",
	ShortDesc: "runs the database and directory backups",
	LongDesc: `Authenticates once and runs the database backup, then the directory
backup. A failure in one does not stop the other; the exit status is non-zero
if either failed.`,
	CommandRun: func() subcommands.CommandRun {
		return newBackupRun(artifact.KindDatabase, artifact.KindDirectory)
	},
}

type backupRun struct {
	baseRun
	kinds []artifact.Kind
}

func newBackupRun(kinds ...artifact.Kind) *backupRun {
	r := &backupRun{kinds: kinds}
	r.registerBaseFlags()
	return r
}

func (r *backupRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if len(args) != 0 {
		return r.done(a, configErrorf("unexpected arguments: %q", args))
	}
	ctx, stop := signalContext()
	defer stop()
	return r.done(a, r.run(ctx, a.GetOut()))
}

func (r *backupRun) run(ctx context.Context, out io.Writer) error {
	s, err := r.open()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.cfg.validateRemote(); err != nil {
		return err
	}
	jobs, err := s.cfg.jobs(r.kinds, s.log)
	if err != nil {
		return err
	}

	m, err := s.manager(ctx)
	if err != nil {
		return err
	}
	reports, runErr := m.RunAll(ctx, jobs)
	printReports(out, reports)
	s.trimLedger(ctx)
	return runErr
}

// manager authenticates once and wires the orchestrator to the ledger.
func (s *session) manager(ctx context.Context) (*backup.Manager, error) {
	if err := s.openLedger(ctx); err != nil {
		return nil, err
	}
	client, err := drive.Authenticate(ctx, s.cfg.CredentialsPath,
		drive.WithChunkSize(s.cfg.UploadChunkSize),
		drive.WithVerifySize(s.cfg.VerifyUploadSize),
		drive.WithLogger(s.log),
	)
	if err != nil {
		return nil, err
	}

	opts := []backup.Option{backup.WithLogger(s.log)}
	if s.ledger != nil {
		opts = append(opts, backup.WithRecorder(s.ledger))
	}
	return backup.NewManager(client, backup.Config{
		ParentFolderID: s.cfg.DriveFolderID,
		TempDir:        s.cfg.TempDir,
	}, opts...)
}

func (s *session) trimLedger(ctx context.Context) {
	if s.ledger == nil || s.cfg.LedgerRetentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.LedgerRetentionDays)
	n, err := s.ledger.Trim(context.WithoutCancel(ctx), cutoff)
	if err != nil {
		s.log.Warn("failed to trim run ledger", "error", err)
		return
	}
	if n > 0 {
		s.log.Debug("trimmed run ledger", "deleted", n, "cutoff", cutoff)
	}
}

var cmdPrune = &subcommands.Command{
	UsageLine: "prune [options]",
	ShortDesc: "deletes old backups from Google Drive",
	LongDesc: `Keeps the newest "keep" backups in every folder whose kind has retention
enabled and deletes the rest. Nothing is produced or uploaded.`,
	CommandRun: func() subcommands.CommandRun {
		r := &pruneRun{}
		r.registerBaseFlags()
		return r
	},
}

type pruneRun struct {
	baseRun
}

func (r *pruneRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if len(args) != 0 {
		return r.done(a, configErrorf("unexpected arguments: %q", args))
	}
	ctx, stop := signalContext()
	defer stop()
	return r.done(a, r.run(ctx, a.GetOut()))
}

func (r *pruneRun) run(ctx context.Context, out io.Writer) error {
	s, err := r.open()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.cfg.validateRemote(); err != nil {
		return err
	}
	jobs, err := s.cfg.pruneJobs()
	if err != nil {
		return err
	}
	m, err := s.manager(ctx)
	if err != nil {
		return err
	}
	reports, pruneErr := m.PruneOnly(ctx, jobs)
	printReports(out, reports)
	return pruneErr
}

var cmdHistory = &subcommands.Command{
	UsageLine: "history [options]",
	ShortDesc: "shows recorded backup runs",
	LongDesc:  "Prints recent runs from the ledger at ledger-path, newest first.",
	CommandRun: func() subcommands.CommandRun {
		r := &historyRun{}
		r.registerBaseFlags()
		r.Flags.StringVar(&r.kind, "kind", "", `only show runs of this kind ("db" or "dir")`)
		r.Flags.IntVar(&r.limit, "limit", 20, "maximum number of runs to show")
		r.Flags.BoolVar(&r.latest, "latest", false, "show only the newest run of each kind")
		return r
	},
}

type historyRun struct {
	baseRun
	kind   string
	limit  int
	latest bool
}

func (r *historyRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if len(args) != 0 {
		return r.done(a, configErrorf("unexpected arguments: %q", args))
	}
	if r.kind != "" && !artifact.Kind(r.kind).Valid() {
		return r.done(a, configErrorf("unknown kind %q", r.kind))
	}
	ctx, stop := signalContext()
	defer stop()
	return r.done(a, r.run(ctx, a.GetOut()))
}

func (r *historyRun) run(ctx context.Context, out io.Writer) error {
	s, err := r.open()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.cfg.validateLedger(); err != nil {
		return err
	}
	if err := s.openLedger(ctx); err != nil {
		return err
	}

	var runs []ledger.Run
	if r.latest {
		runs, err = s.ledger.Latest(ctx)
	} else {
		runs, err = s.ledger.Recent(ctx, r.kind, r.limit)
	}
	if err != nil {
		return err
	}
	printHistory(out, runs)
	return nil
}

var cmdServe = &subcommands.Command{
	UsageLine: "serve [options]",
	ShortDesc: "serves backup status over HTTP",
	LongDesc: `Starts a read-only HTTP API on status-addr exposing /api/health,
/api/runs, /api/runs/latest and Prometheus /metrics from the run ledger. Stops
on SIGINT or SIGTERM.`,
	CommandRun: func() subcommands.CommandRun {
		r := &serveRun{}
		r.registerBaseFlags()
		r.Flags.StringVar(&r.addr, "addr", "", "listen address; overrides status-addr")
		return r
	},
}

type serveRun struct {
	baseRun
	addr string
}

func (r *serveRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if len(args) != 0 {
		return r.done(a, configErrorf("unexpected arguments: %q", args))
	}
	ctx, stop := signalContext()
	defer stop()
	return r.done(a, r.run(ctx, a.GetOut()))
}

func (r *serveRun) run(ctx context.Context, out io.Writer) error {
	s, err := r.open()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.cfg.validateLedger(); err != nil {
		return err
	}
	if err := s.openLedger(ctx); err != nil {
		return err
	}

	addr := s.cfg.StatusAddr
	if r.addr != "" {
		addr = r.addr
	}
	srv := httpserver.NewServer(addr, s.ledger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start status server: %w", err)
	}
	printStartupBanner(out, s.cfg, srv.Addr())
	s.log.Info("status server listening", "addr", srv.Addr())

	<-ctx.Done()
	s.log.Info("shutting down status server")
	return srv.Stop()
}
