package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/tinytelemetry/drivebackup/internal/artifact"
	"github.com/tinytelemetry/drivebackup/internal/backuperr"
	"github.com/tinytelemetry/drivebackup/internal/prune"
	"github.com/tinytelemetry/drivebackup/internal/remote"
)

// Manager runs backup jobs against one authenticated remote store.
type Manager struct {
	store    remote.Store
	pruner   *prune.Pruner
	cfg      Config
	recorder Recorder
	log      *slog.Logger

	now   func() time.Time
	newID func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder hands every finished report to r.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager validates cfg and prepares the temp directory.
func NewManager(store remote.Store, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, backuperr.Errorf(backuperr.Configuration, "backup", "nil remote store")
	}
	if strings.TrimSpace(cfg.ParentFolderID) == "" {
		return nil, backuperr.Errorf(backuperr.Configuration, "backup", "drive-folder-id is required")
	}
	if strings.TrimSpace(cfg.TempDir) == "" {
		cfg.TempDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.TempDir, 0o700); err != nil {
		return nil, backuperr.New(backuperr.LocalIO, "create temp-dir", err)
	}

	m := &Manager{
		store: store,
		cfg:   cfg,
		log:   slog.Default(),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.pruner = prune.New(store, m.log)
	return m, nil
}

func validateJob(job Job) error {
	if !job.Kind.Valid() {
		return backuperr.Errorf(backuperr.Configuration, "backup", "unknown artifact kind %q", job.Kind)
	}
	if job.Producer == nil {
		return backuperr.Errorf(backuperr.Configuration, "backup", "%s job has no producer", job.Kind)
	}
	if strings.TrimSpace(job.FolderName) == "" {
		return backuperr.Errorf(backuperr.Configuration, "backup", "%s job has no folder name", job.Kind)
	}
	if job.Retention != nil {
		return job.Retention.Validate()
	}
	return nil
}

// Run executes one job. The local artifact is removed on every path once it
// has been produced; a failed removal is logged and does not change the
// outcome. Pruning only happens after a successful upload.
func (m *Manager) Run(ctx context.Context, job Job) Report {
	r := Report{
		RunID:   m.newID(),
		Kind:    job.Kind,
		Started: m.now().UTC(),
		Stage:   StageValidate,
	}
	log := m.log.With("run_id", r.RunID, "kind", string(job.Kind))

	r.Err = m.run(ctx, job, &r, log)
	r.Finished = m.now().UTC()
	if r.Err == nil {
		r.Stage = StageDone
		log.Info("backup completed",
			"file_name", r.Artifact.Name(),
			"size", humanize.IBytes(uint64(r.Artifact.Size)),
			"pruned", r.Pruned,
			"elapsed", r.Duration().Round(time.Millisecond))
	} else {
		log.Error("backup failed", "stage", string(r.Stage), "error", r.Err)
	}

	m.record(ctx, r, log)
	return r
}

func (m *Manager) run(ctx context.Context, job Job, r *Report, log *slog.Logger) error {
	if err := validateJob(job); err != nil {
		return err
	}

	r.Stage = StageResolve
	folder, err := m.store.FindOrCreateFolder(ctx, m.cfg.ParentFolderID, job.FolderName)
	if err != nil {
		return fmt.Errorf("resolve folder %q: %w", job.FolderName, err)
	}
	r.Folder = folder

	r.Stage = StageProduce
	dest := artifact.PathIn(m.cfg.TempDir, job.Kind, m.now())
	art, err := job.Producer.Produce(ctx, dest)
	if err != nil {
		artifact.Discard(log, dest)
		return fmt.Errorf("produce %s artifact: %w", job.Kind, err)
	}
	defer artifact.Discard(log, art.Path)
	r.Artifact = art
	log.Info("artifact ready", "path", art.Path, "size_bytes", art.Size)

	r.Stage = StageUpload
	uploaded, err := m.store.Upload(ctx, folder.ID, art.Path)
	if err != nil {
		return fmt.Errorf("upload %s: %w", art.Name(), err)
	}
	r.Uploaded = uploaded

	if job.Retention == nil {
		return nil
	}
	r.Stage = StagePrune
	n, err := m.pruner.Prune(ctx, folder.ID, *job.Retention)
	r.Pruned = n
	return err
}

func (m *Manager) record(ctx context.Context, r Report, log *slog.Logger) {
	if m.recorder == nil {
		return
	}
	// Recording happens even when the run was canceled.
	if err := m.recorder.Record(context.WithoutCancel(ctx), r); err != nil {
		log.Warn("failed to record run", "error", err)
	}
}

// RunAll runs jobs in order. A failing job does not stop the ones after it;
// the returned error joins every failure.
func (m *Manager) RunAll(ctx context.Context, jobs []Job) ([]Report, error) {
	reports := make([]Report, 0, len(jobs))
	var errs []error
	for _, job := range jobs {
		r := m.Run(ctx, job)
		reports = append(reports, r)
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s backup: %w", job.Kind, r.Err))
		}
	}
	return reports, errors.Join(errs...)
}

// PruneOnly applies retention to every job that has a policy, without
// producing or uploading anything.
func (m *Manager) PruneOnly(ctx context.Context, jobs []Job) ([]Report, error) {
	var (
		reports []Report
		errs    []error
	)
	for _, job := range jobs {
		if job.Retention == nil {
			continue
		}
		r := Report{RunID: m.newID(), Kind: job.Kind, Started: m.now().UTC(), Stage: StageResolve}
		log := m.log.With("run_id", r.RunID, "kind", string(job.Kind))

		r.Err = m.pruneJob(ctx, job, &r)
		r.Finished = m.now().UTC()
		if r.Err != nil {
			log.Error("prune failed", "stage", string(r.Stage), "error", r.Err)
			errs = append(errs, fmt.Errorf("%s prune: %w", job.Kind, r.Err))
		} else {
			r.Stage = StageDone
			log.Info("prune completed", "deleted", r.Pruned, "keep", job.Retention.Keep)
		}
		m.record(ctx, r, log)
		reports = append(reports, r)
	}
	return reports, errors.Join(errs...)
}

func (m *Manager) pruneJob(ctx context.Context, job Job, r *Report) error {
	if strings.TrimSpace(job.FolderName) == "" {
		return backuperr.Errorf(backuperr.Configuration, "prune", "%s job has no folder name", job.Kind)
	}
	if err := job.Retention.Validate(); err != nil {
		return err
	}
	folder, err := m.store.FindOrCreateFolder(ctx, m.cfg.ParentFolderID, job.FolderName)
	if err != nil {
		return fmt.Errorf("resolve folder %q: %w", job.FolderName, err)
	}
	r.Folder = folder

	r.Stage = StagePrune
	n, err := m.pruner.Prune(ctx, folder.ID, *job.Retention)
	r.Pruned = n
	return err
}
