// Package backup drives one backup run end to end: resolve the destination
// folder, produce the artifact, upload it, prune the folder and clean up.
package backup

import (
	"context"
	"time"

	"github.com/tinytelemetry/drivebackup/internal/artifact"
	"github.com/tinytelemetry/drivebackup/internal/prune"
	"github.com/tinytelemetry/drivebackup/internal/remote"
)

// Config controls where runs stage and publish artifacts.
type Config struct {
	// ParentFolderID is the remote folder that holds one subfolder per kind.
	ParentFolderID string
	// TempDir receives artifacts before upload. Defaults to os.TempDir().
	TempDir string
}

// Producer writes one artifact to dest. On failure nothing usable may be
// left at dest.
type Producer interface {
	Produce(ctx context.Context, dest string) (artifact.Artifact, error)
}

// Job is one kind of backup.
type Job struct {
	Kind       artifact.Kind
	Producer   Producer
	FolderName string
	// Retention is applied after a successful upload. Nil disables pruning.
	Retention *prune.Policy
}

// Stage names where a run stopped.
type Stage string

const (
	StageValidate Stage = "validate"
	StageResolve  Stage = "resolve"
	StageProduce  Stage = "produce"
	StageUpload   Stage = "upload"
	StagePrune    Stage = "prune"
	StageDone     Stage = "done"
)

// Report describes the outcome of one job.
type Report struct {
	RunID    string
	Kind     artifact.Kind
	Folder   remote.Folder
	Artifact artifact.Artifact
	Uploaded remote.File
	Pruned   int
	// Stage is the last stage reached; StageDone on success.
	Stage    Stage
	Started  time.Time
	Finished time.Time
	Err      error
}

// OK reports whether the run succeeded.
func (r Report) OK() bool { return r.Err == nil }

// Duration is the wall time of the run.
func (r Report) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// Recorder persists reports. Failures are logged by the Manager and never
// change a run's outcome.
type Recorder interface {
	Record(ctx context.Context, r Report) error
}
