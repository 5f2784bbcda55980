// Package prune enforces a keep-newest-K retention policy on a remote folder.
package prune

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinytelemetry/drivebackup/internal/backuperr"
	"github.com/tinytelemetry/drivebackup/internal/remote"
)

// DefaultKeep is the retention count used when none is configured.
const DefaultKeep = 3

// Policy keeps the Keep most recently created objects in a folder.
type Policy struct {
	Keep int
}

// Validate rejects negative keep counts.
func (p Policy) Validate() error {
	if p.Keep < 0 {
		return backuperr.Errorf(backuperr.Configuration, "retention policy", "keep must be >= 0, got %d", p.Keep)
	}
	return nil
}

// Store is the subset of remote.Store the pruner needs.
type Store interface {
	remote.Lister
	remote.Deleter
}

// Pruner deletes superseded backups.
type Pruner struct {
	store  Store
	logger *slog.Logger
}

// New returns a Pruner over store. A nil logger uses slog.Default().
func New(store Store, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{store: store, logger: logger}
}

// Prune deletes every object in folderID except the policy.Keep newest and
// returns how many deletions succeeded. Deletions are best-effort: a failed
// delete is logged and the sweep continues. Only a failed listing is returned
// as an error.
func (p *Pruner) Prune(ctx context.Context, folderID string, policy Policy) (int, error) {
	if err := policy.Validate(); err != nil {
		return 0, err
	}
	log := p.logger.With("folder_id", folderID, "keep", policy.Keep)

	files, err := p.store.List(ctx, folderID)
	if err != nil {
		log.Error("failed to list files for pruning", "error", err)
		return 0, fmt.Errorf("prune %s: %w", folderID, err)
	}

	total := len(files)
	if total <= policy.Keep {
		log.Info("no files to prune", "total_files", total)
		return 0, nil
	}

	deleted := 0
	for _, f := range files[policy.Keep:] {
		if f.ID == "" {
			log.Warn("skipping file with no id during pruning", "file_name", f.Name)
			continue
		}
		log.Info("deleting old backup",
			"file_name", f.Name,
			"file_id", f.ID,
			"created_time", f.CreatedTime)
		if err := p.store.Delete(ctx, f.ID); err != nil {
			log.Error("failed to delete file during pruning",
				"file_name", f.Name,
				"file_id", f.ID,
				"error", err)
			continue
		}
		deleted++
	}

	log.Info("pruning completed",
		"deleted", deleted,
		"total_before", total)
	return deleted, nil
}
