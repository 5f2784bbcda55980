package drive

import (
	"context"
	"fmt"

	drive "google.golang.org/api/drive/v3"

	"github.com/tinytelemetry/drivebackup/internal/backuperr"
	"github.com/tinytelemetry/drivebackup/internal/remote"
)

// FindOrCreateFolder returns the non-trashed folder called name directly
// under parentID, creating it when none exists. When several folders match,
// the first one Drive returns wins.
func (c *Client) FindOrCreateFolder(ctx context.Context, parentID, name string) (remote.Folder, error) {
	log := c.log.With("folder_name", name, "parent_id", parentID)

	q := fmt.Sprintf("name = '%s' and '%s' in parents and mimeType = '%s' and trashed = false",
		escapeQuery(name), escapeQuery(parentID), folderMimeType)
	list, err := c.svc.Files.List().
		Q(q).
		Spaces("drive").
		Fields("files(id, name)").
		Context(ctx).
		Do()
	if err != nil {
		log.Error("failed to search for folder on Google Drive", "error", err)
		return remote.Folder{}, wrap(backuperr.RemoteQuery, "search folder "+name, err)
	}

	if n := len(list.Files); n > 0 {
		if n > 1 {
			log.Warn("multiple folders match; using the first", "matches", n)
		}
		for _, f := range list.Files {
			if f.Id != "" {
				log.Info("found existing Drive folder", "folder_id", f.Id)
				return remote.Folder{ID: f.Id, Name: name, ParentID: parentID}, nil
			}
		}
		return remote.Folder{}, backuperr.Errorf(backuperr.RemoteQuery, "search folder "+name,
			"%d matching folders returned without an id", n)
	}

	log.Info("creating new Drive folder")
	created, err := c.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: folderMimeType,
		Parents:  []string{parentID},
	}).Fields("id, name").Context(ctx).Do()
	if err != nil {
		log.Error("failed to create folder on Google Drive", "error", err)
		return remote.Folder{}, wrap(backuperr.RemoteWrite, "create folder "+name, err)
	}
	if created.Id == "" {
		log.Error("Google Drive created folder but returned no id")
		return remote.Folder{}, backuperr.New(backuperr.RemoteWrite, "create folder "+name, ErrFolderMissingID)
	}

	log.Info("created Drive folder", "folder_id", created.Id)
	return remote.Folder{ID: created.Id, Name: name, ParentID: parentID}, nil
}
