package drive

import (
	"context"
	"fmt"
	"time"

	"github.com/tinytelemetry/drivebackup/internal/backuperr"
	"github.com/tinytelemetry/drivebackup/internal/remote"
)

// List returns every non-trashed, non-folder object in folderID, newest
// first. All pages are fetched before returning.
func (c *Client) List(ctx context.Context, folderID string) ([]remote.File, error) {
	log := c.log.With("folder_id", folderID)
	op := "list folder " + folderID

	q := fmt.Sprintf("'%s' in parents and trashed = false and mimeType != '%s'",
		escapeQuery(folderID), folderMimeType)

	var (
		files     []remote.File
		pageToken string
		pages     int
	)
	for {
		call := c.svc.Files.List().
			Q(q).
			Spaces("drive").
			OrderBy("createdTime desc").
			PageSize(listPageSize).
			Fields("nextPageToken, files(id, name, createdTime)").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			log.Error("failed to list files", "page", pages, "error", err)
			return nil, wrap(backuperr.RemoteQuery, op, err)
		}
		pages++

		for _, f := range page.Files {
			created, err := time.Parse(time.RFC3339, f.CreatedTime)
			if err != nil {
				log.Error("file has malformed createdTime", "file_id", f.Id, "created_time", f.CreatedTime)
				return nil, backuperr.Errorf(backuperr.RemoteQuery, op,
					"file %q has malformed createdTime %q: %w", f.Name, f.CreatedTime, err)
			}
			files = append(files, remote.File{ID: f.Id, Name: f.Name, CreatedTime: created})
		}

		if page.NextPageToken == "" {
			break
		}
		if page.NextPageToken == pageToken {
			return nil, backuperr.Errorf(backuperr.RemoteQuery, op, "server repeated page token %q", pageToken)
		}
		pageToken = page.NextPageToken
	}

	remote.SortNewestFirst(files)
	log.Debug("listed folder", "files", len(files), "pages", pages)
	return files, nil
}

// Delete permanently removes fileID.
func (c *Client) Delete(ctx context.Context, fileID string) error {
	op := "delete file " + fileID
	if fileID == "" {
		return backuperr.Errorf(backuperr.RemoteWrite, "delete file", "empty file id")
	}
	if err := c.svc.Files.Delete(fileID).Context(ctx).Do(); err != nil {
		c.log.Error("failed to delete file", "file_id", fileID, "error", err)
		return wrap(backuperr.RemoteWrite, op, err)
	}
	return nil
}
