package drive

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"github.com/tinytelemetry/drivebackup/internal/backuperr"
	"github.com/tinytelemetry/drivebackup/internal/remote"
)

// Upload sends localPath into folderID. Files larger than the chunk size
// (WithChunkSize, 16 MiB by default) go through Drive's resumable protocol,
// so a transient failure resumes from the last acknowledged offset instead
// of restarting the transfer. Files that fit in one chunk are sent as a
// single multipart request; a retry resends them whole.
func (c *Client) Upload(ctx context.Context, folderID, localPath string) (remote.File, error) {
	name := filepath.Base(localPath)
	if name == "." || name == string(filepath.Separator) {
		return remote.File{}, backuperr.Errorf(backuperr.LocalIO, "upload", "cannot determine file name from %q", localPath)
	}
	if !utf8.ValidString(name) {
		return remote.File{}, backuperr.Errorf(backuperr.LocalIO, "upload", "file name is not valid UTF-8: %q", localPath)
	}

	info, err := os.Stat(localPath)
	if err != nil {
		c.log.Error("failed to stat file for upload", "path", localPath, "error", err)
		return remote.File{}, backuperr.New(backuperr.LocalIO, "stat "+localPath, err)
	}
	size := info.Size()

	log := c.log.With("file_name", name, "folder_id", folderID)
	log.Info("starting resumable upload to Google Drive",
		"file_size_bytes", size,
		"file_size", humanize.IBytes(uint64(size)))

	f, err := os.Open(localPath)
	if err != nil {
		log.Error("failed to open file for upload", "error", err)
		return remote.File{}, backuperr.New(backuperr.LocalIO, "open "+localPath, err)
	}
	defer f.Close()

	started := time.Now()
	uploaded, err := c.svc.Files.Create(&drive.File{
		Name:    name,
		Parents: []string{folderID},
	}).
		Media(bufio.NewReaderSize(f, readBufferSize),
			googleapi.ChunkSize(c.chunkSize),
			googleapi.ContentType(uploadMimeType)).
		ProgressUpdater(func(current, _ int64) {
			log.Debug("upload progress", "sent_bytes", current, "total_bytes", size)
		}).
		Fields("id, name, size, createdTime").
		Context(ctx).
		Do()
	if err != nil {
		log.Error("failed to upload file to Google Drive", "error", err)
		return remote.File{}, wrap(backuperr.RemoteWrite, "upload "+name, err)
	}

	if uploaded.Size != size {
		if c.verifySize {
			log.Error("uploaded size mismatch", "local_bytes", size, "remote_bytes", uploaded.Size)
			return remote.File{}, backuperr.New(backuperr.RemoteWrite, "upload "+name,
				fmt.Errorf("%w: local %d, remote %d", ErrSizeMismatch, size, uploaded.Size))
		}
		log.Warn("uploaded size differs from local size", "local_bytes", size, "remote_bytes", uploaded.Size)
	}

	id := uploaded.Id
	if id == "" {
		id = "unknown"
	}
	log.Info("upload completed",
		"drive_file_id", id,
		"file_size_bytes", size,
		"elapsed", time.Since(started).Round(time.Millisecond))

	created, err := time.Parse(time.RFC3339, uploaded.CreatedTime)
	if err != nil {
		log.Warn("upload response has unparsable createdTime",
			"drive_file_id", id, "created_time", uploaded.CreatedTime, "error", err)
	}
	return remote.File{
		ID:          uploaded.Id,
		Name:        uploaded.Name,
		Size:        uploaded.Size,
		CreatedTime: created,
	}, nil
}
