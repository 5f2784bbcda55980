// Package remote defines the object-store capabilities the backup pipeline
// depends on, independent of any vendor API.
package remote

import (
	"context"
	"sort"
	"time"
)

// Folder is a container in the remote namespace.
type Folder struct {
	ID       string
	Name     string
	ParentID string
}

// File is an uploaded object as seen through a listing.
type File struct {
	ID          string
	Name        string
	Size        int64
	CreatedTime time.Time
}

// FolderResolver finds a folder by name under a parent, creating it when
// absent. Resolving the same name twice must yield the same folder.
type FolderResolver interface {
	FindOrCreateFolder(ctx context.Context, parentID, name string) (Folder, error)
}

// Uploader transfers a local file into a folder. An error means no usable
// remote object was produced.
type Uploader interface {
	Upload(ctx context.Context, folderID, localPath string) (File, error)
}

// Lister returns every non-folder object in a folder, newest first.
type Lister interface {
	List(ctx context.Context, folderID string) ([]File, error)
}

// Deleter removes an object by id.
type Deleter interface {
	Delete(ctx context.Context, fileID string) error
}

// Store is the full capability set used by the orchestrator.
type Store interface {
	FolderResolver
	Uploader
	Lister
	Deleter
}

// SortNewestFirst orders files by creation time, newest first. Files with
// equal creation times keep their relative order.
func SortNewestFirst(files []File) {
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].CreatedTime.After(files[j].CreatedTime)
	})
}
