// Package remotetest provides an in-memory remote.Store for tests.
package remotetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinytelemetry/drivebackup/internal/remote"
)

// Store is an in-memory remote.Store. Error fields are returned by the
// matching operation when set.
type Store struct {
	mu sync.Mutex

	folders []remote.Folder
	files   map[string][]remote.File // folder id -> files
	content map[string][]byte        // file id -> uploaded bytes
	nextID  int
	now     time.Time

	FindErr   error
	UploadErr error
	ListErr   error
	DeleteErr map[string]error

	// Deleted records every id passed to a successful Delete, in order.
	Deleted []string
	// Calls records operation names in order.
	Calls []string
}

// NewStore returns an empty store whose clock starts at start and advances
// one second per created object.
func NewStore(start time.Time) *Store {
	return &Store{
		files:     make(map[string][]remote.File),
		content:   make(map[string][]byte),
		now:       start,
		DeleteErr: make(map[string]error),
	}
}

func (s *Store) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func (s *Store) tick() time.Time {
	s.now = s.now.Add(time.Second)
	return s.now
}

// AddFolder seeds a folder and returns it.
func (s *Store) AddFolder(parentID, name string) remote.Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := remote.Folder{ID: s.id("folder"), Name: name, ParentID: parentID}
	s.folders = append(s.folders, f)
	return f
}

// AddFile seeds a file with an explicit creation time and returns it.
// An empty id is kept as-is to model entries without an identifier.
func (s *Store) AddFile(folderID, id, name string, created time.Time) remote.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := remote.File{ID: id, Name: name, CreatedTime: created}
	s.files[folderID] = append(s.files[folderID], f)
	return f
}

// Folders returns every folder named name under parentID.
func (s *Store) Folders(parentID, name string) []remote.Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []remote.Folder
	for _, f := range s.folders {
		if f.ParentID == parentID && f.Name == name {
			out = append(out, f)
		}
	}
	return out
}

// Files returns the files currently in folderID, newest first.
func (s *Store) Files(folderID string) []remote.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]remote.File(nil), s.files[folderID]...)
	remote.SortNewestFirst(out)
	return out
}

// Content returns the bytes uploaded for fileID.
func (s *Store) Content(fileID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content[fileID]
}

// FindOrCreateFolder implements remote.FolderResolver.
func (s *Store) FindOrCreateFolder(_ context.Context, parentID, name string) (remote.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "find-or-create:"+name)
	if s.FindErr != nil {
		return remote.Folder{}, s.FindErr
	}
	for _, f := range s.folders {
		if f.ParentID == parentID && f.Name == name {
			return f, nil
		}
	}
	f := remote.Folder{ID: s.id("folder"), Name: name, ParentID: parentID}
	s.folders = append(s.folders, f)
	return f, nil
}

// Upload implements remote.Uploader.
func (s *Store) Upload(_ context.Context, folderID, localPath string) (remote.File, error) {
	data, readErr := os.ReadFile(localPath)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "upload:"+filepath.Base(localPath))
	if s.UploadErr != nil {
		return remote.File{}, s.UploadErr
	}
	if readErr != nil {
		return remote.File{}, readErr
	}
	f := remote.File{
		ID:          s.id("file"),
		Name:        filepath.Base(localPath),
		Size:        int64(len(data)),
		CreatedTime: s.tick(),
	}
	s.files[folderID] = append(s.files[folderID], f)
	s.content[f.ID] = data
	return f, nil
}

// List implements remote.Lister.
func (s *Store) List(_ context.Context, folderID string) ([]remote.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "list:"+folderID)
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	out := append([]remote.File(nil), s.files[folderID]...)
	remote.SortNewestFirst(out)
	return out, nil
}

// Delete implements remote.Deleter.
func (s *Store) Delete(_ context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, "delete:"+fileID)
	if err := s.DeleteErr[fileID]; err != nil {
		return err
	}
	for folderID, files := range s.files {
		for i, f := range files {
			if f.ID == fileID {
				s.files[folderID] = append(files[:i:i], files[i+1:]...)
				s.Deleted = append(s.Deleted, fileID)
				return nil
			}
		}
	}
	return fmt.Errorf("file %s not found", fileID)
}
