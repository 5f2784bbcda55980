package drive

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinytelemetry/drivebackup/internal/backuperr"
)

func TestEscapeQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "database", want: "database"},
		{in: "bob's", want: `bob\'s`},
		{in: `a\b`, want: `a\\b`},
		{in: `it\'s`, want: `it\\\'s`},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := escapeQuery(tt.in); got != tt.want {
				t.Fatalf("escapeQuery(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFindOrCreateFolder_CreatesThenReuses(t *testing.T) {
	t.Parallel()

	fd := newFakeDrive()
	c := newTestClient(t, fd)
	ctx := context.Background()

	first, err := c.FindOrCreateFolder(ctx, "root-id", "database")
	if err != nil {
		t.Fatalf("FindOrCreateFolder error: %v", err)
	}
	if first.ID == "" {
		t.Fatal("expected folder id")
	}
	second, err := c.FindOrCreateFolder(ctx, "root-id", "database")
	if err != nil {
		t.Fatalf("second FindOrCreateFolder error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second id = %q, want %q", second.ID, first.ID)
	}
	if n := fd.count(folderMimeType, "root-id"); n != 1 {
		t.Fatalf("folders under root = %d, want 1", n)
	}
	if first.Name != "database" || first.ParentID != "root-id" {
		t.Fatalf("folder = %+v", first)
	}
}

func TestFindOrCreateFolder_EscapesName(t *testing.T) {
	t.Parallel()

	fd := newFakeDrive()
	c := newTestClient(t, fd)
	ctx := context.Background()
	name := `Bob's \ backups`

	first, err := c.FindOrCreateFolder(ctx, "root-id", name)
	if err != nil {
		t.Fatalf("FindOrCreateFolder error: %v", err)
	}
	second, err := c.FindOrCreateFolder(ctx, "root-id", name)
	if err != nil {
		t.Fatalf("second FindOrCreateFolder error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("folder was created twice: %q then %q", first.ID, second.ID)
	}
	if f := fd.find(first.ID); f == nil || f.name != name {
		t.Fatalf("stored folder = %+v, want name %q", f, name)
	}
	if len(fd.queries) == 0 || !strings.Contains(fd.queries[0], `name = 'Bob\'s \\ backups'`) {
		t.Fatalf("query = %q, want escaped literal", fd.queries)
	}
}

func TestFindOrCreateFolder_DuplicatesUseFirst(t *testing.T) {
	t.Parallel()

	fd := newFakeDrive()
	a := fd.add("directory", folderMimeType, "root-id", nil)
	fd.add("directory", folderMimeType, "root-id", nil)
	c := newTestClient(t, fd)

	got, err := c.FindOrCreateFolder(context.Background(), "root-id", "directory")
	if err != nil {
		t.Fatalf("FindOrCreateFolder error: %v", err)
	}
	if got.ID != a.id {
		t.Fatalf("id = %q, want first match %q", got.ID, a.id)
	}
	if n := fd.count(folderMimeType, "root-id"); n != 2 {
		t.Fatalf("folders = %d, want 2 (no new folder)", n)
	}
}

func TestFindOrCreateFolder_IgnoresOtherParentsAndTrash(t *testing.T) {
	t.Parallel()

	fd := newFakeDrive()
	fd.add("database", folderMimeType, "elsewhere", nil)
	trashed := fd.add("database", folderMimeType, "root-id", nil)
	trashed.trashed = true
	c := newTestClient(t, fd)

	got, err := c.FindOrCreateFolder(context.Background(), "root-id", "database")
	if err != nil {
		t.Fatalf("FindOrCreateFolder error: %v", err)
	}
	if got.ID == trashed.id {
		t.Fatal("trashed folder was reused")
	}
	if n := fd.count(folderMimeType, "root-id"); n != 2 {
		t.Fatalf("folders under root = %d, want 2", n)
	}
}

func TestFindOrCreateFolder_CreatedWithoutID(t *testing.T) {
	t.Parallel()

	fd := newFakeDrive()
	fd.omitCreatedID = true
	c := newTestClient(t, fd)

	_, err := c.FindOrCreateFolder(context.Background(), "root-id", "database")
	if !errors.Is(err, ErrFolderMissingID) {
		t.Fatalf("err = %v, want ErrFolderMissingID", err)
	}
	if !errors.Is(err, backuperr.RemoteWrite) {
		t.Fatalf("kind = %v, want remote write", backuperr.KindOf(err))
	}
}

func TestFindOrCreateFolder_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		op       string
		code     int
		wantKind backuperr.Kind
	}{
		{name: "search forbidden", op: "list", code: http.StatusForbidden, wantKind: backuperr.RemoteQuery},
		{name: "search unauthorized", op: "list", code: http.StatusUnauthorized, wantKind: backuperr.Authentication},
		{name: "create rejected", op: "create", code: http.StatusBadRequest, wantKind: backuperr.RemoteWrite},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fd := newFakeDrive()
			fd.fail[tt.op] = tt.code
			c := newTestClient(t, fd)

			_, err := c.FindOrCreateFolder(context.Background(), "root-id", "database")
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if got := backuperr.KindOf(err); got != tt.wantKind {
				t.Fatalf("kind = %v, want %v (err: %v)", got, tt.wantKind, err)
			}
		})
	}
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func TestUpload_SmallFile(t *testing.T) {
	t.Parallel()

	fd := newFakeDrive()
	c := newTestClient(t, fd)
	data := []byte("pg_dump custom format bytes")
	path := writeTemp(t, "db_20240301_120000.dump", data)

	got, err := c.Upload(context.Background(), "folder-1", path)
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	if got.Name != "db_20240301_120000.dump" {
		t.Fatalf("name = %q", got.Name)
	}
	if got.Size != int64(len(data)) {
		t.Fatalf("size = %d, want %d", got.Size, len(data))
	}
	if got.CreatedTime.IsZero() {
		t.Fatal("expected created time")
	}
	stored := fd.find(got.ID)
	if stored == nil {
		t.Fatalf("uploaded file %q not stored", got.ID)
	}
	if stored.parent != "folder-1" {
		t.Fatalf("parent = %q, want folder-1", stored.parent)
	}
	if !bytes.Equal(stored.data, data) {
		t.Fatal("stored content differs from local file")
	}
	if fd.multipartCalls != 1 || fd.resumableChunks != 0 {
		t.Fatalf("multipart = %d, chunks = %d; a file within one chunk should be one multipart request",
			fd.multipartCalls, fd.resumableChunks)
	}
}

func TestUpload_ChunkedResumable(t *testing.T) {
	t.Parallel()

	fd := newFakeDrive()
	const chunk = 256 * 1024
	c := newTestClient(t, fd, WithChunkSize(chunk))
	data := randomBytes(chunk*2 + 123_457)
	path := writeTemp(t, "dir_20240301_120000.tar.zst", data)

	got, err := c.Upload(context.Background(), "folder-1", path)
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	if fd.resumableChunks < 3 {
		t.Fatalf("resumable chunks = %d, want at least 3", fd.resumableChunks)
	}
	if fd.multipartCalls != 0 {
		t.Fatalf("multipart calls = %d, want 0", fd.multipartCalls)
	}
	stored := fd.find(got.ID)
	if stored == nil || !bytes.Equal(stored.data, data) {
		t.Fatal("stored content differs from local file")
	}
	if got.Size != int64(len(data)) {
		t.Fatalf("size = %d, want %d", got.Size, len(data))
	}
}

func TestUpload_ResumesAfterChunkFailure(t *testing.T) {
	t.Parallel()

	const chunk = 256 * 1024
	data := randomBytes(chunk*2 + 123_457)
	path := writeTemp(t, "dir_20240301_120000.tar.zst", data)

	clean := newFakeDrive()
	if _, err := newTestClient(t, clean, WithChunkSize(chunk)).Upload(context.Background(), "folder-1", path); err != nil {
		t.Fatalf("clean Upload error: %v", err)
	}

	fd := newFakeDrive()
	fd.failChunk = 2
	got, err := newTestClient(t, fd, WithChunkSize(chunk)).Upload(context.Background(), "folder-1", path)
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	if fd.chunkFailures != 1 {
		t.Fatalf("chunk failures = %d, want 1", fd.chunkFailures)
	}
	if fd.resumableChunks <= clean.resumableChunks {
		t.Fatalf("chunk requests = %d, want more than the %d of a clean upload",
			fd.resumableChunks, clean.resumableChunks)
	}
	stored := fd.find(got.ID)
	if stored == nil || !bytes.Equal(stored.data, data) {
		t.Fatal("stored content differs from local file after resuming")
	}
	if fd.count("application/octet-stream", "folder-1") != 1 {
		t.Fatal("resuming created more than one remote file")
	}
}

func TestUpload_UnparsableCreatedTime(t *testing.T) {
	t.Parallel()

	fd := newFakeDrive()
	fd.uploadCreatedRaw = "yesterday"
	var logs bytes.Buffer
	c := newTestClient(t, fd, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	path := writeTemp(t, "db.dump", []byte("0123456789"))

	got, err := c.Upload(context.Background(), "folder-1", path)
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	if !got.CreatedTime.IsZero() {
		t.Fatalf("CreatedTime = %v, want zero", got.CreatedTime)
	}
	if !strings.Contains(logs.String(), "unparsable createdTime") || !strings.Contains(logs.String(), "yesterday") {
		t.Fatalf("missing warning in logs:\n%s", logs.String())
	}
}

func TestUpload_SizeMismatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		verify  bool
		wantErr bool
	}{
		{name: "warn only", verify: false},
		{name: "verified", verify: true, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fd := newFakeDrive()
			fd.sizeSkew = -1
			c := newTestClient(t, fd, WithVerifySize(tt.verify))
			path := writeTemp(t, "db.dump", []byte("0123456789"))

			_, err := c.Upload(context.Background(), "folder-1", path)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Upload error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrSizeMismatch) {
				t.Fatalf("err = %v, want ErrSizeMismatch", err)
			}
			if !errors.Is(err, backuperr.RemoteWrite) {
				t.Fatalf("kind = %v, want remote write", backuperr.KindOf(err))
			}
		})
	}
}

func TestUpload_Failures(t *testing.T) {
	t.Parallel()

	t.Run("missing local file", func(t *testing.T) {
		t.Parallel()
		c := newTestClient(t, newFakeDrive())
		_, err := c.Upload(context.Background(), "folder-1", filepath.Join(t.TempDir(), "nope.dump"))
		if !errors.Is(err, backuperr.LocalIO) {
			t.Fatalf("err = %v, want local io", err)
		}
	})

	t.Run("server rejects", func(t *testing.T) {
		t.Parallel()
		fd := newFakeDrive()
		fd.fail["upload"] = http.StatusBadRequest
		c := newTestClient(t, fd)
		path := writeTemp(t, "db.dump", []byte("x"))

		_, err := c.Upload(context.Background(), "folder-1", path)
		if !errors.Is(err, backuperr.RemoteWrite) {
			t.Fatalf("err = %v, want remote write", err)
		}
	})

	t.Run("token rejected", func(t *testing.T) {
		t.Parallel()
		fd := newFakeDrive()
		fd.fail["upload"] = http.StatusUnauthorized
		c := newTestClient(t, fd)
		path := writeTemp(t, "db.dump", []byte("x"))

		_, err := c.Upload(context.Background(), "folder-1", path)
		if !errors.Is(err, backuperr.Authentication) {
			t.Fatalf("err = %v, want authentication", err)
		}
	})
}

func TestList_PaginatesNewestFirst(t *testing.T) {
	t.Parallel()

	fd := newFakeDrive()
	fd.perPage = 2
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, fd.add("db.dump", "application/octet-stream", "folder-1", []byte("x")).id)
	}
	fd.add("nested", folderMimeType, "folder-1", nil)
	fd.add("other.dump", "application/octet-stream", "folder-2", nil)
	gone := fd.add("trashed.dump", "application/octet-stream", "folder-1", nil)
	gone.trashed = true

	c := newTestClient(t, fd)
	files, err := c.List(context.Background(), "folder-1")
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(files) != 5 {
		t.Fatalf("files = %d, want 5", len(files))
	}
	for i, f := range files {
		want := ids[len(ids)-1-i]
		if f.ID != want {
			t.Fatalf("files[%d] = %q, want %q", i, f.ID, want)
		}
		if i > 0 && f.CreatedTime.After(files[i-1].CreatedTime) {
			t.Fatalf("files[%d] is newer than files[%d]", i, i-1)
		}
	}
	if got := len(fd.queries); got != 3 {
		t.Fatalf("list requests = %d, want 3 pages", got)
	}
}

func TestList_Empty(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, newFakeDrive())
	files, err := c.List(context.Background(), "folder-1")
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("files = %d, want 0", len(files))
	}
}

func TestList_Failures(t *testing.T) {
	t.Parallel()

	t.Run("malformed created time", func(t *testing.T) {
		t.Parallel()
		fd := newFakeDrive()
		f := fd.add("db.dump", "application/octet-stream", "folder-1", nil)
		f.createdRaw = "yesterday"
		c := newTestClient(t, fd)

		_, err := c.List(context.Background(), "folder-1")
		if !errors.Is(err, backuperr.RemoteQuery) {
			t.Fatalf("err = %v, want remote query", err)
		}
	})

	t.Run("server error", func(t *testing.T) {
		t.Parallel()
		fd := newFakeDrive()
		fd.fail["list"] = http.StatusForbidden
		c := newTestClient(t, fd)

		_, err := c.List(context.Background(), "folder-1")
		if !errors.Is(err, backuperr.RemoteQuery) {
			t.Fatalf("err = %v, want remote query", err)
		}
	})
}

func TestDelete(t *testing.T) {
	t.Parallel()

	fd := newFakeDrive()
	f := fd.add("db.dump", "application/octet-stream", "folder-1", []byte("x"))
	c := newTestClient(t, fd)
	ctx := context.Background()

	if err := c.Delete(ctx, f.id); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if fd.find(f.id) != nil {
		t.Fatal("file still present after delete")
	}

	err := c.Delete(ctx, f.id)
	if !errors.Is(err, backuperr.RemoteWrite) {
		t.Fatalf("second delete err = %v, want remote write", err)
	}
	if err := c.Delete(ctx, ""); !errors.Is(err, backuperr.RemoteWrite) {
		t.Fatalf("empty id err = %v, want remote write", err)
	}
}
