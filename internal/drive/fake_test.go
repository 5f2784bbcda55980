package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	drive "google.golang.org/api/drive/v3"
)

// fakeDrive is an in-process stand-in for the subset of the Drive v3 REST
// surface the client uses: files.list, files.create (metadata, multipart and
// resumable media) and files.delete.
type fakeDrive struct {
	mu sync.Mutex

	files   []*fakeFile
	nextID  int
	clock   time.Time
	perPage int

	sessions map[string]*fakeSession

	// fail maps an operation ("list", "create", "upload", "delete") to the
	// HTTP status returned for it.
	fail map[string]int
	// omitCreatedID drops the id from folder creation responses.
	omitCreatedID bool
	// sizeSkew is added to the size reported for uploaded files.
	sizeSkew int64
	// failChunk makes the Nth resumable chunk request (1-based) fail with
	// 503 without storing its bytes.
	failChunk int
	// uploadCreatedRaw replaces createdTime in upload responses.
	uploadCreatedRaw string

	queries         []string
	multipartCalls  int
	resumableChunks int
	chunkFailures   int
}

type fakeFile struct {
	id         string
	name       string
	mimeType   string
	parent     string
	data       []byte
	created    time.Time
	createdRaw string
	trashed    bool
}

type fakeSession struct {
	meta drive.File
	data []byte
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{
		clock:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		perPage:  1000,
		sessions: make(map[string]*fakeSession),
		fail:     make(map[string]int),
	}
}

func newTestClient(t *testing.T, fd *fakeDrive, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(fd)
	t.Cleanup(srv.Close)

	base := []Option{
		WithEndpoint(srv.URL + "/drive/v3/"),
		WithLogger(slog.New(slog.DiscardHandler)),
	}
	c, err := New(context.Background(), srv.Client(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return c
}

// add stores an object directly, bypassing the HTTP surface.
func (fd *fakeDrive) add(name, mimeType, parent string, data []byte) *fakeFile {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.addLocked(name, mimeType, parent, data)
}

func (fd *fakeDrive) addLocked(name, mimeType, parent string, data []byte) *fakeFile {
	fd.nextID++
	fd.clock = fd.clock.Add(time.Second)
	f := &fakeFile{
		id:       fmt.Sprintf("id-%03d", fd.nextID),
		name:     name,
		mimeType: mimeType,
		parent:   parent,
		data:     data,
		created:  fd.clock,
	}
	fd.files = append(fd.files, f)
	return f
}

func (fd *fakeDrive) find(id string) *fakeFile {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	for _, f := range fd.files {
		if f.id == id {
			return f
		}
	}
	return nil
}

func (fd *fakeDrive) count(mimeType, parent string) int {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	n := 0
	for _, f := range fd.files {
		if f.mimeType == mimeType && f.parent == parent {
			n++
		}
	}
	return n
}

func (fd *fakeDrive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/upload/session/"):
		fd.serveChunk(w, r, strings.TrimPrefix(path, "/upload/session/"))
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/files"):
		fd.serveList(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/files"):
		switch r.URL.Query().Get("uploadType") {
		case "":
			fd.serveCreate(w, r)
		case "multipart":
			fd.serveMultipart(w, r)
		case "resumable":
			fd.serveResumableStart(w, r)
		default:
			writeError(w, http.StatusBadRequest, "unknown uploadType")
		}
	case r.Method == http.MethodDelete && strings.Contains(path, "/files/"):
		fd.serveDelete(w, path[strings.LastIndex(path, "/")+1:])
	default:
		writeError(w, http.StatusNotFound, "no route for "+r.Method+" "+path)
	}
}

func (fd *fakeDrive) serveList(w http.ResponseWriter, r *http.Request) {
	if code := fd.fail["list"]; code != 0 {
		writeError(w, code, "list failed")
		return
	}
	q := r.URL.Query().Get("q")
	fd.queries = append(fd.queries, q)

	var matched []*fakeFile
	for _, f := range fd.files {
		if f.trashed {
			continue
		}
		folderQuery := fmt.Sprintf("name = '%s' and '%s' in parents and mimeType = '%s' and trashed = false",
			escapeQuery(f.name), escapeQuery(f.parent), folderMimeType)
		contentQuery := fmt.Sprintf("'%s' in parents and trashed = false and mimeType != '%s'",
			escapeQuery(f.parent), folderMimeType)
		switch {
		case f.mimeType == folderMimeType && q == folderQuery:
			matched = append(matched, f)
		case f.mimeType != folderMimeType && q == contentQuery:
			matched = append(matched, f)
		}
	}

	start := 0
	if tok := r.URL.Query().Get("pageToken"); tok != "" {
		n, err := strconv.Atoi(tok)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad page token")
			return
		}
		start = n
	}
	end := min(start+fd.perPage, len(matched))

	out := &drive.FileList{}
	for _, f := range matched[start:end] {
		out.Files = append(out.Files, f.resource(fd.omitCreatedID && f.mimeType == folderMimeType, 0))
	}
	if end < len(matched) {
		out.NextPageToken = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, out)
}

func (fd *fakeDrive) serveCreate(w http.ResponseWriter, r *http.Request) {
	if code := fd.fail["create"]; code != 0 {
		writeError(w, code, "create failed")
		return
	}
	var meta drive.File
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := fd.addLocked(meta.Name, meta.MimeType, firstParent(meta.Parents), nil)
	writeJSON(w, http.StatusOK, f.resource(fd.omitCreatedID, 0))
}

func (fd *fakeDrive) serveMultipart(w http.ResponseWriter, r *http.Request) {
	if code := fd.fail["upload"]; code != 0 {
		writeError(w, code, "upload failed")
		return
	}
	fd.multipartCalls++

	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])

	metaPart, err := mr.NextPart()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var meta drive.File
	if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mediaPart, err := mr.NextPart()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := io.ReadAll(mediaPart)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f := fd.addLocked(meta.Name, "application/octet-stream", firstParent(meta.Parents), data)
	f.createdRaw = fd.uploadCreatedRaw
	writeJSON(w, http.StatusOK, f.resource(false, fd.sizeSkew))
}

func (fd *fakeDrive) serveResumableStart(w http.ResponseWriter, r *http.Request) {
	if code := fd.fail["upload"]; code != 0 {
		writeError(w, code, "upload failed")
		return
	}
	var meta drive.File
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sid := strconv.Itoa(len(fd.sessions) + 1)
	fd.sessions[sid] = &fakeSession{meta: meta}
	w.Header().Set("Location", "http://"+r.Host+"/upload/session/"+sid)
	w.WriteHeader(http.StatusOK)
}

func (fd *fakeDrive) serveChunk(w http.ResponseWriter, r *http.Request, sid string) {
	s, ok := fd.sessions[sid]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fd.resumableChunks++
	if fd.failChunk == fd.resumableChunks {
		fd.chunkFailures++
		writeError(w, http.StatusServiceUnavailable, "backend error")
		return
	}

	// Content-Range: bytes <first>-<last>/<total|*> or bytes */<total>
	rng := strings.TrimPrefix(r.Header.Get("Content-Range"), "bytes ")
	span, totalStr, found := strings.Cut(rng, "/")
	if !found {
		writeError(w, http.StatusBadRequest, "bad Content-Range "+rng)
		return
	}
	if span != "*" {
		first, _, _ := strings.Cut(span, "-")
		off, err := strconv.Atoi(first)
		if err != nil || off != len(s.data) {
			writeError(w, http.StatusBadRequest, "unexpected offset in "+rng)
			return
		}
	}
	s.data = append(s.data, body...)

	if totalStr != "*" {
		total, err := strconv.Atoi(totalStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad total in "+rng)
			return
		}
		if total == len(s.data) {
			delete(fd.sessions, sid)
			f := fd.addLocked(s.meta.Name, "application/octet-stream", firstParent(s.meta.Parents), s.data)
			f.createdRaw = fd.uploadCreatedRaw
			writeJSON(w, http.StatusOK, f.resource(false, fd.sizeSkew))
			return
		}
	}

	if len(s.data) > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", len(s.data)-1))
	}
	if r.Header.Get("X-GUploader-No-308") == "yes" {
		w.Header().Set("X-HTTP-Status-Code-Override", "308")
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusPermanentRedirect)
}

func (fd *fakeDrive) serveDelete(w http.ResponseWriter, id string) {
	if code := fd.fail["delete"]; code != 0 {
		writeError(w, code, "delete failed")
		return
	}
	for i, f := range fd.files {
		if f.id == id {
			fd.files = append(fd.files[:i], fd.files[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusNotFound, "file not found: "+id)
}

func (f *fakeFile) resource(omitID bool, sizeSkew int64) *drive.File {
	out := &drive.File{
		Id:          f.id,
		Name:        f.name,
		MimeType:    f.mimeType,
		Size:        int64(len(f.data)) + sizeSkew,
		CreatedTime: f.created.Format(time.RFC3339),
	}
	if f.createdRaw != "" {
		out.CreatedTime = f.createdRaw
	}
	if omitID {
		out.Id = ""
	}
	return out
}

func firstParent(parents []string) string {
	if len(parents) == 0 {
		return ""
	}
	return parents[0]
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}
