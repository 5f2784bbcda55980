// Package drive implements remote.Store on top of the Google Drive v3 API.
package drive

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/tinytelemetry/drivebackup/internal/backuperr"
	"github.com/tinytelemetry/drivebackup/internal/remote"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"
	uploadMimeType = "application/octet-stream"

	// DefaultChunkSize is the resumable upload chunk size.
	DefaultChunkSize = 16 * 1024 * 1024
	readBufferSize   = 512 * 1024
	listPageSize     = 1000
)

var (
	// ErrFolderMissingID is returned when Drive acknowledges a folder
	// creation without assigning an id.
	ErrFolderMissingID = errors.New("drive: created folder has no id")
	// ErrSizeMismatch is returned by Upload when size verification is
	// enabled and Drive reports a different byte count than the local file.
	ErrSizeMismatch = errors.New("drive: uploaded size does not match local size")
)

// Client talks to Google Drive.
type Client struct {
	svc        *drive.Service
	chunkSize  int
	verifySize bool
	log        *slog.Logger
}

var _ remote.Store = (*Client)(nil)

// Option configures a Client.
type Option func(*options)

type options struct {
	chunkSize  int
	verifySize bool
	endpoint   string
	logger     *slog.Logger
}

func newOptions(opts []Option) options {
	o := options{chunkSize: DefaultChunkSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithChunkSize sets the resumable upload chunk size. Drive rounds it up to
// a multiple of 256 KiB.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithVerifySize makes Upload fail when the byte count Drive reports differs
// from the local file size.
func WithVerifySize(v bool) Option {
	return func(o *options) { o.verifySize = v }
}

// WithEndpoint overrides the Drive API base URL.
func WithEndpoint(url string) Option {
	return func(o *options) { o.endpoint = url }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New returns a Client that sends requests through hc, which must already
// attach credentials.
func New(ctx context.Context, hc *http.Client, opts ...Option) (*Client, error) {
	return newClient(ctx, hc, newOptions(opts))
}

func newClient(ctx context.Context, hc *http.Client, o options) (*Client, error) {
	svcOpts := []option.ClientOption{option.WithHTTPClient(hc)}
	if o.endpoint != "" {
		svcOpts = append(svcOpts, option.WithEndpoint(o.endpoint))
	}
	svc, err := drive.NewService(ctx, svcOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		svc:        svc,
		chunkSize:  o.chunkSize,
		verifySize: o.verifySize,
		log:        o.logger,
	}, nil
}

var queryEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// escapeQuery makes s safe to embed in a single-quoted Drive query literal.
func escapeQuery(s string) string {
	return queryEscaper.Replace(s)
}

// wrap categorizes a Drive call failure. Rejected or unobtainable tokens are
// reported as authentication failures regardless of the call.
func wrap(kind backuperr.Kind, op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusUnauthorized {
		kind = backuperr.Authentication
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		kind = backuperr.Authentication
	}
	return backuperr.New(kind, op, err)
}
