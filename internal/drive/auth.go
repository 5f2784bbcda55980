package drive

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"

	"github.com/tinytelemetry/drivebackup/internal/backuperr"
)

// Credential file types accepted by Authenticate.
const (
	credentialsAuthorizedUser = "authorized_user"
	credentialsServiceAccount = "service_account"
)

// systemRoots loads the platform trust store once per process. Later calls
// return the same pool.
var systemRoots = sync.OnceValues(x509.SystemCertPool)

// Authenticate exchanges the credential file at path (an authorized-user
// secret or a service-account key) for a Drive client whose transport only
// speaks TLS, negotiates HTTP/2, and trusts the platform roots.
func Authenticate(ctx context.Context, path string, opts ...Option) (*Client, error) {
	o := newOptions(opts)
	log := o.logger.With("path", path)
	log.Info("authenticating with Google Drive")

	data, err := os.ReadFile(path)
	if err != nil {
		log.Error("failed to read credentials", "error", err)
		return nil, backuperr.New(backuperr.Authentication, "read credentials "+path, err)
	}
	if err := checkCredentialType(data); err != nil {
		log.Error("unsupported credentials", "error", err)
		return nil, backuperr.New(backuperr.Authentication, "parse credentials "+path, err)
	}

	base, err := newTransport()
	if err != nil {
		log.Error("failed to build TLS transport", "error", err)
		return nil, backuperr.New(backuperr.Authentication, "load TLS root certificates", err)
	}

	// Token exchanges go through the same restricted transport.
	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: base})
	creds, err := google.CredentialsFromJSON(tokenCtx, data, drive.DriveScope)
	if err != nil {
		log.Error("failed to build authenticator", "error", err)
		return nil, backuperr.New(backuperr.Authentication, "build authenticator", err)
	}

	hc := &http.Client{Transport: &oauth2.Transport{Source: creds.TokenSource, Base: base}}
	c, err := newClient(ctx, hc, o)
	if err != nil {
		return nil, backuperr.New(backuperr.Authentication, "create drive service", err)
	}
	log.Info("Google Drive authentication successful")
	return c, nil
}

func checkCredentialType(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.Type {
	case credentialsAuthorizedUser, credentialsServiceAccount:
		return nil
	case "":
		return fmt.Errorf("credential file has no type")
	}
	return fmt.Errorf("unsupported credential type %q", head.Type)
}

func newTransport() (http.RoundTripper, error) {
	roots, err := systemRoots()
	if err != nil {
		return nil, err
	}
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			RootCAs:    roots,
			MinVersion: tls.VersionTLS12,
		},
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          10,
	}
	if err := http2.ConfigureTransport(t); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	return httpsOnly{next: t}, nil
}

// httpsOnly refuses to send anything over plaintext.
type httpsOnly struct {
	next http.RoundTripper
}

func (h httpsOnly) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, fmt.Errorf("refusing non-TLS request to %s", req.URL.Redacted())
	}
	return h.next.RoundTrip(req)
}
