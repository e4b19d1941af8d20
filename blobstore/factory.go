package blobstore

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/enclaved-org/enclaved/interfaces"
)

// Factory creates archive backends from location URIs.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a new factory instance.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// BackendFor creates an archive backend from a location URI.
//
// Supported schemes:
//   - file:// - local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//
// S3 URIs take the form s3://[accessKey:secretKey@]bucket/prefix with
// optional region and endpoint query parameters.
func (f *Factory) BackendFor(location interfaces.ArchiveLocation) (interfaces.ArchiveStore, error) {
	u, err := url.Parse(string(location))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidArchiveURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return NewFileStore(u.Path, f.log)
	case "s3":
		return f.createS3Store(u)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidArchiveURI, u.Scheme)
	}
}

func (f *Factory) createS3Store(u *url.URL) (interfaces.ArchiveStore, error) {
	bucket := u.Host
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 location needs a bucket", interfaces.ErrInvalidArchiveURI)
	}

	prefix := strings.TrimPrefix(u.Path, "/")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	q := u.Query()
	region := q.Get("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := q.Get("endpoint")

	return NewS3Store(bucket, prefix, region, endpoint, accessKey, secretKey, f.log)
}
