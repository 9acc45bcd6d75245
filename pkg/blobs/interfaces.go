package blobs

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

type BlobReader interface {
	// If no such object exists, Download should return an error for which errors.Is(err, os.ErrNotExist) is true.
	Download(ctx context.Context, info BlobInfo, destPath string) error
}

type Blobstore interface {
	BlobReader
	// Upload uploads the file at sourcePath to the blobstore, using the given hash as the object key.
	// If an object with the same hash already exists, Upload should do nothing and return no error.
	Upload(ctx context.Context, sourcePath string, info BlobInfo) error
}

// BlobInfo identifies a blob by the hex sha256 of its content.
type BlobInfo struct {
	Hash string
}

// Validate rejects hashes that are not 64 lowercase hex characters, so they are safe as
// object keys and file names.
func (i BlobInfo) Validate() error {
	if len(i.Hash) != 64 {
		return fmt.Errorf("blob hash %q is not a sha256 hex digest", i.Hash)
	}
	for _, c := range i.Hash {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return fmt.Errorf("blob hash %q is not a sha256 hex digest", i.Hash)
		}
	}
	return nil
}

// Open returns the Blobstore for location: gs://bucket, file:///dir or a plain directory path.
func Open(location string) (Blobstore, error) {
	switch {
	case strings.HasPrefix(location, "gs://"):
		bucket := strings.TrimPrefix(location, "gs://")
		if bucket == "" {
			return nil, fmt.Errorf("blobstore %q has no bucket", location)
		}
		return &GCSBlobstore{Bucket: bucket}, nil
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return nil, fmt.Errorf("blobstore %q is read-only, use OpenReader", location)
	case strings.HasPrefix(location, "file://"):
		return &FSBlobstore{Dir: strings.TrimPrefix(location, "file://")}, nil
	case location == "":
		return nil, fmt.Errorf("no blobstore location given")
	default:
		return &FSBlobstore{Dir: location}, nil
	}
}

// OpenReader is like Open but also accepts the http(s) URL of a model-store server.
func OpenReader(location string) (BlobReader, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		u, err := url.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("parsing blobserver url %q: %w", location, err)
		}
		return &ModelServer{BlobserverURL: u}, nil
	}
	return Open(location)
}
