package blobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// FSBlobstore keeps blobs as files named by hash in Dir.
type FSBlobstore struct {
	Dir string
}

var _ Blobstore = (*FSBlobstore)(nil)

func (s *FSBlobstore) path(info BlobInfo) (string, error) {
	if err := info.Validate(); err != nil {
		return "", err
	}
	return filepath.Join(s.Dir, info.Hash), nil
}

func (s *FSBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	p, err := s.path(info)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err == nil {
		log.Info("blob already exists", "path", p)
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking for blob %q: %w", p, err)
	}

	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("creating blob directory %q: %w", s.Dir, err)
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	n, err := writeToFile(ctx, src, p)
	if err != nil {
		return fmt.Errorf("storing blob %q: %w", info.Hash, err)
	}
	log.Info("stored blob", "path", p, "bytes", n)
	return nil
}

func (s *FSBlobstore) Download(ctx context.Context, info BlobInfo, destPath string) error {
	p, err := s.path(info)
	if err != nil {
		return err
	}
	src, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("blob %q not found: %w", info.Hash, os.ErrNotExist)
		}
		return fmt.Errorf("opening blob %q: %w", info.Hash, err)
	}
	defer src.Close()

	if _, err := writeToFile(ctx, src, destPath); err != nil {
		return fmt.Errorf("copying blob %q: %w", info.Hash, err)
	}
	return nil
}
