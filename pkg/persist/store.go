package persist

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/justinsb/kllama/pkg/blobs"
	"github.com/justinsb/kllama/pkg/engine"
	"k8s.io/klog/v2"
)

// Publish uploads the encoded model to store under its content hash and returns the hash.
func Publish(ctx context.Context, store blobs.Blobstore, model *engine.Model) (string, error) {
	log := klog.FromContext(ctx)

	encoded, err := Encode(model)
	if err != nil {
		return "", err
	}
	info := blobs.BlobInfo{Hash: Hash(encoded)}

	tempDir, err := os.MkdirTemp("", "publish")
	if err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			log.Error(err, "removing temp dir", "path", tempDir)
		}
	}()

	localPath := filepath.Join(tempDir, info.Hash)
	if _, err := blobs.WriteFile(ctx, localPath, bytes.NewReader(encoded)); err != nil {
		return "", err
	}
	if err := store.Upload(ctx, localPath, info); err != nil {
		return "", fmt.Errorf("uploading model %s: %w", info.Hash, err)
	}
	log.Info("published model", "hash", info.Hash, "backend", model.Backend(), "size", len(encoded))
	return info.Hash, nil
}

// Fetcher loads published models, keeping a local copy of each in CacheDir.
type Fetcher struct {
	// Reader is the interface to fetch blobs
	Reader blobs.BlobReader

	// CacheDir holds downloaded models, named by hash
	CacheDir string

	// MaxAttempts is the number of times to attempt a download before failing
	MaxAttempts int

	// RetryDelay is the wait between attempts
	RetryDelay time.Duration
}

// Fetch returns the model published under hash, downloading it if it is not cached.
func (f *Fetcher) Fetch(ctx context.Context, registry *engine.Registry, hash string) (*engine.Model, error) {
	info := blobs.BlobInfo{Hash: hash}
	if err := info.Validate(); err != nil {
		return nil, engine.Wrap(engine.InvalidArgument, err, "fetching model")
	}

	localPath := filepath.Join(f.CacheDir, hash)
	if _, err := os.Stat(localPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("checking cache for %s: %w", hash, err)
		}
		if err := os.MkdirAll(f.CacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
		if err := f.downloadToFile(ctx, info, localPath); err != nil {
			return nil, fmt.Errorf("downloading model %s: %w", hash, err)
		}
		if err := verifyHash(localPath, hash); err != nil {
			if removeErr := os.Remove(localPath); removeErr != nil {
				err = errors.Join(err, removeErr)
			}
			return nil, err
		}
	}
	return LoadFile(ctx, registry, localPath)
}

func (f *Fetcher) downloadToFile(ctx context.Context, info blobs.BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)

	maxAttempts := f.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	attempt := 0
	for {
		attempt++

		err := f.Reader.Download(ctx, info, destPath)
		if err == nil {
			return nil
		}

		if attempt >= maxAttempts || errors.Is(err, os.ErrNotExist) {
			return err
		}

		log.Error(err, "downloading blob, will retry", "info", info, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.RetryDelay):
		}
	}
}

func verifyHash(path, want string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return fmt.Errorf("hashing %q: %w", path, err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != want {
		return fmt.Errorf("downloaded blob has hash %s, expected %s", got, want)
	}
	return nil
}
