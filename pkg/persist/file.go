package persist

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/justinsb/kllama/pkg/blobs"
	"github.com/justinsb/kllama/pkg/engine"
	"golang.org/x/exp/mmap"
	"k8s.io/klog/v2"
)

// SaveFile writes model to path. The file is replaced atomically.
func SaveFile(ctx context.Context, path string, model *engine.Model) error {
	encoded, err := Encode(model)
	if err != nil {
		return err
	}
	if _, err := blobs.WriteFile(ctx, path, bytes.NewReader(encoded)); err != nil {
		return fmt.Errorf("writing model to %q: %w", path, err)
	}
	return nil
}

// LoadFile maps the model file at path and recreates the model from it.
func LoadFile(ctx context.Context, registry *engine.Registry, path string) (*engine.Model, error) {
	log := klog.FromContext(ctx)

	f, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening model file %q: %w", path, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Error(err, "unmapping model file", "path", path)
		}
	}()

	log.V(2).Info("loading model file", "path", path, "size", f.Len())
	return Load(ctx, registry, io.NewSectionReader(f, 0, int64(f.Len())))
}

// ReadFileHeader is ReadHeader for a file on disk.
func ReadFileHeader(path string) (*Header, []byte, error) {
	f, err := mmap.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening model file %q: %w", path, err)
	}
	defer f.Close()
	return ReadHeader(io.NewSectionReader(f, 0, int64(f.Len())))
}
