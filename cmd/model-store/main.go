package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/justinsb/kllama/pkg/blobs"
	"github.com/justinsb/kllama/pkg/config"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	configPath := ""
	listen := ":8080"
	flag.StringVar(&configPath, "config", configPath, "path to config file")
	flag.StringVar(&listen, "listen", listen, "listen address")
	klog.InitFlags(nil)
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	cacheDir, err := config.ExpandHome(cfg.CacheDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	var blobstore blobs.Blobstore
	if cfg.Blobstore != "" {
		blobstore, err = blobs.Open(cfg.Blobstore)
		if err != nil {
			return err
		}
		log.Info("filling cache misses from blobstore", "blobstore", cfg.Blobstore)
	} else {
		log.Info("no blobstore configured, serving cache only")
	}

	s := &httpServer{
		blobCache: &blobCache{
			BaseDir:   cacheDir,
			blobstore: blobstore,
		},
	}

	log.Info("serving", "listen", listen, "cacheDir", cacheDir)
	if err := http.ListenAndServe(listen, s); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}

	return nil
}

type httpServer struct {
	blobCache *blobCache
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokens := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(tokens) == 1 {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			hash := tokens[0]
			s.serveGETBlob(w, r, hash)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

func (s *httpServer) serveGETBlob(w http.ResponseWriter, r *http.Request, hash string) {
	ctx := r.Context()

	log := klog.FromContext(ctx)

	f, err := s.blobCache.GetBlob(ctx, hash)
	if err != nil {
		switch status.Code(err) {
		case codes.NotFound:
			http.Error(w, "not found", http.StatusNotFound)
		case codes.InvalidArgument:
			http.Error(w, "bad request", http.StatusBadRequest)
		default:
			log.Error(err, "error getting blob")
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		log.Error(err, "error getting blob")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	log.V(2).Info("serving blob", "hash", hash, "size", stat.Size())
	http.ServeContent(w, r, hash, stat.ModTime(), f)
}

type blobCache struct {
	BaseDir   string
	blobstore blobs.Blobstore
}

func (c *blobCache) GetBlob(ctx context.Context, hash string) (*os.File, error) {
	log := klog.FromContext(ctx)

	info := blobs.BlobInfo{Hash: hash}
	if err := info.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	localPath := filepath.Join(c.BaseDir, hash)
	f, err := os.Open(localPath)
	if err == nil {
		return f, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening blob %q: %w", hash, err)
	}

	if c.blobstore == nil {
		return nil, status.Errorf(codes.NotFound, "blob %q not found", hash)
	}

	log.Info("cache miss, downloading blob", "hash", hash)
	if err := c.blobstore.Download(ctx, info, localPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, status.Errorf(codes.NotFound, "blob %q not found", hash)
		}
		return nil, fmt.Errorf("downloading blob %q: %w", hash, err)
	}
	return os.Open(localPath)
}
