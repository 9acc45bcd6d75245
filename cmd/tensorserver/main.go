package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/justinsb/kllama/pkg/blobs"
	"github.com/justinsb/kllama/pkg/config"
	"github.com/justinsb/kllama/pkg/engine"
	"github.com/justinsb/kllama/pkg/engine/backends"
	"github.com/justinsb/kllama/pkg/keyspace"
	"github.com/justinsb/kllama/pkg/persist"
	"github.com/justinsb/kllama/pkg/service"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := ""
	listen := ""
	flag.StringVar(&configPath, "config", configPath, "path to config file")
	flag.StringVar(&listen, "listen", listen, "listen address (overrides config)")

	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	log.Info("registered backends", "backends", registry.Backends())

	k := keyspace.New()
	if err := persist.RegisterModelType(k, registry); err != nil {
		return err
	}
	if cfg.Snapshot != "" {
		if err := restoreSnapshot(ctx, k, cfg.Snapshot); err != nil {
			return err
		}
	}

	server := &service.Server{
		Registry: registry,
		Keyspace: k,
		Device:   cfg.DeviceValue(),
	}
	if source := cfg.BlobSource(); source != "" {
		reader, err := blobs.OpenReader(source)
		if err != nil {
			return err
		}
		cacheDir, err := config.ExpandHome(cfg.CacheDir)
		if err != nil {
			return err
		}
		server.Fetcher = &persist.Fetcher{
			Reader:      reader,
			CacheDir:    cacheDir,
			MaxAttempts: cfg.DownloadAttemptsValue(),
			RetryDelay:  cfg.RetryDelayValue(),
		}
		log.Info("loading models from blob source", "source", source, "cacheDir", cacheDir)
	}

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", cfg.Listen, err)
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(service.LoggingInterceptor(log)))
	service.RegisterModelRunnerServer(grpcServer, server)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Starting tensorserver", "listen", cfg.Listen)
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("serving GRPC: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down tensorserver")
		grpcServer.GracefulStop()
		return nil
	})
	serveErr := g.Wait()

	var errs []error
	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	if cfg.Snapshot != "" {
		if err := saveSnapshot(context.Background(), k, cfg.Snapshot); err != nil {
			errs = append(errs, err)
		}
	}
	if err := k.Close(); err != nil {
		errs = append(errs, fmt.Errorf("releasing models: %w", err))
	}
	return errors.Join(errs...)
}

func buildRegistry(cfg *config.Config) (*engine.Registry, error) {
	registry := engine.NewRegistry()
	if err := backends.Register(registry, backends.Options{Threads: cfg.ThreadsValue()}); err != nil {
		return nil, err
	}
	return backends.Enabled(registry, cfg.Backends)
}

func restoreSnapshot(ctx context.Context, k *keyspace.Keyspace, path string) error {
	log := klog.FromContext(ctx)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info("no snapshot to restore", "path", path)
			return nil
		}
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	if err := k.Restore(ctx, f); err != nil {
		return fmt.Errorf("restoring snapshot %q: %w", path, err)
	}
	log.Info("restored snapshot", "path", path, "models", k.Len())
	return nil
}

func saveSnapshot(ctx context.Context, k *keyspace.Keyspace, path string) error {
	var buf bytes.Buffer
	if err := k.Snapshot(&buf); err != nil {
		return fmt.Errorf("building snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	if _, err := blobs.WriteFile(ctx, path, &buf); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	klog.FromContext(ctx).Info("saved snapshot", "path", path, "models", k.Len())
	return nil
}
