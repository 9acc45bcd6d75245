// Package config holds the settings shared by the servers and modelctl.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/justinsb/kllama/pkg/tensor"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration file.
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Listen is the gRPC listen address of tensorserver.
	Listen string `yaml:"listen"`

	// Backends restricts the engines models may use. Empty enables every compiled-in engine.
	Backends []string `yaml:"backends"`
	// Device models are created on, unless a request names one.
	Device string `yaml:"device"`
	// Threads is the compute thread count for native backends.
	Threads *int `yaml:"threads"`

	// CacheDir holds downloaded models and blobs.
	CacheDir string `yaml:"cache_dir"`
	// Blobstore is where models are published: gs://bucket, file:///dir or a directory.
	Blobstore string `yaml:"blobstore"`
	// Blobserver is the base URL of a model-store server, used when Blobstore is unset.
	Blobserver string `yaml:"blobserver"`

	DownloadAttempts *int           `yaml:"download_attempts"`
	RetryDelay       *time.Duration `yaml:"retry_delay"`

	// Snapshot is the file the model keyspace is restored from at startup and saved to at shutdown.
	Snapshot string `yaml:"snapshot"`
}

const (
	DefaultListen           = ":9876"
	DefaultCacheDir         = "~/.cache/kllama/blobs"
	DefaultDownloadAttempts = 5
	DefaultRetryDelay       = 5 * time.Second
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:   DefaultListen,
		Device:   "cpu",
		CacheDir: DefaultCacheDir,
	}
}

// Load reads the config file at path over the defaults, then applies environment overrides.
// An empty path, or a path that does not exist, yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config %q: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %q: %w", path, err)
			}
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CACHE_DIR, CACHE_BUCKET and BLOBSERVER.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("CACHE_DIR"); ok && v != "" {
		c.CacheDir = v
	}
	if v, ok := lookup("CACHE_BUCKET"); ok && v != "" {
		c.Blobstore = v
	}
	if v, ok := lookup("BLOBSERVER"); ok && v != "" {
		c.Blobserver = v
	}
}

func (c *Config) Validate() error {
	if _, err := tensor.ParseDevice(c.Device); err != nil {
		return fmt.Errorf("invalid device: %w", err)
	}
	if c.Threads != nil && *c.Threads < 1 {
		return fmt.Errorf("threads must be positive, got %d", *c.Threads)
	}
	if c.DownloadAttempts != nil && *c.DownloadAttempts < 1 {
		return fmt.Errorf("download_attempts must be positive, got %d", *c.DownloadAttempts)
	}
	if strings.HasPrefix(c.Blobstore, "http://") || strings.HasPrefix(c.Blobstore, "https://") {
		return fmt.Errorf("blobstore %q must not be an http url, use blobserver", c.Blobstore)
	}
	return nil
}

func (c *Config) DeviceValue() tensor.Device {
	device, err := tensor.ParseDevice(c.Device)
	if err != nil {
		return tensor.CPU
	}
	return device
}

func (c *Config) ThreadsValue() int {
	if c.Threads == nil {
		return 0
	}
	return *c.Threads
}

func (c *Config) DownloadAttemptsValue() int {
	if c.DownloadAttempts == nil {
		return DefaultDownloadAttempts
	}
	return *c.DownloadAttempts
}

func (c *Config) RetryDelayValue() time.Duration {
	if c.RetryDelay == nil {
		return DefaultRetryDelay
	}
	return *c.RetryDelay
}

// BlobSource is the location models are fetched from: the blobstore if set, else the blobserver.
func (c *Config) BlobSource() string {
	if c.Blobstore != "" {
		return c.Blobstore
	}
	return c.Blobserver
}

// ExpandHome resolves a leading "~/" against the user's home directory.
func ExpandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(p, "~/")), nil
}
