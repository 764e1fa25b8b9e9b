package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/paulschiretz/pgl-tbviewer/pkg/buildinfo"
	"github.com/paulschiretz/pgl-tbviewer/pkg/downloadcache"
	"github.com/paulschiretz/pgl-tbviewer/pkg/flagparse"
	"github.com/paulschiretz/pgl-tbviewer/pkg/fsprovider"
	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
	"github.com/paulschiretz/pgl-tbviewer/pkg/registry"
	"github.com/paulschiretz/pgl-tbviewer/pkg/treesync"
	"github.com/paulschiretz/pgl-tbviewer/pkg/util"
	"github.com/paulschiretz/pgl-tbviewer/pkg/viewer"
)

// DefaultFileName is the configuration file looked up in the working
// directory when no path is given.
const DefaultFileName = "pgl-tbviewer.yaml"

// maxIntervalSeconds is the longest interval a time.Duration can hold.
const maxIntervalSeconds = float64(math.MaxInt64 / int64(time.Second))

type SyncConfig struct {
	// Marker is the substring that identifies event-log files.
	Marker string `json:"marker"`
	// Workers bounds concurrent transfers per source. 0 picks a default from the CPU count.
	Workers          int     `json:"workers"`
	RetryCount       int     `json:"retryCount"`
	RetryWaitSeconds float64 `json:"retryWaitSeconds"`
	// MemoCapacity bounds how many downloaded files are remembered.
	MemoCapacity int  `json:"memoCapacity"`
	Progress     bool `json:"progress"`
	Metrics      bool `json:"metrics"`
}

type S3Config struct {
	Region       string `json:"region"`
	Endpoint     string `json:"endpoint"`
	UsePathStyle bool   `json:"usePathStyle"`
	// AccessKey and SecretKey override the AWS credential chain when both are set.
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
}

type OCIConfig struct {
	Insecure bool `json:"insecure"`
	Retries  int  `json:"retries"`
}

type ProvidersConfig struct {
	// CacheSize bounds how many provider instances are kept alive.
	CacheSize int `json:"cacheSize"`
	// RequestsPerSecond limits calls to remote backends. 0 disables limiting.
	RequestsPerSecond float64   `json:"requestsPerSecond"`
	Burst             int       `json:"burst"`
	BufferSizeKB      int       `json:"bufferSizeKB"`
	S3                S3Config  `json:"s3"`
	OCI               OCIConfig `json:"oci"`
}

type ViewerConfig struct {
	Command string `json:"command"`
	// Args are appended after --logdir on every start.
	Args []string `json:"args"`
}

type Config struct {
	Version  string `json:"version"`
	LogLevel string `json:"logLevel"`

	// Sources are the remote directories to mirror.
	Sources []string `json:"sources"`
	// CacheDir is the local mirror root. Empty means a temporary directory.
	CacheDir            string          `json:"cacheDir"`
	SyncIntervalSeconds float64         `json:"syncIntervalSeconds"`
	Sync                SyncConfig      `json:"sync"`
	Providers           ProvidersConfig `json:"providers"`
	Viewer              ViewerConfig    `json:"viewer"`

	// Force skips the cache directory prompt. Runtime only.
	Force bool `json:"-"`
	// Quiet hides Info and Notice output. Runtime only.
	Quiet bool `json:"-"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:             buildinfo.Version,
		LogLevel:            "info",
		Sources:             []string{},
		SyncIntervalSeconds: 30,
		Sync: SyncConfig{
			Marker:       treesync.DefaultMarker,
			MemoCapacity: downloadcache.DefaultCapacity,
		},
		Providers: ProvidersConfig{
			CacheSize:    registry.DefaultCapacity,
			Burst:        1,
			BufferSizeKB: 256,
			OCI: OCIConfig{
				Retries: 3,
			},
		},
		Viewer: ViewerConfig{
			Command: viewer.DefaultCommand,
			Args:    []string{},
		},
	}
}

// Load reads the configuration at path over the defaults. Files ending in
// .yaml or .yml are parsed as YAML, anything else as JSON. A missing file is
// not an error and yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultFileName
	}
	path, err := util.ExpandPath(path)
	if err != nil {
		return Config{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDefault(), nil // Config file doesn't exist, which is a normal case.
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", path, err)
	}

	plog.Info("Loading configuration", "path", path)
	// Start with default values, then overwrite with the file's content.
	// Fields missing from the file keep their defaults.
	config := NewDefault()
	if isYAML(path) {
		err = yaml.Unmarshal(data, &config)
	} else {
		err = json.NewDecoder(bytes.NewReader(data)).Decode(&config)
	}
	if err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", path, err)
	}

	if config.Version != buildinfo.Version {
		config.Version = buildinfo.Version
	}
	return config, nil
}

// Generate writes cfg to path, as YAML or JSON depending on the extension.
func Generate(cfg Config, path string) error {
	if path == "" {
		path = DefaultFileName
	}
	path, err := util.ExpandPath(path)
	if err != nil {
		return err
	}

	var data []byte
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", path)
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Validate checks the configuration for logical errors and inconsistencies.
// requireSources is false for init, which may write a config without sources.
func (c *Config) Validate(requireSources bool) error {
	if requireSources && len(c.Sources) == 0 {
		return fmt.Errorf("at least one source URI is required (-uris)")
	}
	for i, src := range c.Sources {
		if strings.TrimSpace(src) == "" {
			return fmt.Errorf("source %d is empty", i)
		}
	}

	if math.IsNaN(c.SyncIntervalSeconds) || c.SyncIntervalSeconds < 0 {
		return fmt.Errorf("syncIntervalSeconds cannot be negative: %v", c.SyncIntervalSeconds)
	}
	if c.SyncIntervalSeconds > maxIntervalSeconds {
		return fmt.Errorf("syncIntervalSeconds is too large: %v (max %.0f)", c.SyncIntervalSeconds, maxIntervalSeconds)
	}

	if c.Sync.Marker == "" {
		return fmt.Errorf("sync.marker cannot be empty")
	}
	if strings.ContainsAny(c.Sync.Marker, `/\`) {
		return fmt.Errorf("sync.marker must not contain path separators: %q", c.Sync.Marker)
	}
	if c.Sync.Workers < 0 {
		return fmt.Errorf("sync.workers cannot be negative: %d", c.Sync.Workers)
	}
	if c.Sync.RetryCount < 0 {
		return fmt.Errorf("sync.retryCount cannot be negative: %d", c.Sync.RetryCount)
	}
	if c.Sync.RetryWaitSeconds < 0 {
		return fmt.Errorf("sync.retryWaitSeconds cannot be negative: %v", c.Sync.RetryWaitSeconds)
	}
	if c.Sync.MemoCapacity < 0 {
		return fmt.Errorf("sync.memoCapacity cannot be negative: %d", c.Sync.MemoCapacity)
	}

	if c.Providers.CacheSize < 0 {
		return fmt.Errorf("providers.cacheSize cannot be negative: %d", c.Providers.CacheSize)
	}
	if c.Providers.RequestsPerSecond < 0 {
		return fmt.Errorf("providers.requestsPerSecond cannot be negative: %v", c.Providers.RequestsPerSecond)
	}
	if c.Providers.Burst < 0 {
		return fmt.Errorf("providers.burst cannot be negative: %d", c.Providers.Burst)
	}
	if kb := c.Providers.BufferSizeKB; kb <= 0 || kb&(kb-1) != 0 {
		return fmt.Errorf("providers.bufferSizeKB must be a positive power of two: %d", kb)
	}
	if c.Providers.OCI.Retries < 0 {
		return fmt.Errorf("providers.oci.retries cannot be negative: %d", c.Providers.OCI.Retries)
	}
	if (c.Providers.S3.AccessKey == "") != (c.Providers.S3.SecretKey == "") {
		return fmt.Errorf("providers.s3.accessKey and providers.s3.secretKey must be set together")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "notice", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logLevel %q. Must be 'debug', 'notice', 'info', 'warn', or 'error'", c.LogLevel)
	}

	if c.Viewer.Command == "" {
		return fmt.Errorf("viewer.command cannot be empty")
	}
	return nil
}

// SyncInterval returns the pause between sync pass starts.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds * float64(time.Second))
}

// ProviderOptions maps the providers section onto the factory options.
func (c *Config) ProviderOptions() fsprovider.Options {
	return fsprovider.Options{
		BufferSize: int64(c.Providers.BufferSizeKB) * 1024,
		S3: fsprovider.S3Options{
			Region:       c.Providers.S3.Region,
			Endpoint:     c.Providers.S3.Endpoint,
			UsePathStyle: c.Providers.S3.UsePathStyle,
			AccessKey:    c.Providers.S3.AccessKey,
			SecretKey:    c.Providers.S3.SecretKey,
		},
		OCI: fsprovider.OCIOptions{
			Insecure: c.Providers.OCI.Insecure,
			Retries:  c.Providers.OCI.Retries,
		},
		RequestsPerSecond: c.Providers.RequestsPerSecond,
		Burst:             c.Providers.Burst,
	}
}

// CacheOptions maps the sync section onto the download cache options.
func (c *Config) CacheOptions(metrics downloadcache.Metrics) downloadcache.Options {
	return downloadcache.Options{
		Capacity:  c.Sync.MemoCapacity,
		Retries:   c.Sync.RetryCount,
		RetryWait: time.Duration(c.Sync.RetryWaitSeconds * float64(time.Second)),
		Metrics:   metrics,
	}
}

// SyncerOptions maps the sync section onto the tree synchronizer options.
func (c *Config) SyncerOptions() treesync.Options {
	opts := treesync.Options{
		Marker:  c.Sync.Marker,
		Metrics: c.Sync.Metrics || c.Sync.Progress,
	}
	if c.Sync.Progress {
		opts.ProgressInterval = 5 * time.Second
	}
	return opts
}

// LogSummary logs the effective configuration. Credentials are never logged.
func (c *Config) LogSummary() {
	cacheDir := c.CacheDir
	if cacheDir == "" {
		cacheDir = "(temporary)"
	}
	logArgs := []interface{}{
		"log_level", c.LogLevel,
		"sources", strings.Join(c.Sources, ","),
		"cache_dir", cacheDir,
		"sync_interval", c.SyncInterval(),
		"marker", c.Sync.Marker,
		"sync_workers", c.Sync.Workers,
		"retry_count", c.Sync.RetryCount,
		"metrics", c.Sync.Metrics,
	}
	if c.Providers.RequestsPerSecond > 0 {
		logArgs = append(logArgs, "rate_limit", fmt.Sprintf("%.2f/s (burst %d)", c.Providers.RequestsPerSecond, c.Providers.Burst))
	}
	if c.Providers.S3.Endpoint != "" {
		logArgs = append(logArgs, "s3_endpoint", c.Providers.S3.Endpoint)
	}
	if c.Providers.S3.AccessKey != "" {
		logArgs = append(logArgs, "s3_credentials", "static")
	}
	if c.Providers.OCI.Insecure {
		logArgs = append(logArgs, "oci_insecure", true)
	}
	plog.Info("Configuration loaded", logArgs...)
}

// MergeConfigWithFlags applies the flags the user set over base.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base
	// Slices are shared with base otherwise.
	merged.Sources = append([]string(nil), base.Sources...)
	merged.Viewer.Args = append([]string(nil), base.Viewer.Args...)

	for name, value := range setFlags {
		switch name {
		case "log-level":
			merged.LogLevel = value.(string)
		case "metrics":
			merged.Sync.Metrics = value.(bool)
		case "uris":
			merged.Sources = value.([]string)
		case "cache-dir":
			merged.CacheDir = value.(string)
		case "sync-interval":
			merged.SyncIntervalSeconds = value.(float64)
		case "sync-workers":
			merged.Sync.Workers = value.(int)
		case "retry-count":
			merged.Sync.RetryCount = value.(int)
		case "retry-wait":
			merged.Sync.RetryWaitSeconds = value.(float64)
		case "marker":
			merged.Sync.Marker = value.(string)
		case "progress":
			merged.Sync.Progress = value.(bool)
		case "force":
			merged.Force = value.(bool)
		case "quiet":
			merged.Quiet = value.(bool)
		case "rate-limit":
			merged.Providers.RequestsPerSecond = value.(float64)
		case "s3-endpoint":
			merged.Providers.S3.Endpoint = value.(string)
			// Self-hosted S3 servers rarely support virtual-hosted buckets.
			merged.Providers.S3.UsePathStyle = merged.Providers.S3.UsePathStyle || value.(string) != ""
		case "s3-region":
			merged.Providers.S3.Region = value.(string)
		case "oci-insecure":
			merged.Providers.OCI.Insecure = value.(bool)
		case "viewer-command":
			merged.Viewer.Command = value.(string)
		case "viewer-args":
			switch command {
			case flagparse.View:
				merged.Viewer.Args = append(merged.Viewer.Args, value.([]string)...)
			default:
			}
		case "config":
			// Consumed by the caller to locate the file.
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
