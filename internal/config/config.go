// Package config holds the settings of a sync run and builds the remote backend.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/openmined/sharesync/internal/keys"
	"github.com/openmined/sharesync/internal/scheduler"
	"github.com/openmined/sharesync/internal/share"
	"github.com/openmined/sharesync/internal/share/dirshare"
	"github.com/openmined/sharesync/internal/share/s3share"
	"github.com/openmined/sharesync/internal/utils"
)

const (
	BackendS3  = "s3"
	BackendDir = "dir"

	DefaultDebounce = 2 * time.Second
)

var (
	ErrMissingDir     = errors.New("local directory is required")
	ErrMissingShare   = errors.New("share name is required")
	ErrMissingKeyFile = errors.New("key file is required")
	ErrMissingAccount = errors.New("account is required")
	ErrMissingRoot    = errors.New("share root is required for the dir backend")
)

// Mode is what a run does. DeleteAll wins over Force.
type Mode int

const (
	ModeSync Mode = iota
	ModeDeleteAll
	ModeForce
)

func (m Mode) String() string {
	switch m {
	case ModeDeleteAll:
		return "delete-all"
	case ModeForce:
		return "force"
	default:
		return "sync"
	}
}

type Config struct {
	KeyFile string `mapstructure:"keyfile"`
	Account string `mapstructure:"account"`
	Share   string `mapstructure:"share"`
	Dir     string `mapstructure:"dir"`

	Async     bool `mapstructure:"async"`
	MaxTasks  int  `mapstructure:"max_tasks"`
	DeleteAll bool `mapstructure:"delete_all"`
	Force     bool `mapstructure:"force"`

	Backend      string `mapstructure:"backend"`
	Endpoint     string `mapstructure:"endpoint"`
	Region       string `mapstructure:"region"`
	Bucket       string `mapstructure:"bucket"`
	CreateBucket bool   `mapstructure:"create_bucket"`
	// Root is the directory holding shares for the dir backend.
	Root string `mapstructure:"root"`

	Excludes    []string      `mapstructure:"exclude"`
	MetricsFile string        `mapstructure:"metrics_file"`
	LogLevel    string        `mapstructure:"log_level"`
	Debounce    time.Duration `mapstructure:"debounce"`

	// Path of the config file that was read, if any.
	Path string `mapstructure:"-"`
}

// Validate checks required values, resolves paths and fills defaults.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return ErrMissingDir
	}
	dir, err := utils.ResolvePath(c.Dir)
	if err != nil {
		return fmt.Errorf("resolve dir: %w", err)
	}
	if !utils.DirExists(dir) {
		return fmt.Errorf("invalid directory %q", c.Dir)
	}
	c.Dir = dir

	if c.Share == "" {
		return ErrMissingShare
	}

	if c.Backend == "" {
		c.Backend = BackendS3
	}
	switch c.Backend {
	case BackendS3:
		if c.KeyFile == "" {
			return ErrMissingKeyFile
		}
		if c.Account == "" {
			return ErrMissingAccount
		}
		if c.Bucket == "" {
			c.Bucket = c.Share
		}
	case BackendDir:
		if c.Root == "" {
			return ErrMissingRoot
		}
		root, err := utils.ResolvePath(c.Root)
		if err != nil {
			return fmt.Errorf("resolve root: %w", err)
		}
		c.Root = root
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.MaxTasks <= 0 {
		c.MaxTasks = scheduler.DefaultMaxTasks
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	return nil
}

func (c *Config) Mode() Mode {
	switch {
	case c.DeleteAll:
		return ModeDeleteAll
	case c.Force:
		return ModeForce
	default:
		return ModeSync
	}
}

// LogValue keeps the run settings readable in logs without leaking anything secret.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("backend", c.Backend),
		slog.String("share", c.Share),
		slog.String("dir", c.Dir),
		slog.String("account", c.Account),
		slog.String("mode", c.Mode().String()),
		slog.Bool("async", c.Async),
		slog.Int("max_tasks", c.MaxTasks),
	)
}

// OpenBackend builds the remote share. The returned closer releases backend
// resources and is never nil.
func (c *Config) OpenBackend(ctx context.Context) (share.Backend, io.Closer, error) {
	switch c.Backend {
	case BackendDir:
		s, err := dirshare.New(c.Root, c.Share)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil

	case BackendS3:
		kf, err := keys.Load(c.KeyFile)
		if err != nil {
			return nil, nil, err
		}
		key, err := kf.GetByAccount(c.Account)
		if err != nil {
			return nil, nil, err
		}
		slog.Debug("credentials", "account", key.Account, "key", utils.MaskSecret(key.PrivateKey))

		s, err := s3share.New(ctx, c.Share, &s3share.Config{
			Bucket:       c.Bucket,
			Region:       c.Region,
			AccessKey:    key.Account,
			SecretKey:    key.PrivateKey,
			Endpoint:     c.Endpoint,
			CreateBucket: c.CreateBucket,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", c.Backend)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
