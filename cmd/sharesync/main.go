package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/sharesync/internal/client/sync"
	"github.com/openmined/sharesync/internal/config"
	"github.com/openmined/sharesync/internal/scheduler"
	"github.com/openmined/sharesync/internal/utils"
	"github.com/openmined/sharesync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	home, _        = os.UserHomeDir()
	defaultLogFile = filepath.Join(home, ".sharesync", "logs", "sharesync.log")
	configFileName = "config"
	envPrefix      = "SHARESYNC"
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

// shared by the stdout and file handlers, set from --log-level
var logLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:     "sharesync",
	Short:   "Sync a local directory with a remote share",
	Version: version.Detailed(),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		// all good now, show header
		cmd.SilenceUsage = true
		showHeader(cmd.OutOrStdout(), cfg)

		mgr, closeBackend, err := newManager(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeBackend()

		report, err := mgr.Run(cmd.Context())
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), report)
		return nil
	},
}

func init() {
	addSyncFlags(rootCmd.PersistentFlags())
}

func addSyncFlags(flags *pflag.FlagSet) {
	flags.SortFlags = false
	flags.StringP("keyfile", "k", "", "JSON key file with account credentials")
	flags.StringP("account", "a", "", "Account name in the key file")
	flags.StringP("share", "s", "", "Remote share name")
	flags.StringP("dir", "d", "", "Local directory to sync")
	flags.Bool("async", false, "Sync files and directories concurrently")
	flags.Int("max-tasks", scheduler.DefaultMaxTasks, "Concurrent tasks per directory level with --async")
	flags.Bool("delete-all", false, "Delete everything in the share and exit")
	flags.Bool("force", false, "Replace the local directory with the share contents")
	flags.String("backend", config.BackendS3, "Share backend: s3 or dir")
	flags.String("endpoint", "", "S3 compatible endpoint URL")
	flags.String("region", "", "S3 region")
	flags.String("bucket", "", "S3 bucket (defaults to the share name)")
	flags.Bool("create-bucket", false, "Create the bucket if it does not exist")
	flags.String("root", "", "Directory holding shares for the dir backend")
	flags.StringSlice("exclude", nil, "Glob of local paths to skip (repeatable)")
	flags.String("metrics-file", "", "Write prometheus metrics to this file after each run")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.StringP("config", "c", "", "Config file (json)")
}

// flag name -> config key
var flagKeys = map[string]string{
	"keyfile":       "keyfile",
	"account":       "account",
	"share":         "share",
	"dir":           "dir",
	"async":         "async",
	"max-tasks":     "max_tasks",
	"delete-all":    "delete_all",
	"force":         "force",
	"backend":       "backend",
	"endpoint":      "endpoint",
	"region":        "region",
	"bucket":        "bucket",
	"create-bucket": "create_bucket",
	"root":          "root",
	"exclude":       "exclude",
	"metrics-file":  "metrics_file",
	"log-level":     "log_level",
	"debounce":      "debounce",
}

func main() {
	logFile := defaultLogFile

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		os.Exit(1)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      logLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	logInterceptor := utils.NewLogInterceptor(file)
	defer logInterceptor.Close()
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: logLevel,
		// time is added by the log interceptor
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges flags, SHARESYNC_* env (plus .env) and the config file, in
// that order of precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	configFlag := cmd.Flag("config")
	if configFlag != nil && configFlag.Value.String() != "" {
		viper.SetConfigFile(configFlag.Value.String())
	} else {
		viper.AddConfigPath(filepath.Join(home, ".sharesync"))
		viper.AddConfigPath(filepath.Join(home, ".config", "sharesync"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	for name, key := range flagKeys {
		if f := cmd.Flag(name); f != nil {
			viper.BindPFlag(key, f)
		}
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cfg := &config.Config{
		Path:         viper.ConfigFileUsed(),
		KeyFile:      viper.GetString("keyfile"),
		Account:      viper.GetString("account"),
		Share:        viper.GetString("share"),
		Dir:          viper.GetString("dir"),
		Async:        viper.GetBool("async"),
		MaxTasks:     viper.GetInt("max_tasks"),
		DeleteAll:    viper.GetBool("delete_all"),
		Force:        viper.GetBool("force"),
		Backend:      viper.GetString("backend"),
		Endpoint:     viper.GetString("endpoint"),
		Region:       viper.GetString("region"),
		Bucket:       viper.GetString("bucket"),
		CreateBucket: viper.GetBool("create_bucket"),
		Root:         viper.GetString("root"),
		Excludes:     viper.GetStringSlice("exclude"),
		MetricsFile:  viper.GetString("metrics_file"),
		LogLevel:     viper.GetString("log_level"),
		Debounce:     viper.GetDuration("debounce"),
	}

	if cfg.LogLevel != "" {
		if err := logLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid log level %q", cfg.LogLevel)
		}
	}
	return cfg, nil
}

// newManager opens the backend and builds the sync manager. The returned func
// releases the backend.
func newManager(ctx context.Context, cfg *config.Config) (*sync.SyncManager, func(), error) {
	backend, closer, err := cfg.OpenBackend(ctx)
	if err != nil {
		return nil, nil, err
	}
	closeBackend := func() {
		if err := closer.Close(); err != nil {
			slog.Warn("close backend", "error", err)
		}
	}

	mgr, err := sync.NewManager(cfg, backend)
	if err != nil {
		closeBackend()
		return nil, nil, err
	}
	return mgr, closeBackend, nil
}

func showHeader(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "%s %s\n", cyan(version.AppName), version.Short())
	fmt.Fprintf(w, "%s %s:%s <-> %s\n", cyan(cfg.Mode().String()), cfg.Backend, cfg.Share, cfg.Dir)
}

func printReport(w io.Writer, report *sync.Report) {
	s := report.Summary()
	status := green("done")
	if s.Failed > 0 || s.DirsFailed > 0 {
		status = red("done with failures")
	}
	fmt.Fprintf(w, "%s in %s: %s\n", status, report.Elapsed().Round(time.Millisecond), s)
}
