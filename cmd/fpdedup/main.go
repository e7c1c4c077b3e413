package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"fpdedup/internal/config"
	"fpdedup/internal/dirtree"
	"fpdedup/internal/fingerprint"
	"fpdedup/internal/hash"
	"fpdedup/internal/logging"
	"fpdedup/internal/progress"
)

var (
	version = "dev"

	// Global flags
	cfgFile   string
	verbose   bool
	dryRun    bool
	noLog     bool
	logFormat string
	workers   int
	hashName  string

	// dups flags
	removeDups bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 for usage errors and 1 for everything else.
func exitCode(err error) int {
	if errors.Is(err, fingerprint.ErrUsage) {
		return 2
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "fpdedup",
	Short: "Fingerprint directory trees and quarantine duplicate files",
	Long: `fpdedup keeps a content fingerprint of every file in a private metadata
directory next to it, refreshes only what changed since the last run, and uses
those fingerprints to find files of one tree that already exist in another.

Duplicates are never deleted: they are moved into <private>/dups/ with a
symlink to the surviving original in <private>/dups/origs/.`,
	SilenceUsage: true,
	Args:         cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return fmt.Errorf("%w: unknown command %q", fingerprint.ErrUsage, args[0])
		}
		return cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  usageArgs(cobra.NoArgs),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "fpdedup %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/fpdedup/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "show what would be done without changing anything")
	rootCmd.PersistentFlags().BoolVar(&noLog, "no-log", false, "log to stdout instead of per-directory log files")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json), overrides the config")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "files hashed in parallel per directory (default from config or CPU count)")
	rootCmd.PersistentFlags().StringVar(&hashName, "hash", "", "content hash (md5, sha256, blake3, xxhash), overrides the config")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", fingerprint.ErrUsage, err)
	})

	dupsCmd.Flags().BoolVar(&removeDups, "remove", false, "move duplicates into quarantine instead of only listing them")

	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(dupsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(copyUniquesCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(versionCmd)
}

// usageArgs marks argument validation failures as usage errors.
func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return fmt.Errorf("%w: %v", fingerprint.ErrUsage, err)
		}
		return nil
	}
}

// session carries the configuration and loggers of one command run.
type session struct {
	cfg     *config.Config
	alg     hash.Algorithm
	workers int
	logger  *slog.Logger
	logs    *logging.DirLogs
	out     io.Writer
}

func newSession(cmd *cobra.Command, op string) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	alg := cfg.Algorithm()
	if hashName != "" {
		if alg, err = hash.ParseAlgorithm(hashName); err != nil {
			return nil, fmt.Errorf("%w: %v", fingerprint.ErrUsage, err)
		}
	}

	n := cfg.Workers
	if workers < 0 {
		return nil, fmt.Errorf("%w: --workers must not be negative", fingerprint.ErrUsage)
	} else if workers > 0 {
		n = workers
	}

	format := cfg.LogFormat
	if logFormat != "" {
		format = logFormat
	}
	if format != "text" && format != "json" {
		return nil, fmt.Errorf("%w: unknown log format %q", fingerprint.ErrUsage, format)
	}

	level := logging.ParseLevel(cfg.LogLevel)
	if verbose {
		level = slog.LevelDebug
	}

	s := &session{
		cfg:     cfg,
		alg:     alg,
		workers: n,
		out:     cmd.OutOrStdout(),
	}

	if noLog {
		s.logger = logging.New(cmd.OutOrStdout(), level, format)
		return s, nil
	}

	// Directory logs get everything; the console only sees problems
	console := slog.LevelWarn
	if verbose {
		console = slog.LevelDebug
	}
	s.logger = logging.New(cmd.ErrOrStderr(), console, format)
	s.logs, err = logging.NewDirLogs(logging.FileName(time.Now(), op), level, format, cfg.LogHandles)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func loadConfig() (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "fpdedup", "config.yaml")
	}
	return config.LoadConfig(configPath)
}

func (s *session) Close() error {
	if s.logs != nil {
		s.logger.Debug("closing directory logs", "open", s.logs.Open())
		return s.logs.Close()
	}
	return nil
}

func (s *session) options() dirtree.Options {
	opts := dirtree.Options{
		PrivateDir:      s.cfg.PrivateDir,
		Ignore:          s.cfg.Ignore,
		ResolveMetadata: s.cfg.MetadataResolver(),
		Algorithm:       s.alg,
		Workers:         s.workers,
		Logger:          s.logger,
	}
	if s.logs != nil {
		opts.Logs = s.logs
	}
	return opts
}

// open checks that path is a directory before scanning it.
func (s *session) open(path string, checkOnly bool) (*dirtree.Tree, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %w: %s", fingerprint.ErrUsage, fingerprint.ErrNotADirectory, path)
	}

	t, err := dirtree.Open(path, checkOnly, s.options())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	s.logger.Debug("opened tree", "path", t.Path(), "check_only", checkOnly)
	return t, nil
}

// fingerprint refreshes t, drawing a progress bar on a terminal.
func (s *session) fingerprint(t *dirtree.Tree) (*dirtree.FingerprintStats, error) {
	if dryRun {
		return t.FingerPrint(true)
	}

	bar := progress.New(int64(t.StaleCount()), os.Stderr)
	t.SetProgress(bar)
	stats, err := t.FingerPrint(false)
	bar.Finish()
	if err != nil {
		return stats, err
	}
	for _, ferr := range stats.Failed {
		s.logger.Warn("file not fingerprinted", "error", ferr)
	}
	return stats, nil
}

// warnIfStale reports reference trees with files that have no current
// fingerprint. They can hide duplicates but never cause false matches.
func (s *session) warnIfStale(ref *dirtree.Tree) {
	if n := ref.StaleCount(); n > 0 {
		s.logger.Warn("reference tree is not fully fingerprinted", "path", ref.Path(), "stale", n)
	}
}

// closeTree flushes t and keeps the first error.
func closeTree(t *dirtree.Tree, err *error) {
	if cerr := t.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}
