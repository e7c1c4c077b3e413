package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"fpdedup/internal/hash"
)

// Redirect sends the private metadata of every directory under Prefix to a
// writable location under WorkDir. It is meant for read-only source trees.
type Redirect struct {
	Prefix  string `yaml:"prefix"`
	WorkDir string `yaml:"work_dir"`
}

type Config struct {
	PrivateDir string     `yaml:"private_dir"`
	Ignore     []string   `yaml:"ignore"`
	Hash       string     `yaml:"hash"`
	Workers    int        `yaml:"workers"`
	LogLevel   string     `yaml:"log_level"`
	LogFormat  string     `yaml:"log_format"`
	LogHandles int        `yaml:"log_handles"`
	Redirects  []Redirect `yaml:"redirects"`
}

func DefaultConfig() *Config {
	return &Config{
		PrivateDir: ".dp",
		Ignore: []string{
			".git/",
			".svn/",
			".hg/",
			".DS_Store",
			"Thumbs.db",
			"*.swp",
		},
		Hash:       string(hash.Default),
		LogLevel:   "info",
		LogFormat:  "text",
		LogHandles: 20,
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	// An explicit empty list in the file switches the defaults off
	if cfg.Ignore == nil {
		cfg.Ignore = []string{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.PrivateDir == "" || strings.ContainsRune(c.PrivateDir, filepath.Separator) {
		return fmt.Errorf("private_dir must be a plain directory name, got %q", c.PrivateDir)
	}
	if _, err := hash.ParseAlgorithm(c.Hash); err != nil {
		return err
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.LogHandles < 1 {
		return fmt.Errorf("log_handles must be at least 1, got %d", c.LogHandles)
	}
	for i, r := range c.Redirects {
		if r.Prefix == "" || r.WorkDir == "" {
			return fmt.Errorf("redirects[%d]: prefix and work_dir are required", i)
		}
		if !filepath.IsAbs(r.Prefix) || !filepath.IsAbs(r.WorkDir) {
			return errors.New("redirect paths must be absolute")
		}
	}
	return nil
}

// Algorithm is the configured content hash.
func (c *Config) Algorithm() hash.Algorithm {
	alg, err := hash.ParseAlgorithm(c.Hash)
	if err != nil {
		return hash.Default
	}
	return alg
}

// MetadataResolver returns the function that places a directory's private
// metadata. The longest matching redirect prefix wins; directories outside
// every prefix keep their metadata in <dir>/<private_dir>.
func (c *Config) MetadataResolver() func(dir string) string {
	private := c.PrivateDir
	redirects := append([]Redirect(nil), c.Redirects...)

	return func(dir string) string {
		dir = filepath.Clean(dir)
		best, bestLen, bestRel := -1, -1, ""
		for i, r := range redirects {
			prefix := filepath.Clean(r.Prefix)
			rel, ok := within(prefix, dir)
			if !ok {
				continue
			}
			if len(prefix) > bestLen {
				best, bestLen, bestRel = i, len(prefix), rel
			}
		}
		if best < 0 {
			return filepath.Join(dir, private)
		}
		return filepath.Join(redirects[best].WorkDir, bestRel, private)
	}
}

// within returns dir relative to prefix when dir is prefix or lies below it.
func within(prefix, dir string) (string, bool) {
	rel, err := filepath.Rel(prefix, dir)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}
