// Package dirtree mirrors a directory subtree in memory and runs the
// fingerprint and dedup operations over it.
//
// Every node owns the fingerprint store of its directory and the nodes of its
// subdirectories. Nodes are built once by Open from a single directory
// listing and are not rescanned afterwards.
package dirtree

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"fpdedup/internal/fingerprint"
	"fpdedup/internal/hash"
	"fpdedup/internal/walker"
)

// DefaultPrivateDir is the per-directory metadata directory name.
const DefaultPrivateDir = ".dp"

// LoggerFactory hands out the logger used for one directory.
type LoggerFactory interface {
	For(dir, metaDir string) *slog.Logger
}

// Options are shared by every node of a tree.
type Options struct {
	// PrivateDir is the name of the metadata directory. Entries with this
	// name are never treated as content.
	PrivateDir string

	// Ignore holds exclusion patterns matched against paths relative to the
	// tree root.
	Ignore []string

	// ResolveMetadata maps a directory to the place its private metadata
	// lives. Defaults to <dir>/<PrivateDir>.
	ResolveMetadata func(dir string) string

	Algorithm hash.Algorithm
	Workers   int

	Logger   *slog.Logger
	Logs     LoggerFactory
	Progress walker.Progress
}

func (o Options) withDefaults() Options {
	if o.PrivateDir == "" {
		o.PrivateDir = DefaultPrivateDir
	}
	if o.ResolveMetadata == nil {
		private := o.PrivateDir
		o.ResolveMetadata = func(dir string) string {
			return filepath.Join(dir, private)
		}
	}
	if o.Algorithm == "" {
		o.Algorithm = hash.Default
	}
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

func (o *Options) loggerFor(dir, metaDir string) *slog.Logger {
	if o.Logs != nil {
		return o.Logs.For(dir, metaDir)
	}
	return o.Logger.With("dir", dir)
}

// Tree is one directory of a mirrored subtree.
type Tree struct {
	path      string
	relPath   string
	metaDir   string
	checkOnly bool

	store    *fingerprint.Store
	files    map[string]walker.FileInfo
	names    map[string]string // store key -> file name
	children []*Tree           // sorted by name

	opts   *Options
	logger *slog.Logger
}

// Open scans path recursively and loads every directory's fingerprint store.
// A checkOnly tree can only serve as a reference.
func Open(path string, checkOnly bool, opts Options) (*Tree, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	o := opts.withDefaults()
	return open(abs, "", checkOnly, &o)
}

func open(path, relPath string, checkOnly bool, opts *Options) (*Tree, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", fingerprint.ErrNotADirectory, path)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", fingerprint.ErrNotADirectory, path)
	}

	metaDir := opts.ResolveMetadata(path)
	if err := os.MkdirAll(metaDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create metadata directory: %v", fingerprint.ErrPersistence, err)
	}

	logger := opts.loggerFor(path, metaDir)
	store, err := fingerprint.OpenFile(path, filepath.Join(metaDir, fingerprint.FileNameFor(opts.Algorithm)), logger)
	if err != nil {
		return nil, err
	}

	listing, err := walker.List(path, relPath, opts.Ignore, opts.PrivateDir)
	if err != nil {
		return nil, err
	}
	for _, name := range listing.Skipped {
		logger.Debug("skipping non-regular file", "file", name)
	}

	t := &Tree{
		path:      path,
		relPath:   relPath,
		metaDir:   metaDir,
		checkOnly: checkOnly,
		store:     store,
		files:     listing.Files,
		names:     make(map[string]string, len(listing.Files)),
		opts:      opts,
		logger:    logger,
	}
	for _, name := range listing.Names() {
		key := fingerprint.Key(name)
		other, taken := t.names[key]
		if !taken {
			t.names[key] = name
			continue
		}
		// Names differing only in characters the store replaces share one
		// record, so only one of them can be tracked.
		keep, drop := other, name
		if name == key {
			keep, drop = name, other
		}
		logger.Warn("file names share a fingerprint key, ignoring one", "file", drop, "kept", keep, "key", key)
		delete(t.files, drop)
		t.names[key] = keep
	}

	for _, name := range listing.Dirs {
		child, err := open(filepath.Join(path, name), filepath.Join(relPath, name), checkOnly, opts)
		if err != nil {
			return nil, err
		}
		t.children = append(t.children, child)
	}

	logger.Debug("opened directory", "files", len(t.files), "subdirs", len(t.children), "records", store.Len())
	return t, nil
}

// Path is the absolute directory path.
func (t *Tree) Path() string { return t.path }

// MetadataDir is where this directory's private metadata lives.
func (t *Tree) MetadataDir() string { return t.metaDir }

// CheckOnly reports whether the tree was opened as a reference.
func (t *Tree) CheckOnly() bool { return t.checkOnly }

// SetProgress installs the hashing progress sink for the whole tree. The
// nodes of one tree share their options.
func (t *Tree) SetProgress(p walker.Progress) { t.opts.Progress = p }

// Close flushes every store in the subtree that still has pending changes.
func (t *Tree) Close() error {
	var errs []error
	for _, child := range t.children {
		if err := child.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.store.Flush(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CheckFile searches the subtree for a file with the candidate's content.
// The local store is consulted before the subdirectories, which are
// visited in name order.
func (t *Tree) CheckFile(candidate fingerprint.Fingerprint) (fingerprint.Fingerprint, bool, error) {
	orig, ok, err := t.store.CheckFile(candidate)
	if err != nil {
		return fingerprint.Fingerprint{}, false, err
	}
	if ok {
		if name, present := t.current(orig.Record); present {
			orig.Path = filepath.Join(t.path, name)
			return orig, true, nil
		}
		t.logger.Warn("ignoring outdated fingerprint", "file", orig.Name, "hash", orig.Hash)
	}

	for _, child := range t.children {
		orig, ok, err := child.CheckFile(candidate)
		if err != nil || ok {
			return orig, ok, err
		}
	}
	return fingerprint.Fingerprint{}, false, nil
}

// current maps a stored record back to a file that still exists with the
// fingerprinted size and modification time.
func (t *Tree) current(rec fingerprint.Record) (string, bool) {
	name, ok := t.names[rec.Name]
	if !ok {
		return "", false
	}
	info, ok := t.files[name]
	if !ok || t.stale(rec, true, info) {
		return "", false
	}
	return name, true
}

// stale reports whether rec cannot vouch for the listed file. A digest of
// the wrong length was written by another algorithm.
func (t *Tree) stale(rec fingerprint.Record, ok bool, info walker.FileInfo) bool {
	if fingerprint.NeedsRefingerprint(rec, ok, info.Size, info.ModTime) {
		return true
	}
	return len(rec.Hash) != t.opts.Algorithm.HexLen()
}

// fingerprintFor returns the current fingerprint of a local file.
func (t *Tree) fingerprintFor(name string) (fingerprint.Fingerprint, error) {
	path := filepath.Join(t.path, name)
	info, ok := t.files[name]
	if !ok {
		return fingerprint.Fingerprint{}, fmt.Errorf("%w: %s is not listed", fingerprint.ErrNotFingerprinted, path)
	}
	rec, ok := t.store.Lookup(name)
	if t.stale(rec, ok, info) {
		return fingerprint.Fingerprint{}, fmt.Errorf("%w: %s", fingerprint.ErrNotFingerprinted, path)
	}
	return fingerprint.Fingerprint{Record: rec, Path: path}, nil
}

// fileNames returns the local file names in sorted order.
func (t *Tree) fileNames() []string {
	return walker.SortedNames(t.files)
}

func (t *Tree) fileSet() map[string]struct{} {
	set := make(map[string]struct{}, len(t.files))
	for name := range t.files {
		set[name] = struct{}{}
	}
	return set
}

// Fingerprints lists the current fingerprint of every file in the subtree,
// local files first.
func (t *Tree) Fingerprints() ([]fingerprint.Fingerprint, error) {
	var out []fingerprint.Fingerprint
	if err := t.collect(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Tree) collect(out *[]fingerprint.Fingerprint) error {
	for _, name := range t.fileNames() {
		fp, err := t.fingerprintFor(name)
		if err != nil {
			return err
		}
		*out = append(*out, fp)
	}
	for _, child := range t.children {
		if err := child.collect(out); err != nil {
			return err
		}
	}
	return nil
}
