package dirtree

import (
	"fmt"
	"path/filepath"

	"fpdedup/internal/fingerprint"
	"fpdedup/internal/walker"
)

// FingerprintStats summarises a FingerPrint pass.
type FingerprintStats struct {
	Hashed    int // files hashed and stored
	Stale     int // files that needed hashing (dry run only)
	Unchanged int
	Deleted   int // records dropped, or that would be dropped in a dry run
	Failed    []error
}

// FingerPrint brings every store in the subtree up to date. Subdirectories
// are processed before the directory's own files. A dry run only reports
// what would change.
func (t *Tree) FingerPrint(dryRun bool) (*FingerprintStats, error) {
	stats := &FingerprintStats{}
	err := t.fingerPrint(dryRun, stats)
	return stats, err
}

func (t *Tree) fingerPrint(dryRun bool, stats *FingerprintStats) error {
	if t.checkOnly {
		return fmt.Errorf("%w: cannot fingerprint %s", fingerprint.ErrCheckOnly, t.path)
	}

	for _, child := range t.children {
		if err := child.fingerPrint(dryRun, stats); err != nil {
			return err
		}
	}

	stale := t.staleFiles()
	stats.Unchanged += len(t.files) - len(stale)

	if dryRun {
		for _, name := range stale {
			t.logger.Info("would fingerprint", "file", name)
		}
		stats.Stale += len(stale)
	} else if len(stale) > 0 {
		paths := make([]string, len(stale))
		for i, name := range stale {
			paths[i] = filepath.Join(t.path, name)
		}

		result := walker.HashFiles(paths, t.opts.Algorithm, t.opts.Workers, t.opts.Progress)
		for _, err := range result.Errors {
			t.logger.Warn("failed to fingerprint", "error", err)
			stats.Failed = append(stats.Failed, err)
		}

		// Hashing is done; store mutations stay on this goroutine
		for i, name := range stale {
			sum, ok := result.Hashes[paths[i]]
			if !ok {
				continue
			}
			info := t.files[name]
			t.store.Add(name, sum, fingerprint.Seconds(info.ModTime), uint64(info.Size))
			t.logger.Debug("fingerprinted", "file", name, "hash", sum, "size", info.Size)
			stats.Hashed++
		}
	}

	current := t.fileSet()
	missing := t.store.Missing(current)
	if dryRun {
		for _, name := range missing {
			t.logger.Info("would drop fingerprint of deleted file", "file", name)
		}
		stats.Deleted += len(missing)

		if t.store.Dirty() {
			panic(fmt.Sprintf("dirtree: dry run modified fingerprint store %s", t.store.Path()))
		}
		return nil
	}

	if t.store.ReconcileDeletions(current) {
		stats.Deleted += len(missing)
	}
	return t.store.Flush()
}

// staleFiles lists, sorted, the local files whose fingerprint is missing or
// outdated.
func (t *Tree) staleFiles() []string {
	var stale []string
	for _, name := range t.fileNames() {
		info := t.files[name]
		rec, ok := t.store.Lookup(name)
		if t.stale(rec, ok, info) {
			stale = append(stale, name)
		}
	}
	return stale
}

// StaleCount is the number of files in the subtree that need hashing.
func (t *Tree) StaleCount() int {
	n := len(t.staleFiles())
	for _, child := range t.children {
		n += child.StaleCount()
	}
	return n
}
