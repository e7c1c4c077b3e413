package dirtree

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"fpdedup/internal/fingerprint"
)

const (
	quarantineDir = "dups"
	originsDir    = "origs"
)

// DupInfo pairs a candidate file with the reference file it duplicates.
type DupInfo struct {
	Name      string
	Candidate fingerprint.Fingerprint
	Original  fingerprint.Fingerprint
}

// RemoveResult collects the outcome of RemoveDups over a whole subtree.
type RemoveResult struct {
	Dups    []DupInfo
	Removed []DupInfo
	Failed  []error
}

// RemoveDups finds every file of t that also exists in ref. Unless
// compareOnly is set each duplicate is moved to <meta>/dups/<name> and a
// symlink <meta>/dups/origs/<name> to the original is left beside it.
// A file that cannot be moved is reported in Failed and processing goes on.
func (t *Tree) RemoveDups(ref *Tree, compareOnly bool) (*RemoveResult, error) {
	if !compareOnly && t.checkOnly {
		return nil, fmt.Errorf("%w: cannot remove duplicates from %s", fingerprint.ErrCheckOnly, t.path)
	}
	result := &RemoveResult{}
	err := t.removeDups(ref, compareOnly, result)
	return result, err
}

func (t *Tree) removeDups(ref *Tree, compareOnly bool, result *RemoveResult) error {
	for _, child := range t.children {
		if err := child.removeDups(ref, compareOnly, result); err != nil {
			return err
		}
	}

	var dups []DupInfo
	for _, name := range t.fileNames() {
		t.logger.Debug("checking for duplicate", "file", name, "reference", ref.path)
		fp, err := t.fingerprintFor(name)
		if err != nil {
			return err
		}
		orig, ok, err := ref.CheckFile(fp)
		if err != nil {
			return err
		}
		if !ok || orig.Path == fp.Path {
			continue
		}
		dups = append(dups, DupInfo{Name: name, Candidate: fp, Original: orig})
	}

	if len(dups) == 0 {
		t.logger.Debug("no dups found")
		return nil
	}

	for _, d := range dups {
		t.logger.Info("duplicate found", "file", d.Candidate.Path, "original", d.Original.Path)
	}
	result.Dups = append(result.Dups, dups...)
	if compareOnly {
		return nil
	}

	for _, d := range dups {
		if err := t.quarantine(d); err != nil {
			t.logger.Warn("failed to remove duplicate", "file", d.Candidate.Path, "error", err)
			result.Failed = append(result.Failed, err)
			continue
		}
		t.store.Delete(d.Name)
		delete(t.files, d.Name)
		delete(t.names, fingerprint.Key(d.Name))
		result.Removed = append(result.Removed, d)
	}

	return t.store.Flush()
}

// quarantine moves one duplicate out of the way and links it to its original.
// On failure the file is left at, or put back to, its original location.
func (t *Tree) quarantine(d DupInfo) error {
	dupsDir := filepath.Join(t.metaDir, quarantineDir)
	origs := filepath.Join(dupsDir, originsDir)
	if err := os.MkdirAll(origs, 0755); err != nil {
		return fmt.Errorf("failed to create quarantine for %s: %w", d.Candidate.Path, err)
	}

	moved := filepath.Join(dupsDir, d.Name)
	link := filepath.Join(origs, d.Name)

	if _, err := os.Lstat(moved); err == nil {
		return fmt.Errorf("quarantine of %s: %s already exists", d.Candidate.Path, moved)
	}
	if err := moveFile(d.Candidate.Path, moved); err != nil {
		return fmt.Errorf("failed to move %s: %w", d.Candidate.Path, err)
	}

	if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return t.restore(d, moved, fmt.Errorf("failed to replace link %s: %w", link, err))
	}
	if err := os.Symlink(d.Original.Path, link); err != nil {
		return t.restore(d, moved, fmt.Errorf("failed to link %s: %w", link, err))
	}

	t.logger.Info("removed duplicate", "file", d.Candidate.Path, "quarantine", moved, "original", d.Original.Path)
	return nil
}

func (t *Tree) restore(d DupInfo, moved string, cause error) error {
	if err := moveFile(moved, d.Candidate.Path); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to restore %s from %s: %w", d.Candidate.Path, moved, err))
	}
	return cause
}

// moveFile renames src to dst, copying across file systems when the
// metadata directory lives on another device.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

// DupGroup is a set of files in one tree sharing a content hash.
type DupGroup struct {
	Hash  string
	Size  uint64
	Paths []string
}

// CheckForInternalDups groups the files of the subtree by content. Every
// file must have a current fingerprint.
func (t *Tree) CheckForInternalDups() ([]DupGroup, error) {
	fps, err := t.Fingerprints()
	if err != nil {
		return nil, err
	}

	byHash := make(map[string]*DupGroup)
	for _, fp := range fps {
		g, ok := byHash[fp.Hash]
		if !ok {
			g = &DupGroup{Hash: fp.Hash, Size: fp.Size}
			byHash[fp.Hash] = g
		} else if g.Size != fp.Size {
			return nil, fmt.Errorf("%w: %s (%d bytes) and %s (%d bytes) share hash %s",
				fingerprint.ErrIntegrity, fp.Path, fp.Size, g.Paths[0], g.Size, fp.Hash)
		}
		g.Paths = append(g.Paths, fp.Path)
	}

	var groups []DupGroup
	for _, g := range byHash {
		if len(g.Paths) < 2 {
			continue
		}
		sort.Strings(g.Paths)
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Hash < groups[j].Hash })

	for _, g := range groups {
		t.logger.Info("internal duplicates", "hash", g.Hash, "count", len(g.Paths))
	}
	return groups, nil
}
