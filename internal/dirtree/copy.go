package dirtree

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"fpdedup/internal/fingerprint"
	"fpdedup/internal/hash"
	"fpdedup/internal/walker"
)

// CopyResult collects the outcome of CopyUniques.
type CopyResult struct {
	Copied   []fingerprint.Fingerprint // fingerprints registered in the destination
	Skipped  []DupInfo                 // files already present in the reference
	Existing []string                  // destination paths left untouched
}

// CopyUniques copies every file of t that has no duplicate in ref into the
// mirrored location under dest and fingerprints the copy in dest's store.
func (t *Tree) CopyUniques(ref, dest *Tree) (*CopyResult, error) {
	if dest.checkOnly {
		return nil, fmt.Errorf("%w: cannot copy into %s", fingerprint.ErrCheckOnly, dest.path)
	}
	result := &CopyResult{}
	err := t.copyUniques(ref, dest, result)
	return result, err
}

func (t *Tree) copyUniques(ref, dest *Tree, result *CopyResult) error {
	for _, child := range t.children {
		destChild, err := dest.ensureChild(filepath.Base(child.path))
		if err != nil {
			return err
		}
		if err := child.copyUniques(ref, destChild, result); err != nil {
			return err
		}
	}

	for _, name := range t.fileNames() {
		fp, err := t.fingerprintFor(name)
		if err != nil {
			return err
		}
		orig, ok, err := ref.CheckFile(fp)
		if err != nil {
			return err
		}
		if ok {
			t.logger.Debug("skipping duplicate", "file", fp.Path, "original", orig.Path)
			result.Skipped = append(result.Skipped, DupInfo{Name: name, Candidate: fp, Original: orig})
			continue
		}

		target := filepath.Join(dest.path, name)
		if _, exists := dest.names[fingerprint.Key(name)]; exists {
			dest.logger.Warn("destination file exists, not overwriting", "file", target)
			result.Existing = append(result.Existing, target)
			continue
		}
		if _, err := os.Lstat(target); err == nil {
			dest.logger.Warn("destination path exists, not overwriting", "file", target)
			result.Existing = append(result.Existing, target)
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to stat %s: %w", target, err)
		}

		copied, err := dest.copyIn(fp, name)
		if err != nil {
			return err
		}
		if copied.Hash != fp.Hash {
			t.logger.Warn("file changed since it was fingerprinted", "file", fp.Path)
		}
		result.Copied = append(result.Copied, copied)
	}

	return dest.store.Flush()
}

// ensureChild returns the node for subdirectory name, creating the directory
// if needed.
func (t *Tree) ensureChild(name string) (*Tree, error) {
	for _, child := range t.children {
		if filepath.Base(child.path) == name {
			return child, nil
		}
	}

	path := filepath.Join(t.path, name)
	if err := os.Mkdir(path, 0755); err != nil && !errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	child, err := open(path, filepath.Join(t.relPath, name), t.checkOnly, t.opts)
	if err != nil {
		return nil, err
	}

	t.children = append(t.children, child)
	sort.Slice(t.children, func(i, j int) bool { return t.children[i].path < t.children[j].path })
	return child, nil
}

// copyIn streams src into this directory as name and records the new file.
func (t *Tree) copyIn(src fingerprint.Fingerprint, name string) (fingerprint.Fingerprint, error) {
	in, err := os.Open(src.Path)
	if err != nil {
		return fingerprint.Fingerprint{}, fmt.Errorf("failed to open %s: %w", src.Path, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fingerprint.Fingerprint{}, fmt.Errorf("failed to stat %s: %w", src.Path, err)
	}

	target := filepath.Join(t.path, name)
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return fingerprint.Fingerprint{}, fmt.Errorf("failed to create %s: %w", target, err)
	}

	sum, n, err := hash.Copy(out, in, t.opts.Algorithm)
	if err != nil {
		out.Close()
		os.Remove(target)
		return fingerprint.Fingerprint{}, fmt.Errorf("failed to copy %s: %w", src.Path, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(target)
		return fingerprint.Fingerprint{}, fmt.Errorf("failed to close %s: %w", target, err)
	}

	st, err := os.Stat(target)
	if err != nil {
		return fingerprint.Fingerprint{}, fmt.Errorf("failed to stat %s: %w", target, err)
	}

	t.store.Add(name, sum, fingerprint.Seconds(st.ModTime()), uint64(n))
	t.files[name] = walker.FileInfo{Name: name, Size: st.Size(), ModTime: st.ModTime()}
	t.names[fingerprint.Key(name)] = name
	t.logger.Info("copied unique file", "file", target, "source", src.Path, "hash", sum)

	rec, _ := t.store.Lookup(name)
	return fingerprint.Fingerprint{Record: rec, Path: target}, nil
}
