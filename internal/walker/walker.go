package walker

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"fpdedup/internal/hash"
)

type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Listing is a one-level snapshot of a directory.
type Listing struct {
	Files   map[string]FileInfo
	Dirs    []string // sorted
	Skipped []string // sorted, non-regular entries such as symlinks
}

// List reads dir once. relDir is dir relative to the root of the walk and is
// what exclusion patterns are matched against. Entries named skip are
// ignored entirely.
func List(dir, relDir string, exclusions []string, skip string) (*Listing, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	result := &Listing{
		Files: make(map[string]FileInfo),
	}

	for _, d := range entries {
		name := d.Name()
		if name == skip {
			continue
		}

		relPath := name
		if relDir != "" && relDir != "." {
			relPath = filepath.Join(relDir, name)
		}
		if shouldExclude(relPath, d, exclusions) {
			continue
		}

		switch {
		case d.IsDir():
			result.Dirs = append(result.Dirs, name)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return nil, fmt.Errorf("failed to stat %s: %w", filepath.Join(dir, name), err)
			}
			result.Files[name] = FileInfo{
				Name:    name,
				Size:    info.Size(),
				ModTime: info.ModTime(),
			}
		default:
			result.Skipped = append(result.Skipped, name)
		}
	}

	sort.Strings(result.Dirs)
	sort.Strings(result.Skipped)
	return result, nil
}

// Names returns the sorted file names of a listing.
func (l *Listing) Names() []string {
	return SortedNames(l.Files)
}

// SortedNames returns the keys of files in sorted order.
func SortedNames(files map[string]FileInfo) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func shouldExclude(relPath string, d fs.DirEntry, exclusions []string) bool {
	for _, pattern := range exclusions {
		// Handle directory exclusions (patterns ending with /)
		if strings.HasSuffix(pattern, "/") {
			if !d.IsDir() {
				continue
			}
			dirPattern := strings.TrimSuffix(pattern, "/")
			if matched, _ := filepath.Match(dirPattern, d.Name()); matched || d.Name() == dirPattern {
				return true
			}
			if strings.Contains(dirPattern, "/") {
				if matched, _ := filepath.Match(dirPattern, filepath.ToSlash(relPath)); matched {
					return true
				}
			}
		} else {
			matched, err := filepath.Match(pattern, d.Name())
			if err == nil && matched {
				return true
			}
			// Also try matching against the full relative path for patterns with /
			if strings.Contains(pattern, "/") {
				matched, err := filepath.Match(pattern, filepath.ToSlash(relPath))
				if err == nil && matched {
					return true
				}
			}
		}
	}
	return false
}

// Progress receives one Increment per hashed file. Increment is called from
// the hashing goroutines and must be safe for concurrent use.
type Progress interface {
	SetDirectory(dir string)
	Increment()
}

type HashResult struct {
	Hashes map[string]string // path -> hash
	Errors []error
}

// HashFiles hashes paths with at most numWorkers files open at a time. A file
// that cannot be read is reported in Errors and left out of Hashes.
func HashFiles(paths []string, alg hash.Algorithm, numWorkers int, progressBar Progress) *HashResult {
	if numWorkers <= 0 {
		numWorkers = 1
	}

	result := &HashResult{
		Hashes: make(map[string]string, len(paths)),
		Errors: make([]error, 0),
	}

	if len(paths) == 0 {
		return result
	}

	// Each worker writes only its own slot
	hashes := make([]string, len(paths))
	errs := make([]error, len(paths))

	if progressBar != nil {
		progressBar.SetDirectory(filepath.Dir(paths[0]))
	}

	var g errgroup.Group
	g.SetLimit(numWorkers)
	for i, path := range paths {
		g.Go(func() error {
			hashes[i], errs[i] = hash.HashFile(path, alg)
			if errs[i] == nil && progressBar != nil {
				progressBar.Increment()
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, path := range paths {
		if errs[i] != nil {
			result.Errors = append(result.Errors, fmt.Errorf("%s: %w", path, errs[i]))
			continue
		}
		result.Hashes[path] = hashes[i]
	}

	return result
}
