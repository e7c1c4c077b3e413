package compare

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"fpdedup/internal/manifest"
)

type ChangeType string

const (
	Added    ChangeType = "ADDED"
	Modified ChangeType = "MODIFIED"
	Deleted  ChangeType = "DELETED"
)

type Change struct {
	Type    ChangeType
	Path    string
	OldData *manifest.Entry
	NewData *manifest.Entry
}

type CompareResult struct {
	Added     []Change
	Modified  []Change
	Deleted   []Change
	OldRoot   string
	NewRoot   string
	RootMatch bool
}

func (r *CompareResult) HasChanges() bool {
	return len(r.Added) > 0 || len(r.Modified) > 0 || len(r.Deleted) > 0
}

// Compare diffs the files of two manifests. An entry is modified when its
// hash or size differs.
func Compare(oldManifest, newManifest *manifest.Manifest) *CompareResult {
	result := &CompareResult{
		Added:     make([]Change, 0),
		Modified:  make([]Change, 0),
		Deleted:   make([]Change, 0),
		OldRoot:   oldManifest.RootHash,
		NewRoot:   newManifest.RootHash,
		RootMatch: oldManifest.RootHash == newManifest.RootHash,
	}

	oldFiles := oldManifest.Index()
	newFiles := newManifest.Index()

	for path, newData := range newFiles {
		if oldData, exists := oldFiles[path]; exists {
			if oldData.Hash != newData.Hash || oldData.Size != newData.Size {
				result.Modified = append(result.Modified, Change{
					Type:    Modified,
					Path:    path,
					OldData: &oldData,
					NewData: &newData,
				})
			}
		} else {
			result.Added = append(result.Added, Change{
				Type:    Added,
				Path:    path,
				NewData: &newData,
			})
		}
	}

	for path, oldData := range oldFiles {
		if _, exists := newFiles[path]; !exists {
			result.Deleted = append(result.Deleted, Change{
				Type:    Deleted,
				Path:    path,
				OldData: &oldData,
			})
		}
	}

	for _, changes := range [][]Change{result.Added, result.Modified, result.Deleted} {
		sort.Slice(changes, func(i, j int) bool {
			return changes[i].Path < changes[j].Path
		})
	}

	return result
}

func modified(seconds float64) string {
	return time.Unix(int64(seconds), 0).UTC().Format("2006-01-02")
}

func FormatReport(result *CompareResult) string {
	if !result.HasChanges() {
		if !result.RootMatch {
			return fmt.Sprintf("No file changes, but root hash differs: %s vs %s\n", result.OldRoot, result.NewRoot)
		}
		return "No changes detected.\n"
	}

	var b strings.Builder
	b.WriteString("Changes detected:\n\n")

	if len(result.Added) > 0 {
		fmt.Fprintf(&b, "ADDED (%d files):\n", len(result.Added))
		for _, change := range result.Added {
			fmt.Fprintf(&b, "  + %s (hash: %s, size: %s)\n",
				change.Path, change.NewData.Hash, humanize.IBytes(change.NewData.Size))
		}
		b.WriteString("\n")
	}

	if len(result.Modified) > 0 {
		fmt.Fprintf(&b, "MODIFIED (%d files):\n", len(result.Modified))
		for _, change := range result.Modified {
			fmt.Fprintf(&b, "  ~ %s\n", change.Path)
			fmt.Fprintf(&b, "    Old: hash=%s, size=%s, modified=%s\n",
				change.OldData.Hash, humanize.IBytes(change.OldData.Size), modified(change.OldData.ModTime))
			fmt.Fprintf(&b, "    New: hash=%s, size=%s, modified=%s\n",
				change.NewData.Hash, humanize.IBytes(change.NewData.Size), modified(change.NewData.ModTime))
		}
		b.WriteString("\n")
	}

	if len(result.Deleted) > 0 {
		fmt.Fprintf(&b, "DELETED (%d files):\n", len(result.Deleted))
		for _, change := range result.Deleted {
			fmt.Fprintf(&b, "  - %s (hash: %s, size: %s)\n",
				change.Path, change.OldData.Hash, humanize.IBytes(change.OldData.Size))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Summary: %d added, %d modified, %d deleted\n",
		len(result.Added), len(result.Modified), len(result.Deleted))

	return b.String()
}
