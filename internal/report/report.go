// Package report renders the results of fingerprint and dedup operations
// for the terminal.
package report

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"fpdedup/internal/dirtree"
)

func FormatFingerprint(stats *dirtree.FingerprintStats, dryRun bool) string {
	var b strings.Builder
	if dryRun {
		fmt.Fprintf(&b, "Dry run: %d files would be fingerprinted, %d records would be dropped, %d unchanged\n",
			stats.Stale, stats.Deleted, stats.Unchanged)
	} else {
		fmt.Fprintf(&b, "Fingerprinted %d files, dropped %d records, %d unchanged\n",
			stats.Hashed, stats.Deleted, stats.Unchanged)
	}
	if len(stats.Failed) > 0 {
		fmt.Fprintf(&b, "\nSkipped %d files due to errors:\n", len(stats.Failed))
		for _, err := range stats.Failed {
			fmt.Fprintf(&b, "  ! %v\n", err)
		}
	}
	return b.String()
}

func FormatDups(result *dirtree.RemoveResult, compareOnly bool) string {
	if len(result.Dups) == 0 {
		return "No duplicates found.\n"
	}

	var b strings.Builder
	var total uint64
	fmt.Fprintf(&b, "DUPLICATES (%d files):\n", len(result.Dups))
	for _, d := range result.Dups {
		total += d.Candidate.Size
		fmt.Fprintf(&b, "  = %s\n    original: %s (%s)\n",
			d.Candidate.Path, d.Original.Path, humanize.IBytes(d.Candidate.Size))
	}
	b.WriteString("\n")

	if compareOnly {
		fmt.Fprintf(&b, "Summary: %d duplicates, %s reclaimable\n", len(result.Dups), humanize.IBytes(total))
		return b.String()
	}

	var freed uint64
	for _, d := range result.Removed {
		freed += d.Candidate.Size
	}
	if len(result.Failed) > 0 {
		fmt.Fprintf(&b, "FAILED (%d files):\n", len(result.Failed))
		for _, err := range result.Failed {
			fmt.Fprintf(&b, "  ! %v\n", err)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Summary: %d duplicates, %d moved to quarantine (%s), %d failed\n",
		len(result.Dups), len(result.Removed), humanize.IBytes(freed), len(result.Failed))
	return b.String()
}

func FormatGroups(groups []dirtree.DupGroup) string {
	if len(groups) == 0 {
		return "No internal duplicates found.\n"
	}

	var b strings.Builder
	var wasted uint64
	fmt.Fprintf(&b, "INTERNAL DUPLICATES (%d groups):\n", len(groups))
	for _, g := range groups {
		wasted += g.Size * uint64(len(g.Paths)-1)
		fmt.Fprintf(&b, "  %s (%s x %d)\n", g.Hash, humanize.IBytes(g.Size), len(g.Paths))
		for _, p := range g.Paths {
			fmt.Fprintf(&b, "    %s\n", p)
		}
	}
	fmt.Fprintf(&b, "\nSummary: %d groups, %s in redundant copies\n", len(groups), humanize.IBytes(wasted))
	return b.String()
}

func FormatCopy(result *dirtree.CopyResult) string {
	var b strings.Builder
	var copied uint64
	if len(result.Copied) > 0 {
		fmt.Fprintf(&b, "COPIED (%d files):\n", len(result.Copied))
		for _, fp := range result.Copied {
			copied += fp.Size
			fmt.Fprintf(&b, "  + %s (%s)\n", fp.Path, humanize.IBytes(fp.Size))
		}
		b.WriteString("\n")
	}
	if len(result.Existing) > 0 {
		fmt.Fprintf(&b, "NOT OVERWRITTEN (%d files):\n", len(result.Existing))
		for _, p := range result.Existing {
			fmt.Fprintf(&b, "  ~ %s\n", p)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Summary: %d copied (%s), %d duplicates skipped, %d existing\n",
		len(result.Copied), humanize.IBytes(copied), len(result.Skipped), len(result.Existing))
	return b.String()
}
