package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"fpdedup/internal/compare"
	"fpdedup/internal/dirtree"
	"fpdedup/internal/fingerprint"
	"fpdedup/internal/manifest"
	"fpdedup/internal/report"
)

var errVerify = errors.New("directory does not match manifest")

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <dir>",
	Short: "Create or refresh the fingerprints of a directory tree",
	Long: `Fingerprint hashes every file whose size or modification time changed since
it was last fingerprinted and drops the records of deleted files. Unchanged
files are not read.`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: runFingerprint,
}

var dupsCmd = &cobra.Command{
	Use:   "dups <candidate> <reference>",
	Short: "Find files of the candidate tree that already exist in the reference tree",
	Long: `Dups fingerprints the candidate tree and looks every file up in the reference
tree. With --remove each duplicate is moved to <private>/dups/ and a symlink
to the original is left in <private>/dups/origs/.

The reference tree is never modified. Fingerprint it first.`,
	Args: usageArgs(cobra.ExactArgs(2)),
	RunE: runDups,
}

var auditCmd = &cobra.Command{
	Use:   "audit <dir>",
	Short: "List groups of identical files inside one tree",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE:  runAudit,
}

var copyUniquesCmd = &cobra.Command{
	Use:   "copy-uniques <candidate> <reference> <dest>",
	Short: "Copy candidate files missing from the reference into dest",
	Long: `Copy-uniques copies every candidate file that has no duplicate in the
reference tree to the same relative location under dest and registers its
fingerprint there. Existing destination files are never overwritten.`,
	Args: usageArgs(cobra.ExactArgs(3)),
	RunE: runCopyUniques,
}

var manifestCmd = &cobra.Command{
	Use:   "manifest <dir> [output.json]",
	Short: "Write a JSON manifest with a Merkle root of a fingerprinted tree",
	Args:  usageArgs(cobra.RangeArgs(1, 2)),
	RunE:  runManifest,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <manifest.json> <dir>",
	Short: "Compare a directory tree against a saved manifest",
	Args:  usageArgs(cobra.ExactArgs(2)),
	RunE:  runVerify,
}

func dryRunBanner(s *session) {
	if dryRun {
		fmt.Fprintln(s.out, color.YellowString("DRY RUN MODE - nothing will be changed"))
	}
}

func runFingerprint(cmd *cobra.Command, args []string) (err error) {
	s, err := newSession(cmd, "fingerprint")
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := s.open(args[0], false)
	if err != nil {
		return err
	}
	defer closeTree(t, &err)

	dryRunBanner(s)
	stats, err := s.fingerprint(t)
	if err != nil {
		return err
	}
	fmt.Fprint(s.out, report.FormatFingerprint(stats, dryRun))

	if len(stats.Failed) > 0 {
		return fmt.Errorf("%d files could not be fingerprinted", len(stats.Failed))
	}
	fmt.Fprintf(s.out, "%s %s\n", color.GreenString("✓"), t.Path())
	return nil
}

func runDups(cmd *cobra.Command, args []string) (err error) {
	s, err := newSession(cmd, "dups")
	if err != nil {
		return err
	}
	defer s.Close()

	candidate, err := s.open(args[0], false)
	if err != nil {
		return err
	}
	defer closeTree(candidate, &err)

	ref, err := s.open(args[1], true)
	if err != nil {
		return err
	}
	defer closeTree(ref, &err)

	dryRunBanner(s)
	if _, err := s.fingerprint(candidate); err != nil {
		return err
	}
	s.warnIfStale(ref)

	compareOnly := !removeDups || dryRun
	result, err := candidate.RemoveDups(ref, compareOnly)
	if err != nil {
		return err
	}
	fmt.Fprint(s.out, report.FormatDups(result, compareOnly))

	if len(result.Failed) > 0 {
		return fmt.Errorf("%d duplicates could not be removed", len(result.Failed))
	}
	return nil
}

func runAudit(cmd *cobra.Command, args []string) (err error) {
	s, err := newSession(cmd, "audit")
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := s.open(args[0], false)
	if err != nil {
		return err
	}
	defer closeTree(t, &err)

	dryRunBanner(s)
	if _, err := s.fingerprint(t); err != nil {
		return err
	}

	groups, err := t.CheckForInternalDups()
	if err != nil {
		return err
	}
	fmt.Fprint(s.out, report.FormatGroups(groups))
	return nil
}

func runCopyUniques(cmd *cobra.Command, args []string) (err error) {
	if dryRun {
		return fmt.Errorf("%w: copy-uniques does not support --dry-run", fingerprint.ErrUsage)
	}

	s, err := newSession(cmd, "copy")
	if err != nil {
		return err
	}
	defer s.Close()

	trees := make([]*dirtree.Tree, 3)
	for i, checkOnly := range []bool{false, true, false} {
		if trees[i], err = s.open(args[i], checkOnly); err != nil {
			return err
		}
		defer closeTree(trees[i], &err)
	}
	candidate, ref, dest := trees[0], trees[1], trees[2]

	if _, err := s.fingerprint(candidate); err != nil {
		return err
	}
	s.warnIfStale(ref)

	result, err := candidate.CopyUniques(ref, dest)
	if err != nil {
		return err
	}
	fmt.Fprint(s.out, report.FormatCopy(result))
	return nil
}

func runManifest(cmd *cobra.Command, args []string) (err error) {
	s, err := newSession(cmd, "manifest")
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := s.open(args[0], false)
	if err != nil {
		return err
	}
	defer closeTree(t, &err)

	dryRunBanner(s)
	m, err := s.build(t)
	if err != nil {
		return err
	}

	output := filepath.Base(t.Path()) + ".manifest.json"
	if len(args) == 2 {
		output = args[1]
	}

	fmt.Fprintf(s.out, "Root hash: %s (%d files, %s)\n", m.RootHash, len(m.Files), m.Size)
	if dryRun {
		fmt.Fprintf(s.out, "Would write %s\n", output)
		return nil
	}
	if err := manifest.Save(m, output); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s Manifest written to %s\n", color.GreenString("✓"), output)
	return nil
}

func runVerify(cmd *cobra.Command, args []string) (err error) {
	s, err := newSession(cmd, "verify")
	if err != nil {
		return err
	}
	defer s.Close()

	saved, err := manifest.Load(args[0])
	if err != nil {
		return err
	}
	if saved.Algorithm != s.alg {
		return fmt.Errorf("%w: manifest uses %s hashes, run with --hash %s", fingerprint.ErrUsage, saved.Algorithm, saved.Algorithm)
	}

	t, err := s.open(args[1], false)
	if err != nil {
		return err
	}
	defer closeTree(t, &err)

	dryRunBanner(s)
	current, err := s.build(t)
	if err != nil {
		return err
	}

	result := compare.Compare(saved, current)
	fmt.Fprint(s.out, compare.FormatReport(result))
	if result.HasChanges() || !result.RootMatch {
		return errVerify
	}
	fmt.Fprintf(s.out, "%s Root hash %s matches\n", color.GreenString("✓"), current.RootHash)
	return nil
}

// build fingerprints t and returns its manifest.
func (s *session) build(t *dirtree.Tree) (*manifest.Manifest, error) {
	stats, err := s.fingerprint(t)
	if err != nil {
		return nil, err
	}
	if len(stats.Failed) > 0 {
		return nil, fmt.Errorf("%d files could not be fingerprinted", len(stats.Failed))
	}

	fps, err := t.Fingerprints()
	if err != nil {
		return nil, err
	}
	return manifest.Build(t.Path(), s.alg, fps)
}
