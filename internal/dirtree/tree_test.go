package dirtree

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fpdedup/internal/fingerprint"
	"fpdedup/internal/hash"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func md5Of(t *testing.T, path string) string {
	t.Helper()
	sum, err := hash.HashFile(path, hash.MD5)
	require.NoError(t, err)
	return sum
}

func openTree(t *testing.T, path string, checkOnly bool) *Tree {
	t.Helper()
	tree, err := Open(path, checkOnly, Options{Workers: 2})
	require.NoError(t, err)
	return tree
}

// fingerprinted opens, fingerprints and closes path, then reopens it.
func fingerprinted(t *testing.T, path string, checkOnly bool) *Tree {
	t.Helper()
	tree := openTree(t, path, false)
	_, err := tree.FingerPrint(false)
	require.NoError(t, err)
	require.NoError(t, tree.Close())
	return openTree(t, path, checkOnly)
}

func storeLines(t *testing.T, metaDir string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(metaDir, fingerprint.FileName))
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestOpen_NotADirectory(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"file.txt": "x"})

	_, err := Open(filepath.Join(root, "file.txt"), false, Options{})
	assert.ErrorIs(t, err, fingerprint.ErrNotADirectory)

	_, err = Open(filepath.Join(root, "missing"), false, Options{})
	assert.ErrorIs(t, err, fingerprint.ErrNotADirectory)
}

func TestOpen_CreatesMetadataAndSkipsIt(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.txt":         "a",
		"sub/b.txt":     "b",
		".git/HEAD":     "ref",
		"sub/skip.tmp":  "tmp",
		".dp/stray.txt": "not content",
	})

	tree, err := Open(root, false, Options{Ignore: []string{".git/", "*.tmp"}})
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(root, DefaultPrivateDir))
	assert.DirExists(t, filepath.Join(root, "sub", DefaultPrivateDir))
	require.Len(t, tree.children, 1)
	assert.Equal(t, "sub", filepath.Base(tree.children[0].path))
	assert.Equal(t, []string{"a.txt"}, tree.fileNames())
	assert.Equal(t, []string{"b.txt"}, tree.children[0].fileNames())
}

func TestFingerPrint_Fresh(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "0123456789"})

	tree := openTree(t, root, false)
	stats, err := tree.FingerPrint(false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Hashed)
	assert.False(t, tree.store.Dirty())

	rec, ok := tree.store.Lookup("a.txt")
	require.True(t, ok)
	assert.Equal(t, md5Of(t, filepath.Join(root, "a.txt")), rec.Hash)
	assert.Equal(t, uint64(10), rec.Size)

	lines := storeLines(t, tree.MetadataDir())
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "a.txt,"+rec.Hash+","))
	assert.True(t, strings.HasSuffix(lines[0], ",10"))
}

func TestFingerPrint_Idempotent(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.txt":         "alpha",
		"sub/b.txt":     "beta",
		"sub/deep/c.md": "gamma",
	})

	tree := openTree(t, root, false)
	stats, err := tree.FingerPrint(false)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Hashed)
	require.NoError(t, tree.Close())

	storeFile := filepath.Join(root, "sub", "deep", DefaultPrivateDir, fingerprint.FileName)
	before, err := os.ReadFile(storeFile)
	require.NoError(t, err)

	again := openTree(t, root, false)
	assert.Equal(t, 0, again.StaleCount())
	stats, err = again.FingerPrint(false)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Hashed)
	assert.Equal(t, 3, stats.Unchanged)
	require.NoError(t, again.Close())

	after, err := os.ReadFile(storeFile)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFingerPrint_DeletionSync(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "aaa", "b.txt": "bbb"})
	fingerprinted(t, root, false)

	bHash := md5Of(t, filepath.Join(root, "b.txt"))
	require.NoError(t, os.Remove(filepath.Join(root, "b.txt")))

	tree := openTree(t, root, false)
	stats, err := tree.FingerPrint(false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)

	_, ok := tree.store.Lookup("b.txt")
	assert.False(t, ok)
	_, ok, err = tree.store.CheckFile(fingerprint.Fingerprint{Record: fingerprint.Record{Hash: bHash, Size: 3}})
	require.NoError(t, err)
	assert.False(t, ok, "hash index must not reference the deleted file")
	assert.Len(t, storeLines(t, tree.MetadataDir()), 1)
}

func TestFingerPrint_Staleness(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	writeTree(t, root, map[string]string{"a.txt": "first"})
	base := time.Unix(1700000000, 0)
	require.NoError(t, os.Chtimes(path, base, base))
	fingerprinted(t, root, false)

	// Same size, sub-second change: trusted
	require.NoError(t, os.WriteFile(path, []byte("FIRST"), 0644))
	require.NoError(t, os.Chtimes(path, base, base.Add(600*time.Millisecond)))
	tree := openTree(t, root, false)
	assert.Equal(t, 0, tree.StaleCount())

	// Next whole second: re-hashed
	require.NoError(t, os.Chtimes(path, base, base.Add(time.Second)))
	tree = openTree(t, root, false)
	assert.Equal(t, 1, tree.StaleCount())
	stats, err := tree.FingerPrint(false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Hashed)
	rec, _ := tree.store.Lookup("a.txt")
	assert.Equal(t, md5Of(t, path), rec.Hash)

	// Size change with an unchanged time: re-hashed
	require.NoError(t, os.WriteFile(path, []byte("longer content"), 0644))
	require.NoError(t, os.Chtimes(path, base, base.Add(time.Second)))
	tree = openTree(t, root, false)
	assert.Equal(t, 1, tree.StaleCount())
}

func TestFingerPrint_DryRun(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "a", "sub/b.txt": "b"})

	tree := openTree(t, root, false)
	stats, err := tree.FingerPrint(true)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Stale)
	assert.Equal(t, 0, stats.Hashed)
	require.NoError(t, tree.Close())

	assert.NoFileExists(t, filepath.Join(root, DefaultPrivateDir, fingerprint.FileName))
	assert.NoFileExists(t, filepath.Join(root, "sub", DefaultPrivateDir, fingerprint.FileName))
}

func TestFingerPrint_DryRunReportsDeletions(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "a", "b.txt": "b"})
	fingerprinted(t, root, false)
	require.NoError(t, os.Remove(filepath.Join(root, "b.txt")))

	tree := openTree(t, root, false)
	stats, err := tree.FingerPrint(true)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
	assert.Len(t, storeLines(t, tree.MetadataDir()), 2, "dry run must keep the record")
}

func TestFingerPrint_CheckOnlyRejected(t *testing.T) {
	root := t.TempDir()
	tree := openTree(t, root, true)
	_, err := tree.FingerPrint(false)
	assert.ErrorIs(t, err, fingerprint.ErrCheckOnly)
}

func TestFingerPrint_ManyFilesParallel(t *testing.T) {
	root := t.TempDir()
	files := make(map[string]string)
	for i := 0; i < 50; i++ {
		files[fmt.Sprintf("f%02d.txt", i)] = fmt.Sprintf("content-%d", i)
	}
	writeTree(t, root, files)

	tree, err := Open(root, false, Options{Workers: 8})
	require.NoError(t, err)
	stats, err := tree.FingerPrint(false)
	require.NoError(t, err)
	assert.Equal(t, 50, stats.Hashed)
	assert.Equal(t, 50, tree.store.Len())
}

func TestOpen_RedirectedMetadata(t *testing.T) {
	src := t.TempDir()
	work := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a", "sub/b.txt": "b"})

	resolve := func(dir string) string {
		rel, err := filepath.Rel(src, dir)
		require.NoError(t, err)
		return filepath.Join(work, rel, DefaultPrivateDir)
	}
	tree, err := Open(src, false, Options{ResolveMetadata: resolve})
	require.NoError(t, err)
	_, err = tree.FingerPrint(false)
	require.NoError(t, err)

	assert.NoDirExists(t, filepath.Join(src, DefaultPrivateDir))
	assert.FileExists(t, filepath.Join(work, DefaultPrivateDir, fingerprint.FileName))
	assert.FileExists(t, filepath.Join(work, "sub", DefaultPrivateDir, fingerprint.FileName))
}

func TestClose_FlushesDirtyStores(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"sub/a.txt": "a"})

	tree := openTree(t, root, false)
	child := tree.children[0]
	child.store.Add("a.txt", md5Of(t, filepath.Join(root, "sub", "a.txt")), 1, 1)
	require.True(t, child.store.Dirty())

	require.NoError(t, tree.Close())
	assert.False(t, child.store.Dirty())
	assert.Len(t, storeLines(t, child.MetadataDir()), 1)
}

func TestCheckFile_FindsInSubtree(t *testing.T) {
	cand := t.TempDir()
	ref := t.TempDir()
	writeTree(t, cand, map[string]string{"y.bin": "same bytes"})
	writeTree(t, ref, map[string]string{"nested/deeper/x.bin": "same bytes", "other.bin": "different"})

	candTree := fingerprinted(t, cand, false)
	refTree := fingerprinted(t, ref, true)

	fp, err := candTree.fingerprintFor("y.bin")
	require.NoError(t, err)

	orig, ok, err := refTree.CheckFile(fp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(refTree.Path(), "nested", "deeper", "x.bin"), orig.Path)
	assert.Equal(t, fp.Hash, orig.Hash)
	assert.Equal(t, fp.Size, orig.Size)
}

func TestCheckFile_IgnoresOutdatedReference(t *testing.T) {
	cand := t.TempDir()
	ref := t.TempDir()
	writeTree(t, cand, map[string]string{"y.bin": "same bytes"})
	writeTree(t, ref, map[string]string{"x.bin": "same bytes"})

	candTree := fingerprinted(t, cand, false)
	fingerprinted(t, ref, true)
	require.NoError(t, os.Remove(filepath.Join(ref, "x.bin")))
	refTree := openTree(t, ref, true)

	fp, err := candTree.fingerprintFor("y.bin")
	require.NoError(t, err)
	_, ok, err := refTree.CheckFile(fp)
	require.NoError(t, err)
	assert.False(t, ok, "a record without its file is not an original")
}

func TestCheckFile_IntegrityFault(t *testing.T) {
	cand := t.TempDir()
	ref := t.TempDir()
	writeTree(t, cand, map[string]string{"y.bin": "0123456789"})
	writeTree(t, ref, map[string]string{"z.bin": "12345"})

	candTree := fingerprinted(t, cand, false)
	fp, err := candTree.fingerprintFor("y.bin")
	require.NoError(t, err)

	// Forge a reference record that shares the hash but not the size
	meta := filepath.Join(ref, DefaultPrivateDir)
	require.NoError(t, os.MkdirAll(meta, 0755))
	forged := fmt.Sprintf("z.bin,%s,%d,5\n", fp.Hash, time.Now().Unix()+10)
	require.NoError(t, os.WriteFile(filepath.Join(meta, fingerprint.FileName), []byte(forged), 0644))

	refTree := openTree(t, ref, true)
	_, ok, err := refTree.CheckFile(fp)
	assert.ErrorIs(t, err, fingerprint.ErrIntegrity)
	assert.False(t, ok)

	_, err = candTree.RemoveDups(refTree, false)
	assert.ErrorIs(t, err, fingerprint.ErrIntegrity)
	assert.FileExists(t, filepath.Join(cand, "y.bin"))
}

func TestOpen_CorruptStore(t *testing.T) {
	root := t.TempDir()
	meta := filepath.Join(root, DefaultPrivateDir)
	require.NoError(t, os.MkdirAll(meta, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(meta, fingerprint.FileName), []byte("garbage\n"), 0644))

	_, err := Open(root, false, Options{})
	assert.ErrorIs(t, err, fingerprint.ErrCorruptStore)
}

func TestFingerprints_Order(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"b.txt": "b", "a.txt": "a", "sub/c.txt": "c"})
	tree := fingerprinted(t, root, false)

	fps, err := tree.Fingerprints()
	require.NoError(t, err)
	var paths []string
	for _, fp := range fps {
		rel, _ := filepath.Rel(root, fp.Path)
		paths = append(paths, rel)
	}
	assert.Equal(t, []string{"a.txt", "b.txt", filepath.Join("sub", "c.txt")}, paths)
	assert.True(t, sort.StringsAreSorted(paths[:2]))
}

func TestFingerPrint_MTimeJustBeforeWholeSecond(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	writeTree(t, root, map[string]string{"a.txt": "0123456789"})
	mtime := time.Unix(1700000000, 999999700)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	tree := fingerprinted(t, root, false)
	assert.Equal(t, 0, tree.StaleCount())
	lines := storeLines(t, filepath.Join(root, DefaultPrivateDir))
	require.Len(t, lines, 1)
	assert.True(t, strings.HasSuffix(lines[0], ",1700000000.999999,10"), lines[0])

	// Same size, rewritten in the next second
	require.NoError(t, os.WriteFile(path, []byte("9876543210"), 0644))
	next := time.Unix(1700000001, 200000000)
	require.NoError(t, os.Chtimes(path, next, next))
	assert.Equal(t, 1, openTree(t, root, false).StaleCount())
}

func openTreeWith(t *testing.T, path string, checkOnly bool, alg hash.Algorithm) *Tree {
	t.Helper()
	tree, err := Open(path, checkOnly, Options{Workers: 2, Algorithm: alg})
	require.NoError(t, err)
	return tree
}

func TestFingerPrint_AlgorithmSwitchRehashes(t *testing.T) {
	cand := t.TempDir()
	ref := t.TempDir()
	writeTree(t, cand, map[string]string{"y.bin": "same bytes"})
	writeTree(t, ref, map[string]string{"x.bin": "same bytes"})
	fingerprinted(t, cand, false)
	fingerprinted(t, ref, false)

	candTree := openTreeWith(t, cand, false, hash.SHA256)
	assert.Equal(t, 1, candTree.StaleCount(), "MD5 records must not satisfy a SHA256 run")
	_, err := candTree.FingerPrint(false)
	require.NoError(t, err)
	fp, err := candTree.fingerprintFor("y.bin")
	require.NoError(t, err)
	assert.Len(t, fp.Hash, hash.SHA256.HexLen())
	assert.FileExists(t, filepath.Join(cand, DefaultPrivateDir, fingerprint.FileNameFor(hash.SHA256)))
	assert.Len(t, storeLines(t, filepath.Join(cand, DefaultPrivateDir)), 1, "MD5 store is left alone")

	refTree := openTreeWith(t, ref, true, hash.SHA256)
	assert.Equal(t, 1, refTree.StaleCount())
	result, err := candTree.RemoveDups(refTree, true)
	require.NoError(t, err)
	assert.Empty(t, result.Dups, "an unfingerprinted reference yields no matches")

	refWritable := openTreeWith(t, ref, false, hash.SHA256)
	_, err = refWritable.FingerPrint(false)
	require.NoError(t, err)
	require.NoError(t, refWritable.Close())

	result, err = candTree.RemoveDups(openTreeWith(t, ref, true, hash.SHA256), true)
	require.NoError(t, err)
	require.Len(t, result.Dups, 1)
	assert.Equal(t, filepath.Join(ref, "x.bin"), result.Dups[0].Original.Path)
}

func TestFingerPrint_ForeignDigestLengthIsStale(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "alpha"})
	md5Sum := md5Of(t, filepath.Join(root, "a.txt"))

	// An MD5 digest inside the SHA256 store
	meta := filepath.Join(root, DefaultPrivateDir)
	require.NoError(t, os.MkdirAll(meta, 0755))
	line := fmt.Sprintf("a.txt,%s,%d,5\n", md5Sum, time.Now().Unix()+10)
	require.NoError(t, os.WriteFile(filepath.Join(meta, fingerprint.FileNameFor(hash.SHA256)), []byte(line), 0644))

	tree := openTreeWith(t, root, false, hash.SHA256)
	assert.Equal(t, 1, tree.StaleCount())
	_, err := tree.fingerprintFor("a.txt")
	assert.ErrorIs(t, err, fingerprint.ErrNotFingerprinted)
}

func TestOpen_KeyCollisionKeepsOneName(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a,b": "one", "a_b": "two!", "c.txt": "c"})

	tree := openTree(t, root, false)
	assert.Equal(t, []string{"a_b", "c.txt"}, tree.fileNames())

	stats, err := tree.FingerPrint(false)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Hashed)
	require.NoError(t, tree.Close())

	again := openTree(t, root, false)
	stats, err = again.FingerPrint(false)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Hashed)

	fps, err := again.Fingerprints()
	require.NoError(t, err)
	require.Len(t, fps, 2)
	assert.Equal(t, md5Of(t, filepath.Join(root, "a_b")), fps[0].Hash)
}
