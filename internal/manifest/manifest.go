// Package manifest captures the fingerprints of a tree in a JSON document
// sealed by a Merkle root.
package manifest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	mt "github.com/txaty/go-merkletree"

	"fpdedup/internal/fingerprint"
	"fpdedup/internal/hash"
)

const Generator = "fpdedup"

// Entry is one file of the manifest. Path is relative to the manifest root
// and always slash separated.
type Entry struct {
	Path    string  `json:"path"`
	Hash    string  `json:"hash"`
	Size    uint64  `json:"size"`
	ModTime float64 `json:"mtime"`
}

type Manifest struct {
	Generator string         `json:"generator"`
	Created   time.Time      `json:"created"`
	Root      string         `json:"root"`
	Algorithm hash.Algorithm `json:"algorithm"`
	RootHash  string         `json:"root_hash"`
	TotalSize uint64         `json:"total_size"`
	Size      string         `json:"size"`
	Files     []Entry        `json:"files"`
}

// Serialize implements mt.DataBlock. The modification time is left out so
// the root only depends on layout and content.
func (e Entry) Serialize() ([]byte, error) {
	return []byte(fmt.Sprintf("%s|%s|%d", e.Path, e.Hash, e.Size)), nil
}

// Build creates the manifest of the fingerprints found under root.
func Build(root string, alg hash.Algorithm, fps []fingerprint.Fingerprint) (*Manifest, error) {
	cleanRoot := filepath.Clean(root)

	entries := make([]Entry, 0, len(fps))
	var totalSize uint64
	for _, fp := range fps {
		rel, err := filepath.Rel(cleanRoot, fp.Path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("%s is outside %s", fp.Path, cleanRoot)
		}
		entries = append(entries, Entry{
			Path:    filepath.ToSlash(rel),
			Hash:    fp.Hash,
			Size:    fp.Size,
			ModTime: fp.ModTime,
		})
		totalSize += fp.Size
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	rootHash, err := RootHash(entries)
	if err != nil {
		return nil, err
	}

	return &Manifest{
		Generator: Generator,
		Created:   time.Now().UTC(),
		Root:      cleanRoot,
		Algorithm: alg,
		RootHash:  rootHash,
		TotalSize: totalSize,
		Size:      humanize.IBytes(totalSize),
		Files:     entries,
	}, nil
}

// RootHash computes the Merkle root of entries in the order given.
func RootHash(entries []Entry) (string, error) {
	switch len(entries) {
	case 0:
		sum, err := hash.LeafHashFunc([]byte("empty-tree"))
		if err != nil {
			return "", fmt.Errorf("failed to create empty tree hash: %w", err)
		}
		return hex.EncodeToString(sum), nil
	case 1:
		// go-merkletree needs at least two blocks
		data, err := entries[0].Serialize()
		if err != nil {
			return "", err
		}
		sum, err := hash.LeafHashFunc(data)
		if err != nil {
			return "", fmt.Errorf("failed to hash leaf: %w", err)
		}
		return hex.EncodeToString(sum), nil
	}

	blocks := make([]mt.DataBlock, len(entries))
	for i := range entries {
		blocks[i] = entries[i]
	}
	tree, err := mt.New(&mt.Config{
		HashFunc: hash.LeafHashFunc,
		Mode:     mt.ModeTreeBuild,
	}, blocks)
	if err != nil {
		return "", fmt.Errorf("failed to build merkle tree: %w", err)
	}
	return hex.EncodeToString(tree.Root), nil
}

// Index maps entry paths to entries.
func (m *Manifest) Index() map[string]Entry {
	idx := make(map[string]Entry, len(m.Files))
	for _, e := range m.Files {
		idx[e.Path] = e
	}
	return idx
}

func Save(m *Manifest, path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	if m.RootHash == "" {
		return nil, errors.New("manifest has no root hash")
	}
	if _, err := hash.ParseAlgorithm(string(m.Algorithm)); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}

	return &m, nil
}
