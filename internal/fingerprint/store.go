package fingerprint

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"fpdedup/internal/hash"
)

// FileName is the store file kept inside each private metadata directory
// for MD5 fingerprints.
const FileName = "fingerprints.txt"

// FileNameFor is the store file holding fingerprints of one algorithm. Each
// algorithm has its own file so digests are never mixed in one store.
func FileNameFor(alg hash.Algorithm) string {
	if alg == "" || alg == hash.MD5 {
		return FileName
	}
	return "fingerprints." + string(alg) + ".txt"
}

const delimiter = ","

// Store is the fingerprint table of one directory.
//
// byName owns the records; byHash is an index over the same pointers. When
// two files of one directory share a hash the most recently added record
// holds the byHash slot.
type Store struct {
	dir    string
	file   string
	logger *slog.Logger

	byName map[string]*Record
	byHash map[string]*Record
	dirty  bool
}

// NewStore returns an empty store for dir persisted under metaDir.
func NewStore(dir, metaDir string, logger *slog.Logger) *Store {
	return newStore(dir, filepath.Join(metaDir, FileName), logger)
}

func newStore(dir, file string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		dir:    dir,
		file:   file,
		logger: logger,
		byName: make(map[string]*Record),
		byHash: make(map[string]*Record),
	}
}

// Open returns a store for dir loaded from metaDir.
func Open(dir, metaDir string, logger *slog.Logger) (*Store, error) {
	return OpenFile(dir, filepath.Join(metaDir, FileName), logger)
}

// OpenFile returns a store for dir loaded from the given store file.
func OpenFile(dir, file string, logger *slog.Logger) (*Store, error) {
	s := newStore(dir, file, logger)
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path is the location of the persisted store.
func (s *Store) Path() string { return s.file }

// Dirty reports pending changes that have not been flushed.
func (s *Store) Dirty() bool { return s.dirty }

// Len is the number of records.
func (s *Store) Len() int { return len(s.byName) }

// Load replaces the in-memory records with the persisted ones. A missing
// file is an empty store.
func (s *Store) Load() error {
	f, err := os.Open(s.file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.reset()
			return nil
		}
		return fmt.Errorf("%w: failed to open %s: %v", ErrPersistence, s.file, err)
	}
	defer f.Close()

	s.reset()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := decodeRecord(line)
		if err != nil {
			s.reset()
			return fmt.Errorf("%w: %s line %d: %v", ErrCorruptStore, s.file, lineNum, err)
		}
		s.insert(rec)
	}
	if err := scanner.Err(); err != nil {
		s.reset()
		return fmt.Errorf("%w: failed to read %s: %v", ErrPersistence, s.file, err)
	}

	s.dirty = false
	s.logger.Debug("loaded fingerprints", "file", s.file, "records", len(s.byName))
	return nil
}

// Lookup returns the record for a file name.
func (s *Store) Lookup(name string) (Record, bool) {
	rec, ok := s.byName[Key(name)]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Add records a fresh fingerprint for name, updating an existing record in place.
func (s *Store) Add(name, hash string, modTime float64, size uint64) {
	key := Key(name)
	if rec, ok := s.byName[key]; ok {
		if rec.Hash != hash && s.byHash[rec.Hash] == rec {
			delete(s.byHash, rec.Hash)
		}
		rec.Hash = hash
		rec.ModTime = modTime
		rec.Size = size
		s.index(rec)
	} else {
		rec := &Record{Name: key, Hash: hash, ModTime: modTime, Size: size}
		s.byName[key] = rec
		s.index(rec)
	}
	s.dirty = true
}

func (s *Store) index(rec *Record) {
	if other, ok := s.byHash[rec.Hash]; ok && other != rec {
		s.logger.Info("same content hash in one directory",
			"dir", s.dir, "file", rec.Name, "other", other.Name, "hash", rec.Hash)
	}
	s.byHash[rec.Hash] = rec
}

// Delete removes the record for name. The hash slot is only cleared if it still
// belongs to this record.
func (s *Store) Delete(name string) bool {
	key := Key(name)
	rec, ok := s.byName[key]
	if !ok {
		return false
	}
	delete(s.byName, key)
	if s.byHash[rec.Hash] == rec {
		delete(s.byHash, rec.Hash)
	}
	s.dirty = true
	return true
}

// Missing lists, sorted, the records whose file is not in current. current
// holds plain file names.
func (s *Store) Missing(current map[string]struct{}) []string {
	present := make(map[string]struct{}, len(current))
	for name := range current {
		present[Key(name)] = struct{}{}
	}

	var missing []string
	for key := range s.byName {
		if _, ok := present[key]; !ok {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}

// ReconcileDeletions drops every record whose file is gone and reports
// whether anything was deleted.
func (s *Store) ReconcileDeletions(current map[string]struct{}) bool {
	missing := s.Missing(current)
	for _, name := range missing {
		s.logger.Debug("dropping fingerprint of deleted file", "dir", s.dir, "file", name)
		s.Delete(name)
	}
	return len(missing) > 0
}

// CheckFile looks for a record with the candidate's content hash. A match
// with a different size is an integrity fault.
func (s *Store) CheckFile(candidate Fingerprint) (Fingerprint, bool, error) {
	rec, ok := s.byHash[candidate.Hash]
	if !ok {
		return Fingerprint{}, false, nil
	}
	if rec.Size != candidate.Size {
		return Fingerprint{}, false, fmt.Errorf("%w: %s (%d bytes) and %s (%d bytes) share hash %s",
			ErrIntegrity, candidate.Path, candidate.Size, filepath.Join(s.dir, rec.Name), rec.Size, rec.Hash)
	}
	return Fingerprint{Record: *rec, Path: filepath.Join(s.dir, rec.Name)}, true, nil
}

// Records returns copies of all records sorted by name.
func (s *Store) Records() []Record {
	out := make([]Record, 0, len(s.byName))
	for _, rec := range s.byName {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Flush rewrites the store file when there are pending changes.
func (s *Store) Flush() error {
	if !s.dirty {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.file), "fingerprints-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %v", ErrPersistence, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: failed to chmod %s: %v", ErrPersistence, tmpName, err)
	}

	w := bufio.NewWriter(tmp)
	for _, rec := range s.Records() {
		if _, err := w.WriteString(encodeRecord(rec)); err != nil {
			tmp.Close()
			return fmt.Errorf("%w: failed to write %s: %v", ErrPersistence, tmpName, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: failed to write %s: %v", ErrPersistence, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: failed to close %s: %v", ErrPersistence, tmpName, err)
	}
	if err := os.Rename(tmpName, s.file); err != nil {
		return fmt.Errorf("%w: failed to replace %s: %v", ErrPersistence, s.file, err)
	}

	s.dirty = false
	s.logger.Debug("flushed fingerprints", "file", s.file, "records", len(s.byName))
	return nil
}

func (s *Store) reset() {
	s.byName = make(map[string]*Record)
	s.byHash = make(map[string]*Record)
}

func (s *Store) insert(rec *Record) {
	if old, ok := s.byName[rec.Name]; ok && s.byHash[old.Hash] == old {
		delete(s.byHash, old.Hash)
	}
	s.byName[rec.Name] = rec
	s.byHash[rec.Hash] = rec
}

func encodeRecord(rec Record) string {
	return strings.Join([]string{
		rec.Name,
		rec.Hash,
		FormatSeconds(rec.ModTime),
		strconv.FormatUint(rec.Size, 10),
	}, delimiter) + "\n"
}

func decodeRecord(line string) (*Record, error) {
	fields := strings.Split(line, delimiter)
	if len(fields) != 4 {
		return nil, fmt.Errorf("expected 4 fields, got %d", len(fields))
	}
	if fields[0] == "" {
		return nil, errors.New("empty file name")
	}
	if fields[1] == "" {
		return nil, errors.New("empty hash")
	}
	if _, err := hex.DecodeString(fields[1]); err != nil {
		return nil, fmt.Errorf("invalid hash %q", fields[1])
	}
	modTime, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid modification time %q", fields[2])
	}
	size, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid size %q", fields[3])
	}
	return &Record{
		Name:    fields[0],
		Hash:    strings.ToLower(fields[1]),
		ModTime: modTime,
		Size:    size,
	}, nil
}
