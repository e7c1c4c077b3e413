package hash

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	stdhash "hash"
	"io"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

const bufferSize = 64 * 1024 // 64KB chunks, the whole file is never buffered

// Algorithm names a content digest.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
	XXHash Algorithm = "xxhash"
)

// Default is the digest stored in fingerprint files unless configured otherwise.
const Default = MD5

// ParseAlgorithm maps a config or flag value to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch alg := Algorithm(strings.ToLower(strings.TrimSpace(name))); alg {
	case MD5, SHA256, BLAKE3, XXHash:
		return alg, nil
	case "":
		return Default, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", name)
	}
}

// New returns a fresh digest for the algorithm.
func (a Algorithm) New() (stdhash.Hash, error) {
	switch a {
	case MD5, "":
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	case XXHash:
		return xxhash.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", string(a))
	}
}

// HexLen is the length of the hex digest produced by the algorithm.
func (a Algorithm) HexLen() int {
	switch a {
	case SHA256, BLAKE3:
		return 64
	case XXHash:
		return 16
	default:
		return 32
	}
}

// HashFile computes the content hash of a file by streaming it in fixed size chunks
func HashFile(path string, alg Algorithm) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	h, err := alg.New()
	if err != nil {
		return "", err
	}
	buf := make([]byte, bufferSize)

	for {
		n, err := file.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read file: %w", err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Copy streams src into dst and returns the hex digest of the bytes written
// together with their count.
func Copy(dst io.Writer, src io.Reader, alg Algorithm) (string, int64, error) {
	h, err := alg.New()
	if err != nil {
		return "", 0, err
	}

	n, err := io.CopyBuffer(io.MultiWriter(dst, h), src, make([]byte, bufferSize))
	if err != nil {
		return "", n, fmt.Errorf("failed to copy: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// LeafHashFunc is a custom hash function adapter for go-merkletree
// It converts []byte input to xxHash []byte output
func LeafHashFunc(data []byte) ([]byte, error) {
	sum := xxhash.Sum64(data)

	// Convert uint64 to []byte in big-endian format
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, sum)
	return buf, nil
}
