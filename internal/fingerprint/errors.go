package fingerprint

import "errors"

var (
	// ErrUsage reports bad arguments before any I/O happens.
	ErrUsage = errors.New("usage error")

	// ErrNotADirectory is returned when a tree root is not a directory.
	ErrNotADirectory = errors.New("not a directory")

	// ErrIntegrity marks a content hash match whose sizes differ. The store or
	// the hash function can no longer be trusted and the operation must stop.
	ErrIntegrity = errors.New("fingerprint integrity fault")

	// ErrCorruptStore is returned when a persisted store cannot be decoded.
	ErrCorruptStore = errors.New("corrupt fingerprint store")

	// ErrPersistence covers metadata directories and store files that cannot be written.
	ErrPersistence = errors.New("fingerprint persistence fault")

	// ErrNotFingerprinted is returned when an operation needs a current
	// fingerprint for a file that has none.
	ErrNotFingerprinted = errors.New("file not fingerprinted")

	// ErrCheckOnly rejects mutating operations on reference trees.
	ErrCheckOnly = errors.New("directory is check-only")
)
