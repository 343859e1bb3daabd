package staging

import "io"

// stagingStore holds upload bodies between ingest and the blob vault
// commit. The staging area serializes access, so implementations need no
// locking of their own.
type stagingStore interface {
	// StoreContent drains r into the store and returns its SHA-256 and
	// length. An upload whose checksum is already held is kept once.
	StoreContent(r io.Reader) (checksum string, size int64, err error)

	// RemoveContent drops an upload. Missing checksums are ignored.
	RemoveContent(checksum string)

	// OpenContent reads back a held upload.
	OpenContent(checksum string) (io.ReadCloser, error)

	// ContentSize reports the bytes currently held.
	ContentSize() (int64, error)
}
