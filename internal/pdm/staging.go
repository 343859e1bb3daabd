package pdm

import "io"

// StagedContent identifies content held in the staging area.
type StagedContent struct {
	Checksum string
	Size     int64
}

// StagingArea holds uploaded content while it is hashed and before it is
// committed to the blob vault. The checksum is only known once the upload
// has been fully read, so content passes through here first.
type StagingArea interface {
	// Stage copies r into staging, computing its SHA-256 on the way.
	// Identical content is deduplicated. Fails when the area would exceed
	// its configured maximum size.
	Stage(r io.Reader) (*StagedContent, error)

	// Open returns a reader for staged content.
	Open(checksum string) (io.ReadCloser, error)

	// Remove drops staged content once it has been committed (best-effort).
	Remove(checksum string) error

	// Size returns the total size of staged content in bytes.
	Size() (int64, error)
}
