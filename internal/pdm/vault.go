package pdm

import "io"

// Vault stores content-addressed blobs and named metadata items.
// It backs both the local blob store (raw resource content) and the remote
// mirror. All operations stream through io.Reader/io.Writer so large part
// files are never held in memory by the service.
type Vault interface {
	// PutContent stores content identified by its checksum.
	// The operation is idempotent: storing the same checksum multiple times is safe.
	// size is the number of bytes that will be read from r.
	PutContent(checksum string, r io.Reader, size int64) error

	// GetContent retrieves content by checksum and writes it to w.
	GetContent(checksum string, w io.Writer) error

	// PutMetadata stores a named metadata item for a specific instance.
	// version is stored alongside the metadata for consistency checks.
	// Known names: "db" (SQLite snapshot of the version store).
	PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error

	// GetMetadata retrieves a named metadata item and writes it to w.
	GetMetadata(hostID string, name string, w io.Writer) error

	// GetMetadataVersion returns the metadata version for a named item.
	// Returns 0 if nothing has been stored for this host/name.
	GetMetadataVersion(hostID string, name string) (int64, error)

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup() error
}
