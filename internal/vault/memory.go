package vault

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"pdm-go/internal/pdm"
)

// MemoryVault keeps content and metadata in maps. Used in tests and for
// throwaway servers. Safe for concurrent use.
type MemoryVault struct {
	name            string
	content         map[string][]byte // checksum -> content
	metadata        map[string][]byte // "hostID/name" -> metadata
	metadataVersion map[string]int64  // "hostID/name" -> version
	failure         error
	mu              sync.RWMutex
}

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:            name,
		content:         make(map[string][]byte),
		metadata:        make(map[string][]byte),
		metadataVersion: make(map[string]int64),
	}
}

// SetFailure makes every subsequent operation fail with err until it is
// called again with nil. It simulates an unreachable backend.
func (m *MemoryVault) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// HasContent reports whether checksum has been stored.
func (m *MemoryVault) HasContent(checksum string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.content[checksum]
	return ok
}

func metadataKey(hostID, name string) string {
	return hostID + "/" + name
}

func readExactly(r io.Reader, size int64) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}
	return data, nil
}

// PutContent implements pdm.Vault.
func (m *MemoryVault) PutContent(checksum string, r io.Reader, size int64) error {
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	m.content[checksum] = data
	return nil
}

// GetContent implements pdm.Vault.
func (m *MemoryVault) GetContent(checksum string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return m.failure
	}

	data, ok := m.content[checksum]
	if !ok {
		return fmt.Errorf("content %s: %w", checksum, pdm.ErrNotFound)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

// PutMetadata implements pdm.Vault.
func (m *MemoryVault) PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error {
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	key := metadataKey(hostID, name)
	m.metadata[key] = data
	m.metadataVersion[key] = version
	return nil
}

// GetMetadataVersion implements pdm.Vault.
func (m *MemoryVault) GetMetadataVersion(hostID string, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return 0, m.failure
	}
	return m.metadataVersion[metadataKey(hostID, name)], nil
}

// GetMetadata implements pdm.Vault.
func (m *MemoryVault) GetMetadata(hostID string, name string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return m.failure
	}

	data, ok := m.metadata[metadataKey(hostID, name)]
	if !ok {
		return fmt.Errorf("metadata %q for %s: %w", name, hostID, pdm.ErrNotFound)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// ValidateSetup implements pdm.Vault.
func (m *MemoryVault) ValidateSetup() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failure
}

// Compile-time check that MemoryVault implements pdm.Vault interface
var _ pdm.Vault = (*MemoryVault)(nil)
