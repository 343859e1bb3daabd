package staging

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"pdm-go/internal/pdm"
)

// memoryStore keeps staged content in a map keyed by checksum.
type memoryStore struct {
	content map[string][]byte
}

// NewMemoryStagingArea creates a new in-memory staging area.
// maxSize is the maximum total size in bytes; must be positive.
func NewMemoryStagingArea(maxSize int64) pdm.StagingArea {
	return &stagingArea{
		store:   &memoryStore{content: make(map[string][]byte)},
		maxSize: maxSize,
	}
}

func (m *memoryStore) StoreContent(r io.Reader) (string, int64, error) {
	h := sha256.New()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.TeeReader(r, h)); err != nil {
		return "", 0, err
	}
	checksum := hex.EncodeToString(h.Sum(nil))
	if _, ok := m.content[checksum]; !ok {
		m.content[checksum] = buf.Bytes()
	}
	return checksum, int64(buf.Len()), nil
}

func (m *memoryStore) RemoveContent(checksum string) {
	delete(m.content, checksum)
}

func (m *memoryStore) OpenContent(checksum string) (io.ReadCloser, error) {
	data, ok := m.content[checksum]
	if !ok {
		return nil, fmt.Errorf("content not found: %s", checksum)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) ContentSize() (int64, error) {
	var total int64
	for _, data := range m.content {
		total += int64(len(data))
	}
	return total, nil
}
