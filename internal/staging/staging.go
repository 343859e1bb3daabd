package staging

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"pdm-go/internal/pdm"
)

// ErrFull is returned when staged content would exceed the maximum size.
var ErrFull = errors.New("staging area full")

// stagingArea implements pdm.StagingArea using a pluggable stagingStore
// for the storage mechanics. All shared algorithm logic lives here.
type stagingArea struct {
	store   stagingStore
	maxSize int64
	mu      sync.Mutex
}

var _ pdm.StagingArea = (*stagingArea)(nil)

// Stage copies r into the store, hashing it on the way. The copy is
// aborted as soon as it would push the area past maxSize.
func (s *stagingArea) Stage(r io.Reader) (*pdm.StagedContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.ContentSize()
	if err != nil {
		return nil, fmt.Errorf("getting current size: %w", err)
	}
	capped := &capReader{r: r, remaining: s.maxSize - current, max: s.maxSize}

	checksum, size, err := s.store.StoreContent(capped)
	if err != nil {
		if errors.Is(err, ErrFull) {
			return nil, fmt.Errorf("%w: %w", pdm.ErrInvalid, err)
		}
		return nil, fmt.Errorf("storing content: %w", err)
	}
	return &pdm.StagedContent{Checksum: checksum, Size: size}, nil
}

// Open returns a reader for staged content.
func (s *stagingArea) Open(checksum string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, err := s.store.OpenContent(checksum)
	if err != nil {
		return nil, fmt.Errorf("content not found: %s", checksum)
	}
	return rc, nil
}

// Remove drops staged content (best-effort).
func (s *stagingArea) Remove(checksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.RemoveContent(checksum)
	return nil
}

// Size returns the total size of staged content in bytes.
func (s *stagingArea) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.ContentSize()
}

// capReader fails with ErrFull once more than remaining bytes are read.
type capReader struct {
	r         io.Reader
	remaining int64
	max       int64
}

func (c *capReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, fmt.Errorf("%w: would exceed max size of %d bytes", ErrFull, c.max)
	}
	return n, err
}
