package database

import (
	"fmt"

	"github.com/dgraph-io/ristretto"

	"pdm-go/internal/metrics"
)

// snapshotCache holds snapshot bytes keyed by content ID. Content is
// immutable, so entries never need invalidation.
type snapshotCache struct {
	c *ristretto.Cache
}

func newSnapshotCache(maxBytes int64) (*snapshotCache, error) {
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating snapshot cache: %w", err)
	}
	return &snapshotCache{c: rc}, nil
}

func (s *snapshotCache) get(contentID string) ([]byte, bool) {
	v, ok := s.c.Get(contentID)
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	data, ok := v.([]byte)
	if ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
	}
	return data, ok
}

func (s *snapshotCache) set(contentID string, data []byte) {
	s.c.Set(contentID, data, int64(len(data)))
}

func (s *snapshotCache) close() {
	s.c.Close()
}
