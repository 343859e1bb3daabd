package pdm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pdm-go/internal/model"
)

// Unit names of a flattened ResourceState.
const (
	UnitDeleted         = "deleted"
	UnitLockOwner       = "lock.owner"
	UnitLockAcquiredAt  = "lock.acquired_at"
	UnitLockNote        = "lock.note"
	UnitContentChecksum = "content.checksum"
	UnitContentSize     = "content.size"
	UnitRenamedFrom     = "renamed_from"
	UnitRenamedTo       = "renamed_to"
)

// LockState is the lock portion of a snapshot.
type LockState struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	Note       string    `json:"note,omitempty"`
}

// ContentRef points at a blob in the blob vault.
type ContentRef struct {
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

// ResourceState is the snapshot committed for every version of a resource.
// Its JSON encoding is canonical: field order is fixed and times are UTC,
// so identical states always hash to the same content ID.
type ResourceState struct {
	Deleted     bool        `json:"deleted"`
	Lock        *LockState  `json:"lock,omitempty"`
	Content     *ContentRef `json:"content,omitempty"`
	RenamedFrom string      `json:"renamed_from,omitempty"`
	RenamedTo   string      `json:"renamed_to,omitempty"`
}

// Clone returns a deep copy of s.
func (s *ResourceState) Clone() *ResourceState {
	if s == nil {
		return &ResourceState{}
	}
	c := *s
	if s.Lock != nil {
		l := *s.Lock
		c.Lock = &l
	}
	if s.Content != nil {
		ref := *s.Content
		c.Content = &ref
	}
	return &c
}

// LockFor returns the state's lock as a model lock for resourceID.
func (s *ResourceState) LockFor(resourceID string) *model.Lock {
	if s == nil || s.Lock == nil {
		return nil
	}
	return &model.Lock{
		ResourceID: resourceID,
		Owner:      s.Lock.Owner,
		AcquiredAt: s.Lock.AcquiredAt,
		Note:       s.Lock.Note,
	}
}

// Units flattens the state into key/value units for diff and attribution.
// Absent optional fields produce no unit.
func (s *ResourceState) Units() map[string]string {
	u := map[string]string{UnitDeleted: strconv.FormatBool(s.Deleted)}
	if s.Lock != nil {
		u[UnitLockOwner] = s.Lock.Owner
		u[UnitLockAcquiredAt] = s.Lock.AcquiredAt.UTC().Format(time.RFC3339Nano)
		if s.Lock.Note != "" {
			u[UnitLockNote] = s.Lock.Note
		}
	}
	if s.Content != nil {
		u[UnitContentChecksum] = s.Content.Checksum
		u[UnitContentSize] = strconv.FormatInt(s.Content.Size, 10)
	}
	if s.RenamedFrom != "" {
		u[UnitRenamedFrom] = s.RenamedFrom
	}
	if s.RenamedTo != "" {
		u[UnitRenamedTo] = s.RenamedTo
	}
	return u
}

// EncodeState returns the canonical encoding of s.
func EncodeState(s *ResourceState) ([]byte, error) {
	c := s.Clone()
	if c.Lock != nil {
		c.Lock.AcquiredAt = c.Lock.AcquiredAt.UTC()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	return data, nil
}

// DecodeState parses a snapshot produced by EncodeState.
func DecodeState(data []byte) (*ResourceState, error) {
	var s ResourceState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	return &s, nil
}

// ContentID returns the content address of snapshot bytes.
func ContentID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VersionID derives the ID of a version from its parent, content and
// metadata. Committing identical content twice yields distinct IDs because
// the parent and timestamp differ.
func VersionID(parentID, contentID, author string, ts time.Time, message, target string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		parentID,
		contentID,
		author,
		ts.UTC().Format(time.RFC3339Nano),
		message,
		target,
	}, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateResourceID rejects IDs that cannot name a resource.
func ValidateResourceID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: resource id is empty", ErrInvalid)
	case len(id) > 255:
		return fmt.Errorf("%w: resource id longer than 255 characters", ErrInvalid)
	case strings.TrimSpace(id) != id:
		return fmt.Errorf("%w: resource id has surrounding whitespace", ErrInvalid)
	case strings.ContainsAny(id, "/\\"):
		return fmt.Errorf("%w: resource id contains a path separator", ErrInvalid)
	}
	return nil
}

// MaxNoteLength bounds the free-text note on a lock.
const MaxNoteLength = 500
