package server

import (
	"time"

	"pdm-go/internal/model"
	"pdm-go/internal/pdm"
)

// JSON shapes returned by the API.

type LockView struct {
	ResourceID string    `json:"resource_id"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	Note       string    `json:"note,omitempty"`
}

type ResourceView struct {
	ID              string    `json:"id"`
	Deleted         bool      `json:"deleted"`
	CreatedAt       time.Time `json:"created_at"`
	HeadVersionID   string    `json:"head_version_id"`
	ContentChecksum string    `json:"content_checksum,omitempty"`
	ContentSize     int64     `json:"content_size"`
	Lock            *LockView `json:"lock,omitempty"`
}

type VersionView struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	ParentID  string    `json:"parent_id,omitempty"`
	ContentID string    `json:"content_id"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

type CheckinView struct {
	Released bool         `json:"released"`
	Forced   bool         `json:"forced"`
	Version  *VersionView `json:"version,omitempty"`
}

type AuditView struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Target    string            `json:"target"`
	Outcome   string            `json:"outcome"`
	Details   map[string]string `json:"details,omitempty"`
}

type SessionView struct {
	ID              string    `json:"id"`
	Actor           string    `json:"actor"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	State           string    `json:"state"`
}

// ErrorView is the body of every non-2xx response. Owner and Since are
// set on lock conflicts.
type ErrorView struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Owner   string     `json:"owner,omitempty"`
	Since   *time.Time `json:"since,omitempty"`
}

type checkoutRequest struct {
	Note string `json:"note"`
}

type renameRequest struct {
	NewID string `json:"new_id"`
}

func lockView(l *model.Lock) *LockView {
	if l == nil {
		return nil
	}
	return &LockView{ResourceID: l.ResourceID, Owner: l.Owner, AcquiredAt: l.AcquiredAt, Note: l.Note}
}

func resourceView(r *model.Resource) *ResourceView {
	return &ResourceView{
		ID:              r.ID,
		Deleted:         r.Deleted,
		CreatedAt:       r.CreatedAt,
		HeadVersionID:   r.HeadVersionID,
		ContentChecksum: r.ContentChecksum,
		ContentSize:     r.ContentSize,
		Lock:            lockView(r.Lock),
	}
}

func versionView(v *model.Version) *VersionView {
	if v == nil {
		return nil
	}
	return &VersionView{
		ID:        v.ID,
		Seq:       v.Seq,
		ParentID:  v.ParentID,
		ContentID: v.ContentID,
		Author:    v.Author,
		Timestamp: v.Timestamp,
		Message:   v.Message,
	}
}

func checkinView(res *pdm.CheckinResult) *CheckinView {
	return &CheckinView{Released: res.Released, Forced: res.Forced, Version: versionView(res.Version)}
}

func auditView(e *model.AuditEvent) AuditView {
	return AuditView{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Actor:     e.Actor,
		Action:    e.Action,
		Target:    e.Target,
		Outcome:   string(e.Outcome),
		Details:   e.Details,
	}
}

func sessionView(s model.SessionInfo) SessionView {
	return SessionView{
		ID:              s.ID,
		Actor:           s.Actor,
		ConnectedAt:     s.ConnectedAt,
		LastHeartbeatAt: s.LastHeartbeatAt,
		State:           string(s.State),
	}
}
