package database

import (
	"context"
	"testing"
	"time"

	"pdm-go/internal/model"
)

func TestSQLiteAuditLog_AppendQuery(t *testing.T) {
	s, _ := newTestStore(t)
	log := NewSQLiteAuditLog(s.DB())
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	events := []*model.AuditEvent{
		{ID: "e1", Timestamp: base, Actor: "alice", Action: "checkout", Target: "part-a", Outcome: model.OutcomeSuccess},
		{ID: "e2", Timestamp: base.Add(time.Minute), Actor: "bob", Action: "checkout", Target: "part-a", Outcome: model.OutcomeFailure,
			Details: map[string]string{"error": "conflict", "owner": "alice"}},
		{ID: "e3", Timestamp: base.Add(2 * time.Minute), Actor: "admin", Action: "checkin", Target: "part-a", Outcome: model.OutcomeSuccess,
			Details: map[string]string{"forced": "true", "previous_owner": "alice"}},
		{ID: "e4", Timestamp: base.Add(3 * time.Minute), Actor: "alice", Action: "register", Target: "part-b", Outcome: model.OutcomeSuccess},
	}
	for _, e := range events {
		if err := log.Append(ctx, e); err != nil {
			t.Fatalf("Append(%s) error = %v", e.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter model.AuditFilter
		want   []string
	}{
		{name: "all newest first", filter: model.AuditFilter{}, want: []string{"e4", "e3", "e2", "e1"}},
		{name: "by actor", filter: model.AuditFilter{Actor: "alice"}, want: []string{"e4", "e1"}},
		{name: "by action", filter: model.AuditFilter{Action: "checkout"}, want: []string{"e2", "e1"}},
		{name: "by target", filter: model.AuditFilter{Target: "part-b"}, want: []string{"e4"}},
		{name: "time window", filter: model.AuditFilter{Since: base.Add(time.Minute), Until: base.Add(3 * time.Minute)}, want: []string{"e3", "e2"}},
		{name: "limit", filter: model.AuditFilter{Limit: 1}, want: []string{"e4"}},
		{name: "no match", filter: model.AuditFilter{Actor: "nobody"}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := log.Query(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Query() returned %d events, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("Query()[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}

	forced, err := log.Query(ctx, model.AuditFilter{Action: "checkin"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if forced[0].Details["forced"] != "true" || forced[0].Details["previous_owner"] != "alice" {
		t.Errorf("details = %v, want forced=true previous_owner=alice", forced[0].Details)
	}
	if !forced[0].Timestamp.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("timestamp = %v, want %v", forced[0].Timestamp, base.Add(2*time.Minute))
	}
}

func TestSQLiteAuditLog_DuplicateIDRejected(t *testing.T) {
	s, _ := newTestStore(t)
	log := NewSQLiteAuditLog(s.DB())
	ctx := context.Background()
	ev := &model.AuditEvent{ID: "e1", Timestamp: time.Now(), Actor: "a", Action: "checkout", Target: "x", Outcome: model.OutcomeSuccess}

	if err := log.Append(ctx, ev); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := log.Append(ctx, ev); err == nil {
		t.Error("Append() with a duplicate id should fail")
	}
}
