package identity

import (
	"context"
	"errors"
	"testing"

	"pdm-go/internal/config"
	"pdm-go/internal/model"
	"pdm-go/internal/pdm"
)

func testActors() []config.ActorConfig {
	return []config.ActorConfig{
		{ID: "alice", Role: "ordinary", Token: "alice-token"},
		{ID: "admin", Role: "elevated", Token: "admin-token"},
		{ID: "robot", Role: "ordinary"},
	}
}

func TestStaticProvider_Authenticate(t *testing.T) {
	p, err := NewStaticProvider(testActors())
	if err != nil {
		t.Fatalf("NewStaticProvider() error = %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		token    string
		wantID   string
		wantRole model.Role
		wantErr  error
	}{
		{token: "alice-token", wantID: "alice", wantRole: model.RoleOrdinary},
		{token: "admin-token", wantID: "admin", wantRole: model.RoleElevated},
		{token: "", wantErr: pdm.ErrUnauthenticated},
		{token: "alice-token ", wantErr: pdm.ErrUnauthenticated},
		{token: "guess", wantErr: pdm.ErrUnauthenticated},
	}
	for _, tt := range tests {
		a, err := p.Authenticate(ctx, tt.token)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Authenticate(%q) error = %v, want %v", tt.token, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("Authenticate(%q) error = %v", tt.token, err)
			continue
		}
		if a.ID != tt.wantID || a.Role != tt.wantRole {
			t.Errorf("Authenticate(%q) = %+v, want %s/%s", tt.token, a, tt.wantID, tt.wantRole)
		}
	}
}

func TestStaticProvider_Lookup(t *testing.T) {
	p, err := NewStaticProvider(testActors())
	if err != nil {
		t.Fatalf("NewStaticProvider() error = %v", err)
	}
	a, err := p.Lookup(context.Background(), "robot")
	if err != nil || a.ID != "robot" {
		t.Fatalf("Lookup(robot) = %+v, %v", a, err)
	}
	// Mutating the returned actor does not leak into the provider.
	a.Role = model.RoleElevated
	again, _ := p.Lookup(context.Background(), "robot")
	if again.Role != model.RoleOrdinary {
		t.Error("Lookup returned a shared actor")
	}
	if _, err := p.Lookup(context.Background(), "mallory"); !errors.Is(err, pdm.ErrNotFound) {
		t.Errorf("Lookup(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestNewStaticProvider_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		actors []config.ActorConfig
	}{
		{name: "unknown role", actors: []config.ActorConfig{{ID: "x", Role: "root", Token: "t"}}},
		{name: "duplicate", actors: []config.ActorConfig{{ID: "x", Role: "ordinary"}, {ID: "x", Role: "elevated"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewStaticProvider(tt.actors); err == nil {
				t.Error("NewStaticProvider() should fail")
			}
		})
	}
}
