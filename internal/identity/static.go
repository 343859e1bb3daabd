package identity

import (
	"context"
	"crypto/subtle"
	"fmt"

	"pdm-go/internal/config"
	"pdm-go/internal/model"
	"pdm-go/internal/pdm"
)

type entry struct {
	actor model.Actor
	token []byte
}

// StaticProvider authenticates against the actors declared in the config
// file. Tokens are compared in constant time.
type StaticProvider struct {
	entries []entry
	byID    map[string]int
}

var _ pdm.IdentityProvider = (*StaticProvider)(nil)

func NewStaticProvider(actors []config.ActorConfig) (*StaticProvider, error) {
	p := &StaticProvider{byID: make(map[string]int, len(actors))}
	for _, a := range actors {
		role, ok := model.ParseRole(a.Role)
		if !ok {
			return nil, fmt.Errorf("actor %s: unknown role %q", a.ID, a.Role)
		}
		if _, dup := p.byID[a.ID]; dup {
			return nil, fmt.Errorf("actor %s declared twice", a.ID)
		}
		p.byID[a.ID] = len(p.entries)
		p.entries = append(p.entries, entry{
			actor: model.Actor{ID: a.ID, Role: role},
			token: []byte(a.Token),
		})
	}
	return p, nil
}

// Authenticate checks token against every declared actor so the time taken
// does not depend on which one matches.
func (p *StaticProvider) Authenticate(_ context.Context, token string) (*model.Actor, error) {
	if token == "" {
		return nil, pdm.ErrUnauthenticated
	}
	found := -1
	for i, e := range p.entries {
		if len(e.token) > 0 && subtle.ConstantTimeCompare(e.token, []byte(token)) == 1 {
			found = i
		}
	}
	if found < 0 {
		return nil, pdm.ErrUnauthenticated
	}
	a := p.entries[found].actor
	return &a, nil
}

func (p *StaticProvider) Lookup(_ context.Context, actorID string) (*model.Actor, error) {
	i, ok := p.byID[actorID]
	if !ok {
		return nil, fmt.Errorf("actor %s: %w", actorID, pdm.ErrNotFound)
	}
	a := p.entries[i].actor
	return &a, nil
}
