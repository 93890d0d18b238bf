// Package roles resolves actor roles for the transition role gate.
package roles

import (
	"context"
	"strings"
	"sync"

	"subsidy-workflow/internal/models"
	"subsidy-workflow/internal/workflow"
)

// Normalize lower-cases names and keeps only roles the workflow knows about.
func Normalize(names []string) []models.Role {
	seen := make(map[models.Role]bool, len(names))
	out := make([]models.Role, 0, len(names))
	for _, n := range names {
		r := models.Role(strings.ToLower(strings.TrimSpace(n)))
		if r.IsKnown() && !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

// StaticProvider serves roles from a fixed map. Unknown actors have no roles.
type StaticProvider struct {
	mu    sync.RWMutex
	roles map[string][]models.Role
}

var _ workflow.RoleProvider = (*StaticProvider)(nil)

func NewStaticProvider(roles map[string][]models.Role) *StaticProvider {
	p := &StaticProvider{roles: make(map[string][]models.Role, len(roles))}
	for actor, rs := range roles {
		p.roles[actor] = append([]models.Role(nil), rs...)
	}
	return p
}

// FromConfig builds a StaticProvider from actor -> role-name lists.
func FromConfig(assignments map[string][]string) *StaticProvider {
	p := &StaticProvider{roles: make(map[string][]models.Role, len(assignments))}
	for actor, names := range assignments {
		p.roles[actor] = Normalize(names)
	}
	return p
}

func (p *StaticProvider) RolesOf(_ context.Context, actorID string) ([]models.Role, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]models.Role(nil), p.roles[actorID]...), nil
}

// Set replaces the roles of one actor.
func (p *StaticProvider) Set(actorID string, roles ...models.Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roles[actorID] = append([]models.Role(nil), roles...)
}
