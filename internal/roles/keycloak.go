package roles

import (
	"context"

	apperrors "subsidy-workflow/internal/common/errors"
	"subsidy-workflow/internal/models"
	"subsidy-workflow/internal/workflow"
)

// RealmRoleSource is the part of the Keycloak client the provider needs.
type RealmRoleSource interface {
	GetRealmRoles(ctx context.Context, userID string) ([]string, error)
}

// KeycloakProvider maps a user's Keycloak realm roles onto workflow roles.
type KeycloakProvider struct {
	source RealmRoleSource
}

var _ workflow.RoleProvider = (*KeycloakProvider)(nil)

func NewKeycloakProvider(source RealmRoleSource) *KeycloakProvider {
	return &KeycloakProvider{source: source}
}

// RolesOf returns the workflow roles of actorID. A user unknown to Keycloak
// holds no roles rather than failing the lookup.
func (p *KeycloakProvider) RolesOf(ctx context.Context, actorID string) ([]models.Role, error) {
	names, err := p.source.GetRealmRoles(ctx, actorID)
	if err != nil {
		if apperrors.IsCode(err, "USER_NOT_FOUND") {
			return nil, nil
		}
		return nil, err
	}
	return Normalize(names), nil
}
