package authz

import (
	"context"

	"github.com/google/uuid"
)

// ============================================================================
// BATCH RELATIONSHIP LOADER
// ============================================================================

// RelationshipLoader is the read-only view of the identity/policy/team/role
// store this core consumes. Every method that takes an id set must resolve
// the whole set in one round trip; the resolver depends on that to avoid
// N+1 query explosions on deep hierarchies.
type RelationshipLoader interface {
	// LoadUserByName returns the user record with roles, teams and flags.
	// A missing user is an error; resolution for a nonexistent user fails
	// loudly at this boundary.
	LoadUserByName(ctx context.Context, name string, include Include) (*User, error)

	// FindParentTeamIDs returns, for each team in teamIDs, the ids of its
	// parent teams (one hierarchy level). Teams without parents may be
	// absent from the result map.
	FindParentTeamIDs(ctx context.Context, teamIDs []uuid.UUID, include Include) (map[uuid.UUID][]uuid.UUID, error)

	// BatchLoadTeamRoles returns the default role references of every team
	// in teamIDs, in attachment order.
	BatchLoadTeamRoles(ctx context.Context, teamIDs []uuid.UUID, include Include) (map[uuid.UUID][]EntityReference, error)

	// BatchLoadTeamPolicies returns the policy references attached directly
	// to every team in teamIDs, in attachment order.
	BatchLoadTeamPolicies(ctx context.Context, teamIDs []uuid.UUID, include Include) (map[uuid.UUID][]EntityReference, error)

	// BatchLoadRolePolicies returns the policy references of every role in
	// roleIDs, in attachment order.
	BatchLoadRolePolicies(ctx context.Context, roleIDs []uuid.UUID, include Include) (map[uuid.UUID][]EntityReference, error)

	// LoadEntityReferencesByIDs resolves display references (names) for a
	// whole id set of one entity type.
	LoadEntityReferencesByIDs(ctx context.Context, entityType EntityType, ids []uuid.UUID, include Include) ([]EntityReference, error)

	// LoadPolicyWithRules returns one policy with its full rule list.
	LoadPolicyWithRules(ctx context.Context, policyID uuid.UUID, include Include) (*Policy, error)
}
