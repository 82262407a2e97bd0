package authz

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// ============================================================================
// SUBJECT CONTEXT
// ============================================================================

// SubjectContext is a per-request read-only view of one subject: the user
// record plus question helpers backed by the cache. Build one per request
// via SubjectCache.GetSubjectContext; do not retain it across requests.
type SubjectContext struct {
	cache          *SubjectCache
	user           *User
	impersonatedBy *User

	once      sync.Once
	teamNames map[string]struct{}
}

func newSubjectContext(cache *SubjectCache, user, impersonatedBy *User) *SubjectContext {
	return &SubjectContext{cache: cache, user: user, impersonatedBy: impersonatedBy}
}

// User returns the subject's user record.
func (s *SubjectContext) User() *User { return s.user }

// ImpersonatedBy returns the calling bot when this context was created via
// impersonation, nil otherwise.
func (s *SubjectContext) ImpersonatedBy() *User { return s.impersonatedBy }

func (s *SubjectContext) IsAdmin() bool { return s.user != nil && s.user.IsAdmin }

func (s *SubjectContext) IsBot() bool { return s.user != nil && s.user.IsBot }

// GetPolicies returns the subject's ordered policy list, extended with the
// direct policies of any resource-owning teams not already covered by the
// subject's own team closure. The returned slice is fresh on every call;
// the cached context is never mutated.
func (s *SubjectContext) GetPolicies(ctx context.Context, resourceOwners []EntityReference) ([]PolicyContext, error) {
	upc, err := s.cache.GetPolicies(ctx, s.user.Name)
	if err != nil {
		return nil, err
	}
	policies := append([]PolicyContext{}, upc.Policies...)

	visited := append([]uuid.UUID{}, upc.TeamsVisited...)
	for _, owner := range resourceOwners {
		if owner.Type != EntityTeam {
			continue
		}
		ownerPolicies, extended, err := s.cache.GetTeamPoliciesForResource(ctx, owner.ID, visited)
		if err != nil {
			s.cache.log.Warn("failed to load owner team policies", "user", s.user.Name, "team", owner.Name, "error", err)
			continue
		}
		visited = extended
		policies = append(policies, ownerPolicies...)
	}
	return policies, nil
}

// ancestorTeamNames resolves the closure of the subject's teams to a name
// set, once per context.
func (s *SubjectContext) ancestorTeamNames(ctx context.Context) map[string]struct{} {
	s.once.Do(func() {
		s.teamNames = make(map[string]struct{})
		teamIDs := s.cache.GetVisitedTeams(ctx, s.user.Name)
		if len(teamIDs) == 0 {
			return
		}
		refs, err := s.cache.resolver.loader.LoadEntityReferencesByIDs(ctx, EntityTeam, teamIDs, IncludeNonDeleted)
		if err != nil {
			s.cache.log.Warn("failed to load ancestor team names", "user", s.user.Name, "error", err)
			return
		}
		for _, ref := range refs {
			s.teamNames[ref.Name] = struct{}{}
		}
	})
	return s.teamNames
}

// IsUserUnderTeam reports whether the named team is in the subject's
// ancestor-team closure.
func (s *SubjectContext) IsUserUnderTeam(ctx context.Context, teamName string) bool {
	_, ok := s.ancestorTeamNames(ctx)[teamName]
	return ok
}

// IsTeamAsset reports whether any owner reference resolves, through the
// owner's own ancestor closure, to the named team.
func (s *SubjectContext) IsTeamAsset(ctx context.Context, teamName string, owners []EntityReference) bool {
	for _, owner := range owners {
		if owner.Type != EntityTeam {
			continue
		}
		if owner.Name == teamName {
			return true
		}
		closure, err := BatchLoadAncestorTeamIDs(ctx, s.cache.resolver.loader, []uuid.UUID{owner.ID}, IncludeNonDeleted)
		if err != nil {
			s.cache.log.Warn("failed to load owner team closure", "team", owner.Name, "error", err)
			continue
		}
		refs, err := s.cache.resolver.loader.LoadEntityReferencesByIDs(ctx, EntityTeam, closure, IncludeNonDeleted)
		if err != nil {
			continue
		}
		for _, ref := range refs {
			if ref.Name == teamName {
				return true
			}
		}
	}
	return false
}

// IsReviewer reports whether the subject appears in the reviewer list,
// either directly by name or fully-qualified name, or through an ancestor
// team named as a reviewer.
func (s *SubjectContext) IsReviewer(ctx context.Context, reviewers []EntityReference) bool {
	for _, reviewer := range reviewers {
		switch reviewer.Type {
		case EntityUser:
			if reviewer.Name == s.user.Name || (reviewer.FullyQualifiedName != "" && reviewer.FullyQualifiedName == s.user.Name) {
				return true
			}
		case EntityTeam:
			if s.IsUserUnderTeam(ctx, reviewer.Name) {
				return true
			}
		}
	}
	return false
}

// HasRole reports whether the subject holds the named role, either directly
// or as a default role of any team in the ancestor closure. Cycle-safe via
// the closure's visited set.
func (s *SubjectContext) HasRole(ctx context.Context, roleName string) bool {
	for _, roleRef := range s.user.Roles {
		if roleRef.Name == roleName {
			return true
		}
	}
	if s.user.IsBot {
		return false
	}
	teamIDs := s.cache.GetVisitedTeams(ctx, s.user.Name)
	if len(teamIDs) == 0 {
		return false
	}
	teamToRoles, err := s.cache.resolver.loader.BatchLoadTeamRoles(ctx, teamIDs, IncludeNonDeleted)
	if err != nil {
		s.cache.log.Warn("failed to load team roles", "user", s.user.Name, "error", err)
		return false
	}
	for _, roleRefs := range teamToRoles {
		for _, roleRef := range roleRefs {
			if roleRef.Name == roleName {
				return true
			}
		}
	}
	return false
}

// RolesForTeams flattens the default roles of the given team references.
func RolesForTeams(teams []EntityReference, teamRoles map[uuid.UUID][]EntityReference) []EntityReference {
	seen := make(map[uuid.UUID]struct{})
	roles := make([]EntityReference, 0)
	for _, team := range teams {
		for _, roleRef := range teamRoles[team.ID] {
			if _, ok := seen[roleRef.ID]; ok {
				continue
			}
			seen[roleRef.ID] = struct{}{}
			roles = append(roles, roleRef)
		}
	}
	return roles
}

// IsInTeam reports whether the reference list contains a team with the
// given name.
func IsInTeam(teamName string, refs []EntityReference) bool {
	for _, ref := range refs {
		if ref.Type == EntityTeam && ref.Name == teamName {
			return true
		}
	}
	return false
}
