package stores

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/opencatalog/authz"
)

// MemoryEntityStore implements the relationship loader in-memory for
// testing/demo. Mutators do not invalidate any cache; callers that front
// this store with a SubjectCache own invalidation.
type MemoryEntityStore struct {
	mu          sync.RWMutex
	usersByName map[string]*authz.User
	teams       map[uuid.UUID]*authz.Team
	roles       map[uuid.UUID]*authz.Role
	policies    map[uuid.UUID]*authz.Policy
}

func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{
		usersByName: make(map[string]*authz.User),
		teams:       make(map[uuid.UUID]*authz.Team),
		roles:       make(map[uuid.UUID]*authz.Role),
		policies:    make(map[uuid.UUID]*authz.Policy),
	}
}

func (s *MemoryEntityStore) PutUser(u *authz.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usersByName[u.Name] = u
}

func (s *MemoryEntityStore) PutTeam(t *authz.Team) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[t.ID] = t
}

func (s *MemoryEntityStore) PutRole(r *authz.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[r.ID] = r
}

func (s *MemoryEntityStore) PutPolicy(p *authz.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p
}

func (s *MemoryEntityStore) LoadUserByName(ctx context.Context, name string, include authz.Include) (*authz.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByName[name]
	if !ok {
		return nil, fmt.Errorf("user not found: %s", name)
	}
	if u.Deleted && include != authz.IncludeAll {
		return nil, fmt.Errorf("user not found: %s", name)
	}
	cop := *u
	cop.Roles = append([]authz.EntityReference(nil), u.Roles...)
	cop.Teams = append([]authz.EntityReference(nil), u.Teams...)
	return &cop, nil
}

func (s *MemoryEntityStore) FindParentTeamIDs(ctx context.Context, teamIDs []uuid.UUID, include authz.Include) (map[uuid.UUID][]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[uuid.UUID][]uuid.UUID, len(teamIDs))
	for _, id := range teamIDs {
		team, ok := s.teams[id]
		if !ok {
			continue
		}
		for _, parentRef := range team.Parents {
			parent, ok := s.teams[parentRef.ID]
			if !ok {
				continue
			}
			if !refMatchesInclude(parent.Deleted, include) {
				continue
			}
			result[id] = append(result[id], parentRef.ID)
		}
	}
	return result, nil
}

func (s *MemoryEntityStore) BatchLoadTeamRoles(ctx context.Context, teamIDs []uuid.UUID, include authz.Include) (map[uuid.UUID][]authz.EntityReference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[uuid.UUID][]authz.EntityReference, len(teamIDs))
	for _, id := range teamIDs {
		team, ok := s.teams[id]
		if !ok {
			continue
		}
		for _, roleRef := range team.DefaultRoles {
			if role, ok := s.roles[roleRef.ID]; ok && !refMatchesInclude(role.Deleted, include) {
				continue
			}
			result[id] = append(result[id], roleRef)
		}
	}
	return result, nil
}

func (s *MemoryEntityStore) BatchLoadTeamPolicies(ctx context.Context, teamIDs []uuid.UUID, include authz.Include) (map[uuid.UUID][]authz.EntityReference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[uuid.UUID][]authz.EntityReference, len(teamIDs))
	for _, id := range teamIDs {
		team, ok := s.teams[id]
		if !ok {
			continue
		}
		for _, policyRef := range team.Policies {
			if policy, ok := s.policies[policyRef.ID]; ok && !refMatchesInclude(policy.Deleted, include) {
				continue
			}
			result[id] = append(result[id], policyRef)
		}
	}
	return result, nil
}

func (s *MemoryEntityStore) BatchLoadRolePolicies(ctx context.Context, roleIDs []uuid.UUID, include authz.Include) (map[uuid.UUID][]authz.EntityReference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[uuid.UUID][]authz.EntityReference, len(roleIDs))
	for _, id := range roleIDs {
		role, ok := s.roles[id]
		if !ok {
			continue
		}
		for _, policyRef := range role.Policies {
			if policy, ok := s.policies[policyRef.ID]; ok && !refMatchesInclude(policy.Deleted, include) {
				continue
			}
			result[id] = append(result[id], policyRef)
		}
	}
	return result, nil
}

func (s *MemoryEntityStore) LoadEntityReferencesByIDs(ctx context.Context, entityType authz.EntityType, ids []uuid.UUID, include authz.Include) ([]authz.EntityReference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]authz.EntityReference, 0, len(ids))
	for _, id := range ids {
		switch entityType {
		case authz.EntityTeam:
			if t, ok := s.teams[id]; ok && refMatchesInclude(t.Deleted, include) {
				refs = append(refs, authz.EntityReference{ID: t.ID, Type: authz.EntityTeam, Name: t.Name})
			}
		case authz.EntityRole:
			if r, ok := s.roles[id]; ok && refMatchesInclude(r.Deleted, include) {
				refs = append(refs, authz.EntityReference{ID: r.ID, Type: authz.EntityRole, Name: r.Name})
			}
		case authz.EntityPolicy:
			if p, ok := s.policies[id]; ok && refMatchesInclude(p.Deleted, include) {
				refs = append(refs, authz.EntityReference{ID: p.ID, Type: authz.EntityPolicy, Name: p.Name})
			}
		default:
			return nil, fmt.Errorf("unsupported reference type: %s", entityType)
		}
	}
	return refs, nil
}

func (s *MemoryEntityStore) LoadPolicyWithRules(ctx context.Context, policyID uuid.UUID, include authz.Include) (*authz.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[policyID]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", policyID)
	}
	if p.Deleted && include != authz.IncludeAll {
		return nil, fmt.Errorf("policy not found: %s", policyID)
	}
	cop := *p
	cop.Rules = append([]authz.Rule(nil), p.Rules...)
	return &cop, nil
}
