package authz

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/opencatalog/authz/logger"
)

// ============================================================================
// SUBJECT POLICY RESOLVER
// ============================================================================

// Resolver computes a user's effective policy set from the relationship
// store. It is a pure function of the store contents: no internal state
// beyond the loader and logger.
type Resolver struct {
	loader RelationshipLoader
	log    logger.Logger
}

func NewResolver(loader RelationshipLoader, log logger.Logger) *Resolver {
	if log == nil {
		log = logger.NewPhusluLogger()
	}
	return &Resolver{loader: loader, log: log}
}

// BatchLoadAncestorTeamIDs computes the ancestor-team closure of the seed
// set: the seeds plus every team reachable by following parent edges upward.
// The walk is an explicit-frontier breadth-first traversal guarded by a
// visited set, so it terminates on cyclic or self-referential hierarchies
// and its stack depth is independent of graph depth. One batched parent
// lookup is issued per hierarchy level.
//
// The returned slice is in discovery order (seeds first, then parents level
// by level), which the resolver relies on for deterministic assembly.
func BatchLoadAncestorTeamIDs(ctx context.Context, loader RelationshipLoader, seeds []uuid.UUID, include Include) ([]uuid.UUID, error) {
	visited := make(map[uuid.UUID]struct{}, len(seeds))
	order := make([]uuid.UUID, 0, len(seeds))
	frontier := make([]uuid.UUID, 0, len(seeds))
	for _, id := range seeds {
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		order = append(order, id)
		frontier = append(frontier, id)
	}

	for len(frontier) > 0 {
		parents, err := loader.FindParentTeamIDs(ctx, frontier, include)
		if err != nil {
			return nil, fmt.Errorf("load parent teams: %w", err)
		}
		next := frontier[:0:0]
		for _, child := range frontier {
			for _, parentID := range parents[child] {
				if _, ok := visited[parentID]; ok {
					continue
				}
				visited[parentID] = struct{}{}
				order = append(order, parentID)
				next = append(next, parentID)
			}
		}
		frontier = next
	}
	return order, nil
}

// ResolveUser loads the user record from the store.
func (r *Resolver) ResolveUser(ctx context.Context, userName string) (*User, error) {
	r.log.Debug("loading user context from store", "user", userName)
	return r.loader.LoadUserByName(ctx, userName, IncludeNonDeleted)
}

// ResolvePolicies computes the full UserPoliciesContext for a user:
// the ancestor-team closure, all roles reachable directly and via team
// default roles, all policies reachable via those roles and via direct team
// policies, and the compiled rules of each policy.
//
// Assembly order is fixed: the user's direct roles first, then for each team
// in discovery order its default roles, then every team's direct policies.
// Bots take only the first group; they do not inherit team policy.
func (r *Resolver) ResolvePolicies(ctx context.Context, userName string) (*UserPoliciesContext, error) {
	r.log.Debug("resolving policies", "user", userName)
	user, err := r.loader.LoadUserByName(ctx, userName, IncludeNonDeleted)
	if err != nil {
		return nil, fmt.Errorf("load user %q: %w", userName, err)
	}

	// Step 1: ancestor-team closure from the user's direct teams. Empty for
	// bots and for users without teams.
	seeds := make([]uuid.UUID, 0, len(user.Teams))
	for _, teamRef := range user.Teams {
		seeds = append(seeds, teamRef.ID)
	}
	var allTeamIDs []uuid.UUID
	if !user.IsBot && len(seeds) > 0 {
		allTeamIDs, err = BatchLoadAncestorTeamIDs(ctx, r.loader, seeds, IncludeNonDeleted)
		if err != nil {
			return nil, err
		}
	}
	teamsVisited := append([]uuid.UUID(nil), allTeamIDs...)

	// Step 2: team display names for PolicyContext assembly.
	teamNames := r.batchLoadEntityNames(ctx, EntityTeam, allTeamIDs)

	// Step 3: team->role and team->policy edges, one batched call each.
	teamToRoles, err := r.loader.BatchLoadTeamRoles(ctx, allTeamIDs, IncludeNonDeleted)
	if err != nil {
		return nil, fmt.Errorf("load team roles: %w", err)
	}
	teamToPolicies, err := r.loader.BatchLoadTeamPolicies(ctx, allTeamIDs, IncludeNonDeleted)
	if err != nil {
		return nil, fmt.Errorf("load team policies: %w", err)
	}

	// Step 4: candidate role set = direct roles plus every team default role.
	roleSeen := make(map[uuid.UUID]struct{})
	allRoleIDs := make([]uuid.UUID, 0, len(user.Roles))
	for _, roleRef := range user.Roles {
		if _, ok := roleSeen[roleRef.ID]; !ok {
			roleSeen[roleRef.ID] = struct{}{}
			allRoleIDs = append(allRoleIDs, roleRef.ID)
		}
	}
	for _, teamID := range allTeamIDs {
		for _, roleRef := range teamToRoles[teamID] {
			if _, ok := roleSeen[roleRef.ID]; !ok {
				roleSeen[roleRef.ID] = struct{}{}
				allRoleIDs = append(allRoleIDs, roleRef.ID)
			}
		}
	}

	// Step 5: role->policy edges and role names.
	roleToPolicies, err := r.loader.BatchLoadRolePolicies(ctx, allRoleIDs, IncludeNonDeleted)
	if err != nil {
		return nil, fmt.Errorf("load role policies: %w", err)
	}
	roleNames := r.batchLoadEntityNames(ctx, EntityRole, allRoleIDs)

	// Step 6: candidate policy set and per-policy rule compilation.
	policySeen := make(map[uuid.UUID]struct{})
	allPolicyIDs := make([]uuid.UUID, 0)
	for _, roleID := range allRoleIDs {
		for _, policyRef := range roleToPolicies[roleID] {
			if _, ok := policySeen[policyRef.ID]; !ok {
				policySeen[policyRef.ID] = struct{}{}
				allPolicyIDs = append(allPolicyIDs, policyRef.ID)
			}
		}
	}
	for _, teamID := range allTeamIDs {
		for _, policyRef := range teamToPolicies[teamID] {
			if _, ok := policySeen[policyRef.ID]; !ok {
				policySeen[policyRef.ID] = struct{}{}
				allPolicyIDs = append(allPolicyIDs, policyRef.ID)
			}
		}
	}
	policyRules := r.batchLoadPolicyRules(ctx, allPolicyIDs)

	// Step 7: assemble in precedence order.
	policies := make([]PolicyContext, 0, len(allPolicyIDs))

	// 7a: user's direct roles -> their policies.
	for _, roleRef := range user.Roles {
		roleName := nameOrFallback(roleNames, roleRef)
		for _, policyRef := range roleToPolicies[roleRef.ID] {
			rules, ok := policyRules[policyRef.ID]
			if !ok {
				continue
			}
			policies = append(policies, PolicyContext{
				Source:     SubjectSource{Kind: SourceUser, Name: user.Name},
				RoleName:   roleName,
				PolicyName: policyRef.Name,
				Rules:      rules,
			})
		}
	}

	if !user.IsBot {
		// 7b: team default roles -> their policies.
		for _, teamID := range allTeamIDs {
			teamName := teamNameOrID(teamNames, teamID)
			for _, roleRef := range teamToRoles[teamID] {
				roleName := nameOrFallback(roleNames, roleRef)
				for _, policyRef := range roleToPolicies[roleRef.ID] {
					rules, ok := policyRules[policyRef.ID]
					if !ok {
						continue
					}
					policies = append(policies, PolicyContext{
						Source:     SubjectSource{Kind: SourceTeam, Name: teamName},
						RoleName:   roleName,
						PolicyName: policyRef.Name,
						Rules:      rules,
					})
				}
			}
		}

		// 7c: direct team policies.
		for _, teamID := range allTeamIDs {
			teamName := teamNameOrID(teamNames, teamID)
			for _, policyRef := range teamToPolicies[teamID] {
				rules, ok := policyRules[policyRef.ID]
				if !ok {
					continue
				}
				policies = append(policies, PolicyContext{
					Source:     SubjectSource{Kind: SourceTeam, Name: teamName},
					PolicyName: policyRef.Name,
					Rules:      rules,
				})
			}
		}
	}

	r.log.Debug("resolved policies", "user", userName, "policies", len(policies), "teams", len(teamsVisited))
	return &UserPoliciesContext{Policies: policies, TeamsVisited: teamsVisited}, nil
}

// TeamPoliciesForResource resolves the direct policies of a team acting as a
// resource owner, plus those of its ancestors, skipping any team already in
// alreadyVisited. Team default roles are intentionally not followed here:
// owning a resource grants the owning team's policies, not its role grants.
// Returns the policies and the extended visited list so repeated calls never
// duplicate a team's contribution.
func (r *Resolver) TeamPoliciesForResource(ctx context.Context, teamID uuid.UUID, alreadyVisited []uuid.UUID) ([]PolicyContext, []uuid.UUID, error) {
	for _, id := range alreadyVisited {
		if id == teamID {
			return nil, alreadyVisited, nil
		}
	}

	closure, err := BatchLoadAncestorTeamIDs(ctx, r.loader, []uuid.UUID{teamID}, IncludeNonDeleted)
	if err != nil {
		return nil, alreadyVisited, err
	}

	seen := make(map[uuid.UUID]struct{}, len(alreadyVisited))
	for _, id := range alreadyVisited {
		seen[id] = struct{}{}
	}
	newTeamIDs := make([]uuid.UUID, 0, len(closure))
	for _, id := range closure {
		if _, ok := seen[id]; ok {
			continue
		}
		newTeamIDs = append(newTeamIDs, id)
		alreadyVisited = append(alreadyVisited, id)
	}
	if len(newTeamIDs) == 0 {
		return nil, alreadyVisited, nil
	}

	teamNames := r.batchLoadEntityNames(ctx, EntityTeam, newTeamIDs)
	teamToPolicies, err := r.loader.BatchLoadTeamPolicies(ctx, newTeamIDs, IncludeNonDeleted)
	if err != nil {
		return nil, alreadyVisited, fmt.Errorf("load team policies: %w", err)
	}

	policySeen := make(map[uuid.UUID]struct{})
	allPolicyIDs := make([]uuid.UUID, 0)
	for _, teamID := range newTeamIDs {
		for _, policyRef := range teamToPolicies[teamID] {
			if _, ok := policySeen[policyRef.ID]; !ok {
				policySeen[policyRef.ID] = struct{}{}
				allPolicyIDs = append(allPolicyIDs, policyRef.ID)
			}
		}
	}
	policyRules := r.batchLoadPolicyRules(ctx, allPolicyIDs)

	policies := make([]PolicyContext, 0, len(allPolicyIDs))
	for _, teamID := range newTeamIDs {
		teamName := teamNameOrID(teamNames, teamID)
		for _, policyRef := range teamToPolicies[teamID] {
			rules, ok := policyRules[policyRef.ID]
			if !ok {
				continue
			}
			policies = append(policies, PolicyContext{
				Source:     SubjectSource{Kind: SourceTeam, Name: teamName},
				PolicyName: policyRef.Name,
				Rules:      rules,
			})
		}
	}
	return policies, alreadyVisited, nil
}

// batchLoadEntityNames resolves display names for an id set. Failure here is
// not fatal: assembly falls back to reference names or raw ids.
func (r *Resolver) batchLoadEntityNames(ctx context.Context, entityType EntityType, ids []uuid.UUID) map[uuid.UUID]string {
	names := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return names
	}
	refs, err := r.loader.LoadEntityReferencesByIDs(ctx, entityType, ids, IncludeNonDeleted)
	if err != nil {
		r.log.Warn("failed to batch load entity names", "entity_type", entityType.String(), "error", err)
		return names
	}
	for _, ref := range refs {
		names[ref.ID] = ref.Name
	}
	return names
}

// batchLoadPolicyRules loads and compiles each policy's rules. A policy that
// fails to load is logged and omitted: authorization degrades by missing
// that policy's grants, never by failing the whole resolution.
func (r *Resolver) batchLoadPolicyRules(ctx context.Context, policyIDs []uuid.UUID) map[uuid.UUID][]CompiledRule {
	rules := make(map[uuid.UUID][]CompiledRule, len(policyIDs))
	for _, policyID := range policyIDs {
		policy, err := r.loader.LoadPolicyWithRules(ctx, policyID, IncludeNonDeleted)
		if err != nil {
			r.log.Warn("failed to load policy", "policy", policyID.String(), "error", err)
			continue
		}
		compiled := CompilePolicy(policy)
		if compiled == nil {
			compiled = []CompiledRule{}
		}
		rules[policy.ID] = compiled
	}
	return rules
}

func nameOrFallback(names map[uuid.UUID]string, ref EntityReference) string {
	if name, ok := names[ref.ID]; ok {
		return name
	}
	return ref.Name
}

func teamNameOrID(names map[uuid.UUID]string, teamID uuid.UUID) string {
	if name, ok := names[teamID]; ok {
		return name
	}
	return teamID.String()
}
