package stores

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/opencatalog/authz"
	"github.com/opencatalog/authz/logger"
)

func newSQLStore(t *testing.T) *SQLEntityStore {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	// Every pool connection to :memory: is its own database; pin the pool to
	// one connection so the schema is visible to all queries.
	sqlDB.SetMaxOpenConns(1)
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")

	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewSQLEntityStore(db)
}

// seedSQLHierarchy builds team1 <- team11 <- team111 with a default role and
// a direct policy per team, plus user alice in team111.
func seedSQLHierarchy(t *testing.T, store *SQLEntityStore) {
	t.Helper()
	ctx := context.Background()

	mkPolicy := func(name string) authz.EntityReference {
		p := &authz.Policy{Name: name, Rules: []authz.Rule{{Name: "all", Effect: authz.EffectAllow, Operations: []string{"*"}, Resources: []string{"*"}}}}
		if err := store.CreatePolicy(ctx, p); err != nil {
			t.Fatalf("create policy %s: %v", name, err)
		}
		return authz.EntityReference{ID: p.ID, Type: authz.EntityPolicy, Name: name}
	}
	mkRole := func(name string, policies ...authz.EntityReference) authz.EntityReference {
		r := &authz.Role{Name: name, Policies: policies}
		if err := store.CreateRole(ctx, r); err != nil {
			t.Fatalf("create role %s: %v", name, err)
		}
		return authz.EntityReference{ID: r.ID, Type: authz.EntityRole, Name: name}
	}
	mkTeam := func(name string, parents ...authz.EntityReference) authz.EntityReference {
		team := &authz.Team{
			Name:         name,
			Parents:      parents,
			DefaultRoles: []authz.EntityReference{mkRole(name+"_role", mkPolicy(name+"_role_policy"))},
			Policies:     []authz.EntityReference{mkPolicy(name + "_policy")},
		}
		if err := store.CreateTeam(ctx, team); err != nil {
			t.Fatalf("create team %s: %v", name, err)
		}
		return authz.EntityReference{ID: team.ID, Type: authz.EntityTeam, Name: name}
	}

	team1 := mkTeam("team1")
	team11 := mkTeam("team11", team1)
	team111 := mkTeam("team111", team11)

	viewer := mkRole("viewer", mkPolicy("viewer_policy"))
	user := &authz.User{
		Name:  "alice",
		Roles: []authz.EntityReference{viewer},
		Teams: []authz.EntityReference{team111},
	}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
}

func TestSQLStoreLoadUser(t *testing.T) {
	store := newSQLStore(t)
	seedSQLHierarchy(t, store)
	ctx := context.Background()

	u, err := store.LoadUserByName(ctx, "alice", authz.IncludeNonDeleted)
	if err != nil {
		t.Fatalf("load user: %v", err)
	}
	if len(u.Roles) != 1 || u.Roles[0].Name != "viewer" {
		t.Fatalf("unexpected roles: %+v", u.Roles)
	}
	if len(u.Teams) != 1 || u.Teams[0].Name != "team111" {
		t.Fatalf("unexpected teams: %+v", u.Teams)
	}
	if u.UpdatedAt.IsZero() {
		t.Fatalf("expected a scanned timestamp")
	}
}

func TestSQLStoreBatchParents(t *testing.T) {
	store := newSQLStore(t)
	seedSQLHierarchy(t, store)
	ctx := context.Background()

	u, err := store.LoadUserByName(ctx, "alice", authz.IncludeNonDeleted)
	if err != nil {
		t.Fatalf("load user: %v", err)
	}

	closure, err := authz.BatchLoadAncestorTeamIDs(ctx, store, []uuid.UUID{u.Teams[0].ID}, authz.IncludeNonDeleted)
	if err != nil {
		t.Fatalf("closure: %v", err)
	}
	if len(closure) != 3 {
		t.Fatalf("expected team111, team11, team1 in the closure, got %d", len(closure))
	}

	refs, err := store.LoadEntityReferencesByIDs(ctx, authz.EntityTeam, closure, authz.IncludeNonDeleted)
	if err != nil {
		t.Fatalf("load refs: %v", err)
	}
	names := make(map[string]bool, len(refs))
	for _, ref := range refs {
		names[ref.Name] = true
	}
	for _, want := range []string{"team111", "team11", "team1"} {
		if !names[want] {
			t.Fatalf("missing %s in closure refs: %+v", want, refs)
		}
	}
}

func TestSQLStorePolicyRules(t *testing.T) {
	store := newSQLStore(t)
	ctx := context.Background()

	p := &authz.Policy{Name: "edit_policy", Rules: []authz.Rule{
		{Name: "edit", Effect: authz.EffectAllow, Operations: []string{"Edit*"}, Resources: []string{"table"}, Condition: "isOwner()"},
	}}
	if err := store.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	got, err := store.LoadPolicyWithRules(ctx, p.ID, authz.IncludeNonDeleted)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if len(got.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(got.Rules))
	}
	r := got.Rules[0]
	if r.Name != "edit" || r.Effect != authz.EffectAllow || r.Condition != "isOwner()" {
		t.Fatalf("rule did not survive storage: %+v", r)
	}

	if _, err := store.LoadPolicyWithRules(ctx, uuid.New(), authz.IncludeNonDeleted); err == nil {
		t.Fatalf("expected error for missing policy")
	}
}

func TestSQLStoreSoftDeleteFilter(t *testing.T) {
	store := newSQLStore(t)
	ctx := context.Background()

	deadPolicy := &authz.Policy{Name: "dead_policy", Deleted: true}
	if err := store.CreatePolicy(ctx, deadPolicy); err != nil {
		t.Fatalf("create policy: %v", err)
	}
	role := &authz.Role{Name: "role_with_dead", Policies: []authz.EntityReference{{ID: deadPolicy.ID, Type: authz.EntityPolicy, Name: "dead_policy"}}}
	if err := store.CreateRole(ctx, role); err != nil {
		t.Fatalf("create role: %v", err)
	}

	edges, err := store.BatchLoadRolePolicies(ctx, []uuid.UUID{role.ID}, authz.IncludeNonDeleted)
	if err != nil {
		t.Fatalf("batch role policies: %v", err)
	}
	if len(edges[role.ID]) != 0 {
		t.Fatalf("deleted policy must be filtered, got %+v", edges)
	}

	edges, err = store.BatchLoadRolePolicies(ctx, []uuid.UUID{role.ID}, authz.IncludeAll)
	if err != nil {
		t.Fatalf("batch role policies: %v", err)
	}
	if len(edges[role.ID]) != 1 {
		t.Fatalf("IncludeAll must surface the deleted policy")
	}
}

func TestSQLStoreBackedSubjectCache(t *testing.T) {
	store := newSQLStore(t)
	seedSQLHierarchy(t, store)

	cache, err := authz.NewSubjectCache(store, authz.WithLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	upc, err := cache.GetPolicies(ctx, "alice")
	if err != nil {
		t.Fatalf("get policies: %v", err)
	}

	// viewer_policy + 3 team default-role policies + 3 direct team policies.
	if len(upc.Policies) != 7 {
		names := make([]string, 0, len(upc.Policies))
		for _, pc := range upc.Policies {
			names = append(names, pc.PolicyName)
		}
		t.Fatalf("expected 7 policies, got %d: %v", len(upc.Policies), names)
	}
	if upc.Policies[0].PolicyName != "viewer_policy" {
		t.Fatalf("direct role policy must come first, got %s", upc.Policies[0].PolicyName)
	}
	if len(upc.TeamsVisited) != 3 {
		t.Fatalf("expected 3 visited teams, got %d", len(upc.TeamsVisited))
	}
}
