package stores

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/opencatalog/authz"
)

func TestMemoryStoreLoadUser(t *testing.T) {
	store := NewMemoryEntityStore()
	role := &authz.Role{ID: uuid.New(), Name: "viewer"}
	store.PutRole(role)
	store.PutUser(&authz.User{
		ID:    uuid.New(),
		Name:  "alice",
		Roles: []authz.EntityReference{{ID: role.ID, Type: authz.EntityRole, Name: "viewer"}},
	})

	ctx := context.Background()
	u, err := store.LoadUserByName(ctx, "alice", authz.IncludeNonDeleted)
	if err != nil {
		t.Fatalf("load user: %v", err)
	}
	if len(u.Roles) != 1 || u.Roles[0].Name != "viewer" {
		t.Fatalf("unexpected roles: %+v", u.Roles)
	}

	if _, err := store.LoadUserByName(ctx, "bob", authz.IncludeNonDeleted); err == nil {
		t.Fatalf("expected error for missing user")
	}
}

func TestMemoryStoreSoftDelete(t *testing.T) {
	store := NewMemoryEntityStore()
	store.PutUser(&authz.User{ID: uuid.New(), Name: "ghost", Deleted: true})

	ctx := context.Background()
	if _, err := store.LoadUserByName(ctx, "ghost", authz.IncludeNonDeleted); err == nil {
		t.Fatalf("soft-deleted user must be hidden by default")
	}
	if _, err := store.LoadUserByName(ctx, "ghost", authz.IncludeAll); err != nil {
		t.Fatalf("IncludeAll must surface soft-deleted users: %v", err)
	}

	parent := &authz.Team{ID: uuid.New(), Name: "gone", Deleted: true}
	child := &authz.Team{ID: uuid.New(), Name: "child", Parents: []authz.EntityReference{{ID: parent.ID, Type: authz.EntityTeam, Name: "gone"}}}
	store.PutTeam(parent)
	store.PutTeam(child)

	parents, err := store.FindParentTeamIDs(ctx, []uuid.UUID{child.ID}, authz.IncludeNonDeleted)
	if err != nil {
		t.Fatalf("find parents: %v", err)
	}
	if len(parents[child.ID]) != 0 {
		t.Fatalf("deleted parent must be filtered, got %v", parents)
	}
	parents, err = store.FindParentTeamIDs(ctx, []uuid.UUID{child.ID}, authz.IncludeAll)
	if err != nil {
		t.Fatalf("find parents: %v", err)
	}
	if len(parents[child.ID]) != 1 {
		t.Fatalf("IncludeAll must surface the deleted parent")
	}
}

func TestMemoryStoreDefensiveCopies(t *testing.T) {
	store := NewMemoryEntityStore()
	policy := &authz.Policy{ID: uuid.New(), Name: "p", Rules: []authz.Rule{{Name: "r", Effect: authz.EffectAllow, Operations: []string{"*"}, Resources: []string{"*"}}}}
	store.PutPolicy(policy)

	ctx := context.Background()
	got, err := store.LoadPolicyWithRules(ctx, policy.ID, authz.IncludeNonDeleted)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	got.Rules[0].Name = "mutated"

	again, err := store.LoadPolicyWithRules(ctx, policy.ID, authz.IncludeNonDeleted)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if again.Rules[0].Name != "r" {
		t.Fatalf("store contents must not be mutable through loads")
	}
}

func TestMemoryStoreEntityReferences(t *testing.T) {
	store := NewMemoryEntityStore()
	live := &authz.Team{ID: uuid.New(), Name: "live"}
	dead := &authz.Team{ID: uuid.New(), Name: "dead", Deleted: true}
	store.PutTeam(live)
	store.PutTeam(dead)

	refs, err := store.LoadEntityReferencesByIDs(context.Background(), authz.EntityTeam, []uuid.UUID{live.ID, dead.ID}, authz.IncludeNonDeleted)
	if err != nil {
		t.Fatalf("load refs: %v", err)
	}
	if len(refs) != 1 || refs[0].Name != "live" {
		t.Fatalf("expected only the live team, got %+v", refs)
	}
}
