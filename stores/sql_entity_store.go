package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/squealx"

	"github.com/opencatalog/authz"
)

// Relationship kinds stored in entity_relationship. The entity type pair
// disambiguates 'has' edges.
const (
	RelationParentOf   = "parentOf"   // team -> child team
	RelationDefaultsTo = "defaultsTo" // team -> default role
	RelationHas        = "has"        // user -> role, team -> user, team/role -> policy
)

// SQLEntityStore persists entities and relationship edges in SQL (squealx)
// and serves them through the relationship loader interface. Every batch
// method issues a single named-parameter query over an IN list.
type SQLEntityStore struct {
	db *squealx.DB
}

func NewSQLEntityStore(db *squealx.DB) *SQLEntityStore {
	return &SQLEntityStore{db: db}
}

// ===== WRITE SIDE =====

func (s *SQLEntityStore) CreateUser(ctx context.Context, u *authz.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now()
	}
	q := `INSERT INTO users(id, name, is_admin, is_bot, allow_impersonation, deleted, updated_at) VALUES(:id, :name, :is_admin, :is_bot, :allow_impersonation, :deleted, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                  u.ID.String(),
		"name":                u.Name,
		"is_admin":            boolToInt(u.IsAdmin),
		"is_bot":              boolToInt(u.IsBot),
		"allow_impersonation": boolToInt(u.AllowImpersonation),
		"deleted":             boolToInt(u.Deleted),
		"updated_at":          u.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("insert user %s: %w", u.Name, err)
	}
	for _, roleRef := range u.Roles {
		if err := s.AddRelationship(ctx, u.ID, authz.EntityUser, roleRef.ID, authz.EntityRole, RelationHas); err != nil {
			return err
		}
	}
	for _, teamRef := range u.Teams {
		if err := s.AddRelationship(ctx, teamRef.ID, authz.EntityTeam, u.ID, authz.EntityUser, RelationHas); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLEntityStore) CreateTeam(ctx context.Context, t *authz.Team) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	q := `INSERT INTO teams(id, name, deleted, updated_at) VALUES(:id, :name, :deleted, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         t.ID.String(),
		"name":       t.Name,
		"deleted":    boolToInt(t.Deleted),
		"updated_at": t.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("insert team %s: %w", t.Name, err)
	}
	for _, parentRef := range t.Parents {
		if err := s.AddRelationship(ctx, parentRef.ID, authz.EntityTeam, t.ID, authz.EntityTeam, RelationParentOf); err != nil {
			return err
		}
	}
	for _, roleRef := range t.DefaultRoles {
		if err := s.AddRelationship(ctx, t.ID, authz.EntityTeam, roleRef.ID, authz.EntityRole, RelationDefaultsTo); err != nil {
			return err
		}
	}
	for _, policyRef := range t.Policies {
		if err := s.AddRelationship(ctx, t.ID, authz.EntityTeam, policyRef.ID, authz.EntityPolicy, RelationHas); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLEntityStore) CreateRole(ctx context.Context, r *authz.Role) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	q := `INSERT INTO roles(id, name, deleted, updated_at) VALUES(:id, :name, :deleted, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         r.ID.String(),
		"name":       r.Name,
		"deleted":    boolToInt(r.Deleted),
		"updated_at": r.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("insert role %s: %w", r.Name, err)
	}
	for _, policyRef := range r.Policies {
		if err := s.AddRelationship(ctx, r.ID, authz.EntityRole, policyRef.ID, authz.EntityPolicy, RelationHas); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLEntityStore) CreatePolicy(ctx context.Context, p *authz.Policy) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules for policy %s: %w", p.Name, err)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	q := `INSERT INTO policies(id, name, rules_json, deleted, updated_at) VALUES(:id, :name, :rules_json, :deleted, :updated_at)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         p.ID.String(),
		"name":       p.Name,
		"rules_json": string(rules),
		"deleted":    boolToInt(p.Deleted),
		"updated_at": p.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("insert policy %s: %w", p.Name, err)
	}
	return nil
}

func (s *SQLEntityStore) AddRelationship(ctx context.Context, fromID uuid.UUID, fromType authz.EntityType, toID uuid.UUID, toType authz.EntityType, relation string) error {
	q := `INSERT INTO entity_relationship(from_id, from_entity, to_id, to_entity, relation) VALUES(:from_id, :from_entity, :to_id, :to_entity, :relation)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"from_id":     fromID.String(),
		"from_entity": fromType.String(),
		"to_id":       toID.String(),
		"to_entity":   toType.String(),
		"relation":    relation,
	})
	if err != nil {
		return fmt.Errorf("insert relationship %s: %w", relation, err)
	}
	return nil
}

func (s *SQLEntityStore) DeleteRelationship(ctx context.Context, fromID, toID uuid.UUID, relation string) error {
	q := `DELETE FROM entity_relationship WHERE from_id = :from_id AND to_id = :to_id AND relation = :relation`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"from_id":  fromID.String(),
		"to_id":    toID.String(),
		"relation": relation,
	})
	return err
}

// ===== READ SIDE (relationship loader) =====

func (s *SQLEntityStore) LoadUserByName(ctx context.Context, name string, include authz.Include) (*authz.User, error) {
	q := `SELECT id, name, is_admin, is_bot, allow_impersonation, deleted, updated_at FROM users WHERE name = :name`
	if include != authz.IncludeAll {
		q += ` AND deleted = 0`
	}
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	var idv, namev string
	var isAdmin, isBot, allowImp, deleted int
	var updatedRaw interface{}
	if !r.Next() {
		r.Close()
		return nil, fmt.Errorf("user not found: %s", name)
	}
	if err := r.Scan(&idv, &namev, &isAdmin, &isBot, &allowImp, &deleted, &updatedRaw); err != nil {
		r.Close()
		return nil, err
	}
	// Release the row set before the edge queries: an open result set pins a
	// pool connection, and the edge queries must not be forced onto a second
	// one.
	if err := r.Close(); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idv)
	if err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", idv, err)
	}
	u := &authz.User{
		ID:                 id,
		Name:               namev,
		IsAdmin:            isAdmin != 0,
		IsBot:              isBot != 0,
		AllowImpersonation: allowImp != 0,
		Deleted:            deleted != 0,
		UpdatedAt:          scanTime(updatedRaw),
	}
	u.Roles, err = s.userRoles(ctx, id, include)
	if err != nil {
		return nil, err
	}
	u.Teams, err = s.userTeams(ctx, id, include)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *SQLEntityStore) userRoles(ctx context.Context, userID uuid.UUID, include authz.Include) ([]authz.EntityReference, error) {
	q := `SELECT r.id, r.name FROM entity_relationship er JOIN roles r ON r.id = er.to_id
		WHERE er.from_id = :user_id AND er.relation = :relation AND er.to_entity = 'role'`
	if include != authz.IncludeAll {
		q += ` AND r.deleted = 0`
	}
	q += ` ORDER BY er.seq`
	return s.queryRefs(ctx, q, map[string]any{"user_id": userID.String(), "relation": RelationHas}, authz.EntityRole)
}

func (s *SQLEntityStore) userTeams(ctx context.Context, userID uuid.UUID, include authz.Include) ([]authz.EntityReference, error) {
	q := `SELECT t.id, t.name FROM entity_relationship er JOIN teams t ON t.id = er.from_id
		WHERE er.to_id = :user_id AND er.relation = :relation AND er.from_entity = 'team'`
	if include != authz.IncludeAll {
		q += ` AND t.deleted = 0`
	}
	q += ` ORDER BY er.seq`
	return s.queryRefs(ctx, q, map[string]any{"user_id": userID.String(), "relation": RelationHas}, authz.EntityTeam)
}

func (s *SQLEntityStore) FindParentTeamIDs(ctx context.Context, teamIDs []uuid.UUID, include authz.Include) (map[uuid.UUID][]uuid.UUID, error) {
	if len(teamIDs) == 0 {
		return map[uuid.UUID][]uuid.UUID{}, nil
	}
	in, args := inParams("team", teamIDs)
	q := fmt.Sprintf(`SELECT er.to_id, er.from_id FROM entity_relationship er JOIN teams t ON t.id = er.from_id
		WHERE er.relation = :relation AND er.to_entity = 'team' AND er.to_id IN (%s)`, in)
	if include != authz.IncludeAll {
		q += ` AND t.deleted = 0`
	}
	q += ` ORDER BY er.seq`
	args["relation"] = RelationParentOf
	r, err := s.db.NamedQueryContext(ctx, q, args)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	result := make(map[uuid.UUID][]uuid.UUID, len(teamIDs))
	for r.Next() {
		var childv, parentv string
		if err := r.Scan(&childv, &parentv); err != nil {
			return nil, err
		}
		child, err := uuid.Parse(childv)
		if err != nil {
			continue
		}
		parent, err := uuid.Parse(parentv)
		if err != nil {
			continue
		}
		result[child] = append(result[child], parent)
	}
	return result, nil
}

func (s *SQLEntityStore) BatchLoadTeamRoles(ctx context.Context, teamIDs []uuid.UUID, include authz.Include) (map[uuid.UUID][]authz.EntityReference, error) {
	return s.batchEdges(ctx, teamIDs, RelationDefaultsTo, "roles", authz.EntityRole, include)
}

func (s *SQLEntityStore) BatchLoadTeamPolicies(ctx context.Context, teamIDs []uuid.UUID, include authz.Include) (map[uuid.UUID][]authz.EntityReference, error) {
	return s.batchEdgesFrom(ctx, teamIDs, RelationHas, "team", "policies", authz.EntityPolicy, include)
}

func (s *SQLEntityStore) BatchLoadRolePolicies(ctx context.Context, roleIDs []uuid.UUID, include authz.Include) (map[uuid.UUID][]authz.EntityReference, error) {
	return s.batchEdgesFrom(ctx, roleIDs, RelationHas, "role", "policies", authz.EntityPolicy, include)
}

func (s *SQLEntityStore) batchEdges(ctx context.Context, fromIDs []uuid.UUID, relation, toTable string, toType authz.EntityType, include authz.Include) (map[uuid.UUID][]authz.EntityReference, error) {
	return s.batchEdgesFrom(ctx, fromIDs, relation, "", toTable, toType, include)
}

// batchEdgesFrom resolves from_id -> []reference for one relation in a
// single query. fromEntity narrows 'has' edges to the right source type.
func (s *SQLEntityStore) batchEdgesFrom(ctx context.Context, fromIDs []uuid.UUID, relation, fromEntity, toTable string, toType authz.EntityType, include authz.Include) (map[uuid.UUID][]authz.EntityReference, error) {
	if len(fromIDs) == 0 {
		return map[uuid.UUID][]authz.EntityReference{}, nil
	}
	in, args := inParams("from", fromIDs)
	q := fmt.Sprintf(`SELECT er.from_id, e.id, e.name FROM entity_relationship er JOIN %s e ON e.id = er.to_id
		WHERE er.relation = :relation AND er.to_entity = :to_entity AND er.from_id IN (%s)`, toTable, in)
	args["relation"] = relation
	args["to_entity"] = toType.String()
	if fromEntity != "" {
		q += ` AND er.from_entity = :from_entity`
		args["from_entity"] = fromEntity
	}
	if include != authz.IncludeAll {
		q += ` AND e.deleted = 0`
	}
	q += ` ORDER BY er.seq`
	r, err := s.db.NamedQueryContext(ctx, q, args)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	result := make(map[uuid.UUID][]authz.EntityReference, len(fromIDs))
	for r.Next() {
		var fromv, idv, namev string
		if err := r.Scan(&fromv, &idv, &namev); err != nil {
			return nil, err
		}
		from, err := uuid.Parse(fromv)
		if err != nil {
			continue
		}
		id, err := uuid.Parse(idv)
		if err != nil {
			continue
		}
		result[from] = append(result[from], authz.EntityReference{ID: id, Type: toType, Name: namev})
	}
	return result, nil
}

func (s *SQLEntityStore) LoadEntityReferencesByIDs(ctx context.Context, entityType authz.EntityType, ids []uuid.UUID, include authz.Include) ([]authz.EntityReference, error) {
	if len(ids) == 0 {
		return []authz.EntityReference{}, nil
	}
	table, err := tableFor(entityType)
	if err != nil {
		return nil, err
	}
	in, args := inParams("id", ids)
	q := fmt.Sprintf(`SELECT id, name FROM %s WHERE id IN (%s)`, table, in)
	if include != authz.IncludeAll {
		q += ` AND deleted = 0`
	}
	return s.queryRefs(ctx, q, args, entityType)
}

func (s *SQLEntityStore) LoadPolicyWithRules(ctx context.Context, policyID uuid.UUID, include authz.Include) (*authz.Policy, error) {
	q := `SELECT id, name, rules_json, deleted, updated_at FROM policies WHERE id = :id`
	if include != authz.IncludeAll {
		q += ` AND deleted = 0`
	}
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": policyID.String()})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("policy not found: %s", policyID)
	}
	var idv, namev, rulesJSON string
	var deleted int
	var updatedRaw interface{}
	if err := r.Scan(&idv, &namev, &rulesJSON, &deleted, &updatedRaw); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idv)
	if err != nil {
		return nil, fmt.Errorf("invalid policy id %q: %w", idv, err)
	}
	p := &authz.Policy{ID: id, Name: namev, Deleted: deleted != 0, UpdatedAt: scanTime(updatedRaw)}
	if rulesJSON != "" {
		if err := json.Unmarshal([]byte(rulesJSON), &p.Rules); err != nil {
			return nil, fmt.Errorf("unmarshal rules for policy %s: %w", namev, err)
		}
	}
	return p, nil
}

func (s *SQLEntityStore) queryRefs(ctx context.Context, q string, args map[string]any, refType authz.EntityType) ([]authz.EntityReference, error) {
	r, err := s.db.NamedQueryContext(ctx, q, args)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	refs := make([]authz.EntityReference, 0)
	for r.Next() {
		var idv, namev string
		if err := r.Scan(&idv, &namev); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idv)
		if err != nil {
			continue
		}
		refs = append(refs, authz.EntityReference{ID: id, Type: refType, Name: namev})
	}
	return refs, nil
}

func tableFor(entityType authz.EntityType) (string, error) {
	switch entityType {
	case authz.EntityUser:
		return "users", nil
	case authz.EntityTeam:
		return "teams", nil
	case authz.EntityRole:
		return "roles", nil
	case authz.EntityPolicy:
		return "policies", nil
	}
	return "", fmt.Errorf("unsupported entity type: %s", entityType)
}
