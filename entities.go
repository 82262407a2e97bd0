package authz

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// EntityType identifies the kind of a catalog entity this core reads.
// It is a closed enumeration; adding a kind requires updating String.
type EntityType uint8

const (
	EntityUser EntityType = iota
	EntityTeam
	EntityRole
	EntityPolicy
)

func (t EntityType) String() string {
	switch t {
	case EntityUser:
		return "user"
	case EntityTeam:
		return "team"
	case EntityRole:
		return "role"
	case EntityPolicy:
		return "policy"
	}
	return fmt.Sprintf("entityType(%d)", uint8(t))
}

// ParseEntityType maps the wire form back to the enum.
func ParseEntityType(s string) (EntityType, error) {
	switch s {
	case "user":
		return EntityUser, nil
	case "team":
		return EntityTeam, nil
	case "role":
		return EntityRole, nil
	case "policy":
		return EntityPolicy, nil
	}
	return 0, fmt.Errorf("unknown entity type: %q", s)
}

func (t EntityType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *EntityType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseEntityType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t EntityType) MarshalYAML() (any, error) {
	return t.String(), nil
}

func (t *EntityType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseEntityType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Include filters soft-deleted entities on read.
type Include uint8

const (
	IncludeNonDeleted Include = iota
	IncludeAll
)

// EntityReference is a lightweight pointer to an entity held by the
// identity/policy store.
type EntityReference struct {
	ID                 uuid.UUID  `json:"id" yaml:"id"`
	Type               EntityType `json:"type" yaml:"type"`
	Name               string     `json:"name" yaml:"name"`
	FullyQualifiedName string     `json:"fully_qualified_name,omitempty" yaml:"fully_qualified_name,omitempty"`
}

// User is the subject whose permissions are resolved. Read-only to this core.
type User struct {
	ID                 uuid.UUID         `json:"id" yaml:"id"`
	Name               string            `json:"name" yaml:"name"`
	IsAdmin            bool              `json:"is_admin" yaml:"is_admin"`
	IsBot              bool              `json:"is_bot" yaml:"is_bot"`
	AllowImpersonation bool              `json:"allow_impersonation" yaml:"allow_impersonation"`
	Deleted            bool              `json:"deleted" yaml:"deleted"`
	Roles              []EntityReference `json:"roles" yaml:"roles"`
	Teams              []EntityReference `json:"teams" yaml:"teams"`
	UpdatedAt          time.Time         `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Team is a node in the organizational hierarchy. Parents may form a DAG and,
// with corrupted data, cycles; consumers must never recurse over them.
type Team struct {
	ID           uuid.UUID         `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Deleted      bool              `json:"deleted" yaml:"deleted"`
	Parents      []EntityReference `json:"parents" yaml:"parents"`
	DefaultRoles []EntityReference `json:"default_roles" yaml:"default_roles"`
	Policies     []EntityReference `json:"policies" yaml:"policies"`
	UpdatedAt    time.Time         `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Role is a named bundle of policies.
type Role struct {
	ID        uuid.UUID         `json:"id" yaml:"id"`
	Name      string            `json:"name" yaml:"name"`
	Deleted   bool              `json:"deleted" yaml:"deleted"`
	Policies  []EntityReference `json:"policies" yaml:"policies"`
	UpdatedAt time.Time         `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Effect represents the outcome a rule grants
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Rule is one raw access-control rule inside a policy. Operations and
// resources are wildcard patterns; Condition is an optional predicate
// expression such as "isOwner()" or "matchTeam('team1')".
type Rule struct {
	Name       string   `json:"name" yaml:"name"`
	Effect     Effect   `json:"effect" yaml:"effect"`
	Operations []string `json:"operations" yaml:"operations"`
	Resources  []string `json:"resources" yaml:"resources"`
	Condition  string   `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Policy is an ordered rule list. Rule order is significant: evaluation is
// first-match-wins.
type Policy struct {
	ID        uuid.UUID `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Deleted   bool      `json:"deleted" yaml:"deleted"`
	Rules     []Rule    `json:"rules" yaml:"rules"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// ============================================================================
// RESOLVED POLICY CONTEXT
// ============================================================================

// SourceKind is the closed set of subject-source kinds a policy can apply
// through: the user directly, or a team in the user's ancestor hierarchy.
type SourceKind uint8

const (
	SourceUser SourceKind = iota
	SourceTeam
)

func (k SourceKind) String() string {
	if k == SourceUser {
		return "user"
	}
	return "team"
}

// SubjectSource names the entity a policy was reached through.
type SubjectSource struct {
	Kind SourceKind
	Name string
}

// PolicyContext is one resolved "this policy applies because of this
// role/team path" tuple. RoleName is empty for policies attached directly to
// a team.
type PolicyContext struct {
	Source     SubjectSource
	RoleName   string
	PolicyName string
	Rules      []CompiledRule
}

// UserPoliciesContext is the cached resolution result for one user:
// the ordered policy list plus the ancestor-team closure that produced it.
// Immutable once built.
type UserPoliciesContext struct {
	Policies     []PolicyContext
	TeamsVisited []uuid.UUID
}
