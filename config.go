package authz

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config represents the complete subject cache configuration, including
// optional seed entities for bootstrapping a store.
type Config struct {
	Cache     CacheConfig       `json:"cache" yaml:"cache"`
	Users     []*User           `json:"users,omitempty" yaml:"users,omitempty"`
	Teams     []*Team           `json:"teams,omitempty" yaml:"teams,omitempty"`
	Roles     []*Role           `json:"roles,omitempty" yaml:"roles,omitempty"`
	Policies  []*Policy         `json:"policies,omitempty" yaml:"policies,omitempty"`
	Hierarchy map[string]string `json:"hierarchy,omitempty" yaml:"hierarchy,omitempty"` // child team -> parent team
}

type CacheConfig struct {
	PolicyCacheSize      int64 `json:"policy_cache_size" yaml:"policy_cache_size"`
	PolicyCacheTTL       int64 `json:"policy_cache_ttl_ms" yaml:"policy_cache_ttl_ms"`
	UserCacheSize        int64 `json:"user_cache_size" yaml:"user_cache_size"`
	UserCacheTTL         int64 `json:"user_cache_ttl_ms" yaml:"user_cache_ttl_ms"`
	RistrettoNumCounters int64 `json:"ristretto_num_counters" yaml:"ristretto_num_counters"`
	RistrettoBuffer      int64 `json:"ristretto_buffer" yaml:"ristretto_buffer"`
}

// DefaultCacheConfig mirrors the built-in cache defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		PolicyCacheSize: defaultPolicyCacheSize,
		PolicyCacheTTL:  defaultPolicyCacheTTL.Milliseconds(),
		UserCacheSize:   defaultUserCacheSize,
		UserCacheTTL:    defaultUserCacheTTL.Milliseconds(),
	}
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks internal consistency: non-negative cache settings, unique
// entity names, a hierarchy that only references declared teams, and
// name-only references that resolve to declared entities.
func (c *Config) Validate() error {
	if c.Cache.PolicyCacheSize < 0 || c.Cache.UserCacheSize < 0 {
		return fmt.Errorf("cache sizes must be non-negative")
	}
	if c.Cache.PolicyCacheTTL < 0 || c.Cache.UserCacheTTL < 0 {
		return fmt.Errorf("cache ttls must be non-negative")
	}

	teamNames := make(map[string]struct{}, len(c.Teams))
	for _, t := range c.Teams {
		if t.Name == "" {
			return fmt.Errorf("team with empty name")
		}
		if _, ok := teamNames[t.Name]; ok {
			return fmt.Errorf("duplicate team %q", t.Name)
		}
		teamNames[t.Name] = struct{}{}
	}
	userNames := make(map[string]struct{}, len(c.Users))
	for _, u := range c.Users {
		if u.Name == "" {
			return fmt.Errorf("user with empty name")
		}
		if _, ok := userNames[u.Name]; ok {
			return fmt.Errorf("duplicate user %q", u.Name)
		}
		userNames[u.Name] = struct{}{}
	}
	roleNames := make(map[string]struct{}, len(c.Roles))
	for _, r := range c.Roles {
		if r.Name == "" {
			return fmt.Errorf("role with empty name")
		}
		if _, ok := roleNames[r.Name]; ok {
			return fmt.Errorf("duplicate role %q", r.Name)
		}
		roleNames[r.Name] = struct{}{}
	}
	policyNames := make(map[string]struct{}, len(c.Policies))
	for _, p := range c.Policies {
		if p.Name == "" {
			return fmt.Errorf("policy with empty name")
		}
		if _, ok := policyNames[p.Name]; ok {
			return fmt.Errorf("duplicate policy %q", p.Name)
		}
		policyNames[p.Name] = struct{}{}
	}
	for child, parent := range c.Hierarchy {
		if _, ok := teamNames[child]; !ok {
			return fmt.Errorf("hierarchy references unknown team %q", child)
		}
		if _, ok := teamNames[parent]; !ok {
			return fmt.Errorf("hierarchy references unknown parent team %q", parent)
		}
	}
	for _, r := range c.Roles {
		if err := checkRefs("role "+r.Name, r.Policies, "policy", policyNames); err != nil {
			return err
		}
	}
	for _, t := range c.Teams {
		if err := checkRefs("team "+t.Name, t.DefaultRoles, "role", roleNames); err != nil {
			return err
		}
		if err := checkRefs("team "+t.Name, t.Policies, "policy", policyNames); err != nil {
			return err
		}
	}
	for _, u := range c.Users {
		if err := checkRefs("user "+u.Name, u.Roles, "role", roleNames); err != nil {
			return err
		}
		if err := checkRefs("user "+u.Name, u.Teams, "team", teamNames); err != nil {
			return err
		}
	}
	return nil
}

// checkRefs verifies that every name-only reference in refs names a declared
// entity. References carrying an explicit id are taken as external and
// skipped.
func checkRefs(owner string, refs []EntityReference, kind string, declared map[string]struct{}) error {
	for _, ref := range refs {
		if ref.ID != uuid.Nil {
			continue
		}
		if _, ok := declared[ref.Name]; !ok {
			return fmt.Errorf("%s references undeclared %s %q", owner, kind, ref.Name)
		}
	}
	return nil
}

// EntityWriter is the mutation surface ApplyConfig seeds entities into.
// Implemented by stores.MemoryEntityStore.
type EntityWriter interface {
	PutUser(u *User)
	PutTeam(t *Team)
	PutRole(r *Role)
	PutPolicy(p *Policy)
}

// ApplyConfig seeds the configured entities into a store. Entities without
// an id are assigned one; the hierarchy map is applied as parent references
// after all teams exist.
func ApplyConfig(w EntityWriter, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	teamsByName := make(map[string]*Team, len(cfg.Teams))
	for _, t := range cfg.Teams {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		teamsByName[t.Name] = t
	}
	for child, parent := range cfg.Hierarchy {
		childTeam := teamsByName[child]
		parentTeam := teamsByName[parent]
		childTeam.Parents = append(childTeam.Parents, EntityReference{
			ID:   parentTeam.ID,
			Type: EntityTeam,
			Name: parentTeam.Name,
		})
	}

	policyIDs := make(map[string]uuid.UUID, len(cfg.Policies))
	for _, p := range cfg.Policies {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		policyIDs[p.Name] = p.ID
		w.PutPolicy(p)
	}
	roleIDs := make(map[string]uuid.UUID, len(cfg.Roles))
	for _, r := range cfg.Roles {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		roleIDs[r.Name] = r.ID
		fillRefIDs(r.Policies, policyIDs)
		w.PutRole(r)
	}
	teamIDs := make(map[string]uuid.UUID, len(cfg.Teams))
	for _, t := range cfg.Teams {
		teamIDs[t.Name] = t.ID
	}
	for _, t := range cfg.Teams {
		fillRefIDs(t.DefaultRoles, roleIDs)
		fillRefIDs(t.Policies, policyIDs)
		w.PutTeam(t)
	}
	for _, u := range cfg.Users {
		if u.ID == uuid.Nil {
			u.ID = uuid.New()
		}
		fillRefIDs(u.Roles, roleIDs)
		fillRefIDs(u.Teams, teamIDs)
		w.PutUser(u)
	}
	return nil
}

// fillRefIDs resolves name-only references against the assigned ids, so
// config authors can reference entities by name alone.
func fillRefIDs(refs []EntityReference, ids map[string]uuid.UUID) {
	for i := range refs {
		if refs[i].ID == uuid.Nil {
			refs[i].ID = ids[refs[i].Name]
		}
	}
}

// NewSubjectCacheFromConfig builds a SubjectCache with the configured cache
// settings over the given loader. Zero-valued settings fall back to
// defaults.
func NewSubjectCacheFromConfig(loader RelationshipLoader, cfg CacheConfig, opts ...SubjectCacheOption) (*SubjectCache, error) {
	base := []SubjectCacheOption{
		WithPolicyCache(cfg.PolicyCacheSize, time.Duration(cfg.PolicyCacheTTL)*time.Millisecond),
		WithUserCache(cfg.UserCacheSize, time.Duration(cfg.UserCacheTTL)*time.Millisecond),
		WithRistrettoTuning(cfg.RistrettoNumCounters, cfg.RistrettoBuffer),
	}
	return NewSubjectCache(loader, append(base, opts...)...)
}
