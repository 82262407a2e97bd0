package authz_test

import (
	"context"
	"testing"

	"github.com/opencatalog/authz"
	"github.com/opencatalog/authz/logger"
	"github.com/opencatalog/authz/stores"
)

const fixtureYAML = `
cache:
  policy_cache_size: 100
  policy_cache_ttl_ms: 60000
  user_cache_size: 100
  user_cache_ttl_ms: 60000
  ristretto_num_counters: 1000
  ristretto_buffer: 32
policies:
  - name: viewer_policy
    rules:
      - name: view
        effect: allow
        operations: ["View*"]
        resources: ["*"]
  - name: team_policy
    rules:
      - name: edit
        effect: allow
        operations: ["Edit*"]
        resources: ["*"]
roles:
  - name: viewer
    policies:
      - name: viewer_policy
teams:
  - name: platform
    policies:
      - name: team_policy
  - name: data
users:
  - name: alice
    roles:
      - name: viewer
    teams:
      - name: data
hierarchy:
  data: platform
`

func TestLoadYAMLAndResolve(t *testing.T) {
	loader := authz.NewConfigLoader()
	cfg, err := loader.LoadYAML([]byte(fixtureYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	store := stores.NewMemoryEntityStore()
	if err := authz.ApplyConfig(store, cfg); err != nil {
		t.Fatalf("apply config: %v", err)
	}

	cache, err := authz.NewSubjectCacheFromConfig(store, cfg.Cache, authz.WithLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	upc, err := cache.GetPolicies(ctx, "alice")
	if err != nil {
		t.Fatalf("get policies: %v", err)
	}
	names := make(map[string]bool)
	for _, pc := range upc.Policies {
		names[pc.PolicyName] = true
	}
	if !names["viewer_policy"] {
		t.Fatalf("expected direct role policy, got %+v", names)
	}
	if !names["team_policy"] {
		t.Fatalf("expected the parent team's policy through the hierarchy, got %+v", names)
	}

	sc, err := cache.GetSubjectContext(ctx, "alice")
	if err != nil {
		t.Fatalf("subject context: %v", err)
	}
	if !sc.IsUserUnderTeam(ctx, "platform") {
		t.Fatalf("expected alice under platform via hierarchy")
	}
}

func TestConfigRoundtrip(t *testing.T) {
	loader := authz.NewConfigLoader()
	cfg, err := loader.LoadYAML([]byte(fixtureYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}

	out, err := cfg.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	back, err := loader.LoadJSON(out)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if len(back.Users) != 1 || back.Users[0].Name != "alice" {
		t.Fatalf("roundtrip lost users: %+v", back.Users)
	}
	if back.Cache.PolicyCacheTTL != 60000 {
		t.Fatalf("roundtrip lost cache settings: %+v", back.Cache)
	}
	if back.Cache.RistrettoNumCounters != 1000 || back.Cache.RistrettoBuffer != 32 {
		t.Fatalf("roundtrip lost ristretto tuning: %+v", back.Cache)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	loader := authz.NewConfigLoader()

	dup := `
teams:
  - name: platform
  - name: platform
`
	cfg, err := loader.LoadYAML([]byte(dup))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected duplicate team error")
	}

	badHierarchy := `
teams:
  - name: platform
hierarchy:
  platform: nosuchteam
`
	cfg, err = loader.LoadYAML([]byte(badHierarchy))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown hierarchy parent error")
	}
}

func TestConfigValidateUndeclaredRefs(t *testing.T) {
	loader := authz.NewConfigLoader()

	cases := []struct {
		name string
		yaml string
	}{
		{"user role", `
users:
  - name: alice
    roles:
      - name: nosuchrole
`},
		{"user team", `
users:
  - name: alice
    teams:
      - name: nosuchteam
`},
		{"team default role", `
teams:
  - name: data
    default_roles:
      - name: nosuchrole
`},
		{"team policy", `
teams:
  - name: data
    policies:
      - name: nosuchpolicy
`},
		{"role policy", `
roles:
  - name: viewer
    policies:
      - name: nosuchpolicy
`},
	}
	for _, tc := range cases {
		cfg, err := loader.LoadYAML([]byte(tc.yaml))
		if err != nil {
			t.Fatalf("%s: load yaml: %v", tc.name, err)
		}
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected undeclared reference error", tc.name)
		}
	}
}
