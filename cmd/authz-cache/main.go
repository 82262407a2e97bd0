package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencatalog/authz"
	"github.com/opencatalog/authz/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "resolve":
		handleResolve()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("authz-cache - Subject cache tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  authz-cache convert <input> <output>              - Convert between formats")
	fmt.Println("  authz-cache validate <file>                       - Validate configuration")
	fmt.Println("  authz-cache stats <file>                          - Show configuration statistics")
	fmt.Println("  authz-cache resolve <file> <user> [op resource]   - Resolve a user's policies")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: authz-cache convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: authz-cache validate <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Users:    %d\n", len(cfg.Users))
	fmt.Printf("  Teams:    %d\n", len(cfg.Teams))
	fmt.Printf("  Roles:    %d\n", len(cfg.Roles))
	fmt.Printf("  Policies: %d\n", len(cfg.Policies))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: authz-cache stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Users:    %d\n", len(cfg.Users))
	fmt.Printf("  Teams:    %d\n", len(cfg.Teams))
	fmt.Printf("  Roles:    %d\n", len(cfg.Roles))
	fmt.Printf("  Policies: %d\n", len(cfg.Policies))
	fmt.Println()

	if len(cfg.Policies) > 0 {
		allowRules := 0
		denyRules := 0
		for _, p := range cfg.Policies {
			for _, r := range p.Rules {
				if r.Effect == authz.EffectAllow {
					allowRules++
				} else {
					denyRules++
				}
			}
		}
		fmt.Println("Rule Details:")
		fmt.Printf("  Allow rules: %d\n", allowRules)
		fmt.Printf("  Deny rules:  %d\n", denyRules)
		fmt.Println()
	}

	if len(cfg.Hierarchy) > 0 {
		fmt.Println("Team Hierarchy:")
		for child, parent := range cfg.Hierarchy {
			fmt.Printf("  %s -> %s\n", child, parent)
		}
		fmt.Println()
	}

	cache := cfg.Cache
	if cache.PolicyCacheSize == 0 && cache.UserCacheSize == 0 {
		cache = authz.DefaultCacheConfig()
	}
	fmt.Println("Cache Configuration:")
	fmt.Printf("  Policy cache size: %d\n", cache.PolicyCacheSize)
	fmt.Printf("  Policy cache TTL:  %dms\n", cache.PolicyCacheTTL)
	fmt.Printf("  User cache size:   %d\n", cache.UserCacheSize)
	fmt.Printf("  User cache TTL:    %dms\n", cache.UserCacheTTL)
}

func handleResolve() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: authz-cache resolve <file> <user> [operation resource]")
		os.Exit(1)
	}

	filename := os.Args[2]
	userName := os.Args[3]

	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	store := stores.NewMemoryEntityStore()
	if err := authz.ApplyConfig(store, cfg); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}

	cache, err := authz.NewSubjectCacheFromConfig(store, cfg.Cache)
	if err != nil {
		fmt.Printf("Error building cache: %v\n", err)
		os.Exit(1)
	}
	defer cache.Close()

	ctx := context.Background()
	subject, err := cache.GetSubjectContext(ctx, userName)
	if err != nil {
		fmt.Printf("Error resolving subject: %v\n", err)
		os.Exit(1)
	}

	policies, err := subject.GetPolicies(ctx, nil)
	if err != nil {
		fmt.Printf("Error resolving policies: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Subject: %s (admin=%v bot=%v)\n", userName, subject.IsAdmin(), subject.IsBot())
	fmt.Printf("Policies: %d\n", len(policies))
	for _, pc := range policies {
		if pc.RoleName != "" {
			fmt.Printf("  [%s:%s] role=%s policy=%s rules=%d\n", pc.Source.Kind, pc.Source.Name, pc.RoleName, pc.PolicyName, len(pc.Rules))
		} else {
			fmt.Printf("  [%s:%s] policy=%s rules=%d\n", pc.Source.Kind, pc.Source.Name, pc.PolicyName, len(pc.Rules))
		}
	}

	if len(os.Args) >= 6 {
		operation := os.Args[4]
		resource := os.Args[5]
		rc := buildRuleContext(ctx, cache, store, subject.User())
		effect, matched := authz.Evaluate(policies, operation, resource, rc)
		if !matched {
			fmt.Printf("Decision: no matching rule for %s on %s\n", operation, resource)
		} else {
			fmt.Printf("Decision: %s (%s on %s)\n", effect, operation, resource)
		}
	}
}

// buildRuleContext seeds the evaluation context with the user's ancestor team
// names so matchTeam and team ownership conditions can hold.
func buildRuleContext(ctx context.Context, cache *authz.SubjectCache, loader authz.RelationshipLoader, user *authz.User) *authz.RuleContext {
	teams := map[string]struct{}{}
	if ids := cache.GetVisitedTeams(ctx, user.Name); len(ids) > 0 {
		refs, err := loader.LoadEntityReferencesByIDs(ctx, authz.EntityTeam, ids, authz.IncludeNonDeleted)
		if err != nil {
			fmt.Printf("Warning: could not load team names: %v\n", err)
		}
		for _, ref := range refs {
			teams[ref.Name] = struct{}{}
		}
	}
	return &authz.RuleContext{SubjectName: user.Name, SubjectTeams: teams}
}

func loadConfig(filename string) (*authz.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(filename))

	switch ext {
	case ".yaml", ".yml":
		loader := authz.NewConfigLoader()
		return loader.LoadYAML(data)
	case ".json":
		loader := authz.NewConfigLoader()
		return loader.LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func saveConfig(cfg *authz.Config, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))

	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
