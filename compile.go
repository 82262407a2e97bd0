package authz

import (
	"strings"

	"github.com/opencatalog/authz/utils"
)

// ============================================================================
// POLICY COMPILER
// ============================================================================

// RuleContext carries the facts a rule condition can test: who the subject
// is, which teams the subject sits under, and who owns the resource being
// evaluated.
type RuleContext struct {
	SubjectName    string
	SubjectTeams   map[string]struct{}
	ResourceOwners []EntityReference
}

// ConditionFunc is a pre-compiled rule condition predicate.
type ConditionFunc func(rc *RuleContext) bool

// CompiledRule is an immutable, pre-compiled form of a raw Rule. It is
// created fresh each time a policy is loaded into a PolicyContext and lives
// only as long as that context.
type CompiledRule struct {
	Name       string
	Effect     Effect
	operations []string
	resources  []string
	condition  ConditionFunc
	rawCond    string
}

// CompileRule pre-compiles a raw rule for fast matching.
func CompileRule(r Rule) CompiledRule {
	return CompiledRule{
		Name:       r.Name,
		Effect:     r.Effect,
		operations: append([]string(nil), r.Operations...),
		resources:  append([]string(nil), r.Resources...),
		condition:  compileCondition(r.Condition),
		rawCond:    r.Condition,
	}
}

// CompilePolicy converts a policy's raw rule list into compiled rules,
// preserving rule order. Pure function of its input.
func CompilePolicy(p *Policy) []CompiledRule {
	if p == nil || len(p.Rules) == 0 {
		return nil
	}
	compiled := make([]CompiledRule, 0, len(p.Rules))
	for _, r := range p.Rules {
		compiled = append(compiled, CompileRule(r))
	}
	return compiled
}

// Condition returns the raw condition expression the rule was compiled from.
func (r *CompiledRule) Condition() string { return r.rawCond }

// Matches reports whether the rule applies to the given operation and
// resource under the rule context.
func (r *CompiledRule) Matches(operation, resource string, rc *RuleContext) bool {
	return r.matchOperation(operation) && r.matchResource(resource) && r.condition(rc)
}

func (r *CompiledRule) matchOperation(operation string) bool {
	for _, pattern := range r.operations {
		if utils.MatchResource(operation, pattern) {
			return true
		}
	}
	return false
}

func (r *CompiledRule) matchResource(resource string) bool {
	for _, pattern := range r.resources {
		if utils.MatchResource(resource, pattern) {
			return true
		}
	}
	return false
}

// Evaluate walks a subject's ordered policy list and returns the effect of
// the first rule matching the operation and resource. The order of the
// policies slice is significant: direct user roles come before team-derived
// policies, so a matching user-level rule wins.
func Evaluate(policies []PolicyContext, operation, resource string, rc *RuleContext) (Effect, bool) {
	for i := range policies {
		for j := range policies[i].Rules {
			if policies[i].Rules[j].Matches(operation, resource, rc) {
				return policies[i].Rules[j].Effect, true
			}
		}
	}
	return "", false
}

// compileCondition maps a condition expression to a predicate. The empty
// condition always holds. Unknown conditions compile to a predicate that
// never holds, negated or not, so an unparseable rule withholds its grant
// instead of failing evaluation.
func compileCondition(expr string) ConditionFunc {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return func(*RuleContext) bool { return true }
	}
	negate := false
	if rest, ok := strings.CutPrefix(expr, "!"); ok {
		negate = true
		expr = strings.TrimSpace(rest)
	}
	fn, known := lookupCondition(expr)
	if !known {
		return func(*RuleContext) bool { return false }
	}
	if negate {
		return func(rc *RuleContext) bool { return !fn(rc) }
	}
	return fn
}

func lookupCondition(expr string) (ConditionFunc, bool) {
	switch {
	case expr == "isOwner()":
		return isOwner, true
	case expr == "noOwner()":
		return func(rc *RuleContext) bool { return len(rc.ResourceOwners) == 0 }, true
	case strings.HasPrefix(expr, "matchTeam(") && strings.HasSuffix(expr, ")"):
		team := strings.Trim(expr[len("matchTeam("):len(expr)-1], `'" `)
		return func(rc *RuleContext) bool {
			_, ok := rc.SubjectTeams[team]
			return ok
		}, true
	}
	return nil, false
}

// isOwner holds when the subject, or a team the subject sits under, owns the
// resource.
func isOwner(rc *RuleContext) bool {
	for _, owner := range rc.ResourceOwners {
		switch owner.Type {
		case EntityUser:
			if owner.Name == rc.SubjectName {
				return true
			}
		case EntityTeam:
			if _, ok := rc.SubjectTeams[owner.Name]; ok {
				return true
			}
		}
	}
	return false
}
