package authz

import "testing"

func compiled(effect Effect, operations, resources []string, condition string) CompiledRule {
	return CompileRule(Rule{
		Name:       "r",
		Effect:     effect,
		Operations: operations,
		Resources:  resources,
		Condition:  condition,
	})
}

func TestCompiledRuleMatching(t *testing.T) {
	rc := &RuleContext{SubjectName: "user1", SubjectTeams: map[string]struct{}{}}

	r := compiled(EffectAllow, []string{"ViewAll"}, []string{"table"}, "")
	if !r.Matches("ViewAll", "table", rc) {
		t.Fatalf("exact operation and resource must match")
	}
	if r.Matches("EditAll", "table", rc) {
		t.Fatalf("non-listed operation must not match")
	}
	if r.Matches("ViewAll", "dashboard", rc) {
		t.Fatalf("non-listed resource must not match")
	}

	wild := compiled(EffectAllow, []string{"View*"}, []string{"*"}, "")
	if !wild.Matches("ViewBasic", "anything", rc) {
		t.Fatalf("wildcard patterns must match")
	}
	if wild.Matches("EditBasic", "anything", rc) {
		t.Fatalf("wildcard operation prefix must still gate")
	}
}

func TestCompiledRuleConditions(t *testing.T) {
	ownerByUser := &RuleContext{
		SubjectName:    "user1",
		SubjectTeams:   map[string]struct{}{},
		ResourceOwners: []EntityReference{{Type: EntityUser, Name: "user1"}},
	}
	ownerByTeam := &RuleContext{
		SubjectName:    "user1",
		SubjectTeams:   map[string]struct{}{"team11": {}},
		ResourceOwners: []EntityReference{{Type: EntityTeam, Name: "team11"}},
	}
	notOwner := &RuleContext{
		SubjectName:    "user1",
		SubjectTeams:   map[string]struct{}{},
		ResourceOwners: []EntityReference{{Type: EntityUser, Name: "someone-else"}},
	}
	unowned := &RuleContext{SubjectName: "user1", SubjectTeams: map[string]struct{}{}}

	isOwnerRule := compiled(EffectAllow, []string{"*"}, []string{"*"}, "isOwner()")
	if !isOwnerRule.Matches("EditAll", "table", ownerByUser) {
		t.Fatalf("isOwner must hold for the owning user")
	}
	if !isOwnerRule.Matches("EditAll", "table", ownerByTeam) {
		t.Fatalf("isOwner must hold through an owning team")
	}
	if isOwnerRule.Matches("EditAll", "table", notOwner) {
		t.Fatalf("isOwner must not hold for non-owners")
	}

	noOwnerRule := compiled(EffectAllow, []string{"*"}, []string{"*"}, "noOwner()")
	if !noOwnerRule.Matches("EditAll", "table", unowned) {
		t.Fatalf("noOwner must hold for unowned resources")
	}
	if noOwnerRule.Matches("EditAll", "table", ownerByUser) {
		t.Fatalf("noOwner must not hold for owned resources")
	}

	negated := compiled(EffectDeny, []string{"*"}, []string{"*"}, "!isOwner()")
	if !negated.Matches("EditAll", "table", notOwner) {
		t.Fatalf("negated condition must hold when inner does not")
	}
	if negated.Matches("EditAll", "table", ownerByUser) {
		t.Fatalf("negated condition must not hold when inner does")
	}

	teamRule := compiled(EffectAllow, []string{"*"}, []string{"*"}, "matchTeam('team11')")
	if !teamRule.Matches("ViewAll", "table", ownerByTeam) {
		t.Fatalf("matchTeam must hold for a member")
	}
	if teamRule.Matches("ViewAll", "table", unowned) {
		t.Fatalf("matchTeam must not hold for a non-member")
	}

	unknown := compiled(EffectAllow, []string{"*"}, []string{"*"}, "frobnicate()")
	if unknown.Matches("ViewAll", "table", unowned) {
		t.Fatalf("unknown conditions must withhold the grant")
	}
	if unknown.Condition() != "frobnicate()" {
		t.Fatalf("raw condition must survive compilation")
	}

	negatedUnknown := compiled(EffectAllow, []string{"*"}, []string{"*"}, "!frobnicate()")
	if negatedUnknown.Matches("ViewAll", "table", unowned) {
		t.Fatalf("negating an unknown condition must still withhold the grant")
	}
	if negatedUnknown.Matches("EditAll", "table", ownerByUser) {
		t.Fatalf("negating an unknown condition must still withhold the grant")
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	rc := &RuleContext{SubjectName: "user1", SubjectTeams: map[string]struct{}{}}

	policies := []PolicyContext{
		{
			Source:     SubjectSource{Kind: SourceUser, Name: "user1"},
			PolicyName: "user_policy",
			Rules:      []CompiledRule{compiled(EffectDeny, []string{"Delete"}, []string{"*"}, "")},
		},
		{
			Source:     SubjectSource{Kind: SourceTeam, Name: "team1"},
			PolicyName: "team_policy",
			Rules: []CompiledRule{
				compiled(EffectAllow, []string{"Delete"}, []string{"*"}, ""),
				compiled(EffectAllow, []string{"View*"}, []string{"*"}, ""),
			},
		},
	}

	effect, matched := Evaluate(policies, "Delete", "table", rc)
	if !matched || effect != EffectDeny {
		t.Fatalf("first matching rule must win, got effect=%v matched=%v", effect, matched)
	}

	effect, matched = Evaluate(policies, "ViewAll", "table", rc)
	if !matched || effect != EffectAllow {
		t.Fatalf("later policies must still be reachable, got effect=%v matched=%v", effect, matched)
	}

	if _, matched = Evaluate(policies, "EditAll", "table", rc); matched {
		t.Fatalf("expected no match for unlisted operation")
	}
}

func TestCompilePolicyPreservesOrder(t *testing.T) {
	p := &Policy{
		Name: "ordered",
		Rules: []Rule{
			{Name: "first", Effect: EffectDeny, Operations: []string{"*"}, Resources: []string{"*"}},
			{Name: "second", Effect: EffectAllow, Operations: []string{"*"}, Resources: []string{"*"}},
		},
	}
	rules := CompilePolicy(p)
	if len(rules) != 2 || rules[0].Name != "first" || rules[1].Name != "second" {
		t.Fatalf("rule order must be preserved, got %+v", rules)
	}
	if CompilePolicy(nil) != nil {
		t.Fatalf("nil policy compiles to nil")
	}
}
