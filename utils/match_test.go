package utils

import "testing"

func TestMatchResource(t *testing.T) {
	cases := []struct {
		value   string
		pattern string
		want    bool
	}{
		{"anything", "*", true},
		{"table", "table", true},
		{"table", "dashboard", false},
		{"ViewAll", "View*", true},
		{"EditAll", "View*", false},
		{"table/orders", "table/:name", true},
		{"table/orders/cols", "table/:name", false},
		{"table/orders/cols", "table/*", true},
		{"table", "table/*", false},
	}
	for _, c := range cases {
		if got := MatchResource(c.value, c.pattern); got != c.want {
			t.Errorf("MatchResource(%q, %q) = %v, want %v", c.value, c.pattern, got, c.want)
		}
	}
}
