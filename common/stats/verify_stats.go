package stats

import (
	"fmt"
	"sort"
	"strings"
	"testing"
)

// RuleChecker decides whether a rendered stat satisfies an expected value.
// got is nil when the stat is absent from the registry.
type RuleChecker struct {
	name  string
	check func(got, want interface{}) bool
}

// Rule pairs a checker with its expected value.
type Rule struct {
	Checker RuleChecker
	Value   interface{}
}

var (
	Int64EqTest      = numericRule("==", func(got, want float64) bool { return got == want })
	Int64GTETest     = numericRule(">=", func(got, want float64) bool { return got >= want })
	FloatEqTest      = numericRule("~=", func(got, want float64) bool { return got == want })
	DoesNotExistTest = RuleChecker{name: "absent", check: func(got, _ interface{}) bool { return got == nil }}
)

func numericRule(name string, cmp func(got, want float64) bool) RuleChecker {
	return RuleChecker{name: name, check: func(got, want interface{}) bool {
		g, ok := asFloat(got)
		if !ok {
			return false
		}
		w, ok := asFloat(want)
		return ok && cmp(g, w)
	}}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// VerifyStats fails t for every rule the registry's snapshot does not satisfy.
func VerifyStats(tag string, reg StatsRegistry, t testing.TB, rules map[string]Rule) {
	t.Helper()
	snap := Snapshot(reg)

	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)

	var failures []string
	for _, name := range names {
		rule := rules[name]
		got := snap[name]
		if rule.Checker.check(got, rule.Value) {
			continue
		}
		if got == nil {
			failures = append(failures, fmt.Sprintf("  %s: missing, want %s %v", name, rule.Checker.name, rule.Value))
		} else {
			failures = append(failures, fmt.Sprintf("  %s: got %v, want %s %v", name, got, rule.Checker.name, rule.Value))
		}
	}
	if len(failures) > 0 {
		t.Errorf("%s: stats mismatch\n%s\nregistry: %s", tag, strings.Join(failures, "\n"), render(reg, true))
	}
}
