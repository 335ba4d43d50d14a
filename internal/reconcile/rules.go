package reconcile

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/domain"
)

// SignFilter restricts a rule to outflows or inflows.
type SignFilter string

const (
	SignAny    SignFilter = ""
	SignDebit  SignFilter = "debit"
	SignCredit SignFilter = "credit"
)

// Rule is one compiled entry of the category rule set.
type Rule struct {
	Pattern     *regexp.Regexp
	Category    string
	Subcategory string
	Sign        SignFilter
	Transfer    bool
	Recurring   bool
}

// Matches reports whether tx satisfies the rule's pattern and sign filter.
func (r Rule) Matches(tx domain.Transaction) bool {
	switch r.Sign {
	case SignDebit:
		if !tx.Amount.IsNegative() {
			return false
		}
	case SignCredit:
		if !tx.Amount.IsPositive() {
			return false
		}
	}
	return r.Pattern.MatchString(tx.NormalizedDescription())
}

// RuleSet is ordered; the first matching rule wins.
type RuleSet []Rule

// CompileRules turns rule specs into a RuleSet. Patterns are regular
// expressions matched case-insensitively against the normalized description.
func CompileRules(specs []config.RuleSpec) (RuleSet, error) {
	rules := make(RuleSet, 0, len(specs))
	for i, s := range specs {
		re, err := regexp.Compile("(?i)" + s.Match)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i+1, s.Match, err)
		}
		sign := SignFilter(strings.ToLower(strings.TrimSpace(s.Sign)))
		switch sign {
		case SignAny, SignDebit, SignCredit:
		default:
			return nil, fmt.Errorf("rule %d (%s): unknown sign %q", i+1, s.Match, s.Sign)
		}
		rules = append(rules, Rule{
			Pattern:     re,
			Category:    s.Category,
			Subcategory: s.Subcategory,
			Sign:        sign,
			Transfer:    s.Transfer,
			Recurring:   s.Recurring,
		})
	}
	return rules, nil
}

// MustCompileRules is CompileRules for literals known to be valid.
func MustCompileRules(specs ...config.RuleSpec) RuleSet {
	rs, err := CompileRules(specs)
	if err != nil {
		panic(err)
	}
	return rs
}

// Match returns the first rule matching tx.
func (rs RuleSet) Match(tx domain.Transaction) (Rule, bool) {
	for _, r := range rs {
		if r.Matches(tx) {
			return r, true
		}
	}
	return Rule{}, false
}

// Categories lists the distinct category names in rule order.
func (rs RuleSet) Categories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rs {
		if r.Category != "" && !seen[r.Category] {
			seen[r.Category] = true
			out = append(out, r.Category)
		}
	}
	return out
}
