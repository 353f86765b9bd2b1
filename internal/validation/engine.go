package validation

import (
	"errors"
	"fmt"

	"fiscalbridge/internal/record"
	"fiscalbridge/internal/record/payload"
	dErrors "fiscalbridge/pkg/domain-errors"
)

// RuleSet is a compiled, ordered list of rules. Rules the engine cannot
// load are left out of the set and reported by Rejected, so Evaluate never
// fails per record and one broken rule does not silence the others.
type RuleSet struct {
	rules    []compiledRule
	rejected []error
}

type compiledRule struct {
	rule       *Rule
	path       payload.Path
	conditions []compiledCondition
}

type compiledCondition struct {
	Condition
	path payload.Path
}

// Compile loads rules in the given order. A rule with an unknown operator or
// a malformed field path is rejected on its own.
func Compile(rules []*Rule) *RuleSet {
	set := &RuleSet{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		cr, err := compileRule(r)
		if err != nil {
			set.rejected = append(set.rejected, err)
			continue
		}
		set.rules = append(set.rules, cr)
	}
	return set
}

func compileRule(r *Rule) (compiledRule, error) {
	if !r.Operator.IsValid() {
		return compiledRule{}, dErrors.Newf(dErrors.CodeRuleInvalid, "rule %s: unknown operator %q", r.Code, r.Operator)
	}
	path, err := payload.CompilePath(r.FieldPath)
	if err != nil {
		return compiledRule{}, dErrors.Wrap(err, dErrors.CodeRuleInvalid, "rule "+r.Code)
	}
	cr := compiledRule{rule: r, path: path}
	for _, c := range r.Conditions {
		if !c.Operator.IsValid() {
			return compiledRule{}, dErrors.Newf(dErrors.CodeRuleInvalid, "rule %s: unknown condition operator %q", r.Code, c.Operator)
		}
		cp, err := payload.CompilePath(c.FieldPath)
		if err != nil {
			return compiledRule{}, dErrors.Wrap(err, dErrors.CodeRuleInvalid, "rule "+r.Code+" condition")
		}
		cr.conditions = append(cr.conditions, compiledCondition{Condition: c, path: cp})
	}
	return cr, nil
}

// Rejected lists one CodeRuleInvalid error per rule left out of the set.
func (s *RuleSet) Rejected() []error {
	return s.rejected
}

func (s *RuleSet) Len() int {
	return len(s.rules)
}

// Evaluate runs every active rule of the record's module against its payload
// and returns findings in rule order. It has no side effects; IDs and
// timestamps are assigned when findings are stored.
func (s *RuleSet) Evaluate(rec *record.RawRecord) []Finding {
	findings := make([]Finding, 0)
	for _, cr := range s.rules {
		if !cr.rule.Active || cr.rule.Module != rec.Module {
			continue
		}
		f, ok := cr.evaluate(rec.Payload)
		if !ok {
			continue
		}
		f.RawRecordID = rec.ID
		f.Position = len(findings)
		findings = append(findings, f)
	}
	return findings
}

func (cr compiledRule) evaluate(doc payload.Value) (Finding, bool) {
	r := cr.rule
	for _, c := range cr.conditions {
		v, present := c.path.Resolve(doc)
		holds, err := compare(c.Operator, v, present, c.Value)
		switch {
		case errors.Is(err, errNotNumeric):
			// Scope that cannot be decided keeps the rule in force.
		case err != nil:
			return cr.evaluationError(fmt.Errorf("condition on %s: %w", c.FieldPath, err)), true
		case !holds:
			return Finding{}, false
		}
	}

	v, present := cr.path.Resolve(doc)
	matched, err := compare(r.Operator, v, present, r.ComparisonValue)
	switch {
	case errors.Is(err, errNotNumeric):
		f := cr.finding(v, present)
		f.Message = r.Message + " (value is not comparable as a number)"
		return f, true
	case err != nil:
		return cr.evaluationError(err), true
	case matched:
		return cr.finding(v, present), true
	default:
		return Finding{}, false
	}
}

func (cr compiledRule) finding(v payload.Value, present bool) Finding {
	observed := ""
	if present {
		observed = v.Text()
	}
	return Finding{
		RuleID:        cr.rule.ID,
		Code:          cr.rule.Code,
		Level:         cr.rule.Level,
		FieldPath:     cr.rule.FieldPath,
		Message:       cr.rule.Message,
		ObservedValue: observed,
	}
}

// evaluationError degrades a broken rule to an advisory finding under the
// rule's own code.
func (cr compiledRule) evaluationError(err error) Finding {
	return Finding{
		RuleID:    cr.rule.ID,
		Code:      cr.rule.Code,
		Level:     LevelAlerta,
		FieldPath: cr.rule.FieldPath,
		Message:   "rule could not be evaluated: " + err.Error(),
	}
}

// Evaluate compiles rules and evaluates them against rec in one step. The
// findings of every loadable rule are returned together with the joined
// rejection errors, if any.
func Evaluate(rec *record.RawRecord, rules []*Rule) ([]Finding, error) {
	set := Compile(rules)
	return set.Evaluate(rec), errors.Join(set.Rejected()...)
}
