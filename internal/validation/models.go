// Package validation evaluates configurable field rules against raw record
// payloads and keeps the resulting findings per record.
package validation

import (
	"fmt"
	"strings"
	"time"

	"fiscalbridge/internal/record"
	"fiscalbridge/internal/record/payload"
	"fiscalbridge/pkg/domain"
	dErrors "fiscalbridge/pkg/domain-errors"
)

// Operator compares a resolved payload value against a rule's comparison value.
type Operator string

const (
	OpEquals             Operator = "EQUALS"
	OpNotEquals          Operator = "NOT_EQUALS"
	OpGreaterThan        Operator = "GREATER_THAN"
	OpGreaterThanOrEqual Operator = "GREATER_THAN_OR_EQUAL"
	OpLessThan           Operator = "LESS_THAN"
	OpLessThanOrEqual    Operator = "LESS_THAN_OR_EQUAL"
	OpContains           Operator = "CONTAINS"
	OpNotContains        Operator = "NOT_CONTAINS"
	OpRegex              Operator = "REGEX"
	OpIsNull             Operator = "IS_NULL"
	OpIsNotNull          Operator = "IS_NOT_NULL"
)

func (o Operator) IsValid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpGreaterThan, OpGreaterThanOrEqual, OpLessThan,
		OpLessThanOrEqual, OpContains, OpNotContains, OpRegex, OpIsNull, OpIsNotNull:
		return true
	}
	return false
}

func (o Operator) isNumeric() bool {
	switch o {
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		return true
	}
	return false
}

// takesValue reports whether the operator reads the comparison value.
func (o Operator) takesValue() bool {
	return o != OpIsNull && o != OpIsNotNull
}

// Level classifies a finding. IMPEDITIVA blocks transmission; ALERTA does not.
type Level string

const (
	LevelImpeditiva Level = "IMPEDITIVA"
	LevelAlerta     Level = "ALERTA"
)

func (l Level) IsValid() bool {
	return l == LevelImpeditiva || l == LevelAlerta
}

// Condition scopes a rule. Every condition must hold for the rule to apply,
// e.g. naturezaObjeto EQUALS OBRA restricts a ceiling rule to works.
type Condition struct {
	FieldPath string   `json:"field_path"`
	Operator  Operator `json:"operator"`
	Value     string   `json:"value,omitempty"`
}

// Rule describes a violation condition: a record matching it yields a Finding.
//
// Invariants:
//   - Operator is one of the known operators
//   - FieldPath compiles
//   - Code and Message are non-empty
type Rule struct {
	ID              domain.RuleID `json:"id"`
	Module          string        `json:"module"`
	FieldPath       string        `json:"field_path"`
	Operator        Operator      `json:"operator"`
	ComparisonValue string        `json:"comparison_value"`
	Level           Level         `json:"level"`
	Code            string        `json:"code"`
	Message         string        `json:"message"`
	Conditions      []Condition   `json:"conditions"`
	Active          bool          `json:"active"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// RuleSpec carries the administrator-supplied part of a rule.
type RuleSpec struct {
	Module          string
	FieldPath       string
	Operator        Operator
	ComparisonValue string
	Level           Level
	Code            string
	Message         string
	Conditions      []Condition
}

func (s *RuleSpec) normalize() {
	s.Module = record.NormalizeModule(s.Module)
	s.FieldPath = strings.TrimSpace(s.FieldPath)
	s.Operator = Operator(strings.ToUpper(strings.TrimSpace(string(s.Operator))))
	s.Level = Level(strings.ToUpper(strings.TrimSpace(string(s.Level))))
	s.Code = strings.TrimSpace(s.Code)
	s.Message = strings.TrimSpace(s.Message)
	s.Conditions = append([]Condition(nil), s.Conditions...)
	for i := range s.Conditions {
		s.Conditions[i].FieldPath = strings.TrimSpace(s.Conditions[i].FieldPath)
		s.Conditions[i].Operator = Operator(strings.ToUpper(strings.TrimSpace(string(s.Conditions[i].Operator))))
	}
}

// check rejects specs the engine could not load. Invalid regex patterns are
// accepted here; they surface as ALERTA findings at evaluation time.
func (s RuleSpec) check() error {
	if err := record.ValidateModule(s.Module); err != nil {
		return err
	}
	if err := checkClause(s.FieldPath, s.Operator); err != nil {
		return err
	}
	if !s.Level.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "level must be IMPEDITIVA or ALERTA, got %q", s.Level)
	}
	if s.Code == "" {
		return dErrors.New(dErrors.CodeValidation, "rule code is required")
	}
	if s.Message == "" {
		return dErrors.New(dErrors.CodeValidation, "rule message is required")
	}
	for i, c := range s.Conditions {
		if err := checkClause(c.FieldPath, c.Operator); err != nil {
			return dErrors.Wrap(err, dErrors.GetCode(err), fmt.Sprintf("condition %d", i))
		}
	}
	return nil
}

func checkClause(fieldPath string, op Operator) error {
	if !op.IsValid() {
		return dErrors.Newf(dErrors.CodeRuleInvalid, "unknown operator %q", op)
	}
	if _, err := payload.CompilePath(fieldPath); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid field path")
	}
	return nil
}

// NewRule validates a spec and builds an active rule.
func NewRule(id domain.RuleID, spec RuleSpec, now time.Time) (*Rule, error) {
	spec.normalize()
	if err := spec.check(); err != nil {
		return nil, err
	}
	r := &Rule{ID: id, Active: true, CreatedAt: now}
	r.applySpec(spec, now)
	return r, nil
}

// ApplySpec replaces the configurable fields after validating them.
func (r *Rule) ApplySpec(spec RuleSpec, now time.Time) error {
	spec.normalize()
	if err := spec.check(); err != nil {
		return err
	}
	r.applySpec(spec, now)
	return nil
}

func (r *Rule) applySpec(spec RuleSpec, now time.Time) {
	r.Module = spec.Module
	r.FieldPath = spec.FieldPath
	r.Operator = spec.Operator
	r.ComparisonValue = spec.ComparisonValue
	r.Level = spec.Level
	r.Code = spec.Code
	r.Message = spec.Message
	r.Conditions = append([]Condition(nil), spec.Conditions...)
	if r.Conditions == nil {
		r.Conditions = []Condition{}
	}
	r.UpdatedAt = now
}

func (r *Rule) ApplyActive(active bool, now time.Time) {
	r.Active = active
	r.UpdatedAt = now
}

// Finding is the result of one rule matching one record. Position keeps the
// rule-definition order within a record's finding set.
type Finding struct {
	ID            domain.FindingID   `json:"id"`
	RawRecordID   domain.RawRecordID `json:"raw_record_id"`
	Position      int                `json:"position"`
	RuleID        domain.RuleID      `json:"rule_id"`
	Code          string             `json:"code"`
	Level         Level              `json:"level"`
	FieldPath     string             `json:"field_path"`
	Message       string             `json:"message"`
	ObservedValue string             `json:"observed_value"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Summary counts findings by level.
type Summary struct {
	Total             int  `json:"total"`
	Impeditivas       int  `json:"impeditivas"`
	Alertas           int  `json:"alertas"`
	HasBlockingErrors bool `json:"has_blocking_errors"`
}

func Summarize(findings []Finding) Summary {
	s := Summary{Total: len(findings)}
	for _, f := range findings {
		switch f.Level {
		case LevelImpeditiva:
			s.Impeditivas++
		case LevelAlerta:
			s.Alertas++
		}
	}
	s.HasBlockingErrors = s.Impeditivas > 0
	return s
}

// Describe renders a one-line operator-facing summary of blocking findings.
func (s Summary) Describe(findings []Finding) string {
	if !s.HasBlockingErrors {
		return ""
	}
	codes := make([]string, 0, s.Impeditivas)
	for _, f := range findings {
		if f.Level == LevelImpeditiva {
			codes = append(codes, f.Code)
		}
	}
	return fmt.Sprintf("%d blocking finding(s): %s", s.Impeditivas, strings.Join(codes, ", "))
}

// Result is the outcome of a validation run.
type Result struct {
	RawRecordID domain.RawRecordID `json:"raw_record_id"`
	Findings    []Finding          `json:"findings"`
	Summary     Summary            `json:"summary"`
	// Record is the snapshot the findings were evaluated against. It is only
	// set by Validate and Revalidate.
	Record *record.RawRecord `json:"-"`
}
