package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"fiscalbridge/pkg/domain"
	"fiscalbridge/pkg/platform/sentinel"
)

type ValidationStoreSuite struct {
	suite.Suite
	rules    *InMemoryRuleStore
	findings *InMemoryFindingStore
	ctx      context.Context
}

func TestValidationStoreSuite(t *testing.T) {
	suite.Run(t, new(ValidationStoreSuite))
}

func (s *ValidationStoreSuite) SetupTest() {
	s.rules = NewInMemoryRuleStore()
	s.findings = NewInMemoryFindingStore()
	s.ctx = context.Background()
}

func (s *ValidationStoreSuite) rule(module, code string) *Rule {
	r, err := NewRule(domain.NewRuleID(), RuleSpec{
		Module: module, FieldPath: "valor", Operator: OpIsNull, Level: LevelAlerta, Code: code, Message: code,
	}, ruleClock)
	s.Require().NoError(err)
	s.Require().NoError(s.rules.Create(s.ctx, r))
	return r
}

func (s *ValidationStoreSuite) TestRulesKeepDefinitionOrder() {
	var codes []string
	for _, c := range []string{"Z", "A", "M", "B"} {
		s.rule("PAYMENT", c)
		codes = append(codes, c)
	}
	s.rule("CONTRACT", "OTHER")

	out, err := s.rules.List(s.ctx, RuleFilter{Module: "PAYMENT"})
	s.Require().NoError(err)
	got := make([]string, 0, len(out))
	for _, r := range out {
		got = append(got, r.Code)
	}
	s.Equal(codes, got)
}

func (s *ValidationStoreSuite) TestRuleIsolation() {
	r := s.rule("PAYMENT", "A")
	r.Conditions = append(r.Conditions, Condition{FieldPath: "x", Operator: OpIsNull})

	found, err := s.rules.FindByID(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Empty(found.Conditions, "stored rule must not alias the caller's slice")

	_, err = s.rules.FindByID(s.ctx, domain.NewRuleID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *ValidationStoreSuite) TestFindingSets() {
	recA, recB := domain.NewRawRecordID(), domain.NewRawRecordID()
	s.Require().NoError(s.findings.Replace(s.ctx, recA, []Finding{{Code: "1"}, {Code: "2"}}))
	s.Require().NoError(s.findings.Replace(s.ctx, recB, []Finding{{Code: "3"}}))

	s.Run("replace supersedes", func() {
		s.Require().NoError(s.findings.Replace(s.ctx, recA, []Finding{{Code: "9"}}))
		out, err := s.findings.List(s.ctx, recA)
		s.Require().NoError(err)
		s.Require().Len(out, 1)
		s.Equal("9", out[0].Code)
	})

	s.Run("clear counts and isolates records", func() {
		n, err := s.findings.Clear(s.ctx, recA)
		s.Require().NoError(err)
		s.Equal(1, n)

		out, _ := s.findings.List(s.ctx, recB)
		s.Len(out, 1)
	})
}
