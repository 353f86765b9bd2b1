package validation

import (
	"context"

	"fiscalbridge/pkg/domain"
)

// RuleFilter narrows rule listings. An empty Module matches every module.
type RuleFilter struct {
	Module     string
	ActiveOnly bool
}

// RuleStore persists validation rules. List returns rules in definition
// order, which is the order the engine evaluates them in.
type RuleStore interface {
	Create(ctx context.Context, r *Rule) error
	FindByID(ctx context.Context, id domain.RuleID) (*Rule, error)
	List(ctx context.Context, filter RuleFilter) ([]*Rule, error)
	Execute(ctx context.Context, id domain.RuleID, validate func(*Rule) error, apply func(*Rule)) (*Rule, error)
}

// FindingStore keeps one replaceable finding set per raw record.
type FindingStore interface {
	// Replace atomically swaps the record's findings for the given set.
	Replace(ctx context.Context, recordID domain.RawRecordID, findings []Finding) error
	// List returns findings ordered by Position.
	List(ctx context.Context, recordID domain.RawRecordID) ([]Finding, error)
	// Clear removes every finding for the record and returns how many there were.
	Clear(ctx context.Context, recordID domain.RawRecordID) (int, error)
}
