package remittance

import (
	"context"

	"fiscalbridge/pkg/domain"
)

// Store persists remittances. Implementations return sentinel errors.
type Store interface {
	// Create returns sentinel.ErrAlreadyUsed when the raw record already has
	// an active remittance.
	Create(ctx context.Context, r *Remittance) error
	FindByID(ctx context.Context, id domain.RemittanceID) (*Remittance, error)
	// FindActiveByRecord returns sentinel.ErrNotFound when none is active.
	FindActiveByRecord(ctx context.Context, recordID domain.RawRecordID) (*Remittance, error)
	// UpdateIfStatus writes r only if the stored status still equals expected,
	// returning sentinel.ErrConflict otherwise.
	UpdateIfStatus(ctx context.Context, r *Remittance, expected Status) error
	// List returns remittances matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*Remittance, error)
	// CountByStatus ignores the filter's Status, Limit and Offset.
	CountByStatus(ctx context.Context, filter Filter) (map[Status]int, error)
}

// LogStore is the append-only communication trail.
type LogStore interface {
	Append(ctx context.Context, entries ...Log) error
	// ListByRemittance returns entries ordered by attempt then time.
	ListByRemittance(ctx context.Context, id domain.RemittanceID) ([]Log, error)
	// LastAttempt returns the highest attempt number logged, or 0.
	LastAttempt(ctx context.Context, id domain.RemittanceID) (int, error)
}
