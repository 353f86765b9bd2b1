package record

import (
	"context"

	"fiscalbridge/pkg/domain"
)

// Store persists raw records. Implementations return sentinel errors.
type Store interface {
	Create(ctx context.Context, r *RawRecord) error
	FindByID(ctx context.Context, id domain.RawRecordID) (*RawRecord, error)
	// List returns records matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*RawRecord, error)
	// Count ignores the filter's Limit and Offset.
	Count(ctx context.Context, filter Filter) (int, error)
	Execute(ctx context.Context, id domain.RawRecordID, validate func(*RawRecord) error, apply func(*RawRecord)) (*RawRecord, error)
}
