package remittance

import (
	"context"

	"fiscalbridge/internal/gateway"
	"fiscalbridge/internal/record"
	"fiscalbridge/internal/unit"
	"fiscalbridge/internal/validation"
	"fiscalbridge/pkg/domain"
	audit "fiscalbridge/pkg/platform/audit"
)

// Gateway transmits exchange documents to the authority.
type Gateway interface {
	Transmit(ctx context.Context, req gateway.Request) (gateway.Result, error)
}

// RecordReader loads the raw record a remittance is derived from.
type RecordReader interface {
	Get(ctx context.Context, id domain.RawRecordID) (*record.RawRecord, error)
}

// UnitDirectory resolves the owning unit and its transmission credentials.
type UnitDirectory interface {
	RequireActive(ctx context.Context, id domain.UnitID) (*unit.Unit, error)
	ResolveCredentials(ctx context.Context, id domain.UnitID) (*unit.Unit, unit.Credentials, error)
}

// Validator runs the rule engine for a raw record. Validate returns the
// record snapshot it evaluated; Findings reads the stored outcome of the
// latest run.
type Validator interface {
	Validate(ctx context.Context, actor domain.Actor, id domain.RawRecordID) (*validation.Result, error)
	Findings(ctx context.Context, id domain.RawRecordID) (*validation.Result, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// TxRunner groups a status write and its compliance audit event so neither
// is persisted without the other.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}
