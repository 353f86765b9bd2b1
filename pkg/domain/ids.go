// Package domain holds domain primitives shared across bounded contexts.
package domain

import (
	"github.com/google/uuid"

	dErrors "fiscalbridge/pkg/domain-errors"
)

// Typed identifiers keep a remittance ID from being passed where a raw record
// ID is expected. All of them are UUIDs underneath.
type (
	UnitID       uuid.UUID
	RawRecordID  uuid.UUID
	RemittanceID uuid.UUID
	RuleID       uuid.UUID
	FindingID    uuid.UUID
	LogID        uuid.UUID
)

func NewUnitID() UnitID             { return UnitID(uuid.New()) }
func NewRawRecordID() RawRecordID   { return RawRecordID(uuid.New()) }
func NewRemittanceID() RemittanceID { return RemittanceID(uuid.New()) }
func NewRuleID() RuleID             { return RuleID(uuid.New()) }
func NewFindingID() FindingID       { return FindingID(uuid.New()) }
func NewLogID() LogID               { return LogID(uuid.New()) }

func (id UnitID) String() string       { return uuid.UUID(id).String() }
func (id RawRecordID) String() string  { return uuid.UUID(id).String() }
func (id RemittanceID) String() string { return uuid.UUID(id).String() }
func (id RuleID) String() string       { return uuid.UUID(id).String() }
func (id FindingID) String() string    { return uuid.UUID(id).String() }
func (id LogID) String() string        { return uuid.UUID(id).String() }

func (id UnitID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id RawRecordID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id RemittanceID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id RuleID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }

func (id UnitID) MarshalText() ([]byte, error)       { return []byte(id.String()), nil }
func (id RawRecordID) MarshalText() ([]byte, error)  { return []byte(id.String()), nil }
func (id RemittanceID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id RuleID) MarshalText() ([]byte, error)       { return []byte(id.String()), nil }
func (id FindingID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }
func (id LogID) MarshalText() ([]byte, error)        { return []byte(id.String()), nil }

func (id *UnitID) UnmarshalText(b []byte) error       { return unmarshalID((*uuid.UUID)(id), b) }
func (id *RawRecordID) UnmarshalText(b []byte) error  { return unmarshalID((*uuid.UUID)(id), b) }
func (id *RemittanceID) UnmarshalText(b []byte) error { return unmarshalID((*uuid.UUID)(id), b) }
func (id *RuleID) UnmarshalText(b []byte) error       { return unmarshalID((*uuid.UUID)(id), b) }
func (id *FindingID) UnmarshalText(b []byte) error    { return unmarshalID((*uuid.UUID)(id), b) }
func (id *LogID) UnmarshalText(b []byte) error        { return unmarshalID((*uuid.UUID)(id), b) }

func unmarshalID(dst *uuid.UUID, b []byte) error {
	parsed, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*dst = parsed
	return nil
}

// ParseUnitID parses a managing unit ID at a trust boundary.
func ParseUnitID(s string) (UnitID, error) {
	u, err := parseUUID(s, "unit id")
	return UnitID(u), err
}

// ParseRawRecordID parses a raw record ID at a trust boundary.
func ParseRawRecordID(s string) (RawRecordID, error) {
	u, err := parseUUID(s, "raw record id")
	return RawRecordID(u), err
}

// ParseRemittanceID parses a remittance ID at a trust boundary.
func ParseRemittanceID(s string) (RemittanceID, error) {
	u, err := parseUUID(s, "remittance id")
	return RemittanceID(u), err
}

// ParseRuleID parses a validation rule ID at a trust boundary.
func ParseRuleID(s string) (RuleID, error) {
	u, err := parseUUID(s, "rule id")
	return RuleID(u), err
}

// parseUUID rejects empty, malformed and nil UUIDs with CodeInvalidInput.
func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be nil")
	}
	return u, nil
}
