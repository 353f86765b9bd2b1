// Package record holds raw fiscal records as ingested from managing units,
// before any remittance is derived from them.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"fiscalbridge/internal/record/payload"
	"fiscalbridge/pkg/domain"
	dErrors "fiscalbridge/pkg/domain-errors"
)

// Status is the processing status of a raw record. It only reflects the most
// recent validation run; the remittance lifecycle lives elsewhere.
type Status string

const (
	StatusReceived   Status = "RECEIVED"
	StatusProcessing Status = "PROCESSING"
	StatusProcessed  Status = "PROCESSED"
	StatusError      Status = "ERROR"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusReceived, StatusProcessing, StatusProcessed, StatusError:
		return true
	}
	return false
}

// ParseStatus accepts either case.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", dErrors.Newf(dErrors.CodeValidation, "unknown record status %q", s)
	}
	return st, nil
}

// Well-known modules. The set is open: any module matching modulePattern is
// accepted and rules or mappings are looked up by name.
const (
	ModuleContract        = "CONTRACT"
	ModuleDirectPurchase  = "DIRECT_PURCHASE"
	ModuleCommitment      = "COMMITMENT"
	ModuleSettlement      = "SETTLEMENT"
	ModulePayment         = "PAYMENT"
	ModuleBudgetExecution = "BUDGET_EXECUTION"
)

var (
	modulePattern     = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,63}$`)
	competencyPattern = regexp.MustCompile(`^[0-9]{6}$`)
)

// NormalizeModule upper-cases a module name and maps hyphens and spaces to
// underscores, so "direct-purchase" and "DIRECT_PURCHASE" are the same module.
func NormalizeModule(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

// ValidateModule checks a normalized module name.
func ValidateModule(module string) error {
	if !modulePattern.MatchString(module) {
		return dErrors.Newf(dErrors.CodeValidation, "invalid module %q", module)
	}
	return nil
}

// ValidateCompetency checks the period key shape only. Competency is an
// opaque six-digit key and is never interpreted as a calendar date.
func ValidateCompetency(competency string) error {
	if !competencyPattern.MatchString(competency) {
		return dErrors.Newf(dErrors.CodeValidation, "competency must be six digits (YYYYMM), got %q", competency)
	}
	return nil
}

// RawRecord is a document ingested from a managing unit.
//
// Invariants:
//   - Module is normalized and non-empty
//   - Competency is six digits
//   - Payload is a JSON object
type RawRecord struct {
	ID         domain.RawRecordID `json:"id"`
	UnitID     domain.UnitID      `json:"unit_id"`
	Module     string             `json:"module"`
	Competency string             `json:"competency"`
	Payload    payload.Value      `json:"payload"`
	Status     Status             `json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

func NewRawRecord(id domain.RawRecordID, unitID domain.UnitID, module, competency string, doc payload.Value, now time.Time) (*RawRecord, error) {
	module = NormalizeModule(module)
	competency = strings.TrimSpace(competency)
	if unitID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "unit id is required")
	}
	if err := ValidateModule(module); err != nil {
		return nil, err
	}
	if err := ValidateCompetency(competency); err != nil {
		return nil, err
	}
	if doc.Kind() != payload.KindMap {
		return nil, dErrors.New(dErrors.CodeValidation, "payload must be a JSON object")
	}
	return &RawRecord{
		ID:         id,
		UnitID:     unitID,
		Module:     module,
		Competency: competency,
		Payload:    doc,
		Status:     StatusReceived,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// ApplyPayload replaces the document and resets the status so the next
// validation run starts from scratch.
func (r *RawRecord) ApplyPayload(doc payload.Value, now time.Time) {
	r.Payload = doc
	r.Status = StatusReceived
	r.UpdatedAt = now
}

// Digest fingerprints the payload. Validation status changes leave it
// untouched, so two equal digests mean the same document.
func (r *RawRecord) Digest() (string, error) {
	raw, err := r.Payload.MarshalJSON()
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode payload")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func (r *RawRecord) ApplyStatus(status Status, now time.Time) {
	r.Status = status
	r.UpdatedAt = now
}

// Filter narrows record listings. Zero-valued fields match everything.
// Limit <= 0 means no limit.
type Filter struct {
	UnitID     domain.UnitID
	Module     string
	Competency string
	Status     Status
	Limit      int
	Offset     int
}

// Matches reports whether r satisfies every set field of f.
func (f Filter) Matches(r *RawRecord) bool {
	if !f.UnitID.IsNil() && r.UnitID != f.UnitID {
		return false
	}
	if f.Module != "" && r.Module != f.Module {
		return false
	}
	if f.Competency != "" && r.Competency != f.Competency {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}
