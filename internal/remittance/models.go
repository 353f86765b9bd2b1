// Package remittance owns the lifecycle of transmittable packages derived from
// raw records: validation gating, transformation into the exchange format,
// transmission through the gateway and cancellation.
package remittance

import (
	"encoding/json"
	"strings"
	"time"

	"fiscalbridge/pkg/domain"
	dErrors "fiscalbridge/pkg/domain-errors"
)

// Status is a remittance lifecycle state.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusValidating   Status = "VALIDATING"
	StatusTransforming Status = "TRANSFORMING"
	StatusReady        Status = "READY"
	StatusSending      Status = "SENDING"
	StatusSent         Status = "SENT"
	StatusError        Status = "ERROR"
	StatusCancelled    Status = "CANCELLED"
)

// AllStatuses lists every state in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusValidating, StatusTransforming, StatusReady,
	StatusSending, StatusSent, StatusError, StatusCancelled,
}

func (s Status) IsValid() bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// IsTransitional reports states that exactly one caller may hold at a time.
func (s Status) IsTransitional() bool {
	return s == StatusValidating || s == StatusTransforming || s == StatusSending
}

// ParseStatus accepts either case.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", dErrors.Newf(dErrors.CodeValidation, "unknown remittance status %q", s)
	}
	return st, nil
}

// ErrorStage records which pipeline step put a remittance into ERROR.
type ErrorStage string

const (
	StageNone         ErrorStage = ""
	StageValidation   ErrorStage = "VALIDATION"
	StageTransform    ErrorStage = "TRANSFORM"
	StageTransmission ErrorStage = "TRANSMISSION"
)

// Trigger is an event that may move a remittance between states.
type Trigger string

const (
	TriggerAutoAdvance      Trigger = "auto_advance"
	TriggerValidationPassed Trigger = "validation_passed"
	TriggerValidationFailed Trigger = "validation_failed"
	TriggerTransformed      Trigger = "transformed"
	TriggerTransformFailed  Trigger = "transform_failed"
	TriggerSend             Trigger = "send"
	TriggerTransmitted      Trigger = "transmitted"
	TriggerTransmitFailed   Trigger = "transmit_failed"
	TriggerResend           Trigger = "resend"
	TriggerRevalidate       Trigger = "revalidate"
	TriggerCancel           Trigger = "cancel"
)

// AllTriggers lists every trigger.
var AllTriggers = []Trigger{
	TriggerAutoAdvance, TriggerValidationPassed, TriggerValidationFailed,
	TriggerTransformed, TriggerTransformFailed, TriggerSend, TriggerTransmitted,
	TriggerTransmitFailed, TriggerResend, TriggerRevalidate, TriggerCancel,
}

// transitions is the complete lifecycle table. Any (state, trigger) pair
// missing here is an invalid transition.
var transitions = map[Status]map[Trigger]Status{
	StatusPending: {
		TriggerAutoAdvance: StatusValidating,
		TriggerCancel:      StatusCancelled,
	},
	StatusValidating: {
		TriggerValidationPassed: StatusTransforming,
		TriggerValidationFailed: StatusError,
	},
	StatusTransforming: {
		TriggerTransformed:     StatusReady,
		TriggerTransformFailed: StatusError,
	},
	StatusReady: {
		TriggerSend:   StatusSending,
		TriggerCancel: StatusCancelled,
	},
	StatusSending: {
		TriggerTransmitted:    StatusSent,
		TriggerTransmitFailed: StatusError,
		TriggerCancel:         StatusCancelled,
	},
	StatusSent: {
		TriggerResend:     StatusSending,
		TriggerRevalidate: StatusValidating,
	},
	StatusError: {
		TriggerResend:     StatusSending,
		TriggerRevalidate: StatusValidating,
	},
}

// Next returns the state a trigger leads to from the given state, or a
// CodeInvalidTransition error.
func Next(from Status, trigger Trigger) (Status, error) {
	if to, ok := transitions[from][trigger]; ok {
		return to, nil
	}
	return "", dErrors.Newf(dErrors.CodeInvalidTransition, "cannot %s a remittance in status %s", strings.ReplaceAll(string(trigger), "_", " "), from)
}

// Remittance is the aggregate root of the transmission lifecycle.
//
// Invariants:
//   - Status changes only through Fire, which consults the transition table
//   - Protocol is non-empty if and only if Status is SENT
//   - CancelledAt is set if and only if Status is CANCELLED; CANCELLED is terminal
//   - Payload is only written by a successful transform
//   - SourceDigest is the digest of the raw record the Payload was built from
type Remittance struct {
	ID           domain.RemittanceID `json:"id"`
	UnitID       domain.UnitID       `json:"unit_id"`
	RawRecordID  domain.RawRecordID  `json:"raw_record_id"`
	Module       string              `json:"module"`
	Competency   string              `json:"competency"`
	Status       Status              `json:"status"`
	ErrorStage   ErrorStage          `json:"error_stage,omitempty"`
	Payload      json.RawMessage     `json:"payload,omitempty"`
	SourceDigest string              `json:"source_digest,omitempty"`
	Protocol     string              `json:"protocol,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	CancelReason string              `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	SentAt       *time.Time          `json:"sent_at,omitempty"`
	CancelledAt  *time.Time          `json:"cancelled_at,omitempty"`
}

func NewRemittance(id domain.RemittanceID, unitID domain.UnitID, recordID domain.RawRecordID, module, competency string, now time.Time) *Remittance {
	return &Remittance{
		ID:          id,
		UnitID:      unitID,
		RawRecordID: recordID,
		Module:      module,
		Competency:  competency,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsActive reports whether the remittance still counts against its record's
// one-active-remittance limit.
func (r *Remittance) IsActive() bool {
	return r.Status != StatusCancelled
}

// Effect carries trigger-specific data.
type Effect struct {
	// Message is the error summary for failure triggers.
	Message string
	// Payload is the exchange document for TriggerTransformed.
	Payload json.RawMessage
	// SourceDigest fingerprints the record snapshot Payload was built from.
	SourceDigest string
	// Protocol is the authority receipt for TriggerTransmitted.
	Protocol string
	// Reason is required for TriggerCancel.
	Reason string
}

// Can reports whether the trigger is legal now, including trigger guards.
func (r *Remittance) Can(trigger Trigger, effect Effect) error {
	if _, err := Next(r.Status, trigger); err != nil {
		return err
	}
	switch trigger {
	case TriggerCancel:
		if strings.TrimSpace(effect.Reason) == "" {
			return dErrors.New(dErrors.CodeValidation, "cancel reason is required")
		}
	case TriggerTransmitted:
		if strings.TrimSpace(effect.Protocol) == "" {
			return dErrors.New(dErrors.CodeInvariantViolation, "protocol is required to mark a remittance as sent")
		}
	case TriggerTransformed:
		if len(effect.Payload) == 0 {
			return dErrors.New(dErrors.CodeInvariantViolation, "transformed payload is required")
		}
	case TriggerResend:
		if len(r.Payload) == 0 {
			return dErrors.New(dErrors.CodeInvalidTransition, "remittance has no transformed payload to resend")
		}
		if r.Status == StatusError && r.ErrorStage != StageTransmission {
			return dErrors.Newf(dErrors.CodeInvalidTransition, "remittance failed at %s and must re-enter the pipeline", r.ErrorStage)
		}
	}
	return nil
}

// Fire checks and applies a trigger.
func (r *Remittance) Fire(trigger Trigger, effect Effect, now time.Time) error {
	if err := r.Can(trigger, effect); err != nil {
		return err
	}
	to, _ := Next(r.Status, trigger)
	r.apply(trigger, to, effect, now)
	return nil
}

func (r *Remittance) apply(trigger Trigger, to Status, effect Effect, now time.Time) {
	r.Status = to
	r.UpdatedAt = now
	switch trigger {
	case TriggerAutoAdvance, TriggerRevalidate:
		r.clearOutcome()
	case TriggerValidationPassed:
	case TriggerValidationFailed:
		r.fail(StageValidation, effect.Message)
	case TriggerTransformed:
		r.Payload = append(json.RawMessage(nil), effect.Payload...)
		r.SourceDigest = effect.SourceDigest
	case TriggerTransformFailed:
		r.fail(StageTransform, effect.Message)
	case TriggerSend, TriggerResend:
		r.clearOutcome()
	case TriggerTransmitted:
		r.Protocol = effect.Protocol
		sent := now
		r.SentAt = &sent
	case TriggerTransmitFailed:
		r.fail(StageTransmission, effect.Message)
	case TriggerCancel:
		r.CancelReason = strings.TrimSpace(effect.Reason)
		cancelled := now
		r.CancelledAt = &cancelled
		r.Protocol = ""
	}
}

func (r *Remittance) clearOutcome() {
	r.Protocol = ""
	r.SentAt = nil
	r.ErrorMessage = ""
	r.ErrorStage = StageNone
}

func (r *Remittance) fail(stage ErrorStage, message string) {
	r.ErrorStage = stage
	r.ErrorMessage = message
	r.Protocol = ""
}

// Failure describes why the remittance is in ERROR, coded by the failing
// stage, or nil for any other status.
func (r *Remittance) Failure() error {
	if r.Status != StatusError {
		return nil
	}
	code := dErrors.CodeTransmissionFailure
	switch r.ErrorStage {
	case StageValidation:
		code = dErrors.CodeBlockingViolation
	case StageTransform:
		code = dErrors.CodeValidation
	}
	return dErrors.New(code, r.ErrorMessage)
}

// Direction of a communication log entry.
type Direction string

const (
	DirectionRequest  Direction = "REQUEST"
	DirectionResponse Direction = "RESPONSE"
)

// Log is one side of a transmission attempt. Entries are append-only.
type Log struct {
	ID           domain.LogID        `json:"id"`
	RemittanceID domain.RemittanceID `json:"remittance_id"`
	Attempt      int                 `json:"attempt"`
	Direction    Direction           `json:"direction"`
	Method       string              `json:"method"`
	URL          string              `json:"url"`
	StatusCode   *int                `json:"status_code,omitempty"`
	Headers      map[string]string   `json:"headers"`
	Body         string              `json:"body"`
	DurationMs   *int64              `json:"duration_ms,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// Filter narrows remittance listings. Zero-valued fields match everything.
type Filter struct {
	UnitID      domain.UnitID
	RawRecordID domain.RawRecordID
	Module      string
	Competency  string
	Status      Status
	Limit       int
	Offset      int
}

func (f Filter) Matches(r *Remittance) bool {
	if !f.UnitID.IsNil() && r.UnitID != f.UnitID {
		return false
	}
	if !f.RawRecordID.IsNil() && r.RawRecordID != f.RawRecordID {
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

// BulkResult is the per-item outcome of a bulk operation.
type BulkResult struct {
	ID     domain.RemittanceID `json:"id"`
	OK     bool                `json:"ok"`
	Status Status              `json:"status,omitempty"`
	Error  string              `json:"error,omitempty"`
	Code   dErrors.Code        `json:"code,omitempty"`
}

// RetryOptions controls how Retry re-enters the lifecycle.
type RetryOptions struct {
	// Revalidate forces the remittance back through validation and transform.
	Revalidate bool
}
