package record

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"fiscalbridge/internal/record/payload"
	"fiscalbridge/internal/unit"
	"fiscalbridge/pkg/domain"
	dErrors "fiscalbridge/pkg/domain-errors"
	audit "fiscalbridge/pkg/platform/audit"
	"fiscalbridge/pkg/platform/sentinel"
	"fiscalbridge/pkg/requestcontext"
)

// UnitResolver confirms a unit may ingest records.
type UnitResolver interface {
	RequireActive(ctx context.Context, id domain.UnitID) (*unit.Unit, error)
}

// EditGuard decides whether a record's payload may still change. The
// remittance service implements it; records only know that something may
// hold a snapshot of them. GuardEdit runs apply only while the edit is
// allowed, and holds off any remittance step on the record until apply
// returns.
type EditGuard interface {
	GuardEdit(ctx context.Context, id domain.RawRecordID, apply func(context.Context) error) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service handles ingestion and edits of raw records.
type Service struct {
	store   Store
	units   UnitResolver
	guard   EditGuard
	logger  *slog.Logger
	auditor AuditPublisher
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) {
		s.auditor = p
	}
}

// WithEditGuard installs the check consulted before payload updates.
func WithEditGuard(g EditGuard) Option {
	return func(s *Service) {
		s.guard = g
	}
}

func NewService(store Store, units UnitResolver, opts ...Option) *Service {
	s := &Service{store: store, units: units, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetEditGuard installs the guard after construction. The remittance service
// depends on this service, so wiring happens in two steps.
func (s *Service) SetEditGuard(g EditGuard) {
	s.guard = g
}

// IngestRequest is what the ingestion surface supplies.
type IngestRequest struct {
	UnitID     domain.UnitID
	Module     string
	Competency string
	Payload    json.RawMessage
}

func (s *Service) Ingest(ctx context.Context, actor domain.Actor, req IngestRequest) (*RawRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if _, err := s.units.RequireActive(ctx, req.UnitID); err != nil {
		return nil, err
	}
	doc, err := parsePayload(req.Payload)
	if err != nil {
		return nil, err
	}
	r, err := NewRawRecord(domain.NewRawRecordID(), req.UnitID, req.Module, req.Competency, doc, requestcontext.Now(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, dErrors.New(dErrors.CodeValidation, err.Error())
		}
		return nil, err
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store raw record")
	}
	s.emit(ctx, audit.EventRecordIngested, r.ID, actor)
	s.logger.InfoContext(ctx, "raw record ingested",
		"raw_record_id", r.ID,
		"unit_id", r.UnitID,
		"module", r.Module,
		"competency", r.Competency,
		"actor_id", actor.ID,
	)
	return r, nil
}

func (s *Service) Get(ctx context.Context, id domain.RawRecordID) (*RawRecord, error) {
	r, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, wrapRecordErr(err)
	}
	return r, nil
}

func (s *Service) List(ctx context.Context, filter Filter) ([]*RawRecord, error) {
	records, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list raw records")
	}
	return records, nil
}

func (s *Service) Count(ctx context.Context, filter Filter) (int, error) {
	n, err := s.store.Count(ctx, filter)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count raw records")
	}
	return n, nil
}

// Update replaces the payload of a record that has not been committed to a
// remittance beyond PENDING or ERROR. The status resets to RECEIVED.
func (s *Service) Update(ctx context.Context, actor domain.Actor, id domain.RawRecordID, raw json.RawMessage) (*RawRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	doc, err := parsePayload(raw)
	if err != nil {
		return nil, err
	}
	var r *RawRecord
	edit := func(ctx context.Context) error {
		now := requestcontext.Now(ctx)
		updated, err := s.store.Execute(ctx, id,
			func(*RawRecord) error { return nil },
			func(r *RawRecord) { r.ApplyPayload(doc, now) },
		)
		if err != nil {
			return wrapRecordErr(err)
		}
		r = updated
		return nil
	}
	if s.guard != nil {
		err = s.guard.GuardEdit(ctx, id, edit)
	} else {
		err = edit(ctx)
	}
	if err != nil {
		return nil, err
	}
	s.emit(ctx, audit.EventRecordUpdated, id, actor)
	s.logger.InfoContext(ctx, "raw record updated",
		"raw_record_id", id,
		"actor_id", actor.ID,
	)
	return r, nil
}

// SetStatus records the outcome of a validation run.
func (s *Service) SetStatus(ctx context.Context, id domain.RawRecordID, status Status) (*RawRecord, error) {
	if !status.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown record status %q", status)
	}
	now := requestcontext.Now(ctx)
	r, err := s.store.Execute(ctx, id,
		func(*RawRecord) error { return nil },
		func(r *RawRecord) { r.ApplyStatus(status, now) },
	)
	if err != nil {
		return nil, wrapRecordErr(err)
	}
	return r, nil
}

func parsePayload(raw json.RawMessage) (payload.Value, error) {
	if len(raw) == 0 {
		return payload.Value{}, dErrors.New(dErrors.CodeValidation, "payload is required")
	}
	doc, err := payload.Parse(raw)
	if err != nil {
		return payload.Value{}, dErrors.Wrap(err, dErrors.CodeValidation, "invalid payload")
	}
	return doc, nil
}

// emit is best effort: record events are operational, not compliance.
func (s *Service) emit(ctx context.Context, action audit.AuditEvent, id domain.RawRecordID, actor domain.Actor) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Emit(ctx, audit.NewEvent(action, id.String(), actor)); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event",
			"action", action,
			"raw_record_id", id,
			"error", err,
		)
	}
}

func requireActor(actor domain.Actor) error {
	if actor.IsZero() {
		return dErrors.New(dErrors.CodeUnauthorized, "actor identity is required")
	}
	return nil
}

func wrapRecordErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "raw record not found")
	case dErrors.Is(err):
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "raw record store failure")
	}
}
