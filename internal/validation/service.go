package validation

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"fiscalbridge/internal/platform/lock"
	"fiscalbridge/internal/platform/metrics"
	"fiscalbridge/internal/record"
	"fiscalbridge/pkg/domain"
	dErrors "fiscalbridge/pkg/domain-errors"
	audit "fiscalbridge/pkg/platform/audit"
	"fiscalbridge/pkg/platform/sentinel"
	"fiscalbridge/pkg/requestcontext"
)

// RecordSource reads raw records and records validation outcomes on them.
type RecordSource interface {
	Get(ctx context.Context, id domain.RawRecordID) (*record.RawRecord, error)
	SetStatus(ctx context.Context, id domain.RawRecordID, status record.Status) (*record.RawRecord, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service manages rule configuration and runs validation for raw records.
// Runs for one record are serialized; different records validate in parallel.
type Service struct {
	rules    RuleStore
	findings FindingStore
	records  RecordSource
	locker   lock.Locker
	logger   *slog.Logger
	auditor  AuditPublisher
	metrics  *metrics.Metrics
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

// WithLocker replaces the in-process locker, e.g. with a redis-backed one.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) {
		s.locker = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func NewService(rules RuleStore, findings FindingStore, records RecordSource, opts ...Option) *Service {
	s := &Service{
		rules:    rules,
		findings: findings,
		records:  records,
		locker:   lock.NewSharded(0),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CreateRule(ctx context.Context, actor domain.Actor, spec RuleSpec) (*Rule, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	r, err := NewRule(domain.NewRuleID(), spec, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}
	if err := s.rules.Create(ctx, r); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create rule")
	}
	if err := s.emitRule(ctx, audit.EventRuleCreated, r, actor); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "validation rule created",
		"rule_id", r.ID,
		"rule_code", r.Code,
		"module", r.Module,
		"actor_id", actor.ID,
	)
	return r, nil
}

func (s *Service) UpdateRule(ctx context.Context, actor domain.Actor, id domain.RuleID, spec RuleSpec) (*Rule, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	r, err := s.rules.Execute(ctx, id,
		func(r *Rule) error { return cloneRule(r).ApplySpec(spec, now) },
		func(r *Rule) { _ = r.ApplySpec(spec, now) },
	)
	if err != nil {
		return nil, wrapRuleErr(err)
	}
	if err := s.emitRule(ctx, audit.EventRuleUpdated, r, actor); err != nil {
		return nil, err
	}
	return r, nil
}

// SetRuleActive toggles whether the engine loads the rule.
func (s *Service) SetRuleActive(ctx context.Context, actor domain.Actor, id domain.RuleID, active bool) (*Rule, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	r, err := s.rules.Execute(ctx, id,
		func(r *Rule) error {
			if r.Active == active {
				return dErrors.Newf(dErrors.CodeConflict, "rule active is already %s", strconv.FormatBool(active))
			}
			return nil
		},
		func(r *Rule) { r.ApplyActive(active, now) },
	)
	if err != nil {
		return nil, wrapRuleErr(err)
	}
	action := audit.EventRuleDeactivated
	if active {
		action = audit.EventRuleActivated
	}
	if err := s.emitRule(ctx, action, r, actor); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) GetRule(ctx context.Context, id domain.RuleID) (*Rule, error) {
	r, err := s.rules.FindByID(ctx, id)
	if err != nil {
		return nil, wrapRuleErr(err)
	}
	return r, nil
}

func (s *Service) ListRules(ctx context.Context, filter RuleFilter) ([]*Rule, error) {
	if filter.Module != "" {
		filter.Module = record.NormalizeModule(filter.Module)
	}
	rules, err := s.rules.List(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list rules")
	}
	return rules, nil
}

// Validate evaluates the active rules of the record's module, replaces the
// stored findings and moves the record to PROCESSED, or ERROR when a blocking
// finding exists.
func (s *Service) Validate(ctx context.Context, actor domain.Actor, id domain.RawRecordID) (*Result, error) {
	return s.run(ctx, actor, id, "validate")
}

// Revalidate always re-evaluates and supersedes prior findings, typically
// after the record was fixed.
func (s *Service) Revalidate(ctx context.Context, actor domain.Actor, id domain.RawRecordID) (*Result, error) {
	return s.run(ctx, actor, id, "revalidate")
}

func (s *Service) run(ctx context.Context, actor domain.Actor, id domain.RawRecordID, trigger string) (*Result, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	var result *Result
	err := s.locker.WithLock(ctx, recordLockKey(id), func(ctx context.Context) error {
		rec, err := s.records.Get(ctx, id)
		if err != nil {
			return err
		}
		if _, err := s.records.SetStatus(ctx, id, record.StatusProcessing); err != nil {
			return err
		}
		rules, err := s.rules.List(ctx, RuleFilter{Module: rec.Module, ActiveOnly: true})
		if err != nil {
			return s.fail(ctx, id, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load rules"))
		}
		set := Compile(rules)
		for _, rejected := range set.Rejected() {
			s.logger.WarnContext(ctx, "validation rule skipped",
				"raw_record_id", id,
				"module", rec.Module,
				"error", rejected,
			)
		}

		findings := set.Evaluate(rec)
		now := requestcontext.Now(ctx)
		for i := range findings {
			findings[i].ID = domain.NewFindingID()
			findings[i].CreatedAt = now
		}
		if err := s.findings.Replace(ctx, id, findings); err != nil {
			return s.fail(ctx, id, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store findings"))
		}

		summary := Summarize(findings)
		status := record.StatusProcessed
		if summary.HasBlockingErrors {
			status = record.StatusError
		}
		if _, err := s.records.SetStatus(ctx, id, status); err != nil {
			return err
		}
		result = &Result{RawRecordID: id, Findings: findings, Summary: summary, Record: rec}
		return nil
	})
	if err != nil {
		return nil, wrapLockErr(err)
	}

	s.metrics.ObserveValidation(result.Summary.Impeditivas, result.Summary.Alertas)
	event := audit.NewEvent(audit.EventRecordValidated, id.String(), actor)
	event.Reason = trigger
	s.emitBestEffort(ctx, event)
	s.logger.InfoContext(ctx, "raw record validated",
		"raw_record_id", id,
		"trigger", trigger,
		"findings", result.Summary.Total,
		"impeditivas", result.Summary.Impeditivas,
		"alertas", result.Summary.Alertas,
		"actor_id", actor.ID,
	)
	return result, nil
}

// fail marks the record ERROR after an engine-level failure and returns err.
func (s *Service) fail(ctx context.Context, id domain.RawRecordID, err error) error {
	if _, statusErr := s.records.SetStatus(ctx, id, record.StatusError); statusErr != nil {
		s.logger.ErrorContext(ctx, "failed to mark raw record as errored",
			"raw_record_id", id,
			"error", statusErr,
		)
	}
	return err
}

// ClearValidations removes every finding of the record and returns the count.
func (s *Service) ClearValidations(ctx context.Context, actor domain.Actor, id domain.RawRecordID) (int, error) {
	if err := requireActor(actor); err != nil {
		return 0, err
	}
	var removed int
	err := s.locker.WithLock(ctx, recordLockKey(id), func(ctx context.Context) error {
		if _, err := s.records.Get(ctx, id); err != nil {
			return err
		}
		n, err := s.findings.Clear(ctx, id)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to clear findings")
		}
		removed = n
		return nil
	})
	if err != nil {
		return 0, wrapLockErr(err)
	}
	event := audit.NewEvent(audit.EventValidationsCleared, id.String(), actor)
	event.Reason = strconv.Itoa(removed) + " finding(s) removed"
	s.emitBestEffort(ctx, event)
	s.logger.InfoContext(ctx, "validations cleared",
		"raw_record_id", id,
		"removed", removed,
		"actor_id", actor.ID,
	)
	return removed, nil
}

// Findings returns the stored finding set and its summary.
func (s *Service) Findings(ctx context.Context, id domain.RawRecordID) (*Result, error) {
	if _, err := s.records.Get(ctx, id); err != nil {
		return nil, err
	}
	findings, err := s.findings.List(ctx, id)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load findings")
	}
	return &Result{RawRecordID: id, Findings: findings, Summary: Summarize(findings)}, nil
}

func recordLockKey(id domain.RawRecordID) string {
	return "record:" + id.String()
}

// emitRule is fail-closed: rule changes decide what may be transmitted.
func (s *Service) emitRule(ctx context.Context, action audit.AuditEvent, r *Rule, actor domain.Actor) error {
	if s.auditor == nil {
		return nil
	}
	event := audit.NewEvent(action, r.ID.String(), actor)
	event.Reason = r.Code
	if err := s.auditor.Emit(ctx, event); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record audit event")
	}
	return nil
}

func (s *Service) emitBestEffort(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event",
			"action", event.Action,
			"subject", event.Subject,
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

func wrapRuleErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "rule not found")
	case dErrors.Is(err):
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "rule store failure")
	}
}

func wrapLockErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrLocked):
		return dErrors.New(dErrors.CodeConflict, "raw record is being validated by another request")
	case dErrors.Is(err):
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "validation failed")
	}
}
