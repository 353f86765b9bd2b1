package remittance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fiscalbridge/internal/gateway"
	"fiscalbridge/internal/platform/lock"
	"fiscalbridge/internal/platform/metrics"
	"fiscalbridge/internal/record"
	"fiscalbridge/internal/unit"
	"fiscalbridge/pkg/domain"
	dErrors "fiscalbridge/pkg/domain-errors"
	audit "fiscalbridge/pkg/platform/audit"
	"fiscalbridge/pkg/platform/sentinel"
	"fiscalbridge/pkg/requestcontext"
)

const (
	defaultGatewayTimeout  = 30 * time.Second
	defaultBulkConcurrency = 4
	maxBulkItems           = 500
	maxLoggedRejection     = 512
)

// Service drives remittances through their lifecycle.
//
// Every transition is a short critical section on the remittance id: read,
// check the transition table, and write conditionally on the status that was
// read. Validation and gateway calls run between hops, outside the lock, so a
// cancel may land while a transmission is in flight; its result is then
// logged and discarded.
type Service struct {
	store       Store
	logs        LogStore
	records     RecordReader
	units       UnitDirectory
	validator   Validator
	gateway     Gateway
	transformer *Transformer

	locker          lock.Locker
	tx              TxRunner
	logger          *slog.Logger
	auditor         AuditPublisher
	metrics         *metrics.Metrics
	tracer          trace.Tracer
	gatewayTimeout  time.Duration
	autoProcess     bool
	bulkConcurrency int
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

func WithTxRunner(tx TxRunner) Option {
	return func(s *Service) {
		s.tx = tx
	}
}

func WithTransformer(t *Transformer) Option {
	return func(s *Service) {
		s.transformer = t
	}
}

// WithGatewayTimeout bounds each transmission attempt.
func WithGatewayTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.gatewayTimeout = d
		}
	}
}

// WithAutoProcess runs the pipeline right after Create.
func WithAutoProcess(enabled bool) Option {
	return func(s *Service) {
		s.autoProcess = enabled
	}
}

// WithBulkConcurrency limits how many items of a bulk call run at once.
func WithBulkConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.bulkConcurrency = n
		}
	}
}

func NewService(store Store, logs LogStore, records RecordReader, units UnitDirectory, validator Validator, gw Gateway, opts ...Option) *Service {
	s := &Service{
		store:           store,
		logs:            logs,
		records:         records,
		units:           units,
		validator:       validator,
		gateway:         gw,
		locker:          lock.NewSharded(0),
		logger:          slog.Default(),
		tracer:          otel.Tracer("fiscalbridge/remittance"),
		gatewayTimeout:  defaultGatewayTimeout,
		bulkConcurrency: defaultBulkConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.transformer == nil {
		t, err := NewTransformer(DefaultMappings)
		if err != nil {
			panic(fmt.Sprintf("default mappings: %v", err))
		}
		s.transformer = t
	}
	return s
}

// Create derives a PENDING remittance from a raw record. The record's unit
// must be active and the record must not already have an active remittance.
func (s *Service) Create(ctx context.Context, actor domain.Actor, recordID domain.RawRecordID) (*Remittance, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	rec, err := s.records.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if _, err := s.units.RequireActive(ctx, rec.UnitID); err != nil {
		return nil, err
	}
	r := NewRemittance(domain.NewRemittanceID(), rec.UnitID, rec.ID, rec.Module, rec.Competency, requestcontext.Now(ctx))
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, r); err != nil {
			return err
		}
		event := audit.NewEvent(audit.EventRemittanceCreated, r.ID.String(), actor)
		event.To = string(r.Status)
		return s.emitCompliance(ctx, event)
	})
	if err != nil {
		return nil, wrapRemittanceErr(err)
	}
	s.logger.InfoContext(ctx, "remittance created",
		"remittance_id", r.ID,
		"raw_record_id", r.RawRecordID,
		"module", r.Module,
		"competency", r.Competency,
		"actor_id", actor.ID,
	)
	if !s.autoProcess {
		return r, nil
	}
	processed, err := s.Process(ctx, actor, r.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "automatic processing failed",
			"remittance_id", r.ID,
			"error", err,
		)
		return r, nil
	}
	return processed, nil
}

func (s *Service) Get(ctx context.Context, id domain.RemittanceID) (*Remittance, error) {
	r, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, wrapRemittanceErr(err)
	}
	return r, nil
}

// Logs returns the communication trail of every transmission attempt.
func (s *Service) Logs(ctx context.Context, id domain.RemittanceID) ([]Log, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	logs, err := s.logs.ListByRemittance(ctx, id)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load remittance logs")
	}
	return logs, nil
}

// Process drives a PENDING remittance through validation and transformation
// until it is READY or ERROR. Pipeline failures are recorded on the
// remittance, not returned; see Remittance.Failure.
func (s *Service) Process(ctx context.Context, actor domain.Actor, id domain.RemittanceID) (*Remittance, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "remittance.Process", trace.WithAttributes(
		attribute.String("remittance.id", id.String()),
	))
	defer span.End()

	r, err := s.fire(ctx, actor, id, TriggerAutoAdvance, Effect{})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return s.pipeline(ctx, actor, r)
}

// Send transmits a READY remittance. A gateway failure or timeout leaves it
// in ERROR with stage TRANSMISSION, from where Retry resends it.
func (s *Service) Send(ctx context.Context, actor domain.Actor, id domain.RemittanceID) (*Remittance, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	u, creds, err := s.units.ResolveCredentials(ctx, current.UnitID)
	if err != nil {
		return nil, err
	}
	r, err := s.fire(ctx, actor, id, TriggerSend, Effect{})
	if err != nil {
		return nil, err
	}
	return s.transmit(ctx, actor, r, u, creds)
}

// Retry re-enters the lifecycle from ERROR or SENT. A transmission failure is
// resent with the existing payload; any other failure, an explicit
// Revalidate, or a raw record edited since the payload was built goes back
// through validation and transformation and is transmitted when it reaches
// READY.
func (s *Service) Retry(ctx context.Context, actor domain.Actor, id domain.RemittanceID, opts RetryOptions) (*Remittance, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	u, creds, err := s.units.ResolveCredentials(ctx, current.UnitID)
	if err != nil {
		return nil, err
	}

	revalidate := opts.Revalidate ||
		(current.Status == StatusError && current.ErrorStage != StageTransmission)
	if !revalidate {
		r, err := s.fire(ctx, actor, id, TriggerResend, Effect{})
		if err == nil {
			return s.transmit(ctx, actor, r, u, creds)
		}
		if !errors.Is(err, errStalePayload) {
			return nil, err
		}
		s.logger.InfoContext(ctx, "raw record changed since transform; revalidating",
			"remittance_id", id,
			"raw_record_id", current.RawRecordID,
		)
	}

	r, err := s.fire(ctx, actor, id, TriggerRevalidate, Effect{})
	if err != nil {
		return nil, err
	}
	r, err = s.pipeline(ctx, actor, r)
	if err != nil || r.Status != StatusReady {
		return r, err
	}
	r, err = s.fire(ctx, actor, id, TriggerSend, Effect{})
	if err != nil {
		return nil, err
	}
	return s.transmit(ctx, actor, r, u, creds)
}

// Cancel withdraws a remittance. CANCELLED is terminal; a cancel that lands
// during SENDING causes the in-flight result to be discarded.
func (s *Service) Cancel(ctx context.Context, actor domain.Actor, id domain.RemittanceID, reason string) (*Remittance, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.fire(ctx, actor, id, TriggerCancel, Effect{Reason: reason})
}

// GuardEdit runs apply only while the record has no active remittance, or
// the active one is PENDING or ERROR. The check and the edit happen under the
// remittance lock, so no pipeline step can start in between.
func (s *Service) GuardEdit(ctx context.Context, recordID domain.RawRecordID, apply func(context.Context) error) error {
	active, err := s.store.FindActiveByRecord(ctx, recordID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return apply(ctx)
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load active remittance")
	}
	err = s.locker.WithLock(ctx, lockKey(active.ID), func(ctx context.Context) error {
		current, err := s.store.FindByID(ctx, active.ID)
		if err != nil {
			return err
		}
		if current.IsActive() && current.Status != StatusPending && current.Status != StatusError {
			return dErrors.Newf(dErrors.CodeConflict, "raw record cannot be edited while its remittance is %s", current.Status)
		}
		return apply(ctx)
	})
	return wrapRemittanceErr(err)
}

// pipeline advances a VALIDATING remittance to READY or ERROR.
func (s *Service) pipeline(ctx context.Context, actor domain.Actor, r *Remittance) (*Remittance, error) {
	ctx, span := s.tracer.Start(ctx, "remittance.pipeline")
	defer span.End()

	result, err := s.validator.Validate(ctx, actor, r.RawRecordID)
	switch {
	case err != nil:
		span.RecordError(err)
		return s.fire(ctx, actor, r.ID, TriggerValidationFailed, Effect{Message: "validation could not run: " + err.Error()})
	case result.Record == nil:
		return s.fire(ctx, actor, r.ID, TriggerValidationFailed, Effect{Message: "validation returned no record snapshot"})
	case result.Summary.HasBlockingErrors:
		return s.fire(ctx, actor, r.ID, TriggerValidationFailed, Effect{Message: result.Summary.Describe(result.Findings)})
	}

	r, err = s.fire(ctx, actor, r.ID, TriggerValidationPassed, Effect{})
	if err != nil {
		return nil, err
	}

	// Transform the exact snapshot the findings were computed from.
	effect, err := s.transform(ctx, r, result.Record)
	if err != nil {
		span.RecordError(err)
		return s.fire(ctx, actor, r.ID, TriggerTransformFailed, Effect{Message: err.Error()})
	}
	return s.fire(ctx, actor, r.ID, TriggerTransformed, effect)
}

func (s *Service) transform(ctx context.Context, r *Remittance, rec *record.RawRecord) (Effect, error) {
	digest, err := rec.Digest()
	if err != nil {
		return Effect{}, err
	}
	u, err := s.units.RequireActive(ctx, r.UnitID)
	if err != nil {
		return Effect{}, err
	}
	doc, err := s.transformer.Transform(rec, Header{
		UnitCode:    u.Code,
		UnitName:    u.Name,
		Environment: string(u.Environment),
		GeneratedAt: requestcontext.Now(ctx).UTC(),
	})
	if err != nil {
		return Effect{}, err
	}
	return Effect{Payload: doc, SourceDigest: digest}, nil
}

// errStalePayload means the raw record no longer matches the snapshot the
// payload was built from.
var errStalePayload = dErrors.New(dErrors.CodeInvalidTransition, "raw record changed after the payload was built; revalidate before sending")

// checkTransmittable refuses to send a payload whose source record has
// changed or whose latest validation run left blocking findings.
func (s *Service) checkTransmittable(ctx context.Context, r *Remittance) error {
	rec, err := s.records.Get(ctx, r.RawRecordID)
	if err != nil {
		return err
	}
	digest, err := rec.Digest()
	if err != nil {
		return err
	}
	if digest != r.SourceDigest {
		return errStalePayload
	}
	result, err := s.validator.Findings(ctx, r.RawRecordID)
	if err != nil {
		return err
	}
	if result.Summary.HasBlockingErrors {
		return dErrors.Newf(dErrors.CodeBlockingViolation, "raw record has %s", result.Summary.Describe(result.Findings))
	}
	return nil
}



// transmit performs one attempt for a SENDING remittance, appends the
// request/response pair and settles the outcome.
func (s *Service) transmit(ctx context.Context, actor domain.Actor, r *Remittance, u *unit.Unit, creds unit.Credentials) (*Remittance, error) {
	ctx, span := s.tracer.Start(ctx, "remittance.transmit", trace.WithAttributes(
		attribute.String("remittance.id", r.ID.String()),
	))
	defer span.End()

	// The outcome must be recorded even if the caller goes away mid-attempt.
	settleCtx := context.WithoutCancel(ctx)

	attempt, err := s.logs.LastAttempt(settleCtx, r.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read attempt counter")
	}
	attempt++

	started := requestcontext.Now(ctx)
	tctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	res, txErr := s.gateway.Transmit(tctx, gateway.Request{
		RemittanceID: r.ID,
		UnitCode:     u.Code,
		Environment:  string(u.Environment),
		Module:       r.Module,
		Competency:   r.Competency,
		Payload:      r.Payload,
		Credentials:  map[string]string(creds),
	})
	cancel()

	if err := s.logs.Append(settleCtx, attemptLogs(r.ID, attempt, res, txErr, started)...); err != nil {
		s.logger.ErrorContext(ctx, "failed to append remittance logs",
			"remittance_id", r.ID,
			"attempt", attempt,
			"error", err,
		)
	}

	trigger, effect, outcome := settlement(res, txErr)
	s.metrics.ObserveTransmission(outcome, res.Duration)
	if trigger == TriggerTransmitFailed {
		span.SetStatus(codes.Error, effect.Message)
	}

	settled, err := s.fire(settleCtx, actor, r.ID, trigger, effect)
	if err == nil {
		return settled, nil
	}
	current, getErr := s.Get(settleCtx, r.ID)
	if getErr != nil || current.Status != StatusCancelled {
		return nil, err
	}
	s.discardLate(settleCtx, actor, current, attempt, outcome)
	return current, nil
}

// settlement maps a gateway outcome to the trigger that records it.
func settlement(res gateway.Result, err error) (Trigger, Effect, string) {
	switch {
	case err != nil:
		return TriggerTransmitFailed, Effect{Message: err.Error()}, string(gateway.GetCategory(err))
	case !res.Success:
		body := res.ResponseBody
		if len(body) > maxLoggedRejection {
			body = body[:maxLoggedRejection]
		}
		return TriggerTransmitFailed, Effect{Message: fmt.Sprintf("authority rejected the remittance (HTTP %d): %s", res.StatusCode, body)}, "rejected"
	default:
		return TriggerTransmitted, Effect{Protocol: res.Protocol}, "sent"
	}
}

func (s *Service) discardLate(ctx context.Context, actor domain.Actor, r *Remittance, attempt int, outcome string) {
	event := audit.NewEvent(audit.EventLateResultDiscarded, r.ID.String(), actor)
	event.From = string(StatusSending)
	event.To = string(r.Status)
	event.Reason = fmt.Sprintf("attempt %d finished as %s after cancellation", attempt, outcome)
	if err := s.emitCompliance(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to record discarded transmission result",
			"remittance_id", r.ID,
			"error", err,
		)
	}
	s.logger.WarnContext(ctx, "transmission result discarded after cancellation",
		"remittance_id", r.ID,
		"attempt", attempt,
		"outcome", outcome,
	)
}

func attemptLogs(id domain.RemittanceID, attempt int, res gateway.Result, err error, started time.Time) []Log {
	request := Log{
		ID:           domain.NewLogID(),
		RemittanceID: id,
		Attempt:      attempt,
		Direction:    DirectionRequest,
		Method:       res.Method,
		URL:          res.URL,
		Headers:      res.RequestHeaders,
		Body:         res.RequestBody,
		CreatedAt:    started,
	}
	duration := res.DurationMs()
	response := Log{
		ID:           domain.NewLogID(),
		RemittanceID: id,
		Attempt:      attempt,
		Direction:    DirectionResponse,
		Method:       res.Method,
		URL:          res.URL,
		Headers:      res.ResponseHeaders,
		Body:         res.ResponseBody,
		DurationMs:   &duration,
		CreatedAt:    started.Add(res.Duration),
	}
	if res.StatusCode != 0 {
		status := res.StatusCode
		response.StatusCode = &status
	}
	if err != nil && response.Body == "" {
		response.Body = err.Error()
	}
	return []Log{request, response}
}

// fire applies one trigger under the remittance lock and persists it only if
// the status is still the one that was read.
func (s *Service) fire(ctx context.Context, actor domain.Actor, id domain.RemittanceID, trigger Trigger, effect Effect) (*Remittance, error) {
	var (
		updated *Remittance
		from    Status
	)
	err := s.locker.WithLock(ctx, lockKey(id), func(ctx context.Context) error {
		current, err := s.store.FindByID(ctx, id)
		if err != nil {
			return err
		}
		from = current.Status
		next := cloneRemittance(current)
		if err := next.Fire(trigger, effect, requestcontext.Now(ctx)); err != nil {
			if dErrors.HasCode(err, dErrors.CodeInvalidTransition) && from.IsTransitional() && startsWork(trigger) {
				return dErrors.Newf(dErrors.CodeConflict, "remittance is %s in another request", from)
			}
			return err
		}
		if trigger == TriggerSend || trigger == TriggerResend {
			if err := s.checkTransmittable(ctx, current); err != nil {
				return err
			}
		}
		event := transitionEvent(actor, next, from)
		compliance := event.Category == audit.CategoryCompliance
		err = s.inTx(ctx, func(ctx context.Context) error {
			if compliance {
				if err := s.emitCompliance(ctx, event); err != nil {
					return err
				}
			}
			if err := s.store.UpdateIfStatus(ctx, next, from); err != nil {
				return err
			}
			if !compliance {
				s.emitBestEffort(ctx, event)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		err = wrapRemittanceErr(err)
		if dErrors.HasCode(err, dErrors.CodeConflict) {
			s.metrics.IncConflict(string(trigger))
		}
		return nil, err
	}

	s.metrics.ObserveTransition(string(from), string(updated.Status))
	s.logger.InfoContext(ctx, "remittance transitioned",
		"remittance_id", id,
		"from", from,
		"to", updated.Status,
		"trigger", trigger,
		"actor_id", actor.ID,
	)
	return updated, nil
}

// startsWork reports triggers that claim a remittance for a pipeline run or a
// transmission. Losing that race to another request is a conflict.
func startsWork(trigger Trigger) bool {
	return trigger == TriggerSend || trigger == TriggerResend || trigger == TriggerRevalidate
}

var transitionEvents = map[Status]audit.AuditEvent{
	StatusPending:      audit.EventRemittanceCreated,
	StatusValidating:   audit.EventRemittanceValidating,
	StatusTransforming: audit.EventRemittanceTransforming,
	StatusReady:        audit.EventRemittanceReady,
	StatusSending:      audit.EventRemittanceSending,
	StatusSent:         audit.EventRemittanceSent,
	StatusError:        audit.EventRemittanceError,
	StatusCancelled:    audit.EventRemittanceCancelled,
}

// transitionEvent describes the new state. Compliance events must be stored
// before the status write; progress events are best effort.
func transitionEvent(actor domain.Actor, r *Remittance, from Status) audit.Event {
	event := audit.NewEvent(transitionEvents[r.Status], r.ID.String(), actor)
	event.From = string(from)
	event.To = string(r.Status)
	switch r.Status {
	case StatusCancelled:
		event.Reason = r.CancelReason
	case StatusSent:
		event.Reason = r.Protocol
	case StatusError:
		event.Reason = r.ErrorMessage
	}
	return event
}

func (s *Service) emitCompliance(ctx context.Context, event audit.Event) error {
	if s.auditor == nil {
		return nil
	}
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

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return s.tx.RunInTx(ctx, fn)
}

func lockKey(id domain.RemittanceID) string {
	return "remittance:" + id.String()
}

func requireActor(actor domain.Actor) error {
	if actor.IsZero() {
		return dErrors.New(dErrors.CodeUnauthorized, "actor identity is required")
	}
	return nil
}

func wrapRemittanceErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "remittance not found")
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return dErrors.New(dErrors.CodeConflict, "raw record already has an active remittance")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, "remittance changed in another request")
	case errors.Is(err, sentinel.ErrLocked):
		return dErrors.New(dErrors.CodeConflict, "remittance is locked by another request")
	case dErrors.Is(err):
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "remittance store failure")
	}
}
