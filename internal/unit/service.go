package unit

import (
	"context"
	"errors"
	"log/slog"

	"fiscalbridge/pkg/domain"
	dErrors "fiscalbridge/pkg/domain-errors"
	audit "fiscalbridge/pkg/platform/audit"
	"fiscalbridge/pkg/platform/sentinel"
	"fiscalbridge/pkg/requestcontext"
)

// AuditPublisher records unit lifecycle events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service orchestrates managing unit lifecycle and credential custody.
type Service struct {
	store   Store
	sealer  *Sealer
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

func NewService(store Store, sealer *Sealer, opts ...Option) *Service {
	s := &Service{store: store, sealer: sealer, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateUnitRequest carries the fields an administrator supplies.
type CreateUnitRequest struct {
	Code        string
	Name        string
	Environment Environment
}

func (s *Service) Create(ctx context.Context, actor domain.Actor, req CreateUnitRequest) (*Unit, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	u, err := NewUnit(domain.NewUnitID(), req.Code, req.Name, req.Environment, requestcontext.Now(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, dErrors.New(dErrors.CodeValidation, err.Error())
		}
		return nil, err
	}
	if err := s.store.Create(ctx, u); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil, dErrors.New(dErrors.CodeConflict, "unit code must be unique")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create unit")
	}
	if err := s.emit(ctx, audit.EventUnitCreated, u.ID, actor); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "unit created",
		"unit_id", u.ID,
		"unit_code", u.Code,
		"actor_id", actor.ID,
	)
	return u, nil
}

func (s *Service) Get(ctx context.Context, id domain.UnitID) (*Unit, error) {
	u, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, wrapUnitErr(err)
	}
	return u, nil
}

func (s *Service) List(ctx context.Context) ([]*Unit, error) {
	units, err := s.store.List(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list units")
	}
	return units, nil
}

// RequireActive returns the unit only when it may ingest and transmit.
func (s *Service) RequireActive(ctx context.Context, id domain.UnitID) (*Unit, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !u.Active {
		return nil, dErrors.New(dErrors.CodeForbidden, "unit is inactive")
	}
	return u, nil
}

func (s *Service) Deactivate(ctx context.Context, actor domain.Actor, id domain.UnitID) (*Unit, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	u, err := s.store.Execute(ctx, id,
		func(u *Unit) error {
			if err := u.CanDeactivate(); err != nil {
				return dErrors.New(dErrors.CodeConflict, "unit is already inactive")
			}
			return nil
		},
		func(u *Unit) { u.ApplyDeactivation(now) },
	)
	if err != nil {
		return nil, wrapUnitErr(err)
	}
	if err := s.emit(ctx, audit.EventUnitDeactivated, id, actor); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) Reactivate(ctx context.Context, actor domain.Actor, id domain.UnitID) (*Unit, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	u, err := s.store.Execute(ctx, id,
		func(u *Unit) error {
			if err := u.CanReactivate(); err != nil {
				return dErrors.New(dErrors.CodeConflict, "unit is already active")
			}
			return nil
		},
		func(u *Unit) { u.ApplyReactivation(now) },
	)
	if err != nil {
		return nil, wrapUnitErr(err)
	}
	if err := s.emit(ctx, audit.EventUnitReactivated, id, actor); err != nil {
		return nil, err
	}
	return u, nil
}

// SetEnvironment switches the unit between staging and production transmission.
func (s *Service) SetEnvironment(ctx context.Context, actor domain.Actor, id domain.UnitID, env Environment) (*Unit, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if !env.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "environment must be PRODUCTION or STAGING")
	}
	now := requestcontext.Now(ctx)
	u, err := s.store.Execute(ctx, id,
		func(*Unit) error { return nil },
		func(u *Unit) { u.ApplyEnvironment(env, now) },
	)
	if err != nil {
		return nil, wrapUnitErr(err)
	}
	return u, nil
}

// SetCredentials seals and stores the credential set for one environment.
func (s *Service) SetCredentials(ctx context.Context, actor domain.Actor, id domain.UnitID, env Environment, creds Credentials) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if !env.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "environment must be PRODUCTION or STAGING")
	}
	if err := creds.Validate(); err != nil {
		return err
	}
	sealed, err := s.sealer.Seal(creds)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to seal credentials")
	}
	if err := s.store.SaveCredentials(ctx, id, env, sealed); err != nil {
		return wrapUnitErr(err)
	}
	if err := s.emit(ctx, audit.EventUnitCredentialsSet, id, actor); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "unit credentials updated",
		"unit_id", id,
		"environment", env,
		"actor_id", actor.ID,
	)
	return nil
}

// ResolveCredentials opens the credential set for the unit's current environment.
func (s *Service) ResolveCredentials(ctx context.Context, id domain.UnitID) (*Unit, Credentials, error) {
	u, err := s.RequireActive(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	sealed, err := s.store.LoadCredentials(ctx, id, u.Environment)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil, dErrors.Newf(dErrors.CodeValidation, "unit has no credentials for %s", u.Environment)
		}
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load credentials")
	}
	creds, err := s.sealer.Open(sealed)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to open unit credentials",
			"unit_id", id,
			"error", err,
		)
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to open credentials")
	}
	return u, creds, nil
}

func (s *Service) emit(ctx context.Context, action audit.AuditEvent, id domain.UnitID, actor domain.Actor) error {
	if s.auditor == nil {
		return nil
	}
	if err := s.auditor.Emit(ctx, audit.NewEvent(action, id.String(), actor)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record audit event")
	}
	return nil
}

func requireActor(actor domain.Actor) error {
	if actor.IsZero() {
		return dErrors.New(dErrors.CodeUnauthorized, "actor identity is required")
	}
	return nil
}

func wrapUnitErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "unit not found")
	case dErrors.Is(err):
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "unit store failure")
	}
}
