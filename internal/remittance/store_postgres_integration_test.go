//go:build integration

package remittance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"fiscalbridge/internal/platform/postgres"
	"fiscalbridge/internal/record"
	"fiscalbridge/internal/record/payload"
	"fiscalbridge/internal/remittance"
	"fiscalbridge/internal/unit"
	"fiscalbridge/pkg/domain"
	"fiscalbridge/pkg/platform/sentinel"
	txcontext "fiscalbridge/pkg/platform/tx"
	"fiscalbridge/pkg/testutil/containers"
)

type PostgresRemittanceStoreSuite struct {
	suite.Suite
	pg     *containers.PostgresContainer
	store  *remittance.PostgresStore
	logs   *remittance.PostgresLogStore
	unit   *unit.Unit
	record *record.RawRecord
}

func TestPostgresRemittanceStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresRemittanceStoreSuite))
}

func (s *PostgresRemittanceStoreSuite) SetupSuite() {
	s.pg = containers.StartPostgres(s.T())
	s.Require().NoError(postgres.Migrate(s.pg.DB))
	s.store = remittance.NewPostgresStore(s.pg.DB)
	s.logs = remittance.NewPostgresLogStore(s.pg.DB)
}

func (s *PostgresRemittanceStoreSuite) SetupTest() {
	ctx := context.Background()
	s.Require().NoError(s.pg.TruncateTables(ctx, "remittance_logs", "remittances", "raw_records", "units"))

	now := time.Now().UTC()
	u, err := unit.NewUnit(domain.NewUnitID(), "PM-1", "Prefeitura", unit.EnvironmentStaging, now)
	s.Require().NoError(err)
	s.Require().NoError(unit.NewPostgresStore(s.pg.DB).Create(ctx, u))
	s.unit = u

	doc, err := payload.Parse([]byte(`{"numeroContrato": "12/2024", "valor": 1000}`))
	s.Require().NoError(err)
	rec, err := record.NewRawRecord(domain.NewRawRecordID(), u.ID, "CONTRACT", "202404", doc, now)
	s.Require().NoError(err)
	s.Require().NoError(record.NewPostgresStore(s.pg.DB).Create(ctx, rec))
	s.record = rec
}

func (s *PostgresRemittanceStoreSuite) newRemittance() *remittance.Remittance {
	return remittance.NewRemittance(domain.NewRemittanceID(), s.unit.ID, s.record.ID, "CONTRACT", "202404", time.Now().UTC())
}

func (s *PostgresRemittanceStoreSuite) TestOneActivePerRecord() {
	ctx := context.Background()
	first := s.newRemittance()
	s.Require().NoError(s.store.Create(ctx, first))

	err := s.store.Create(ctx, s.newRemittance())
	s.True(errors.Is(err, sentinel.ErrAlreadyUsed))

	s.Require().NoError(first.Fire(remittance.TriggerCancel, remittance.Effect{Reason: "duplicate"}, time.Now().UTC()))
	s.Require().NoError(s.store.UpdateIfStatus(ctx, first, remittance.StatusPending))

	_, err = s.store.FindActiveByRecord(ctx, s.record.ID)
	s.True(errors.Is(err, sentinel.ErrNotFound))
	s.NoError(s.store.Create(ctx, s.newRemittance()))
}

func (s *PostgresRemittanceStoreSuite) TestUpdateIfStatus() {
	ctx := context.Background()
	r := s.newRemittance()
	s.Require().NoError(s.store.Create(ctx, r))

	s.Require().NoError(r.Fire(remittance.TriggerAutoAdvance, remittance.Effect{}, time.Now().UTC()))
	s.Require().NoError(s.store.UpdateIfStatus(ctx, r, remittance.StatusPending))

	stale := *r
	stale.Status = remittance.StatusError
	s.True(errors.Is(s.store.UpdateIfStatus(ctx, &stale, remittance.StatusPending), sentinel.ErrConflict))

	missing := s.newRemittance()
	s.True(errors.Is(s.store.UpdateIfStatus(ctx, missing, remittance.StatusPending), sentinel.ErrNotFound))

	found, err := s.store.FindByID(ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(remittance.StatusValidating, found.Status)
}

func (s *PostgresRemittanceStoreSuite) TestProtocolOnlyWhenSent() {
	ctx := context.Background()
	r := s.newRemittance()
	s.Require().NoError(s.store.Create(ctx, r))

	r.Protocol = "TCE-2024-000001"
	err := s.store.UpdateIfStatus(ctx, r, remittance.StatusPending)
	s.True(errors.Is(err, sentinel.ErrInvalidState))
}

func (s *PostgresRemittanceStoreSuite) TestSentRoundTrip() {
	ctx := context.Background()
	r := s.newRemittance()
	s.Require().NoError(s.store.Create(ctx, r))

	now := time.Now().UTC()
	steps := []struct {
		trigger remittance.Trigger
		effect  remittance.Effect
	}{
		{remittance.TriggerAutoAdvance, remittance.Effect{}},
		{remittance.TriggerValidationPassed, remittance.Effect{}},
		{remittance.TriggerTransformed, remittance.Effect{Payload: []byte(`{"header":{},"body":{}}`)}},
		{remittance.TriggerSend, remittance.Effect{}},
		{remittance.TriggerTransmitted, remittance.Effect{Protocol: "TCE-2024-000456"}},
	}
	for _, step := range steps {
		from := r.Status
		s.Require().NoError(r.Fire(step.trigger, step.effect, now))
		s.Require().NoError(s.store.UpdateIfStatus(ctx, r, from))
	}

	found, err := s.store.FindByID(ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(remittance.StatusSent, found.Status)
	s.Equal("TCE-2024-000456", found.Protocol)
	s.JSONEq(`{"header":{},"body":{}}`, string(found.Payload))
	s.Require().NotNil(found.SentAt)

	counts, err := s.store.CountByStatus(ctx, remittance.Filter{UnitID: s.unit.ID})
	s.Require().NoError(err)
	s.Equal(1, counts[remittance.StatusSent])

	list, err := s.store.List(ctx, remittance.Filter{Status: remittance.StatusPending})
	s.Require().NoError(err)
	s.Empty(list)
}

func (s *PostgresRemittanceStoreSuite) TestLogs() {
	ctx := context.Background()
	r := s.newRemittance()
	s.Require().NoError(s.store.Create(ctx, r))

	attempt, err := s.logs.LastAttempt(ctx, r.ID)
	s.Require().NoError(err)
	s.Zero(attempt)

	status := 422
	elapsed := int64(120)
	now := time.Now().UTC()
	s.Require().NoError(s.logs.Append(ctx,
		remittance.Log{ID: domain.NewLogID(), RemittanceID: r.ID, Attempt: 1, Direction: remittance.DirectionRequest,
			Method: "POST", URL: "https://authority/v1/remittances", Headers: map[string]string{"Authorization": "[REDACTED]"},
			Body: `{}`, CreatedAt: now},
		remittance.Log{ID: domain.NewLogID(), RemittanceID: r.ID, Attempt: 1, Direction: remittance.DirectionResponse,
			Method: "POST", URL: "https://authority/v1/remittances", StatusCode: &status, DurationMs: &elapsed,
			Body: `{"erro":"invalid"}`, CreatedAt: now.Add(time.Millisecond)},
	))

	entries, err := s.logs.ListByRemittance(ctx, r.ID)
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal(remittance.DirectionRequest, entries[0].Direction)
	s.Equal("[REDACTED]", entries[0].Headers["Authorization"])
	s.Require().NotNil(entries[1].StatusCode)
	s.Equal(422, *entries[1].StatusCode)

	attempt, err = s.logs.LastAttempt(ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(1, attempt)
}

func (s *PostgresRemittanceStoreSuite) TestRollbackDiscardsWrites() {
	ctx := context.Background()
	r := s.newRemittance()
	boom := errors.New("audit sink down")

	err := txcontext.Run(ctx, s.pg.DB, func(ctx context.Context) error {
		if err := s.store.Create(ctx, r); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	_, err = s.store.FindByID(ctx, r.ID)
	s.True(errors.Is(err, sentinel.ErrNotFound))
}
