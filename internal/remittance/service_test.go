package remittance

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"fiscalbridge/internal/gateway"
	"fiscalbridge/internal/platform/metrics"
	"fiscalbridge/internal/record"
	"fiscalbridge/internal/remittance/mocks"
	"fiscalbridge/internal/unit"
	"fiscalbridge/internal/validation"
	"fiscalbridge/pkg/domain"
	dErrors "fiscalbridge/pkg/domain-errors"
	audit "fiscalbridge/pkg/platform/audit"
	"fiscalbridge/pkg/platform/audit/store/memory"
)

var operator = domain.Actor{ID: "operator-1"}

type recordingAuditor struct{ store *memory.InMemoryStore }

func (r recordingAuditor) Emit(ctx context.Context, e audit.Event) error { return r.store.Append(ctx, e) }

type fixture struct {
	svc        *Service
	records    *record.Service
	units      *unit.Service
	validation *validation.Service
	stub       *gateway.Stub
	logs       *InMemoryLogStore
	events     *memory.InMemoryStore
	metrics    *metrics.Metrics
	unit       *unit.Unit
}

// newFixture wires the real record, unit and validation services. When gw is
// nil the stub gateway is used.
func newFixture(t *testing.T, gw Gateway, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		stub:    gateway.NewStub(),
		logs:    NewInMemoryLogStore(),
		events:  memory.NewInMemoryStore(),
		metrics: metrics.NewWithRegisterer(prometheus.NewRegistry()),
	}
	auditor := recordingAuditor{f.events}

	var key [32]byte
	copy(key[:], "remittance-service-test-key-0123")
	f.units = unit.NewService(unit.NewInMemoryStore(), unit.NewSealer(key), unit.WithLogger(logger))
	u, err := f.units.Create(ctx, operator, unit.CreateUnitRequest{Code: "PM-001", Name: "Prefeitura Municipal", Environment: unit.EnvironmentStaging})
	require.NoError(t, err)
	require.NoError(t, f.units.SetCredentials(ctx, operator, u.ID, unit.EnvironmentStaging, unit.Credentials{
		gateway.CredentialClientID:     "pm-001",
		gateway.CredentialClientSecret: "secret",
	}))
	f.unit = u

	f.records = record.NewService(record.NewInMemoryStore(), f.units, record.WithLogger(logger))
	f.validation = validation.NewService(validation.NewInMemoryRuleStore(), validation.NewInMemoryFindingStore(), f.records,
		validation.WithLogger(logger))
	_, err = f.validation.CreateRule(ctx, operator, validation.RuleSpec{
		Module:          record.ModuleDirectPurchase,
		FieldPath:       "valor",
		Operator:        validation.OpGreaterThan,
		ComparisonValue: "330000",
		Level:           validation.LevelImpeditiva,
		Code:            "DP-001",
		Message:         "valor acima do limite para dispensa de obras",
		Conditions:      []validation.Condition{{FieldPath: "naturezaObjeto", Operator: validation.OpEquals, Value: "OBRA"}},
	})
	require.NoError(t, err)

	if gw == nil {
		gw = f.stub
	}
	opts = append([]Option{
		WithLogger(logger),
		WithAuditPublisher(auditor),
		WithMetrics(f.metrics),
	}, opts...)
	f.svc = NewService(NewInMemoryStore(), f.logs, f.records, f.units, f.validation, gw, opts...)
	f.records.SetEditGuard(f.svc)
	return f
}

func (f *fixture) ingest(t *testing.T, valor int) *record.RawRecord {
	t.Helper()
	rec, err := f.records.Ingest(context.Background(), operator, record.IngestRequest{
		UnitID:     f.unit.ID,
		Module:     record.ModuleDirectPurchase,
		Competency: "202404",
		Payload:    json.RawMessage(fmt.Sprintf(`{"naturezaObjeto": "OBRA", "valor": %d}`, valor)),
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) processed(t *testing.T, valor int) *Remittance {
	t.Helper()
	ctx := context.Background()
	r, err := f.svc.Create(ctx, operator, f.ingest(t, valor).ID)
	require.NoError(t, err)
	r, err = f.svc.Process(ctx, operator, r.ID)
	require.NoError(t, err)
	return r
}

func (f *fixture) ready(t *testing.T) *Remittance {
	t.Helper()
	r := f.processed(t, 300000)
	require.Equal(t, StatusReady, r.Status)
	return r
}

func (f *fixture) sent(t *testing.T) *Remittance {
	t.Helper()
	r, err := f.svc.Send(context.Background(), operator, f.ready(t).ID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, r.Status)
	return r
}

func TestService_BlockingFindingStopsPipeline(t *testing.T) {
	f := newFixture(t, nil)

	r := f.processed(t, 350000)

	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, StageValidation, r.ErrorStage)
	assert.Equal(t, "1 blocking finding(s): DP-001", r.ErrorMessage)
	assert.Empty(t, r.Payload)
	assert.True(t, dErrors.HasCode(r.Failure(), dErrors.CodeBlockingViolation))

	rec, err := f.records.Get(context.Background(), r.RawRecordID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusError, rec.Status)
	assert.Empty(t, f.stub.Calls())
}

func TestService_SendRecordsProtocolAndLogPair(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.stub.Respond(func(_ context.Context, req gateway.Request) (gateway.Result, error) {
		return gateway.Accepted(req, "TCE-2024-000456"), nil
	})

	r := f.ready(t)
	require.NotEmpty(t, r.Payload)

	sent, err := f.svc.Send(ctx, operator, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, sent.Status)
	assert.Equal(t, "TCE-2024-000456", sent.Protocol)
	assert.NotNil(t, sent.SentAt)

	logs, err := f.svc.Logs(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, DirectionRequest, logs[0].Direction)
	assert.Equal(t, DirectionResponse, logs[1].Direction)
	assert.Equal(t, 1, logs[0].Attempt)
	assert.Equal(t, 1, logs[1].Attempt)
	assert.JSONEq(t, string(r.Payload), logs[0].Body)
	require.NotNil(t, logs[1].StatusCode)
	assert.Equal(t, http.StatusOK, *logs[1].StatusCode)

	calls := f.stub.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "PM-001", calls[0].UnitCode)
	assert.Equal(t, "secret", calls[0].Credentials[gateway.CredentialClientSecret])

	assert.Equal(t, []string{
		"remittance_pending",
		"remittance_validating",
		"remittance_transforming",
		"remittance_ready",
		"remittance_sending",
		"remittance_sent",
	}, f.events.Actions(r.ID.String()))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Transitions.WithLabelValues("SENDING", "SENT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.GatewayOutcomes.WithLabelValues("sent")))
}

func TestService_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("pending is cancelled with timestamp", func(t *testing.T) {
		f := newFixture(t, nil)
		r, err := f.svc.Create(ctx, operator, f.ingest(t, 1000).ID)
		require.NoError(t, err)

		cancelled, err := f.svc.Cancel(ctx, operator, r.ID, "duplicated")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, cancelled.Status)
		assert.Equal(t, "duplicated", cancelled.CancelReason)
		assert.NotNil(t, cancelled.CancelledAt)

		t.Run("record may get a new remittance", func(t *testing.T) {
			_, err := f.svc.Create(ctx, operator, r.RawRecordID)
			assert.NoError(t, err)
		})
	})

	t.Run("sent cannot be cancelled", func(t *testing.T) {
		f := newFixture(t, nil)
		r := f.sent(t)

		_, err := f.svc.Cancel(ctx, operator, r.ID, "too late")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))

		current, err := f.svc.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusSent, current.Status)
		assert.NotEmpty(t, current.Protocol)
	})

	t.Run("error cannot be cancelled", func(t *testing.T) {
		f := newFixture(t, nil)
		r := f.processed(t, 350000)
		require.Equal(t, StatusError, r.Status)

		_, err := f.svc.Cancel(ctx, operator, r.ID, "desistencia")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))

		current, err := f.svc.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusError, current.Status)
		assert.Nil(t, current.CancelledAt)
	})

	t.Run("reason is required", func(t *testing.T) {
		f := newFixture(t, nil)
		r := f.ready(t)
		_, err := f.svc.Cancel(ctx, operator, r.ID, "")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("audit failure keeps the remittance active", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		auditor := mocks.NewMockAuditPublisher(ctrl)
		auditor.EXPECT().Emit(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e audit.Event) error {
			if e.Action == string(audit.EventRemittanceCancelled) {
				return errors.New("outbox unavailable")
			}
			return nil
		}).AnyTimes()
		f := newFixture(t, nil, WithAuditPublisher(auditor))
		r := f.ready(t)

		_, err := f.svc.Cancel(ctx, operator, r.ID, "duplicated")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))

		current, err := f.svc.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusReady, current.Status)
	})
}

func TestService_CreateRejectsSecondActiveRemittance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	rec := f.ingest(t, 1000)

	_, err := f.svc.Create(ctx, operator, rec.ID)
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, operator, rec.ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
}

func TestService_ConcurrentSend(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.ready(t)

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	f.stub.Respond(func(_ context.Context, req gateway.Request) (gateway.Result, error) {
		entered <- struct{}{}
		<-release
		return gateway.Accepted(req, "TCE-2024-000456"), nil
	})

	type outcome struct {
		r   *Remittance
		err error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			sent, err := f.svc.Send(ctx, operator, r.ID)
			results <- outcome{sent, err}
		}()
	}

	<-entered
	loser := <-results
	close(release)
	winner := <-results

	require.Error(t, loser.err)
	assert.True(t, dErrors.HasCode(loser.err, dErrors.CodeConflict), loser.err)
	require.NoError(t, winner.err)
	assert.Equal(t, StatusSent, winner.r.Status)
	assert.Len(t, f.stub.Calls(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Conflicts.WithLabelValues(string(TriggerSend))))
}

func TestService_LateResultDiscardedAfterCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.ready(t)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f.stub.Respond(func(_ context.Context, req gateway.Request) (gateway.Result, error) {
		entered <- struct{}{}
		<-release
		return gateway.Accepted(req, "TCE-2024-000789"), nil
	})

	done := make(chan *Remittance, 1)
	go func() {
		sent, err := f.svc.Send(ctx, operator, r.ID)
		assert.NoError(t, err)
		done <- sent
	}()

	<-entered
	cancelled, err := f.svc.Cancel(ctx, operator, r.ID, "operator withdrew")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	close(release)

	final := <-done
	require.NotNil(t, final)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Empty(t, final.Protocol)

	logs, err := f.svc.Logs(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
	assert.Contains(t, f.events.Actions(r.ID.String()), string(audit.EventLateResultDiscarded))
}

func TestService_TransmissionFailureAndRetry(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	f := newFixture(t, gw)
	ctx := context.Background()

	gomock.InOrder(
		gw.EXPECT().Transmit(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req gateway.Request) (gateway.Result, error) {
			return gateway.Result{Method: http.MethodPost, URL: "https://authority/v1/remittances", RequestBody: string(req.Payload)},
				gateway.NewError(gateway.ErrorTimeout, "authority did not answer in time", context.DeadlineExceeded)
		}),
		gw.EXPECT().Transmit(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req gateway.Request) (gateway.Result, error) {
			return gateway.Accepted(req, "TCE-2024-000456"), nil
		}),
	)

	r := f.ready(t)
	failed, err := f.svc.Send(ctx, operator, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, failed.Status)
	assert.Equal(t, StageTransmission, failed.ErrorStage)
	assert.Contains(t, failed.ErrorMessage, "timeout")
	assert.True(t, dErrors.HasCode(failed.Failure(), dErrors.CodeTransmissionFailure))

	sent, err := f.svc.Retry(ctx, operator, r.ID, RetryOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, sent.Status)
	assert.Equal(t, "TCE-2024-000456", sent.Protocol)
	assert.Empty(t, sent.ErrorMessage)

	logs, err := f.svc.Logs(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, logs, 4)
	assert.Nil(t, logs[1].StatusCode)
	assert.Contains(t, logs[1].Body, "did not answer")
	assert.Equal(t, 2, logs[3].Attempt)
}

func TestService_AuthorityRejection(t *testing.T) {
	f := newFixture(t, nil)
	f.stub.Respond(func(_ context.Context, req gateway.Request) (gateway.Result, error) {
		return gateway.Rejected(req, http.StatusUnprocessableEntity, `{"message":"competency closed"}`), nil
	})

	r, err := f.svc.Send(context.Background(), operator, f.ready(t).ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, StageTransmission, r.ErrorStage)
	assert.Contains(t, r.ErrorMessage, "HTTP 422")
	assert.Contains(t, r.ErrorMessage, "competency closed")
}

func TestService_GatewayTimeout(t *testing.T) {
	f := newFixture(t, nil, WithGatewayTimeout(20*time.Millisecond))
	f.stub.Respond(func(ctx context.Context, req gateway.Request) (gateway.Result, error) {
		<-ctx.Done()
		return gateway.Result{}, gateway.NewError(gateway.ErrorTimeout, "authority did not answer in time", ctx.Err())
	})

	r, err := f.svc.Send(context.Background(), operator, f.ready(t).ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, StageTransmission, r.ErrorStage)
}

func TestService_RetryAfterFixingRecord(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.processed(t, 350000)
	require.Equal(t, StatusError, r.Status)

	t.Run("bulk resend re-enters the pipeline for a validation failure", func(t *testing.T) {
		results, err := f.svc.ResendSelected(ctx, operator, []domain.RemittanceID{r.ID})
		require.NoError(t, err)
		assert.False(t, results[0].OK)
		assert.Equal(t, StatusError, results[0].Status)
		assert.Equal(t, dErrors.CodeBlockingViolation, results[0].Code)
		assert.Empty(t, f.stub.Calls())
	})

	_, err := f.records.Update(ctx, operator, r.RawRecordID, json.RawMessage(`{"naturezaObjeto": "OBRA", "valor": 300000}`))
	require.NoError(t, err)

	sent, err := f.svc.Retry(ctx, operator, r.ID, RetryOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, sent.Status)
	assert.NotEmpty(t, sent.Protocol)
	assert.Contains(t, string(sent.Payload), `"amount":300000`)
}

func TestService_RetryRevalidatesEditedRecord(t *testing.T) {
	ctx := context.Background()

	failedTransmission := func(t *testing.T, f *fixture) *Remittance {
		t.Helper()
		f.stub.Respond(func(_ context.Context, req gateway.Request) (gateway.Result, error) {
			return gateway.Rejected(req, http.StatusServiceUnavailable, "maintenance"), nil
		})
		r, err := f.svc.Send(ctx, operator, f.ready(t).ID)
		require.NoError(t, err)
		require.Equal(t, StatusError, r.Status)
		require.Equal(t, StageTransmission, r.ErrorStage)
		f.stub.Respond(nil)
		return r
	}

	t.Run("edit into a blocking value is never sent", func(t *testing.T) {
		f := newFixture(t, nil)
		r := failedTransmission(t, f)

		_, err := f.records.Update(ctx, operator, r.RawRecordID, json.RawMessage(`{"naturezaObjeto": "OBRA", "valor": 350000}`))
		require.NoError(t, err)
		res, err := f.validation.Revalidate(ctx, operator, r.RawRecordID)
		require.NoError(t, err)
		require.True(t, res.Summary.HasBlockingErrors)

		retried, err := f.svc.Retry(ctx, operator, r.ID, RetryOptions{})
		require.NoError(t, err)
		assert.Equal(t, StatusError, retried.Status)
		assert.Equal(t, StageValidation, retried.ErrorStage)
		assert.Empty(t, retried.Protocol)
		assert.Len(t, f.stub.Calls(), 1, "only the original attempt reached the gateway")
	})

	t.Run("clean edit is transformed again before sending", func(t *testing.T) {
		f := newFixture(t, nil)
		r := failedTransmission(t, f)

		_, err := f.records.Update(ctx, operator, r.RawRecordID, json.RawMessage(`{"naturezaObjeto": "OBRA", "valor": 310000}`))
		require.NoError(t, err)

		retried, err := f.svc.Retry(ctx, operator, r.ID, RetryOptions{})
		require.NoError(t, err)
		assert.Equal(t, StatusSent, retried.Status)
		assert.Contains(t, string(retried.Payload), `"amount":310000`)
		assert.NotEqual(t, r.SourceDigest, retried.SourceDigest)

		calls := f.stub.Calls()
		require.Len(t, calls, 2)
		assert.Contains(t, string(calls[1].Payload), `"amount":310000`)
	})
}

func TestService_SendRefusedWithBlockingFindings(t *testing.T) {
	ctx := context.Background()

	addFloorRule := func(t *testing.T, f *fixture, recordID domain.RawRecordID) {
		t.Helper()
		_, err := f.validation.CreateRule(ctx, operator, validation.RuleSpec{
			Module:          record.ModuleDirectPurchase,
			FieldPath:       "valor",
			Operator:        validation.OpGreaterThan,
			ComparisonValue: "100000",
			Level:           validation.LevelImpeditiva,
			Code:            "DP-002",
			Message:         "valor exige licitacao",
		})
		require.NoError(t, err)
		res, err := f.validation.Revalidate(ctx, operator, recordID)
		require.NoError(t, err)
		require.True(t, res.Summary.HasBlockingErrors)
	}

	t.Run("send from ready", func(t *testing.T) {
		f := newFixture(t, nil)
		r := f.ready(t)
		addFloorRule(t, f, r.RawRecordID)

		_, err := f.svc.Send(ctx, operator, r.ID)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeBlockingViolation), err)

		current, err := f.svc.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusReady, current.Status)
		assert.Empty(t, f.stub.Calls())
	})

	t.Run("resend from sent", func(t *testing.T) {
		f := newFixture(t, nil)
		r := f.sent(t)
		addFloorRule(t, f, r.RawRecordID)

		_, err := f.svc.Retry(ctx, operator, r.ID, RetryOptions{})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeBlockingViolation), err)

		current, err := f.svc.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusSent, current.Status)
		assert.Len(t, f.stub.Calls(), 1)
	})
}

// withValidator rebuilds the fixture's service around a different validator.
func (f *fixture) withValidator(v Validator) {
	f.svc = NewService(NewInMemoryStore(), f.logs, f.records, f.units, v, f.stub,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAuditPublisher(recordingAuditor{f.events}),
		WithMetrics(f.metrics),
	)
	f.records.SetEditGuard(f.svc)
}

func TestService_PipelineHoldsOffEdits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	ctrl := gomock.NewController(t)
	validator := mocks.NewMockValidator(ctrl)
	f.withValidator(validator)

	rec := f.ingest(t, 300000)
	r, err := f.svc.Create(ctx, operator, rec.ID)
	require.NoError(t, err)

	validator.EXPECT().Validate(gomock.Any(), operator, rec.ID).DoAndReturn(
		func(ctx context.Context, actor domain.Actor, id domain.RawRecordID) (*validation.Result, error) {
			res, err := f.validation.Validate(ctx, actor, id)

			_, editErr := f.records.Update(ctx, operator, id, json.RawMessage(`{"naturezaObjeto": "OBRA", "valor": 999999}`))
			assert.True(t, dErrors.HasCode(editErr, dErrors.CodeConflict), "edit while VALIDATING: %v", editErr)

			_, cancelErr := f.svc.Cancel(ctx, operator, r.ID, "withdrawn")
			assert.True(t, dErrors.HasCode(cancelErr, dErrors.CodeInvalidTransition), "cancel while VALIDATING: %v", cancelErr)

			_, retryErr := f.svc.Retry(ctx, operator, r.ID, RetryOptions{Revalidate: true})
			assert.True(t, dErrors.HasCode(retryErr, dErrors.CodeConflict), "revalidate while VALIDATING: %v", retryErr)
			return res, err
		})
	validator.EXPECT().Findings(gomock.Any(), rec.ID).DoAndReturn(f.validation.Findings).AnyTimes()

	ready, err := f.svc.Process(ctx, operator, r.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReady, ready.Status)
	assert.Contains(t, string(ready.Payload), `"amount":300000`)

	stored, err := f.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	digest, err := stored.Digest()
	require.NoError(t, err)
	assert.Equal(t, digest, ready.SourceDigest)

	sent, err := f.svc.Send(ctx, operator, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, sent.Status)
}

func TestService_MissingSnapshotFailsValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	ctrl := gomock.NewController(t)
	validator := mocks.NewMockValidator(ctrl)
	f.withValidator(validator)
	validator.EXPECT().Validate(gomock.Any(), gomock.Any(), gomock.Any()).Return(&validation.Result{}, nil)

	r, err := f.svc.Create(ctx, operator, f.ingest(t, 1000).ID)
	require.NoError(t, err)
	r, err = f.svc.Process(ctx, operator, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, StageValidation, r.ErrorStage)
	assert.Empty(t, r.Payload)
}

func TestService_RetryFromSent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.sent(t)

	resent, err := f.svc.Retry(ctx, operator, r.ID, RetryOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, resent.Status)
	assert.NotEmpty(t, resent.Protocol)

	revalidated, err := f.svc.Retry(ctx, operator, r.ID, RetryOptions{Revalidate: true})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, revalidated.Status)
	assert.Len(t, f.stub.Calls(), 3)
}

func TestService_RecordEditGuard(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.ready(t)

	_, err := f.records.Update(ctx, operator, r.RawRecordID, json.RawMessage(`{"valor": 1}`))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))

	_, err = f.svc.Cancel(ctx, operator, r.ID, "replaced")
	require.NoError(t, err)
	_, err = f.records.Update(ctx, operator, r.RawRecordID, json.RawMessage(`{"valor": 1}`))
	assert.NoError(t, err)
}

func TestService_InactiveUnit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.ready(t)
	rec := f.ingest(t, 1000)

	_, err := f.units.Deactivate(ctx, operator, f.unit.ID)
	require.NoError(t, err)

	_, err = f.svc.Send(ctx, operator, r.ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
	current, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, current.Status)

	_, err = f.svc.Create(ctx, operator, rec.ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
}

func TestService_InvalidRequests(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.ready(t)

	_, err := f.svc.Process(ctx, operator, r.ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))

	_, err = f.svc.Send(ctx, domain.Actor{}, r.ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	_, err = f.svc.Get(ctx, domain.NewRemittanceID())
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))

	_, err = f.svc.Retry(ctx, operator, r.ID, RetryOptions{})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidTransition))
}

func TestService_AutoProcess(t *testing.T) {
	f := newFixture(t, nil, WithAutoProcess(true))

	r, err := f.svc.Create(context.Background(), operator, f.ingest(t, 1000).ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, r.Status)
}

func TestService_TxRunnerWrapsTransitions(t *testing.T) {
	ctrl := gomock.NewController(t)
	tx := mocks.NewMockTxRunner(ctrl)
	tx.EXPECT().RunInTx(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, fn func(context.Context) error) error {
		return fn(ctx)
	}).MinTimes(4)
	f := newFixture(t, nil, WithTxRunner(tx))

	f.ready(t)
}

func TestService_Bulk(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	t.Run("resend reports per item in input order", func(t *testing.T) {
		sent := f.sent(t)
		ready := f.ready(t)
		missing := domain.NewRemittanceID()

		results, err := f.svc.ResendSelected(ctx, operator, []domain.RemittanceID{sent.ID, ready.ID, sent.ID, missing})
		require.NoError(t, err)
		require.Len(t, results, 4)

		assert.True(t, results[0].OK)
		assert.Equal(t, StatusSent, results[0].Status)
		assert.False(t, results[1].OK)
		assert.Equal(t, dErrors.CodeInvalidTransition, results[1].Code)
		assert.False(t, results[2].OK)
		assert.Equal(t, dErrors.CodeBadRequest, results[2].Code)
		assert.False(t, results[3].OK)
		assert.Equal(t, dErrors.CodeNotFound, results[3].Code)
	})

	t.Run("resend failure is reported with its code", func(t *testing.T) {
		sent := f.sent(t)
		f.stub.Respond(func(_ context.Context, req gateway.Request) (gateway.Result, error) {
			return gateway.Result{}, gateway.NewError(gateway.ErrorOutage, "authority unreachable", nil)
		})
		defer f.stub.Respond(nil)

		results, err := f.svc.ResendSelected(ctx, operator, []domain.RemittanceID{sent.ID})
		require.NoError(t, err)
		assert.False(t, results[0].OK)
		assert.Equal(t, StatusError, results[0].Status)
		assert.Equal(t, dErrors.CodeTransmissionFailure, results[0].Code)
	})

	t.Run("cancel", func(t *testing.T) {
		ready := f.ready(t)
		sent := f.sent(t)

		results, err := f.svc.CancelSelected(ctx, operator, []domain.RemittanceID{ready.ID, sent.ID}, "batch withdrawn")
		require.NoError(t, err)
		assert.True(t, results[0].OK)
		assert.Equal(t, StatusCancelled, results[0].Status)
		assert.False(t, results[1].OK)
		assert.Equal(t, dErrors.CodeInvalidTransition, results[1].Code)
	})

	t.Run("cancel requires a reason", func(t *testing.T) {
		_, err := f.svc.CancelSelected(ctx, operator, []domain.RemittanceID{domain.NewRemittanceID()}, " ")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("empty selection", func(t *testing.T) {
		_, err := f.svc.ResendSelected(ctx, operator, nil)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
	})
}
