package record

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscalbridge/internal/unit"
	"fiscalbridge/pkg/domain"
	dErrors "fiscalbridge/pkg/domain-errors"
	audit "fiscalbridge/pkg/platform/audit"
	"fiscalbridge/pkg/platform/audit/store/memory"
)

type stubUnits struct {
	active map[domain.UnitID]bool
}

func (s stubUnits) RequireActive(_ context.Context, id domain.UnitID) (*unit.Unit, error) {
	active, ok := s.active[id]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "unit not found")
	}
	if !active {
		return nil, dErrors.New(dErrors.CodeForbidden, "unit is inactive")
	}
	return &unit.Unit{ID: id, Active: true}, nil
}

type guardFunc func(ctx context.Context, id domain.RawRecordID) error

func (f guardFunc) GuardEdit(ctx context.Context, id domain.RawRecordID, apply func(context.Context) error) error {
	if err := f(ctx, id); err != nil {
		return err
	}
	return apply(ctx)
}

type recordingAuditor struct{ store *memory.InMemoryStore }

func (r recordingAuditor) Emit(ctx context.Context, e audit.Event) error { return r.store.Append(ctx, e) }

var operator = domain.Actor{ID: "operator-1"}

func TestService_Ingest(t *testing.T) {
	ctx := context.Background()
	activeUnit, inactiveUnit := domain.NewUnitID(), domain.NewUnitID()
	events := memory.NewInMemoryStore()
	svc := NewService(NewInMemoryStore(),
		stubUnits{active: map[domain.UnitID]bool{activeUnit: true, inactiveUnit: false}},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAuditPublisher(recordingAuditor{events}),
	)

	t.Run("stores the record", func(t *testing.T) {
		r, err := svc.Ingest(ctx, operator, IngestRequest{
			UnitID:     activeUnit,
			Module:     "direct-purchase",
			Competency: "202404",
			Payload:    json.RawMessage(`{"naturezaObjeto":"OBRA","valor":350000}`),
		})
		require.NoError(t, err)
		assert.Equal(t, StatusReceived, r.Status)

		got, err := svc.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, ModuleDirectPurchase, got.Module)
		assert.Equal(t, []string{string(audit.EventRecordIngested)}, events.Actions(r.ID.String()))
	})

	t.Run("inactive unit is forbidden", func(t *testing.T) {
		_, err := svc.Ingest(ctx, operator, IngestRequest{
			UnitID: inactiveUnit, Module: "PAYMENT", Competency: "202404", Payload: json.RawMessage(`{}`),
		})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	t.Run("payload must be an object", func(t *testing.T) {
		for _, raw := range []string{``, `[]`, `{"a":`} {
			_, err := svc.Ingest(ctx, operator, IngestRequest{
				UnitID: activeUnit, Module: "PAYMENT", Competency: "202404", Payload: json.RawMessage(raw),
			})
			assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation), raw)
		}
	})

	t.Run("bad competency is a validation error", func(t *testing.T) {
		_, err := svc.Ingest(ctx, operator, IngestRequest{
			UnitID: activeUnit, Module: "PAYMENT", Competency: "2024-04", Payload: json.RawMessage(`{}`),
		})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("requires actor", func(t *testing.T) {
		_, err := svc.Ingest(ctx, domain.Actor{}, IngestRequest{UnitID: activeUnit})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})
}

func TestService_Update(t *testing.T) {
	ctx := context.Background()
	unitID := domain.NewUnitID()
	locked := map[domain.RawRecordID]bool{}
	svc := NewService(NewInMemoryStore(), stubUnits{active: map[domain.UnitID]bool{unitID: true}},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithEditGuard(guardFunc(func(_ context.Context, id domain.RawRecordID) error {
			if locked[id] {
				return dErrors.New(dErrors.CodeConflict, "record has an active remittance")
			}
			return nil
		})),
	)
	r, err := svc.Ingest(ctx, operator, IngestRequest{
		UnitID: unitID, Module: "PAYMENT", Competency: "202404", Payload: json.RawMessage(`{"valor": 1}`),
	})
	require.NoError(t, err)
	_, err = svc.SetStatus(ctx, r.ID, StatusError)
	require.NoError(t, err)

	t.Run("replaces payload and resets status", func(t *testing.T) {
		out, err := svc.Update(ctx, operator, r.ID, json.RawMessage(`{"valor": 2}`))
		require.NoError(t, err)
		assert.Equal(t, StatusReceived, out.Status)
		v, _ := out.Payload.Field("valor")
		assert.Equal(t, "2", v.Text())
	})

	t.Run("guard rejection leaves record untouched", func(t *testing.T) {
		locked[r.ID] = true
		_, err := svc.Update(ctx, operator, r.ID, json.RawMessage(`{"valor": 3}`))
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))

		got, _ := svc.Get(ctx, r.ID)
		v, _ := got.Payload.Field("valor")
		assert.Equal(t, "2", v.Text())
	})

	t.Run("missing record", func(t *testing.T) {
		_, err := svc.Update(ctx, operator, domain.NewRawRecordID(), json.RawMessage(`{}`))
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}
