package query

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"fiscalbridge/internal/record"
	"fiscalbridge/internal/record/payload"
	"fiscalbridge/internal/remittance"
	"fiscalbridge/internal/unit"
	"fiscalbridge/pkg/domain"
	dErrors "fiscalbridge/pkg/domain-errors"
)

var clock = time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC)

type fixture struct {
	svc         *Service
	remittances *remittance.InMemoryStore
	records     *record.InMemoryStore
	unit        *unit.Unit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	units := unit.NewInMemoryStore()
	u, err := unit.NewUnit(domain.NewUnitID(), "PM-SP", "Prefeitura", unit.EnvironmentStaging, clock)
	require.NoError(t, err)
	require.NoError(t, units.Create(ctx, u))

	f := &fixture{
		remittances: remittance.NewInMemoryStore(),
		records:     record.NewInMemoryStore(),
		unit:        u,
	}
	f.svc = NewService(f.remittances, f.records, units)
	return f
}

func (f *fixture) seed(t *testing.T, module, competency string, offset time.Duration, triggers ...remittance.Trigger) *remittance.Remittance {
	t.Helper()
	ctx := context.Background()
	doc, err := payload.Parse([]byte(`{"valor": 10}`))
	require.NoError(t, err)
	rec, err := record.NewRawRecord(domain.NewRawRecordID(), f.unit.ID, module, competency, doc, clock.Add(offset))
	require.NoError(t, err)
	require.NoError(t, f.records.Create(ctx, rec))

	r := remittance.NewRemittance(domain.NewRemittanceID(), f.unit.ID, rec.ID, module, competency, clock.Add(offset))
	require.NoError(t, f.remittances.Create(ctx, r))
	for _, trigger := range triggers {
		from := r.Status
		effect := remittance.Effect{Message: "failed", Reason: "operator", Payload: []byte(`{}`), Protocol: "TCE-2024-000001"}
		require.NoError(t, r.Fire(trigger, effect, clock.Add(offset)))
		require.NoError(t, f.remittances.UpdateIfStatus(ctx, r, from))
	}
	return r
}

func TestListRemittances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	older := f.seed(t, "CONTRACT", "202404", 0)
	newer := f.seed(t, "CONTRACT", "202404", time.Minute)
	f.seed(t, "PAYMENT", "202405", 2*time.Minute, remittance.TriggerCancel)

	t.Run("newest first with total", func(t *testing.T) {
		page, err := f.svc.ListRemittances(ctx, remittance.Filter{Module: "CONTRACT"})
		require.NoError(t, err)
		require.Len(t, page.Items, 2)
		assert.Equal(t, newer.ID, page.Items[0].ID)
		assert.Equal(t, older.ID, page.Items[1].ID)
		assert.Equal(t, 2, page.Total)
		assert.Equal(t, defaultLimit, page.Limit)
	})

	t.Run("pagination keeps the total", func(t *testing.T) {
		page, err := f.svc.ListRemittances(ctx, remittance.Filter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, newer.ID, page.Items[0].ID)
		assert.Equal(t, 3, page.Total)
	})

	t.Run("status filter narrows the total", func(t *testing.T) {
		page, err := f.svc.ListRemittances(ctx, remittance.Filter{Status: remittance.StatusCancelled})
		require.NoError(t, err)
		assert.Len(t, page.Items, 1)
		assert.Equal(t, 1, page.Total)
	})

	t.Run("competency is an opaque key", func(t *testing.T) {
		page, err := f.svc.ListRemittances(ctx, remittance.Filter{Competency: "2024-04"})
		require.NoError(t, err)
		assert.Empty(t, page.Items)
	})

	t.Run("bad window", func(t *testing.T) {
		_, err := f.svc.ListRemittances(ctx, remittance.Filter{Limit: maxLimit + 1})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
		_, err = f.svc.ListRemittances(ctx, remittance.Filter{Offset: -1})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
	})
}

func TestListRawRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "CONTRACT", "202404", 0)
	f.seed(t, "PAYMENT", "202404", time.Minute)

	page, err := f.svc.ListRawRecords(ctx, record.Filter{UnitID: f.unit.ID, Competency: "202404", Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "PAYMENT", page.Items[0].Module)
	assert.Equal(t, 2, page.Total)
}

func TestCountRemittancesByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "CONTRACT", "202404", 0)
	f.seed(t, "CONTRACT", "202404", time.Minute, remittance.TriggerAutoAdvance, remittance.TriggerValidationFailed)
	f.seed(t, "CONTRACT", "202404", 2*time.Minute, remittance.TriggerCancel)

	counts, err := f.svc.CountRemittancesByStatus(ctx, remittance.Filter{Status: remittance.StatusSent})
	require.NoError(t, err)
	assert.Len(t, counts, len(remittance.AllStatuses))
	assert.Equal(t, 1, counts[remittance.StatusPending])
	assert.Equal(t, 1, counts[remittance.StatusError])
	assert.Equal(t, 1, counts[remittance.StatusCancelled])
	assert.Zero(t, counts[remittance.StatusSent])
}

func TestExportRemittancesXLSX(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sent := f.seed(t, "CONTRACT", "202404", 0,
		remittance.TriggerAutoAdvance, remittance.TriggerValidationPassed, remittance.TriggerTransformed,
		remittance.TriggerSend, remittance.TriggerTransmitted)
	f.seed(t, "PAYMENT", "202404", time.Minute)

	var buf bytes.Buffer
	n, err := f.svc.ExportRemittancesXLSX(ctx, remittance.Filter{Status: remittance.StatusSent, Limit: 1, Offset: 5}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	book, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer book.Close()
	rows, err := book.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, sent.ID.String(), rows[1][0])
	assert.Equal(t, "PM-SP", rows[1][1])
	assert.Equal(t, "SENT", rows[1][5])
	assert.Equal(t, "TCE-2024-000001", rows[1][7])
	assert.Equal(t, "2024-05-10 14:00:00", rows[1][12])
}

type failingReader struct{ RemittanceReader }

func (failingReader) List(context.Context, remittance.Filter) ([]*remittance.Remittance, error) {
	return nil, errors.New("connection reset")
}

func TestStoreFailuresAreInternal(t *testing.T) {
	f := newFixture(t)
	svc := NewService(failingReader{}, f.records, unit.NewInMemoryStore())

	_, err := svc.ListRemittances(context.Background(), remittance.Filter{})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))

	var buf bytes.Buffer
	_, err = svc.ExportRemittancesXLSX(context.Background(), remittance.Filter{}, &buf)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))
	assert.Zero(t, buf.Len())
}
