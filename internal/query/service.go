// Package query serves read-only listings over raw records and remittances.
// Every call reads the stores directly; nothing here is cached.
package query

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"fiscalbridge/internal/record"
	"fiscalbridge/internal/remittance"
	"fiscalbridge/internal/unit"
	"fiscalbridge/pkg/domain"
	dErrors "fiscalbridge/pkg/domain-errors"
)

const (
	defaultLimit     = 50
	maxLimit         = 500
	maxExportRows    = 10000
	exportSheet      = "Remittances"
	exportTimeLayout = "2006-01-02 15:04:05"
)

type RemittanceReader interface {
	List(ctx context.Context, filter remittance.Filter) ([]*remittance.Remittance, error)
	CountByStatus(ctx context.Context, filter remittance.Filter) (map[remittance.Status]int, error)
}

type RecordReader interface {
	List(ctx context.Context, filter record.Filter) ([]*record.RawRecord, error)
	Count(ctx context.Context, filter record.Filter) (int, error)
}

type UnitLister interface {
	List(ctx context.Context) ([]*unit.Unit, error)
}

// Page is one slice of a listing plus the total matching the filter.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type Service struct {
	remittances RemittanceReader
	records     RecordReader
	units       UnitLister
	logger      *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func NewService(remittances RemittanceReader, records RecordReader, units UnitLister, opts ...Option) *Service {
	s := &Service{
		remittances: remittances,
		records:     records,
		units:       units,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListRemittances returns remittances newest first.
func (s *Service) ListRemittances(ctx context.Context, filter remittance.Filter) (*Page[*remittance.Remittance], error) {
	limit, offset, err := window(filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	filter.Limit, filter.Offset = limit, offset

	items, err := s.remittances.List(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list remittances")
	}
	counts, err := s.remittances.CountByStatus(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count remittances")
	}
	total := 0
	for status, n := range counts {
		if filter.Status == "" || status == filter.Status {
			total += n
		}
	}
	return &Page[*remittance.Remittance]{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// ListRawRecords returns raw records newest first.
func (s *Service) ListRawRecords(ctx context.Context, filter record.Filter) (*Page[*record.RawRecord], error) {
	limit, offset, err := window(filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	filter.Limit, filter.Offset = limit, offset

	items, err := s.records.List(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list raw records")
	}
	total, err := s.records.Count(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count raw records")
	}
	return &Page[*record.RawRecord]{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// CountRemittancesByStatus ignores filter.Status; every known status is
// present in the result, zero when nothing matches.
func (s *Service) CountRemittancesByStatus(ctx context.Context, filter remittance.Filter) (map[remittance.Status]int, error) {
	filter.Status = ""
	counts, err := s.remittances.CountByStatus(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count remittances")
	}
	out := make(map[remittance.Status]int, len(remittance.AllStatuses))
	for _, status := range remittance.AllStatuses {
		out[status] = counts[status]
	}
	return out, nil
}

var exportHeader = []any{
	"ID", "Unit", "Raw record", "Module", "Competency", "Status",
	"Error stage", "Protocol", "Error", "Cancel reason", "Created at", "Updated at", "Sent at",
}

// ExportRemittancesXLSX writes the matching remittances as a spreadsheet.
// Pagination fields of filter are ignored; at most maxExportRows are written.
func (s *Service) ExportRemittancesXLSX(ctx context.Context, filter remittance.Filter, w io.Writer) (int, error) {
	filter.Limit, filter.Offset = maxExportRows, 0
	items, err := s.remittances.List(ctx, filter)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list remittances")
	}
	codes, err := s.unitCodes(ctx)
	if err != nil {
		return 0, err
	}

	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			s.logger.WarnContext(ctx, "failed to close spreadsheet", "error", err)
		}
	}()
	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to prepare spreadsheet")
	}
	if err := f.SetSheetRow(exportSheet, "A1", &exportHeader); err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to write spreadsheet header")
	}
	for i, r := range items {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to address spreadsheet row")
		}
		row := exportRow(r, codes)
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to write spreadsheet row")
		}
	}
	if err := f.Write(w); err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to write spreadsheet")
	}

	s.logger.InfoContext(ctx, "remittances exported",
		"rows", len(items),
		"unit_id", filter.UnitID.String(),
		"status", string(filter.Status),
	)
	return len(items), nil
}

func (s *Service) unitCodes(ctx context.Context) (map[domain.UnitID]string, error) {
	units, err := s.units.List(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list units")
	}
	codes := make(map[domain.UnitID]string, len(units))
	for _, u := range units {
		codes[u.ID] = u.Code
	}
	return codes, nil
}

func exportRow(r *remittance.Remittance, codes map[domain.UnitID]string) []any {
	unitCode, ok := codes[r.UnitID]
	if !ok {
		unitCode = r.UnitID.String()
	}
	return []any{
		r.ID.String(),
		unitCode,
		r.RawRecordID.String(),
		r.Module,
		r.Competency,
		string(r.Status),
		string(r.ErrorStage),
		r.Protocol,
		r.ErrorMessage,
		r.CancelReason,
		formatTime(&r.CreatedAt),
		formatTime(&r.UpdatedAt),
		formatTime(r.SentAt),
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(exportTimeLayout)
}

func window(limit, offset int) (int, int, error) {
	if limit < 0 || offset < 0 {
		return 0, 0, dErrors.New(dErrors.CodeBadRequest, "limit and offset must not be negative")
	}
	if limit == 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		return 0, 0, dErrors.Newf(dErrors.CodeBadRequest, "limit must be at most %d", maxLimit)
	}
	return limit, offset, nil
}
