// Package httptransport exposes the presentation-layer HTTP API. Handlers
// decode and validate input, pass the request actor explicitly into every
// mutating service call, and map coded errors to HTTP statuses.
package httptransport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fiscalbridge/internal/query"
	"fiscalbridge/internal/record"
	"fiscalbridge/internal/remittance"
	"fiscalbridge/internal/unit"
	"fiscalbridge/internal/validation"
	"fiscalbridge/pkg/domain"
	dErrors "fiscalbridge/pkg/domain-errors"
	"fiscalbridge/pkg/platform/httputil"
	"fiscalbridge/pkg/requestcontext"
)

type UnitService interface {
	Create(ctx context.Context, actor domain.Actor, req unit.CreateUnitRequest) (*unit.Unit, error)
	Get(ctx context.Context, id domain.UnitID) (*unit.Unit, error)
	List(ctx context.Context) ([]*unit.Unit, error)
	Deactivate(ctx context.Context, actor domain.Actor, id domain.UnitID) (*unit.Unit, error)
	Reactivate(ctx context.Context, actor domain.Actor, id domain.UnitID) (*unit.Unit, error)
	SetCredentials(ctx context.Context, actor domain.Actor, id domain.UnitID, env unit.Environment, creds unit.Credentials) error
}

type RecordService interface {
	Ingest(ctx context.Context, actor domain.Actor, req record.IngestRequest) (*record.RawRecord, error)
	Get(ctx context.Context, id domain.RawRecordID) (*record.RawRecord, error)
	Update(ctx context.Context, actor domain.Actor, id domain.RawRecordID, raw json.RawMessage) (*record.RawRecord, error)
}

type ValidationService interface {
	CreateRule(ctx context.Context, actor domain.Actor, spec validation.RuleSpec) (*validation.Rule, error)
	UpdateRule(ctx context.Context, actor domain.Actor, id domain.RuleID, spec validation.RuleSpec) (*validation.Rule, error)
	SetRuleActive(ctx context.Context, actor domain.Actor, id domain.RuleID, active bool) (*validation.Rule, error)
	GetRule(ctx context.Context, id domain.RuleID) (*validation.Rule, error)
	ListRules(ctx context.Context, filter validation.RuleFilter) ([]*validation.Rule, error)
	Validate(ctx context.Context, actor domain.Actor, id domain.RawRecordID) (*validation.Result, error)
	Revalidate(ctx context.Context, actor domain.Actor, id domain.RawRecordID) (*validation.Result, error)
	ClearValidations(ctx context.Context, actor domain.Actor, id domain.RawRecordID) (int, error)
	Findings(ctx context.Context, id domain.RawRecordID) (*validation.Result, error)
}

type RemittanceService interface {
	Create(ctx context.Context, actor domain.Actor, recordID domain.RawRecordID) (*remittance.Remittance, error)
	Get(ctx context.Context, id domain.RemittanceID) (*remittance.Remittance, error)
	Logs(ctx context.Context, id domain.RemittanceID) ([]remittance.Log, error)
	Process(ctx context.Context, actor domain.Actor, id domain.RemittanceID) (*remittance.Remittance, error)
	Send(ctx context.Context, actor domain.Actor, id domain.RemittanceID) (*remittance.Remittance, error)
	Retry(ctx context.Context, actor domain.Actor, id domain.RemittanceID, opts remittance.RetryOptions) (*remittance.Remittance, error)
	Cancel(ctx context.Context, actor domain.Actor, id domain.RemittanceID, reason string) (*remittance.Remittance, error)
	ResendSelected(ctx context.Context, actor domain.Actor, ids []domain.RemittanceID) ([]remittance.BulkResult, error)
	CancelSelected(ctx context.Context, actor domain.Actor, ids []domain.RemittanceID, reason string) ([]remittance.BulkResult, error)
}

type QueryService interface {
	ListRemittances(ctx context.Context, filter remittance.Filter) (*query.Page[*remittance.Remittance], error)
	ListRawRecords(ctx context.Context, filter record.Filter) (*query.Page[*record.RawRecord], error)
	CountRemittancesByStatus(ctx context.Context, filter remittance.Filter) (map[remittance.Status]int, error)
	ExportRemittancesXLSX(ctx context.Context, filter remittance.Filter, w io.Writer) (int, error)
}

// Handler wires the API routes to the domain services.
type Handler struct {
	units       UnitService
	records     RecordService
	validations ValidationService
	remittances RemittanceService
	queries     QueryService
	logger      *slog.Logger
}

func New(units UnitService, records RecordService, validations ValidationService, remittances RemittanceService, queries QueryService, logger *slog.Logger) *Handler {
	return &Handler{
		units:       units,
		records:     records,
		validations: validations,
		remittances: remittances,
		queries:     queries,
		logger:      logger,
	}
}

// Register mounts every API route on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/units", func(r chi.Router) {
		r.Post("/", h.HandleCreateUnit)
		r.Get("/", h.HandleListUnits)
		r.Get("/{id}", h.HandleGetUnit)
		r.Post("/{id}/deactivate", h.HandleDeactivateUnit)
		r.Post("/{id}/reactivate", h.HandleReactivateUnit)
		r.Put("/{id}/credentials", h.HandleSetCredentials)
	})
	r.Route("/records", func(r chi.Router) {
		r.Post("/", h.HandleIngestRecord)
		r.Get("/", h.HandleListRecords)
		r.Get("/{id}", h.HandleGetRecord)
		r.Put("/{id}", h.HandleUpdateRecord)
		r.Post("/{id}/validate", h.HandleValidate)
		r.Post("/{id}/revalidate", h.HandleRevalidate)
		r.Get("/{id}/validations", h.HandleFindings)
		r.Delete("/{id}/validations", h.HandleClearValidations)
	})
	r.Route("/rules", func(r chi.Router) {
		r.Post("/", h.HandleCreateRule)
		r.Get("/", h.HandleListRules)
		r.Get("/{id}", h.HandleGetRule)
		r.Put("/{id}", h.HandleUpdateRule)
		r.Put("/{id}/active", h.HandleSetRuleActive)
	})
	r.Route("/remittances", func(r chi.Router) {
		r.Post("/", h.HandleCreateRemittance)
		r.Get("/", h.HandleListRemittances)
		r.Get("/counts", h.HandleCountRemittances)
		r.Get("/export.xlsx", h.HandleExportRemittances)
		r.Post("/bulk/resend", h.HandleBulkResend)
		r.Post("/bulk/cancel", h.HandleBulkCancel)
		r.Get("/{id}", h.HandleGetRemittance)
		r.Get("/{id}/logs", h.HandleRemittanceLogs)
		r.Post("/{id}/process", h.HandleProcess)
		r.Post("/{id}/send", h.HandleSend)
		r.Post("/{id}/retry", h.HandleRetry)
		r.Post("/{id}/cancel", h.HandleCancel)
	})
}

// fail logs and writes err. Client errors log at warn; everything else at error.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	ctx := r.Context()
	attrs := []any{
		"request_id", requestcontext.RequestID(ctx),
		"path", r.URL.Path,
		"error", err,
	}
	if httputil.StatusFor(dErrors.GetCode(err)) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, attrs...)
	} else {
		h.logger.WarnContext(ctx, msg, attrs...)
	}
	httputil.WriteError(w, err)
}

func actorFrom(r *http.Request) domain.Actor {
	return requestcontext.Actor(r.Context())
}
