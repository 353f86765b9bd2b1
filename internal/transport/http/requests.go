package httptransport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"fiscalbridge/internal/record"
	"fiscalbridge/internal/remittance"
	"fiscalbridge/internal/unit"
	"fiscalbridge/internal/validation"
	"fiscalbridge/pkg/domain"
	dErrors "fiscalbridge/pkg/domain-errors"
)

const maxBulkIDs = 500

// CreateUnitRequest is the body of POST /units.
type CreateUnitRequest struct {
	Code        string `json:"code" validate:"required,max=32"`
	Name        string `json:"name" validate:"required,max=200"`
	Environment string `json:"environment" validate:"required"`

	environment unit.Environment
}

func (r *CreateUnitRequest) Normalize() {
	r.Code = strings.TrimSpace(r.Code)
	r.Name = strings.TrimSpace(r.Name)
}

func (r *CreateUnitRequest) Validate() error {
	env, err := unit.ParseEnvironment(r.Environment)
	if err != nil {
		return err
	}
	r.environment = env
	return nil
}

func (r *CreateUnitRequest) ToDomain() unit.CreateUnitRequest {
	return unit.CreateUnitRequest{Code: r.Code, Name: r.Name, Environment: r.environment}
}

// SetCredentialsRequest is the body of PUT /units/{id}/credentials.
type SetCredentialsRequest struct {
	Environment string            `json:"environment" validate:"required"`
	Credentials map[string]string `json:"credentials" validate:"required"`

	environment unit.Environment
}

func (r *SetCredentialsRequest) Validate() error {
	env, err := unit.ParseEnvironment(r.Environment)
	if err != nil {
		return err
	}
	r.environment = env
	return unit.Credentials(r.Credentials).Validate()
}

// IngestRecordRequest is the body of POST /records.
type IngestRecordRequest struct {
	UnitID     string          `json:"unit_id" validate:"required"`
	Module     string          `json:"module" validate:"required,max=64"`
	Competency string          `json:"competency" validate:"required"`
	Payload    json.RawMessage `json:"payload" validate:"required"`

	unitID domain.UnitID
}

func (r *IngestRecordRequest) Normalize() {
	r.Module = record.NormalizeModule(r.Module)
	r.Competency = strings.TrimSpace(r.Competency)
}

func (r *IngestRecordRequest) Validate() error {
	id, err := domain.ParseUnitID(strings.TrimSpace(r.UnitID))
	if err != nil {
		return err
	}
	r.unitID = id
	return nil
}

func (r *IngestRecordRequest) ToDomain() record.IngestRequest {
	return record.IngestRequest{UnitID: r.unitID, Module: r.Module, Competency: r.Competency, Payload: r.Payload}
}

// UpdateRecordRequest is the body of PUT /records/{id}.
type UpdateRecordRequest struct {
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// RuleRequest is the body of POST /rules and PUT /rules/{id}.
type RuleRequest struct {
	Module          string                 `json:"module" validate:"required,max=64"`
	FieldPath       string                 `json:"field_path" validate:"required,max=256"`
	Operator        string                 `json:"operator" validate:"required"`
	ComparisonValue string                 `json:"comparison_value" validate:"max=1024"`
	Level           string                 `json:"level" validate:"required,oneof=IMPEDITIVA ALERTA impeditiva alerta"`
	Code            string                 `json:"code" validate:"required,max=64"`
	Message         string                 `json:"message" validate:"required,max=500"`
	Conditions      []validation.Condition `json:"conditions" validate:"max=16"`
}

func (r *RuleRequest) ToSpec() validation.RuleSpec {
	return validation.RuleSpec{
		Module:          r.Module,
		FieldPath:       r.FieldPath,
		Operator:        validation.Operator(r.Operator),
		ComparisonValue: r.ComparisonValue,
		Level:           validation.Level(r.Level),
		Code:            r.Code,
		Message:         r.Message,
		Conditions:      r.Conditions,
	}
}

// SetActiveRequest is the body of PUT /rules/{id}/active.
type SetActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// CreateRemittanceRequest is the body of POST /remittances.
type CreateRemittanceRequest struct {
	RawRecordID string `json:"raw_record_id" validate:"required"`

	recordID domain.RawRecordID
}

func (r *CreateRemittanceRequest) Validate() error {
	id, err := domain.ParseRawRecordID(strings.TrimSpace(r.RawRecordID))
	if err != nil {
		return err
	}
	r.recordID = id
	return nil
}

// CancelRequest is the body of POST /remittances/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (r *CancelRequest) Normalize() {
	r.Reason = strings.TrimSpace(r.Reason)
}

// BulkRequest is the body of POST /remittances/bulk/resend.
type BulkRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=500"`

	ids []domain.RemittanceID
}

func (r *BulkRequest) Validate() error {
	ids, err := parseRemittanceIDs(r.IDs)
	if err != nil {
		return err
	}
	r.ids = ids
	return nil
}

// BulkCancelRequest is the body of POST /remittances/bulk/cancel.
type BulkCancelRequest struct {
	IDs    []string `json:"ids" validate:"required,min=1,max=500"`
	Reason string   `json:"reason" validate:"required,max=500"`

	ids []domain.RemittanceID
}

func (r *BulkCancelRequest) Normalize() {
	r.Reason = strings.TrimSpace(r.Reason)
}

func (r *BulkCancelRequest) Validate() error {
	ids, err := parseRemittanceIDs(r.IDs)
	if err != nil {
		return err
	}
	r.ids = ids
	return nil
}

func parseRemittanceIDs(raw []string) ([]domain.RemittanceID, error) {
	if len(raw) > maxBulkIDs {
		return nil, dErrors.Newf(dErrors.CodeBadRequest, "at most %d remittances per request", maxBulkIDs)
	}
	ids := make([]domain.RemittanceID, 0, len(raw))
	for _, s := range raw {
		id, err := domain.ParseRemittanceID(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func unitIDParam(r *http.Request) (domain.UnitID, error) {
	return domain.ParseUnitID(chi.URLParam(r, "id"))
}

func recordIDParam(r *http.Request) (domain.RawRecordID, error) {
	return domain.ParseRawRecordID(chi.URLParam(r, "id"))
}

func ruleIDParam(r *http.Request) (domain.RuleID, error) {
	return domain.ParseRuleID(chi.URLParam(r, "id"))
}

func remittanceIDParam(r *http.Request) (domain.RemittanceID, error) {
	return domain.ParseRemittanceID(chi.URLParam(r, "id"))
}

// remittanceFilter reads unit_id, raw_record_id, module, competency, status,
// limit and offset from the query string.
func remittanceFilter(r *http.Request) (remittance.Filter, error) {
	q := r.URL.Query()
	var f remittance.Filter
	var err error
	if v := q.Get("unit_id"); v != "" {
		if f.UnitID, err = domain.ParseUnitID(v); err != nil {
			return f, err
		}
	}
	if v := q.Get("raw_record_id"); v != "" {
		if f.RawRecordID, err = domain.ParseRawRecordID(v); err != nil {
			return f, err
		}
	}
	if v := q.Get("status"); v != "" {
		if f.Status, err = remittance.ParseStatus(v); err != nil {
			return f, err
		}
	}
	if v := q.Get("module"); v != "" {
		f.Module = record.NormalizeModule(v)
	}
	f.Competency = strings.TrimSpace(q.Get("competency"))
	if f.Limit, f.Offset, err = pagination(r); err != nil {
		return f, err
	}
	return f, nil
}

func recordFilter(r *http.Request) (record.Filter, error) {
	q := r.URL.Query()
	var f record.Filter
	var err error
	if v := q.Get("unit_id"); v != "" {
		if f.UnitID, err = domain.ParseUnitID(v); err != nil {
			return f, err
		}
	}
	if v := q.Get("status"); v != "" {
		if f.Status, err = record.ParseStatus(v); err != nil {
			return f, err
		}
	}
	if v := q.Get("module"); v != "" {
		f.Module = record.NormalizeModule(v)
	}
	f.Competency = strings.TrimSpace(q.Get("competency"))
	if f.Limit, f.Offset, err = pagination(r); err != nil {
		return f, err
	}
	return f, nil
}

func pagination(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		return 0, 0, err
	}
	offset, err := intParam(q.Get("offset"), "offset")
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, dErrors.Newf(dErrors.CodeBadRequest, "%s must be an integer", name)
	}
	return n, nil
}
