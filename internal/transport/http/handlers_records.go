package httptransport

import (
	"context"
	"net/http"

	"fiscalbridge/internal/validation"
	"fiscalbridge/pkg/domain"
	"fiscalbridge/pkg/platform/httputil"
	"fiscalbridge/pkg/requestcontext"
)

// HandleIngestRecord handles POST /records.
func (h *Handler) HandleIngestRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[IngestRecordRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	rec, err := h.records.Ingest(ctx, actorFrom(r), req.ToDomain())
	if err != nil {
		h.fail(w, r, "failed to ingest raw record", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, rec)
}

// HandleListRecords handles GET /records.
func (h *Handler) HandleListRecords(w http.ResponseWriter, r *http.Request) {
	filter, err := recordFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	page, err := h.queries.ListRawRecords(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "failed to list raw records", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

// HandleGetRecord handles GET /records/{id}.
func (h *Handler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := recordIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rec, err := h.records.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to get raw record", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

// HandleUpdateRecord handles PUT /records/{id}.
func (h *Handler) HandleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := recordIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[UpdateRecordRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	rec, err := h.records.Update(ctx, actorFrom(r), id, req.Payload)
	if err != nil {
		h.fail(w, r, "failed to update raw record", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

// HandleValidate handles POST /records/{id}/validate.
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	h.runValidation(w, r, h.validations.Validate)
}

// HandleRevalidate handles POST /records/{id}/revalidate.
func (h *Handler) HandleRevalidate(w http.ResponseWriter, r *http.Request) {
	h.runValidation(w, r, h.validations.Revalidate)
}

func (h *Handler) runValidation(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.Actor, domain.RawRecordID) (*validation.Result, error)) {
	ctx := r.Context()
	id, err := recordIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	result, err := op(ctx, actorFrom(r), id)
	if err != nil {
		h.fail(w, r, "validation failed", err)
		return
	}
	h.logger.InfoContext(ctx, "raw record validated",
		"request_id", requestcontext.RequestID(ctx),
		"raw_record_id", id.String(),
		"impeditivas", result.Summary.Impeditivas,
		"alertas", result.Summary.Alertas,
	)
	httputil.WriteJSON(w, http.StatusOK, result)
}

// HandleFindings handles GET /records/{id}/validations.
func (h *Handler) HandleFindings(w http.ResponseWriter, r *http.Request) {
	id, err := recordIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	result, err := h.validations.Findings(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to list findings", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// HandleClearValidations handles DELETE /records/{id}/validations.
func (h *Handler) HandleClearValidations(w http.ResponseWriter, r *http.Request) {
	id, err := recordIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	removed, err := h.validations.ClearValidations(r.Context(), actorFrom(r), id)
	if err != nil {
		h.fail(w, r, "failed to clear findings", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
