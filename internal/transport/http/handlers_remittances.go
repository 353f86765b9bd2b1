package httptransport

import (
	"bytes"
	"context"
	"net/http"
	"strconv"

	"fiscalbridge/internal/remittance"
	"fiscalbridge/pkg/domain"
	"fiscalbridge/pkg/platform/httputil"
	"fiscalbridge/pkg/requestcontext"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// HandleCreateRemittance handles POST /remittances.
func (h *Handler) HandleCreateRemittance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[CreateRemittanceRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	rem, err := h.remittances.Create(ctx, actorFrom(r), req.recordID)
	if err != nil {
		h.fail(w, r, "failed to create remittance", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, rem)
}

// HandleListRemittances handles GET /remittances.
func (h *Handler) HandleListRemittances(w http.ResponseWriter, r *http.Request) {
	filter, err := remittanceFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	page, err := h.queries.ListRemittances(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "failed to list remittances", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

// HandleCountRemittances handles GET /remittances/counts.
func (h *Handler) HandleCountRemittances(w http.ResponseWriter, r *http.Request) {
	filter, err := remittanceFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	counts, err := h.queries.CountRemittancesByStatus(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "failed to count remittances", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, counts)
}

// HandleExportRemittances handles GET /remittances/export.xlsx. The workbook
// is built in memory so a failure still yields a JSON error response.
func (h *Handler) HandleExportRemittances(w http.ResponseWriter, r *http.Request) {
	filter, err := remittanceFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var buf bytes.Buffer
	if _, err := h.queries.ExportRemittancesXLSX(r.Context(), filter, &buf); err != nil {
		h.fail(w, r, "failed to export remittances", err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="remittances.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// HandleGetRemittance handles GET /remittances/{id}.
func (h *Handler) HandleGetRemittance(w http.ResponseWriter, r *http.Request) {
	id, err := remittanceIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rem, err := h.remittances.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to get remittance", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rem)
}

// HandleRemittanceLogs handles GET /remittances/{id}/logs.
func (h *Handler) HandleRemittanceLogs(w http.ResponseWriter, r *http.Request) {
	id, err := remittanceIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	logs, err := h.remittances.Logs(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to list remittance logs", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": logs})
}

// HandleProcess handles POST /remittances/{id}/process.
func (h *Handler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "process", h.remittances.Process)
}

// HandleSend handles POST /remittances/{id}/send.
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "send", h.remittances.Send)
}

// HandleRetry handles POST /remittances/{id}/retry[?revalidate=true].
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	opts := remittance.RetryOptions{Revalidate: r.URL.Query().Get("revalidate") == "true"}
	h.transition(w, r, "retry", func(ctx context.Context, actor domain.Actor, id domain.RemittanceID) (*remittance.Remittance, error) {
		return h.remittances.Retry(ctx, actor, id, opts)
	})
}

// HandleCancel handles POST /remittances/{id}/cancel.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := remittanceIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[CancelRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	rem, err := h.remittances.Cancel(ctx, actorFrom(r), id, req.Reason)
	if err != nil {
		h.fail(w, r, "failed to cancel remittance", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rem)
}

// transition runs a lifecycle operation. A pipeline failure is not an HTTP
// error: the remittance comes back in ERROR with its stage and message.
func (h *Handler) transition(w http.ResponseWriter, r *http.Request, operation string, op func(context.Context, domain.Actor, domain.RemittanceID) (*remittance.Remittance, error)) {
	ctx := r.Context()
	id, err := remittanceIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rem, err := op(ctx, actorFrom(r), id)
	if err != nil {
		h.fail(w, r, "remittance "+operation+" rejected", err)
		return
	}
	h.logger.InfoContext(ctx, "remittance "+operation+" finished",
		"request_id", requestcontext.RequestID(ctx),
		"remittance_id", id.String(),
		"status", string(rem.Status),
		"error_stage", string(rem.ErrorStage),
	)
	httputil.WriteJSON(w, http.StatusOK, rem)
}

// HandleBulkResend handles POST /remittances/bulk/resend.
func (h *Handler) HandleBulkResend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[BulkRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	results, err := h.remittances.ResendSelected(ctx, actorFrom(r), req.ids)
	if err != nil {
		h.fail(w, r, "bulk resend rejected", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

// HandleBulkCancel handles POST /remittances/bulk/cancel.
func (h *Handler) HandleBulkCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[BulkCancelRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	results, err := h.remittances.CancelSelected(ctx, actorFrom(r), req.ids, req.Reason)
	if err != nil {
		h.fail(w, r, "bulk cancel rejected", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}
