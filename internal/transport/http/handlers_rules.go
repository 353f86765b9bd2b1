package httptransport

import (
	"net/http"

	"fiscalbridge/internal/record"
	"fiscalbridge/internal/validation"
	"fiscalbridge/pkg/platform/httputil"
	"fiscalbridge/pkg/requestcontext"
)

// HandleCreateRule handles POST /rules.
func (h *Handler) HandleCreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[RuleRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	rule, err := h.validations.CreateRule(ctx, actorFrom(r), req.ToSpec())
	if err != nil {
		h.fail(w, r, "failed to create rule", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, rule)
}

// HandleListRules handles GET /rules?module=&active=true.
func (h *Handler) HandleListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := validation.RuleFilter{ActiveOnly: q.Get("active") == "true"}
	if m := q.Get("module"); m != "" {
		filter.Module = record.NormalizeModule(m)
	}
	rules, err := h.validations.ListRules(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "failed to list rules", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": rules})
}

// HandleGetRule handles GET /rules/{id}.
func (h *Handler) HandleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rule, err := h.validations.GetRule(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to get rule", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rule)
}

// HandleUpdateRule handles PUT /rules/{id}.
func (h *Handler) HandleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := ruleIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[RuleRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	rule, err := h.validations.UpdateRule(ctx, actorFrom(r), id, req.ToSpec())
	if err != nil {
		h.fail(w, r, "failed to update rule", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rule)
}

// HandleSetRuleActive handles PUT /rules/{id}/active.
func (h *Handler) HandleSetRuleActive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := ruleIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[SetActiveRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	rule, err := h.validations.SetRuleActive(ctx, actorFrom(r), id, *req.Active)
	if err != nil {
		h.fail(w, r, "failed to change rule state", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rule)
}
