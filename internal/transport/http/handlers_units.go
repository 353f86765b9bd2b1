package httptransport

import (
	"context"
	"net/http"

	"fiscalbridge/internal/unit"
	"fiscalbridge/pkg/domain"
	"fiscalbridge/pkg/platform/httputil"
	"fiscalbridge/pkg/requestcontext"
)

// HandleCreateUnit handles POST /units.
func (h *Handler) HandleCreateUnit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[CreateUnitRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	u, err := h.units.Create(ctx, actorFrom(r), req.ToDomain())
	if err != nil {
		h.fail(w, r, "failed to create unit", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, u)
}

// HandleListUnits handles GET /units.
func (h *Handler) HandleListUnits(w http.ResponseWriter, r *http.Request) {
	units, err := h.units.List(r.Context())
	if err != nil {
		h.fail(w, r, "failed to list units", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": units})
}

// HandleGetUnit handles GET /units/{id}.
func (h *Handler) HandleGetUnit(w http.ResponseWriter, r *http.Request) {
	id, err := unitIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	u, err := h.units.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to get unit", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, u)
}

// HandleDeactivateUnit handles POST /units/{id}/deactivate.
func (h *Handler) HandleDeactivateUnit(w http.ResponseWriter, r *http.Request) {
	h.toggleUnit(w, r, h.units.Deactivate)
}

// HandleReactivateUnit handles POST /units/{id}/reactivate.
func (h *Handler) HandleReactivateUnit(w http.ResponseWriter, r *http.Request) {
	h.toggleUnit(w, r, h.units.Reactivate)
}

func (h *Handler) toggleUnit(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.Actor, domain.UnitID) (*unit.Unit, error)) {
	id, err := unitIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	u, err := op(r.Context(), actorFrom(r), id)
	if err != nil {
		h.fail(w, r, "failed to change unit state", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, u)
}

// HandleSetCredentials handles PUT /units/{id}/credentials. Credentials are
// write-only; the response never echoes them.
func (h *Handler) HandleSetCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := unitIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[SetCredentialsRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	if err := h.units.SetCredentials(ctx, actorFrom(r), id, req.environment, unit.Credentials(req.Credentials)); err != nil {
		h.fail(w, r, "failed to set unit credentials", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
