package rest

import "net/http"

type RebalanceResponse struct {
	Success    bool `json:"success"`
	Migrations int  `json:"migrations"`
}

// Rebalance triggers one on-demand rebalancing pass and reports how many
// agents moved.
func (h *Handler) Rebalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	moved, err := h.Placement.Rebalance(ctx)
	if err != nil {
		h.HandleError(ctx, w, err)
		return
	}

	h.JSONResponse(ctx, w, http.StatusOK, RebalanceResponse{
		Success:    true,
		Migrations: moved,
	})
}
