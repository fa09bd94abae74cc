package rest

import (
	"fmt"
	"net/http"

	"github.com/Gthulhu/fleet/domain"
	"github.com/Gthulhu/fleet/errs"
)

type DeployAgentRequest struct {
	Type                 string            `json:"type"`
	Config               map[string]string `json:"config,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	Requirements         domain.Resources  `json:"requirements"`
	AffinityTag          string            `json:"affinity_tag,omitempty"`
	Strategy             string            `json:"strategy"`
}

type DeployAgentResponse struct {
	Success bool   `json:"success"`
	AgentID string `json:"agent_id"`
}

// DeployAgent places a new agent workload on the fleet using the requested
// placement strategy.
func (h *Handler) DeployAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req DeployAgentRequest
	err := h.JSONBind(r, &req)
	if err != nil {
		h.HandleError(ctx, w, errs.NewHTTPStatusError(http.StatusBadRequest, "Invalid request body", err))
		return
	}

	strategy := domain.StrategyKind(req.Strategy)
	if !domain.ValidStrategy(strategy) {
		h.HandleError(ctx, w, errs.NewHTTPStatusError(http.StatusBadRequest, "Unknown placement strategy",
			fmt.Errorf("strategy %q is not recognized", req.Strategy)))
		return
	}

	agentID, err := h.Placement.Deploy(ctx, domain.AgentSpec{
		Type:                 req.Type,
		Config:               req.Config,
		RequiredCapabilities: req.RequiredCapabilities,
		Requirements:         req.Requirements,
		AffinityTag:          req.AffinityTag,
	}, strategy)
	if err != nil {
		h.HandleError(ctx, w, err)
		return
	}

	h.JSONResponse(ctx, w, http.StatusOK, DeployAgentResponse{
		Success: true,
		AgentID: agentID,
	})
}

type MigrateAgentRequest struct {
	TargetContainerID string `json:"target_container_id,omitempty"`
	PreserveState     bool   `json:"preserve_state"`
}

// MigrateAgent moves an agent to another container. When the target is
// omitted the placement manager picks one with the agent's strategy.
func (h *Handler) MigrateAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID := h.GetPathParam(r, "agentID")
	if agentID == "" {
		h.ErrorResponse(ctx, w, http.StatusBadRequest, "Missing agent id")
		return
	}

	var req MigrateAgentRequest
	err := h.JSONBind(r, &req)
	if err != nil {
		h.HandleError(ctx, w, errs.NewHTTPStatusError(http.StatusBadRequest, "Invalid request body", err))
		return
	}

	err = h.Placement.Migrate(ctx, agentID, req.TargetContainerID, req.PreserveState)
	if err != nil {
		h.HandleError(ctx, w, err)
		return
	}

	h.SuccessResponse(ctx, w, "agent migrated")
}

// GetAgent returns one agent record by id.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID := h.GetPathParam(r, "agentID")
	if agentID == "" {
		h.ErrorResponse(ctx, w, http.StatusBadRequest, "Missing agent id")
		return
	}

	agent, err := h.Placement.GetAgent(ctx, agentID)
	if err != nil {
		h.HandleError(ctx, w, err)
		return
	}

	h.JSONResponse(ctx, w, http.StatusOK, agent)
}

type ListAgentsResponse struct {
	Agents []*domain.AgentRecord `json:"agents"`
}

// ListAgents returns every known agent record.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.JSONResponse(ctx, w, http.StatusOK, ListAgentsResponse{
		Agents: h.Placement.ListAgents(ctx),
	})
}
