package rest

import (
	"net/http"
	"time"

	"github.com/Gthulhu/fleet/domain"
	"github.com/Gthulhu/fleet/errs"
)

type RegisterContainerRequest struct {
	NetworkAddress string           `json:"network_address"`
	APIPort        int              `json:"api_port"`
	Capabilities   []string         `json:"capabilities,omitempty"`
	Resources      domain.Resources `json:"resources"`
	MaxAgents      int              `json:"max_agents"`
}

type RegisterContainerResponse struct {
	Success     bool   `json:"success"`
	ContainerID string `json:"container_id"`
}

// RegisterContainer admits a container into the fleet. Re-registering the
// same (network_address, api_port) returns the original id.
func (h *Handler) RegisterContainer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req RegisterContainerRequest
	err := h.JSONBind(r, &req)
	if err != nil {
		h.HandleError(ctx, w, errs.NewHTTPStatusError(http.StatusBadRequest, "Invalid request body", err))
		return
	}

	id, err := h.Registry.Register(ctx, domain.ContainerInfo{
		NetworkAddress: req.NetworkAddress,
		APIPort:        req.APIPort,
		Capabilities:   req.Capabilities,
		Resources:      req.Resources,
		MaxAgents:      req.MaxAgents,
	})
	if err != nil {
		h.HandleError(ctx, w, err)
		return
	}

	h.JSONResponse(ctx, w, http.StatusOK, RegisterContainerResponse{
		Success:     true,
		ContainerID: id,
	})
}

type HeartbeatRequest struct {
	ObservedAt     time.Time        `json:"observed_at"`
	HealthScore    int              `json:"health_score"`
	Resources      domain.Resources `json:"resources"`
	ActiveAgentIDs []string         `json:"active_agent_ids,omitempty"`
}

// Heartbeat applies a liveness report to a registered container.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	containerID := h.GetPathParam(r, "containerID")
	if containerID == "" {
		h.ErrorResponse(ctx, w, http.StatusBadRequest, "Missing container id")
		return
	}

	var req HeartbeatRequest
	err := h.JSONBind(r, &req)
	if err != nil {
		h.HandleError(ctx, w, errs.NewHTTPStatusError(http.StatusBadRequest, "Invalid request body", err))
		return
	}
	if req.ObservedAt.IsZero() {
		req.ObservedAt = time.Now().UTC()
	}

	err = h.Registry.Heartbeat(ctx, containerID, domain.HeartbeatRecord{
		ContainerID:    containerID,
		ObservedAt:     req.ObservedAt,
		HealthScore:    req.HealthScore,
		Resources:      req.Resources,
		ActiveAgentIDs: req.ActiveAgentIDs,
	})
	if err != nil {
		h.HandleError(ctx, w, err)
		return
	}

	h.SuccessResponse(ctx, w, "heartbeat accepted")
}

// DeregisterContainer removes a container explicitly.
func (h *Handler) DeregisterContainer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	containerID := h.GetPathParam(r, "containerID")
	if containerID == "" {
		h.ErrorResponse(ctx, w, http.StatusBadRequest, "Missing container id")
		return
	}

	err := h.Registry.Deregister(ctx, containerID)
	if err != nil {
		h.HandleError(ctx, w, err)
		return
	}

	h.SuccessResponse(ctx, w, "container deregistered")
}

type ListContainersResponse struct {
	Containers []*domain.ContainerRecord `json:"containers"`
}

// ListContainers returns every known container. Pass ?state=active to
// restrict the listing to active containers.
func (h *Handler) ListContainers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var containers []*domain.ContainerRecord
	switch r.URL.Query().Get("state") {
	case "active":
		containers = h.Registry.ListActive(ctx)
	default:
		containers = h.Registry.List(ctx)
	}

	h.JSONResponse(ctx, w, http.StatusOK, ListContainersResponse{Containers: containers})
}
