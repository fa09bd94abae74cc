package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Gthulhu/fleet/domain"
	"github.com/Gthulhu/fleet/errs"
	"github.com/Gthulhu/fleet/pkg/logger"
	"go.uber.org/fx"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// SuccessResponse represents the success response structure
type SuccessResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type Params struct {
	fx.In
	Registry  domain.Registry
	Placement domain.Placement
}

func NewHandler(params Params) (*Handler, error) {
	return &Handler{
		Registry:  params.Registry,
		Placement: params.Placement,
	}, nil
}

type Handler struct {
	Registry  domain.Registry
	Placement domain.Placement
}

func (h *Handler) JSONResponse(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(data)
	if err != nil {
		logger.Logger(ctx).Error().Err(err).Msg("Failed to encode JSON response")
		http.Error(w, "Failed to encode JSON response", http.StatusInternalServerError)
	}
}

func (h *Handler) JSONBind(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func (h *Handler) ErrorResponse(ctx context.Context, w http.ResponseWriter, status int, errMsg string) {
	resp := ErrorResponse{
		Success: false,
		Error:   errMsg,
	}
	h.JSONResponse(ctx, w, status, resp)
}

// HandleError maps domain errors onto the HTTP status taxonomy. Callers get
// structured error codes, never a bare trace.
func (h *Handler) HandleError(ctx context.Context, w http.ResponseWriter, err error) {
	if httpErr, ok := errs.IsHTTPStatusError(err); ok {
		h.ErrorResponse(ctx, w, httpErr.StatusCode, httpErr.Message)
		return
	}
	status := errs.StatusFor(err)
	if status == http.StatusInternalServerError {
		logger.Logger(ctx).Error().Err(err).Msg("internal error")
		h.ErrorResponse(ctx, w, status, "internal error")
		return
	}
	h.ErrorResponse(ctx, w, status, err.Error())
}

func (h *Handler) SuccessResponse(ctx context.Context, w http.ResponseWriter, message string) {
	resp := SuccessResponse{
		Success:   true,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	h.JSONResponse(ctx, w, http.StatusOK, resp)
}

func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"message": "Fleet Coordination API Server",
		"version": "1.0.0",
	}
	h.JSONResponse(r.Context(), w, http.StatusOK, response)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "Fleet Coordination API Server",
	}
	h.JSONResponse(r.Context(), w, http.StatusOK, response)
}
