package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"deplight/internal/deployment"
	"deplight/internal/history"
	"deplight/internal/model"
	"deplight/internal/security"
)

const (
	MaxPayloadBytes  = 1_000_000 // 1 MB
	RecentRunsLimit  = 10        // Number of recent runs returned by the status endpoint
	webhookActor     = "webhook"
	shortCommitChars = 7
)

type pushPayload struct {
	Ref    string `json:"ref"`
	After  string `json:"after"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

// HandleWebhook redeploys the deployment bound to the URL on a signed
// GitHub push to its branch.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "deploymentID")

	if err := security.ValidateID("deployment id", deploymentID); err != nil {
		s.logger.Warn("Invalid deployment id in webhook request", "deployment_id", deploymentID, "error", err)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": model.PublicMessage(err)})
		return
	}

	hook, err := s.opts.Hooks.Get(deploymentID)
	if err != nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown deployment"})
		return
	}

	// ContentLength can be -1 if not set; the body read is capped below.
	if r.ContentLength > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}

	if r.Header.Get("Content-Type") != "application/json" {
		s.respondJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Invalid content type"})
		return
	}

	if r.Header.Get("X-GitHub-Event") != "push" {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Ignoring non-push event"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes))
	if err != nil {
		s.logger.Error("Failed to read request body", "error", err, "deployment_id", deploymentID)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read payload"})
		return
	}

	if !VerifySignature(body, r.Header.Get("X-Hub-Signature-256"), hook.Secret) {
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid signature"})
		return
	}

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.Error("Failed to parse JSON payload", "error", err, "deployment_id", deploymentID)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}

	if !hook.MatchesRef(payload.Ref) {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Not target branch, skipping"})
		return
	}

	req := deployment.DeployRequest{
		ID:     deploymentID,
		Branch: hook.Branch,
		Actor:  webhookActor,
	}
	if payload.Pusher.Name != "" {
		req.Actor = webhookActor + ":" + payload.Pusher.Name
	}
	if len(payload.After) >= shortCommitChars {
		req.Version = payload.After[:shortCommitChars]
	}

	d, err := s.opts.Deployer.StartDeploy(r.Context(), req)
	if err != nil {
		status := statusForError(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("webhook deploy failed", "deployment_id", deploymentID, "error", err)
		} else {
			s.logger.Warn("webhook deploy refused", "deployment_id", deploymentID, "error", err)
		}
		s.respondJSON(w, status, map[string]string{"error": model.PublicMessage(err)})
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"message":       "Deployment accepted",
		"deployment_id": d.ID,
		"version":       d.Version,
	})
}

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "ok",
		"connections": s.opts.Rooms.Connections(),
		"hooks":       s.opts.Hooks.List(),
		"hook_count":  s.opts.Hooks.Count(),
	}

	if s.opts.History != nil {
		runs := make(map[history.RunKind]map[history.RunStatus]int)
		for _, kind := range []history.RunKind{history.KindDeploy, history.KindWake, history.KindRollback} {
			counts, err := s.opts.History.CountByStatus(r.Context(), kind)
			if err != nil {
				s.logger.Warn("Failed to count runs", "kind", kind, "error", err)
				continue
			}
			runs[kind] = counts
		}
		response["runs"] = runs
	}

	s.respondJSON(w, http.StatusOK, response)
}

// HandleStatus reports a deployment's state and its recent runs.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "deploymentID")

	if err := security.ValidateID("deployment id", deploymentID); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": model.PublicMessage(err)})
		return
	}

	d, err := s.opts.Store.GetDeployment(r.Context(), deploymentID)
	if errors.Is(err, model.ErrNotFound) {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown deployment"})
		return
	}
	if err != nil {
		s.logger.Error("Failed to get deployment", "error", err, "deployment_id", deploymentID)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch deployment status"})
		return
	}

	response := map[string]interface{}{
		"deployment_id":    d.ID,
		"status":           d.Status,
		"version":          d.Version,
		"overall_progress": model.OverallProgress(d.PipelineSteps),
		"updated_at":       d.UpdatedAt,
	}

	if s.opts.History != nil {
		latest, err := s.opts.History.Latest(r.Context(), deploymentID)
		if err != nil {
			s.logger.Error("Failed to get latest run", "error", err, "deployment_id", deploymentID)
			s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch deployment status"})
			return
		}
		recent, err := s.opts.History.List(r.Context(), deploymentID, RecentRunsLimit)
		if err != nil {
			s.logger.Error("Failed to get run history", "error", err, "deployment_id", deploymentID)
			s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch deployment status"})
			return
		}
		response["latest_run"] = latest
		response["recent_runs"] = recent
	}

	s.respondJSON(w, http.StatusOK, response)
}

// statusForError maps the boundary error taxonomy onto HTTP.
func statusForError(err error) int {
	switch {
	case errors.Is(err, model.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}
