package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cloudvibe/agentd/pkg/engine"
)

const maxBodyBytes = 1 << 20

// DeployResponse is returned by POST /deploy.
type DeployResponse struct {
	Success      bool   `json:"success"`
	DeploymentID string `json:"deploymentId"`
	Message      string `json:"message"`
}

// CompletionRequest is the body of the completion callback.
type CompletionRequest struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HealthResponse is returned by the health endpoints.
type HealthResponse struct {
	Success           bool      `json:"success"`
	Status            string    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
	ActiveDeployments int       `json:"activeDeployments"`
	TotalDeployments  int       `json:"totalDeployments"`
	ActiveConnections int       `json:"activeConnections"`
	Backend           string    `json:"backend"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

// handleDeploy handles POST /deploy. The run is started in the background and
// the response is sent immediately; configuration errors surface in the
// deployment record.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var cfg engine.DeploymentConfig
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if cfg.ProjectID == "" {
		cfg.ProjectID = s.opts.DefaultProjectID
	}

	id := s.registry.Launch(r.Context(), cfg)

	s.logger.Info().
		Str("deployment_id", id).
		Str("agent_name", cfg.AgentName).
		Msg("Starting agent deployment")

	writeJSON(w, http.StatusOK, DeployResponse{
		Success:      true,
		DeploymentID: id,
		Message:      "Deployment started successfully",
	})
}

// handleGetDeployment handles GET /deploy/{id}.
func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		if engine.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Deployment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"deployment": d,
	})
}

// handleListDeployments handles GET /deployments.
func (s *Server) handleListDeployments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"deployments": s.registry.List(),
	})
}

// handleComplete handles POST /deployments/{id}/complete. It always succeeds;
// malformed reports and reports for unknown deployments are dropped.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req CompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.logger.Warn().Err(err).Str("deployment_id", id).Msg("Malformed completion report, ignoring")
	} else {
		s.registry.RecordExternalCompletion(id, req.Status, req.Message)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleAgentRegister acknowledges an agent announcing itself.
func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var agent struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&agent); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	s.logger.Info().Str("agent_id", agent.ID).Msg("Agent registered")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Agent registered successfully",
		"agentId": agent.ID,
	})
}

// handleAgentMetrics acknowledges an agent heartbeat. Samples are not stored.
func (s *Server) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	var sample struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&sample); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	s.logger.Debug().Str("agent_id", sample.AgentID).Msg("Metrics received from agent")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Metrics received successfully",
	})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Success:           true,
		Status:            "healthy",
		Timestamp:         s.now().UTC(),
		ActiveDeployments: s.registry.ActiveCount(),
		TotalDeployments:  s.registry.Count(),
		ActiveConnections: s.registry.ObserverCount(),
		Backend:           s.opts.Backend,
	})
}
