package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gkobilansky/abkit/internal/engine"
	"github.com/gkobilansky/abkit/internal/stats"
	"github.com/gkobilansky/abkit/internal/store"
)

const maxBodyBytes = 1 << 20

type HealthResponse struct {
	Status           string `json:"status"`
	ExperimentsCount int    `json:"experiments_count"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// setCORS marks public endpoints as callable from any landing page and
// reports whether the request was a preflight that has been answered.
func setCORS(w http.ResponseWriter, r *http.Request, methods string) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods+", OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	exps, err := s.engine.Store().ListExperiments(r.Context())
	if err != nil {
		s.log.Error("health check failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "ok",
		ExperimentsCount: len(exps),
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
	})
}

// BeaconRequest is an event sent by a landing page.
type BeaconRequest struct {
	ExperimentID string         `json:"e"`
	EventName    string         `json:"n"`
	VisitorID    string         `json:"vid"`
	Metadata     store.Metadata `json:"m,omitempty"`
}

func (s *Server) handleBeacon(w http.ResponseWriter, r *http.Request) {
	if setCORS(w, r, "POST") {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req BeaconRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.ExperimentID == "" || req.EventName == "" || req.VisitorID == "" {
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	if err := s.engine.TrackEvent(r.Context(), req.ExperimentID, req.VisitorID, req.EventName, req.Metadata); err != nil {
		s.log.Error("failed to track event", zap.String("experiment", req.ExperimentID), zap.Error(err))
		http.Error(w, "Failed to record event", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ExperimentResponse is the public view of an active experiment.
type ExperimentResponse struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Variants []store.Variant `json:"variants"`
	Goals    []string        `json:"conversion_goals"`
}

func (s *Server) handleActiveExperiments(w http.ResponseWriter, r *http.Request) {
	if setCORS(w, r, "GET") {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return empty array instead of null
	response := []ExperimentResponse{}
	for _, exp := range s.engine.ActiveExperiments(r.Context()) {
		response = append(response, ExperimentResponse{
			ID:       exp.ID,
			Name:     exp.Name,
			Variants: exp.Variants,
			Goals:    exp.ConversionGoals,
		})
	}

	writeJSON(w, http.StatusOK, response)
}

type AssignResponse struct {
	InExperiment bool           `json:"in_experiment"`
	ExperimentID string         `json:"experiment_id,omitempty"`
	Variant      *store.Variant `json:"variant,omitempty"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	if setCORS(w, r, "GET") {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	experimentID := r.URL.Query().Get("e")
	visitorID := r.URL.Query().Get("vid")
	if experimentID == "" || visitorID == "" {
		http.Error(w, "e and vid parameters required", http.StatusBadRequest)
		return
	}

	variant, err := s.engine.GetVariant(r.Context(), experimentID, visitorID)
	if err != nil {
		s.log.Error("failed to assign variant", zap.String("experiment", experimentID), zap.Error(err))
		http.Error(w, "Failed to assign variant", http.StatusInternalServerError)
		return
	}

	if variant == nil {
		writeJSON(w, http.StatusOK, AssignResponse{})
		return
	}
	writeJSON(w, http.StatusOK, AssignResponse{
		InExperiment: true,
		ExperimentID: experimentID,
		Variant:      variant,
	})
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	exps, err := s.engine.Store().ListExperiments(r.Context())
	if err != nil {
		s.log.Error("failed to list experiments", zap.Error(err))
		http.Error(w, "Failed to list experiments", http.StatusInternalServerError)
		return
	}
	if exps == nil {
		exps = []*store.Experiment{}
	}
	writeJSON(w, http.StatusOK, exps)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var exp store.Experiment
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&exp); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := s.engine.RegisterExperiment(r.Context(), &exp); err != nil {
		if errors.Is(err, engine.ErrInvalidExperimentConfig) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.log.Error("failed to register experiment", zap.String("experiment", exp.ID), zap.Error(err))
		http.Error(w, "Failed to register experiment", http.StatusInternalServerError)
		return
	}

	stored, err := s.engine.Store().GetExperiment(r.Context(), exp.ID)
	if err != nil {
		s.log.Error("failed to read back experiment", zap.String("experiment", exp.ID), zap.Error(err))
		http.Error(w, "Failed to register experiment", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

type StatsResponse struct {
	ExperimentID string               `json:"experiment_id"`
	Active       bool                 `json:"active"`
	Variants     []stats.VariantStats `json:"variants"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exp, err := s.engine.Store().GetExperiment(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Experiment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("failed to get experiment", zap.String("experiment", id), zap.Error(err))
		http.Error(w, "Failed to get experiment", http.StatusInternalServerError)
		return
	}

	variants := s.engine.CalculateStats(r.Context(), id)
	if variants == nil {
		variants = []stats.VariantStats{}
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		ExperimentID: id,
		Active:       exp.IsActive(s.engine.Now()),
		Variants:     variants,
	})
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req enabledRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Enabled == nil {
		http.Error(w, `Body must be {"enabled": true|false}`, http.StatusBadRequest)
		return
	}

	err := s.engine.SetEnabled(r.Context(), id, *req.Enabled)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Experiment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("failed to update experiment", zap.String("experiment", id), zap.Error(err))
		http.Error(w, "Failed to update experiment", http.StatusInternalServerError)
		return
	}

	s.log.Info("experiment toggled", zap.String("experiment", id), zap.Bool("enabled", *req.Enabled))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.ExportData(r.Context(), r.URL.Query().Get("e"))
	if err != nil {
		s.log.Error("failed to export", zap.Error(err))
		http.Error(w, "Failed to export", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ResetAll(r.Context()); err != nil {
		s.log.Error("failed to reset", zap.Error(err))
		http.Error(w, "Failed to reset", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
