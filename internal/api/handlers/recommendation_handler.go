package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/meridianhealth/procedure-advisor/internal/domain/entities"
)

// PipelineRunner is the orchestrator contract the handler depends on.
type PipelineRunner interface {
	Recommend(ctx context.Context, req entities.PipelineRequest) *entities.PipelineResult
}

// RecommendationHandler handles recommendation HTTP requests
type RecommendationHandler struct {
	pipeline PipelineRunner
}

// NewRecommendationHandler creates a new recommendation handler
func NewRecommendationHandler(pipeline PipelineRunner) *RecommendationHandler {
	return &RecommendationHandler{pipeline: pipeline}
}

// Recommend handles POST /api/recommend
func (h *RecommendationHandler) Recommend(w http.ResponseWriter, r *http.Request) {
	var req entities.PipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(req.Query) == "" {
		respondWithError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.SimilarityThreshold != nil && (*req.SimilarityThreshold < 0 || *req.SimilarityThreshold > 1) {
		respondWithError(w, http.StatusBadRequest, "similarity_threshold must be between 0 and 1")
		return
	}

	result := h.pipeline.Recommend(r.Context(), req)

	// A completed run is a 200 in both outcomes; the body's success flag is
	// the contract. Transport-level statuses are reserved for malformed
	// requests.
	respondWithJSON(w, http.StatusOK, result)
}

// Helper functions
func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
