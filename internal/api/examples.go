package api

import (
	"encoding/json"
	"net/http"
	"strings"
)

type exampleSearchRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k"`
}

type exampleSearchResponse struct {
	Examples       map[string]string `json:"examples"`
	MatchedIndices []int             `json:"matched_indices"`
	SimilarityFlag bool              `json:"similarity_flag"`
	Degraded       bool              `json:"degraded"`
}

func handleSearchExamples(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Examples == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXAMPLES_NOT_CONFIGURED", "example index is not configured", false, nil)
		return
	}

	var request exampleSearchRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid search request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}
	topK := request.TopK
	if topK < 1 {
		topK = deps.DefaultTopK
	}
	if topK < 1 {
		topK = 2
	}

	result, err := deps.Examples.Retrieve(r.Context(), strings.TrimSpace(request.Question), topK)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "RETRIEVAL_FAILED", "example retrieval failed", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, exampleSearchResponse{
		Examples:       result.Examples,
		MatchedIndices: result.MatchedIndices,
		SimilarityFlag: result.SimilarityFlag,
		Degraded:       result.Degraded,
	})
}
