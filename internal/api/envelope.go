package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

// successEnvelope is the REST success body for single generations.
type successEnvelope struct {
	Success          bool   `json:"success"`
	URL              string `json:"url"`
	SizeBytes        int64  `json:"size_bytes"`
	PageCount        int    `json:"page_count"`
	GenerationTimeMs int64  `json:"generation_time_ms"`
	ExpiresAt        string `json:"expires_at"`
	Deduplicated     bool   `json:"deduplicated"`
}

// batchEnvelope is the REST success body for batch submissions.
type batchEnvelope struct {
	Success bool                `json:"success"`
	BatchID string              `json:"batch_id"`
	Status  render.BatchStatus  `json:"status"`
	Items   []render.ItemResult `json:"items"`
}

// errorEnvelope is the REST failure body.
type errorEnvelope struct {
	Success bool          `json:"success"`
	Error   *render.Error `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeRenderError(w http.ResponseWriter, re *render.Error) {
	writeJSON(w, render.HTTPStatus(re.Code), errorEnvelope{Success: false, Error: re})
}
