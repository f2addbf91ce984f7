// Package rpc multiplexes pipelined PDF calls over one websocket
// connection. Requests carry client-assigned correlation ids; responses
// may arrive out of order and are matched by id. A request naming a
// prior id in "after" is held server-side until that request resolves.
package rpc

import (
	"encoding/json"

	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

// Request is one call frame.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	After  string          `json:"after,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one reply frame. Exactly one of Result and Error is set.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *render.Error   `json:"error,omitempty"`
}

// GenerateParams are the arguments of the pdf.generate method.
type GenerateParams struct {
	HTML    string         `json:"html"`
	Options render.Options `json:"options"`
}

// GenerateResult is the success payload of pdf.generate.
type GenerateResult struct {
	URL              string            `json:"url"`
	SizeBytes        int64             `json:"size_bytes"`
	PageCount        int               `json:"page_count"`
	GenerationTimeMs int64             `json:"generation_time_ms"`
	ExpiresAt        string            `json:"expires_at"`
	Deduplicated     bool              `json:"deduplicated"`
	Quota            render.QuotaState `json:"quota"`
}

// BatchParams are the arguments of the pdf.batch method.
type BatchParams struct {
	Items []BatchItem `json:"items"`
}

// BatchItem is one document in a pdf.batch call.
type BatchItem struct {
	HTML    string         `json:"html"`
	Options render.Options `json:"options"`
}

// BatchResult is the success payload of pdf.batch.
type BatchResult struct {
	BatchID string              `json:"batch_id"`
	Status  render.BatchStatus  `json:"status"`
	Items   []render.ItemResult `json:"items"`
}
