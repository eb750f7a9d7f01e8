package types

import (
	"time"
)

// Response types
type CompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`

	// Routing metadata (added by the router)
	RouterMetadata *RouterMetadata `json:"router_metadata,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RouterMetadata describes how a response was routed.
type RouterMetadata struct {
	Backend        BackendType   `json:"backend"`
	Reason         string        `json:"reason"`
	Confidence     float64       `json:"confidence"`
	FallbackUsed   bool          `json:"fallback_used"`
	CorrelationID  string        `json:"correlation_id"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Error response
type ErrorResponse struct {
	Error         ErrorDetail `json:"error"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}
