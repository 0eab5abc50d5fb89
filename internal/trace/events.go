package trace

import "time"

type EventType string

const (
	EventLLMCall        EventType = "llm_call"
	EventLLMError       EventType = "llm_error"
	EventRouterDecision EventType = "router_decision"
	EventCacheHit       EventType = "cache_hit"
	EventCacheMiss      EventType = "cache_miss"
	EventStepStart      EventType = "step_start"
	EventBatchStart     EventType = "batch_start"
	EventBatchComplete  EventType = "batch_complete"
	EventStepComplete   EventType = "step_complete"
)

// Usage mirrors OpenAI-style token accounting when the upstream reports it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Event is one line of the append-only JSONL trace. Every event carries
// Type, Timestamp (RFC3339) and Step; the remaining fields are populated
// per type, with llm_call carrying the full billing-relevant record.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp string    `json:"timestamp"`
	Step      string    `json:"step"`

	RequestID          string `json:"request_id,omitempty"`
	Model              string `json:"model,omitempty"`
	SelectedModel      string `json:"selected_model,omitempty"`
	RouterDefaultModel string `json:"router_default_model,omitempty"`
	FallbackUsed       bool   `json:"fallback_used,omitempty"`
	AttemptNo          int    `json:"attempt_no,omitempty"`
	LatencyMS          int64  `json:"latency_ms,omitempty"`
	ReqChars           int    `json:"req_chars,omitempty"`
	RespChars          int    `json:"resp_chars,omitempty"`
	UsagePresent       bool   `json:"usage_present,omitempty"`
	Usage              *Usage `json:"usage,omitempty"`

	ErrorKind  string `json:"error_kind,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
	ConfigHash string `json:"config_hash,omitempty"`

	Meta map[string]any `json:"meta,omitempty"`
}

// Stamp fills Timestamp with the current wall clock if unset.
func (e *Event) Stamp(now time.Time) {
	if e.Timestamp == "" {
		e.Timestamp = now.UTC().Format(time.RFC3339)
	}
}
