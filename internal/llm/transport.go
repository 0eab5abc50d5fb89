package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultRequestTimeout = 5 * time.Minute

// Request is one chat-completions call against an OpenAI-compatible
// endpoint. Metadata rides along for trace emission only; it is never sent
// upstream.
type Request struct {
	BaseURL string
	APIKey  string
	Model   string
	System  string
	User    string

	Temperature    *float64
	MaxTokens      *int
	ResponseFormat string // e.g. "json_object"; empty means provider default

	Metadata map[string]any
	Timeout  time.Duration
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Result struct {
	Text      string
	LatencyMS int64
	RequestID string
	Usage     *Usage
	Model     string

	// Character counts of prompt and response, for fallback token
	// estimation when the upstream omits usage.
	ReqChars  int
	RespChars int
}

type Client struct {
	httpClient *http.Client
	path       string
}

func NewClient() *Client {
	return &Client{
		// Per-request deadlines come from the context; the stdlib client
		// timeout stays off so it cannot race with them.
		httpClient: &http.Client{Timeout: 0},
		path:       "/v1/chat/completions",
	}
}

// Complete performs a single request/response round trip. All failures come
// back as *Error.
func (c *Client) Complete(ctx context.Context, req Request) (Result, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(req.BaseURL), "/")
	if baseURL == "" {
		return Result{}, NewConfigError("missing base URL")
	}
	if strings.TrimSpace(req.Model) == "" {
		return Result{}, NewConfigError("missing model")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(toChatBody(req))
	if err != nil {
		return Result{}, NewConfigError("encode request: %v", err)
	}
	reqChars := len(req.System) + len(req.User)

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return Result{}, WrapTransportError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, WrapTransportError(err)
	}
	defer resp.Body.Close()

	res, perr := parseChatResponse(req.Model, resp)
	if perr != nil {
		return Result{}, perr
	}
	res.LatencyMS = time.Since(start).Milliseconds()
	res.ReqChars = reqChars
	res.RespChars = len(res.Text)
	return res, nil
}

func toChatBody(req Request) map[string]any {
	msgs := []map[string]any{}
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": req.System})
	}
	msgs = append(msgs, map[string]any{"role": "user", "content": req.User})

	body := map[string]any{
		"model":    req.Model,
		"messages": msgs,
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		body["max_tokens"] = *req.MaxTokens
	}
	if strings.TrimSpace(req.ResponseFormat) != "" {
		body["response_format"] = map[string]any{"type": req.ResponseFormat}
	}
	return body
}

func parseChatResponse(model string, resp *http.Response) (Result, *Error) {
	rawBytes, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Result{}, WrapTransportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, ErrorFromHTTPStatus(resp.StatusCode, upstreamErrorMessage(rawBytes))
	}

	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(rawBytes))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Result{}, NewParseError("decode response body: %v", err)
	}

	choices, ok := raw["choices"].([]any)
	if !ok || len(choices) == 0 {
		return Result{}, NewParseError("response missing choices")
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return Result{}, NewParseError("first choice malformed")
	}
	msg, _ := choice["message"].(map[string]any)
	text := asString(msg["content"])

	res := Result{
		Text:      text,
		RequestID: asString(raw["id"]),
		Model:     firstNonEmpty(asString(raw["model"]), model),
	}
	if usageMap, ok := raw["usage"].(map[string]any); ok {
		res.Usage = &Usage{
			PromptTokens:     intFromAny(usageMap["prompt_tokens"]),
			CompletionTokens: intFromAny(usageMap["completion_tokens"]),
			TotalTokens:      intFromAny(usageMap["total_tokens"]),
		}
	}
	return res, nil
}

// upstreamErrorMessage digs the provider error text out of an error body,
// falling back to a trimmed raw excerpt.
func upstreamErrorMessage(raw []byte) string {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err == nil {
		if errObj, ok := body["error"].(map[string]any); ok {
			if msg := asString(errObj["message"]); msg != "" {
				return msg
			}
		}
		if msg := asString(body["message"]); msg != "" {
			return msg
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	default:
		return ""
	}
}

func intFromAny(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case json.Number:
		i, _ := x.Int64()
		return int(i)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(x))
		return n
	default:
		return 0
	}
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return strings.TrimSpace(b)
}
