// Package llm runs optional schema-guided extraction over page content
// through an OpenAI-compatible API. Keys are bring-your-own, passed per
// request and never stored.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gleanhq/glean/models"
)

// Client talks to an OpenAI-compatible chat completions endpoint. One
// client serves all requests; credentials travel in ExtractParams.
type Client struct {
	httpClient *http.Client
}

// NewClient wraps the given http.Client, or a 60s-timeout default when
// nil. Completions on large pages are slow, so the budget is generous.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{httpClient: httpClient}
}

// ExtractParams carries the per-request provider settings. BaseURL is
// the API root, e.g. "https://api.openai.com/v1".
type ExtractParams struct {
	APIKey  string
	Model   string
	BaseURL string
}

// ExtractResult is the structured payload plus token accounting.
type ExtractResult struct {
	Data  json.RawMessage
	Usage *models.LLMUsage
}

// chatRequest is the chat completions request body.
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// chatReply is the slice of the completions response the engine reads.
type chatReply struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Extract asks the model to project the page content onto the schema.
// Temperature is pinned to 0 and json_object mode requested, though not
// every OpenAI-compatible provider honors the latter, so the completion
// is still validated before it is returned.
func (c *Client) Extract(ctx context.Context, content string, schema json.RawMessage, params ExtractParams) (*ExtractResult, error) {
	body, err := json.Marshal(chatRequest{
		Model: params.Model,
		Messages: []chatMessage{
			{Role: "system", Content: schemaPrompt(schema)},
			{Role: "user", Content: content},
		},
		Temperature:    0,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	raw, err := c.post(ctx, params, body)
	if err != nil {
		return nil, err
	}

	var reply chatReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, models.NewEngineError(models.ErrCodeLLMFailure, "failed to parse LLM response", err)
	}
	if len(reply.Choices) == 0 {
		return nil, models.NewEngineError(models.ErrCodeLLMFailure, "LLM returned no choices", nil)
	}

	payload := trimFences(reply.Choices[0].Message.Content)
	if !json.Valid([]byte(payload)) {
		return nil, models.NewEngineError(models.ErrCodeLLMFailure, "LLM returned invalid JSON", nil)
	}

	return &ExtractResult{
		Data: json.RawMessage(payload),
		Usage: &models.LLMUsage{
			PromptTokens:     reply.Usage.PromptTokens,
			CompletionTokens: reply.Usage.CompletionTokens,
			TotalTokens:      reply.Usage.TotalTokens,
		},
	}, nil
}

// post sends the completions call and returns the response body, with
// non-200 statuses already classified onto the engine taxonomy.
func (c *Client) post(ctx context.Context, params ExtractParams, body []byte) ([]byte, error) {
	endpoint := strings.TrimRight(params.BaseURL, "/") + "/chat/completions"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+params.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, models.NewEngineError(models.ErrCodeLLMFailure, "LLM request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewEngineError(models.ErrCodeLLMFailure, "failed to read LLM response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, raw)
	}
	return raw, nil
}

// schemaPrompt instructs the model to emit only schema-shaped JSON.
func schemaPrompt(schema json.RawMessage) string {
	return fmt.Sprintf(`Extract data from the user's content into JSON matching this schema:

%s

Output the JSON object only. No prose, no code fences. Use null for fields the content does not support. Do not invent values.`, string(schema))
}

// trimFences strips a markdown code fence wrapper, which some
// OpenAI-compatible providers add despite json_object mode.
func trimFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// apiError maps a provider error response onto the engine taxonomy,
// keeping the provider's message so the caller can see what the key or
// quota problem actually was.
func apiError(statusCode int, body []byte) *models.EngineError {
	var eb apiErrorBody
	msg := "LLM API error"
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error.Message != "" {
		msg = eb.Error.Message
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.NewEngineError(models.ErrCodeLLMAuthFailure, msg, nil)
	case http.StatusTooManyRequests:
		return models.NewEngineError(models.ErrCodeLLMRateLimited, msg, nil)
	default:
		return models.NewEngineError(models.ErrCodeLLMFailure, fmt.Sprintf("LLM API returned %d: %s", statusCode, msg), nil)
	}
}
