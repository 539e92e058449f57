package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gleanhq/glean/models"
)

const productSchema = `{"type":"object","properties":{"name":{"type":"string"},"price":{"type":"number"}}}`

func chatCompletion(content string) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
		"usage": map[string]int{
			"prompt_tokens":     120,
			"completion_tokens": 18,
			"total_tokens":      138,
		},
	}
	raw, _ := json.Marshal(resp)
	return string(raw)
}

func TestExtract_ReturnsStructuredJSON(t *testing.T) {
	var gotAuth, gotPath string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chatCompletion(`{"name":"Acme Widget","price":1299.99}`)))
	}))
	defer srv.Close()

	c := NewClient(nil)
	res, err := c.Extract(context.Background(), "# Acme Widget\n$1,299.99", json.RawMessage(productSchema), ExtractParams{
		APIKey:  "sk-test",
		Model:   "gpt-4o-mini",
		BaseURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("path = %q, want /chat/completions", gotPath)
	}
	if gotReq.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
	if !strings.Contains(gotReq.Messages[0].Content, productSchema) {
		t.Error("system prompt does not embed the schema")
	}
	if gotReq.ResponseFormat == nil || gotReq.ResponseFormat.Type != "json_object" {
		t.Errorf("response format = %+v", gotReq.ResponseFormat)
	}

	var data map[string]any
	if err := json.Unmarshal(res.Data, &data); err != nil {
		t.Fatalf("data is not valid JSON: %v", err)
	}
	if data["name"] != "Acme Widget" {
		t.Errorf("name = %v", data["name"])
	}
	if res.Usage == nil || res.Usage.TotalTokens != 138 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestExtract_TrailingSlashBaseURL(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(chatCompletion(`{}`)))
	}))
	defer srv.Close()

	c := NewClient(nil)
	_, err := c.Extract(context.Background(), "content", json.RawMessage(`{}`), ExtractParams{
		APIKey:  "sk-test",
		Model:   "gpt-4o-mini",
		BaseURL: srv.URL + "/",
	})
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("path = %q, trailing slash mishandled", gotPath)
	}
}

func TestExtract_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := NewClient(nil)
	_, err := c.Extract(context.Background(), "content", json.RawMessage(`{}`), ExtractParams{
		APIKey: "sk-bad", Model: "gpt-4o-mini", BaseURL: srv.URL,
	})
	if !models.IsCode(err, models.ErrCodeLLMAuthFailure) {
		t.Fatalf("expected LLM_AUTH_FAILURE, got %v", err)
	}
	if !strings.Contains(err.Error(), "Incorrect API key") {
		t.Errorf("provider message lost: %v", err)
	}
}

func TestExtract_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"Rate limit reached"}}`))
	}))
	defer srv.Close()

	c := NewClient(nil)
	_, err := c.Extract(context.Background(), "content", json.RawMessage(`{}`), ExtractParams{
		APIKey: "sk-test", Model: "gpt-4o-mini", BaseURL: srv.URL,
	})
	if !models.IsCode(err, models.ErrCodeLLMRateLimited) {
		t.Fatalf("expected LLM_RATE_LIMITED, got %v", err)
	}
}

func TestExtract_ServerErrorIsGenericFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(nil)
	_, err := c.Extract(context.Background(), "content", json.RawMessage(`{}`), ExtractParams{
		APIKey: "sk-test", Model: "gpt-4o-mini", BaseURL: srv.URL,
	})
	if !models.IsCode(err, models.ErrCodeLLMFailure) {
		t.Fatalf("expected LLM_FAILURE, got %v", err)
	}
}

func TestExtract_NonJSONCompletionFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatCompletion("Sure! Here is the JSON you asked for: {...}")))
	}))
	defer srv.Close()

	c := NewClient(nil)
	_, err := c.Extract(context.Background(), "content", json.RawMessage(`{}`), ExtractParams{
		APIKey: "sk-test", Model: "gpt-4o-mini", BaseURL: srv.URL,
	})
	if !models.IsCode(err, models.ErrCodeLLMFailure) {
		t.Fatalf("expected LLM_FAILURE for a chatty completion, got %v", err)
	}
}

func TestExtract_EmptyChoicesFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[],"usage":{}}`))
	}))
	defer srv.Close()

	c := NewClient(nil)
	_, err := c.Extract(context.Background(), "content", json.RawMessage(`{}`), ExtractParams{
		APIKey: "sk-test", Model: "gpt-4o-mini", BaseURL: srv.URL,
	})
	if !models.IsCode(err, models.ErrCodeLLMFailure) {
		t.Fatalf("expected LLM_FAILURE, got %v", err)
	}
}
