package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func post(t *testing.T, h http.Handler, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestOpenAIHandler_Completion(t *testing.T) {
	h := newOpenAIHandler(Behavior{Words: 5})
	rec := post(t, h, "/v1/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"12345678"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var out struct {
		Choices []struct {
			Message struct{ Content string } `json:"message"`
		} `json:"choices"`
		Usage struct {
			Prompt int `json:"prompt_tokens"`
			Total  int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Choices) != 1 || len(strings.Fields(out.Choices[0].Message.Content)) != 5 {
		t.Errorf("choices = %+v", out.Choices)
	}
	if out.Usage.Prompt != 2 || out.Usage.Total != 7 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestHandlers_InjectedFailure(t *testing.T) {
	b := Behavior{ErrorRate: 1, ErrorStatus: http.StatusServiceUnavailable, Words: 3}
	tests := []struct {
		name string
		h    http.Handler
		path string
		body string
		hdr  map[string]string
	}{
		{"openai", newOpenAIHandler(b), "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, nil},
		{"anthropic", newAnthropicHandler(b), "/v1/messages", `{"max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`, map[string]string{"x-api-key": "k"}},
		{"gemini", newGeminiHandler(b), "/v1beta/models/gemini-2.0-flash:generateContent", `{"contents":[{"parts":[{"text":"hi"}]}]}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := post(t, tt.h, tt.path, tt.body, tt.hdr); rec.Code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", rec.Code)
			}
		})
	}
}

func TestAnthropicHandler_Validation(t *testing.T) {
	h := newAnthropicHandler(Behavior{Words: 3})
	if rec := post(t, h, "/v1/messages", `{"max_tokens":10}`, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status %d", rec.Code)
	}
	if rec := post(t, h, "/v1/messages", `{"messages":[]}`, map[string]string{"x-api-key": "k"}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing max_tokens: status %d", rec.Code)
	}
	rec := post(t, h, "/v1/messages", `{"max_tokens":10,"messages":[{"role":"user","content":[{"type":"text","text":"abcd"}]}]}`, map[string]string{"x-api-key": "k"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"input_tokens":1`) {
		t.Errorf("block content: %d %s", rec.Code, rec.Body)
	}
}

func TestGeminiHandler_UnknownMethod(t *testing.T) {
	h := newGeminiHandler(Behavior{Words: 3})
	if rec := post(t, h, "/v1beta/models/gemini-2.0-flash:embedContent", `{}`, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestLoadBehavior_PerProviderOverride(t *testing.T) {
	t.Setenv("MOCK_ERROR_RATE", "0.1")
	t.Setenv("MOCK_LATENCY_MS", "5")
	t.Setenv("MOCK_OPENAI_ERROR_RATE", "1")

	if b := loadBehavior("openai"); b.ErrorRate != 1 || b.Latency.Milliseconds() != 5 {
		t.Errorf("openai = %+v", b)
	}
	if b := loadBehavior("gemini"); b.ErrorRate != 0.1 {
		t.Errorf("gemini = %+v", b)
	}
	t.Setenv("MOCK_ERROR_RATE", "7")
	if b := loadBehavior("gemini"); b.ErrorRate != 0 {
		t.Errorf("out-of-range rate must be ignored, got %v", b.ErrorRate)
	}
}
