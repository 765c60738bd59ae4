package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type anthropicRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

func writeAnthropicError(w http.ResponseWriter, status int, typ, msg string) {
	writeJSON(w, status, map[string]any{
		"type":  "error",
		"error": map[string]string{"type": typ, "message": msg},
	})
}

// messageText accepts both the string and the content-block form.
func messageText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(raw, &blocks)
	out := ""
	for _, b := range blocks {
		out += b.Text
	}
	return out
}

func newAnthropicHandler(b Behavior) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") == "" {
			writeAnthropicError(w, http.StatusUnauthorized, "authentication_error", "missing x-api-key header")
			return
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
			return
		}
		if req.MaxTokens <= 0 {
			writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "max_tokens is required")
			return
		}
		if b.inject(r) {
			writeAnthropicError(w, b.ErrorStatus, "api_error", "mock upstream failure")
			return
		}

		texts := make([]string, len(req.Messages))
		for i, m := range req.Messages {
			texts[i] = messageText(m.Content)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":            fmt.Sprintf("msg_mock_%d", time.Now().UnixNano()),
			"type":          "message",
			"role":          "assistant",
			"model":         req.Model,
			"content":       []map[string]string{{"type": "text", "text": fakeSentence(b.Words)}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage": map[string]int{
				"input_tokens":  promptTokens(texts...),
				"output_tokens": b.Words,
			},
		})
	})

	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"type": "model", "id": "claude-sonnet-4-5", "display_name": "Claude Sonnet 4.5", "created_at": "2025-01-01T00:00:00Z"},
			},
			"has_more": false,
			"first_id": "claude-sonnet-4-5",
			"last_id":  "claude-sonnet-4-5",
		})
	})

	return mux
}
