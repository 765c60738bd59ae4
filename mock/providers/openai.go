package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type openAIChatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// newOpenAIHandler serves the chat completions and models endpoints. Ollama
// exposes the same surface under /v1, so both mocks share it.
func newOpenAIHandler(b Behavior) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req openAIChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request_error")
			return
		}
		if len(req.Messages) == 0 {
			writeOpenAIError(w, http.StatusBadRequest, "messages must not be empty", "invalid_request_error")
			return
		}
		if b.inject(r) {
			writeOpenAIError(w, b.ErrorStatus, "mock upstream failure", "server_error")
			return
		}

		texts := make([]string, len(req.Messages))
		for i, m := range req.Messages {
			texts[i] = m.Content
		}
		in, out := promptTokens(texts...), b.Words

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      fmt.Sprintf("chatcmpl-mock-%d", time.Now().UnixNano()),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": fakeSentence(b.Words)},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{
				"prompt_tokens":     in,
				"completion_tokens": out,
				"total_tokens":      in + out,
			},
		})
	})

	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o", "object": "model", "created": 0, "owned_by": "mock"},
				{"id": "llama3.2", "object": "model", "created": 0, "owned_by": "mock"},
			},
		})
	})

	return mux
}
