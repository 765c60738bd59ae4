package main

import (
	"encoding/json"
	"net/http"
	"strings"
)

type geminiRequest struct {
	Contents []struct {
		Role  string `json:"role"`
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": msg, "status": http.StatusText(status)},
	})
}

// newGeminiHandler serves generateContent and the model list under /v1beta.
// The SDK addresses models as "models/{model}:generateContent".
func newGeminiHandler(b Behavior) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1beta/models/{action}", func(w http.ResponseWriter, r *http.Request) {
		model, method, ok := strings.Cut(r.PathValue("action"), ":")
		if !ok || method != "generateContent" {
			writeGeminiError(w, http.StatusNotFound, "unsupported method")
			return
		}
		var req geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeGeminiError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if b.inject(r) {
			writeGeminiError(w, b.ErrorStatus, "mock upstream failure")
			return
		}

		var texts []string
		for _, c := range req.Contents {
			for _, p := range c.Parts {
				texts = append(texts, p.Text)
			}
		}
		in := promptTokens(texts...)

		writeJSON(w, http.StatusOK, map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]string{{"text": fakeSentence(b.Words)}},
				},
				"finishReason": "STOP",
				"index":        0,
			}},
			"usageMetadata": map[string]int{
				"promptTokenCount":     in,
				"candidatesTokenCount": b.Words,
				"totalTokenCount":      in + b.Words,
			},
			"modelVersion": model,
		})
	})

	mux.HandleFunc("GET /v1beta/models", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "models/gemini-2.0-flash", "displayName": "Gemini 2.0 Flash"},
			},
		})
	})

	return mux
}
