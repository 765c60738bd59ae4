package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

var fakeWords = []string{
	"routing", "picks", "the", "cheapest", "provider", "that", "is", "still",
	"available", "and", "falls", "over", "to", "the", "next", "one", "when",
	"an", "upstream", "call", "fails", "this", "answer", "comes", "from", "a",
	"mock", "server",
}

// fakeSentence returns a response text of n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// promptTokens approximates the prompt size the way the gateway does.
func promptTokens(texts ...string) int {
	n := 0
	for _, t := range texts {
		n += (len(t) + 3) / 4
	}
	return n
}

// inject applies latency and reports whether this request should fail.
// Latency honors client cancellation so attempt timeouts are observable.
func (b Behavior) inject(r *http.Request) (fail bool) {
	if b.Latency > 0 {
		select {
		case <-time.After(b.Latency):
		case <-r.Context().Done():
		}
	}
	return b.ErrorRate > 0 && rand.Float64() < b.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOpenAIError writes the OpenAI-style error envelope, also used by
// Ollama's compatible endpoint.
func writeOpenAIError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": msg, "type": typ, "code": typ},
	})
}
