// Command providers runs lightweight HTTP servers that imitate each upstream
// AI provider API. It is used for local end-to-end and failover testing
// without real credentials.
//
// Each provider listens on its own port:
//
//	OpenAI     :19001  (OPENAI_BASE_URL=http://localhost:19001/v1)
//	Anthropic  :19002  (ANTHROPIC_BASE_URL=http://localhost:19002)
//	Gemini     :19003  (GEMINI_BASE_URL=http://localhost:19003/v1beta)
//	Ollama     :19004  (OLLAMA_BASE_URL=http://localhost:19004/v1)
//
// Environment overrides:
//
//	PORT_<PROVIDER>              listen port, e.g. PORT_OLLAMA=11434
//	MOCK_LATENCY_MS              artificial latency added to every completion (default 0)
//	MOCK_ERROR_RATE              fraction [0,1] of completions that fail (default 0)
//	MOCK_ERROR_STATUS            HTTP status of injected failures (default 500)
//	MOCK_WORDS                   words per completion (default 12)
//	MOCK_<PROVIDER>_LATENCY_MS   per-provider latency, e.g. MOCK_OLLAMA_LATENCY_MS=2500
//	MOCK_<PROVIDER>_ERROR_RATE   per-provider failure rate, e.g. MOCK_OPENAI_ERROR_RATE=1
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Behavior controls how one mock server answers completions.
type Behavior struct {
	Latency     time.Duration
	ErrorRate   float64
	ErrorStatus int
	Words       int
}

// loadBehavior reads the global knobs and then the per-provider ones.
func loadBehavior(provider string) Behavior {
	b := Behavior{ErrorStatus: http.StatusInternalServerError, Words: 12}

	if n, ok := envInt("MOCK_LATENCY_MS"); ok {
		b.Latency = time.Duration(n) * time.Millisecond
	}
	if f, ok := envRate("MOCK_ERROR_RATE"); ok {
		b.ErrorRate = f
	}
	if n, ok := envInt("MOCK_ERROR_STATUS"); ok && n >= 400 && n <= 599 {
		b.ErrorStatus = n
	}
	if n, ok := envInt("MOCK_WORDS"); ok && n > 0 {
		b.Words = n
	}

	prefix := "MOCK_" + strings.ToUpper(provider) + "_"
	if n, ok := envInt(prefix + "LATENCY_MS"); ok {
		b.Latency = time.Duration(n) * time.Millisecond
	}
	if f, ok := envRate(prefix + "ERROR_RATE"); ok {
		b.ErrorRate = f
	}
	return b
}

func envInt(key string) (int, bool) {
	n, err := strconv.Atoi(os.Getenv(key))
	return n, err == nil && n >= 0
}

func envRate(key string) (float64, bool) {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	return f, err == nil && f >= 0 && f <= 1
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock provider listening", slog.String("provider", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("provider", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	mocks := []struct {
		name    string
		port    int
		handler func(Behavior) http.Handler
	}{
		{"openai", 19001, newOpenAIHandler},
		{"anthropic", 19002, newAnthropicHandler},
		{"gemini", 19003, newGeminiHandler},
		{"ollama", 19004, newOpenAIHandler},
	}

	servers := make([]*http.Server, 0, len(mocks))
	for _, m := range mocks {
		b := loadBehavior(m.name)
		log.Info("mock behavior",
			slog.String("provider", m.name),
			slog.Duration("latency", b.Latency),
			slog.Float64("error_rate", b.ErrorRate),
		)
		addr := ":" + portFromEnv("PORT_"+strings.ToUpper(m.name), m.port)
		servers = append(servers, startServer(m.name, addr, m.handler(b), log))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down mock providers")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(shutdownCtx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock providers stopped")
}
