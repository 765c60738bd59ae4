// Package logger implements a non-blocking, batched usage record log.
//
// Records are written to an internal buffered channel and flushed in batches
// by a background goroutine, so logging never blocks the dispatch path. If
// the channel fills up, new records are dropped and counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omniscient-ai/provider-gateway/internal/usage"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Logger implements usage.Sink.
type Logger struct {
	ch        chan usage.Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs atomic.Int64

	baseCtx context.Context
	log     *slog.Logger
}

var _ usage.Sink = (*Logger)(nil)

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.Default()
	}

	l := &Logger{
		ch:      make(chan usage.Record, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry usage.Record) {
	select {
	case l.ch <- entry:
	default:
		l.droppedLogs.Add(1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return l.droppedLogs.Load()
}

// Close flushes buffered records and stops the background goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]usage.Record, 0, batchSize)

	flush := func() {
		for _, e := range batch {
			l.log.InfoContext(l.baseCtx, "usage_record",
				slog.String("id", e.ID.String()),
				slog.String("tenant_id", e.TenantID),
				slog.String("provider", string(e.Provider)),
				slog.Int64("latency_ms", e.LatencyMs),
				slog.Bool("success", e.Success),
				slog.String("reason", e.Reason),
				slog.Int("tokens_estimated", e.TokensEstimated),
				slog.String("cost_estimated", e.CostEstimated.String()),
				slog.Time("timestamp", e.Timestamp.UTC()),
			)
		}
		batch = batch[:0]
	}

	add := func(e usage.Record) {
		batch = append(batch, e)
		if len(batch) >= batchSize {
			flush()
		}
	}

	for {
		select {
		case entry := <-l.ch:
			add(entry)

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					add(entry)
				default:
					flush()
					return
				}
			}
		}
	}
}
