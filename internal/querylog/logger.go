// Package querylog records served requests. Appends are fire-and-forget:
// the request that produced an entry never waits for, or fails because of,
// its log write.
package querylog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bull/medassist/internal/domain"
)

// DefaultTimeout bounds each sink write.
const DefaultTimeout = 5 * time.Second

// Sink persists or forwards one entry.
type Sink interface {
	AppendQueryLog(ctx context.Context, entry domain.QueryLogEntry) error
}

// Logger fans entries out to every sink in the background.
type Logger struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// New creates a Logger. A nil logger falls back to slog.Default.
func New(logger *slog.Logger, sinks ...Sink) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{sinks: sinks, timeout: DefaultTimeout, logger: logger}
}

// Append hands entry to every sink and returns immediately. Cancellation of
// ctx does not cancel the writes; trace values carried by ctx are kept.
func (l *Logger) Append(ctx context.Context, entry domain.QueryLogEntry) {
	base := context.WithoutCancel(ctx)
	for _, sink := range l.sinks {
		l.wg.Add(1)
		go func(sink Sink) {
			defer l.wg.Done()
			wctx, cancel := context.WithTimeout(base, l.timeout)
			defer cancel()
			if err := sink.AppendQueryLog(wctx, entry); err != nil {
				l.logger.Warn("query log append failed",
					"user_id", entry.UserID, "query_type", entry.QueryType, "error", err)
			}
		}(sink)
	}
}

// Wait blocks until every pending append has finished. Used on shutdown.
func (l *Logger) Wait() {
	l.wg.Wait()
}
