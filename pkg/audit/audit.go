// Package audit persists per-request decisions off the hot path. The
// pipeline enqueues; a single consumer goroutine writes to the decision
// store and mirrors each record to slog.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/porter/pkg/domain"
)

// InputHash returns the hex SHA-256 of the RFC 8785 canonical form of a
// JSON body, so the same logical payload hashes identically regardless of
// key order or whitespace. Non-JSON bodies hash as raw bytes. Empty
// bodies hash to "".
func InputHash(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	data := body
	if canonical, err := jcs.Transform(body); err == nil {
		data = canonical
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sink stores decision records. *repo.DecisionRepo satisfies it.
type Sink interface {
	Insert(ctx context.Context, rec domain.DecisionRecord) error
}

const (
	defaultBuffer = 256
	insertTimeout = 5 * time.Second
)

// Logger is the asynchronous decision log. Record never blocks the
// request path: when the buffer is full, the oldest queued record is shed
// to make room.
type Logger struct {
	sink Sink
	log  *slog.Logger

	ch      chan domain.DecisionRecord
	done    chan struct{}
	closed  atomic.Bool
	once    sync.Once
	dropped atomic.Int64
}

// NewLogger starts the consumer goroutine. buffer <= 0 selects the
// default capacity.
func NewLogger(sink Sink, log *slog.Logger, buffer int) *Logger {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	l := &Logger{
		sink: sink,
		log:  log,
		ch:   make(chan domain.DecisionRecord, buffer),
		done: make(chan struct{}),
	}
	go l.consume()
	return l
}

// Record enqueues a decision without blocking. Under sustained pressure
// the oldest queued record is dropped in favor of the new one. Must not
// be called after Close.
func (l *Logger) Record(rec domain.DecisionRecord) {
	if l.closed.Load() {
		return
	}
	select {
	case l.ch <- rec:
		return
	default:
	}

	// Buffer full: shed the oldest, then try once more. If another
	// producer wins the freed slot, the new record is the one dropped.
	select {
	case <-l.ch:
		l.countDrop()
	default:
	}
	select {
	case l.ch <- rec:
	default:
		l.countDrop()
	}
}

// Dropped reports how many records were shed since start.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

func (l *Logger) countDrop() {
	n := l.dropped.Add(1)
	l.log.Warn("audit: buffer full, decision dropped", "dropped_total", n)
}

func (l *Logger) consume() {
	defer close(l.done)
	for rec := range l.ch {
		l.log.Info("decision",
			"id", rec.ID,
			"app", rec.AppID,
			"resource", rec.ResourceID,
			"action", rec.Action,
			"decision", rec.Decision,
			"error_code", rec.ErrorCode,
			"model", rec.Model,
			"total_tokens", rec.TotalTokens,
			"latency_ms", rec.LatencyMS,
			"request_id", rec.RequestID,
		)
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		if err := l.sink.Insert(ctx, rec); err != nil {
			l.log.Error("audit: insert decision", "error", err, "id", rec.ID)
		}
		cancel()
	}
}

// Close drains queued records and stops the consumer. Callers stop the
// HTTP surfaces first so no Record races the channel close.
func (l *Logger) Close() {
	l.once.Do(func() {
		l.closed.Store(true)
		close(l.ch)
		<-l.done
	})
}
