package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	logBatchSize     = 10
	logFlushInterval = 30 * time.Second

	// After this many consecutive flush failures the sink disables itself
	// so a broken database connection cannot wedge logging.
	logMaxFlushFailures = 5
)

type logRow struct {
	level     string
	component string
	message   string
	attrs     []byte
	createdAt time.Time
}

// LogSink is a slog.Handler that mirrors records into the app_logs table so
// the admin surface can show per-tenant logs. Records are buffered and
// flushed in batches; warn-and-above flushes immediately. The sink is an
// additional handler, not a replacement: callers fan out to it alongside
// the stderr JSON handler.
type LogSink struct {
	pool     *pgxpool.Pool
	tenantID *string
	level    slog.Level

	mu       sync.Mutex
	buf      []logRow
	failures int
	disabled bool
	attrs    []slog.Attr
	stop     chan struct{}
	stopOnce sync.Once
}

// NewLogSink creates a LogSink writing rows tagged with tenantID (empty
// means process-level rows). It starts the periodic flusher; call Close on
// shutdown to drain.
func NewLogSink(pool *pgxpool.Pool, tenantID string, level slog.Level) *LogSink {
	s := &LogSink{
		pool:  pool,
		level: level,
		stop:  make(chan struct{}),
	}
	if tenantID != "" {
		s.tenantID = &tenantID
	}
	go s.flushLoop()
	return s
}

// Enabled implements slog.Handler.
func (s *LogSink) Enabled(_ context.Context, level slog.Level) bool {
	s.mu.Lock()
	disabled := s.disabled
	s.mu.Unlock()
	return !disabled && level >= s.level
}

// Handle implements slog.Handler.
func (s *LogSink) Handle(_ context.Context, rec slog.Record) error {
	attrs := map[string]any{}
	for _, a := range s.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	component := ""
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return true
		}
		attrs[a.Key] = a.Value.Any()
		return true
	})
	if c, ok := attrs["component"]; ok {
		component = fmt.Sprint(c)
		delete(attrs, "component")
	}

	payload, err := json.Marshal(attrs)
	if err != nil {
		payload = []byte("{}")
	}

	row := logRow{
		level:     rec.Level.String(),
		component: component,
		message:   rec.Message,
		attrs:     payload,
		createdAt: rec.Time,
	}
	if row.createdAt.IsZero() {
		row.createdAt = time.Now().UTC()
	}

	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		return nil
	}
	s.buf = append(s.buf, row)
	shouldFlush := len(s.buf) >= logBatchSize || rec.Level >= slog.LevelWarn
	s.mu.Unlock()

	if shouldFlush {
		s.flush()
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (s *LogSink) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *s
	clone.attrs = append(append([]slog.Attr{}, s.attrs...), attrs...)
	return &clone
}

// WithGroup implements slog.Handler. Groups are flattened; the table schema
// is deliberately simple.
func (s *LogSink) WithGroup(string) slog.Handler { return s }

// Close flushes the remaining buffer and stops the background flusher.
func (s *LogSink) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.flush()
}

func (s *LogSink) flushLoop() {
	ticker := time.NewTicker(logFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *LogSink) flush() {
	s.mu.Lock()
	if s.disabled || len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pgBatch := &pgx.Batch{}
	for _, r := range batch {
		pgBatch.Queue(
			`INSERT INTO app_logs (tenant_id, level, component, message, attrs, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			s.tenantID, r.level, r.component, r.message, r.attrs, r.createdAt,
		)
	}

	br := s.pool.SendBatch(ctx, pgBatch)
	err := br.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failures++
		if s.failures >= logMaxFlushFailures {
			s.disabled = true
			fmt.Fprintf(os.Stderr, "postgres log sink disabled after %d flush failures: %v\n", s.failures, err)
		}
		return
	}
	s.failures = 0
}
