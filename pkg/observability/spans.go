package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const spansSchema = `
CREATE TABLE IF NOT EXISTS telemetry_spans (
	span_id        TEXT PRIMARY KEY,
	trace_id       TEXT NOT NULL,
	parent_span_id TEXT NOT NULL DEFAULT '',
	name           TEXT NOT NULL,
	start_time     INTEGER NOT NULL,
	duration_ns    INTEGER NOT NULL,
	status         TEXT NOT NULL,
	status_message TEXT NOT NULL DEFAULT '',
	attributes     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_telemetry_spans_trace ON telemetry_spans (trace_id);
CREATE INDEX IF NOT EXISTS idx_telemetry_spans_start ON telemetry_spans (start_time);
`

// Span is one finished span as stored by SpanStore.
type Span struct {
	SpanID        string
	TraceID       string
	ParentSpanID  string
	Name          string
	StartTime     time.Time
	Duration      time.Duration
	Status        string
	StatusMessage string
	Attributes    map[string]string
}

// SpanQuery filters SpanStore.Query. Zero fields match everything.
type SpanQuery struct {
	TraceID string
	// NamePrefix matches span names starting with the prefix.
	NamePrefix string
	Since      time.Time
	Limit      int
}

var _ sdktrace.SpanExporter = (*SpanStore)(nil)

// SpanStore exports spans into a SQLite table so traces can be inspected
// next to the events that produced them.
type SpanStore struct {
	db        *sql.DB
	retention time.Duration

	mu sync.Mutex
}

// NewSpanStore creates the span table in db. Spans older than retention are
// pruned on every export; zero keeps them forever.
func NewSpanStore(ctx context.Context, db *sql.DB, retention time.Duration) (*SpanStore, error) {
	if _, err := db.ExecContext(ctx, spansSchema); err != nil {
		return nil, fmt.Errorf("failed to create span table: %w", err)
	}
	return &SpanStore{db: db, retention: retention}, nil
}

// ExportSpans implements sdktrace.SpanExporter.
func (s *SpanStore) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin span export: %w", err)
	}
	defer tx.Rollback()

	for _, span := range spans {
		var parent string
		if span.Parent().SpanID().IsValid() {
			parent = span.Parent().SpanID().String()
		}
		attrs, err := json.Marshal(attributeMap(span.Attributes()))
		if err != nil {
			return fmt.Errorf("failed to encode span attributes: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO telemetry_spans
				(span_id, trace_id, parent_span_id, name, start_time, duration_ns, status, status_message, attributes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			span.SpanContext().SpanID().String(),
			span.SpanContext().TraceID().String(),
			parent,
			span.Name(),
			span.StartTime().UnixNano(),
			span.EndTime().Sub(span.StartTime()).Nanoseconds(),
			span.Status().Code.String(),
			span.Status().Description,
			string(attrs),
		); err != nil {
			return fmt.Errorf("failed to insert span: %w", err)
		}
	}

	if s.retention > 0 {
		cutoff := time.Now().Add(-s.retention).UnixNano()
		if _, err := tx.ExecContext(ctx, `DELETE FROM telemetry_spans WHERE start_time < ?`, cutoff); err != nil {
			return fmt.Errorf("failed to prune spans: %w", err)
		}
	}
	return tx.Commit()
}

// Shutdown implements sdktrace.SpanExporter. The database is owned by the
// caller and stays open.
func (s *SpanStore) Shutdown(ctx context.Context) error {
	return nil
}

// Query returns stored spans, newest first.
func (s *SpanStore) Query(ctx context.Context, q SpanQuery) ([]Span, error) {
	var (
		where []string
		args  []any
	)
	if q.TraceID != "" {
		where = append(where, "trace_id = ?")
		args = append(args, q.TraceID)
	}
	if q.NamePrefix != "" {
		where = append(where, "substr(name, 1, ?) = ?")
		args = append(args, len(q.NamePrefix), q.NamePrefix)
	}
	if !q.Since.IsZero() {
		where = append(where, "start_time >= ?")
		args = append(args, q.Since.UnixNano())
	}

	query := `SELECT span_id, trace_id, parent_span_id, name, start_time, duration_ns, status, status_message, attributes
		FROM telemetry_spans`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query spans: %w", err)
	}
	defer rows.Close()

	var spans []Span
	for rows.Next() {
		var (
			span     Span
			start    int64
			duration int64
			attrs    string
		)
		if err := rows.Scan(&span.SpanID, &span.TraceID, &span.ParentSpanID, &span.Name,
			&start, &duration, &span.Status, &span.StatusMessage, &attrs); err != nil {
			return nil, fmt.Errorf("failed to scan span: %w", err)
		}
		span.StartTime = time.Unix(0, start).UTC()
		span.Duration = time.Duration(duration)
		if err := json.Unmarshal([]byte(attrs), &span.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode span attributes: %w", err)
		}
		spans = append(spans, span)
	}
	return spans, rows.Err()
}

func attributeMap(attrs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}
