// Package pgsink provides a PostgreSQL implementation of audit.Sink.
package pgsink

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/vantage/internal/audit"
)

var tracer = otel.Tracer("github.com/linnemanlabs/vantage/internal/audit/pgsink")

//go:embed schema.sql
var schema string

// Sink appends audit records to PostgreSQL. It only ever INSERTs.
type Sink struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Sink. The pool is
// owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Sink, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &Sink{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
		attribute.String("db.collection.name", "audit_records"),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Append implements audit.Sink.
func (s *Sink) Append(ctx context.Context, r audit.Record) error {
	ctx, span := startSpan(ctx, "pgsink.Append", "INSERT")
	defer span.End()
	span.SetAttributes(attribute.String("vantage.incident_id", r.IncidentID), attribute.String("vantage.audit_kind", string(r.Kind)))

	body, err := json.Marshal(r)
	if err != nil {
		return fail(span, fmt.Errorf("marshal record: %w", err))
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_records (seq, recorded_at, kind, incident_id, passed, alert, record)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		int64(r.Seq), r.Timestamp, string(r.Kind), r.IncidentID, r.Passed, r.AlertGenerated, body, //nolint:gosec // seq fits int64
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert audit record %d: %w", r.Seq, err))
	}
	return nil
}

// Records implements audit.Reader.
func (s *Sink) Records(ctx context.Context, incidentID string, limit int) ([]audit.Record, error) {
	ctx, span := startSpan(ctx, "pgsink.Records", "SELECT")
	defer span.End()

	query := `SELECT record FROM audit_records WHERE incident_id = $1 ORDER BY seq`
	args := []any{incidentID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query audit records: %w", err))
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fail(span, fmt.Errorf("scan audit record: %w", err))
		}
		var r audit.Record
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fail(span, fmt.Errorf("unmarshal audit record: %w", err))
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate audit records: %w", err))
	}
	return out, nil
}

// LastSeq implements audit.Sequencer.
func (s *Sink) LastSeq(ctx context.Context) (uint64, error) {
	ctx, span := startSpan(ctx, "pgsink.LastSeq", "SELECT")
	defer span.End()

	var last int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM audit_records`).Scan(&last); err != nil {
		return 0, fail(span, fmt.Errorf("max audit seq: %w", err))
	}
	return uint64(last), nil //nolint:gosec // seq is never negative
}
