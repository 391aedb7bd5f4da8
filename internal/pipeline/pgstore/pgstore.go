// Package pgstore provides a PostgreSQL implementation of pipeline.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/vantage/internal/pipeline"
)

var tracer = otel.Tracer("github.com/linnemanlabs/vantage/internal/pipeline/pgstore")

//go:embed schema.sql
var schema string

// Store persists incident views in PostgreSQL. Each row carries the whole
// view as JSONB next to the columns used for filtering.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The pool is
// owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply incident schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
		attribute.String("db.collection.name", "incidents"),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves the view of one incident.
func (s *Store) Get(ctx context.Context, id string) (*pipeline.View, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()
	span.SetAttributes(attribute.String("vantage.incident_id", id))

	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT view FROM incidents WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("select incident %s: %w", id, err))
	}
	v, err := decode(body)
	if err != nil {
		return nil, false, fail(span, err)
	}
	return v, true, nil
}

// Put upserts v. A row holding a newer version is left alone.
func (s *Store) Put(ctx context.Context, v *pipeline.View) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()
	inc := v.Incident
	span.SetAttributes(
		attribute.String("vantage.incident_id", inc.ID),
		attribute.Int("vantage.incident_version", inc.Version),
	)

	body, err := json.Marshal(v)
	if err != nil {
		return fail(span, fmt.Errorf("marshal view: %w", err))
	}

	query := `INSERT INTO incidents (
		id, camera_id, zone_id, status, created_at, updated_at, version, next_step, passed, alert, view
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (id) DO UPDATE SET
		status     = EXCLUDED.status,
		updated_at = EXCLUDED.updated_at,
		version    = EXCLUDED.version,
		next_step  = EXCLUDED.next_step,
		passed     = EXCLUDED.passed,
		alert      = EXCLUDED.alert,
		view       = EXCLUDED.view
	WHERE incidents.version <= EXCLUDED.version`

	_, err = s.pool.Exec(ctx, query,
		inc.ID, inc.CameraID, inc.ZoneID, string(inc.Status), inc.CreatedTS, inc.UpdatedTS, inc.Version,
		string(v.Plan.NextStep), v.Validation.Passed, v.Alert != nil, body,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert incident %s: %w", inc.ID, err))
	}
	return nil
}

// List returns the views matching f, most recently updated first.
func (s *Store) List(ctx context.Context, f pipeline.Filter) ([]*pipeline.View, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	query, args := listQuery(f.Normalize())
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query incidents: %w", err))
	}
	defer rows.Close()

	var out []*pipeline.View
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fail(span, fmt.Errorf("scan incident: %w", err))
		}
		v, err := decode(body)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate incidents: %w", err))
	}
	span.SetAttributes(attribute.Int("vantage.results", len(out)))
	return out, nil
}

// listQuery builds the filtered SELECT for List. f must be normalized.
func listQuery(f pipeline.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.CameraID != "" {
		add("camera_id = ?", f.CameraID)
	}
	if f.ZoneID != "" {
		add("zone_id = ?", f.ZoneID)
	}
	if !f.Since.IsZero() {
		add("updated_at >= ?", f.Since)
	}

	var b strings.Builder
	b.WriteString("SELECT view FROM incidents")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, f.Limit)
	b.WriteString(" ORDER BY updated_at DESC, id LIMIT $" + strconv.Itoa(len(args)))
	return b.String(), args
}

func decode(body []byte) (*pipeline.View, error) {
	var v pipeline.View
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("unmarshal view: %w", err)
	}
	if v.Incident == nil {
		return nil, errors.New("stored view has no incident")
	}
	return &v, nil
}
