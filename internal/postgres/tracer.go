package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// QueryObserver receives per-query timings (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, operation, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, operation, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, operation, outcome string, dur time.Duration) {
	f(ctx, operation, outcome, dur)
}

type queryKey struct{}

type queryState struct {
	sql    string
	start  time.Time
	caller string
}

// queryTracer wraps another pgx.QueryTracer (otelpgx) with structured
// logging, caller attribution and metrics.
type queryTracer struct {
	inner    pgx.QueryTracer
	observer QueryObserver
	slow     time.Duration
}

func newQueryTracer(inner pgx.QueryTracer, obs QueryObserver, slow time.Duration) *queryTracer {
	return &queryTracer{inner: inner, observer: obs, slow: slow}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	caller := findCaller()

	// otelpgx creates the span first so the attribute lands on it
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() && caller != "" {
		span.SetAttributes(attribute.String("db.caller", caller))
	}
	return context.WithValue(ctx, queryKey{}, &queryState{sql: data.SQL, start: time.Now(), caller: caller})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}
	st, ok := ctx.Value(queryKey{}).(*queryState)
	if !ok {
		return
	}
	dur := time.Since(st.start)
	op := operation(data.CommandTag, st.sql)

	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
	}
	if t.observer != nil {
		t.observer.ObserveQuery(ctx, op, outcome, dur)
	}

	if data.Err == nil && t.slow > 0 && dur < t.slow {
		return
	}

	fields := []any{
		"db.operation.name", op,
		"db.statement", compactSQL(st.sql),
		"db.duration", dur.Seconds(),
	}
	if st.caller != "" {
		fields = append(fields, "db.caller", st.caller)
	}
	if rows := data.CommandTag.RowsAffected(); data.Err == nil && rows >= 0 {
		fields = append(fields, "db.rows", rows)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

// operation derives the statement verb, preferring the command tag.
func operation(tag pgconn.CommandTag, sql string) string {
	if f := strings.Fields(tag.String()); len(f) > 0 {
		return strings.ToUpper(f[0])
	}
	if f := strings.Fields(sql); len(f) > 0 {
		return strings.ToUpper(f[0])
	}
	return "UNKNOWN"
}

// compactSQL collapses whitespace so multi-line statements log on one line.
func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// findCaller returns the first application frame outside pgx, otelpgx and
// this package, e.g. "(*Store).Put".
func findCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		fn := fr.Function
		if fn != "" &&
			!strings.HasPrefix(fn, "runtime.") &&
			!strings.Contains(fn, "github.com/jackc/pgx/v5") &&
			!strings.Contains(fn, "github.com/exaring/otelpgx") &&
			!strings.Contains(fn, "github.com/linnemanlabs/vantage/internal/postgres.") {
			return shortenFuncName(fn)
		}
		if !more {
			return ""
		}
	}
}

func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
