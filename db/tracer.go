package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/rondo/logger"
)

type traceCtxKey struct{}

type traceData struct {
	start time.Time
	sql   string
}

// CustomTracer logs every query with its duration when query debugging
// is enabled in the database configuration.
type CustomTracer struct{}

func (t *CustomTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceCtxKey{}, &traceData{
		start: time.Now(),
		sql:   data.SQL,
	})
}

func (t *CustomTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	td, ok := ctx.Value(traceCtxKey{}).(*traceData)
	if !ok {
		return
	}

	if data.Err != nil {
		logger.Debug("query failed", "sql", td.sql, "duration", time.Since(td.start), "error", data.Err)
		return
	}
	logger.Debug("query executed", "sql", td.sql, "duration", time.Since(td.start), "rows", data.CommandTag.RowsAffected())
}
