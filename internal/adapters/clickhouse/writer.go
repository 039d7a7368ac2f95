// Package clickhouse stores points in a ClickHouse MergeTree table over the
// native protocol.
package clickhouse

import (
	"context"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/selivandex/loadmetrics/internal/adapters/config"
	"github.com/selivandex/loadmetrics/pkg/metrics"
	"github.com/selivandex/loadmetrics/pkg/sink"
)

// Backend names this sink in logs and errors
const Backend = "clickhouse"

// Writer implements metrics.Writer on top of Repository
type Writer struct {
	db   *sqlx.DB
	repo *Repository
	log  *zap.Logger
}

var _ metrics.Writer = (*Writer)(nil)

// Open connects, pings and makes sure the table exists
func Open(ctx context.Context, cfg config.ClickHouseConfig, log *zap.Logger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sqlx.Open("clickhouse", cfg.GetDSN())
	if err != nil {
		return nil, &sink.ConnectionError{Backend: Backend, Target: cfg.Host, Err: err}
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &sink.ConnectionError{Backend: Backend, Target: cfg.Host, Err: err}
	}

	repo, err := NewRepository(db, cfg.Table, log)
	if err != nil {
		db.Close()
		return nil, &sink.ConnectionError{Backend: Backend, Target: cfg.Host, Err: err}
	}
	if err := repo.EnsureTable(ctx); err != nil {
		db.Close()
		return nil, &sink.ConnectionError{Backend: Backend, Target: cfg.Host, Err: err}
	}

	log.Info("ClickHouse connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
		zap.String("table", cfg.Table),
	)

	return &Writer{db: db, repo: repo, log: log}, nil
}

// Opener adapts Open to metrics.Opener
func Opener(cfg config.ClickHouseConfig, log *zap.Logger) metrics.Opener {
	return func(ctx context.Context) (metrics.Writer, error) {
		return Open(ctx, cfg, log)
	}
}

// WriteAll inserts the batch as a single block
func (w *Writer) WriteAll(ctx context.Context, points []metrics.Point) error {
	rows := make([]Row, len(points))
	for i, p := range points {
		rows[i] = NewRow(p)
	}

	if err := w.repo.SaveRows(ctx, rows); err != nil {
		return &sink.WriteError{Backend: Backend, Points: len(points), Err: err}
	}
	return nil
}

// Close closes the connection pool
func (w *Writer) Close() error {
	w.log.Info("closing ClickHouse connection")
	return w.db.Close()
}
