package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/selivandex/loadmetrics/internal/adapters/config"
	"github.com/selivandex/loadmetrics/pkg/metrics"
	"github.com/selivandex/loadmetrics/pkg/sink"
)

// Backend names this sink in logs and errors
const Backend = "timescale"

const pointsTable = "load_points"

var pointColumns = []string{"time", "time_ns", "measurement", "tags", "fields"}

type pointRow struct {
	time        time.Time
	timeNS      int64
	measurement string
	tags        string
	fields      string
}

func encodeRow(p metrics.Point) (pointRow, error) {
	tags := p.Tags()
	if tags == nil {
		tags = map[string]string{}
	}
	fields := p.Fields()
	if fields == nil {
		fields = map[string]interface{}{}
	}

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return pointRow{}, fmt.Errorf("marshal tags: %w", err)
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return pointRow{}, fmt.Errorf("marshal fields: %w", err)
	}

	return pointRow{
		time:        p.Time().UTC(),
		timeNS:      p.Time().UnixNano(),
		measurement: p.Measurement(),
		tags:        string(tagsJSON),
		fields:      string(fieldsJSON),
	}, nil
}

// Writer implements metrics.Writer with COPY inside one transaction
type Writer struct {
	db  *DB
	log *zap.Logger
}

var _ metrics.Writer = (*Writer)(nil)

// Open connects and applies the embedded migrations
func Open(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := New(ctx, &cfg, log)
	if err != nil {
		return nil, &sink.ConnectionError{Backend: Backend, Target: cfg.Host, Err: err}
	}

	if err := RunMigrations(db.Conn(), log); err != nil {
		db.Close()
		return nil, &sink.ConnectionError{Backend: Backend, Target: cfg.Host, Err: err}
	}

	return &Writer{db: db, log: log}, nil
}

// Opener adapts Open to metrics.Opener
func Opener(cfg config.DatabaseConfig, log *zap.Logger) metrics.Opener {
	return func(ctx context.Context) (metrics.Writer, error) {
		return Open(ctx, cfg, log)
	}
}

// WriteAll copies the batch into load_points. Nothing is visible until the
// transaction commits.
func (w *Writer) WriteAll(ctx context.Context, points []metrics.Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := w.copyPoints(ctx, points); err != nil {
		return &sink.WriteError{Backend: Backend, Points: len(points), Err: err}
	}
	return nil
}

func (w *Writer) copyPoints(ctx context.Context, points []metrics.Point) error {
	rows := make([]pointRow, len(points))
	for i, p := range points {
		row, err := encodeRow(p)
		if err != nil {
			return err
		}
		rows[i] = row
	}

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(pointsTable, pointColumns...))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare copy: %w", err)
	}

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.time, row.timeNS, row.measurement, row.tags, row.fields); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("failed to copy point: %w", err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		tx.Rollback()
		return fmt.Errorf("failed to flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to close copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	w.log.Debug("saved points to database", zap.Int("count", len(rows)))
	return nil
}

// Close closes the connection pool
func (w *Writer) Close() error {
	return w.db.Close()
}
