package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/selivandex/loadmetrics/pkg/metrics"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Row is the ClickHouse representation of a point. Numeric fields and text
// fields live in separate maps since a ClickHouse Map has one value type.
type Row struct {
	Timestamp   time.Time
	Measurement string
	Tags        map[string]string
	Fields      map[string]float64
	TextFields  map[string]string
}

// NewRow converts a point. Booleans become 0/1; anything not numeric is
// kept as text.
func NewRow(p metrics.Point) Row {
	row := Row{
		Timestamp:   p.Time(),
		Measurement: p.Measurement(),
		Tags:        p.Tags(),
		Fields:      make(map[string]float64),
		TextFields:  make(map[string]string),
	}
	if row.Tags == nil {
		row.Tags = map[string]string{}
	}

	for k, v := range p.Fields() {
		switch val := v.(type) {
		case int:
			row.Fields[k] = float64(val)
		case int32:
			row.Fields[k] = float64(val)
		case int64:
			row.Fields[k] = float64(val)
		case uint32:
			row.Fields[k] = float64(val)
		case uint64:
			row.Fields[k] = float64(val)
		case float32:
			row.Fields[k] = float64(val)
		case float64:
			row.Fields[k] = val
		case bool:
			if val {
				row.Fields[k] = 1
			} else {
				row.Fields[k] = 0
			}
		case string:
			row.TextFields[k] = val
		default:
			row.TextFields[k] = fmt.Sprint(val)
		}
	}
	return row
}

// Repository handles ClickHouse data operations
type Repository struct {
	db    *sqlx.DB
	table string
	log   *zap.Logger
}

// NewRepository creates new ClickHouse repository
func NewRepository(db *sqlx.DB, table string, log *zap.Logger) (*Repository, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Repository{db: db, table: table, log: log}, nil
}

func (r *Repository) createTableQuery() string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp   DateTime64(9),
			measurement LowCardinality(String),
			tags        Map(String, String),
			fields      Map(String, Float64),
			text_fields Map(String, String)
		) ENGINE = MergeTree
		PARTITION BY toYYYYMMDD(timestamp)
		ORDER BY (measurement, timestamp)
	`, r.table)
}

func (r *Repository) insertQuery() string {
	return fmt.Sprintf(`
		INSERT INTO %s
		(timestamp, measurement, tags, fields, text_fields)
		VALUES (?, ?, ?, ?, ?)
	`, r.table)
}

// EnsureTable creates the points table when missing
func (r *Repository) EnsureTable(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, r.createTableQuery()); err != nil {
		return fmt.Errorf("failed to create table %s: %w", r.table, err)
	}
	return nil
}

// SaveRows inserts rows as one block. The driver sends the block on commit,
// so either all rows land or none.
func (r *Repository) SaveRows(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	stmt, err := tx.Preparex(r.insertQuery())
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		_, err = stmt.ExecContext(ctx,
			row.Timestamp,
			row.Measurement,
			row.Tags,
			row.Fields,
			row.TextFields,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert point: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.log.Debug("saved points to ClickHouse",
		zap.String("table", r.table),
		zap.Int("count", len(rows)),
	)

	return nil
}
