// Package backend picks the sink implementation named in the configuration.
package backend

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/selivandex/loadmetrics/internal/adapters/clickhouse"
	"github.com/selivandex/loadmetrics/internal/adapters/config"
	"github.com/selivandex/loadmetrics/internal/adapters/database"
	"github.com/selivandex/loadmetrics/internal/adapters/influx"
	"github.com/selivandex/loadmetrics/pkg/metrics"
)

// NewOpener returns the opener for cfg.Sink.Backend
func NewOpener(cfg *config.Config, log *zap.Logger) (metrics.Opener, error) {
	switch cfg.Sink.Backend {
	case config.BackendInflux:
		return influx.Opener(cfg.Influx, log.Named("influx")), nil
	case config.BackendClickHouse:
		return clickhouse.Opener(cfg.ClickHouse, log.Named("clickhouse")), nil
	case config.BackendTimescale:
		return database.Opener(cfg.Database, log.Named("timescale")), nil
	default:
		return nil, &config.ConfigurationError{Key: "sink.backend", Reason: fmt.Sprintf("unknown backend %q", cfg.Sink.Backend)}
	}
}
