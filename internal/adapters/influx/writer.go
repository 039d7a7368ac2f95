// Package influx delivers points to an InfluxDB 2 bucket through the
// blocking write API.
package influx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/selivandex/loadmetrics/internal/adapters/config"
	"github.com/selivandex/loadmetrics/pkg/metrics"
	"github.com/selivandex/loadmetrics/pkg/sink"
)

// Backend names this sink in logs and errors
const Backend = "influxdb"

const requestTimeoutSeconds = 20

// Writer writes point batches to one org/bucket
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	url      string
	log      *zap.Logger
}

var _ metrics.Writer = (*Writer)(nil)

// Open creates a client and pings the server. An unreachable server yields
// a *sink.ConnectionError.
func Open(ctx context.Context, cfg config.InfluxConfig, log *zap.Logger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}

	serverURL := cfg.URL()
	opts := influxdb2.DefaultOptions().
		SetUseGZip(cfg.GZip).
		SetPrecision(time.Nanosecond).
		SetHTTPRequestTimeout(requestTimeoutSeconds)

	client := influxdb2.NewClientWithOptions(serverURL, cfg.Token, opts)

	ok, err := client.Ping(ctx)
	if err == nil && !ok {
		err = errors.New("server did not answer ping")
	}
	if err != nil {
		client.Close()
		return nil, &sink.ConnectionError{Backend: Backend, Target: serverURL, Err: err}
	}

	log.Info("influxdb connection established",
		zap.String("url", serverURL),
		zap.String("org", cfg.Org),
		zap.String("bucket", cfg.Bucket),
		zap.Bool("gzip", cfg.GZip),
	)

	return &Writer{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		url:      serverURL,
		log:      log,
	}, nil
}

// Opener adapts Open to metrics.Opener
func Opener(cfg config.InfluxConfig, log *zap.Logger) metrics.Opener {
	return func(ctx context.Context) (metrics.Writer, error) {
		return Open(ctx, cfg, log)
	}
}

// WriteAll sends the batch in a single request
func (w *Writer) WriteAll(ctx context.Context, points []metrics.Point) error {
	if len(points) == 0 {
		return nil
	}

	if err := w.writeAPI.WritePoint(ctx, ToInflux(points)...); err != nil {
		return &sink.WriteError{Backend: Backend, Points: len(points), Err: err}
	}
	return nil
}

// Close releases the HTTP client
func (w *Writer) Close() error {
	w.log.Info("closing influxdb connection", zap.String("url", w.url))
	w.client.Close()
	return nil
}

// ToInflux converts points to the client representation
func ToInflux(points []metrics.Point) []*write.Point {
	out := make([]*write.Point, len(points))
	for i, p := range points {
		out[i] = write.NewPoint(p.Measurement(), p.Tags(), p.Fields(), p.Time())
	}
	return out
}

// LineProtocol renders points as newline separated line protocol with
// nanosecond timestamps.
func LineProtocol(points []metrics.Point) string {
	var b strings.Builder
	for _, p := range ToInflux(points) {
		b.WriteString(write.PointToLineProtocol(p, time.Nanosecond))
	}
	return b.String()
}

// String implements fmt.Stringer
func (w *Writer) String() string {
	return fmt.Sprintf("influx(%s)", w.url)
}
