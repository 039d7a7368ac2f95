package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/selivandex/loadmetrics/pkg/metrics"
)

type memWriter struct {
	written [][]metrics.Point
	closed  bool
	failed  error
}

func (w *memWriter) WriteAll(_ context.Context, points []metrics.Point) error {
	if w.failed != nil {
		return w.failed
	}
	w.written = append(w.written, points)
	return nil
}

func (w *memWriter) Close() error {
	w.closed = true
	return nil
}

func point() metrics.Point {
	return metrics.NewPoint("requestsRaw", map[string]string{"requestName": "login"}, map[string]interface{}{"count": 1}, time.Now())
}

func TestErrors_Unwrap(t *testing.T) {
	root := errors.New("dial tcp: refused")

	var err error = &ConnectionError{Backend: "influx", Target: "http://localhost:8086", Err: root}
	assert.True(t, IsConnectionError(err))
	assert.False(t, IsWriteError(err))
	assert.ErrorIs(t, err, root)
	assert.Contains(t, err.Error(), "backend=influx")

	err = &WriteError{Backend: "influx", Points: 3, Err: err}
	assert.True(t, IsWriteError(err))
	assert.True(t, IsConnectionError(err))
	assert.ErrorIs(t, err, root)
	assert.Contains(t, err.Error(), "points=3")
}

func TestReconnecting_OpensAtSetup(t *testing.T) {
	mem := &memWriter{}
	opens := 0
	r := NewReconnecting(context.Background(), "mem", func(context.Context) (metrics.Writer, error) {
		opens++
		return mem, nil
	}, zap.NewNop())

	assert.True(t, r.Connected())
	require.NoError(t, r.WriteAll(context.Background(), []metrics.Point{point()}))
	require.NoError(t, r.WriteAll(context.Background(), []metrics.Point{point(), point()}))

	assert.Equal(t, 1, opens)
	assert.Len(t, mem.written, 2)

	require.NoError(t, r.Close())
	assert.True(t, mem.closed)
	assert.False(t, r.Connected())
}

func TestReconnecting_RetriesAfterSetupFailure(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	mem := &memWriter{}
	down := true
	opens := 0

	r := NewReconnecting(context.Background(), "mem", func(context.Context) (metrics.Writer, error) {
		opens++
		if down {
			return nil, errors.New("connection refused")
		}
		return mem, nil
	}, zap.New(core))

	assert.False(t, r.Connected())
	assert.Equal(t, 1, logs.FilterMessage("sink unavailable at setup, will retry on next flush").Len())

	err := r.WriteAll(context.Background(), []metrics.Point{point()})
	require.Error(t, err)
	assert.True(t, IsWriteError(err))
	assert.True(t, IsConnectionError(err))
	assert.Equal(t, 2, opens)

	down = false
	require.NoError(t, r.WriteAll(context.Background(), []metrics.Point{point()}))
	assert.Equal(t, 3, opens)
	assert.True(t, r.Connected())
	assert.Len(t, mem.written, 1)
}

func TestReconnecting_CloseWithoutConnection(t *testing.T) {
	r := NewReconnecting(context.Background(), "mem", func(context.Context) (metrics.Writer, error) {
		return nil, &ConnectionError{Backend: "mem", Err: errors.New("down")}
	}, nil)
	assert.NoError(t, r.Close())
}

func TestReconnecting_WriteErrorPassesThrough(t *testing.T) {
	rejected := &WriteError{Backend: "mem", Points: 1, Err: errors.New("400 bad request")}
	mem := &memWriter{failed: rejected}
	r := NewReconnecting(context.Background(), "mem", func(context.Context) (metrics.Writer, error) {
		return mem, nil
	}, nil)

	err := r.WriteAll(context.Background(), []metrics.Point{point()})
	assert.Same(t, rejected, err)
	assert.True(t, r.Connected(), "a rejected write keeps the connection")
}

func TestReconnecting_NoReopenAfterClose(t *testing.T) {
	mem := &memWriter{}
	opens := 0
	r := NewReconnecting(context.Background(), "mem", func(context.Context) (metrics.Writer, error) {
		opens++
		return mem, nil
	}, nil)
	require.NoError(t, r.Close())
	assert.True(t, mem.closed)

	err := r.WriteAll(context.Background(), []metrics.Point{point()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.True(t, IsWriteError(err))
	assert.Equal(t, 1, opens, "closed writer does not reconnect")
	assert.False(t, r.Connected())
	assert.Empty(t, mem.written)
}
