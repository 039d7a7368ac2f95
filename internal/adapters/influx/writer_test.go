package influx

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/selivandex/loadmetrics/internal/adapters/config"
	"github.com/selivandex/loadmetrics/pkg/metrics"
	"github.com/selivandex/loadmetrics/pkg/sink"
)

type fakeInflux struct {
	mu       sync.Mutex
	bodies   []string
	queries  []url.Values
	auth     []string
	status   int
	pingCode int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		w.WriteHeader(f.pingCode)
	case "/api/v2/write":
		var reader io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			defer gz.Close()
			reader = gz
		}
		body, _ := io.ReadAll(reader)

		f.mu.Lock()
		f.bodies = append(f.bodies, string(body))
		f.queries = append(f.queries, r.URL.Query())
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		status := f.status
		f.mu.Unlock()

		if status != http.StatusNoContent {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"code":"invalid","message":"partial write: field type conflict"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newServer(t *testing.T) (*fakeInflux, config.InfluxConfig) {
	t.Helper()
	fake := &fakeInflux{status: http.StatusNoContent, pingCode: http.StatusNoContent}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return fake, config.InfluxConfig{
		Scheme: "http",
		Host:   u.Hostname(),
		Port:   port,
		Token:  "test-token",
		Org:    "performance_testing",
		Bucket: "jmeter",
		GZip:   true,
	}
}

func requestPoint(name string, ts time.Time) metrics.Point {
	return metrics.NewPoint("requestsRaw",
		map[string]string{"requestName": name, "runId": "R001"},
		map[string]interface{}{"count": 1, "responseTime": int64(42)},
		ts,
	)
}

func TestOpen_PingFailure(t *testing.T) {
	fake, cfg := newServer(t)
	fake.pingCode = http.StatusServiceUnavailable

	_, err := Open(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.True(t, sink.IsConnectionError(err))
}

func TestOpen_Unreachable(t *testing.T) {
	cfg := config.InfluxConfig{Scheme: "http", Host: "127.0.0.1", Port: 1, Token: "t", Org: "o", Bucket: "b"}

	_, err := Open(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.True(t, sink.IsConnectionError(err))
}

func TestWriter_WriteAll(t *testing.T) {
	fake, cfg := newServer(t)
	w, err := Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	ts := time.Unix(1700000000, 123456789)
	require.NoError(t, w.WriteAll(context.Background(), []metrics.Point{
		requestPoint("login", ts),
		requestPoint("logout", ts.Add(time.Millisecond)),
	}))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.bodies, 1, "one request per batch")

	lines := strings.Split(strings.TrimSpace(fake.bodies[0]), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "requestsRaw,requestName=login,runId=R001 "))
	assert.True(t, strings.HasSuffix(lines[0], " 1700000000123456789"))
	assert.Contains(t, lines[1], "requestName=logout")

	assert.Equal(t, "performance_testing", fake.queries[0].Get("org"))
	assert.Equal(t, "jmeter", fake.queries[0].Get("bucket"))
	assert.Equal(t, "Token test-token", fake.auth[0])
}

func TestWriter_EmptyBatch(t *testing.T) {
	fake, cfg := newServer(t)
	w, err := Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteAll(context.Background(), nil))
	assert.Empty(t, fake.bodies)
}

func TestWriter_Rejected(t *testing.T) {
	fake, cfg := newServer(t)
	w, err := Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	fake.mu.Lock()
	fake.status = http.StatusBadRequest
	fake.mu.Unlock()

	err = w.WriteAll(context.Background(), []metrics.Point{requestPoint("login", time.Now())})
	require.Error(t, err)
	assert.True(t, sink.IsWriteError(err))
	assert.Contains(t, err.Error(), "points=1")
}

func TestLineProtocol(t *testing.T) {
	ts := time.Unix(0, 5)
	p := metrics.NewPoint("testStartEnd",
		map[string]string{"type": "started", "nodeName": "Test-Node"},
		map[string]interface{}{"placeholder": "1"},
		ts,
	)

	assert.Equal(t, "testStartEnd,nodeName=Test-Node,type=started placeholder=\"1\" 5\n", LineProtocol([]metrics.Point{p}))
}
