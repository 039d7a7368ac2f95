package metrics

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func namedPoint(name string) Point {
	return NewPoint("requestsRaw", map[string]string{"requestName": name}, map[string]interface{}{"count": 1}, time.Unix(0, 0))
}

func names(points []Point) []string {
	out := make([]string, 0, len(points))
	for _, p := range points {
		v, _ := p.Tag("requestName")
		out = append(out, v)
	}
	return out
}

func TestPointBuffer_AddDrain(t *testing.T) {
	buf := NewPointBuffer(4)

	assert.Equal(t, 1, buf.Add(namedPoint("A")))
	assert.Equal(t, 2, buf.Add(namedPoint("B")))
	assert.Equal(t, 2, buf.Len())

	drained := buf.Drain()
	assert.Equal(t, []string{"A", "B"}, names(drained))
	assert.Equal(t, 0, buf.Len())
	assert.Nil(t, buf.Drain(), "draining an empty buffer returns nil")
}

func TestPointBuffer_DrainedSliceIsDetached(t *testing.T) {
	buf := NewPointBuffer(4)
	buf.Add(namedPoint("A"))

	drained := buf.Drain()
	buf.Add(namedPoint("B"))

	assert.Equal(t, []string{"A"}, names(drained))
	assert.Equal(t, []string{"B"}, names(buf.Drain()))
}

func TestPointBuffer_RequeueKeepsOrder(t *testing.T) {
	buf := NewPointBuffer(0)
	buf.Add(namedPoint("A"))
	buf.Add(namedPoint("B"))

	batch := buf.Drain()
	buf.Add(namedPoint("C"))

	assert.Equal(t, 3, buf.Requeue(batch))
	assert.Equal(t, []string{"A", "B", "C"}, names(buf.Drain()))

	assert.Equal(t, 0, buf.Requeue(nil))
}

func TestPointBuffer_Reset(t *testing.T) {
	buf := NewPointBuffer(2)
	buf.Add(namedPoint("A"))
	buf.Add(namedPoint("B"))

	assert.Equal(t, 2, buf.Reset())
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, 1, buf.Add(namedPoint("C")))
}

func TestPointBuffer_ConcurrentAdd(t *testing.T) {
	buf := NewPointBuffer(0)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				buf.Add(namedPoint(fmt.Sprintf("%d-%d", w, i)))
			}
		}(w)
	}
	wg.Wait()

	drained := buf.Drain()
	require.Len(t, drained, 2000)

	seen := make(map[string]bool, len(drained))
	for _, n := range names(drained) {
		assert.False(t, seen[n], "duplicate point %s", n)
		seen[n] = true
	}
}

func TestPoint_Immutable(t *testing.T) {
	tags := map[string]string{"runId": "R001"}
	fields := map[string]interface{}{"count": 1}
	p := NewPoint("requestsRaw", tags, fields, time.Unix(10, 0))

	tags["runId"] = "changed"
	fields["count"] = 2
	p.Tags()["runId"] = "also changed"

	v, ok := p.Tag("runId")
	require.True(t, ok)
	assert.Equal(t, "R001", v)

	f, ok := p.Field("count")
	require.True(t, ok)
	assert.Equal(t, 1, f)
	assert.Equal(t, "requestsRaw", p.Measurement())
	assert.Equal(t, time.Unix(10, 0), p.Time())
}
