package measurement

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/loadmetrics/internal/threads"
)

func newBuilder() *Builder {
	return &Builder{
		RunID:              "R001",
		TestName:           "Test",
		NodeName:           "Test-Node",
		SaveErrorBody:      true,
		ErrorBodyMaxLength: 16,
		Jitter:             func() int64 { return 777 },
	}
}

func tag(t *testing.T, tags map[string]string, key string) string {
	t.Helper()
	v, ok := tags[key]
	require.True(t, ok, "missing tag %s", key)
	return v
}

func TestRequestPoint_Success(t *testing.T) {
	ts := time.Unix(100, 0)
	p := newBuilder().RequestPoint(SampleResult{
		Label:         "login",
		ResponseCode:  "200",
		SampleCount:   1,
		ReceivedBytes: 512,
		SentBytes:     128,
		Elapsed:       120,
		Latency:       90,
		ConnectTime:   15,
	}, ts)

	assert.Equal(t, Requests, p.Measurement())
	assert.Equal(t, ts, p.Time())

	tags := p.Tags()
	assert.Equal(t, "login", tag(t, tags, TagRequestName))
	assert.Equal(t, "R001", tag(t, tags, TagRunID))
	assert.Equal(t, "Test", tag(t, tags, TagTestName))
	assert.Equal(t, "Test-Node", tag(t, tags, TagNodeName))
	assert.Equal(t, "200", tag(t, tags, TagResponseCode))
	assert.Equal(t, ResultPass, tag(t, tags, TagResult))
	assert.Equal(t, SampleTypeRequest, tag(t, tags, TagSampleType))
	assert.NotContains(t, tags, TagErrorMessage)
	assert.NotContains(t, tags, TagErrorResponseBody)

	fields := p.Fields()
	assert.Equal(t, 0, fields[FieldErrorCount])
	assert.Equal(t, 1, fields[FieldCount])
	assert.Equal(t, int64(512), fields[FieldReceivedBytes])
	assert.Equal(t, int64(128), fields[FieldSentBytes])
	assert.Equal(t, int64(120), fields[FieldResponseTime])
	assert.Equal(t, int64(90), fields[FieldLatency])
	assert.Equal(t, int64(15), fields[FieldConnectTime])
	assert.Equal(t, int64(75), fields[FieldProcessingTime])
}

func TestRequestPoint_Failure(t *testing.T) {
	b := newBuilder()
	p := b.RequestPoint(SampleResult{
		Label:                   "checkout",
		ResponseCode:            "500",
		ErrorCount:              1,
		SampleCount:             1,
		AssertionFailureMessage: "expected 200\r\n",
		ResponseBody:            "  internal\nserver error, please retry  ",
		SampleType:              "transaction",
	}, time.Now())

	tags := p.Tags()
	assert.Equal(t, ResultFail, tag(t, tags, TagResult))
	assert.Equal(t, "expected 200", tag(t, tags, TagErrorMessage))
	assert.Equal(t, "internalserver e", tag(t, tags, TagErrorResponseBody))
	assert.Equal(t, "transaction", tag(t, tags, TagSampleType))
}

func TestRequestPoint_FailureBodyOptions(t *testing.T) {
	failed := SampleResult{Label: "x", ErrorCount: 1, ResponseBody: " \r\n "}

	b := newBuilder()
	assert.Equal(t, EmptyErrorBody, tag(t, b.RequestPoint(failed, time.Now()).Tags(), TagErrorResponseBody))
	assert.Equal(t, NoData, tag(t, b.RequestPoint(failed, time.Now()).Tags(), TagErrorMessage))

	b.SaveErrorBody = false
	assert.NotContains(t, b.RequestPoint(failed, time.Now()).Tags(), TagErrorResponseBody)
}

func TestRequestPoint_MissingValuesUseNoData(t *testing.T) {
	p := (&Builder{}).RequestPoint(SampleResult{}, time.Now())
	tags := p.Tags()
	for _, key := range []string{TagRequestName, TagResponseCode, TagRunID, TagTestName, TagNodeName} {
		assert.Equal(t, NoData, tags[key], key)
	}
}

func TestRequestTime(t *testing.T) {
	now := time.Unix(1700000000, 456_789_123)
	ts := newBuilder().RequestTime(now)
	assert.Equal(t, int64(1700000000_456_000_777), ts.UnixNano())

	b := &Builder{}
	for i := 0; i < 100; i++ {
		got := b.RequestTime(now)
		assert.Equal(t, now.UnixMilli(), got.UnixMilli())
	}
}

func TestVirtualUsersPoint(t *testing.T) {
	p := newBuilder().VirtualUsersPoint(threads.Snapshot{Min: 1, Mean: 3, Max: 5, Started: 10, Finished: 2}, time.Unix(5, 0))

	assert.Equal(t, VirtualUsers, p.Measurement())
	assert.Equal(t, map[string]string{TagRunID: "R001", TagTestName: "Test", TagNodeName: "Test-Node"}, p.Tags())
	assert.Equal(t, map[string]interface{}{
		FieldMinActiveThreads:  1,
		FieldMeanActiveThreads: 3,
		FieldMaxActiveThreads:  5,
		FieldStartedThreads:    10,
		FieldFinishedThreads:   2,
	}, p.Fields())
}

func TestTestStartEndPoint(t *testing.T) {
	for _, kind := range []Kind{Started, Finished} {
		p := newBuilder().TestStartEndPoint(kind, time.Now())
		assert.Equal(t, TestStartEnd, p.Measurement())
		assert.Equal(t, string(kind), p.Tags()[TagType])
		assert.Equal(t, map[string]interface{}{FieldPlaceholder: "1"}, p.Fields())
	}
}

func TestEscapeAndTruncate(t *testing.T) {
	assert.Equal(t, "ab c", Escape("\r\n a\nb c \r"))
	assert.Equal(t, "", Escape("\n\r  "))

	assert.Equal(t, "abc", Truncate("abc", 3))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "abc", Truncate("abc", 0))
	assert.Equal(t, "привет", Truncate("привет мир", 6))
	assert.Equal(t, strings.Repeat("x", 5), Truncate(strings.Repeat("x", 50), 5))
}

func TestFlatten(t *testing.T) {
	results := []SampleResult{
		{Label: "tx", SubResults: []SampleResult{
			{Label: "a"},
			{Label: "b", SubResults: []SampleResult{{Label: "b1"}}},
		}},
		{Label: "c"},
	}

	labels := func(rs []SampleResult) []string {
		out := make([]string, len(rs))
		for i, r := range rs {
			out[i] = r.Label
		}
		return out
	}

	assert.Equal(t, []string{"tx", "a", "b", "b1", "c"}, labels(Flatten(results, true)))
	assert.Equal(t, []string{"tx", "c"}, labels(Flatten(results, false)))
}
