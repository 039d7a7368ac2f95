// Package measurement turns load test events into metrics points.
package measurement

import (
	"math/rand"
	"strings"
	"time"

	"github.com/selivandex/loadmetrics/internal/threads"
	"github.com/selivandex/loadmetrics/pkg/metrics"
)

// Measurement names
const (
	Requests     = "requestsRaw"
	VirtualUsers = "virtualUsers"
	TestStartEnd = "testStartEnd"
)

// Tag keys
const (
	TagRequestName       = "requestName"
	TagRunID             = "runId"
	TagTestName          = "testName"
	TagNodeName          = "nodeName"
	TagResponseCode      = "responseCode"
	TagErrorMessage      = "errorMessage"
	TagErrorResponseBody = "errorResponseBody"
	TagResult            = "result"
	TagSampleType        = "sampleType"
	TagType              = "type"
)

// Field keys
const (
	FieldErrorCount        = "errorCount"
	FieldCount             = "count"
	FieldReceivedBytes     = "receivedBytes"
	FieldSentBytes         = "sentBytes"
	FieldResponseTime      = "responseTime"
	FieldLatency           = "latency"
	FieldConnectTime       = "connectTime"
	FieldProcessingTime    = "processingTime"
	FieldMinActiveThreads  = "minActiveThreads"
	FieldMeanActiveThreads = "meanActiveThreads"
	FieldMaxActiveThreads  = "maxActiveThreads"
	FieldStartedThreads    = "startedThreads"
	FieldFinishedThreads   = "finishedThreads"
	FieldPlaceholder       = "placeholder"
)

// Sentinel values
const (
	NoData         = "noData"
	EmptyErrorBody = "ErrorBodyIsEmpty."

	ResultPass = "pass"
	ResultFail = "fail"

	SampleTypeRequest = "request"
)

// Kind marks the start or the end of a test run
type Kind string

const (
	Started  Kind = "started"
	Finished Kind = "finished"
)

const nanosPerMilli = int64(time.Millisecond)

// SampleResult is one request outcome reported by the load tool. Times are
// in milliseconds.
type SampleResult struct {
	Label                   string         `json:"label"`
	ResponseCode            string         `json:"responseCode"`
	ErrorCount              int            `json:"errorCount"`
	SampleCount             int            `json:"sampleCount"`
	ReceivedBytes           int64          `json:"receivedBytes"`
	SentBytes               int64          `json:"sentBytes"`
	Elapsed                 int64          `json:"elapsed"`
	Latency                 int64          `json:"latency"`
	ConnectTime             int64          `json:"connectTime"`
	AssertionFailureMessage string         `json:"assertionFailureMessage,omitempty"`
	ResponseBody            string         `json:"responseBody,omitempty"`
	SampleType              string         `json:"sampleType,omitempty"`
	ActiveThreads           int            `json:"activeThreads"`
	SubResults              []SampleResult `json:"subResults,omitempty"`
}

// Failed reports whether the sample carries an error
func (r SampleResult) Failed() bool {
	return r.ErrorCount > 0 || r.AssertionFailureMessage != ""
}

// Builder builds points tagged with the identity of one test run. The zero
// value of Jitter uses math/rand.
type Builder struct {
	RunID              string
	TestName           string
	NodeName           string
	SaveErrorBody      bool
	ErrorBodyMaxLength int

	// Jitter returns the sub-millisecond offset added to request timestamps
	Jitter func() int64
}

func (b *Builder) runTags() map[string]string {
	return map[string]string{
		TagRunID:    orNoData(b.RunID),
		TagTestName: orNoData(b.TestName),
		TagNodeName: orNoData(b.NodeName),
	}
}

// RequestTime keeps millisecond precision of now and fills the remaining
// nanoseconds randomly, so samples finishing in the same millisecond do not
// overwrite each other in the time-series store.
func (b *Builder) RequestTime(now time.Time) time.Time {
	jitter := b.Jitter
	if jitter == nil {
		jitter = func() int64 { return rand.Int63n(nanosPerMilli) }
	}
	return time.Unix(0, now.UnixMilli()*nanosPerMilli+jitter())
}

// RequestPoint builds a requestsRaw point. It never fails; missing values
// are replaced by NoData.
func (b *Builder) RequestPoint(r SampleResult, ts time.Time) metrics.Point {
	tags := b.runTags()
	tags[TagRequestName] = orNoData(r.Label)
	tags[TagResponseCode] = orNoData(r.ResponseCode)
	tags[TagSampleType] = SampleTypeRequest
	if r.SampleType != "" {
		tags[TagSampleType] = r.SampleType
	}

	tags[TagResult] = ResultPass
	if r.Failed() {
		tags[TagResult] = ResultFail
		tags[TagErrorMessage] = orNoData(Truncate(Escape(r.AssertionFailureMessage), b.ErrorBodyMaxLength))
		if b.SaveErrorBody {
			tags[TagErrorResponseBody] = b.errorBody(r.ResponseBody)
		}
	}

	fields := map[string]interface{}{
		FieldErrorCount:     r.ErrorCount,
		FieldCount:          r.SampleCount,
		FieldReceivedBytes:  r.ReceivedBytes,
		FieldSentBytes:      r.SentBytes,
		FieldResponseTime:   r.Elapsed,
		FieldLatency:        r.Latency,
		FieldConnectTime:    r.ConnectTime,
		FieldProcessingTime: r.Latency - r.ConnectTime,
	}

	return metrics.NewPoint(Requests, tags, fields, ts)
}

func (b *Builder) errorBody(body string) string {
	escaped := Escape(body)
	if escaped == "" {
		return EmptyErrorBody
	}
	return Truncate(escaped, b.ErrorBodyMaxLength)
}

// VirtualUsersPoint builds a virtualUsers point from a thread snapshot
func (b *Builder) VirtualUsersPoint(s threads.Snapshot, ts time.Time) metrics.Point {
	return metrics.NewPoint(VirtualUsers, b.runTags(), map[string]interface{}{
		FieldMinActiveThreads:  s.Min,
		FieldMeanActiveThreads: s.Mean,
		FieldMaxActiveThreads:  s.Max,
		FieldStartedThreads:    s.Started,
		FieldFinishedThreads:   s.Finished,
	}, ts)
}

// TestStartEndPoint builds the testStartEnd marker
func (b *Builder) TestStartEndPoint(kind Kind, ts time.Time) metrics.Point {
	tags := b.runTags()
	tags[TagType] = string(kind)
	return metrics.NewPoint(TestStartEnd, tags, map[string]interface{}{
		FieldPlaceholder: "1",
	}, ts)
}

// Escape strips line breaks and surrounding whitespace
func Escape(s string) string {
	return strings.TrimSpace(strings.NewReplacer("\n", "", "\r", "").Replace(s))
}

// Truncate shortens s to at most n runes. n <= 0 leaves s unchanged.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func orNoData(s string) string {
	if s == "" {
		return NoData
	}
	return s
}

// Flatten returns results followed by their sub results, depth first, when
// withSub is set.
func Flatten(results []SampleResult, withSub bool) []SampleResult {
	if !withSub {
		return results
	}
	out := make([]SampleResult, 0, len(results))
	var walk func([]SampleResult)
	walk = func(rs []SampleResult) {
		for _, r := range rs {
			out = append(out, r)
			walk(r.SubResults)
		}
	}
	walk(results)
	return out
}
