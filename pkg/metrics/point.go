package metrics

import (
	"maps"
	"time"
)

// Point is a single measurement ready for a sink: a measurement name, a tag
// set, a field set and a timestamp. A Point never changes after NewPoint;
// accessors hand out copies.
type Point struct {
	measurement string
	tags        map[string]string
	fields      map[string]interface{}
	ts          time.Time
}

// NewPoint creates a point, copying tags and fields so later changes by the
// caller do not leak into buffered data.
func NewPoint(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) Point {
	return Point{
		measurement: measurement,
		tags:        maps.Clone(tags),
		fields:      maps.Clone(fields),
		ts:          ts,
	}
}

// Measurement returns the measurement name
func (p Point) Measurement() string { return p.measurement }

// Time returns the point timestamp
func (p Point) Time() time.Time { return p.ts }

// Tags returns a copy of the tag set
func (p Point) Tags() map[string]string { return maps.Clone(p.tags) }

// Fields returns a copy of the field set
func (p Point) Fields() map[string]interface{} { return maps.Clone(p.fields) }

// Tag returns a single tag value
func (p Point) Tag(key string) (string, bool) {
	v, ok := p.tags[key]
	return v, ok
}

// Field returns a single field value
func (p Point) Field(key string) (interface{}, bool) {
	v, ok := p.fields[key]
	return v, ok
}
