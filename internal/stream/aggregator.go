// Package stream smooths fragment delivery between the inference client
// and a consumer. Raw network chunks arrive at whatever granularity the
// transport produces; the aggregator rebuffers them so the consumer sees
// updates at a bounded cadence without losing a single byte.
package stream

import (
	"strings"
	"time"
)

// Defaults match the cadence a chat UI repaints comfortably at.
const (
	DefaultBufferSize    = 10 // characters
	DefaultFlushInterval = 50 * time.Millisecond
)

// Aggregator buffers text until either the size threshold or the flush
// interval is reached, then emits the buffered text to the sink in one
// piece. It is strictly single-goroutine: Push and Close must be called
// from the same goroutine, in order. The concatenation of everything
// emitted equals the concatenation of everything pushed.
type Aggregator struct {
	sink     func(string)
	limit    int
	interval time.Duration

	buf       strings.Builder
	lastFlush time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// New creates an aggregator delivering to sink. A limit or interval of
// zero (or less) selects the default.
func New(sink func(string), limit int, interval time.Duration) *Aggregator {
	if limit <= 0 {
		limit = DefaultBufferSize
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	a := &Aggregator{
		sink:     sink,
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
	a.lastFlush = a.now()
	return a
}

// Push appends text to the buffer and flushes if either threshold is met.
func (a *Aggregator) Push(text string) {
	if text == "" {
		return
	}
	a.buf.WriteString(text)

	if a.buf.Len() >= a.limit || a.now().Sub(a.lastFlush) >= a.interval {
		a.Flush()
	}
}

// Flush emits any buffered text immediately.
func (a *Aggregator) Flush() {
	if a.buf.Len() == 0 {
		a.lastFlush = a.now()
		return
	}
	out := a.buf.String()
	a.buf.Reset()
	a.lastFlush = a.now()
	a.sink(out)
}

// Close flushes unconditionally. Call it when the stream ends, whatever
// the reason, so trailing bytes are never dropped.
func (a *Aggregator) Close() {
	a.Flush()
}
