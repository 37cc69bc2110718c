// Package intervalcursor implements the CDN cache-busting cursor used on
// StreamStore's HTTP surface. It is unrelated to eventstore's event_id
// cursor: this cursor is a short monotonic integer suitable for a cache
// key, not a stable identifier of a specific event.
package intervalcursor

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"
)

// IntervalSeconds is the width of one cursor interval.
const IntervalSeconds = 20

// Epoch is the reference point intervals are counted from.
var Epoch = time.Date(2024, time.October, 9, 0, 0, 0, 0, time.UTC)

// Calculate returns the interval index containing now.
func Calculate(now time.Time) int64 {
	return int64(now.Sub(Epoch).Seconds()) / IntervalSeconds
}

// Parse decodes a cursor string previously produced by Format.
func Parse(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor: %w", err)
	}
	return v, nil
}

// Format renders an interval index as its wire form.
func Format(interval int64) string {
	return strconv.FormatInt(interval, 10)
}

// GenerateResponseCursor computes the cursor value to hand back to a
// client, given the client's previously-seen cursor. It never returns a
// value less than clientCursor; if clientCursor is at or ahead of the
// current interval, the result is strictly greater (a random 1..3600s
// jitter, at least one interval, is added to the client's cursor) so
// repeated requests within one interval still observe forward progress for
// cache-busting purposes.
func GenerateResponseCursor(clientCursor int64, now time.Time) (int64, error) {
	current := Calculate(now)
	if clientCursor < current {
		return current, nil
	}
	jitter, err := randomJitterSeconds()
	if err != nil {
		return 0, fmt.Errorf("generate response cursor: %w", err)
	}
	step := jitter / IntervalSeconds
	if step < 1 {
		step = 1
	}
	return clientCursor + step, nil
}

// randomJitterSeconds returns a value in [1, 3600].
func randomJitterSeconds() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])%3600) + 1, nil
}
