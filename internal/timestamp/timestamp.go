// Package timestamp carries server-assigned modification times.
//
// The server speaks decimal seconds with exactly three fractional
// digits; internally every timestamp is an integer millisecond count so
// comparisons never touch floats.
package timestamp

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Timestamp is a server timestamp: milliseconds since the Unix epoch.
type Timestamp int64

// FromMillis wraps a raw millisecond count.
func FromMillis(ms int64) Timestamp { return Timestamp(ms) }

// FromSeconds converts the wire form (fractional seconds) rounding to
// millisecond precision.
func FromSeconds(s float64) Timestamp {
	return Timestamp(int64(math.Round(s * 1000)))
}

// Parse reads a header value such as "1634567890.123".
func Parse(s string) (Timestamp, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return FromSeconds(f), nil
}

// Now returns the local clock as a Timestamp. Only used for
// client-local metadata; server timestamps always come off the wire.
func Now() Timestamp {
	return Timestamp(time.Now().UnixMilli())
}

func (t Timestamp) Millis() int64 { return int64(t) }

// Seconds returns the float form. Lossy beyond millisecond precision
// by construction.
func (t Timestamp) Seconds() float64 { return float64(t) / 1000 }

// String renders the wire form: seconds with exactly three decimals.
func (t Timestamp) String() string {
	neg := ""
	v := int64(t)
	if v < 0 {
		neg = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%03d", neg, v/1000, v%1000)
}

// MarshalJSON emits the wire form as a JSON number.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalJSON accepts a JSON number of fractional seconds.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	ts, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = ts
	return nil
}
