package holo

import (
	"encoding/json"
	"time"
)

// Timestamp is signed microseconds since the Unix epoch, matching the wire
// representation used by actions, ops, and warrants (§3). It is distinct
// from time.Time so that equality, ordering, and canonical-JSON encoding are
// all exact integer operations — no monotonic-clock reading, no timezone.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return TimestampFromTime(time.Now())
}

// TimestampFromTime converts a time.Time to microsecond-precision Timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMicro())
}

// Time converts back to a time.Time (UTC).
func (t Timestamp) Time() time.Time {
	return time.UnixMicro(int64(t)).UTC()
}

// Before reports whether t is strictly earlier than other.
func (t Timestamp) Before(other Timestamp) bool { return t < other }

// After reports whether t is strictly later than other.
func (t Timestamp) After(other Timestamp) bool { return t > other }

// Add returns t shifted by d.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(d.Microseconds())
}

var _ json.Marshaler = Timestamp(0)

// MarshalJSON encodes the timestamp as its raw integer microsecond value so
// canonicalization (§B, JCS) is exact.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(t))
}
