package session

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// TimeLayout is the wire format for timestamps: ISO 8601 with microsecond
// precision and a mandatory UTC offset.
const TimeLayout = "2006-01-02T15:04:05.000000-07:00"

// EncodeTime renders a timestamp in the wire format.
func EncodeTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// DecodeTime parses a wire-format timestamp.
func DecodeTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// NewKey returns a url-safe opaque string built from n random bytes.
// 32 bytes yields the familiar 43-character credential strings.
func NewKey(n int) string {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand never fails on supported platforms.
		panic("session: rand.Read: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}
