package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Watermark is a monotonic extraction cursor holding Unix seconds (UTC) of
// the source cursor field. Beginning marks the start of history.
type Watermark int64

// Beginning is the backfill starting point.
const Beginning Watermark = 0

// MaxWatermark is used as an open upper bound.
const MaxWatermark Watermark = 1<<63 - 1

// WatermarkFromTime converts a timestamp into a Watermark.
func WatermarkFromTime(t time.Time) Watermark {
	return Watermark(t.UTC().Unix())
}

// Time returns the watermark as a UTC timestamp.
func (w Watermark) Time() time.Time {
	return time.Unix(int64(w), 0).UTC()
}

// Key renders the watermark zero-padded so lexical order equals numeric order.
func (w Watermark) Key() string {
	return fmt.Sprintf("%020d", int64(w))
}

// String returns an RFC 3339 rendering.
func (w Watermark) String() string {
	return w.Time().Format(time.RFC3339)
}

// ParseWatermark accepts either an integer (Unix seconds) or any timestamp
// layout understood by ParseTimestamp.
func ParseWatermark(s string) (Watermark, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, eris.New("watermark: empty value")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, eris.Errorf("watermark: negative value %d", n)
		}
		return Watermark(n), nil
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		return 0, eris.Wrapf(err, "watermark: parse %q", s)
	}
	return WatermarkFromTime(t), nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006 03:04:05 PM",
	"2006-01-02",
}

// ParseTimestamp parses the timestamp formats the source API and the Silver
// layer emit. Values without a zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("unrecognized timestamp %q", s)
}
