package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// FieldError reports a field value that could not be parsed.
type FieldError struct {
	Field string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	return "field " + e.Field + ": " + strconv.Quote(e.Value) + ": " + e.Err.Error()
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// TimestampLayout is how timestamps are rendered in the Silver and Gold layers.
const TimestampLayout = "2006-01-02T15:04:05Z"

// ListSeparator joins multi-valued Silver cells.
const ListSeparator = "|"

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatTime(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format(TimestampLayout)
}

// ParseOptionalInt parses an integer cell. Blank means null. Values such as
// "30.0" are accepted when they carry no fraction.
func ParseOptionalInt(field, s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return &n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return nil, &FieldError{Field: field, Value: s, Err: eris.New("not an integer")}
	}
	n := int(f)
	return &n, nil
}

// ParseOptionalFloat parses a decimal cell. Blank means null.
func ParseOptionalFloat(field, s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, &FieldError{Field: field, Value: s, Err: eris.New("not a number")}
	}
	return &f, nil
}

// ParseOptionalTime parses a timestamp cell. Blank means null.
func ParseOptionalTime(field, s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		return nil, &FieldError{Field: field, Value: s, Err: err}
	}
	return &t, nil
}

func parseRequiredInt(field, s string) (int, error) {
	v, err := ParseOptionalInt(field, s)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	return *v, nil
}
