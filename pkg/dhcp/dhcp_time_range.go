package dhcp

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

var timeLayouts = []string{
	time.RFC3339,
	"2006/01/02.15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"2006-01-02",
}

// ParseTime reads an absolute time in one of the supported layouts, taken
// in loc unless the layout carries a zone, or a duration relative to now
// such as "-1h".
func ParseTime(s string, now time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty time")
	}
	if s == "now" {
		return now, nil
	}
	if s[0] == '-' || s[0] == '+' {
		d, err := time.ParseDuration(s)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "relative time %q", s)
		}
		return now.Add(d), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognised time %q", s)
}

// ParseRange reads a search window. An empty start means the beginning of
// time and an empty end means now.
func ParseRange(start, end string, now time.Time, loc *time.Location) (time.Time, time.Time, error) {
	from := time.Unix(0, 0)
	to := now
	var err error
	if start != "" {
		if from, err = ParseTime(start, now, loc); err != nil {
			return time.Time{}, time.Time{}, errors.WithMessage(err, "start")
		}
	}
	if end != "" {
		if to, err = ParseTime(end, now, loc); err != nil {
			return time.Time{}, time.Time{}, errors.WithMessage(err, "end")
		}
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.Errorf("empty range %s - %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return from, to, nil
}
