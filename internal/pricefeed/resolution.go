package pricefeed

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

var ErrUnsupportedResolution = errors.New("unsupported resolution")

type Resolution string

const (
	Minute   Resolution = "MINUTE"
	Minute2  Resolution = "MINUTE_2"
	Minute3  Resolution = "MINUTE_3"
	Minute5  Resolution = "MINUTE_5"
	Minute10 Resolution = "MINUTE_10"
	Minute15 Resolution = "MINUTE_15"
	Minute30 Resolution = "MINUTE_30"
	Hour     Resolution = "HOUR"
	Hour2    Resolution = "HOUR_2"
	Hour3    Resolution = "HOUR_3"
	Hour4    Resolution = "HOUR_4"
	Day      Resolution = "DAY"
	Week     Resolution = "WEEK"
	Month    Resolution = "MONTH"
)

type bucket struct {
	minutes int
	hours   int
	unit    string
	expr    string
}

var buckets = map[Resolution]bucket{
	Minute:   {minutes: 1, expr: "* * * * *"},
	Minute2:  {minutes: 2, expr: "*/2 * * * *"},
	Minute3:  {minutes: 3, expr: "*/3 * * * *"},
	Minute5:  {minutes: 5, expr: "*/5 * * * *"},
	Minute10: {minutes: 10, expr: "*/10 * * * *"},
	Minute15: {minutes: 15, expr: "*/15 * * * *"},
	Minute30: {minutes: 30, expr: "*/30 * * * *"},
	Hour:     {hours: 1, expr: "0 * * * *"},
	Hour2:    {hours: 2, expr: "0 */2 * * *"},
	Hour3:    {hours: 3, expr: "0 */3 * * *"},
	Hour4:    {hours: 4, expr: "0 */4 * * *"},
	Day:      {unit: "day", expr: "0 0 * * *"},
	Week:     {unit: "week", expr: "0 0 * * 1"},
	Month:    {unit: "month", expr: "0 0 1 * *"},
}

func ParseResolution(raw string) (Resolution, error) {
	r := Resolution(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := buckets[r]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedResolution, raw)
	}
	return r, nil
}

func (r Resolution) String() string { return string(r) }

// Expr is the five-field cron expression whose matches are the bucket starts.
func (r Resolution) Expr() (string, error) {
	b, ok := buckets[r]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedResolution, string(r))
	}
	return b.expr, nil
}

// IsBoundary reports whether now, viewed in loc, is the first minute of a
// bucket.
func (r Resolution) IsBoundary(now time.Time, loc *time.Location) (bool, error) {
	expr, err := r.Expr()
	if err != nil {
		return false, err
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	local = time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), 0, 0, loc)
	return gronx.New().IsDue(expr, local)
}

// Floor returns the start of the bucket containing t, aligned in loc.
func (r Resolution) Floor(t time.Time, loc *time.Location) (time.Time, error) {
	b, ok := buckets[r]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnsupportedResolution, string(r))
	}
	if loc == nil {
		loc = time.UTC
	}
	l := t.In(loc)
	y, m, d := l.Date()
	switch {
	case b.minutes > 0:
		return time.Date(y, m, d, l.Hour(), l.Minute()-l.Minute()%b.minutes, 0, 0, loc), nil
	case b.hours > 0:
		return time.Date(y, m, d, l.Hour()-l.Hour()%b.hours, 0, 0, 0, loc), nil
	case b.unit == "day":
		return time.Date(y, m, d, 0, 0, 0, 0, loc), nil
	case b.unit == "week":
		back := (int(l.Weekday()) + 6) % 7
		return time.Date(y, m, d-back, 0, 0, 0, 0, loc), nil
	default:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc), nil
	}
}
