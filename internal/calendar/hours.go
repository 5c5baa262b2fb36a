// Package calendar decides whether an instrument is inside its trading session.
package calendar

import "time"

// TradingHours reports whether an instant falls inside a trading session.
type TradingHours interface {
	IsOpen(at time.Time) bool
}

// Daily is a Monday-to-Friday session between two whole hours in one timezone.
// The session is half-open: [OpenHour:00, CloseHour:00).
type Daily struct {
	Location  *time.Location
	OpenHour  int
	CloseHour int
}

func (d Daily) IsOpen(at time.Time) bool {
	if d.Location == nil {
		return false
	}
	local := at.In(d.Location)
	if isWeekend(local.Weekday()) {
		return false
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), d.OpenHour, 0, 0, 0, d.Location)
	closeAt := time.Date(local.Year(), local.Month(), local.Day(), d.CloseHour, 0, 0, 0, d.Location)
	return !local.Before(open) && local.Before(closeAt)
}

// Weekly is a continuous week-long session that opens on OpenDay in one
// timezone and closes on CloseDay in another, e.g. FX opening Monday in Sydney
// and closing Friday in New York.
//
// The instant is tradeable when the open-zone view is neither weekend nor
// before the open hour on the open day, or when the close-zone view is neither
// weekend nor at/after the close hour on the close day. A single-zone
// [open, close] comparison cannot express a session that spans the date line.
type Weekly struct {
	OpenDay       time.Weekday
	OpenHour      int
	OpenLocation  *time.Location
	CloseDay      time.Weekday
	CloseHour     int
	CloseLocation *time.Location
}

func (w Weekly) IsOpen(at time.Time) bool {
	if w.OpenLocation == nil || w.CloseLocation == nil {
		return false
	}
	openLocal := at.In(w.OpenLocation)
	closeLocal := at.In(w.CloseLocation)

	beforeOpen := openLocal.Weekday() == w.OpenDay && openLocal.Hour() < w.OpenHour
	afterClose := closeLocal.Weekday() == w.CloseDay && closeLocal.Hour() >= w.CloseHour

	openSide := !isWeekend(openLocal.Weekday()) && !beforeOpen
	closeSide := !isWeekend(closeLocal.Weekday()) && !afterClose
	return openSide || closeSide
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}
