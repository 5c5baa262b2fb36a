package calendar

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"autotrader/internal/config"
)

// Instrument is the static per-instrument configuration the calendar needs.
type Instrument struct {
	Symbol       string
	DataLocation *time.Location
	Hours        TradingHours
}

// Calendar holds the trading hours of every configured instrument. It is
// immutable after construction and safe for concurrent use.
type Calendar struct {
	instruments map[string]Instrument
}

func New(instruments ...Instrument) *Calendar {
	c := &Calendar{instruments: make(map[string]Instrument, len(instruments))}
	for _, inst := range instruments {
		if inst.DataLocation == nil {
			inst.DataLocation = time.UTC
		}
		c.instruments[inst.Symbol] = inst
	}
	return c
}

// IsTradingHour reports whether instrument trades at the given instant.
// Unknown instruments never trade.
func (c *Calendar) IsTradingHour(instrument string, at time.Time) bool {
	if c == nil {
		return false
	}
	inst, ok := c.instruments[instrument]
	if !ok || inst.Hours == nil {
		return false
	}
	return inst.Hours.IsOpen(at)
}

// Location returns the timezone the broker reports instrument prices in.
func (c *Calendar) Location(instrument string) *time.Location {
	if c == nil {
		return time.UTC
	}
	if inst, ok := c.instruments[instrument]; ok && inst.DataLocation != nil {
		return inst.DataLocation
	}
	return time.UTC
}

func (c *Calendar) Instrument(symbol string) (Instrument, bool) {
	if c == nil {
		return Instrument{}, false
	}
	inst, ok := c.instruments[symbol]
	return inst, ok
}

func (c *Calendar) Has(symbol string) bool {
	_, ok := c.Instrument(symbol)
	return ok
}

func (c *Calendar) Symbols() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.instruments))
	for sym := range c.instruments {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// FromConfig builds a Calendar from the instruments section of the config.
func FromConfig(items []config.InstrumentConfig) (*Calendar, error) {
	out := make([]Instrument, 0, len(items))
	for _, item := range items {
		sym := strings.TrimSpace(item.Symbol)
		dataLoc := time.UTC
		if tz := strings.TrimSpace(item.DataTimezone); tz != "" {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return nil, fmt.Errorf("calendar: instrument %s: data timezone: %w", sym, err)
			}
			dataLoc = loc
		}
		hours, err := hoursFromConfig(item.TradingHours)
		if err != nil {
			return nil, fmt.Errorf("calendar: instrument %s: %w", sym, err)
		}
		out = append(out, Instrument{Symbol: sym, DataLocation: dataLoc, Hours: hours})
	}
	return New(out...), nil
}

func hoursFromConfig(cfg config.TradingHoursConfig) (TradingHours, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "daily":
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("trading hours timezone: %w", err)
		}
		if err := checkHour(cfg.OpenHour); err != nil {
			return nil, err
		}
		if err := checkHour(cfg.CloseHour); err != nil {
			return nil, err
		}
		return Daily{Location: loc, OpenHour: cfg.OpenHour, CloseHour: cfg.CloseHour}, nil
	case "weekly":
		openLoc, err := time.LoadLocation(cfg.OpenTimezone)
		if err != nil {
			return nil, fmt.Errorf("trading hours open timezone: %w", err)
		}
		closeLoc, err := time.LoadLocation(cfg.CloseTimezone)
		if err != nil {
			return nil, fmt.Errorf("trading hours close timezone: %w", err)
		}
		openDay, err := ParseWeekday(cfg.OpenDay)
		if err != nil {
			return nil, err
		}
		closeDay, err := ParseWeekday(cfg.CloseDay)
		if err != nil {
			return nil, err
		}
		if err := checkHour(cfg.OpenHour); err != nil {
			return nil, err
		}
		if err := checkHour(cfg.CloseHour); err != nil {
			return nil, err
		}
		return Weekly{
			OpenDay:       openDay,
			OpenHour:      cfg.OpenHour,
			OpenLocation:  openLoc,
			CloseDay:      closeDay,
			CloseHour:     cfg.CloseHour,
			CloseLocation: closeLoc,
		}, nil
	default:
		return nil, fmt.Errorf("unknown trading hours type %q", cfg.Type)
	}
}

func ParseWeekday(s string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if key == name || key == name[:3] {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("unknown weekday %q", s)
}

func checkHour(h int) error {
	if h < 0 || h > 24 {
		return fmt.Errorf("hour %d out of range", h)
	}
	return nil
}
