package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/models"
)

// ActivityDateLayout is the broker's local (reporting zone) timestamp format.
const ActivityDateLayout = "2006-01-02T15:04:05"

type OpenPosition struct {
	DealID        string
	DealReference string
	Instrument    string
	Direction     models.Direction
	Size          decimal.Decimal
	Level         decimal.Decimal
	StopLevel     *decimal.Decimal
	LimitLevel    *decimal.Decimal
}

type DealStatus string

const (
	DealAccepted DealStatus = "ACCEPTED"
	DealRejected DealStatus = "REJECTED"
)

type DealConfirmation struct {
	DealID        string     `json:"dealId"`
	DealReference string     `json:"dealReference"`
	Status        DealStatus `json:"dealStatus"`
	Reason        string     `json:"reason"`
}

// Activity is a closing activity record. Values are kept as the broker sent
// them; callers decide how to handle unparseable levels or dates.
type Activity struct {
	DealID  string
	Date    string
	Details ActivityDetails
}

type ActivityDetails struct {
	Level string
}

type Price struct {
	Bid        *decimal.Decimal
	Ask        *decimal.Decimal
	LastTraded *decimal.Decimal
}

type PricePoint struct {
	Time   time.Time
	Open   Price
	High   Price
	Low    Price
	Close  Price
	Volume *decimal.Decimal
}

type OrderRequest struct {
	DealReference string
	Instrument    string
	Direction     models.Direction
	Size          decimal.Decimal
	StopLevel     *decimal.Decimal
	LimitLevel    *decimal.Decimal
	Currency      string
}

// --- wire -------------------------------------------------------------------

type positionsResponse struct {
	Positions []struct {
		Position struct {
			DealID        string          `json:"dealId"`
			DealReference string          `json:"dealReference"`
			Direction     string          `json:"direction"`
			Size          json.RawMessage `json:"size"`
			Level         json.RawMessage `json:"level"`
			StopLevel     json.RawMessage `json:"stopLevel"`
			LimitLevel    json.RawMessage `json:"limitLevel"`
		} `json:"position"`
		Market struct {
			Epic string `json:"epic"`
		} `json:"market"`
	} `json:"positions"`
}

type activityResponse struct {
	Activities []struct {
		Date    string `json:"date"`
		DealID  string `json:"dealId"`
		Details *struct {
			Level   json.RawMessage `json:"level"`
			Actions []struct {
				ActionType     string `json:"actionType"`
				AffectedDealID string `json:"affectedDealId"`
			} `json:"actions"`
		} `json:"details"`
	} `json:"activities"`
}

type wirePrice struct {
	Bid        json.RawMessage `json:"bid"`
	Ask        json.RawMessage `json:"ask"`
	LastTraded json.RawMessage `json:"lastTraded"`
}

type pricesResponse struct {
	Prices []struct {
		SnapshotTimeUTC  string          `json:"snapshotTimeUTC"`
		OpenPrice        wirePrice       `json:"openPrice"`
		HighPrice        wirePrice       `json:"highPrice"`
		LowPrice         wirePrice       `json:"lowPrice"`
		ClosePrice       wirePrice       `json:"closePrice"`
		LastTradedVolume json.RawMessage `json:"lastTradedVolume"`
	} `json:"prices"`
}

type orderPayload struct {
	Epic           string      `json:"epic"`
	Expiry         string      `json:"expiry"`
	Direction      string      `json:"direction"`
	Size           json.Number `json:"size"`
	OrderType      string      `json:"orderType"`
	CurrencyCode   string      `json:"currencyCode"`
	ForceOpen      bool        `json:"forceOpen"`
	GuaranteedStop bool        `json:"guaranteedStop"`
	StopLevel      json.Number `json:"stopLevel,omitempty"`
	LimitLevel     json.Number `json:"limitLevel,omitempty"`
	DealReference  string      `json:"dealReference"`
}

type dealReferenceResponse struct {
	DealReference string `json:"dealReference"`
}

// DirectionFromBroker maps BUY/SELL onto long/short.
func DirectionFromBroker(v string) (models.Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BUY":
		return models.DirectionLong, nil
	case "SELL":
		return models.DirectionShort, nil
	default:
		return "", fmt.Errorf("unknown direction %q", v)
	}
}

func directionToBroker(d models.Direction) (string, error) {
	switch d {
	case models.DirectionLong:
		return "BUY", nil
	case models.DirectionShort:
		return "SELL", nil
	default:
		return "", fmt.Errorf("unknown direction %q", d)
	}
}

// parseDecimal reads a JSON number or numeric string without going through
// float64. null and empty values return nil.
func parseDecimal(raw json.RawMessage) (*decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %s: %w", string(raw), err)
	}
	return &d, nil
}

func jsonNumber(d *decimal.Decimal) json.Number {
	if d == nil {
		return ""
	}
	return json.Number(d.String())
}

func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

func (w wirePrice) price() (Price, error) {
	var (
		p   Price
		err error
	)
	if p.Bid, err = parseDecimal(w.Bid); err != nil {
		return Price{}, err
	}
	if p.Ask, err = parseDecimal(w.Ask); err != nil {
		return Price{}, err
	}
	if p.LastTraded, err = parseDecimal(w.LastTraded); err != nil {
		return Price{}, err
	}
	return p, nil
}

// ParseActivityDate interprets an activity timestamp in the broker's reporting
// zone.
func ParseActivityDate(raw string, reporting *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty activity date")
	}
	if reporting == nil {
		reporting = time.UTC
	}
	for _, layout := range []string{ActivityDateLayout, "2006-01-02T15:04:05.000", "2006/01/02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, raw, reporting); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognised activity date %q", raw)
}
