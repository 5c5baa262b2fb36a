package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"autotrader/internal/config"
)

var ErrNoSession = errors.New("broker: no session credentials configured")

type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker: %s %s: http %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Client talks to an IG-style dealing REST API. Session tokens are obtained
// with Login and refreshed either lazily, on a 401, or by RunSessionRefresh.
type Client struct {
	baseURL    string
	apiKey     string
	username   string
	password   string
	accountID  string
	maxRetries int
	backoff    time.Duration

	http   *http.Client
	logger *zap.Logger

	mu            sync.RWMutex
	cst           string
	securityToken string
	loggedInAt    time.Time

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg config.BrokerConfig, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		username:   strings.TrimSpace(cfg.Username),
		password:   cfg.Password,
		accountID:  strings.TrimSpace(cfg.AccountID),
		maxRetries: retries,
		backoff:    cfg.RetryBackoff,
		http:       httpClient,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

func (c *Client) Login(ctx context.Context) error {
	if c.username == "" || c.password == "" {
		return ErrNoSession
	}
	payload, err := json.Marshal(map[string]any{
		"identifier": c.username,
		"password":   c.password,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("broker: login: %w", err)
	}
	c.setCommonHeaders(req, "2")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("broker: POST /session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Method: http.MethodPost, Path: "/session", Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	cst := resp.Header.Get("CST")
	xst := resp.Header.Get("X-SECURITY-TOKEN")
	if cst == "" || xst == "" {
		return errors.New("broker: login response missing session tokens")
	}

	c.mu.Lock()
	c.cst = cst
	c.securityToken = xst
	c.loggedInAt = time.Now()
	c.mu.Unlock()
	c.logger.Info("broker session established")
	return nil
}

// RunSessionRefresh logs in again every interval until ctx is cancelled.
// Failures are logged; the next request will retry the login lazily.
func (c *Client) RunSessionRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Login(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("broker session refresh failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) hasSession() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cst != "" && c.securityToken != ""
}

func (c *Client) clearSession() {
	c.mu.Lock()
	c.cst = ""
	c.securityToken = ""
	c.mu.Unlock()
}

func (c *Client) ensureSession(ctx context.Context) error {
	if c.hasSession() {
		return nil
	}
	return c.Login(ctx)
}

type request struct {
	method  string
	path    string
	query   url.Values
	version string
	body    any
}

// do sends req with session headers. Transport errors and 5xx responses are
// retried with linear backoff; a 401 triggers a single re-login.
func (c *Client) do(ctx context.Context, req request, out any) error {
	var payload []byte
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("broker: %s %s: encode: %w", req.method, req.path, err)
		}
		payload = b
	}

	relogged := false
	for attempt := 0; ; {
		if err := c.ensureSession(ctx); err != nil {
			return err
		}
		status, body, err := c.send(ctx, req, payload)
		if err != nil {
			if ctx.Err() != nil || attempt >= c.maxRetries {
				return fmt.Errorf("broker: %s %s: %w", req.method, req.path, err)
			}
			attempt++
			if err := c.wait(ctx, attempt, req, err.Error()); err != nil {
				return err
			}
			continue
		}
		if status == http.StatusUnauthorized && !relogged {
			relogged = true
			c.clearSession()
			continue
		}
		if status >= 500 && attempt < c.maxRetries {
			attempt++
			if err := c.wait(ctx, attempt, req, fmt.Sprintf("http %d", status)); err != nil {
				return err
			}
			continue
		}
		if status < 200 || status >= 300 {
			return &APIError{Method: req.method, Path: req.path, Status: status, Body: strings.TrimSpace(string(body))}
		}
		if out == nil || len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("broker: %s %s: decode: %w", req.method, req.path, err)
		}
		return nil
	}
}

func (c *Client) wait(ctx context.Context, attempt int, req request, reason string) error {
	delay := c.backoff * time.Duration(attempt)
	c.logger.Warn("broker request retry",
		zap.String("method", req.method),
		zap.String("path", req.path),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.String("reason", reason),
	)
	if err := c.sleep(ctx, delay); err != nil {
		return fmt.Errorf("broker: %s %s: %w", req.method, req.path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, req request, payload []byte) (int, []byte, error) {
	fullURL := c.baseURL + req.path
	if len(req.query) > 0 {
		fullURL += "?" + req.query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.method, fullURL, reader)
	if err != nil {
		return 0, nil, err
	}
	c.setCommonHeaders(hreq, req.version)
	c.mu.RLock()
	hreq.Header.Set("CST", c.cst)
	hreq.Header.Set("X-SECURITY-TOKEN", c.securityToken)
	c.mu.RUnlock()

	resp, err := c.http.Do(hreq)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func (c *Client) setCommonHeaders(req *http.Request, version string) {
	req.Header.Set("Accept", "application/json; charset=UTF-8")
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-IG-API-KEY", c.apiKey)
	if version != "" {
		req.Header.Set("Version", version)
	}
	if c.accountID != "" {
		req.Header.Set("IG-ACCOUNT-ID", c.accountID)
	}
}

// --- operations -------------------------------------------------------------

func (c *Client) GetAllOpenPositions(ctx context.Context) ([]OpenPosition, error) {
	var resp positionsResponse
	if err := c.do(ctx, request{method: http.MethodGet, path: "/positions", version: "2"}, &resp); err != nil {
		return nil, err
	}
	out := make([]OpenPosition, 0, len(resp.Positions))
	for _, item := range resp.Positions {
		p := item.Position
		dir, err := DirectionFromBroker(p.Direction)
		if err != nil {
			return nil, fmt.Errorf("broker: position %s: %w", p.DealID, err)
		}
		size, err := requireDecimal(p.Size)
		if err != nil {
			return nil, fmt.Errorf("broker: position %s: size: %w", p.DealID, err)
		}
		level, err := requireDecimal(p.Level)
		if err != nil {
			return nil, fmt.Errorf("broker: position %s: level: %w", p.DealID, err)
		}
		stop, err := parseDecimal(p.StopLevel)
		if err != nil {
			return nil, fmt.Errorf("broker: position %s: stop level: %w", p.DealID, err)
		}
		limit, err := parseDecimal(p.LimitLevel)
		if err != nil {
			return nil, fmt.Errorf("broker: position %s: limit level: %w", p.DealID, err)
		}
		out = append(out, OpenPosition{
			DealID:        p.DealID,
			DealReference: p.DealReference,
			Instrument:    item.Market.Epic,
			Direction:     dir,
			Size:          size,
			Level:         level,
			StopLevel:     stop,
			LimitLevel:    limit,
		})
	}
	return out, nil
}

func (c *Client) ConfirmDealStatus(ctx context.Context, dealReference string) (DealConfirmation, error) {
	dealReference = strings.TrimSpace(dealReference)
	if dealReference == "" {
		return DealConfirmation{}, errors.New("broker: deal reference is required")
	}
	var resp DealConfirmation
	path := "/confirms/" + url.PathEscape(dealReference)
	if err := c.do(ctx, request{method: http.MethodGet, path: path, version: "1"}, &resp); err != nil {
		return DealConfirmation{}, err
	}
	return resp, nil
}

// GetClosedPositionsActivity fetches closing activity for all dealIDs in one
// call. Deals without a closing record are absent from the result.
func (c *Client) GetClosedPositionsActivity(ctx context.Context, dealIDs []string, since time.Time) (map[string]Activity, error) {
	ids := uniqueSorted(dealIDs)
	out := make(map[string]Activity, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	wanted := make(map[string]struct{}, len(ids))
	filters := make([]string, 0, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
		filters = append(filters, "dealId=="+id)
	}
	query := url.Values{}
	query.Set("detailed", "true")
	query.Set("filter", strings.Join(filters, ","))
	if !since.IsZero() {
		query.Set("from", since.UTC().Format(ActivityDateLayout))
	}
	query.Set("pageSize", strconv.Itoa(500))

	var resp activityResponse
	if err := c.do(ctx, request{method: http.MethodGet, path: "/history/activity", query: query, version: "3"}, &resp); err != nil {
		return nil, err
	}
	for _, a := range resp.Activities {
		if a.Details == nil {
			continue
		}
		target := ""
		for _, act := range a.Details.Actions {
			if act.ActionType != "POSITION_CLOSED" && act.ActionType != "POSITION_PARTIALLY_CLOSED" {
				continue
			}
			id := act.AffectedDealID
			if id == "" {
				id = a.DealID
			}
			if _, ok := wanted[id]; ok {
				target = id
				break
			}
		}
		if target == "" {
			continue
		}
		if _, seen := out[target]; seen {
			continue
		}
		out[target] = Activity{
			DealID:  target,
			Date:    a.Date,
			Details: ActivityDetails{Level: rawString(a.Details.Level)},
		}
	}
	return out, nil
}

// GetHistoricalPrices returns up to count most recent points, oldest first.
func (c *Client) GetHistoricalPrices(ctx context.Context, instrument, resolution string, count int) ([]PricePoint, error) {
	instrument = strings.TrimSpace(instrument)
	if instrument == "" {
		return nil, errors.New("broker: instrument is required")
	}
	if count <= 0 {
		count = 1
	}
	query := url.Values{}
	query.Set("resolution", resolution)
	query.Set("max", strconv.Itoa(count))
	query.Set("pageSize", strconv.Itoa(count))

	var resp pricesResponse
	path := "/prices/" + url.PathEscape(instrument)
	if err := c.do(ctx, request{method: http.MethodGet, path: path, query: query, version: "3"}, &resp); err != nil {
		return nil, err
	}
	out := make([]PricePoint, 0, len(resp.Prices))
	for _, p := range resp.Prices {
		ts, err := time.ParseInLocation(ActivityDateLayout, p.SnapshotTimeUTC, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("broker: price time %q: %w", p.SnapshotTimeUTC, err)
		}
		point := PricePoint{Time: ts}
		if point.Open, err = p.OpenPrice.price(); err != nil {
			return nil, fmt.Errorf("broker: open price: %w", err)
		}
		if point.High, err = p.HighPrice.price(); err != nil {
			return nil, fmt.Errorf("broker: high price: %w", err)
		}
		if point.Low, err = p.LowPrice.price(); err != nil {
			return nil, fmt.Errorf("broker: low price: %w", err)
		}
		if point.Close, err = p.ClosePrice.price(); err != nil {
			return nil, fmt.Errorf("broker: close price: %w", err)
		}
		if point.Volume, err = parseDecimal(p.LastTradedVolume); err != nil {
			return nil, fmt.Errorf("broker: volume: %w", err)
		}
		out = append(out, point)
	}
	return out, nil
}

func (c *Client) PlaceOrder(ctx context.Context, order OrderRequest) (string, error) {
	dir, err := directionToBroker(order.Direction)
	if err != nil {
		return "", fmt.Errorf("broker: place order: %w", err)
	}
	if !order.Size.GreaterThan(decimal.Zero) {
		return "", errors.New("broker: place order: size must be positive")
	}
	currency := order.Currency
	if currency == "" {
		currency = "USD"
	}
	payload := orderPayload{
		Epic:          order.Instrument,
		Expiry:        "-",
		Direction:     dir,
		Size:          json.Number(order.Size.String()),
		OrderType:     "MARKET",
		CurrencyCode:  currency,
		ForceOpen:     true,
		StopLevel:     jsonNumber(order.StopLevel),
		LimitLevel:    jsonNumber(order.LimitLevel),
		DealReference: order.DealReference,
	}
	var resp dealReferenceResponse
	if err := c.do(ctx, request{method: http.MethodPost, path: "/positions/otc", version: "2", body: payload}, &resp); err != nil {
		return "", err
	}
	if resp.DealReference == "" {
		resp.DealReference = order.DealReference
	}
	return resp.DealReference, nil
}

func requireDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	d, err := parseDecimal(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if d == nil {
		return decimal.Zero, errors.New("missing value")
	}
	return *d, nil
}

func uniqueSorted(items []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(items))
	for _, raw := range items {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
