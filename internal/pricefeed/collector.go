package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/client/broker"
	"autotrader/internal/logger"
	"autotrader/internal/models"
)

var ErrSnapshotNotObtained = errors.New("snapshot not obtained")

type SnapshotNotObtainedError struct {
	Instrument string
	Resolution Resolution
	Target     time.Time
	Attempts   int
}

func (e *SnapshotNotObtainedError) Error() string {
	return fmt.Sprintf("%s: %s %s at %s after %d attempts",
		ErrSnapshotNotObtained, e.Instrument, e.Resolution, e.Target.Format(time.RFC3339), e.Attempts)
}

func (e *SnapshotNotObtainedError) Unwrap() error { return ErrSnapshotNotObtained }

var DefaultRetryDelays = []time.Duration{time.Minute, 2 * time.Minute, 5 * time.Minute, 10 * time.Minute}

const DefaultMaxAttempts = 4

type PriceSource interface {
	GetHistoricalPrices(ctx context.Context, instrument, resolution string, count int) ([]broker.PricePoint, error)
}

type SnapshotStore interface {
	InsertPriceSnapshot(ctx context.Context, item *models.PriceSnapshot) (bool, error)
}

type TradingCalendar interface {
	Has(instrument string) bool
	IsTradingHour(instrument string, at time.Time) bool
	Location(instrument string) *time.Location
}

// Collector polls the broker for the snapshot that closes each subscribed
// bucket. Tick is meant to run once a minute.
type Collector struct {
	Source   PriceSource
	Store    SnapshotStore
	Registry *Registry
	Calendar TradingCalendar
	Logger   *zap.Logger

	MaxAttempts int
	RetryDelays []time.Duration

	// Sleep waits between attempts; tests replace it with simulated time.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnFailure is called for every collection task that fails.
	OnFailure func(ctx context.Context, key Key, err error)

	wg      sync.WaitGroup
	unknown sync.Map
}

// Tick starts one collection task per subscribed pair whose bucket starts at
// now and whose instrument is trading. It returns without waiting for the
// tasks; use Wait for that. Without a calendar nothing is ever due.
func (c *Collector) Tick(ctx context.Context, now time.Time) int {
	if c == nil || c.Registry == nil || c.Calendar == nil {
		return 0
	}
	launched := 0
	for res, instruments := range c.Registry.SubscriptionsByResolution() {
		for _, instrument := range instruments {
			key := Key{Instrument: instrument, Resolution: res}
			if !c.Calendar.Has(instrument) {
				if _, warned := c.unknown.LoadOrStore(instrument, struct{}{}); !warned {
					c.logger().Warn("subscribed instrument has no trading hours", zap.String("instrument", instrument))
				}
				continue
			}
			loc := c.Calendar.Location(instrument)
			due, err := res.IsBoundary(now, loc)
			if err != nil {
				c.fail(ctx, key, err)
				continue
			}
			if !due || !c.Calendar.IsTradingHour(instrument, now) {
				continue
			}
			target, err := res.Floor(now, loc)
			if err != nil {
				c.fail(ctx, key, err)
				continue
			}
			launched++
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				if err := c.Collect(ctx, instrument, res, target); err != nil {
					c.fail(ctx, key, err)
				}
			}()
		}
	}
	return launched
}

// Wait blocks until every task started by Tick has returned.
func (c *Collector) Wait() {
	c.wg.Wait()
}

// Collect polls until the broker's latest point for instrument carries the
// target timestamp, then stores it and notifies subscribers. Fetch errors end
// the task immediately.
func (c *Collector) Collect(ctx context.Context, instrument string, res Resolution, target time.Time) error {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	log := c.logger().With(
		zap.String("instrument", instrument),
		zap.String("resolution", res.String()),
		zap.Time("target", target),
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.delay(attempt-2)); err != nil {
				return fmt.Errorf("collector: %s %s: %w", instrument, res, err)
			}
		}
		points, err := c.Source.GetHistoricalPrices(ctx, instrument, res.String(), 1)
		if err != nil {
			return fmt.Errorf("collector: fetch %s %s: %w", instrument, res, err)
		}
		if len(points) == 0 {
			log.Debug("no price yet", zap.Int("attempt", attempt))
			continue
		}
		latest := points[len(points)-1]
		if !latest.Time.Equal(target) {
			log.Debug("latest price is for another bucket", zap.Int("attempt", attempt), zap.Time("got", latest.Time))
			continue
		}

		snap := toSnapshot(instrument, res, target, latest)
		inserted, err := c.Store.InsertPriceSnapshot(ctx, &snap)
		if err != nil {
			return fmt.Errorf("collector: persist %s %s: %w", instrument, res, err)
		}
		if !inserted {
			log.Info("snapshot already stored")
			return nil
		}
		log.Info("snapshot stored", zap.Int("attempt", attempt))
		c.Registry.Notify(ctx, PriceEvent{
			Instrument: instrument,
			Resolution: res,
			Timestamp:  target,
			Snapshot:   snap,
		})
		return nil
	}
	return &SnapshotNotObtainedError{Instrument: instrument, Resolution: res, Target: target, Attempts: attempts}
}

func (c *Collector) delay(i int) time.Duration {
	delays := c.RetryDelays
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	if i >= len(delays) {
		i = len(delays) - 1
	}
	return delays[i]
}

func (c *Collector) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
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

func (c *Collector) fail(ctx context.Context, key Key, err error) {
	c.logger().Error("price collection failed",
		zap.String("instrument", key.Instrument),
		zap.String("resolution", key.Resolution.String()),
		zap.Error(err),
	)
	if c.OnFailure != nil {
		c.OnFailure(ctx, key, err)
	}
}

func (c *Collector) logger() *zap.Logger {
	return logger.OrNop(c.Logger)
}

func toSnapshot(instrument string, res Resolution, target time.Time, p broker.PricePoint) models.PriceSnapshot {
	quote := func(q broker.Price) models.Quote {
		return models.Quote{Bid: q.Bid, Ask: q.Ask, LastTraded: q.LastTraded}
	}
	return models.PriceSnapshot{
		Instrument: instrument,
		Resolution: res.String(),
		Timestamp:  target.UTC(),
		Open:       quote(p.Open),
		High:       quote(p.High),
		Low:        quote(p.Low),
		Close:      quote(p.Close),
		Volume:     p.Volume,
	}
}
