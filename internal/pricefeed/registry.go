package pricefeed

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/models"
)

type Key struct {
	Instrument string
	Resolution Resolution
}

type PriceEvent struct {
	Instrument string               `json:"instrument"`
	Resolution Resolution           `json:"resolution"`
	Timestamp  time.Time            `json:"timestamp"`
	Snapshot   models.PriceSnapshot `json:"snapshot"`
}

// Subscriber receives price events. Name identifies the subscriber; two
// subscriptions under the same name for the same key are one subscription.
type Subscriber interface {
	Name() string
	OnPriceUpdate(ctx context.Context, event PriceEvent) error
}

type SubscriptionView struct {
	Instrument  string   `json:"instrument"`
	Resolution  string   `json:"resolution"`
	Subscribers []string `json:"subscribers"`
}

type Registry struct {
	mu     sync.RWMutex
	subs   map[Key]map[string]Subscriber
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		subs:   map[Key]map[string]Subscriber{},
		logger: logger,
	}
}

func (r *Registry) Subscribe(sub Subscriber, keys ...Key) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		set, ok := r.subs[k]
		if !ok {
			set = map[string]Subscriber{}
			r.subs[k] = set
		}
		set[sub.Name()] = sub
	}
}

func (r *Registry) Unsubscribe(name string, keys ...Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		set := r.subs[k]
		delete(set, name)
		if len(set) == 0 {
			delete(r.subs, k)
		}
	}
}

// Notify delivers event to every subscriber of its exact key concurrently and
// returns once all deliveries have finished. Subscriber errors and panics are
// logged and do not affect the other deliveries.
func (r *Registry) Notify(ctx context.Context, event PriceEvent) {
	key := Key{Instrument: event.Instrument, Resolution: event.Resolution}
	r.mu.RLock()
	targets := make([]Subscriber, 0, len(r.subs[key]))
	for _, sub := range r.subs[key] {
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range targets {
		wg.Add(1)
		go func(sub Subscriber) {
			defer wg.Done()
			if err := deliver(ctx, sub, event); err != nil {
				r.logger.Error("price subscriber failed",
					zap.String("subscriber", sub.Name()),
					zap.String("instrument", event.Instrument),
					zap.String("resolution", event.Resolution.String()),
					zap.Error(err),
				)
			}
		}(sub)
	}
	wg.Wait()
}

func deliver(ctx context.Context, sub Subscriber, event PriceEvent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return sub.OnPriceUpdate(ctx, event)
}

// SubscriptionsByResolution lists the subscribed instruments per resolution,
// sorted.
func (r *Registry) SubscriptionsByResolution() map[Resolution][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[Resolution][]string{}
	for k, set := range r.subs {
		if len(set) == 0 {
			continue
		}
		out[k.Resolution] = append(out[k.Resolution], k.Instrument)
	}
	for res := range out {
		sort.Strings(out[res])
	}
	return out
}

func (r *Registry) Subscriptions() []SubscriptionView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SubscriptionView, 0, len(r.subs))
	for k, set := range r.subs {
		names := make([]string, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
		sort.Strings(names)
		out = append(out, SubscriptionView{
			Instrument:  k.Instrument,
			Resolution:  k.Resolution.String(),
			Subscribers: names,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instrument != out[j].Instrument {
			return out[i].Instrument < out[j].Instrument
		}
		return out[i].Resolution < out[j].Resolution
	})
	return out
}
