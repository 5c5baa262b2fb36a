package service

import (
	"context"
	"sync"
	"time"

	"autotrader/internal/client/broker"
)

type stubBroker struct {
	mu sync.Mutex

	open          []broker.OpenPosition
	openErr       error
	confirmations map[string]broker.DealConfirmation
	confirmErrs   map[string]error
	activity      map[string]broker.Activity
	activityErr   error

	// onConfirm runs before a confirmation is answered, outside the lock.
	onConfirm func(ref string)

	confirmCalls  []string
	activityCalls [][]string
	orders        []broker.OrderRequest
	orderErr      error
}

func (b *stubBroker) GetAllOpenPositions(context.Context) ([]broker.OpenPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	return append([]broker.OpenPosition(nil), b.open...), nil
}

func (b *stubBroker) ConfirmDealStatus(_ context.Context, ref string) (broker.DealConfirmation, error) {
	if b.onConfirm != nil {
		b.onConfirm(ref)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmCalls = append(b.confirmCalls, ref)
	if err := b.confirmErrs[ref]; err != nil {
		return broker.DealConfirmation{}, err
	}
	return b.confirmations[ref], nil
}

func (b *stubBroker) GetClosedPositionsActivity(_ context.Context, ids []string, _ time.Time) (map[string]broker.Activity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activityCalls = append(b.activityCalls, append([]string(nil), ids...))
	if b.activityErr != nil {
		return nil, b.activityErr
	}
	out := map[string]broker.Activity{}
	for _, id := range ids {
		if a, ok := b.activity[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (b *stubBroker) PlaceOrder(_ context.Context, order broker.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append(b.orders, order)
	if b.orderErr != nil {
		return "", b.orderErr
	}
	return order.DealReference, nil
}
