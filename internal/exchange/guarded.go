package exchange

import (
	"context"
	"time"

	"github.com/avolkov/exitpilot/internal/domain"
	"github.com/avolkov/exitpilot/internal/reliability"
)

// Guarded wraps an ExchangeGateway so every call passes through the
// reliability manager: rate limiting, the circuit breaker, and adaptive
// retry with backoff. All trading components talk to the exchange through
// this wrapper; the raw client is only used for wiring.
type Guarded struct {
	inner   domain.ExchangeGateway
	manager *reliability.Manager
}

// NewGuarded wraps gw with the given reliability manager.
func NewGuarded(gw domain.ExchangeGateway, manager *reliability.Manager) *Guarded {
	return &Guarded{inner: gw, manager: manager}
}

func (g *Guarded) GetServerTime(ctx context.Context) (time.Time, error) {
	return reliability.Do(ctx, g.manager, func(ctx context.Context) (time.Time, error) {
		return g.inner.GetServerTime(ctx)
	})
}

func (g *Guarded) GetSymbolTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	return reliability.Do(ctx, g.manager, func(ctx context.Context) (domain.Ticker, error) {
		return g.inner.GetSymbolTicker(ctx, symbol)
	})
}

// PlaceOrder is retried on retryable failures. Orders are market sells of a
// fixed quantity, so a duplicate submission after an ambiguous timeout is
// surfaced by the exchange as a rejected order rather than a double fill.
func (g *Guarded) PlaceOrder(ctx context.Context, params domain.OrderParams) (domain.OrderResult, error) {
	return reliability.Do(ctx, g.manager, func(ctx context.Context) (domain.OrderResult, error) {
		return g.inner.PlaceOrder(ctx, params)
	})
}

func (g *Guarded) CancelOrder(ctx context.Context, orderID string) error {
	_, err := reliability.Do(ctx, g.manager, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.CancelOrder(ctx, orderID)
	})
	return err
}

func (g *Guarded) GetAccountBalances(ctx context.Context) ([]domain.Balance, error) {
	return reliability.Do(ctx, g.manager, func(ctx context.Context) ([]domain.Balance, error) {
		return g.inner.GetAccountBalances(ctx)
	})
}

func (g *Guarded) GetOrderBook(ctx context.Context, symbol string, limit int) (domain.OrderBook, error) {
	return reliability.Do(ctx, g.manager, func(ctx context.Context) (domain.OrderBook, error) {
		return g.inner.GetOrderBook(ctx, symbol, limit)
	})
}

var _ domain.ExchangeGateway = (*Guarded)(nil)
