package domain

import (
	"context"
	"time"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType selects the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is the exchange-reported state of an order.
type OrderStatus string

const (
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusRejected OrderStatus = "rejected"
	OrderStatusCanceled OrderStatus = "canceled"
)

// Ticker is the latest traded price for a symbol.
type Ticker struct {
	Symbol string
	Price  float64
	Bid    float64
	Ask    float64
	Ts     time.Time
}

// OrderParams describes an order to submit.
type OrderParams struct {
	Symbol   string
	Side     OrderSide
	Type     OrderType
	Quantity float64
	// Price is required for limit orders, ignored for market orders.
	Price float64
}

// OrderResult is the exchange's response to a placed order.
type OrderResult struct {
	OrderID     string
	Status      OrderStatus
	FilledPrice float64
	FilledQty   float64
	Ts          time.Time
}

// Balance is one asset balance on the exchange account.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// OrderBook is a depth snapshot. Each entry is [price, quantity].
type OrderBook struct {
	Symbol string
	Bids   [][2]float64
	Asks   [][2]float64
	Ts     time.Time
}

// ExchangeGateway is the abstract exchange consumed by the engine, the
// safety monitor, and the auto-exit manager. Implementations produce typed
// *ExchangeError values at the transport boundary and apply a hard per-call
// timeout. Transport and request signing details live behind this interface.
type ExchangeGateway interface {
	GetServerTime(ctx context.Context) (time.Time, error)
	GetSymbolTicker(ctx context.Context, symbol string) (Ticker, error)
	PlaceOrder(ctx context.Context, params OrderParams) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetAccountBalances(ctx context.Context) ([]Balance, error)
	GetOrderBook(ctx context.Context, symbol string, limit int) (OrderBook, error)
}
