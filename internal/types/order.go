package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderIntent 区分订单的业务语义，执行层按此决定下单方向与 reduce-only。
type OrderIntent string

const (
	IntentOpen      OrderIntent = "open"
	IntentPartialTP OrderIntent = "partial_tp"
	IntentStopOut   OrderIntent = "stop_out"
	IntentFlatten   OrderIntent = "flatten"
)

// OrderRequest 是发给执行层的下单请求。数量一律用 decimal，
// 分批止盈的拆分运算不允许出现二进制浮点误差。
type OrderRequest struct {
	PositionID string          `json:"position_id,omitempty"`
	Context    ExecContext     `json:"context"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Intent     OrderIntent     `json:"intent"`
	Size       decimal.Decimal `json:"size"`
	Price      float64         `json:"price"`
}

// OrderResult 是执行层的成交回报。状态机只在 Filled 的回报上推进。
type OrderResult struct {
	OrderID    string          `json:"order_id"`
	FilledSize decimal.Decimal `json:"filled_size"`
	AvgPrice   float64         `json:"avg_price"`
	FilledAt   time.Time       `json:"filled_at"`
}
