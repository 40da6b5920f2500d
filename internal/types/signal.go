package types

import (
	"strings"
	"time"
)

// Side 表示仓位方向。
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Sign 返回方向系数：多头 +1，空头 -1。
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Regime 是信号源标注的离散市场状态。
type Regime string

const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeVolatile Regime = "volatile"
	RegimeUnknown  Regime = "unknown"
)

// NormalizeRegime 容忍大小写与别名，未知值归入 RegimeUnknown。
func NormalizeRegime(raw string) Regime {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trending", "trend":
		return RegimeTrending
	case "ranging", "range", "sideways":
		return RegimeRanging
	case "volatile", "high_vol":
		return RegimeVolatile
	default:
		return RegimeUnknown
	}
}

// Signal 是外部推理端产出的开仓候选。引擎把它当作不可变输入：
// 所有风控判定只读取字段，不回写。
type Signal struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Confidence float64   `json:"confidence"`
	Regime     Regime    `json:"regime"`
	StrategyID string    `json:"strategy_id"`
	Price      float64   `json:"price"`
	StopPrice  float64   `json:"stop_price,omitempty"`
	ATR        float64   `json:"atr,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// MarketTick 是驱动仓位生命周期的行情切片。ATR 由行情层随价格一并给出，
// 保证同一 tick 内追踪止损与判定使用同一波动率值。
type MarketTick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	ATR       float64   `json:"atr"`
	Timestamp time.Time `json:"timestamp"`
}
