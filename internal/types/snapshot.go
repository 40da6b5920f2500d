package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSnapshot 是持仓的只读投影，供状态接口与审计落盘使用。
type PositionSnapshot struct {
	ID            string          `json:"id"`
	TraceID       string          `json:"trace_id"`
	Context       ExecContext     `json:"context"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	StrategyID    string          `json:"strategy_id"`
	Regime        Regime          `json:"regime"`
	State         string          `json:"state"`
	EntryPrice    float64         `json:"entry_price"`
	StopPrice     float64         `json:"stop_price"`
	InitialStop   float64         `json:"initial_stop"`
	TargetPrice   float64         `json:"target_price,omitempty"`
	Size          decimal.Decimal `json:"size"`
	RemainingSize decimal.Decimal `json:"remaining_size"`
	UnrealizedR   float64         `json:"unrealized_r"`
	Halted        bool            `json:"halted,omitempty"`
	HaltReason    string          `json:"halt_reason,omitempty"`
	OpenedAt      time.Time       `json:"opened_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ContextSnapshot 是单个执行上下文的风险档案投影。
type ContextSnapshot struct {
	Context           ExecContext          `json:"context"`
	Equity            float64              `json:"equity"`
	PeakEquity        float64              `json:"peak_equity"`
	Drawdown          float64              `json:"drawdown"`
	ConsecutiveLosses int                  `json:"consecutive_losses"`
	KillSwitchActive  bool                 `json:"kill_switch_active"`
	ExposureUsed      decimal.Decimal      `json:"exposure_used"`
	ExposureLimit     decimal.Decimal      `json:"exposure_limit"`
	LastTradeAt       map[Regime]time.Time `json:"last_trade_at,omitempty"`
	OpenPositions     int                  `json:"open_positions"`
}
