package lifecycle

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"aegis/internal/types"
)

// Position 是一个被托管仓位的全部可变状态。只有它所属的 actor
// goroutine 会写这些字段。
type Position struct {
	ID         string
	TraceID    string
	Context    types.ExecContext
	Symbol     string
	Side       types.Side
	StrategyID string
	Regime     types.Regime

	EntryPrice  float64
	InitialStop float64
	StopPrice   float64
	TargetPrice float64

	Size          decimal.Decimal
	RemainingSize decimal.Decimal

	State State
	// Anchor 是开仓以来的最有利价，追踪止损的锚点。
	Anchor      float64
	RealizedPnL float64

	Halted     bool
	HaltReason string

	OpenedAt  time.Time
	UpdatedAt time.Time
}

// NewPosition 用开仓成交回报建仓。入场价以实际成交均价为准。
func NewPosition(traceID string, execCtx types.ExecContext, sig types.Signal, stop, target float64, fill types.OrderResult) (*Position, error) {
	if !fill.FilledSize.IsPositive() {
		return nil, fmt.Errorf("开仓回报数量非正: %s", fill.FilledSize)
	}
	entry := fill.AvgPrice
	if entry <= 0 {
		return nil, fmt.Errorf("开仓回报均价非法: %v", entry)
	}
	if (entry-stop)*sig.Side.Sign() <= 0 {
		return nil, fmt.Errorf("止损 %.8f 不在入场 %.8f 的亏损侧", stop, entry)
	}
	now := fill.FilledAt
	if now.IsZero() {
		now = time.Now()
	}
	return &Position{
		ID:            uuid.NewString(),
		TraceID:       traceID,
		Context:       execCtx,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		StrategyID:    sig.StrategyID,
		Regime:        sig.Regime,
		EntryPrice:    entry,
		InitialStop:   stop,
		StopPrice:     stop,
		TargetPrice:   target,
		Size:          fill.FilledSize,
		RemainingSize: fill.FilledSize,
		State:         StateOpen,
		Anchor:        entry,
		OpenedAt:      now,
		UpdatedAt:     now,
	}, nil
}

// RiskPerUnit 返回单位数量的初始风险额，R 倍数的分母。
func (p *Position) RiskPerUnit() float64 {
	d := (p.EntryPrice - p.InitialStop) * p.Side.Sign()
	if d < 0 {
		return 0
	}
	return d
}

// RMultiple 返回 price 处的 R 倍数。
func (p *Position) RMultiple(price float64) float64 {
	risk := p.RiskPerUnit()
	if risk <= 0 {
		return 0
	}
	return (price - p.EntryPrice) * p.Side.Sign() / risk
}

// FinalRMultiple 以已实现盈亏折算整笔交易的 R 倍数。
func (p *Position) FinalRMultiple() float64 {
	risk := p.RiskPerUnit()
	if risk <= 0 {
		return 0
	}
	sizeF, _ := p.Size.Float64()
	if sizeF <= 0 {
		return 0
	}
	return p.RealizedPnL / (risk * sizeF)
}

// stopHit 判断该价格是否触及当前止损。
func (p *Position) stopHit(price float64) bool {
	if p.Side == types.SideLong {
		return price <= p.StopPrice
	}
	return price >= p.StopPrice
}

// updateAnchor 推进最有利价，只朝有利方向移动。
func (p *Position) updateAnchor(price float64) {
	if p.Side == types.SideLong {
		if price > p.Anchor {
			p.Anchor = price
		}
		return
	}
	if price < p.Anchor {
		p.Anchor = price
	}
}

// checkInvariants 核对仓位账目。发现违例时返回违例描述，
// 调用方必须停止该仓位的自动化管理，不允许就地修正。
func (p *Position) checkInvariants() error {
	if p.State != StateClosed && !p.RemainingSize.IsPositive() {
		return fmt.Errorf("remaining size %s non-positive in state %s", p.RemainingSize, p.State)
	}
	if p.RemainingSize.GreaterThan(p.Size) {
		return fmt.Errorf("remaining size %s exceeds opened size %s", p.RemainingSize, p.Size)
	}
	if (p.EntryPrice-p.InitialStop)*p.Side.Sign() <= 0 {
		return fmt.Errorf("initial stop %.8f on wrong side of entry %.8f", p.InitialStop, p.EntryPrice)
	}
	// 止损只许收紧：当前止损不得比初始止损更宽松。
	if (p.StopPrice-p.InitialStop)*p.Side.Sign() < 0 {
		return fmt.Errorf("stop %.8f loosened beyond initial stop %.8f", p.StopPrice, p.InitialStop)
	}
	return nil
}

// Snapshot 导出只读投影。UnrealizedR 以给定现价计算。
func (p *Position) Snapshot(price float64) types.PositionSnapshot {
	unrealized := 0.0
	if price > 0 {
		unrealized = p.RMultiple(price)
	}
	return types.PositionSnapshot{
		ID:            p.ID,
		TraceID:       p.TraceID,
		Context:       p.Context,
		Symbol:        p.Symbol,
		Side:          p.Side,
		StrategyID:    p.StrategyID,
		Regime:        p.Regime,
		State:         p.State.String(),
		EntryPrice:    p.EntryPrice,
		StopPrice:     p.StopPrice,
		InitialStop:   p.InitialStop,
		TargetPrice:   p.TargetPrice,
		Size:          p.Size,
		RemainingSize: p.RemainingSize,
		UnrealizedR:   unrealized,
		Halted:        p.Halted,
		HaltReason:    p.HaltReason,
		OpenedAt:      p.OpenedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}
