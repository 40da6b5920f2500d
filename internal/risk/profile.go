// Package risk 实现信号准入管线：信心闸门、冷却闸门、熔断/敞口闸门、
// 仓位尺寸计算与几何校验。所有判定都是确定性的：同样的输入序列
// 产生同样的输出。
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"aegis/internal/types"
)

// Profile 是单个执行上下文的风险档案。上下文之间互不共享。
type Profile struct {
	mu sync.Mutex

	ctx               types.ExecContext
	equity            float64
	peakEquity        float64
	consecutiveLosses int
	consecutiveWins   int
	killSwitch        bool
	killReason        string
	exposureUsed      decimal.Decimal
	exposureLimit     decimal.Decimal
	lastTradeAt       map[types.Regime]time.Time
	maxDrawdown       float64
}

// NewProfile 以初始资金建档。maxDrawdown 是自动熔断的回撤阈值。
func NewProfile(ctx types.ExecContext, initialEquity, exposureLimit, maxDrawdown float64) *Profile {
	return &Profile{
		ctx:           ctx,
		equity:        initialEquity,
		peakEquity:    initialEquity,
		exposureLimit: decimal.NewFromFloat(exposureLimit),
		lastTradeAt:   make(map[types.Regime]time.Time),
		maxDrawdown:   maxDrawdown,
	}
}

func (p *Profile) Context() types.ExecContext { return p.ctx }

func (p *Profile) Equity() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.equity
}

// Drawdown 返回距离资金峰值的回撤比例，无峰值时为 0。
func (p *Profile) Drawdown() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drawdownLocked()
}

func (p *Profile) drawdownLocked() float64 {
	if p.peakEquity <= 0 {
		return 0
	}
	dd := (p.peakEquity - p.equity) / p.peakEquity
	if dd < 0 {
		return 0
	}
	return dd
}

func (p *Profile) ConsecutiveLosses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutiveLosses
}

// KillSwitch 返回当前熔断状态与原因。
func (p *Profile) KillSwitch() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killSwitch, p.killReason
}

// TripKillSwitch 手动熔断：立即拒绝新开仓，存量仓位继续托管。
func (p *Profile) TripKillSwitch(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killSwitch = true
	p.killReason = reason
}

// ResetKillSwitch 由运维显式恢复，自动熔断不会自行解除。
func (p *Profile) ResetKillSwitch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killSwitch = false
	p.killReason = ""
}

// LastTradeAt 返回该市场状态下上一次实际开仓的时间，从未开仓时为零值。
// 冷却按 regime 分桶：趋势市开仓不影响震荡市的信号。
func (p *Profile) LastTradeAt(regime types.Regime) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTradeAt[regime]
}

// MarkTradeOpened 在仓位真正开出后记录该 regime 的开仓时间。
// 闸门通过但执行失败的信号不会刷新冷却窗口。
func (p *Profile) MarkTradeOpened(regime types.Regime, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastTradeAt[regime] = at
}

// Reserve 预占敞口。仓位提交执行前预留，保证并发提交不会越过上限。
func (p *Profile) Reserve(notional decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.exposureUsed.Add(notional)
	if next.GreaterThan(p.exposureLimit) {
		return fmt.Errorf("敞口预占越界: used=%s reserve=%s limit=%s",
			p.exposureUsed, notional, p.exposureLimit)
	}
	p.exposureUsed = next
	return nil
}

// Release 归还敞口：执行放弃、分批止盈或平仓时调用。
func (p *Profile) Release(notional decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exposureUsed = p.exposureUsed.Sub(notional)
	if p.exposureUsed.IsNegative() {
		p.exposureUsed = decimal.Zero
	}
}

// Headroom 返回剩余可用敞口。
func (p *Profile) Headroom() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.exposureLimit.Sub(p.exposureUsed)
	if h.IsNegative() {
		return decimal.Zero
	}
	return h
}

func (p *Profile) Exposure() (used, limit decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exposureUsed, p.exposureLimit
}

// RecordTradeResult 在仓位完全关闭后入账：更新资金、峰值与连胜/连亏，
// 回撤越过阈值时自动熔断。返回熔断是否在本次入账中触发。
func (p *Profile) RecordTradeResult(pnl float64) (tripped bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.equity += pnl
	if p.equity > p.peakEquity {
		p.peakEquity = p.equity
	}
	if pnl < 0 {
		p.consecutiveLosses++
		p.consecutiveWins = 0
	} else if pnl > 0 {
		p.consecutiveWins++
		p.consecutiveLosses = 0
	}
	if !p.killSwitch && p.maxDrawdown > 0 && p.drawdownLocked() >= p.maxDrawdown {
		p.killSwitch = true
		p.killReason = fmt.Sprintf("drawdown %.2f%% >= limit %.2f%%",
			p.drawdownLocked()*100, p.maxDrawdown*100)
		return true
	}
	return false
}

// Snapshot 导出只读投影。
func (p *Profile) Snapshot() types.ContextSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	last := make(map[types.Regime]time.Time, len(p.lastTradeAt))
	for regime, at := range p.lastTradeAt {
		last[regime] = at
	}
	return types.ContextSnapshot{
		Context:           p.ctx,
		Equity:            p.equity,
		PeakEquity:        p.peakEquity,
		Drawdown:          p.drawdownLocked(),
		ConsecutiveLosses: p.consecutiveLosses,
		KillSwitchActive:  p.killSwitch,
		ExposureUsed:      p.exposureUsed,
		ExposureLimit:     p.exposureLimit,
		LastTradeAt:       last,
	}
}
