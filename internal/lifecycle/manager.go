package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"aegis/internal/audit"
	"aegis/internal/executor"
	"aegis/internal/logger"
	"aegis/internal/types"
)

// OrderExecutor 提交减仓/平仓订单并返回确认的成交回报。
type OrderExecutor interface {
	Execute(ctx context.Context, req types.OrderRequest) (types.OrderResult, error)
}

// Sink 接收仓位生命周期的结果事件，由引擎侧入账：
// 归还敞口、更新风险档案与策略配额表。
type Sink interface {
	PositionReduced(snap types.PositionSnapshot, releasedNotional decimal.Decimal, realized float64)
	PositionClosed(snap types.PositionSnapshot, finalR float64, realized float64)
	PositionHalted(snap types.PositionSnapshot, reason string)
}

// Config 是生命周期的触发参数。R 阈值与分批比例来自退出计划模板。
type Config struct {
	BreakevenR        float64
	TP1R              float64
	TP1Fraction       float64
	TP2R              float64
	TP2Fraction       float64
	ChandelierATRMult float64
}

// Manager 为每个在管仓位维护一个 actor goroutine，仓位状态单写。
// 跨仓位并发，仓位内串行。
type Manager struct {
	cfg  Config
	exec OrderExecutor
	log  audit.Log
	sink Sink

	mu     sync.Mutex
	actors map[string]*actor
	wg     sync.WaitGroup
}

type command struct {
	flatten bool
	reply   chan types.PositionSnapshot
}

type actor struct {
	m   *Manager
	pos *Position
	// cfg 在接管时快照，之后的模板热更新不影响已在管的仓位。
	cfg Config

	ticks chan types.MarketTick
	cmds  chan command

	lastPrice float64
	lastATR   float64
}

func NewManager(cfg Config, exec OrderExecutor, log audit.Log, sink Sink) *Manager {
	if log == nil {
		log = audit.Nop()
	}
	return &Manager{
		cfg:    cfg,
		exec:   exec,
		log:    log,
		sink:   sink,
		actors: make(map[string]*actor),
	}
}

// Track 接管一个刚开出的仓位，启动它的 actor。
func (m *Manager) Track(ctx context.Context, pos *Position) error {
	if pos == nil {
		return fmt.Errorf("position 不能为空")
	}
	if err := pos.checkInvariants(); err != nil {
		return fmt.Errorf("仓位账目不合法: %w", err)
	}
	a := &actor{
		m:     m,
		pos:   pos,
		cfg:   m.config(),
		ticks: make(chan types.MarketTick, 64),
		cmds:  make(chan command, 4),
	}
	m.mu.Lock()
	m.actors[pos.ID] = a
	m.mu.Unlock()
	m.wg.Add(1)
	go a.run(ctx)
	logger.Infof("仓位 %s %s %s 进入托管 entry=%.4f stop=%.4f size=%s",
		pos.ID, pos.Symbol, pos.Side, pos.EntryPrice, pos.StopPrice, pos.Size)
	return nil
}

// OnTick 把行情按 symbol 分发给相关 actor。发送阻塞以保持每个
// 仓位看到的行情顺序与到达顺序一致。
func (m *Manager) OnTick(tick types.MarketTick) {
	m.mu.Lock()
	var targets []*actor
	for _, a := range m.actors {
		if a.pos.Symbol == tick.Symbol {
			targets = append(targets, a)
		}
	}
	m.mu.Unlock()
	for _, a := range targets {
		a.ticks <- tick
	}
}

// Flatten 强制平掉一个仓位。
func (m *Manager) Flatten(positionID string) {
	m.mu.Lock()
	a := m.actors[positionID]
	m.mu.Unlock()
	if a != nil {
		a.cmds <- command{flatten: true}
	}
}

// FlattenContext 强制平掉一个上下文下的全部仓位。
func (m *Manager) FlattenContext(execCtx types.ExecContext) {
	m.mu.Lock()
	var targets []*actor
	for _, a := range m.actors {
		if a.pos.Context == execCtx {
			targets = append(targets, a)
		}
	}
	m.mu.Unlock()
	for _, a := range targets {
		a.cmds <- command{flatten: true}
	}
}

// Snapshots 通过各 actor 的命令通道采集快照，避免跨 goroutine 读仓位。
func (m *Manager) Snapshots() []types.PositionSnapshot {
	m.mu.Lock()
	actors := make([]*actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.mu.Unlock()
	out := make([]types.PositionSnapshot, 0, len(actors))
	for _, a := range actors {
		reply := make(chan types.PositionSnapshot, 1)
		select {
		case a.cmds <- command{reply: reply}:
			out = append(out, <-reply)
		default:
			// actor 正在退出，跳过。
		}
	}
	return out
}

// UpdateConfig 替换后续接管仓位使用的触发参数。已在管仓位不受影响。
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Manager) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Wait 阻塞到所有 actor 退出。
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.actors, id)
	m.mu.Unlock()
}

func (a *actor) run(ctx context.Context) {
	defer a.m.wg.Done()
	defer a.m.remove(a.pos.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-a.cmds:
			if cmd.reply != nil {
				cmd.reply <- a.pos.Snapshot(a.lastPrice)
				continue
			}
			if cmd.flatten {
				a.handleFlatten(ctx)
				if a.pos.State == StateClosed || a.pos.Halted {
					return
				}
			}
		case tick := <-a.ticks:
			a.handleTick(ctx, tick)
			if a.pos.State == StateClosed || a.pos.Halted {
				return
			}
		}
	}
}

func (a *actor) handleTick(ctx context.Context, tick types.MarketTick) {
	p := a.pos
	a.lastPrice = tick.Price
	if tick.ATR > 0 {
		a.lastATR = tick.ATR
	}
	if p.Halted || p.State == StateClosed {
		return
	}
	if err := p.checkInvariants(); err != nil {
		a.haltInvariant(ctx, err.Error(), tick.Price)
		return
	}
	p.updateAnchor(tick.Price)

	// 一个 tick 内可能连续推进多步（如跳空直达 TP2），
	// 每轮都重新做止损优先检查。
	for i := 0; i < 8; i++ {
		if p.Halted || p.State == StateClosed {
			break
		}
		if !a.step(ctx, tick) {
			break
		}
	}
	p.UpdatedAt = tick.Timestamp
}

// step 执行一次可能的推进，返回是否有动作发生。止损检查永远在前：
// 同一 tick 同时满足止损与止盈时按止损处理。
func (a *actor) step(ctx context.Context, tick types.MarketTick) bool {
	p := a.pos
	cfg := a.cfg

	if p.stopHit(tick.Price) {
		a.closeRemaining(ctx, tick.Price, TriggerStopFilled, types.IntentStopOut)
		return true
	}

	switch p.State {
	case StateOpen:
		if p.RMultiple(tick.Price) >= cfg.BreakevenR {
			p.StopPrice = p.EntryPrice
			a.applyTransition(ctx, TriggerBreakevenSet, tick.Price)
			return true
		}
	case StateBreakeven:
		// 保本后立即武装追踪止损。
		a.applyTransition(ctx, TriggerTrailArmed, tick.Price)
		return true
	case StateTrailing:
		if tightenStop(p, a.lastATR, cfg.ChandelierATRMult) {
			return true
		}
		if p.RMultiple(tick.Price) >= cfg.TP1R {
			return a.partialExit(ctx, tick, cfg.TP1Fraction, TriggerTP1Filled)
		}
	case StatePartialTP1Filled:
		if tightenStop(p, a.lastATR, cfg.ChandelierATRMult) {
			return true
		}
		if p.RMultiple(tick.Price) >= cfg.TP2R {
			return a.partialExit(ctx, tick, cfg.TP2Fraction, TriggerTP2Filled)
		}
	case StatePartialTP2Filled:
		return tightenStop(p, a.lastATR, cfg.ChandelierATRMult)
	}
	return false
}

// applyTransition 通过纯转移函数推进状态并落审计。转移被拒即违例，
// 仓位停止自动化管理。
func (a *actor) applyTransition(ctx context.Context, trigger Trigger, price float64) {
	p := a.pos
	next, err := Transition(p.State, trigger)
	if err != nil {
		a.haltInvariant(ctx, err.Error(), price)
		return
	}
	ev := audit.Transition(p.Context, p.ID, p.Symbol, p.State.String(), next.String(), price, p.RMultiple(price))
	ev.TraceID = p.TraceID
	if aerr := a.m.log.Append(ctx, ev); aerr != nil {
		logger.Warnf("写入审计失败(transition %s→%s): %v", p.State, next, aerr)
	}
	logger.Infof("仓位 %s %s: %s → %s @%.4f (R=%.2f)",
		p.ID, p.Symbol, p.State, next, price, p.RMultiple(price))
	p.State = next
}

// partialExit 提交一笔分批止盈，成交确认后才改账并转移状态。
func (a *actor) partialExit(ctx context.Context, tick types.MarketTick, fraction float64, trigger Trigger) bool {
	p := a.pos
	qty := p.RemainingSize.Mul(decimal.NewFromFloat(fraction)).Round(8)
	if !qty.IsPositive() {
		a.haltInvariant(ctx, fmt.Sprintf("partial exit qty %s non-positive", qty), tick.Price)
		return true
	}
	res, err := a.m.exec.Execute(ctx, types.OrderRequest{
		PositionID: p.ID,
		Context:    p.Context,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Intent:     types.IntentPartialTP,
		Size:       qty,
		Price:      tick.Price,
	})
	if err != nil {
		a.execFailure(ctx, err, trigger.String(), tick.Price)
		return true
	}
	filledF, _ := res.FilledSize.Float64()
	realized := (res.AvgPrice - p.EntryPrice) * p.Side.Sign() * filledF
	p.RemainingSize = p.RemainingSize.Sub(res.FilledSize)
	p.RealizedPnL += realized
	a.applyTransition(ctx, trigger, res.AvgPrice)
	released := res.FilledSize.Mul(decimal.NewFromFloat(p.EntryPrice))
	if a.m.sink != nil {
		a.m.sink.PositionReduced(p.Snapshot(tick.Price), released, realized)
	}
	return true
}

// closeRemaining 平掉全部剩余仓位并结束生命周期。
func (a *actor) closeRemaining(ctx context.Context, price float64, trigger Trigger, intent types.OrderIntent) {
	p := a.pos
	res, err := a.m.exec.Execute(ctx, types.OrderRequest{
		PositionID: p.ID,
		Context:    p.Context,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Intent:     intent,
		Size:       p.RemainingSize,
		Price:      price,
	})
	if err != nil {
		a.execFailure(ctx, err, trigger.String(), price)
		return
	}
	filledF, _ := res.FilledSize.Float64()
	realized := (res.AvgPrice - p.EntryPrice) * p.Side.Sign() * filledF
	released := res.FilledSize.Mul(decimal.NewFromFloat(p.EntryPrice))
	p.RemainingSize = p.RemainingSize.Sub(res.FilledSize)
	p.RealizedPnL += realized
	a.applyTransition(ctx, trigger, res.AvgPrice)
	if a.m.sink != nil {
		snap := p.Snapshot(res.AvgPrice)
		a.m.sink.PositionReduced(snap, released, realized)
		a.m.sink.PositionClosed(snap, p.FinalRMultiple(), p.RealizedPnL)
	}
}

func (a *actor) handleFlatten(ctx context.Context) {
	if a.lastPrice <= 0 {
		// 还没有行情，无法定价，等下一个 tick 再平。
		logger.Warnf("仓位 %s 收到强平指令但尚无行情，忽略", a.pos.ID)
		return
	}
	a.closeRemaining(ctx, a.lastPrice, TriggerFlattened, types.IntentFlatten)
}

// execFailure 归类执行错误并落审计。被拒与放弃都停止该仓位的
// 自动化管理，等待人工处理。
func (a *actor) execFailure(ctx context.Context, err error, stage string, price float64) {
	p := a.pos
	reason := "ExecutionFailed"
	switch {
	case errors.Is(err, executor.ErrExecutionRejected):
		reason = "ExecutionRejected"
	case errors.Is(err, executor.ErrExecutionAbandoned):
		reason = "ExecutionAbandoned"
	}
	ev := audit.Event{
		TraceID:    p.TraceID,
		Context:    p.Context,
		Kind:       audit.KindExecution,
		Reason:     reason,
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Price:      price,
		Detail:     map[string]string{"stage": stage, "error": err.Error()},
	}
	if aerr := a.m.log.Append(ctx, ev); aerr != nil {
		logger.Warnf("写入审计失败(execution): %v", aerr)
	}
	a.halt(ctx, fmt.Sprintf("%s at %s: %v", reason, stage, err), price)
}

func (a *actor) haltInvariant(ctx context.Context, detail string, price float64) {
	p := a.pos
	ev := audit.Event{
		TraceID:    p.TraceID,
		Context:    p.Context,
		Kind:       audit.KindInvariant,
		Reason:     detail,
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Price:      price,
	}
	if aerr := a.m.log.Append(ctx, ev); aerr != nil {
		logger.Warnf("写入审计失败(invariant): %v", aerr)
	}
	a.halt(ctx, detail, price)
}

// halt 停止仓位的自动化管理。不做任何就地修正，仓位留给人工处置。
func (a *actor) halt(ctx context.Context, reason string, price float64) {
	p := a.pos
	p.Halted = true
	p.HaltReason = reason
	logger.Errorf("仓位 %s %s 停止托管: %s", p.ID, p.Symbol, reason)
	if a.m.sink != nil {
		a.m.sink.PositionHalted(p.Snapshot(price), reason)
	}
}
