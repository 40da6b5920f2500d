// Package engine 把风控管线、仓位生命周期、策略配额与审计串成
// 完整的决策回路。每个执行上下文完全隔离：各自的风险档案、
// 敞口账本与熔断开关，信号在上下文内串行评估。
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"aegis/internal/alloc"
	"aegis/internal/audit"
	"aegis/internal/executor"
	"aegis/internal/gateway/notifier"
	"aegis/internal/lifecycle"
	"aegis/internal/logger"
	"aegis/internal/risk"
	"aegis/internal/store/archive"
	"aegis/internal/types"
)

// Archiver 归档已结束的交易，nil 实现可省略。
type Archiver interface {
	SaveTrade(ctx context.Context, rec archive.TradeRecord) error
}

// Deps 是引擎的全部依赖。
type Deps struct {
	Params    risk.Params
	Lifecycle lifecycle.Config
	Allocator *alloc.Allocator
	Executor  lifecycle.OrderExecutor
	AuditLog  audit.Log
	Archive   Archiver
	Notifier  notifier.TextNotifier
	// StrategyFamily 限定账户接受的策略族，空值不限制。
	StrategyFamily string
	// MaxRecentKept 限制保留的已结束仓位快照数。
	MaxRecentKept int
}

// Decision 是一次信号评估的结果。拒绝是预期内的输出，不是错误。
type Decision struct {
	Accepted   bool            `json:"accepted"`
	TraceID    string          `json:"trace_id,omitempty"`
	PositionID string          `json:"position_id,omitempty"`
	Reason     risk.Reason     `json:"reason,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Rationale  *risk.Rationale `json:"rationale,omitempty"`
}

type contextState struct {
	// 信号在上下文内串行评估，后一个信号看到前一个已生效的状态。
	mu      sync.Mutex
	profile *risk.Profile
}

// Engine 持有全部执行上下文并实现 lifecycle.Sink。
type Engine struct {
	pipeline *risk.Pipeline
	alloc    *alloc.Allocator
	exec     lifecycle.OrderExecutor
	log      audit.Log
	archive  Archiver
	notify   notifier.TextNotifier
	manager  *lifecycle.Manager

	contexts map[types.ExecContext]*contextState
	order    []types.ExecContext
	family   string

	recentMu   sync.Mutex
	recent     []types.PositionSnapshot
	recentKept int
}

// New 组装引擎。profiles 给出启用的执行上下文，顺序决定状态输出顺序。
func New(deps Deps, profiles []*risk.Profile) (*Engine, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("engine 至少需要一个执行上下文")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("engine 需要订单执行器")
	}
	log := deps.AuditLog
	if log == nil {
		log = audit.Nop()
	}
	kept := deps.MaxRecentKept
	if kept <= 0 {
		kept = 200
	}
	e := &Engine{
		pipeline:   risk.NewPipeline(deps.Params, deps.Allocator),
		alloc:      deps.Allocator,
		exec:       deps.Executor,
		log:        log,
		archive:    deps.Archive,
		notify:     deps.Notifier,
		contexts:   make(map[types.ExecContext]*contextState, len(profiles)),
		family:     deps.StrategyFamily,
		recentKept: kept,
	}
	for _, p := range profiles {
		if _, dup := e.contexts[p.Context()]; dup {
			return nil, fmt.Errorf("执行上下文 %s 重复", p.Context())
		}
		e.contexts[p.Context()] = &contextState{profile: p}
		e.order = append(e.order, p.Context())
	}
	e.manager = lifecycle.NewManager(deps.Lifecycle, deps.Executor, log, e)
	return e, nil
}

// HandleSignal 在指定上下文内评估一个信号。闸门拒绝返回 Decision
// 而非 error；error 只代表输入不合法或执行/托管阶段的失败。
func (e *Engine) HandleSignal(ctx context.Context, execCtx types.ExecContext, sig types.Signal) (Decision, error) {
	if err := e.validateSignal(sig); err != nil {
		return Decision{}, err
	}
	cs := e.contexts[execCtx]
	if cs == nil {
		return Decision{}, fmt.Errorf("执行上下文 %s 未启用", execCtx)
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	// 闸门以信号自带的时间戳为准，回放同一信号序列得到同样的判定。
	now := sig.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	approval, rej := e.pipeline.Evaluate(cs.profile, sig, now)
	if rej != nil {
		e.auditRejection(ctx, execCtx, sig, rej)
		return Decision{Reason: rej.Reason, Detail: rej.Detail}, nil
	}

	rationale := approval.Rationale
	reserved := rationale.Notional
	if err := cs.profile.Reserve(reserved); err != nil {
		rej := &risk.Rejection{Reason: risk.ReasonExposureExceeded, Detail: err.Error()}
		e.auditRejection(ctx, execCtx, sig, rej)
		return Decision{Reason: rej.Reason, Detail: rej.Detail}, nil
	}

	// 依据先落审计，订单后提交：无论执行结果如何，决策依据都可追溯。
	if err := e.log.Append(ctx, audit.Event{
		TraceID:   rationale.TraceID,
		Context:   execCtx,
		Kind:      audit.KindTradeOpened,
		Symbol:    sig.Symbol,
		Price:     sig.Price,
		Detail:    rationale,
		Timestamp: now,
	}); err != nil {
		logger.Warnf("写入审计失败(trade_opened): %v", err)
	}

	fill, err := e.exec.Execute(ctx, approval.Order)
	if err != nil {
		cs.profile.Release(reserved)
		e.auditExecFailure(ctx, execCtx, rationale.TraceID, sig, err)
		return Decision{TraceID: rationale.TraceID, Detail: err.Error()}, err
	}

	// 冷却窗口用评估时钟而非成交回报时间，保证回放时判定一致。
	cs.profile.MarkTradeOpened(sig.Regime, now)

	// 按实际成交校正敞口占用。
	actual := fill.FilledSize.Mul(decimal.NewFromFloat(fill.AvgPrice))
	if diff := reserved.Sub(actual); diff.IsPositive() {
		cs.profile.Release(diff)
	}

	pos, err := lifecycle.NewPosition(rationale.TraceID, execCtx, sig, approval.Stop, approval.Target, fill)
	if err != nil {
		cs.profile.Release(actual)
		return Decision{TraceID: rationale.TraceID}, fmt.Errorf("建仓失败: %w", err)
	}
	if err := e.manager.Track(ctx, pos); err != nil {
		cs.profile.Release(actual)
		return Decision{TraceID: rationale.TraceID}, fmt.Errorf("托管失败: %w", err)
	}

	return Decision{
		Accepted:   true,
		TraceID:    rationale.TraceID,
		PositionID: pos.ID,
		Rationale:  &rationale,
	}, nil
}

func (e *Engine) validateSignal(sig types.Signal) error {
	if sig.Symbol == "" {
		return fmt.Errorf("信号缺少 symbol")
	}
	if !sig.Side.Valid() {
		return fmt.Errorf("信号方向 %q 不合法", sig.Side)
	}
	if sig.Price <= 0 {
		return fmt.Errorf("信号价格 %v 不合法", sig.Price)
	}
	if sig.Confidence < 0 || sig.Confidence > 1 {
		return fmt.Errorf("信号置信度 %v 超出 [0,1]", sig.Confidence)
	}
	if sig.StrategyID == "" {
		return fmt.Errorf("信号缺少 strategy_id")
	}
	// 账户只启用一个策略族，族外的信号在入口直接挡掉。
	// strategy_id 为族名本身或带 "-" 后缀的细分，如 technical-macd。
	if e.family != "" && sig.StrategyID != e.family &&
		!strings.HasPrefix(sig.StrategyID, e.family+"-") {
		return fmt.Errorf("策略 %q 不属于账户启用的策略族 %q", sig.StrategyID, e.family)
	}
	return nil
}

func (e *Engine) auditRejection(ctx context.Context, execCtx types.ExecContext, sig types.Signal, rej *risk.Rejection) {
	ev := audit.GateRejection(execCtx, uuid.NewString(), string(rej.Reason), sig)
	ev.Detail = map[string]any{"signal": sig, "detail": rej.Detail}
	if err := e.log.Append(ctx, ev); err != nil {
		logger.Warnf("写入审计失败(gate_rejection): %v", err)
	}
	logger.Infof("信号被拒 [%s] %s %s: %s", execCtx, sig.Symbol, rej.Reason, rej.Detail)
}

func (e *Engine) auditExecFailure(ctx context.Context, execCtx types.ExecContext, traceID string, sig types.Signal, err error) {
	reason := "ExecutionFailed"
	switch {
	case errors.Is(err, executor.ErrExecutionRejected):
		reason = "ExecutionRejected"
	case errors.Is(err, executor.ErrExecutionAbandoned):
		reason = "ExecutionAbandoned"
	}
	ev := audit.Event{
		TraceID:   traceID,
		Context:   execCtx,
		Kind:      audit.KindExecution,
		Reason:    reason,
		Symbol:    sig.Symbol,
		Price:     sig.Price,
		Detail:    map[string]string{"stage": "open", "error": err.Error()},
		Timestamp: time.Now(),
	}
	if aerr := e.log.Append(ctx, ev); aerr != nil {
		logger.Warnf("写入审计失败(execution): %v", aerr)
	}
	logger.Errorf("开仓执行失败 [%s] %s: %v", execCtx, sig.Symbol, err)
	e.sendNotify(notifier.StructuredMessage{
		Icon:  "⚠️",
		Title: "开仓执行失败",
		Sections: []notifier.MessageSection{{
			Lines: []string{
				fmt.Sprintf("上下文: %s", execCtx),
				fmt.Sprintf("交易对: %s", sig.Symbol),
				fmt.Sprintf("归类: %s", reason),
				fmt.Sprintf("错误: %v", err),
			},
		}},
		Timestamp: time.Now(),
	})
}

// OnTick 把行情转给生命周期管理器。
func (e *Engine) OnTick(tick types.MarketTick) {
	e.manager.OnTick(tick)
}

// Flatten 强制平掉一个仓位。
func (e *Engine) Flatten(positionID string) {
	e.manager.Flatten(positionID)
}

// FlattenContext 强制平掉一个上下文的全部仓位。
func (e *Engine) FlattenContext(execCtx types.ExecContext) {
	e.manager.FlattenContext(execCtx)
}

// Wait 阻塞到所有仓位 actor 退出。
func (e *Engine) Wait() {
	e.manager.Wait()
}

// UpdateLifecycle 替换之后开出仓位的退出阶梯，已在管仓位不受影响。
func (e *Engine) UpdateLifecycle(cfg lifecycle.Config) {
	e.manager.UpdateConfig(cfg)
}

// TripKillSwitch 手动熔断一个上下文：拒绝新开仓，存量仓位继续托管。
func (e *Engine) TripKillSwitch(ctx context.Context, execCtx types.ExecContext, reason string) error {
	cs := e.contexts[execCtx]
	if cs == nil {
		return fmt.Errorf("执行上下文 %s 未启用", execCtx)
	}
	cs.profile.TripKillSwitch(reason)
	e.auditKillSwitch(ctx, execCtx, "manual: "+reason)
	return nil
}

// ResetKillSwitch 由运维显式恢复熔断。
func (e *Engine) ResetKillSwitch(ctx context.Context, execCtx types.ExecContext) error {
	cs := e.contexts[execCtx]
	if cs == nil {
		return fmt.Errorf("执行上下文 %s 未启用", execCtx)
	}
	cs.profile.ResetKillSwitch()
	e.auditKillSwitch(ctx, execCtx, "reset")
	return nil
}

func (e *Engine) auditKillSwitch(ctx context.Context, execCtx types.ExecContext, reason string) {
	ev := audit.Event{
		TraceID:   uuid.NewString(),
		Context:   execCtx,
		Kind:      audit.KindKillSwitch,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	if err := e.log.Append(ctx, ev); err != nil {
		logger.Warnf("写入审计失败(kill_switch): %v", err)
	}
}

// ContextSnapshots 按固定顺序导出各上下文的风险档案快照。
func (e *Engine) ContextSnapshots() []types.ContextSnapshot {
	open := make(map[types.ExecContext]int)
	for _, snap := range e.manager.Snapshots() {
		open[snap.Context]++
	}
	out := make([]types.ContextSnapshot, 0, len(e.order))
	for _, name := range e.order {
		snap := e.contexts[name].profile.Snapshot()
		snap.OpenPositions = open[name]
		out = append(out, snap)
	}
	return out
}

// Positions 返回在管仓位快照。
func (e *Engine) Positions() []types.PositionSnapshot {
	return e.manager.Snapshots()
}

// RecentPositions 返回最近结束(平仓或停止托管)的仓位快照，新在前。
func (e *Engine) RecentPositions() []types.PositionSnapshot {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	out := make([]types.PositionSnapshot, len(e.recent))
	copy(out, e.recent)
	return out
}

// AllocTable 导出策略配额表。
func (e *Engine) AllocTable() []alloc.CellStats {
	if e.alloc == nil {
		return nil
	}
	return e.alloc.Table()
}

func (e *Engine) keepRecent(snap types.PositionSnapshot) {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	e.recent = append([]types.PositionSnapshot{snap}, e.recent...)
	if len(e.recent) > e.recentKept {
		e.recent = e.recent[:e.recentKept]
	}
}

func (e *Engine) sendNotify(msg notifier.StructuredMessage) {
	if e.notify == nil {
		return
	}
	text := msg.RenderMarkdown()
	go func() {
		if err := e.notify.SendText(text); err != nil {
			logger.Warnf("推送通知失败: %v", err)
		}
	}()
}
