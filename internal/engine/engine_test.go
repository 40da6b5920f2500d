package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/alloc"
	"aegis/internal/audit"
	"aegis/internal/executor"
	"aegis/internal/lifecycle"
	"aegis/internal/risk"
	"aegis/internal/types"
)

type memLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *memLog) Append(_ context.Context, ev audit.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *memLog) Close() error { return nil }

func (l *memLog) byKind(kind audit.Kind) []audit.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []audit.Event
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type failingExec struct{}

func (failingExec) Execute(context.Context, types.OrderRequest) (types.OrderResult, error) {
	return types.OrderResult{}, fmt.Errorf("%w after 3 retries: timeout", executor.ErrExecutionAbandoned)
}

func testParams() risk.Params {
	return risk.Params{
		BaseThreshold:            0.75,
		DrawdownSteps:            []risk.Step{{Min: 0.10, Add: 0.05}, {Min: 0.20, Add: 0.10}},
		LossStreakSteps:          []risk.Step{{Min: 3, Add: 0.05}, {Min: 5, Add: 0.10}},
		CooldownVolatile:         20 * time.Minute,
		CooldownDefault:          15 * time.Minute,
		CooldownBypassConfidence: 0.85,
		RiskPerTradePct:          0.01,
		StopATRMult:              1.5,
		TargetATRMult:            3.0,
	}
}

func testLifecycle() lifecycle.Config {
	return lifecycle.Config{
		BreakevenR:        1.0,
		TP1R:              1.5,
		TP1Fraction:       0.5,
		TP2R:              2.5,
		TP2Fraction:       0.5,
		ChandelierATRMult: 3.0,
	}
}

func newTestEngine(t *testing.T, exec lifecycle.OrderExecutor, log audit.Log) *Engine {
	t.Helper()
	if exec == nil {
		exec = executor.New(executor.NewPaperVenue(), 2, time.Millisecond, 4*time.Millisecond)
	}
	profiles := []*risk.Profile{
		risk.NewProfile(types.ContextDemo, 10000, 10000, 0.25),
	}
	e, err := New(Deps{
		Params:    testParams(),
		Lifecycle: testLifecycle(),
		Allocator: alloc.New(50, 0.1, 1.0, 0.05),
		Executor:  exec,
		AuditLog:  log,
	}, profiles)
	require.NoError(t, err)
	return e
}

func testSignal(confidence float64) types.Signal {
	return types.Signal{
		Symbol:     "BTCUSDT",
		Side:       types.SideLong,
		Confidence: confidence,
		Regime:     types.RegimeTrending,
		StrategyID: "technical",
		Price:      100,
		StopPrice:  95,
		ATR:        2,
		Timestamp:  time.Now(),
	}
}

func TestHandleSignalRejectedBelowThreshold(t *testing.T) {
	log := &memLog{}
	e := newTestEngine(t, nil, log)

	dec, err := e.HandleSignal(context.Background(), types.ContextDemo, testSignal(0.70))
	require.NoError(t, err)
	assert.False(t, dec.Accepted)
	assert.Equal(t, risk.ReasonThresholdNotMet, dec.Reason)
	require.Len(t, log.byKind(audit.KindGateRejection), 1)
	assert.Empty(t, log.byKind(audit.KindTradeOpened))
}

func TestHandleSignalOpensAndTracksPosition(t *testing.T) {
	log := &memLog{}
	e := newTestEngine(t, nil, log)

	dec, err := e.HandleSignal(context.Background(), types.ContextDemo, testSignal(0.90))
	require.NoError(t, err)
	require.True(t, dec.Accepted)
	assert.NotEmpty(t, dec.TraceID)
	assert.NotEmpty(t, dec.PositionID)
	require.NotNil(t, dec.Rationale)
	// 风险额 10000×1% = 100，止损距离 5 → 数量 20。
	assert.Equal(t, "20", dec.Rationale.Size.String())

	require.Len(t, log.byKind(audit.KindTradeOpened), 1)
	assert.Equal(t, dec.TraceID, log.byKind(audit.KindTradeOpened)[0].TraceID)

	assert.Eventually(t, func() bool {
		snaps := e.ContextSnapshots()
		return len(snaps) == 1 && snaps[0].OpenPositions == 1
	}, time.Second, 10*time.Millisecond)

	snap := e.ContextSnapshots()[0]
	assert.Equal(t, "2000", snap.ExposureUsed.String())
	assert.False(t, snap.LastTradeAt[types.RegimeTrending].IsZero())
}

func TestStopOutFeedsBackIntoProfileAndAllocator(t *testing.T) {
	log := &memLog{}
	e := newTestEngine(t, nil, log)
	ctx := context.Background()

	dec, err := e.HandleSignal(ctx, types.ContextDemo, testSignal(0.90))
	require.NoError(t, err)
	require.True(t, dec.Accepted)

	// 跌破止损，整仓止损离场。
	e.OnTick(types.MarketTick{Symbol: "BTCUSDT", Price: 94, ATR: 2, Timestamp: time.Now()})

	require.Eventually(t, func() bool {
		return len(e.RecentPositions()) == 1
	}, time.Second, 10*time.Millisecond)

	closed := e.RecentPositions()[0]
	assert.Equal(t, "CLOSED", closed.State)
	assert.False(t, closed.Halted)

	snap := e.ContextSnapshots()[0]
	// realized = (94-100)×20 = -120。
	assert.InDelta(t, 9880, snap.Equity, 1e-9)
	assert.Equal(t, 1, snap.ConsecutiveLosses)
	assert.Equal(t, "0", snap.ExposureUsed.String())
	assert.Equal(t, 0, snap.OpenPositions)

	table := e.AllocTable()
	require.Len(t, table, 1)
	assert.Equal(t, types.RegimeTrending, table[0].Regime)
	assert.Equal(t, "technical", table[0].Strategy)
	assert.InDelta(t, -1.2, table[0].Expectancy, 1e-9)

	// 冷却窗口内的后续信号被拦下(置信度低于豁免线)。
	dec2, err := e.HandleSignal(ctx, types.ContextDemo, testSignal(0.80))
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonCooldownActive, dec2.Reason)
}

func TestCooldownScopedToRegime(t *testing.T) {
	e := newTestEngine(t, nil, &memLog{})
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	open := testSignal(0.80)
	open.Timestamp = base
	dec, err := e.HandleSignal(ctx, types.ContextDemo, open)
	require.NoError(t, err)
	require.True(t, dec.Accepted)

	// 同 regime 5 分钟后仍在冷却窗口内。
	same := testSignal(0.80)
	same.Timestamp = base.Add(5 * time.Minute)
	dec, err = e.HandleSignal(ctx, types.ContextDemo, same)
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonCooldownActive, dec.Reason)

	// 换 regime 的信号不受趋势市开仓的冷却影响。
	other := testSignal(0.80)
	other.Regime = types.RegimeRanging
	other.Timestamp = base.Add(5 * time.Minute)
	dec, err = e.HandleSignal(ctx, types.ContextDemo, other)
	require.NoError(t, err)
	assert.True(t, dec.Accepted)
}

func TestReplaySameSignalsSameDecisions(t *testing.T) {
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	sigAt := func(offset time.Duration, regime types.Regime) types.Signal {
		s := testSignal(0.80)
		s.Regime = regime
		s.Timestamp = base.Add(offset)
		return s
	}
	seq := []types.Signal{
		sigAt(0, types.RegimeTrending),
		sigAt(5*time.Minute, types.RegimeTrending),
		sigAt(5*time.Minute, types.RegimeRanging),
		sigAt(20*time.Minute, types.RegimeTrending),
	}

	run := func() []Decision {
		e := newTestEngine(t, nil, &memLog{})
		out := make([]Decision, 0, len(seq))
		for _, s := range seq {
			dec, err := e.HandleSignal(context.Background(), types.ContextDemo, s)
			require.NoError(t, err)
			out = append(out, dec)
		}
		return out
	}

	first := run()
	second := run()
	require.Len(t, first, 4)
	// 闸门只看信号时间戳，两次回放的判定序列一致。
	for i := range first {
		assert.Equal(t, first[i].Accepted, second[i].Accepted, "signal %d", i)
		assert.Equal(t, first[i].Reason, second[i].Reason, "signal %d", i)
	}
	assert.True(t, first[0].Accepted)
	assert.Equal(t, risk.ReasonCooldownActive, first[1].Reason)
	assert.True(t, first[2].Accepted)
	// 20 分钟后趋势市冷却(15 分钟)已过。
	assert.True(t, first[3].Accepted)
}

func TestStrategyFamilyGateOnSignals(t *testing.T) {
	exec := executor.New(executor.NewPaperVenue(), 2, time.Millisecond, 4*time.Millisecond)
	profiles := []*risk.Profile{risk.NewProfile(types.ContextDemo, 10000, 10000, 0.25)}
	e, err := New(Deps{
		Params:         testParams(),
		Lifecycle:      testLifecycle(),
		Allocator:      alloc.New(50, 0.1, 1.0, 0.05),
		Executor:       exec,
		AuditLog:       &memLog{},
		StrategyFamily: "technical",
	}, profiles)
	require.NoError(t, err)
	ctx := context.Background()

	dec, err := e.HandleSignal(ctx, types.ContextDemo, testSignal(0.90))
	require.NoError(t, err)
	assert.True(t, dec.Accepted)

	// 族内细分策略放行。
	sub := testSignal(0.95)
	sub.Regime = types.RegimeRanging
	sub.StrategyID = "technical-macd"
	dec, err = e.HandleSignal(ctx, types.ContextDemo, sub)
	require.NoError(t, err)
	assert.True(t, dec.Accepted)

	// 族外策略在入口直接拒绝。
	foreign := testSignal(0.95)
	foreign.StrategyID = "sentiment"
	_, err = e.HandleSignal(ctx, types.ContextDemo, foreign)
	require.Error(t, err)
}

func TestManualKillSwitchBlocksNewSignals(t *testing.T) {
	log := &memLog{}
	e := newTestEngine(t, nil, log)
	ctx := context.Background()

	require.NoError(t, e.TripKillSwitch(ctx, types.ContextDemo, "manual intervention"))
	dec, err := e.HandleSignal(ctx, types.ContextDemo, testSignal(0.95))
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonKillSwitchActive, dec.Reason)
	require.Len(t, log.byKind(audit.KindKillSwitch), 1)

	require.NoError(t, e.ResetKillSwitch(ctx, types.ContextDemo))
	dec, err = e.HandleSignal(ctx, types.ContextDemo, testSignal(0.95))
	require.NoError(t, err)
	assert.True(t, dec.Accepted)
}

func TestExecutionAbandonedReleasesExposure(t *testing.T) {
	log := &memLog{}
	e := newTestEngine(t, failingExec{}, log)

	dec, err := e.HandleSignal(context.Background(), types.ContextDemo, testSignal(0.90))
	require.Error(t, err)
	assert.False(t, dec.Accepted)
	assert.NotEmpty(t, dec.TraceID)

	snap := e.ContextSnapshots()[0]
	assert.Equal(t, "0", snap.ExposureUsed.String())
	// 执行失败不刷新冷却窗口。
	assert.Empty(t, snap.LastTradeAt)

	execEvents := log.byKind(audit.KindExecution)
	require.Len(t, execEvents, 1)
	assert.Equal(t, "ExecutionAbandoned", execEvents[0].Reason)
}

func TestHandleSignalUnknownContext(t *testing.T) {
	e := newTestEngine(t, nil, &memLog{})
	_, err := e.HandleSignal(context.Background(), types.ContextDEX, testSignal(0.90))
	require.Error(t, err)
}

func TestHandleSignalValidatesInput(t *testing.T) {
	e := newTestEngine(t, nil, &memLog{})
	ctx := context.Background()

	bad := testSignal(0.9)
	bad.Side = "sideways"
	_, err := e.HandleSignal(ctx, types.ContextDemo, bad)
	require.Error(t, err)

	bad = testSignal(1.2)
	_, err = e.HandleSignal(ctx, types.ContextDemo, bad)
	require.Error(t, err)

	bad = testSignal(0.9)
	bad.Price = 0
	_, err = e.HandleSignal(ctx, types.ContextDemo, bad)
	require.Error(t, err)
}
