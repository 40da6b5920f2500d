package lifecycle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/audit"
	"aegis/internal/executor"
	"aegis/internal/types"
)

// fillExec 按请求价全额成交并记录每笔订单。
type fillExec struct {
	orders []types.OrderRequest
	err    error
}

func (e *fillExec) Execute(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	if e.err != nil {
		return types.OrderResult{}, e.err
	}
	e.orders = append(e.orders, req)
	return types.OrderResult{
		OrderID:    fmt.Sprintf("o-%d", len(e.orders)),
		FilledSize: req.Size,
		AvgPrice:   req.Price,
		FilledAt:   time.Now(),
	}, nil
}

type recSink struct {
	reduced []float64
	closed  []float64 // finalR
	halted  []string
}

func (s *recSink) PositionReduced(snap types.PositionSnapshot, released decimal.Decimal, realized float64) {
	s.reduced = append(s.reduced, realized)
}
func (s *recSink) PositionClosed(snap types.PositionSnapshot, finalR, realized float64) {
	s.closed = append(s.closed, finalR)
}
func (s *recSink) PositionHalted(snap types.PositionSnapshot, reason string) {
	s.halted = append(s.halted, reason)
}

func testConfig() Config {
	return Config{
		BreakevenR:        1.0,
		TP1R:              1.5,
		TP1Fraction:       0.5,
		TP2R:              2.5,
		TP2Fraction:       0.5,
		ChandelierATRMult: 3.0,
	}
}

func openPosition(t *testing.T) *Position {
	t.Helper()
	sig := types.Signal{
		Symbol:     "BTCUSDT",
		Side:       types.SideLong,
		Confidence: 0.9,
		Regime:     types.RegimeTrending,
		StrategyID: "technical",
		Price:      100,
	}
	fill := types.OrderResult{
		OrderID:    "open-1",
		FilledSize: decimal.NewFromInt(1),
		AvgPrice:   100,
		FilledAt:   time.Now(),
	}
	pos, err := NewPosition("trace-1", types.ContextDemo, sig, 95, 115, fill)
	require.NoError(t, err)
	return pos
}

func newTestActor(t *testing.T, pos *Position, exec OrderExecutor, sink Sink) *actor {
	t.Helper()
	m := NewManager(testConfig(), exec, audit.Nop(), sink)
	return &actor{
		m:     m,
		pos:   pos,
		cfg:   m.config(),
		ticks: make(chan types.MarketTick, 1),
		cmds:  make(chan command, 1),
	}
}

func tick(price, atr float64) types.MarketTick {
	return types.MarketTick{Symbol: "BTCUSDT", Price: price, ATR: atr, Timestamp: time.Now()}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from    State
		trigger Trigger
		want    State
		ok      bool
	}{
		{StateOpen, TriggerBreakevenSet, StateBreakeven, true},
		{StateBreakeven, TriggerTrailArmed, StateTrailing, true},
		{StateTrailing, TriggerTP1Filled, StatePartialTP1Filled, true},
		{StatePartialTP1Filled, TriggerTP2Filled, StatePartialTP2Filled, true},
		{StateOpen, TriggerStopFilled, StateClosed, true},
		{StatePartialTP2Filled, TriggerStopFilled, StateClosed, true},
		{StateBreakeven, TriggerFlattened, StateClosed, true},
		// 非法转移
		{StateOpen, TriggerTP1Filled, StateOpen, false},
		{StateBreakeven, TriggerBreakevenSet, StateBreakeven, false},
		{StateTrailing, TriggerTP2Filled, StateTrailing, false},
		{StateClosed, TriggerStopFilled, StateClosed, false},
		{StateClosed, TriggerBreakevenSet, StateClosed, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s+%s", tc.from, tc.trigger), func(t *testing.T) {
			got, err := Transition(tc.from, tc.trigger)
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// 完整走一遍：100 开仓止损 95，105 保本，107.5 吃第一批，
// 112.5 吃第二批，回落到追踪止损处清掉尾仓。
func TestFullLifecycle(t *testing.T) {
	exec := &fillExec{}
	sink := &recSink{}
	pos := openPosition(t)
	a := newTestActor(t, pos, exec, sink)
	ctx := context.Background()

	a.handleTick(ctx, tick(104.9, 2))
	assert.Equal(t, StateOpen, pos.State)
	assert.Equal(t, 95.0, pos.StopPrice)

	// 1R：保本并立即武装追踪。
	a.handleTick(ctx, tick(105, 2))
	assert.Equal(t, StateTrailing, pos.State)
	assert.Equal(t, 100.0, pos.StopPrice)

	// 1.5R：先收紧追踪(105→107.5 锚点)，再成交第一批 50%。
	a.handleTick(ctx, tick(107.5, 2))
	assert.Equal(t, StatePartialTP1Filled, pos.State)
	assert.True(t, pos.RemainingSize.Equal(decimal.NewFromFloat(0.5)), "got %s", pos.RemainingSize)
	assert.InDelta(t, 101.5, pos.StopPrice, 1e-9) // 107.5 - 3*2
	assert.InDelta(t, 3.75, pos.RealizedPnL, 1e-9)

	// 2.5R 之上：第二批吃掉剩余的 50%。
	a.handleTick(ctx, tick(112.5, 2))
	assert.Equal(t, StatePartialTP2Filled, pos.State)
	assert.True(t, pos.RemainingSize.Equal(decimal.NewFromFloat(0.25)), "got %s", pos.RemainingSize)
	assert.InDelta(t, 106.5, pos.StopPrice, 1e-9)

	// 跌破追踪止损：尾仓全部离场，生命周期结束。
	a.handleTick(ctx, tick(106, 2))
	assert.Equal(t, StateClosed, pos.State)
	assert.False(t, pos.RemainingSize.IsPositive())

	// 3.75 + 12.5*0.25 + 6*0.25 = 8.375 → R = 8.375/5
	require.Len(t, sink.closed, 1)
	assert.InDelta(t, 1.675, sink.closed[0], 1e-9)
	assert.Len(t, sink.reduced, 3)

	// 订单序列：TP1、TP2、止损。
	require.Len(t, exec.orders, 3)
	assert.Equal(t, types.IntentPartialTP, exec.orders[0].Intent)
	assert.Equal(t, types.IntentPartialTP, exec.orders[1].Intent)
	assert.Equal(t, types.IntentStopOut, exec.orders[2].Intent)
}

func TestGapTickWalksAllStages(t *testing.T) {
	exec := &fillExec{}
	pos := openPosition(t)
	a := newTestActor(t, pos, exec, &recSink{})

	// 一个 tick 直接跳到 3R：保本、追踪、TP1、TP2 依次发生。
	a.handleTick(context.Background(), tick(115, 1))
	assert.Equal(t, StatePartialTP2Filled, pos.State)
	assert.True(t, pos.RemainingSize.Equal(decimal.NewFromFloat(0.25)))
	require.Len(t, exec.orders, 2)
}

func TestStopTakesPrecedenceOverTakeProfit(t *testing.T) {
	exec := &fillExec{}
	pos := openPosition(t)
	a := newTestActor(t, pos, exec, &recSink{})
	ctx := context.Background()

	// 推到 2R 附近，让追踪止损收紧到 TP1 水平之上。
	a.handleTick(ctx, tick(110, 0.5))
	require.Equal(t, StatePartialTP1Filled, pos.State)
	assert.InDelta(t, 108.5, pos.StopPrice, 1e-9)

	// 107.5 同时是 TP1 的 R 水平，但已低于止损线：按止损清仓。
	a.handleTick(ctx, tick(107.5, 0.5))
	assert.Equal(t, StateClosed, pos.State)
	last := exec.orders[len(exec.orders)-1]
	assert.Equal(t, types.IntentStopOut, last.Intent)
}

func TestBreakevenIsOneShot(t *testing.T) {
	exec := &fillExec{}
	pos := openPosition(t)
	a := newTestActor(t, pos, exec, &recSink{})
	ctx := context.Background()

	a.handleTick(ctx, tick(105, 10)) // ATR 大到追踪不收紧
	require.Equal(t, StateTrailing, pos.State)
	require.Equal(t, 100.0, pos.StopPrice)

	// 回落到入场价：以保本价离场，盈亏为 0。
	a.handleTick(ctx, tick(100, 10))
	assert.Equal(t, StateClosed, pos.State)
	assert.InDelta(t, 0, pos.RealizedPnL, 1e-9)
}

func TestTrailingStopOnlyTightens(t *testing.T) {
	pos := openPosition(t)
	pos.State = StateTrailing
	pos.StopPrice = 100
	pos.Anchor = 110

	// 锚点回退的候选低于当前止损：不动。
	moved := tightenStop(pos, 5, 3.0) // 110-15=95 < 100
	assert.False(t, moved)
	assert.Equal(t, 100.0, pos.StopPrice)

	moved = tightenStop(pos, 2, 3.0) // 110-6=104 > 100
	assert.True(t, moved)
	assert.Equal(t, 104.0, pos.StopPrice)
}

func TestShortSideLifecycle(t *testing.T) {
	exec := &fillExec{}
	sink := &recSink{}
	sig := types.Signal{
		Symbol: "ETHUSDT", Side: types.SideShort,
		Regime: types.RegimeTrending, StrategyID: "technical", Price: 100,
	}
	fill := types.OrderResult{FilledSize: decimal.NewFromInt(2), AvgPrice: 100, FilledAt: time.Now()}
	pos, err := NewPosition("trace-2", types.ContextDemo, sig, 105, 85, fill)
	require.NoError(t, err)
	a := newTestActor(t, pos, exec, sink)
	a.pos.Symbol = "ETHUSDT"
	ctx := context.Background()

	a.handleTick(ctx, types.MarketTick{Symbol: "ETHUSDT", Price: 95, ATR: 10, Timestamp: time.Now()})
	assert.Equal(t, StateTrailing, pos.State)
	assert.Equal(t, 100.0, pos.StopPrice)

	a.handleTick(ctx, types.MarketTick{Symbol: "ETHUSDT", Price: 92.5, ATR: 10, Timestamp: time.Now()})
	assert.Equal(t, StatePartialTP1Filled, pos.State)
	assert.True(t, pos.RemainingSize.Equal(decimal.NewFromInt(1)))
	assert.InDelta(t, 7.5, sink.reduced[0], 1e-9)
}

func TestInvariantViolationHaltsWithoutCorrection(t *testing.T) {
	exec := &fillExec{}
	sink := &recSink{}
	pos := openPosition(t)
	// 人为制造账目违例：剩余数量大于开仓数量。
	pos.RemainingSize = decimal.NewFromInt(2)
	a := newTestActor(t, pos, exec, sink)

	a.handleTick(context.Background(), tick(105, 2))
	assert.True(t, pos.Halted)
	require.Len(t, sink.halted, 1)
	assert.Contains(t, sink.halted[0], "exceeds opened size")
	// 不下任何订单，也不就地修账。
	assert.Empty(t, exec.orders)
	assert.True(t, pos.RemainingSize.Equal(decimal.NewFromInt(2)))
}

func TestExecutionAbandonedHaltsPosition(t *testing.T) {
	exec := &fillExec{err: fmt.Errorf("%w after 3 retries", executor.ErrExecutionAbandoned)}
	sink := &recSink{}
	pos := openPosition(t)
	a := newTestActor(t, pos, exec, sink)

	// 直接触发止损路径，执行被放弃后仓位停管。
	a.handleTick(context.Background(), tick(94, 2))
	assert.True(t, pos.Halted)
	require.Len(t, sink.halted, 1)
	assert.Contains(t, sink.halted[0], "ExecutionAbandoned")
}

func TestManagerTrackAndFlatten(t *testing.T) {
	exec := &fillExec{}
	sink := &recSink{}
	m := NewManager(testConfig(), exec, audit.Nop(), sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pos := openPosition(t)
	require.NoError(t, m.Track(ctx, pos))

	m.OnTick(tick(102, 2))
	require.Eventually(t, func() bool {
		snaps := m.Snapshots()
		return len(snaps) == 1 && snaps[0].UnrealizedR > 0
	}, time.Second, 5*time.Millisecond)

	m.Flatten(pos.ID)
	require.Eventually(t, func() bool {
		return len(m.Snapshots()) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, sink.closed, 1)
}
