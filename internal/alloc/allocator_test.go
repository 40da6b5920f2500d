package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"aegis/internal/types"
)

func TestUnknownCellGetsFloorWeight(t *testing.T) {
	a := New(50, 0.1, 1.0, 0.05)
	// 没有任何成交记录的组合只拿保底权重。
	assert.Equal(t, 0.1, a.Weight(types.RegimeTrending, "unseen-strategy"))

	// 一旦有了样本，权重由窗口统计决定。
	a.RecordResult(types.RegimeTrending, "unseen-strategy", 1.0)
	assert.Greater(t, a.Weight(types.RegimeTrending, "unseen-strategy"), 0.1)
}

func TestWeightTracksExpectancy(t *testing.T) {
	a := New(50, 0.1, 1.0, 0)

	for i := 0; i < 10; i++ {
		a.RecordResult(types.RegimeTrending, "technical", 1.0)
	}
	assert.InDelta(t, 1.0, a.Weight(types.RegimeTrending, "technical"), 1e-9)

	for i := 0; i < 10; i++ {
		a.RecordResult(types.RegimeRanging, "technical", -1.0)
	}
	// 期望 R = -1 → 0.5-0.5 = 0，夹到下限。
	assert.InDelta(t, 0.1, a.Weight(types.RegimeRanging, "technical"), 1e-9)

	// 不同 regime 的同一策略互不影响。
	assert.InDelta(t, 1.0, a.Weight(types.RegimeTrending, "technical"), 1e-9)
}

func TestRollingWindowEvictsOldResults(t *testing.T) {
	a := New(5, 0.1, 1.0, 0)
	for i := 0; i < 20; i++ {
		a.RecordResult(types.RegimeTrending, "s", -2.0)
	}
	for i := 0; i < 5; i++ {
		a.RecordResult(types.RegimeTrending, "s", 1.0)
	}
	// 窗口=5，早期亏损已全部滚出。
	assert.InDelta(t, 1.0, a.Weight(types.RegimeTrending, "s"), 1e-9)
}

func TestDrawdownPenalty(t *testing.T) {
	noPenalty := New(50, 0.1, 1.0, 0)
	penalized := New(50, 0.1, 1.0, 0.1)
	// 期望 R 为 0 但来回摆动，累计曲线回撤 2R。
	seq := []float64{2, -2, 2, -2}
	for _, r := range seq {
		noPenalty.RecordResult(types.RegimeVolatile, "s", r)
		penalized.RecordResult(types.RegimeVolatile, "s", r)
	}
	assert.Greater(t,
		noPenalty.Weight(types.RegimeVolatile, "s"),
		penalized.Weight(types.RegimeVolatile, "s"))
}

func TestWeightIsDeterministic(t *testing.T) {
	build := func() *Allocator {
		a := New(50, 0.1, 1.0, 0.05)
		seq := []float64{1.5, -1, 2.5, -1, 0.8}
		for _, r := range seq {
			a.RecordResult(types.RegimeTrending, "technical", r)
		}
		return a
	}
	w1 := build().Weight(types.RegimeTrending, "technical")
	w2 := build().Weight(types.RegimeTrending, "technical")
	assert.Equal(t, w1, w2)
}

func TestTableStableOrder(t *testing.T) {
	a := New(50, 0.1, 1.0, 0)
	a.RecordResult(types.RegimeVolatile, "b", 1)
	a.RecordResult(types.RegimeRanging, "a", 1)
	a.RecordResult(types.RegimeRanging, "b", -1)

	table := a.Table()
	assert.Len(t, table, 3)
	assert.Equal(t, types.RegimeRanging, table[0].Regime)
	assert.Equal(t, "a", table[0].Strategy)
	assert.Equal(t, "b", table[1].Strategy)
	assert.Equal(t, types.RegimeVolatile, table[2].Regime)
	assert.InDelta(t, 0.5, table[1].WinRate, 1.0)
}
