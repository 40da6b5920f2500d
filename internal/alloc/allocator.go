// Package alloc 维护 (市场状态, 策略) 的滚动表现表，并把表现映射为
// 确定性的配额权重。没有任何随机抽样：同样的成交序列得到同样的权重。
package alloc

import (
	"sort"
	"sync"

	"aegis/internal/types"
)

type cellKey struct {
	regime   types.Regime
	strategy string
}

type cell struct {
	// 最近 window 笔的 R 倍数，先进先出。
	results []float64
}

// CellStats 是单元格的导出统计，供状态接口与审计使用。
type CellStats struct {
	Regime     types.Regime `json:"regime"`
	Strategy   string       `json:"strategy"`
	Trades     int          `json:"trades"`
	WinRate    float64      `json:"win_rate"`
	Expectancy float64      `json:"expectancy"`
	MaxRunDown float64      `json:"max_run_down"`
	Weight     float64      `json:"weight"`
}

// Allocator 是策略配额表。写入与读取都串行化，权重计算只依赖窗口内容。
type Allocator struct {
	mu        sync.Mutex
	window    int
	minWeight float64
	maxWeight float64
	ddPenalty float64
	cells     map[cellKey]*cell
}

func New(window int, minWeight, maxWeight, ddPenalty float64) *Allocator {
	if window <= 0 {
		window = 50
	}
	return &Allocator{
		window:    window,
		minWeight: minWeight,
		maxWeight: maxWeight,
		ddPenalty: ddPenalty,
		cells:     make(map[cellKey]*cell),
	}
}

// RecordResult 在仓位完全关闭后登记该笔的 R 倍数。
func (a *Allocator) RecordResult(regime types.Regime, strategyID string, rMultiple float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := cellKey{regime: regime, strategy: strategyID}
	c := a.cells[key]
	if c == nil {
		c = &cell{}
		a.cells[key] = c
	}
	c.results = append(c.results, rMultiple)
	if len(c.results) > a.window {
		c.results = c.results[len(c.results)-a.window:]
	}
}

// Weight 返回该组合的当前权重。没有成交记录的组合给保底权重：
// 新组合从小仓位开始累积样本，表现好了权重才会上去。
func (a *Allocator) Weight(regime types.Regime, strategyID string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.cells[cellKey{regime: regime, strategy: strategyID}]
	if c == nil || len(c.results) == 0 {
		return a.minWeight
	}
	return a.weightOf(c)
}

// weightOf 把窗口统计映射为权重：
// 0.5 + 0.5×期望 R − 回撤惩罚×窗口内最大连续回撤，夹在 [min,max]。
func (a *Allocator) weightOf(c *cell) float64 {
	exp := expectancy(c.results)
	w := 0.5 + 0.5*exp - a.ddPenalty*maxRunDown(c.results)
	if w < a.minWeight {
		return a.minWeight
	}
	if w > a.maxWeight {
		return a.maxWeight
	}
	return w
}

func expectancy(results []float64) float64 {
	if len(results) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range results {
		sum += r
	}
	return sum / float64(len(results))
}

// maxRunDown 计算窗口内累计 R 曲线的最大峰谷落差。
func maxRunDown(results []float64) float64 {
	peak, cum, maxDD := 0.0, 0.0, 0.0
	for _, r := range results {
		cum += r
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// Table 导出全部单元格统计，按 (regime, strategy) 排序保证输出稳定。
func (a *Allocator) Table() []CellStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CellStats, 0, len(a.cells))
	for key, c := range a.cells {
		wins := 0
		for _, r := range c.results {
			if r > 0 {
				wins++
			}
		}
		winRate := 0.0
		if len(c.results) > 0 {
			winRate = float64(wins) / float64(len(c.results))
		}
		out = append(out, CellStats{
			Regime:     key.regime,
			Strategy:   key.strategy,
			Trades:     len(c.results),
			WinRate:    winRate,
			Expectancy: expectancy(c.results),
			MaxRunDown: maxRunDown(c.results),
			Weight:     a.weightOf(c),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Regime != out[j].Regime {
			return out[i].Regime < out[j].Regime
		}
		return out[i].Strategy < out[j].Strategy
	})
	return out
}
