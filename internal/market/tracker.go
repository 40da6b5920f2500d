package market

import (
	"fmt"
	"sync"
	"time"

	"aegis/internal/types"

	"github.com/markcheno/go-talib"
)

// TickHandler 接收跟踪器产出的行情快照。
type TickHandler func(types.MarketTick)

// Tracker 为每个交易对维护滚动 K 线窗口，并在每次更新时计算 ATR。
// 未收盘的 K 线按 OpenTime 原地覆盖，窗口只保留 maxCached 根。
type Tracker struct {
	mu        sync.Mutex
	maxCached int
	atrPeriod int
	series    map[string][]Candle
	handler   TickHandler
}

func NewTracker(maxCached, atrPeriod int, handler TickHandler) (*Tracker, error) {
	if atrPeriod <= 0 {
		return nil, fmt.Errorf("atr period must be positive, got %d", atrPeriod)
	}
	// ATR 需要 period+1 根才有首个值，再留一倍余量平滑。
	minCached := atrPeriod*2 + 2
	if maxCached < minCached {
		maxCached = minCached
	}
	return &Tracker{
		maxCached: maxCached,
		atrPeriod: atrPeriod,
		series:    make(map[string][]Candle),
		handler:   handler,
	}, nil
}

// Preload 注入历史 K 线，要求按时间升序。
func (t *Tracker) Preload(symbol string, candles []Candle) {
	if symbol == "" || len(candles) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	window := append([]Candle(nil), candles...)
	if len(window) > t.maxCached {
		window = window[len(window)-t.maxCached:]
	}
	t.series[symbol] = window
}

// OnCandle 合并一次 K 线更新并向 handler 推送行情快照。
// ATR 尚未预热时不推送。
func (t *Tracker) OnCandle(ev CandleEvent) {
	if ev.Symbol == "" {
		return
	}
	t.mu.Lock()
	window := t.merge(ev.Symbol, ev.Candle)
	atr := atrOf(window, t.atrPeriod)
	handler := t.handler
	t.mu.Unlock()

	if handler == nil || atr <= 0 {
		return
	}
	handler(types.MarketTick{
		Symbol:    ev.Symbol,
		Price:     ev.Candle.Close,
		ATR:       atr,
		Timestamp: time.UnixMilli(ev.Candle.CloseTime),
	})
}

// ATR 返回当前窗口的 ATR，预热不足时返回 0。
func (t *Tracker) ATR(symbol string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return atrOf(t.series[symbol], t.atrPeriod)
}

// LastPrice 返回最近一次更新的收盘价，无数据时返回 0。
func (t *Tracker) LastPrice(symbol string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	window := t.series[symbol]
	if len(window) == 0 {
		return 0
	}
	return window[len(window)-1].Close
}

// Symbols 返回已跟踪的交易对数量。
func (t *Tracker) Symbols() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.series)
}

func (t *Tracker) merge(symbol string, c Candle) []Candle {
	window := t.series[symbol]
	if n := len(window); n > 0 && window[n-1].OpenTime == c.OpenTime {
		window[n-1] = c
	} else {
		window = append(window, c)
		if len(window) > t.maxCached {
			window = window[len(window)-t.maxCached:]
		}
	}
	t.series[symbol] = window
	return window
}

func atrOf(window []Candle, period int) float64 {
	if len(window) <= period {
		return 0
	}
	highs := make([]float64, len(window))
	lows := make([]float64, len(window))
	closes := make([]float64, len(window))
	for i, c := range window {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}
	out := talib.Atr(highs, lows, closes, period)
	if len(out) == 0 {
		return 0
	}
	return out[len(out)-1]
}
