// Package market 定义行情源抽象与 K 线跟踪器。行情源负责拉取历史
// K 线并订阅实时更新，跟踪器在其上维护滚动窗口并计算 ATR。
package market

import "context"

// CandleEvent 是一次 K 线更新，未收盘的 K 线也会推送。
type CandleEvent struct {
	Symbol   string
	Interval string
	Candle   Candle
}

// SubscribeOptions 控制订阅行为。
type SubscribeOptions struct {
	// Buffer 是事件通道容量，<=0 时使用实现默认值。
	Buffer int
	// OnConnect 在连接(或重连)成功后触发。
	OnConnect func()
	// OnDisconnect 在连接断开后触发，参数可能为 nil。
	OnDisconnect func(err error)
}

// SourceStats 记录行情源连接状况。
type SourceStats struct {
	Reconnects      int64  `json:"reconnects"`
	SubscribeErrors int64  `json:"subscribe_errors"`
	LastError       string `json:"last_error,omitempty"`
}

// Source 是行情数据源。
type Source interface {
	// FetchHistory 拉取最近 limit 根已收盘 K 线，按时间升序返回。
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	// Subscribe 订阅实时 K 线，通道在 ctx 取消后关闭。
	Subscribe(ctx context.Context, symbols []string, interval string, opts SubscribeOptions) (<-chan CandleEvent, error)
	Stats() SourceStats
	Close() error
}
