// Package app 负责应用级编排：加载配置、初始化依赖、
// 启动行情订阅与 HTTP 服务，并在退出时回收资源。
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aegis/internal/config"
	"aegis/internal/engine"
	"aegis/internal/logger"
	"aegis/internal/market"
	"aegis/internal/store/archive"
	"aegis/internal/store/decisionlog"
	enginehttp "aegis/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

const historyPreload = 200

// App 聚合全部运行时组件。
type App struct {
	cfg      *config.Config
	engine   *engine.Engine
	tracker  *market.Tracker
	source   market.Source
	server   *enginehttp.Server
	auditLog *decisionlog.Store
	trades   *archive.Store
}

// New 按配置组装一个可运行的实例。
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置为空")
	}
	return build(cfg)
}

// Run 启动行情与 HTTP 服务并阻塞到 ctx 取消。
// 返回前等待仓位管理器排空、关闭存储与行情连接。
func (a *App) Run(ctx context.Context) error {
	logger.InfoBlock(fmt.Sprintf(
		"aegis 启动\nenv=%s http=%s\nsymbols=%v interval=%s",
		a.cfg.App.Env, a.cfg.App.HTTPAddr, a.cfg.Market.Symbols, a.cfg.Kline.Interval,
	))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Start(ctx)
	})
	g.Go(func() error {
		return a.runMarket(ctx)
	})

	err := g.Wait()
	a.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runMarket 先回填历史 K 线喂满 ATR 窗口，再切换到实时订阅。
func (a *App) runMarket(ctx context.Context) error {
	interval := a.cfg.Kline.Interval
	for _, symbol := range a.cfg.Market.Symbols {
		candles, err := a.source.FetchHistory(ctx, symbol, interval, historyPreload)
		if err != nil {
			return fmt.Errorf("回填 %s 历史K线失败: %w", symbol, err)
		}
		a.tracker.Preload(symbol, candles)
		logger.Infof("已回填 %s %s K线 %d 根", symbol, interval, len(candles))
	}

	events, err := a.source.Subscribe(ctx, a.cfg.Market.Symbols, interval, market.SubscribeOptions{
		OnConnect: func() {
			logger.Infof("行情流已连接: %v @%s", a.cfg.Market.Symbols, interval)
		},
		OnDisconnect: func(cause error) {
			logger.Warnf("行情流断开: %v", cause)
		},
	})
	if err != nil {
		return fmt.Errorf("订阅行情失败: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("行情流已关闭")
			}
			a.tracker.OnCandle(ev)
		}
	}
}

func (a *App) shutdown() {
	logger.Infof("开始停机，等待仓位管理器排空")
	a.source.Close()

	done := make(chan struct{})
	go func() {
		a.engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warnf("仓位管理器未在限时内排空，强制退出")
	}

	if err := a.auditLog.Close(); err != nil {
		logger.Errorf("关闭审计日志失败: %v", err)
	}
	if err := a.trades.Close(); err != nil {
		logger.Errorf("关闭交易归档失败: %v", err)
	}
	logger.Infof("停机完成")
}
