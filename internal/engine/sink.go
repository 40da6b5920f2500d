package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"aegis/internal/gateway/notifier"
	"aegis/internal/logger"
	"aegis/internal/store/archive"
	"aegis/internal/types"
)

// 引擎作为 lifecycle.Sink 承接生命周期的结果入账。

// PositionReduced 在分批/平仓成交后归还敞口。
func (e *Engine) PositionReduced(snap types.PositionSnapshot, releasedNotional decimal.Decimal, realized float64) {
	cs := e.contexts[snap.Context]
	if cs == nil {
		logger.Errorf("仓位 %s 归属未知上下文 %s，敞口无法归还", snap.ID, snap.Context)
		return
	}
	cs.profile.Release(releasedNotional)
}

// PositionClosed 在仓位完全关闭后入账：资金、连亏、配额表与归档。
// 回撤越过阈值时自动熔断该上下文。
func (e *Engine) PositionClosed(snap types.PositionSnapshot, finalR float64, realized float64) {
	cs := e.contexts[snap.Context]
	if cs == nil {
		logger.Errorf("仓位 %s 归属未知上下文 %s，无法入账", snap.ID, snap.Context)
		return
	}
	tripped := cs.profile.RecordTradeResult(realized)
	if e.alloc != nil {
		e.alloc.RecordResult(snap.Regime, snap.StrategyID, finalR)
	}
	e.keepRecent(snap)
	e.archiveTrade(snap, finalR, realized)
	logger.Infof("仓位 %s %s 已关闭 realized=%.4f R=%.2f", snap.ID, snap.Symbol, realized, finalR)

	if tripped {
		_, reason := cs.profile.KillSwitch()
		e.auditKillSwitch(context.Background(), snap.Context, "auto: "+reason)
		logger.Errorf("上下文 %s 自动熔断: %s", snap.Context, reason)
		e.sendNotify(notifier.StructuredMessage{
			Icon:  "🛑",
			Title: "自动熔断",
			Sections: []notifier.MessageSection{{
				Lines: []string{
					fmt.Sprintf("上下文: %s", snap.Context),
					fmt.Sprintf("原因: %s", reason),
					"新开仓已拒绝，存量仓位继续托管",
				},
			}},
			Timestamp: time.Now(),
		})
	}
}

// PositionHalted 在仓位停止自动化管理时记录并通知，不做任何修正。
func (e *Engine) PositionHalted(snap types.PositionSnapshot, reason string) {
	e.keepRecent(snap)
	e.sendNotify(notifier.StructuredMessage{
		Icon:  "⚠️",
		Title: "仓位停止托管",
		Sections: []notifier.MessageSection{{
			Lines: []string{
				fmt.Sprintf("仓位: %s", snap.ID),
				fmt.Sprintf("上下文: %s", snap.Context),
				fmt.Sprintf("交易对: %s %s", snap.Symbol, snap.Side),
				fmt.Sprintf("状态: %s", snap.State),
				fmt.Sprintf("原因: %s", reason),
				"需要人工处置",
			},
		}},
		Timestamp: time.Now(),
	})
}

func (e *Engine) archiveTrade(snap types.PositionSnapshot, finalR, realized float64) {
	if e.archive == nil {
		return
	}
	rec := archive.TradeRecord{
		PositionID:  snap.ID,
		TraceID:     snap.TraceID,
		Context:     snap.Context,
		Symbol:      snap.Symbol,
		Side:        snap.Side,
		StrategyID:  snap.StrategyID,
		Regime:      snap.Regime,
		EntryPrice:  snap.EntryPrice,
		InitialStop: snap.InitialStop,
		Size:        snap.Size,
		RealizedPnL: realized,
		FinalR:      finalR,
		Halted:      snap.Halted,
		HaltReason:  snap.HaltReason,
		OpenedAt:    snap.OpenedAt,
		ClosedAt:    snap.UpdatedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.archive.SaveTrade(ctx, rec); err != nil {
		logger.Warnf("归档交易 %s 失败: %v", snap.ID, err)
	}
}
