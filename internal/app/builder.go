package app

import (
	"fmt"
	"strings"
	"time"

	"aegis/internal/alloc"
	"aegis/internal/config"
	"aegis/internal/engine"
	"aegis/internal/executor"
	"aegis/internal/exitplan"
	"aegis/internal/gateway/binance"
	"aegis/internal/gateway/notifier"
	"aegis/internal/lifecycle"
	"aegis/internal/logger"
	"aegis/internal/market"
	"aegis/internal/pkg/circuit"
	symbolpkg "aegis/internal/pkg/symbol"
	"aegis/internal/risk"
	"aegis/internal/store/archive"
	"aegis/internal/store/decisionlog"
	enginehttp "aegis/internal/transport/http"
	"aegis/internal/types"
)

// build 按配置组装全部依赖。
func build(cfg *config.Config) (*App, error) {
	profiles, err := buildProfiles(cfg)
	if err != nil {
		return nil, err
	}

	auditLog, err := decisionlog.NewStore(cfg.Store.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("初始化审计日志失败: %w", err)
	}
	trades, err := archive.NewStore(cfg.Store.ArchivePath)
	if err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("初始化交易归档失败: %w", err)
	}

	lifecycleCfg, registry := resolveLifecycle(cfg)

	exec := executor.New(
		executor.NewPaperVenue(),
		cfg.Executor.MaxRetries,
		time.Duration(cfg.Executor.BackoffBaseMs)*time.Millisecond,
		time.Duration(cfg.Executor.BackoffMaxMs)*time.Millisecond,
	)
	if cfg.Executor.BreakerThreshold > 0 {
		exec.SetBreaker(circuit.New(
			"executor",
			cfg.Executor.BreakerThreshold,
			time.Duration(cfg.Executor.BreakerCooldownSeconds)*time.Second,
		))
	}

	var tg notifier.TextNotifier
	if cfg.Notify.Telegram.Enabled {
		tg = notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
	}

	eng, err := engine.New(engine.Deps{
		Params:    buildRiskParams(cfg),
		Lifecycle: lifecycleCfg,
		Allocator: alloc.New(
			cfg.Allocator.WindowSize,
			cfg.Allocator.MinWeight,
			cfg.Allocator.MaxWeight,
			cfg.Allocator.DrawdownPenalty,
		),
		Executor:       exec,
		AuditLog:       auditLog,
		Archive:        trades,
		Notifier:       tg,
		StrategyFamily: string(cfg.Account.Strategy),
	}, profiles)
	if err != nil {
		auditLog.Close()
		trades.Close()
		return nil, err
	}

	if registry != nil {
		riskLevel := string(cfg.Account.RiskLevel)
		registry.OnChange(func(snap exitplan.Snapshot) {
			plan, ok := snap.Plans[riskLevel]
			if !ok {
				logger.Warnf("退出计划模板 v%d 缺少 %s 档，沿用当前参数", snap.Version, riskLevel)
				return
			}
			eng.UpdateLifecycle(planToLifecycle(plan))
			logger.Infof("退出计划模板 v%d 生效(%s 档)，只影响之后开出的仓位", snap.Version, riskLevel)
		})
	}

	cfg.Market.Symbols = symbolpkg.CleanList(cfg.Market.Symbols)
	if len(cfg.Market.Symbols) == 0 {
		auditLog.Close()
		trades.Close()
		return nil, fmt.Errorf("market.symbols 为空")
	}

	tracker, err := market.NewTracker(cfg.Kline.MaxCached, cfg.Kline.ATRPeriod, eng.OnTick)
	if err != nil {
		auditLog.Close()
		trades.Close()
		return nil, err
	}

	source, err := buildMarketSource(cfg)
	if err != nil {
		auditLog.Close()
		trades.Close()
		return nil, err
	}

	server, err := enginehttp.NewServer(enginehttp.ServerConfig{
		Addr:   cfg.App.HTTPAddr,
		Engine: eng,
		Logs:   auditLog,
		Trades: trades,
	})
	if err != nil {
		auditLog.Close()
		trades.Close()
		source.Close()
		return nil, err
	}

	return &App{
		cfg:      cfg,
		engine:   eng,
		tracker:  tracker,
		source:   source,
		server:   server,
		auditLog: auditLog,
		trades:   trades,
	}, nil
}

func buildProfiles(cfg *config.Config) ([]*risk.Profile, error) {
	var profiles []*risk.Profile
	for _, cc := range cfg.Contexts {
		if !cc.Enabled {
			continue
		}
		execCtx, ok := types.ParseExecContext(cc.Name)
		if !ok {
			return nil, fmt.Errorf("未知执行上下文 %q", cc.Name)
		}
		profiles = append(profiles, risk.NewProfile(
			execCtx,
			cc.InitialEquity,
			cc.ExposureLimit,
			cfg.Risk.MaxDrawdown,
		))
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("没有启用任何执行上下文")
	}
	return profiles, nil
}

func buildRiskParams(cfg *config.Config) risk.Params {
	return risk.Params{
		BaseThreshold:            cfg.Risk.BaseThreshold,
		DrawdownSteps:            toSteps(cfg.Risk.DrawdownSteps),
		LossStreakSteps:          toSteps(cfg.Risk.LossStreakSteps),
		CooldownVolatile:         time.Duration(cfg.Risk.CooldownVolatileMinutes) * time.Minute,
		CooldownDefault:          time.Duration(cfg.Risk.CooldownDefaultMinutes) * time.Minute,
		CooldownBypassConfidence: cfg.Risk.CooldownBypassConfidence,
		RiskPerTradePct:          cfg.Risk.RiskPerTradePct,
		StopATRMult:              cfg.Risk.StopATRMult,
		TargetATRMult:            cfg.Risk.TargetATRMult,
		TakerFee:                 cfg.Risk.TakerFee,
		SlippageEst:              cfg.Risk.SlippageEst,
	}
}

func toSteps(in []config.ThresholdStep) []risk.Step {
	out := make([]risk.Step, 0, len(in))
	for _, s := range in {
		out = append(out, risk.Step{Min: s.Min, Add: s.Add})
	}
	return out
}

// resolveLifecycle 先取配置里的退出阶梯，再尝试用模板按账户风险等级覆盖。
// 模板不可用时降级为配置值。
func resolveLifecycle(cfg *config.Config) (lifecycle.Config, *exitplan.Registry) {
	base := lifecycle.Config{
		BreakevenR:        cfg.Lifecycle.BreakevenR,
		TP1R:              cfg.Lifecycle.TP1R,
		TP1Fraction:       cfg.Lifecycle.TP1Fraction,
		TP2R:              cfg.Lifecycle.TP2R,
		TP2Fraction:       cfg.Lifecycle.TP2Fraction,
		ChandelierATRMult: cfg.Lifecycle.ChandelierATRMult,
	}
	registry, err := exitplan.NewRegistry(cfg.Lifecycle.ExitPlansPath)
	if err != nil {
		logger.Warnf("退出计划模板不可用(%v)，使用配置内阶梯", err)
		return base, nil
	}
	if plan, ok := registry.Plan(string(cfg.Account.RiskLevel)); ok {
		return planToLifecycle(plan), registry
	}
	logger.Warnf("退出计划模板缺少 %s 档，使用配置内阶梯", cfg.Account.RiskLevel)
	return base, registry
}

func planToLifecycle(p exitplan.Plan) lifecycle.Config {
	return lifecycle.Config{
		BreakevenR:        p.BreakevenR,
		TP1R:              p.TP1R,
		TP1Fraction:       p.TP1Fraction,
		TP2R:              p.TP2R,
		TP2Fraction:       p.TP2Fraction,
		ChandelierATRMult: p.ChandelierATRMult,
	}
}

func buildMarketSource(cfg *config.Config) (market.Source, error) {
	src := cfg.Market.ResolveActiveSource()
	if name := strings.ToLower(strings.TrimSpace(src.Name)); name != "binance" {
		return nil, fmt.Errorf("不支持的行情源 %q", src.Name)
	}
	return binance.New(binance.Config{
		RESTBaseURL:  src.RESTBaseURL,
		ProxyEnabled: src.Proxy.Enabled,
		RESTProxyURL: src.Proxy.RESTURL,
		WSProxyURL:   src.Proxy.WSURL,
	})
}
