package config

import (
	"fmt"
	"strings"
)

// 默认值常量
const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"
	defaultAppHTTPAddr = ":9991"
	defaultAppLogPath  = "/data/logs/aegis.log"

	defaultBaseThreshold   = 0.75
	defaultCooldownVolMin  = 20
	defaultCooldownDefMin  = 15
	defaultCooldownBypass  = 0.85
	defaultMaxDrawdown     = 0.25
	defaultRiskPerTradePct = 0.01
	defaultStopATRMult     = 1.5
	defaultTargetATRMult   = 3.0
	defaultTakerFee        = 0.0005
	defaultSlippageEst     = 0.0005

	defaultBreakevenR    = 1.0
	defaultTP1R          = 1.5
	defaultTP1Fraction   = 0.5
	defaultTP2R          = 2.5
	defaultTP2Fraction   = 0.5
	defaultChandelierATR = 3.0
	defaultExitPlansPath = "configs/exit_plans.yaml"

	defaultAllocWindow    = 50
	defaultAllocMinWeight = 0.1
	defaultAllocMaxWeight = 1.0
	defaultAllocPenalty   = 0.5

	defaultMarketName    = "binance"
	defaultMarketREST    = "https://fapi.binance.com"
	defaultKlineInterval = "5m"
	defaultKlineCached   = 300
	defaultATRPeriod     = 14

	defaultAuditLogPath = "/data/db/audit.db"
	defaultArchivePath  = "/data/db/positions.db"

	defaultExecMaxRetries      = 3
	defaultExecBackoffMs       = 500
	defaultExecBackoffCap      = 5000
	defaultExecBreakerTrips    = 5
	defaultExecBreakerCooldown = 60
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Lifecycle.applyDefaults(keys)
	c.Allocator.applyDefaults(keys)
	c.applyContextDefaults()
	c.Market.applyDefaults(keys)
	c.Kline.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Executor.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "risk.base_threshold",
			need:  func() bool { return r.BaseThreshold <= 0 },
			apply: func() { r.BaseThreshold = defaultBaseThreshold },
		},
		fieldDefault{
			key:   "risk.cooldown_volatile_minutes",
			need:  func() bool { return r.CooldownVolatileMinutes <= 0 },
			apply: func() { r.CooldownVolatileMinutes = defaultCooldownVolMin },
		},
		fieldDefault{
			key:   "risk.cooldown_default_minutes",
			need:  func() bool { return r.CooldownDefaultMinutes <= 0 },
			apply: func() { r.CooldownDefaultMinutes = defaultCooldownDefMin },
		},
		fieldDefault{
			key:   "risk.cooldown_bypass_confidence",
			need:  func() bool { return r.CooldownBypassConfidence <= 0 },
			apply: func() { r.CooldownBypassConfidence = defaultCooldownBypass },
		},
		fieldDefault{
			key:   "risk.max_drawdown",
			need:  func() bool { return r.MaxDrawdown <= 0 },
			apply: func() { r.MaxDrawdown = defaultMaxDrawdown },
		},
		fieldDefault{
			key:   "risk.risk_per_trade_pct",
			need:  func() bool { return r.RiskPerTradePct <= 0 },
			apply: func() { r.RiskPerTradePct = defaultRiskPerTradePct },
		},
		fieldDefault{
			key:   "risk.stop_atr_mult",
			need:  func() bool { return r.StopATRMult <= 0 },
			apply: func() { r.StopATRMult = defaultStopATRMult },
		},
		fieldDefault{
			key:   "risk.target_atr_mult",
			need:  func() bool { return r.TargetATRMult <= 0 },
			apply: func() { r.TargetATRMult = defaultTargetATRMult },
		},
		fieldDefault{
			key:   "risk.taker_fee",
			need:  func() bool { return r.TakerFee <= 0 },
			apply: func() { r.TakerFee = defaultTakerFee },
		},
		fieldDefault{
			key:   "risk.slippage_est",
			need:  func() bool { return r.SlippageEst <= 0 },
			apply: func() { r.SlippageEst = defaultSlippageEst },
		},
	)
	if len(r.DrawdownSteps) == 0 && !keys.isSet("risk.drawdown_steps") {
		r.DrawdownSteps = []ThresholdStep{
			{Min: 0.10, Add: 0.05},
			{Min: 0.20, Add: 0.10},
		}
	}
	if len(r.LossStreakSteps) == 0 && !keys.isSet("risk.loss_streak_steps") {
		r.LossStreakSteps = []ThresholdStep{
			{Min: 3, Add: 0.05},
			{Min: 5, Add: 0.10},
		}
	}
}

func (l *LifecycleConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "lifecycle.breakeven_r",
			need:  func() bool { return l.BreakevenR <= 0 },
			apply: func() { l.BreakevenR = defaultBreakevenR },
		},
		fieldDefault{
			key:   "lifecycle.tp1_r",
			need:  func() bool { return l.TP1R <= 0 },
			apply: func() { l.TP1R = defaultTP1R },
		},
		fieldDefault{
			key:   "lifecycle.tp1_fraction",
			need:  func() bool { return l.TP1Fraction <= 0 },
			apply: func() { l.TP1Fraction = defaultTP1Fraction },
		},
		fieldDefault{
			key:   "lifecycle.tp2_r",
			need:  func() bool { return l.TP2R <= 0 },
			apply: func() { l.TP2R = defaultTP2R },
		},
		fieldDefault{
			key:   "lifecycle.tp2_fraction",
			need:  func() bool { return l.TP2Fraction <= 0 },
			apply: func() { l.TP2Fraction = defaultTP2Fraction },
		},
		fieldDefault{
			key:   "lifecycle.chandelier_atr_mult",
			need:  func() bool { return l.ChandelierATRMult <= 0 },
			apply: func() { l.ChandelierATRMult = defaultChandelierATR },
		},
		stringFieldDefault("lifecycle.exit_plans_path", &l.ExitPlansPath, defaultExitPlansPath),
	)
}

func (a *AllocatorConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "allocator.window_size",
			need:  func() bool { return a.WindowSize <= 0 },
			apply: func() { a.WindowSize = defaultAllocWindow },
		},
		fieldDefault{
			key:   "allocator.min_weight",
			need:  func() bool { return a.MinWeight <= 0 },
			apply: func() { a.MinWeight = defaultAllocMinWeight },
		},
		fieldDefault{
			key:   "allocator.max_weight",
			need:  func() bool { return a.MaxWeight <= 0 },
			apply: func() { a.MaxWeight = defaultAllocMaxWeight },
		},
		fieldDefault{
			key:   "allocator.drawdown_penalty",
			need:  func() bool { return a.DrawdownPenalty <= 0 },
			apply: func() { a.DrawdownPenalty = defaultAllocPenalty },
		},
	)
}

// applyContextDefaults 在未配置任何上下文时给出四个标准上下文，
// 仅 demo 默认启用。
func (c *Config) applyContextDefaults() {
	if len(c.Contexts) == 0 {
		c.Contexts = []ContextConfig{
			{Name: "demo", Enabled: true},
			{Name: "cex_proxy"},
			{Name: "cex_direct"},
			{Name: "dex"},
		}
	}
	for i := range c.Contexts {
		ctx := &c.Contexts[i]
		if ctx.InitialEquity <= 0 {
			ctx.InitialEquity = c.Account.InvestmentAmount
		}
		if ctx.ExposureLimit <= 0 {
			ctx.ExposureLimit = ctx.InitialEquity
		}
	}
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	if len(m.Sources) == 0 {
		m.Sources = []MarketSource{{
			Name:        defaultMarketName,
			Enabled:     true,
			RESTBaseURL: defaultMarketREST,
		}}
	}
	for i := range m.Sources {
		src := &m.Sources[i]
		src.Proxy.normalize()
		if strings.TrimSpace(src.Name) == "" {
			if i == 0 {
				src.Name = defaultMarketName
			} else {
				src.Name = fmt.Sprintf("market_%d", i)
			}
		}
		if src.RESTBaseURL == "" {
			src.RESTBaseURL = defaultMarketREST
		}
	}
	if strings.TrimSpace(m.ActiveSource) == "" {
		m.ActiveSource = firstEnabledMarket(m.Sources)
	}
	if len(m.Symbols) == 0 && !keys.isSet("market.symbols") {
		m.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	}
}

func (k *KlineConfig) applyDefaults(keys keySet) {
	if k == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("kline.interval", &k.Interval, defaultKlineInterval),
		fieldDefault{
			key:   "kline.max_cached",
			need:  func() bool { return k.MaxCached <= 0 },
			apply: func() { k.MaxCached = defaultKlineCached },
		},
		fieldDefault{
			key:   "kline.atr_period",
			need:  func() bool { return k.ATRPeriod <= 0 },
			apply: func() { k.ATRPeriod = defaultATRPeriod },
		},
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.audit_log_path", &s.AuditLogPath, defaultAuditLogPath),
		stringFieldDefault("store.archive_path", &s.ArchivePath, defaultArchivePath),
	)
}

func (e *ExecutorConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "executor.max_retries",
			need:  func() bool { return e.MaxRetries <= 0 },
			apply: func() { e.MaxRetries = defaultExecMaxRetries },
		},
		fieldDefault{
			key:   "executor.backoff_base_ms",
			need:  func() bool { return e.BackoffBaseMs <= 0 },
			apply: func() { e.BackoffBaseMs = defaultExecBackoffMs },
		},
		fieldDefault{
			key:   "executor.backoff_max_ms",
			need:  func() bool { return e.BackoffMaxMs <= 0 },
			apply: func() { e.BackoffMaxMs = defaultExecBackoffCap },
		},
		fieldDefault{
			key:   "executor.breaker_threshold",
			need:  func() bool { return e.BreakerThreshold <= 0 },
			apply: func() { e.BreakerThreshold = defaultExecBreakerTrips },
		},
		fieldDefault{
			key:   "executor.breaker_cooldown_seconds",
			need:  func() bool { return e.BreakerCooldownSeconds <= 0 },
			apply: func() { e.BreakerCooldownSeconds = defaultExecBreakerCooldown },
		},
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func firstEnabledMarket(sources []MarketSource) string {
	for _, src := range sources {
		name := strings.TrimSpace(src.Name)
		if src.Enabled && name != "" {
			return name
		}
	}
	if len(sources) > 0 {
		if name := strings.TrimSpace(sources[0].Name); name != "" {
			return name
		}
	}
	return defaultMarketName
}
