package config

import "strings"

// Config 是 aegis 的主配置载体。
type Config struct {
	App       AppConfig       `toml:"app"`
	Account   AccountConfig   `toml:"account"`
	Risk      RiskConfig      `toml:"risk"`
	Lifecycle LifecycleConfig `toml:"lifecycle"`
	Allocator AllocatorConfig `toml:"allocator"`
	Contexts  []ContextConfig `toml:"contexts"`
	Market    MarketConfig    `toml:"market"`
	Kline     KlineConfig     `toml:"kline"`
	Store     StoreConfig     `toml:"store"`
	Executor  ExecutorConfig  `toml:"executor"`
	Notify    NotifyConfig    `toml:"notify"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// RiskLevel 是账户级风险偏好，决定默认的退出计划模板。
type RiskLevel string

const (
	RiskConservative RiskLevel = "conservative"
	RiskMedium       RiskLevel = "medium"
	RiskAggressive   RiskLevel = "aggressive"
)

func (r RiskLevel) Valid() bool {
	return r == RiskConservative || r == RiskMedium || r == RiskAggressive
}

// StrategyKind 是账户启用的策略族。
type StrategyKind string

const (
	StrategyAdvanced  StrategyKind = "advanced"
	StrategyTechnical StrategyKind = "technical"
	StrategySentiment StrategyKind = "sentiment"
)

func (s StrategyKind) Valid() bool {
	return s == StrategyAdvanced || s == StrategyTechnical || s == StrategySentiment
}

// AccountConfig 是账户边界配置，加载时强校验。
type AccountConfig struct {
	RiskLevel        RiskLevel    `toml:"risk_level"`
	Strategy         StrategyKind `toml:"strategy"`
	InvestmentAmount float64      `toml:"investment_amount"`
}

// ThresholdStep 描述单个阶梯：触发下限与叠加到基础阈值上的增量。
type ThresholdStep struct {
	Min float64 `toml:"min"`
	Add float64 `toml:"add"`
}

// RiskConfig 聚合信心闸门、冷却闸门与仓位尺寸计算的参数。
type RiskConfig struct {
	BaseThreshold            float64         `toml:"base_threshold"`
	DrawdownSteps            []ThresholdStep `toml:"drawdown_steps"`
	LossStreakSteps          []ThresholdStep `toml:"loss_streak_steps"`
	CooldownVolatileMinutes  int             `toml:"cooldown_volatile_minutes"`
	CooldownDefaultMinutes   int             `toml:"cooldown_default_minutes"`
	CooldownBypassConfidence float64         `toml:"cooldown_bypass_confidence"`
	MaxDrawdown              float64         `toml:"max_drawdown"`
	RiskPerTradePct          float64         `toml:"risk_per_trade_pct"`
	StopATRMult              float64         `toml:"stop_atr_mult"`
	TargetATRMult            float64         `toml:"target_atr_mult"`
	TakerFee                 float64         `toml:"taker_fee"`
	SlippageEst              float64         `toml:"slippage_est"`
}

// LifecycleConfig 控制仓位状态机的节奏与默认退出阶梯。
// R 阈值与分批比例可被 exit_plans 模板按风险等级覆盖。
type LifecycleConfig struct {
	BreakevenR        float64 `toml:"breakeven_r"`
	TP1R              float64 `toml:"tp1_r"`
	TP1Fraction       float64 `toml:"tp1_fraction"`
	TP2R              float64 `toml:"tp2_r"`
	TP2Fraction       float64 `toml:"tp2_fraction"`
	ChandelierATRMult float64 `toml:"chandelier_atr_mult"`
	ExitPlansPath     string  `toml:"exit_plans_path"`
}

// AllocatorConfig 控制策略配额表的滚动窗口与权重边界。
type AllocatorConfig struct {
	WindowSize      int     `toml:"window_size"`
	MinWeight       float64 `toml:"min_weight"`
	MaxWeight       float64 `toml:"max_weight"`
	DrawdownPenalty float64 `toml:"drawdown_penalty"`
}

// ContextConfig 描述一个执行上下文的初始资金与敞口上限。
type ContextConfig struct {
	Name          string  `toml:"name"`
	Enabled       bool    `toml:"enabled"`
	InitialEquity float64 `toml:"initial_equity"`
	ExposureLimit float64 `toml:"exposure_limit"`
}

type MarketConfig struct {
	ActiveSource string         `toml:"active_source"`
	Symbols      []string       `toml:"symbols"`
	Sources      []MarketSource `toml:"sources"`
}

type MarketSource struct {
	Name        string      `toml:"name"`
	Enabled     bool        `toml:"enabled"`
	RESTBaseURL string      `toml:"rest_base_url"`
	Proxy       ProxyConfig `toml:"proxy"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
	WSURL   string `toml:"ws_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
	p.WSURL = strings.TrimSpace(p.WSURL)
}

type KlineConfig struct {
	Interval  string `toml:"interval"`
	MaxCached int    `toml:"max_cached"`
	ATRPeriod int    `toml:"atr_period"`
}

type StoreConfig struct {
	AuditLogPath string `toml:"audit_log_path"`
	ArchivePath  string `toml:"archive_path"`
}

// ExecutorConfig 控制可重试执行失败的退避策略与熔断参数。
// breaker_threshold 为 0 时关闭熔断。
type ExecutorConfig struct {
	MaxRetries             int `toml:"max_retries"`
	BackoffBaseMs          int `toml:"backoff_base_ms"`
	BackoffMaxMs           int `toml:"backoff_max_ms"`
	BreakerThreshold       int `toml:"breaker_threshold"`
	BreakerCooldownSeconds int `toml:"breaker_cooldown_seconds"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

func (m MarketConfig) ResolveActiveSource() MarketSource {
	if len(m.Sources) == 0 {
		return MarketSource{
			Name:        "binance",
			Enabled:     true,
			RESTBaseURL: "https://fapi.binance.com",
		}
	}
	active := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	var fallback MarketSource
	for _, src := range m.Sources {
		if fallback.Name == "" {
			fallback = src
		}
		if !src.Enabled {
			continue
		}
		if active == "" || strings.ToLower(src.Name) == active {
			return src
		}
	}
	return fallback
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
