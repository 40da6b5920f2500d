package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Account.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Lifecycle.validate(); err != nil {
		return err
	}
	if err := c.Allocator.validate(); err != nil {
		return err
	}
	if err := validateContexts(c.Contexts); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Executor.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AccountConfig) validate() error {
	if !a.RiskLevel.Valid() {
		return fmt.Errorf("account.risk_level must be conservative|medium|aggressive, got %q", a.RiskLevel)
	}
	if !a.Strategy.Valid() {
		return fmt.Errorf("account.strategy must be advanced|technical|sentiment, got %q", a.Strategy)
	}
	if a.InvestmentAmount <= 0 {
		return fmt.Errorf("account.investment_amount must be > 0, got %v", a.InvestmentAmount)
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.BaseThreshold <= 0 || r.BaseThreshold >= 1 {
		return fmt.Errorf("risk.base_threshold must be in (0,1)")
	}
	if r.CooldownBypassConfidence < r.BaseThreshold {
		return fmt.Errorf("risk.cooldown_bypass_confidence must be >= base_threshold")
	}
	if err := validateSteps("risk.drawdown_steps", r.DrawdownSteps); err != nil {
		return err
	}
	if err := validateSteps("risk.loss_streak_steps", r.LossStreakSteps); err != nil {
		return err
	}
	if r.MaxDrawdown <= 0 || r.MaxDrawdown >= 1 {
		return fmt.Errorf("risk.max_drawdown must be in (0,1)")
	}
	if r.RiskPerTradePct <= 0 || r.RiskPerTradePct > 0.1 {
		return fmt.Errorf("risk.risk_per_trade_pct must be in (0,0.1]")
	}
	if r.StopATRMult <= 0 || r.TargetATRMult <= r.StopATRMult {
		return fmt.Errorf("risk ATR multipliers require 0 < stop_atr_mult < target_atr_mult")
	}
	return nil
}

// validateSteps 要求阶梯按触发下限严格递增、增量单调不减，
// 这是阈值函数单调性的前提。
func validateSteps(name string, steps []ThresholdStep) error {
	prevMin := -1.0
	prevAdd := 0.0
	for i, s := range steps {
		if s.Min <= prevMin {
			return fmt.Errorf("%s[%d].min must be strictly increasing", name, i)
		}
		if s.Add < prevAdd {
			return fmt.Errorf("%s[%d].add must be non-decreasing", name, i)
		}
		if s.Add < 0 {
			return fmt.Errorf("%s[%d].add must be >= 0", name, i)
		}
		prevMin = s.Min
		prevAdd = s.Add
	}
	return nil
}

func (l *LifecycleConfig) validate() error {
	if l.BreakevenR <= 0 {
		return fmt.Errorf("lifecycle.breakeven_r must be > 0")
	}
	if l.TP1R <= l.BreakevenR {
		return fmt.Errorf("lifecycle.tp1_r must be > breakeven_r")
	}
	if l.TP2R <= l.TP1R {
		return fmt.Errorf("lifecycle.tp2_r must be > tp1_r")
	}
	if l.TP1Fraction <= 0 || l.TP1Fraction >= 1 {
		return fmt.Errorf("lifecycle.tp1_fraction must be in (0,1)")
	}
	if l.TP2Fraction <= 0 || l.TP2Fraction >= 1 {
		return fmt.Errorf("lifecycle.tp2_fraction must be in (0,1)")
	}
	if l.ChandelierATRMult <= 0 {
		return fmt.Errorf("lifecycle.chandelier_atr_mult must be > 0")
	}
	return nil
}

func (a *AllocatorConfig) validate() error {
	if a.MinWeight <= 0 || a.MinWeight > a.MaxWeight {
		return fmt.Errorf("allocator requires 0 < min_weight <= max_weight")
	}
	if a.MaxWeight > 1 {
		return fmt.Errorf("allocator.max_weight must be <= 1")
	}
	return nil
}

func validateContexts(ctxs []ContextConfig) error {
	seen := make(map[string]bool, len(ctxs))
	enabled := 0
	for _, ctx := range ctxs {
		name := strings.ToLower(strings.TrimSpace(ctx.Name))
		if name == "" {
			return fmt.Errorf("contexts entry missing name")
		}
		if seen[name] {
			return fmt.Errorf("duplicate context name: %s", name)
		}
		seen[name] = true
		if !ctx.Enabled {
			continue
		}
		enabled++
		if ctx.InitialEquity <= 0 {
			return fmt.Errorf("context %s: initial_equity must be > 0", name)
		}
		if ctx.ExposureLimit <= 0 {
			return fmt.Errorf("context %s: exposure_limit must be > 0", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("contexts requires at least one enabled context")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if len(m.Sources) == 0 {
		return fmt.Errorf("market.sources requires at least one source")
	}
	activeName := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	enabled := 0
	activeFound := false
	for _, src := range m.Sources {
		if !src.Enabled {
			continue
		}
		enabled++
		if strings.TrimSpace(src.RESTBaseURL) == "" {
			return fmt.Errorf("market source %s missing rest_base_url", src.Name)
		}
		if src.Proxy.Enabled && src.Proxy.RESTURL == "" && src.Proxy.WSURL == "" {
			return fmt.Errorf("market source %s has proxy enabled but no rest_url or ws_url", src.Name)
		}
		name := strings.ToLower(strings.TrimSpace(src.Name))
		if activeName == "" || name == activeName {
			activeFound = true
		}
	}
	if enabled == 0 {
		return fmt.Errorf("market.sources requires at least one enabled source")
	}
	if !activeFound {
		return fmt.Errorf("enabled market.active_source=%s not found", m.ActiveSource)
	}
	return nil
}

func (e *ExecutorConfig) validate() error {
	if e.MaxRetries < 0 {
		return fmt.Errorf("executor.max_retries must be >= 0")
	}
	if e.BackoffMaxMs < e.BackoffBaseMs {
		return fmt.Errorf("executor.backoff_max_ms must be >= backoff_base_ms")
	}
	if e.BreakerThreshold > 0 && e.BreakerCooldownSeconds <= 0 {
		return fmt.Errorf("executor.breaker_cooldown_seconds must be > 0 when breaker enabled")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}
