package risk

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"aegis/internal/types"
)

// Reason 是闸门拒绝的归类，审计日志按它聚合。
type Reason string

const (
	ReasonThresholdNotMet  Reason = "ThresholdNotMet"
	ReasonCooldownActive   Reason = "CooldownActive"
	ReasonKillSwitchActive Reason = "KillSwitchActive"
	ReasonExposureExceeded Reason = "ExposureExceeded"
	ReasonSizingInvalid    Reason = "SizingInvalid"
)

// Rejection 表示信号被某个闸门拦下。拒绝是预期内的正常结果，不是错误。
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) String() string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// WeightProvider 提供 (市场状态, 策略) 的配额权重。
type WeightProvider interface {
	Weight(regime types.Regime, strategyID string) float64
}

// Params 是管线的全部判定参数，构造后不再变化。
type Params struct {
	BaseThreshold            float64
	DrawdownSteps            []Step
	LossStreakSteps          []Step
	CooldownVolatile         time.Duration
	CooldownDefault          time.Duration
	CooldownBypassConfidence float64
	RiskPerTradePct          float64
	StopATRMult              float64
	TargetATRMult            float64
	TakerFee                 float64
	SlippageEst              float64
}

// Step 是阈值阶梯：x >= Min 时叠加 Add。
type Step struct {
	Min float64
	Add float64
}

// Pipeline 按固定顺序执行各闸门。同一上下文内信号串行评估，
// 后一个信号看到的是前一个信号已生效的状态。
type Pipeline struct {
	params  Params
	weights WeightProvider
}

func NewPipeline(params Params, weights WeightProvider) *Pipeline {
	return &Pipeline{params: params, weights: weights}
}

// stepAdd 返回 x 所落入的最高阶梯的增量。阶梯按 Min 递增排列。
func stepAdd(steps []Step, x float64) float64 {
	add := 0.0
	for _, s := range steps {
		if x >= s.Min {
			add = s.Add
		}
	}
	return add
}

// EffectiveThreshold 计算当前生效的信心阈值：
// 基础阈值 + 回撤阶梯增量 + 连亏阶梯增量。
func (p *Pipeline) EffectiveThreshold(drawdown float64, consecutiveLosses int) float64 {
	return p.params.BaseThreshold +
		stepAdd(p.params.DrawdownSteps, drawdown) +
		stepAdd(p.params.LossStreakSteps, float64(consecutiveLosses))
}

// cooldownWindow 返回该市场状态下的冷却时长。
func (p *Pipeline) cooldownWindow(regime types.Regime) time.Duration {
	if regime == types.RegimeVolatile {
		return p.params.CooldownVolatile
	}
	return p.params.CooldownDefault
}

// Evaluate 依次执行信心、冷却、熔断/敞口、尺寸与几何校验。
// 任一闸门拦下即返回 Rejection，不再继续；全部通过时返回 Approval，
// 其中的 Rationale 是该笔交易唯一的一条结构化依据。
//
// Evaluate 不修改档案状态：敞口预占与冷却时间戳由调用方在
// 仓位真正开出后落实。
func (p *Pipeline) Evaluate(profile *Profile, sig types.Signal, now time.Time) (*Approval, *Rejection) {
	snap := profile.Snapshot()

	threshold := p.EffectiveThreshold(snap.Drawdown, snap.ConsecutiveLosses)
	if sig.Confidence < threshold {
		return nil, &Rejection{
			Reason: ReasonThresholdNotMet,
			Detail: fmt.Sprintf("confidence %.4f < effective threshold %.4f (base %.2f, drawdown %.2f%%, losses %d)",
				sig.Confidence, threshold, p.params.BaseThreshold, snap.Drawdown*100, snap.ConsecutiveLosses),
		}
	}

	// 冷却只看信号自己 regime 的上次开仓，跨 regime 互不拦截。
	if last := snap.LastTradeAt[sig.Regime]; !last.IsZero() && sig.Confidence < p.params.CooldownBypassConfidence {
		window := p.cooldownWindow(sig.Regime)
		elapsed := now.Sub(last)
		if elapsed < window {
			return nil, &Rejection{
				Reason: ReasonCooldownActive,
				Detail: fmt.Sprintf("%s since last trade, window %s (regime=%s)",
					elapsed.Truncate(time.Second), window, sig.Regime),
			}
		}
	}

	if snap.KillSwitchActive {
		_, killReason := profile.KillSwitch()
		return nil, &Rejection{
			Reason: ReasonKillSwitchActive,
			Detail: killReason,
		}
	}

	headroom := profile.Headroom()
	if !headroom.IsPositive() {
		return nil, &Rejection{
			Reason: ReasonExposureExceeded,
			Detail: fmt.Sprintf("exposure used=%s limit=%s", snap.ExposureUsed, snap.ExposureLimit),
		}
	}

	sized, rej := p.size(snap, sig, headroom)
	if rej != nil {
		return nil, rej
	}

	if rej := p.sanityCheck(sig, sized); rej != nil {
		return nil, rej
	}

	rationale := Rationale{
		TraceID:            uuid.NewString(),
		Context:            snap.Context,
		Symbol:             sig.Symbol,
		Side:               sig.Side,
		StrategyID:         sig.StrategyID,
		Regime:             sig.Regime,
		Confidence:         sig.Confidence,
		EffectiveThreshold: threshold,
		Drawdown:           snap.Drawdown,
		ConsecutiveLosses:  snap.ConsecutiveLosses,
		Weight:             sized.Weight,
		RiskAmount:         sized.RiskAmount,
		Entry:              sig.Price,
		Stop:               sized.Stop,
		Target:             sized.Target,
		Size:               sized.Size,
		Notional:           sized.Notional,
		Timestamp:          now,
	}

	return &Approval{
		Order: types.OrderRequest{
			Context: snap.Context,
			Symbol:  sig.Symbol,
			Side:    sig.Side,
			Intent:  types.IntentOpen,
			Size:    sized.Size,
			Price:   sig.Price,
		},
		Stop:      sized.Stop,
		Target:    sized.Target,
		Rationale: rationale,
	}, nil
}
