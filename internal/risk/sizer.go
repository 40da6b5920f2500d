package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"aegis/internal/types"
)

// Rationale 是一笔获准交易的结构化依据，提交订单前写入审计日志。
// 每笔获准交易恰好产生一条。
type Rationale struct {
	TraceID            string            `json:"trace_id"`
	Context            types.ExecContext `json:"context"`
	Symbol             string            `json:"symbol"`
	Side               types.Side        `json:"side"`
	StrategyID         string            `json:"strategy_id"`
	Regime             types.Regime      `json:"regime"`
	Confidence         float64           `json:"confidence"`
	EffectiveThreshold float64           `json:"effective_threshold"`
	Drawdown           float64           `json:"drawdown"`
	ConsecutiveLosses  int               `json:"consecutive_losses"`
	Weight             float64           `json:"weight"`
	RiskAmount         float64           `json:"risk_amount"`
	Entry              float64           `json:"entry"`
	Stop               float64           `json:"stop"`
	Target             float64           `json:"target"`
	Size               decimal.Decimal   `json:"size"`
	Notional           decimal.Decimal   `json:"notional"`
	Timestamp          time.Time         `json:"ts"`
}

// Approval 是管线放行的结果。
type Approval struct {
	Order     types.OrderRequest
	Stop      float64
	Target    float64
	Rationale Rationale
}

// sizedOrder 是尺寸计算的中间产物。
type sizedOrder struct {
	Stop       float64
	Target     float64
	Size       decimal.Decimal
	Notional   decimal.Decimal
	RiskAmount float64
	Weight     float64
}

// size 计算仓位尺寸。基础风险额 = 资金 × 单笔风险比例，扣除手续费与
// 滑点预估后除以止损距离得到基础数量，再乘配额权重，最后夹到敞口余量内。
// 全程无随机输入，同样的档案快照与信号必然得到同样的尺寸。
func (p *Pipeline) size(snap types.ContextSnapshot, sig types.Signal, headroom decimal.Decimal) (sizedOrder, *Rejection) {
	stop := sig.StopPrice
	if stop <= 0 {
		if sig.ATR <= 0 {
			return sizedOrder{}, &Rejection{
				Reason: ReasonSizingInvalid,
				Detail: "signal carries neither stop_price nor atr",
			}
		}
		stop = sig.Price - sig.Side.Sign()*p.params.StopATRMult*sig.ATR
	}

	stopDistance := math.Abs(sig.Price - stop)
	if stopDistance <= 0 {
		return sizedOrder{}, &Rejection{
			Reason: ReasonSizingInvalid,
			Detail: fmt.Sprintf("stop %.8f coincides with entry %.8f", stop, sig.Price),
		}
	}

	var target float64
	if sig.ATR > 0 {
		target = sig.Price + sig.Side.Sign()*p.params.TargetATRMult*sig.ATR
	} else {
		target = sig.Price + sig.Side.Sign()*2*stopDistance
	}

	riskAmount := snap.Equity * p.params.RiskPerTradePct
	riskAmount *= 1 - p.params.TakerFee - p.params.SlippageEst
	if riskAmount <= 0 {
		return sizedOrder{}, &Rejection{
			Reason: ReasonSizingInvalid,
			Detail: fmt.Sprintf("non-positive risk amount from equity %.2f", snap.Equity),
		}
	}

	weight := 0.0
	if p.weights != nil {
		weight = p.weights.Weight(sig.Regime, sig.StrategyID)
	}
	if weight <= 0 {
		return sizedOrder{}, &Rejection{
			Reason: ReasonSizingInvalid,
			Detail: fmt.Sprintf("allocation weight %.4f for (%s,%s)", weight, sig.Regime, sig.StrategyID),
		}
	}

	baseSize := decimal.NewFromFloat(riskAmount).
		Div(decimal.NewFromFloat(stopDistance))
	size := baseSize.Mul(decimal.NewFromFloat(weight))
	entry := decimal.NewFromFloat(sig.Price)
	notional := size.Mul(entry)

	// 敞口余量不足时把尺寸夹到余量内，而不是直接拒绝。
	if notional.GreaterThan(headroom) {
		size = headroom.Div(entry)
		notional = size.Mul(entry)
	}
	if !size.IsPositive() {
		return sizedOrder{}, &Rejection{
			Reason: ReasonExposureExceeded,
			Detail: fmt.Sprintf("clipped size is zero, headroom=%s", headroom),
		}
	}

	return sizedOrder{
		Stop:       stop,
		Target:     target,
		Size:       size.Round(8),
		Notional:   notional.Round(8),
		RiskAmount: riskAmount,
		Weight:     weight,
	}, nil
}
