package risk

import (
	"fmt"

	"aegis/internal/types"
)

// sanityCheck 校验订单几何：尺寸为正、止损在入场的亏损侧、
// 目标在入场的盈利侧。任何一项不满足都按 SizingInvalid 拒绝，
// 这里是订单出手前的最后一道闸。
func (p *Pipeline) sanityCheck(sig types.Signal, sized sizedOrder) *Rejection {
	if !sized.Size.IsPositive() {
		return &Rejection{
			Reason: ReasonSizingInvalid,
			Detail: fmt.Sprintf("non-positive size %s", sized.Size),
		}
	}
	if sig.Confidence < 0 || sig.Confidence > 1 {
		return &Rejection{
			Reason: ReasonSizingInvalid,
			Detail: fmt.Sprintf("confidence %.4f out of [0,1]", sig.Confidence),
		}
	}
	sign := sig.Side.Sign()
	if (sig.Price-sized.Stop)*sign <= 0 {
		return &Rejection{
			Reason: ReasonSizingInvalid,
			Detail: fmt.Sprintf("stop %.8f on wrong side of entry %.8f for %s", sized.Stop, sig.Price, sig.Side),
		}
	}
	if (sized.Target-sig.Price)*sign <= 0 {
		return &Rejection{
			Reason: ReasonSizingInvalid,
			Detail: fmt.Sprintf("target %.8f on wrong side of entry %.8f for %s", sized.Target, sig.Price, sig.Side),
		}
	}
	return nil
}
