package lifecycle

import "aegis/internal/types"

// chandelierStop 以最有利价回退 mult×ATR 计算追踪止损位。
func chandelierStop(side types.Side, anchor, atr, mult float64) float64 {
	if side == types.SideLong {
		return anchor - mult*atr
	}
	return anchor + mult*atr
}

// tightenStop 把追踪止损应用到仓位上，只收紧不放松。
// 返回止损是否发生了移动。
func tightenStop(p *Position, atr, mult float64) bool {
	if atr <= 0 {
		return false
	}
	candidate := chandelierStop(p.Side, p.Anchor, atr, mult)
	if (candidate-p.StopPrice)*p.Side.Sign() <= 0 {
		return false
	}
	p.StopPrice = candidate
	return true
}
