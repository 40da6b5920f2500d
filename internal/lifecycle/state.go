// Package lifecycle 托管已开仓位的完整生命周期：保本、追踪止损、
// 分批止盈与最终平仓。状态机是显式枚举加纯转移函数，非法转移
// 一律报错而不是被忽略。
package lifecycle

import "fmt"

// State 是仓位状态。
type State int

const (
	StateOpen State = iota
	StateBreakeven
	StateTrailing
	StatePartialTP1Filled
	StatePartialTP2Filled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateBreakeven:
		return "BREAKEVEN"
	case StateTrailing:
		return "TRAILING"
	case StatePartialTP1Filled:
		return "PARTIAL_TP1_FILLED"
	case StatePartialTP2Filled:
		return "PARTIAL_TP2_FILLED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Trigger 是驱动状态转移的已确认事实。除保本与追踪启动外，
// 所有触发都对应一笔已确认的成交回报。
type Trigger int

const (
	TriggerBreakevenSet Trigger = iota
	TriggerTrailArmed
	TriggerTP1Filled
	TriggerTP2Filled
	TriggerStopFilled
	TriggerFlattened
)

func (t Trigger) String() string {
	switch t {
	case TriggerBreakevenSet:
		return "breakeven_set"
	case TriggerTrailArmed:
		return "trail_armed"
	case TriggerTP1Filled:
		return "tp1_filled"
	case TriggerTP2Filled:
		return "tp2_filled"
	case TriggerStopFilled:
		return "stop_filled"
	case TriggerFlattened:
		return "flattened"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

// Transition 是纯转移函数：给定当前状态与触发，返回下一状态。
// 未列出的组合是非法转移。止损成交与强制平仓在任何未关闭状态下
// 都直接进入 CLOSED。
func Transition(from State, trigger Trigger) (State, error) {
	if from == StateClosed {
		return from, fmt.Errorf("position already closed, trigger %s rejected", trigger)
	}
	switch trigger {
	case TriggerStopFilled, TriggerFlattened:
		return StateClosed, nil
	case TriggerBreakevenSet:
		if from == StateOpen {
			return StateBreakeven, nil
		}
	case TriggerTrailArmed:
		if from == StateBreakeven {
			return StateTrailing, nil
		}
	case TriggerTP1Filled:
		if from == StateTrailing {
			return StatePartialTP1Filled, nil
		}
	case TriggerTP2Filled:
		if from == StatePartialTP1Filled {
			return StatePartialTP2Filled, nil
		}
	}
	return from, fmt.Errorf("invalid transition: %s + %s", from, trigger)
}
