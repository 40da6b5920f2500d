// Package audit 定义审计事件模型。引擎产生的每个可见决策——闸门拒绝、
// 开仓依据、状态迁移、执行结果、不变量违例——都必须落成一条事件，
// 仅凭审计日志即可还原全部决策过程。
package audit

import (
	"context"
	"time"

	"aegis/internal/types"
)

// Kind 是审计事件类别。
type Kind string

const (
	KindGateRejection Kind = "gate_rejection"
	KindTradeOpened   Kind = "trade_opened"
	KindTransition    Kind = "transition"
	KindExecution     Kind = "execution"
	KindInvariant     Kind = "invariant_violation"
	KindKillSwitch    Kind = "kill_switch"
)

// Event 是一条追加写入的审计记录。Detail 承载类别相关的快照
// （被拒信号、开仓依据等），序列化为 JSON 落盘。
type Event struct {
	TraceID    string            `json:"trace_id"`
	Context    types.ExecContext `json:"context"`
	Kind       Kind              `json:"kind"`
	Reason     string            `json:"reason,omitempty"`
	PositionID string            `json:"position_id,omitempty"`
	Symbol     string            `json:"symbol,omitempty"`
	FromState  string            `json:"from_state,omitempty"`
	ToState    string            `json:"to_state,omitempty"`
	Price      float64           `json:"price,omitempty"`
	RMultiple  float64           `json:"r_multiple,omitempty"`
	Detail     any               `json:"detail,omitempty"`
	Timestamp  time.Time         `json:"ts"`
}

// Log 是追加写接口。实现必须只增不改。
type Log interface {
	Append(ctx context.Context, ev Event) error
	Close() error
}

// GateRejection 构造一条闸门拒绝事件，附带被拒信号快照。
func GateRejection(execCtx types.ExecContext, traceID, reason string, sig types.Signal) Event {
	return Event{
		TraceID:   traceID,
		Context:   execCtx,
		Kind:      KindGateRejection,
		Reason:    reason,
		Symbol:    sig.Symbol,
		Price:     sig.Price,
		Detail:    sig,
		Timestamp: time.Now(),
	}
}

// Transition 构造一条状态迁移事件。
func Transition(execCtx types.ExecContext, positionID, symbol, from, to string, price, rMultiple float64) Event {
	return Event{
		Context:    execCtx,
		Kind:       KindTransition,
		PositionID: positionID,
		Symbol:     symbol,
		FromState:  from,
		ToState:    to,
		Price:      price,
		RMultiple:  rMultiple,
		Timestamp:  time.Now(),
	}
}

// nopLog 丢弃所有事件，供测试使用。
type nopLog struct{}

func (nopLog) Append(context.Context, Event) error { return nil }
func (nopLog) Close() error                        { return nil }

// Nop 返回一个丢弃事件的 Log。
func Nop() Log { return nopLog{} }
