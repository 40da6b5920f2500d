// Package executor 负责把订单请求送达执行端点，并实现错误分级：
// 可重试的执行失败在有限退避后放弃，被端点拒绝的订单不做任何重试。
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"aegis/internal/logger"
	"aegis/internal/pkg/circuit"
	"aegis/internal/types"
)

var (
	// ErrExecutionFailed 表示一次可重试的执行失败（网络、超时、端点暂时不可用）。
	ErrExecutionFailed = errors.New("execution failed")
	// ErrExecutionRejected 表示订单被端点明确拒绝，重试没有意义。
	ErrExecutionRejected = errors.New("execution rejected")
	// ErrExecutionAbandoned 表示重试额度用尽后放弃执行。
	ErrExecutionAbandoned = errors.New("execution abandoned")
)

// Venue 是底层下单端点。实现以 ErrExecutionRejected 包装致命拒绝，
// 其余错误视为可重试。
type Venue interface {
	Submit(ctx context.Context, req types.OrderRequest) (types.OrderResult, error)
}

// Executor 包装 Venue，提供有界退避重试，可选挂接熔断器。
type Executor struct {
	venue       Venue
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
	breaker     *circuit.Breaker
}

func New(venue Venue, maxRetries int, backoffBase, backoffMax time.Duration) *Executor {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Executor{
		venue:       venue,
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
	}
}

// SetBreaker 挂接熔断器。熔断打开期间新订单直接放弃，不触发重试。
// 只在启动装配时调用。
func (e *Executor) SetBreaker(b *circuit.Breaker) {
	e.breaker = b
}

// Execute 提交订单。被拒即刻返回；可重试失败按指数退避重试，
// 超出 maxRetries 后以 ErrExecutionAbandoned 收场。
func (e *Executor) Execute(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	if e.breaker != nil && !e.breaker.Allow() {
		return types.OrderResult{}, fmt.Errorf("%w: 执行端点熔断中", ErrExecutionAbandoned)
	}
	b := &backoff.Backoff{
		Min:    e.backoffBase,
		Max:    e.backoffMax,
		Factor: 2,
		Jitter: false,
	}
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			wait := b.Duration()
			logger.Warnf("订单重试 %d/%d (%s %s %s): 等待 %s, 上次错误: %v",
				attempt, e.maxRetries, req.Symbol, req.Intent, req.Size, wait, lastErr)
			select {
			case <-ctx.Done():
				return types.OrderResult{}, fmt.Errorf("%w: %v", ErrExecutionAbandoned, ctx.Err())
			case <-time.After(wait):
			}
		}
		res, err := e.venue.Submit(ctx, req)
		if err == nil {
			if e.breaker != nil {
				e.breaker.RecordSuccess()
			}
			return res, nil
		}
		if errors.Is(err, ErrExecutionRejected) {
			// 被拒是订单问题而非端点问题，不计入熔断。
			return types.OrderResult{}, err
		}
		if e.breaker != nil {
			e.breaker.RecordFailure()
		}
		lastErr = err
	}
	return types.OrderResult{}, fmt.Errorf("%w after %d retries: %v", ErrExecutionAbandoned, e.maxRetries, lastErr)
}
