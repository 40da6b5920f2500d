package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"aegis/internal/types"
)

// PaperVenue 是模拟端点：按请求价立即全额成交。没有随机滑点，
// 同样的请求序列产生同样的成交序列，回放可复现。
type PaperVenue struct{}

func NewPaperVenue() *PaperVenue { return &PaperVenue{} }

func (v *PaperVenue) Submit(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return types.OrderResult{}, err
	}
	if !req.Size.IsPositive() {
		return types.OrderResult{}, fmt.Errorf("%w: size %s 非正", ErrExecutionRejected, req.Size)
	}
	if req.Price <= 0 {
		return types.OrderResult{}, fmt.Errorf("%w: price %.8f 非法", ErrExecutionRejected, req.Price)
	}
	return types.OrderResult{
		OrderID:    uuid.NewString(),
		FilledSize: req.Size,
		AvgPrice:   req.Price,
		FilledAt:   time.Now(),
	}, nil
}
