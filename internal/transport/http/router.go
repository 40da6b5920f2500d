package enginehttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"aegis/internal/alloc"
	"aegis/internal/audit"
	"aegis/internal/engine"
	"aegis/internal/logger"
	"aegis/internal/store/archive"
	"aegis/internal/store/decisionlog"
	"aegis/internal/types"

	"github.com/gin-gonic/gin"
)

// SignalEngine 是路由需要的引擎能力。
type SignalEngine interface {
	HandleSignal(ctx context.Context, execCtx types.ExecContext, sig types.Signal) (engine.Decision, error)
	ContextSnapshots() []types.ContextSnapshot
	Positions() []types.PositionSnapshot
	RecentPositions() []types.PositionSnapshot
	AllocTable() []alloc.CellStats
	Flatten(positionID string)
	FlattenContext(execCtx types.ExecContext)
	TripKillSwitch(ctx context.Context, execCtx types.ExecContext, reason string) error
	ResetKillSwitch(ctx context.Context, execCtx types.ExecContext) error
}

// AuditStore 是审计日志的查询面。
type AuditStore interface {
	List(ctx context.Context, q decisionlog.Query) ([]decisionlog.Record, error)
	PositionTrail(ctx context.Context, positionID string) ([]decisionlog.Record, error)
}

// TradeStore 是交易归档的查询面。
type TradeStore interface {
	ListTrades(ctx context.Context, q archive.Query) ([]archive.TradeRecord, error)
	CountTrades(ctx context.Context, q archive.Query) (int, error)
}

// Router 暴露引擎的查询与操作接口。
type Router struct {
	engine SignalEngine
	logs   AuditStore
	trades TradeStore
}

func NewRouter(e SignalEngine, logs AuditStore, trades TradeStore) *Router {
	return &Router{engine: e, logs: logs, trades: trades}
}

// Register 将 /api 路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/status", r.handleStatus)
	group.GET("/positions", r.handlePositions)
	group.POST("/signal", r.handleSignal)
	group.POST("/positions/:id/flatten", r.handleFlattenPosition)
	group.POST("/contexts/:name/flatten", r.handleFlattenContext)
	group.POST("/contexts/:name/kill-switch", r.handleKillSwitch)
	if r.logs != nil {
		group.GET("/audit/events", r.handleAuditEvents)
		group.GET("/audit/positions/:id", r.handlePositionTrail)
	}
	if r.trades != nil {
		group.GET("/trades", r.handleTrades)
	}
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"contexts":   r.engine.ContextSnapshots(),
		"allocation": r.engine.AllocTable(),
	})
}

func (r *Router) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"open":   r.engine.Positions(),
		"recent": r.engine.RecentPositions(),
	})
}

// handleSignal 接收外部推理端的开仓候选。闸门拒绝返回 200 与
// accepted=false：拒绝是正常决策结果，不是接口错误。
func (r *Router) handleSignal(c *gin.Context) {
	execCtx, err := resolveContext(c.DefaultQuery("context", string(types.ContextDemo)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sig, err := parseSignal(body)
	if err != nil {
		logger.Warnf("[api] signal parse failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dec, err := r.engine.HandleSignal(c.Request.Context(), execCtx, sig)
	if err != nil {
		logger.Errorf("[api] signal handling failed ip=%s symbol=%s err=%v", c.ClientIP(), sig.Symbol, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "decision": dec})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": dec})
}

func (r *Router) handleFlattenPosition(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "position id 必填"})
		return
	}
	r.engine.Flatten(id)
	logger.Infof("[api] flatten position ip=%s id=%s", c.ClientIP(), id)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) handleFlattenContext(c *gin.Context) {
	execCtx, err := resolveContext(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r.engine.FlattenContext(execCtx)
	logger.Infof("[api] flatten context ip=%s context=%s", c.ClientIP(), execCtx)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type killSwitchRequest struct {
	Active bool   `json:"active"`
	Reason string `json:"reason"`
}

func (r *Router) handleKillSwitch(c *gin.Context) {
	execCtx, err := resolveContext(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req killSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Active {
		if strings.TrimSpace(req.Reason) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "熔断需要给出 reason"})
			return
		}
		err = r.engine.TripKillSwitch(c.Request.Context(), execCtx, req.Reason)
	} else {
		err = r.engine.ResetKillSwitch(c.Request.Context(), execCtx)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] kill switch ip=%s context=%s active=%v reason=%s", c.ClientIP(), execCtx, req.Active, req.Reason)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) handleAuditEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	q := decisionlog.Query{
		Context:    types.ExecContext(strings.TrimSpace(c.Query("context"))),
		Kind:       audit.Kind(strings.TrimSpace(c.Query("kind"))),
		PositionID: strings.TrimSpace(c.Query("position_id")),
		Symbol:     strings.TrimSpace(c.Query("symbol")),
		Limit:      limit,
		Offset:     offset,
	}
	events, err := r.logs.List(c.Request.Context(), q)
	if err != nil {
		logger.Errorf("[api] audit events failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (r *Router) handlePositionTrail(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "position id 必填"})
		return
	}
	trail, err := r.logs.PositionTrail(c.Request.Context(), id)
	if err != nil {
		logger.Errorf("[api] position trail failed ip=%s id=%s err=%v", c.ClientIP(), id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trail": trail})
}

func (r *Router) handleTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	q := archive.Query{
		Context:    types.ExecContext(strings.TrimSpace(c.Query("context"))),
		Symbol:     strings.TrimSpace(c.Query("symbol")),
		StrategyID: strings.TrimSpace(c.Query("strategy")),
		Limit:      limit,
		Offset:     offset,
	}
	ctx := c.Request.Context()
	trades, err := r.trades.ListTrades(ctx, q)
	if err != nil {
		logger.Errorf("[api] trades failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, err := r.trades.CountTrades(ctx, q)
	if err != nil {
		logger.Warnf("[api] trades count failed ip=%s err=%v", c.ClientIP(), err)
		total = -1
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "total_count": total})
}

func resolveContext(raw string) (types.ExecContext, error) {
	execCtx, ok := types.ParseExecContext(raw)
	if !ok {
		return "", fmt.Errorf("未知执行上下文 %q", raw)
	}
	return execCtx, nil
}
