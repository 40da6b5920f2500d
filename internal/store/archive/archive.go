// Package archive 用 Gorm + SQLite 归档已平仓交易，供绩效统计与
// 状态接口查询。归档与审计日志分库，互不阻塞。
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"aegis/internal/types"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// TradeRecord 是一笔已结束交易的归档记录。
type TradeRecord struct {
	PositionID  string
	TraceID     string
	Context     types.ExecContext
	Symbol      string
	Side        types.Side
	StrategyID  string
	Regime      types.Regime
	EntryPrice  float64
	InitialStop float64
	Size        decimal.Decimal
	RealizedPnL float64
	FinalR      float64
	Halted      bool
	HaltReason  string
	Rationale   any
	OpenedAt    time.Time
	ClosedAt    time.Time
}

type tradeModel struct {
	ID           int64          `gorm:"column:id;primaryKey"`
	PositionID   string         `gorm:"column:position_id;uniqueIndex"`
	TraceID      string         `gorm:"column:trace_id"`
	Context      string         `gorm:"column:context;index"`
	Symbol       string         `gorm:"column:symbol;index"`
	Side         string         `gorm:"column:side"`
	StrategyID   string         `gorm:"column:strategy_id;index"`
	Regime       string         `gorm:"column:regime"`
	EntryPrice   float64        `gorm:"column:entry_price"`
	InitialStop  float64        `gorm:"column:initial_stop"`
	Size         string         `gorm:"column:size"`
	RealizedPnL  float64        `gorm:"column:realized_pnl"`
	FinalR       float64        `gorm:"column:final_r"`
	Halted       int            `gorm:"column:halted"`
	HaltReason   string         `gorm:"column:halt_reason"`
	Rationale    datatypes.JSON `gorm:"column:rationale;type:TEXT"`
	OpenedAtUnix int64          `gorm:"column:opened_at;index"`
	ClosedAtUnix int64          `gorm:"column:closed_at"`
	CreatedAt    int64          `gorm:"column:created_at"`
}

func (tradeModel) TableName() string { return "trade_archive" }

// Store 是交易归档库。
type Store struct {
	db *gorm.DB
}

func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("archive: 归档路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&tradeModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: 写入单线程为主，留少量并发给 HTTP 查询。
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveTrade 按 position_id 幂等落库。
func (s *Store) SaveTrade(ctx context.Context, rec TradeRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("archive 未初始化")
	}
	if strings.TrimSpace(rec.PositionID) == "" {
		return fmt.Errorf("archive: position_id 必填")
	}
	model, err := newTradeModel(rec)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "position_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"realized_pnl", "final_r", "halted", "halt_reason", "closed_at",
			}),
		}).
		Create(&model).Error
}

// Query 过滤归档查询，零值字段不参与过滤。
type Query struct {
	Context    types.ExecContext
	Symbol     string
	StrategyID string
	Limit      int
	Offset     int
}

// ListTrades 按开仓时间倒序返回归档记录。
func (s *Store) ListTrades(ctx context.Context, q Query) ([]TradeRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("archive 未初始化")
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	query := s.db.WithContext(ctx).Model(&tradeModel{})
	if q.Context != "" {
		query = query.Where("context = ?", string(q.Context))
	}
	if sym := strings.ToUpper(strings.TrimSpace(q.Symbol)); sym != "" {
		query = query.Where("UPPER(symbol) = ?", sym)
	}
	if sid := strings.TrimSpace(q.StrategyID); sid != "" {
		query = query.Where("strategy_id = ?", sid)
	}
	var models []tradeModel
	if err := query.
		Order("opened_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]TradeRecord, 0, len(models))
	for _, m := range models {
		out = append(out, tradeModelToRecord(m))
	}
	return out, nil
}

// CountTrades 返回满足过滤条件的归档总数。
func (s *Store) CountTrades(ctx context.Context, q Query) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("archive 未初始化")
	}
	query := s.db.WithContext(ctx).Model(&tradeModel{})
	if q.Context != "" {
		query = query.Where("context = ?", string(q.Context))
	}
	if sym := strings.ToUpper(strings.TrimSpace(q.Symbol)); sym != "" {
		query = query.Where("UPPER(symbol) = ?", sym)
	}
	if sid := strings.TrimSpace(q.StrategyID); sid != "" {
		query = query.Where("strategy_id = ?", sid)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return int(total), nil
}

func newTradeModel(rec TradeRecord) (tradeModel, error) {
	rationale := datatypes.JSON([]byte("{}"))
	if rec.Rationale != nil {
		raw, err := json.Marshal(rec.Rationale)
		if err != nil {
			return tradeModel{}, fmt.Errorf("archive: 序列化 rationale 失败: %w", err)
		}
		rationale = datatypes.JSON(raw)
	}
	halted := 0
	if rec.Halted {
		halted = 1
	}
	return tradeModel{
		PositionID:   strings.TrimSpace(rec.PositionID),
		TraceID:      strings.TrimSpace(rec.TraceID),
		Context:      string(rec.Context),
		Symbol:       strings.ToUpper(strings.TrimSpace(rec.Symbol)),
		Side:         string(rec.Side),
		StrategyID:   strings.TrimSpace(rec.StrategyID),
		Regime:       string(rec.Regime),
		EntryPrice:   rec.EntryPrice,
		InitialStop:  rec.InitialStop,
		Size:         rec.Size.String(),
		RealizedPnL:  rec.RealizedPnL,
		FinalR:       rec.FinalR,
		Halted:       halted,
		HaltReason:   strings.TrimSpace(rec.HaltReason),
		Rationale:    rationale,
		OpenedAtUnix: timeToMillis(rec.OpenedAt),
		ClosedAtUnix: timeToMillis(rec.ClosedAt),
		CreatedAt:    time.Now().UnixMilli(),
	}, nil
}

func tradeModelToRecord(m tradeModel) TradeRecord {
	size, _ := decimal.NewFromString(m.Size)
	var rationale any
	if len(m.Rationale) > 0 {
		_ = json.Unmarshal(m.Rationale, &rationale)
	}
	return TradeRecord{
		PositionID:  m.PositionID,
		TraceID:     m.TraceID,
		Context:     types.ExecContext(m.Context),
		Symbol:      m.Symbol,
		Side:        types.Side(m.Side),
		StrategyID:  m.StrategyID,
		Regime:      types.Regime(m.Regime),
		EntryPrice:  m.EntryPrice,
		InitialStop: m.InitialStop,
		Size:        size,
		RealizedPnL: m.RealizedPnL,
		FinalR:      m.FinalR,
		Halted:      m.Halted != 0,
		HaltReason:  m.HaltReason,
		Rationale:   rationale,
		OpenedAt:    millisToTime(m.OpenedAtUnix),
		ClosedAt:    millisToTime(m.ClosedAtUnix),
	}
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
