// Package decisionlog 以 SQLite 落盘审计事件，追加写，不做更新与删除。
package decisionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"aegis/internal/audit"
	"aegis/internal/types"

	_ "modernc.org/sqlite"
)

// Store 管理审计事件库。单连接串行写入，WAL 模式。
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Record 是一条已落盘的审计事件。
type Record struct {
	ID         int64             `json:"id"`
	Timestamp  int64             `json:"ts"`
	TraceID    string            `json:"trace_id"`
	Context    types.ExecContext `json:"context"`
	Kind       audit.Kind        `json:"kind"`
	Reason     string            `json:"reason,omitempty"`
	PositionID string            `json:"position_id,omitempty"`
	Symbol     string            `json:"symbol,omitempty"`
	FromState  string            `json:"from_state,omitempty"`
	ToState    string            `json:"to_state,omitempty"`
	Price      float64           `json:"price,omitempty"`
	RMultiple  float64           `json:"r_multiple,omitempty"`
	DetailJSON string            `json:"detail_json,omitempty"`
}

// Query 用于筛选审计事件。
type Query struct {
	Context    types.ExecContext
	Kind       audit.Kind
	PositionID string
	Symbol     string
	Limit      int
	Offset     int
}

// NewStore 初始化 SQLite 存储。
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("audit log path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close 关闭底层 DB。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			trace_id TEXT,
			context TEXT NOT NULL,
			kind TEXT NOT NULL,
			reason TEXT,
			position_id TEXT,
			symbol TEXT,
			from_state TEXT,
			to_state TEXT,
			price REAL,
			r_multiple REAL,
			detail_json TEXT,
			created_at INTEGER NOT NULL
		);
		`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_context ON audit_events(context);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_position ON audit_events(position_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append 实现 audit.Log。
func (s *Store) Append(ctx context.Context, ev audit.Event) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("audit store 未初始化")
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	detail := ""
	if ev.Detail != nil {
		b, err := json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("序列化审计明细失败: %w", err)
		}
		detail = string(b)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_events
			(ts, trace_id, context, kind, reason, position_id, symbol,
			 from_state, to_state, price, r_multiple, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UnixMilli(),
		ev.TraceID,
		string(ev.Context),
		string(ev.Kind),
		ev.Reason,
		ev.PositionID,
		strings.ToUpper(strings.TrimSpace(ev.Symbol)),
		ev.FromState,
		ev.ToState,
		ev.Price,
		ev.RMultiple,
		detail,
		time.Now().UnixMilli(),
	)
	return err
}

// List 按时间倒序返回审计事件。
func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("audit store 未初始化")
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	var args []interface{}
	var sb strings.Builder
	sb.WriteString(`SELECT id, ts, trace_id, context, kind, reason, position_id,
		symbol, from_state, to_state, price, r_multiple, detail_json
		FROM audit_events WHERE 1=1`)
	if q.Context != "" {
		sb.WriteString(" AND context=?")
		args = append(args, string(q.Context))
	}
	if q.Kind != "" {
		sb.WriteString(" AND kind=?")
		args = append(args, string(q.Kind))
	}
	if q.PositionID != "" {
		sb.WriteString(" AND position_id=?")
		args = append(args, q.PositionID)
	}
	if sym := strings.ToUpper(strings.TrimSpace(q.Symbol)); sym != "" {
		sb.WriteString(" AND symbol=?")
		args = append(args, sym)
	}
	sb.WriteString(" ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)
	rows, err := db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Record
	for rows.Next() {
		var (
			rec     Record
			trace   sql.NullString
			reason  sql.NullString
			posID   sql.NullString
			symbol  sql.NullString
			fromSt  sql.NullString
			toSt    sql.NullString
			price   sql.NullFloat64
			rMult   sql.NullFloat64
			detail  sql.NullString
			ctxName string
			kind    string
		)
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &trace, &ctxName, &kind, &reason,
			&posID, &symbol, &fromSt, &toSt, &price, &rMult, &detail); err != nil {
			return nil, err
		}
		rec.TraceID = trace.String
		rec.Context = types.ExecContext(ctxName)
		rec.Kind = audit.Kind(kind)
		rec.Reason = reason.String
		rec.PositionID = posID.String
		rec.Symbol = symbol.String
		rec.FromState = fromSt.String
		rec.ToState = toSt.String
		rec.Price = price.Float64
		rec.RMultiple = rMult.Float64
		rec.DetailJSON = detail.String
		list = append(list, rec)
	}
	return list, rows.Err()
}

// PositionTrail 返回某个仓位的完整事件序列，按时间正序。
func (s *Store) PositionTrail(ctx context.Context, positionID string) ([]Record, error) {
	recs, err := s.List(ctx, Query{PositionID: positionID, Limit: 500})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}
