package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/nao1215/gateway/pkg/event"
	"github.com/nao1215/gateway/pkg/migration"
	_ "modernc.org/sqlite" // SQLiteドライバ
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	// DefaultListLimit はListで件数を省略した場合の取得件数。
	DefaultListLimit = 100
	// MaxListLimit はListで取得できる最大件数。
	MaxListLimit = 1000
)

// ErrClosed はクローズ済みのStoreを操作したことを表す。
var ErrClosed = errors.New("audit store is closed")

// Store はレジストリイベントの追記専用ストア。
// Closeと並行してAppendやListが呼ばれても安全に使用できる。
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

// Open はdsnのSQLiteデータベースを開き、マイグレーションを適用する。
// ":memory:" を指定した場合はプロセス内のみで有効なデータベースになる。
func Open(ctx context.Context, dsn string, logger log.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("監査ログDBの接続に失敗: %w", err)
	}
	// :memory: は接続ごとに別のDBになるため単一接続に固定する
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("監査ログDBの疎通確認に失敗: %w", err)
	}
	if err := migration.Run(ctx, db, migrations, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("監査ログDBのマイグレーションに失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// Append はイベントを1件追記する。
func (s *Store) Append(ctx context.Context, e *event.Event) error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registry_events (id, aggregate_id, aggregate_type, event_type, data, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.AggregateID,
		string(e.AggregateType),
		string(e.EventType),
		string(e.Data),
		e.Source,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("イベントの追記に失敗: %w", s.closedErr(err))
	}
	return nil
}

// List は新しい順に最大limit件のイベントを返す。
// limitが0以下の場合はDefaultListLimit、MaxListLimitを超える場合はMaxListLimitとする。
func (s *Store) List(ctx context.Context, limit int) ([]*event.Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, data, source, created_at
		FROM registry_events
		ORDER BY seq DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗: %w", s.closedErr(err))
	}
	defer func() { _ = rows.Close() }()

	events := make([]*event.Event, 0, limit)
	for rows.Next() {
		var (
			e             event.Event
			aggregateType string
			eventType     string
			data          string
			createdAt     string
		)
		if err := rows.Scan(&e.ID, &e.AggregateID, &aggregateType, &eventType, &data, &e.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("イベントの読み取りに失敗: %w", s.closedErr(err))
		}
		e.AggregateType = event.AggregateType(aggregateType)
		e.EventType = event.Type(eventType)
		e.Data = []byte(data)
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("作成日時の解析に失敗: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("イベントの読み取りに失敗: %w", s.closedErr(err))
	}
	return events, nil
}

// Close はデータベース接続を閉じる。
// 2回目以降の呼び出しは何もしない。
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// closedErr は判定後にCloseされて失敗した場合、errをErrClosedに置き換える。
func (s *Store) closedErr(err error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return err
}
