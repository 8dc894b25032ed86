// Package store 持久化适配：SQLite 保存玩家、事件与存档，Redis 作为可选的会话缓存
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"roomsync/server"
	"roomsync/store/migrations"
)

const backupTimeLayout = "2006-01-02_150405"

// SQLite 基于 modernc.org/sqlite 的 server.Store 实现
type SQLite struct {
	db        *sql.DB
	path      string
	backupDir string
	now       func() time.Time
}

var _ server.Store = (*SQLite)(nil)

// Open 打开（必要时创建）数据库文件并执行内嵌迁移
func Open(ctx context.Context, path, backupDir string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path is required")
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	dsn := clean + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单写者，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS, "."); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLite{db: db, path: clean, backupDir: backupDir, now: time.Now}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateUser 用户不存在时以 defaults 建档；已存在则不做任何修改
func (s *SQLite) CreateUser(ctx context.Context, username string, defaults server.PlayerDefinition) error {
	data, err := encodeData(defaults.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO users (username, x, y, sx, costume, room_id, data, last_timestamp, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
ON CONFLICT(username) DO NOTHING`,
		username,
		valueOr(defaults.X, 0),
		valueOr(defaults.Y, 0),
		valueOr(defaults.SX, 1),
		nullString(defaults.Costume),
		nullInt(defaults.RoomID),
		data,
		s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", username, err)
	}
	return nil
}

// GetUser 不存在时返回 nil, nil
func (s *SQLite) GetUser(ctx context.Context, username string) (*server.PlayerDefinition, error) {
	var (
		x, y, sx  float64
		costume   sql.NullString
		roomID    sql.NullInt64
		data      string
		timestamp int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT x, y, sx, costume, room_id, data, last_timestamp
FROM users WHERE username = ?`, username).
		Scan(&x, &y, &sx, &costume, &roomID, &data, &timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}

	def := &server.PlayerDefinition{
		Username:  username,
		X:         &x,
		Y:         &y,
		SX:        &sx,
		Timestamp: &timestamp,
	}
	if costume.Valid {
		def.Costume = &costume.String
	}
	if roomID.Valid {
		id := int(roomID.Int64)
		def.RoomID = &id
	}
	def.Data = server.NewDataMap()
	if data != "" {
		if err := json.Unmarshal([]byte(data), def.Data); err != nil {
			return nil, fmt.Errorf("decode data of %s: %w", username, err)
		}
	}
	return def, nil
}

// UpdateUsers 一个事务内写回全部玩家
func (s *SQLite) UpdateUsers(ctx context.Context, defs []server.PlayerDefinition) error {
	if len(defs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
UPDATE users SET x = ?, y = ?, sx = ?, costume = ?, room_id = ?, data = ?, last_timestamp = ?
WHERE username = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, d := range defs {
			data, err := encodeData(d.Data)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				valueOr(d.X, 0), valueOr(d.Y, 0), valueOr(d.SX, 1),
				nullString(d.Costume), nullInt(d.RoomID), data,
				valueOr(d.Timestamp, s.now().UnixMilli()),
				d.Username,
			); err != nil {
				return fmt.Errorf("update user %s: %w", d.Username, err)
			}
		}
		return nil
	})
}

// AddOnlineTime 累加玩家的总在线时长
func (s *SQLite) AddOnlineTime(ctx context.Context, username string, d time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET total_online_time = total_online_time + ? WHERE username = ?`,
		d.Milliseconds(), username)
	if err != nil {
		return fmt.Errorf("add online time %s: %w", username, err)
	}
	return nil
}

// AddEvents 自定义事件按名称入库，关联发送者
func (s *SQLite) AddEvents(ctx context.Context, events []server.CustomEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO events (type, room_id, user_id, data, timestamp)
VALUES (?, ?, (SELECT id FROM users WHERE username = ?), ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, ev := range events {
			var data sql.NullString
			if ev.Data != nil {
				b, err := json.Marshal(ev.Data)
				if err != nil {
					return fmt.Errorf("encode event %s: %w", ev.Name, err)
				}
				data = sql.NullString{String: string(b), Valid: true}
			}
			var username string
			if ev.Username != nil {
				username = *ev.Username
			}
			if _, err := stmt.ExecContext(ctx, ev.Name, nullInt(ev.RoomID), username, data, ev.Timestamp); err != nil {
				return fmt.Errorf("insert event %s: %w", ev.Name, err)
			}
		}
		return nil
	})
}

// GetSave 返回用户的存档内容；不存在时 ok 为 false
func (s *SQLite) GetSave(ctx context.Context, username string) (string, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM saves WHERE username = ?`, username).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get save %s: %w", username, err)
	}
	return data, true, nil
}

func (s *SQLite) StoreSave(ctx context.Context, username, data string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO saves (username, data, save_time) VALUES (?, ?, ?)
ON CONFLICT(username) DO UPDATE SET data = excluded.data, save_time = excluded.save_time`,
		username, data, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store save %s: %w", username, err)
	}
	return nil
}

// Backup 将当前数据库一致地复制到 backupDir/<yyyy-mm-dd_HHMMSS>.backup.db
func (s *SQLite) Backup(ctx context.Context) (string, error) {
	if s.backupDir == "" {
		return "", errors.New("backup dir is not configured")
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	dst := filepath.Join(s.backupDir, s.now().Format(backupTimeLayout)+".backup.db")
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
		return "", fmt.Errorf("backup to %s: %w", dst, err)
	}
	return dst, nil
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func encodeData(d *server.DataMap) (string, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode data: %w", err)
	}
	return string(b), nil
}

func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
