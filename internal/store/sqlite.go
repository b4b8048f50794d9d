package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nao1215/crosswalk/pkg/action"
	"github.com/nao1215/crosswalk/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLite はSQLiteを使用するStoreの実装。
type SQLite struct {
	// db はプロセスで1つだけ開くSQLiteデータベース接続。
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite はSQLiteデータベースを開き、マイグレーションを適用する。
// pathに ":memory:" を指定するとインメモリデータベースになる。
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteは書き込みが直列化されるため接続を1本に固定する。
	// インメモリDBは接続ごとに別物になるため、この設定が必須になる。
	db.SetMaxOpenConns(1)

	if err := migration.Run(ctx, db, migrations, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *SQLite) Close() error {
	return s.db.Close()
}

const selectColumns = `id, event_type, description, address, longitude, latitude,
	created_by_id, created_by_username, created_date, changed_date`

// FindByID はIDでイベントを取得する。
func (s *SQLite) FindByID(ctx context.Context, id uuid.UUID) (action.EventSnapshot, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM events WHERE id = ?", id.String())
	e, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return action.EventSnapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return action.EventSnapshot{}, fmt.Errorf("イベントの取得に失敗: %w", err)
	}
	return e, nil
}

// Insert は新しいイベントを保存する。
func (s *SQLite) Insert(ctx context.Context, e action.EventSnapshot) (action.EventSnapshot, error) {
	if e.ID == uuid.Nil {
		return action.EventSnapshot{}, errors.New("イベントIDが設定されていません")
	}
	args, err := snapshotArgs(e)
	if err != nil {
		return action.EventSnapshot{}, err
	}
	args = append(args, searchKey(e.Address))
	if _, err := s.db.ExecContext(ctx, `INSERT INTO events (`+selectColumns+`, address_search)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
		return action.EventSnapshot{}, fmt.Errorf("イベントの保存に失敗: %w", err)
	}
	return s.FindByID(ctx, e.ID)
}

// Update は既存のイベントを置き換える。
func (s *SQLite) Update(ctx context.Context, e action.EventSnapshot) (action.EventSnapshot, error) {
	args, err := snapshotArgs(e)
	if err != nil {
		return action.EventSnapshot{}, err
	}
	// 先頭のidを末尾のWHERE句に回す
	args = append(args[1:], searchKey(e.Address), args[0])
	res, err := s.db.ExecContext(ctx, `UPDATE events SET
		event_type = ?, description = ?, address = ?, longitude = ?, latitude = ?,
		created_by_id = ?, created_by_username = ?, created_date = ?, changed_date = ?,
		address_search = ?
		WHERE id = ?`, args...)
	if err != nil {
		return action.EventSnapshot{}, fmt.Errorf("イベントの更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return action.EventSnapshot{}, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return action.EventSnapshot{}, fmt.Errorf("%w: %s", ErrNotFound, e.ID)
	}
	return s.FindByID(ctx, e.ID)
}

// Delete はイベントを削除し、削除前のスナップショットを返す。
func (s *SQLite) Delete(ctx context.Context, id uuid.UUID) (action.EventSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return action.EventSnapshot{}, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM events WHERE id = ?", id.String())
	e, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return action.EventSnapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return action.EventSnapshot{}, fmt.Errorf("イベントの取得に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE id = ?", id.String()); err != nil {
		return action.EventSnapshot{}, fmt.Errorf("イベントの削除に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return action.EventSnapshot{}, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return e, nil
}

// List は条件に合うイベントを最終更新日時の降順で返す。
func (s *SQLite) List(ctx context.Context, params ListParams) (ListResult, error) {
	if params.Limit < 0 || params.Offset < 0 {
		return ListResult{}, errors.New("limitとoffsetは0以上である必要があります")
	}

	where := ""
	var filter []any
	if params.Search != "" {
		where = ` WHERE address_search LIKE ? ESCAPE '\'`
		filter = append(filter, "%"+escapeLike(searchKey(params.Search))+"%")
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events"+where, filter...).Scan(&count); err != nil {
		return ListResult{}, fmt.Errorf("イベント件数の取得に失敗: %w", err)
	}

	result := ListResult{
		Count:   count,
		HasNext: params.Limit != 0 && params.Offset+params.Limit < count,
		Items:   []action.EventSnapshot{},
	}
	if params.Limit == 0 {
		return result, nil
	}

	args := append(filter, params.Limit, params.Offset)
	rows, err := s.db.QueryContext(ctx, "SELECT "+selectColumns+" FROM events"+where+
		" ORDER BY changed_date DESC, id LIMIT ? OFFSET ?", args...)
	if err != nil {
		return ListResult{}, fmt.Errorf("イベント一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		e, err := scanSnapshot(rows)
		if err != nil {
			return ListResult{}, fmt.Errorf("イベントの読み込みに失敗: %w", err)
		}
		result.Items = append(result.Items, e)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("イベント一覧の読み込みに失敗: %w", err)
	}
	return result, nil
}

// scanner はsql.Rowとsql.Rowsの共通部分。
type scanner interface {
	Scan(dest ...any) error
}

// scanSnapshot は1行をスナップショットに変換する。
func scanSnapshot(sc scanner) (action.EventSnapshot, error) {
	var (
		id, eventType, address, createdByID, createdByUsername, createdDate, changedDate string
		description                                                                      sql.NullString
		longitude, latitude                                                              float64
	)
	if err := sc.Scan(&id, &eventType, &description, &address, &longitude, &latitude,
		&createdByID, &createdByUsername, &createdDate, &changedDate); err != nil {
		return action.EventSnapshot{}, err
	}

	e := action.EventSnapshot{
		Address:   address,
		Location:  action.NewPoint(longitude, latitude),
		CreatedBy: action.User{Username: createdByUsername},
	}
	var err error
	if e.ID, err = uuid.Parse(id); err != nil {
		return action.EventSnapshot{}, fmt.Errorf("idの解析に失敗: %w", err)
	}
	if e.CreatedBy.ID, err = uuid.Parse(createdByID); err != nil {
		return action.EventSnapshot{}, fmt.Errorf("created_by_idの解析に失敗: %w", err)
	}
	if err := json.Unmarshal([]byte(eventType), &e.EventType); err != nil {
		return action.EventSnapshot{}, fmt.Errorf("event_typeの解析に失敗: %w", err)
	}
	if description.Valid {
		e.Description = &description.String
	}
	if e.CreatedDate, err = time.Parse(time.RFC3339Nano, createdDate); err != nil {
		return action.EventSnapshot{}, fmt.Errorf("created_dateの解析に失敗: %w", err)
	}
	if e.ChangedDate, err = time.Parse(time.RFC3339Nano, changedDate); err != nil {
		return action.EventSnapshot{}, fmt.Errorf("changed_dateの解析に失敗: %w", err)
	}
	return e, nil
}

// snapshotArgs はスナップショットをselectColumnsの順のパラメータに変換する。
// 日時はUTCに揃えて保存し、文字列比較で並べ替えられるようにする。
func snapshotArgs(e action.EventSnapshot) ([]any, error) {
	tags := e.EventType
	if tags == nil {
		tags = []string{}
	}
	eventType, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("event_typeのシリアライズに失敗: %w", err)
	}
	var description sql.NullString
	if e.Description != nil {
		description = sql.NullString{String: *e.Description, Valid: true}
	}
	return []any{
		e.ID.String(),
		string(eventType),
		description,
		e.Address,
		e.Location.Longitude(),
		e.Location.Latitude(),
		e.CreatedBy.ID.String(),
		e.CreatedBy.Username,
		formatTime(e.CreatedDate),
		formatTime(e.ChangedDate),
	}, nil
}

// timeLayout は固定長のRFC3339形式。文字列の大小が時刻の前後と一致する。
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// searchKey は住所検索で比較する形に変換する。
// 保存時と検索時の両方でこの関数を通し、ASCII以外の文字も同じ規則で小文字にする。
func searchKey(s string) string {
	return strings.ToLower(s)
}

// escapeLike はLIKEのワイルドカード文字をエスケープする。
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
