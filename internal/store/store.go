package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/nao1215/crosswalk/pkg/action"
)

// ErrNotFound は指定されたイベントが存在しないことを表す。
var ErrNotFound = errors.New("イベントが見つかりません")

// Store はイベントレコードの保存先。実装は並行して使用できなければならない。
type Store interface {
	// FindByID はIDでイベントを取得する。存在しない場合は ErrNotFound を返す。
	FindByID(ctx context.Context, id uuid.UUID) (action.EventSnapshot, error)
	// Insert は新しいイベントを保存する。
	Insert(ctx context.Context, e action.EventSnapshot) (action.EventSnapshot, error)
	// Update は既存のイベントを置き換える。存在しない場合は ErrNotFound を返す。
	Update(ctx context.Context, e action.EventSnapshot) (action.EventSnapshot, error)
	// Delete はイベントを削除し、削除前のスナップショットを返す。
	// 存在しない場合は ErrNotFound を返す。
	Delete(ctx context.Context, id uuid.UUID) (action.EventSnapshot, error)
	// List は条件に合うイベントを最終更新日時の降順で返す。
	List(ctx context.Context, params ListParams) (ListResult, error)
}

// ListParams は一覧取得の条件。
type ListParams struct {
	// Limit は返す最大件数。0の場合は件数0を返す。
	Limit int
	// Offset は読み飛ばす件数。
	Offset int
	// Search は住所に対する大文字小文字を区別しない部分一致条件。空の場合は絞り込まない。
	Search string
}

// ListResult は一覧取得の結果。
type ListResult struct {
	// Count は条件に合うイベントの総数。
	Count int
	// HasNext は続きのページがあるかどうか。
	HasNext bool
	// Items は取得したイベント。
	Items []action.EventSnapshot
}
