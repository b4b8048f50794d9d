package action

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/crosswalk/pkg/tz"
)

// Status はアクションエンベロープの種類を表す。
// 数値はWebSocketの外部スキーマでそのまま使用されるため変更してはならない。
type Status int

const (
	// StatusCreated はイベントが作成されたことを表す。
	StatusCreated Status = 1
	// StatusUpdated はイベントが更新されたことを表す。
	StatusUpdated Status = 2
	// StatusDeleted はイベントが削除されたことを表す。
	StatusDeleted Status = 3
	// StatusUnauthorized は接続の認証に失敗したことを表す。
	// チャネルには流れず、該当する接続にのみ直接送信される。
	StatusUnauthorized Status = 4
	// StatusError は接続の処理中に内部エラーが発生したことを表す。
	// チャネルには流れず、該当する接続にのみ直接送信される。
	StatusError Status = 5
)

// String はステータスの名前を返す。
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusUpdated:
		return "UPDATED"
	case StatusDeleted:
		return "DELETED"
	case StatusUnauthorized:
		return "UNAUTHORIZED"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Valid はステータスが定義済みの値かどうかを返す。
func (s Status) Valid() bool {
	return s >= StatusCreated && s <= StatusError
}

// Broadcast はチャネル経由で配信されるステータスかどうかを返す。
func (s Status) Broadcast() bool {
	return s == StatusCreated || s == StatusUpdated || s == StatusDeleted
}

// LocationTypePoint は位置情報の固定の型識別子。
const LocationTypePoint = "Point"

// Location はイベントの地理座標を表す。
type Location struct {
	// Type は位置情報の型識別子。常に "Point"。
	Type string
	// Coordinates は経度・緯度の組。
	Coordinates [2]float64
}

// NewPoint は経度・緯度からPoint型の位置情報を生成する。
func NewPoint(longitude, latitude float64) Location {
	return Location{Type: LocationTypePoint, Coordinates: [2]float64{longitude, latitude}}
}

// Longitude は経度を返す。
func (l Location) Longitude() float64 { return l.Coordinates[0] }

// Latitude は緯度を返す。
func (l Location) Latitude() float64 { return l.Coordinates[1] }

// User はイベント作成者の情報。
// スナップショットには値として埋め込まれ、後からユーザー名が変わっても過去のスナップショットは変わらない。
type User struct {
	// ID はユーザーの一意識別子。
	ID uuid.UUID
	// Username はユーザーの表示名。
	Username string
}

// EventSnapshot はある時点のイベントレコードを非正規化した表現。
// CREATED/UPDATEDのエンベロープに含まれる。
type EventSnapshot struct {
	// ID はイベントの一意識別子。
	ID uuid.UUID
	// EventType はイベントの分類タグ。
	EventType []string
	// Description はイベントの説明。未設定の場合はnil。
	Description *string
	// Address はイベント発生場所の住所。
	Address string
	// Location はイベント発生場所の座標。
	Location Location
	// CreatedBy はイベントの作成者。
	CreatedBy User
	// CreatedDate はイベントの作成日時。
	CreatedDate time.Time
	// ChangedDate はイベントの最終更新日時。
	ChangedDate time.Time
}

// InZone は日時を指定されたロケーションに変換したコピーを返す。
// 元のスナップショットは変更しない。
func (e EventSnapshot) InZone(loc *time.Location) EventSnapshot {
	return e.withDates(e.CreatedDate.In(loc), e.ChangedDate.In(loc))
}

// Localize は日時をIANAゾーン名のタイムゾーンに変換したコピーを返す。
// ゾーン名を解決できない場合は tz.ErrUnknownZone を返し、UTCにはフォールバックしない。
func (e EventSnapshot) Localize(zone string) (EventSnapshot, error) {
	created, err := tz.Localize(e.CreatedDate, zone)
	if err != nil {
		return EventSnapshot{}, err
	}
	changed, err := tz.Localize(e.ChangedDate, zone)
	if err != nil {
		return EventSnapshot{}, err
	}
	return e.withDates(created, changed), nil
}

// withDates は日時を差し替えたコピーを返す。タグのスライスは共有しない。
func (e EventSnapshot) withDates(created, changed time.Time) EventSnapshot {
	out := e
	out.EventType = append([]string(nil), e.EventType...)
	out.CreatedDate = created
	out.ChangedDate = changed
	return out
}

// Envelope はチャネルとWebSocketを流れる通知の単位。
//
// ステータスごとに以下のいずれか1つだけが成り立つ:
//   - CREATED/UPDATED: Eventあり、Errorなし
//   - DELETED: Event・Errorともになし
//   - UNAUTHORIZED/ERROR: Errorあり、Eventなし
type Envelope struct {
	// Status はエンベロープの種類。
	Status Status
	// ID は対象イベントの識別子。イベントが特定できないエラーの場合はnil。
	ID *uuid.UUID
	// Event はイベントのスナップショット。
	Event *EventSnapshot
	// Error は人間向けのエラーメッセージ。
	Error *string
}

// Created はCREATEDエンベロープを生成する。
func Created(e EventSnapshot) Envelope {
	id := e.ID
	return Envelope{Status: StatusCreated, ID: &id, Event: &e}
}

// Updated はUPDATEDエンベロープを生成する。
func Updated(e EventSnapshot) Envelope {
	id := e.ID
	return Envelope{Status: StatusUpdated, ID: &id, Event: &e}
}

// Deleted はDELETEDエンベロープを生成する。IDのみを運ぶ。
func Deleted(id uuid.UUID) Envelope {
	return Envelope{Status: StatusDeleted, ID: &id}
}

// Unauthorized はUNAUTHORIZEDエンベロープを生成する。
func Unauthorized(message string) Envelope {
	return Envelope{Status: StatusUnauthorized, Error: &message}
}

// Failure はERRORエンベロープを生成する。
func Failure(message string) Envelope {
	return Envelope{Status: StatusError, Error: &message}
}

// Validate はエンベロープがステータスごとの不変条件を満たしているか検証する。
func (e Envelope) Validate() error {
	switch e.Status {
	case StatusCreated, StatusUpdated:
		if e.Event == nil {
			return fmt.Errorf("%w: %s にはeventが必要です", ErrCodec, e.Status)
		}
		if e.Error != nil {
			return fmt.Errorf("%w: %s にerrorは含められません", ErrCodec, e.Status)
		}
		if e.ID == nil {
			return fmt.Errorf("%w: %s にはidが必要です", ErrCodec, e.Status)
		}
		if *e.ID != e.Event.ID {
			return fmt.Errorf("%w: idとevent.idが一致しません", ErrCodec)
		}
	case StatusDeleted:
		if e.ID == nil {
			return fmt.Errorf("%w: %s にはidが必要です", ErrCodec, e.Status)
		}
		if e.Event != nil || e.Error != nil {
			return fmt.Errorf("%w: %s にeventやerrorは含められません", ErrCodec, e.Status)
		}
	case StatusUnauthorized, StatusError:
		if e.Error == nil {
			return fmt.Errorf("%w: %s にはerrorが必要です", ErrCodec, e.Status)
		}
		if e.Event != nil {
			return fmt.Errorf("%w: %s にeventは含められません", ErrCodec, e.Status)
		}
	default:
		return fmt.Errorf("%w: 不明なステータス %d", ErrCodec, int(e.Status))
	}
	return nil
}
