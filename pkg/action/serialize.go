package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrCodec はエンベロープのエンコード・デコードに失敗したことを表す。
var ErrCodec = errors.New("アクションエンベロープの形式が不正です")

// envelopeJSON はエンベロープの外部スキーマ（lowerCamelCase）。
// 省略可能なフィールドはnullとして出力し、欠落とnullはどちらも「なし」として扱う。
type envelopeJSON struct {
	Status Status         `json:"status"`
	ID     *uuid.UUID     `json:"id"`
	Event  *EventSnapshot `json:"event"`
	Error  *string        `json:"error"`
}

// userJSON は作成者の外部スキーマ。
type userJSON struct {
	ID       *uuid.UUID `json:"id"`
	Username *string    `json:"username"`
}

// snapshotJSON はイベントスナップショットの外部スキーマ。
// 必須フィールドはポインタで受け、欠落をゼロ値と区別する。
type snapshotJSON struct {
	ID          *uuid.UUID `json:"id"`
	EventType   []string   `json:"eventType"`
	Description *string    `json:"description"`
	Address     *string    `json:"address"`
	Longitude   *float64   `json:"longitude"`
	Latitude    *float64   `json:"latitude"`
	CreatedBy   *userJSON  `json:"createdBy"`
	CreatedDate *time.Time `json:"createdDate"`
	ChangedDate *time.Time `json:"changedDate"`
}

// MarshalJSON はスナップショットを外部スキーマに変換する。
// 座標は longitude/latitude に平坦化される。
func (e EventSnapshot) MarshalJSON() ([]byte, error) {
	id := e.CreatedBy.ID
	username := e.CreatedBy.Username
	address := e.Address
	lng, lat := e.Location.Longitude(), e.Location.Latitude()
	created, changed := e.CreatedDate, e.ChangedDate
	snapshotID := e.ID
	return json.Marshal(snapshotJSON{
		ID:          &snapshotID,
		EventType:   e.EventType,
		Description: e.Description,
		Address:     &address,
		Longitude:   &lng,
		Latitude:    &lat,
		CreatedBy:   &userJSON{ID: &id, Username: &username},
		CreatedDate: &created,
		ChangedDate: &changed,
	})
}

// UnmarshalJSON は外部スキーマからスナップショットを復元する。
func (e *EventSnapshot) UnmarshalJSON(data []byte) error {
	var w snapshotJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.ID == nil:
		return fmt.Errorf("%w: event.idがありません", ErrCodec)
	case w.Address == nil:
		return fmt.Errorf("%w: event.addressがありません", ErrCodec)
	case w.Longitude == nil || w.Latitude == nil:
		return fmt.Errorf("%w: event.longitude/latitudeがありません", ErrCodec)
	case w.CreatedBy == nil || w.CreatedBy.ID == nil || w.CreatedBy.Username == nil:
		return fmt.Errorf("%w: event.createdByが不完全です", ErrCodec)
	case w.CreatedDate == nil || w.ChangedDate == nil:
		return fmt.Errorf("%w: event.createdDate/changedDateがありません", ErrCodec)
	}
	*e = EventSnapshot{
		ID:          *w.ID,
		EventType:   w.EventType,
		Description: w.Description,
		Address:     *w.Address,
		Location:    NewPoint(*w.Longitude, *w.Latitude),
		CreatedBy:   User{ID: *w.CreatedBy.ID, Username: *w.CreatedBy.Username},
		CreatedDate: *w.CreatedDate,
		ChangedDate: *w.ChangedDate,
	}
	return nil
}

// MarshalJSON はエンベロープを外部スキーマに変換する。
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeJSON(e))
}

// UnmarshalJSON は外部スキーマからエンベロープを復元する。
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Envelope(w)
	return nil
}

// Encode はエンベロープを検証してJSONバイト列にシリアライズする。
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCodec, err)
	}
	return data, nil
}

// Decode はJSONバイト列からエンベロープをデシリアライズして検証する。
// Encodeの逆変換であり、Decode(Encode(e)) は e と等しい。
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		if errors.Is(err, ErrCodec) {
			return Envelope{}, err
		}
		return Envelope{}, fmt.Errorf("%w: %w", ErrCodec, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
