package events

import "github.com/nao1215/crosswalk/pkg/action"

// EventTypes は指定可能なイベント種別。
var EventTypes = []string{
	"ROBBERY",
	"FIGHT",
	"DEATH",
	"GUN",
	"INADEQUATE",
	"ACCEDENT",
	"FIRE",
	"POLICE",
}

// createEventRequest はイベント作成リクエストのJSON構造。
type createEventRequest struct {
	// EventType はイベント種別。1つ以上必要。
	EventType []string `json:"eventType" binding:"required,min=1,dive,oneof=ROBBERY FIGHT DEATH GUN INADEQUATE ACCEDENT FIRE POLICE"`
	// Description はイベントの説明（任意）。
	Description *string `json:"description"`
	// Address は発生場所の住所。
	Address string `json:"address" binding:"required"`
	// Longitude は発生場所の経度。
	Longitude *float64 `json:"longitude" binding:"required,gte=-180,lte=180"`
	// Latitude は発生場所の緯度。
	Latitude *float64 `json:"latitude" binding:"required,gte=-90,lte=90"`
}

// updateEventRequest はイベント更新リクエストのJSON構造。
// 指定されたフィールドのみ更新する。
type updateEventRequest struct {
	// EventType は新しいイベント種別。
	EventType []string `json:"eventType" binding:"omitempty,min=1,dive,oneof=ROBBERY FIGHT DEATH GUN INADEQUATE ACCEDENT FIRE POLICE"`
	// Description は新しい説明。
	Description *string `json:"description"`
	// Address は新しい住所。
	Address *string `json:"address" binding:"omitempty,min=1"`
	// Longitude は新しい経度。
	Longitude *float64 `json:"longitude" binding:"omitempty,gte=-180,lte=180"`
	// Latitude は新しい緯度。
	Latitude *float64 `json:"latitude" binding:"omitempty,gte=-90,lte=90"`
}

// apply は指定されたフィールドをスナップショットに反映する。
func (r updateEventRequest) apply(e *action.EventSnapshot) {
	if r.EventType != nil {
		e.EventType = r.EventType
	}
	if r.Description != nil {
		e.Description = r.Description
	}
	if r.Address != nil {
		e.Address = *r.Address
	}
	lng, lat := e.Location.Longitude(), e.Location.Latitude()
	if r.Longitude != nil {
		lng = *r.Longitude
	}
	if r.Latitude != nil {
		lat = *r.Latitude
	}
	e.Location = action.NewPoint(lng, lat)
}
