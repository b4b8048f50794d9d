// Package tz は保存されたUTC日時を接続先が要求したIANAタイムゾーンに変換する。
//
// 不明なゾーン名は ErrUnknownZone で失敗する。UTCへのフォールバックは
// 呼び出し側が明示的に行い、このパッケージが暗黙に行うことはない。
package tz

import (
	"errors"
	"fmt"
	"sync"
	"time"
	_ "time/tzdata" // コンテナ環境にゾーン情報がない場合の埋め込みデータ
)

// DefaultZone は接続がタイムゾーンを指定しなかった場合に呼び出し側が使用するゾーン名。
const DefaultZone = "UTC"

// ErrUnknownZone は指定されたゾーン名が解決できないことを表す。
var ErrUnknownZone = errors.New("不明なタイムゾーンです")

// cache は解決済みのロケーション。time.LoadLocationはゾーン情報を毎回読み込むため保持する。
var cache sync.Map

// Load はIANAゾーン名をロケーションに解決する。
// 空文字列と "Local" はサーバー環境に依存するため受け付けない。
func Load(zone string) (*time.Location, error) {
	if zone == "" || zone == "Local" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownZone, zone)
	}
	if loc, ok := cache.Load(zone); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownZone, zone)
	}
	cache.Store(zone, loc)
	return loc, nil
}

// Localize は日時を指定ゾーンでの表現に変換する。時刻そのものは変わらない。
func Localize(t time.Time, zone string) (time.Time, error) {
	loc, err := Load(zone)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(loc), nil
}
