// Package events はイベントAPIの内部実装を提供する。
//
// イベントの作成・更新・削除・取得・一覧取得をREST APIとして公開する。
// 書き込みが完了するとアクションエンベロープの発行を予約し、応答は発行の
// 完了を待たない。レスポンスの日時は timezone Cookie のタイムゾーンで返す。
package events
