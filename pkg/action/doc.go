// Package action はイベント操作の通知（アクションエンベロープ）の型と、
// チャネルおよびWebSocketで使用するワイヤ形式のコーデックを提供する。
//
// エンベロープは作成・更新・削除の3種類がチャネルを流れ、
// 認証失敗と内部エラーの2種類は個々の接続にだけ直接送信される。
package action
