// Package gateway はアクションエンベロープを配信するゲートウェイの内部実装を提供する。
//
// クライアントは /events-actions にWebSocketで接続し、最初のメッセージで
// トークンとタイムゾーンを送る。認証に成功した接続はチャネルを購読し、
// 受信したエンベロープの日時を要求されたタイムゾーンに変換して送信する。
//
// 認証に失敗した接続にはUNAUTHORIZED、処理中の障害にはERRORのエンベロープを
// 1件だけ送り、正常終了コードで接続を閉じる。各接続は独立したゴルーチンで動き、
// 1つの接続の失敗が他の接続やサーバーに波及することはない。
package gateway
