// Package middleware はGinベースのHTTP APIとWebSocketゲートウェイで使用する共通処理を提供する。
//
// JWT認証トークンの検証（VerifyJWT）、Bearer認証ミドルウェア、
// パニックリカバリ、CORS設定を含む。
package middleware
