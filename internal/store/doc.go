// Package store はイベントレコードの永続化を提供する。
//
// ゲートウェイの中核から見たStoreは外部の協調者であり、ここではSQLiteによる
// 実装を持つ。書き込み系の操作は書き込んだスナップショット全体を返す。
package store
