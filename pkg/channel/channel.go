// Package channel はトピック単位のpublish/subscribeメッセージバスを提供する。
//
// ゲートウェイから見たチャネルは純粋なブロードキャストであり、配信保証は
// 「購読中の相手に、トピックごとの発行順で届く」ことのみ。取りこぼしは許容される。
// 実装としてプロセス内の Memory と、Redis Pub/Sub を使用する Redis を持つ。
package channel

import (
	"context"
	"errors"
	"log/slog"
)

// ErrClosed はクローズ済みのチャネルに対して操作したことを表す。
var ErrClosed = errors.New("チャネルはクローズされています")

// Channel はトピック単位でバイト列を発行・購読するメッセージバス。
// 実装は複数のゴルーチンから同時に使用できなければならない。
type Channel interface {
	// Publish はトピックにメッセージを発行する。購読者がいなくても成功する。
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe はトピックを購読する。戻った時点で以降の発行は購読者に届く。
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	// Close はチャネルを閉じ、すべての購読を終了させる。
	Close() error
}

// Subscription は1つの購読を表す。
type Subscription interface {
	// Messages は受信メッセージのチャネルを返す。購読終了時にクローズされる。
	Messages() <-chan []byte
	// Close は購読を解除する。冪等であり、ctxの期限を超えてブロックしない。
	Close(ctx context.Context) error
}

// Open は設定に応じたチャネルを生成する。
// redisAddrが空の場合はプロセス内のMemoryを返す。
// 指定されている場合はRedisに接続し、疎通を確認してから返す。
func Open(ctx context.Context, redisAddr, password string, db int, logger *slog.Logger) (Channel, error) {
	if redisAddr == "" {
		return NewMemory(0, logger), nil
	}
	r := DialRedis(redisAddr, password, db, logger)
	if err := r.Ping(ctx); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}
