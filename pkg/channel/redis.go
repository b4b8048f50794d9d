package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis はRedis Pub/Subを使用するChannelの実装。
// イベントAPIとゲートウェイを別プロセスで動かす場合に使用する。
type Redis struct {
	// client はプロセス内で共有する接続プール付きのRedisクライアント。
	client *redis.Client
	// ownsClient はCloseでクライアントも閉じるかどうか。
	ownsClient bool
	// logger はRedisとのやり取りの失敗を記録するロガー。
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

var _ Channel = (*Redis)(nil)

// DialRedis はアドレスを指定してRedisチャネルを生成する。
// 生成したクライアントはCloseで閉じられる。
func DialRedis(addr, password string, db int, logger *slog.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	r := NewRedis(client, logger)
	r.ownsClient = true
	return r
}

// NewRedis は既存のクライアントを使用するRedisチャネルを生成する。
// クライアントの所有権は呼び出し側に残る。
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client: client,
		logger: logger,
		subs:   make(map[*redisSubscription]struct{}),
	}
}

// Ping はRedisへの疎通を確認する。
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redisへの疎通確認に失敗: %w", err)
	}
	return nil
}

// Publish はPUBLISHでトピックにメッセージを発行する。
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("Redisへのメッセージ発行に失敗: %w", err)
	}
	return nil
}

// Subscribe はSUBSCRIBEでトピックを購読する。
// サーバーが購読を確認してから戻るため、戻った後の発行は取りこぼさない。
func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	ps := r.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("Redisトピックの購読に失敗: %w", err)
	}

	sub := &redisSubscription{
		parent:   r,
		ps:       ps,
		out:      make(chan []byte),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ps.Close()
		return nil, ErrClosed
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go sub.forward(ps.Channel())
	return sub, nil
}

// Close はすべての購読を解除し、所有している場合はクライアントを閉じる。
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*redisSubscription, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Close(context.Background()); err != nil {
			r.logger.Warn("購読の解除に失敗しました", slog.Any("error", err))
		}
	}
	if r.ownsClient {
		if err := r.client.Close(); err != nil {
			return fmt.Errorf("Redisクライアントのクローズに失敗: %w", err)
		}
	}
	return nil
}

func (r *Redis) forget(sub *redisSubscription) {
	r.mu.Lock()
	delete(r.subs, sub)
	r.mu.Unlock()
}

// redisSubscription はRedisにおける1つの購読。
type redisSubscription struct {
	parent *Redis
	ps     *redis.PubSub
	// out は購読者に渡す受信チャネル。forwardの終了時にクローズされる。
	out chan []byte
	// done はCloseが呼ばれたことを通知する。
	done chan struct{}
	// finished はforwardが終了したことを通知する。
	finished chan struct{}
	once     sync.Once
	closeErr error
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }

// forward はgo-redisの受信チャネルから購読者の受信チャネルへ転送する。
func (s *redisSubscription) forward(in <-chan *redis.Message) {
	defer close(s.finished)
	defer close(s.out)
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Close(ctx context.Context) error {
	s.once.Do(func() {
		close(s.done)
		s.parent.forget(s)
		if err := s.ps.Close(); err != nil {
			s.closeErr = fmt.Errorf("Redis購読の解除に失敗: %w", err)
		}
	})
	select {
	case <-s.finished:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.closeErr
}
