// Package publisher は書き込み完了後のアクションエンベロープをチャネルへ発行する。
//
// 発行はリクエスト処理から切り離されたバックグラウンドで行い、失敗しても
// 呼び出し元には伝えない。1つのワーカーがキューを順に処理するため、
// エンベロープは書き込みが完了した順にチャネルへ届く。
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/crosswalk/pkg/action"
	"github.com/nao1215/crosswalk/pkg/channel"
)

// Options はPublisherの動作設定。
type Options struct {
	// Topic は発行先のトピック名。
	Topic string
	// Timeout は1回の発行にかける時間の上限。0の場合は5秒。
	Timeout time.Duration
	// RetryBackoff は再試行までの待ち時間。0の場合は200ミリ秒。
	RetryBackoff time.Duration
	// QueueSize は未発行のエンベロープを保持する件数の上限。0の場合は256。
	QueueSize int
}

// maxAttempts は1件の発行を試みる最大回数（初回 + 再試行1回）。
const maxAttempts = 2

// Publisher はアクションエンベロープをチャネルへ非同期に発行する。
type Publisher struct {
	// ch は発行先のチャネル。
	ch channel.Channel
	// opts は動作設定。
	opts Options
	// logger は発行失敗などを記録するロガー。
	logger *slog.Logger
	// queue は発行待ちのエンベロープ。
	queue chan action.Envelope
	// mu はclosedとqueueのクローズを保護する。
	mu sync.Mutex
	// closed はClose済みかどうか。
	closed bool
	// closing はCloseの開始時にクローズされ、再試行の待機を打ち切る。
	closing chan struct{}
	// done はワーカーの終了時にクローズされる。
	done chan struct{}
}

// New はPublisherを生成し、バックグラウンドのワーカーを開始する。
func New(ch channel.Channel, opts Options, logger *slog.Logger) *Publisher {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Publisher{
		ch:      ch,
		opts:    opts,
		logger:  logger.With(slog.String("component", "publisher"), slog.String("topic", opts.Topic)),
		queue:   make(chan action.Envelope, opts.QueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// PublishCreated はCREATEDエンベロープの発行を予約する。
func (p *Publisher) PublishCreated(e action.EventSnapshot) {
	p.enqueue(action.Created(e))
}

// PublishUpdated はUPDATEDエンベロープの発行を予約する。
func (p *Publisher) PublishUpdated(e action.EventSnapshot) {
	p.enqueue(action.Updated(e))
}

// PublishDeleted はDELETEDエンベロープの発行を予約する。
func (p *Publisher) PublishDeleted(id uuid.UUID) {
	p.enqueue(action.Deleted(id))
}

// enqueue はエンベロープをキューに積む。ブロックせず、積めない場合は破棄する。
func (p *Publisher) enqueue(env action.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.logger.Warn("クローズ済みのため発行を破棄しました", envelopeAttrs(env)...)
		return
	}
	select {
	case p.queue <- env:
	default:
		p.logger.Warn("発行キューが満杯のため破棄しました", envelopeAttrs(env)...)
	}
}

// run はキューが閉じられるまでエンベロープを順に発行する。
func (p *Publisher) run() {
	defer close(p.done)
	for env := range p.queue {
		p.publish(env)
	}
}

// publish は1件のエンベロープを発行する。失敗した場合は1回だけ再試行する。
func (p *Publisher) publish(env action.Envelope) {
	payload, err := action.Encode(env)
	if err != nil {
		p.logger.Error("エンベロープのエンコードに失敗", append(envelopeAttrs(env), slog.Any("error", err))...)
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.Timeout)
		err = p.ch.Publish(ctx, p.opts.Topic, payload)
		cancel()
		if err == nil {
			p.logger.Debug("エンベロープを発行しました", envelopeAttrs(env)...)
			return
		}
		if errors.Is(err, channel.ErrClosed) {
			break
		}
		if attempt < maxAttempts {
			p.logger.Warn("発行に失敗したため再試行します",
				append(envelopeAttrs(env), slog.Int("attempt", attempt), slog.Any("error", err))...)
			p.backoff()
		}
	}
	p.logger.Error("エンベロープの発行に失敗しました", append(envelopeAttrs(env), slog.Any("error", err))...)
}

// backoff は再試行までの待ち時間だけ待つ。
// Closeが始まった場合は待たずに戻り、残りのキューを発行し切ることを優先する。
func (p *Publisher) backoff() {
	timer := time.NewTimer(p.opts.RetryBackoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.closing:
	}
}

// Close は新しい発行の受付を止め、キューに残ったエンベロープを発行し終えるまで待つ。
// ctxの期限を過ぎた場合は待つのをやめてエラーを返す。冪等。
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.closing)
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("未発行のエンベロープが残っています: %w", ctx.Err())
	}
}

func envelopeAttrs(env action.Envelope) []any {
	attrs := []any{slog.String("status", env.Status.String())}
	if env.ID != nil {
		attrs = append(attrs, slog.String("id", env.ID.String()))
	}
	return attrs
}
