package channel

import (
	"context"
	"log/slog"
	"sync"
)

// defaultBufferSize は購読者ごとの受信バッファのサイズ。
const defaultBufferSize = 64

// Memory はプロセス内で完結するChannelの実装。
// 開発用の単一プロセス構成とテストで使用する。
type Memory struct {
	// mu はsubsとclosedを保護する。発行時も保持し、購読者ごとの発行順を保証する。
	mu sync.Mutex
	// subs はトピックごとの購読者。
	subs map[string]map[*memorySubscription]struct{}
	// closed はチャネルがクローズ済みかどうか。
	closed bool
	// bufferSize は購読者ごとの受信バッファのサイズ。
	bufferSize int
	// logger は取りこぼしを記録するロガー。
	logger *slog.Logger
}

var _ Channel = (*Memory)(nil)

// NewMemory は新しいプロセス内チャネルを生成する。
// bufferSizeが0以下の場合はデフォルト値を使用する。
func NewMemory(bufferSize int, logger *slog.Logger) *Memory {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		subs:       make(map[string]map[*memorySubscription]struct{}),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Publish はトピックの全購読者にメッセージを配る。
// 受信バッファが満杯の購読者には配らず、発行側をブロックしない。
func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs[topic] {
		msg := make([]byte, len(payload))
		copy(msg, payload)
		select {
		case sub.ch <- msg:
		default:
			m.logger.Warn("受信バッファが満杯のためメッセージを破棄しました", slog.String("topic", topic))
		}
	}
	return nil
}

// Subscribe はトピックを購読する。
func (m *Memory) Subscribe(_ context.Context, topic string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		parent: m,
		topic:  topic,
		ch:     make(chan []byte, m.bufferSize),
	}
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*memorySubscription]struct{})
	}
	m.subs[topic][sub] = struct{}{}
	return sub, nil
}

// Subscribers はトピックの現在の購読者数を返す。
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}

// Close はチャネルを閉じ、すべての購読を終了させる。
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for topic, subs := range m.subs {
		for sub := range subs {
			close(sub.ch)
		}
		delete(m.subs, topic)
	}
	return nil
}

// remove は購読者を登録から外し、受信チャネルを閉じる。
func (m *Memory) remove(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.subs[sub.topic]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(m.subs, sub.topic)
	}
	close(sub.ch)
}

// memorySubscription はMemoryにおける1つの購読。
type memorySubscription struct {
	parent *Memory
	topic  string
	ch     chan []byte
	once   sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte { return s.ch }

func (s *memorySubscription) Close(_ context.Context) error {
	s.once.Do(func() { s.parent.remove(s) })
	return nil
}
