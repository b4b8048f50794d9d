package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/crosswalk/pkg/action"
	"github.com/nao1215/crosswalk/pkg/channel"
	"github.com/nao1215/crosswalk/pkg/middleware"
)

const (
	testSecret = "test-secret-key-for-unit-tests"
	testTopic  = "events-actions"
)

var testCredentials = middleware.Credentials{
	ID:       uuid.MustParse("00000000-0000-0000-0000-000000000000"),
	Username: "mockuser",
}

// fakeSocket はメモリ上で動作するテスト用Socket。
type fakeSocket struct {
	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}
	once     sync.Once
	pings    atomic.Int32
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound:  make(chan []byte, 4),
		outbound: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeSocket) ReadText() ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, errSocketClosed
	}
}

func (f *fakeSocket) WriteText(data []byte) error {
	select {
	case <-f.closed:
		return errSocketClosed
	default:
	}
	select {
	case f.outbound <- append([]byte(nil), data...):
		return nil
	case <-f.closed:
		return errSocketClosed
	}
}

func (f *fakeSocket) Ping() error {
	f.pings.Add(1)
	return nil
}

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// sendHandshake はクライアントとして認証メッセージを送る。
func (f *fakeSocket) sendHandshake(t *testing.T, token string, timezone *string) {
	t.Helper()

	msg := map[string]any{"token": token}
	if timezone != nil {
		msg["timezone"] = *timezone
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("認証メッセージのシリアライズに失敗: %v", err)
	}
	f.inbound <- data
}

// next はセッションが送信した次のエンベロープを返す。
func (f *fakeSocket) next(t *testing.T) (action.Envelope, map[string]any) {
	t.Helper()

	select {
	case data := <-f.outbound:
		env, err := action.Decode(data)
		if err != nil {
			t.Fatalf("送信されたエンベロープのデコードに失敗: %v: %s", err, data)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			t.Fatalf("JSONのパースに失敗: %v", err)
		}
		return env, raw
	case <-time.After(2 * time.Second):
		t.Fatal("エンベロープが送信されない")
	}
	return action.Envelope{}, nil
}

// assertNothingSent は一定時間エンベロープが送信されないことを検証する。
func (f *fakeSocket) assertNothingSent(t *testing.T) {
	t.Helper()

	select {
	case data := <-f.outbound:
		t.Errorf("想定外のエンベロープが送信された: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

// runningSession は別ゴルーチンで実行中のセッション。
type runningSession struct {
	socket   *fakeSocket
	cancel   context.CancelFunc
	finished chan struct{}
	result   Result
}

// wait はセッションの終了を待って結果を返す。
func (r *runningSession) wait(t *testing.T) Result {
	t.Helper()

	select {
	case <-r.finished:
		return r.result
	case <-time.After(2 * time.Second):
		t.Fatal("セッションが終了しない")
	}
	return Result{}
}

// startSession はセッションを別ゴルーチンで開始する。
func startSession(t *testing.T, ch channel.Channel, opts Options) *runningSession {
	t.Helper()

	if opts.Topic == "" {
		opts.Topic = testTopic
	}
	if opts.Secret == "" {
		opts.Secret = testSecret
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &runningSession{socket: newFakeSocket(), cancel: cancel, finished: make(chan struct{})}
	session := NewSession(r.socket, ch, opts, nil)
	go func() {
		defer close(r.finished)
		r.result = session.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-r.finished
	})
	return r
}

func newTestBus(t *testing.T) *channel.Memory {
	t.Helper()

	bus := channel.NewMemory(16, nil)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

// validToken は1時間有効なトークンを返す。
func validToken(t *testing.T) string {
	t.Helper()

	token, err := middleware.GenerateJWT(testSecret, testCredentials, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("トークン生成に失敗: %v", err)
	}
	return token
}

// waitSubscribers は購読者数がnになるまで待つ。
func waitSubscribers(t *testing.T, bus *channel.Memory, n int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers(testTopic) != n {
		if time.Now().After(deadline) {
			t.Fatalf("購読者数 = %d, want %d", bus.Subscribers(testTopic), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// publish はエンベロープをチャネルに発行する。
func publish(t *testing.T, bus channel.Channel, env action.Envelope) {
	t.Helper()

	data, err := action.Encode(env)
	if err != nil {
		t.Fatalf("Encode()でエラーが発生: %v", err)
	}
	if err := bus.Publish(context.Background(), testTopic, data); err != nil {
		t.Fatalf("Publish()でエラーが発生: %v", err)
	}
}

// newSnapshot は作成日時と更新日時が指定されたスナップショットを生成する。
func newSnapshot(created, changed time.Time) action.EventSnapshot {
	return action.EventSnapshot{
		ID:          uuid.New(),
		EventType:   []string{"FIRE"},
		Address:     "Sydney Opera House",
		Location:    action.NewPoint(151.2153, -33.8568),
		CreatedBy:   action.User{ID: testCredentials.ID, Username: testCredentials.Username},
		CreatedDate: created,
		ChangedDate: changed,
	}
}

func ptr[T any](v T) *T { return &v }

// TestSessionHandshakeFailure は認証に失敗した接続の挙動を検証する。
func TestSessionHandshakeFailure(t *testing.T) {
	t.Parallel()

	expired, err := middleware.GenerateJWT(testSecret, testCredentials, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("トークン生成に失敗: %v", err)
	}

	t.Run("期限切れトークンにはUNAUTHORIZEDを1件だけ送って閉じること", func(t *testing.T) {
		t.Parallel()
		bus := newTestBus(t)
		r := startSession(t, bus, Options{})

		r.socket.sendHandshake(t, expired, nil)
		env, raw := r.socket.next(t)
		if env.Status != action.StatusUnauthorized || env.Error == nil || *env.Error != "Token is expired" {
			t.Errorf("エンベロープ = %+v", env)
		}
		if raw["event"] != nil {
			t.Errorf("event = %v, want null", raw["event"])
		}

		res := r.wait(t)
		if res.State != StateAwaitingAuth || res.Delivered != 0 {
			t.Errorf("Result = %+v", res)
		}
		if !r.socket.isClosed() {
			t.Error("ソケットが閉じられていない")
		}

		// 以降にミューテーションが発生しても何も送られない
		publish(t, bus, action.Deleted(uuid.New()))
		r.socket.assertNothingSent(t)
		if n := bus.Subscribers(testTopic); n != 0 {
			t.Errorf("購読者数 = %d, want 0", n)
		}
	})

	cases := map[string]struct {
		message string
		wantErr string
	}{
		"署名が不正なトークン":  {`{"token":"not-a-jwt"}`, "Token is invalid"},
		"トークンがない":     {`{"timezone":"UTC"}`, "Token is invalid"},
		"JSONではない":    {`hello`, "Invalid handshake message"},
		"不明なタイムゾーン":   {`{"token":"` + validToken(t) + `","timezone":"Mars/Olympus"}`, "Unknown timezone: Mars/Olympus"},
		"空のタイムゾーン":    {`{"token":"` + validToken(t) + `","timezone":""}`, "Unknown timezone: "},
		"Localタイムゾーン": {`{"token":"` + validToken(t) + `","timezone":"Local"}`, "Unknown timezone: Local"},
	}
	for name, tc := range cases {
		t.Run(name+"はUNAUTHORIZEDになること", func(t *testing.T) {
			t.Parallel()
			bus := newTestBus(t)
			r := startSession(t, bus, Options{})

			r.socket.inbound <- []byte(tc.message)
			env, _ := r.socket.next(t)
			if env.Status != action.StatusUnauthorized || env.Error == nil || *env.Error != tc.wantErr {
				t.Errorf("エンベロープ = %v %v, want UNAUTHORIZED %q", env.Status, env.Error, tc.wantErr)
			}
			r.wait(t)
			r.socket.assertNothingSent(t)
		})
	}

	t.Run("認証メッセージが届かない場合はタイムアウトでUNAUTHORIZEDになること", func(t *testing.T) {
		t.Parallel()
		bus := newTestBus(t)
		r := startSession(t, bus, Options{HandshakeTimeout: 20 * time.Millisecond})

		env, _ := r.socket.next(t)
		if env.Status != action.StatusUnauthorized || *env.Error != "Handshake timeout" {
			t.Errorf("エンベロープ = %v %v", env.Status, env.Error)
		}
		r.wait(t)
	})

	t.Run("有効期限の判定は注入した時刻で行われること", func(t *testing.T) {
		t.Parallel()
		bus := newTestBus(t)
		now := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
		token, err := middleware.GenerateJWT(testSecret, testCredentials, now)
		if err != nil {
			t.Fatalf("トークン生成に失敗: %v", err)
		}
		r := startSession(t, bus, Options{Now: func() time.Time { return now }})

		r.socket.sendHandshake(t, token, nil)
		env, _ := r.socket.next(t)
		if env.Status != action.StatusUnauthorized || *env.Error != "Token is expired" {
			t.Errorf("エンベロープ = %v %v", env.Status, env.Error)
		}
	})
}

// TestSessionDelivery は認証済みセッションへの配信を検証する。
func TestSessionDelivery(t *testing.T) {
	t.Parallel()

	t.Run("シドニー時間に変換された日時で配信されること", func(t *testing.T) {
		t.Parallel()
		bus := newTestBus(t)
		r := startSession(t, bus, Options{})
		r.socket.sendHandshake(t, validToken(t), ptr("Australia/Sydney"))
		waitSubscribers(t, bus, 1)

		// 1月は夏時間（+11:00）、7月は標準時（+10:00）
		summer := time.Date(2021, 1, 15, 3, 4, 5, 0, time.UTC)
		winter := time.Date(2021, 7, 15, 3, 4, 5, 0, time.UTC)
		snap := newSnapshot(summer, winter)
		publish(t, bus, action.Created(snap))

		env, raw := r.socket.next(t)
		if env.Status != action.StatusCreated || env.Event == nil || env.Event.ID != snap.ID {
			t.Fatalf("エンベロープ = %+v", env)
		}
		event := raw["event"].(map[string]any)
		if event["createdDate"] != "2021-01-15T14:04:05+11:00" {
			t.Errorf("createdDate = %v, want 2021-01-15T14:04:05+11:00", event["createdDate"])
		}
		if event["changedDate"] != "2021-07-15T13:04:05+10:00" {
			t.Errorf("changedDate = %v, want 2021-07-15T13:04:05+10:00", event["changedDate"])
		}
		if !env.Event.CreatedDate.Equal(summer) || !env.Event.ChangedDate.Equal(winter) {
			t.Errorf("時刻が変わった: %v / %v", env.Event.CreatedDate, env.Event.ChangedDate)
		}
	})

	t.Run("タイムゾーン省略時はUTCで配信されること", func(t *testing.T) {
		t.Parallel()
		bus := newTestBus(t)
		r := startSession(t, bus, Options{})
		r.socket.sendHandshake(t, validToken(t), nil)
		waitSubscribers(t, bus, 1)

		at := time.Date(2021, 1, 15, 3, 4, 5, 0, time.UTC)
		publish(t, bus, action.Updated(newSnapshot(at, at)))

		env, raw := r.socket.next(t)
		if env.Status != action.StatusUpdated {
			t.Errorf("Status = %s, want UPDATED", env.Status)
		}
		if got := raw["event"].(map[string]any)["createdDate"]; got != "2021-01-15T03:04:05Z" {
			t.Errorf("createdDate = %v, want 2021-01-15T03:04:05Z", got)
		}
	})

	t.Run("DELETEDはidのみで配信されること", func(t *testing.T) {
		t.Parallel()
		bus := newTestBus(t)
		r := startSession(t, bus, Options{})
		r.socket.sendHandshake(t, validToken(t), ptr("Asia/Tokyo"))
		waitSubscribers(t, bus, 1)

		id := uuid.New()
		publish(t, bus, action.Deleted(id))

		env, raw := r.socket.next(t)
		if env.Status != action.StatusDeleted || env.ID == nil || *env.ID != id || env.Event != nil {
			t.Errorf("エンベロープ = %+v", env)
		}
		if v, ok := raw["event"]; !ok || v != nil {
			t.Errorf("event = %v, want null", v)
		}
	})

	t.Run("デコードできないメッセージと配信対象外のステータスは破棄され配信が続くこと", func(t *testing.T) {
		t.Parallel()
		bus := newTestBus(t)
		r := startSession(t, bus, Options{})
		r.socket.sendHandshake(t, validToken(t), nil)
		waitSubscribers(t, bus, 1)

		if err := bus.Publish(context.Background(), testTopic, []byte("garbage")); err != nil {
			t.Fatalf("Publish()でエラーが発生: %v", err)
		}
		publish(t, bus, action.Unauthorized("Token is expired"))
		id := uuid.New()
		publish(t, bus, action.Deleted(id))

		env, _ := r.socket.next(t)
		if env.Status != action.StatusDeleted || *env.ID != id {
			t.Errorf("エンベロープ = %+v, want DELETED %s", env, id)
		}
		r.socket.assertNothingSent(t)
	})

	t.Run("発行順に配信されること", func(t *testing.T) {
		t.Parallel()
		bus := newTestBus(t)
		r := startSession(t, bus, Options{})
		r.socket.sendHandshake(t, validToken(t), nil)
		waitSubscribers(t, bus, 1)

		ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
		for _, id := range ids {
			publish(t, bus, action.Deleted(id))
		}
		for i, id := range ids {
			if env, _ := r.socket.next(t); *env.ID != id {
				t.Errorf("%d件目 = %s, want %s", i+1, env.ID, id)
			}
		}
	})

	t.Run("異なるタイムゾーンのセッションがそれぞれ独立して変換されること", func(t *testing.T) {
		t.Parallel()
		bus := newTestBus(t)
		sydney := startSession(t, bus, Options{})
		sydney.socket.sendHandshake(t, validToken(t), ptr("Australia/Sydney"))
		newYork := startSession(t, bus, Options{})
		newYork.socket.sendHandshake(t, validToken(t), ptr("America/New_York"))
		waitSubscribers(t, bus, 2)

		at := time.Date(2021, 1, 15, 3, 4, 5, 0, time.UTC)
		publish(t, bus, action.Created(newSnapshot(at, at)))

		_, rawSydney := sydney.socket.next(t)
		_, rawNewYork := newYork.socket.next(t)
		if got := rawSydney["event"].(map[string]any)["createdDate"]; got != "2021-01-15T14:04:05+11:00" {
			t.Errorf("シドニー: createdDate = %v", got)
		}
		if got := rawNewYork["event"].(map[string]any)["createdDate"]; got != "2021-01-14T22:04:05-05:00" {
			t.Errorf("ニューヨーク: createdDate = %v", got)
		}
	})

	t.Run("認証後のクライアントからのメッセージは無視されること", func(t *testing.T) {
		t.Parallel()
		bus := newTestBus(t)
		r := startSession(t, bus, Options{})
		r.socket.sendHandshake(t, validToken(t), nil)
		waitSubscribers(t, bus, 1)

		r.socket.inbound <- []byte(`{"token":"not-a-jwt"}`)
		id := uuid.New()
		publish(t, bus, action.Deleted(id))
		if env, _ := r.socket.next(t); env.Status != action.StatusDeleted {
			t.Errorf("Status = %s, want DELETED", env.Status)
		}
	})

	t.Run("配信中は定期的に生存確認を送ること", func(t *testing.T) {
		t.Parallel()
		bus := newTestBus(t)
		r := startSession(t, bus, Options{PingInterval: 5 * time.Millisecond})
		r.socket.sendHandshake(t, validToken(t), nil)
		waitSubscribers(t, bus, 1)

		deadline := time.Now().Add(2 * time.Second)
		for r.socket.pings.Load() == 0 {
			if time.Now().After(deadline) {
				t.Fatal("生存確認が送られない")
			}
			time.Sleep(5 * time.Millisecond)
		}
	})
}

// TestSessionTermination はセッションの終了条件を検証する。
func TestSessionTermination(t *testing.T) {
	t.Parallel()

	t.Run("MaxDeliveries件を配信したら終了すること", func(t *testing.T) {
		t.Parallel()
		bus := newTestBus(t)
		r := startSession(t, bus, Options{MaxDeliveries: 1})
		r.socket.sendHandshake(t, validToken(t), nil)
		waitSubscribers(t, bus, 1)

		id := uuid.New()
		publish(t, bus, action.Deleted(id))
		if env, _ := r.socket.next(t); *env.ID != id {
			t.Errorf("ID = %s, want %s", env.ID, id)
		}

		res := r.wait(t)
		if res.Delivered != 1 || res.State != StateStreaming || res.Username != "mockuser" {
			t.Errorf("Result = %+v", res)
		}
		if res.Last == nil || res.Last.Status != action.StatusDeleted {
			t.Errorf("Last = %+v", res.Last)
		}
		if !r.socket.isClosed() {
			t.Error("ソケットが閉じられていない")
		}
		waitSubscribers(t, bus, 0)
	})

	t.Run("コンテキストのキャンセルで購読とソケットが解放されること", func(t *testing.T) {
		t.Parallel()
		bus := newTestBus(t)
		r := startSession(t, bus, Options{})
		r.socket.sendHandshake(t, validToken(t), nil)
		waitSubscribers(t, bus, 1)

		r.cancel()
		res := r.wait(t)
		if res.State != StateStreaming {
			t.Errorf("State = %s, want Streaming", res.State)
		}
		if !r.socket.isClosed() {
			t.Error("ソケットが閉じられていない")
		}
		waitSubscribers(t, bus, 0)
		r.socket.assertNothingSent(t)
	})

	t.Run("クライアントの切断で終了すること", func(t *testing.T) {
		t.Parallel()
		bus := newTestBus(t)
		r := startSession(t, bus, Options{})
		r.socket.sendHandshake(t, validToken(t), nil)
		waitSubscribers(t, bus, 1)

		_ = r.socket.Close()
		r.wait(t)
		waitSubscribers(t, bus, 0)
	})

	t.Run("チャネルが閉じられた場合はERRORを送って終了すること", func(t *testing.T) {
		t.Parallel()
		bus := channel.NewMemory(16, nil)
		r := startSession(t, bus, Options{})
		r.socket.sendHandshake(t, validToken(t), nil)
		waitSubscribers(t, bus, 1)

		_ = bus.Close()
		env, _ := r.socket.next(t)
		if env.Status != action.StatusError || *env.Error != "Internal server error" {
			t.Errorf("エンベロープ = %v %v", env.Status, env.Error)
		}
		r.wait(t)
	})

	t.Run("購読に失敗した場合はERRORを送って終了すること", func(t *testing.T) {
		t.Parallel()
		r := startSession(t, &faultyChannel{err: errors.New("接続拒否")}, Options{})
		r.socket.sendHandshake(t, validToken(t), nil)

		env, _ := r.socket.next(t)
		if env.Status != action.StatusError || *env.Error != "Internal server error" {
			t.Errorf("エンベロープ = %v %v", env.Status, env.Error)
		}
		if res := r.wait(t); res.State != StateAuthenticated {
			t.Errorf("State = %s, want Authenticated", res.State)
		}
	})

	t.Run("パニックはERRORとして報告されること", func(t *testing.T) {
		t.Parallel()
		r := startSession(t, &faultyChannel{panics: true}, Options{})
		r.socket.sendHandshake(t, validToken(t), nil)

		env, _ := r.socket.next(t)
		if env.Status != action.StatusError || *env.Error != "Internal server error" {
			t.Errorf("エンベロープ = %v %v", env.Status, env.Error)
		}
		r.wait(t)
		if !r.socket.isClosed() {
			t.Error("ソケットが閉じられていない")
		}
	})
}

// faultyChannel は購読に失敗するテスト用チャネル。
type faultyChannel struct {
	err    error
	panics bool
}

func (f *faultyChannel) Publish(context.Context, string, []byte) error { return f.err }

func (f *faultyChannel) Subscribe(context.Context, string) (channel.Subscription, error) {
	if f.panics {
		panic("想定外の障害")
	}
	return nil, f.err
}

func (f *faultyChannel) Close() error { return nil }
