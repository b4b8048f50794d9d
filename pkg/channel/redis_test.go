package channel

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestRedis はminiredisに接続したRedisチャネルを生成する。
func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	r := DialRedis(mr.Addr(), "", 0, nil)
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

// TestRedis はRedis Pub/Subチャネルを検証する。
func TestRedis(t *testing.T) {
	t.Parallel()

	t.Run("購読後に発行したメッセージが発行順で届くこと", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		r, _ := newTestRedis(t)
		if err := r.Ping(ctx); err != nil {
			t.Fatalf("Ping()でエラーが発生: %v", err)
		}

		sub, err := r.Subscribe(ctx, "events-actions")
		if err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}
		t.Cleanup(func() { _ = sub.Close(context.Background()) })

		for i := range 3 {
			if err := r.Publish(ctx, "events-actions", []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
				t.Fatalf("Publish()でエラーが発生: %v", err)
			}
		}
		for i := range 3 {
			want := fmt.Sprintf(`{"n":%d}`, i)
			if got := string(receive(t, sub)); got != want {
				t.Errorf("受信 = %q, want %q", got, want)
			}
		}
	})

	t.Run("購読の解除が冪等で受信チャネルが閉じられること", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r, _ := newTestRedis(t)

		sub, err := r.Subscribe(ctx, "t")
		if err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}
		if err := sub.Close(ctx); err != nil {
			t.Fatalf("Close()でエラーが発生: %v", err)
		}
		if err := sub.Close(ctx); err != nil {
			t.Fatalf("2回目のClose()でエラーが発生: %v", err)
		}
		if _, ok := <-sub.Messages(); ok {
			t.Error("解除後の受信チャネルが開いている")
		}
	})

	t.Run("チャネルのクローズで購読が終了しErrClosedになること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		r, _ := newTestRedis(t)
		sub, err := r.Subscribe(ctx, "t")
		if err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}
		if err := r.Close(); err != nil {
			t.Fatalf("Close()でエラーが発生: %v", err)
		}
		if _, ok := <-sub.Messages(); ok {
			t.Error("クローズ後も受信チャネルが開いている")
		}
		if err := r.Publish(ctx, "t", []byte("x")); !errors.Is(err, ErrClosed) {
			t.Errorf("Publish() error = %v, want ErrClosed", err)
		}
		if _, err := r.Subscribe(ctx, "t"); !errors.Is(err, ErrClosed) {
			t.Errorf("Subscribe() error = %v, want ErrClosed", err)
		}
	})

	t.Run("Redisに接続できない場合は購読がエラーになること", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		t.Cleanup(func() { _ = client.Close() })
		r := NewRedis(client, nil)
		mr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := r.Subscribe(ctx, "t"); err == nil {
			t.Error("停止したRedisへの購読が成功した")
		}
		if err := r.Publish(ctx, "t", []byte("x")); err == nil {
			t.Error("停止したRedisへの発行が成功した")
		}
	})
}

// TestOpen は設定に応じたチャネルの選択を検証する。
func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("アドレスが空の場合はMemoryを返すこと", func(t *testing.T) {
		t.Parallel()

		ch, err := Open(context.Background(), "", "", 0, nil)
		if err != nil {
			t.Fatalf("Open()でエラーが発生: %v", err)
		}
		defer ch.Close()
		if _, ok := ch.(*Memory); !ok {
			t.Errorf("Open() = %T, want *Memory", ch)
		}
	})

	t.Run("アドレスが指定された場合はRedisを返すこと", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		ch, err := Open(context.Background(), mr.Addr(), "", 0, nil)
		if err != nil {
			t.Fatalf("Open()でエラーが発生: %v", err)
		}
		defer ch.Close()
		if _, ok := ch.(*Redis); !ok {
			t.Errorf("Open() = %T, want *Redis", ch)
		}
	})

	t.Run("Redisに接続できない場合はエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := Open(ctx, addr, "", 0, nil); err == nil {
			t.Error("停止したRedisへのOpen()が成功した")
		}
	})
}
