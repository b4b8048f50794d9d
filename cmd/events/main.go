// イベントAPIサービスのエントリポイント。
// イベントのCRUDを担当し、書き込みのたびにアクションエンベロープをチャネルへ発行する。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nao1215/crosswalk/internal/events"
	"github.com/nao1215/crosswalk/internal/publisher"
	"github.com/nao1215/crosswalk/internal/store"
	"github.com/nao1215/crosswalk/pkg/channel"
	"github.com/nao1215/crosswalk/pkg/config"
)

// shutdownTimeout は停止処理にかける時間の上限。
const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load("8080")
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Error("イベントAPIサービスが異常終了しました", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenSQLite(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("ストアの初期化に失敗: %w", err)
	}
	defer st.Close()

	ch, err := channel.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	if err != nil {
		return fmt.Errorf("チャネルの初期化に失敗: %w", err)
	}
	defer ch.Close()

	pub := publisher.New(ch, publisher.Options{Topic: cfg.ActionsTopic, Timeout: cfg.PublishTimeout}, logger)
	server := events.NewServer(cfg, st, pub, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Run)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("イベントAPIサービスを停止します")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// HTTPを先に止めてから、キューに残ったエンベロープを発行し切る
		return errors.Join(server.Shutdown(shutdownCtx), pub.Close(shutdownCtx))
	})
	return g.Wait()
}
