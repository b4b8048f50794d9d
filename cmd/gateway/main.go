// ゲートウェイサービスのエントリポイント。
// WebSocket接続を認証し、チャネルに流れるアクションエンベロープを各接続のタイムゾーンで配信する。
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nao1215/crosswalk/internal/gateway"
	"github.com/nao1215/crosswalk/pkg/channel"
	"github.com/nao1215/crosswalk/pkg/config"
)

// shutdownTimeout は停止処理にかける時間の上限。
const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load("8081")
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Error("ゲートウェイサービスが異常終了しました", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDRが未設定のため、プロセス内チャネルを使用します。別プロセスのイベントAPIからは配信されません")
	}
	ch, err := channel.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	if err != nil {
		return fmt.Errorf("チャネルの初期化に失敗: %w", err)
	}
	defer ch.Close()

	server := gateway.NewServer(cfg, ch, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Run)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("ゲートウェイサービスを停止します")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
