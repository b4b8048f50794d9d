// イベントAPIとゲートウェイを1つのプロセスで動かすエントリポイント。
// REDIS_ADDRが未設定の場合はプロセス内チャネルで両者をつなぐため、Redisなしで動作を確認できる。
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
	"github.com/nao1215/crosswalk/internal/gateway"
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
		logger.Error("サービスが異常終了しました", slog.Any("error", err))
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
	api := events.NewServer(cfg, st, pub, logger)

	gatewayCfg := cfg
	gatewayCfg.Port = cfg.GatewayPort
	gw := gateway.NewServer(gatewayCfg, ch, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(api.Run)
	g.Go(gw.Run)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("サービスを停止します")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// 書き込みを止め、発行し切ってからゲートウェイの接続を閉じる
		apiErr := api.Shutdown(shutdownCtx)
		pubErr := pub.Close(shutdownCtx)
		return errors.Join(apiErr, pubErr, gw.Shutdown(shutdownCtx))
	})
	return g.Wait()
}
