package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/nao1215/crosswalk/pkg/channel"
	"github.com/nao1215/crosswalk/pkg/config"
	"github.com/nao1215/crosswalk/pkg/middleware"
)

// Server はWebSocketでアクションエンベロープを配信するゲートウェイ。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はrouterを公開するHTTPサーバー。
	httpServer *http.Server
	// upgrader はHTTP接続をWebSocketに切り替える。
	upgrader websocket.Upgrader
	// channel はセッションが購読するチャネル。
	channel channel.Channel
	// opts は各セッションに渡す設定。
	opts Options
	// logger はサーバーのロガー。
	logger *slog.Logger

	// baseCtx は全セッションの親コンテキスト。Shutdownでキャンセルされる。
	baseCtx context.Context
	// cancelAll はbaseCtxをキャンセルする。
	cancelAll context.CancelFunc
	// mu はclosingとsessionsへのAddを保護する。
	mu sync.Mutex
	// closing はShutdownが開始されたかどうか。
	closing bool
	// sessions は実行中のセッションの完了を待つ。
	sessions sync.WaitGroup
	// active は実行中のセッション数。
	active atomic.Int64
	// nextID はセッションに振る連番。
	nextID atomic.Uint64
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(cfg config.Config, ch channel.Channel, logger *slog.Logger) *Server {
	return newServer(cfg, ch, Options{
		Topic:            cfg.ActionsTopic,
		Secret:           cfg.JWTSecret,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, logger)
}

func newServer(cfg config.Config, ch channel.Channel, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(gin.Logger())

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:    router,
		channel:   ch,
		opts:      opts,
		logger:    logger.With(slog.String("service", "gateway")),
		baseCtx:   baseCtx,
		cancelAll: cancel,
	}
	allowed := cfg.AllowedOrigins
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// ブラウザ以外のクライアントはOriginを送らない
			return origin == "" || middleware.OriginAllowed(allowed, origin)
		},
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes()

	return s
}

// Handler はサーバーのHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// ActiveSessions は実行中のセッション数を返す。
func (s *Server) ActiveSessions() int {
	return int(s.active.Load())
}

// Run はHTTPサーバーを起動する。Shutdownで停止した場合はnilを返す。
func (s *Server) Run() error {
	s.logger.Info("ゲートウェイを起動します", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ゲートウェイの起動に失敗: %w", err)
	}
	return nil
}

// Shutdown は新しい接続の受付を止め、全セッションを終了させて完了を待つ。
// ctxの期限を過ぎた場合は待つのをやめてエラーを返す。
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancelAll()

	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("セッションの終了待ちを打ち切りました: %w", ctx.Err()))
	}
	return err
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	// アクションエンベロープの配信
	s.router.GET("/events-actions", s.handleEventsActions())

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"service":  "gateway",
			"sessions": s.ActiveSessions(),
		})
	})
}

// handleEventsActions はWebSocket接続ごとにセッションを実行するハンドラ。
func (s *Server) handleEventsActions() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "サーバーは停止中です"})
			return
		}
		s.sessions.Add(1)
		s.mu.Unlock()
		defer s.sessions.Done()

		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgradeが失敗時のレスポンスを書き込み済み
			s.logger.Warn("WebSocketへの切り替えに失敗", slog.Any("error", err))
			return
		}

		id := s.nextID.Add(1)
		logger := s.logger.With(slog.Uint64("session_id", id))
		s.active.Add(1)
		defer s.active.Add(-1)

		session := NewSession(newWSSocket(conn), s.channel, s.opts, logger)
		result := session.Run(s.baseCtx)
		logger.Info("セッションを終了しました",
			slog.String("state", result.State.String()),
			slog.Int("delivered", result.Delivered),
		)
	}
}
