package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nao1215/crosswalk/internal/store"
	"github.com/nao1215/crosswalk/pkg/action"
	"github.com/nao1215/crosswalk/pkg/config"
	"github.com/nao1215/crosswalk/pkg/middleware"
	"github.com/nao1215/crosswalk/pkg/tz"
)

// Notifier は書き込み完了をアクションエンベロープとして通知する。
// 呼び出しはブロックせず、失敗は呼び出し元に返さない。
type Notifier interface {
	PublishCreated(e action.EventSnapshot)
	PublishUpdated(e action.EventSnapshot)
	PublishDeleted(id uuid.UUID)
}

// mockCredentials は開発用トークンに埋め込むユーザー。
var mockCredentials = middleware.Credentials{
	ID:       uuid.Nil,
	Username: "mockuser",
}

// timezoneCookie はレスポンスの日時を表示するタイムゾーンを指定するCookie名。
const timezoneCookie = "timezone"

// Server はイベントAPIのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はrouterを公開するHTTPサーバー。
	httpServer *http.Server
	// store はイベントの保存先。
	store store.Store
	// notifier は書き込み完了の通知先。
	notifier Notifier
	// cfg はサービスの設定。
	cfg config.Config
	// logger はサーバーのロガー。
	logger *slog.Logger
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

// NewServer は新しいイベントAPIサーバーを生成する。
func NewServer(cfg config.Config, st store.Store, notifier Notifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:   router,
		store:    st,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("service", "events")),
		now:      time.Now,
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

// Run はHTTPサーバーを起動する。Shutdownで停止した場合はnilを返す。
func (s *Server) Run() error {
	s.logger.Info("イベントAPIを起動します", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("イベントAPIの起動に失敗: %w", err)
	}
	return nil
}

// Shutdown は処理中のリクエストの完了を待ってサーバーを停止する。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.cfg.JWTSecret))
	{
		events := api.Group("/events")
		{
			// イベント一覧取得
			events.GET("", s.handleList())
			// イベント取得
			events.GET("/:id", s.handleGet())
			// イベント作成
			events.POST("", s.handleCreate())
			// イベント更新
			events.PUT("/:id", s.handleUpdate())
			// イベント削除
			events.DELETE("/:id", s.handleDelete())
		}
		// イベント種別一覧
		api.GET("/event-types", s.handleEventTypes())
	}

	// 開発用トークン発行
	s.router.POST("/token", s.handleToken())

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "events"})
	})
}

// listResponse はイベント一覧のJSONレスポンス構造。
type listResponse struct {
	// Count は条件に合うイベントの総数。
	Count int `json:"count"`
	// HasNext は続きのページがあるかどうか。
	HasNext bool `json:"hasNext"`
	// Items は取得したイベント。
	Items []action.EventSnapshot `json:"items"`
}

// location はCookieで指定されたタイムゾーンを解決する。
// 解決できない場合は400を返し、falseを返す。
func (s *Server) location(c *gin.Context) (*time.Location, bool) {
	zone, err := c.Cookie(timezoneCookie)
	if err != nil || zone == "" {
		zone = tz.DefaultZone
	}
	loc, err := tz.Load(zone)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("不明なタイムゾーンです: %s", zone)})
		return nil, false
	}
	return loc, true
}

// eventID はパスパラメータのイベントIDを解析する。
// 解析できない場合は400を返し、falseを返す。
func eventID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "イベントIDの形式が不正です"})
		return uuid.Nil, false
	}
	return id, true
}

// respondStoreError はStoreのエラーをHTTPレスポンスに変換する。
func (s *Server) respondStoreError(c *gin.Context, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "イベントが見つかりません"})
		return
	}
	s.logger.Error(op+"に失敗", slog.Any("error", err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": op + "に失敗しました"})
}

// handleList はイベント一覧を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		loc, ok := s.location(c)
		if !ok {
			return
		}

		limit := s.cfg.GlobalLimit
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limitは0以上の整数である必要があります"})
				return
			}
			limit = min(n, s.cfg.GlobalLimit)
		}
		offset := 0
		if v := c.Query("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "offsetは0以上の整数である必要があります"})
				return
			}
			offset = n
		}

		result, err := s.store.List(c.Request.Context(), store.ListParams{
			Limit:  limit,
			Offset: offset,
			Search: c.Query("search"),
		})
		if err != nil {
			s.respondStoreError(c, "イベント一覧の取得", err)
			return
		}

		items := make([]action.EventSnapshot, 0, len(result.Items))
		for _, e := range result.Items {
			items = append(items, e.InZone(loc))
		}
		c.JSON(http.StatusOK, listResponse{Count: result.Count, HasNext: result.HasNext, Items: items})
	}
}

// handleGet は指定されたイベントを返すハンドラ。
func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := eventID(c)
		if !ok {
			return
		}
		loc, ok := s.location(c)
		if !ok {
			return
		}

		e, err := s.store.FindByID(c.Request.Context(), id)
		if err != nil {
			s.respondStoreError(c, "イベントの取得", err)
			return
		}
		c.JSON(http.StatusOK, e.InZone(loc))
	}
}

// handleCreate はイベントを作成し、CREATEDを通知するハンドラ。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		creds, ok := middleware.GetCredentials(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザー情報が取得できません"})
			return
		}
		loc, ok := s.location(c)
		if !ok {
			return
		}

		var req createEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		now := s.now().UTC()
		e := action.EventSnapshot{
			ID:          uuid.New(),
			EventType:   req.EventType,
			Description: req.Description,
			Address:     req.Address,
			Location:    action.NewPoint(*req.Longitude, *req.Latitude),
			CreatedBy:   creds.User(),
			CreatedDate: now,
			ChangedDate: now,
		}
		saved, err := s.store.Insert(c.Request.Context(), e)
		if err != nil {
			s.respondStoreError(c, "イベントの作成", err)
			return
		}
		s.notifier.PublishCreated(saved)
		s.logger.Info("イベントを作成しました",
			slog.String("event_id", saved.ID.String()),
			slog.String("user_id", middleware.GetUserID(c)),
		)

		c.JSON(http.StatusCreated, saved.InZone(loc))
	}
}

// handleUpdate は指定されたフィールドだけを更新し、UPDATEDを通知するハンドラ。
func (s *Server) handleUpdate() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := eventID(c)
		if !ok {
			return
		}
		loc, ok := s.location(c)
		if !ok {
			return
		}

		var req updateEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		ctx := c.Request.Context()
		e, err := s.store.FindByID(ctx, id)
		if err != nil {
			s.respondStoreError(c, "イベントの取得", err)
			return
		}
		req.apply(&e)
		e.ChangedDate = s.now().UTC()

		saved, err := s.store.Update(ctx, e)
		if err != nil {
			s.respondStoreError(c, "イベントの更新", err)
			return
		}
		s.notifier.PublishUpdated(saved)
		s.logger.Info("イベントを更新しました",
			slog.String("event_id", saved.ID.String()),
			slog.String("user_id", middleware.GetUserID(c)),
		)

		c.JSON(http.StatusOK, saved.InZone(loc))
	}
}

// handleDelete はイベントを削除し、DELETEDを通知するハンドラ。
// レスポンスには削除前のイベントを返す。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := eventID(c)
		if !ok {
			return
		}
		loc, ok := s.location(c)
		if !ok {
			return
		}

		deleted, err := s.store.Delete(c.Request.Context(), id)
		if err != nil {
			s.respondStoreError(c, "イベントの削除", err)
			return
		}
		s.notifier.PublishDeleted(deleted.ID)
		s.logger.Info("イベントを削除しました",
			slog.String("event_id", deleted.ID.String()),
			slog.String("user_id", middleware.GetUserID(c)),
		)

		c.JSON(http.StatusOK, deleted.InZone(loc))
	}
}

// handleEventTypes は指定可能なイベント種別を返すハンドラ。
func (s *Server) handleEventTypes() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"items": EventTypes})
	}
}

// handleToken は開発用のトークンを発行するハンドラ。
// DEBUGが無効な場合は403を返す。
func (s *Server) handleToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.Debug {
			c.JSON(http.StatusForbidden, gin.H{"error": "トークン発行は無効です"})
			return
		}

		expiresAt := s.now().Add(s.cfg.AuthExpiration)
		token, err := middleware.GenerateJWT(s.cfg.JWTSecret, mockCredentials, expiresAt)
		if err != nil {
			s.logger.Error("トークン発行に失敗", slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン発行に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"token":      token,
			"expires_at": expiresAt.UTC().Format(time.RFC3339),
		})
	}
}
