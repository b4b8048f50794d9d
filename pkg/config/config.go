// Package config は環境変数からサービスの設定を読み込む。
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はイベントAPIとゲートウェイで共有する設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// GatewayPort は単一プロセス構成でゲートウェイが使用するポート。
	GatewayPort string
	// JWTSecret はJWT署名用の秘密鍵。
	JWTSecret string
	// ActionsTopic はアクションエンベロープを流すチャネルのトピック名。
	ActionsTopic string
	// RedisAddr はRedisのアドレス。空の場合はプロセス内チャネルを使用する。
	RedisAddr string
	// RedisPassword はRedisのパスワード。
	RedisPassword string
	// RedisDB はRedisのデータベース番号。
	RedisDB int
	// DatabasePath はSQLiteデータベースファイルのパス。
	DatabasePath string
	// Debug は開発用トークン発行エンドポイントを有効にするかどうか。
	Debug bool
	// AuthExpiration は開発用トークンの有効期間。
	AuthExpiration time.Duration
	// GlobalLimit は一覧取得で返す件数の上限。
	GlobalLimit int
	// AllowedOrigins はCORSとWebSocketで許可するオリジン。
	AllowedOrigins []string
	// HandshakeTimeout はWebSocket接続後に認証メッセージを待つ時間。
	HandshakeTimeout time.Duration
	// PublishTimeout はアクションエンベロープ1件の発行にかける時間の上限。
	PublishTimeout time.Duration
	// LogLevel はログの出力レベル。
	LogLevel slog.Level
}

// Load は環境変数から設定を読み込む。defaultPortはPORTが未設定の場合に使用する。
// 数値や期間として解釈できない値が設定されている場合はエラーを返す。
func Load(defaultPort string) (Config, error) {
	cfg := Config{
		Port:           getEnvOr("PORT", defaultPort),
		GatewayPort:    getEnvOr("GATEWAY_PORT", "8081"),
		JWTSecret:      getEnvOr("JWT_SECRET", "dev-secret-key"),
		ActionsTopic:   getEnvOr("ACTIONS_TOPIC", "events-actions"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		DatabasePath:   getEnvOr("DATABASE_PATH", "/data/events.db"),
		AllowedOrigins: splitList(getEnvOr("ALLOWED_ORIGINS", "*")),
	}

	var err error
	if cfg.RedisDB, err = getIntOr("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.Debug, err = getBoolOr("DEBUG", true); err != nil {
		return Config{}, err
	}
	minutes, err := getIntOr("AUTH_EXPIRATION_MINUTES", 60)
	if err != nil {
		return Config{}, err
	}
	cfg.AuthExpiration = time.Duration(minutes) * time.Minute
	if cfg.GlobalLimit, err = getIntOr("GLOBAL_LIMIT", 100); err != nil {
		return Config{}, err
	}
	if cfg.HandshakeTimeout, err = getDurationOr("HANDSHAKE_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PublishTimeout, err = getDurationOr("PUBLISH_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return Config{}, fmt.Errorf("LOG_LEVELを解釈できません: %w", err)
		}
	}

	if cfg.GlobalLimit <= 0 {
		return Config{}, fmt.Errorf("GLOBAL_LIMITは正の整数である必要があります: %d", cfg.GlobalLimit)
	}
	return cfg, nil
}

// NewLogger は設定されたレベルでJSON形式のロガーを生成する。
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: c.LogLevel}))
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntOr(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%sを整数として解釈できません: %w", key, err)
	}
	return n, nil
}

func getBoolOr(key string, defaultValue bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%sを真偽値として解釈できません: %w", key, err)
	}
	return b, nil
}

func getDurationOr(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%sを期間として解釈できません: %w", key, err)
	}
	return d, nil
}

// splitList はカンマ区切りの値を空要素を除いて分割する。
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
