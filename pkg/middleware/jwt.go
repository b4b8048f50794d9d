package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nao1215/crosswalk/pkg/action"
)

var (
	// ErrTokenMalformed はトークンの構造または署名が不正であることを表す。
	ErrTokenMalformed = errors.New("トークンが不正です")
	// ErrTokenExpired はトークンの有効期限が切れていることを表す。
	ErrTokenExpired = errors.New("トークンの有効期限が切れています")
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子（UUID文字列）。
	UserID string `json:"id"`
	// Username はユーザーの表示名。
	Username string `json:"username"`
}

// Credentials は検証済みトークンから取り出したユーザー情報。
type Credentials struct {
	// ID はユーザーの一意識別子。
	ID uuid.UUID
	// Username はユーザーの表示名。
	Username string
}

// User はイベントスナップショットに埋め込む作成者情報に変換する。
func (c Credentials) User() action.User {
	return action.User{ID: c.ID, Username: c.Username}
}

// GenerateJWT はユーザー情報からexpiresAtまで有効なJWTトークンを生成する。
// トークンの発行自体は開発用エンドポイントとテストでのみ使用する。
func GenerateJWT(secret string, creds Credentials, expiresAt time.Time) (string, error) {
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID:   creds.ID.String(),
		Username: creds.Username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// VerifyJWT はトークンの署名と有効期限をnow時点で検証し、ユーザー情報を返す。
// now >= exp の場合は ErrTokenExpired、それ以外の検証失敗は ErrTokenMalformed を返す。
// 副作用はなく、WebSocketのハンドシェイクごとに1回呼び出される。
func VerifyJWT(secret, tokenString string, now time.Time) (Credentials, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Credentials{}, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return Credentials{}, fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}
	if !token.Valid {
		return Credentials{}, ErrTokenMalformed
	}

	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: idクレームがUUIDではありません", ErrTokenMalformed)
	}
	if claims.Username == "" {
		return Credentials{}, fmt.Errorf("%w: usernameクレームがありません", ErrTokenMalformed)
	}
	return Credentials{ID: id, Username: claims.Username}, nil
}

// contextKeyCredentials はGinコンテキストに認証情報を格納するためのキー。
const contextKeyCredentials = "credentials"

// JWTAuth はAuthorizationヘッダーのBearerトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id" と "credentials" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークン形式が不正です",
			})
			return
		}

		creds, err := VerifyJWT(secret, tokenString, time.Now())
		if err != nil {
			msg := "トークンが無効です"
			if errors.Is(err, ErrTokenExpired) {
				msg = "トークンの有効期限が切れています"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		c.Set("user_id", creds.ID.String())
		c.Set(contextKeyCredentials, creds)
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// GetCredentials はGinコンテキストから認証情報を取得する。
// JWTAuthミドルウェアが適用されていない場合はfalseを返す。
func GetCredentials(c *gin.Context) (Credentials, bool) {
	v, ok := c.Get(contextKeyCredentials)
	if !ok {
		return Credentials{}, false
	}
	creds, ok := v.(Credentials)
	return creds, ok
}
