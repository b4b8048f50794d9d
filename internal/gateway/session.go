package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/nao1215/crosswalk/pkg/action"
	"github.com/nao1215/crosswalk/pkg/channel"
	"github.com/nao1215/crosswalk/pkg/middleware"
	"github.com/nao1215/crosswalk/pkg/tz"
)

// クライアントに返すエラーメッセージ。
const (
	msgTokenExpired      = "Token is expired"
	msgTokenInvalid      = "Token is invalid"
	msgHandshakeTimeout  = "Handshake timeout"
	msgInvalidHandshake  = "Invalid handshake message"
	msgUnknownZonePrefix = "Unknown timezone: "
	msgInternalError     = "Internal server error"
)

// unsubscribeTimeout は終了時の購読解除にかける時間の上限。
const unsubscribeTimeout = 5 * time.Second

// State はセッションの状態。
type State int

const (
	// StateAwaitingAuth は認証メッセージを待っている状態。
	StateAwaitingAuth State = iota
	// StateAuthenticated は認証に成功し、購読前の状態。
	StateAuthenticated
	// StateStreaming はチャネルのメッセージを配信している状態。
	StateStreaming
	// StateClosed は終了した状態。これ以上メッセージは送信されない。
	StateClosed
)

// String は状態の名前を返す。
func (s State) String() string {
	switch s {
	case StateAwaitingAuth:
		return "AwaitingAuth"
	case StateAuthenticated:
		return "Authenticated"
	case StateStreaming:
		return "Streaming"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options はセッションの動作設定。
type Options struct {
	// Topic は購読するトピック名。
	Topic string
	// Secret はトークン検証に使用する秘密鍵。
	Secret string
	// HandshakeTimeout は接続後に認証メッセージを待つ時間。0の場合は30秒。
	HandshakeTimeout time.Duration
	// PingInterval は配信中に生存確認を送る間隔。0の場合は30秒。
	PingInterval time.Duration
	// MaxDeliveries は配信する件数の上限。達した時点でセッションを終了する。0は無制限。
	MaxDeliveries int
	// Now は現在時刻を返す。nilの場合はtime.Now。
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 30 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Result はセッション終了時の結果。
type Result struct {
	// State は最後に到達した状態。Closeの直前の状態を表す。
	State State
	// Delivered はチャネルから配信したエンベロープの件数。
	Delivered int
	// Last は最後に送信したエンベロープ。送信していない場合はnil。
	Last *action.Envelope
	// Username は認証済みユーザーの表示名。認証前に終了した場合は空。
	Username string
}

// handshakeMessage は接続直後にクライアントが送る認証メッセージ。
type handshakeMessage struct {
	// Token は署名付きのアクセストークン。
	Token string `json:"token"`
	// Timezone は日時を表示するIANAタイムゾーン名。省略時はUTC。
	Timezone *string `json:"timezone"`
}

// Session は1つの接続の状態機械。
// 状態はRunを実行するゴルーチンだけが所有するため、ロックを持たない。
type Session struct {
	socket  Socket
	channel channel.Channel
	opts    Options
	logger  *slog.Logger

	state  State
	sub    channel.Subscription
	zone   string
	result Result
}

// NewSession は新しいセッションを生成する。
func NewSession(socket Socket, ch channel.Channel, opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		socket:  socket,
		channel: ch,
		opts:    opts.withDefaults(),
		logger:  logger,
		state:   StateAwaitingAuth,
	}
}

// Run はセッションを終了まで実行する。
// ctxがキャンセルされると、購読とソケットを解放して戻る。
func (s *Session) Run(ctx context.Context) (result Result) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		result = s.result
		result.State = s.state
		s.close()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("セッションでパニックが発生",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			s.send(action.Failure(msgInternalError))
		}
	}()

	inbound := make(chan []byte, 1)
	readErr := make(chan error, 1)
	go s.readLoop(inbound, readErr)

	if !s.handshake(ctx, inbound, readErr) {
		return
	}

	sub, err := s.channel.Subscribe(ctx, s.opts.Topic)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("購読に失敗", slog.String("topic", s.opts.Topic), slog.Any("error", err))
			s.send(action.Failure(msgInternalError))
		}
		return
	}
	s.sub = sub
	s.state = StateStreaming
	s.stream(ctx, readErr)
	return
}

// readLoop はソケットを読み続ける。最初のメッセージだけをinboundに渡し、
// 以降のメッセージは読み捨てる。読み込みに失敗したらreadErrに通知して終了する。
func (s *Session) readLoop(inbound chan<- []byte, readErr chan<- error) {
	first := true
	for {
		data, err := s.socket.ReadText()
		if err != nil {
			readErr <- err
			return
		}
		if first {
			inbound <- data
			first = false
		}
	}
}

// handshake は認証メッセージを待って検証する。成功した場合はtrueを返す。
func (s *Session) handshake(ctx context.Context, inbound <-chan []byte, readErr <-chan error) bool {
	timer := time.NewTimer(s.opts.HandshakeTimeout)
	defer timer.Stop()

	var data []byte
	select {
	case <-ctx.Done():
		return false
	case err := <-readErr:
		s.logger.Debug("認証前に切断されました", slog.Any("error", err))
		return false
	case <-timer.C:
		s.logger.Info("認証メッセージを待つ時間を超過しました")
		s.send(action.Unauthorized(msgHandshakeTimeout))
		return false
	case data = <-inbound:
	}

	var msg handshakeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Info("認証メッセージを解析できません", slog.Any("error", err))
		s.send(action.Unauthorized(msgInvalidHandshake))
		return false
	}

	creds, err := middleware.VerifyJWT(s.opts.Secret, msg.Token, s.opts.Now())
	if err != nil {
		s.logger.Info("トークンの検証に失敗", slog.Any("error", err))
		if errors.Is(err, middleware.ErrTokenExpired) {
			s.send(action.Unauthorized(msgTokenExpired))
		} else {
			s.send(action.Unauthorized(msgTokenInvalid))
		}
		return false
	}

	zone := tz.DefaultZone
	if msg.Timezone != nil {
		zone = *msg.Timezone
	}
	if _, err := tz.Load(zone); err != nil {
		s.logger.Info("タイムゾーンを解決できません", slog.String("timezone", zone))
		s.send(action.Unauthorized(msgUnknownZonePrefix + zone))
		return false
	}

	s.zone = zone
	s.result.Username = creds.Username
	s.state = StateAuthenticated
	s.logger = s.logger.With(slog.String("user_id", creds.ID.String()), slog.String("timezone", zone))
	s.logger.Info("セッションを認証しました")
	return true
}

// stream はチャネルのメッセージを終了条件を満たすまで配信する。
func (s *Session) stream(ctx context.Context, readErr <-chan error) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	messages := s.sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			s.logger.Debug("クライアントが切断しました", slog.Any("error", err))
			return
		case <-ticker.C:
			if err := s.socket.Ping(); err != nil {
				s.logger.Debug("生存確認の送信に失敗", slog.Any("error", err))
				return
			}
		case data, ok := <-messages:
			if !ok {
				if ctx.Err() == nil {
					s.logger.Error("購読が終了しました")
					s.send(action.Failure(msgInternalError))
				}
				return
			}
			delivered, err := s.deliver(data)
			if err != nil {
				s.logger.Debug("エンベロープの送信に失敗", slog.Any("error", err))
				return
			}
			if delivered {
				s.result.Delivered++
				if s.opts.MaxDeliveries > 0 && s.result.Delivered >= s.opts.MaxDeliveries {
					return
				}
			}
		}
	}
}

// deliver はチャネルのメッセージを1件ローカライズして送信する。
// デコードできないメッセージは警告を記録して読み飛ばし、falseを返す。
// エラーはソケットへの書き込みに失敗した場合のみ返す。
func (s *Session) deliver(data []byte) (bool, error) {
	env, err := action.Decode(data)
	if err != nil {
		s.logger.Warn("デコードできないメッセージを破棄しました", slog.Any("error", err))
		return false, nil
	}
	if !env.Status.Broadcast() {
		s.logger.Warn("配信対象外のステータスを破棄しました", slog.String("status", env.Status.String()))
		return false, nil
	}
	if env.Event != nil {
		localized, err := env.Event.Localize(s.zone)
		if err != nil {
			s.logger.Warn("日時をローカライズできないメッセージを破棄しました", slog.Any("error", err))
			return false, nil
		}
		env.Event = &localized
	}
	if err := s.write(env); err != nil {
		return false, err
	}
	return true, nil
}

// send はエンベロープを送信する。失敗は記録するだけで呼び出し元には返さない。
func (s *Session) send(env action.Envelope) {
	if err := s.write(env); err != nil {
		s.logger.Debug("エンベロープの送信に失敗", slog.String("status", env.Status.String()), slog.Any("error", err))
	}
}

func (s *Session) write(env action.Envelope) error {
	if s.state == StateClosed {
		return errSocketClosed
	}
	data, err := action.Encode(env)
	if err != nil {
		return fmt.Errorf("エンベロープのエンコードに失敗: %w", err)
	}
	if err := s.socket.WriteText(data); err != nil {
		return err
	}
	s.result.Last = &env
	return nil
}

// close は購読とソケットを解放する。冪等。
func (s *Session) close() {
	if s.state == StateClosed {
		return
	}
	if s.sub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		if err := s.sub.Close(ctx); err != nil {
			s.logger.Warn("購読の解除に失敗", slog.Any("error", err))
		}
		cancel()
	}
	if err := s.socket.Close(); err != nil {
		s.logger.Debug("ソケットのクローズに失敗", slog.Any("error", err))
	}
	s.state = StateClosed
}
