package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout はソケットへの1回の書き込みにかける時間の上限。
const writeTimeout = 10 * time.Second

// readLimit はクライアントから受け付けるメッセージの最大サイズ。
const readLimit = 64 << 10

// errSocketClosed はクローズ済みのソケットを操作したことを表す。
var errSocketClosed = errors.New("ソケットはクローズされています")

// Socket はセッションが使用する双方向接続。
// ReadText は1つのゴルーチンから、それ以外は別の1つのゴルーチンから呼び出される。
type Socket interface {
	// ReadText は次のテキストメッセージを待って返す。Closeされるとエラーを返す。
	ReadText() ([]byte, error)
	// WriteText はテキストメッセージを1件書き込む。
	WriteText(data []byte) error
	// Ping は接続の生存確認を送る。
	Ping() error
	// Close は正常終了を通知して接続を閉じる。冪等であり、待機中のReadTextを解除する。
	Close() error
}

// wsSocket はgorilla/websocketの接続をSocketとして扱うアダプタ。
type wsSocket struct {
	conn *websocket.Conn
	once sync.Once
	err  error
}

var _ Socket = (*wsSocket)(nil)

func newWSSocket(conn *websocket.Conn) *wsSocket {
	conn.SetReadLimit(readLimit)
	return &wsSocket{conn: conn}
}

func (s *wsSocket) ReadText() ([]byte, error) {
	for {
		op, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if op == websocket.TextMessage {
			return data, nil
		}
	}
}

func (s *wsSocket) WriteText(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (s *wsSocket) Close() error {
	s.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		// 相手が既に切断している場合は送れなくてもよい
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		s.err = s.conn.Close()
	})
	return s.err
}
