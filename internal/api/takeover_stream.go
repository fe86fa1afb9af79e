package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/session"
)

const (
	defaultFrameInterval = time.Second
	minFrameInterval     = 200 * time.Millisecond
	streamWriteTimeout   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	// 认证由 API 密钥完成
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvent 操作员通过 WebSocket 发送的输入
type streamEvent struct {
	Type string  `json:"type"` // click, type, key, code, confirm
	X    float64 `json:"x,omitempty"`
	Y    float64 `json:"y,omitempty"`
	Text string  `json:"text,omitempty"`
	Key  string  `json:"key,omitempty"`
	Code string  `json:"code,omitempty"`
}

// streamReply 每个输入的处理结果
type streamReply struct {
	Type    string        `json:"type"`
	Session *session.Info `json:"session,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// streamConn 串行化写入，gorilla 连接不支持并发写
type streamConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *streamConn) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteMessage(messageType, data)
}

func (s *streamConn) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *streamConn) close(code int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = s.conn.Close()
}

func frameInterval(c *gin.Context) time.Duration {
	ms, err := strconv.Atoi(c.Query("interval_ms"))
	if err != nil || ms <= 0 {
		return defaultFrameInterval
	}
	if d := time.Duration(ms) * time.Millisecond; d > minFrameInterval {
		return d
	}
	return minFrameInterval
}

// Stream 通过 WebSocket 推送截图（二进制帧）并接收操作员输入（JSON 文本帧）
func (h *TakeoverHandler) Stream(c *gin.Context) {
	key := sessionKey(c)
	if _, ok := h.sessions.Get(key); !ok {
		abort(c, h.log, "会话不存在", session.ErrNoSession)
		return
	}
	interval := frameInterval(c)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已写入错误响应
		h.log.Warn("WebSocket 升级失败", zap.String("session", key.String()), zap.Error(err))
		return
	}
	conn := &streamConn{conn: ws}
	log := h.log.WithFields(map[string]interface{}{"session": key.String()})
	log.Info("接管画面流已连接", zap.Duration("interval", interval))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.pushFrames(ctx, conn, key, interval, frames, log)
	}()

	for {
		var ev streamEvent
		if err := ws.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("接管画面流读取结束", zap.Error(err))
			}
			break
		}
		reply := h.apply(ctx, key, ev)
		if err := conn.writeJSON(reply); err != nil {
			break
		}
		if reply.Error == "" && reply.Session == nil {
			// 会话已关闭
			break
		}
		// 输入后立即推送一帧
		select {
		case frames <- struct{}{}:
		default:
		}
	}

	cancel()
	<-done
	conn.close(websocket.CloseNormalClosure, "")
	log.Info("接管画面流已断开")
}

// pushFrames 定时截图，会话结束时关闭连接
func (h *TakeoverHandler) pushFrames(ctx context.Context, conn *streamConn, key session.Key,
	interval time.Duration, now <-chan struct{}, log *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	send := func() bool {
		png, err := h.sessions.PollScreenshot(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if errors.Is(err, session.ErrNoSession) {
				conn.close(websocket.CloseNormalClosure, "会话已关闭")
				return false
			}
			log.Debug("截图失败", zap.Error(err))
			return true
		}
		return conn.write(websocket.BinaryMessage, png) == nil
	}

	if !send() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-now:
		}
		if !send() {
			return
		}
	}
}

// apply 执行一个输入事件，错误作为回复返回而不断开连接
func (h *TakeoverHandler) apply(ctx context.Context, key session.Key, ev streamEvent) streamReply {
	var err error
	switch ev.Type {
	case "click":
		err = h.sessions.RelayClick(ctx, key, ev.X, ev.Y)
	case "type":
		err = h.sessions.RelayType(ctx, key, ev.Text)
	case "key":
		err = h.sessions.RelayKey(ctx, key, ev.Key)
	case "code":
		err = h.sessions.SubmitCode(key, ev.Code)
	case "confirm":
		err = h.sessions.ConfirmAuthenticated(ctx, key)
	default:
		return streamReply{Type: ev.Type, Error: "未知的输入类型"}
	}
	if err != nil {
		return streamReply{Type: ev.Type, Error: err.Error()}
	}
	s, ok := h.sessions.Get(key)
	if !ok {
		return streamReply{Type: ev.Type}
	}
	info := s.Info()
	return streamReply{Type: ev.Type, Session: &info}
}
