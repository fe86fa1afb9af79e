package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialStream(t *testing.T, srv *httptest.Server, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	return websocket.DefaultDialer.Dial(url, nil)
}

// nextReply 跳过截图帧，返回下一条文本回复
func nextReply(t *testing.T, conn *websocket.Conn) streamReply {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		kind, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if kind != websocket.TextMessage {
			continue
		}
		var reply streamReply
		require.NoError(t, json.Unmarshal(data, &reply), string(data))
		return reply
	}
}

func TestTakeoverStream(t *testing.T) {
	t.Run("推送截图并转发输入", func(t *testing.T) {
		s := newTestServer(t)
		srv := httptest.NewServer(s.router)
		defer srv.Close()

		rec := s.do(t, http.MethodPost, "/api/v1/takeover", map[string]string{"partner_id": "p1", "provider_id": "uber"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		conn, _, err := dialStream(t, srv, "/api/v1/takeover/p1/uber/stream?interval_ms=200")
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		kind, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, kind)
		assert.Contains(t, string(frame), "uber.test/login")

		require.NoError(t, conn.WriteJSON(streamEvent{Type: "click", X: 10, Y: 20}))
		reply := nextReply(t, conn)
		assert.Equal(t, "click", reply.Type)
		assert.Empty(t, reply.Error)
		require.NotNil(t, reply.Session)
		assert.True(t, reply.Session.Interactive)

		require.NoError(t, conn.WriteJSON(streamEvent{Type: "teleport"}))
		assert.NotEmpty(t, nextReply(t, conn).Error)

		require.NoError(t, conn.WriteJSON(streamEvent{Type: "confirm"}))
		assert.NotEmpty(t, nextReply(t, conn).Error, "尚未登录")

		pages := s.driver.Pages()
		require.Len(t, pages, 1)
		pages[0].SetURL("https://uber.test/dashboard")

		require.NoError(t, conn.WriteJSON(streamEvent{Type: "confirm"}))
		reply = nextReply(t, conn)
		assert.Empty(t, reply.Error)
		require.NotNil(t, reply.Session)
		assert.True(t, reply.Session.Authenticated)

		// 会话关闭后服务端结束画面流
		assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/v1/takeover/p1/uber", nil).Code)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	})

	t.Run("没有会话时拒绝升级", func(t *testing.T) {
		s := newTestServer(t)
		srv := httptest.NewServer(s.router)
		defer srv.Close()

		_, resp, err := dialStream(t, srv, "/api/v1/takeover/p1/uber/stream")
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
