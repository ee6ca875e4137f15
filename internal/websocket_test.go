package internal_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/tictactoe-server/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hubHarness 走真實 WebSocket 連接的 Hub 測試環境。
type hubHarness struct {
	hub    *internal.Hub
	server *httptest.Server

	connected    chan string
	disconnected chan string
	inbound      chan []byte
}

func newHubHarness(t *testing.T) *hubHarness {
	t.Helper()

	h := &hubHarness{
		hub:          internal.NewHub(testLogger()),
		connected:    make(chan string, 8),
		disconnected: make(chan string, 8),
		inbound:      make(chan []byte, 8),
	}
	h.hub.SetHandlers(
		func(connID string, raw []byte) {
			h.connected <- connID
			h.inbound <- raw
		},
		func(connID string) {
			h.disconnected <- connID
		},
	)

	h.server = httptest.NewServer(http.HandlerFunc(h.hub.ServeWS))
	t.Cleanup(func() {
		h.hub.Stop()
		h.server.Close()
	})
	return h
}

// dial 建立一個客戶端連接。
func (h *hubHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hub callback")
		return ""
	}
}

// readEvent 讀取下一個出站事件（忽略 Ping）。
func readEvent(t *testing.T, conn *websocket.Conn) internal.Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg internal.Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

// TestHub_EndToEnd 測試真實連接上的收發、群組廣播與斷線回呼
func TestHub_EndToEnd(t *testing.T) {
	h := newHubHarness(t)

	// 客戶端 1 上線並送出一個幀
	client1 := h.dial(t)
	require.NoError(t, client1.WriteMessage(websocket.TextMessage, []byte(`{"event":"auth","data":{"token":"t"}}`)))

	conn1 := waitFor(t, h.connected)
	raw := <-h.inbound
	assert.Contains(t, string(raw), `"auth"`)

	// 單播只送達目標連接
	h.hub.ToConn(conn1, internal.Message{Event: "room:created", Data: map[string]string{"code": "ABCD"}})
	msg := readEvent(t, client1)
	assert.Equal(t, "room:created", msg.Event)

	// 客戶端 2 上線，兩個連接加入同一群組
	client2 := h.dial(t)
	require.NoError(t, client2.WriteMessage(websocket.TextMessage, []byte(`{"event":"room:join","data":{"code":"ABCD"}}`)))
	conn2 := waitFor(t, h.connected)
	<-h.inbound
	require.NotEqual(t, conn1, conn2)

	h.hub.Join(conn1, "ABCD")
	h.hub.Join(conn2, "ABCD")

	h.hub.ToGroup("ABCD", internal.Message{Event: "game:start"})
	assert.Equal(t, "game:start", readEvent(t, client1).Event)
	assert.Equal(t, "game:start", readEvent(t, client2).Event)

	// 排除廣播跳過指定連接
	h.hub.ToGroupExcept("ABCD", conn1, internal.Message{Event: "game:rematch-request"})
	assert.Equal(t, "game:rematch-request", readEvent(t, client2).Event)

	// 客戶端 1 斷線：回呼觸發、群組自動清理
	client1.Close()
	assert.Equal(t, conn1, waitFor(t, h.disconnected))

	h.hub.ToGroup("ABCD", internal.Message{Event: "game:turn"})
	assert.Equal(t, "game:turn", readEvent(t, client2).Event)
}

// TestHub_CloseConn 測試明確關閉連接走一般的註銷流程
func TestHub_CloseConn(t *testing.T) {
	h := newHubHarness(t)

	client := h.dial(t)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"auth"}`)))
	connID := waitFor(t, h.connected)
	<-h.inbound

	h.hub.CloseConn(connID)

	assert.Equal(t, connID, waitFor(t, h.disconnected))

	// 客戶端側讀取以錯誤結束
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	assert.Error(t, err)
}
