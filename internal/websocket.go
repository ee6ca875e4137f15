package internal

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   如何實現多人遊戲的實時狀態同步？
//
// 核心挑戰：
//   1. 實時通信：房間狀態變更需要立即推送給所有玩家
//   2. 連接管理：處理斷線、重連、同一帳號的多連接
//   3. 心跳機制：檢測死連接（網絡異常、客戶端崩潰）
//   4. 並發廣播：同時向多個客戶端發送消息，不被慢客戶端拖累
//
// 設計方案：
//   ✅ WebSocket - 全雙工通信（低延遲、服務器推送）
//   ✅ Hub 模式 - 集中管理所有連接與廣播群組
//   ✅ Ping/Pong 心跳 - 檢測死連接（54s/60s）
//   ✅ 緩衝 channel - 異步發送（不阻塞事件迴圈）

const (
	// writeWait 單次寫入的期限。
	writeWait = 10 * time.Second

	// pongWait 讀取超時。60 秒內沒有任何訊息（包括 Pong）即視為死連接。
	pongWait = 60 * time.Second

	// pingPeriod Ping 間隔。54 秒避開常見代理的 60 秒超時，留 6 秒餘量。
	pingPeriod = 54 * time.Second

	// sendBufferSize 每連接的出站緩衝。
	sendBufferSize = 256
)

// Hub WebSocket 連接中心，Broadcaster 的傳輸層實作。
//
// 連接映射分兩層：
//   - conns：connID → 連接，單播與關閉用
//   - groups：code → connID 集合，房間／錦標賽廣播用
//   - connGroups：connID → code 集合，斷線時反向清理用
//
// 群組成員資格由上層（房間管理器、錦標賽協調器）透過 Join/Leave 維護，
// Hub 只負責投遞，不理解代碼的語義。
//
// 並發安全：RWMutex。廣播頻繁（讀鎖），註冊/註銷少（寫鎖）。
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	conns      map[string]*Conn
	groups     map[string]map[string]*Conn
	connGroups map[string]map[string]struct{}

	// 入站訊息與斷線的回呼，由分派器在啟動時接線。
	onMessage    func(connID string, raw []byte)
	onDisconnect func(connID string)
}

// Conn 單一 WebSocket 連接。
//
// ID 在連接建立時隨機分配，與使用者身份無關；
// 身份綁定發生在應用層的認證握手之後。
type Conn struct {
	ID   string
	hub  *Hub
	sock *websocket.Conn

	Send      chan []byte
	closeOnce sync.Once
}

// NewHub 創建 Hub。
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns:      make(map[string]*Conn),
		groups:     make(map[string]map[string]*Conn),
		connGroups: make(map[string]map[string]struct{}),
	}
}

// SetHandlers 接線入站訊息與斷線的回呼。必須在 ServeWS 之前完成。
func (hub *Hub) SetHandlers(onMessage func(connID string, raw []byte), onDisconnect func(connID string)) {
	hub.onMessage = onMessage
	hub.onDisconnect = onDisconnect
}

// ServeWS 處理 WebSocket 升級請求。
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	sock, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	conn := &Conn{
		ID:   uuid.NewString(),
		hub:  hub,
		sock: sock,
		Send: make(chan []byte, sendBufferSize),
	}

	hub.mu.Lock()
	hub.conns[conn.ID] = conn
	hub.mu.Unlock()

	go conn.writePump()
	go conn.readPump()

	hub.logger.Info("WebSocket 連接建立",
		"conn", conn.ID,
		"remote", r.RemoteAddr)
}

// unregister 註銷連接並清理其所有群組成員資格。
func (hub *Hub) unregister(conn *Conn) {
	hub.mu.Lock()

	if current, ok := hub.conns[conn.ID]; !ok || current != conn {
		hub.mu.Unlock()
		return
	}
	delete(hub.conns, conn.ID)

	for code := range hub.connGroups[conn.ID] {
		if group, ok := hub.groups[code]; ok {
			delete(group, conn.ID)
			if len(group) == 0 {
				delete(hub.groups, code)
			}
		}
	}
	delete(hub.connGroups, conn.ID)

	conn.closeOnce.Do(func() { close(conn.Send) })
	hub.mu.Unlock()

	if hub.onDisconnect != nil {
		hub.onDisconnect(conn.ID)
	}
}

// ToConn 對單一連接送出事件。連接不存在時靜默忽略。
func (hub *Hub) ToConn(connID string, msg Message) {
	raw, err := msg.Encode()
	if err != nil {
		hub.logger.Error("序列化事件失敗", "event", msg.Event, "error", err)
		return
	}

	hub.mu.RLock()
	conn, ok := hub.conns[connID]
	hub.mu.RUnlock()
	if !ok {
		return
	}
	hub.send(conn, raw)
}

// ToGroup 對群組內所有連接廣播。
func (hub *Hub) ToGroup(code string, msg Message) {
	hub.toGroup(code, "", msg)
}

// ToGroupExcept 對群組內除指定連接外的所有連接廣播。
func (hub *Hub) ToGroupExcept(code, exceptConnID string, msg Message) {
	hub.toGroup(code, exceptConnID, msg)
}

func (hub *Hub) toGroup(code, exceptConnID string, msg Message) {
	raw, err := msg.Encode()
	if err != nil {
		hub.logger.Error("序列化事件失敗", "event", msg.Event, "error", err)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for connID, conn := range hub.groups[code] {
		if connID == exceptConnID {
			continue
		}
		hub.send(conn, raw)
	}
}

// send 非阻塞投遞。緩衝區滿代表客戶端消費過慢，丟棄該訊息。
func (hub *Hub) send(conn *Conn, raw []byte) {
	select {
	case conn.Send <- raw:
	default:
		hub.logger.Warn("連接緩衝區滿，丟棄訊息", "conn", conn.ID)
	}
}

// Join 把連接加入廣播群組。
func (hub *Hub) Join(connID, code string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	conn, ok := hub.conns[connID]
	if !ok {
		return
	}

	if hub.groups[code] == nil {
		hub.groups[code] = make(map[string]*Conn)
	}
	hub.groups[code][connID] = conn

	if hub.connGroups[connID] == nil {
		hub.connGroups[connID] = make(map[string]struct{})
	}
	hub.connGroups[connID][code] = struct{}{}
}

// Leave 把連接移出廣播群組。
func (hub *Hub) Leave(connID, code string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if group, ok := hub.groups[code]; ok {
		delete(group, connID)
		if len(group) == 0 {
			delete(hub.groups, code)
		}
	}
	if codes, ok := hub.connGroups[connID]; ok {
		delete(codes, code)
	}
}

// CloseConn 明確關閉連接（認證被新連接取代時使用）。
// 關閉底層 socket 會讓 readPump 退出並走一般的註銷流程。
func (hub *Hub) CloseConn(connID string) {
	hub.mu.RLock()
	conn, ok := hub.conns[connID]
	hub.mu.RUnlock()
	if !ok {
		return
	}
	conn.sock.Close()
}

// Stop 關閉所有連接。
func (hub *Hub) Stop() {
	hub.mu.Lock()
	conns := make([]*Conn, 0, len(hub.conns))
	for _, conn := range hub.conns {
		conns = append(conns, conn)
	}
	hub.mu.Unlock()

	for _, conn := range conns {
		conn.sock.Close()
	}

	hub.logger.Info("WebSocket Hub 已停止")
}

// Stats 統計資訊（監控端點用）。
func (hub *Hub) Stats() map[string]any {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	return map[string]any{
		"total_connections": len(hub.conns),
		"total_groups":      len(hub.groups),
	}
}

// readPump 讀取客戶端消息。
//
// 心跳機制（讀取端）：60 秒內沒有收到任何消息（包括 Pong）即關閉連接。
// 配合 writePump 的 54 秒 Ping，留 6 秒餘量給網絡傳輸。
func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.sock.Close()
	}()

	if err := c.sock.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket 讀取錯誤",
					"conn", c.ID,
					"error", err)
			}
			break
		}

		if messageType == websocket.TextMessage && c.hub.onMessage != nil {
			c.hub.onMessage(c.ID, message)
		}
	}
}

// writePump 寫入消息到客戶端。
//
// 心跳機制（發送端）：54 秒 Ping 避開常見代理的 60 秒超時。
// 發送走緩衝 channel，批次吸收同一輪廣播的多個事件。
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// Hub 關閉了通道，優雅關閉連接
				deadline := time.Now().Add(time.Second)
				if err := c.sock.SetWriteDeadline(deadline); err == nil {
					_ = c.sock.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}

			if err := c.sock.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批次送出緩衝中剩餘的消息，減少系統調用
			n := len(c.Send)
			for i := 0; i < n; i++ {
				extra, ok := <-c.Send
				if !ok {
					return
				}
				if err := c.sock.WriteMessage(websocket.TextMessage, extra); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
