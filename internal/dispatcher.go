package internal

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// 系統設計問題：
//   兩個連接同時對同一個房間落子，誰先誰後？鎖的順序誰來保證？
//
// 核心挑戰：
//   1. 並發變更：WebSocket 讀取迴圈天然是每連接一個 goroutine
//   2. 跨元件的狀態一致性：一次落子同時觸及房間、戰績、錦標賽
//   3. 計時器競態：寬限期到期、決賽延遲生成都在未來的某個時刻觸發
//
// 設計方案：
//   ✅ 單一事件迴圈 - 所有狀態變更經由同一個 worker goroutine 串行執行
//   ✅ 計時器回呼重新排隊 - 到期任務送回迴圈，與一般事件同等待遇
//   ✅ 出站不回流 - 廣播只寫入傳輸層緩衝，絕不回頭觸發新事件

// chatMaxLen 聊天訊息長度上限。
const chatMaxLen = 120

// Dispatcher 事件分派器。
//
// 入站事件（已在邊界解碼驗證）排入任務佇列，由單一 worker
// 依序執行。同一時刻最多一個事件在變更狀態，房間與錦標賽的
// 不變量因此不需要依賴細粒度鎖的正確性。
type Dispatcher struct {
	sessions    *SessionRegistry
	store       UserStore
	manager     *Manager
	tournaments *Tournaments
	reconnect   *Reconnector
	limiter     Limiter
	bc          Broadcaster
	logger      *slog.Logger

	tasks  chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	// names 認證時快取的顯示名稱。只在事件迴圈內讀寫。
	names map[string]string
}

// NewDispatcher 建立分派器並完成元件間的回呼接線：
//   - 寬限期到期與決賽延遲生成都送回事件迴圈執行
//   - 錦標賽對局的結果由房間管理器回灌給錦標賽協調器
func NewDispatcher(
	sessions *SessionRegistry,
	store UserStore,
	manager *Manager,
	tournaments *Tournaments,
	reconnect *Reconnector,
	limiter Limiter,
	bc Broadcaster,
	logger *slog.Logger,
) *Dispatcher {
	d := &Dispatcher{
		sessions:    sessions,
		store:       store,
		manager:     manager,
		tournaments: tournaments,
		reconnect:   reconnect,
		limiter:     limiter,
		bc:          bc,
		logger:      logger,
		tasks:       make(chan func(), 256),
		stopCh:      make(chan struct{}),
		names:       make(map[string]string),
	}

	reconnect.SetSubmit(d.Submit)
	tournaments.SetSchedule(func(delay time.Duration, task func()) {
		time.AfterFunc(delay, func() { d.Submit(task) })
	})
	manager.SetResultSink(tournaments.OnMatchResult)

	return d
}

// Start 啟動事件迴圈。
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.loop()
	d.logger.Info("分派器已啟動")
}

// Stop 停止事件迴圈，等待當前任務完成。
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.reconnect.Stop()
	d.logger.Info("分派器已停止")
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	for {
		select {
		case task := <-d.tasks:
			task()
		case <-d.stopCh:
			return
		}
	}
}

// Submit 把任務排入事件迴圈。分派器停止後的提交被靜默丟棄。
func (d *Dispatcher) Submit(task func()) {
	select {
	case d.tasks <- task:
	case <-d.stopCh:
	}
}

// HandleMessage 傳輸層的入站訊息回呼。在連接的讀取 goroutine 上執行。
//
// 解碼失敗的幀在這裡就地拒絕，不進入事件迴圈。
func (d *Dispatcher) HandleMessage(connID string, raw []byte) {
	in, err := DecodeInbound(raw)
	if err != nil {
		d.logger.Debug("拒絕無法解碼的訊息", "conn", connID, "error", err)
		d.bc.ToConn(connID, ErrorMessage("malformed message"))
		return
	}
	d.Submit(func() { d.handle(connID, in) })
}

// HandleDisconnect 傳輸層的斷線回呼。
func (d *Dispatcher) HandleDisconnect(connID string) {
	d.Submit(func() {
		d.limiter.Forget(connID)
		d.reconnect.HandleDisconnect(connID)
	})
}

// handle 在事件迴圈內處理一個入站事件。
//
// 順序：限流 → 認證檢查 → 路由。
// 限流最先執行，未認證連接的洪水同樣會被擋下。
func (d *Dispatcher) handle(connID string, in Inbound) {
	if !d.limiter.Admit(connID, in.Event) {
		d.bc.ToConn(connID, ErrorMessage(ErrRateLimited.Error()))
		return
	}

	if in.Event == EvAuth {
		p, _ := in.Payload.(AuthPayload)
		d.handleAuth(connID, p)
		return
	}

	userKey, ok := d.sessions.UserByConn(connID)
	if !ok {
		d.bc.ToConn(connID, ErrorMessage(ErrNotAuthenticated.Error()))
		return
	}

	name := d.names[userKey]
	if name == "" {
		name = userKey
	}

	switch in.Event {
	case EvRoomCreate:
		d.handleRoomCreate(connID, userKey, name)

	case EvRoomJoin:
		p, _ := in.Payload.(CodePayload)
		d.handleRoomJoin(connID, userKey, name, p.Code)

	case EvRoomLeave:
		d.manager.Leave(userKey)

	case EvGameMove:
		p, _ := in.Payload.(MovePayload)
		if err := d.manager.Move(userKey, p.Code, p.Index); err != nil {
			d.bc.ToConn(connID, RoomErrorMessage(err.Error()))
		}

	case EvGameRematch:
		p, _ := in.Payload.(CodePayload)
		if err := d.manager.Rematch(userKey, p.Code); err != nil {
			d.bc.ToConn(connID, RoomErrorMessage(err.Error()))
		}

	case EvChatMsg:
		p, _ := in.Payload.(ChatPayload)
		d.handleChat(userKey, name, p)

	case EvTournamentCreate:
		d.manager.Leave(userKey)
		t := d.tournaments.Create(connID, userKey, name)
		d.bc.ToConn(connID, Message{
			Event: EvTournamentCreated,
			Data:  TournamentCreatedPayload{Code: t.Code},
		})

	case EvTournamentJoin:
		p, _ := in.Payload.(CodePayload)
		// 先預檢再離開原房間：報名失敗不影響現有對局，
		// 而第四位玩家觸發的開賽也不會被事後的離開打斷。
		if err := d.tournaments.CanJoin(p.Code, userKey); err != nil {
			d.bc.ToConn(connID, ErrorMessage(err.Error()))
			return
		}
		d.manager.Leave(userKey)
		if _, err := d.tournaments.Join(connID, userKey, name, p.Code); err != nil {
			d.bc.ToConn(connID, ErrorMessage(err.Error()))
		}
	}
}

// handleAuth 處理認證握手。
//
// token 解析成功即綁定連接；同一使用者較早的連接被取代並明確關閉。
// 綁定完成後交給重連協調器檢查是否有待恢復的房間。
func (d *Dispatcher) handleAuth(connID string, p AuthPayload) {
	userKey, err := d.sessions.Resolve(p.Token)
	if err != nil {
		d.bc.ToConn(connID, Message{
			Event: EvAuthError,
			Data:  AuthErrorPayload{Reason: err.Error()},
		})
		return
	}

	displayName := userKey
	var stats Stats
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if user, err := d.store.FindByKey(ctx, userKey); err == nil {
		displayName = user.DisplayName
		stats = user.Stats
	} else {
		d.logger.Warn("讀取使用者記錄失敗，以 userKey 作為顯示名稱",
			"user", userKey, "error", err)
	}
	cancel()

	if superseded := d.sessions.Bind(connID, userKey); superseded != "" {
		d.limiter.Forget(superseded)
		d.bc.CloseConn(superseded)
		d.logger.Info("舊連接已被取代", "user", userKey, "old_conn", superseded)
	}

	d.names[userKey] = displayName
	d.bc.ToConn(connID, Message{
		Event: EvAuthOK,
		Data:  AuthOKPayload{Username: displayName, Stats: stats},
	})

	d.reconnect.HandleAuth(connID, userKey, displayName)
}

func (d *Dispatcher) handleRoomCreate(connID, userKey, name string) {
	d.manager.Leave(userKey)

	room, err := d.manager.Create(connID, userKey, name)
	if err != nil {
		d.bc.ToConn(connID, RoomErrorMessage(err.Error()))
		return
	}
	d.bc.ToConn(connID, Message{
		Event: EvRoomCreated,
		Data:  RoomCreatedPayload{Code: room.Code, Symbol: SymbolX},
	})
}

func (d *Dispatcher) handleRoomJoin(connID, userKey, name, code string) {
	// 先驗證目標房間再離開原房間：驗證失敗時玩家留在原地。
	target, ok := d.manager.RoomByCode(code)
	if !ok {
		d.bc.ToConn(connID, RoomErrorMessage(ErrRoomNotFound.Error()))
		return
	}
	if err := target.CanJoin(userKey); err != nil {
		d.bc.ToConn(connID, RoomErrorMessage(err.Error()))
		return
	}

	d.manager.Leave(userKey)

	room, err := d.manager.Join(connID, userKey, name, code)
	if err != nil {
		d.bc.ToConn(connID, RoomErrorMessage(err.Error()))
		return
	}

	var symbol Symbol
	if p, seated := room.PlayerByKey(userKey); seated {
		symbol = p.Symbol
	}
	d.bc.ToConn(connID, Message{
		Event: EvRoomJoined,
		Data:  RoomJoinedPayload{Code: room.Code, Symbol: symbol},
	})
}

// handleChat 處理聊天訊息。
//
// 成員資格：訊息只會廣播到發送者實際所在的房間或在籍的錦標賽，
// 偽造代碼的訊息被靜默丟棄。
func (d *Dispatcher) handleChat(userKey, name string, p ChatPayload) {
	text := sanitizeChat(p.Text)
	if text == "" {
		return
	}

	member := false
	if room, ok := d.manager.RoomByCode(p.Code); ok {
		_, member = room.PlayerByKey(userKey)
	}
	if !member {
		member = d.tournaments.HasPlayer(p.Code, userKey)
	}
	if !member {
		return
	}

	d.bc.ToGroup(p.Code, Message{
		Event: EvChatMsg,
		Data: ChatMsgPayload{
			From: name,
			Text: text,
			TS:   time.Now().UnixMilli(),
		},
	})
}

// sanitizeChat 清理聊天訊息：去除首尾空白、移除角括號、截斷長度。
func sanitizeChat(text string) string {
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "<", "")
	text = strings.ReplaceAll(text, ">", "")

	runes := []rune(text)
	if len(runes) > chatMaxLen {
		text = string(runes[:chatMaxLen])
	}
	return text
}
