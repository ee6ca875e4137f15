package internal

import (
	"log/slog"
	"sync"
	"time"
)

// 系統設計問題：
//   網路抖動造成的瞬斷，如何不讓對局直接報銷？
//
// 核心挑戰：
//   1. 斷線 ≠ 離開：連接死了，玩家的席位與符號必須原地保留一段寬限期
//   2. 計時器競態：寬限期到期與玩家重連可能同時發生
//   3. 重複斷線：同一玩家斷了又連、連了又斷，舊計時器不能誤傷新狀態
//
// 設計方案：
//   ✅ 寬限期計時器 - 每位斷線玩家一支，重連時取消，到期才真正離開
//   ✅ 身份比對 - 到期回呼先確認自己仍是該玩家的現任計時器
//   ✅ 到期時重新驗證 - 回到事件迴圈後再檢查玩家是否已有活躍連接

// Reconnector 斷線寬限期協調器。
//
// 斷線時不立即把玩家移出房間，而是保留席位並啟動寬限期計時器；
// 玩家在寬限期內帶著原 token 重連即可原地恢復，逾期才視同離開。
type Reconnector struct {
	mu     sync.Mutex
	timers map[string]*time.Timer // userKey -> 寬限期計時器
	gens   map[string]uint64      // userKey -> 計時器世代，到期回呼以此驗明正身

	grace    time.Duration
	manager  *Manager
	sessions *SessionRegistry
	bc       Broadcaster
	logger   *slog.Logger

	// submit 把到期回呼送回事件迴圈執行，與所有其他狀態變更串行化。
	submit func(task func())
}

// NewReconnector 建立協調器。寬限期由設定檔提供。
func NewReconnector(grace time.Duration, manager *Manager, sessions *SessionRegistry, bc Broadcaster, logger *slog.Logger) *Reconnector {
	return &Reconnector{
		timers:   make(map[string]*time.Timer),
		gens:     make(map[string]uint64),
		grace:    grace,
		manager:  manager,
		sessions: sessions,
		bc:       bc,
		logger:   logger,
		submit:   func(task func()) { task() },
	}
}

// SetSubmit 設定到期回呼的提交函式（通常是分派器的 Submit）。
func (r *Reconnector) SetSubmit(submit func(task func())) {
	r.submit = submit
}

// HandleDisconnect 處理一次連接斷線。
//
// 解除連接綁定後，若玩家在房間中則通知對手並啟動寬限期計時器；
// 不在房間中的玩家斷線沒有後續效果。
func (r *Reconnector) HandleDisconnect(connID string) {
	userKey, ok := r.sessions.UserByConn(connID)
	if !ok {
		// 未完成認證的連接，無狀態可保留。
		return
	}
	r.sessions.Unbind(connID)

	code, ok := r.manager.RoomCodeByUser(userKey)
	if !ok {
		return
	}

	r.bc.ToGroup(code, Message{
		Event: EvGameOpponentDisconnected,
		Data:  OpponentDisconnectedPayload{Key: userKey},
	})
	r.arm(userKey)

	r.logger.Info("玩家斷線，啟動寬限期",
		"user", userKey,
		"room", code,
		"grace", r.grace)
}

// arm 啟動（或重設）玩家的寬限期計時器。
// 同一玩家重複斷線時，新計時器取代舊計時器並推進世代。
func (r *Reconnector) arm(userKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.timers[userKey]; ok {
		old.Stop()
	}

	r.gens[userKey]++
	gen := r.gens[userKey]
	r.timers[userKey] = time.AfterFunc(r.grace, func() {
		r.submit(func() { r.expire(userKey, gen) })
	})
}

// expire 寬限期到期。在事件迴圈內執行。
//
// 兩道防線對抗計時器競態：
//  1. 世代比對：只有現任世代且仍登記在冊的計時器才有效，
//     被取代或被取消的計時器即使觸發也是 no-op
//  2. 重新驗證：玩家若已有活躍連接（剛好在到期前重連），不逐出
func (r *Reconnector) expire(userKey string, gen uint64) {
	r.mu.Lock()
	_, armed := r.timers[userKey]
	if !armed || r.gens[userKey] != gen {
		r.mu.Unlock()
		return
	}
	delete(r.timers, userKey)
	r.mu.Unlock()

	if _, active := r.sessions.ActiveConnection(userKey); active {
		return
	}

	r.logger.Info("寬限期逾時，玩家視同離開", "user", userKey)
	r.manager.Leave(userKey)
}

// HandleAuth 認證成功後的重連恢復。
//
// 玩家若在房間中：取消寬限期計時器、把席位重綁到新連接、
// 重新加入廣播群組、回送完整房間狀態、通知對手已回線。
// 玩家不在房間中時是 no-op（一般的首次登入）。
func (r *Reconnector) HandleAuth(connID, userKey, displayName string) {
	code, ok := r.manager.RoomCodeByUser(userKey)
	if !ok {
		return
	}

	r.Cancel(userKey)

	room, ok := r.manager.RoomByCode(code)
	if !ok {
		return
	}
	room.RebindConn(userKey, connID)
	r.bc.Join(connID, code)

	r.bc.ToConn(connID, Message{Event: EvGameRejoin, Data: room.RejoinInfo(userKey)})
	r.bc.ToGroupExcept(code, connID, Message{
		Event: EvGameOpponentReconnected,
		Data:  OpponentReconnectedPayload{Name: displayName},
	})

	r.logger.Info("玩家重連，房間狀態已恢復",
		"user", userKey,
		"room", code)
}

// Cancel 取消玩家的寬限期計時器（若有）。
func (r *Reconnector) Cancel(userKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.timers[userKey]; ok {
		timer.Stop()
		delete(r.timers, userKey)
	}
}

// Stop 取消所有計時器（關閉伺服器時呼叫）。
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for userKey, timer := range r.timers {
		timer.Stop()
		delete(r.timers, userKey)
	}
}
