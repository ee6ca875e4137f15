package internal

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// 系統設計問題：
//   四人單淘汰錦標賽的晉級流程，如何在玩家斷線、平手、
//   重複結算等干擾下仍然恰好產生一位冠軍？
//
// 核心挑戰：
//   1. 賽程推進：兩場準決賽 → 決賽 → 冠軍，每一步都由對局結果驅動
//   2. 平手沒有晉級者：單淘汰賽制必須分出高下
//   3. 冪等性：同一場對局的結果不能被結算兩次，冠軍不能宣告兩次
//
// 設計方案：
//   ✅ 對陣表即狀態 - 三場對局的 Winner 欄位完整決定賽程進度
//   ✅ 擲硬幣決勝 - 平手時隨機晉級一方，並在房間內公告
//   ✅ 雙重守衛 - 對局層（Winner 非 nil 即跳過）與賽事層（completed 即跳過）

// TournamentStatus 錦標賽狀態。
//
// 狀態轉換規則：
//   - waiting → semifinals：第四位玩家加入，賽程自動開始
//   - semifinals → final：兩場準決賽都分出晉級者
//   - final → completed：決賽分出冠軍（終態）
type TournamentStatus string

const (
	TournamentWaiting    TournamentStatus = "waiting"
	TournamentSemifinals TournamentStatus = "semifinals"
	TournamentFinal      TournamentStatus = "final"
	TournamentCompleted  TournamentStatus = "completed"
)

// tournamentSize 單淘汰賽制的固定人數。
const tournamentSize = 4

// Match 對陣表中的一場對局。
//
// P1/P2/Winner 都是玩家在報名序列中的索引；nil 表示尚未決定。
// 決賽在兩場準決賽完成前 P1/P2 為 nil。
type Match struct {
	ID     int  `json:"id"`
	P1     *int `json:"p1"`
	P2     *int `json:"p2"`
	Winner *int `json:"winner"`

	spawned bool
}

// TPlayer 錦標賽報名席位。
type TPlayer struct {
	ConnID  string
	UserKey string
	Name    string
}

// Tournament 一場錦標賽的權威狀態。
type Tournament struct {
	Code    string
	Players []TPlayer // 報名順序，長度 1..4
	Matches []*Match
	Status  TournamentStatus

	Mu sync.RWMutex
}

// playerIndex 以 userKey 查詢報名索引，不在籍時回傳 -1。需要持有鎖。
func (t *Tournament) playerIndex(userKey string) int {
	for i, p := range t.Players {
		if p.UserKey == userKey {
			return i
		}
	}
	return -1
}

// playerNames 報名玩家的顯示名稱（廣播用）。需要持有鎖。
func (t *Tournament) playerNames() []string {
	names := make([]string, 0, len(t.Players))
	for _, p := range t.Players {
		names = append(names, p.Name)
	}
	return names
}

// Tournaments 錦標賽協調器。
//
// 對局結果經由 Manager 的結果回呼流入（OnMatchResult），
// 賽程推進的廣播與對局房間的生成都在事件迴圈內完成。
// 決賽延遲生成的計時器透過 schedule 送回事件迴圈。
type Tournaments struct {
	mu          sync.RWMutex
	tournaments map[string]*Tournament

	codes    *CodePool
	manager  *Manager
	sessions *SessionRegistry
	bc       Broadcaster
	logger   *slog.Logger

	// rng 擲硬幣與賽程抽籤的隨機源。測試時注入固定種子。
	rng *rand.Rand

	// finalDelay 兩場準決賽結束到決賽開始的間隔，
	// 給晉級者留出看清對陣表的時間。
	finalDelay time.Duration

	// schedule 延遲任務的提交函式，回呼必須在事件迴圈內執行。
	schedule func(d time.Duration, task func())
}

// NewTournaments 建立協調器。
func NewTournaments(codes *CodePool, manager *Manager, sessions *SessionRegistry, bc Broadcaster, logger *slog.Logger, finalDelay time.Duration) *Tournaments {
	return &Tournaments{
		tournaments: make(map[string]*Tournament),
		codes:       codes,
		manager:     manager,
		sessions:    sessions,
		bc:          bc,
		logger:      logger,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		finalDelay:  finalDelay,
		schedule: func(d time.Duration, task func()) {
			time.AfterFunc(d, task)
		},
	}
}

// SetSchedule 設定延遲任務的提交函式（通常經由分派器的 Submit）。
func (ts *Tournaments) SetSchedule(schedule func(d time.Duration, task func())) {
	ts.schedule = schedule
}

// SetRand 設定隨機源（測試用）。
func (ts *Tournaments) SetRand(rng *rand.Rand) {
	ts.rng = rng
}

// Create 建立錦標賽，創建者自動佔據第一個席位。
func (ts *Tournaments) Create(connID, userKey, name string) *Tournament {
	code := ts.codes.Generate()
	t := &Tournament{
		Code:    code,
		Players: []TPlayer{{ConnID: connID, UserKey: userKey, Name: name}},
		Status:  TournamentWaiting,
	}

	ts.mu.Lock()
	ts.tournaments[code] = t
	ts.mu.Unlock()

	ts.bc.Join(connID, code)
	ts.broadcastLobby(t)

	ts.logger.Info("錦標賽已創建", "code", code, "user", userKey)
	return t
}

// CanJoin 預檢報名資格，不變更任何狀態。驗證順序與 Join 一致。
// 呼叫端在報名前先離開現有房間，預檢讓驗證失敗時玩家留在原地。
func (ts *Tournaments) CanJoin(code, userKey string) error {
	ts.mu.RLock()
	t, ok := ts.tournaments[code]
	ts.mu.RUnlock()
	if !ok {
		return ErrTournamentNotFound
	}

	t.Mu.RLock()
	defer t.Mu.RUnlock()

	if t.playerIndex(userKey) >= 0 {
		return nil
	}
	if t.Status != TournamentWaiting {
		return ErrTournamentStarted
	}
	if len(t.Players) >= tournamentSize {
		return ErrTournamentFull
	}
	return nil
}

// Join 加入錦標賽。
//
// 驗證順序：
//  1. 代碼存在 → ErrTournamentNotFound
//  2. 尚未開賽 → ErrTournamentStarted
//  3. 席位未滿 → ErrTournamentFull
//
// 已在籍的玩家重複加入是冪等的 no-op。
// 第四位玩家加入時賽程立即開始。
func (ts *Tournaments) Join(connID, userKey, name, code string) (*Tournament, error) {
	ts.mu.RLock()
	t, ok := ts.tournaments[code]
	ts.mu.RUnlock()
	if !ok {
		return nil, ErrTournamentNotFound
	}

	t.Mu.Lock()
	if t.playerIndex(userKey) >= 0 {
		t.Mu.Unlock()
		return t, nil
	}
	if t.Status != TournamentWaiting {
		t.Mu.Unlock()
		return nil, ErrTournamentStarted
	}
	if len(t.Players) >= tournamentSize {
		t.Mu.Unlock()
		return nil, ErrTournamentFull
	}

	t.Players = append(t.Players, TPlayer{ConnID: connID, UserKey: userKey, Name: name})
	full := len(t.Players) == tournamentSize
	t.Mu.Unlock()

	ts.bc.Join(connID, code)
	ts.logger.Info("玩家加入錦標賽", "code", code, "user", userKey)

	if full {
		ts.start(t)
	} else {
		ts.broadcastLobby(t)
	}
	return t, nil
}

// broadcastLobby 報名階段的狀態廣播。
func (ts *Tournaments) broadcastLobby(t *Tournament) {
	t.Mu.RLock()
	payload := TournamentUpdatePayload{
		Players: t.playerNames(),
		Status:  t.Status,
	}
	t.Mu.RUnlock()

	ts.bc.ToGroup(t.Code, Message{Event: EvTournamentUpdate, Data: payload})
}

// start 開始賽程：抽籤排出對陣表，生成兩場準決賽的對局房間。
//
// 對陣表固定三場：1、2 是準決賽（抽籤後的 0v1、2v3），
// 3 是決賽，雙方待準決賽分出晉級者後填入。
func (ts *Tournaments) start(t *Tournament) {
	t.Mu.Lock()
	t.Status = TournamentSemifinals

	ts.rng.Shuffle(len(t.Players), func(i, j int) {
		t.Players[i], t.Players[j] = t.Players[j], t.Players[i]
	})

	idx := func(i int) *int { return &i }
	t.Matches = []*Match{
		{ID: 1, P1: idx(0), P2: idx(1)},
		{ID: 2, P1: idx(2), P2: idx(3)},
		{ID: 3},
	}

	payload := TournamentStartPayload{
		Matches: t.Matches,
		Players: t.playerNames(),
	}
	t.Mu.Unlock()

	ts.bc.ToGroup(t.Code, Message{Event: EvTournamentStart, Data: payload})
	ts.logger.Info("錦標賽開始", "code", t.Code)

	ts.spawnMatch(t, 0)
	ts.spawnMatch(t, 1)
}

// spawnMatch 為一場對局生成房間並讓雙方入座。
//
// 席位的連接 ID 以會話註冊表的當前綁定為準（玩家可能在報名後重連過），
// 查無活躍連接時退回報名時的連接 ID。
func (ts *Tournaments) spawnMatch(t *Tournament, matchIdx int) {
	t.Mu.Lock()
	match := t.Matches[matchIdx]
	if match.P1 == nil || match.P2 == nil {
		t.Mu.Unlock()
		return
	}
	match.spawned = true
	p1 := t.Players[*match.P1]
	p2 := t.Players[*match.P2]
	matchID := match.ID
	t.Mu.Unlock()

	seats := [2]Player{
		{ConnID: ts.currentConn(p1), UserKey: p1.UserKey, Name: p1.Name},
		{ConnID: ts.currentConn(p2), UserKey: p2.UserKey, Name: p2.Name},
	}
	ts.manager.CreateMatchRoom(t.Code, matchID, seats)
}

func (ts *Tournaments) currentConn(p TPlayer) string {
	if connID, ok := ts.sessions.ActiveConnection(p.UserKey); ok {
		return connID
	}
	return p.ConnID
}

// OnMatchResult 錦標賽對局結束時由房間管理器回呼。
//
// 平手時擲硬幣決定晉級者，並在對局房間內以系統訊息公告，
// 公告先於對陣表變更，讓雙方在看到晉級結果前先看到原因。
// 同一場對局的重複結算（Winner 已非 nil）是 no-op。
func (ts *Tournaments) OnMatchResult(room *Room, result GameResult) {
	ts.mu.RLock()
	t, ok := ts.tournaments[room.TournamentCode]
	ts.mu.RUnlock()
	if !ok {
		return
	}

	t.Mu.Lock()
	var match *Match
	for _, m := range t.Matches {
		if m.ID == room.MatchID {
			match = m
			break
		}
	}
	if match == nil || match.Winner != nil {
		t.Mu.Unlock()
		return
	}

	winnerSymbol := result.Winner
	if result.Draw {
		winnerSymbol = SymbolX
		if ts.rng.Intn(2) == 1 {
			winnerSymbol = SymbolO
		}
	}

	winner, seated := room.PlayerBySymbol(winnerSymbol)
	if !seated {
		t.Mu.Unlock()
		return
	}
	winnerIdx := t.playerIndex(winner.UserKey)
	if winnerIdx < 0 {
		t.Mu.Unlock()
		return
	}
	t.Mu.Unlock()

	if result.Draw {
		ts.bc.ToGroup(room.Code, Message{
			Event: EvChatMsg,
			Data: ChatMsgPayload{
				From: "SYSTEM",
				Text: fmt.Sprintf("Draw! Coin flip decides: %s advances!", winner.Name),
				TS:   time.Now().UnixMilli(),
			},
		})
	}

	t.Mu.Lock()
	match.Winner = &winnerIdx
	t.Mu.Unlock()

	ts.logger.Info("錦標賽對局結束",
		"tournament", t.Code,
		"match", room.MatchID,
		"winner", winner.UserKey,
		"coin_flip", result.Draw)

	ts.advance(t)
}

// advance 依對陣表的當前狀態推進賽程。
func (ts *Tournaments) advance(t *Tournament) {
	t.Mu.Lock()

	semi1, semi2, final := t.Matches[0], t.Matches[1], t.Matches[2]

	// 決賽結束：宣告冠軍，恰好一次。
	if final.Winner != nil && t.Status != TournamentCompleted {
		t.Status = TournamentCompleted
		champion := t.Players[*final.Winner].Name
		update := TournamentUpdatePayload{Matches: t.Matches, Status: t.Status}
		t.Mu.Unlock()

		ts.bc.ToGroup(t.Code, Message{Event: EvTournamentUpdate, Data: update})
		ts.bc.ToGroup(t.Code, Message{
			Event: EvTournamentChampion,
			Data:  TournamentChampionPayload{Champion: champion},
		})
		ts.logger.Info("錦標賽結束", "code", t.Code, "champion", champion)
		return
	}

	// 兩場準決賽都結束：填入決賽對陣，延遲後生成決賽房間。
	if semi1.Winner != nil && semi2.Winner != nil && final.P1 == nil {
		final.P1 = semi1.Winner
		final.P2 = semi2.Winner
		t.Status = TournamentFinal
		update := TournamentUpdatePayload{Matches: t.Matches, Status: t.Status}
		t.Mu.Unlock()

		ts.bc.ToGroup(t.Code, Message{Event: EvTournamentUpdate, Data: update})

		ts.schedule(ts.finalDelay, func() {
			// 計時器觸發時重新驗證：賽事可能在等待期間被關閉。
			t.Mu.Lock()
			ready := t.Status == TournamentFinal && !t.Matches[2].spawned
			t.Mu.Unlock()
			if ready {
				ts.spawnMatch(t, 2)
			}
		})
		return
	}

	update := TournamentUpdatePayload{Matches: t.Matches, Status: t.Status}
	t.Mu.Unlock()
	ts.bc.ToGroup(t.Code, Message{Event: EvTournamentUpdate, Data: update})
}

// Get 查詢錦標賽。
func (ts *Tournaments) Get(code string) (*Tournament, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.tournaments[code]
	return t, ok
}

// HasPlayer 查詢使用者是否在籍（聊天室成員資格檢查用）。
func (ts *Tournaments) HasPlayer(code, userKey string) bool {
	ts.mu.RLock()
	t, ok := ts.tournaments[code]
	ts.mu.RUnlock()
	if !ok {
		return false
	}

	t.Mu.RLock()
	defer t.Mu.RUnlock()
	return t.playerIndex(userKey) >= 0
}

// Stats 統計資訊（監控端點用）。
func (ts *Tournaments) Stats() map[string]any {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	statusCount := make(map[TournamentStatus]int)
	for _, t := range ts.tournaments {
		t.Mu.RLock()
		statusCount[t.Status]++
		t.Mu.RUnlock()
	}

	return map[string]any{
		"total_tournaments": len(ts.tournaments),
		"by_status":         statusCount,
	}
}
