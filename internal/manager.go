package internal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager 房間管理器。
//
// 持有三組映射：
//   - rooms：code → Room（含錦標賽對局房間）
//   - userRoom：userKey → code。支援重連時不需要客戶端記住房間代碼，
//     也用來強制「一人同時只在一個房間」
//   - codes：與錦標賽共用的代碼命名空間
//
// 廣播策略：房間層級的狀態變更（對局開始、落子、結束）由管理器
// 直接透過 Broadcaster 發給房間群組；對單一連接的直接回覆
// （room:created、錯誤）留給分派器。
type Manager struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	userRoom map[string]string

	codes  *CodePool
	bc     Broadcaster
	store  UserStore
	logger *slog.Logger

	// resultSink 錦標賽對局結束時的回呼。
	// 在房間狀態定案並廣播之後觸發，驅動晉級。
	resultSink func(room *Room, result GameResult)
}

// NewManager 建立房間管理器。
func NewManager(codes *CodePool, bc Broadcaster, store UserStore, logger *slog.Logger) *Manager {
	return &Manager{
		rooms:    make(map[string]*Room),
		userRoom: make(map[string]string),
		codes:    codes,
		bc:       bc,
		store:    store,
		logger:   logger,
	}
}

// SetResultSink 設定錦標賽結果回呼。
func (m *Manager) SetResultSink(sink func(room *Room, result GameResult)) {
	m.resultSink = sink
}

// Create 建立房間，創建者持 X。
//
// 前置條件：使用者不在任何房間中（呼叫端須先呼叫 Leave）。
// 代碼在所有存活房間與錦標賽之間唯一。
func (m *Manager) Create(connID, userKey, name string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.userRoom[userKey]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInRoom, existing)
	}

	code := m.codes.Generate()
	room := NewRoom(code, Player{ConnID: connID, UserKey: userKey, Name: name})
	m.rooms[code] = room
	m.userRoom[userKey] = code

	m.bc.Join(connID, code)

	m.logger.Info("房間已創建",
		"code", code,
		"user", userKey)

	return room, nil
}

// Join 加入既有房間，成功時對雙方廣播完整初始狀態的 game:start。
func (m *Manager) Join(connID, userKey, name, code string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[code]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if existing, ok := m.userRoom[userKey]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInRoom, existing)
	}

	if err := room.Join(Player{ConnID: connID, UserKey: userKey, Name: name}); err != nil {
		return nil, err
	}

	m.userRoom[userKey] = code
	m.bc.Join(connID, code)

	m.logger.Info("玩家加入房間",
		"code", code,
		"user", userKey)

	m.bc.ToGroup(code, Message{Event: EvGameStart, Data: room.StartInfo()})
	return room, nil
}

// Leave 將使用者移出其所在房間。冪等：重複呼叫是 no-op。
//
// 空房間立即銷毀並歸還代碼；否則通知留下的玩家，
// 房間重置回 waiting（清除任何待決的重賽票）。
func (m *Manager) Leave(userKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(userKey)
}

func (m *Manager) leaveLocked(userKey string) {
	code, ok := m.userRoom[userKey]
	if !ok {
		return
	}
	delete(m.userRoom, userKey)

	room, ok := m.rooms[code]
	if !ok {
		return
	}

	removed, remaining := room.RemoveByUser(userKey)
	if removed != nil {
		m.bc.Leave(removed.ConnID, code)
	}

	if remaining == 0 {
		delete(m.rooms, code)
		if len(code) == codeLength {
			m.codes.Release(code)
		}
		m.logger.Info("房間已銷毀", "code", code)
		return
	}

	room.ResetToWaiting()
	m.bc.ToGroup(code, Message{Event: EvGameOpponentLeft})
	m.logger.Info("玩家離開房間", "code", code, "user", userKey)
}

// Move 處理一次落子。
//
// 驗證全部通過後的效果是原子的：寫入棋盤 → 廣播落子 →
// 判定勝負（終局時廣播 game:over、歸屬戰績、觸發錦標賽回呼）
// 或交替回合（廣播 game:turn）。任何驗證失敗都零狀態變更。
func (m *Manager) Move(userKey, code string, index int) error {
	m.mu.RLock()
	room, ok := m.rooms[code]
	m.mu.RUnlock()
	if !ok {
		return ErrRoomNotFound
	}

	outcome, err := room.ApplyMove(userKey, index)
	if err != nil {
		return err
	}

	m.bc.ToGroup(code, Message{
		Event: EvGameMove,
		Data:  GameMovePayload{Index: outcome.Index, Symbol: outcome.Symbol},
	})

	if outcome.Result == nil {
		m.bc.ToGroup(code, Message{
			Event: EvGameTurn,
			Data:  GameTurnPayload{CurrentTurn: outcome.NextTurn},
		})
		return nil
	}

	m.broadcastGameOver(room, outcome.Result)

	// 外部副作用一律在狀態定案並廣播之後：
	// 慢的儲存呼叫不會讓房間停留在半更新的中間態。
	m.attributeStats(room, outcome.Result)

	if room.IsMatchRoom() && m.resultSink != nil {
		m.resultSink(room, *outcome.Result)
	}
	return nil
}

func (m *Manager) broadcastGameOver(room *Room, result *GameResult) {
	room.Mu.RLock()
	scores := room.Scores
	room.Mu.RUnlock()

	payload := GameOverPayload{Scores: scores}
	if result.Draw {
		payload.Draw = true
	} else {
		winner := result.Winner
		line := result.Line
		payload.Winner = &winner
		payload.Line = &line
	}
	m.bc.ToGroup(room.Code, Message{Event: EvGameOver, Data: payload})
}

// attributeStats 把勝負平歸屬到兩位玩家的 userKey。
func (m *Manager) attributeStats(room *Room, result *GameResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if result.Draw {
		room.Mu.RLock()
		players := make([]Player, 0, 2)
		for _, p := range room.Players {
			players = append(players, *p)
		}
		room.Mu.RUnlock()

		for _, p := range players {
			if err := m.store.IncrementDraws(ctx, p.UserKey); err != nil {
				m.logger.Error("歸屬平手戰績失敗", "user", p.UserKey, "error", err)
			}
		}
		return
	}

	winner, ok := room.PlayerBySymbol(result.Winner)
	if ok {
		if err := m.store.IncrementWins(ctx, winner.UserKey); err != nil {
			m.logger.Error("歸屬勝場失敗", "user", winner.UserKey, "error", err)
		}
	}
	loser, ok := room.PlayerBySymbol(result.Winner.Opponent())
	if ok {
		if err := m.store.IncrementLosses(ctx, loser.UserKey); err != nil {
			m.logger.Error("歸屬敗場失敗", "user", loser.UserKey, "error", err)
		}
	}
}

// Rematch 記錄一張重賽票。
// 第一票通知對手；兩票到齊時符號互換、棋盤重置、廣播新的 game:start。
func (m *Manager) Rematch(userKey, code string) error {
	m.mu.RLock()
	room, ok := m.rooms[code]
	m.mu.RUnlock()
	if !ok {
		return ErrRoomNotFound
	}

	voter, seated := room.PlayerByKey(userKey)
	if !seated {
		return ErrNotInRoom
	}

	switch room.VoteRematch(userKey) {
	case RematchStarted:
		m.bc.ToGroup(code, Message{Event: EvGameStart, Data: room.StartInfo()})
		m.logger.Info("重賽開始", "code", code)
	case RematchRequested:
		m.bc.ToGroupExcept(code, voter.ConnID, Message{
			Event: EvGameRematchRequest,
			Data:  RematchRequestPayload{From: voter.Name},
		})
	}
	return nil
}

// CreateMatchRoom 為錦標賽對局建立房間。
//
// 與一般房間的差異：兩位玩家直接入座、立即 playing、
// 代碼由錦標賽代碼加對局編號組成（帶連字號，與 4 字代碼空間不相交）、
// 攜帶錦標賽反向引用。雙方連接被強制加入房間群組並各自收到
// room:joined，再對群組廣播 game:start。
func (m *Manager) CreateMatchRoom(tournamentCode string, matchID int, seats [2]Player) *Room {
	code := fmt.Sprintf("%s-%d", tournamentCode, matchID)

	seats[0].Symbol = SymbolX
	seats[1].Symbol = SymbolO

	room := &Room{
		Code:           code,
		Players:        []*Player{&seats[0], &seats[1]},
		CurrentTurn:    SymbolX,
		Status:         StatusPlaying,
		TournamentCode: tournamentCode,
		MatchID:        matchID,
	}

	m.mu.Lock()
	m.rooms[code] = room
	for i := range seats {
		m.userRoom[seats[i].UserKey] = code
	}
	m.mu.Unlock()

	for i := range seats {
		m.bc.Join(seats[i].ConnID, code)
		m.bc.ToConn(seats[i].ConnID, Message{
			Event: EvRoomJoined,
			Data:  RoomJoinedPayload{Code: code, Symbol: seats[i].Symbol},
		})
	}
	m.bc.ToGroup(code, Message{Event: EvGameStart, Data: room.StartInfo()})

	m.logger.Info("錦標賽對局房間已創建",
		"code", code,
		"tournament", tournamentCode,
		"match", matchID)

	return room
}

// RoomByCode 查詢房間。
func (m *Manager) RoomByCode(code string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[code]
	return room, ok
}

// RoomCodeByUser 查詢使用者所在房間的代碼。
func (m *Manager) RoomCodeByUser(userKey string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	code, ok := m.userRoom[userKey]
	return code, ok
}

// Stats 統計資訊（監控端點用）。
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statusCount := make(map[RoomStatus]int)
	totalPlayers := 0
	for _, room := range m.rooms {
		room.Mu.RLock()
		statusCount[room.Status]++
		totalPlayers += len(room.Players)
		room.Mu.RUnlock()
	}

	return map[string]any{
		"total_rooms":   len(m.rooms),
		"total_players": totalPlayers,
		"by_status":     statusCount,
	}
}
