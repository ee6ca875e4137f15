package internal

import (
	"sync"
)

// 系統設計問題：
//   如何讓一場雙人對局的所有狀態轉換都可驗證、可廣播、且不可半套用？
//
// 核心挑戰：
//   1. 狀態管理：房間有明確的狀態轉換（waiting → playing → done）
//   2. 回合制不變量：每次落子後回合嚴格交替，勝負至多判定一次
//   3. 重連支援：連接可換，身份與符號不變
//   4. 原子性：一次落子要麼完整接受（改狀態＋廣播），要麼完整拒絕
//
// 設計方案：
//   ✅ 有限狀態機 - waiting → playing → done，rematch 原地重置
//   ✅ 驗證鏈 - 在席 → 輪到你 → 格子可落，各自對應獨立錯誤
//   ✅ 連接與身份分離 - Player.ConnID 可重綁，UserKey/Symbol 恆定

// RoomStatus 房間狀態。
//
// 狀態轉換規則：
//   - waiting → playing：第二位玩家加入
//   - playing → done：分出勝負或平手（done 是終態，直到 rematch）
//   - done → playing：雙方都投了重賽票（棋盤重置、符號互換）
//   - playing/done → waiting：一方離開，房間等待新對手
type RoomStatus string

const (
	StatusWaiting RoomStatus = "waiting" // 等待第二位玩家
	StatusPlaying RoomStatus = "playing" // 對局進行中
	StatusDone    RoomStatus = "done"    // 已分出勝負或平手
)

// Player 房間內的玩家席位。
//
// ConnID 在重連時可被重新綁定；UserKey 與 Symbol 在房間存續期間恆定。
type Player struct {
	ConnID  string `json:"-"`
	UserKey string `json:"-"`
	Name    string `json:"name"`
	Symbol  Symbol `json:"symbol"`
}

// Scores 房間內的累積比分。D 是平手數。
type Scores struct {
	X int `json:"X"`
	O int `json:"O"`
	D int `json:"D"`
}

// Room 一場雙人對局的權威狀態。
//
// 並發模型：所有變更都經由分派器的單一事件迴圈進入，
// 因此同一房間絕不會有兩個變更並發執行。鎖在這裡保護的是
// 迴圈外的唯讀存取（如測試、統計）。
type Room struct {
	Code        string
	Players     []*Player // 長度 1..2
	Board       Board
	CurrentTurn Symbol
	Status      RoomStatus
	Scores      Scores

	// 錦標賽反向引用：對局結果由此驅動晉級。非錦標賽房間兩者為零值。
	TournamentCode string
	MatchID        int

	rematchVotes map[string]struct{}

	Mu sync.RWMutex `json:"-"`
}

// NewRoom 建立新房間，創建者持 X、先手。
func NewRoom(code string, creator Player) *Room {
	creator.Symbol = SymbolX
	return &Room{
		Code:        code,
		Players:     []*Player{&creator},
		CurrentTurn: SymbolX,
		Status:      StatusWaiting,
	}
}

// Join 第二位玩家入座。
//
// 驗證順序（與各自的錯誤一一對應）：
//  1. 對局進行中 → ErrGameInProgress
//  2. 房間已滿 → ErrRoomFull
//  3. 創建者重複加入 → ErrSelfJoin
//
// 成功時分配符號 O 並把狀態翻到 playing。
func (r *Room) Join(p Player) error {
	r.Mu.Lock()
	defer r.Mu.Unlock()

	if r.Status == StatusPlaying {
		return ErrGameInProgress
	}
	if len(r.Players) >= 2 {
		return ErrRoomFull
	}
	if r.Players[0].UserKey == p.UserKey {
		return ErrSelfJoin
	}

	p.Symbol = SymbolO
	r.Players = append(r.Players, &p)
	r.Status = StatusPlaying
	return nil
}

// CanJoin 預檢第二位玩家能否入座，不變更任何狀態。
// 驗證順序與 Join 一致。切換房間的流程用它先驗證目標房間，
// 通過後才離開原房間，避免驗證失敗時玩家被困在兩個房間之外。
func (r *Room) CanJoin(userKey string) error {
	r.Mu.RLock()
	defer r.Mu.RUnlock()

	if r.Status == StatusPlaying {
		return ErrGameInProgress
	}
	if len(r.Players) >= 2 {
		return ErrRoomFull
	}
	if len(r.Players) > 0 && r.Players[0].UserKey == userKey {
		return ErrSelfJoin
	}
	return nil
}

// MoveOutcome 一次被接受的落子的完整效果。
type MoveOutcome struct {
	Index  int
	Symbol Symbol

	// Result 非 nil 表示本局結束（房間已轉入 done）。
	Result *GameResult

	// NextTurn 對局繼續時輪到的符號。
	NextTurn Symbol
}

// ApplyMove 驗證並套用一次落子。
//
// 驗證鏈（每個檢查獨立，違反時回傳各自的錯誤）：
//  1. 玩家在席 → ErrNotInRoom
//  2. 輪到該玩家 → ErrNotYourTurn
//  3. 索引在棋盤範圍內 → ErrBadCell（明確拒絕，不靜默忽略）
//  4. 目標格為空 → ErrCellTaken
//
// 任一驗證失敗時房間狀態零變更；通過後的變更一次完成：
// 寫入符號、判定勝負、轉換狀態或交替回合。
func (r *Room) ApplyMove(userKey string, index int) (*MoveOutcome, error) {
	r.Mu.Lock()
	defer r.Mu.Unlock()

	if r.Status != StatusPlaying {
		return nil, ErrNotInRoom
	}

	player := r.playerByKey(userKey)
	if player == nil {
		return nil, ErrNotInRoom
	}
	if player.Symbol != r.CurrentTurn {
		return nil, ErrNotYourTurn
	}
	if index < 0 || index >= BoardSize {
		return nil, ErrBadCell
	}
	if r.Board[index] != SymbolNone {
		return nil, ErrCellTaken
	}

	r.Board[index] = player.Symbol
	outcome := &MoveOutcome{Index: index, Symbol: player.Symbol}

	if result := CheckWinner(r.Board); result != nil {
		// 終態：回合不再交替，直到 rematch 重置。
		r.Status = StatusDone
		switch {
		case result.Winner == SymbolX:
			r.Scores.X++
		case result.Winner == SymbolO:
			r.Scores.O++
		default:
			r.Scores.D++
		}
		outcome.Result = result
		return outcome, nil
	}

	r.CurrentTurn = r.CurrentTurn.Opponent()
	outcome.NextTurn = r.CurrentTurn
	return outcome, nil
}

// RematchOutcome 重賽投票的結果。
type RematchOutcome int

const (
	// RematchIgnored 票無效（人數不足或重複投票），零狀態變更。
	RematchIgnored RematchOutcome = iota

	// RematchRequested 第一票已記錄，應通知另一位玩家。
	RematchRequested

	// RematchStarted 兩票到齊：符號已互換、棋盤已重置、對局重新開始。
	RematchStarted
)

// VoteRematch 記錄一張重賽票。
//
// 兩位現任玩家各需投一票；單獨一票對棋盤零狀態變更。
// 兩票到齊時互換符號（公平性：後手變先手）、清空棋盤、回到 playing。
func (r *Room) VoteRematch(userKey string) RematchOutcome {
	r.Mu.Lock()
	defer r.Mu.Unlock()

	if len(r.Players) < 2 || r.playerByKey(userKey) == nil {
		return RematchIgnored
	}

	if r.rematchVotes == nil {
		r.rematchVotes = make(map[string]struct{})
	}
	if _, voted := r.rematchVotes[userKey]; voted {
		return RematchIgnored
	}
	r.rematchVotes[userKey] = struct{}{}

	if len(r.rematchVotes) < 2 {
		return RematchRequested
	}

	for _, p := range r.Players {
		p.Symbol = p.Symbol.Opponent()
	}
	r.Board = Board{}
	r.CurrentTurn = SymbolX
	r.Status = StatusPlaying
	r.rematchVotes = nil
	return RematchStarted
}

// RemoveByUser 移除玩家席位，回傳被移除的玩家與剩餘人數。
// 玩家不在席時回傳 (nil, 剩餘人數)，呼叫端可安全重複呼叫。
func (r *Room) RemoveByUser(userKey string) (*Player, int) {
	r.Mu.Lock()
	defer r.Mu.Unlock()

	for i, p := range r.Players {
		if p.UserKey == userKey {
			r.Players = append(r.Players[:i], r.Players[i+1:]...)
			return p, len(r.Players)
		}
	}
	return nil, len(r.Players)
}

// ResetToWaiting 一方離開後把房間重置回等待狀態。
// 清空棋盤與重賽票；比分保留給留下的玩家。
func (r *Room) ResetToWaiting() {
	r.Mu.Lock()
	defer r.Mu.Unlock()

	r.Status = StatusWaiting
	r.Board = Board{}
	r.CurrentTurn = SymbolX
	r.rematchVotes = nil
}

// RebindConn 把玩家席位的連接重新綁定到新連接（重連）。
func (r *Room) RebindConn(userKey, connID string) bool {
	r.Mu.Lock()
	defer r.Mu.Unlock()

	p := r.playerByKey(userKey)
	if p == nil {
		return false
	}
	p.ConnID = connID
	return true
}

// PlayerByKey 查詢在席玩家。
func (r *Room) PlayerByKey(userKey string) (Player, bool) {
	r.Mu.RLock()
	defer r.Mu.RUnlock()

	if p := r.playerByKey(userKey); p != nil {
		return *p, true
	}
	return Player{}, false
}

// PlayerBySymbol 以符號查詢在席玩家。
func (r *Room) PlayerBySymbol(symbol Symbol) (Player, bool) {
	r.Mu.RLock()
	defer r.Mu.RUnlock()

	for _, p := range r.Players {
		if p.Symbol == symbol {
			return *p, true
		}
	}
	return Player{}, false
}

// playerByKey 內部查詢，需要持有鎖。
func (r *Room) playerByKey(userKey string) *Player {
	for _, p := range r.Players {
		if p.UserKey == userKey {
			return p
		}
	}
	return nil
}

// PlayerCount 在席人數。
func (r *Room) PlayerCount() int {
	r.Mu.RLock()
	defer r.Mu.RUnlock()
	return len(r.Players)
}

// IsMatchRoom 是否為錦標賽對局房間。
func (r *Room) IsMatchRoom() bool {
	r.Mu.RLock()
	defer r.Mu.RUnlock()
	return r.TournamentCode != ""
}

// PlayersInfo 玩家的公開資訊（廣播用）。
func (r *Room) PlayersInfo() []PlayerInfo {
	r.Mu.RLock()
	defer r.Mu.RUnlock()
	return r.playersInfo()
}

func (r *Room) playersInfo() []PlayerInfo {
	infos := make([]PlayerInfo, 0, len(r.Players))
	for _, p := range r.Players {
		infos = append(infos, PlayerInfo{Name: p.Name, Symbol: p.Symbol})
	}
	return infos
}

// StartInfo 「對局開始」廣播的完整初始狀態。
func (r *Room) StartInfo() GameStartPayload {
	r.Mu.RLock()
	defer r.Mu.RUnlock()

	return GameStartPayload{
		Board:           r.Board,
		CurrentTurn:     r.CurrentTurn,
		Players:         r.playersInfo(),
		Scores:          r.Scores,
		TournamentMatch: r.TournamentCode != "",
	}
}

// RejoinInfo 重連確認的完整房間狀態。
// 必須足以讓客戶端在不重播歷史事件的情況下恢復。
func (r *Room) RejoinInfo(userKey string) RejoinPayload {
	r.Mu.RLock()
	defer r.Mu.RUnlock()

	payload := RejoinPayload{
		Code:        r.Code,
		Board:       r.Board,
		CurrentTurn: r.CurrentTurn,
		Scores:      r.Scores,
		Players:     r.playersInfo(),
	}
	if p := r.playerByKey(userKey); p != nil {
		payload.MySymbol = p.Symbol
	}
	return payload
}
