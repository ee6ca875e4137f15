package internal

import "errors"

// 錯誤設計原則：
//   - 封閉的錯誤種類集合，全部可恢復
//   - 只回報給觸發事件的連接，絕不影響其他房間的狀態
//   - 錯誤字串直接作為對客戶端的 reason 欄位
var (
	// ErrSessionInvalid token 無效或過期，客戶端須重新登入。
	ErrSessionInvalid = errors.New("session expired, please log in again")

	// ErrNotAuthenticated 連接在 auth:ok 之前送出其他事件。
	ErrNotAuthenticated = errors.New("not authenticated")

	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomFull       = errors.New("room is full")
	ErrGameInProgress = errors.New("game in progress")
	ErrSelfJoin       = errors.New("you created this room")
	ErrAlreadyInRoom  = errors.New("already in a room")

	ErrNotInRoom   = errors.New("not in this room")
	ErrNotYourTurn = errors.New("not your turn")
	ErrCellTaken   = errors.New("cell taken")

	// ErrBadCell 落子索引超出棋盤範圍。
	// 設計決策：明確拒絕而非靜默忽略，讓客戶端的錯誤儘早暴露。
	ErrBadCell = errors.New("invalid cell")

	ErrTournamentNotFound = errors.New("tournament not found")
	ErrTournamentStarted  = errors.New("tournament started")
	ErrTournamentFull     = errors.New("tournament full")

	// ErrRateLimited 事件被限流器拒絕。
	ErrRateLimited = errors.New("rate limit exceeded, please slow down")
)
