package internal

import (
	"encoding/json"
	"fmt"
	"strings"
)

// 系統設計問題：
//   如何在事件進入分派器之前，就把動態的 JSON 負載收斂成封閉的型別集合？
//
// 設計方案：
//   ✅ 信封格式 {event, data} - 與 WebSocket 文字幀一一對應
//   ✅ 封閉的入站事件枚舉 - 未知事件在邊界直接拒絕
//   ✅ 每種事件對應一個具型別的 payload 結構 - 解碼即驗證

// 入站事件名稱。
const (
	EvAuth             = "auth"
	EvRoomCreate       = "room:create"
	EvRoomJoin         = "room:join"
	EvRoomLeave        = "room:leave"
	EvGameMove         = "game:move"
	EvGameRematch      = "game:rematch"
	EvChatMsg          = "chat:msg"
	EvTournamentCreate = "tournament:create"
	EvTournamentJoin   = "tournament:join"
)

// 出站事件名稱。
const (
	EvAuthOK    = "auth:ok"
	EvAuthError = "auth:error"

	EvRoomCreated = "room:created"
	EvRoomJoined  = "room:joined"
	EvRoomError   = "room:error"

	EvGameStart                = "game:start"
	EvGameTurn                 = "game:turn"
	EvGameOver                 = "game:over"
	EvGameRematchRequest       = "game:rematch-request"
	EvGameOpponentLeft         = "game:opponent-left"
	EvGameOpponentDisconnected = "game:opponent-disconnected"
	EvGameOpponentReconnected  = "game:opponent-reconnected"
	EvGameRejoin               = "game:rejoin"

	EvTournamentCreated  = "tournament:created"
	EvTournamentUpdate   = "tournament:update"
	EvTournamentStart    = "tournament:start"
	EvTournamentChampion = "tournament:champion"

	EvError = "error"
)

// envelope WebSocket 文字幀的信封格式。
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// 入站 payload 結構。

type AuthPayload struct {
	Token string `json:"token"`
}

type CodePayload struct {
	Code string `json:"code"`
}

type MovePayload struct {
	Code  string `json:"code"`
	Index int    `json:"index"`
}

type ChatPayload struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

// Inbound 一個已通過邊界驗證的入站事件。
// Payload 只會是 event.go 中定義的 payload 結構之一（或 nil）。
type Inbound struct {
	Event   string
	Payload any
}

// DecodeInbound 解碼並驗證一個入站幀。
//
// 驗證規則：
//   - 未知事件名稱 → 錯誤
//   - payload 型別不符（如 index 不是數字）→ 錯誤
//   - 房間代碼一律轉大寫並去除空白
//
// 在這裡失敗的幀不會進入分派器，對房間狀態零影響。
func DecodeInbound(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Inbound{}, fmt.Errorf("解碼信封失敗: %w", err)
	}

	in := Inbound{Event: env.Event}

	switch env.Event {
	case EvAuth:
		var p AuthPayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return Inbound{}, err
		}
		in.Payload = p

	case EvRoomCreate, EvTournamentCreate:
		// 無 payload。

	case EvRoomJoin, EvRoomLeave, EvGameRematch, EvTournamentJoin:
		var p CodePayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return Inbound{}, err
		}
		p.Code = NormalizeCode(p.Code)
		in.Payload = p

	case EvGameMove:
		var p MovePayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return Inbound{}, err
		}
		p.Code = NormalizeCode(p.Code)
		in.Payload = p

	case EvChatMsg:
		var p ChatPayload
		if err := unmarshalData(env.Data, &p); err != nil {
			return Inbound{}, err
		}
		p.Code = NormalizeCode(p.Code)
		in.Payload = p

	default:
		return Inbound{}, fmt.Errorf("未知事件: %q", env.Event)
	}

	return in, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("缺少 payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("解碼 payload 失敗: %w", err)
	}
	return nil
}

// NormalizeCode 正規化房間／錦標賽代碼（去空白、轉大寫）。
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Message 出站事件。Data 必須可被 JSON 序列化。
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Encode 序列化為 WebSocket 文字幀。
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// 出站 payload 結構。

type AuthErrorPayload struct {
	Reason string `json:"reason"`
}

type AuthOKPayload struct {
	Username string `json:"username"`
	Stats    Stats  `json:"stats"`
}

type RoomCreatedPayload struct {
	Code   string `json:"code"`
	Symbol Symbol `json:"symbol"`
}

type RoomJoinedPayload struct {
	Code   string `json:"code"`
	Symbol Symbol `json:"symbol"`
}

// PlayerInfo 廣播給客戶端的玩家公開資訊。
type PlayerInfo struct {
	Name   string `json:"name"`
	Symbol Symbol `json:"symbol"`
}

type GameStartPayload struct {
	Board           Board        `json:"board"`
	CurrentTurn     Symbol       `json:"currentTurn"`
	Players         []PlayerInfo `json:"players"`
	Scores          Scores       `json:"scores"`
	TournamentMatch bool         `json:"tournamentMatch,omitempty"`
}

type GameMovePayload struct {
	Index  int    `json:"index"`
	Symbol Symbol `json:"symbol"`
}

type GameTurnPayload struct {
	CurrentTurn Symbol `json:"currentTurn"`
}

type GameOverPayload struct {
	Winner *Symbol `json:"winner"`
	Draw   bool    `json:"draw,omitempty"`
	Line   *[3]int `json:"line,omitempty"`
	Scores Scores  `json:"scores"`
}

type RematchRequestPayload struct {
	From string `json:"from"`
}

type OpponentDisconnectedPayload struct {
	Key string `json:"key"`
}

type OpponentReconnectedPayload struct {
	Name string `json:"name"`
}

// RejoinPayload 重連確認。必須足以讓客戶端在不重播歷史事件的情況下恢復。
type RejoinPayload struct {
	Code        string       `json:"code"`
	Board       Board        `json:"board"`
	CurrentTurn Symbol       `json:"currentTurn"`
	Scores      Scores       `json:"scores"`
	Players     []PlayerInfo `json:"players"`
	MySymbol    Symbol       `json:"mySymbol"`
}

type ChatMsgPayload struct {
	From string `json:"from"`
	Text string `json:"text"`
	TS   int64  `json:"ts"`
}

type TournamentCreatedPayload struct {
	Code string `json:"code"`
}

type TournamentUpdatePayload struct {
	Players []string         `json:"players,omitempty"`
	Matches []*Match         `json:"matches,omitempty"`
	Status  TournamentStatus `json:"status,omitempty"`
}

type TournamentStartPayload struct {
	Matches []*Match `json:"matches"`
	Players []string `json:"players"`
}

type TournamentChampionPayload struct {
	Champion string `json:"champion"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// ErrorMessage 建立通用錯誤事件（限流、未認證等）。
func ErrorMessage(msg string) Message {
	return Message{Event: EvError, Data: ErrorPayload{Message: msg}}
}

// RoomErrorMessage 建立房間層級的錯誤事件。
func RoomErrorMessage(reason string) Message {
	return Message{Event: EvRoomError, Data: ErrorPayload{Message: reason}}
}
