package internal

// 系統設計問題：
//   伺服器如何成為勝負判定的唯一權威，同時讓客戶端可以做樂觀 UI？
//
// 設計方案：
//   ✅ 勝負判定是純函數 - 無狀態、可在客戶端重複實作做樂觀更新
//   ✅ 固定線列舉 - 3 橫、3 直、2 斜，共 8 條線
//   ✅ 伺服器端結果為準 - 客戶端計算僅供動畫預覽

// Symbol 玩家棋子符號，同時決定落子歸屬與回合順序。
type Symbol string

const (
	SymbolX Symbol = "X"
	SymbolO Symbol = "O"

	// SymbolNone 空格。棋盤序列化時以空字串表示。
	SymbolNone Symbol = ""
)

// Opponent 回傳對手符號。
func (s Symbol) Opponent() Symbol {
	if s == SymbolX {
		return SymbolO
	}
	return SymbolX
}

// BoardSize 棋盤格數（3×3）。
const BoardSize = 9

// Board 3×3 棋盤，索引 0-8 由左至右、由上至下。
type Board [BoardSize]Symbol

// winLines 固定的勝利線列舉：3 橫、3 直、2 斜。
//
// 為什麼用列舉而非掃描演算法？
//   - 3×3 只有 8 條線，列舉最直觀也最快
//   - 順序固定，保證「至多一條勝利線」的判定是確定性的
var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, // 橫
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8}, // 直
	{0, 4, 8}, {2, 4, 6}, // 斜
}

// GameResult 一局的最終結果。Winner 與 Draw 互斥。
type GameResult struct {
	Winner Symbol
	Line   [3]int
	Draw   bool
}

// CheckWinner 判定棋盤當前是否分出勝負。
//
// 回傳值：
//   - 有玩家連線：{Winner, Line}
//   - 棋盤填滿且無連線：{Draw: true}
//   - 尚未分出勝負：nil
//
// 不變量：對任何棋盤至多回傳一條勝利線（按 winLines 順序取第一條）。
func CheckWinner(board Board) *GameResult {
	for _, line := range winLines {
		a, b, c := line[0], line[1], line[2]
		if board[a] != SymbolNone && board[a] == board[b] && board[a] == board[c] {
			return &GameResult{Winner: board[a], Line: line}
		}
	}

	for _, cell := range board {
		if cell == SymbolNone {
			return nil
		}
	}
	return &GameResult{Draw: true}
}
