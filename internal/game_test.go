package internal_test

import (
	"testing"

	"github.com/koopa0/tictactoe-server/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// boardOf 以字串建立棋盤，'X'/'O' 是符號，其他字元是空格。
func boardOf(cells string) internal.Board {
	var board internal.Board
	for i := 0; i < len(cells) && i < internal.BoardSize; i++ {
		switch cells[i] {
		case 'X':
			board[i] = internal.SymbolX
		case 'O':
			board[i] = internal.SymbolO
		}
	}
	return board
}

// TestCheckWinner_AllLines 測試八條勝利線各自都能被判定
func TestCheckWinner_AllLines(t *testing.T) {
	tests := []struct {
		name  string
		cells string
		line  [3]int
	}{
		{name: "top row", cells: "XXXOO....", line: [3]int{0, 1, 2}},
		{name: "middle row", cells: "OO.XXX...", line: [3]int{3, 4, 5}},
		{name: "bottom row", cells: "OO....XXX", line: [3]int{6, 7, 8}},
		{name: "left column", cells: "XO.XO.X..", line: [3]int{0, 3, 6}},
		{name: "middle column", cells: ".XO.XO.X.", line: [3]int{1, 4, 7}},
		{name: "right column", cells: "O.XO.X..X", line: [3]int{2, 5, 8}},
		{name: "main diagonal", cells: "XO..XO..X", line: [3]int{0, 4, 8}},
		{name: "anti diagonal", cells: "O.X.X.XO.", line: [3]int{2, 4, 6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := internal.CheckWinner(boardOf(tt.cells))

			require.NotNil(t, result)
			assert.Equal(t, internal.SymbolX, result.Winner)
			assert.Equal(t, tt.line, result.Line)
			assert.False(t, result.Draw)
		})
	}
}

// TestCheckWinner_States 測試勝者符號、平手與未分勝負
func TestCheckWinner_States(t *testing.T) {
	tests := []struct {
		name     string
		cells    string
		validate func(t *testing.T, result *internal.GameResult)
	}{
		{
			name:  "O wins",
			cells: "OOOXX.X..",
			validate: func(t *testing.T, result *internal.GameResult) {
				require.NotNil(t, result)
				assert.Equal(t, internal.SymbolO, result.Winner)
				assert.False(t, result.Draw)
			},
		},
		{
			name:  "draw on full board",
			cells: "XOXXOOOXX",
			validate: func(t *testing.T, result *internal.GameResult) {
				require.NotNil(t, result)
				assert.True(t, result.Draw)
				assert.Equal(t, internal.SymbolNone, result.Winner)
			},
		},
		{
			name:  "game still in progress",
			cells: "XO.X.....",
			validate: func(t *testing.T, result *internal.GameResult) {
				assert.Nil(t, result)
			},
		},
		{
			name:  "empty board",
			cells: ".........",
			validate: func(t *testing.T, result *internal.GameResult) {
				assert.Nil(t, result)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.validate(t, internal.CheckWinner(boardOf(tt.cells)))
		})
	}
}

// TestSymbol_Opponent 測試符號互換
func TestSymbol_Opponent(t *testing.T) {
	assert.Equal(t, internal.SymbolO, internal.SymbolX.Opponent())
	assert.Equal(t, internal.SymbolX, internal.SymbolO.Opponent())
}
