package internal_test

import (
	"testing"

	"github.com/koopa0/tictactoe-server/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func playingRoom() *internal.Room {
	room := internal.NewRoom("ABCD", internal.Player{ConnID: "conn-a", UserKey: "alice", Name: "Alice"})
	if err := room.Join(internal.Player{ConnID: "conn-b", UserKey: "bob", Name: "Bob"}); err != nil {
		panic(err)
	}
	return room
}

// TestNewRoom 測試創建房間：創建者持 X、先手、狀態 waiting
func TestNewRoom(t *testing.T) {
	room := internal.NewRoom("ABCD", internal.Player{ConnID: "conn-a", UserKey: "alice", Name: "Alice"})

	require.NotNil(t, room)
	assert.Equal(t, "ABCD", room.Code)
	assert.Equal(t, internal.StatusWaiting, room.Status)
	assert.Equal(t, internal.SymbolX, room.CurrentTurn)
	assert.Equal(t, 1, room.PlayerCount())

	creator, ok := room.PlayerByKey("alice")
	require.True(t, ok)
	assert.Equal(t, internal.SymbolX, creator.Symbol)
}

// TestRoom_Join 測試第二位玩家入座的驗證鏈
func TestRoom_Join(t *testing.T) {
	tests := []struct {
		name      string
		setupRoom func() *internal.Room
		player    internal.Player
		wantErr   error
		validate  func(t *testing.T, room *internal.Room)
	}{
		{
			name: "second player joins and game starts",
			setupRoom: func() *internal.Room {
				return internal.NewRoom("ABCD", internal.Player{ConnID: "conn-a", UserKey: "alice", Name: "Alice"})
			},
			player: internal.Player{ConnID: "conn-b", UserKey: "bob", Name: "Bob"},
			validate: func(t *testing.T, room *internal.Room) {
				assert.Equal(t, internal.StatusPlaying, room.Status)
				joined, ok := room.PlayerByKey("bob")
				require.True(t, ok)
				assert.Equal(t, internal.SymbolO, joined.Symbol)
			},
		},
		{
			name:      "join while game in progress",
			setupRoom: playingRoom,
			player:    internal.Player{ConnID: "conn-c", UserKey: "carol", Name: "Carol"},
			wantErr:   internal.ErrGameInProgress,
		},
		{
			name: "creator joins own room",
			setupRoom: func() *internal.Room {
				return internal.NewRoom("ABCD", internal.Player{ConnID: "conn-a", UserKey: "alice", Name: "Alice"})
			},
			player:  internal.Player{ConnID: "conn-a2", UserKey: "alice", Name: "Alice"},
			wantErr: internal.ErrSelfJoin,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := tt.setupRoom()
			err := room.Join(tt.player)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.validate(t, room)
		})
	}
}

// TestRoom_ApplyMove_Validation 測試落子驗證鏈：每種違規對應獨立錯誤
func TestRoom_ApplyMove_Validation(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(room *internal.Room)
		userKey string
		index   int
		wantErr error
	}{
		{
			name:    "stranger is not seated",
			setup:   func(_ *internal.Room) {},
			userKey: "mallory",
			index:   0,
			wantErr: internal.ErrNotInRoom,
		},
		{
			name:    "not your turn",
			setup:   func(_ *internal.Room) {},
			userKey: "bob", // X 先手，O 搶先落子
			index:   0,
			wantErr: internal.ErrNotYourTurn,
		},
		{
			name:    "index below range",
			setup:   func(_ *internal.Room) {},
			userKey: "alice",
			index:   -1,
			wantErr: internal.ErrBadCell,
		},
		{
			name:    "index above range",
			setup:   func(_ *internal.Room) {},
			userKey: "alice",
			index:   9,
			wantErr: internal.ErrBadCell,
		},
		{
			name: "cell already taken",
			setup: func(room *internal.Room) {
				_, err := room.ApplyMove("alice", 4)
				require.NoError(t, err)
			},
			userKey: "bob",
			index:   4,
			wantErr: internal.ErrCellTaken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := playingRoom()
			tt.setup(room)

			boardBefore := room.StartInfo().Board
			_, err := room.ApplyMove(tt.userKey, tt.index)

			assert.ErrorIs(t, err, tt.wantErr)
			// 驗證失敗時房間狀態零變更
			assert.Equal(t, boardBefore, room.StartInfo().Board)
		})
	}
}

// TestRoom_ApplyMove_TurnAlternation 測試回合嚴格交替
func TestRoom_ApplyMove_TurnAlternation(t *testing.T) {
	room := playingRoom()

	outcome, err := room.ApplyMove("alice", 0)
	require.NoError(t, err)
	assert.Equal(t, internal.SymbolO, outcome.NextTurn)

	// 同一玩家連續落子被拒
	_, err = room.ApplyMove("alice", 1)
	assert.ErrorIs(t, err, internal.ErrNotYourTurn)

	outcome, err = room.ApplyMove("bob", 1)
	require.NoError(t, err)
	assert.Equal(t, internal.SymbolX, outcome.NextTurn)
}

// TestRoom_ApplyMove_WinEndsGame 測試終局：狀態轉 done、比分累加、後續落子被拒
//
// 場景：A 創房持 X，B 加入持 O。A 搶中格，B 搶同格被拒後落角，
// A 走完頂行三連獲勝。
func TestRoom_ApplyMove_WinEndsGame(t *testing.T) {
	room := playingRoom()

	_, err := room.ApplyMove("alice", 4)
	require.NoError(t, err)

	_, err = room.ApplyMove("bob", 4)
	require.ErrorIs(t, err, internal.ErrCellTaken)

	_, err = room.ApplyMove("bob", 8)
	require.NoError(t, err)

	_, err = room.ApplyMove("alice", 0)
	require.NoError(t, err)
	_, err = room.ApplyMove("bob", 7)
	require.NoError(t, err)
	_, err = room.ApplyMove("alice", 2)
	require.NoError(t, err)
	_, err = room.ApplyMove("bob", 3)
	require.NoError(t, err)

	// X 已持 0、2、4，補 1 完成頂行
	outcome, err := room.ApplyMove("alice", 1)
	require.NoError(t, err)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, internal.SymbolX, outcome.Result.Winner)
	assert.Equal(t, [3]int{0, 1, 2}, outcome.Result.Line)

	info := room.StartInfo()
	assert.Equal(t, internal.Scores{X: 1}, info.Scores)

	// done 是終態，任何落子都被拒
	_, err = room.ApplyMove("bob", 3)
	assert.ErrorIs(t, err, internal.ErrNotInRoom)
}

// TestRoom_VoteRematch 測試重賽投票
func TestRoom_VoteRematch(t *testing.T) {
	finished := func() *internal.Room {
		room := playingRoom()
		for _, move := range []struct {
			user  string
			index int
		}{
			{"alice", 0}, {"bob", 3}, {"alice", 1}, {"bob", 4}, {"alice", 2},
		} {
			_, err := room.ApplyMove(move.user, move.index)
			require.NoError(t, err)
		}
		return room
	}

	t.Run("first vote requests, second vote restarts with swapped symbols", func(t *testing.T) {
		room := finished()

		assert.Equal(t, internal.RematchRequested, room.VoteRematch("alice"))
		assert.Equal(t, internal.RematchStarted, room.VoteRematch("bob"))

		// 符號互換：原 X 變 O，原 O 變 X，先手仍是 X
		alice, _ := room.PlayerByKey("alice")
		bob, _ := room.PlayerByKey("bob")
		assert.Equal(t, internal.SymbolO, alice.Symbol)
		assert.Equal(t, internal.SymbolX, bob.Symbol)

		info := room.StartInfo()
		assert.Equal(t, internal.Board{}, info.Board)
		assert.Equal(t, internal.SymbolX, info.CurrentTurn)
		// 比分跨局保留
		assert.Equal(t, internal.Scores{X: 1}, info.Scores)

		// 新局由現在持 X 的 bob 先手
		_, err := room.ApplyMove("bob", 0)
		assert.NoError(t, err)
	})

	t.Run("duplicate vote is ignored", func(t *testing.T) {
		room := finished()

		assert.Equal(t, internal.RematchRequested, room.VoteRematch("alice"))
		assert.Equal(t, internal.RematchIgnored, room.VoteRematch("alice"))
	})

	t.Run("vote from stranger is ignored", func(t *testing.T) {
		room := finished()
		assert.Equal(t, internal.RematchIgnored, room.VoteRematch("mallory"))
	})
}

// TestRoom_ResetToWaiting 測試一方離開後的重置：比分保留、重賽票清除
func TestRoom_ResetToWaiting(t *testing.T) {
	room := playingRoom()

	for _, move := range []struct {
		user  string
		index int
	}{
		{"alice", 0}, {"bob", 3}, {"alice", 1}, {"bob", 4}, {"alice", 2},
	} {
		_, err := room.ApplyMove(move.user, move.index)
		require.NoError(t, err)
	}
	require.Equal(t, internal.RematchRequested, room.VoteRematch("alice"))

	removed, remaining := room.RemoveByUser("bob")
	require.NotNil(t, removed)
	assert.Equal(t, 1, remaining)
	room.ResetToWaiting()

	info := room.StartInfo()
	assert.Equal(t, internal.Board{}, info.Board)
	assert.Equal(t, internal.Scores{X: 1}, info.Scores)

	// 殘留的重賽票已清除：新對手加入開新局後，舊票不能湊成兩票
	require.NoError(t, room.Join(internal.Player{ConnID: "conn-c", UserKey: "carol", Name: "Carol"}))
	assert.Equal(t, internal.RematchRequested, room.VoteRematch("carol"))
}

// TestRoom_CanJoin 測試入座預檢與實際入座的驗證一致
func TestRoom_CanJoin(t *testing.T) {
	waiting := internal.NewRoom("ABCD", internal.Player{ConnID: "conn-a", UserKey: "alice", Name: "Alice"})

	assert.NoError(t, waiting.CanJoin("bob"))
	assert.ErrorIs(t, waiting.CanJoin("alice"), internal.ErrSelfJoin)
	assert.ErrorIs(t, playingRoom().CanJoin("carol"), internal.ErrGameInProgress)
}

// TestRoom_RebindConn 測試重連後席位綁定到新連接，符號不變
func TestRoom_RebindConn(t *testing.T) {
	room := playingRoom()

	require.True(t, room.RebindConn("bob", "conn-b2"))
	bob, ok := room.PlayerByKey("bob")
	require.True(t, ok)
	assert.Equal(t, "conn-b2", bob.ConnID)
	assert.Equal(t, internal.SymbolO, bob.Symbol)

	assert.False(t, room.RebindConn("mallory", "conn-m"))
}

// TestRoom_RejoinInfo 測試重連快照包含恢復所需的完整狀態
func TestRoom_RejoinInfo(t *testing.T) {
	room := playingRoom()
	_, err := room.ApplyMove("alice", 4)
	require.NoError(t, err)

	payload := room.RejoinInfo("bob")

	assert.Equal(t, "ABCD", payload.Code)
	assert.Equal(t, internal.SymbolX, payload.Board[4])
	assert.Equal(t, internal.SymbolO, payload.CurrentTurn)
	assert.Equal(t, internal.SymbolO, payload.MySymbol)
	assert.Len(t, payload.Players, 2)
}
