package internal_test

import (
	"io"
	"log/slog"
	"sync"

	"github.com/koopa0/tictactoe-server/internal"
)

// sentMessage 一筆被記錄的出站訊息。
// ConnID 非空表示單播，否則是對 Group 的廣播（Except 為排除的連接）。
type sentMessage struct {
	ConnID string
	Group  string
	Except string
	Msg    internal.Message
}

// recordingBroadcaster 記錄所有出站訊息的 Broadcaster 測試替身。
type recordingBroadcaster struct {
	mu     sync.Mutex
	sent   []sentMessage
	groups map[string]map[string]struct{}
	closed []string
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{groups: make(map[string]map[string]struct{})}
}

func (b *recordingBroadcaster) ToConn(connID string, msg internal.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentMessage{ConnID: connID, Msg: msg})
}

func (b *recordingBroadcaster) ToGroup(code string, msg internal.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentMessage{Group: code, Msg: msg})
}

func (b *recordingBroadcaster) ToGroupExcept(code, exceptConnID string, msg internal.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentMessage{Group: code, Except: exceptConnID, Msg: msg})
}

func (b *recordingBroadcaster) Join(connID, code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groups[code] == nil {
		b.groups[code] = make(map[string]struct{})
	}
	b.groups[code][connID] = struct{}{}
}

func (b *recordingBroadcaster) Leave(connID, code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if group, ok := b.groups[code]; ok {
		delete(group, connID)
	}
}

func (b *recordingBroadcaster) CloseConn(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, connID)
}

// events 依序回傳所有出站訊息的事件名稱。
func (b *recordingBroadcaster) events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.sent))
	for _, s := range b.sent {
		names = append(names, s.Msg.Event)
	}
	return names
}

// eventsFor 回傳送往單一連接的事件名稱。
func (b *recordingBroadcaster) eventsFor(connID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for _, s := range b.sent {
		if s.ConnID == connID {
			names = append(names, s.Msg.Event)
		}
	}
	return names
}

// groupEvents 回傳對指定群組廣播的事件名稱。
func (b *recordingBroadcaster) groupEvents(code string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for _, s := range b.sent {
		if s.Group == code {
			names = append(names, s.Msg.Event)
		}
	}
	return names
}

// lastEvent 回傳指定事件的最後一筆記錄，找不到時第二回傳值為 false。
func (b *recordingBroadcaster) lastEvent(event string) (sentMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.sent) - 1; i >= 0; i-- {
		if b.sent[i].Msg.Event == event {
			return b.sent[i], true
		}
	}
	return sentMessage{}, false
}

// countEvent 統計指定事件的出現次數。
func (b *recordingBroadcaster) countEvent(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.sent {
		if s.Msg.Event == event {
			n++
		}
	}
	return n
}

// closedConns 回傳被明確關閉的連接 ID。
func (b *recordingBroadcaster) closedConns() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.closed...)
}

// reset 清空已記錄的訊息（保留群組成員資格）。
func (b *recordingBroadcaster) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = nil
	b.closed = nil
}

// testLogger 丟棄輸出的測試日誌器。
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStore 建立預先放入指定使用者的行程內儲存，密碼一律 "pw"。
func newTestStore(names ...string) *internal.MemoryUserStore {
	store := internal.NewMemoryUserStore()
	for _, name := range names {
		key := internal.NormalizeUserKey(name)
		store.Put(internal.User{Key: key, DisplayName: name}, "pw")
	}
	return store
}
