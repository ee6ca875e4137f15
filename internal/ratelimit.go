package internal

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// 系統設計問題：
//   如何防止單一連接以高頻事件癱瘓整個事件迴圈？
//
// 設計方案：
//   ✅ 固定視窗計數 - 每連接一個視窗，過期整體重置
//   ✅ 全域上限 + 事件別上限 - 房間創建比聊天訊息更嚴格
//   ✅ 拒絕即丟棄 - 絕不阻塞，也絕不影響其他連接的事件處理
//
// 為什麼選固定視窗而非滑動視窗？
//   - 視窗僅 1 秒，邊界突刺最多 2 倍上限，對遊戲事件無實質影響
//   - O(1) 記憶體、O(1) 判定，適合每個事件都要過的熱路徑
//   - 需要精確限流時可改用滑動視窗（記錄每次請求的時間戳記）

// Limiter 事件進入准入控制。
//
// Admit 絕不阻塞；拒絕只代表呼叫端應丟棄該事件並（可選）通知客戶端。
// Forget 在連接斷開時清理其視窗，避免記憶體無界成長。
type Limiter interface {
	Admit(connID, event string) bool
	Forget(connID string)
}

// LimitConfig 限流參數。
type LimitConfig struct {
	// Window 視窗長度。
	Window time.Duration `yaml:"window"`

	// GlobalLimit 單一連接在視窗內的事件總數上限。
	GlobalLimit int `yaml:"global_limit"`

	// PerEvent 特定事件的更嚴格上限（未列出的事件只受全域上限約束）。
	PerEvent map[string]int `yaml:"per_event"`
}

// DefaultLimitConfig 預設限流參數，與客戶端協議約定一致。
func DefaultLimitConfig() LimitConfig {
	return LimitConfig{
		Window:      time.Second,
		GlobalLimit: 10,
		PerEvent: map[string]int{
			EvRoomCreate: 1,
			EvChatMsg:    5,
			EvGameMove:   5,
			EvRoomJoin:   2,
		},
	}
}

// connWindow 單一連接的視窗狀態。不跨連接合併。
type connWindow struct {
	windowStart time.Time
	total       int
	perEvent    map[string]int
}

// WindowLimiter 行程內固定視窗限流器。
type WindowLimiter struct {
	mu      sync.Mutex
	cfg     LimitConfig
	clients map[string]*connWindow

	// now 可注入，讓測試不必真實等待視窗過期。
	now func() time.Time
}

// NewWindowLimiter 建立行程內限流器。
func NewWindowLimiter(cfg LimitConfig) *WindowLimiter {
	return &WindowLimiter{
		cfg:     cfg,
		clients: make(map[string]*connWindow),
		now:     time.Now,
	}
}

// SetNow 設定時鐘（測試用，讓視窗過期不必真實等待）。
func (l *WindowLimiter) SetNow(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Admit 判定事件是否放行。
//
// 執行順序：
//  1. 視窗過期 → 整體重置計數器（在計入新事件之前）
//  2. 檢查全域上限
//  3. 檢查事件別上限
//  4. 放行並計數
func (l *WindowLimiter) Admit(connID, event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[connID]
	if !ok {
		c = &connWindow{windowStart: now, perEvent: make(map[string]int)}
		l.clients[connID] = c
	}

	if now.Sub(c.windowStart) > l.cfg.Window {
		c.windowStart = now
		c.total = 0
		c.perEvent = make(map[string]int)
	}

	if c.total >= l.cfg.GlobalLimit {
		return false
	}

	if limit, ok := l.cfg.PerEvent[event]; ok {
		if c.perEvent[event] >= limit {
			return false
		}
		c.perEvent[event]++
	}

	c.total++
	return true
}

// Forget 清理連接的視窗狀態。
func (l *WindowLimiter) Forget(connID string) {
	l.mu.Lock()
	delete(l.clients, connID)
	l.mu.Unlock()
}

// RedisWindowLimiter 以 Redis 為後端的固定視窗限流器。
//
// 適用場景：多實例部署時共享限流狀態。單實例部署用 WindowLimiter 即可。
//
// 為什麼用 Lua 腳本？
//   若分開執行 INCR 與判定，兩次操作之間可能混入其他請求，
//   導致超過上限。Lua 讓整段邏輯在 Redis 端原子執行。
//
// 失敗策略：Redis 呼叫失敗時放行（fail-open）。
// 限流是保護機制而非正確性機制，寧可多放行也不可癱瘓遊戲。
type RedisWindowLimiter struct {
	client *redis.Client
	cfg    LimitConfig
	script *redis.Script
}

// Lua 腳本：固定視窗雙重上限。
//
// KEYS[1]: 全域計數器
// KEYS[2]: 事件別計數器（可為空字串佔位）
// ARGV[1]: 視窗長度（毫秒）
// ARGV[2]: 全域上限
// ARGV[3]: 事件別上限（0 表示不設）
//
// 回傳 1 放行、0 拒絕。
var windowScript = `
local total = redis.call('INCR', KEYS[1])
if total == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
if total > tonumber(ARGV[2]) then
    return 0
end

if tonumber(ARGV[3]) > 0 then
    local specific = redis.call('INCR', KEYS[2])
    if specific == 1 then
        redis.call('PEXPIRE', KEYS[2], ARGV[1])
    end
    if specific > tonumber(ARGV[3]) then
        return 0
    end
end

return 1
`

// NewRedisWindowLimiter 建立 Redis 限流器。
func NewRedisWindowLimiter(client *redis.Client, cfg LimitConfig) *RedisWindowLimiter {
	return &RedisWindowLimiter{
		client: client,
		cfg:    cfg,
		script: redis.NewScript(windowScript),
	}
}

// Admit 判定事件是否放行。
func (l *RedisWindowLimiter) Admit(connID, event string) bool {
	perEvent := l.cfg.PerEvent[event]

	keys := []string{
		"ratelimit:{" + connID + "}:total",
		"ratelimit:{" + connID + "}:" + event,
	}
	args := []any{
		l.cfg.Window.Milliseconds(),
		l.cfg.GlobalLimit,
		perEvent,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	result, err := l.script.Run(ctx, l.client, keys, args...).Int()
	if err != nil {
		return true
	}
	return result == 1
}

// Forget 清理連接的計數器。
// 事件別計數器帶 TTL，留給 Redis 自行過期即可。
func (l *RedisWindowLimiter) Forget(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	l.client.Del(ctx, "ratelimit:{"+connID+"}:total")
}
