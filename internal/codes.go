package internal

import (
	"crypto/rand"
	"sync"
	"time"
)

// codeAlphabet 代碼字元集：排除視覺上易混淆的 I、O、0、1。
// 32 個字元恰好整除 256，隨機位元組取模不會引入偏差。
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// codeLength 代碼長度。32^4 ≈ 100 萬組合，對同時存活的
// 房間數量級而言碰撞重試的成本可忽略。
const codeLength = 4

// CodePool 房間與錦標賽共用的代碼命名空間。
//
// 代碼必須在所有存活的房間「與」錦標賽之間唯一，
// 所以兩個管理器共用同一個池做碰撞檢查。
type CodePool struct {
	mu   sync.Mutex
	used map[string]struct{}
}

// NewCodePool 建立空的代碼池。
func NewCodePool() *CodePool {
	return &CodePool{used: make(map[string]struct{})}
}

// Generate 產生並保留一個唯一代碼，碰撞時重試直到唯一。
func (p *CodePool) Generate() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		code := randomCode()
		if _, taken := p.used[code]; !taken {
			p.used[code] = struct{}{}
			return code
		}
	}
}

// Release 歸還代碼（房間／錦標賽銷毀時）。
func (p *CodePool) Release(code string) {
	p.mu.Lock()
	delete(p.used, code)
	p.mu.Unlock()
}

// InUse 查詢代碼是否保留中。
func (p *CodePool) InUse(code string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, taken := p.used[code]
	return taken
}

// randomCode 以密碼學隨機源產生一個代碼。
func randomCode() string {
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		// 隨機讀取失敗時退回時間作為隨機源
		seed := time.Now().UnixNano()
		for i := range b {
			b[i] = byte(seed >> (8 * uint(i)))
		}
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b)
}
