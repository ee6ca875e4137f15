package internal

import (
	"sync"

	"github.com/google/uuid"
)

// SessionRegistry 會話註冊表。
//
// 管理兩種不同生命週期的映射：
//
//  1. token → userKey：長生命週期的會話。登入時建立，登出時撤銷，
//     期間不變。每個新連接都以 token 做認證握手。
//
//  2. connID ↔ userKey：短生命週期的連接綁定。認證成功時建立，
//     斷線時銷毀。userKey → connID 方向採 last-writer-wins：
//     同一使用者較晚的認證會靜默取代較早的連接綁定。
//
// 並發控制：RWMutex。認證與斷線是寫操作，事件路由時的查詢是讀操作，
// 讀遠多於寫。
type SessionRegistry struct {
	mu       sync.RWMutex
	tokens   map[string]string // token -> userKey
	connUser map[string]string // connID -> userKey
	userConn map[string]string // userKey -> connID
}

// NewSessionRegistry 建立會話註冊表。
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		tokens:   make(map[string]string),
		connUser: make(map[string]string),
		userConn: make(map[string]string),
	}
}

// CreateSession 為使用者簽發新 token。
func (s *SessionRegistry) CreateSession(userKey string) string {
	token := uuid.NewString()

	s.mu.Lock()
	s.tokens[token] = userKey
	s.mu.Unlock()

	return token
}

// Resolve 以 token 查詢使用者身份。
// token 無效或已撤銷時回傳 ErrSessionInvalid，呼叫端應強制客戶端重新登入。
func (s *SessionRegistry) Resolve(token string) (string, error) {
	s.mu.RLock()
	userKey, ok := s.tokens[token]
	s.mu.RUnlock()

	if !ok {
		return "", ErrSessionInvalid
	}
	return userKey, nil
}

// Revoke 撤銷 token（登出）。
func (s *SessionRegistry) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// Bind 將連接綁定到使用者身份。
//
// 回傳被取代的舊連接 ID（若有）。註冊表本身不通知舊連接；
// 是否明確關閉舊連接由呼叫端決定。
func (s *SessionRegistry) Bind(connID, userKey string) (superseded string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.userConn[userKey]; ok && old != connID {
		delete(s.connUser, old)
		superseded = old
	}

	s.connUser[connID] = userKey
	s.userConn[userKey] = connID
	return superseded
}

// Unbind 解除連接綁定（斷線時呼叫）。
// 只有當該連接仍是使用者的當前連接時才清除反向映射，
// 避免誤刪已被新連接取代的綁定。
func (s *SessionRegistry) Unbind(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userKey, ok := s.connUser[connID]
	if !ok {
		return
	}
	delete(s.connUser, connID)

	if current, ok := s.userConn[userKey]; ok && current == connID {
		delete(s.userConn, userKey)
	}
}

// UserByConn 查詢連接所綁定的使用者。
func (s *SessionRegistry) UserByConn(connID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userKey, ok := s.connUser[connID]
	return userKey, ok
}

// ActiveConnection 查詢使用者當前的活躍連接。
func (s *SessionRegistry) ActiveConnection(userKey string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	connID, ok := s.userConn[userKey]
	return connID, ok
}
