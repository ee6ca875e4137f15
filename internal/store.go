package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Stats 使用者的累積戰績。
type Stats struct {
	Wins   int `json:"wins"`
	Losses int `json:"losses"`
	Draws  int `json:"draws"`
}

// User 使用者記錄。Key 是穩定的身份識別（小寫使用者名稱），
// DisplayName 是對其他玩家顯示的名稱。
type User struct {
	Key         string
	DisplayName string
	Stats       Stats
}

// ErrUserNotFound 使用者不存在。
var ErrUserNotFound = errors.New("user not found")

// UserStore 使用者持久化的協作者介面。
//
// 會話層只依賴這個窄介面；帳號註冊、密碼雜湊與排行榜
// 屬於外部服務的職責。戰績寫入發生在房間狀態已定案並廣播之後，
// 因此慢的外部呼叫不會讓房間狀態停留在半更新的中間態。
type UserStore interface {
	FindByKey(ctx context.Context, key string) (*User, error)
	IncrementWins(ctx context.Context, key string) error
	IncrementLosses(ctx context.Context, key string) error
	IncrementDraws(ctx context.Context, key string) error
}

// CredentialVerifier 憑證驗證的協作者介面。
// 驗證成功回傳穩定的 userKey；密碼的儲存與雜湊策略由實作方決定。
type CredentialVerifier interface {
	Verify(ctx context.Context, username, secret string) (userKey string, err error)
}

// ErrBadCredentials 憑證驗證失敗。
var ErrBadCredentials = errors.New("invalid credentials")

// MemoryUserStore 行程內使用者儲存。開發環境與測試的預設後端。
type MemoryUserStore struct {
	mu      sync.RWMutex
	users   map[string]*User
	secrets map[string]string
}

// NewMemoryUserStore 建立空的行程內儲存。
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users:   make(map[string]*User),
		secrets: make(map[string]string),
	}
}

// Put 寫入使用者記錄（secret 留空表示不可登入，僅供戰績歸屬）。
func (s *MemoryUserStore) Put(user User, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := user
	s.users[user.Key] = &u
	if secret != "" {
		s.secrets[user.Key] = secret
	}
}

// FindByKey 查詢使用者。回傳的是副本，呼叫端可安全持有。
func (s *MemoryUserStore) FindByKey(_ context.Context, key string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[key]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *MemoryUserStore) IncrementWins(_ context.Context, key string) error {
	return s.increment(key, func(u *User) { u.Stats.Wins++ })
}

func (s *MemoryUserStore) IncrementLosses(_ context.Context, key string) error {
	return s.increment(key, func(u *User) { u.Stats.Losses++ })
}

func (s *MemoryUserStore) IncrementDraws(_ context.Context, key string) error {
	return s.increment(key, func(u *User) { u.Stats.Draws++ })
}

func (s *MemoryUserStore) increment(key string, apply func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[key]
	if !ok {
		return ErrUserNotFound
	}
	apply(u)
	return nil
}

// Verify 比對憑證。
// 這裡只做明文比對：正式環境的密碼雜湊由外部認證服務負責。
func (s *MemoryUserStore) Verify(_ context.Context, username, secret string) (string, error) {
	key := NormalizeUserKey(username)

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.secrets[key]
	if !ok || stored != secret {
		return "", ErrBadCredentials
	}
	return key, nil
}

// NormalizeUserKey 將使用者名稱正規化為穩定的 userKey。
func NormalizeUserKey(username string) string {
	key := make([]byte, 0, len(username))
	for i := 0; i < len(username); i++ {
		c := username[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c == ' ' {
			continue
		}
		key = append(key, c)
	}
	return string(key)
}

// PostgresUserStore 以 PostgreSQL 為後端的使用者儲存。
//
// 資料表結構由外部使用者服務擁有，這裡只消費：
//
//	users(username text primary key, display_name text, wins int, losses int, draws int)
type PostgresUserStore struct {
	pool *pgxpool.Pool
}

// NewPostgresUserStore 以連線池建立儲存。
func NewPostgresUserStore(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool}
}

// FindByKey 查詢使用者。
func (s *PostgresUserStore) FindByKey(ctx context.Context, key string) (*User, error) {
	const query = `
		SELECT username, display_name, wins, losses, draws
		FROM users
		WHERE username = $1`

	u := &User{}
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&u.Key, &u.DisplayName, &u.Stats.Wins, &u.Stats.Losses, &u.Stats.Draws)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("查詢使用者失敗: %w", err)
	}
	return u, nil
}

func (s *PostgresUserStore) IncrementWins(ctx context.Context, key string) error {
	return s.increment(ctx, key, "wins")
}

func (s *PostgresUserStore) IncrementLosses(ctx context.Context, key string) error {
	return s.increment(ctx, key, "losses")
}

func (s *PostgresUserStore) IncrementDraws(ctx context.Context, key string) error {
	return s.increment(ctx, key, "draws")
}

// increment 原子性累加單一戰績欄位。
// column 只會是 wins/losses/draws 之一，不接受外部輸入。
func (s *PostgresUserStore) increment(ctx context.Context, key, column string) error {
	query := fmt.Sprintf(`UPDATE users SET %s = %s + 1 WHERE username = $1`, column, column)

	tag, err := s.pool.Exec(ctx, query, key)
	if err != nil {
		return fmt.Errorf("更新戰績失敗: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
