package internal

import (
	"fmt"
	"os"
	"time"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		IdleTimeout  time.Duration `yaml:"idle_timeout"`
	} `yaml:"server"`

	Game struct {
		// GracePeriod 斷線寬限期。玩家在此期間內重連可原地恢復對局。
		GracePeriod time.Duration `yaml:"grace_period"`

		// FinalSpawnDelay 兩場準決賽結束到決賽開始的間隔。
		FinalSpawnDelay time.Duration `yaml:"final_spawn_delay"`
	} `yaml:"game"`

	RateLimit struct {
		// Backend 限流後端："memory"（單實例）或 "redis"（多實例共享）。
		Backend     string        `yaml:"backend"`
		Window      time.Duration `yaml:"window"`
		GlobalLimit int           `yaml:"global_limit"`
		PerEvent    map[string]int `yaml:"per_event"`
	} `yaml:"rate_limit"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Store struct {
		// Backend 使用者儲存後端："memory" 或 "postgres"。
		Backend string `yaml:"backend"`
	} `yaml:"store"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig 預設配置。設定檔缺席時的單機開發配置。
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.IdleTimeout = 120 * time.Second

	cfg.Game.GracePeriod = 30 * time.Second
	cfg.Game.FinalSpawnDelay = 2 * time.Second

	limits := DefaultLimitConfig()
	cfg.RateLimit.Backend = "memory"
	cfg.RateLimit.Window = limits.Window
	cfg.RateLimit.GlobalLimit = limits.GlobalLimit
	cfg.RateLimit.PerEvent = limits.PerEvent

	cfg.Store.Backend = "memory"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// LimitConfig 取出限流參數。
func (c *Config) LimitConfig() LimitConfig {
	cfg := LimitConfig{
		Window:      c.RateLimit.Window,
		GlobalLimit: c.RateLimit.GlobalLimit,
		PerEvent:    c.RateLimit.PerEvent,
	}
	defaults := DefaultLimitConfig()
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = defaults.GlobalLimit
	}
	if len(cfg.PerEvent) == 0 {
		cfg.PerEvent = defaults.PerEvent
	}
	return cfg
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.DBName,
	)
}
