package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koopa0/tictactoe-server/internal"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "配置檔案路徑")
		port       = flag.Int("port", 0, "監聽埠（覆蓋配置檔）")
		logLevel   = flag.String("log-level", "", "日誌級別（覆蓋配置檔）")
		logFormat  = flag.String("log-format", "", "日誌格式 text/json（覆蓋配置檔）")
	)
	flag.Parse()

	// 載入配置（檔案缺席時退回預設值）
	config, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		config.Server.Port = *port
	}
	if *logLevel != "" {
		config.Log.Level = *logLevel
	}
	if *logFormat != "" {
		config.Log.Format = *logFormat
	}

	// 設定日誌
	var logger *slog.Logger
	if config.Log.Format == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(config.Log.Level),
		}))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(config.Log.Level),
		}))
	}
	slog.SetDefault(logger)

	ctx := context.Background()

	// 使用者儲存後端
	var store internal.UserStore
	switch config.Store.Backend {
	case "postgres":
		pgConfig, err := pgxpool.ParseConfig(config.PostgresDSN())
		if err != nil {
			logger.Error("failed to parse postgres config", "error", err)
			os.Exit(1)
		}
		pgConfig.MaxConns = config.Postgres.MaxConns
		pgConfig.MinConns = config.Postgres.MinConns

		pgPool, err := pgxpool.NewWithConfig(ctx, pgConfig)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()
		store = internal.NewPostgresUserStore(pgPool)

	default:
		store = internal.NewMemoryUserStore()
	}

	// 限流後端
	var limiter internal.Limiter
	switch config.RateLimit.Backend {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
			PoolSize: config.Redis.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		limiter = internal.NewRedisWindowLimiter(redisClient, config.LimitConfig())

	default:
		limiter = internal.NewWindowLimiter(config.LimitConfig())
	}

	// 組裝會話層
	codes := internal.NewCodePool()
	sessions := internal.NewSessionRegistry()
	hub := internal.NewHub(logger)
	manager := internal.NewManager(codes, hub, store, logger)
	tournaments := internal.NewTournaments(codes, manager, sessions, hub, logger, config.Game.FinalSpawnDelay)
	reconnector := internal.NewReconnector(config.Game.GracePeriod, manager, sessions, hub, logger)
	dispatcher := internal.NewDispatcher(sessions, store, manager, tournaments, reconnector, limiter, hub, logger)

	hub.SetHandlers(dispatcher.HandleMessage, dispatcher.HandleDisconnect)
	dispatcher.Start()

	// HTTP 路由
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.ServeWS)
	mux.HandleFunc("POST /api/v1/register", registerHandler(store, logger))
	mux.HandleFunc("POST /api/v1/login", loginHandler(store, sessions, logger))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"rooms":       manager.Stats(),
			"tournaments": tournaments.Stats(),
			"connections": hub.Stats(),
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Server.Port),
		Handler:      mux,
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  config.Server.IdleTimeout,
	}

	// 啟動伺服器
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", config.Server.Port)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}

	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				logger.Error("failed to force close server", "error", closeErr)
			}
		}

		// 先停分派器（不再接受狀態變更），再關閉所有連接
		dispatcher.Stop()
		hub.Stop()
	}

	logger.Info("server stopped")
}

// loadConfig 載入配置檔案。檔案不存在時使用預設配置（單機開發）。
func loadConfig(path string) (*internal.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return internal.DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := internal.DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return config, nil
}

// parseLogLevel 解析日誌級別
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// registerHandler 建立使用者帳號。
// 只有行程內儲存後端支援；PostgreSQL 後端的帳號由外部使用者服務管理。
func registerHandler(store internal.UserStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		memStore, ok := store.(*internal.MemoryUserStore)
		if !ok {
			writeJSON(w, http.StatusNotImplemented, map[string]string{
				"error": "registration is managed externally",
			})
			return
		}

		var req credentialsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "username and password required"})
			return
		}

		key := internal.NormalizeUserKey(req.Username)
		if key == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid username"})
			return
		}
		if _, err := memStore.FindByKey(r.Context(), key); err == nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "username taken"})
			return
		}

		memStore.Put(internal.User{Key: key, DisplayName: req.Username}, req.Password)
		logger.Info("使用者已註冊", "user", key)
		writeJSON(w, http.StatusCreated, map[string]string{"username": req.Username})
	}
}

// loginHandler 驗證憑證並簽發會話 token。
//
// 儲存後端支援憑證驗證時（行程內儲存）走 Verify；
// 否則信任外部認證服務已完成驗證，直接以正規化的使用者名稱簽發會話。
func loginHandler(store internal.UserStore, sessions *internal.SessionRegistry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentialsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "username required"})
			return
		}

		var userKey string
		if verifier, ok := store.(internal.CredentialVerifier); ok {
			key, err := verifier.Verify(r.Context(), req.Username, req.Password)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
				return
			}
			userKey = key
		} else {
			userKey = internal.NormalizeUserKey(req.Username)
		}

		token := sessions.CreateSession(userKey)
		logger.Info("使用者已登入", "user", userKey)
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
