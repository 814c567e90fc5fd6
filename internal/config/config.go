// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	LogLevel string // zerolog のログレベル

	// 認証設定
	SessionSecret    string // セッション署名用の秘密鍵
	AutoApproveUsers bool   // 新規登録ユーザーを即時承認するか

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// データベース/キャッシュ設定
	DatabaseURL  string        // postgres:// で始まれば PostgreSQL、それ以外は SQLite のパス
	RedisURL     string        // キャッシュ・レート制限用の Redis 接続URL
	CacheEnabled bool          // 読み取りキャッシュを有効にするか
	CacheTTL     time.Duration // キャッシュの有効期限

	// 上流 (Ollama) 設定
	OllamaAPIURL    string        // Ollama API のベースURL
	UpstreamTimeout time.Duration // 上流呼び出しのタイムアウト

	// バックグラウンドタスク設定
	TaskWorkers   int           // 同時実行ワーカー数
	TaskQueueSize int           // 実行待ちキューの上限
	TaskRetention time.Duration // 終了済みタスクを保持する期間

	// イベント設定
	RabbitMQURL    string // 空の場合はイベントを発行しない
	EventsExchange string // ジョブイベントの送信先 exchange

	// 制限
	RateLimitPerMinute int   // 1分あたりのリクエスト上限（0で無効）
	MaxUploadBytes     int64 // アップロード可能な最大サイズ（バイト）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		Port:     getEnv("PORT", "8000"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		SessionSecret:    getEnv("SESSION_SECRET", ""),
		AutoApproveUsers: getEnvAsBool("AUTO_APPROVE_USERS", false),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		DatabaseURL:  getEnv("DATABASE_URL", "workshop.db"),
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379/0"),
		CacheEnabled: getEnvAsBool("CACHE_ENABLED", true),
		CacheTTL:     getEnvAsSeconds("CACHE_TTL_SECONDS", 3600),

		OllamaAPIURL:    getEnv("OLLAMA_API_URL", "http://localhost:11434"),
		UpstreamTimeout: getEnvAsSeconds("UPSTREAM_TIMEOUT_SECONDS", 60),

		TaskWorkers:   getEnvAsInt("TASK_WORKERS", 4),
		TaskQueueSize: getEnvAsInt("TASK_QUEUE_SIZE", 64),
		TaskRetention: getEnvAsSeconds("TASK_RETENTION_SECONDS", 3600),

		RabbitMQURL:    getEnv("RABBITMQ_URL", ""),
		EventsExchange: getEnv("EVENTS_EXCHANGE", "workshop.events"),

		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 120),
		MaxUploadBytes:     getEnvAsInt64("MAX_UPLOAD_BYTES", 20*1024*1024), // 20MB
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.TaskWorkers <= 0 {
		return fmt.Errorf("TASK_WORKERS must be positive")
	}
	if c.TaskQueueSize <= 0 {
		return fmt.Errorf("TASK_QUEUE_SIZE must be positive")
	}

	// ローカル開発ではセッション鍵は自動生成で構わない
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if !strings.HasPrefix(c.DatabaseURL, "postgres") {
			return fmt.Errorf("DATABASE_URL must point to PostgreSQL in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSeconds は秒数の環境変数を time.Duration として取得します。
func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}
