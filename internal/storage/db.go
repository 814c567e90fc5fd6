// Package storage は gorm によるデータベース接続とモデル定義を提供します。
package storage

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound は対象のレコードが存在しない、または所有者が異なる場合に返されます。
var ErrNotFound = errors.New("record not found")

// Open は DSN に応じて PostgreSQL または SQLite に接続します。
// postgres:// / postgresql:// で始まる場合は PostgreSQL、それ以外は SQLite のファイルパスとして扱います。
func Open(dsn string, logger zerolog.Logger) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormlogger.New(
			log.New(logger.With().Str("component", "gorm").Logger(), "", 0),
			gormlogger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  gormlogger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	if isPostgres(dsn) {
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		return db, nil
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(dsn)), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite は書き込みが直列なので接続を1本に絞る
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// Migrate はモデル定義に合わせてテーブルを作成・更新します。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&User{}, &Document{}, &VectorDB{}, &Embedding{}, &Prompt{}, &Tool{}, &RAGSystem{}); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Close は下位の接続プールを閉じます。
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsNotFound は gorm のレコード未検出エラーか ErrNotFound かを判定します。
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrNotFound)
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}
