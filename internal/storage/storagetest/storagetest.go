// Package storagetest はテスト用の SQLite データベースを用意します。
package storagetest

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/yourusername/ollama-workshop/internal/storage"
)

// NewDB は一時ディレクトリにマイグレーション済みの SQLite を作成します。
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db))
	t.Cleanup(func() { _ = storage.Close(db) })
	return db
}

// CreateUser は承認済みの一般ユーザーを作成します。
func CreateUser(t testing.TB, db *gorm.DB, username string) *storage.User {
	t.Helper()

	user := &storage.User{
		Username:       username,
		Email:          username + "@example.com",
		HashedPassword: "x",
		Role:           storage.RoleUser,
		IsActive:       true,
		ApprovalStatus: storage.ApprovalApproved,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}
