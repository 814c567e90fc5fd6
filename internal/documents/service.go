// Package documents はドキュメントの保存・取得とテキスト抽出を提供します。
package documents

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/yourusername/ollama-workshop/internal/apperr"
	"github.com/yourusername/ollama-workshop/internal/cache"
	"github.com/yourusername/ollama-workshop/internal/storage"
)

// embeddingsScope はドキュメント削除時に無効化する埋め込みキャッシュのスコープです。
const embeddingsScope = "embeddings"

// Service はドキュメントの CRUD を提供します。
type Service struct {
	db     *gorm.DB
	cache  *cache.Cache
	logger zerolog.Logger
}

// NewService は Service を作成します。
func NewService(db *gorm.DB, c *cache.Cache, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		cache:  c,
		logger: logger.With().Str("component", "documents").Logger(),
	}
}

// CreateInput は JSON で作成する場合の入力です。Content は base64 です。
type CreateInput struct {
	Title    string `json:"title" binding:"required"`
	Content  string `json:"content" binding:"required"`
	FileType string `json:"file_type" binding:"required"`
}

// List は所有者のドキュメントを新しい順に返します。
func (s *Service) List(ctx context.Context, userID string, page storage.Page, fileType string) (*storage.List[storage.Document], error) {
	query := s.db.WithContext(ctx).Model(&storage.Document{}).Where("creator_id = ?", userID)
	if fileType != "" {
		query = query.Where("file_type = ?", strings.ToLower(fileType))
	}

	result := &storage.List[storage.Document]{Items: []storage.Document{}}
	if err := query.Count(&result.Total).Error; err != nil {
		return nil, apperr.Internal("failed to count documents", err)
	}
	if err := page.Apply(query.Order("created_at DESC")).Find(&result.Items).Error; err != nil {
		return nil, apperr.Internal("failed to list documents", err)
	}
	return result, nil
}

// Get は所有者が一致するドキュメントを返します。存在しない・他人のものは NotFound です。
func (s *Service) Get(ctx context.Context, id, userID string) (*storage.Document, error) {
	return findOwned(s.db.WithContext(ctx), id, userID)
}

func findOwned(db *gorm.DB, id, userID string) (*storage.Document, error) {
	var doc storage.Document
	if err := db.Where("id = ? AND creator_id = ?", id, userID).First(&doc).Error; err != nil {
		if storage.IsNotFound(err) {
			return nil, apperr.NotFound("DOCUMENT_NOT_FOUND", "Document not found")
		}
		return nil, apperr.Internal("failed to load document", err)
	}
	return &doc, nil
}

// Create は base64 の内容からドキュメントを作成します。
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*storage.Document, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, apperr.InvalidArgument("INVALID_INPUT", "title must not be empty")
	}
	if _, err := base64.StdEncoding.DecodeString(in.Content); err != nil {
		return nil, apperr.InvalidArgument("INVALID_INPUT", "content must be base64 encoded")
	}

	doc := &storage.Document{
		Title:     in.Title,
		Content:   in.Content,
		FileType:  strings.ToLower(strings.TrimPrefix(in.FileType, ".")),
		CreatorID: userID,
	}
	return s.insert(ctx, doc)
}

// Upload はアップロードされたファイルからドキュメントを作成します。
// 種別は拡張子から判定し、拡張子がなければ内容から推定します。
func (s *Service) Upload(ctx context.Context, userID, title, filename string, data []byte) (*storage.Document, error) {
	if len(data) == 0 {
		return nil, apperr.InvalidArgument("INVALID_INPUT", "uploaded file is empty")
	}
	if strings.TrimSpace(title) == "" {
		title = filename
	}

	doc := &storage.Document{
		Title:     title,
		Content:   base64.StdEncoding.EncodeToString(data),
		FileType:  DetectFileType(filename, data),
		CreatorID: userID,
	}
	return s.insert(ctx, doc)
}

func (s *Service) insert(ctx context.Context, doc *storage.Document) (*storage.Document, error) {
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return nil, apperr.Internal("failed to create document", err)
	}
	s.logger.Info().Str("document_id", doc.ID).Str("file_type", doc.FileType).Msg("document created")
	return doc, nil
}

// DetectFileType はファイル名の拡張子、なければ MIME 判定からファイル種別を返します。
func DetectFileType(filename string, data []byte) string {
	if ext := strings.TrimPrefix(filepath.Ext(filename), "."); ext != "" {
		return strings.ToLower(ext)
	}
	if ext := strings.TrimPrefix(mimetype.Detect(data).Extension(), "."); ext != "" {
		return ext
	}
	return "bin"
}

// UpdateTitle はタイトルのみを更新します。
func (s *Service) UpdateTitle(ctx context.Context, id, userID, title string) (*storage.Document, error) {
	if strings.TrimSpace(title) == "" {
		return nil, apperr.InvalidArgument("INVALID_INPUT", "title must not be empty")
	}

	db := s.db.WithContext(ctx)
	doc, err := findOwned(db, id, userID)
	if err != nil {
		return nil, err
	}
	if err := db.Model(doc).Update("title", title).Error; err != nil {
		return nil, apperr.Internal("failed to update document", err)
	}
	doc.Title = title
	return doc, nil
}

// Delete はドキュメントと、それを参照する埋め込みジョブをまとめて削除します。
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err := findOwned(tx, id, userID)
		if err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", doc.ID).Delete(&storage.Embedding{}).Error; err != nil {
			return apperr.Internal("failed to delete embeddings", err)
		}
		if err := tx.Delete(doc).Error; err != nil {
			return apperr.Internal("failed to delete document", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.cache.Invalidate(ctx, embeddingsScope, userID)
	s.logger.Info().Str("document_id", id).Msg("document deleted")
	return nil
}
