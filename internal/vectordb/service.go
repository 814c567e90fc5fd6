// Package vectordb はベクトルストア接続設定の管理を提供します。
// 登録内容は存在確認と所有者確認にのみ使われ、実際のベクトル登録は行いません。
package vectordb

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/yourusername/ollama-workshop/internal/apperr"
	"github.com/yourusername/ollama-workshop/internal/cache"
	"github.com/yourusername/ollama-workshop/internal/storage"
)

// Type はサポートするベクトルストアの種別です。
type Type struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var supportedTypes = []Type{
	{Name: "chroma", Description: "Open-source vector database with simple API"},
	{Name: "pinecone", Description: "Managed vector database service with advanced features"},
	{Name: "qdrant", Description: "Open-source vector search engine"},
	{Name: "weaviate", Description: "Vector database with rich semantic search capabilities"},
	{Name: "milvus", Description: "Open-source vector database for AI applications"},
	{Name: "redis", Description: "In-memory database with vector search capabilities"},
	{Name: "pgvector", Description: "PostgreSQL extension for vector similarity search"},
}

// Types はサポートする種別の一覧を返します。
func Types() []Type {
	return append([]Type(nil), supportedTypes...)
}

func isSupported(name string) bool {
	for _, t := range supportedTypes {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Input は作成・更新時の入力です。更新では nil のフィールドは変更しません。
type Input struct {
	Name             *string `json:"name"`
	Type             *string `json:"type"`
	ConnectionString *string `json:"connection_string"`
}

type Service struct {
	db     *gorm.DB
	cache  *cache.Cache
	logger zerolog.Logger
}

func NewService(db *gorm.DB, c *cache.Cache, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		cache:  c,
		logger: logger.With().Str("component", "vectordb").Logger(),
	}
}

func (s *Service) List(ctx context.Context, userID string, page storage.Page, dbType string) (*storage.List[storage.VectorDB], error) {
	query := s.db.WithContext(ctx).Model(&storage.VectorDB{}).Where("creator_id = ?", userID)
	if dbType != "" {
		query = query.Where("type = ?", dbType)
	}

	result := &storage.List[storage.VectorDB]{Items: []storage.VectorDB{}}
	if err := query.Count(&result.Total).Error; err != nil {
		return nil, apperr.Internal("failed to count vector databases", err)
	}
	if err := page.Apply(query.Order("created_at DESC")).Find(&result.Items).Error; err != nil {
		return nil, apperr.Internal("failed to list vector databases", err)
	}
	return result, nil
}

// Get は所有者が一致する設定を返します。存在しない・他人のものは NotFound です。
func (s *Service) Get(ctx context.Context, id, userID string) (*storage.VectorDB, error) {
	return findOwned(s.db.WithContext(ctx), id, userID)
}

func findOwned(db *gorm.DB, id, userID string) (*storage.VectorDB, error) {
	var v storage.VectorDB
	if err := db.Where("id = ? AND creator_id = ?", id, userID).First(&v).Error; err != nil {
		if storage.IsNotFound(err) {
			return nil, apperr.NotFound("VECTOR_DB_NOT_FOUND", "Vector database not found")
		}
		return nil, apperr.Internal("failed to load vector database", err)
	}
	return &v, nil
}

func (s *Service) Create(ctx context.Context, userID string, in Input) (*storage.VectorDB, error) {
	if in.Name == nil || strings.TrimSpace(*in.Name) == "" {
		return nil, apperr.InvalidArgument("INVALID_INPUT", "name is required")
	}
	if in.Type == nil {
		return nil, apperr.InvalidArgument("INVALID_INPUT", "type is required")
	}
	if err := validateType(*in.Type); err != nil {
		return nil, err
	}

	v := &storage.VectorDB{
		Name:             *in.Name,
		Type:             *in.Type,
		ConnectionString: in.ConnectionString,
		CreatorID:        userID,
	}
	if err := s.db.WithContext(ctx).Create(v).Error; err != nil {
		return nil, apperr.Internal("failed to create vector database", err)
	}
	s.logger.Info().Str("vector_db_id", v.ID).Str("type", v.Type).Msg("vector database registered")
	return v, nil
}

func (s *Service) Update(ctx context.Context, id, userID string, in Input) (*storage.VectorDB, error) {
	db := s.db.WithContext(ctx)
	v, err := findOwned(db, id, userID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			return nil, apperr.InvalidArgument("INVALID_INPUT", "name must not be empty")
		}
		updates["name"] = *in.Name
		v.Name = *in.Name
	}
	if in.Type != nil {
		if err := validateType(*in.Type); err != nil {
			return nil, err
		}
		updates["type"] = *in.Type
		v.Type = *in.Type
	}
	if in.ConnectionString != nil {
		updates["connection_string"] = *in.ConnectionString
		v.ConnectionString = in.ConnectionString
	}
	if len(updates) == 0 {
		return v, nil
	}

	if err := db.Model(&storage.VectorDB{}).Where("id = ?", v.ID).Updates(updates).Error; err != nil {
		return nil, apperr.Internal("failed to update vector database", err)
	}
	return v, nil
}

// Delete は設定と、それを参照する埋め込みジョブを削除します。RAG システムからは参照を外します。
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		v, err := findOwned(tx, id, userID)
		if err != nil {
			return err
		}
		if err := tx.Where("vector_db_id = ?", v.ID).Delete(&storage.Embedding{}).Error; err != nil {
			return apperr.Internal("failed to delete embeddings", err)
		}
		if err := tx.Model(&storage.RAGSystem{}).Where("vector_db_id = ?", v.ID).Update("vector_db_id", nil).Error; err != nil {
			return apperr.Internal("failed to detach vector database", err)
		}
		if err := tx.Delete(v).Error; err != nil {
			return apperr.Internal("failed to delete vector database", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.cache.Invalidate(ctx, "embeddings", userID)
	s.cache.Invalidate(ctx, "rag_systems", userID)
	return nil
}

func validateType(name string) error {
	if !isSupported(name) {
		return apperr.InvalidArgument("UNSUPPORTED_VECTOR_DB_TYPE", "unsupported vector database type: "+name)
	}
	return nil
}
