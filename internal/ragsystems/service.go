// Package ragsystems は検索拡張生成（RAG）システム構成の管理と試行を提供します。
//
// RAG システムは所有者のドキュメント群と、任意のベクトルストア・プロンプトを参照します。
// 参照先はすべて作成・更新時に所有者確認を行います。
package ragsystems

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yourusername/ollama-workshop/internal/apperr"
	"github.com/yourusername/ollama-workshop/internal/cache"
	"github.com/yourusername/ollama-workshop/internal/chunker"
	"github.com/yourusername/ollama-workshop/internal/storage"
)

const (
	cacheScope = "rag_systems"

	// DefaultGenerationModel はプロンプト未設定時に応答へ記録するモデルです。
	DefaultGenerationModel = "llama3"

	maxRetrievedChunks = 3
)

// Input は作成・更新時の入力です。更新では nil のフィールドは変更せず、
// VectorDBID と PromptID に空文字を渡すと参照を外します。
type Input struct {
	Name           *string   `json:"name"`
	Description    *string   `json:"description"`
	EmbeddingModel *string   `json:"embedding_model"`
	Documents      *[]string `json:"documents"`
	VectorDBID     *string   `json:"vector_db_id"`
	PromptID       *string   `json:"prompt_id"`
}

// Query は試行時の問い合わせです。
type Query struct {
	Text string `json:"text" binding:"required"`
}

// RetrievedChunk は問い合わせに対して取り出されたチャンクです。
type RetrievedChunk struct {
	DocumentID string  `json:"document_id"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// QueryResult は試行結果です。
type QueryResult struct {
	Query           string           `json:"query"`
	RetrievedChunks []RetrievedChunk `json:"retrieved_chunks"`
	Response        string           `json:"response"`
	ModelUsed       string           `json:"model_used"`
	EmbeddingModel  string           `json:"embedding_model"`
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
		logger: logger.With().Str("component", "ragsystems").Logger(),
	}
}

func (s *Service) List(ctx context.Context, userID string, page storage.Page) (*storage.List[storage.RAGSystem], error) {
	key := cache.Key(cacheScope, userID, "list", strconv.Itoa(page.Skip), strconv.Itoa(page.Limit))

	var cached storage.List[storage.RAGSystem]
	if s.cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}
	gen := s.cache.Generation(ctx, cacheScope, userID)

	query := s.db.WithContext(ctx).Model(&storage.RAGSystem{}).Where("creator_id = ?", userID)
	result := &storage.List[storage.RAGSystem]{Items: []storage.RAGSystem{}}
	if err := query.Count(&result.Total).Error; err != nil {
		return nil, apperr.Internal("failed to count RAG systems", err)
	}
	if err := page.Apply(query.Order("updated_at DESC")).Find(&result.Items).Error; err != nil {
		return nil, apperr.Internal("failed to list RAG systems", err)
	}

	s.cache.SetJSON(ctx, cacheScope, userID, key, gen, result)
	return result, nil
}

func (s *Service) Get(ctx context.Context, id, userID string) (*storage.RAGSystem, error) {
	key := cache.Key(cacheScope, userID, "get", id)

	var cached storage.RAGSystem
	if s.cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}
	gen := s.cache.Generation(ctx, cacheScope, userID)

	r, err := findOwned(s.db.WithContext(ctx), id, userID)
	if err != nil {
		return nil, err
	}
	s.cache.SetJSON(ctx, cacheScope, userID, key, gen, r)
	return r, nil
}

func findOwned(db *gorm.DB, id, userID string) (*storage.RAGSystem, error) {
	var r storage.RAGSystem
	if err := db.Where("id = ? AND creator_id = ?", id, userID).First(&r).Error; err != nil {
		if storage.IsNotFound(err) {
			return nil, apperr.NotFound("RAG_SYSTEM_NOT_FOUND", "RAG system not found")
		}
		return nil, apperr.Internal("failed to load RAG system", err)
	}
	return &r, nil
}

func (s *Service) Create(ctx context.Context, userID string, in Input) (*storage.RAGSystem, error) {
	if in.Name == nil || strings.TrimSpace(*in.Name) == "" {
		return nil, apperr.InvalidArgument("INVALID_INPUT", "name is required")
	}
	if in.EmbeddingModel == nil || strings.TrimSpace(*in.EmbeddingModel) == "" {
		return nil, apperr.InvalidArgument("INVALID_INPUT", "embedding_model is required")
	}

	r := &storage.RAGSystem{
		Name:           *in.Name,
		Description:    in.Description,
		EmbeddingModel: strings.TrimSpace(*in.EmbeddingModel),
		Documents:      datatypes.NewJSONSlice(dedupe(in.Documents)),
		VectorDBID:     emptyToNil(in.VectorDBID),
		PromptID:       emptyToNil(in.PromptID),
		CreatorID:      userID,
	}

	db := s.db.WithContext(ctx)
	if err := checkReferences(db, userID, r.Documents, r.VectorDBID, r.PromptID); err != nil {
		return nil, err
	}
	if err := db.Create(r).Error; err != nil {
		return nil, apperr.Internal("failed to create RAG system", err)
	}

	s.cache.Invalidate(ctx, cacheScope, userID)
	s.logger.Info().Str("rag_system_id", r.ID).Int("documents", len(r.Documents)).Msg("RAG system created")
	return r, nil
}

func (s *Service) Update(ctx context.Context, id, userID string, in Input) (*storage.RAGSystem, error) {
	db := s.db.WithContext(ctx)
	r, err := findOwned(db, id, userID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			return nil, apperr.InvalidArgument("INVALID_INPUT", "name must not be empty")
		}
		updates["name"] = *in.Name
	}
	if in.Description != nil {
		updates["description"] = *in.Description
	}
	if in.EmbeddingModel != nil {
		if strings.TrimSpace(*in.EmbeddingModel) == "" {
			return nil, apperr.InvalidArgument("INVALID_INPUT", "embedding_model must not be empty")
		}
		updates["embedding_model"] = strings.TrimSpace(*in.EmbeddingModel)
	}

	var docs []string
	var vectorDBID, promptID *string
	if in.Documents != nil {
		docs = dedupe(in.Documents)
		updates["documents"] = datatypes.NewJSONSlice(docs)
	}
	if in.VectorDBID != nil {
		vectorDBID = emptyToNil(in.VectorDBID)
		updates["vector_db_id"] = vectorDBID
	}
	if in.PromptID != nil {
		promptID = emptyToNil(in.PromptID)
		updates["prompt_id"] = promptID
	}
	if len(updates) == 0 {
		return r, nil
	}
	if err := checkReferences(db, userID, docs, vectorDBID, promptID); err != nil {
		return nil, err
	}

	if err := db.Model(r).Updates(updates).Error; err != nil {
		return nil, apperr.Internal("failed to update RAG system", err)
	}
	s.cache.Invalidate(ctx, cacheScope, userID)
	return findOwned(db, id, userID)
}

func (s *Service) Delete(ctx context.Context, id, userID string) error {
	db := s.db.WithContext(ctx)
	r, err := findOwned(db, id, userID)
	if err != nil {
		return err
	}
	if err := db.Delete(r).Error; err != nil {
		return apperr.Internal("failed to delete RAG system", err)
	}

	s.cache.Invalidate(ctx, cacheScope, userID)
	return nil
}

// checkReferences は参照先がすべて userID の所有であることを確認します。nil・空の参照は確認しません。
func checkReferences(db *gorm.DB, userID string, docs []string, vectorDBID, promptID *string) error {
	missing, err := storage.MissingOwned(db, &storage.Document{}, docs, userID)
	if err != nil {
		return apperr.Internal("failed to load documents", err)
	}
	if len(missing) > 0 {
		return apperr.NotFound("DOCUMENT_NOT_FOUND", "Document with ID "+missing[0]+" not found")
	}

	if vectorDBID != nil {
		if err := storage.EnsureOwned(db, &storage.VectorDB{}, *vectorDBID, userID); err != nil {
			if storage.IsNotFound(err) {
				return apperr.NotFound("VECTOR_DB_NOT_FOUND", "Vector database not found")
			}
			return apperr.Internal("failed to load vector database", err)
		}
	}
	if promptID != nil {
		if err := storage.EnsureOwned(db, &storage.Prompt{}, *promptID, userID); err != nil {
			if storage.IsNotFound(err) {
				return apperr.NotFound("PROMPT_NOT_FOUND", "Prompt not found")
			}
			return apperr.Internal("failed to load prompt", err)
		}
	}
	return nil
}

// Test は RAG システムのドキュメントについて完了済みの埋め込みチャンクから問い合わせに近いものを取り出します。
// 応答文の生成は行わず、取り出した文脈を示す定型文を返します。
func (s *Service) Test(ctx context.Context, id, userID string, q Query) (*QueryResult, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, apperr.InvalidArgument("INVALID_INPUT", "text is required")
	}

	db := s.db.WithContext(ctx)
	r, err := findOwned(db, id, userID)
	if err != nil {
		return nil, err
	}

	chunks, err := s.retrieve(db, r, text)
	if err != nil {
		return nil, err
	}

	model := DefaultGenerationModel
	if r.PromptID != nil {
		var p storage.Prompt
		if err := db.Select("model").Where("id = ? AND creator_id = ?", *r.PromptID, userID).First(&p).Error; err == nil {
			model = p.Model
		} else if !storage.IsNotFound(err) {
			return nil, apperr.Internal("failed to load prompt", err)
		}
	}

	return &QueryResult{
		Query:           text,
		RetrievedChunks: chunks,
		Response:        "This is a generated response based on the retrieved context about: " + text,
		ModelUsed:       model,
		EmbeddingModel:  r.EmbeddingModel,
	}, nil
}

func (s *Service) retrieve(db *gorm.DB, r *storage.RAGSystem, text string) ([]RetrievedChunk, error) {
	out := []RetrievedChunk{}
	if len(r.Documents) == 0 {
		return out, nil
	}

	query := db.Where("creator_id = ? AND status = ? AND document_id IN ?",
		r.CreatorID, storage.EmbeddingCompleted, []string(r.Documents))
	if r.VectorDBID != nil {
		query = query.Where("vector_db_id = ?", *r.VectorDBID)
	}
	var jobs []storage.Embedding
	if err := query.Order("completed_at DESC").Find(&jobs).Error; err != nil {
		return nil, apperr.Internal("failed to load embeddings", err)
	}

	terms := tokenize(text)
	seen := map[string]bool{}
	for _, job := range jobs {
		// 同じドキュメントは最新の埋め込みだけを使う
		if seen[job.DocumentID] {
			continue
		}
		seen[job.DocumentID] = true

		var chunks []chunker.Chunk
		if err := json.Unmarshal(job.Chunks, &chunks); err != nil {
			s.logger.Warn().Err(err).Str("embedding_id", job.ID).Msg("skipping unreadable chunks")
			continue
		}
		for _, c := range chunks {
			score := overlap(terms, c.Text)
			if score == 0 {
				continue
			}
			out = append(out, RetrievedChunk{DocumentID: job.DocumentID, Text: c.Text, Score: score})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > maxRetrievedChunks {
		out = out[:maxRetrievedChunks]
	}
	return out, nil
}

func tokenize(text string) []string {
	seen := map[string]bool{}
	var terms []string
	for _, t := range strings.Fields(strings.ToLower(text)) {
		t = strings.Trim(t, ".,!?;:\"'()[]{}")
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		terms = append(terms, t)
	}
	return terms
}

// overlap は問い合わせ語のうちチャンクに含まれる割合を小数第3位で返します。
func overlap(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return math.Round(float64(hits)/float64(len(terms))*1000) / 1000
}

func dedupe(ids *[]string) []string {
	out := []string{}
	if ids == nil {
		return out
	}
	seen := map[string]bool{}
	for _, id := range *ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func emptyToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
