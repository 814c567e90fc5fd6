// Package embedding は埋め込みジョブの受付、バックグラウンド処理、状態照会を提供します。
//
// ジョブは永続化された Embedding 行と、処理を追跡するプロセス内のタスクの2つで表されます。
// 受付時に行を pending で作成し、バックグラウンド処理が pending→processing→completed/failed と遷移させます。
package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yourusername/ollama-workshop/internal/apperr"
	"github.com/yourusername/ollama-workshop/internal/cache"
	"github.com/yourusername/ollama-workshop/internal/chunker"
	"github.com/yourusername/ollama-workshop/internal/events"
	"github.com/yourusername/ollama-workshop/internal/jobs"
	"github.com/yourusername/ollama-workshop/internal/storage"
)

const (
	cacheScope = "embeddings"

	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200

	publishTimeout = 5 * time.Second
)

// ErrAlreadyClaimed は別の処理がすでにジョブを pending から進めていることを表します。
var ErrAlreadyClaimed = errors.New("embedding job is already being processed")

// TextExtractor はドキュメントからテキストを取り出します。
type TextExtractor interface {
	ExtractText(ctx context.Context, doc *storage.Document) (string, error)
}

// TaskRunner はバックグラウンド処理の投入先です。
type TaskRunner interface {
	Submit(work jobs.Work) (string, error)
	Registry() *jobs.Registry
}

// CreateRequest は埋め込みジョブ作成の入力です。ChunkSize/ChunkOverlap は省略時 1000/200 です。
type CreateRequest struct {
	DocumentID   string `json:"document_id" binding:"required"`
	VectorDBID   string `json:"vector_db_id" binding:"required"`
	Model        string `json:"model" binding:"required"`
	ChunkSize    *int   `json:"chunk_size"`
	ChunkOverlap *int   `json:"chunk_overlap"`
}

// Accepted は受付直後に返す内容です。
type Accepted struct {
	TaskID      string `json:"task_id"`
	EmbeddingID string `json:"embedding_id"`
	Status      string `json:"status"`
}

// Orchestrator は埋め込みジョブのライフサイクルを管理します。
type Orchestrator struct {
	db        *gorm.DB
	runner    TaskRunner
	extractor TextExtractor
	cache     *cache.Cache
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

// NewOrchestrator は Orchestrator を作成します。publisher が nil の場合はイベントを発行しません。
func NewOrchestrator(
	db *gorm.DB,
	runner TaskRunner,
	extractor TextExtractor,
	c *cache.Cache,
	publisher events.Publisher,
	logger zerolog.Logger,
) *Orchestrator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Orchestrator{
		db:        db,
		runner:    runner,
		extractor: extractor,
		cache:     c,
		publisher: publisher,
		logger:    logger.With().Str("component", "embedding").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob は入力と所有者を検証してジョブを作成し、処理をバックグラウンドに投入します。
// 検証に失敗した場合、行もタスクも作成しません。
func (o *Orchestrator) CreateJob(ctx context.Context, req CreateRequest, userID string) (*Accepted, error) {
	size, overlap := DefaultChunkSize, DefaultChunkOverlap
	if req.ChunkSize != nil {
		size = *req.ChunkSize
	}
	if req.ChunkOverlap != nil {
		overlap = *req.ChunkOverlap
	}
	if err := chunker.Validate(size, overlap); err != nil {
		return nil, &apperr.Error{
			Kind:    apperr.KindInvalidArgument,
			Code:    "INVALID_CHUNK_WINDOW",
			Message: "chunk_size must be positive and chunk_overlap must be in [0, chunk_size)",
			Err:     err,
		}
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return nil, apperr.InvalidArgument("INVALID_INPUT", "model is required")
	}

	db := o.db.WithContext(ctx)
	if err := storage.EnsureOwned(db, &storage.Document{}, req.DocumentID, userID); err != nil {
		if storage.IsNotFound(err) {
			return nil, apperr.NotFound("DOCUMENT_NOT_FOUND", "Document not found")
		}
		return nil, apperr.Internal("failed to load document", err)
	}
	if err := storage.EnsureOwned(db, &storage.VectorDB{}, req.VectorDBID, userID); err != nil {
		if storage.IsNotFound(err) {
			return nil, apperr.NotFound("VECTOR_DB_NOT_FOUND", "Vector database not found")
		}
		return nil, apperr.Internal("failed to load vector database", err)
	}

	job := &storage.Embedding{
		ID:           uuid.NewString(),
		DocumentID:   req.DocumentID,
		VectorDBID:   req.VectorDBID,
		Model:        model,
		Dimensions:   Dimensions(model),
		ChunkSize:    size,
		ChunkOverlap: overlap,
		CreatorID:    userID,
		Status:       storage.EmbeddingPending,
	}
	if err := db.Create(job).Error; err != nil {
		return nil, apperr.Internal("failed to create embedding job", err)
	}

	// 受付側のイベント発行が終わるまで処理を始めない
	accepted := make(chan struct{})
	taskID, err := o.runner.Submit(func(ctx context.Context) (any, error) {
		<-accepted
		return o.process(ctx, job.ID)
	})
	if err != nil {
		// 投入できなかったジョブは残さない
		if derr := db.Delete(&storage.Embedding{}, "id = ?", job.ID).Error; derr != nil {
			o.logger.Error().Err(derr).Str("embedding_id", job.ID).Msg("failed to roll back embedding job")
		}
		if errors.Is(err, jobs.ErrOverloaded) || errors.Is(err, jobs.ErrClosed) {
			return nil, apperr.Overloaded("TASK_QUEUE_FULL", "too many embedding jobs in progress, retry later", err)
		}
		return nil, apperr.Internal("failed to schedule embedding job", err)
	}

	o.logger.Info().
		Str("embedding_id", job.ID).
		Str("task_id", taskID).
		Str("document_id", job.DocumentID).
		Int("chunk_size", size).
		Int("chunk_overlap", overlap).
		Msg("embedding job accepted")
	o.cache.Invalidate(ctx, cacheScope, userID)
	o.publish(job, taskID, "")
	close(accepted)

	return &Accepted{
		TaskID:      taskID,
		EmbeddingID: job.ID,
		Status:      "processing",
	}, nil
}

// process はバックグラウンドで実行される処理本体です。
// 行の状態更新はすべて条件付きで、先に終了状態へ進んだ行を上書きしません。
func (o *Orchestrator) process(ctx context.Context, embeddingID string) (any, error) {
	db := o.db.Session(&gorm.Session{NewDB: true, Context: ctx})

	var job storage.Embedding
	if err := db.First(&job, "id = ?", embeddingID).Error; err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("embedding %s not found", embeddingID)
		}
		err = fmt.Errorf("failed to load embedding %s: %w", embeddingID, err)
		job.ID = embeddingID
		o.failPending(ctx, db, &job, err)
		return nil, err
	}

	claimed, err := o.advance(db, &job, storage.EmbeddingPending, map[string]any{
		"status": storage.EmbeddingProcessing,
	})
	if err != nil {
		o.failPending(ctx, db, &job, err)
		return nil, err
	}
	if !claimed {
		return nil, ErrAlreadyClaimed
	}
	job.Status = storage.EmbeddingProcessing
	o.transitioned(ctx, &job, "")

	chunks, err := o.chunkDocument(ctx, db, &job)
	if err != nil {
		o.fail(ctx, db, &job, err)
		return nil, err
	}

	data, err := json.Marshal(chunks)
	if err != nil {
		o.fail(ctx, db, &job, err)
		return nil, err
	}
	completedAt := o.now()
	done, err := o.advance(db, &job, storage.EmbeddingProcessing, map[string]any{
		"status":       storage.EmbeddingCompleted,
		"chunks":       datatypes.JSON(data),
		"completed_at": completedAt,
		"error":        nil,
	})
	if err != nil {
		o.fail(ctx, db, &job, err)
		return nil, err
	}
	if !done {
		return nil, errors.New("embedding job was removed or changed while processing")
	}
	job.Status = storage.EmbeddingCompleted
	job.CompletedAt = &completedAt
	o.transitioned(ctx, &job, "")

	return map[string]any{
		"embedding_id": job.ID,
		"status":       string(storage.EmbeddingCompleted),
		"num_chunks":   len(chunks),
	}, nil
}

func (o *Orchestrator) chunkDocument(ctx context.Context, db *gorm.DB, job *storage.Embedding) ([]chunker.Chunk, error) {
	var doc storage.Document
	if err := db.First(&doc, "id = ?", job.DocumentID).Error; err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("document %s not found", job.DocumentID)
		}
		return nil, fmt.Errorf("failed to load document %s: %w", job.DocumentID, err)
	}

	text, err := o.extractor.ExtractText(ctx, &doc)
	if err != nil {
		return nil, err
	}
	return chunker.Split(text, job.ChunkSize, job.ChunkOverlap)
}

// advance は行の状態が from のときだけ updates を適用し、適用できたかを返します。
func (o *Orchestrator) advance(db *gorm.DB, job *storage.Embedding, from storage.EmbeddingStatus, updates map[string]any) (bool, error) {
	res := db.Model(&storage.Embedding{}).
		Where("id = ? AND status = ?", job.ID, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update embedding %s: %w", job.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// fail は処理中のジョブを failed にします。エラーメッセージは行に保存され、ポーリングで参照できます。
func (o *Orchestrator) fail(ctx context.Context, db *gorm.DB, job *storage.Embedding, cause error) {
	o.failFrom(ctx, db, job, storage.EmbeddingProcessing, cause)
}

// failPending は処理を開始できなかったジョブを failed にします。
// 読み込みや取得の失敗直後なので、行が残っていれば pending のままです。
func (o *Orchestrator) failPending(ctx context.Context, db *gorm.DB, job *storage.Embedding, cause error) {
	o.failFrom(ctx, db, job, storage.EmbeddingPending, cause)
}

func (o *Orchestrator) failFrom(ctx context.Context, db *gorm.DB, job *storage.Embedding, from storage.EmbeddingStatus, cause error) {
	msg := cause.Error()
	ok, err := o.advance(db, job, from, map[string]any{
		"status": storage.EmbeddingFailed,
		"error":  msg,
	})
	if err != nil {
		o.logger.Error().Err(err).Str("embedding_id", job.ID).Msg("failed to record embedding failure")
		return
	}
	if !ok {
		return
	}
	if job.CreatorID == "" {
		// 読み込みに失敗した行は所有者が分からないので読み直す
		if err := db.Select("creator_id").First(job, "id = ?", job.ID).Error; err != nil {
			o.logger.Warn().Err(err).Str("embedding_id", job.ID).Msg("failed to load failed embedding owner")
		}
	}
	job.Status = storage.EmbeddingFailed
	job.Error = &msg
	o.transitioned(ctx, job, msg)
}

func (o *Orchestrator) transitioned(ctx context.Context, job *storage.Embedding, errMsg string) {
	o.cache.Invalidate(ctx, cacheScope, job.CreatorID)
	o.publish(job, "", errMsg)
}

func (o *Orchestrator) publish(job *storage.Embedding, taskID, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err := o.publisher.Publish(ctx, events.Event{
		EmbeddingID: job.ID,
		TaskID:      taskID,
		UserID:      job.CreatorID,
		Status:      string(job.Status),
		Error:       errMsg,
		OccurredAt:  o.now(),
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("embedding_id", job.ID).Msg("failed to publish embedding event")
	}
}

// TaskStatus はタスクIDに対応するタスクの状態を返します。未知のIDは status=not_found です。
func (o *Orchestrator) TaskStatus(taskID string) jobs.Record {
	return o.runner.Registry().Get(taskID)
}

// ListFilter は一覧の絞り込み条件です。
type ListFilter struct {
	DocumentID string
	VectorDBID string
}

// List は所有者の埋め込みジョブを新しい順に返します。結果はキャッシュされます。
func (o *Orchestrator) List(ctx context.Context, userID string, page storage.Page, filter ListFilter) (*storage.List[storage.Embedding], error) {
	key := cache.Key(cacheScope, userID, "list",
		strconv.Itoa(page.Skip), strconv.Itoa(page.Limit), filter.DocumentID, filter.VectorDBID)

	var cached storage.List[storage.Embedding]
	if o.cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}
	gen := o.cache.Generation(ctx, cacheScope, userID)

	query := o.db.WithContext(ctx).Model(&storage.Embedding{}).Where("creator_id = ?", userID)
	if filter.DocumentID != "" {
		query = query.Where("document_id = ?", filter.DocumentID)
	}
	if filter.VectorDBID != "" {
		query = query.Where("vector_db_id = ?", filter.VectorDBID)
	}

	result := &storage.List[storage.Embedding]{Items: []storage.Embedding{}}
	if err := query.Count(&result.Total).Error; err != nil {
		return nil, apperr.Internal("failed to count embeddings", err)
	}
	if err := page.Apply(query.Order("created_at DESC")).Find(&result.Items).Error; err != nil {
		return nil, apperr.Internal("failed to list embeddings", err)
	}

	o.cache.SetJSON(ctx, cacheScope, userID, key, gen, result)
	return result, nil
}

// Get は所有者が一致する埋め込みジョブを返します。結果はキャッシュされます。
func (o *Orchestrator) Get(ctx context.Context, id, userID string) (*storage.Embedding, error) {
	key := cache.Key(cacheScope, userID, "get", id)

	var cached storage.Embedding
	if o.cache.GetJSON(ctx, key, &cached) {
		return &cached, nil
	}
	gen := o.cache.Generation(ctx, cacheScope, userID)

	job, err := o.findOwned(o.db.WithContext(ctx), id, userID)
	if err != nil {
		return nil, err
	}
	o.cache.SetJSON(ctx, cacheScope, userID, key, gen, job)
	return job, nil
}

func (o *Orchestrator) findOwned(db *gorm.DB, id, userID string) (*storage.Embedding, error) {
	var job storage.Embedding
	if err := db.Where("id = ? AND creator_id = ?", id, userID).First(&job).Error; err != nil {
		if storage.IsNotFound(err) {
			return nil, apperr.NotFound("EMBEDDING_NOT_FOUND", "Embedding not found")
		}
		return nil, apperr.Internal("failed to load embedding", err)
	}
	return &job, nil
}

// Delete は埋め込みジョブを削除します。処理中のジョブを削除した場合、そのタスクは failed で終わります。
func (o *Orchestrator) Delete(ctx context.Context, id, userID string) error {
	db := o.db.WithContext(ctx)
	job, err := o.findOwned(db, id, userID)
	if err != nil {
		return err
	}
	if err := db.Delete(job).Error; err != nil {
		return apperr.Internal("failed to delete embedding", err)
	}

	o.cache.Invalidate(ctx, cacheScope, userID)
	o.logger.Info().Str("embedding_id", id).Msg("embedding deleted")
	return nil
}
