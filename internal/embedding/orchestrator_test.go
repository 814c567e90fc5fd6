package embedding

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/yourusername/ollama-workshop/internal/apperr"
	"github.com/yourusername/ollama-workshop/internal/auth"
	"github.com/yourusername/ollama-workshop/internal/cache"
	"github.com/yourusername/ollama-workshop/internal/chunker"
	"github.com/yourusername/ollama-workshop/internal/documents"
	"github.com/yourusername/ollama-workshop/internal/events"
	"github.com/yourusername/ollama-workshop/internal/jobs"
	"github.com/yourusername/ollama-workshop/internal/storage"
	"github.com/yourusername/ollama-workshop/internal/storage/storagetest"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Status
	}
	return out
}

// manualRunner は投入された処理を保持し、テストから明示的に実行します。
type manualRunner struct {
	registry *jobs.Registry
	err      error
	work     []jobs.Work
}

func (r *manualRunner) Submit(work jobs.Work) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.work = append(r.work, work)
	return r.registry.Create(), nil
}

func (r *manualRunner) Registry() *jobs.Registry { return r.registry }

type failingExtractor struct{}

func (failingExtractor) ExtractText(context.Context, *storage.Document) (string, error) {
	return "", errors.New("extraction failed: corrupted file")
}

type fixture struct {
	db   *gorm.DB
	user *storage.User
	doc  *storage.Document
	vdb  *storage.VectorDB
	docs *documents.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storagetest.NewDB(t)
	user := storagetest.CreateUser(t, db, "owner")

	doc := &storage.Document{
		Title:     "long",
		FileType:  "txt",
		Content:   base64.StdEncoding.EncodeToString([]byte(strings.Repeat("a", 2600))),
		CreatorID: user.ID,
	}
	require.NoError(t, db.Create(doc).Error)
	vdb := &storage.VectorDB{Name: "main", Type: "chroma", CreatorID: user.ID}
	require.NoError(t, db.Create(vdb).Error)

	return &fixture{
		db:   db,
		user: user,
		doc:  doc,
		vdb:  vdb,
		docs: documents.NewService(db, nil, zerolog.Nop()),
	}
}

func newRunner(t *testing.T) *jobs.Runner {
	t.Helper()
	runner, err := jobs.NewRunner(jobs.NewRegistry(), jobs.WithWorkers(2), jobs.WithQueueSize(8))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})
	return runner
}

func waitTerminal(t *testing.T, o *Orchestrator, taskID string) jobs.Record {
	t.Helper()
	var record jobs.Record
	require.Eventually(t, func() bool {
		record = o.TaskStatus(taskID)
		return record.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return record
}

func intPtr(n int) *int { return &n }

func (f *fixture) request() CreateRequest {
	return CreateRequest{DocumentID: f.doc.ID, VectorDBID: f.vdb.ID, Model: "nomic-embed-text:latest"}
}

func countEmbeddings(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&storage.Embedding{}).Count(&n).Error)
	return n
}

func TestCreateJobCompletes(t *testing.T) {
	f := newFixture(t)
	pub := &recordingPublisher{}
	o := NewOrchestrator(f.db, newRunner(t), f.docs, nil, pub, zerolog.Nop())

	req := f.request()
	req.ChunkSize = intPtr(1000)
	req.ChunkOverlap = intPtr(200)
	accepted, err := o.CreateJob(context.Background(), req, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, "processing", accepted.Status)
	assert.NotEmpty(t, accepted.TaskID)

	record := waitTerminal(t, o, accepted.TaskID)
	require.Equal(t, jobs.StatusCompleted, record.Status, record.Error)
	result, ok := record.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 4, result["num_chunks"])
	assert.Equal(t, accepted.EmbeddingID, result["embedding_id"])
	require.NotNil(t, record.Duration)
	assert.GreaterOrEqual(t, *record.Duration, 0.0)

	job, err := o.Get(context.Background(), accepted.EmbeddingID, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.EmbeddingCompleted, job.Status)
	assert.Nil(t, job.Error)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, 768, job.Dimensions)

	var chunks []chunker.Chunk
	require.NoError(t, json.Unmarshal(job.Chunks, &chunks))
	require.Len(t, chunks, 4)
	for i, start := range []int{0, 800, 1600, 2400} {
		assert.Equal(t, start, chunks[i].Metadata.Start)
		assert.Equal(t, i, chunks[i].Metadata.Position)
	}
	assert.Equal(t, 2600, chunks[3].Metadata.End)

	assert.Equal(t, []string{"pending", "processing", "completed"}, pub.statuses())
}

func TestCreateJobDefaultsWindow(t *testing.T) {
	f := newFixture(t)
	o := NewOrchestrator(f.db, newRunner(t), f.docs, nil, nil, zerolog.Nop())

	accepted, err := o.CreateJob(context.Background(), f.request(), f.user.ID)
	require.NoError(t, err)
	waitTerminal(t, o, accepted.TaskID)

	var job storage.Embedding
	require.NoError(t, f.db.First(&job, "id = ?", accepted.EmbeddingID).Error)
	assert.Equal(t, DefaultChunkSize, job.ChunkSize)
	assert.Equal(t, DefaultChunkOverlap, job.ChunkOverlap)
}

func TestCreateJobRejectsWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	other := storagetest.CreateUser(t, f.db, "other")
	theirs := &storage.VectorDB{Name: "theirs", Type: "chroma", CreatorID: other.ID}
	require.NoError(t, f.db.Create(theirs).Error)
	runner := &manualRunner{registry: jobs.NewRegistry()}
	o := NewOrchestrator(f.db, runner, f.docs, nil, nil, zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		name   string
		req    func() CreateRequest
		userID string
		kind   apperr.Kind
		code   string
	}{
		{
			name:   "foreign document",
			req:    f.request,
			userID: other.ID,
			kind:   apperr.KindNotFound,
			code:   "DOCUMENT_NOT_FOUND",
		},
		{
			name: "missing vector db",
			req: func() CreateRequest {
				r := f.request()
				r.VectorDBID = "missing"
				return r
			},
			userID: f.user.ID,
			kind:   apperr.KindNotFound,
			code:   "VECTOR_DB_NOT_FOUND",
		},
		{
			name: "foreign vector db",
			req: func() CreateRequest {
				r := f.request()
				r.VectorDBID = theirs.ID
				return r
			},
			userID: f.user.ID,
			kind:   apperr.KindNotFound,
			code:   "VECTOR_DB_NOT_FOUND",
		},
		{
			name: "overlap equals size",
			req: func() CreateRequest {
				r := f.request()
				r.ChunkSize = intPtr(100)
				r.ChunkOverlap = intPtr(100)
				return r
			},
			userID: f.user.ID,
			kind:   apperr.KindInvalidArgument,
			code:   "INVALID_CHUNK_WINDOW",
		},
		{
			name: "zero size",
			req: func() CreateRequest {
				r := f.request()
				r.ChunkSize = intPtr(0)
				return r
			},
			userID: f.user.ID,
			kind:   apperr.KindInvalidArgument,
			code:   "INVALID_CHUNK_WINDOW",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.CreateJob(ctx, tt.req(), tt.userID)
			var apiErr *apperr.Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.kind, apiErr.Kind)
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}

	assert.Zero(t, countEmbeddings(t, f.db))
	assert.Zero(t, runner.registry.Len())
	assert.Empty(t, runner.work)
}

func TestCreateJobQueueFull(t *testing.T) {
	f := newFixture(t)
	runner := &manualRunner{registry: jobs.NewRegistry(), err: jobs.ErrOverloaded}
	o := NewOrchestrator(f.db, runner, f.docs, nil, nil, zerolog.Nop())

	_, err := o.CreateJob(context.Background(), f.request(), f.user.ID)
	var apiErr *apperr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apperr.KindOverloaded, apiErr.Kind)
	assert.Equal(t, "TASK_QUEUE_FULL", apiErr.Code)
	assert.Zero(t, countEmbeddings(t, f.db))
}

func TestExtractionFailureMarksJobFailed(t *testing.T) {
	f := newFixture(t)
	pub := &recordingPublisher{}
	o := NewOrchestrator(f.db, newRunner(t), failingExtractor{}, nil, pub, zerolog.Nop())

	accepted, err := o.CreateJob(context.Background(), f.request(), f.user.ID)
	require.NoError(t, err)

	record := waitTerminal(t, o, accepted.TaskID)
	assert.Equal(t, jobs.StatusFailed, record.Status)
	assert.Contains(t, record.Error, "corrupted file")

	var job storage.Embedding
	require.NoError(t, f.db.First(&job, "id = ?", accepted.EmbeddingID).Error)
	assert.Equal(t, storage.EmbeddingFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "corrupted file")
	assert.Nil(t, job.CompletedAt)
	assert.Empty(t, job.Chunks)

	assert.Equal(t, []string{"pending", "processing", "failed"}, pub.statuses())
}

func TestProcessDoesNotReclaimJob(t *testing.T) {
	f := newFixture(t)
	o := NewOrchestrator(f.db, &manualRunner{registry: jobs.NewRegistry()}, f.docs, nil, nil, zerolog.Nop())

	job := &storage.Embedding{
		DocumentID: f.doc.ID, VectorDBID: f.vdb.ID, Model: "m", Dimensions: 768,
		ChunkSize: 1000, ChunkOverlap: 200, CreatorID: f.user.ID, Status: storage.EmbeddingProcessing,
	}
	require.NoError(t, f.db.Create(job).Error)

	_, err := o.process(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.False(t, apperr.IsKind(err, apperr.KindInvalidArgument))

	var reloaded storage.Embedding
	require.NoError(t, f.db.First(&reloaded, "id = ?", job.ID).Error)
	assert.Equal(t, storage.EmbeddingProcessing, reloaded.Status)
	assert.Empty(t, reloaded.Chunks)
}

func TestProcessAfterDeletionFails(t *testing.T) {
	f := newFixture(t)
	runner := &manualRunner{registry: jobs.NewRegistry()}
	o := NewOrchestrator(f.db, runner, f.docs, nil, nil, zerolog.Nop())
	ctx := context.Background()

	accepted, err := o.CreateJob(ctx, f.request(), f.user.ID)
	require.NoError(t, err)
	require.NoError(t, o.Delete(ctx, accepted.EmbeddingID, f.user.ID))

	require.Len(t, runner.work, 1)
	_, err = runner.work[0](ctx)
	assert.ErrorContains(t, err, "not found")
}

// failOnce は次の1回だけ指定の操作をエラーにするコールバックを返します。
func failOnce(cause error) func(*gorm.DB) {
	var fired atomic.Bool
	return func(tx *gorm.DB) {
		if fired.CompareAndSwap(false, true) {
			_ = tx.AddError(cause)
		}
	}
}

func TestClaimErrorMarksJobFailed(t *testing.T) {
	f := newFixture(t)
	pub := &recordingPublisher{}
	runner := &manualRunner{registry: jobs.NewRegistry()}
	o := NewOrchestrator(f.db, runner, f.docs, nil, pub, zerolog.Nop())
	ctx := context.Background()

	accepted, err := o.CreateJob(ctx, f.request(), f.user.ID)
	require.NoError(t, err)
	require.NoError(t, f.db.Callback().Update().Before("gorm:update").
		Register("test:fail_claim", failOnce(errors.New("database is locked"))))

	require.Len(t, runner.work, 1)
	_, err = runner.work[0](ctx)
	assert.ErrorContains(t, err, "database is locked")

	var job storage.Embedding
	require.NoError(t, f.db.First(&job, "id = ?", accepted.EmbeddingID).Error)
	assert.Equal(t, storage.EmbeddingFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "database is locked")
	assert.Equal(t, []string{"pending", "failed"}, pub.statuses())
}

func TestLoadErrorMarksJobFailed(t *testing.T) {
	f := newFixture(t)
	pub := &recordingPublisher{}
	runner := &manualRunner{registry: jobs.NewRegistry()}
	o := NewOrchestrator(f.db, runner, f.docs, nil, pub, zerolog.Nop())
	ctx := context.Background()

	accepted, err := o.CreateJob(ctx, f.request(), f.user.ID)
	require.NoError(t, err)
	require.NoError(t, f.db.Callback().Query().Before("gorm:query").
		Register("test:fail_load", failOnce(errors.New("connection reset"))))

	require.Len(t, runner.work, 1)
	_, err = runner.work[0](ctx)
	assert.ErrorContains(t, err, "connection reset")

	var job storage.Embedding
	require.NoError(t, f.db.First(&job, "id = ?", accepted.EmbeddingID).Error)
	assert.Equal(t, storage.EmbeddingFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "connection reset")

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 2)
	assert.Equal(t, "failed", pub.events[1].Status)
	assert.Equal(t, f.user.ID, pub.events[1].UserID)
}

func TestCachedReadDoesNotOverwriteNewerState(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.New(client, time.Minute, zerolog.Nop())

	runner := &manualRunner{registry: jobs.NewRegistry()}
	o := NewOrchestrator(f.db, runner, f.docs, c, nil, zerolog.Nop())
	ctx := context.Background()

	accepted, err := o.CreateJob(ctx, f.request(), f.user.ID)
	require.NoError(t, err)
	require.Len(t, runner.work, 1)

	// 読み取りの直後、キャッシュへ書き込む前にジョブを完了させる
	var armed atomic.Bool
	armed.Store(true)
	require.NoError(t, f.db.Callback().Query().After("gorm:query").Register("test:complete_between", func(*gorm.DB) {
		if armed.CompareAndSwap(true, false) {
			_, err := runner.work[0](ctx)
			assert.NoError(t, err)
		}
	}))

	job, err := o.Get(ctx, accepted.EmbeddingID, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.EmbeddingPending, job.Status)
	assert.False(t, armed.Load())

	job, err = o.Get(ctx, accepted.EmbeddingID, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.EmbeddingCompleted, job.Status)
}

func TestCachedReadsStayFresh(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.New(client, time.Minute, zerolog.Nop())

	runner := &manualRunner{registry: jobs.NewRegistry()}
	o := NewOrchestrator(f.db, runner, f.docs, c, nil, zerolog.Nop())
	ctx := context.Background()

	accepted, err := o.CreateJob(ctx, f.request(), f.user.ID)
	require.NoError(t, err)

	job, err := o.Get(ctx, accepted.EmbeddingID, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.EmbeddingPending, job.Status)
	list, err := o.List(ctx, f.user.ID, storage.Page{Limit: 10}, ListFilter{DocumentID: f.doc.ID})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, storage.EmbeddingPending, list.Items[0].Status)

	require.Len(t, runner.work, 1)
	_, err = runner.work[0](ctx)
	require.NoError(t, err)

	job, err = o.Get(ctx, accepted.EmbeddingID, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.EmbeddingCompleted, job.Status)
	list, err = o.List(ctx, f.user.ID, storage.Page{Limit: 10}, ListFilter{DocumentID: f.doc.ID})
	require.NoError(t, err)
	assert.Equal(t, storage.EmbeddingCompleted, list.Items[0].Status)
}

func TestListFiltersAndOwnership(t *testing.T) {
	f := newFixture(t)
	other := storagetest.CreateUser(t, f.db, "other")
	runner := &manualRunner{registry: jobs.NewRegistry()}
	o := NewOrchestrator(f.db, runner, f.docs, nil, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := o.CreateJob(ctx, f.request(), f.user.ID)
	require.NoError(t, err)
	accepted, err := o.CreateJob(ctx, f.request(), f.user.ID)
	require.NoError(t, err)

	list, err := o.List(ctx, f.user.ID, storage.Page{Limit: 1}, ListFilter{VectorDBID: f.vdb.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 2, list.Total)
	assert.Len(t, list.Items, 1)

	list, err = o.List(ctx, f.user.ID, storage.Page{Limit: 10}, ListFilter{DocumentID: "other"})
	require.NoError(t, err)
	assert.Zero(t, list.Total)

	list, err = o.List(ctx, other.ID, storage.Page{Limit: 10}, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list.Items)

	_, err = o.Get(ctx, accepted.EmbeddingID, other.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	assert.True(t, apperr.IsKind(o.Delete(ctx, accepted.EmbeddingID, other.ID), apperr.KindNotFound))
}

func TestDimensions(t *testing.T) {
	tests := map[string]int{
		"nomic-embed-text:latest": 768,
		"nomic-embed-text":        768,
		"all-minilm:22m":          384,
		"text-embedding-3-large":  3072,
		"snowflake-arctic-embed2": 1024,
		"my-large-model":          1024,
		"tiny-small":              384,
		"mystery":                 768,
	}
	for model, want := range tests {
		assert.Equal(t, want, Dimensions(model), model)
	}
}

func TestUnknownTaskStatus(t *testing.T) {
	o := NewOrchestrator(nil, &manualRunner{registry: jobs.NewRegistry()}, nil, nil, nil, zerolog.Nop())
	record := o.TaskStatus("nope")
	assert.Equal(t, jobs.StatusNotFound, record.Status)
	assert.Equal(t, "nope", record.TaskID)
}

func TestHTTPRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	o := NewOrchestrator(f.db, newRunner(t), f.docs, nil, nil, zerolog.Nop())

	r := gin.New()
	RegisterRoutes(r.Group("/embeddings", func(c *gin.Context) {
		auth.SetCurrentUser(c, f.user)
		c.Next()
	}), o)

	body := `{"document_id":"` + f.doc.ID + `","vector_db_id":"` + f.vdb.ID + `","model":"all-minilm:22m","chunk_size":500,"chunk_overlap":50}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/embeddings", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var accepted Accepted
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	assert.Equal(t, "processing", accepted.Status)
	waitTerminal(t, o, accepted.TaskID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/embeddings/tasks/"+accepted.TaskID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"completed"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/embeddings/tasks/unknown", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"task_id":"unknown","status":"not_found"}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/embeddings/"+accepted.EmbeddingID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"dimensions":384`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/embeddings/models", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var models []Model
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &models))
	assert.Len(t, models, len(Models()))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/embeddings", strings.NewReader(`{"model":"x"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/embeddings/"+accepted.EmbeddingID, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/embeddings/"+accepted.EmbeddingID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
