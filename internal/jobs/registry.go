package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRetention は終了済みタスクを保持する既定の期間です。
const DefaultRetention = time.Hour

// Registry はタスクIDごとの状態をメモリ上に保持します。
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Record
	now   func() time.Time
	newID func() string
}

// NewRegistry は空の Registry を作成します。
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*Record),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Create は pending 状態のタスクを登録し、そのIDを返します。
func (r *Registry) Create() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	createdAt := r.now().UTC()
	r.tasks[id] = &Record{
		TaskID:    id,
		Status:    StatusPending,
		CreatedAt: &createdAt,
	}
	return id
}

// Get はタスクの状態のコピーを返します。未登録のIDには status=not_found を返します。
func (r *Registry) Get(taskID string) Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.tasks[taskID]
	if !ok {
		return notFound(taskID)
	}
	return *record
}

// Len は登録済みタスク数を返します。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// transition は状態を更新し、対応するタイムスタンプを記録します。
// 不正な遷移（終了状態からの遷移や逆戻り）は無視して false を返します。
func (r *Registry) transition(taskID string, to Status, result any, errMsg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.tasks[taskID]
	if !ok || !canTransition(record.Status, to) {
		return false
	}

	now := r.now().UTC()
	switch to {
	case StatusRunning:
		record.StartedAt = &now
	case StatusCompleted, StatusFailed:
		if record.StartedAt == nil {
			record.StartedAt = &now
		}
		record.CompletedAt = &now
		duration := now.Sub(*record.StartedAt).Seconds()
		record.Duration = &duration
		if to == StatusCompleted {
			record.Result = result
		} else {
			record.Error = errMsg
		}
	}
	record.Status = to
	return true
}

func (r *Registry) remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, taskID)
}

// Reap は終了から maxAge 以上経過したタスクを削除し、削除件数を返します。
// 実行中・待機中のタスクには触れません。
func (r *Registry) Reap(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, record := range r.tasks {
		if !record.Status.Terminal() || record.CompletedAt == nil {
			continue
		}
		if now.Sub(*record.CompletedAt) >= maxAge {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}
