package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrOverloaded は実行待ちキューが満杯で受け付けられなかった場合に返されます。
	ErrOverloaded = errors.New("task queue is full")
	// ErrClosed は Shutdown 後に Submit された場合に返されます。
	ErrClosed = errors.New("task runner is closed")
)

// Work はバックグラウンドで実行する処理です。戻り値はタスクの result になります。
type Work func(ctx context.Context) (any, error)

type queuedTask struct {
	id   string
	work Work
}

// Runner は Work を呼び出し元とは別のゴルーチンで実行し、結果を Registry に反映します。
// 同時実行数は ants のプールで、待機数はキュー長で上限を設けます。
type Runner struct {
	registry  *Registry
	pool      *ants.Pool
	queue     chan queuedTask
	retention time.Duration
	logger    zerolog.Logger

	workers   int
	queueSize int

	mu         sync.RWMutex
	closed     bool
	dispatcher sync.WaitGroup
	inflight   sync.WaitGroup
}

// Option は Runner の設定を変更します。
type Option func(*Runner)

// WithWorkers は同時実行ワーカー数を設定します。
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithQueueSize は実行待ちキューの上限を設定します。
func WithQueueSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithRetention は終了済みタスクの保持期間を設定します。
func WithRetention(d time.Duration) Option {
	return func(r *Runner) {
		if d >= 0 {
			r.retention = d
		}
	}
}

// WithLogger はロガーを設定します。
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner は Runner を初期化し、ディスパッチャを起動します。
func NewRunner(registry *Registry, opts ...Option) (*Runner, error) {
	if registry == nil {
		return nil, errors.New("registry is nil")
	}

	r := &Runner{
		registry:  registry,
		retention: DefaultRetention,
		logger:    zerolog.Nop(),
		workers:   4,
		queueSize: 64,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "task-runner").Logger()

	pool, err := ants.NewPool(r.workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	r.pool = pool
	r.queue = make(chan queuedTask, r.queueSize)

	r.dispatcher.Add(1)
	go r.dispatch()

	return r, nil
}

// Registry は状態の参照先を返します。
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Submit はタスクを登録して実行待ちキューに積み、タスクIDを即座に返します。
// 呼び出し元がブロックされることはなく、キューが満杯なら ErrOverloaded を返します。
func (r *Runner) Submit(work Work) (string, error) {
	if work == nil {
		return "", errors.New("work is nil")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return "", ErrClosed
	}

	id := r.registry.Create()
	select {
	case r.queue <- queuedTask{id: id, work: work}:
		return id, nil
	default:
		r.registry.remove(id)
		return "", ErrOverloaded
	}
}

// Shutdown は新規受付を止め、実行中・待機中のタスクが終わるまで ctx の期限まで待ちます。
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.dispatcher.Wait()
		r.inflight.Wait()
		close(done)
	}()

	defer r.pool.Release()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) dispatch() {
	defer r.dispatcher.Done()
	for task := range r.queue {
		task := task
		r.inflight.Add(1)
		// プールが埋まっている間はここで待つ。Submit 側はキューで受けるのでブロックしない。
		if err := r.pool.Submit(func() {
			defer r.inflight.Done()
			r.execute(task)
		}); err != nil {
			r.inflight.Done()
			r.logger.Error().Err(err).Str("task_id", task.id).Msg("failed to schedule task")
			r.registry.transition(task.id, StatusFailed, nil, err.Error())
		}
	}
}

func (r *Runner) execute(task queuedTask) {
	r.registry.transition(task.id, StatusRunning, nil, "")

	result, err := r.invoke(task.work)
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "task failed"
		}
		r.logger.Error().Err(err).Str("task_id", task.id).Msg("background task failed")
		r.registry.transition(task.id, StatusFailed, nil, msg)
	} else {
		r.registry.transition(task.id, StatusCompleted, result, "")
	}

	if removed := r.registry.Reap(r.retention); removed > 0 {
		r.logger.Debug().Int("removed", removed).Msg("reaped finished tasks")
	}
}

func (r *Runner) invoke(work Work) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	// キャンセルは提供しないため、リクエストのコンテキストとは切り離す
	return work(context.Background())
}
