// Package jobs はバックグラウンドタスクの実行と状態管理を提供します。
//
// Registry はプロセス内でのみ有効です。再起動で失われ、複数インスタンス間では共有されません。
package jobs

import "time"

// Status はタスクの実行状態を表します。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusNotFound  Status = "not_found"
)

// Terminal は終了状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// 許可される遷移。終了状態からの遷移はない。
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Record はタスクの現在状態を表します。
// Duration は秒単位で CompletedAt - StartedAt と一致します。
type Record struct {
	TaskID      string     `json:"task_id"`
	Status      Status     `json:"status"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    *float64   `json:"duration,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Found は Registry に存在したレコードかどうかを返します。
func (r Record) Found() bool {
	return r.Status != StatusNotFound
}

func notFound(taskID string) Record {
	return Record{TaskID: taskID, Status: StatusNotFound}
}
