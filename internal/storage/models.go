package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Role はユーザーの権限です。
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// IsAdmin は管理者権限を持つかを返します。
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// ApprovalStatus は登録申請の状態です。
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// EmbeddingStatus は埋め込みジョブの永続化された状態です。
type EmbeddingStatus string

const (
	EmbeddingPending    EmbeddingStatus = "pending"
	EmbeddingProcessing EmbeddingStatus = "processing"
	EmbeddingCompleted  EmbeddingStatus = "completed"
	EmbeddingFailed     EmbeddingStatus = "failed"
)

// Terminal は終了状態かどうかを返します。
func (s EmbeddingStatus) Terminal() bool {
	return s == EmbeddingCompleted || s == EmbeddingFailed
}

type User struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	Username       string         `gorm:"uniqueIndex;not null" json:"username"`
	Email          string         `gorm:"uniqueIndex;not null" json:"email"`
	HashedPassword string         `gorm:"not null" json:"-"`
	Role           Role           `gorm:"not null;default:user" json:"role"`
	IsActive       bool           `gorm:"not null;default:false" json:"is_active"`
	ApprovalStatus ApprovalStatus `gorm:"not null;default:pending" json:"approval_status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// CanLogin は有効化かつ承認済みかを返します。
func (u *User) CanLogin() bool {
	return u.IsActive && u.ApprovalStatus == ApprovalApproved
}

func (u *User) BeforeCreate(*gorm.DB) error {
	u.ID = ensureID(u.ID)
	return nil
}

// Document の Content は base64 エンコードされた元ファイルです。
type Document struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Title     string    `gorm:"not null" json:"title"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	FileType  string    `gorm:"not null;index" json:"file_type"`
	CreatorID string    `gorm:"size:36;not null;index" json:"creator_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (d *Document) BeforeCreate(*gorm.DB) error {
	d.ID = ensureID(d.ID)
	return nil
}

// VectorDB はベクトルストアの接続設定です。実際のインデックス操作は行いません。
type VectorDB struct {
	ID               string    `gorm:"primaryKey;size:36" json:"id"`
	Name             string    `gorm:"not null" json:"name"`
	Type             string    `gorm:"not null;index" json:"type"`
	ConnectionString *string   `json:"connection_string"`
	CreatorID        string    `gorm:"size:36;not null;index" json:"creator_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (VectorDB) TableName() string {
	return "vector_databases"
}

func (v *VectorDB) BeforeCreate(*gorm.DB) error {
	v.ID = ensureID(v.ID)
	return nil
}

// Embedding は埋め込みジョブとその結果（チャンク一覧）です。
// Error は status=failed のときだけ、CompletedAt は status=completed のときだけ設定されます。
type Embedding struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	DocumentID   string          `gorm:"size:36;not null;index" json:"document_id"`
	VectorDBID   string          `gorm:"column:vector_db_id;size:36;not null;index" json:"vector_db_id"`
	Model        string          `gorm:"not null" json:"model"`
	Dimensions   int             `gorm:"not null" json:"dimensions"`
	ChunkSize    int             `gorm:"not null" json:"chunk_size"`
	ChunkOverlap int             `gorm:"not null" json:"chunk_overlap"`
	CreatorID    string          `gorm:"size:36;not null;index" json:"creator_id"`
	Status       EmbeddingStatus `gorm:"not null;index;default:pending" json:"status"`
	Error        *string         `json:"error"`
	Chunks       datatypes.JSON  `json:"chunks,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (e *Embedding) BeforeCreate(*gorm.DB) error {
	e.ID = ensureID(e.ID)
	return nil
}

// Prompt は再利用するプロンプトテンプレートです。
type Prompt struct {
	ID        string                      `gorm:"primaryKey;size:36" json:"id"`
	Title     string                      `gorm:"not null" json:"title"`
	Content   string                      `gorm:"type:text;not null" json:"content"`
	Model     string                      `gorm:"not null" json:"model"`
	Category  *string                     `gorm:"index" json:"category"`
	Tags      datatypes.JSONSlice[string] `json:"tags"`
	CreatorID string                      `gorm:"size:36;not null;index" json:"creator_id"`
	CreatedAt time.Time                   `json:"created_at"`
	UpdatedAt time.Time                   `json:"updated_at"`
}

func (p *Prompt) BeforeCreate(*gorm.DB) error {
	p.ID = ensureID(p.ID)
	return nil
}

// Tool はモデルから呼び出すツールの定義です。コードは保存するだけで実行しません。
type Tool struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Name        string    `gorm:"not null" json:"name"`
	Description string    `gorm:"type:text;not null" json:"description"`
	Code        string    `gorm:"type:text;not null" json:"code"`
	Language    string    `gorm:"not null;index;default:python" json:"language"`
	CreatorID   string    `gorm:"size:36;not null;index" json:"creator_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (t *Tool) BeforeCreate(*gorm.DB) error {
	t.ID = ensureID(t.ID)
	return nil
}

// RAGSystem はドキュメント群・ベクトルストア・プロンプトを組み合わせた検索拡張生成の構成です。
// Documents は参照するドキュメントIDの一覧です。
type RAGSystem struct {
	ID             string                      `gorm:"primaryKey;size:36" json:"id"`
	Name           string                      `gorm:"not null" json:"name"`
	Description    *string                     `gorm:"type:text" json:"description"`
	EmbeddingModel string                      `gorm:"not null" json:"embedding_model"`
	Documents      datatypes.JSONSlice[string] `json:"documents"`
	VectorDBID     *string                     `gorm:"column:vector_db_id;size:36;index" json:"vector_db_id"`
	PromptID       *string                     `gorm:"size:36;index" json:"prompt_id"`
	CreatorID      string                      `gorm:"size:36;not null;index" json:"creator_id"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

func (RAGSystem) TableName() string {
	return "rag_systems"
}

func (r *RAGSystem) BeforeCreate(*gorm.DB) error {
	r.ID = ensureID(r.ID)
	return nil
}

func ensureID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}
