package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type FlagRecord struct {
	FlagName     Name      `json:"flag_name" gorm:"column:flag_name;type:text;primaryKey"`
	CurrentState State     `json:"current_state" gorm:"type:text;not null"`
	LastModified time.Time `json:"last_modified" gorm:"not null"`
	ModifiedBy   string    `json:"modified_by" gorm:"type:text;not null"`
}

func (FlagRecord) TableName() string { return "allocation_flags" }

type FlagAudit struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	FlagName      Name         `json:"flag_name" gorm:"type:text;not null;index"`
	PreviousState State        `json:"previous_state" gorm:"type:text;not null"`
	NewState      State        `json:"new_state" gorm:"type:text;not null"`
	Actor         string       `json:"actor" gorm:"type:text;not null"`
	CreatedAt     time.Time    `json:"created_at" gorm:"not null"`
}

func (FlagAudit) TableName() string { return "allocation_flag_audits" }

// FlagView is the read model exposed to operators.
type FlagView struct {
	Name         Name       `json:"name"`
	Description  string     `json:"description"`
	State        State      `json:"state"`
	Default      State      `json:"default"`
	States       []State    `json:"states"`
	Next         []State    `json:"next"`
	LastModified *time.Time `json:"last_modified,omitempty"`
	ModifiedBy   string     `json:"modified_by,omitempty"`
}

// Change is the outcome of SetState.
type Change struct {
	Flag     Name  `json:"flag"`
	Previous State `json:"previous"`
	Current  State `json:"current"`
	Changed  bool  `json:"changed"`
}

type Repository interface {
	List(ctx context.Context, db *gorm.DB) ([]FlagRecord, error)
	Lock(ctx context.Context, db *gorm.DB, name Name) (*FlagRecord, error)
	EnsureDefaults(ctx context.Context, db *gorm.DB, records []FlagRecord) error
	Save(ctx context.Context, db *gorm.DB, record FlagRecord) error
	InsertAudit(ctx context.Context, db *gorm.DB, audit *FlagAudit) error
	ListAudits(ctx context.Context, db *gorm.DB, name Name, limit int) ([]FlagAudit, error)
}

type Service interface {
	Load(ctx context.Context) error
	Refresh(ctx context.Context) error
	Snapshot() Snapshot
	GetState(name Name) (State, error)
	SetState(ctx context.Context, name Name, state State, actor string) (Change, error)
	List() []FlagView
	Get(name Name) (FlagView, error)
	History(ctx context.Context, name Name, limit int) ([]FlagAudit, error)
}
