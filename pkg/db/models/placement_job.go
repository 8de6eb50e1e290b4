package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/pkg/enums"
)

// PlacementJob is the durable queue entry asking for a node to be placed in a
// tree. IncomeAmount is distributed to the parent once the slot is written.
type PlacementJob struct {
	ID            uuid.UUID                `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	NodeID        uint64                   `gorm:"column:node_id;not null"`
	Tree          enums.TreeKind           `gorm:"column:tree;type:tree_kind;not null"`
	Status        enums.PlacementJobStatus `gorm:"column:status;type:placement_job_status;not null;default:'queued'"`
	Attempts      int                      `gorm:"column:attempts;not null;default:0"`
	IncomeAmount  decimal.Decimal          `gorm:"column:income_amount;type:numeric(20,2);not null;default:0"`
	NextAttemptAt time.Time                `gorm:"column:next_attempt_at;not null"`
	StartedAt     *time.Time               `gorm:"column:started_at"`
	CompletedAt   *time.Time               `gorm:"column:completed_at"`
	LastError     *string                  `gorm:"column:last_error"`
	CreatedAt     time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (j *PlacementJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}
