package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	"github.com/angelmondragon/poolnet-backend/pkg/types"
)

// LevelProgress is the running ledger line for one (node, tier, tree).
type LevelProgress struct {
	NodeID       uint64            `gorm:"column:node_id;primaryKey"`
	Tier         int               `gorm:"column:tier;primaryKey"`
	Tree         enums.TreeKind    `gorm:"column:tree;type:tree_kind;primaryKey"`
	TotalRevenue decimal.Decimal   `gorm:"column:total_revenue;type:numeric(20,2);not null;default:0"`
	Buckets      types.BucketFills `gorm:"column:buckets;type:jsonb;not null"`
	IsCompleted  bool              `gorm:"column:is_completed;not null;default:false"`
	CreatedAt    time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (LevelProgress) TableName() string {
	return "level_progress"
}
