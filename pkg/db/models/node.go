package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/poolnet-backend/pkg/enums"
)

// Node is one position in both the self pool and the auto pool.
type Node struct {
	ID            uint64           `gorm:"column:id;primaryKey;autoIncrement"`
	ReferralCode  string           `gorm:"column:referral_code;not null;uniqueIndex"`
	OwnerID       uint64           `gorm:"column:owner_id;not null"`
	SponsorID     *uint64          `gorm:"column:sponsor_id"`
	SelfParentID  *uint64          `gorm:"column:self_parent_id"`
	AutoParentID  *uint64          `gorm:"column:auto_parent_id"`
	SelfTier      int              `gorm:"column:self_tier;not null;default:1"`
	AutoTier      int              `gorm:"column:auto_tier;not null;default:1"`
	IsRebirth     bool             `gorm:"column:is_rebirth;not null;default:false"`
	OriginNodeID  *uint64          `gorm:"column:origin_node_id"`
	WalletBalance decimal.Decimal  `gorm:"column:wallet_balance;type:numeric(20,2);not null;default:0"`
	Status        enums.NodeStatus `gorm:"column:status;type:node_status;not null;default:'active'"`
	SelfPlacedAt  *time.Time       `gorm:"column:self_placed_at"`
	AutoPlacedAt  *time.Time       `gorm:"column:auto_placed_at"`
	CreatedAt     time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

// ParentID returns the parent link for the given tree.
func (n *Node) ParentID(tree enums.TreeKind) *uint64 {
	if tree == enums.TreeAuto {
		return n.AutoParentID
	}
	return n.SelfParentID
}

// Tier returns the current tier for the given tree.
func (n *Node) Tier(tree enums.TreeKind) int {
	if tree == enums.TreeAuto {
		return n.AutoTier
	}
	return n.SelfTier
}
