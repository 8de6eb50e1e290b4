package nodes

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/poolnet-backend/internal/placement"
	"github.com/angelmondragon/poolnet-backend/internal/waterfall"
	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
)

// CreateInput is a node purchase. An empty sponsor code attaches the node to
// the self root.
type CreateInput struct {
	OwnerID     uint64 `json:"owner_id" validate:"required"`
	SponsorCode string `json:"sponsor_code" validate:"omitempty,max=32"`
}

// CreateResult reports what a purchase did.
type CreateResult struct {
	Node              NodeDTO
	SelfPlacement     *placement.Result
	AutoJob           *models.PlacementJob
	SponsorCommission decimal.Decimal
	SelfDistribution  *waterfall.Effects
}

// NodeDTO is the read model of a node.
type NodeDTO struct {
	ID            uint64           `json:"id"`
	ReferralCode  string           `json:"referral_code"`
	OwnerID       uint64           `json:"owner_id"`
	SponsorID     *uint64          `json:"sponsor_id,omitempty"`
	SelfParentID  *uint64          `json:"self_parent_id,omitempty"`
	AutoParentID  *uint64          `json:"auto_parent_id,omitempty"`
	SelfTier      int              `json:"self_tier"`
	AutoTier      int              `json:"auto_tier"`
	IsRebirth     bool             `json:"is_rebirth"`
	OriginNodeID  *uint64          `json:"origin_node_id,omitempty"`
	WalletBalance decimal.Decimal  `json:"wallet_balance"`
	Status        enums.NodeStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
}

// NodePage is one page of an owner's nodes. NextCursor is empty on the last page.
type NodePage struct {
	Items      []NodeDTO `json:"items"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// FromModel maps a node row to its DTO.
func FromModel(n *models.Node) NodeDTO {
	return NodeDTO{
		ID:            n.ID,
		ReferralCode:  n.ReferralCode,
		OwnerID:       n.OwnerID,
		SponsorID:     n.SponsorID,
		SelfParentID:  n.SelfParentID,
		AutoParentID:  n.AutoParentID,
		SelfTier:      n.SelfTier,
		AutoTier:      n.AutoTier,
		IsRebirth:     n.IsRebirth,
		OriginNodeID:  n.OriginNodeID,
		WalletBalance: n.WalletBalance,
		Status:        n.Status,
		CreatedAt:     n.CreatedAt,
	}
}
