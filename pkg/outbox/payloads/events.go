package payloads

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/poolnet-backend/pkg/enums"
)

// NodeCreatedEvent announces a purchased or rebirth-spawned node.
type NodeCreatedEvent struct {
	NodeID       uint64  `json:"node_id"`
	OwnerID      uint64  `json:"owner_id"`
	ReferralCode string  `json:"referral_code"`
	SponsorID    *uint64 `json:"sponsor_id,omitempty"`
	SelfParentID *uint64 `json:"self_parent_id,omitempty"`
	IsRebirth    bool    `json:"is_rebirth"`
}

// PlacementRequestedEvent wakes the placement runner for a freshly queued job.
type PlacementRequestedEvent struct {
	JobID  uuid.UUID      `json:"job_id"`
	NodeID uint64         `json:"node_id"`
	Tree   enums.TreeKind `json:"tree"`
}

// NodePlacedEvent records the parent chosen for a node in one tree.
type NodePlacedEvent struct {
	NodeID   uint64         `json:"node_id"`
	ParentID uint64         `json:"parent_id"`
	Tree     enums.TreeKind `json:"tree"`
}

// TierAdvancedEvent fires once when an upgrade bucket fills.
type TierAdvancedEvent struct {
	NodeID   uint64         `json:"node_id"`
	Tree     enums.TreeKind `json:"tree"`
	FromTier int            `json:"from_tier"`
	ToTier   int            `json:"to_tier"`
}

// RebirthSpawnedEvent fires once when a rebirth bucket fills.
type RebirthSpawnedEvent struct {
	OriginNodeID  uint64         `json:"origin_node_id"`
	Tree          enums.TreeKind `json:"tree"`
	Tier          int            `json:"tier"`
	SpawnedNodeID []uint64       `json:"spawned_node_ids"`
}

// WalletCreditedEvent mirrors a credit ledger line.
type WalletCreditedEvent struct {
	TransactionID uuid.UUID                 `json:"transaction_id"`
	NodeID        uint64                    `json:"node_id"`
	OwnerID       uint64                    `json:"owner_id"`
	Amount        decimal.Decimal           `json:"amount"`
	Category      enums.TransactionCategory `json:"category"`
}
