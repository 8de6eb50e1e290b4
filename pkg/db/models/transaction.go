package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/pkg/enums"
)

// Transaction is a write-once ledger line paired with a wallet balance change.
type Transaction struct {
	ID           uuid.UUID                 `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerID      uint64                    `gorm:"column:owner_id;not null"`
	NodeID       *uint64                   `gorm:"column:node_id"`
	SourceNodeID *uint64                   `gorm:"column:source_node_id"`
	Tree         *enums.TreeKind           `gorm:"column:tree;type:tree_kind"`
	Amount       decimal.Decimal           `gorm:"column:amount;type:numeric(20,2);not null"`
	BalanceAfter decimal.Decimal           `gorm:"column:balance_after;type:numeric(20,2);not null"`
	Kind         enums.TransactionKind     `gorm:"column:kind;type:transaction_kind;not null"`
	Category     enums.TransactionCategory `gorm:"column:category;not null"`
	Description  string                    `gorm:"column:description;not null"`
	CreatedAt    time.Time                 `gorm:"column:created_at;autoCreateTime"`
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
