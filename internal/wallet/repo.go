package wallet

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
)

// Repository manages wallet balances on nodes and their ledger lines.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindNode(ctx context.Context, nodeID uint64) (*models.Node, error)
	LockNode(ctx context.Context, nodeID uint64) (*models.Node, error)
	UpdateBalance(ctx context.Context, nodeID uint64, balance decimal.Decimal) error
	CreateTransaction(ctx context.Context, txn *models.Transaction) error
	ListNodesByOwner(ctx context.Context, ownerID uint64) ([]models.Node, error)
	ListTransactionsByNode(ctx context.Context, nodeID uint64) ([]models.Transaction, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a wallet repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindNode(ctx context.Context, nodeID uint64) (*models.Node, error) {
	return r.findNode(r.db.WithContext(ctx), nodeID)
}

func (r *repository) LockNode(ctx context.Context, nodeID uint64) (*models.Node, error) {
	return r.findNode(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), nodeID)
}

func (r *repository) findNode(query *gorm.DB, nodeID uint64) (*models.Node, error) {
	var node models.Node
	err := query.Where("id = ?", nodeID).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "node not found").WithDetails(map[string]any{"node_id": nodeID})
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (r *repository) UpdateBalance(ctx context.Context, nodeID uint64, balance decimal.Decimal) error {
	return r.db.WithContext(ctx).
		Model(&models.Node{}).
		Where("id = ?", nodeID).
		Update("wallet_balance", balance).Error
}

func (r *repository) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *repository) ListNodesByOwner(ctx context.Context, ownerID uint64) ([]models.Node, error) {
	var nodes []models.Node
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("id ASC").
		Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

func (r *repository) ListTransactionsByNode(ctx context.Context, nodeID uint64) ([]models.Transaction, error) {
	var txns []models.Transaction
	if err := r.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("created_at ASC").
		Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}
