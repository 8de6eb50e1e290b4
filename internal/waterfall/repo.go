package waterfall

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
	"github.com/angelmondragon/poolnet-backend/pkg/types"
)

const maxReferralCodeAttempts = 5

// Repository covers the node writes the waterfall performs.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	LockNode(ctx context.Context, nodeID uint64) (*models.Node, error)
	FindNode(ctx context.Context, nodeID uint64) (*models.Node, error)
	UpdateTier(ctx context.Context, nodeID uint64, tree enums.TreeKind, tier int) error
	CreateRebirth(ctx context.Context, origin *models.Node) (*models.Node, error)
	SponsorChain(ctx context.Context, nodeID uint64, depth int) ([]*models.Node, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a waterfall repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) LockNode(ctx context.Context, nodeID uint64) (*models.Node, error) {
	return r.findNode(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), nodeID)
}

func (r *repository) FindNode(ctx context.Context, nodeID uint64) (*models.Node, error) {
	return r.findNode(r.db.WithContext(ctx), nodeID)
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

func (r *repository) UpdateTier(ctx context.Context, nodeID uint64, tree enums.TreeKind, tier int) error {
	col := "self_tier"
	if tree == enums.TreeAuto {
		col = "auto_tier"
	}
	return r.db.WithContext(ctx).
		Model(&models.Node{}).
		Where("id = ?", nodeID).
		Update(col, tier).Error
}

// CreateRebirth inserts an unplaced rebirth node for origin's owner. A
// referral code collision skips the insert and retries with a new code.
func (r *repository) CreateRebirth(ctx context.Context, origin *models.Node) (*models.Node, error) {
	originID := origin.ID
	for attempt := 0; attempt < maxReferralCodeAttempts; attempt++ {
		node := &models.Node{
			ReferralCode: types.NewReferralCode(),
			OwnerID:      origin.OwnerID,
			SponsorID:    origin.SponsorID,
			SelfTier:     1,
			AutoTier:     1,
			IsRebirth:    true,
			OriginNodeID: &originID,
			Status:       enums.NodeStatusActive,
		}
		res := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "referral_code"}}, DoNothing: true}).
			Create(node)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			return node, nil
		}
	}
	return nil, pkgerrors.New(pkgerrors.CodeConflict, "could not allocate a unique referral code")
}

// SponsorChain returns up to depth sponsors above nodeID, nearest first. The
// walk stops at the first missing sponsor.
func (r *repository) SponsorChain(ctx context.Context, nodeID uint64, depth int) ([]*models.Node, error) {
	current, err := r.FindNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	chain := make([]*models.Node, 0, depth)
	for len(chain) < depth && current.SponsorID != nil {
		sponsor, err := r.FindNode(ctx, *current.SponsorID)
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, sponsor)
		current = sponsor
	}
	return chain, nil
}
