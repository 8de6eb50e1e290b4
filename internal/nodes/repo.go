package nodes

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
	"github.com/angelmondragon/poolnet-backend/pkg/pagination"
	"github.com/angelmondragon/poolnet-backend/pkg/types"
)

const maxReferralCodeAttempts = 5

// Repository persists purchased nodes.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, node *models.Node) error
	FindByID(ctx context.Context, id uint64) (*models.Node, error)
	FindByReferralCode(ctx context.Context, code string) (*models.Node, error)
	ListByOwner(ctx context.Context, ownerID uint64, after *pagination.Cursor, limit int) ([]models.Node, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a node repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Create inserts node with a freshly generated referral code, retrying with
// a new code when the generated one is taken.
func (r *repository) Create(ctx context.Context, node *models.Node) error {
	for attempt := 0; attempt < maxReferralCodeAttempts; attempt++ {
		node.ReferralCode = types.NewReferralCode()
		res := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "referral_code"}}, DoNothing: true}).
			Create(node)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}
		node.ID = 0
	}
	return pkgerrors.New(pkgerrors.CodeConflict, "could not allocate a unique referral code")
}

func (r *repository) FindByID(ctx context.Context, id uint64) (*models.Node, error) {
	var node models.Node
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "node not found").WithDetails(map[string]any{"node_id": id})
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (r *repository) FindByReferralCode(ctx context.Context, code string) (*models.Node, error) {
	var node models.Node
	err := r.db.WithContext(ctx).Where("referral_code = ?", types.NormalizeReferralCode(code)).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "referral code not found").WithDetails(map[string]any{"referral_code": code})
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// ListByOwner pages an owner's nodes in (created_at, id) order, starting
// after the given cursor.
func (r *repository) ListByOwner(ctx context.Context, ownerID uint64, after *pagination.Cursor, limit int) ([]models.Node, error) {
	var nodes []models.Node
	q := r.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if after != nil {
		q = q.Where("(created_at > ?) OR (created_at = ? AND id > ?)", after.CreatedAt, after.CreatedAt, after.ID)
	}
	if err := q.
		Limit(limit).
		Order("created_at ASC").
		Order("id ASC").
		Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}
