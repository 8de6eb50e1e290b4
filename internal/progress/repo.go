package progress

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	"github.com/angelmondragon/poolnet-backend/pkg/types"
)

// Repository persists LevelProgress rows.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	GetOrCreateForUpdate(ctx context.Context, key Key, buckets []string) (*models.LevelProgress, error)
	Save(ctx context.Context, row *models.LevelProgress) error
	Find(ctx context.Context, key Key) (*models.LevelProgress, error)
	ListByNode(ctx context.Context, nodeID uint64, tree enums.TreeKind) ([]models.LevelProgress, error)
}

// Key identifies one progress line.
type Key struct {
	NodeID uint64
	Tier   int
	Tree   enums.TreeKind
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a progress repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// GetOrCreateForUpdate inserts the row when missing and returns it locked.
// Concurrent creators collide on the primary key; the loser reads the
// winner's row after the insert is skipped.
func (r *repository) GetOrCreateForUpdate(ctx context.Context, key Key, buckets []string) (*models.LevelProgress, error) {
	fills := make(types.BucketFills, 0, len(buckets))
	for _, name := range buckets {
		fills = append(fills, types.BucketFill{Name: name, Filled: decimal.Zero})
	}
	seed := &models.LevelProgress{
		NodeID:       key.NodeID,
		Tier:         key.Tier,
		Tree:         key.Tree,
		TotalRevenue: decimal.Zero,
		Buckets:      fills,
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(seed).Error; err != nil {
		return nil, err
	}

	var row models.LevelProgress
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("node_id = ? AND tier = ? AND tree = ?", key.NodeID, key.Tier, key.Tree).
		First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) Save(ctx context.Context, row *models.LevelProgress) error {
	return r.db.WithContext(ctx).
		Model(&models.LevelProgress{}).
		Where("node_id = ? AND tier = ? AND tree = ?", row.NodeID, row.Tier, row.Tree).
		Updates(map[string]any{
			"total_revenue": row.TotalRevenue,
			"buckets":       row.Buckets,
			"is_completed":  row.IsCompleted,
		}).Error
}

func (r *repository) Find(ctx context.Context, key Key) (*models.LevelProgress, error) {
	var row models.LevelProgress
	err := r.db.WithContext(ctx).
		Where("node_id = ? AND tier = ? AND tree = ?", key.NodeID, key.Tier, key.Tree).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) ListByNode(ctx context.Context, nodeID uint64, tree enums.TreeKind) ([]models.LevelProgress, error) {
	var rows []models.LevelProgress
	if err := r.db.WithContext(ctx).
		Where("node_id = ? AND tree = ?", nodeID, tree).
		Order("tier ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
