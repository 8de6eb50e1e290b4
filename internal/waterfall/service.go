package waterfall

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/internal/placement"
	"github.com/angelmondragon/poolnet-backend/internal/progress"
	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service runs distributions in their own unit of work.
type Service interface {
	Distribute(ctx context.Context, input Input) (*Effects, error)
	Progress(ctx context.Context, nodeID uint64, tree enums.TreeKind) ([]models.LevelProgress, error)
}

type service struct {
	tx       txRunner
	engine   *Engine
	locker   placement.TreeLocker
	progress progress.Repository
}

// NewService wraps engine so that each call takes both tree locks and
// commits or rolls back as a whole.
func NewService(tx txRunner, engine *Engine, locker placement.TreeLocker, progressRepo progress.Repository) (Service, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if engine == nil {
		return nil, fmt.Errorf("waterfall engine required")
	}
	if locker == nil {
		return nil, fmt.Errorf("tree locker required")
	}
	if progressRepo == nil {
		return nil, fmt.Errorf("progress repository required")
	}
	return &service{tx: tx, engine: engine, locker: locker, progress: progressRepo}, nil
}

func (s *service) Distribute(ctx context.Context, input Input) (*Effects, error) {
	var effects *Effects
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.locker.Lock(ctx, tx, enums.AllTreeKinds()...); err != nil {
			return err
		}
		var err error
		effects, err = s.engine.Distribute(ctx, tx, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	return effects, nil
}

func (s *service) Progress(ctx context.Context, nodeID uint64, tree enums.TreeKind) ([]models.LevelProgress, error) {
	if nodeID == 0 || !tree.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "node id and tree are required")
	}
	return s.progress.ListByNode(ctx, nodeID, tree)
}
