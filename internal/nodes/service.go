// Package nodes is the purchase entry point: it creates a node, places it in
// the self pool, queues its auto-pool placement and pays the sponsor and the
// new self parent in one unit of work.
package nodes

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/internal/placement"
	"github.com/angelmondragon/poolnet-backend/internal/waterfall"
	"github.com/angelmondragon/poolnet-backend/internal/wallet"
	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
	"github.com/angelmondragon/poolnet-backend/pkg/logger"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/poolnet-backend/pkg/pagination"
	"github.com/angelmondragon/poolnet-backend/pkg/plan"
	"github.com/angelmondragon/poolnet-backend/pkg/validate"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type placer interface {
	Place(ctx context.Context, tx *gorm.DB, nodeID uint64, tree enums.TreeKind) (*placement.Result, error)
	Roots() placement.Roots
}

type jobQueue interface {
	Enqueue(ctx context.Context, tx *gorm.DB, nodeID uint64, tree enums.TreeKind, income decimal.Decimal) (*models.PlacementJob, error)
}

type distributor interface {
	Distribute(ctx context.Context, tx *gorm.DB, input waterfall.Input) (*waterfall.Effects, error)
}

// Service exposes node operations.
type Service interface {
	Create(ctx context.Context, input CreateInput) (*CreateResult, error)
	Get(ctx context.Context, id uint64) (*NodeDTO, error)
	ListByOwner(ctx context.Context, ownerID uint64, params pagination.Params) (*NodePage, error)
}

type service struct {
	tx     txRunner
	repo   Repository
	locker placement.TreeLocker
	placer placer
	jobs   jobQueue
	engine distributor
	wallet wallet.Service
	outbox outbox.Emitter
	plan   *plan.Plan
	logg   *logger.Logger
}

type ServiceParams struct {
	TxRunner   txRunner
	Repository Repository
	Locker     placement.TreeLocker
	Placer     placer
	Jobs       jobQueue
	Engine     distributor
	Wallet     wallet.Service
	Outbox     outbox.Emitter
	Plan       *plan.Plan
	Logger     *logger.Logger
}

// NewService builds the node service with the provided collaborators.
func NewService(params ServiceParams) (Service, error) {
	if params.TxRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("node repository required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("tree locker required")
	}
	if params.Placer == nil {
		return nil, fmt.Errorf("placer required")
	}
	if params.Jobs == nil {
		return nil, fmt.Errorf("placement job queue required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("waterfall engine required")
	}
	if params.Wallet == nil {
		return nil, fmt.Errorf("wallet service required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "reward plan required")
	}
	return &service{
		tx:     params.TxRunner,
		repo:   params.Repository,
		locker: params.Locker,
		placer: params.Placer,
		jobs:   params.Jobs,
		engine: params.Engine,
		wallet: params.Wallet,
		outbox: params.Outbox,
		plan:   params.Plan,
		logg:   params.Logger,
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateInput) (*CreateResult, error) {
	if err := validate.Struct(input); err != nil {
		return nil, err
	}

	var result *CreateResult
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.locker.Lock(ctx, tx, enums.TreeSelf); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)

		sponsor, err := s.resolveSponsor(ctx, repo, input.SponsorCode)
		if err != nil {
			return err
		}

		sponsorID := sponsor.ID
		node := &models.Node{
			OwnerID:       input.OwnerID,
			SponsorID:     &sponsorID,
			SelfTier:      1,
			AutoTier:      1,
			WalletBalance: decimal.Zero,
			Status:        enums.NodeStatusActive,
			CreatedAt:     time.Now().UTC(),
		}
		if err := repo.Create(ctx, node); err != nil {
			return err
		}

		selfRes, err := s.placer.Place(ctx, tx, node.ID, enums.TreeSelf)
		if err != nil {
			return err
		}
		selfParent := selfRes.ParentID
		node.SelfParentID = &selfParent

		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventNodeCreated,
			AggregateType: enums.AggregateNode,
			AggregateID:   strconv.FormatUint(node.ID, 10),
			Actor:         &outbox.ActorRef{OwnerID: node.OwnerID, NodeID: node.ID},
			Data: payloads.NodeCreatedEvent{
				NodeID:       node.ID,
				OwnerID:      node.OwnerID,
				ReferralCode: node.ReferralCode,
				SponsorID:    node.SponsorID,
				SelfParentID: node.SelfParentID,
			},
		}); err != nil {
			return err
		}

		job, err := s.jobs.Enqueue(ctx, tx, node.ID, enums.TreeAuto, s.plan.PlacementIncome(enums.TreeAuto))
		if err != nil {
			return err
		}

		commission := s.plan.DirectSponsorCommission()
		if commission.IsPositive() {
			source := node.ID
			if _, err := s.wallet.Credit(ctx, tx, wallet.CreditInput{
				NodeID:       sponsor.ID,
				Amount:       commission,
				Category:     enums.TransactionCategoryDirectSponsor,
				SourceNodeID: &source,
				Description:  fmt.Sprintf("direct sponsor commission for node %d", node.ID),
			}); err != nil {
				return err
			}
		}

		var effects *waterfall.Effects
		if income := s.plan.PlacementIncome(enums.TreeSelf); income.IsPositive() {
			effects, err = s.engine.Distribute(ctx, tx, waterfall.Input{
				NodeID: selfRes.ParentID,
				Amount: income,
				Tier:   selfRes.ParentTier,
				Tree:   enums.TreeSelf,
			})
			if err != nil {
				return err
			}
		}

		result = &CreateResult{
			Node:              FromModel(node),
			SelfPlacement:     selfRes,
			AutoJob:           job,
			SponsorCommission: commission,
			SelfDistribution:  effects,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithOwnerID(s.logg.WithNodeID(ctx, result.Node.ID), result.Node.OwnerID)
		s.logg.Info(s.logg.WithField(logCtx, "self_parent_id", result.SelfPlacement.ParentID), "node created")
	}
	return result, nil
}

// resolveSponsor maps a referral code to an active node; no code means the
// self root sponsors the node.
func (s *service) resolveSponsor(ctx context.Context, repo Repository, code string) (*models.Node, error) {
	if code == "" {
		root, err := repo.FindByID(ctx, s.placer.Roots().Self)
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConfiguration, err, "self root not found")
		}
		return root, err
	}
	sponsor, err := repo.FindByReferralCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if sponsor.Status != enums.NodeStatusActive {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "sponsor is not active").WithDetails(map[string]any{"sponsor_code": code})
	}
	return sponsor, nil
}

func (s *service) Get(ctx context.Context, id uint64) (*NodeDTO, error) {
	node, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	dto := FromModel(node)
	return &dto, nil
}

func (s *service) ListByOwner(ctx context.Context, ownerID uint64, params pagination.Params) (*NodePage, error) {
	if ownerID == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "owner id is required")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	limit := pagination.NormalizeLimit(params.Limit)
	rows, err := s.repo.ListByOwner(ctx, ownerID, cursor, limit+1)
	if err != nil {
		return nil, err
	}

	page := &NodePage{Items: make([]NodeDTO, 0, limit)}
	if len(rows) > limit {
		last := rows[limit-1]
		page.NextCursor = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		rows = rows[:limit]
	}
	for i := range rows {
		page.Items = append(page.Items, FromModel(&rows[i]))
	}
	return page, nil
}
