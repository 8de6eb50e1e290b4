// Package waterfall routes incoming payments through a node's ordered tier
// buckets and applies the one-shot effect of every bucket that fills.
package waterfall

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/internal/placement"
	"github.com/angelmondragon/poolnet-backend/internal/progress"
	"github.com/angelmondragon/poolnet-backend/internal/wallet"
	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
	"github.com/angelmondragon/poolnet-backend/pkg/logger"
	"github.com/angelmondragon/poolnet-backend/pkg/metrics"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/poolnet-backend/pkg/plan"
	"github.com/angelmondragon/poolnet-backend/pkg/validate"
)

// MaxRebirthDepth bounds how deep rebirth placements may re-enter the
// waterfall within one unit of work.
const MaxRebirthDepth = 64

// Input is one payment into a node's waterfall.
type Input struct {
	NodeID uint64          `json:"node_id" validate:"required"`
	Amount decimal.Decimal `json:"amount" validate:"positive_amount,cents"`
	Tier   int             `json:"tier" validate:"required,min=1"`
	Tree   enums.TreeKind  `json:"tree" validate:"tree"`
}

// Effects summarizes everything a distribution did, nested rebirth
// distributions included.
type Effects struct {
	NodeID uint64
	Tree   enums.TreeKind
	Tier   int
	Amount decimal.Decimal

	Fills  []Fill
	Profit decimal.Decimal

	TierAdvanced bool
	NewTier      int

	SpawnedNodes   []uint64
	SystemFee      decimal.Decimal
	UplinePaid     decimal.Decimal
	UplineRetained decimal.Decimal

	Nested []*Effects
}

// Placer assigns a node a slot in a tree.
type Placer interface {
	Place(ctx context.Context, tx *gorm.DB, nodeID uint64, tree enums.TreeKind) (*placement.Result, error)
}

// JobEnqueuer queues an asynchronous placement.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, tx *gorm.DB, nodeID uint64, tree enums.TreeKind, income decimal.Decimal) (*models.PlacementJob, error)
}

// Engine is the in-transaction waterfall. Callers own the unit of work and
// must hold the tree locks before calling Distribute.
type Engine struct {
	plan         *plan.Plan
	repo         Repository
	progress     progress.Repository
	wallet       wallet.Service
	placer       Placer
	jobs         JobEnqueuer
	outbox       outbox.Emitter
	metrics      *metrics.WaterfallMetrics
	logg         *logger.Logger
	systemNodeID uint64
}

type EngineParams struct {
	Plan         *plan.Plan
	Repository   Repository
	Progress     progress.Repository
	Wallet       wallet.Service
	Placer       Placer
	Jobs         JobEnqueuer
	Outbox       outbox.Emitter
	Metrics      *metrics.WaterfallMetrics
	Logger       *logger.Logger
	SystemNodeID uint64
}

func NewEngine(params EngineParams) (*Engine, error) {
	if params.Plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "reward plan required")
	}
	if params.SystemNodeID == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "system node id required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("waterfall repository required")
	}
	if params.Progress == nil {
		return nil, fmt.Errorf("progress repository required")
	}
	if params.Wallet == nil {
		return nil, fmt.Errorf("wallet service required")
	}
	if params.Placer == nil {
		return nil, fmt.Errorf("placer required")
	}
	if params.Jobs == nil {
		return nil, fmt.Errorf("placement job queue required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	return &Engine{
		plan:         params.Plan,
		repo:         params.Repository,
		progress:     params.Progress,
		wallet:       params.Wallet,
		placer:       params.Placer,
		jobs:         params.Jobs,
		outbox:       params.Outbox,
		metrics:      params.Metrics,
		logg:         params.Logger,
		systemNodeID: params.SystemNodeID,
	}, nil
}

// Distribute routes input.Amount through the buckets of (node, tier, tree).
// Any error leaves the caller's transaction to be rolled back.
func (e *Engine) Distribute(ctx context.Context, tx *gorm.DB, input Input) (*Effects, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}
	if err := validate.Struct(input); err != nil {
		return nil, err
	}
	return e.distribute(ctx, tx, input, 0)
}

func (e *Engine) distribute(ctx context.Context, tx *gorm.DB, input Input, depth int) (*Effects, error) {
	if depth > MaxRebirthDepth {
		return nil, pkgerrors.New(pkgerrors.CodeIntegrity, "rebirth recursion too deep").WithDetails(map[string]any{
			"node_id": input.NodeID,
			"tree":    input.Tree,
			"depth":   depth,
		})
	}

	tierPlan, err := e.plan.Tier(input.Tree, input.Tier)
	if err != nil {
		return nil, err
	}

	repo := e.repo.WithTx(tx)
	node, err := repo.LockNode(ctx, input.NodeID)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(tierPlan.Buckets))
	for _, b := range tierPlan.Buckets {
		names = append(names, b.Name)
	}
	progressRepo := e.progress.WithTx(tx)
	key := progress.Key{NodeID: node.ID, Tier: input.Tier, Tree: input.Tree}
	row, err := progressRepo.GetOrCreateForUpdate(ctx, key, names)
	if err != nil {
		return nil, err
	}

	alloc, err := Allocate(tierPlan.Buckets, row.Buckets, input.Amount)
	if err != nil {
		return nil, err
	}
	if err := progress.Record(row, input.Amount, alloc.BucketFills(), alloc.Completed()); err != nil {
		return nil, err
	}
	if err := progressRepo.Save(ctx, row); err != nil {
		return nil, err
	}

	effects := &Effects{
		NodeID:         node.ID,
		Tree:           input.Tree,
		Tier:           input.Tier,
		Amount:         input.Amount,
		Fills:          alloc.Fills,
		Profit:         alloc.Profit,
		SystemFee:      decimal.Zero,
		UplinePaid:     decimal.Zero,
		UplineRetained: decimal.Zero,
	}
	e.metrics.IncDistribution(string(input.Tree))

	logCtx := ctx
	if e.logg != nil {
		logCtx = e.logg.WithTree(e.logg.WithNodeID(ctx, node.ID), string(input.Tree))
		logCtx = e.logg.WithFields(logCtx, map[string]any{"tier": input.Tier, "amount": input.Amount.String()})
		e.logg.Debug(logCtx, "waterfall distribution")
	}

	for _, fill := range alloc.Reached() {
		if err := e.fire(logCtx, tx, node, input, fill, effects, depth); err != nil {
			return nil, err
		}
		e.metrics.IncTransition(string(input.Tree), string(fill.Bucket.Kind))
	}

	if alloc.Profit.IsPositive() {
		tree := input.Tree
		if _, err := e.wallet.Credit(ctx, tx, wallet.CreditInput{
			NodeID:      node.ID,
			Amount:      alloc.Profit,
			Category:    enums.TransactionCategoryProfit,
			Tree:        &tree,
			Description: fmt.Sprintf("%s pool tier %d profit", input.Tree, input.Tier),
		}); err != nil {
			return nil, err
		}
	}
	return effects, nil
}

func (e *Engine) fire(ctx context.Context, tx *gorm.DB, node *models.Node, input Input, fill Fill, effects *Effects, depth int) error {
	switch fill.Bucket.Kind {
	case enums.BucketUpgrade:
		return e.advanceTier(ctx, tx, node.ID, input, effects)
	case enums.BucketRebirth:
		return e.rebirth(ctx, tx, node, input, fill.Bucket, effects, depth)
	case enums.BucketSystem:
		return e.payFee(ctx, tx, node.ID, input, fill.Bucket, effects)
	case enums.BucketUpline:
		return e.payUpline(ctx, tx, node.ID, input, fill.Bucket, effects)
	}
	return pkgerrors.New(pkgerrors.CodeConfiguration, fmt.Sprintf("bucket %q has unknown kind %q", fill.Bucket.Name, fill.Bucket.Kind))
}

func (e *Engine) advanceTier(ctx context.Context, tx *gorm.DB, nodeID uint64, input Input, effects *Effects) error {
	repo := e.repo.WithTx(tx)
	node, err := repo.LockNode(ctx, nodeID)
	if err != nil {
		return err
	}
	current := node.Tier(input.Tree)
	if current > input.Tier {
		return nil
	}
	next := input.Tier + 1
	if _, err := e.plan.Tier(input.Tree, next); err != nil {
		return err
	}
	if err := repo.UpdateTier(ctx, nodeID, input.Tree, next); err != nil {
		return err
	}
	effects.TierAdvanced = true
	effects.NewTier = next

	if e.logg != nil {
		e.logg.Info(e.logg.WithField(ctx, "new_tier", next), "tier advanced")
	}
	return e.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventTierAdvanced,
		AggregateType: enums.AggregateNode,
		AggregateID:   strconv.FormatUint(nodeID, 10),
		Actor:         &outbox.ActorRef{OwnerID: node.OwnerID, NodeID: nodeID},
		Data: payloads.TierAdvancedEvent{
			NodeID:   nodeID,
			Tree:     input.Tree,
			FromTier: current,
			ToTier:   next,
		},
	})
}

// rebirth spawns the configured number of nodes for origin. Each is placed
// in the triggering tree, where its cost is paid into its new parent's
// waterfall, and is also given a slot in the other tree without income.
func (e *Engine) rebirth(ctx context.Context, tx *gorm.DB, origin *models.Node, input Input, bucket plan.Bucket, effects *Effects, depth int) error {
	if bucket.Rebirth == nil || bucket.Rebirth.Count < 1 {
		return pkgerrors.New(pkgerrors.CodeConfiguration, fmt.Sprintf("rebirth bucket %q has no rebirth count", bucket.Name))
	}
	repo := e.repo.WithTx(tx)

	spawned := make([]uint64, 0, bucket.Rebirth.Count)
	for i := 0; i < bucket.Rebirth.Count; i++ {
		child, err := repo.CreateRebirth(ctx, origin)
		if err != nil {
			return err
		}
		spawned = append(spawned, child.ID)

		res, err := e.placer.Place(ctx, tx, child.ID, input.Tree)
		if err != nil {
			return err
		}
		selfParent, err := e.placeOtherTree(ctx, tx, child.ID, input.Tree, res)
		if err != nil {
			return err
		}
		if err := e.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventNodeCreated,
			AggregateType: enums.AggregateNode,
			AggregateID:   strconv.FormatUint(child.ID, 10),
			Actor:         &outbox.ActorRef{OwnerID: child.OwnerID, NodeID: child.ID},
			Data: payloads.NodeCreatedEvent{
				NodeID:       child.ID,
				OwnerID:      child.OwnerID,
				ReferralCode: child.ReferralCode,
				SponsorID:    child.SponsorID,
				SelfParentID: selfParent,
				IsRebirth:    true,
			},
		}); err != nil {
			return err
		}

		if bucket.Rebirth.Cost.IsPositive() {
			nested, err := e.distribute(ctx, tx, Input{
				NodeID: res.ParentID,
				Amount: bucket.Rebirth.Cost,
				Tier:   res.ParentTier,
				Tree:   input.Tree,
			}, depth+1)
			if err != nil {
				return err
			}
			effects.Nested = append(effects.Nested, nested)
		}
	}
	effects.SpawnedNodes = append(effects.SpawnedNodes, spawned...)
	e.metrics.AddRebirths(string(input.Tree), len(spawned))

	if e.logg != nil {
		e.logg.Info(e.logg.WithField(ctx, "spawned", spawned), "rebirth nodes spawned")
	}
	return e.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventRebirthSpawned,
		AggregateType: enums.AggregateNode,
		AggregateID:   strconv.FormatUint(origin.ID, 10),
		Actor:         &outbox.ActorRef{OwnerID: origin.OwnerID, NodeID: origin.ID},
		Data: payloads.RebirthSpawnedEvent{
			OriginNodeID:  origin.ID,
			Tree:          input.Tree,
			Tier:          input.Tier,
			SpawnedNodeID: spawned,
		},
	})
}

// placeOtherTree gives a rebirth node its slot in the tree that did not
// trigger it and returns the node's self parent.
func (e *Engine) placeOtherTree(ctx context.Context, tx *gorm.DB, nodeID uint64, tree enums.TreeKind, res *placement.Result) (*uint64, error) {
	if tree == enums.TreeSelf {
		if _, err := e.jobs.Enqueue(ctx, tx, nodeID, enums.TreeAuto, decimal.Zero); err != nil {
			return nil, err
		}
		parent := res.ParentID
		return &parent, nil
	}
	selfRes, err := e.placer.Place(ctx, tx, nodeID, enums.TreeSelf)
	if err != nil {
		return nil, err
	}
	parent := selfRes.ParentID
	return &parent, nil
}

func (e *Engine) payFee(ctx context.Context, tx *gorm.DB, nodeID uint64, input Input, bucket plan.Bucket, effects *Effects) error {
	source := nodeID
	tree := input.Tree
	_, err := e.wallet.Credit(ctx, tx, wallet.CreditInput{
		NodeID:       e.systemNodeID,
		Amount:       bucket.Capacity,
		Category:     enums.TransactionCategorySystemFee,
		SourceNodeID: &source,
		Tree:         &tree,
		Description:  fmt.Sprintf("%s pool tier %d system fee", input.Tree, input.Tier),
	})
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return pkgerrors.Wrap(pkgerrors.CodeConfiguration, err, "system account not found").WithDetails(map[string]any{"system_node_id": e.systemNodeID})
	}
	if err != nil {
		return err
	}
	effects.SystemFee = effects.SystemFee.Add(bucket.Capacity)
	return nil
}

// payUpline splits the bucket capacity over the sponsor chain. Each share is
// cut down to whole cents; sub-cent remainders and the shares of sponsors that
// do not exist are retained.
func (e *Engine) payUpline(ctx context.Context, tx *gorm.DB, nodeID uint64, input Input, bucket plan.Bucket, effects *Effects) error {
	chain, err := e.repo.WithTx(tx).SponsorChain(ctx, nodeID, len(bucket.UplineShares))
	if err != nil {
		return err
	}

	source := nodeID
	tree := input.Tree
	paid := decimal.Zero
	for level, sponsor := range chain {
		amount := bucket.Capacity.Mul(bucket.UplineShares[level]).Truncate(2)
		if !amount.IsPositive() {
			continue
		}
		if _, err := e.wallet.Credit(ctx, tx, wallet.CreditInput{
			NodeID:       sponsor.ID,
			Amount:       amount,
			Category:     enums.TransactionCategoryUpline,
			SourceNodeID: &source,
			Tree:         &tree,
			Description:  fmt.Sprintf("%s pool tier %d upline level %d", input.Tree, input.Tier, level+1),
		}); err != nil {
			return err
		}
		paid = paid.Add(amount)
	}

	effects.UplinePaid = effects.UplinePaid.Add(paid)
	retained := bucket.Capacity.Sub(paid)
	effects.UplineRetained = effects.UplineRetained.Add(retained)
	if retained.IsPositive() && e.logg != nil {
		e.logg.Debug(e.logg.WithFields(ctx, map[string]any{
			"retained":  retained.String(),
			"ancestors": len(chain),
		}), "upline share retained for missing sponsors")
	}
	return nil
}
