// Package placement puts nodes into the self and auto trees: a breadth-first
// slot resolver, the guarded parent write, the durable job queue feeding the
// auto-pool runner, and the offline audits of tree shape.
package placement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
	"github.com/angelmondragon/poolnet-backend/pkg/logger"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox/payloads"
)

// maxAncestorWalk bounds the cycle check on assignment.
const maxAncestorWalk = 4096

// Roots are the designated search anchors.
type Roots struct {
	Self uint64
	Auto uint64
}

// RootFor returns where the search for node starts: its sponsor in the self
// tree (the self root without one), the global root in the auto tree.
func (r Roots) RootFor(node *models.Node, tree enums.TreeKind) uint64 {
	if tree == enums.TreeAuto {
		return r.Auto
	}
	if node.SponsorID != nil {
		return *node.SponsorID
	}
	return r.Self
}

// IsRoot reports whether id anchors tree and therefore never gets a parent.
func (r Roots) IsRoot(id uint64, tree enums.TreeKind) bool {
	if tree == enums.TreeAuto {
		return id == r.Auto
	}
	return id == r.Self
}

// Result describes a finished placement.
type Result struct {
	NodeID   uint64
	ParentID uint64
	Tree     enums.TreeKind
	// ParentTier is the parent's current tier in Tree, read under lock.
	ParentTier int
	// AlreadyPlaced is set when the node had a parent before the call.
	AlreadyPlaced bool
}

// Service claims slots for nodes.
type Service struct {
	repo     Repository
	resolver *Resolver
	locker   TreeLocker
	outbox   outbox.Emitter
	roots    Roots
	logg     *logger.Logger
	now      func() time.Time
}

type ServiceParams struct {
	Repository Repository
	Locker     TreeLocker
	Outbox     outbox.Emitter
	Roots      Roots
	Logger     *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("placement repository required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("tree locker required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Roots.Self == 0 || params.Roots.Auto == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "self and auto root ids are required")
	}
	resolver, err := NewResolver(params.Repository)
	if err != nil {
		return nil, err
	}
	return &Service{
		repo:     params.Repository,
		resolver: resolver,
		locker:   params.Locker,
		outbox:   params.Outbox,
		roots:    params.Roots,
		logg:     params.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Service) Roots() Roots { return s.roots }

// Place resolves a slot for nodeID and writes it. A node that already has a
// parent in tree is returned unchanged.
func (s *Service) Place(ctx context.Context, tx *gorm.DB, nodeID uint64, tree enums.TreeKind) (*Result, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}
	if !tree.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid tree").WithDetails(map[string]any{"tree": tree})
	}
	if err := s.locker.Lock(ctx, tx, tree); err != nil {
		return nil, err
	}

	repo := s.repo.WithTx(tx)
	node, err := repo.LockNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if parent := node.ParentID(tree); parent != nil {
		owner, err := repo.FindNode(ctx, *parent)
		if err != nil {
			return nil, err
		}
		return &Result{NodeID: nodeID, ParentID: *parent, Tree: tree, ParentTier: owner.Tier(tree), AlreadyPlaced: true}, nil
	}
	if s.roots.IsRoot(nodeID, tree) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tree root cannot be placed").WithDetails(map[string]any{"node_id": nodeID, "tree": tree})
	}

	rootID := s.roots.RootFor(node, tree)
	parentID, err := s.resolver.FindSlot(ctx, tx, rootID, tree)
	if err != nil {
		return nil, err
	}
	return s.assign(ctx, tx, node, parentID, tree)
}

// Assign writes parentID as node's parent in tree after re-reading the
// parent under lock and re-counting its children.
func (s *Service) Assign(ctx context.Context, tx *gorm.DB, nodeID, parentID uint64, tree enums.TreeKind) (*Result, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}
	if !tree.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid tree").WithDetails(map[string]any{"tree": tree})
	}
	if err := s.locker.Lock(ctx, tx, tree); err != nil {
		return nil, err
	}
	node, err := s.repo.WithTx(tx).LockNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return s.assign(ctx, tx, node, parentID, tree)
}

func (s *Service) assign(ctx context.Context, tx *gorm.DB, node *models.Node, parentID uint64, tree enums.TreeKind) (*Result, error) {
	repo := s.repo.WithTx(tx)
	details := map[string]any{"node_id": node.ID, "parent_id": parentID, "tree": tree}

	if node.ID == parentID {
		return nil, pkgerrors.New(pkgerrors.CodeIntegrity, "node cannot parent itself").WithDetails(details)
	}

	parent, err := repo.LockNode(ctx, parentID)
	if err != nil {
		return nil, err
	}
	count, err := repo.CountChildren(ctx, parentID, tree)
	if err != nil {
		return nil, err
	}
	if count >= Capacity {
		return nil, pkgerrors.New(pkgerrors.CodeConcurrencyConflict, "parent slot already filled").WithDetails(details)
	}
	if err := s.ensureNotAncestor(ctx, repo, node.ID, parent, tree); err != nil {
		return nil, err
	}

	placedAt := s.now()
	updated, err := repo.AssignParent(ctx, node.ID, parentID, tree, placedAt)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "node already placed").WithDetails(details)
	}

	event := outbox.DomainEvent{
		EventType:     enums.EventNodePlaced,
		AggregateType: enums.AggregateNode,
		AggregateID:   strconv.FormatUint(node.ID, 10),
		Actor:         &outbox.ActorRef{OwnerID: node.OwnerID, NodeID: node.ID},
		Data:          payloads.NodePlacedEvent{NodeID: node.ID, ParentID: parentID, Tree: tree},
		OccurredAt:    placedAt,
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithTree(s.logg.WithNodeID(ctx, node.ID), string(tree))
		s.logg.Debug(s.logg.WithField(logCtx, "parent_id", parentID), "node placed")
	}
	return &Result{NodeID: node.ID, ParentID: parentID, Tree: tree, ParentTier: parent.Tier(tree)}, nil
}

// ensureNotAncestor walks up from parent and fails if nodeID is on the path.
func (s *Service) ensureNotAncestor(ctx context.Context, repo Repository, nodeID uint64, parent *models.Node, tree enums.TreeKind) error {
	current := parent
	for i := 0; i < maxAncestorWalk; i++ {
		up := current.ParentID(tree)
		if up == nil {
			return nil
		}
		if *up == nodeID {
			return pkgerrors.New(pkgerrors.CodeIntegrity, "assignment would create a cycle").WithDetails(map[string]any{
				"node_id":   nodeID,
				"parent_id": parent.ID,
				"tree":      tree,
			})
		}
		next, err := repo.FindNode(ctx, *up)
		if err != nil {
			return err
		}
		current = next
	}
	return pkgerrors.New(pkgerrors.CodeIntegrity, "ancestor chain too deep").WithDetails(map[string]any{"node_id": nodeID, "tree": tree})
}
