package placement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox"
)

func TestNewServiceRequiresRoots(t *testing.T) {
	f := newFixture(t)
	_, err := NewService(ServiceParams{
		Repository: NewRepository(f.conn),
		Locker:     NewTreeLocker("sqlite", 0),
		Outbox:     noopEmitter{},
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConfiguration))
}

func TestPlaceFillsAutoTreeBreadthFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var nodes []*models.Node
	for i := 1; i <= 13; i++ {
		nodes = append(nodes, f.addNode(t, nil, i))
	}
	for _, n := range nodes {
		res, err := f.svc.Place(ctx, f.conn, n.ID, enums.TreeAuto)
		require.NoError(t, err)
		assert.False(t, res.AlreadyPlaced)
	}

	// Root takes 1-3, then node 1 takes 4-6, node 2 takes 7-9, node 3 takes 10-12.
	want := map[int]uint64{0: f.root.ID, 1: f.root.ID, 2: f.root.ID}
	for i := 3; i < 12; i++ {
		want[i] = nodes[(i-3)/Capacity].ID
	}
	want[12] = nodes[3].ID
	for i, n := range nodes {
		got := f.reload(t, n.ID)
		require.NotNil(t, got.AutoParentID, "node %d", i)
		assert.Equal(t, want[i], *got.AutoParentID, "node %d", i)
		assert.NotNil(t, got.AutoPlacedAt)
		assert.Nil(t, got.SelfParentID)
	}
	for parent, count := range f.childCounts(t, enums.TreeAuto) {
		assert.LessOrEqual(t, count, Capacity, "parent %d", parent)
	}
}

func TestPlaceSelfTreeAnchorsAtSponsor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sponsor := f.addNode(t, nil, 1)
	_, err := f.svc.Place(ctx, f.conn, sponsor.ID, enums.TreeSelf)
	require.NoError(t, err)
	// Fill the root with strangers so a root-anchored search would land lower.
	for i := 0; i < Capacity-1; i++ {
		n := f.addNode(t, nil, 2+i)
		_, err := f.svc.Place(ctx, f.conn, n.ID, enums.TreeSelf)
		require.NoError(t, err)
	}

	var referred []uint64
	for i := 0; i < Capacity+1; i++ {
		n := f.addNode(t, u64(sponsor.ID), 10+i)
		res, err := f.svc.Place(ctx, f.conn, n.ID, enums.TreeSelf)
		require.NoError(t, err)
		referred = append(referred, res.ParentID)
	}
	assert.Equal(t, []uint64{sponsor.ID, sponsor.ID, sponsor.ID}, referred[:3])
	assert.NotEqual(t, sponsor.ID, referred[3], "spills into the sponsor's subtree once full")
	spill := f.reload(t, referred[3])
	require.NotNil(t, spill.SelfParentID)
	assert.Equal(t, sponsor.ID, *spill.SelfParentID)
}

func TestPlaceReportsParentTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.conn.Model(&models.Node{}).Where("id = ?", f.root.ID).Update("auto_tier", 3).Error)

	n := f.addNode(t, nil, 1)
	res, err := f.svc.Place(ctx, f.conn, n.ID, enums.TreeAuto)
	require.NoError(t, err)
	assert.Equal(t, f.root.ID, res.ParentID)
	assert.Equal(t, 3, res.ParentTier)
}

func TestPlaceIsNoOpWhenAlreadyPlaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.addNode(t, nil, 1)

	first, err := f.svc.Place(ctx, f.conn, n.ID, enums.TreeAuto)
	require.NoError(t, err)
	second, err := f.svc.Place(ctx, f.conn, n.ID, enums.TreeAuto)
	require.NoError(t, err)
	assert.True(t, second.AlreadyPlaced)
	assert.Equal(t, first.ParentID, second.ParentID)

	var placed int64
	require.NoError(t, f.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", enums.EventNodePlaced).Count(&placed).Error)
	assert.Equal(t, int64(1), placed)
}

func TestPlaceRejectsRootAndUnknownNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Place(ctx, f.conn, f.root.ID, enums.TreeAuto)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = f.svc.Place(ctx, f.conn, 4242, enums.TreeAuto)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestAssignRejectsFullParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < Capacity; i++ {
		n := f.addNode(t, nil, i+1)
		_, err := f.svc.Assign(ctx, f.conn, n.ID, f.root.ID, enums.TreeAuto)
		require.NoError(t, err)
	}

	extra := f.addNode(t, nil, 10)
	_, err := f.svc.Assign(ctx, f.conn, extra.ID, f.root.ID, enums.TreeAuto)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConcurrencyConflict))
	assert.True(t, pkgerrors.IsRetryable(err))
	assert.Nil(t, f.reload(t, extra.ID).AutoParentID)
}

func TestAssignRejectsCyclesAndSelfParenting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addNode(t, nil, 1)
	b := f.addNode(t, nil, 2)

	_, err := f.svc.Assign(ctx, f.conn, a.ID, a.ID, enums.TreeAuto)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIntegrity))

	_, err = f.svc.Assign(ctx, f.conn, b.ID, a.ID, enums.TreeAuto)
	require.NoError(t, err)
	_, err = f.svc.Assign(ctx, f.conn, a.ID, b.ID, enums.TreeAuto)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIntegrity))
}

func TestAssignRefusesToMoveAPlacedNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addNode(t, nil, 1)
	b := f.addNode(t, nil, 2)
	_, err := f.svc.Assign(ctx, f.conn, a.ID, f.root.ID, enums.TreeAuto)
	require.NoError(t, err)
	_, err = f.svc.Assign(ctx, f.conn, b.ID, f.root.ID, enums.TreeAuto)
	require.NoError(t, err)

	_, err = f.svc.Assign(ctx, f.conn, a.ID, b.ID, enums.TreeAuto)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))
	assert.Equal(t, f.root.ID, *f.reload(t, a.ID).AutoParentID)
}

// Three placements race for a parent with one open slot.
func TestConcurrentPlacementsRespectCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < Capacity-1; i++ {
		n := f.addNode(t, nil, i+1)
		_, err := f.svc.Place(ctx, f.conn, n.ID, enums.TreeAuto)
		require.NoError(t, err)
	}
	racers := []*models.Node{f.addNode(t, nil, 10), f.addNode(t, nil, 11), f.addNode(t, nil, 12)}

	var wg sync.WaitGroup
	errs := make([]error, len(racers))
	for i, n := range racers {
		wg.Add(1)
		go func(i int, id uint64) {
			defer wg.Done()
			errs[i] = f.client.WithTx(ctx, func(tx *gorm.DB) error {
				_, err := f.svc.Place(ctx, tx, id, enums.TreeAuto)
				return err
			})
		}(i, n.ID)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	underRoot := 0
	for _, n := range racers {
		got := f.reload(t, n.ID)
		require.NotNil(t, got.AutoParentID)
		if *got.AutoParentID == f.root.ID {
			underRoot++
		}
	}
	assert.Equal(t, 1, underRoot)
	for parent, count := range f.childCounts(t, enums.TreeAuto) {
		assert.LessOrEqual(t, count, Capacity, "parent %d", parent)
	}

	var nodes []models.Node
	require.NoError(t, f.conn.Find(&nodes).Error)
	assert.Empty(t, FanOut(nodes, enums.TreeAuto))
}

// A unit of work that fails after resolving leaves nothing behind, and the
// retry lands the node exactly once.
func TestPlacementRetryAfterRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.addNode(t, nil, 1)
	boom := errors.New("downstream failed")

	err := f.client.WithTx(ctx, func(tx *gorm.DB) error {
		res, err := f.svc.Place(ctx, tx, n.ID, enums.TreeAuto)
		require.NoError(t, err)
		require.Equal(t, f.root.ID, res.ParentID)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Nil(t, f.reload(t, n.ID).AutoParentID)

	var events int64
	require.NoError(t, f.conn.Model(&models.OutboxEvent{}).Count(&events).Error)
	assert.Zero(t, events)

	err = f.client.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := f.svc.Place(ctx, tx, n.ID, enums.TreeAuto)
		return err
	})
	require.NoError(t, err)
	got := f.reload(t, n.ID)
	require.NotNil(t, got.AutoParentID)
	assert.Equal(t, f.root.ID, *got.AutoParentID)
	assert.Equal(t, 1, f.childCounts(t, enums.TreeAuto)[f.root.ID])
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *gorm.DB, outbox.DomainEvent) error { return nil }
