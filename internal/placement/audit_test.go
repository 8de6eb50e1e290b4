package placement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
)

func auditNode(id uint64, parent *uint64, offset int) models.Node {
	at := testEpoch.Add(time.Duration(offset) * time.Second)
	n := models.Node{ID: id, CreatedAt: at, AutoParentID: parent}
	if parent != nil {
		placed := at.Add(time.Millisecond)
		n.AutoPlacedAt = &placed
	}
	return n
}

func TestReplayAcceptsResolverOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 20; i++ {
		n := f.addNode(t, nil, i)
		_, err := f.svc.Place(ctx, f.conn, n.ID, enums.TreeAuto)
		require.NoError(t, err)
	}

	nodes, err := NewRepository(f.conn).ListLinks(ctx)
	require.NoError(t, err)
	roots := Roots{Self: f.root.ID, Auto: f.root.ID}
	assert.Empty(t, Replay(nodes, enums.TreeAuto, roots))
	assert.Empty(t, FanOut(nodes, enums.TreeAuto))
	assert.Empty(t, Cycles(nodes, enums.TreeAuto))
}

func TestReplayFlagsOutOfOrderFill(t *testing.T) {
	nodes := []models.Node{
		auditNode(1, nil, 0),
		auditNode(2, u64(1), 1),
		auditNode(3, u64(2), 2), // root still had room
		auditNode(4, u64(1), 3),
	}

	got := Replay(nodes, enums.TreeAuto, Roots{Self: 1, Auto: 1})
	require.Len(t, got, 1)
	assert.Equal(t, FillMismatch{NodeID: 3, Expected: 1, Actual: 2}, got[0])
}

func TestReplayUsesSponsorAnchorsInSelfTree(t *testing.T) {
	at := func(s int) *time.Time { v := testEpoch.Add(time.Duration(s) * time.Second); return &v }
	nodes := []models.Node{
		{ID: 1, CreatedAt: testEpoch},
		{ID: 2, CreatedAt: *at(1), SelfParentID: u64(1), SelfPlacedAt: at(1)},
		{ID: 3, CreatedAt: *at(2), SponsorID: u64(2), SelfParentID: u64(2), SelfPlacedAt: at(2)},
		{ID: 4, CreatedAt: *at(3), SelfParentID: u64(1), SelfPlacedAt: at(3)},
	}
	assert.Empty(t, Replay(nodes, enums.TreeSelf, Roots{Self: 1, Auto: 1}))
}

func TestFanOutReportsOverfilledParents(t *testing.T) {
	nodes := []models.Node{auditNode(1, nil, 0)}
	for i := uint64(2); i <= 5; i++ {
		nodes = append(nodes, auditNode(i, u64(1), int(i)))
	}

	got := FanOut(nodes, enums.TreeAuto)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].ParentID)
	assert.Equal(t, []uint64{2, 3, 4, 5}, got[0].Children)
	assert.Empty(t, FanOut(nodes, enums.TreeSelf))
}

func TestCyclesFindsLoopsOnly(t *testing.T) {
	nodes := []models.Node{
		auditNode(1, nil, 0),
		auditNode(2, u64(1), 1),
		auditNode(3, u64(5), 2),
		auditNode(4, u64(3), 3),
		auditNode(5, u64(4), 4),
		auditNode(6, u64(5), 5), // hangs off the loop but is not part of it
	}
	assert.Equal(t, []uint64{3, 4, 5}, Cycles(nodes, enums.TreeAuto))
}
