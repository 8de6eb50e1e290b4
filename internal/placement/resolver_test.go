package placement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
)

func TestFindSlotReturnsRootWhileItHasRoom(t *testing.T) {
	f := newFixture(t)
	resolver, err := NewResolver(NewRepository(f.conn))
	require.NoError(t, err)

	got, err := resolver.FindSlot(context.Background(), f.conn, f.root.ID, enums.TreeAuto)
	require.NoError(t, err)
	assert.Equal(t, f.root.ID, got)
}

func TestFindSlotWalksSiblingsInCreationOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// ids ascend a, b, c but creation order is c, a, b.
	a := f.addNode(t, nil, 20)
	b := f.addNode(t, nil, 30)
	c := f.addNode(t, nil, 10)
	for _, n := range []uint64{a.ID, b.ID, c.ID} {
		_, err := f.svc.Assign(ctx, f.conn, n, f.root.ID, enums.TreeAuto)
		require.NoError(t, err)
	}

	resolver, err := NewResolver(NewRepository(f.conn))
	require.NoError(t, err)

	got, err := resolver.FindSlot(ctx, f.conn, f.root.ID, enums.TreeAuto)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got, "oldest child is searched first")

	for i := 0; i < Capacity; i++ {
		kid := f.addNode(t, nil, 40+i)
		_, err := f.svc.Assign(ctx, f.conn, kid.ID, c.ID, enums.TreeAuto)
		require.NoError(t, err)
	}
	got, err = resolver.FindSlot(ctx, f.conn, f.root.ID, enums.TreeAuto)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got)
}

func TestFindSlotBreaksCreationTiesByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.addNode(t, nil, 5)
	second := f.addNode(t, nil, 5)
	third := f.addNode(t, nil, 5)
	for _, id := range []uint64{third.ID, second.ID, first.ID} {
		_, err := f.svc.Assign(ctx, f.conn, id, f.root.ID, enums.TreeSelf)
		require.NoError(t, err)
	}

	resolver, err := NewResolver(NewRepository(f.conn))
	require.NoError(t, err)
	got, err := resolver.FindSlot(ctx, f.conn, f.root.ID, enums.TreeSelf)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got)
}

func TestFindSlotIgnoresTheOtherTree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < Capacity; i++ {
		kid := f.addNode(t, nil, i+1)
		_, err := f.svc.Assign(ctx, f.conn, kid.ID, f.root.ID, enums.TreeSelf)
		require.NoError(t, err)
	}

	resolver, err := NewResolver(NewRepository(f.conn))
	require.NoError(t, err)
	got, err := resolver.FindSlot(ctx, f.conn, f.root.ID, enums.TreeAuto)
	require.NoError(t, err)
	assert.Equal(t, f.root.ID, got)
}

func TestFindSlotMissingRootIsConfigurationFault(t *testing.T) {
	f := newFixture(t)
	resolver, err := NewResolver(NewRepository(f.conn))
	require.NoError(t, err)

	_, err = resolver.FindSlot(context.Background(), f.conn, 9999, enums.TreeAuto)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConfiguration))
	assert.False(t, pkgerrors.IsRetryable(err))
}

func TestFindSlotRejectsUnknownTree(t *testing.T) {
	f := newFixture(t)
	resolver, err := NewResolver(NewRepository(f.conn))
	require.NoError(t, err)

	_, err = resolver.FindSlot(context.Background(), f.conn, f.root.ID, enums.TreeKind("side"))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestFindSlotDetectsCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	kids := make([]uint64, 0, Capacity)
	for i := 0; i < Capacity; i++ {
		kid := f.addNode(t, nil, i+1)
		_, err := f.svc.Assign(ctx, f.conn, kid.ID, f.root.ID, enums.TreeAuto)
		require.NoError(t, err)
		kids = append(kids, kid.ID)
	}
	offset := 10
	for i, kid := range kids {
		want := Capacity
		if i == 0 {
			want = Capacity - 1
		}
		for j := 0; j < want; j++ {
			offset++
			grand := f.addNode(t, nil, offset)
			_, err := f.svc.Assign(ctx, f.conn, grand.ID, kid, enums.TreeAuto)
			require.NoError(t, err)
		}
	}
	// The root now hangs below its own first child.
	require.NoError(t, f.conn.Exec("UPDATE nodes SET auto_parent_id = ? WHERE id = ?", kids[0], f.root.ID).Error)

	resolver, err := NewResolver(NewRepository(f.conn))
	require.NoError(t, err)
	_, err = resolver.FindSlot(ctx, f.conn, f.root.ID, enums.TreeAuto)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIntegrity))
}
