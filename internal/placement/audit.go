package placement

import (
	"sort"
	"time"

	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
)

// FillMismatch is a node whose parent differs from the slot the resolver
// would have picked when it was placed. Expected is zero when no slot was
// reachable at that point.
type FillMismatch struct {
	NodeID   uint64
	Expected uint64
	Actual   uint64
}

// FanOutViolation is a parent holding more than Capacity children.
type FanOutViolation struct {
	ParentID uint64
	Children []uint64
}

// Replay rebuilds tree in placement order and checks every assignment
// against the breadth-first slot that was open at the time. Each node is
// checked against its own search root, so sponsor-anchored self-tree searches
// are replayed faithfully.
func Replay(nodes []models.Node, tree enums.TreeKind, roots Roots) []FillMismatch {
	byID := make(map[uint64]*models.Node, len(nodes))
	placed := make([]*models.Node, 0, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		byID[n.ID] = n
		if n.ParentID(tree) != nil && placedAt(n, tree) != nil {
			placed = append(placed, n)
		}
	}
	sort.SliceStable(placed, func(i, j int) bool {
		a, b := placedAt(placed[i], tree), placedAt(placed[j], tree)
		if !a.Equal(*b) {
			return a.Before(*b)
		}
		return placed[i].ID < placed[j].ID
	})

	children := map[uint64][]uint64{}
	searches := map[uint64]*bfsCursor{}
	var mismatches []FillMismatch

	for _, n := range placed {
		root := roots.RootFor(n, tree)
		cursor, ok := searches[root]
		if !ok {
			cursor = &bfsCursor{queue: []uint64{root}, seen: map[uint64]struct{}{root: {}}}
			searches[root] = cursor
		}
		expected := cursor.next(children, byID)
		actual := *n.ParentID(tree)
		if expected != actual {
			mismatches = append(mismatches, FillMismatch{NodeID: n.ID, Expected: expected, Actual: actual})
		}
		children[actual] = append(children[actual], n.ID)
	}
	return mismatches
}

// bfsCursor is a resumable breadth-first search. A node is only expanded once
// it is full, and full nodes never change, so the queue prefix already
// consumed stays valid as the tree grows.
type bfsCursor struct {
	queue []uint64
	head  int
	seen  map[uint64]struct{}
}

func (c *bfsCursor) next(children map[uint64][]uint64, byID map[uint64]*models.Node) uint64 {
	for c.head < len(c.queue) {
		id := c.queue[c.head]
		kids := children[id]
		if len(kids) < Capacity {
			return id
		}
		ordered := append([]uint64(nil), kids...)
		sort.SliceStable(ordered, func(i, j int) bool {
			a, b := byID[ordered[i]], byID[ordered[j]]
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		})
		for _, kid := range ordered {
			if _, dup := c.seen[kid]; dup {
				continue
			}
			c.seen[kid] = struct{}{}
			c.queue = append(c.queue, kid)
		}
		c.head++
	}
	return 0
}

// FanOut lists parents with more than Capacity children in tree.
func FanOut(nodes []models.Node, tree enums.TreeKind) []FanOutViolation {
	children := map[uint64][]uint64{}
	for _, n := range nodes {
		if parent := n.ParentID(tree); parent != nil {
			children[*parent] = append(children[*parent], n.ID)
		}
	}
	var out []FanOutViolation
	for parent, kids := range children {
		if len(kids) > Capacity {
			sort.Slice(kids, func(i, j int) bool { return kids[i] < kids[j] })
			out = append(out, FanOutViolation{ParentID: parent, Children: kids})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParentID < out[j].ParentID })
	return out
}

// Cycles returns the nodes whose parent chain in tree loops back on itself.
func Cycles(nodes []models.Node, tree enums.TreeKind) []uint64 {
	parentOf := make(map[uint64]uint64, len(nodes))
	for _, n := range nodes {
		if parent := n.ParentID(tree); parent != nil {
			parentOf[n.ID] = *parent
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[uint64]int, len(parentOf))
	inCycle := map[uint64]struct{}{}

	for start := range parentOf {
		if state[start] != unvisited {
			continue
		}
		var path []uint64
		id := start
		for {
			if state[id] == done {
				break
			}
			if state[id] == visiting {
				for i := len(path) - 1; i >= 0; i-- {
					inCycle[path[i]] = struct{}{}
					if path[i] == id {
						break
					}
				}
				break
			}
			state[id] = visiting
			path = append(path, id)
			parent, ok := parentOf[id]
			if !ok {
				break
			}
			id = parent
		}
		for _, p := range path {
			state[p] = done
		}
	}

	out := make([]uint64, 0, len(inCycle))
	for id := range inCycle {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func placedAt(n *models.Node, tree enums.TreeKind) *time.Time {
	if tree == enums.TreeAuto {
		return n.AutoPlacedAt
	}
	return n.SelfPlacedAt
}
