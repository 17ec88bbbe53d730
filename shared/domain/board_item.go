// Package domain holds the content tree shared by every backend and every
// consumer: a Forum/Thread/Post hierarchy with 1-based pagination cursors.
// Nodes are immutable snapshots - a later request for the "same" id yields a
// newly built node, so consumers compare by id, never by pointer.
package domain

import (
	"fmt"
	"sync"
)

const PerPageDefault = 20

// Item is implemented by every node in the content tree.
type Item interface {
	Base() *BoardItem
}

// BoardItem carries the fields common to forums, threads and posts.
type BoardItem struct {
	Id        string
	Title     string
	HasUnread bool

	// pagination cursor, 1-based
	PageNumber int
	PageCount  int
	PerPage    int

	parent   Item
	children []Item

	childMu sync.Mutex
}

func newBoardItem(id string) BoardItem {
	return BoardItem{
		Id:         id,
		PageNumber: 1,
		PageCount:  1,
		PerPage:    PerPageDefault,
	}
}

func (b *BoardItem) Base() *BoardItem { return b }

func (b *BoardItem) Parent() Item { return b.parent }

// Children returns the ordered child list. The returned slice is shared;
// callers must not mutate it.
func (b *BoardItem) Children() []Item {
	b.childMu.Lock()
	defer b.childMu.Unlock()
	return b.children
}

// link attaches child under parent. A node has at most one parent and can
// never be re-parented into its own subtree, which keeps the tree acyclic by
// construction. The typed mutators on Forum and Thread are the only callers;
// they keep their own child slices in sync with the generic one.
func link(parent, child Item) error {
	pb := parent.Base()
	cb := child.Base()

	if pb == cb {
		return fmt.Errorf("item %q cannot be its own child", pb.Id)
	}
	if cb.parent != nil {
		return fmt.Errorf("item %q already has a parent", cb.Id)
	}
	for p := parent.Base().parent; p != nil; p = p.Base().parent {
		if p.Base() == cb {
			return fmt.Errorf("adding item %q under %q would create a cycle", cb.Id, pb.Id)
		}
	}

	pb.childMu.Lock()
	defer pb.childMu.Unlock()
	for _, existing := range pb.children {
		if existing.Base() == cb {
			return fmt.Errorf("item %q is already a child of %q", cb.Id, pb.Id)
		}
	}
	pb.children = append(pb.children, child)
	cb.parent = parent
	return nil
}
