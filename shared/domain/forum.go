package domain

// ForumType classifies a forum node as reported by the remote side. Backends
// derive it from a protocol field or a markup class string; an unrecognized
// classification is a protocol error, never a guess.
type ForumType int

const (
	ForumTypeUnknown ForumType = iota
	ForumTypeForum
	ForumTypeCategory
	ForumTypeLink
)

func (t ForumType) String() string {
	switch t {
	case ForumTypeForum:
		return "FORUM"
	case ForumTypeCategory:
		return "CATEGORY"
	case ForumTypeLink:
		return "LINK"
	default:
		return "UNKNOWN"
	}
}

// RootLevel is the depth sentinel of a root forum; its direct children sit
// at level 0.
const RootLevel = -1

type Forum struct {
	BoardItem

	Name string
	Type ForumType

	// backend-assigned ranking among siblings
	DisplayOrder int

	// Link is only meaningful for ForumTypeLink nodes, which are excluded
	// from navigable listings by consumers.
	Link string

	Forums  []*Forum
	Threads []*Thread

	isRoot bool
	level  int
}

func NewForum(id string) *Forum {
	return &Forum{BoardItem: newBoardItem(id), level: RootLevel}
}

// NewRootForum builds the unique entry point of a board's content tree.
func NewRootForum(id string) *Forum {
	if id == "" {
		id = "-1"
	}
	f := NewForum(id)
	f.isRoot = true
	return f
}

func (f *Forum) IsRoot() bool { return f.isRoot }

// Level is the forum's depth: parent's level + 1, RootLevel for an unparented
// or root forum.
func (f *Forum) Level() int { return f.level }

// AddForum attaches child as a sub-forum of f.
func (f *Forum) AddForum(child *Forum) error {
	if err := link(f, child); err != nil {
		return err
	}
	child.level = f.level + 1
	f.Forums = append(f.Forums, child)
	return nil
}

// AddThread attaches t to f's thread listing.
func (f *Forum) AddThread(t *Thread) error {
	if err := link(f, t); err != nil {
		return err
	}
	f.Threads = append(f.Threads, t)
	return nil
}

// SetThreads replaces f's thread listing wholesale, re-parenting each thread.
// Listing operations rebuild rather than patch, so prior threads are dropped.
func (f *Forum) SetThreads(threads []*Thread) error {
	f.childMu.Lock()
	kept := f.children[:0]
	for _, c := range f.children {
		if _, isThread := c.(*Thread); !isThread {
			kept = append(kept, c)
		} else {
			c.Base().parent = nil
		}
	}
	f.children = kept
	f.childMu.Unlock()

	f.Threads = nil
	for _, t := range threads {
		if err := f.AddThread(t); err != nil {
			return err
		}
	}
	return nil
}

// StructureEqual reports whether two forum trees have the same shape:
// id, name and type of every node, recursively. Thread and post content is
// deliberately ignored; the background watcher uses this to detect remote
// reorganization without diffing content.
func (f *Forum) StructureEqual(other *Forum) bool {
	if other == nil {
		return false
	}
	if f.Id != other.Id || f.Name != other.Name || f.Type != other.Type {
		return false
	}
	if len(f.Forums) != len(other.Forums) {
		return false
	}
	for i, child := range f.Forums {
		if !child.StructureEqual(other.Forums[i]) {
			return false
		}
	}
	return true
}
