package efs

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"grrshell/internal/model"
)

type NodeID uint64

type node struct {
	id        NodeID
	name      string
	parent    NodeID
	dir       bool
	children  map[string]NodeID
	stat      model.StatEntry
	hasStat   bool
	freshness time.Time
}

// Node is a read-only copy of a tree node. It stays valid after the tree changes.
type Node struct {
	ID         NodeID
	Name       string
	Path       string
	Dir        bool
	Stat       model.StatEntry
	HasStat    bool
	Freshness  time.Time
	ChildCount int
}

type Tree struct {
	mu     sync.RWMutex
	nodes  map[NodeID]*node
	root   NodeID
	nextID NodeID
	locks  *subtreeLocks
}

func New() *Tree {
	t := &Tree{
		nodes: map[NodeID]*node{},
		locks: newSubtreeLocks(),
	}
	t.root = t.newNode("", 0, true)
	return t
}

func (t *Tree) newNode(name string, parent NodeID, dir bool) NodeID {
	t.nextID++
	n := &node{id: t.nextID, name: name, parent: parent, dir: dir}
	if dir {
		n.children = map[string]NodeID{}
	}
	t.nodes[n.id] = n
	return n.id
}

func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

func (t *Tree) Stat(p string) (Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.lookup(Clean(p))
	if !ok {
		return Node{}, fmt.Errorf("%s: %w", Clean(p), model.ErrNotFound)
	}
	return t.view(n), nil
}

func (t *Tree) Children(p string) ([]Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	clean := Clean(p)
	n, ok := t.lookup(clean)
	if !ok {
		return nil, fmt.Errorf("%s: %w", clean, model.ErrNotFound)
	}
	if !n.dir {
		return nil, fmt.Errorf("%s: %w", clean, model.ErrNotADirectory)
	}
	return t.sortedChildren(n), nil
}

// FreshnessAt returns the freshness of the deepest existing ancestor of p (inclusive)
// that has one.
func (t *Tree) FreshnessAt(p string) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	current := t.nodes[t.root]
	freshness := current.freshness
	for _, component := range splitComponents(p) {
		if !current.dir {
			break
		}
		childID, ok := current.children[component]
		if !ok {
			break
		}
		current = t.nodes[childID]
		if !current.freshness.IsZero() {
			freshness = current.freshness
		}
	}
	return freshness
}

func (t *Tree) lookup(p string) (*node, bool) {
	current := t.nodes[t.root]
	for _, component := range splitComponents(p) {
		if !current.dir {
			return nil, false
		}
		childID, ok := current.children[component]
		if !ok {
			return nil, false
		}
		current = t.nodes[childID]
	}
	return current, true
}

func (t *Tree) pathOf(n *node) string {
	parts := []string{}
	for current := n; current.id != t.root; current = t.nodes[current.parent] {
		parts = append(parts, current.name)
	}
	if len(parts) == 0 {
		return "/"
	}
	slices.Reverse(parts)
	return "/" + strings.Join(parts, "/")
}

func (t *Tree) view(n *node) Node {
	return Node{
		ID:         n.id,
		Name:       n.name,
		Path:       t.pathOf(n),
		Dir:        n.dir,
		Stat:       n.stat,
		HasStat:    n.hasStat,
		Freshness:  n.freshness,
		ChildCount: len(n.children),
	}
}

func (t *Tree) sortedChildren(n *node) []Node {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	slices.Sort(names)
	out := make([]Node, 0, len(names))
	for _, name := range names {
		out = append(out, t.view(t.nodes[n.children[name]]))
	}
	return out
}

func (t *Tree) removeSubtree(id NodeID) int {
	n, ok := t.nodes[id]
	if !ok {
		return 0
	}
	removed := 1
	for _, childID := range n.children {
		removed += t.removeSubtree(childID)
	}
	delete(t.nodes, id)
	return removed
}
