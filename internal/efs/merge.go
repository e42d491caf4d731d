package efs

import (
	"time"

	"grrshell/internal/model"
)

type MergeResult struct {
	Root     string
	Upserted int
	Pruned   int
	Ignored  int
	Skipped  bool
}

// Merge replaces the subtree at rootPath with entries. Nodes under rootPath that are not
// named by entries are pruned. Snapshots older than the current freshness at rootPath are
// skipped.
func (t *Tree) Merge(rootPath string, entries []model.StatEntry, snapshot time.Time) MergeResult {
	rootPath = Clean(rootPath)
	result := MergeResult{Root: rootPath}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.lookup(rootPath); ok && existing.freshness.After(snapshot) {
		result.Skipped = true
		return result
	}

	rootID := t.ensureDir(rootPath)
	keep := map[NodeID]bool{rootID: true}
	rootDepth := len(splitComponents(rootPath))

	for _, entry := range entries {
		entryPath := Clean(entry.Path)
		if !within(rootPath, entryPath) {
			result.Ignored++
			continue
		}
		current := t.nodes[rootID]
		components := splitComponents(entryPath)[rootDepth:]
		for i, component := range components {
			last := i == len(components)-1
			childID, ok := current.children[component]
			if !ok {
				childID = t.newNode(component, current.id, !last || entry.IsDir())
				current.children[component] = childID
			}
			child := t.nodes[childID]
			if !last && !child.dir {
				t.makeDir(child)
			}
			child.freshness = snapshot
			keep[childID] = true
			current = child
		}
		current.stat = entry
		current.hasStat = true
		switch {
		case entry.IsDir() && !current.dir:
			t.makeDir(current)
		case !entry.IsDir() && current.dir && current.id != rootID:
			result.Pruned += t.makeFile(current)
		}
		result.Upserted++
	}

	result.Pruned += t.prune(rootID, keep)
	t.nodes[rootID].freshness = snapshot
	return result
}

func (t *Tree) ensureDir(p string) NodeID {
	current := t.nodes[t.root]
	for _, component := range splitComponents(p) {
		childID, ok := current.children[component]
		if !ok {
			childID = t.newNode(component, current.id, true)
			current.children[component] = childID
		}
		child := t.nodes[childID]
		if !child.dir {
			t.makeDir(child)
		}
		current = child
	}
	return current.id
}

func (t *Tree) makeDir(n *node) {
	n.dir = true
	if n.children == nil {
		n.children = map[string]NodeID{}
	}
}

// makeFile turns a directory into a file, dropping everything below it.
func (t *Tree) makeFile(n *node) int {
	removed := 0
	for _, childID := range n.children {
		removed += t.removeSubtree(childID)
	}
	n.dir = false
	n.children = nil
	return removed
}

func (t *Tree) prune(id NodeID, keep map[NodeID]bool) int {
	n := t.nodes[id]
	pruned := 0
	for name, childID := range n.children {
		if !keep[childID] {
			pruned += t.removeSubtree(childID)
			delete(n.children, name)
			continue
		}
		pruned += t.prune(childID, keep)
	}
	return pruned
}
