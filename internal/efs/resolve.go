package efs

import (
	"fmt"
	"iter"
	"path"
	"regexp"
	"slices"
	"strings"

	"grrshell/internal/model"

	"github.com/bmatcuk/doublestar/v4"
)

// Resolve looks up pathExpr. A wildcard is only allowed in the final component; it
// expands to the matching children of the parent directory, possibly none.
func (t *Tree) Resolve(pathExpr string) ([]Node, error) {
	clean := Clean(pathExpr)
	components := splitComponents(clean)
	for i, component := range components {
		if hasWildcard(component) && i != len(components)-1 {
			return nil, fmt.Errorf("wildcard only allowed in the final path component: %s: %w", clean, model.ErrInvalidArgument)
		}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(components) == 0 || !hasWildcard(components[len(components)-1]) {
		n, ok := t.lookup(clean)
		if !ok {
			return nil, fmt.Errorf("%s: %w", clean, model.ErrNotFound)
		}
		return []Node{t.view(n)}, nil
	}

	parentPath := path.Dir(clean)
	pattern := components[len(components)-1]
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, model.ErrInvalidArgument)
	}
	parent, ok := t.lookup(parentPath)
	if !ok {
		return nil, fmt.Errorf("%s: %w", parentPath, model.ErrNotFound)
	}
	if !parent.dir {
		return nil, fmt.Errorf("%s: %w", parentPath, model.ErrNotADirectory)
	}
	matches := []Node{}
	for _, child := range t.sortedChildren(parent) {
		matched, err := doublestar.Match(pattern, child.Name)
		if err != nil {
			return nil, fmt.Errorf("match %q: %w", pattern, model.ErrInvalidArgument)
		}
		if matched {
			matches = append(matches, child)
		}
	}
	return matches, nil
}

// Find walks the descendants of dirPath depth first in lexicographic order and yields
// those whose path relative to dirPath matches pattern. The tree is read-locked while a
// range over the sequence is in progress.
func (t *Tree) Find(dirPath string, pattern string) (iter.Seq[Node], error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad pattern %q: %v: %w", pattern, err, model.ErrInvalidArgument)
	}
	dirPath = Clean(dirPath)
	start, err := t.Stat(dirPath)
	if err != nil {
		return nil, err
	}
	if !start.Dir {
		return nil, fmt.Errorf("%s: %w", dirPath, model.ErrNotADirectory)
	}

	prefix := dirPath + "/"
	if dirPath == "/" {
		prefix = "/"
	}
	return func(yield func(Node) bool) {
		t.mu.RLock()
		defer t.mu.RUnlock()
		root, ok := t.lookup(dirPath)
		if !ok || !root.dir {
			return
		}
		t.walk(root, func(n *node, full string) bool {
			if !re.MatchString(strings.TrimPrefix(full, prefix)) {
				return true
			}
			return yield(t.view(n))
		}, dirPath)
	}, nil
}

func (t *Tree) walk(n *node, visit func(*node, string) bool, base string) bool {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		child := t.nodes[n.children[name]]
		full := path.Join(base, name)
		if !visit(child, full) {
			return false
		}
		if child.dir && !t.walk(child, visit, full) {
			return false
		}
	}
	return true
}
