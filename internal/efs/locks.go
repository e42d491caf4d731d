package efs

import "sync"

type subtreeLocks struct {
	mu   sync.Mutex
	cond *sync.Cond
	held map[string]int
}

func newSubtreeLocks() *subtreeLocks {
	l := &subtreeLocks{held: map[string]int{}}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// LockSubtree blocks until no overlapping subtree (ancestor, descendant or the path
// itself) is locked, then locks p. The returned func releases it.
func (t *Tree) LockSubtree(p string) func() {
	p = Clean(p)
	l := t.locks
	l.mu.Lock()
	for l.conflicts(p) {
		l.cond.Wait()
	}
	l.held[p]++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.held[p]--
			if l.held[p] == 0 {
				delete(l.held, p)
			}
			l.mu.Unlock()
			l.cond.Broadcast()
		})
	}
}

func (l *subtreeLocks) conflicts(p string) bool {
	for held := range l.held {
		if overlaps(held, p) {
			return true
		}
	}
	return false
}
