package efs

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"grrshell/internal/model"
)

func fileEntry(p string, size int64) model.StatEntry {
	return model.StatEntry{Path: p, Mode: "-rw-r--r--", Size: size}
}

func dirEntry(p string) model.StatEntry {
	return model.StatEntry{Path: p, Mode: "drwxr-xr-x"}
}

func dump(t *testing.T, tree *Tree) []string {
	t.Helper()
	seq, err := tree.Find("/", ".*")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	out := []string{}
	for n := range seq {
		out = append(out, fmt.Sprintf("%s dir=%v size=%d fresh=%d", n.Path, n.Dir, n.Stat.Size, n.Freshness.Unix()))
	}
	return out
}

func TestMergeBuildsTree(t *testing.T) {
	tree := New()
	result := tree.Merge("/", []model.StatEntry{
		dirEntry("/"),
		dirEntry("/etc"),
		fileEntry("/etc/passwd", 10),
		fileEntry("/home/user/notes.txt", 5),
	}, time.Unix(100, 0))
	if result.Upserted != 4 || result.Pruned != 0 {
		t.Fatalf("unexpected merge result: %+v", result)
	}
	home, err := tree.Stat("/home")
	if err != nil {
		t.Fatalf("stat /home: %v", err)
	}
	if !home.Dir || home.HasStat {
		t.Fatalf("expected implied directory without stat, got %+v", home)
	}
	passwd, err := tree.Stat("/etc/passwd")
	if err != nil {
		t.Fatalf("stat passwd: %v", err)
	}
	if passwd.Dir || passwd.Stat.Size != 10 || passwd.Path != "/etc/passwd" {
		t.Fatalf("unexpected passwd node: %+v", passwd)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	tree := New()
	entries := []model.StatEntry{dirEntry("/a"), fileEntry("/a/x", 1), fileEntry("/b/y", 2)}
	tree.Merge("/", entries, time.Unix(10, 0))
	first := dump(t, tree)
	tree.Merge("/", entries, time.Unix(10, 0))
	second := dump(t, tree)
	if !slices.Equal(first, second) {
		t.Fatalf("expected identical trees:\n%v\n%v", first, second)
	}

	tree.Merge("/", entries, time.Unix(20, 0))
	if got := tree.FreshnessAt("/a/x"); !got.Equal(time.Unix(20, 0)) {
		t.Fatalf("expected freshness to advance to 20, got %v", got.Unix())
	}
}

func TestMergePrunesStaleEntries(t *testing.T) {
	tree := New()
	tree.Merge("/", []model.StatEntry{fileEntry("/a/x", 1), fileEntry("/a/y", 1), fileEntry("/b/z", 1)}, time.Unix(10, 0))
	result := tree.Merge("/a", []model.StatEntry{fileEntry("/a/x", 2)}, time.Unix(20, 0))
	if result.Pruned != 1 {
		t.Fatalf("expected one pruned node, got %+v", result)
	}
	if _, err := tree.Stat("/a/y"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected /a/y to be pruned, got %v", err)
	}
	if _, err := tree.Stat("/b/z"); err != nil {
		t.Fatalf("expected /b/z outside the merge root to survive: %v", err)
	}
	if got := tree.FreshnessAt("/b/z"); !got.Equal(time.Unix(10, 0)) {
		t.Fatalf("expected untouched freshness 10, got %v", got.Unix())
	}
	if got := tree.FreshnessAt("/a/x"); !got.Equal(time.Unix(20, 0)) {
		t.Fatalf("expected merged freshness 20, got %v", got.Unix())
	}
}

func TestMergeIgnoresEntriesOutsideRootAndSkipsOlderSnapshots(t *testing.T) {
	tree := New()
	result := tree.Merge("/a", []model.StatEntry{fileEntry("/a/x", 1), fileEntry("/other", 1)}, time.Unix(20, 0))
	if result.Ignored != 1 {
		t.Fatalf("expected one ignored entry, got %+v", result)
	}
	result = tree.Merge("/a", []model.StatEntry{fileEntry("/a/old", 1)}, time.Unix(10, 0))
	if !result.Skipped {
		t.Fatalf("expected older snapshot to be skipped")
	}
	if _, err := tree.Stat("/a/x"); err != nil {
		t.Fatalf("expected /a/x to survive skipped merge: %v", err)
	}
}

func TestMergeTurnsDirectoryIntoFile(t *testing.T) {
	tree := New()
	tree.Merge("/", []model.StatEntry{dirEntry("/opt"), dirEntry("/opt/app"), fileEntry("/opt/app/run", 3)}, time.Unix(10, 0))
	result := tree.Merge("/opt", []model.StatEntry{dirEntry("/opt"), fileEntry("/opt/app", 7)}, time.Unix(20, 0))
	if result.Pruned != 1 {
		t.Fatalf("expected the old directory contents to be pruned, got %+v", result)
	}
	app, err := tree.Stat("/opt/app")
	if err != nil {
		t.Fatalf("stat /opt/app: %v", err)
	}
	if app.Dir || app.Stat.Size != 7 || app.ChildCount != 0 {
		t.Fatalf("expected /opt/app to be a file now, got %+v", app)
	}
	if _, err := tree.Children("/opt/app"); !errors.Is(err, model.ErrNotADirectory) {
		t.Fatalf("expected not a directory, got %v", err)
	}
	if _, err := tree.Stat("/opt/app/run"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected /opt/app/run to be gone, got %v", err)
	}
}

func TestResolveWildcard(t *testing.T) {
	tree := New()
	tree.Merge("/", []model.StatEntry{fileEntry("/a/f1.txt", 1), fileEntry("/a/f2.txt", 1), fileEntry("/a/f3.log", 1)}, time.Unix(1, 0))

	nodes, err := tree.Resolve("/a/*.txt")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	names := []string{}
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	slices.Sort(names)
	if !slices.Equal(names, []string{"f1.txt", "f2.txt"}) {
		t.Fatalf("unexpected matches: %v", names)
	}

	nodes, err = tree.Resolve("/a/*.doc")
	if err != nil || len(nodes) != 0 {
		t.Fatalf("expected zero matches without error, got %v %v", nodes, err)
	}

	if _, err := tree.Resolve("/a/*/b"); !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for non-final wildcard, got %v", err)
	}
	if _, err := tree.Resolve("/a/missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	root, err := tree.Resolve("/")
	if err != nil || len(root) != 1 || root[0].Path != "/" {
		t.Fatalf("expected root node, got %v %v", root, err)
	}
}

func TestFindMatchesRelativePath(t *testing.T) {
	tree := New()
	tree.Merge("/", []model.StatEntry{
		fileEntry("/docs/Report.DOCX", 1),
		fileEntry("/docs/old/b.docx", 1),
		fileEntry("/docs/notes.txt", 1),
		fileEntry("/a.docx", 1),
	}, time.Unix(1, 0))

	seq, err := tree.Find("/", `(?i)\.docx$`)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	got := []string{}
	for n := range seq {
		got = append(got, n.Path)
	}
	want := []string{"/a.docx", "/docs/Report.DOCX", "/docs/old/b.docx"}
	if !slices.Equal(got, want) {
		t.Fatalf("unexpected find order: %v", got)
	}

	again := []string{}
	for n := range seq {
		again = append(again, n.Path)
	}
	if !slices.Equal(got, again) {
		t.Fatalf("expected restartable sequence, got %v", again)
	}

	seq, err = tree.Find("/docs", `^old/`)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	count := 0
	for range seq {
		count++
	}
	if count != 1 {
		t.Fatalf("expected relative match on old/b.docx only, got %d", count)
	}

	seq, err = tree.Find("/", `\.pdf$`)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	for n := range seq {
		t.Fatalf("expected no matches, got %s", n.Path)
	}

	if _, err := tree.Find("/", "("); !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for bad regex, got %v", err)
	}
}

func TestFreshnessAtUsesNearestAncestor(t *testing.T) {
	tree := New()
	if !tree.FreshnessAt("/x").IsZero() {
		t.Fatalf("expected zero freshness on empty tree")
	}
	tree.Merge("/home", []model.StatEntry{fileEntry("/home/a", 1)}, time.Unix(50, 0))
	if got := tree.FreshnessAt("/home/a/missing/deeper"); !got.Equal(time.Unix(50, 0)) {
		t.Fatalf("expected 50, got %v", got.Unix())
	}
	if !tree.FreshnessAt("/etc").IsZero() {
		t.Fatalf("expected zero freshness outside merged subtree")
	}
}

func TestChildrenOfFileIsNotADirectory(t *testing.T) {
	tree := New()
	tree.Merge("/", []model.StatEntry{fileEntry("/f", 1)}, time.Unix(1, 0))
	if _, err := tree.Children("/f"); !errors.Is(err, model.ErrNotADirectory) {
		t.Fatalf("expected not a directory, got %v", err)
	}
	if !errors.Is(model.ErrNotADirectory, model.ErrInvalidArgument) {
		t.Fatalf("expected not-a-directory to be an invalid argument")
	}
}

func TestLockSubtreeSerializesOverlappingPaths(t *testing.T) {
	tree := New()
	unlock := tree.LockSubtree("/a")

	disjoint := tree.LockSubtree("/b")
	disjoint()

	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		release := tree.LockSubtree("/a/b")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatalf("expected descendant lock to wait")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	wg.Wait()
}
