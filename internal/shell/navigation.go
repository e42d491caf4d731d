package shell

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"grrshell/internal/efs"
	"grrshell/internal/model"
)

type pathError struct {
	path   string
	reason string
	err    error
}

func (e *pathError) Error() string {
	return e.path + ": " + e.reason
}

func (e *pathError) Unwrap() error {
	return e.err
}

func describePathError(arg string, err error) error {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return &pathError{path: arg, reason: "no such file or directory", err: err}
	case errors.Is(err, model.ErrNotADirectory):
		return &pathError{path: arg, reason: "not a directory", err: err}
	}
	return err
}

func hasWildcard(p string) bool {
	return strings.ContainsAny(p, "*?[")
}

func runPwd(_ context.Context, d *Dispatcher, args []string) error {
	if len(args) != 0 {
		return d.usage("pwd")
	}
	d.println(d.Cwd())
	return nil
}

func runCd(_ context.Context, d *Dispatcher, args []string) error {
	if len(args) != 1 {
		return d.usage("cd")
	}
	nodes, err := d.tree.Resolve(d.resolve(args[0]))
	if err != nil {
		return describePathError(args[0], err)
	}
	switch {
	case len(nodes) == 0:
		return describePathError(args[0], model.ErrNotFound)
	case len(nodes) > 1:
		return fmt.Errorf("%s: matches %d paths: %w", args[0], len(nodes), model.ErrInvalidArgument)
	case !nodes[0].Dir:
		return describePathError(args[0], model.ErrNotADirectory)
	}
	d.setCwd(nodes[0].Path)
	return nil
}

func runLs(_ context.Context, d *Dispatcher, args []string) error {
	var bySize, byTime, reverse bool
	target := ""
	for _, arg := range args {
		if len(arg) > 1 && strings.HasPrefix(arg, "-") {
			for _, flag := range arg[1:] {
				switch flag {
				case 'S':
					bySize = true
				case 't':
					byTime = true
				case 'r':
					reverse = true
				case 'a', 'l':
				default:
					return d.usage("ls")
				}
			}
			continue
		}
		if target != "" {
			return d.usage("ls")
		}
		target = arg
	}
	if bySize && byTime {
		return fmt.Errorf("-S and -t cannot be combined: %w", model.ErrInvalidArgument)
	}
	display := target
	if display == "" {
		display = "."
	}
	return d.list(d.resolve(target), display, bySize, byTime, reverse)
}

func (d *Dispatcher) list(efsPath string, display string, bySize bool, byTime bool, reverse bool) error {
	nodes, err := d.tree.Resolve(efsPath)
	if err != nil {
		return describePathError(display, err)
	}
	if len(nodes) == 1 && nodes[0].Dir && !hasWildcard(efsPath) {
		nodes, err = d.tree.Children(nodes[0].Path)
		if err != nil {
			return describePathError(display, err)
		}
	}
	sortListing(nodes, bySize, byTime, reverse)
	for _, n := range nodes {
		d.println(d.formatListing(n))
	}
	return nil
}

func runFind(_ context.Context, d *Dispatcher, args []string) error {
	dir, pattern := d.Cwd(), ""
	switch len(args) {
	case 1:
		pattern = args[0]
	case 2:
		dir, pattern = d.resolve(args[0]), args[1]
	default:
		return d.usage("find")
	}
	matches, err := d.tree.Find(dir, pattern)
	if err != nil {
		return describePathError(dir, err)
	}
	for n := range matches {
		if n.Dir {
			d.println(d.styles.dir.Render(n.Path))
			continue
		}
		d.println(n.Path)
	}
	return nil
}

// runRefresh collects a timeline below a directory, merges it and lists the result.
func runRefresh(ctx context.Context, d *Dispatcher, args []string) error {
	if len(args) > 1 {
		return d.usage("refresh")
	}
	display := "."
	if len(args) == 1 {
		display = args[0]
	}
	target := d.resolve(strings.Join(args, ""))
	if hasWildcard(target) {
		return fmt.Errorf("refresh does not accept wildcards: %w", model.ErrInvalidArgument)
	}
	node, err := d.tree.Stat(target)
	switch {
	case err == nil && !node.Dir:
		return describePathError(display, model.ErrNotADirectory)
	case errors.Is(err, model.ErrNotFound):
		d.printf("Warning: %s is not in the emulated filesystem, which may be out of date. Refreshing anyway.\n", target)
	}

	root := d.remotePath(target)
	d.printf("Collecting timeline of %s\n", root)
	record, err := d.manager.Launch(ctx, model.FlowKindTimeline, model.FlowArgs{Root: root})
	if record.ID != "" {
		d.quiet(record.ID)
	}
	if err != nil {
		return err
	}
	for _, result := range record.Results {
		if result.Summary != "" {
			d.printf("Flow %s: %s\n", record.ID, result.Summary)
		}
	}
	if err := d.list(target, display, false, false, false); err != nil {
		return err
	}
	d.printf("Timeline freshness of %s: %s\n", efs.Clean(target), formatTime(d.tree.FreshnessAt(target)))
	return nil
}
