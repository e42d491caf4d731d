package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"grrshell/internal/efs"
	"grrshell/internal/events"
	"grrshell/internal/flows"
	"grrshell/internal/logging"
	"grrshell/internal/timeline"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

// ErrExit is returned by Execute when the operator asked to leave the shell.
var ErrExit = errors.New("exit requested")

const (
	DefaultFlowCount = 50

	unknownCommandMessage = `Unrecognised command. Use "help" for a command list.`
)

type Options struct {
	Manager         *flows.Manager
	Out             io.Writer
	Logger          *zap.Logger
	FreshnessWindow time.Duration
	FlowCount       int
	Now             func() time.Time
}

type command struct {
	name    string
	aliases []string
	usage   string
	short   string
	long    string
	run     func(ctx context.Context, d *Dispatcher, args []string) error
}

type usageError struct {
	usage string
}

func (e *usageError) Error() string {
	return "usage: " + e.usage
}

// Dispatcher parses operator input and runs shell commands against one client session.
type Dispatcher struct {
	manager         *flows.Manager
	tree            *efs.Tree
	out             io.Writer
	logger          *zap.Logger
	now             func() time.Time
	freshnessWindow time.Duration
	flowCount       int
	styles          styles

	commands []*command
	byName   map[string]*command

	outMu sync.Mutex

	mu            sync.Mutex
	cwd           string
	notifications []events.FlowTransition
	silenced      map[string]bool
}

func New(options Options) (*Dispatcher, error) {
	if options.Manager == nil {
		return nil, fmt.Errorf("shell requires a flow manager")
	}
	out := options.Out
	if out == nil {
		out = io.Discard
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	window := options.FreshnessWindow
	if window <= 0 {
		window = timeline.DefaultFreshnessWindow
	}
	count := options.FlowCount
	if count <= 0 {
		count = DefaultFlowCount
	}
	d := &Dispatcher{
		manager:         options.Manager,
		tree:            options.Manager.Tree(),
		out:             out,
		logger:          logging.OrGlobal(options.Logger).Named("shell"),
		now:             now,
		freshnessWindow: window,
		flowCount:       count,
		styles:          newStyles(),
		cwd:             "/",
		byName:          map[string]*command{},
		silenced:        map[string]bool{},
	}
	d.commands = commandTable()
	for _, cmd := range d.commands {
		d.byName[cmd.name] = cmd
		for _, alias := range cmd.aliases {
			d.byName[alias] = cmd
		}
	}
	return d, nil
}

func commandTable() []*command {
	commands := []*command{
		{name: "artefact", aliases: []string{"artifact"}, usage: "artefact <name>", run: runArtefact,
			short: "Collect an artefact",
			long:  "Launches an ArtifactCollector flow. Artefacts that only read registry, WMI or command\noutput block until their results arrive; others run in the background."},
		{name: "cancel", usage: "cancel <flowId>", run: runCancel,
			short: "Stop tracking a flow in this session",
			long:  "The flow keeps running on the client and can be picked up again with resume."},
		{name: "cd", usage: "cd <path>", run: runCd,
			short: "Change directory"},
		{name: "clear", usage: "clear", run: runClear,
			short: "Clear the screen"},
		{name: "collect", usage: "collect <path>", run: runCollect,
			short: "Collect remote files (asynchronous)",
			long:  "Collecting a directory collects its direct children. Paths missing from the emulated\nfilesystem are still requested since it may be stale."},
		{name: "detail", usage: "detail <flowId>", run: runDetail,
			short: "Show the details of a flow"},
		{name: "exit", aliases: []string{"quit"}, usage: "exit", run: runExit,
			short: "Exit the shell"},
		{name: "find", usage: "find [dir] <regex>", run: runFind,
			short: "Search the emulated filesystem",
			long:  "Matches the regular expression against paths relative to dir (default the current\ndirectory)."},
		{name: "flows", usage: "flows [all|--all [count]]", run: runFlows,
			short: "List flows",
			long:  fmt.Sprintf("Without arguments lists flows tracked by this session. With all, lists the newest\ncount flows on the client (default %d).", DefaultFlowCount)},
		{name: "help", aliases: []string{"h", "?"}, usage: "help [command]", run: runHelp,
			short: "Show help"},
		{name: "info", aliases: []string{"hash"}, usage: "info <path> [--ads] [--offline]", run: runInfo,
			short: "Show remote file information and hashes (synchronous)",
			long:  "--ads      also read the Zone.Identifier stream (windows clients only)\n--offline  only show what the emulated filesystem knows"},
		{name: "ls", usage: "ls [-S] [-t] [-r] [path]", run: runLs,
			short: "List directory contents",
			long:  "-S  sort by size, largest first\n-t  sort by modification time, newest first\n-r  reverse the sort order"},
		{name: "pwd", usage: "pwd", run: runPwd,
			short: "Print the current directory"},
		{name: "refresh", usage: "refresh [path]", run: runRefresh,
			short: "Refresh the emulated filesystem with a new timeline (synchronous)",
			long:  "Collects a timeline rooted at path (default the current directory) and merges it."},
		{name: "resume", usage: "resume <flowId>", run: runResume,
			short: "Track a flow launched elsewhere"},
		{name: "set", usage: "set <max-file-size|log-level> <value>", run: runSet,
			short: "Set a session property",
			long:  "Valid properties: max-file-size (bytes, or a size such as 10MB), log-level (debug, info, warn, error)"},
	}
	sort.Slice(commands, func(i, j int) bool { return commands[i].name < commands[j].name })
	return commands
}

func (d *Dispatcher) Cwd() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cwd
}

func (d *Dispatcher) setCwd(cwd string) {
	d.mu.Lock()
	d.cwd = cwd
	d.mu.Unlock()
}

func (d *Dispatcher) Prompt() string {
	return fmt.Sprintf("%s:%s $ ", d.manager.ClientID(), d.Cwd())
}

// Execute runs one line of input. Command failures are printed and swallowed; only ErrExit
// is returned.
func (d *Dispatcher) Execute(ctx context.Context, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		d.printf("Could not parse command: %v\n", err)
		return nil
	}
	if len(args) == 0 {
		return nil
	}
	cmd, ok := d.byName[strings.ToLower(args[0])]
	if !ok {
		d.println(unknownCommandMessage)
		return nil
	}
	d.logger.Debug("command", zap.String("command", cmd.name), zap.Strings("args", args[1:]))

	err = cmd.run(ctx, d, args[1:])
	var usage *usageError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrExit):
		return ErrExit
	case errors.As(err, &usage):
		d.println("Usage: " + usage.usage)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		d.println("Interrupted")
	default:
		d.logger.Info("command failed", zap.String("command", cmd.name), zap.Error(err))
		d.printf("Error: %v\n", err)
	}
	return nil
}

func (d *Dispatcher) usage(name string) error {
	return &usageError{usage: d.byName[name].usage}
}

func (d *Dispatcher) printf(format string, args ...any) {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	fmt.Fprintf(d.out, format, args...)
}

func (d *Dispatcher) println(line string) {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	fmt.Fprintln(d.out, line)
}

func (d *Dispatcher) resolve(p string) string {
	if strings.TrimSpace(p) == "" {
		return d.Cwd()
	}
	return efs.Join(d.Cwd(), p)
}

// remotePath is the client-side spelling of an EFS path.
func (d *Dispatcher) remotePath(efsPath string) string {
	return timeline.RemoteRoot(efsPath, d.manager.Platform())
}

func runHelp(_ context.Context, d *Dispatcher, args []string) error {
	if len(args) > 1 {
		return d.usage("help")
	}
	if len(args) == 1 {
		cmd, ok := d.byName[strings.ToLower(args[0])]
		if !ok {
			d.printf("No help for %q\n", args[0])
			return nil
		}
		d.printf("%s\n\t%s\n", cmd.usage, cmd.short)
		if len(cmd.aliases) > 0 {
			d.printf("\tAliases: %s\n", strings.Join(cmd.aliases, ", "))
		}
		if cmd.long != "" {
			for _, line := range strings.Split(cmd.long, "\n") {
				d.printf("\t%s\n", line)
			}
		}
		return nil
	}
	d.println("Available commands:")
	for _, cmd := range d.commands {
		d.printf("\t%-12s %s\n", cmd.name, cmd.short)
	}
	return nil
}

func runClear(_ context.Context, d *Dispatcher, _ []string) error {
	d.printf("\033[H\033[2J")
	return nil
}

func runExit(context.Context, *Dispatcher, []string) error {
	return ErrExit
}
