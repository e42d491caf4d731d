package shell

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"grrshell/internal/efs"
	"grrshell/internal/model"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

const timeLayout = "2006-01-02T15:04:05Z"

type styles struct {
	dir   lipgloss.Style
	link  lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	alert lipgloss.Style
	faint lipgloss.Style
}

func newStyles() styles {
	return styles{
		dir:   lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		link:  lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		ok:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		alert: lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		faint: lipgloss.NewStyle().Faint(true),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

// displayMode drops the "d/" type prefix that timeline bodies carry in front of the mode.
func displayMode(n efs.Node) string {
	if !n.HasStat {
		if n.Dir {
			return "d---------"
		}
		return "----------"
	}
	mode := n.Stat.Mode
	if _, after, found := strings.Cut(mode, "/"); found {
		mode = after
	}
	if mode == "" {
		return "----------"
	}
	return mode
}

func (d *Dispatcher) formatListing(n efs.Node) string {
	mode := displayMode(n)
	name := n.Name
	if n.Path == "/" {
		name = "/"
	}
	switch {
	case n.Dir:
		name = d.styles.dir.Render(name)
	case strings.HasPrefix(mode, "l"):
		name = d.styles.link.Render(name)
	}
	return fmt.Sprintf("%s %8d %8d %12d %-20s %s",
		mode, n.Stat.UID, n.Stat.GID, n.Stat.Size, formatTime(n.Stat.Mtime), name)
}

// sortListing orders directories first then by name, unless a size or time sort is asked for.
func sortListing(nodes []efs.Node, bySize bool, byTime bool, reverse bool) {
	less := func(a efs.Node, b efs.Node) bool {
		switch {
		case bySize:
			if a.Stat.Size != b.Stat.Size {
				return a.Stat.Size > b.Stat.Size
			}
		case byTime:
			if !a.Stat.Mtime.Equal(b.Stat.Mtime) {
				return a.Stat.Mtime.After(b.Stat.Mtime)
			}
		default:
			if a.Dir != b.Dir {
				return a.Dir
			}
		}
		return a.Name < b.Name
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		if reverse {
			return less(nodes[j], nodes[i])
		}
		return less(nodes[i], nodes[j])
	})
}

func formatSize(size int64) string {
	if size < 0 {
		size = 0
	}
	return fmt.Sprintf("%s (%d bytes)", humanize.Bytes(uint64(size)), size)
}

func (d *Dispatcher) printStat(stat model.StatEntry) {
	mode := stat.Mode
	if _, after, found := strings.Cut(mode, "/"); found {
		mode = after
	}
	d.println(stat.Path)
	d.printf("\tMode:     %s\n", mode)
	d.printf("\tInode:    %d\n", stat.Inode)
	d.printf("\tUID:      %d\n", stat.UID)
	d.printf("\tGID:      %d\n", stat.GID)
	d.printf("\tSize:     %s\n", formatSize(stat.Size))
	d.printf("\tAccessed: %s\n", formatTime(stat.Atime))
	d.printf("\tModified: %s\n", formatTime(stat.Mtime))
	d.printf("\tChanged:  %s\n", formatTime(stat.Ctime))
	d.printf("\tCreated:  %s\n", formatTime(stat.Btime))
	if stat.MD5 != "" {
		d.printf("\tMD5:      %s\n", stat.MD5)
	}
}

func (d *Dispatcher) printResult(result model.FlowResult) {
	switch {
	case result.Summary != "":
		d.printf("\t%s\n", result.Summary)
	case result.Stat != nil:
		stat := *result.Stat
		if result.MD5 != "" {
			stat.MD5 = result.MD5
		}
		d.printStat(stat)
		if result.SHA1 != "" {
			d.printf("\tSHA1:     %s\n", result.SHA1)
		}
		if result.SHA256 != "" {
			d.printf("\tSHA256:   %s\n", result.SHA256)
		}
	case result.Content != "":
		for _, line := range strings.Split(strings.TrimRight(result.Content, "\r\n"), "\n") {
			d.printf("\t%s\n", strings.TrimRight(line, "\r"))
		}
	default:
		d.printf("\t%s\n", result.PayloadType)
	}
}

func describeArgs(args model.FlowArgs) string {
	parts := []string{}
	if len(args.Paths) > 0 {
		parts = append(parts, strings.Join(args.Paths, ","))
	}
	if args.Action != "" {
		parts = append(parts, "action="+string(args.Action))
	}
	if args.Artifact != "" {
		parts = append(parts, args.Artifact)
	}
	if args.Root != "" {
		parts = append(parts, "root="+args.Root)
	}
	if args.StreamName != "" {
		parts = append(parts, "stream="+args.StreamName)
	}
	return strings.Join(parts, " ")
}

func formatFlowLine(record model.FlowRecord) string {
	line := fmt.Sprintf("\t%s %s %s %s %s", record.ID, formatTime(record.StartedAt), record.Name,
		describeArgs(record.Args), strings.ToUpper(string(record.State)))
	switch {
	case record.State == model.FlowStateComplete && record.LocalTarget != "":
		line += " " + record.LocalTarget
	case record.ErrorDetail != "":
		line += " (" + record.ErrorDetail + ")"
	}
	return line
}

func (d *Dispatcher) printDetail(detail model.FlowDetail) {
	record := detail.Record
	d.printf("%s %s\n", record.Name, record.ID)
	d.printf("\tCreator:     %s\n", record.Creator)
	d.printf("\tState:       %s (remote %s)\n", strings.ToUpper(string(record.State)), detail.Progress)
	d.printf("\tStarted:     %s\n", formatTime(record.StartedAt))
	d.printf("\tLast Active: %s\n", formatTime(record.LastActiveAt))
	d.printf("\tArgs:        %s\n", describeArgs(record.Args))
	tracked := "no"
	if detail.Tracked {
		tracked = "yes"
	}
	d.printf("\tTracked:     %s\n", tracked)
	if record.ErrorDetail != "" {
		d.printf("\tError:       %s\n", record.ErrorDetail)
	}
	if record.LocalTarget != "" {
		d.printf("\tLocal path:  %s\n", record.LocalTarget)
	}
	if len(detail.Events) > 0 {
		d.println("\tTransitions:")
		for _, event := range detail.Events {
			from := string(event.FromState)
			if from == "" {
				from = "-"
			}
			line := fmt.Sprintf("\t\t%s %s -> %s", formatTime(event.CreatedAt), from, event.ToState)
			if event.Message != "" {
				line += " (" + event.Message + ")"
			}
			d.println(line)
		}
	}
	if len(detail.Results) > 0 {
		d.printf("\tResults:     %d\n", len(detail.Results))
		for _, result := range detail.Results {
			d.printResult(result)
		}
	}
}
