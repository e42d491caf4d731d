package shell

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"grrshell/internal/logging"
	"grrshell/internal/model"

	"github.com/dustin/go-humanize"
	"github.com/sahilm/fuzzy"
)

const maxSuggestions = 5

func runInfo(ctx context.Context, d *Dispatcher, args []string) error {
	var ads, offline bool
	target := ""
	for _, arg := range args {
		switch {
		case arg == "--ads":
			ads = true
		case arg == "--offline":
			offline = true
		case strings.HasPrefix(arg, "--"), target != "":
			return d.usage("info")
		default:
			target = arg
		}
	}
	if target == "" {
		return d.usage("info")
	}
	if ads && offline {
		return fmt.Errorf("--ads and --offline cannot be combined: %w", model.ErrInvalidArgument)
	}
	efsPath := d.resolve(target)
	if ads && hasWildcard(efsPath) {
		return fmt.Errorf("--ads does not accept wildcards: %w", model.ErrInvalidArgument)
	}

	if offline {
		nodes, err := d.tree.Resolve(efsPath)
		if err != nil {
			return describePathError(target, err)
		}
		for _, n := range nodes {
			stat := n.Stat
			stat.Path = n.Path
			d.printStat(stat)
		}
		return nil
	}

	remote := d.remotePath(efsPath)
	record, err := d.manager.Launch(ctx, model.FlowKindFileFinder, model.FlowArgs{
		Paths:  []string{remote},
		Action: model.FileFinderActionHash,
	})
	if record.ID != "" {
		d.quiet(record.ID)
	}
	if err != nil {
		return err
	}
	if len(record.Results) == 0 {
		d.printf("No results for %s\n", remote)
	}
	for _, result := range record.Results {
		d.printResult(result)
	}
	if ads {
		return d.readZoneIdentifier(ctx, efsPath, remote)
	}
	return nil
}

func (d *Dispatcher) readZoneIdentifier(ctx context.Context, efsPath string, remote string) error {
	if d.manager.Platform() != model.PlatformWindows {
		d.println("--ads is only supported on windows clients")
		return nil
	}
	if node, err := d.tree.Stat(efsPath); err == nil && node.Dir {
		d.println("--ads is not supported on directories")
		return nil
	}
	record, err := d.manager.Launch(ctx, model.FlowKindGetFile, model.FlowArgs{
		Paths:      []string{remote},
		StreamName: model.ZoneIdentifierStream,
	})
	if record.ID != "" {
		d.quiet(record.ID)
	}
	if err != nil {
		return fmt.Errorf("read %s stream: %w", model.ZoneIdentifierStream, err)
	}
	content := ""
	if len(record.Results) > 0 {
		content = record.Results[0].Content
	}
	if strings.TrimSpace(content) == "" {
		d.printf("\t%s: (empty)\n", model.ZoneIdentifierStream)
		return nil
	}
	d.printf("\t%s:\n", model.ZoneIdentifierStream)
	for _, line := range strings.Split(strings.TrimRight(content, "\r\n"), "\n") {
		d.printf("\t\t%s\n", strings.TrimRight(line, "\r"))
	}
	return nil
}

func runCollect(ctx context.Context, d *Dispatcher, args []string) error {
	if len(args) != 1 {
		return d.usage("collect")
	}
	efsPath := d.resolve(args[0])
	remote := d.remotePath(efsPath)
	if !hasWildcard(efsPath) {
		node, err := d.tree.Stat(efsPath)
		switch {
		case err == nil && node.Dir:
			remote = strings.TrimSuffix(remote, "/") + "/*"
			d.printf("Directory collection attempted: updating to %s\n", remote)
		case errors.Is(err, model.ErrNotFound):
			d.printf("Warning: %s is not in the emulated filesystem, which may be out of date. Collecting anyway.\n", efsPath)
		}
	}
	record, err := d.manager.Launch(ctx, model.FlowKindFileFinder, model.FlowArgs{
		Paths:  []string{remote},
		Action: model.FileFinderActionDownload,
	})
	if err != nil {
		return err
	}
	d.printf("Flow %s launched: collecting %s\n", record.ID, remote)
	return nil
}

func runArtefact(ctx context.Context, d *Dispatcher, args []string) error {
	if len(args) != 1 {
		return d.usage("artefact")
	}
	name := args[0]
	artifact, ok, err := d.manager.Artifact(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		suggestions, err := d.suggestArtefacts(ctx, name)
		if err != nil || len(suggestions) == 0 {
			d.printf("Unknown artefact %s\n", name)
			return nil
		}
		d.printf("Unknown artefact %s. Did you mean: %s\n", name, strings.Join(suggestions, ", "))
		return nil
	}

	synchronous := artifact.Synchronous()
	if synchronous {
		d.printf("Collecting artefact %s\n", artifact.Name)
	}
	record, err := d.manager.Launch(ctx, model.FlowKindArtifactCollector, model.FlowArgs{Artifact: artifact.Name})
	if synchronous && record.ID != "" {
		d.quiet(record.ID)
	}
	if err != nil {
		return err
	}
	if !synchronous {
		d.printf("Flow %s launched: collecting artefact %s\n", record.ID, artifact.Name)
		return nil
	}
	if len(record.Results) == 0 {
		d.printf("Flow %s returned no results\n", record.ID)
	}
	for _, result := range record.Results {
		d.printResult(result)
	}
	return nil
}

func (d *Dispatcher) suggestArtefacts(ctx context.Context, name string) ([]string, error) {
	catalog, err := d.manager.Artifacts(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(catalog))
	for _, artifact := range catalog {
		names = append(names, artifact.Name)
	}
	suggestions := []string{}
	for _, match := range fuzzy.Find(name, names) {
		suggestions = append(suggestions, match.Str)
		if len(suggestions) == maxSuggestions {
			break
		}
	}
	return suggestions, nil
}

func runSet(_ context.Context, d *Dispatcher, args []string) error {
	if len(args) != 2 {
		return d.usage("set")
	}
	switch strings.ToLower(args[0]) {
	case "max-file-size":
		size, err := humanize.ParseBytes(args[1])
		if err != nil || size > math.MaxInt64 {
			return fmt.Errorf("invalid size %q: %w", args[1], model.ErrInvalidArgument)
		}
		if err := d.manager.SetMaxFileSize(int64(size)); err != nil {
			return err
		}
		d.printf("max-file-size set to %s (%d bytes)\n", humanize.IBytes(size), size)
	case "log-level":
		if err := logging.SetLevel(strings.ToLower(args[1])); err != nil {
			return fmt.Errorf("%v: %w", err, model.ErrInvalidArgument)
		}
		d.printf("log-level set to %s\n", logging.Level())
	default:
		d.println("Valid properties: max-file-size, log-level")
	}
	return nil
}
