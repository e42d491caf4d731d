package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"grrshell/internal/model"
	"grrshell/internal/policy"
	"grrshell/internal/shell"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"go.uber.org/zap"
)

// stdout is replaced in tests.
var stdout io.Writer = os.Stdout

func newDispatcher(s *session) (*shell.Dispatcher, error) {
	return shell.New(shell.Options{
		Manager:         s.manager,
		Out:             stdout,
		Logger:          s.logger,
		FreshnessWindow: s.cfg.FreshnessWindow(),
		FlowCount:       s.cfg.History.DefaultCount,
	})
}

func printRunning(running []string) {
	if len(running) == 0 {
		return
	}
	fmt.Fprintf(stdout, "Flows still running on the client: %s\n", strings.Join(running, ", "))
}

type shellGlazedCommand struct {
	*cmds.CommandDescription
}

type shellSettings struct {
	InitialTimeline   string `glazed.parameter:"initial-timeline"`
	NoInitialTimeline bool   `glazed.parameter:"no-initial-timeline"`
}

func newShellGlazedCommand() (*shellGlazedCommand, error) {
	description, err := newConnectionCommandDescription(
		"shell",
		"Open an interactive shell on a client",
		"Load a timeline of the client filesystem and open an interactive shell for browsing it and collecting files.",
		parameters.NewParameterDefinition(
			"initial-timeline",
			parameters.ParameterTypeString,
			parameters.WithHelp("Timeline flow id to load instead of selecting one"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"no-initial-timeline",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Start with an empty filesystem view"),
			parameters.WithDefault(false),
		),
	)
	if err != nil {
		return nil, err
	}
	return &shellGlazedCommand{CommandDescription: description}, nil
}

func (c *shellGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &shellSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if settings.NoInitialTimeline && strings.TrimSpace(settings.InitialTimeline) != "" {
		return fmt.Errorf("--initial-timeline and --no-initial-timeline cannot be combined")
	}
	conn, err := initializeConnection(parsedLayers)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, conn, sessionOptions{Interactive: isInteractiveStdin()})
	if err != nil {
		return err
	}
	d, err := newDispatcher(s)
	if err != nil {
		printRunning(s.Close())
		return err
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	transitions, err := s.bus.Subscribe(watchCtx)
	if err != nil {
		printRunning(s.Close())
		return err
	}
	go d.Watch(watchCtx, transitions)

	if !settings.NoInitialTimeline {
		if _, err := d.LoadTimeline(ctx, settings.InitialTimeline); err != nil {
			printRunning(s.Close())
			return err
		}
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	runErr := d.Run(ctx, os.Stdin, interrupts)
	fmt.Fprintln(stdout, "Exiting")
	stopWatch()
	printRunning(s.Close())
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

var _ cmds.BareCommand = &shellGlazedCommand{}

type collectGlazedCommand struct {
	*cmds.CommandDescription
}

type collectSettings struct {
	RemotePath string `glazed.parameter:"remote-path"`
}

func newCollectGlazedCommand() (*collectGlazedCommand, error) {
	description, err := newConnectionCommandDescription(
		"collect",
		"Collect a file from a client and wait for it",
		"",
		parameters.NewParameterDefinition(
			"remote-path",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path on the client to collect (glob patterns are allowed)"),
			parameters.WithDefault(""),
		),
	)
	if err != nil {
		return nil, err
	}
	return &collectGlazedCommand{CommandDescription: description}, nil
}

func (c *collectGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &collectSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	remotePath := strings.TrimSpace(settings.RemotePath)
	if remotePath == "" {
		return fmt.Errorf("--remote-path is required")
	}
	return runOneShot(ctx, parsedLayers, func(ctx context.Context, s *session) (model.FlowRecord, error) {
		return s.manager.Launch(ctx, model.FlowKindFileFinder, model.FlowArgs{
			Paths:  []string{remotePath},
			Action: model.FileFinderActionDownload,
		})
	})
}

var _ cmds.BareCommand = &collectGlazedCommand{}

type artefactGlazedCommand struct {
	*cmds.CommandDescription
}

type artefactSettings struct {
	Artefact string `glazed.parameter:"artefact"`
}

func newArtefactGlazedCommand() (*artefactGlazedCommand, error) {
	description, err := newConnectionCommandDescription(
		"artefact",
		"Collect a forensic artefact from a client and wait for it",
		"",
		parameters.NewParameterDefinition(
			"artefact",
			parameters.ParameterTypeString,
			parameters.WithHelp("Artefact name as known to the GRR server"),
			parameters.WithDefault(""),
		),
	)
	if err != nil {
		return nil, err
	}
	return &artefactGlazedCommand{CommandDescription: description}, nil
}

func (c *artefactGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &artefactSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	name := strings.TrimSpace(settings.Artefact)
	if name == "" {
		return fmt.Errorf("--artefact is required")
	}
	return runOneShot(ctx, parsedLayers, func(ctx context.Context, s *session) (model.FlowRecord, error) {
		artifact, ok, err := s.manager.Artifact(ctx, name)
		if err != nil {
			return model.FlowRecord{}, err
		}
		if !ok {
			return model.FlowRecord{}, fmt.Errorf("unknown artefact %q: %w", name, model.ErrNotFound)
		}
		return s.manager.Launch(ctx, model.FlowKindArtifactCollector, model.FlowArgs{Artifact: artifact.Name})
	})
}

var _ cmds.BareCommand = &artefactGlazedCommand{}

type completeGlazedCommand struct {
	*cmds.CommandDescription
}

type completeSettings struct {
	Flow string `glazed.parameter:"flow"`
}

func newCompleteGlazedCommand() (*completeGlazedCommand, error) {
	description, err := newConnectionCommandDescription(
		"complete",
		"Wait for an existing flow and download its results",
		"Resume tracking a previously launched flow, wait until it finishes and write its results locally.",
		parameters.NewParameterDefinition(
			"flow",
			parameters.ParameterTypeString,
			parameters.WithHelp("Flow id"),
			parameters.WithDefault(""),
		),
	)
	if err != nil {
		return nil, err
	}
	return &completeGlazedCommand{CommandDescription: description}, nil
}

func (c *completeGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &completeSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	flowID := strings.TrimSpace(settings.Flow)
	if flowID == "" {
		return fmt.Errorf("--flow is required")
	}
	return runOneShot(ctx, parsedLayers, func(ctx context.Context, s *session) (model.FlowRecord, error) {
		return s.manager.Resume(ctx, flowID)
	})
}

var _ cmds.BareCommand = &completeGlazedCommand{}

// runOneShot opens a session, starts one flow, waits for it and reports the outcome.
func runOneShot(ctx context.Context, parsedLayers *layers.ParsedLayers, start func(context.Context, *session) (model.FlowRecord, error)) error {
	conn, err := initializeConnection(parsedLayers)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, conn, sessionOptions{})
	if err != nil {
		return err
	}
	d, err := newDispatcher(s)
	if err != nil {
		printRunning(s.Close())
		return err
	}

	record, err := start(ctx, s)
	if err == nil && !record.Terminal() {
		fmt.Fprintf(stdout, "Waiting for flow %s (%s)\n", record.ID, record.Name)
		record, err = s.manager.Wait(ctx, record.ID)
	}
	var failed *model.FlowFailedError
	if record.ID != "" && (err == nil || errors.As(err, &failed)) {
		d.Report(record)
	}
	if err != nil {
		s.logger.Warn("flow did not complete", zap.String("flow_id", record.ID), zap.Error(err))
	}
	printRunning(s.Close())
	return err
}

type configInitGlazedCommand struct {
	*cmds.CommandDescription
}

type configInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newConfigInitGlazedCommand() (*configInitGlazedCommand, error) {
	return &configInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"config-init",
			cmds.WithShort("Write a default config file"),
			cmds.WithLong("Create a default grrshell config file at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to config file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
			),
		),
	}, nil
}

func (c *configInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &configInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote default config to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &configInitGlazedCommand{}
