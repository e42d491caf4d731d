package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"grrshell/internal/model"
	"grrshell/internal/timeline"

	"go.uber.org/zap"
)

const interruptMessage = "CTRL+C captured (use CTRL+D to exit)"

// Run reads commands from in until EOF, exit or ctx ends. An interrupt cancels the command
// in progress, or is acknowledged at the prompt.
func (d *Dispatcher) Run(ctx context.Context, in io.Reader, interrupts <-chan os.Signal) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		currentMu sync.Mutex
		current   context.CancelFunc
	)
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case _, ok := <-interrupts:
				if !ok {
					return
				}
				currentMu.Lock()
				cancel := current
				currentMu.Unlock()
				if cancel != nil {
					cancel()
					continue
				}
				d.printf("\n%s\n%s", interruptMessage, d.Prompt())
			}
		}
	}()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-runCtx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		d.FlushNotifications()
		d.println(d.StatusLine())
		d.printf("%s", d.Prompt())

		var line string
		select {
		case <-ctx.Done():
			d.println("")
			return ctx.Err()
		case err := <-readErr:
			d.println("")
			return err
		case line = <-lines:
		}

		cmdCtx, cancel := context.WithCancel(runCtx)
		currentMu.Lock()
		current = cancel
		currentMu.Unlock()
		err := d.Execute(cmdCtx, line)
		currentMu.Lock()
		current = nil
		currentMu.Unlock()
		cancel()
		if errors.Is(err, ErrExit) {
			return nil
		}
	}
}

// LoadTimeline fills the EFS at startup. A fresh whole-filesystem timeline (or the override)
// is reused; otherwise a new one is collected, falling back to the newest stale timeline
// when the client is offline or the collection fails.
func (d *Dispatcher) LoadTimeline(ctx context.Context, override string) (model.FlowRecord, error) {
	platform := d.manager.Platform()
	var history []model.FlowRecord
	if strings.TrimSpace(override) == "" {
		var err error
		history, err = d.manager.TimelineHistory(ctx)
		if err != nil {
			d.logger.Warn("list remote flows for timeline selection", zap.Error(err))
		}
	}
	selection := timeline.Select(history, platform, timeline.Options{
		Override:        override,
		Now:             d.now(),
		FreshnessWindow: d.freshnessWindow,
	})
	d.logger.Info("timeline selection", zap.String("flow_id", selection.FlowID),
		zap.Bool("reused", selection.Reused), zap.Bool("override", selection.Override))

	if !selection.LaunchRequired() {
		d.printf("Using timeline flow %s\n", selection.FlowID)
		record, err := d.loadTimelineFlow(ctx, selection.FlowID)
		if err == nil || selection.Override || ctx.Err() != nil {
			return record, err
		}
		d.printf("Could not load timeline flow %s: %v\n", selection.FlowID, err)
	}

	if selection.Stale() && d.clientOffline() {
		d.printf("Client appears to be offline, using timeline flow %s from %s\n",
			selection.FlowID, formatTime(selection.LastActiveAt))
		return d.loadTimelineFlow(ctx, selection.FlowID)
	}

	root := timeline.CanonicalRoot(platform)
	d.printf("Collecting a timeline of %s, this may take a while\n", root)
	record, err := d.manager.Launch(ctx, model.FlowKindTimeline, model.FlowArgs{Root: root})
	if record.ID != "" {
		d.quiet(record.ID)
	}
	if err == nil {
		d.enterTimelineRoot(record)
		return record, nil
	}
	if selection.Stale() && ctx.Err() == nil {
		d.printf("Timeline collection failed (%v), using timeline flow %s from %s\n",
			err, selection.FlowID, formatTime(selection.LastActiveAt))
		return d.loadTimelineFlow(ctx, selection.FlowID)
	}
	return record, fmt.Errorf("no timeline available for %s: %w", d.manager.ClientID(), err)
}

func (d *Dispatcher) loadTimelineFlow(ctx context.Context, flowID string) (model.FlowRecord, error) {
	record, err := d.manager.Resume(ctx, flowID)
	if record.ID != "" {
		d.quiet(record.ID)
	}
	if err != nil {
		return record, err
	}
	if record.Kind != model.FlowKindTimeline {
		_, _ = d.manager.Untrack(record.ID)
		return record, fmt.Errorf("flow %s is a %s flow, not a timeline: %w", flowID, record.Name, model.ErrInvalidArgument)
	}
	if !record.Terminal() {
		d.printf("Timeline flow %s is still running, waiting for it to finish\n", flowID)
		if record, err = d.manager.Wait(ctx, flowID); err != nil {
			return record, err
		}
	}
	d.enterTimelineRoot(record)
	return record, nil
}

// enterTimelineRoot moves the cwd onto the drive of a windows timeline.
func (d *Dispatcher) enterTimelineRoot(record model.FlowRecord) {
	root := timeline.EFSRoot(record.Args.Root)
	if root == "/" || d.Cwd() != "/" {
		return
	}
	if node, err := d.tree.Stat(root); err == nil && node.Dir {
		d.setCwd(node.Path)
	}
}
