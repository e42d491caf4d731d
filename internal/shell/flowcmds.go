package shell

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"grrshell/internal/model"
)

func runFlows(ctx context.Context, d *Dispatcher, args []string) error {
	scope := model.FlowScopeSession
	count := 0
	switch len(args) {
	case 0:
	case 1, 2:
		if args[0] != "all" && args[0] != "--all" {
			return d.usage("flows")
		}
		scope = model.FlowScopeAll
		count = d.flowCount
		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				d.printf("Invalid count provided, using default value of %d\n", d.flowCount)
			} else {
				count = n
			}
		}
	default:
		return d.usage("flows")
	}

	records, err := d.manager.ListFlows(ctx, scope, count)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		if scope == model.FlowScopeSession {
			d.println("No launched flows")
		} else {
			d.println("No flows found")
		}
		return nil
	}
	for _, record := range records {
		d.println(formatFlowLine(record))
	}
	return nil
}

func runDetail(ctx context.Context, d *Dispatcher, args []string) error {
	if len(args) != 1 {
		return d.usage("detail")
	}
	detail, err := d.manager.Detail(ctx, args[0])
	if err != nil {
		return err
	}
	d.printDetail(detail)
	return nil
}

func runResume(ctx context.Context, d *Dispatcher, args []string) error {
	if len(args) != 1 {
		return d.usage("resume")
	}
	flowID := args[0]
	if _, tracked := d.manager.Get(flowID); tracked {
		d.printf("Flow %s is already tracked by this session\n", flowID)
		return nil
	}
	record, err := d.manager.Resume(ctx, flowID)
	if record.ID != "" {
		d.quiet(record.ID)
	}
	switch {
	case errors.Is(err, model.ErrUnsupportedFlowKind):
		d.printf("Flow %s cannot be resumed: only file finder, artefact collector, timeline and get file flows are supported\n", flowID)
		return nil
	case err != nil:
		return err
	}
	if !record.Terminal() {
		d.printf("Flow %s (%s) resumed, it will be tracked in the background\n", record.ID, record.Name)
		return nil
	}
	d.Report(record)
	return nil
}

// Report prints the final state of a flow with its materialized results.
func (d *Dispatcher) Report(record model.FlowRecord) {
	d.printf("Flow %s (%s) %s\n", record.ID, record.Name, strings.ToUpper(string(record.State)))
	if record.ErrorDetail != "" {
		d.printf("\tError: %s\n", record.ErrorDetail)
	}
	if record.LocalTarget != "" {
		d.printf("\tResults in %s\n", record.LocalTarget)
	}
	for _, result := range record.Results {
		d.printResult(result)
	}
}

func runCancel(_ context.Context, d *Dispatcher, args []string) error {
	if len(args) != 1 {
		return d.usage("cancel")
	}
	flowID := args[0]
	if _, err := d.manager.Untrack(flowID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			d.printf("Flow %s is not tracked by this session\n", flowID)
			return nil
		}
		return err
	}
	d.printf("Flow %s is no longer tracked by this session. It keeps running on the client; use \"resume %s\" to track it again.\n", flowID, flowID)
	return nil
}
