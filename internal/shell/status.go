package shell

import (
	"context"
	"fmt"
	"strings"
	"time"

	"grrshell/internal/events"
	"grrshell/internal/model"

	"github.com/dustin/go-humanize"
)

const (
	lastSeenWarn  = 10 * time.Minute
	lastSeenAlert = 30 * time.Minute
)

// StatusLine summarises client liveness, tracked flows and EFS freshness at the cwd.
func (d *Dispatcher) StatusLine() string {
	now := d.now()
	client := d.manager.ClientInfo()

	lastSeen := d.styles.alert.Render("Last seen: unknown")
	if !client.LastSeen.IsZero() {
		text := fmt.Sprintf("Last seen: %s (%s)", formatTime(client.LastSeen),
			humanize.RelTime(client.LastSeen, now, "ago", "from now"))
		switch age := now.Sub(client.LastSeen); {
		case age > lastSeenAlert:
			lastSeen = d.styles.alert.Render(text)
		case age > lastSeenWarn:
			lastSeen = d.styles.warn.Render(text)
		default:
			lastSeen = d.styles.ok.Render(text)
		}
	}

	records := d.manager.Records()
	running := 0
	for _, record := range records {
		if !record.Terminal() {
			running++
		}
	}
	flowCount := fmt.Sprintf("%d/%d flows running", running, len(records))

	freshness := d.styles.alert.Render("Timeline freshness: never")
	if at := d.tree.FreshnessAt(d.Cwd()); !at.IsZero() {
		text := fmt.Sprintf("Timeline freshness: %s (%s)", formatTime(at), humanize.RelTime(at, now, "ago", "from now"))
		if now.Sub(at) > d.freshnessWindow {
			freshness = d.styles.warn.Render(text)
		} else {
			freshness = d.styles.ok.Render(text)
		}
	}
	return strings.Join([]string{lastSeen, flowCount, freshness}, d.styles.faint.Render(" | "))
}

// clientOffline reports whether the client has not checked in for a while.
func (d *Dispatcher) clientOffline() bool {
	client := d.manager.ClientInfo()
	return client.LastSeen.IsZero() || d.now().Sub(client.LastSeen) > lastSeenAlert
}

// Notify queues a flow transition for display before the next prompt.
func (d *Dispatcher) Notify(transition events.FlowTransition) {
	if transition.ClientID != "" && transition.ClientID != d.manager.ClientID() {
		return
	}
	switch model.FlowState(transition.To) {
	case model.FlowStateComplete, model.FlowStateError, model.FlowStateTerminated:
	default:
		return
	}
	d.mu.Lock()
	d.notifications = append(d.notifications, transition)
	d.mu.Unlock()
}

// Watch feeds transitions from a subscription into the notification queue until ctx ends
// or the channel closes.
func (d *Dispatcher) Watch(ctx context.Context, transitions <-chan events.FlowTransition) {
	for {
		select {
		case <-ctx.Done():
			return
		case transition, ok := <-transitions:
			if !ok {
				return
			}
			d.Notify(transition)
		}
	}
}

// quiet suppresses notifications for a flow whose outcome was already printed.
func (d *Dispatcher) quiet(flowID string) {
	d.mu.Lock()
	d.silenced[flowID] = true
	d.mu.Unlock()
}

func (d *Dispatcher) FlushNotifications() {
	d.mu.Lock()
	queued := d.notifications
	d.notifications = nil
	silenced := make(map[string]bool, len(d.silenced))
	for id := range d.silenced {
		silenced[id] = true
	}
	d.mu.Unlock()

	for _, transition := range queued {
		if silenced[transition.FlowID] {
			continue
		}
		d.println(d.formatNotification(transition))
	}
}

func (d *Dispatcher) formatNotification(transition events.FlowTransition) string {
	switch model.FlowState(transition.To) {
	case model.FlowStateComplete:
		text := fmt.Sprintf("Flow %s (%s) complete", transition.FlowID, transition.FlowName)
		if transition.LocalTarget != "" {
			text += ", results in " + transition.LocalTarget
		}
		return d.styles.ok.Render(text)
	case model.FlowStateError:
		text := fmt.Sprintf("Flow %s (%s) failed", transition.FlowID, transition.FlowName)
		if transition.ErrorDetail != "" {
			text += ": " + transition.ErrorDetail
		}
		return d.styles.alert.Render(text)
	}
	return d.styles.warn.Render(fmt.Sprintf("Flow %s (%s) %s", transition.FlowID, transition.FlowName, transition.To))
}
