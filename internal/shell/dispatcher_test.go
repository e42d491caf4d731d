package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"grrshell/internal/efs"
	"grrshell/internal/events"
	"grrshell/internal/flows"
	"grrshell/internal/grrapi/grrapitest"
	"grrshell/internal/model"
	"grrshell/internal/storage"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var (
	linuxClient   = model.ClientInfo{ClientID: "C.1234", Hostname: "host1", OSFamily: "Linux"}
	windowsClient = model.ClientInfo{ClientID: "C.9999", Hostname: "win1", OSFamily: "Windows"}

	snapshot = time.Date(2025, 12, 31, 22, 0, 0, 0, time.UTC)
	now      = snapshot.Add(time.Hour)
)

const rootBody = `0|/|2|d/drwxr-xr-x|0|0|4096|1|1|1|0
0|/etc|3|d/drwxr-xr-x|0|0|4096|1|1|1|0
0|/etc/passwd|12|-/-rw-r--r--|0|0|1234|1|1700000000|3|0
0|/etc/shadow|13|-/-rw-r-----|0|42|900|1|1700000500|3|0
0|/etc/ssh|14|d/drwxr-xr-x|0|0|4096|1|1600000000|3|0
0|/home|4|d/drwxr-xr-x|0|0|4096|1|1|1|0
`

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) take() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.buf.String()
	b.buf.Reset()
	return out
}

type shellHarness struct {
	dispatcher *Dispatcher
	manager    *flows.Manager
	transport  *grrapitest.Transport
	out        *lockedBuffer
	ctx        context.Context
}

func newShellHarness(t *testing.T, client model.ClientInfo) *shellHarness {
	t.Helper()
	transport := grrapitest.New(client)
	manager, err := flows.NewManager(flows.Options{
		Client:           client,
		SessionID:        "session-1",
		Transport:        transport,
		Storage:          storage.NewLocal(afero.NewMemMapFs(), "/out"),
		Tree:             efs.New(),
		Logger:           zap.NewNop(),
		PollInterval:     20 * time.Millisecond,
		FastPollInterval: 5 * time.Millisecond,
		RetryBase:        time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	t.Cleanup(cancel)
	manager.Start(ctx)
	t.Cleanup(func() { manager.Stop() })

	out := &lockedBuffer{}
	dispatcher, err := New(Options{
		Manager: manager,
		Out:     out,
		Logger:  zap.NewNop(),
		Now:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return &shellHarness{dispatcher: dispatcher, manager: manager, transport: transport, out: out, ctx: ctx}
}

// withTimeline loads rootBody through a freshly launched timeline.
func (h *shellHarness) withTimeline(t *testing.T) {
	t.Helper()
	h.transport.FinishOnSubmit = true
	h.transport.Payloads[model.FlowKindTimeline] = grrapitest.Payload{
		Body:    []byte(rootBody),
		Results: []model.FlowResult{{Timestamp: snapshot}},
	}
	if _, err := h.dispatcher.LoadTimeline(h.ctx, ""); err != nil {
		t.Fatalf("load timeline: %v", err)
	}
	h.out.take()
}

func (h *shellHarness) run(t *testing.T, lines ...string) string {
	t.Helper()
	for _, line := range lines {
		if err := h.dispatcher.Execute(h.ctx, line); err != nil {
			t.Fatalf("execute %q: %v", line, err)
		}
	}
	return h.out.take()
}

func assertContains(t *testing.T, out string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Fatalf("expected output to contain %q, got:\n%s", w, out)
		}
	}
}

func assertOrder(t *testing.T, out string, want ...string) {
	t.Helper()
	last := -1
	for _, w := range want {
		idx := strings.Index(out, w)
		if idx < 0 || idx < last {
			t.Fatalf("expected %q in order %v, got:\n%s", w, want, out)
		}
		last = idx
	}
}

func TestHelpAndUnknownCommand(t *testing.T) {
	h := newShellHarness(t, linuxClient)

	out := h.run(t, "bogus")
	assertContains(t, out, unknownCommandMessage)

	out = h.run(t, "help")
	assertContains(t, out, "Available commands:", "collect", "Collect remote files (asynchronous)", "refresh")
	if strings.Contains(out, "\tquit") {
		t.Fatalf("aliases should not be listed as commands:\n%s", out)
	}

	out = h.run(t, "? ls")
	assertContains(t, out, "ls [-S] [-t] [-r] [path]", "-S  sort by size")

	out = h.run(t, "cd")
	assertContains(t, out, "Usage: cd <path>")

	if err := h.dispatcher.Execute(h.ctx, "quit"); !errors.Is(err, ErrExit) {
		t.Fatalf("expected ErrExit from quit, got %v", err)
	}
}

func TestLoadTimelineLaunchesWithoutHistory(t *testing.T) {
	h := newShellHarness(t, linuxClient)
	h.withTimeline(t)

	subs := h.transport.Submissions()
	if len(subs) != 1 || subs[0].Kind != model.FlowKindTimeline || subs[0].Args.Root != "/" {
		t.Fatalf("expected one whole-filesystem timeline submission, got %+v", subs)
	}
	if _, err := h.dispatcher.tree.Stat("/etc/passwd"); err != nil {
		t.Fatalf("expected merged tree: %v", err)
	}
}

func TestLoadTimelineReusesFreshHistory(t *testing.T) {
	h := newShellHarness(t, linuxClient)
	h.transport.AddFlow(model.FlowStatus{
		ID:           "FTFRESH",
		Kind:         model.FlowKindTimeline,
		State:        model.RemoteStateTerminated,
		Args:         model.FlowArgs{Root: "/"},
		StartedAt:    snapshot,
		LastActiveAt: now.Add(-time.Hour),
	}, grrapitest.Payload{Body: []byte(rootBody), Results: []model.FlowResult{{Timestamp: snapshot}}})

	record, err := h.dispatcher.LoadTimeline(h.ctx, "")
	if err != nil {
		t.Fatalf("load timeline: %v", err)
	}
	if record.ID != "FTFRESH" || record.State != model.FlowStateComplete {
		t.Fatalf("expected reused timeline, got %+v", record)
	}
	if subs := h.transport.Submissions(); len(subs) != 0 {
		t.Fatalf("expected no launch, got %+v", subs)
	}
	assertContains(t, h.out.take(), "Using timeline flow FTFRESH")
}

func TestLoadTimelineFindsFreshTimelineBeyondFirstPage(t *testing.T) {
	h := newShellHarness(t, linuxClient)
	for i := range 55 {
		h.transport.AddFlow(model.FlowStatus{
			ID:           fmt.Sprintf("FFF%04d", i),
			Kind:         model.FlowKindFileFinder,
			State:        model.RemoteStateTerminated,
			Args:         model.FlowArgs{Paths: []string{"/etc/hosts"}, Action: model.FileFinderActionStat},
			StartedAt:    now.Add(-time.Duration(i+1) * time.Minute),
			LastActiveAt: now.Add(-time.Duration(i+1) * time.Minute),
		}, grrapitest.Payload{})
	}
	h.transport.AddFlow(model.FlowStatus{
		ID:           "FTDEEP",
		Kind:         model.FlowKindTimeline,
		State:        model.RemoteStateTerminated,
		Args:         model.FlowArgs{Root: "/"},
		StartedAt:    now.Add(-2 * time.Hour),
		LastActiveAt: now.Add(-90 * time.Minute),
	}, grrapitest.Payload{Body: []byte(rootBody), Results: []model.FlowResult{{Timestamp: snapshot}}})
	for i := range 4 {
		h.transport.AddFlow(model.FlowStatus{
			ID:           fmt.Sprintf("FOLD%04d", i),
			Kind:         model.FlowKindFileFinder,
			State:        model.RemoteStateTerminated,
			Args:         model.FlowArgs{Paths: []string{"/tmp"}, Action: model.FileFinderActionStat},
			StartedAt:    now.Add(-time.Duration(5+i) * time.Hour),
			LastActiveAt: now.Add(-time.Duration(5+i) * time.Hour),
		}, grrapitest.Payload{})
	}

	record, err := h.dispatcher.LoadTimeline(h.ctx, "")
	if err != nil {
		t.Fatalf("load timeline: %v", err)
	}
	if record.ID != "FTDEEP" {
		t.Fatalf("expected the timeline at position 56 to be reused, got %+v", record)
	}
	if subs := h.transport.Submissions(); len(subs) != 0 {
		t.Fatalf("expected no launch, got %+v", subs)
	}
}

func TestLoadTimelineUsesStaleCandidateWhenClientOffline(t *testing.T) {
	h := newShellHarness(t, linuxClient)
	h.transport.AddFlow(model.FlowStatus{
		ID:           "FTSTALE",
		Kind:         model.FlowKindTimeline,
		State:        model.RemoteStateTerminated,
		Args:         model.FlowArgs{Root: "/"},
		StartedAt:    snapshot.Add(-10 * time.Hour),
		LastActiveAt: now.Add(-8 * time.Hour),
	}, grrapitest.Payload{Body: []byte(rootBody), Results: []model.FlowResult{{Timestamp: snapshot.Add(-10 * time.Hour)}}})

	record, err := h.dispatcher.LoadTimeline(h.ctx, "")
	if err != nil {
		t.Fatalf("load timeline: %v", err)
	}
	if record.ID != "FTSTALE" {
		t.Fatalf("expected stale fallback, got %+v", record)
	}
	if subs := h.transport.Submissions(); len(subs) != 0 {
		t.Fatalf("offline client should not get a new timeline, got %+v", subs)
	}
	assertContains(t, h.out.take(), "appears to be offline")
}

func TestLoadTimelineFailsWithoutAnyTimeline(t *testing.T) {
	h := newShellHarness(t, linuxClient)
	h.transport.SetSubmitError(errors.New("server unavailable"))

	if _, err := h.dispatcher.LoadTimeline(h.ctx, ""); err == nil {
		t.Fatalf("expected startup failure without any timeline")
	}
}

func TestNavigation(t *testing.T) {
	h := newShellHarness(t, linuxClient)
	h.withTimeline(t)

	out := h.run(t, "cd /etc", "pwd")
	if strings.TrimSpace(out) != "/etc" {
		t.Fatalf("expected /etc, got %q", out)
	}
	if got := h.dispatcher.Prompt(); got != "C.1234:/etc $ " {
		t.Fatalf("unexpected prompt %q", got)
	}

	assertOrder(t, h.run(t, "ls"), "ssh", "passwd", "shadow")
	assertOrder(t, h.run(t, "ls -t"), "shadow", "passwd", "ssh")
	assertOrder(t, h.run(t, "ls -Sr"), "shadow", "passwd", "ssh")
	assertContains(t, h.run(t, "ls -S -t"), "cannot be combined")
	assertContains(t, h.run(t, "ls pass*"), "-rw-r--r--", "1234", "passwd")

	assertContains(t, h.run(t, "cd passwd"), "passwd: not a directory")
	assertContains(t, h.run(t, "cd /nope"), "/nope: no such file or directory")
	if h.dispatcher.Cwd() != "/etc" {
		t.Fatalf("failed cd must not move the cwd, got %s", h.dispatcher.Cwd())
	}

	h.run(t, "cd ..")
	if h.dispatcher.Cwd() != "/" {
		t.Fatalf("expected cd .. to reach /, got %s", h.dispatcher.Cwd())
	}
	out = h.run(t, "find sh")
	assertContains(t, out, "/etc/shadow", "/etc/ssh")
	if strings.Contains(out, "passwd") {
		t.Fatalf("unexpected match:\n%s", out)
	}
	assertContains(t, h.run(t, "find /etc ("), "Error:")
}

func TestCollectExpandsDirectoriesAndWarnsOnUnknownPaths(t *testing.T) {
	h := newShellHarness(t, linuxClient)
	h.withTimeline(t)
	h.transport.FinishOnSubmit = false

	out := h.run(t, "collect /etc")
	assertContains(t, out, "Directory collection attempted: updating to /etc/*", "launched")

	out = h.run(t, "collect /var/log/syslog")
	assertContains(t, out, "Warning: /var/log/syslog is not in the emulated filesystem")

	subs := h.transport.Submissions()
	if len(subs) != 3 {
		t.Fatalf("expected timeline and two collections, got %+v", subs)
	}
	if subs[1].Args.Paths[0] != "/etc/*" || subs[1].Args.Action != model.FileFinderActionDownload {
		t.Fatalf("unexpected directory collection %+v", subs[1].Args)
	}
	if subs[2].Args.Paths[0] != "/var/log/syslog" || subs[2].Args.MaxFileSize != flows.DefaultMaxFileSize {
		t.Fatalf("unexpected file collection %+v", subs[2].Args)
	}
}

func TestInfo(t *testing.T) {
	h := newShellHarness(t, linuxClient)
	h.withTimeline(t)
	h.transport.Payloads[model.FlowKindFileFinder] = grrapitest.Payload{Results: []model.FlowResult{{
		Stat:   &model.StatEntry{Path: "/etc/passwd", Mode: "-rw-r--r--", Size: 1234},
		SHA256: "5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8",
	}}}

	out := h.run(t, "hash /etc/passwd")
	assertContains(t, out, "/etc/passwd", "1.2 kB (1234 bytes)", "SHA256:   5e884898")
	subs := h.transport.Submissions()
	if last := subs[len(subs)-1]; last.Args.Action != model.FileFinderActionHash {
		t.Fatalf("expected a hash flow, got %+v", last.Args)
	}

	before := len(h.transport.Submissions())
	out = h.run(t, "info --offline /etc/shadow")
	assertContains(t, out, "/etc/shadow", "GID:      42", "900 bytes")
	if after := len(h.transport.Submissions()); after != before {
		t.Fatalf("offline info must not launch flows")
	}

	assertContains(t, h.run(t, "info --ads --offline /etc/passwd"), "cannot be combined")
	assertContains(t, h.run(t, "info --ads /etc/passwd"), "only supported on windows clients")
	if subs := h.transport.Submissions(); subs[len(subs)-1].Kind != model.FlowKindFileFinder {
		t.Fatalf("no GetFile flow expected for a linux client")
	}
}

func TestInfoReadsZoneIdentifierOnWindows(t *testing.T) {
	h := newShellHarness(t, windowsClient)
	h.transport.FinishOnSubmit = true
	h.transport.Payloads[model.FlowKindFileFinder] = grrapitest.Payload{Results: []model.FlowResult{{
		Stat: &model.StatEntry{Path: "C:/Users/a/setup.exe", Size: 10},
		MD5:  "d41d8cd98f00b204e9800998ecf8427e",
	}}}
	h.transport.Payloads[model.FlowKindGetFile] = grrapitest.Payload{
		Archive: grrapitest.BuildArchive("C.9999", "GetFile", "F0000002", map[string]string{
			"/C:/Users/a/setup.exe:Zone.Identifier": "[ZoneTransfer]\r\nZoneId=3\r\n",
		}),
	}

	out := h.run(t, "info --ads /C:/Users/a/setup.exe")
	assertContains(t, out, "MD5:      d41d8cd98f00b204e9800998ecf8427e", "Zone.Identifier:", "\t\tZoneId=3")

	subs := h.transport.Submissions()
	if len(subs) != 2 || subs[0].Args.Paths[0] != "C:/Users/a/setup.exe" {
		t.Fatalf("unexpected submissions %+v", subs)
	}
	if subs[1].Kind != model.FlowKindGetFile || subs[1].Args.StreamName != model.ZoneIdentifierStream {
		t.Fatalf("expected a Zone.Identifier GetFile, got %+v", subs[1])
	}

	assertContains(t, h.run(t, "info --ads /C:/Users/a/*.exe"), "Error: --ads does not accept wildcards")
	if after := h.transport.Submissions(); len(after) != 2 {
		t.Fatalf("wildcard --ads must not launch flows, got %+v", after[2:])
	}
}

func TestArtefact(t *testing.T) {
	h := newShellHarness(t, linuxClient)
	h.transport.SetArtifacts(
		model.Artifact{Name: "WindowsRunKeys", Sources: []model.ArtifactSource{{Type: "REGISTRY_KEY"}}},
		model.Artifact{Name: "BrowserHistory", Sources: []model.ArtifactSource{{Type: "FILE"}}},
	)
	h.transport.FinishOnSubmit = true
	h.transport.Payloads[model.FlowKindArtifactCollector] = grrapitest.Payload{Results: []model.FlowResult{{
		PayloadType: "StatEntry",
		Content:     `HKLM\Software\Microsoft\Windows\CurrentVersion\Run\updater: C:\evil.exe`,
	}}}

	assertContains(t, h.run(t, "artefact BrowHist"), "Unknown artefact BrowHist. Did you mean: BrowserHistory")
	if subs := h.transport.Submissions(); len(subs) != 0 {
		t.Fatalf("unknown artefacts must not launch, got %+v", subs)
	}

	out := h.run(t, "artifact windowsrunkeys")
	assertContains(t, out, "Collecting artefact WindowsRunKeys", `C:\evil.exe`)
	subs := h.transport.Submissions()
	if len(subs) != 1 || subs[0].Args.Artifact != "WindowsRunKeys" {
		t.Fatalf("unexpected submissions %+v", subs)
	}

	assertContains(t, h.run(t, "artefact BrowserHistory"), "launched: collecting artefact BrowserHistory")
}

func TestFlowsCancelAndResume(t *testing.T) {
	h := newShellHarness(t, linuxClient)
	assertContains(t, h.run(t, "flows"), "No launched flows")

	h.run(t, "collect /tmp/a")
	out := h.run(t, "flows")
	assertContains(t, out, "F0000001", "ClientFileFinder", "/tmp/a action=DOWNLOAD")

	out = h.run(t, "flows all nope")
	assertContains(t, out, "Invalid count provided, using default value of 50", "F0000001")

	assertContains(t, h.run(t, "cancel F0000001"), "no longer tracked", `resume F0000001`)
	assertContains(t, h.run(t, "cancel F0000001"), "Flow F0000001 is not tracked by this session")
	assertContains(t, h.run(t, "flows"), "No launched flows")

	assertContains(t, h.run(t, "resume F0000001"), "resumed, it will be tracked in the background")
	assertContains(t, h.run(t, "resume F0000001"), "already tracked")

	h.transport.AddFlow(model.FlowStatus{ID: "FOTHER", Name: "Interrogate", State: model.RemoteStateTerminated}, grrapitest.Payload{})
	assertContains(t, h.run(t, "resume FOTHER"), "cannot be resumed")

	out = h.run(t, "detail F0000001")
	assertContains(t, out, "ClientFileFinder F0000001", "Creator:     tester", "Tracked:     yes")
}

func TestSetMaxFileSize(t *testing.T) {
	h := newShellHarness(t, linuxClient)

	assertContains(t, h.run(t, "set max-file-size 10MB"), "10000000 bytes")
	if got := h.manager.MaxFileSize(); got != 10_000_000 {
		t.Fatalf("expected 10MB, got %d", got)
	}
	assertContains(t, h.run(t, "set max-file-size 4096"), "4.0 KiB (4096 bytes)")
	assertContains(t, h.run(t, "set max-file-size lots"), "Error: invalid size")
	assertContains(t, h.run(t, "set max-file-size 0"), "Error:")
	assertContains(t, h.run(t, "set colour blue"), "Valid properties: max-file-size, log-level")
	assertContains(t, h.run(t, "set log-level DEBUG"), "log-level set to debug")
	assertContains(t, h.run(t, "set log-level chatty"), "Error: invalid log level")
	assertContains(t, h.run(t, "set log-level info"), "log-level set to info")
	if got := h.manager.MaxFileSize(); got != 4096 {
		t.Fatalf("rejected sizes must not change the limit, got %d", got)
	}
}

func TestRefreshMergesSubtree(t *testing.T) {
	h := newShellHarness(t, linuxClient)
	h.withTimeline(t)
	h.transport.Payloads[model.FlowKindTimeline] = grrapitest.Payload{
		Body: []byte("0|/etc|3|d/drwxr-xr-x|0|0|4096|1|1|1|0\n" +
			"0|/etc/hosts|20|-/-rw-r--r--|0|0|220|1|1700000900|3|0\n"),
		Results: []model.FlowResult{{Timestamp: snapshot.Add(30 * time.Minute)}},
	}

	out := h.run(t, "cd /etc", "refresh")
	assertContains(t, out, "Collecting timeline of /etc", "merged 2 entries at /etc", "hosts",
		"Timeline freshness of /etc: 2025-12-31T22:30:00Z")
	subs := h.transport.Submissions()
	if root := subs[len(subs)-1].Args.Root; root != "/etc" {
		t.Fatalf("expected refresh rooted at the cwd, got %q", root)
	}
	if _, err := h.dispatcher.tree.Stat("/etc/passwd"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected passwd pruned by the refresh, got %v", err)
	}
	if _, err := h.dispatcher.tree.Stat("/home"); err != nil {
		t.Fatalf("refresh must not touch siblings: %v", err)
	}

	assertContains(t, h.run(t, "refresh /etc/hosts"), "not a directory")
}

func TestStatusLineAndNotifications(t *testing.T) {
	h := newShellHarness(t, linuxClient)
	h.transport.SetLastSeen(now.Add(-45 * time.Minute))
	if _, err := h.manager.RefreshClient(h.ctx); err != nil {
		t.Fatalf("refresh client: %v", err)
	}

	status := h.dispatcher.StatusLine()
	assertContains(t, status, "Last seen: 2025-12-31T22:15:00Z (45 minutes ago)", "0/0 flows running", "Timeline freshness: never")
	if !h.dispatcher.clientOffline() {
		t.Fatalf("a client silent for 45 minutes should count as offline")
	}

	h.dispatcher.Notify(events.FlowTransition{ClientID: "C.1234", FlowID: "F1", FlowName: "ClientFileFinder", To: "complete", LocalTarget: "/out/C.1234/etc"})
	h.dispatcher.Notify(events.FlowTransition{ClientID: "C.1234", FlowID: "F2", FlowName: "GetFile", To: "error", ErrorDetail: "access denied"})
	h.dispatcher.Notify(events.FlowTransition{ClientID: "C.1234", FlowID: "F3", FlowName: "GetFile", To: "running"})
	h.dispatcher.Notify(events.FlowTransition{ClientID: "C.0000", FlowID: "F4", FlowName: "GetFile", To: "complete"})
	h.dispatcher.Notify(events.FlowTransition{ClientID: "C.1234", FlowID: "F5", FlowName: "GetFile", To: "complete"})
	h.dispatcher.quiet("F5")

	h.dispatcher.FlushNotifications()
	out := h.out.take()
	assertContains(t, out, "Flow F1 (ClientFileFinder) complete, results in /out/C.1234/etc", "Flow F2 (GetFile) failed: access denied")
	for _, unwanted := range []string{"F3", "F4", "F5"} {
		if strings.Contains(out, unwanted) {
			t.Fatalf("unexpected notification for %s:\n%s", unwanted, out)
		}
	}
	h.dispatcher.FlushNotifications()
	if out := h.out.take(); out != "" {
		t.Fatalf("notifications should be printed once, got %q", out)
	}
}

func TestWatchQueuesBusTransitions(t *testing.T) {
	h := newShellHarness(t, linuxClient)
	transitions := make(chan events.FlowTransition, 1)
	done := make(chan struct{})
	go func() {
		h.dispatcher.Watch(h.ctx, transitions)
		close(done)
	}()
	transitions <- events.FlowTransition{ClientID: "C.1234", FlowID: "F9", FlowName: "TimelineFlow", To: "complete"}
	close(transitions)
	<-done

	h.dispatcher.FlushNotifications()
	assertContains(t, h.out.take(), "Flow F9 (TimelineFlow) complete")
}

func TestRunStopsAtExitAndEOF(t *testing.T) {
	h := newShellHarness(t, linuxClient)

	if err := h.dispatcher.Run(h.ctx, strings.NewReader("pwd\nexit\nbogus\n"), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	out := h.out.take()
	assertContains(t, out, "C.1234:/ $ ", "flows running")
	if strings.Contains(out, unknownCommandMessage) {
		t.Fatalf("commands after exit must not run:\n%s", out)
	}

	if err := h.dispatcher.Run(h.ctx, strings.NewReader("pwd"), nil); err != nil {
		t.Fatalf("run until EOF: %v", err)
	}
}

func TestDetailListsPersistedTransitions(t *testing.T) {
	h := newShellHarness(t, linuxClient)
	h.dispatcher.printDetail(model.FlowDetail{
		Record: model.FlowRecord{ID: "F0000009", Name: "ClientFileFinder", State: model.FlowStateError},
		Events: []model.FlowEvent{
			{FlowID: "F0000009", ToState: model.FlowStatePending, CreatedAt: snapshot},
			{FlowID: "F0000009", FromState: model.FlowStatePending, ToState: model.FlowStateError, Message: "materialize: boom", CreatedAt: snapshot},
		},
	})
	assertOrder(t, h.out.take(), "Transitions:", "2025-12-31T22:00:00Z - -> pending", "pending -> error (materialize: boom)")
}
