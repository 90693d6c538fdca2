package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattjoyce/opkit/internal/action"
	"github.com/mattjoyce/opkit/internal/encoding"
	"github.com/mattjoyce/opkit/internal/eventlog"
	"github.com/mattjoyce/opkit/internal/events"
	"github.com/mattjoyce/opkit/internal/extension"
	"github.com/mattjoyce/opkit/internal/extension/toolbox"
	"github.com/mattjoyce/opkit/internal/runner"
	"github.com/mattjoyce/opkit/internal/storage"
	"github.com/mattjoyce/opkit/internal/task"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test drives /bin/sh")
	}
}

type harness struct {
	disp *Dispatcher
	sink *eventlog.Sink
	hub  *events.Hub
	reg  *extension.Registry
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "eventlog.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	norm, err := encoding.New("gbk")
	if err != nil {
		t.Fatalf("normalizer: %v", err)
	}

	registry := extension.NewRegistry()
	registry.Register(toolbox.ModuleName, toolbox.New)
	registry.Register("defective", func() (any, error) {
		return failingModule{}, nil
	})

	sink := eventlog.New(db)
	hub := events.NewHub(64)
	disp := New(cfg, runner.New(norm, 300*time.Millisecond), registry, sink, hub)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = disp.Shutdown(ctx)
	})

	return &harness{disp: disp, sink: sink, hub: hub, reg: registry}
}

type failingModule struct{}

func (failingModule) EntryPoints() map[string]extension.EntryPoint {
	return map[string]extension.EntryPoint{
		"fail": func(context.Context, map[string]string) (*extension.Result, error) {
			return nil, fmt.Errorf("deliberate fault")
		},
		"panic": func(context.Context, map[string]string) (*extension.Result, error) {
			panic("kaboom")
		},
	}
}

// stallModule ignores cancellation: its entry point blocks until the test
// closes release, modelling in-process code beyond the engine's reach.
type stallModule struct {
	release chan struct{}
}

func (m stallModule) EntryPoints() map[string]extension.EntryPoint {
	return map[string]extension.EntryPoint{
		"hold": func(context.Context, map[string]string) (*extension.Result, error) {
			<-m.release
			return &extension.Result{}, nil
		},
	}
}

func commandDesc(id, command string) action.Descriptor {
	return action.Descriptor{ID: id, Kind: action.KindCommand, Command: command}
}

func sleeperDesc(id string) action.Descriptor {
	return commandDesc(id, "sleep 30 >/dev/null 2>&1")
}

// waitTerminal polls until the task snapshot reaches an absorbing state.
func (h *harness) waitTerminal(t *testing.T, taskID string) task.Snapshot {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := h.disp.Query(taskID)
		if err != nil {
			t.Fatalf("query %s: %v", taskID, err)
		}
		if snap.State.Terminal() {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", taskID)
	return task.Snapshot{}
}

func (h *harness) waitRunning(t *testing.T, taskID string) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := h.disp.Query(taskID)
		if err != nil {
			t.Fatalf("query %s: %v", taskID, err)
		}
		if snap.State == task.StateRunning {
			return
		}
		if snap.State.Terminal() {
			t.Fatalf("task %s finished (%s) before it was observed running", taskID, snap.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never started running", taskID)
}

// records waits until the durable log holds the task's full lifecycle (a
// terminal record last) and returns every record in seq order.
func (h *harness) records(t *testing.T, taskID string) []eventlog.Record {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		recs := h.query(t, taskID)
		if n := len(recs); n > 0 && recs[n-1].Type.Terminal() {
			return recs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s lifecycle never fully logged", taskID)
	return nil
}

func (h *harness) query(t *testing.T, taskID string) []eventlog.Record {
	t.Helper()
	cur, err := h.sink.Query(context.Background(), eventlog.Filter{TaskID: taskID})
	if err != nil {
		t.Fatalf("query log: %v", err)
	}
	defer cur.Close()

	var out []eventlog.Record
	for cur.Next() {
		out = append(out, cur.Record())
	}
	if err := cur.Err(); err != nil {
		t.Fatalf("iterate log: %v", err)
	}
	return out
}

func assertLifecycleShape(t *testing.T, recs []eventlog.Record) {
	t.Helper()
	if len(recs) == 0 {
		t.Fatal("no records")
	}
	for i, r := range recs {
		if r.Seq != int64(i+1) {
			t.Errorf("record %d has seq %d, order broken", i, r.Seq)
		}
		terminal := r.Type.Terminal()
		if i == len(recs)-1 && !terminal {
			t.Errorf("last record is %s, not terminal", r.Type)
		}
		if i < len(recs)-1 && terminal {
			t.Errorf("terminal record %s at position %d is not last", r.Type, i)
		}
	}
}

func TestCommandLifecycle(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, Config{Workers: 2})

	id, err := h.disp.Submit(context.Background(), commandDesc("hello", "echo hello; echo oops 1>&2"), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	snap := h.waitTerminal(t, id)
	if snap.State != task.StateSucceeded {
		t.Errorf("expected succeeded, got %s", snap.State)
	}
	if snap.StartedAt == nil || snap.FinishedAt == nil {
		t.Error("lifecycle timestamps missing")
	}

	recs := h.records(t, id)
	assertLifecycleShape(t, recs)
	if recs[0].Type != task.EventStarted {
		t.Errorf("first event is %s, not started", recs[0].Type)
	}

	last := recs[len(recs)-1]
	if last.Type != task.EventCompleted {
		t.Errorf("expected completed, got %s", last.Type)
	}
	if last.ExitCode == nil || *last.ExitCode != 0 {
		t.Errorf("unexpected exit code record: %v", last.ExitCode)
	}

	var stdout, stderr []string
	for _, r := range recs {
		if r.Type != task.EventOutput {
			continue
		}
		if r.Stream == task.StreamStderr {
			stderr = append(stderr, r.Text)
		} else {
			stdout = append(stdout, r.Text)
		}
	}
	if len(stdout) != 1 || stdout[0] != "hello" {
		t.Errorf("unexpected stdout records: %v", stdout)
	}
	if len(stderr) != 1 || stderr[0] != "oops" {
		t.Errorf("unexpected stderr records: %v", stderr)
	}
}

func TestNonZeroExitCompletes(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, Config{Workers: 2})

	id, err := h.disp.Submit(context.Background(), commandDesc("exit3", "exit 3"), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	snap := h.waitTerminal(t, id)
	if snap.State != task.StateSucceeded {
		t.Errorf("a non-zero exit is a completed run, got state %s", snap.State)
	}

	recs := h.records(t, id)
	last := recs[len(recs)-1]
	if last.Type != task.EventCompleted {
		t.Errorf("expected completed, got %s", last.Type)
	}
	if last.ExitCode == nil || *last.ExitCode != 3 {
		t.Errorf("exit code lost: %v", last.ExitCode)
	}
}

func TestSpawnErrorFailsTask(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})

	desc := action.Descriptor{
		ID:     "ghost",
		Kind:   action.KindScript,
		Script: &action.ScriptSpec{Path: "/nonexistent/tool.xyz"},
	}
	id, err := h.disp.Submit(context.Background(), desc, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	snap := h.waitTerminal(t, id)
	if snap.State != task.StateFailed {
		t.Errorf("expected failed, got %s", snap.State)
	}

	recs := h.records(t, id)
	assertLifecycleShape(t, recs)
	last := recs[len(recs)-1]
	if last.Type != task.EventFailed || last.ErrorKind != task.ErrorKindSpawn {
		t.Errorf("expected failed/spawn_error, got %s/%s", last.Type, last.ErrorKind)
	}
	for _, r := range recs {
		if r.Type == task.EventOutput {
			t.Error("spawn failure must not produce output events")
		}
	}
}

func TestSubmitReturnsBeforeStarted(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, Config{Workers: 1})

	// Fill the only slot, then submit again: the second submit must return
	// a task id while its started event is still pending.
	first, err := h.disp.Submit(context.Background(), sleeperDesc("slot-filler"), nil)
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	h.waitRunning(t, first)

	second, err := h.disp.Submit(context.Background(), sleeperDesc("queued"), nil)
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}

	snap, err := h.disp.Query(second)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if snap.State != task.StateQueued {
		t.Errorf("expected queued, got %s", snap.State)
	}
	if got := h.query(t, second); len(got) != 0 {
		t.Errorf("queued task already has %d events", len(got))
	}

	_ = h.disp.Cancel(second)
	_ = h.disp.Cancel(first)
}

func TestCancelQueuedEmitsOnlyCancelled(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, Config{Workers: 1})

	first, err := h.disp.Submit(context.Background(), sleeperDesc("slot-filler"), nil)
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	h.waitRunning(t, first)

	second, err := h.disp.Submit(context.Background(), sleeperDesc("doomed"), nil)
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if err := h.disp.Cancel(second); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}

	snap := h.waitTerminal(t, second)
	if snap.State != task.StateCancelled {
		t.Errorf("expected cancelled, got %s", snap.State)
	}

	recs := h.records(t, second)
	if len(recs) != 1 || recs[0].Type != task.EventCancelled {
		t.Errorf("a queued cancel must log exactly one cancelled event, got %+v", recs)
	}

	_ = h.disp.Cancel(first)
}

func TestCancelRunningIsIdempotent(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, Config{Workers: 2})

	id, err := h.disp.Submit(context.Background(), sleeperDesc("victim"), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitRunning(t, id)

	if err := h.disp.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	snap := h.waitTerminal(t, id)
	if snap.State != task.StateCancelled {
		t.Errorf("expected cancelled, got %s", snap.State)
	}

	// A second cancel of a terminal task is a quiet no-op.
	if err := h.disp.Cancel(id); err != nil {
		t.Errorf("repeat cancel errored: %v", err)
	}

	recs := h.records(t, id)
	assertLifecycleShape(t, recs)
	last := recs[len(recs)-1]
	if last.Type != task.EventCancelled {
		t.Errorf("expected cancelled event, got %s", last.Type)
	}
	if last.Reason != "" {
		t.Errorf("a requested cancel must not carry reason %q", last.Reason)
	}
}

func TestTimeoutCancelsWithReason(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, Config{Workers: 2})

	desc := sleeperDesc("slowpoke")
	desc.Timeout = action.Duration(150 * time.Millisecond)
	id, err := h.disp.Submit(context.Background(), desc, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	snap := h.waitTerminal(t, id)
	if snap.State != task.StateCancelled {
		t.Errorf("expected cancelled, got %s", snap.State)
	}

	recs := h.records(t, id)
	last := recs[len(recs)-1]
	if last.Type != task.EventCancelled || last.Reason != task.ReasonTimeout {
		t.Errorf("expected cancelled/timeout, got %s/%s", last.Type, last.Reason)
	}
}

func TestSingleFlightRejectsConcurrentSubmit(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, Config{Workers: 2})

	desc := sleeperDesc("exclusive")
	desc.SingleFlight = true

	first, err := h.disp.Submit(context.Background(), desc, nil)
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}

	_, err = h.disp.Submit(context.Background(), desc, nil)
	if !errors.Is(err, task.ErrConcurrentInvocation) {
		t.Errorf("expected ErrConcurrentInvocation, got %v", err)
	}

	_ = h.disp.Cancel(first)
	h.waitTerminal(t, first)
	h.records(t, first)

	// The slot frees once the first invocation is terminal.
	second, err := h.disp.Submit(context.Background(), desc, nil)
	if err != nil {
		t.Fatalf("resubmit after terminal: %v", err)
	}
	_ = h.disp.Cancel(second)
}

func TestSubscribeDeliversInOrderWithoutReplay(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, Config{Workers: 2})

	id, err := h.disp.Submit(context.Background(), sleeperDesc("watched"), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitRunning(t, id)

	// The started event is out by now; give its delivery a moment so the
	// subscription provably attaches after it.
	time.Sleep(100 * time.Millisecond)

	got := make(chan task.Event, 16)
	if _, err := h.disp.Subscribe(id, func(ev task.Event) { got <- ev }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := h.disp.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.waitTerminal(t, id)

	var seen []task.Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-got:
			seen = append(seen, ev)
			if ev.Type.Terminal() {
				goto done
			}
		case <-deadline:
			t.Fatal("terminal event never delivered to subscriber")
		}
	}
done:
	for _, ev := range seen {
		if ev.Type == task.EventStarted {
			t.Error("subscriber saw the started event from before it attached")
		}
	}
	for i := 1; i < len(seen); i++ {
		if seen[i].Seq <= seen[i-1].Seq {
			t.Errorf("delivery order broken: seq %d after %d", seen[i].Seq, seen[i-1].Seq)
		}
	}
}

func TestExtensionLifecycle(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})

	desc := action.Descriptor{
		ID:   "echo",
		Kind: action.KindExtension,
		Extension: &action.ExtensionSpec{
			Module:     toolbox.ModuleName,
			EntryPoint: "echo",
			Params:     map[string]string{"text": "one\ntwo"},
		},
	}
	id, err := h.disp.Submit(context.Background(), desc, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	snap := h.waitTerminal(t, id)
	if snap.State != task.StateSucceeded {
		t.Errorf("expected succeeded, got %s", snap.State)
	}

	recs := h.records(t, id)
	assertLifecycleShape(t, recs)
	var lines []string
	for _, r := range recs {
		if r.Type == task.EventOutput {
			lines = append(lines, r.Text)
		}
	}
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Errorf("unexpected extension output: %v", lines)
	}
}

func TestExtensionSubmitParamsOverrideDescriptor(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})

	desc := action.Descriptor{
		ID:   "echo",
		Kind: action.KindExtension,
		Extension: &action.ExtensionSpec{
			Module:     toolbox.ModuleName,
			EntryPoint: "echo",
			Params:     map[string]string{"text": "default"},
		},
	}
	id, err := h.disp.Submit(context.Background(), desc, []string{"text=override"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitTerminal(t, id)

	recs := h.records(t, id)
	var lines []string
	for _, r := range recs {
		if r.Type == task.EventOutput {
			lines = append(lines, r.Text)
		}
	}
	if len(lines) != 1 || lines[0] != "override" {
		t.Errorf("expected the submit-time override, got %v", lines)
	}
}

func TestExtensionErrorFailsTask(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})

	desc := action.Descriptor{
		ID:   "boom",
		Kind: action.KindExtension,
		Extension: &action.ExtensionSpec{Module: "defective", EntryPoint: "fail"},
	}
	id, err := h.disp.Submit(context.Background(), desc, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	snap := h.waitTerminal(t, id)
	if snap.State != task.StateFailed {
		t.Errorf("expected failed, got %s", snap.State)
	}

	recs := h.records(t, id)
	last := recs[len(recs)-1]
	if last.Type != task.EventFailed || last.ErrorKind != task.ErrorKindExtension {
		t.Errorf("expected failed/extension_error, got %s/%s", last.Type, last.ErrorKind)
	}
}

func TestExtensionPanicIsIsolated(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})

	desc := action.Descriptor{
		ID:   "panic",
		Kind: action.KindExtension,
		Extension: &action.ExtensionSpec{Module: "defective", EntryPoint: "panic"},
	}
	id, err := h.disp.Submit(context.Background(), desc, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	snap := h.waitTerminal(t, id)
	if snap.State != task.StateFailed {
		t.Errorf("expected failed, got %s", snap.State)
	}

	// The dispatcher survives and still accepts work.
	next, err := h.disp.Submit(context.Background(), action.Descriptor{
		ID:   "after",
		Kind: action.KindExtension,
		Extension: &action.ExtensionSpec{
			Module: toolbox.ModuleName, EntryPoint: "echo",
			Params: map[string]string{"text": "alive"},
		},
	}, nil)
	if err != nil {
		t.Fatalf("submit after panic: %v", err)
	}
	if snap := h.waitTerminal(t, next); snap.State != task.StateSucceeded {
		t.Errorf("dispatcher unhealthy after extension panic: %s", snap.State)
	}
}

func TestSubmitValidationFailures(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})

	_, err := h.disp.Submit(context.Background(), action.Descriptor{ID: "bad", Kind: "nope"}, nil)
	if !errors.Is(err, task.ErrInvalidDescriptor) {
		t.Errorf("expected ErrInvalidDescriptor, got %v", err)
	}

	_, err = h.disp.Submit(context.Background(), action.Descriptor{
		ID:     "holes",
		Kind:   action.KindScript,
		Script: &action.ScriptSpec{Path: "x.sh", Args: []string{"{1}"}},
	}, nil)
	if !errors.Is(err, task.ErrMissingParameter) {
		t.Errorf("expected ErrMissingParameter, got %v", err)
	}

	_, err = h.disp.Submit(context.Background(), action.Descriptor{
		ID:        "ghost",
		Kind:      action.KindExtension,
		Extension: &action.ExtensionSpec{Module: "unregistered", EntryPoint: "x"},
	}, nil)
	if !errors.Is(err, task.ErrExtensionNotFound) {
		t.Errorf("expected ErrExtensionNotFound, got %v", err)
	}
}

func TestUnknownTask(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})

	if _, err := h.disp.Query("no-such-task"); !errors.Is(err, task.ErrUnknownTask) {
		t.Errorf("query: expected ErrUnknownTask, got %v", err)
	}
	if err := h.disp.Cancel("no-such-task"); !errors.Is(err, task.ErrUnknownTask) {
		t.Errorf("cancel: expected ErrUnknownTask, got %v", err)
	}
	if _, err := h.disp.Subscribe("no-such-task", func(task.Event) {}); !errors.Is(err, task.ErrUnknownTask) {
		t.Errorf("subscribe: expected ErrUnknownTask, got %v", err)
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.disp.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_, err := h.disp.Submit(context.Background(), commandDesc("late", "true"), nil)
	if !errors.Is(err, task.ErrDispatcherClosed) {
		t.Errorf("expected ErrDispatcherClosed, got %v", err)
	}
}

func TestParallelTasksKeepIndependentStreams(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, Config{Workers: 4})

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := h.disp.Submit(context.Background(),
			commandDesc(fmt.Sprintf("gen-%d", i), fmt.Sprintf("for n in 1 2 3; do echo task%d-$n; done", i)), nil)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	for i, id := range ids {
		h.waitTerminal(t, id)
		recs := h.records(t, id)
		assertLifecycleShape(t, recs)

		var lines []string
		for _, r := range recs {
			if r.Type == task.EventOutput {
				lines = append(lines, r.Text)
			}
		}
		want := []string{
			fmt.Sprintf("task%d-1", i),
			fmt.Sprintf("task%d-2", i),
			fmt.Sprintf("task%d-3", i),
		}
		if len(lines) != 3 {
			t.Fatalf("task %d: unexpected lines %v", i, lines)
		}
		for j := range want {
			if lines[j] != want[j] {
				t.Errorf("task %d line %d: got %q, want %q", i, j, lines[j], want[j])
			}
		}
	}
}

func TestExtensionCancelCooperative(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})

	desc := action.Descriptor{
		ID:   "napper",
		Kind: action.KindExtension,
		Extension: &action.ExtensionSpec{
			Module:     toolbox.ModuleName,
			EntryPoint: "sleep",
			Params:     map[string]string{"duration": "30s"},
		},
	}
	id, err := h.disp.Submit(context.Background(), desc, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitRunning(t, id)

	if err := h.disp.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	snap := h.waitTerminal(t, id)
	if snap.State != task.StateCancelled {
		t.Errorf("a cooperative entry point must cancel cleanly, got %s", snap.State)
	}

	recs := h.records(t, id)
	assertLifecycleShape(t, recs)
	last := recs[len(recs)-1]
	if last.Type != task.EventCancelled {
		t.Errorf("expected cancelled event, got %s", last.Type)
	}
	if last.Reason != "" {
		t.Errorf("a requested cancel must not carry reason %q", last.Reason)
	}
}

func TestStuckExtensionRetiresWorkerSlot(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, GracePeriod: 200 * time.Millisecond})

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.reg.Register("stubborn", func() (any, error) {
		return stallModule{release: release}, nil
	})

	stuck, err := h.disp.Submit(context.Background(), action.Descriptor{
		ID:        "hog",
		Kind:      action.KindExtension,
		Extension: &action.ExtensionSpec{Module: "stubborn", EntryPoint: "hold"},
	}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitRunning(t, stuck)

	if err := h.disp.Cancel(stuck); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	snap := h.waitTerminal(t, stuck)
	if snap.State != task.StateFailed {
		t.Errorf("an unresponsive entry point must fail the task, got %s", snap.State)
	}

	recs := h.records(t, stuck)
	assertLifecycleShape(t, recs)
	last := recs[len(recs)-1]
	if last.Type != task.EventFailed || last.ErrorKind != task.ErrorKindExtension {
		t.Errorf("expected failed/extension_error, got %s/%s", last.Type, last.ErrorKind)
	}
	if !strings.Contains(last.Message, "unresponsive") {
		t.Errorf("terminal message does not name the stuck entry point: %q", last.Message)
	}

	// The only slot is retired, so new work must park in the queue
	// instead of running next to the runaway goroutine.
	queued, err := h.disp.Submit(context.Background(), action.Descriptor{
		ID:   "after-hog",
		Kind: action.KindExtension,
		Extension: &action.ExtensionSpec{
			Module: toolbox.ModuleName, EntryPoint: "echo",
			Params: map[string]string{"text": "hi"},
		},
	}, nil)
	if err != nil {
		t.Fatalf("submit after retirement: %v", err)
	}
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		s, err := h.disp.Query(queued)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if s.State != task.StateQueued {
			t.Fatalf("task ran on a retired slot: %s", s.State)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Cancelling the parked task must free it with a single cancelled
	// record and leave nothing waiting on the retired slot.
	if err := h.disp.Cancel(queued); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	if snap := h.waitTerminal(t, queued); snap.State != task.StateCancelled {
		t.Errorf("expected cancelled, got %s", snap.State)
	}
	if recs := h.records(t, queued); len(recs) != 1 || recs[0].Type != task.EventCancelled {
		t.Errorf("expected exactly one cancelled record, got %+v", recs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.disp.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown hung on the retired slot: %v", err)
	}
}

func TestSubmitWithStreamsFullLifecycle(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, Config{Workers: 2})

	feed := make(chan task.Event, 64)
	id, err := h.disp.SubmitWith(context.Background(),
		commandDesc("feed", "echo a; echo b; echo c"), nil,
		func(ev task.Event) { feed <- ev })
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var seen []task.Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-feed:
			seen = append(seen, ev)
		case <-deadline:
			t.Fatal("terminal event never reached the observer")
		}
		if seen[len(seen)-1].Type.Terminal() {
			break
		}
	}

	if seen[0].Type != task.EventStarted || seen[0].Seq != 1 {
		t.Fatalf("observer missed the start of the stream: %+v", seen[0])
	}
	for i, ev := range seen {
		if ev.TaskID != id {
			t.Errorf("event %d carries task %s", i, ev.TaskID)
		}
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d has seq %d, stream has gaps", i, ev.Seq)
		}
	}

	var lines []string
	for _, ev := range seen {
		if ev.Type == task.EventOutput {
			lines = append(lines, ev.Text)
		}
	}
	want := []string{"a", "b", "c"}
	if len(lines) != len(want) {
		t.Fatalf("observer dropped output: %v", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, lines[i], want[i])
		}
	}

	last := seen[len(seen)-1]
	if last.Type != task.EventCompleted || last.ExitCode == nil || *last.ExitCode != 0 {
		t.Errorf("unexpected terminal event: %+v", last)
	}
}

func TestSubscribeDetachStopsDelivery(t *testing.T) {
	requireUnix(t)
	h := newHarness(t, Config{Workers: 2})

	id, err := h.disp.Submit(context.Background(), sleeperDesc("briefly-watched"), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitRunning(t, id)

	var delivered atomic.Int64
	detach, err := h.disp.Subscribe(id, func(task.Event) { delivered.Add(1) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	detach()

	if err := h.disp.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.waitTerminal(t, id)
	// The durable record trailing the terminal event proves the delivery
	// loop has fully drained.
	h.records(t, id)

	if n := delivered.Load(); n != 0 {
		t.Errorf("detached subscriber still received %d events", n)
	}
}
