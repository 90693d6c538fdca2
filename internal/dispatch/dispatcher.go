// Package dispatch is the engine façade: it accepts action descriptors,
// runs them on a bounded worker pool via the process runner or the
// extension registry, and multiplexes each task's ordered event stream to
// subscribers, the feed hub, and the durable event log.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/opkit/internal/action"
	"github.com/mattjoyce/opkit/internal/eventlog"
	"github.com/mattjoyce/opkit/internal/events"
	"github.com/mattjoyce/opkit/internal/extension"
	"github.com/mattjoyce/opkit/internal/log"
	"github.com/mattjoyce/opkit/internal/runner"
	"github.com/mattjoyce/opkit/internal/task"
)

// Config tunes the dispatcher.
type Config struct {
	// Workers bounds how many tasks run in parallel. Each task occupies
	// one slot from start to terminal state.
	Workers int

	// DefaultTimeout applies to tasks whose descriptor sets none. Zero
	// means no timeout.
	DefaultTimeout time.Duration

	// GracePeriod is the wait between cooperative and forced termination.
	GracePeriod time.Duration

	// Retention is how long a terminal task handle stays queryable before
	// reclamation.
	Retention time.Duration
}

const (
	defaultWorkers   = 4
	defaultRetention = 10 * time.Minute
)

// Dispatcher owns every TaskHandle for its lifetime. Callers hold only task
// ids.
type Dispatcher struct {
	cfg      Config
	runner   *runner.Runner
	registry *extension.Registry
	sink     *eventlog.Sink
	hub      *events.Hub
	logger   *slog.Logger

	sem chan struct{}

	mu       sync.Mutex
	tasks    map[string]*record
	inflight map[string]string // single-flight: action id -> live task id
	closed   bool

	fatalOnce sync.Once
	fatalCh   chan error

	wg sync.WaitGroup
}

// record is the dispatcher-private TaskHandle.
type record struct {
	taskID string
	desc   action.Descriptor

	// Resolved at submit; exactly one is set.
	inv    *runner.Invocation
	entry  extension.EntryPoint
	params map[string]string

	events chan task.Event

	// done closes with the terminal event so a queued worker waiting for
	// a slot can give up instead of blocking on the semaphore.
	done chan struct{}

	// mu guards lifecycle state and the subscriber list.
	mu         sync.Mutex
	state      task.State
	startedAt  *time.Time
	finishedAt *time.Time
	cancel     context.CancelFunc
	subs       []subscriber
	nextSubID  int

	// emitMu serializes sequence assignment and channel sends, so the
	// delivered order always matches Seq order.
	emitMu sync.Mutex
	seq    int64
}

type subscriber struct {
	id       int
	afterSeq int64
	fn       func(task.Event)
}

// New creates a Dispatcher. hub may be nil.
func New(cfg Config, run *runner.Runner, registry *extension.Registry, sink *eventlog.Sink, hub *events.Hub) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = runner.DefaultGracePeriod
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return &Dispatcher{
		cfg:      cfg,
		runner:   run,
		registry: registry,
		sink:     sink,
		hub:      hub,
		logger:   log.WithComponent("dispatch"),
		sem:      make(chan struct{}, cfg.Workers),
		tasks:    make(map[string]*record),
		inflight: make(map[string]string),
		fatalCh:  make(chan error, 1),
	}
}

// Submit validates the descriptor, resolves everything that can fail before
// a worker starts, enqueues the task, and returns its fresh task id without
// waiting for execution. The started event fires only when a worker
// actually begins the action.
func (d *Dispatcher) Submit(ctx context.Context, desc action.Descriptor, params []string) (string, error) {
	return d.SubmitWith(ctx, desc, params, nil)
}

// SubmitWith is Submit with an observer attached before execution begins:
// fn receives every event of the task, in order, starting from the started
// event. For callers that must not lose early output to the race between
// submit and a later Subscribe.
func (d *Dispatcher) SubmitWith(ctx context.Context, desc action.Descriptor, params []string, fn func(task.Event)) (string, error) {
	if err := desc.Validate(); err != nil {
		return "", err
	}

	rec := &record{
		taskID: uuid.NewString(),
		desc:   desc,
		state:  task.StateQueued,
		events: make(chan task.Event, 256),
		done:   make(chan struct{}),
	}
	if fn != nil {
		rec.subs = []subscriber{{id: 0, fn: fn}}
		rec.nextSubID = 1
	}

	// Pre-run faults surface here, synchronously, never as a silent
	// failed event.
	switch desc.Kind {
	case action.KindCommand, action.KindScript:
		inv, err := runner.Build(&desc, params)
		if err != nil {
			return "", err
		}
		rec.inv = inv
	case action.KindExtension:
		ep, err := d.registry.Resolve(desc.Extension.Module, desc.Extension.EntryPoint)
		if err != nil {
			return "", err
		}
		rec.entry = ep
		rec.params = mergeParams(desc.Extension.Params, params)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", task.ErrDispatcherClosed
	}
	if desc.SingleFlight {
		if live, ok := d.inflight[desc.ID]; ok {
			d.mu.Unlock()
			return "", fmt.Errorf("%w: action %q already live as task %s", task.ErrConcurrentInvocation, desc.ID, live)
		}
		d.inflight[desc.ID] = rec.taskID
	}
	d.tasks[rec.taskID] = rec
	d.mu.Unlock()

	d.wg.Add(2)
	go d.deliver(rec)
	go d.work(rec)

	log.WithTask(rec.taskID).Debug("task queued", "action", desc.ID, "kind", string(desc.Kind))
	return rec.taskID, nil
}

// Subscribe registers a callback invoked, in order, for every event of the
// task that occurs after the subscription. The returned function detaches
// the subscriber; callers must invoke it when they stop consuming.
func (d *Dispatcher) Subscribe(taskID string, fn func(task.Event)) (func(), error) {
	rec, err := d.lookup(taskID)
	if err != nil {
		return nil, err
	}

	rec.emitMu.Lock()
	after := rec.seq
	rec.emitMu.Unlock()

	rec.mu.Lock()
	id := rec.nextSubID
	rec.nextSubID++
	rec.subs = append(rec.subs, subscriber{id: id, afterSeq: after, fn: fn})
	rec.mu.Unlock()

	detach := func() {
		rec.mu.Lock()
		for i, s := range rec.subs {
			if s.id == id {
				rec.subs = append(rec.subs[:i], rec.subs[i+1:]...)
				break
			}
		}
		rec.mu.Unlock()
	}
	return detach, nil
}

// Cancel requests cooperative termination. Queued tasks die immediately
// with no started event; running tasks go through the escalation path.
// Cancelling a terminal task is a no-op, not an error.
func (d *Dispatcher) Cancel(taskID string) error {
	rec, err := d.lookup(taskID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	switch {
	case rec.state.Terminal():
		rec.mu.Unlock()
		return nil
	case rec.state == task.StateQueued:
		now := time.Now().UTC()
		rec.state = task.StateCancelled
		rec.finishedAt = &now
		rec.mu.Unlock()
		d.emit(rec, task.Event{Type: task.EventCancelled})
		d.finalize(rec)
		return nil
	default: // running
		if rec.cancel != nil {
			rec.cancel()
		}
		rec.mu.Unlock()
		return nil
	}
}

// Query returns a non-blocking snapshot of the task's state.
func (d *Dispatcher) Query(taskID string) (task.Snapshot, error) {
	rec, err := d.lookup(taskID)
	if err != nil {
		return task.Snapshot{}, err
	}
	return rec.snapshot(), nil
}

// Tasks snapshots every retained task, newest first by start.
func (d *Dispatcher) Tasks() []task.Snapshot {
	d.mu.Lock()
	recs := make([]*record, 0, len(d.tasks))
	for _, rec := range d.tasks {
		recs = append(recs, rec)
	}
	d.mu.Unlock()

	out := make([]task.Snapshot, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	return out
}

// Fatal reports unrecoverable dispatcher failures, currently only event-log
// write errors. Loss of traceability defeats the system's purpose, so a
// failed append closes the dispatcher instead of being dropped.
func (d *Dispatcher) Fatal() <-chan error {
	return d.fatalCh
}

// Shutdown stops accepting submissions, cancels everything in flight, and
// waits for workers and deliveries to drain or ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	ids := make([]string, 0, len(d.tasks))
	for id := range d.tasks {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		_ = d.Cancel(id)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) lookup(taskID string) (*record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrUnknownTask, taskID)
	}
	return rec, nil
}

func (rec *record) snapshot() task.Snapshot {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return task.Snapshot{
		TaskID:     rec.taskID,
		ActionID:   rec.desc.ID,
		State:      rec.state,
		StartedAt:  rec.startedAt,
		FinishedAt: rec.finishedAt,
	}
}

// mergeParams overlays submit-time "key=value" parameters onto the
// descriptor's extension parameter map.
func mergeParams(base map[string]string, overrides []string) map[string]string {
	out := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for _, kv := range overrides {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}
