package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/mattjoyce/opkit/internal/eventlog"
	"github.com/mattjoyce/opkit/internal/extension"
	"github.com/mattjoyce/opkit/internal/runner"
	"github.com/mattjoyce/opkit/internal/task"
)

// work owns one task from slot acquisition to terminal state.
func (d *Dispatcher) work(rec *record) {
	defer d.wg.Done()

	// A task cancelled while queued closes done; give up on the slot wait
	// then, or a retired slot would strand this goroutine forever.
	select {
	case d.sem <- struct{}{}:
	case <-rec.done:
		return
	}
	release := true
	defer func() {
		if release {
			<-d.sem
		}
	}()

	rec.mu.Lock()
	if rec.state.Terminal() {
		// Cancelled while queued; the terminal event is already out.
		rec.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	rec.state = task.StateRunning
	rec.startedAt = &now

	timeout := time.Duration(rec.desc.Timeout)
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	rec.cancel = cancel
	rec.mu.Unlock()
	defer cancel()

	d.emit(rec, task.Event{Type: task.EventStarted})

	if rec.entry != nil {
		if stuck := d.runExtension(ctx, rec); stuck {
			// The slot token is never returned: the goroutine inside is
			// beyond the engine's reach and must not poison a reusable slot.
			release = false
		}
		return
	}
	d.runProcess(ctx, rec)
}

func (d *Dispatcher) runProcess(ctx context.Context, rec *record) {
	out := d.runner.Run(ctx, rec.inv, runner.LineSinkFunc(func(stream task.Stream, text string) {
		d.emit(rec, task.Event{Type: task.EventOutput, Stream: stream, Text: text})
	}))

	switch {
	case out.SpawnErr != nil:
		d.terminal(rec, task.StateFailed, task.Event{
			Type:      task.EventFailed,
			ErrorKind: task.ErrorKindSpawn,
			Message:   out.SpawnErr.Error(),
		})
	case out.Cancelled:
		ev := task.Event{Type: task.EventCancelled}
		if out.TimedOut {
			ev.Reason = task.ReasonTimeout
		}
		d.terminal(rec, task.StateCancelled, ev)
	default:
		code := out.ExitCode
		d.terminal(rec, task.StateSucceeded, task.Event{
			Type:     task.EventCompleted,
			ExitCode: &code,
		})
	}
}

// runExtension invokes the entry point on this worker's slot. Cancellation
// is cooperative only: the engine cannot forcibly stop in-process code. An
// entry point that ignores cancellation past the grace period retires the
// slot; the returned bool reports that.
func (d *Dispatcher) runExtension(ctx context.Context, rec *record) bool {
	type invResult struct {
		res *extension.Result
		err error
	}
	ch := make(chan invResult, 1)
	go func() {
		res, err := extension.Invoke(ctx, rec.entry, rec.params)
		ch <- invResult{res: res, err: err}
	}()

	select {
	case r := <-ch:
		d.finishExtension(ctx, rec, r.res, r.err)
		return false
	case <-ctx.Done():
		grace := time.NewTimer(d.cfg.GracePeriod)
		defer grace.Stop()
		select {
		case r := <-ch:
			d.finishExtension(ctx, rec, r.res, r.err)
			return false
		case <-grace.C:
			d.logger.Warn("stuck extension: entry point ignored cancellation, retiring worker slot",
				"task_id", rec.taskID,
				"module", rec.desc.Extension.Module,
				"entry_point", rec.desc.Extension.EntryPoint)
			d.terminal(rec, task.StateFailed, task.Event{
				Type:      task.EventFailed,
				ErrorKind: task.ErrorKindExtension,
				Message:   "entry point unresponsive after cancellation; worker slot retired",
			})
			return true
		}
	}
}

func (d *Dispatcher) finishExtension(ctx context.Context, rec *record, res *extension.Result, err error) {
	if err != nil {
		if ctx.Err() != nil {
			ev := task.Event{Type: task.EventCancelled}
			if ctx.Err() == context.DeadlineExceeded {
				ev.Reason = task.ReasonTimeout
			}
			d.terminal(rec, task.StateCancelled, ev)
			return
		}
		d.terminal(rec, task.StateFailed, task.Event{
			Type:      task.EventFailed,
			ErrorKind: task.ErrorKindExtension,
			Message:   err.Error(),
		})
		return
	}

	if res != nil {
		for _, line := range res.Output {
			d.emit(rec, task.Event{Type: task.EventOutput, Stream: task.StreamStdout, Text: line})
		}
	}
	code := 0
	ev := task.Event{Type: task.EventCompleted, ExitCode: &code}
	if res != nil {
		ev.Handle = res.Handle
	}
	d.terminal(rec, task.StateSucceeded, ev)
}

// terminal records the absorbing state and emits the closing event.
func (d *Dispatcher) terminal(rec *record, st task.State, ev task.Event) {
	rec.mu.Lock()
	now := time.Now().UTC()
	rec.state = st
	rec.finishedAt = &now
	rec.mu.Unlock()

	d.emit(rec, ev)
	d.finalize(rec)
}

// emit stamps and publishes one event. Holding emitMu across the channel
// send keeps delivery order identical to Seq order even when the two
// output pumps race.
func (d *Dispatcher) emit(rec *record, ev task.Event) {
	rec.emitMu.Lock()
	defer rec.emitMu.Unlock()

	rec.seq++
	ev.TaskID = rec.taskID
	ev.Seq = rec.seq
	ev.At = time.Now().UTC()
	rec.events <- ev
	if ev.Type.Terminal() {
		close(rec.events)
		close(rec.done)
	}
}

// deliver drains one task's event channel: subscriber fan-out in order,
// hub publish, durable append. It exits when the terminal event has been
// fully delivered.
func (d *Dispatcher) deliver(rec *record) {
	defer d.wg.Done()

	for ev := range rec.events {
		rec.mu.Lock()
		subs := make([]subscriber, len(rec.subs))
		copy(subs, rec.subs)
		rec.mu.Unlock()

		for _, s := range subs {
			if ev.Seq > s.afterSeq {
				s.fn(ev)
			}
		}

		lr := eventlog.FromEvent(ev, rec.desc.ID, string(rec.desc.Kind))
		if d.hub != nil {
			d.hub.Publish("task."+string(ev.Type), rec.taskID, lr)
		}
		if err := d.sink.Append(context.Background(), lr); err != nil {
			d.fail(fmt.Errorf("append task %s event %d: %w", rec.taskID, ev.Seq, err))
		}
	}
}

// finalize clears single-flight tracking and schedules handle reclamation
// after the retention window.
func (d *Dispatcher) finalize(rec *record) {
	d.mu.Lock()
	if rec.desc.SingleFlight && d.inflight[rec.desc.ID] == rec.taskID {
		delete(d.inflight, rec.desc.ID)
	}
	d.mu.Unlock()

	time.AfterFunc(d.cfg.Retention, func() {
		d.mu.Lock()
		delete(d.tasks, rec.taskID)
		d.mu.Unlock()
	})
}

// fail escalates an event-log write failure: the dispatcher closes rather
// than silently dropping records.
func (d *Dispatcher) fail(err error) {
	d.fatalOnce.Do(func() {
		d.logger.Error("event log write failed, closing dispatcher", "error", err)
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		d.fatalCh <- err
	})
}
