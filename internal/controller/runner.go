package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "upnext/internal/log"
)

// DefaultSchedule is the poll cadence. cron cannot tick faster than once a
// second.
const DefaultSchedule = "@every 1s"

// ErrStopped is returned by commands once the runner has exited.
var ErrStopped = errors.New("controller: runner stopped")

// Runner serializes every Controller mutation on one goroutine. Poll
// ticks come from cron; commands from other goroutines are posted as
// closures and executed in the loop.
type Runner struct {
	ctrl     *Controller
	schedule string
	now      func() time.Time

	wake    chan struct{}
	cmds    chan func(context.Context)
	started chan struct{}
	done    chan struct{}
}

// NewRunner wraps ctrl. An empty schedule means DefaultSchedule; loc sets
// the zone of the "now" fed to passes (nil means time.Local).
func NewRunner(ctrl *Controller, schedule string, loc *time.Location) *Runner {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if loc == nil {
		loc = time.Local
	}
	return &Runner{
		ctrl:     ctrl,
		schedule: schedule,
		now:      func() time.Time { return time.Now().In(loc) },
		wake:     make(chan struct{}, 1),
		cmds:     make(chan func(context.Context)),
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run drives the loop until ctx is done. It runs one pass immediately.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)

	c := cron.New(cron.WithLogger(appLog.CronAdapter{}))
	if _, err := c.AddFunc(r.schedule, r.Wake); err != nil {
		return fmt.Errorf("runner: invalid poll schedule %q: %w", r.schedule, err)
	}
	c.Start()
	defer func() {
		stopCtx := c.Stop()
		<-stopCtx.Done()
		appLog.Info("runner stopped")
	}()

	appLog.Info("runner started", "schedule", r.schedule)
	close(r.started)
	r.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
			r.poll(ctx)
		case fn := <-r.cmds:
			fn(ctx)
		}
	}
}

// Wake asks for a pass. Non-blocking if one is already pending.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) poll(ctx context.Context) {
	if err := r.ctrl.Poll(ctx, r.now()); err != nil {
		appLog.Error("poll failed; keeping previous state", err)
	}
}

// do runs fn on the loop and waits for it to finish.
func (r *Runner) do(ctx context.Context, fn func(context.Context)) error {
	finished := make(chan struct{})
	wrapped := func(loopCtx context.Context) {
		defer close(finished)
		fn(loopCtx)
	}
	select {
	case r.cmds <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollNow runs a pass on the loop and returns its error.
func (r *Runner) PollNow(ctx context.Context) error {
	var perr error
	if err := r.do(ctx, func(loopCtx context.Context) {
		perr = r.ctrl.Poll(loopCtx, r.now())
	}); err != nil {
		return err
	}
	return perr
}

// Dismiss clears the soon slot. It reports whether an event was dismissed.
func (r *Runner) Dismiss(ctx context.Context) (bool, error) {
	var ok bool
	err := r.do(ctx, func(context.Context) {
		ok = r.ctrl.Dismiss()
	})
	return ok, err
}

// ToggleCalendar flips id's selection.
func (r *Runner) ToggleCalendar(ctx context.Context, id string) error {
	var terr error
	if err := r.do(ctx, func(loopCtx context.Context) {
		terr = r.ctrl.ToggleCalendar(loopCtx, id)
	}); err != nil {
		return err
	}
	return terr
}

// RequestAccess starts an access request unless one is in flight. The
// provider call runs off the loop; its result is posted back as a command
// so state is only touched on the loop. It reports whether a request was
// started.
func (r *Runner) RequestAccess(ctx context.Context) (bool, error) {
	var started bool
	err := r.do(ctx, func(loopCtx context.Context) {
		if !r.ctrl.BeginAccessRequest() {
			return
		}
		started = true
		go r.requestAccess(loopCtx)
	})
	return started, err
}

func (r *Runner) requestAccess(loopCtx context.Context) {
	granted, err := r.ctrl.prov.RequestAccess(loopCtx)
	finish := func(ctx context.Context) {
		r.ctrl.FinishAccessRequest(ctx, granted, err, r.now())
	}
	select {
	case r.cmds <- finish:
	case <-r.done:
	}
}

// Snapshot returns the last published state.
func (r *Runner) Snapshot() Snapshot {
	return r.ctrl.Snapshot()
}

// Started is closed once the loop is accepting commands.
func (r *Runner) Started() <-chan struct{} {
	return r.started
}
