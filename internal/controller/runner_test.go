package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upnext/internal/provider"
)

func startRunner(t *testing.T, ctrl *Controller, schedule string) (*Runner, context.CancelFunc, <-chan error) {
	t.Helper()
	r := NewRunner(ctrl, schedule, time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	select {
	case <-r.Started():
	case err := <-errCh:
		cancel()
		t.Fatalf("runner exited early: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("runner did not start")
	}
	t.Cleanup(cancel)
	return r, cancel, errCh
}

func TestRunnerCommands(t *testing.T) {
	now := time.Now().UTC()
	ctrl, _, _ := newFixture(busy("e", now.Add(90*time.Second), now.Add(time.Hour)))
	r, _, _ := startRunner(t, ctrl, "@every 1h")
	ctx := context.Background()

	require.NoError(t, r.PollNow(ctx))
	snap := r.Snapshot()
	require.Len(t, snap.Events, 1)
	require.NotNil(t, snap.SoonEvent)

	ok, err := r.Dismiss(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, r.Snapshot().SoonEvent)

	require.NoError(t, r.ToggleCalendar(ctx, "work"))
	require.NoError(t, r.PollNow(ctx))
	assert.Empty(t, r.Snapshot().Events)
}

func TestRunnerRequestAccess(t *testing.T) {
	now := time.Now().UTC()
	ctrl, prov, _ := newFixture(busy("e", now.Add(time.Hour), now.Add(2*time.Hour)))
	prov.set(func(p *fakeProvider) {
		p.status = provider.NotDetermined
		p.grant = true
	})
	r, _, _ := startRunner(t, ctrl, "@every 1h")

	started, err := r.RequestAccess(context.Background())
	require.NoError(t, err)
	assert.True(t, started)

	require.Eventually(t, func() bool {
		s := r.Snapshot()
		return s.AuthorizationStatus == provider.Authorized && !s.IsRequestingAccess && len(s.Events) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunnerTicks(t *testing.T) {
	ctrl, prov, _ := newFixture()
	startRunner(t, ctrl, "@every 1s")

	require.Eventually(t, func() bool {
		prov.mu.Lock()
		defer prov.mu.Unlock()
		return len(prov.queries) >= 2
	}, 4*time.Second, 50*time.Millisecond, "cron wakes the loop")
}

func TestRunnerStopped(t *testing.T) {
	ctrl, _, _ := newFixture()
	r, cancel, errCh := startRunner(t, ctrl, "@every 1h")

	cancel()
	require.NoError(t, <-errCh)

	_, err := r.Dismiss(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRunnerInvalidSchedule(t *testing.T) {
	ctrl, _, _ := newFixture()
	r := NewRunner(ctrl, "not a schedule", nil)
	assert.Error(t, r.Run(context.Background()))
}
