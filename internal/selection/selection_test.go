package selection

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upnext/internal/model"
	"upnext/internal/prefs"
	"upnext/internal/provider"
)

type staticLister []provider.Calendar

func (l staticLister) ListCalendars(context.Context) ([]provider.Calendar, error) {
	return l, nil
}

type failingPrefs struct{}

func (failingPrefs) GetStringList(context.Context, string) ([]string, bool, error) {
	return nil, false, errors.New("disk gone")
}

func (failingPrefs) SetStringList(context.Context, string, []string) error {
	return errors.New("disk gone")
}

func (failingPrefs) Close() error { return nil }

// flakyPrefs wraps a store and fails the first failGets reads.
type flakyPrefs struct {
	prefs.Store
	mu       sync.Mutex
	failGets int
}

func (f *flakyPrefs) GetStringList(ctx context.Context, key string) ([]string, bool, error) {
	f.mu.Lock()
	if f.failGets > 0 {
		f.failGets--
		f.mu.Unlock()
		return nil, false, errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.Store.GetStringList(ctx, key)
}

var calendars = staticLister{
	{ID: "home", Title: "Home"},
	{ID: "work", Title: "Work"},
}

func TestListMarksIgnored(t *testing.T) {
	ctx := context.Background()
	p := prefs.NewMemory()
	require.NoError(t, p.SetStringList(ctx, IgnoredKey, []string{"work"}))

	s := New(calendars, p)
	got, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.SelectedCalendar{
		{ID: "home", Title: "Home", IsSelected: true},
		{ID: "work", Title: "Work", IsSelected: false},
	}, got)
	assert.Equal(t, []string{"home"}, IncludedIDs(got))
}

func TestTogglePersistsAndFlips(t *testing.T) {
	ctx := context.Background()
	p := prefs.NewMemory()
	s := New(calendars, p)

	require.NoError(t, s.Toggle(ctx, "home"))
	stored, ok, err := p.GetStringList(ctx, IgnoredKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"home"}, stored)

	got, err := s.List(ctx)
	require.NoError(t, err)
	assert.False(t, got[0].IsSelected)

	require.NoError(t, s.Toggle(ctx, "home"))
	stored, _, _ = p.GetStringList(ctx, IgnoredKey)
	assert.Empty(t, stored)

	got, err = s.List(ctx)
	require.NoError(t, err)
	assert.True(t, got[0].IsSelected)
}

func TestToggleIsVisibleToFreshStore(t *testing.T) {
	ctx := context.Background()
	p := prefs.NewMemory()
	require.NoError(t, New(calendars, p).Toggle(ctx, "work"))

	got, err := New(calendars, p).List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"home"}, IncludedIDs(got))
}

func TestPersistenceFailureDegradesToMemory(t *testing.T) {
	ctx := context.Background()
	s := New(calendars, failingPrefs{})

	got, err := s.List(ctx)
	require.NoError(t, err, "a broken preference store must not fail listing")
	assert.Equal(t, []string{"home", "work"}, IncludedIDs(got))

	err = s.Toggle(ctx, "work")
	assert.Error(t, err)

	got, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"home"}, IncludedIDs(got), "toggle must still apply in memory")
}

func TestConcurrentTogglesSerialize(t *testing.T) {
	ctx := context.Background()
	p := prefs.NewMemory()
	s := New(calendars, p)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Toggle(ctx, "work")
		}()
	}
	wg.Wait()

	// An even number of flips lands back on the original state.
	assert.Empty(t, s.Ignored(ctx))
	stored, _, _ := p.GetStringList(ctx, IgnoredKey)
	assert.Empty(t, stored)
}

func TestToggleDuringUnreadableStoreKeepsStoredSet(t *testing.T) {
	ctx := context.Background()
	mem := prefs.NewMemory()
	require.NoError(t, mem.SetStringList(ctx, IgnoredKey, []string{"home", "work"}))

	s := New(calendars, &flakyPrefs{Store: mem, failGets: 2})

	// The initial load and the retry inside Toggle both fail.
	_ = s.Ignored(ctx)
	err := s.Toggle(ctx, "other")
	assert.Error(t, err)

	stored, _, err := mem.GetStringList(ctx, IgnoredKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "work"}, stored, "stored set must not be overwritten by a partial one")

	// The next successful load merges the in-memory toggle into the stored set.
	assert.Equal(t, []string{"home", "other", "work"}, s.Ignored(ctx))
	stored, _, err = mem.GetStringList(ctx, IgnoredKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "other", "work"}, stored)
}

func TestToggleRetriesLoadBeforePersisting(t *testing.T) {
	ctx := context.Background()
	mem := prefs.NewMemory()
	require.NoError(t, mem.SetStringList(ctx, IgnoredKey, []string{"home", "work"}))

	s := New(calendars, &flakyPrefs{Store: mem, failGets: 1})
	_ = s.Ignored(ctx)

	require.NoError(t, s.Toggle(ctx, "other"))
	stored, _, err := mem.GetStringList(ctx, IgnoredKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "other", "work"}, stored)
}

func TestPendingUnignoreWinsOverStoredSet(t *testing.T) {
	ctx := context.Background()
	mem := prefs.NewMemory()
	require.NoError(t, mem.SetStringList(ctx, IgnoredKey, []string{"home", "work"}))

	s := New(calendars, &flakyPrefs{Store: mem, failGets: 2})

	// Both toggles happen while the stored set is unreadable; the last
	// one leaves "work" not ignored.
	assert.Error(t, s.Toggle(ctx, "work"))
	assert.Error(t, s.Toggle(ctx, "work"))

	assert.Equal(t, []string{"home"}, s.Ignored(ctx))
	stored, _, err := mem.GetStringList(ctx, IgnoredKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"home"}, stored)
}
