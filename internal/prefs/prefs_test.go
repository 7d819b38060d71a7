package prefs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.GetStringList(ctx, "ignored-calendar-ids")
	require.NoError(t, err)
	assert.False(t, ok, "missing key must be reported as absent")

	require.NoError(t, s.SetStringList(ctx, "ignored-calendar-ids", []string{"work", "holidays"}))
	got, ok, err := s.GetStringList(ctx, "ignored-calendar-ids")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"work", "holidays"}, got)

	require.NoError(t, s.SetStringList(ctx, "ignored-calendar-ids", nil))
	got, ok, err = s.GetStringList(ctx, "ignored-calendar-ids")
	require.NoError(t, err)
	assert.True(t, ok, "an empty list is still a present value")
	assert.Empty(t, got)
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryCopiesValues(t *testing.T) {
	m := NewMemory()
	in := []string{"a"}
	require.NoError(t, m.SetStringList(context.Background(), "k", in))
	in[0] = "mutated"

	got, _, err := m.GetStringList(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)
}

func TestSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "prefs.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.SetStringList(context.Background(), "k", []string{"x"}))
	require.NoError(t, s.Close())

	s, err = NewSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	got, ok, err := s.GetStringList(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"x"}, got)
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("UPNEXT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("UPNEXT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	p, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.pool.Exec(ctx, `DELETE FROM preferences WHERE key = 'ignored-calendar-ids'`)
	require.NoError(t, err)
	exerciseStore(t, p)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "redis", "")
	assert.Error(t, err)
}

func TestOpenMemoryDefault(t *testing.T) {
	s, err := Open(context.Background(), "", "")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)
}
