package routing

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayStartUsesReferenceZone(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)

	// 05:30 UTC on Mar 2 is still Mar 1 in Los Angeles.
	now := time.Date(2026, 3, 2, 5, 30, 0, 0, time.UTC)
	got := DayStart(now, la)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, la), got)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), got.UTC())

	// Every instant of one local day maps to the same boundary.
	late := time.Date(2026, 3, 2, 7, 59, 59, 0, time.UTC)
	assert.True(t, DayStart(late, la).Equal(got))
	next := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	assert.True(t, DayStart(next, la).After(got))
}

func TestDayStartNilLocation(t *testing.T) {
	now := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), DayStart(now, nil))
}

func TestMemoryLedger(t *testing.T) {
	l := NewMemoryLedger()
	l.Set("a", 5)
	got, err := l.SuccessCounts(context.Background(), []string{"a", "b"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 5}, got)

	l.SetError(ErrLedgerDown)
	_, err = l.SuccessCounts(context.Background(), []string{"a"}, time.Now())
	assert.ErrorIs(t, err, ErrLedgerDown)
	assert.Equal(t, 2, l.Calls())
}

// TestPGLedgerLive runs against a LiteLLM database when one is configured.
func TestPGLedgerLive(t *testing.T) {
	dsn := os.Getenv("DISPATCHD_TEST_LEDGER_DSN")
	if dsn == "" {
		t.Skip("DISPATCHD_TEST_LEDGER_DSN not set")
	}
	l, err := OpenPGLedger(dsn)
	require.NoError(t, err)
	defer l.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Ping(ctx))

	got, err := l.SuccessCounts(ctx, []string{"managed_group_0_does_not_exist"}, DayStart(time.Now(), time.UTC))
	require.NoError(t, err)
	assert.Empty(t, got)

	empty, err := l.SuccessCounts(ctx, nil, time.Now())
	require.NoError(t, err)
	assert.Empty(t, empty)
}
