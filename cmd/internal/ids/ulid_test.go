package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

func TestNewULID_MonotonicWithinMillisecond(t *testing.T) {
	now := time.Now().UTC()
	prev := ""
	for i := 0; i < 100; i++ {
		id, err := NewULID(now)
		require.NoError(t, err)
		require.Len(t, id, 26)

		_, err = ulid.ParseStrict(id)
		require.NoError(t, err)

		if prev != "" {
			require.Greater(t, id, prev)
		}
		prev = id
	}
}

func TestNewULID_ZeroTimeUsesNow(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	id, err := NewULID(time.Time{})
	require.NoError(t, err)

	u, err := ulid.ParseStrict(id)
	require.NoError(t, err)
	require.True(t, ulid.Time(u.Time()).After(before))
}
