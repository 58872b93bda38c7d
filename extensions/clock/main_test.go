package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	sdk "lumen/shared/extension"

	"github.com/stretchr/testify/require"
)

type recordingHost struct {
	mu      sync.Mutex
	signals map[string]int
}

func (h *recordingHost) SignalDataReady(source string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.signals == nil {
		h.signals = map[string]int{}
	}
	h.signals[source]++
}

func (h *recordingHost) WaitDataProcessed(context.Context, string) error { return nil }
func (h *recordingHost) Logger() *slog.Logger                             { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func (h *recordingHost) count(source string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.signals[source]
}

func TestClock_DataFormats(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	now := start
	c := newClock(func() time.Time { return now })
	ctx := context.Background()

	v, err := c.Data(ctx, "now")
	require.NoError(t, err)
	require.Equal(t, "2026-01-02T15:04:05Z", v)

	require.NoError(t, c.ApplySettings(sdk.Values{"format": "unix"}))
	v, err = c.Data(ctx, "now")
	require.NoError(t, err)
	require.Equal(t, start.Unix(), v)

	now = start.Add(90 * time.Second)
	v, err = c.Data(ctx, "uptime")
	require.NoError(t, err)
	require.Equal(t, int64(90), v)

	_, err = c.Data(ctx, "nope")
	require.True(t, errors.Is(err, sdk.ErrUnknownSource))
}

func TestClock_SchemaDefaultsParse(t *testing.T) {
	t.Parallel()

	c := newClock(time.Now)
	for _, s := range c.Settings().Settings() {
		_, err := s.Parse(stringDefault(s.Default))
		require.NoError(t, err, s.Name)
	}
	require.NoError(t, sdk.ValidateCode(c.Info().Code))
}

func TestClock_SignalsTick(t *testing.T) {
	t.Parallel()

	c := newClock(time.Now)
	require.NoError(t, c.ApplySettings(sdk.Values{"tick_seconds": 1}))

	host := &recordingHost{}
	require.NoError(t, c.Init(host))
	require.Eventually(t, func() bool { return host.count("tick") > 0 }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())

	v, err := c.Data(context.Background(), "tick")
	require.NoError(t, err)
	require.GreaterOrEqual(t, v.(int), 1)
}

func stringDefault(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
