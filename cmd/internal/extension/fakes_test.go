package extension

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdk "lumen/shared/extension"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeModule serves values from a function and counts Data calls per source.
type fakeModule struct {
	info    sdk.Info
	sources []sdk.Source
	value   func(source string, n int) any
	initErr error
	block   chan struct{}

	mu    sync.Mutex
	calls map[string]int
	host  sdk.Host

	shutdowns atomic.Int32
}

func newFakeModule(code string, sources ...sdk.Source) *fakeModule {
	return &fakeModule{
		info:    sdk.Info{Code: code, Name: code + " extension", Version: "1.0.0", Author: "tests"},
		sources: sources,
		value:   func(_ string, n int) any { return n },
		calls:   make(map[string]int),
	}
}

func (m *fakeModule) Info() sdk.Info        { return m.info }
func (m *fakeModule) Sources() []sdk.Source { return m.sources }

func (m *fakeModule) Init(h sdk.Host) error {
	m.mu.Lock()
	m.host = h
	m.mu.Unlock()
	return m.initErr
}

func (m *fakeModule) Data(ctx context.Context, source string) (any, error) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	m.calls[source]++
	n := m.calls[source]
	m.mu.Unlock()
	return m.value(source, n), nil
}

func (m *fakeModule) Shutdown() error {
	m.shutdowns.Add(1)
	return nil
}

func (m *fakeModule) Calls(source string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[source]
}

// configurableModule adds a settings schema to fakeModule.
type configurableModule struct {
	*fakeModule
	schema *sdk.Schema

	amu     sync.Mutex
	applied []sdk.Values
}

func (m *configurableModule) Settings() *sdk.Schema { return m.schema }

func (m *configurableModule) ApplySettings(v sdk.Values) error {
	m.amu.Lock()
	m.applied = append(m.applied, v)
	m.amu.Unlock()
	return nil
}

func (m *configurableModule) lastApplied() sdk.Values {
	m.amu.Lock()
	defer m.amu.Unlock()
	if len(m.applied) == 0 {
		return nil
	}
	return m.applied[len(m.applied)-1]
}

// fakeConn records frames in arrival order. A stuck conn never has room.
type fakeConn struct {
	id    string
	fail  error
	stuck bool

	mu     sync.Mutex
	frames []string
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, frame []byte) error {
	if c.stuck {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.fail != nil {
		return c.fail
	}
	c.mu.Lock()
	c.frames = append(c.frames, string(frame))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) TrySend(frame []byte) bool {
	if c.stuck || c.fail != nil {
		return false
	}
	c.mu.Lock()
	c.frames = append(c.frames, string(frame))
	c.mu.Unlock()
	return true
}

func (c *fakeConn) Frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

var errSendFailed = errors.New("send failed")

// fakeSettings serves fixed enabled flags and values.
type fakeSettings struct {
	disabled map[string]bool
	values   map[string]map[string]string
}

func (s fakeSettings) SourceEnabled(_ context.Context, code, source string) (bool, error) {
	return !s.disabled[code+"/"+source], nil
}

func (s fakeSettings) ExtensionValues(_ context.Context, code string) (map[string]string, error) {
	return s.values[code], nil
}

func startExtension(t *testing.T, mod sdk.Module, st SettingsReader) *Extension {
	t.Helper()

	ext, err := New(mod, "/ext/"+mod.Info().Code+".so", discardLogger(), nil, Config{SendTimeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, ext.ApplySettings(context.Background(), st))
	require.NoError(t, ext.Start())
	t.Cleanup(func() { _ = ext.Close() })
	return ext
}

func waitProcessed(t *testing.T, ext *Extension, source string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ext.WaitDataProcessed(ctx, source))
}
