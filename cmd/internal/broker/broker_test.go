package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"lumen/cmd/internal/authcode"
	"lumen/cmd/internal/extension"
	"lumen/cmd/internal/launcher"
	"lumen/cmd/internal/session"
	"lumen/cmd/internal/settings"
	v1 "lumen/shared/contracts/broker/v1"
	sdk "lumen/shared/extension"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testModule counts fetches per source and returns the count as the value.
type testModule struct {
	code    string
	sources []sdk.Source

	mu    sync.Mutex
	host  sdk.Host
	count map[string]int
}

func newTestModule(code string, sources ...string) *testModule {
	m := &testModule{code: code, count: make(map[string]int)}
	for _, s := range sources {
		m.sources = append(m.sources, sdk.Source{Name: s})
	}
	return m
}

func (m *testModule) Info() sdk.Info {
	return sdk.Info{Code: m.code, Name: m.code + " monitor", Version: "0.1.0", Author: "lumen"}
}
func (m *testModule) Sources() []sdk.Source { return m.sources }
func (m *testModule) Shutdown() error       { return nil }

func (m *testModule) Init(h sdk.Host) error {
	m.mu.Lock()
	m.host = h
	m.mu.Unlock()
	return nil
}

func (m *testModule) Data(_ context.Context, source string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count[source]++
	return m.count[source], nil
}

func (m *testModule) fetches(source string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count[source]
}

// signal fires one data-ready event and waits for its fan-out.
func (m *testModule) signal(t *testing.T, source string) {
	t.Helper()

	m.mu.Lock()
	h := m.host
	m.mu.Unlock()

	h.SignalDataReady(source)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.WaitDataProcessed(ctx, source))
}

type testEnv struct {
	broker   *Broker
	ledger   *authcode.Ledger
	sessions *session.Registry
	registry *extension.Registry
	settings *settings.Settings

	mu       sync.Mutex
	launched []settings.LaunchEntry
}

func newTestEnv(t *testing.T, mods []sdk.Module, opts ...Option) *testEnv {
	t.Helper()

	ledger, err := authcode.NewLedger()
	require.NoError(t, err)

	st := settings.New(settings.NewMemoryStore())
	reg := extension.NewRegistry(discardLogger(), extension.WithSettings(st))
	t.Cleanup(func() { _ = reg.Close() })

	env := &testEnv{ledger: ledger, sessions: session.NewRegistry(), registry: reg, settings: st}

	b, err := New(discardLogger(), Deps{
		Ledger:     ledger,
		Sessions:   env.sessions,
		Extensions: reg,
		Settings:   st,
		Launcher: launcher.Func(func(_ context.Context, e settings.LaunchEntry) error {
			env.mu.Lock()
			env.launched = append(env.launched, e)
			env.mu.Unlock()
			return nil
		}),
		General: settings.General{Port: 13337, LogLevel: "info"},
	}, opts...)
	require.NoError(t, err)
	env.broker = b
	t.Cleanup(b.Wait)

	for _, m := range mods {
		require.NoError(t, reg.Register(context.Background(), m.Info().Code+".so", m))
	}
	return env
}

func (e *testEnv) launches() []settings.LaunchEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]settings.LaunchEntry(nil), e.launched...)
}

func newTestClient(id string) *Client {
	return NewClient(id, "test", 64)
}

func frame(t *testing.T, method string, params any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{"method": method, "params": params})
	require.NoError(t, err)
	return b
}

func targetFrame(t *testing.T, method, target, params string) []byte {
	return frame(t, method, map[string]string{"target": target, "params": params})
}

func recv(t *testing.T, c *Client) string {
	t.Helper()
	select {
	case f := <-c.Queue():
		return string(f)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame queued")
		return ""
	}
}

func requireError(t *testing.T, c *Client, msg string) {
	t.Helper()
	require.JSONEq(t, string(v1.EncodeError(msg)), recv(t, c))
}

func requireNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case f := <-c.Queue():
		t.Fatalf("unexpected frame: %s", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func (e *testEnv) authenticate(t *testing.T, c *Client, identity string, level session.AccessLevel) {
	t.Helper()
	code, err := e.ledger.Issue(identity, level)
	require.NoError(t, err)
	e.broker.Dispatch(context.Background(), c, frame(t, v1.MethodAuth, map[string]string{"code": code.Token}))
	requireNoFrame(t, c)
	require.True(t, e.broker.Authenticated(c.ID()))
}

func TestAuth_AlreadyAuthenticated(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	c := newTestClient("conn-a")
	ctx := context.Background()

	env.authenticate(t, c, "widget-A", session.Guest)

	s, ok := env.sessions.Lookup(c.ID())
	require.True(t, ok)
	require.Equal(t, "widget-A", s.Identity)
	require.Equal(t, session.Guest, s.Level)

	other, err := env.ledger.Issue("widget-B", session.Admin)
	require.NoError(t, err)
	env.broker.Dispatch(ctx, c, frame(t, v1.MethodAuth, map[string]string{"code": other.Token}))
	requireError(t, c, "Client already authenticated.")

	// The second code was not consumed.
	require.Equal(t, 1, env.ledger.Len())
	s, _ = env.sessions.Lookup(c.ID())
	require.Equal(t, "widget-A", s.Identity)
}

func TestAuth_InvalidAndReusedCodes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()

	c1 := newTestClient("c1")
	env.broker.Dispatch(ctx, c1, frame(t, v1.MethodAuth, map[string]string{"code": "DEADBEEF"}))
	requireError(t, c1, "Invalid authentication code")
	require.False(t, env.broker.Authenticated(c1.ID()))

	code, err := env.ledger.Issue("widget", session.Guest)
	require.NoError(t, err)
	env.broker.Dispatch(ctx, c1, frame(t, v1.MethodAuth, map[string]string{"code": code.Token}))
	requireNoFrame(t, c1)

	c2 := newTestClient("c2")
	env.broker.Dispatch(ctx, c2, frame(t, v1.MethodAuth, map[string]string{"code": code.Token}))
	requireError(t, c2, "Invalid authentication code")
}

func TestDispatch_ProtocolErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()
	c := newTestClient("c")

	cases := []struct {
		name  string
		frame string
		want  string
	}{
		{"not json", `{"method":`, "Invalid JSON request"},
		{"array", `[1,2]`, "Invalid JSON request"},
		{"unknown method", `{"method":"explode","params":{}}`, "Unknown method type explode"},
		{"subscribe unauthenticated", `{"method":"subscribe","params":{"target":"cpu","params":"usage"}}`, "Unauthenticated client"},
		{"query unauthenticated", `{"method":"query","params":{"target":"settings","params":""}}`, "Unauthenticated client"},
		{"mutate unauthenticated", `{"method":"mutate","params":{}}`, "Unauthenticated client"},
		{"auth extra key", `{"method":"auth","params":{"code":"AB","x":1}}`, "Invalid parameters for method 'auth'"},
		{"auth no params", `{"method":"auth"}`, "Invalid parameters for method 'auth'"},
	}

	for _, tc := range cases {
		env.broker.Dispatch(ctx, c, []byte(tc.frame))
		requireError(t, c, tc.want)
	}

	env.authenticate(t, c, "widget", session.Guest)

	env.broker.Dispatch(ctx, c, []byte(`{"method":"subscribe","params":{"target":"cpu"}}`))
	requireError(t, c, "Invalid parameters for method 'subscribe'")

	env.broker.Dispatch(ctx, c, []byte(`{"method":"query","params":{"target":"cpu","params":"x","extra":"y"}}`))
	requireError(t, c, "Invalid parameters for method 'query'")
}

func TestMutate_IsAcceptedNoOp(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	c := newTestClient("c")
	env.authenticate(t, c, "widget", session.Admin)

	env.broker.Dispatch(context.Background(), c, []byte(`{"method":"mutate","params":{"anything":true}}`))
	requireNoFrame(t, c)
}

func TestSubscribe_PartialFailure(t *testing.T) {
	t.Parallel()

	cpu := newTestModule("cpu", "usage")
	env := newTestEnv(t, []sdk.Module{cpu})
	c := newTestClient("c")
	env.authenticate(t, c, "widget", session.Guest)

	env.broker.Dispatch(context.Background(), c, targetFrame(t, v1.MethodSubscribe, "cpu", "usage,temp"))
	requireError(t, c, "Failed to subscribe to extension cpu data temp")
	requireNoFrame(t, c)

	cpu.signal(t, "usage")
	require.JSONEq(t, `{"data":{"cpu":{"usage":1}}}`, recv(t, c))
}

func TestSubscribe_UnknownExtensionReportsEverySource(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, []sdk.Module{newTestModule("cpu", "usage")})
	c := newTestClient("c")
	env.authenticate(t, c, "widget", session.Settings)
	before, _ := env.sessions.Lookup(c.ID())

	env.broker.Dispatch(context.Background(), c, targetFrame(t, v1.MethodSubscribe, "gpu", "load, temp,fan"))
	for range 3 {
		requireError(t, c, "Unknown extension code gpu")
	}
	requireNoFrame(t, c)

	after, ok := env.sessions.Lookup(c.ID())
	require.True(t, ok)
	require.Equal(t, before, after)
	require.Equal(t, 1, env.sessions.Len())
}

func TestQuery_PollsAndStaysSubscribed(t *testing.T) {
	t.Parallel()

	cpu := newTestModule("cpu", "usage")
	env := newTestEnv(t, []sdk.Module{cpu})
	c := newTestClient("c")
	env.authenticate(t, c, "widget", session.Guest)

	env.broker.Dispatch(context.Background(), c, targetFrame(t, v1.MethodQuery, "cpu", "usage"))
	require.JSONEq(t, `{"data":{"cpu":{"usage":1}}}`, recv(t, c))

	cpu.signal(t, "usage")
	require.JSONEq(t, `{"data":{"cpu":{"usage":2}}}`, recv(t, c))
}

func TestQuery_UnknownSourceAndExtension(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, []sdk.Module{newTestModule("cpu", "usage")})
	c := newTestClient("c")
	env.authenticate(t, c, "widget", session.Guest)
	ctx := context.Background()

	env.broker.Dispatch(ctx, c, targetFrame(t, v1.MethodQuery, "cpu", "temp"))
	requireError(t, c, "Failed to subscribe to extension cpu data temp")

	env.broker.Dispatch(ctx, c, targetFrame(t, v1.MethodQuery, "mem", "free"))
	requireError(t, c, "Unknown extension code mem")
}

func TestQuerySettings_AccessLevels(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, []sdk.Module{newTestModule("cpu", "usage"), newTestModule("mem", "free", "used")})
	ctx := context.Background()

	guest := newTestClient("guest")
	env.authenticate(t, guest, "widget", session.Guest)
	env.broker.Dispatch(ctx, guest, targetFrame(t, v1.MethodQuery, v1.TargetSettings, ""))
	requireError(t, guest, "Insufficient access for query target 'settings'")
	require.True(t, env.broker.Authenticated(guest.ID()))

	for _, level := range []session.AccessLevel{session.Settings, session.Admin} {
		c := newTestClient("c-" + level.String())
		env.authenticate(t, c, "ui", level)
		env.broker.Dispatch(ctx, c, targetFrame(t, v1.MethodQuery, v1.TargetSettings, ""))

		var got struct {
			Data struct {
				Settings v1.SettingsView `json:"settings"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(recv(t, c)), &got))
		view := got.Data.Settings
		require.Len(t, view.Extensions, env.registry.Len())
		require.Equal(t, "cpu", view.Extensions[0].Name)
		require.Equal(t, "mem", view.Extensions[1].Name)
		require.Len(t, view.Extensions[1].Rates, 2)
		require.Equal(t, 13337, view.General.DataPort)
		require.NotNil(t, view.Launcher)
	}
}

func TestQueryLauncher(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()
	entry := settings.LaunchEntry{File: "/usr/bin/htop", Arguments: "-d 10", StartPath: "/tmp"}
	require.NoError(t, env.settings.SetLauncher(ctx, "top", entry))

	c := newTestClient("c")
	env.authenticate(t, c, "widget", session.Guest)

	env.broker.Dispatch(ctx, c, targetFrame(t, v1.MethodQuery, v1.TargetLauncher, v1.LauncherGet))
	require.JSONEq(t,
		`{"data":{"launcher":{"top":{"file":"/usr/bin/htop","arguments":"-d 10","startpath":"/tmp"}}}}`,
		recv(t, c))

	env.broker.Dispatch(ctx, c, targetFrame(t, v1.MethodQuery, v1.TargetLauncher, "top"))
	requireNoFrame(t, c)
	require.Equal(t, []settings.LaunchEntry{entry}, env.launches())

	env.broker.Dispatch(ctx, c, targetFrame(t, v1.MethodQuery, v1.TargetLauncher, "nope"))
	requireError(t, c, "Launcher command nope not defined")
}

func TestNew_DuplicateHandlersRejected(t *testing.T) {
	t.Parallel()

	ledger, err := authcode.NewLedger()
	require.NoError(t, err)
	deps := func() Deps {
		return Deps{Ledger: ledger, Sessions: session.NewRegistry(), Extensions: extension.NewRegistry(discardLogger())}
	}
	noop := func(context.Context, *Client, json.RawMessage) error { return nil }
	noopTarget := Target{Handle: func(context.Context, *Client, session.Session, string) error { return nil }}

	_, err = New(discardLogger(), deps(), WithMethod(v1.MethodAuth, noop))
	require.ErrorIs(t, err, ErrDuplicateMethod)

	_, err = New(discardLogger(), deps(), WithMethod("ping", noop), WithMethod("ping", noop))
	require.ErrorIs(t, err, ErrDuplicateMethod)

	_, err = New(discardLogger(), deps(), WithTarget(v1.TargetSettings, noopTarget))
	require.ErrorIs(t, err, ErrDuplicateTarget)

	_, err = New(discardLogger(), deps(), WithMethod("ping", nil))
	require.ErrorIs(t, err, ErrNilHandler)
}

func TestNew_CustomTargetIsReserved(t *testing.T) {
	t.Parallel()

	called := make(chan string, 1)
	env := newTestEnv(t, nil, WithTarget("status", Target{
		MinLevel: session.Guest,
		Handle: func(_ context.Context, _ *Client, s session.Session, params string) error {
			called <- s.Identity + ":" + params
			return nil
		},
	}))

	err := env.registry.Register(context.Background(), "status.so", newTestModule("status", "x"))
	require.ErrorIs(t, err, extension.ErrReservedCode)

	c := newTestClient("c")
	env.authenticate(t, c, "widget", session.Guest)
	env.broker.Dispatch(context.Background(), c, targetFrame(t, v1.MethodQuery, "status", "now"))
	require.Equal(t, "widget:now", <-called)
}

func TestGraceExpired(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	unauth := newTestClient("unauth")
	require.True(t, env.broker.GraceExpired(unauth))
	requireError(t, unauth, "Unauthenticated client, disconnecting")

	authed := newTestClient("authed")
	env.authenticate(t, authed, "widget", session.Guest)
	require.False(t, env.broker.GraceExpired(authed))
	requireNoFrame(t, authed)
}

func TestDisconnect_DropsSessionAndSubscriptions(t *testing.T) {
	t.Parallel()

	cpu := newTestModule("cpu", "usage")
	mem := newTestModule("mem", "free")
	env := newTestEnv(t, []sdk.Module{cpu, mem})
	ctx := context.Background()

	c := newTestClient("c")
	env.authenticate(t, c, "widget", session.Guest)
	env.broker.Dispatch(ctx, c, targetFrame(t, v1.MethodSubscribe, "cpu", "usage"))
	env.broker.Dispatch(ctx, c, targetFrame(t, v1.MethodSubscribe, "mem", "free"))
	requireNoFrame(t, c)

	env.broker.Disconnect(c)
	require.False(t, env.broker.Authenticated(c.ID()))

	cpu.signal(t, "usage")
	mem.signal(t, "free")
	requireNoFrame(t, c)

	// Idempotent.
	env.broker.Disconnect(c)
}

func TestDispatch_AfterCloseLeavesNoTrace(t *testing.T) {
	t.Parallel()

	cpu := newTestModule("cpu", "usage")
	env := newTestEnv(t, []sdk.Module{cpu})
	ctx := context.Background()

	// A frame read just before teardown reaches Dispatch after the client closed.
	late := newTestClient("late")
	code, err := env.ledger.Issue("widget", session.Admin)
	require.NoError(t, err)
	late.Close()
	env.broker.Disconnect(late)
	env.broker.Dispatch(ctx, late, frame(t, v1.MethodAuth, map[string]string{"code": code.Token}))

	require.Zero(t, env.sessions.Len())
	_, ok := env.ledger.Consume(code.Token)
	require.True(t, ok, "code must not be burned by a closed connection")

	// An authenticated client closing mid-request must not gain a subscription.
	c := newTestClient("c")
	env.authenticate(t, c, "widget", session.Guest)
	c.Close()
	env.broker.Dispatch(ctx, c, targetFrame(t, v1.MethodSubscribe, "cpu", "usage"))
	env.broker.Disconnect(c)

	require.Zero(t, env.sessions.Len())
	cpu.signal(t, "usage")
	require.Zero(t, cpu.fetches("usage"))
}

func TestFanOut_FullQueueDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	cpu := newTestModule("cpu", "usage")
	env := newTestEnv(t, []sdk.Module{cpu})
	ctx := context.Background()

	stuck := NewClient("stuck", "test", 1)
	fast := newTestClient("fast")
	for _, c := range []*Client{stuck, fast} {
		env.authenticate(t, c, "widget", session.Guest)
		env.broker.Dispatch(ctx, c, targetFrame(t, v1.MethodSubscribe, "cpu", "usage"))
	}
	require.True(t, stuck.TrySend([]byte("filler")))

	start := time.Now()
	for range 3 {
		cpu.signal(t, "usage")
	}
	stuck.Close()
	env.broker.Disconnect(stuck)
	require.Less(t, time.Since(start), 500*time.Millisecond)

	for i := 1; i <= 3; i++ {
		require.JSONEq(t, fmt.Sprintf(`{"data":{"cpu":{"usage":%d}}}`, i), recv(t, fast))
	}
	requireNoFrame(t, fast)
}

func TestConcurrentSubscribers_OneDeliveryEach(t *testing.T) {
	t.Parallel()

	cpu := newTestModule("cpu", "usage")
	env := newTestEnv(t, []sdk.Module{cpu})
	ctx := context.Background()

	const n = 32
	clients := make([]*Client, n)
	for i := range n {
		clients[i] = newTestClient(fmt.Sprintf("c%02d", i))
		env.authenticate(t, clients[i], "widget", session.Guest)
	}

	sub := targetFrame(t, v1.MethodSubscribe, "cpu", "usage")
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			env.broker.Dispatch(ctx, c, sub)
		}(c)
	}
	wg.Wait()

	cpu.signal(t, "usage")

	for _, c := range clients {
		require.JSONEq(t, `{"data":{"cpu":{"usage":1}}}`, recv(t, c))
		requireNoFrame(t, c)
	}
}

func TestClient_SendAfterClose(t *testing.T) {
	t.Parallel()

	c := newTestClient("c")
	c.Close()
	c.Close()

	require.ErrorIs(t, c.Send(context.Background(), []byte("x")), ErrClientClosed)
	require.False(t, c.TrySend([]byte("x")))
}
