// Command clock is a sample lumen extension.
//
// Build it as a plugin and drop the .so into the broker's extensions directory:
//
//	go build -buildmode=plugin -o extensions/clock.so ./extensions/clock
package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	sdk "lumen/shared/extension"
)

func main() {}

// NewModule is looked up by the broker when the plugin is opened.
func NewModule() sdk.Module {
	return newClock(time.Now)
}

type clock struct {
	now     func() time.Time
	started time.Time

	mu     sync.Mutex
	format string
	tick   time.Duration
	ticks  int
	host   sdk.Host
	stop   chan struct{}
	done   chan struct{}
}

func newClock(now func() time.Time) *clock {
	return &clock{now: now, started: now(), format: "rfc3339", tick: 5 * time.Second}
}

func (c *clock) Info() sdk.Info {
	return sdk.Info{
		Code:        "clock",
		Name:        "Clock",
		Version:     "1.0.0",
		Author:      "lumen",
		Description: "Wall clock, uptime and a module driven tick counter.",
	}
}

func (c *clock) Sources() []sdk.Source {
	return []sdk.Source{
		{Name: "now", Refresh: time.Second},
		{Name: "uptime", Refresh: -1},
		{Name: "tick"},
	}
}

func (c *clock) Settings() *sdk.Schema {
	return sdk.NewSchema().
		Selection("format", "Timestamp format of the now source", "rfc3339",
			sdk.Option{Name: "RFC 3339", Value: "rfc3339"},
			sdk.Option{Name: "Unix seconds", Value: "unix"},
			sdk.Option{Name: "Kitchen", Value: "kitchen"},
		).
		Int("tick_seconds", "Seconds between tick signals", 1, 3600, 1, 5)
}

func (c *clock) ApplySettings(v sdk.Values) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f := v.String("format"); f != "" {
		c.format = f
	}
	if s := v.Int("tick_seconds"); s > 0 {
		c.tick = time.Duration(s) * time.Second
	}
	return nil
}

func (c *clock) Init(host sdk.Host) error {
	c.mu.Lock()
	c.host = host
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run()
	return nil
}

// run signals "tick" on the configured interval. The interval is re-read after every tick.
func (c *clock) run() {
	defer close(c.done)

	for {
		c.mu.Lock()
		d := c.tick
		c.mu.Unlock()

		t := time.NewTimer(d)
		select {
		case <-c.stop:
			t.Stop()
			return
		case <-t.C:
		}

		c.mu.Lock()
		c.ticks++
		host := c.host
		c.mu.Unlock()
		host.SignalDataReady("tick")
	}
}

func (c *clock) Data(_ context.Context, source string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch source {
	case "now":
		t := c.now()
		switch c.format {
		case "unix":
			return t.Unix(), nil
		case "kitchen":
			return t.Format(time.Kitchen), nil
		default:
			return t.Format(time.RFC3339), nil
		}
	case "uptime":
		return int64(c.now().Sub(c.started) / time.Second), nil
	case "tick":
		return c.ticks, nil
	}
	return nil, fmt.Errorf("%w: %s", sdk.ErrUnknownSource, source)
}

func (c *clock) Shutdown() error {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop = nil
	c.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}
