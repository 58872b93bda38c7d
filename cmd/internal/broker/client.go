package broker

import (
	"context"
	"sync"
	"time"
)

// Client is one connected widget.
//
// The queue is never closed by the server, so fan-out from extension dispatchers cannot
// panic on a torn-down connection; done tells producers and the writer to stop.
type Client struct {
	id     string
	remote string
	queue  chan []byte

	done      chan struct{}
	closeOnce sync.Once

	graceMu sync.Mutex
	grace   *time.Timer
}

func NewClient(id, remote string, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &Client{
		id:     id,
		remote: remote,
		queue:  make(chan []byte, queueSize),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) Remote() string { return c.remote }

// Queue is drained by the connection's writer.
func (c *Client) Queue() <-chan []byte { return c.queue }

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Send queues frame, waiting for room until ctx is done.
func (c *Client) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.queue <- frame:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend queues frame only if there is room right now.
func (c *Client) TrySend(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.queue <- frame:
		return true
	default:
		return false
	}
}

// Close is idempotent. It stops the grace timer but does not close the queue.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.StopGrace()
		close(c.done)
	})
}

// startGrace arms fn to run after d unless StopGrace is called first.
func (c *Client) startGrace(d time.Duration, fn func()) {
	c.graceMu.Lock()
	defer c.graceMu.Unlock()

	if c.grace != nil {
		c.grace.Stop()
	}
	c.grace = time.AfterFunc(d, fn)
}

// StopGrace cancels the pending grace timer, if any.
func (c *Client) StopGrace() {
	c.graceMu.Lock()
	defer c.graceMu.Unlock()

	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
}
