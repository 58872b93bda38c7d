package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"lumen/cmd/internal/ids"
	"lumen/cmd/internal/metrics"
	v1 "lumen/shared/contracts/broker/v1"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// GatewayConfig tunes the data socket. Zero values pick defaults.
type GatewayConfig struct {
	// AllowedOrigins restricts browser origins. Empty allows any origin; widgets are local.
	AllowedOrigins []string

	SendQueueSize    int
	WriteTimeout     time.Duration
	ReadIdleTimeout  time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	// AuthGrace is how long a connection may stay unauthenticated.
	AuthGrace time.Duration

	// RateEvents requests are allowed per RateWindow, with the same burst.
	RateEvents int
	RateWindow time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdle
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.AuthGrace <= 0 {
		c.AuthGrace = DefaultAuthGrace
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// Gateway is the WebSocket entrypoint of the data socket.
//
// It enforces origin policy, rate limits, heartbeats and the auth grace window, and
// hands every frame to the Broker.
type Gateway struct {
	log     *slog.Logger
	broker  *Broker
	metrics *metrics.Metrics
	cfg     GatewayConfig

	// Derived for websocket.Accept origin checks.
	originPatterns []string
}

func NewGateway(log *slog.Logger, b *Broker, m *metrics.Metrics, cfg GatewayConfig) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		log:            log,
		broker:         b,
		metrics:        m,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and runs the connection until either side closes it.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := enforceOrigin(r, g.cfg.AllowedOrigins); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: len(g.cfg.AllowedOrigins) == 0,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err, "remote", r.RemoteAddr)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(ids.MustULID(), r.RemoteAddr, g.cfg.SendQueueSize)
	log := g.log.With("conn_id", client.ID())

	g.metrics.ConnOpened()
	defer g.metrics.ConnClosed()
	log.Info("ws.open", "remote", r.RemoteAddr, "subprotocol", conn.Subprotocol())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent and may run on any of the three goroutines. It closes the
	// client first so pending sends fail fast, then wakes the read loop, which owns
	// Disconnect.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			log.Info("ws.close", "code", code.String(), "reason", reason)
		})
	}

	// closeReq asks the writer to flush what is queued and then close. Only the writer
	// touches the socket for writes.
	closeReq := make(chan closeRequest, 1)
	requestClose := func(code websocket.StatusCode, reason string) {
		select {
		case closeReq <- closeRequest{code: code, reason: reason}:
		default:
		}
	}

	client.startGrace(g.cfg.AuthGrace, func() {
		if g.broker.GraceExpired(client) {
			requestClose(websocket.StatusNormalClosure, "Unauthenticated client")
		}
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case req := <-closeReq:
				g.flush(ctx, conn, client)
				shutdown(req.code, req.reason)
				return
			case frame := <-client.Queue():
				if err := writeFrame(ctx, conn, frame, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := rate.NewLimiter(rate.Every(g.cfg.RateWindow/time.Duration(g.cfg.RateEvents)), g.cfg.RateEvents)
	limited := false

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		data, err := readFrame(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if limited || !rl.Allow() {
			if !limited {
				limited = true
				log.Info("ws.rate_limited")
				g.broker.trySend(client, v1.EncodeError("Too many requests"))
				requestClose(websocket.StatusPolicyViolation, "rate limited")
			}
			continue readLoop
		}

		g.broker.Dispatch(ctx, client, data)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	g.broker.Disconnect(client)
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

type closeRequest struct {
	code   websocket.StatusCode
	reason string
}

// flush writes whatever is queued right now. Used before a server-initiated close.
func (g *Gateway) flush(ctx context.Context, conn *websocket.Conn, c *Client) {
	for {
		select {
		case frame := <-c.Queue():
			if err := writeFrame(ctx, conn, frame, g.cfg.WriteTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ---- frame IO ----

// readFrame accepts text and binary frames alike; both carry a JSON request.
func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	_, data, err := conn.Read(ctx)
	return data, err
}

func writeFrame(parent context.Context, conn *websocket.Conn, frame []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
