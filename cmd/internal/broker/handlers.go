package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"lumen/cmd/internal/extension"
	"lumen/cmd/internal/session"
	v1 "lumen/shared/contracts/broker/v1"
)

func (b *Broker) handleAuth(_ context.Context, c *Client, raw json.RawMessage) error {
	if b.Authenticated(c.ID()) {
		b.metrics.Auth("duplicate")
		return replyf("Client already authenticated.")
	}

	p, err := v1.DecodeAuthParams(raw)
	if err != nil {
		b.metrics.Auth("bad_params")
		return invalidParams(v1.MethodAuth)
	}

	grant, ok := b.ledger.Consume(p.Code)
	if !ok {
		b.metrics.Auth("invalid")
		b.log.Info("broker.auth.reject", "conn_id", c.ID(), "remote", c.Remote())
		return replyf("Invalid authentication code")
	}

	s, err := b.sessions.Authenticate(c.ID(), grant.Identity, grant.Level)
	if errors.Is(err, session.ErrAlreadyAuthenticated) {
		b.metrics.Auth("duplicate")
		return replyf("Client already authenticated.")
	}
	if err != nil {
		return err
	}

	c.StopGrace()
	b.metrics.Auth("ok")
	b.log.Info("broker.auth.ok", "conn_id", c.ID(), "identity", s.Identity, "access", s.Level.String())
	return nil
}

func (b *Broker) handleSubscribe(_ context.Context, c *Client, raw json.RawMessage) error {
	p, err := v1.DecodeTargetParams(raw)
	if err != nil {
		return invalidParams(v1.MethodSubscribe)
	}
	s, ok := b.sessions.Lookup(c.ID())
	if !ok {
		return replyf("Unauthenticated client")
	}

	sources := p.Sources()
	ds, ok := b.exts.Get(p.Target)
	if !ok {
		return unknownExtension(p.Target, sources)
	}

	sub := extension.Subscriber{Conn: c, Identity: s.Identity}
	var errs []error
	for _, src := range sources {
		if err := b.subscribe(ds, src, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Broker) handleQuery(ctx context.Context, c *Client, raw json.RawMessage) error {
	p, err := v1.DecodeTargetParams(raw)
	if err != nil {
		return invalidParams(v1.MethodQuery)
	}
	s, ok := b.sessions.Lookup(c.ID())
	if !ok {
		return replyf("Unauthenticated client")
	}

	if t, ok := b.targets[p.Target]; ok {
		if !s.Level.Allows(t.MinLevel) {
			return replyf("Insufficient access for query target '%s'", p.Target)
		}
		return t.Handle(ctx, c, s, p.Params)
	}

	sources := p.Sources()
	ds, ok := b.exts.Get(p.Target)
	if !ok {
		return unknownExtension(p.Target, sources)
	}

	// The caller stays subscribed after the poll.
	sub := extension.Subscriber{Conn: c, Identity: s.Identity}
	var errs []error
	for _, src := range sources {
		if err := b.subscribe(ds, src, sub); err != nil {
			errs = append(errs, err)
			continue
		}
		b.poll(ctx, c, ds, src, sub)
	}
	return errors.Join(errs...)
}

// handleMutate accepts the frame and does nothing. There is no write path yet.
func (b *Broker) handleMutate(_ context.Context, c *Client, raw json.RawMessage) error {
	b.log.Debug("broker.mutate.ignored", "conn_id", c.ID(), "bytes", len(raw))
	return nil
}

func (b *Broker) subscribe(ds extension.DataSource, src string, sub extension.Subscriber) error {
	if err := ds.AddSubscriber(src, sub); err != nil {
		b.log.Info("broker.subscribe.fail",
			"conn_id", sub.Conn.ID(),
			"identity", sub.Identity,
			"ext", ds.Code(),
			"source", src,
			"err", err,
		)
		return replyf("Failed to subscribe to extension %s data %s", ds.Code(), src)
	}
	b.log.Info("broker.subscribe",
		"conn_id", sub.Conn.ID(),
		"identity", sub.Identity,
		"ext", ds.Code(),
		"source", src,
	)
	return nil
}

// poll fetches src for the caller off the read loop, bounded per extension.
func (b *Broker) poll(ctx context.Context, c *Client, ds extension.DataSource, src string, sub extension.Subscriber) {
	sem := b.pollSemaphore(ds.Code())

	b.pollInFlight.Add(1)
	go func() {
		defer b.pollInFlight.Done()

		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer sem.Release(1)

		err := ds.PollAndSendData(ctx, src, sub)
		if err == nil || ctx.Err() != nil || errors.Is(err, ErrClientClosed) {
			return
		}
		b.log.Warn("broker.poll.fail", "conn_id", c.ID(), "ext", ds.Code(), "source", src, "err", err)
		b.trySend(c, v1.EncodeError(fmt.Sprintf("Failed to poll extension %s data %s", ds.Code(), src)))
	}()
}
