package broker

import (
	"context"
	"strings"

	"lumen/cmd/internal/session"
	v1 "lumen/shared/contracts/broker/v1"
)

func (b *Broker) targetSettings(ctx context.Context, c *Client, _ session.Session, _ string) error {
	view, err := b.SettingsView(ctx)
	if err != nil {
		return err
	}
	frame, err := v1.EncodeData(v1.TargetSettings, view)
	if err != nil {
		return err
	}
	return b.send(ctx, c, frame)
}

// targetLauncher returns the launcher table for "get" and otherwise starts the named entry.
func (b *Broker) targetLauncher(ctx context.Context, c *Client, s session.Session, params string) error {
	name := strings.TrimSpace(params)

	if name == v1.LauncherGet {
		view, err := b.SettingsView(ctx)
		if err != nil {
			return err
		}
		frame, err := v1.EncodeData(v1.TargetLauncher, view.Launcher)
		if err != nil {
			return err
		}
		return b.send(ctx, c, frame)
	}

	if b.settings == nil || b.launcher == nil {
		return replyf("Launcher command %s not defined", name)
	}

	entry, ok, err := b.settings.Launcher(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		b.log.Info("broker.launcher.unknown", "conn_id", c.ID(), "name", name)
		return replyf("Launcher command %s not defined", name)
	}

	b.log.Info("broker.launcher.run", "conn_id", c.ID(), "identity", s.Identity, "name", name)
	if err := b.launcher.Launch(ctx, entry); err != nil {
		b.log.Warn("broker.launcher.fail", "name", name, "err", err)
		return replyf("Failed to launch %s", name)
	}
	return nil
}
