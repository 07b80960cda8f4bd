// Package agent implements the agent receive loop (C9): dial the hub,
// complete the id handshake, and demultiplex the same frame set the hub's
// session handler speaks, executing shell commands and file transfers
// locally. On a broken connection it reconnects with a fixed delay that
// backs off under repeated failure, capped at a configurable maximum.
package agent

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/relaymesh/fleetfabric/internal/config"
	"github.com/relaymesh/fleetfabric/internal/wire"
)

// Agent drives one outbound connection to the hub at a time, reconnecting
// for as long as Run's context stays alive.
type Agent struct {
	cfg    config.Agent
	logger *slog.Logger
}

// New builds an Agent from cfg.
func New(cfg config.Agent, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{cfg: cfg, logger: logger}
}

// Run dials the hub and serves frames until ctx is canceled. A connection
// drop (other than an explicit KICK) triggers a reconnect after a backoff
// delay; ctx cancellation stops the loop entirely.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.cfg.ReconnectDelay

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := a.dial(ctx)
		if err != nil {
			a.logger.Warn("dial failed", "hub_addr", a.cfg.HubAddr, "error", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, a.cfg.MaxBackoff)
			continue
		}

		backoff = a.cfg.ReconnectDelay
		a.logger.Info("connected to hub", "hub_addr", a.cfg.HubAddr, "id", a.cfg.ID)

		sess := newAgentSession(a, conn)
		kicked := sess.serve(ctx)
		_ = conn.Close()
		if kicked {
			a.logger.Info("kicked by hub, not reconnecting")
			return nil
		}

		a.logger.Warn("disconnected from hub, reconnecting", "retry_in", a.cfg.ReconnectDelay)
		if !sleepCtx(ctx, a.cfg.ReconnectDelay) {
			return ctx.Err()
		}
	}
}

func (a *Agent) dial(ctx context.Context) (*wire.Conn, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	raw, err := d.DialContext(ctx, "tcp", a.cfg.HubAddr)
	if err != nil {
		return nil, err
	}
	conn := wire.New(raw, 0, 0)
	if err := conn.WriteLine(a.cfg.ID); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

func nextBackoff(current, max time.Duration) time.Duration {
	if current <= 0 {
		return max
	}
	next := current * 2
	if max > 0 && next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
