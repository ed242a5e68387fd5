package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"go.klb.dev/clipvm/internal/clip"
	"go.klb.dev/clipvm/internal/control"
	"go.klb.dev/clipvm/internal/dispatch"
	"go.klb.dev/clipvm/internal/ipc"
	"go.klb.dev/clipvm/internal/session"
)

const (
	defaultKeepalive   = 15 * time.Second
	defaultIdleTimeout = 45 * time.Second
)

// endpoint is the part of a Client or Listener the runner drives.
type endpoint interface {
	dispatch.Sender
	Events() <-chan session.Event
	Snapshot() session.Status
}

// endpointConfig holds the settings host and guest share.
type endpointConfig struct {
	role        string
	poll        time.Duration
	keepalive   time.Duration
	idleTimeout time.Duration
	control     string
	headless    bool
}

func addEndpointFlags(cmd *cobra.Command, role string) {
	f := cmd.Flags()
	f.Duration("poll-interval", dispatch.DefaultPollInterval, "how often the local clipboard is checked for changes")
	f.Duration("keepalive", defaultKeepalive, "interval between keepalive pings (0 disables)")
	f.Duration("idle-timeout", defaultIdleTimeout, "drop the peer after this long without a frame (0 disables)")
	f.String("control", ipc.SocketPath(role), "control socket path for status and metrics (empty disables)")
	f.Bool("headless", false, "use an in-memory clipboard instead of the system clipboard")
}

func readEndpointConfig(role string, v *viper.Viper) (endpointConfig, error) {
	c := endpointConfig{
		role:        role,
		poll:        v.GetDuration("poll-interval"),
		keepalive:   v.GetDuration("keepalive"),
		idleTimeout: v.GetDuration("idle-timeout"),
		control:     v.GetString("control"),
		headless:    v.GetBool("headless"),
	}
	if c.poll <= 0 {
		return c, fmt.Errorf("poll-interval must be positive, got %s", c.poll)
	}
	if c.keepalive < 0 || c.idleTimeout < 0 {
		return c, errors.New("keepalive and idle-timeout must not be negative")
	}
	if c.idleTimeout > 0 && c.keepalive >= c.idleTimeout {
		slog.Warn("keepalive is not shorter than idle-timeout; an idle peer will be dropped",
			"keepalive", c.keepalive, "idle_timeout", c.idleTimeout)
	}
	return c, nil
}

func (c endpointConfig) sessionOptions() session.Options {
	return session.Options{IdleTimeout: c.idleTimeout}
}

// serve runs the dispatcher and, if configured, the control surface until
// ctx is done.
func serve(ctx context.Context, c endpointConfig, ep endpoint, backend clip.Backend, d *dispatch.Dispatcher, reg prometheus.Gatherer) error {
	g, gctx := errgroup.WithContext(ctx)

	if c.control != "" {
		if err := startControl(gctx, g, c, ep, backend, reg); err != nil {
			slog.Warn("control socket unavailable", "path", c.control, "err", err)
		}
	}

	poll := time.NewTicker(c.poll)
	defer poll.Stop()
	var keepalive <-chan time.Time
	if c.keepalive > 0 {
		t := time.NewTicker(c.keepalive)
		defer t.Stop()
		keepalive = t.C
	}

	g.Go(func() error {
		err := d.Run(gctx, ep.Events(), dispatch.Ticks{Poll: poll.C, Keepalive: keepalive})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func startControl(ctx context.Context, g *errgroup.Group, c endpointConfig, ep endpoint, backend clip.Backend, reg prometheus.Gatherer) error {
	ln, err := ipc.Listen(c.control)
	if err != nil {
		return err
	}
	started := time.Now()
	srv, err := control.New(ln, func() control.Status {
		return control.Status{
			Role:     c.role,
			Version:  Version,
			Backend:  backend.Name(),
			Started:  started,
			Endpoint: ep.Snapshot(),
		}
	}, reg, slog.Default())
	if err != nil {
		_ = ln.Close()
		return err
	}
	runControl(ctx, g, c.control, srv.Serve)
	return nil
}

// runControl runs serve in g. A control surface failure is logged and never
// becomes the group's error, so clipboard sync keeps running without it.
func runControl(ctx context.Context, g *errgroup.Group, path string, serve func(context.Context) error) {
	g.Go(func() error {
		if err := serve(ctx); err != nil {
			slog.Error("control surface failed, clipboard sync continues", "path", path, "err", err)
		}
		return nil
	})
}
