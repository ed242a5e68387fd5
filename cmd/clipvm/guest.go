package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipvm/internal/client"
	"go.klb.dev/clipvm/internal/dispatch"
	"go.klb.dev/clipvm/internal/transport"
)

const dialTimeout = 10 * time.Second

func newGuestCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "guest",
		Short: "Connect to the host and sync the local clipboard with it",
		Long: `Dials the clipvm host and keeps the local clipboard in sync with it.
Reconnects after every disconnect, by default every 2s. With --backoff the
delay doubles up to --max-reconnect-delay.

Precedence (lowest → highest): defaults → config file → CLIPVM_* env vars → flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runGuest(v) },
	}

	f := cmd.Flags()
	f.String("addr", transport.DefaultGuestAddr(), "host address: vsock://cid:port, tcp://host:port or unix:///path")
	f.Duration("reconnect-delay", client.DefaultReconnectDelay, "wait between connection attempts")
	f.Bool("backoff", false, "grow the reconnect delay exponentially with jitter")
	f.Duration("max-reconnect-delay", 30*time.Second, "upper bound for --backoff")
	f.Bool("sync-on-connect", true, "request the host clipboard after every connect")
	addEndpointFlags(cmd, "guest")
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func reconnectPolicy(v *viper.Viper) (client.Delay, error) {
	d := v.GetDuration("reconnect-delay")
	if d <= 0 {
		return nil, errors.New("reconnect-delay must be positive")
	}
	if !v.GetBool("backoff") {
		return client.Fixed(d), nil
	}
	limit := v.GetDuration("max-reconnect-delay")
	if limit < d {
		limit = d
	}
	return client.NewBackoff(d, limit), nil
}

func runGuest(v *viper.Viper) error {
	setupLogging(v)

	cfg, err := readEndpointConfig("guest", v)
	if err != nil {
		return err
	}
	addr, err := transport.Parse(v.GetString("addr"))
	if err != nil {
		return err
	}
	if addr.AnyCID {
		return errors.New("guest needs a host CID in --addr, e.g. vsock://2:52525")
	}
	delay, err := reconnectPolicy(v)
	if err != nil {
		return err
	}

	reg, m := newMetrics()
	backend := newBackend(cfg.headless)
	defer backend.Close()

	slog.Info("clipvm guest starting",
		"version", Version,
		"addr", addr,
		"backend", backend.Name(),
		"sync_on_connect", v.GetBool("sync-on-connect"),
	)

	dial := func(ctx context.Context) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		return transport.Dial(ctx, addr)
	}
	c := client.New(addr.String(), dial,
		client.WithDelay(delay),
		client.WithMetrics(m),
		client.WithSessionOptions(cfg.sessionOptions()),
	)
	d := dispatch.New(backend, c,
		dispatch.WithMetrics(m),
		dispatch.WithRequestOnConnect(v.GetBool("sync-on-connect")),
	)

	ctx, stop := signalContext()
	defer stop()

	c.Connect()
	defer c.Disconnect()

	return serve(ctx, cfg, c, backend, d, reg)
}
