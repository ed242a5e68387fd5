package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipvm/internal/dispatch"
	"go.klb.dev/clipvm/internal/listener"
	"go.klb.dev/clipvm/internal/transport"
)

func newHostCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Accept a guest and sync the local clipboard with it",
		Long: `Listens for a clipvm guest and keeps the local clipboard in sync with it.
Exactly one guest is served at a time; a second connection is closed as
soon as it is accepted. When the guest goes away the host waits for the
next one.

Precedence (lowest → highest): defaults → config file → CLIPVM_* env vars → flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runHost(v) },
	}

	cmd.Flags().String("addr", transport.DefaultHostAddr(), "listen address: vsock://[cid]:port, tcp://host:port or unix:///path")
	addEndpointFlags(cmd, "host")
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func runHost(v *viper.Viper) error {
	setupLogging(v)

	cfg, err := readEndpointConfig("host", v)
	if err != nil {
		return err
	}
	addr, err := transport.Parse(v.GetString("addr"))
	if err != nil {
		return err
	}

	reg, m := newMetrics()
	backend := newBackend(cfg.headless)
	defer backend.Close()

	slog.Info("clipvm host starting",
		"version", Version,
		"addr", addr,
		"backend", backend.Name(),
		"poll_interval", cfg.poll,
	)

	ln, err := transport.Listen(addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	l := listener.New(ln,
		listener.WithMetrics(m),
		listener.WithSessionOptions(cfg.sessionOptions()),
	)
	d := dispatch.New(backend, l, dispatch.WithMetrics(m))

	ctx, stop := signalContext()
	defer stop()

	l.Start(ctx)
	defer l.Stop()

	return serve(ctx, cfg, l, backend, d, reg)
}
