package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipvm/internal/client"
	"go.klb.dev/clipvm/internal/control"
	"go.klb.dev/clipvm/internal/session"
)

func testCmd(t *testing.T, args ...string) (*cobra.Command, *viper.Viper) {
	t.Helper()
	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	cmd.Flags().Bool("backoff", false, "")
	cmd.Flags().Duration("reconnect-delay", client.DefaultReconnectDelay, "")
	cmd.Flags().Duration("max-reconnect-delay", 30*time.Second, "")
	addEndpointFlags(cmd, "guest")
	addConfigFlag(cmd)
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	v := viper.New()
	if err := bindViper(cmd, v); err != nil {
		t.Fatalf("bindViper: %v", err)
	}
	return cmd, v
}

func TestEndpointDefaults(t *testing.T) {
	_, v := testCmd(t, "--config", writeConfig(t, ""))
	cfg, err := readEndpointConfig("guest", v)
	if err != nil {
		t.Fatalf("readEndpointConfig: %v", err)
	}
	if cfg.poll != 500*time.Millisecond || cfg.keepalive != 15*time.Second || cfg.idleTimeout != 45*time.Second {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestEnvAndConfigPrecedence(t *testing.T) {
	path := writeConfig(t, "keepalive = \"5s\"\npoll-interval = \"2s\"\n")
	t.Setenv("CLIPVM_POLL_INTERVAL", "250ms")

	_, v := testCmd(t, "--config", path, "--idle-timeout", "1m")
	cfg, err := readEndpointConfig("guest", v)
	if err != nil {
		t.Fatalf("readEndpointConfig: %v", err)
	}
	if cfg.keepalive != 5*time.Second {
		t.Errorf("keepalive from file = %s", cfg.keepalive)
	}
	if cfg.poll != 250*time.Millisecond {
		t.Errorf("poll from env = %s", cfg.poll)
	}
	if cfg.idleTimeout != time.Minute {
		t.Errorf("idle-timeout from flag = %s", cfg.idleTimeout)
	}
}

func TestInvalidPollInterval(t *testing.T) {
	_, v := testCmd(t, "--config", writeConfig(t, ""), "--poll-interval", "0s")
	if _, err := readEndpointConfig("guest", v); err == nil {
		t.Fatal("zero poll interval accepted")
	}
}

func TestReconnectPolicy(t *testing.T) {
	_, v := testCmd(t, "--config", writeConfig(t, ""))
	d, err := reconnectPolicy(v)
	if err != nil {
		t.Fatal(err)
	}
	if f, ok := d.(client.Fixed); !ok || time.Duration(f) != 2*time.Second {
		t.Errorf("default policy = %#v", d)
	}

	_, v = testCmd(t, "--config", writeConfig(t, ""), "--backoff", "--reconnect-delay", "1s", "--max-reconnect-delay", "10s")
	d, err = reconnectPolicy(v)
	if err != nil {
		t.Fatal(err)
	}
	b, ok := d.(*client.Backoff)
	if !ok || b.Min != time.Second || b.Max != 10*time.Second {
		t.Errorf("backoff policy = %#v", d)
	}
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, statusReport{
		Socket: "/run/clipvm-host.sock",
		Status: control.Status{
			Role:    "host",
			Version: "dev",
			Backend: "memory",
			Endpoint: session.Status{
				State:    "connected",
				Addr:     "vsock://:52525",
				Rejected: 1,
				Peer:     &session.Info{ID: "0b1c", Remote: "vm(3):1027", ConnectedAt: time.Now(), LastSeen: time.Now(), Sent: 4, Received: 9},
			},
		},
	})
	out := buf.String()
	for _, want := range []string{"host", "vsock://:52525", "connected", "Rejected:", "0b1c", "vm(3):1027"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

// writeConfig writes a TOML config so tests never read the machine's own.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clipvm.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
