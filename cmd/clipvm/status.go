package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/protobuf/encoding/protojson"

	"go.klb.dev/clipvm/internal/control"
	"go.klb.dev/clipvm/internal/ipc"
	"go.klb.dev/clipvm/internal/session"
)

const statusTimeout = 3 * time.Second

func newStatusCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of running clipvm endpoints",
		Long: `Queries the control socket of a running host or guest and prints its
connection state and peer.

Without --socket or --role, both the host and the guest socket are probed.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runStatus(cmd.Context(), v) },
	}

	f := cmd.Flags()
	f.String("socket", "", "control socket path (overrides --role)")
	f.String("role", "", "endpoint to query: host|guest (default: both)")
	f.Bool("json", false, "output raw JSON")
	addConfigFlag(cmd)

	return cmd
}

// statusReport is one endpoint's --json output.
type statusReport struct {
	Socket string          `json:"socket"`
	Health json.RawMessage `json:"health,omitempty"`
	Status control.Status  `json:"status"`
}

func statusSockets(v *viper.Viper) []string {
	if s := v.GetString("socket"); s != "" {
		return []string{s}
	}
	if r := v.GetString("role"); r != "" {
		return []string{ipc.SocketPath(r)}
	}
	return []string{ipc.SocketPath("host"), ipc.SocketPath("guest")}
}

func runStatus(ctx context.Context, v *viper.Viper) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var reports []statusReport
	var probed []string
	for _, path := range statusSockets(v) {
		probed = append(probed, path)
		if !ipc.IsRunning(path) {
			continue
		}
		r, err := queryStatus(ctx, path)
		if err != nil {
			return err
		}
		reports = append(reports, r)
	}
	if len(reports) == 0 {
		return fmt.Errorf("no running clipvm endpoint (tried %v)", probed)
	}

	if v.GetBool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}
	for i, r := range reports {
		if i > 0 {
			fmt.Println()
		}
		printStatus(os.Stdout, r)
	}
	return nil
}

func queryStatus(ctx context.Context, path string) (statusReport, error) {
	r := statusReport{Socket: path}
	c, err := control.NewClient(func(ctx context.Context) (net.Conn, error) { return ipc.Dial(ctx, path) })
	if err != nil {
		return r, err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	if r.Status, err = c.Status(ctx); err != nil {
		return r, err
	}
	if hc, err := c.Health(ctx); err == nil {
		r.Health, _ = protojson.Marshal(hc)
	}
	return r, nil
}

func printStatus(out io.Writer, r statusReport) {
	st := r.Status
	w := tabwriter.NewWriter(out, 1, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Role:\t%s\n", st.Role)
	fmt.Fprintf(w, "Version:\t%s\n", st.Version)
	fmt.Fprintf(w, "Socket:\t%s\n", r.Socket)
	fmt.Fprintf(w, "Backend:\t%s\n", st.Backend)
	if !st.Started.IsZero() {
		fmt.Fprintf(w, "Up since:\t%s (%s)\n", st.Started.UTC().Format(time.RFC3339), fmtAge(st.Started))
	}
	ep := st.Endpoint
	fmt.Fprintf(w, "Address:\t%s\n", ep.Addr)
	fmt.Fprintf(w, "State:\t%s\n", ep.State)
	if ep.Attempts > 0 {
		fmt.Fprintf(w, "Attempts:\t%d\n", ep.Attempts)
	}
	if ep.Rejected > 0 {
		fmt.Fprintf(w, "Rejected:\t%d\n", ep.Rejected)
	}
	if ep.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", ep.LastError)
	}
	fmt.Fprintln(w)
	_ = w.Flush()

	if ep.Peer == nil {
		fmt.Fprintln(out, "No peer connected.")
		return
	}
	printPeer(out, ep.Peer)
}

func printPeer(out io.Writer, p *session.Info) {
	tw := tabwriter.NewWriter(out, 1, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "SESSION\tREMOTE\tCONNECTED\tLAST SEEN\tSENT\tRECEIVED\n")
	_, _ = fmt.Fprintf(tw, "-------\t------\t---------\t---------\t----\t--------\n")
	_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
		p.ID, p.Remote, fmtAge(p.ConnectedAt), fmtAge(p.LastSeen), p.Sent, p.Received,
	)
	_ = tw.Flush()
}

func fmtAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	age := time.Since(t).Round(time.Second)
	if age < time.Minute {
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	}
	if age < time.Hour {
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	}
	return t.Format("15:04:05")
}
