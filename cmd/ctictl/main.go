// Command ctictl is a small operator CLI over the statusapi introspection
// socket: list live Apps, for diagnosing a tool's
// CTI session without instrumenting the tool itself.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fvbommel/sortorder"
	colorable "github.com/mattn/go-colorable"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v2"

	"github.com/common-tools-interface/cti-sub002/internal/cti/statusapi"
)

var (
	socketPath string
	outputFmt  string
)

func main() {
	root := &cobra.Command{
		Use:   "ctictl",
		Short: "Inspect live CTI Apps",
	}

	root.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath(), "path to the statusapi unix socket")
	root.PersistentFlags().StringVar(&outputFmt, "format", "table", "output format: table, json, or yaml")

	root.AddCommand(newListCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultSocketPath() string {
	if v := os.Getenv("CTI_STATUS_SOCKET"); v != "" {
		return v
	}

	return "/tmp/cti-status.sock"
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live Apps tracked by a running Frontend",
		RunE: func(cmd *cobra.Command, args []string) error {
			apps, err := fetchApps(cmd.Context(), socketPath)
			if err != nil {
				return err
			}

			return render(apps, outputFmt)
		},
	}

	cmd.Flags().SortFlags = false

	return cmd
}

func fetchApps(ctx context.Context, socket string) ([]statusapi.AppSummary, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		},
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/apps", nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot reach statusapi at %s: %w", socket, err)
	}
	defer resp.Body.Close()

	var apps []statusapi.AppSummary
	if err := json.NewDecoder(resp.Body).Decode(&apps); err != nil {
		return nil, err
	}

	return apps, nil
}

func render(apps []statusapi.AppSummary, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(apps)

	case "yaml":
		out, err := yaml.Marshal(apps)
		if err != nil {
			return err
		}

		_, err = os.Stdout.Write(out)
		return err

	default:
		return renderTable(apps)
	}
}

func renderTable(apps []statusapi.AppSummary) error {
	out := os.Stdout

	w := io.Writer(out)
	if term.IsTerminal(int(out.Fd())) {
		w = colorable.NewColorable(out)
	}

	table := tablewriter.NewTable(w)
	table.Header([]string{"HANDLE", "JOB ID", "PES", "HOSTS", "RUNNING"})

	for _, a := range apps {
		hosts := append([]string(nil), a.Hostnames...)
		sort.Sort(sortorder.Natural(hosts))

		table.Append([]string{
			fmt.Sprintf("%d", a.Handle),
			a.JobID,
			fmt.Sprintf("%d", a.NumPEs),
			strings.Join(hosts, ","),
			fmt.Sprintf("%t", a.Running),
		})
	}

	return table.Render()
}
