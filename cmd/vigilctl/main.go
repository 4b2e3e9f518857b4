// Package main is vigilctl, the IPC client for a running vigil engine.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/mberan/vigil/internal/ipc"
)

var (
	socketPath string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "vigilctl",
		Short:         "Control a running vigil engine over its local socket",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", defaultSocket(), "path to the engine's unix socket")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-command timeout")

	root.AddCommand(
		statusCmd(),
		statsCmd(),
		regimeCmd(),
		checkCmd(),
		ackCmd(),
		reloadCmd(),
		shutdownCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultSocket() string {
	dataDir := os.Getenv("VIGIL_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	return filepath.Join(dataDir, "vigil.sock")
}

// send runs one command and unwraps error replies.
func send(cmdType string, data map[string]interface{}) (*ipc.Reply, error) {
	client := ipc.NewClient(socketPath, timeout)
	reply, err := client.Send(cmdType, data)
	if err != nil {
		return nil, err
	}
	if reply.Status == ipc.StatusError {
		return nil, fmt.Errorf("%s", reply.Error)
	}
	return reply, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine status and thread health",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := send(ipc.CmdGetStatus, nil)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.SetTitle("ENGINE")
			t.SetStyle(table.StyleRounded)
			t.AppendRows([]table.Row{
				{"Uptime", formatUptime(reply.Data["uptime_seconds"])},
				{"Realtime connected", reply.Data["realtime_connected"]},
				{"Database OK", reply.Data["database_ok"]},
			})
			t.Render()

			if threads, ok := reply.Data["threads"].(map[string]interface{}); ok {
				renderThreads(threads)
			}
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-thread cycle statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := send(ipc.CmdGetStats, nil)
			if err != nil {
				return err
			}
			threads, ok := reply.Data["threads"].(map[string]interface{})
			if !ok {
				return fmt.Errorf("malformed reply: missing threads")
			}
			renderThreads(threads)
			return nil
		},
	}
}

func regimeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regime",
		Short: "Show the latest market regime snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := send(ipc.CmdGetRegime, nil)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.SetTitle("MARKET REGIME")
			t.SetStyle(table.StyleRounded)
			t.AppendRows([]table.Row{
				{"Date", reply.Data["date"]},
				{"Regime", reply.Data["regime"]},
				{"Score", fmt.Sprintf("%.2f", asFloat(reply.Data["score"]))},
				{"Phase", reply.Data["phase"]},
				{"Trend", reply.Data["trend"]},
				{"SPY D-days", asInt(reply.Data["spy_d_days"])},
				{"QQQ D-days", asInt(reply.Data["qqq_d_days"])},
				{"Total D-days", asInt(reply.Data["total_d_days"])},
				{"Exposure", reply.Data["exposure"]},
			})
			t.Render()
			return nil
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [symbol]",
		Short: "Trigger an immediate breakout and position check, optionally for one symbol",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data map[string]interface{}
			if len(args) == 1 {
				data = map[string]interface{}{"symbol": strings.ToUpper(args[0])}
			}
			reply, err := send(ipc.CmdForceCheck, data)
			if err != nil {
				return err
			}
			fmt.Println(reply.Message)
			return nil
		},
	}
}

func ackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack [alert-id]",
		Short: "Acknowledge one alert by id, or all unacknowledged alerts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data map[string]interface{}
			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid alert id %q", args[0])
				}
				data = map[string]interface{}{"id": id}
			}
			reply, err := send(ipc.CmdAckAlerts, data)
			if err != nil {
				return err
			}
			fmt.Println(reply.Message)
			return nil
		},
	}
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the engine's configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := send(ipc.CmdReloadConfig, nil)
			if err != nil {
				return err
			}
			fmt.Println(reply.Message)
			return nil
		},
	}
}

func shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the engine gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := send(ipc.CmdShutdown, nil)
			if err != nil {
				return err
			}
			fmt.Println(reply.Message)
			return nil
		},
	}
}

// renderThreads prints the per-thread stats table in a stable order.
func renderThreads(threads map[string]interface{}) {
	names := make([]string, 0, len(threads))
	for name := range threads {
		names = append(names, name)
	}
	sort.Strings(names)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("THREADS")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Thread", "State", "Cycles", "Messages", "Errors", "Avg ms", "Market hours"})

	for _, name := range names {
		stats, ok := threads[name].(map[string]interface{})
		if !ok {
			continue
		}
		t.AppendRow(table.Row{
			name,
			stats["state"],
			asInt(stats["cycle_count"]),
			asInt(stats["message_count"]),
			asInt(stats["error_count"]),
			fmt.Sprintf("%.1f", asFloat(stats["avg_cycle_ms"])),
			stats["is_market_hours"],
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	t.Render()
}

func formatUptime(v interface{}) string {
	secs := int64(asFloat(v))
	d := time.Duration(secs) * time.Second
	if d >= 24*time.Hour {
		return fmt.Sprintf("%dd %s", secs/86400, (d % (24 * time.Hour)).Round(time.Second))
	}
	return d.Round(time.Second).String()
}

// JSON numbers decode as float64; replies built in-process carry native
// ints, so both shapes appear here.
func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func asInt(v interface{}) int64 {
	return int64(asFloat(v))
}
