package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/opsbridge/opsbridge/internal/config"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and test backend connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck()
		},
	}
}

func runCheck() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Setting", "Value"})
	t.AppendRows([]table.Row{
		{"Backend URL", cfg.BackendURL},
		{"Socket URL", cfg.SocketURL},
		{"Heartbeat interval", cfg.HeartbeatInterval},
		{"Reconnect base delay", cfg.ReconnectBase},
		{"Max reconnect attempts", cfg.MaxReconnects},
		{"Poll interval", cfg.PollInterval},
		{"Poll ceiling", cfg.PollCeiling},
		{"Console address", cfg.ConsoleAddr},
		{"State directory", cfg.StateDir},
		{"Log level", cfg.LogLevel},
	})
	t.Render()

	fmt.Print("Testing backend connectivity... ")
	latency, err := probeBackend(cfg.BackendURL)
	if err != nil {
		fmt.Println(text.FgRed.Sprint("FAILED"))
		return err
	}
	fmt.Println(text.FgGreen.Sprintf("OK (%dms)", latency.Milliseconds()))
	return nil
}

// probeBackend checks REST reachability. Any HTTP response counts as
// reachable, including auth rejections for the anonymous probe.
func probeBackend(baseURL string) (time.Duration, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	url := strings.TrimRight(baseURL, "/") + "/session/status"

	start := time.Now()
	resp, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return 0, fmt.Errorf("backend returned HTTP %d", resp.StatusCode)
	}
	return time.Since(start), nil
}
