package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/mcpgate"
	"github.com/loykin/mcpgate/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// apiURL works out the daemon URL from the flags and the optional config.
func apiURL(f APIFlags, configPath string) (string, bool, error) {
	if f.URL != "" {
		return strings.TrimRight(f.URL, "/"), strings.HasPrefix(f.URL, "https://"), nil
	}
	if configPath == "" {
		return client.DefaultConfig().BaseURL, false, nil
	}
	c, err := mcpgate.LoadConfig(configPath)
	if err != nil {
		return "", false, fmt.Errorf("error loading config: %w", err)
	}
	host, port, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		return "", false, fmt.Errorf("server.listen %q: %w", c.Server.Listen, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	scheme := "http"
	if c.Server.TLS.Enabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, port), strings.TrimRight(c.Server.Base, "/")), c.Server.TLS.Enabled, nil
}

func newAPIClient(f APIFlags, configPath string) (*client.Client, error) {
	u, tlsOn, err := apiURL(f, configPath)
	if err != nil {
		return nil, err
	}
	cfg := client.Config{BaseURL: u, Timeout: f.Timeout, Insecure: f.Insecure}
	if tlsOn && !f.Insecure {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: f.CACert}
	}
	return client.New(cfg)
}

func printStatusTable(w io.Writer, list []client.ServerStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTATE\tPID\tGEN\tRESTARTS\tFAILS\tUPTIME\tQUEUE\tLAST ERROR")
	for _, s := range list {
		uptime := "-"
		if !s.UpSince.IsZero() {
			uptime = time.Since(s.UpSince).Truncate(time.Second).String()
		}
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%d\t%s\n",
			s.ID, s.State, pid, s.Generation, s.Restarts, s.ConsecutiveFailures, uptime, s.QueueDepth, s.LastError)
	}
	_ = tw.Flush()
}
