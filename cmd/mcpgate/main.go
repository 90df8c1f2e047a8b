package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(c, globalFlags),
		createStatusCommand(c, globalFlags),
		createLifecycleCommand(c, globalFlags, "start", "Start a stopped or failed server"),
		createLifecycleCommand(c, globalFlags, "stop", "Stop a server and cancel any pending restart"),
		createLifecycleCommand(c, globalFlags, "restart", "Stop then start a server"),
		createCallCommand(c, globalFlags),
		createInspectCommand(c, globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:     "mcpgate",
		Short:   "Supervised gateway for stdio MCP servers",
		Version: version,
		Long: `mcpgate runs stdio MCP servers as supervised child processes and exposes
each of them over HTTP and SSE.

Examples:
  mcpgate serve --config mcpgate.toml
  mcpgate status
  mcpgate call fs tools/list
  mcpgate restart fs --api-url=http://remote:8787/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.URL, "api-url", "", "daemon URL (default: derived from --config, else http://127.0.0.1:8787/api)")
	cmd.Flags().DurationVar(&f.Timeout, "api-timeout", 30*time.Second, "request timeout")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate for a TLS daemon")
}

func createServeCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config]",
		Short: "Run the gateway",
		Long: `Run the gateway in the foreground. Servers flagged for autostart are started,
health checks run on the shared ticker and the HTTP API is served until
SIGINT or SIGTERM.

Examples:
  mcpgate serve mcpgate.toml
  mcpgate serve --config claude_desktop_config.json --listen :8787
  mcpgate serve --config mcpgate.toml --daemonize --logfile /var/log/mcpgate.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			return c.Serve(*flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "override server.listen")
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the gateway PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "gateway log file")
	return cmd
}

func createStatusCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "status [server]",
		Short: "Show the state of all servers or one server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			return c.Status(*flags, globalFlags.ConfigPath, id)
		},
	}
	addAPIFlags(cmd, flags)
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return cmd
}

func createLifecycleCommand(c command, globalFlags *GlobalFlags, op, short string) *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   op + " <server>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Lifecycle(op, *flags, globalFlags.ConfigPath, args[0])
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createCallCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &CallFlags{}
	cmd := &cobra.Command{
		Use:   "call <server> [method]",
		Short: "Send one JSON-RPC message to a server",
		Long: `Send one JSON-RPC message to a server through the gateway and print the
response. With --stream, notifications sent while the request is outstanding
are printed as they arrive.

Examples:
  mcpgate call fs tools/list
  mcpgate call fs tools/call --params '{"name":"read_file","arguments":{"path":"/etc/hosts"}}'
  mcpgate call fs --raw '{"jsonrpc":"2.0","id":"a","method":"ping"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Server = args[0]
			if len(args) > 1 {
				flags.Method = args[1]
			}
			return c.Call(*flags, globalFlags.ConfigPath)
		},
	}
	addAPIFlags(cmd, &flags.APIFlags)
	cmd.Flags().StringVar(&flags.Params, "params", "", "JSON params")
	cmd.Flags().StringVar(&flags.Raw, "raw", "", "send this JSON-RPC message as-is")
	cmd.Flags().BoolVar(&flags.Notify, "notify", false, "send a notification (no id, no response)")
	cmd.Flags().BoolVar(&flags.Stream, "stream", false, "use the SSE endpoint")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "per-call deadline (default: daemon call_timeout)")
	return cmd
}

func createInspectCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &InspectFlags{}
	cmd := &cobra.Command{
		Use:   "inspect <server>",
		Short: "Spawn a configured server directly and list its tools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			flags.Server = args[0]
			return c.Inspect(*flags)
		},
	}
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", defaultInspectTimeout, "handshake and listing deadline")
	return cmd
}
