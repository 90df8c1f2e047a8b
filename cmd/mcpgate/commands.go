package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/loykin/mcpgate"
	"github.com/loykin/mcpgate/internal/jsonrpc"
	"github.com/loykin/mcpgate/internal/logger"
	"github.com/loykin/mcpgate/pkg/client"
)

// command binds the CLI handlers to an output stream.
type command struct {
	out io.Writer
}

func (c command) Serve(f ServeFlags, args []string) error {
	configPath := f.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	conf := mcpgate.DefaultConfig()
	if configPath != "" {
		var err error
		if conf, err = mcpgate.LoadConfig(configPath); err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
	}
	if f.Listen != "" {
		conf.Server.Listen = f.Listen
	}
	if f.LogFile != "" {
		conf.Log.File = f.LogFile
	}
	if f.Daemonize {
		return daemonize(c.out, f.LogFile)
	}

	_, closer, err := logger.Setup(conf.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	g, err := mcpgate.New(conf)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return g.Serve(ctx)
}

func (c command) Status(f APIFlags, configPath, id string) error {
	cl, err := newAPIClient(f, configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if id != "" {
		s, err := cl.Server(ctx, id)
		if err != nil {
			return err
		}
		if f.JSON {
			printJSON(c.out, s)
			return nil
		}
		printStatusTable(c.out, []client.ServerStatus{s})
		for _, l := range s.StderrTail {
			_, _ = fmt.Fprintln(c.out, "  stderr | "+l)
		}
		return nil
	}
	list, err := cl.Servers(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(c.out, list)
		return nil
	}
	printStatusTable(c.out, list)
	return nil
}

func (c command) Lifecycle(op string, f APIFlags, configPath, id string) error {
	cl, err := newAPIClient(f, configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	switch op {
	case "start":
		err = cl.Start(ctx, id)
	case "stop":
		err = cl.Stop(ctx, id)
	case "restart":
		err = cl.Restart(ctx, id)
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%s: %s ok\n", id, op)
	return nil
}

// buildPayload returns the JSON-RPC message a call command sends.
func buildPayload(f CallFlags) ([]byte, error) {
	if f.Raw != "" {
		if !json.Valid([]byte(f.Raw)) {
			return nil, errors.New("--raw is not valid JSON")
		}
		return []byte(f.Raw), nil
	}
	if f.Method == "" {
		return nil, errors.New("method is required")
	}
	var params any
	if f.Params != "" {
		if !json.Valid([]byte(f.Params)) {
			return nil, errors.New("--params is not valid JSON")
		}
		params = json.RawMessage(f.Params)
	}
	if f.Notify {
		return jsonrpc.Encode(jsonrpc.NewNotification(f.Method, params))
	}
	return jsonrpc.Encode(jsonrpc.NewRequest(jsonrpc.NumberID(1), f.Method, params))
}

func (c command) Call(f CallFlags, configPath string) error {
	payload, err := buildPayload(f)
	if err != nil {
		return err
	}
	cl, err := newAPIClient(f.APIFlags, configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if f.Stream {
		return cl.Stream(ctx, f.Server, payload, f.Timeout, func(e client.Event) error {
			if e.Name == "done" {
				return nil
			}
			_, err := fmt.Fprintln(c.out, string(e.Data))
			return err
		})
	}
	resp, err := cl.Call(ctx, f.Server, payload, f.Timeout)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && len(apiErr.Body) > 0 && json.Valid(apiErr.Body) {
			_, _ = fmt.Fprintln(c.out, string(apiErr.Body))
		}
		return err
	}
	if resp == nil {
		_, _ = fmt.Fprintln(c.out, "accepted")
		return nil
	}
	var v any
	if json.Unmarshal(resp, &v) == nil {
		printJSON(c.out, v)
		return nil
	}
	_, _ = c.out.Write(resp)
	return nil
}

// Inspect spawns a configured server directly, performs the MCP handshake
// and lists what it offers. It does not need a running daemon.
func (c command) Inspect(f InspectFlags) error {
	if f.ConfigPath == "" {
		return errors.New("inspect needs --config")
	}
	conf, err := mcpgate.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	regs, err := conf.Registrations()
	if err != nil {
		return err
	}
	var reg *mcpgate.Registration
	for i := range regs {
		if regs[i].Identity.ID == f.Server {
			reg = &regs[i]
		}
	}
	if reg == nil {
		return fmt.Errorf("%w: %s", mcpgate.ErrUnknownServer, f.Server)
	}
	genv, err := conf.GlobalEnv()
	if err != nil {
		return err
	}
	cmd := reg.Identity.BuildCommand()
	cmd.Dir = reg.Identity.WorkDir
	if env := genv.Merge(reg.Identity.Env); len(env) > 0 {
		cmd.Env = env
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.Timeout)
	defer cancel()
	mc := mcp.NewClient(&mcp.Implementation{Name: "mcpgate-inspect", Version: version}, nil)
	cs, err := mc.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", f.Server, err)
	}
	defer func() { _ = cs.Close() }()

	ir := cs.InitializeResult()
	if ir.ServerInfo != nil {
		_, _ = fmt.Fprintf(c.out, "server:   %s %s\n", ir.ServerInfo.Name, ir.ServerInfo.Version)
	}
	_, _ = fmt.Fprintf(c.out, "protocol: %s\n", ir.ProtocolVersion)
	if ir.Capabilities == nil || ir.Capabilities.Tools == nil {
		_, _ = fmt.Fprintln(c.out, "tools:    none")
		return nil
	}
	res, err := cs.ListTools(ctx, nil)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TOOL\tDESCRIPTION")
	for _, t := range res.Tools {
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", t.Name, t.Description)
	}
	return tw.Flush()
}

const defaultInspectTimeout = 20 * time.Second
