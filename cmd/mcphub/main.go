// Command mcphub serves the transport proxy, OAuth endpoints, metrics and
// the UI API around one MCP connection manager.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type (
	cmd struct {
		Version struct{} `cmd:"" help:"Show version."`
		Serve   cmdServe `cmd:"" help:"Run the hub HTTP server."`
		Check   cmdCheck `cmd:"" help:"Validate a configuration file and exit."`
	}
	cmdServe struct {
		Config     string `name:"config" short:"c" help:"Path to the hub YAML configuration." type:"path"`
		Listen     string `help:"Listen address, overrides the config file."`
		Store      string `help:"Server list file, overrides the config file." type:"path"`
		Debug      bool   `help:"Enable debug logging."`
		LogJSONRPC bool   `name:"log-jsonrpc" help:"Log every JSON-RPC message at debug level."`
		cfg        config `kong:"-"`
	}
	cmdCheck struct {
		Config string `arg:"" name:"path" help:"Path to the hub YAML configuration." type:"path"`
	}
)

// Validate is called by kong after parsing and resolves the effective
// configuration.
func (c *cmdServe) Validate() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.Listen = c.Listen
	}
	if c.Store != "" {
		cfg.StorePath = c.Store
	}
	if c.Debug {
		cfg.LogLevel = "debug"
	}
	if c.LogJSONRPC {
		cfg.LogJSONRPC = true
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

type serveFn func(ctx context.Context, cfg config, stdout, stderr io.Writer) error

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit, serve)
}

// doMain parses args and runs the selected command. exitFn and sf are
// replaced in tests.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int), sf serveFn) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("mcphub"),
		kong.Description("Multi-server MCP client hub"),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "mcphub: %s\n", version)
	case "serve":
		if err := sf(ctx, c.Serve.cfg, stdout, stderr); err != nil && ctx.Err() == nil {
			_, _ = fmt.Fprintf(stderr, "mcphub: %v\n", err)
			exitFn(1)
		}
	case "check <path>":
		cfg, err := loadConfig(c.Check.Config)
		if err == nil {
			err = cfg.validate()
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "mcphub: %v\n", err)
			exitFn(1)
			return
		}
		_, _ = fmt.Fprintf(stdout, "%s: ok (%d seed servers)\n", c.Check.Config, len(cfg.Servers))
	default:
		panic("unreachable")
	}
}
