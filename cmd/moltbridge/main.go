// Moltbridge relays Home Assistant conversation and AI Task requests to
// a remotely hosted OpenClaw/Moltworker agent gateway.
//
// Home Assistant talks to the bridge's local HTTP API; the bridge
// forwards each turn to the gateway's chat-completions endpoint with the
// configured bearer token and Cloudflare Access headers, and translates
// the streamed reply (or failure) back. Configuration is a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	moltbridge serve               Start the bridge
//	moltbridge init [dir]          Write an example config
//	moltbridge validate            Check the config and probe the gateway
//	moltbridge ask <question>      Relay a single turn (for testing)
//	moltbridge version             Print version and build information
//	moltbridge -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/moltworker/moltbridge/internal/agent"
	"github.com/moltworker/moltbridge/internal/api"
	"github.com/moltworker/moltbridge/internal/buildinfo"
	"github.com/moltworker/moltbridge/internal/config"
	"github.com/moltworker/moltbridge/internal/homeassistant"
	"github.com/moltworker/moltbridge/internal/memory"
	"github.com/moltworker/moltbridge/internal/mqtt"
	"github.com/moltworker/moltbridge/internal/openclaw"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the moltbridge command. All OS-level
// dependencies are injected as parameters so the lifecycle can be driven
// from tests. Arguments are parsed by hand — the flag package relies on
// package-level globals, and our surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "validate":
		return runValidate(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: moltbridge ask <question>")
		}
		return runAsk(ctx, stdout, configPath, strings.Join(cmdArgs, " "))
	case "version", "":
		return printVersion(stdout, outputFmt)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, `Usage: moltbridge [-config path] [-o text|json] <command>

Commands:
  serve       Start the bridge
  init        Write an example config (default dir: .)
  validate    Check the config and probe the gateway
  ask         Relay a single turn (for testing)
  version     Print version and build information`)
	return nil
}

func printVersion(w io.Writer, format string) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(buildinfo.Info())
	}
	fmt.Fprintln(w, buildinfo.String())
	return nil
}

// newLogger builds the process logger from the configured level.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: config.ReplaceLogLevelNames,
	})), nil
}

// bridgeStats feeds the MQTT status sensors and counts relayed turns.
type bridgeStats struct {
	turns atomic.Int64
}

func (s *bridgeStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (s *bridgeStats) Version() string       { return buildinfo.Version }
func (s *bridgeStats) TurnsServed() int64    { return s.turns.Load() }

// countingProcessor wraps an agent so every completed turn bumps the
// stats counter.
type countingProcessor struct {
	*agent.Agent
	stats *bridgeStats
}

func (p *countingProcessor) Process(ctx context.Context, turn agent.Turn) (*agent.Result, error) {
	result, err := p.Agent.Process(ctx, turn)
	if err == nil {
		p.stats.turns.Add(1)
	}
	return result, err
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(stdout, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting", "build", buildinfo.String())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Chat-log store: SQLite when a path is configured, otherwise
	// in-memory (history lost on restart).
	var store memory.Store
	if cfg.Store.Path != "" {
		sqlStore, err := memory.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return err
		}
		store = sqlStore
		logger.Info("chat-log store opened", "path", cfg.Store.Path)
	} else {
		store = memory.NewMemStore()
		logger.Warn("no store path configured, chat logs are in-memory only")
	}
	defer store.Close()

	relay := openclaw.NewClient(cfg.Upstream, logger)

	callbacks, wsClient := setupCallbacks(ctx, cfg, logger)
	if wsClient != nil {
		defer wsClient.Close()
	}

	stats := &bridgeStats{}
	processors := make([]api.Processor, 0, len(cfg.Agents))
	for _, agentCfg := range cfg.Agents {
		a, err := agent.New(agentCfg, relay, store, callbacks, logger)
		if err != nil {
			return fmt.Errorf("agent %q: %w", agentCfg.Name, err)
		}
		processors = append(processors, &countingProcessor{Agent: a, stats: stats})
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, processors, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.MQTT.Broker != "" {
		publisher := mqtt.New(cfg.MQTT, stats, logger)
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher stopped", "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			publisher.Stop(stopCtx)
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runValidate(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		var validationErr *config.ValidationError
		if errors.As(err, &validationErr) {
			return fmt.Errorf("config invalid — %s", validationErr)
		}
		return err
	}
	fmt.Fprintln(stdout, "config ok")

	logger, err := newLogger(stdout, cfg.LogLevel)
	if err != nil {
		return err
	}

	relay := openclaw.NewClient(cfg.Upstream, logger)
	if err := relay.Probe(ctx); err != nil {
		var authErr *openclaw.AuthError
		if errors.As(err, &authErr) {
			return fmt.Errorf("gateway rejected credentials — check api_key and CF Access settings")
		}
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	fmt.Fprintln(stdout, "gateway ok")
	return nil
}

func runAsk(ctx context.Context, stdout io.Writer, configPath, question string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(io.Discard, cfg.LogLevel)
	if err != nil {
		return err
	}

	relay := openclaw.NewClient(cfg.Upstream, logger)
	a, err := agent.New(*cfg.Agent(""), relay, memory.NewMemStore(), nil, logger)
	if err != nil {
		return err
	}

	result, err := a.Process(ctx, agent.Turn{Text: question})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, result.Reply)
	return nil
}

func loadConfig(explicit string) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// setupCallbacks wires the optional Home Assistant side channel. A
// websocket connect failure falls back to the REST event endpoint.
func setupCallbacks(ctx context.Context, cfg *config.Config, logger *slog.Logger) (agent.Callbacks, *homeassistant.WSClient) {
	if cfg.HomeAssistant.URL == "" {
		return nil, nil
	}

	rest := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)

	var ws *homeassistant.WSClient
	if cfg.HomeAssistant.UseWebsocket {
		ws = homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := ws.Connect(connectCtx); err != nil {
			logger.Warn("websocket connect failed, using REST events", "error", err)
			ws = nil
		}
	}

	return homeassistant.NewNotifier(rest, ws, logger), ws
}
