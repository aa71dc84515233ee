// keyrelay agent - receives key commands from the hub and presses them locally.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/markus-barta/keyrelay/internal/agent"
	"github.com/markus-barta/keyrelay/internal/config"
	"github.com/rs/zerolog"
)

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test connectivity")
	configPath := flag.String("config", "", "optional YAML config file")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("keyrelay-agent %s\n", agent.Version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck(*configPath))
	}

	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	setLogLevel(cfg.LogLevel)

	log.Info().
		Str("version", agent.Version).
		Str("agent", cfg.AgentName).
		Msg("keyrelay agent starting")

	a := agent.New(cfg, log, nil)

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		a.Shutdown()
	}()

	if err := a.Run(); err != nil {
		log.Fatal().Err(err).Msg("agent failed")
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func printUsage() {
	fmt.Printf(`Usage: keyrelay-agent [options]

keyrelay agent %s - presses keys on command from a keyrelay hub.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test connectivity
  -config FILE    Load settings from a YAML file (env still overrides)

Environment variables:
  RELAY_URL              Hub WebSocket URL, e.g. wss://hub.example/ws (required)
  RELAY_TOKEN            Shared token (required)
  RELAY_AGENT_NAME       Name reported to the hub (default: hostname)
  RELAY_GREETING         Text sent after connecting (default: hello, empty disables)
  RELAY_BACKOFF_POLICY   constant or exponential (default: constant)
  RELAY_BACKOFF          Reconnect delay (default: 3s)
  RELAY_MAX_BACKOFF      Exponential delay cap (default: 60s)
  RELAY_PRESS_CMD        Key down command, e.g. "xdotool keydown {key}"
  RELAY_RELEASE_CMD      Key up command, e.g. "xdotool keyup {key}"
  RELAY_LOG_LEVEL        Log level: debug, info, warn, error

Without RELAY_PRESS_CMD the agent runs dry and only logs presses.
`, agent.Version)
}

func runConfigCheck(path string) int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  Agent:       %s\n", cfg.AgentName)
	fmt.Printf("  Hub:         %s\n", cfg.HubURL)
	fmt.Printf("  Backoff:     %s %s\n", cfg.BackoffPolicy, cfg.Backoff)
	if len(cfg.PressCommand) > 0 {
		fmt.Printf("  Press:       %s\n", strings.Join(cfg.PressCommand, " "))
	} else {
		fmt.Printf("  Press:       (dry run)\n")
	}
	fmt.Println()

	fmt.Print("Testing hub connectivity... ")

	// Convert WebSocket URL to the hub health endpoint
	httpURL := cfg.HubURL
	if i := strings.IndexByte(httpURL, '?'); i >= 0 {
		httpURL = httpURL[:i]
	}
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)
	httpURL = strings.TrimSuffix(httpURL, "/ws") + "/health"

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Get(httpURL)
	latency := time.Since(start)

	if err != nil {
		fmt.Printf("❌ Failed\n")
		fmt.Printf("  Error: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		fmt.Printf("❌ Failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}

	fmt.Printf("✓ OK (latency: %dms)\n", latency.Milliseconds())
	return 0
}
