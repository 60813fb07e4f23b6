package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/castellan/internal/admission"
	"github.com/mattjoyce/castellan/internal/api"
	"github.com/mattjoyce/castellan/internal/auth"
	"github.com/mattjoyce/castellan/internal/config"
	"github.com/mattjoyce/castellan/internal/dispatch"
	"github.com/mattjoyce/castellan/internal/doctor"
	"github.com/mattjoyce/castellan/internal/events"
	"github.com/mattjoyce/castellan/internal/lock"
	"github.com/mattjoyce/castellan/internal/log"
	"github.com/mattjoyce/castellan/internal/plugin"
	"github.com/mattjoyce/castellan/internal/plugins/fileops"
	"github.com/mattjoyce/castellan/internal/plugins/sysinfo"
	"github.com/mattjoyce/castellan/internal/sandbox"
	"github.com/mattjoyce/castellan/internal/server"
	"github.com/mattjoyce/castellan/internal/storage"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		os.Exit(runSystemNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "auth":
		os.Exit(runAuthNoun(args))

	// --- ROOT ALIASES ---
	case "start":
		os.Exit(runStart(args))
	case "doctor":
		os.Exit(runConfigCheck(args))
	case "version":
		fmt.Printf("castellan version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`castellan - Local control server for trusted clients

Usage:
  castellan <noun> <action> [flags]

Core Resources (Nouns):
  system    Server lifecycle and health
  config    Configuration inspection and validation
  auth      Client credential helpers

System Commands:
  system start        Start the server in foreground
  system status       Show whether a server instance is running

Config Commands:
  config init         Write a starter configuration file
  config check        Validate configuration against this machine
  config show         Print the effective configuration
  config fingerprint  Print the BLAKE3 hash of the config file

Auth Commands:
  auth hash-token     Hash a client token for the config file

General:
  version             Show version information
  help                Show this help message
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 || args[0] == "help" {
		fmt.Println("usage: castellan system <start|status> [flags]")
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "start":
		return runStart(args[1:])
	case "status":
		return runStatus(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || args[0] == "help" {
		fmt.Println("usage: castellan config <init|check|show|fingerprint> [flags]")
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "init":
		return runConfigInit(args[1:])
	case "check":
		return runConfigCheck(args[1:])
	case "show":
		return runConfigShow(args[1:])
	case "fingerprint":
		return runConfigFingerprint(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runAuthNoun(args []string) int {
	if len(args) < 1 || args[0] == "help" {
		fmt.Println("usage: castellan auth hash-token <token>")
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "hash-token":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: castellan auth hash-token <token>")
			return 1
		}
		fmt.Println(auth.HashToken(args[1]))
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown auth action: %s\n", args[0])
		return 1
	}
}

// --- ACTIONS ---

func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	discovered, err := config.DiscoverConfigPath()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", discovered)
	return discovered, nil
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	fingerprint, err := config.Fingerprint(path)
	if err != nil {
		logger.Error("failed to fingerprint config", "error", err)
		return 1
	}
	logger.Info("castellan starting", "version", version, "config", path, "config_fingerprint", fingerprint)

	pidLockPath := getPIDLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Auth.FailureDB)
	if err != nil {
		logger.Error("failed to open auth failure database", "path", cfg.Auth.FailureDB, "error", err)
		return 1
	}
	defer db.Close()
	failureLog := storage.NewFailureLog(db, storage.DefaultFailureWindow)

	registry, env, err := buildRegistry(cfg)
	if err != nil {
		logger.Error("plugin setup failed", "error", err)
		return 1
	}
	logger.Info("plugins registered", "plugins", registry.Names())

	creds := make([]auth.Credential, 0, len(cfg.Auth.Clients))
	for _, c := range cfg.Auth.Clients {
		creds = append(creds, auth.Credential{ClientID: c.ClientID, TokenHash: c.TokenHash})
	}
	authn := auth.NewAuthenticator(auth.NewStaticStore(creds), failureLog, nil)
	limiter := admission.NewLimiter(admission.Config{
		Capacity:     cfg.RateLimit.Capacity,
		RefillPerSec: cfg.RateLimit.RefillPerSec,
	})
	go maintenanceLoop(ctx, maintenanceInterval, limiterBucketIdle, failureLog, limiter, logger)
	hub := events.NewHub(256)
	invoker := sandbox.NewInvoker(env, nil)
	dispatcher := dispatch.New(registry, invoker, authn, limiter, cfg.Server)
	dispatcher.SetEvents(hub)
	srv := server.New(dispatcher, cfg.Server, failureLog)
	srv.SetEvents(hub)

	listener, err := buildListener(cfg.Server)
	if err != nil {
		logger.Error("failed to open command socket", "listen", cfg.Server.Listen, "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	serveDone := make(chan struct{})

	go func() {
		defer close(serveDone)
		if err := srv.Serve(ctx, listener); err != nil {
			errCh <- fmt.Errorf("server: %w", err)
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:            cfg.API.Listen,
			Token:             cfg.API.Token,
			ConfigFingerprint: fingerprint,
			Version:           version,
		}, registry, srv, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("castellan running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
		select {
		case <-serveDone:
		case <-time.After(10 * time.Second):
			logger.Warn("shutdown timed out with sessions still open")
		}
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("castellan stopped")
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	pid, err := lock.ReadPID(getPIDLockPath(cfg))
	if err != nil {
		fmt.Println("castellan is not running (no PID lock)")
		return 1
	}
	fmt.Printf("castellan appears to be running (pid %d)\n", pid)
	return 0
}

const starterConfig = `# castellan configuration
service:
  name: castellan
  log_level: info    # debug, info, warn, error
  log_format: text   # text or json

server:
  listen: 127.0.0.1:7600
  # tls:
  #   cert_file: /etc/castellan/server.crt
  #   key_file: /etc/castellan/server.key
  max_connections: 32
  max_frame_size: 1048576
  session_idle_timeout: 5m
  max_in_flight_per_session: 8
  request_deadline_ceiling: 2m

auth:
  # Directory is created at startup; the PID lock lives next to it.
  failure_db: castellan-state/failures.db
  clients:
    # Generate hashes with: castellan auth hash-token <token>
    - client_id: cli-1
      token_hash: REPLACE_WITH_64_HEX_CHARS

rate_limit:
  capacity: 5
  refill_per_sec: 1

plugins:
  sysinfo:
    enabled: true
  # fileops:
  #   enabled: true
  #   config:
  #     workspace: castellan-workspace

api:
  enabled: false
  listen: 127.0.0.1:7601
  # token: ${CASTELLAN_API_TOKEN}
`

func runConfigInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	outPath := fs.String("out", "config.yaml", "Where to write the starter config")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if _, err := os.Stat(*outPath); err == nil {
		fmt.Fprintf(os.Stderr, "Refusing to overwrite existing %s\n", *outPath)
		return 1
	}
	if err := os.WriteFile(*outPath, []byte(starterConfig), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s\n", *outPath)
	fmt.Println("Edit the client token hash before starting the server.")
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output report in JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	registry, _, err := buildRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plugin setup failed: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, registry).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to format report: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	// Never echo the admin token back out.
	if cfg.API.Token != "" {
		cfg.API.Token = "<redacted>"
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal config: %v\n", err)
		return 1
	}
	fmt.Print(string(out))
	return 0
}

func runConfigFingerprint(args []string) int {
	fs := flag.NewFlagSet("fingerprint", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	fingerprint, err := config.Fingerprint(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to fingerprint config: %v\n", err)
		return 1
	}
	fmt.Println(fingerprint)
	return 0
}

// --- WIRING HELPERS ---

// buildRegistry registers the built-in plugins enabled by config and
// assembles the sandbox environment they run against. With no plugins
// configured, sysinfo is enabled as a safe default.
func buildRegistry(cfg *config.Config) (*plugin.Registry, sandbox.Env, error) {
	registry := plugin.NewRegistry(0)
	var env sandbox.Env

	plugins := cfg.Plugins
	if len(plugins) == 0 {
		plugins = map[string]config.PluginConf{"sysinfo": {Enabled: true}}
	}

	for name, pc := range plugins {
		if !pc.Enabled {
			continue
		}
		var desc *plugin.Descriptor
		switch name {
		case "sysinfo":
			desc = sysinfo.New()
		case "fileops":
			desc = fileops.New()
			ws, _ := pc.Config["workspace"].(string)
			if ws == "" {
				return nil, env, fmt.Errorf("plugin %q requires config key %q", name, "workspace")
			}
			fs, err := sandbox.NewWorkspaceFS(ws)
			if err != nil {
				return nil, env, fmt.Errorf("plugin %q workspace: %w", name, err)
			}
			env.FS = fs
		default:
			return nil, env, fmt.Errorf("unknown plugin %q (built-ins: sysinfo, fileops)", name)
		}
		if pc.MaxConcurrent > 0 {
			desc.MaxConcurrent = pc.MaxConcurrent
		}
		if err := registry.Register(desc); err != nil {
			return nil, env, err
		}
	}
	return registry, env, nil
}

// buildListener opens the command socket, wrapped in TLS when a
// certificate pair is configured.
func buildListener(cfg config.ServerConfig) (net.Listener, error) {
	if cfg.TLS.CertFile == "" {
		return net.Listen("tcp", cfg.Listen)
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls certificate: %w", err)
	}
	return tls.Listen("tcp", cfg.Listen, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	})
}

func getPIDLockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Auth.FailureDB), "castellan.lock")
}

const (
	maintenanceInterval = 10 * time.Minute
	limiterBucketIdle   = 30 * time.Minute
)

// maintenanceLoop expires old auth failure rows and drops idle
// rate-limit buckets so state stays bounded on long-running installs.
func maintenanceLoop(ctx context.Context, interval, bucketIdle time.Duration, failures *storage.FailureLog, limiter *admission.Limiter, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := failures.Prune(ctx); err != nil {
				logger.Warn("auth failure prune failed", "error", err)
			}
			limiter.Sweep(bucketIdle)
		}
	}
}
