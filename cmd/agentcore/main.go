// Package main is the entry point for the agentcore relay daemon.
// It wires all internal packages together and starts the hub client, probe
// server, and rapp server concurrently.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Construct the process-wide State
//  4. Start the probe server, rapp server, and hub client concurrently
//  5. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/infrasonar/agentcore/internal/heartbeat"
	"github.com/infrasonar/agentcore/internal/hub"
	"github.com/infrasonar/agentcore/internal/probeserver"
	"github.com/infrasonar/agentcore/internal/rapp"
	"github.com/infrasonar/agentcore/internal/state"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	hubHost         string
	hubPort         int
	probeServerPort int
	rappPort        int
	hubCertPath     string
	dataDir         string
	token           string
	zone            int
	name            string
	logLevel        string
	logColorized    bool
	logFmt          string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "agentcore",
		Short: "agentcore — relay daemon between the InfraSonar hub and local probe collectors",
		Long: `agentcore is a long-running relay daemon that announces itself to the hub,
receives a sharded assignment of monitored assets, distributes per-probe
check lists to locally connected probe collectors, relays probe-produced
measurements back to the hub with at-least-once delivery under hub outage,
and proxies hub-initiated control requests through the local rapp sibling.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.hubHost, "hub-host", envOrDefault("HUB_HOST", "hub.infrasonar.com"), "Hub hostname")
	root.PersistentFlags().IntVar(&cfg.hubPort, "hub-port", envOrDefaultInt("HUB_PORT", 8730), "Hub TCP port")
	root.PersistentFlags().IntVar(&cfg.probeServerPort, "probe-server-port", envOrDefaultInt("PROBE_SERVER_PORT", 8750), "Local probe collector listen port")
	root.PersistentFlags().IntVar(&cfg.rappPort, "rapp-port", envOrDefaultInt("RAPP_PORT", 8770), "Local rapp sibling listen port")
	root.PersistentFlags().StringVar(&cfg.hubCertPath, "hub-crt", envOrDefault("AGENTCORE_HUB_CRT", "/agentcore.crt"), "Path to the pinned hub root certificate")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("AGENTCORE_DATA", "/data"), "Directory for persisted id/queue/asset spill files")
	root.PersistentFlags().StringVar(&cfg.token, "token", envOrDefault("TOKEN", ""), "Hub announce token (required)")
	root.PersistentFlags().IntVar(&cfg.zone, "zone", envOrDefaultInt("AGENTCORE_ZONE", 0), "This agentcore's zone")
	root.PersistentFlags().StringVar(&cfg.name, "name", envOrDefault("AGENTCORE_NAME", ""), "This agentcore's announced name (defaults to the machine FQDN)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&cfg.logColorized, "log-colorized", envOrDefaultBool("LOG_COLORIZED", false), "Use a colorized console log encoder instead of JSON")
	root.PersistentFlags().StringVar(&cfg.logFmt, "log-fmt", envOrDefault("LOG_FMT", "060102 15:04:05"), "Go reference-time layout for log timestamps")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentcore %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel, cfg.logColorized, cfg.logFmt)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.token == "" {
		logger.Error("TOKEN is required")
		os.Exit(1)
	}

	if cfg.name == "" {
		cfg.name, err = resolveFQDN()
		if err != nil {
			logger.Error("no AGENTCORE_NAME set and the machine name could not be resolved", zap.Error(err))
			os.Exit(1)
		}
	}

	if _, err := os.Stat(cfg.hubCertPath); err != nil {
		logger.Error("pinned hub certificate not found", zap.String("path", cfg.hubCertPath), zap.Error(err))
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.dataDir, 0o750); err != nil {
		logger.Error("failed to create data directory", zap.String("path", cfg.dataDir), zap.Error(err))
		os.Exit(1)
	}

	logger.Info("starting agentcore",
		zap.String("version", version),
		zap.String("name", cfg.name),
		zap.Int("zone", cfg.zone),
		zap.String("hub", fmt.Sprintf("%s:%d", cfg.hubHost, cfg.hubPort)),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st := state.New(cfg.name, cfg.zone, cfg.token, logger.Named("state"))

	hubCfg := hub.Config{
		Host:     cfg.hubHost,
		Port:     cfg.hubPort,
		CertPath: cfg.hubCertPath,
		DataDir:  cfg.dataDir,
		Name:     cfg.name,
		Zone:     cfg.zone,
		Token:    cfg.token,
		Version:  version,
	}

	hostMetrics := heartbeat.NewGopsutilHostMetrics("/", logger.Named("hostmetrics"))
	hbAggregator := heartbeat.New(st, hostMetrics, version, logger.Named("heartbeat"))

	hubClient := hub.New(hubCfg, st, hbAggregator, logger.Named("hub"))

	probeSrv := probeserver.New(
		net.JoinHostPort("", strconv.Itoa(cfg.probeServerPort)),
		st, hubClient, hubClient, logger.Named("probeserver"),
	)

	rappSrv := rapp.New(net.JoinHostPort("", strconv.Itoa(cfg.rappPort)), st, logger.Named("rapp"))

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		if err := hubClient.Run(ctx); err != nil {
			logger.Error("hub client stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := probeSrv.Serve(ctx); err != nil {
			logger.Error("probe server stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := rappSrv.Serve(ctx); err != nil {
			logger.Error("rapp server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received; draining")
	st.Stop()
	wg.Wait()

	logger.Info("agentcore stopped")
	return nil
}

// resolveFQDN returns the machine's fully qualified hostname, falling back
// to the plain hostname when reverse DNS does not resolve one. It is the Go
// counterpart of the reference implementation's socket.getfqdn() default for
// AGENTCORE_NAME.
func resolveFQDN() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("resolve hostname: %w", err)
	}
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return host, nil
	}
	names, err := net.LookupAddr(addrs[0])
	if err != nil || len(names) == 0 {
		return host, nil
	}
	fqdn := names[0]
	for len(fqdn) > 0 && fqdn[len(fqdn)-1] == '.' {
		fqdn = fqdn[:len(fqdn)-1]
	}
	if fqdn == "" {
		return host, nil
	}
	return fqdn, nil
}

func buildLogger(level string, colorized bool, timeFmt string) (*zap.Logger, error) {
	var cfg zap.Config
	if colorized {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}

	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(timeFmt))
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
