// Command busrelay is the thin CLI front-end around the client runtime:
// it reads the handful of environment variables the core cares about,
// loads the YAML transport configuration, wires up the registry, schema
// registry, and plugin pipeline, and blocks in Client.Run until shutdown.
// Ported from lightbus/commands/run.py, kept intentionally thin — flag
// parsing beyond `run`'s two options, .env/YAML file discovery beyond a
// single path, and bus-module dynamic import are out of scope here and
// left to whatever process embeds this runtime as a library.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/busrelay/busrelay/internal/client"
	"github.com/busrelay/busrelay/internal/config"
	"github.com/busrelay/busrelay/internal/logging"
	"github.com/busrelay/busrelay/internal/plugin"
	"github.com/busrelay/busrelay/internal/registry"
	"github.com/busrelay/busrelay/internal/schema"
)

var (
	eventsOnly   bool
	schemaSource string
	envFile      string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "busrelay",
		Short: "Run a busrelay process",
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the bus client: dispatch RPC calls and deliver events",
		RunE:  runRun,
	}
	run.Flags().BoolVarP(&eventsOnly, "events-only", "E", false, "only listen for and handle events, do not respond to RPC calls")
	run.Flags().StringVarP(&schemaSource, "schema", "m", "", "manually load the schema from the given file or directory instead of the schema transport")
	run.Flags().StringVar(&envFile, "env-file", ".env", "path to a .env file to load before reading configuration")

	root.AddCommand(run)
	return root
}

func runRun(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", envFile, err)
		}
	}

	proc := config.ProcessFromEnv()

	logger, err := logging.NewLogger(proc.LogLevel, proc.LogFormat, proc.LogFile, proc.LogMaxSizeMB, proc.LogMaxBackups)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(proc.BusConfig)
	if err != nil {
		return fmt.Errorf("load config %s: %w", proc.BusConfig, err)
	}

	reg, err := registry.LoadConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("build transport registry: %w", err)
	}

	schemaTransport, err := reg.GetSchemaTransport()
	if err != nil {
		logger.Warn("no schema transport configured; schemas will only be validated locally", zap.Error(err))
	}
	schemaReg := schema.New(schemaTransport, schemaMaxAgeSeconds(cfg), false, logger)

	pipeline, err := buildPipeline(cfg, logger)
	if err != nil {
		return fmt.Errorf("build plugin pipeline: %w", err)
	}

	bus := client.New(proc.ServiceName, proc.ProcessName, reg, schemaReg, pipeline, cfg.APIConfigFor, logger)

	auditLogger := buildAuditLogger(proc, logger)
	defer auditLogger.Close()

	logger.Info("starting busrelay",
		zap.String("service_name", proc.ServiceName),
		zap.String("process_name", proc.ProcessName),
		zap.Bool("events_only", eventsOnly))

	ctx := context.Background()
	auditLogger.LogEvent(ctx, logging.AuditEvent{
		EventType: logging.AuditEventClientOpened,
		Actor:     proc.ServiceName + "/" + proc.ProcessName,
		Outcome:   logging.AuditOutcomeSuccess,
	})

	runErr := bus.Run(ctx, eventsOnly, schemaSource)

	auditLogger.LogClientShutdown(ctx, proc.ServiceName, proc.ProcessName, bus.ExitCode())

	if runErr != nil {
		return runErr
	}

	if code := bus.ExitCode(); code != 0 {
		os.Exit(code)
	}
	return nil
}

// buildAuditLogger wires internal/logging's audit sink to an external
// forwarder when AUDIT_FORWARD_URL is configured, mirroring every audit
// event to that endpoint in addition to the process' own structured log.
func buildAuditLogger(proc config.Process, logger *zap.Logger) *logging.AuditLogger {
	if proc.AuditForwardURL == "" {
		return logging.NewAuditLogger(logger)
	}
	sender := logging.NewHTTPSender(proc.AuditForwardURL, proc.AuditForwardAPIKey)
	external := logging.NewExternalLogger(true, 256, 20, 0, 0, 3, false, sender, nil)
	return logging.NewAuditLoggerWithExternal(logger, external)
}

func schemaMaxAgeSeconds(cfg *config.Config) int {
	if sel := cfg.Bus.Schema.Transport; sel != nil && sel.Redis != nil && sel.Redis.MaxAgeSeconds > 0 {
		return sel.Redis.MaxAgeSeconds
	}
	return 60
}

func buildPipeline(cfg *config.Config, logger *zap.Logger) (*plugin.Pipeline, error) {
	var plugins []plugin.Plugin
	for name, pc := range cfg.Plugins {
		if !pc.Enabled {
			continue
		}
		p, err := plugin.NewByName(name, pc.Options)
		if err != nil {
			return nil, fmt.Errorf("plugin %q: %w", name, err)
		}
		plugins = append(plugins, p)
	}
	return plugin.New(logger, plugins...), nil
}
