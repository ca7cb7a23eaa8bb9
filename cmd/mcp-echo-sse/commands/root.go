package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-echo-sse/echo"
	"github.com/ggoodman/mcp-echo-sse/internal/config"
	"github.com/ggoodman/mcp-echo-sse/internal/engine"
	"github.com/ggoodman/mcp-echo-sse/internal/server"
	"github.com/ggoodman/mcp-echo-sse/sessions"
	"github.com/ggoodman/mcp-echo-sse/sse"
)

var (
	envFile   string
	port      int
	host      string
	logLevel  string
	logFormat string
)

func Execute() error {
	root := &cobra.Command{
		Use:           "mcp-echo-sse",
		Short:         "MCP echo server over the HTTP+SSE transport",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	root.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	root.Flags().IntVar(&port, "port", 0, "port to listen on (overrides PORT)")
	root.Flags().StringVar(&host, "host", "", "interface to bind (overrides HOST)")
	root.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	root.Flags().StringVar(&logFormat, "log-format", "", "text or json (overrides LOG_FORMAT)")

	err := root.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return err
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = port
	}
	if flags.Changed("host") {
		cfg.Host = host
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config) error {
	log := cfg.NewLogger(os.Stderr)

	registry := sessions.NewRegistry()
	eng := engine.NewEngine(registry, echo.NewServer(), engine.WithLogger(log))

	h, err := sse.New(registry, eng,
		sse.WithLogger(log),
		sse.WithKeepAlive(cfg.SSEKeepAlive),
		sse.WithQueueSize(cfg.SSEQueueSize),
	)
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}

	srv := server.New(cfg.Addr(), h, registry, eng,
		server.WithLogger(log),
		server.WithShutdownTimeout(cfg.ShutdownTimeout),
	)
	return srv.ListenAndServe(ctx)
}
