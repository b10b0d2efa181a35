// Package cli builds the gateway's cobra command tree: `gateway`, `worker`,
// and `config create`, with the spec's exit codes (0 success, 2
// configuration error, 1 runtime fatal) surfaced via a typed exitCoder
// that each subcommand's RunE wraps its errors in and Execute maps to the
// exit code, since cobra itself only distinguishes error/no-error.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/llm-gateway/internal/app"
	"github.com/nulpointcorp/llm-gateway/internal/config"
)

// exitCoder carries the process exit code an error should produce.
type exitCoder struct {
	code int
	err  error
}

func (e *exitCoder) Error() string { return e.err.Error() }
func (e *exitCoder) Unwrap() error { return e.err }

func configErr(err error) error  { return &exitCoder{code: 2, err: err} }
func runtimeErr(err error) error { return &exitCoder{code: 1, err: err} }

// Execute runs the root command and returns the process exit code.
func Execute(version string) int {
	root := rootCmd(version)
	if err := root.Execute(); err != nil {
		var ec *exitCoder
		if errors.As(err, &ec) {
			fmt.Fprintln(os.Stderr, "error:", ec.err)
			return ec.code
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func rootCmd(version string) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "gateway",
		Short:         "LLM API gateway: key pooling, health probing, request dispatch",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "providers.yaml", "Path to providers.yaml")

	root.AddCommand(gatewayCmd(&configPath, version))
	root.AddCommand(workerCmd(&configPath, version))
	root.AddCommand(configCreateCmd())

	return root
}

func gatewayCmd(configPath *string, version string) *cobra.Command {
	var host string
	var port int
	var workers int

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the Dispatch Engine HTTP surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadAndLog(*configPath)
			if err != nil {
				return configErr(err)
			}

			if host != "" || port != 0 {
				listen := cfg.Gateway.Listen
				h, p := splitHostPort(listen)
				if host != "" {
					h = host
				}
				if port != 0 {
					p = fmt.Sprintf("%d", port)
				}
				cfg.Gateway.Listen = h + ":" + p
			}
			_ = workers // reserved: per-worker goroutine pool sizing is a future tuning knob, not yet consumed

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.NewGateway(ctx, cfg, log, version)
			if err != nil {
				return runtimeErr(err)
			}
			defer a.Close()

			if err := a.Run(ctx); err != nil {
				return runtimeErr(err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides providers.yaml)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides providers.yaml)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Reserved for future dispatch worker-pool sizing")

	return cmd
}

func workerCmd(configPath *string, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the Probe Engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadAndLog(*configPath)
			if err != nil {
				return configErr(err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.NewWorker(ctx, cfg, log, version)
			if err != nil {
				return runtimeErr(err)
			}
			defer a.Close()

			if err := a.Run(ctx); err != nil {
				return runtimeErr(err)
			}
			return nil
		},
	}
}

func configCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <type>:<name>",
		Short: "Scaffold a providers.yaml entry, e.g. create provider:openai",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			kind, name, ok := strings.Cut(args[0], ":")
			if !ok || kind == "" || name == "" {
				return configErr(fmt.Errorf("argument must be <type>:<name>, got %q", args[0]))
			}
			snippet, err := scaffold(kind, name)
			if err != nil {
				return configErr(err)
			}
			fmt.Println(snippet)
			return nil
		},
	})
	return cmd
}

func loadAndLog(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	log := buildLogger(cfg.LogLevel)
	slog.SetDefault(log)
	return cfg, log, nil
}

func splitHostPort(listen string) (host, port string) {
	i := strings.LastIndex(listen, ":")
	if i < 0 {
		return listen, ""
	}
	return listen[:i], listen[i+1:]
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO, same as the teacher's
// cmd/gateway/main.go buildLogger.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug,
	}))
}

// scaffold returns a starter providers.yaml snippet for the given resource
// type and name. Only "provider" is supported today.
func scaffold(kind, name string) (string, error) {
	switch kind {
	case "provider":
		return fmt.Sprintf(`providers:
  %s:
    kind: openai_like          # or gemini
    base_url: "https://api.example.com/v1"
    # proxy_url: "http://proxy.internal:3128"
    models:
      - "model-name"
    shared_key_status: false
    gateway_policy:
      streaming_mode: auto
      debug_mode: disabled
      error_parsing:
        enabled: false
        rules: []
    worker_health_policy:
      on_invalid_key_days: 10
      on_no_access_days: 10
      on_no_quota_hr: 4
      on_rate_limit_hr: 1
      on_server_error_min: 30
      on_overload_min: 60
      on_other_error_hr: 1
      verification_attempts: 3
      verification_delay_sec: 65
`, name), nil
	default:
		return "", fmt.Errorf("unknown scaffold type %q (supported: provider)", kind)
	}
}
