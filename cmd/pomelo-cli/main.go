package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/pomelo"
	"github.com/Zereker/pomelo/config"
)

type rootFlags struct {
	config    string
	addr      string
	transport string
	path      string
	timeout   time.Duration
	logLevel  string
}

func main() {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "pomelo-cli",
		Short: "Talk to a pomelo server from the command line",
		Long: `pomelo-cli connects to a pomelo server, performs the handshake and
sends requests or notifies, or prints the pushes it receives.

Settings come from a YAML file (--config) and are overridden by flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.config, "config", "c", "", "path to a YAML configuration file")
	pf.StringVarP(&flags.addr, "addr", "a", "", "server address")
	pf.StringVar(&flags.transport, "transport", "", "transport: tcp, tls or ws")
	pf.StringVar(&flags.path, "path", "", "WebSocket path")
	pf.DurationVar(&flags.timeout, "timeout", 0, "connect and request timeout")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error")

	rootCmd.AddCommand(
		requestCmd(flags),
		notifyCmd(flags),
		listenCmd(flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func requestCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "request <route> [json]",
		Short: "Send a request and print the response",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[1:])
			if err != nil {
				return err
			}

			return withClient(cmd.Context(), flags, func(ctx context.Context, c *pomelo.Client, cfg *config.Config) error {
				ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
				defer cancel()

				resp, err := c.Request(ctx, args[0], payload)
				if err != nil {
					return errors.Wrapf(err, "request %s", args[0])
				}
				return printJSON(cmd, resp)
			})
		},
	}
}

func notifyCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "notify <route> [json]",
		Short: "Send a notify",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[1:])
			if err != nil {
				return err
			}

			return withClient(cmd.Context(), flags, func(ctx context.Context, c *pomelo.Client, cfg *config.Config) error {
				ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
				defer cancel()

				return errors.Wrapf(c.Notify(ctx, args[0], payload), "notify %s", args[0])
			})
		},
	}
}

func listenCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "listen <event>...",
		Short: "Print pushes until interrupted or disconnected",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), flags, func(ctx context.Context, c *pomelo.Client, _ *config.Config) error {
				for _, event := range args {
					c.AddListener(event, func(event string, data any) {
						_ = printJSON(cmd, map[string]any{"event": event, "body": data})
					})
				}

				done := make(chan error, 1)
				c.AddListener(pomelo.EventDisconnect, func(_ string, data any) {
					err, _ := data.(error)
					done <- err
				})

				select {
				case <-ctx.Done():
					return nil
				case err := <-done:
					return errors.Wrap(err, "disconnected")
				}
			})
		},
	}
}

// withClient loads the configuration, connects and runs fn. The context
// passed to fn is canceled on SIGINT or SIGTERM.
func withClient(ctx context.Context, flags *rootFlags, fn func(context.Context, *pomelo.Client, *config.Config) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := flags.load()
	if err != nil {
		return err
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client, err := pomelo.NewClient(append(cfg.Options(), pomelo.LoggerOption(logger))...)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	err = client.Connect(connectCtx, cfg.Address)
	cancel()
	if err != nil {
		return errors.Wrapf(err, "connect %s", cfg.Address)
	}

	return fn(ctx, client, cfg)
}

func (f *rootFlags) load() (*config.Config, error) {
	cfg := config.Default()
	if f.config != "" {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return nil, err
		}
	}

	if f.addr != "" {
		cfg.Address = f.addr
	}
	if f.transport != "" {
		cfg.Transport = f.transport
	}
	if f.path != "" {
		cfg.Path = f.path
	}
	if f.timeout > 0 {
		cfg.ConnectTimeout = f.timeout
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	return cfg, cfg.Validate()
}

func parsePayload(args []string) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}

	var payload any
	if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
		return nil, errors.Wrap(err, "parse payload")
	}
	return payload, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
