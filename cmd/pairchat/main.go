// pairchat serves the paired conversation socket and its REST read surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"pairchat/internal/app"
	"pairchat/internal/config"
	"pairchat/internal/logging"
)

// options are the command-line overrides applied after file and environment.
type options struct {
	configPath string
	envFile    string
	addr       string
	driver     string
	issueToken string
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, out io.Writer) (*options, error) {
	opts := &options{}
	flagSet := pflag.NewFlagSet("pairchat", pflag.ContinueOnError)
	flagSet.SetOutput(out)
	flagSet.StringVarP(&opts.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG_FILE"), "path to a JSON or YAML config file")
	flagSet.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flagSet.StringVarP(&opts.addr, "addr", "a", "", "listen address host:port (overrides config)")
	flagSet.StringVar(&opts.driver, "driver", "", "store driver: sqlite or memory (overrides config)")
	flagSet.StringVar(&opts.issueToken, "issue-token", "", "print a token for this user ID and exit")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
// Signal handling ensures graceful shutdown in production environments
func run(args []string, out io.Writer) error {
	opts, err := parseFlags(args, out)
	if err != nil {
		return err
	}

	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logging.Setup(*cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if opts.issueToken != "" {
		defer application.Stop(context.Background())
		token, err := application.Verifier().Issue(opts.issueToken)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, token)
		return nil
	}

	if err := application.Start(ctx); err != nil {
		application.Stop(context.Background())
		return fmt.Errorf("application error: %w", err)
	}

	<-ctx.Done()
	slog.Info("received shutdown signal, shutting down gracefully")

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Std())
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// loadConfig resolves defaults < file < environment < flags.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.LoadConfigWithPrecedence(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if opts.addr != "" {
		host, portStr, err := net.SplitHostPort(opts.addr)
		if err != nil {
			return nil, fmt.Errorf("invalid --addr %q: %w", opts.addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --addr port %q", portStr)
		}
		cfg.HTTP.Host, cfg.HTTP.Port = host, port
	}
	if opts.driver != "" {
		cfg.Database.Driver = opts.driver
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
