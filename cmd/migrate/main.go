// Command migrate applies or rolls back the market data sink schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/webclinic017/wondertrader/internal/infra/config"
	"github.com/webclinic017/wondertrader/internal/infra/persistence/migrations"
)

const defaultTimeout = 30 * time.Second

type options struct {
	dsn     string
	dir     string
	timeout time.Duration
	quiet   bool
	action  string
	steps   int
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// parseArgs reads flags and the command. The DSN comes from -database, or from the
// persistence.dsn key of the runner document named by -config.
func parseArgs(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		dsn        = fs.String("database", "", "PostgreSQL DSN of the sink (overrides -config)")
		configPath = fs.String("config", "", "Runner config whose persistence.dsn names the sink")
		dir        = fs.String("path", "", "Directory containing SQL migrations (default: embedded)")
		timeout    = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet      = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts := options{
		dsn:     strings.TrimSpace(*dsn),
		dir:     *dir,
		timeout: *timeout,
		quiet:   *quiet,
		action:  "",
		steps:   0,
	}
	if opts.dsn == "" && *configPath != "" {
		root, err := config.Load(*configPath)
		if err != nil {
			return options{}, fmt.Errorf("load config: %w", err)
		}
		opts.dsn = config.NewHostConfig(root).Persistence.DSN
	}
	if opts.dsn == "" {
		return options{}, errors.New("no sink configured: pass -database or a -config with persistence.dsn")
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return options{}, errors.New("command required (up|down [steps])")
	}
	switch rest[0] {
	case "up":
		if len(rest) > 1 {
			return options{}, fmt.Errorf("up takes no arguments, got %q", rest[1:])
		}
		opts.action = "up"
	case "down":
		opts.action = "down"
		opts.steps = 1
		if len(rest) > 1 {
			n, err := strconv.Atoi(rest[1])
			if err != nil || n < 1 {
				return options{}, fmt.Errorf("invalid down steps %q", rest[1])
			}
			opts.steps = n
		}
	default:
		return options{}, fmt.Errorf("unknown command %q (expected up or down)", rest[0])
	}
	return opts, nil
}

func run(opts options) error {
	var logger *log.Logger
	if !opts.quiet {
		logger = log.New(os.Stdout, "dtrunner-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	if opts.action == "down" {
		return migrations.Rollback(ctx, opts.dsn, opts.dir, opts.steps, logger)
	}
	return migrations.Apply(ctx, opts.dsn, opts.dir, logger)
}
