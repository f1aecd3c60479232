// Command eventbridge runs the streamrelay event bridge: it loads
// configuration, builds the process-wide logger, wires every component
// via internal/app, and serves until terminated. Uses stdlib flag for
// the config path; everything else is delegated to a single wiring
// package.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/redbco/streamrelay/internal/app"
	"github.com/redbco/streamrelay/internal/config"
	"github.com/redbco/streamrelay/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the streamrelay YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(cfg.Logging.Level, os.Stdout)

	ctx := context.Background()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("building app: %w", err)
	}

	return a.Run(ctx)
}
