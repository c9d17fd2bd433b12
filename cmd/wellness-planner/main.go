package main

import (
	"context"
	"fmt"
	"os"

	"wellness-planner/internal/app"
	"wellness-planner/internal/config"
	"wellness-planner/internal/logger"
)

func main() {
	root, c := newRootCmd(openApp)
	err := root.Execute()
	if cerr := c.close(); cerr != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close cleanly: %v\n", cerr)
	}
	if err != nil {
		os.Exit(1)
	}
}

// openApp builds the application from the environment.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return app.New(ctx, cfg, log)
}
