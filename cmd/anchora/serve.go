// Copyright 2026 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/logger"
	"github.com/kadirpekel/anchora/pkg/server"
)

// ServeCmd starts the HTTP service.
type ServeCmd struct {
	Port  int  `help:"Override the configured port."`
	Watch bool `help:"Watch the config source and hot-reload the feature layer."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cli.Config == "" {
		return fmt.Errorf("--config is required for serve")
	}
	_ = config.LoadDotEnvForConfig(cli.Config)

	cfg, loader, err := config.LoadConfigFile(ctx, cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	defer loader.Close()
	slog.Info("loaded configuration", "path", cli.Config)

	// The config file's logger block applies unless CLI flags overrode it.
	if cli.logFlagsAtDefaults() {
		cleanup, err := logger.InitFromConfig(cfg.Logger)
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		defer cleanup()
	}

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	srv, err := server.New(server.Options{Config: cfg, Loader: loader})
	if err != nil {
		return err
	}

	if c.Watch {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("config watch error", "error", err)
			}
		}()
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}

	addr := cfg.Server.Address()
	fmt.Printf("\nAnchora ready\n")
	fmt.Printf("   Ask:     POST http://%s/v1/ask\n", addr)
	fmt.Printf("   Health:  http://%s/healthz\n", addr)
	if cfg.Server.Observability != nil {
		fmt.Printf("   Metrics: http://%s/metrics\n", addr)
	}
	if cfg.Search.Endpoint != "" {
		fmt.Printf("   Index:   %s (%s)\n", cfg.Search.Index, cfg.Search.Endpoint)
	} else {
		fmt.Printf("   Index:   none (answers fall back to model knowledge)\n")
	}
	fmt.Println("\nPress Ctrl+C to stop")

	srv.Wait()
	return nil
}
