// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

// Command nlweb runs the natural-language web gateway.
//
// Usage:
//
//	nlweb serve --config ./config
//	nlweb validate --config ./config
//	nlweb version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/embedder"
	"github.com/nlweb-go/nlweb/pkg/llm"
	"github.com/nlweb-go/nlweb/pkg/logger"
	"github.com/nlweb-go/nlweb/pkg/observability"
	"github.com/nlweb-go/nlweb/pkg/pipeline"
	"github.com/nlweb-go/nlweb/pkg/ranking"
	"github.com/nlweb-go/nlweb/pkg/retriever"
	"github.com/nlweb-go/nlweb/pkg/server"
	"github.com/nlweb-go/nlweb/pkg/statistics"
	"github.com/nlweb-go/nlweb/pkg/tools"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the gateway server."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration and catalogue assets."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" default:"config" help:"Path to the config directory." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("nlweb %s\n", version)
	return nil
}

// ValidateCmd loads every configurable asset and reports the first problem.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	loader, err := config.NewLoader(config.LoaderOptions{Dir: cli.Config})
	if err != nil {
		return err
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	if _, err := tools.LoadCatalog(cfg.Tools.CatalogPath); err != nil {
		return fmt.Errorf("tool catalogue: %w", err)
	}
	if _, err := statistics.LoadTemplates(cfg.Tools.StatisticsTemplatesPath); err != nil {
		return fmt.Errorf("statistics templates: %w", err)
	}

	fmt.Println("configuration valid")
	return nil
}

// ServeCmd starts the gateway.
type ServeCmd struct {
	Port  int  `help:"Override the configured listen port."`
	Watch bool `help:"Watch the config directory for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	closeLog, err := logger.Init(logger.Options{
		Level:  cli.LogLevel,
		File:   cli.LogFile,
		Format: cli.LogFormat,
	})
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	loader, err := config.NewLoader(config.LoaderOptions{
		Dir:   cli.Config,
		Watch: c.Watch,
		OnChange: func(cfg *config.Config) {
			// Components are wired at startup; a reload only revalidates.
			slog.Info("Configuration changed on disk, restart to apply")
		},
	})
	if err != nil {
		return err
	}
	defer loader.Stop()

	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	metrics, err := observability.InitMetrics(ctx, cfg.Metrics.Enabled)
	if err != nil {
		return fmt.Errorf("failed to initialise metrics: %w", err)
	}

	stopTracer, err := observability.InitTracer(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialise tracing: %w", err)
	}
	defer func() { _ = stopTracer(context.Background()) }()

	client, err := llm.NewClient(&cfg.LLM, metrics)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	emb, err := embedder.NewProviderFromConfig(&cfg.Embedding)
	if err != nil {
		return err
	}

	ret := retriever.NewUnifiedRetriever(&cfg.Retrieval, emb, metrics)
	defer func() { _ = ret.Close() }()

	catalog, err := tools.LoadCatalog(cfg.Tools.CatalogPath)
	if err != nil {
		return err
	}

	handlers := tools.NewHandlers()
	templates, err := statistics.LoadTemplates(cfg.Tools.StatisticsTemplatesPath)
	if err != nil {
		return err
	}
	mapper, err := statistics.NewDCIDMapper(cfg.Tools.DCIDMappingPath, client)
	if err != nil {
		return err
	}
	handlers.Register("statistics", statistics.NewHandler(templates, mapper))

	ranker := ranking.NewEngine(client, &cfg.Ranking, metrics)
	router := tools.NewRouter(catalog, client, &cfg.Tools)
	queryHandler := pipeline.NewQueryHandler(cfg, client, ret, ranker, router, handlers, metrics)

	srv := server.New(cfg, queryHandler, ret, server.WithMetrics(metrics))
	return srv.Start(ctx)
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("nlweb"),
		kong.Description("Natural-language query gateway over schema.org content."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
