// Package bootstrap wires settings, rotation, the run controller, and the
// HTTP control plane into one application.
package bootstrap

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"toeic-pipeline/internal/browse"
	"toeic-pipeline/internal/config"
	"toeic-pipeline/internal/domain"
	"toeic-pipeline/internal/extract"
	"toeic-pipeline/internal/logs"
	"toeic-pipeline/internal/pipeline"
	"toeic-pipeline/internal/provider"
	"toeic-pipeline/internal/rotation"
	"toeic-pipeline/internal/runs"
	"toeic-pipeline/internal/server"
)

// Options control where the application keeps its state and data.
type Options struct {
	// DataDir holds settings.json, pipeline_status.json, and generated
	// test assets. It is also the browse sandbox root.
	DataDir string

	// ReplayLines bounds the log replay buffer. Zero means the default.
	ReplayLines int
}

// App holds the wired application components.
type App struct {
	Server      *server.Server
	Controller  *runs.Controller
	Rotator     *rotation.Rotator
	Broadcaster *logs.Broadcaster

	log zerolog.Logger
}

// New builds the application with persisted settings and run state.
func New(logger zerolog.Logger, opts Options) (*App, error) {
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = "."
	}

	settingsStore := config.NewJSONStore(filepath.Join(dataDir, "settings.json"))
	rotator, err := rotation.New(settingsStore)
	if err != nil {
		return nil, fmt.Errorf("init rotator: %w", err)
	}

	broadcaster := logs.NewBroadcaster(opts.ReplayLines)
	rotator.SetRotationCallback(func(resource string) {
		broadcaster.Publish("[ROTATION] Switched to " + resource)
	})

	clients := map[string]pipeline.ProviderClient{
		"google": provider.NewGoogle(),
		"openai": provider.NewOpenAI(),
	}
	pipe := pipeline.New(rotator, clients, extract.NewPDFExtractor(), dataDir)

	runStore := runs.NewJSONStore(filepath.Join(dataDir, "pipeline_status.json"))
	controller, err := runs.NewController(runStore, broadcaster, logger, func(ctx context.Context, run domain.PipelineRun) error {
		return pipe.Run(ctx, run, broadcaster.Publish)
	})
	if err != nil {
		return nil, fmt.Errorf("init run controller: %w", err)
	}

	browser, err := browse.NewBrowser(dataDir)
	if err != nil {
		return nil, fmt.Errorf("init browser: %w", err)
	}

	return &App{
		Server:      server.New(controller, rotator, broadcaster, browser, clients, logger),
		Controller:  controller,
		Rotator:     rotator,
		Broadcaster: broadcaster,
		log:         logger,
	}, nil
}

// Run serves the control plane until the listener fails.
func (a *App) Run(addr string) error {
	a.log.Info().Str("active_resource", a.Rotator.ActiveResource()).Msg("pipeline orchestrator starting")
	return a.Server.Start(addr)
}

// Shutdown stops any active run and drains the HTTP server.
func (a *App) Shutdown(ctx context.Context) error {
	if err := a.Controller.Stop(); err == nil {
		a.log.Info().Msg("stopped active run for shutdown")
	}
	return a.Server.Shutdown(ctx)
}
