package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/provisio/provisio/pkg/azure"
	"github.com/provisio/provisio/pkg/config"
	"github.com/provisio/provisio/pkg/engine"
	"github.com/provisio/provisio/pkg/runner"
	"github.com/provisio/provisio/pkg/stores"
	"github.com/provisio/provisio/pkg/telemetry"
	"github.com/provisio/provisio/pkg/terraform"
	"github.com/provisio/provisio/pkg/workspace"
)

const shutdownTimeout = 10 * time.Second

// app bundles the wired engine for one command invocation.
type app struct {
	cfg          *config.Config
	telemetry    *telemetry.Telemetry
	audit        *stores.AuditStore
	orchestrator *engine.Orchestrator
}

// newApp builds the wired engine for a command; tests swap in a stub.
var newApp = buildApp

// buildApp loads configuration and wires the engine. The returned shutdown
// function closes the audit store and flushes telemetry.
func buildApp(ctx context.Context, version string) (*app, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	tel, err := telemetry.New(cfg.Telemetry(version))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	workspaces := workspace.NewManager(cfg.Paths.DeploymentsDir, cfg.Paths.TemplatesDir)
	store := stores.NewFileStore(cfg.Paths.DeploymentsDir, workspaces.HasDurableState)

	audit, err := stores.NewAuditStore(stores.AuditConfig{Path: cfg.Paths.AuditDB})
	if err != nil {
		return nil, nil, err
	}
	if err := audit.Init(ctx); err != nil {
		return nil, nil, err
	}
	if err := audit.Migrate(ctx); err != nil {
		_ = audit.Close()
		return nil, nil, err
	}

	orchestrator, err := engine.NewOrchestrator(engine.Options{
		Store:      store,
		Workspaces: workspaces,
		Cloud:      azure.NewCLI(tel.Logger),
		Tool:       terraform.New(runner.New()),
		Audit:      audit,
		Telemetry:  tel,
	})
	if err != nil {
		_ = audit.Close()
		return nil, nil, err
	}

	if err := orchestrator.Rehydrate(ctx); err != nil {
		_ = audit.Close()
		return nil, nil, err
	}

	shutdown := func() {
		_ = audit.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}

	return &app{
		cfg:          cfg,
		telemetry:    tel,
		audit:        audit,
		orchestrator: orchestrator,
	}, shutdown, nil
}

// followLogs prints a deployment's log lines as they appear until the run
// signals completion, then drains whatever remains.
func followLogs(ctx context.Context, a *app, id string, done <-chan error) {
	cursor := 0
	flush := func() {
		lines, next, _, ok := a.orchestrator.LogsSince(id, cursor)
		if !ok {
			return
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		cursor = next
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			flush()
			return
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			return
		}
	}
}
