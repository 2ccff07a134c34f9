// Package app wires configuration, AWS adapters and the orchestrator into a
// runnable tagging application shared by the CLI and the Lambda entrypoint.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/yairfalse/autotag/internal/config"
	"github.com/yairfalse/autotag/internal/mapping"
	"github.com/yairfalse/autotag/internal/plugin"
	"github.com/yairfalse/autotag/internal/plugin/aws"
	"github.com/yairfalse/autotag/internal/tagging"
	"github.com/yairfalse/autotag/internal/telemetry"
	"github.com/yairfalse/autotag/orchestrator"
	"github.com/yairfalse/autotag/pkg/resource"
	"github.com/yairfalse/autotag/policy"
	"github.com/yairfalse/autotag/storage"
)

// App holds every long-lived component of a tagging process.
type App struct {
	Config       *config.Config
	AWS          *aws.Plugin
	Telemetry    *telemetry.Provider
	Mapping      mapping.Store
	Inventory    plugin.Inventory
	Ledger       *storage.MVCCStorage // nil when ledger.path is empty
	Policy       *policy.PolicyEngine // nil when policy.path is empty
	Orchestrator *orchestrator.Orchestrator

	logger *telemetry.Logger
}

// New builds the application described by cfg. The caller must Close it.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		Config: cfg,
		logger: telemetry.NewLogger("app"),
	}

	provider, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return nil, fmt.Errorf("create telemetry provider: %w", err)
	}
	a.Telemetry = provider

	if err := a.init(ctx); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	p, err := aws.New(ctx, aws.Config{Region: cfg.AWS.Region, Profile: cfg.AWS.Profile})
	if err != nil {
		return fmt.Errorf("create aws plugin: %w", err)
	}
	a.AWS = p

	plugin.Register(p.Explorer(cfg.Discovery.ViewARN))
	plugin.Register(p.Native())
	a.Inventory, err = SelectInventory(cfg.Discovery.Backend)
	if err != nil {
		return err
	}

	a.Mapping, err = mapping.Open(cfg.Mapping, mapping.Clients{S3: p.S3(), DynamoDB: p.DynamoDB()})
	if err != nil {
		return err
	}

	if cfg.Ledger.Path != "" {
		a.Ledger, err = storage.NewMVCCStorage(cfg.Ledger.Path)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
	}

	if cfg.Policy.Path != "" {
		a.Policy, err = LoadPolicy(ctx, cfg.Policy.Path, a.Ledger)
		if err != nil {
			return err
		}
	}

	deriver := tagging.NewDeriver(p.Identities(), p.Parameters(), Marker(cfg),
		tagging.WithPrefix(cfg.Parameters.Prefix),
		tagging.WithDegradedHook(a.Telemetry.RecordLookupFailure),
	)

	a.Orchestrator = orchestrator.NewOrchestrator(
		OrchestratorConfig(cfg, p.Region()),
		a.Mapping,
		a.Inventory,
		p.EventLookup(cfg.Events.Window, cfg.Events.MaxResults),
		deriver,
		p.Tagger(),
	).WithMetrics(a.Telemetry)

	// typed nils must not reach the orchestrator's interfaces
	if a.Ledger != nil {
		a.Orchestrator.WithLedger(a.Ledger)
	}
	if a.Policy != nil {
		a.Orchestrator.WithPolicy(a.Policy)
	}

	a.logger.Info().
		Str("region", p.Region()).
		Str("mapping", a.Mapping.Name()).
		Str("inventory", a.Inventory.Name()).
		Bool("ledger", a.Ledger != nil).
		Bool("policy", a.Policy != nil).
		Bool("dry_run", cfg.Engine.DryRun).
		Msg("autotag initialized")
	return nil
}

// Run performs one tagging run, then trims the ledger to ledger.keep_runs.
func (a *App) Run(ctx context.Context) (*orchestrator.RunResult, error) {
	result, err := a.Orchestrator.Run(ctx)
	if a.Ledger != nil && a.Config.Ledger.KeepRuns > 0 {
		if cerr := a.Ledger.Compact(a.Config.Ledger.KeepRuns); cerr != nil {
			a.logger.Warn().Err(cerr).Msg("ledger compaction failed")
		}
	}
	return result, err
}

// Close releases the ledger and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Ledger != nil {
		if err := a.Ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
	}
	if a.Telemetry != nil {
		if err := a.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Marker returns the configured marker tag.
func Marker(cfg *config.Config) resource.Tag {
	return resource.Tag{Key: cfg.Marker.Key, Value: cfg.Marker.Value}
}

// OrchestratorConfig maps the configuration onto run settings.
func OrchestratorConfig(cfg *config.Config, region string) orchestrator.Config {
	return orchestrator.Config{
		Region:             region,
		MaxResults:         cfg.Discovery.MaxResults,
		MappingConcurrency: cfg.Engine.MappingConcurrency,
		ExcludeTypes:       cfg.Discovery.ExcludeTypes,
		DryRun:             cfg.Engine.DryRun,
	}
}

// SelectInventory returns the registered inventory called name.
func SelectInventory(name string) (plugin.Inventory, error) {
	inv, ok := plugin.Get(name)
	if !ok {
		return nil, fmt.Errorf("select inventory: unknown backend %q (registered: %v)", name, plugin.Names())
	}
	return inv, nil
}

// LoadPolicy compiles the Rego file or directory at path. history may be
// nil, in which case policies see no resource history.
func LoadPolicy(ctx context.Context, path string, history *storage.MVCCStorage) (*policy.PolicyEngine, error) {
	var reader storage.RunReader
	if history != nil {
		reader = history
	}
	engine := policy.NewPolicyEngine(reader)
	if err := policy.NewPolicyLoader(path, engine).LoadPolicies(ctx); err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	if engine.Loaded() == 0 {
		return nil, fmt.Errorf("load policies: no .rego files under %s", path)
	}
	return engine, nil
}
