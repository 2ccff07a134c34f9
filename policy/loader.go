package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/autotag/internal/telemetry"
)

// PolicyLoader reads .rego files from a file or directory into an engine
type PolicyLoader struct {
	bundlePath string
	engine     *PolicyEngine
	logger     *telemetry.Logger
	tracer     trace.Tracer
}

// NewPolicyLoader creates a loader for bundlePath
func NewPolicyLoader(bundlePath string, engine *PolicyEngine) *PolicyLoader {
	return &PolicyLoader{
		bundlePath: bundlePath,
		engine:     engine,
		logger:     telemetry.NewLogger("policy-loader"),
		tracer:     otel.Tracer("policy-loader"),
	}
}

// LoadPolicies compiles every .rego file under the bundle path
func (pl *PolicyLoader) LoadPolicies(ctx context.Context) error {
	ctx, span := pl.tracer.Start(ctx, "policy_loader.load_policies",
		trace.WithAttributes(attribute.String("bundle_path", pl.bundlePath)))
	defer span.End()

	info, err := os.Stat(pl.bundlePath)
	if err != nil {
		return fmt.Errorf("policy bundle path %s: %w", pl.bundlePath, err)
	}

	if !info.IsDir() {
		return pl.loadPolicyFile(ctx, pl.bundlePath)
	}

	return filepath.WalkDir(pl.bundlePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		if err := pl.validateFilePath(path); err != nil {
			return fmt.Errorf("invalid file path %s: %w", path, err)
		}
		return pl.loadPolicyFile(ctx, path)
	})
}

func (pl *PolicyLoader) loadPolicyFile(ctx context.Context, filePath string) error {
	content, err := os.ReadFile(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to read policy file %s: %w", filePath, err)
	}

	policyName := strings.TrimSuffix(filepath.Base(filePath), ".rego")
	if err := pl.engine.LoadPolicy(ctx, policyName, string(content)); err != nil {
		return fmt.Errorf("failed to load policy %s from %s: %w", policyName, filePath, err)
	}

	pl.logger.WithContext(ctx).Debug().
		Str("policy_name", policyName).
		Str("file_path", filePath).
		Msg("policy file loaded")

	return nil
}

func (pl *PolicyLoader) validateFilePath(filePath string) error {
	relPath, err := filepath.Rel(filepath.Clean(pl.bundlePath), filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve relative path: %w", err)
	}

	if strings.HasPrefix(relPath, "..") {
		return fmt.Errorf("path traversal detected")
	}

	return nil
}
