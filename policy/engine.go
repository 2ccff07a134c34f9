// Package policy gates tag writes with optional Rego policies. A policy
// lives in package autotag and may define `skip` (bool) to leave a
// resource untouched and `drop_keys` (set of strings) to withhold keys.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/autotag/attribution"
	"github.com/yairfalse/autotag/internal/telemetry"
	"github.com/yairfalse/autotag/pkg/resource"
	"github.com/yairfalse/autotag/storage"
)

// OpaExpressionValue is the dynamic value of the data.autotag document.
// Rules decide its shape at runtime.
type OpaExpressionValue map[string]interface{}

// PolicyEngine evaluates Rego policies against derived tags
type PolicyEngine struct {
	history storage.RunReader
	logger  *telemetry.Logger
	tracer  trace.Tracer
	queries map[string]rego.PreparedEvalQuery
	now     func() time.Time
}

// NewPolicyEngine creates a policy engine. history may be nil.
func NewPolicyEngine(history storage.RunReader) *PolicyEngine {
	return &PolicyEngine{
		history: history,
		logger:  telemetry.NewLogger("policy-engine"),
		tracer:  otel.Tracer("policy-engine"),
		queries: make(map[string]rego.PreparedEvalQuery),
		now:     time.Now,
	}
}

// LoadPolicy compiles a Rego module under name
func (pe *PolicyEngine) LoadPolicy(ctx context.Context, name string, regoCode string) error {
	ctx, span := pe.tracer.Start(ctx, "policy_engine.load_policy",
		trace.WithAttributes(attribute.String("policy.name", name)))
	defer span.End()

	query := rego.New(
		rego.Query("data.autotag"),
		rego.Module(name, regoCode),
	)

	prepared, err := query.PrepareForEval(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to compile policy %s: %w", name, err)
	}

	pe.queries[name] = prepared

	pe.logger.WithContext(ctx).Info().
		Str("policy_name", name).
		Msg("policy loaded")

	return nil
}

// Loaded returns the number of compiled policies.
func (pe *PolicyEngine) Loaded() int {
	return len(pe.queries)
}

// BuildPolicyInput assembles the input for one resource, adding its ledger
// history when available
func (pe *PolicyEngine) BuildPolicyInput(ctx context.Context, record resource.Record, attr attribution.Attribution, tags []resource.Tag) PolicyInput {
	input := PolicyInput{
		Resource:    record,
		Attribution: attr,
		Tags:        tags,
		Timestamp:   pe.now(),
	}

	if pe.history == nil {
		return input
	}

	state, err := pe.history.GetResourceState(record.ARN)
	if err != nil {
		// Not seen before
		return input
	}
	input.History = &History{
		Attempts:    state.Attempts,
		LastOutcome: state.LastOutcome,
		LastRunID:   state.LastRunID,
	}
	return input
}

// Evaluate runs every loaded policy against input. A policy that fails to
// evaluate is logged and ignored.
func (pe *PolicyEngine) Evaluate(ctx context.Context, input PolicyInput) (Decision, error) {
	if len(pe.queries) == 0 {
		return Allowed(), nil
	}

	ctx, span := pe.tracer.Start(ctx, "policy_engine.evaluate",
		trace.WithAttributes(
			attribute.String("resource.arn", input.Resource.ARN),
			attribute.String("resource.type", input.Resource.Type)))
	defer span.End()

	names := make([]string, 0, len(pe.queries))
	for name := range pe.queries {
		names = append(names, name)
	}
	sort.Strings(names)

	var results []policyResult
	for _, name := range names {
		result, err := pe.evaluatePolicy(ctx, pe.queries[name], input)
		if err != nil {
			pe.logger.WithContext(ctx).Error().
				Err(err).
				Str("policy_name", name).
				Msg("policy evaluation failed")
			continue
		}
		if result.matched() {
			result.name = name
			results = append(results, result)
		}
	}

	decision := aggregateResults(results)

	span.SetAttributes(
		attribute.Bool("policy.skip", decision.Skip),
		attribute.Int("policy.drop_keys", len(decision.DropKeys)),
	)
	pe.logger.WithContext(ctx).Debug().
		Str("arn", input.Resource.ARN).
		Bool("skip", decision.Skip).
		Strs("drop_keys", decision.DropKeys).
		Strs("matched_policies", decision.Policies).
		Msg("policy evaluation complete")

	return decision, nil
}

type policyResult struct {
	name     string
	skip     bool
	dropKeys []string
	reason   string
}

func (r policyResult) matched() bool {
	return r.skip || len(r.dropKeys) > 0
}

func (pe *PolicyEngine) evaluatePolicy(ctx context.Context, query rego.PreparedEvalQuery, input PolicyInput) (policyResult, error) {
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return policyResult{}, fmt.Errorf("evaluation failed: %w", err)
	}

	var result policyResult
	for _, res := range results {
		if len(res.Expressions) == 0 {
			continue
		}
		// OPA returns either type depending on the evaluation path
		switch expr := res.Expressions[0].Value.(type) {
		case OpaExpressionValue:
			bindPolicyValues(expr, &result)
		case map[string]interface{}:
			bindPolicyValues(expr, &result)
		}
	}
	return result, nil
}

func bindPolicyValues(values map[string]interface{}, result *policyResult) {
	for key, value := range values {
		switch key {
		case "skip":
			if b, ok := value.(bool); ok {
				result.skip = b
			}
		case "drop_keys":
			// Sets arrive as arrays
			if items, ok := value.([]interface{}); ok {
				for _, item := range items {
					if s, ok := item.(string); ok {
						result.dropKeys = append(result.dropKeys, s)
					}
				}
			}
		case "reason":
			if s, ok := value.(string); ok {
				result.reason = s
			}
		}
	}
}

// aggregateResults skips when any policy skips and drops the union of keys
func aggregateResults(results []policyResult) Decision {
	decision := Allowed()
	if len(results) == 0 {
		return decision
	}

	drop := make(map[string]bool)
	var reasons []string
	for _, r := range results {
		decision.Policies = append(decision.Policies, r.name)
		if r.skip {
			decision.Skip = true
		}
		for _, k := range r.dropKeys {
			drop[k] = true
		}
		if r.reason != "" {
			reasons = append(reasons, r.reason)
		}
	}

	for k := range drop {
		decision.DropKeys = append(decision.DropKeys, k)
	}
	sort.Strings(decision.DropKeys)
	decision.Reason = strings.Join(reasons, "; ")

	return decision
}

// Apply removes dropped keys from tags, keeping order. The marker is never
// dropped so the resource still converges.
func Apply(decision Decision, tags []resource.Tag, marker resource.Tag) []resource.Tag {
	if len(decision.DropKeys) == 0 {
		return tags
	}

	drop := make(map[string]bool, len(decision.DropKeys))
	for _, k := range decision.DropKeys {
		drop[k] = true
	}

	kept := make([]resource.Tag, 0, len(tags))
	for _, t := range tags {
		if drop[t.Key] && t != marker {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}
