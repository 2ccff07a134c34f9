// Package orchestrator drives a tagging run: for each mapping entry it
// discovers untagged resources, fetches the creation events once, attributes
// each resource to its event, and writes the derived tags.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/autotag/attribution"
	"github.com/yairfalse/autotag/internal/filter"
	"github.com/yairfalse/autotag/internal/telemetry"
	"github.com/yairfalse/autotag/pkg/resource"
	"github.com/yairfalse/autotag/policy"
	"github.com/yairfalse/autotag/storage"
)

// Config tunes a run.
type Config struct {
	Region             string
	MaxResults         int      // per-entry discovery cap, 0 for none
	MappingConcurrency int      // entries processed at once, 1 is sequential
	ExcludeTypes       []string // resource types never discovered
	DryRun             bool
}

// Orchestrator coordinates discover → attribute → derive → tag
type Orchestrator struct {
	cfg        Config
	mappings   MappingLoader
	inventory  Inventory
	events     EventSource
	attributor Attributor
	deriver    TagDeriver
	writer     TagWriter
	gate       PolicyGate
	ledger     Ledger
	metrics    Metrics
	filter     *filter.Filter
	now        func() time.Time
	newID      func() string
	logger     *telemetry.Logger
	tracer     trace.Tracer
}

// NewOrchestrator creates an orchestrator over its required capabilities
func NewOrchestrator(cfg Config, mappings MappingLoader, inventory Inventory, events EventSource, deriver TagDeriver, writer TagWriter) *Orchestrator {
	if cfg.MappingConcurrency < 1 {
		cfg.MappingConcurrency = 1
	}
	return &Orchestrator{
		cfg:        cfg,
		mappings:   mappings,
		inventory:  inventory,
		events:     events,
		attributor: attribution.NewService(),
		deriver:    deriver,
		writer:     writer,
		metrics:    nopMetrics{},
		filter:     filter.New(cfg.ExcludeTypes, nil),
		now:        time.Now,
		newID:      uuid.NewString,
		logger:     telemetry.NewLogger("orchestrator"),
		tracer:     otel.Tracer("orchestrator"),
	}
}

// WithPolicy sets the tag policy gate
func (o *Orchestrator) WithPolicy(g PolicyGate) *Orchestrator {
	o.gate = g
	return o
}

// WithLedger sets the run history store
func (o *Orchestrator) WithLedger(l Ledger) *Orchestrator {
	o.ledger = l
	return o
}

// WithMetrics sets the metrics recorder
func (o *Orchestrator) WithMetrics(m Metrics) *Orchestrator {
	if m != nil {
		o.metrics = m
	}
	return o
}

// WithAttributor replaces the default attribution service
func (o *Orchestrator) WithAttributor(a Attributor) *Orchestrator {
	o.attributor = a
	return o
}

// Run performs one tagging run. It fails when the mapping cannot be loaded
// or the context ends; per-entry and per-resource problems are recorded in
// the result and do not stop the run.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	result := &RunResult{
		RunID:     o.newID(),
		StartTime: o.now(),
		DryRun:    o.cfg.DryRun,
		Counts:    make(map[Outcome]int),
		Success:   true,
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("run.id", result.RunID),
		attribute.Bool("run.dry_run", o.cfg.DryRun),
	))
	defer span.End()

	logger := o.logger.WithContext(ctx).With().Str("run_id", result.RunID).Logger()
	logger.Info().Bool("dry_run", o.cfg.DryRun).Msg("starting tagging run")

	entries, err := o.mappings.Load(ctx)
	if err != nil {
		err = fmt.Errorf("load mapping: %w", err)
		span.RecordError(err)
		return o.finishRun(ctx, result, err), err
	}

	processed := make([]EntryResult, len(entries))
	started := 0

	var g errgroup.Group
	g.SetLimit(o.cfg.MappingConcurrency)
	for i, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		started++
		g.Go(func() error {
			processed[i] = o.processEntry(ctx, entry)
			return nil
		})
	}
	_ = g.Wait()

	// entries never started after cancellation are left out
	result.Entries = processed[:started]

	for _, e := range result.Entries {
		if e.Error != "" {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", e.ResourceType, e.Error))
		}
		for _, r := range e.Resources {
			result.Counts[r.Outcome]++
		}
	}

	if err := ctx.Err(); err != nil {
		err = fmt.Errorf("run interrupted: %w", err)
		span.RecordError(err)
		return o.finishRun(ctx, result, err), err
	}

	return o.finishRun(ctx, result, nil), nil
}

func (o *Orchestrator) processEntry(ctx context.Context, m resource.Mapping) (entry EntryResult) {
	scope := m.Scope(o.cfg.Region)
	entry = EntryResult{
		EventName:    m.EventName,
		EventSource:  m.EventSource,
		ResourceType: m.ResourceType,
		Scope:        scope,
	}

	attrs := []attribute.KeyValue{
		attribute.String("resource.type", m.ResourceType),
		attribute.String("event.name", m.EventName),
		attribute.String("scope", scope),
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.entry", trace.WithAttributes(attrs...))
	defer span.End()

	o.logger.LogSpanStart(ctx, "orchestrator.entry", attrs...)
	defer func() {
		var err error
		if entry.Error != "" {
			err = errors.New(entry.Error)
		}
		o.logger.LogSpanEnd(ctx, "orchestrator.entry", err)
	}()

	if err := ctx.Err(); err != nil {
		entry.Skipped = true
		entry.Error = fmt.Sprintf("not started: %v", err)
		return entry
	}

	logger := o.logger.WithContext(ctx).With().
		Str("resource_type", m.ResourceType).
		Str("event_name", m.EventName).
		Logger()

	if !o.filter.ShouldScanType(m.ResourceType) {
		entry.Skipped = true
		logger.Debug().Msg("resource type excluded")
		return entry
	}

	records, err := o.inventory.Discover(ctx, resource.Query{
		ResourceType: m.ResourceType,
		Region:       scope,
		Exclude:      o.deriver.Marker(),
		MaxResults:   o.cfg.MaxResults,
	})
	if err != nil {
		span.RecordError(err)
		o.metrics.RecordLookupFailure(ctx, "discovery")
		logger.Warn().Err(err).Msg("discovery failed, skipping entry")
		entry.Error = fmt.Sprintf("discover: %v", err)
		return entry
	}

	entry.Discovered = len(records)
	o.metrics.RecordDiscovered(ctx, m.ResourceType, len(records))
	if len(records) == 0 {
		logger.Debug().Msg("no untagged resources")
		return entry
	}

	events, err := o.events.Lookup(ctx, m.EventName, m.EventSource)
	if err != nil {
		span.RecordError(err)
		o.metrics.RecordLookupFailure(ctx, "cloudtrail")
		logger.Warn().Err(err).Int("resources", len(records)).Msg("event lookup failed, skipping entry")
		entry.Error = fmt.Sprintf("lookup events: %v", err)
		return entry
	}
	entry.Events = len(events)

	candidates := attribution.Prepare(events)
	for _, record := range records {
		if ctx.Err() != nil {
			break
		}
		outcome := o.processResource(ctx, m, record, candidates)
		o.metrics.RecordOutcome(ctx, m.ResourceType, string(outcome.Outcome))
		entry.Resources = append(entry.Resources, outcome)
	}

	logger.Info().
		Int("resources", len(records)).
		Int("events", len(events)).
		Msg("entry processed")
	return entry
}

func (o *Orchestrator) processResource(ctx context.Context, m resource.Mapping, record resource.Record, candidates []attribution.Candidate) (out ResourceOutcome) {
	arnAttr := attribute.String("resource.arn", record.ARN)
	ctx, span := o.tracer.Start(ctx, "orchestrator.resource", trace.WithAttributes(arnAttr))
	defer span.End()

	o.logger.LogSpanStart(ctx, "orchestrator.resource", arnAttr)
	defer func() {
		var err error
		if out.Outcome == OutcomeFailed {
			err = errors.New(out.Error)
		}
		o.logger.LogSpanEnd(ctx, "orchestrator.resource", err)
	}()

	out = ResourceOutcome{ARN: record.ARN, Time: o.now()}
	logger := o.logger.WithContext(ctx).With().Str("arn", record.ARN).Logger()

	attr, err := o.attributor.Attribute(ctx, record.ARN, candidates)
	if err != nil {
		logger.Warn().Err(err).Msg("event payload unreadable, skipping resource")
		out.Outcome = OutcomeSkipped
		out.Error = err.Error()
		return out
	}
	if attr == nil {
		logger.Debug().Msg("no matching event")
		out.Outcome = OutcomeUnmatched
		return out
	}
	out.EventID = attr.EventID

	tags := o.deriver.Derive(ctx, attr.Identity)

	if o.gate != nil {
		decision, err := o.gate.Evaluate(ctx, o.gate.BuildPolicyInput(ctx, record, *attr, tags))
		if err != nil {
			logger.Warn().Err(err).Msg("policy evaluation failed, writing all tags")
		} else {
			if decision.Skip {
				logger.Info().Str("reason", decision.Reason).Msg("policy skipped resource")
				out.Outcome = OutcomeSkipped
				out.Reason = decision.Reason
				return out
			}
			tags = policy.Apply(decision, tags, o.deriver.Marker())
		}
	}
	out.Tags = tags

	if o.cfg.DryRun {
		logger.Info().Int("tags", len(tags)).Msg("dry run, not writing tags")
		out.Outcome = OutcomeDryRun
		return out
	}

	if err := o.apply(ctx, record.ARN, tags); err != nil {
		span.RecordError(err)
		logger.Warn().Err(err).Msg("tag write failed, resource will be retried next run")
		out.Outcome = OutcomeFailed
		out.Error = err.Error()
		return out
	}

	logger.Info().
		Str("event_id", attr.EventID).
		Str("principal", string(attr.Identity.Kind)).
		Int("tags", len(tags)).
		Msg("resource tagged")
	out.Outcome = OutcomeTagged
	return out
}

// apply writes tags one at a time in order and stops at the first failure,
// so the trailing marker is only written once everything before it landed.
func (o *Orchestrator) apply(ctx context.Context, arn string, tags []resource.Tag) error {
	for i, tag := range tags {
		if err := o.writer.Tag(ctx, arn, tag); err != nil {
			return fmt.Errorf("write tag %d of %d: %w", i+1, len(tags), err)
		}
	}
	return nil
}

func (o *Orchestrator) finishRun(ctx context.Context, result *RunResult, runErr error) *RunResult {
	result.EndTime = o.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	status := "success"
	if runErr != nil {
		result.Success = false
		result.Errors = append(result.Errors, runErr.Error())
		status = "failed"
	}
	// Metrics use a fresh context so an expired run is still counted
	o.metrics.RecordRun(context.WithoutCancel(ctx), status, result.Duration)
	o.recordLedger(ctx, result, status)

	o.logger.WithContext(ctx).Info().
		Str("run_id", result.RunID).
		Int("entries", len(result.Entries)).
		Int("discovered", result.Discovered()).
		Int("tagged", result.Counts[OutcomeTagged]).
		Int("unmatched", result.Counts[OutcomeUnmatched]).
		Int("skipped", result.Counts[OutcomeSkipped]).
		Int("failed", result.Counts[OutcomeFailed]).
		Dur("duration", result.Duration).
		Bool("success", result.Success).
		Msg("tagging run complete")

	return result
}

func (o *Orchestrator) recordLedger(ctx context.Context, result *RunResult, status string) {
	if o.ledger == nil {
		return
	}

	run := storage.RunRecord{
		RunID:      result.RunID,
		StartedAt:  result.StartTime,
		FinishedAt: result.EndTime,
		DryRun:     result.DryRun,
		Status:     status,
		Counts:     make(map[string]int, len(result.Counts)),
	}
	for k, v := range result.Counts {
		run.Counts[string(k)] = v
	}
	if len(result.Errors) > 0 {
		run.Error = strings.Join(result.Errors, "; ")
	}

	var outcomes []storage.OutcomeRecord
	for _, e := range result.Entries {
		for _, r := range e.Resources {
			outcomes = append(outcomes, storage.OutcomeRecord{
				RunID:        result.RunID,
				ARN:          r.ARN,
				ResourceType: e.ResourceType,
				EventName:    e.EventName,
				EventID:      r.EventID,
				Outcome:      string(r.Outcome),
				Tags:         r.Tags,
				Error:        r.Error,
				Time:         r.Time,
			})
		}
	}

	if _, err := o.ledger.RecordRun(run, outcomes); err != nil {
		o.logger.WithContext(ctx).Warn().Err(err).Str("run_id", result.RunID).Msg("failed to record run in ledger")
	}
}
