package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/yairfalse/autotag/internal/telemetry"
	"github.com/yairfalse/autotag/orchestrator"
)

// doneMessage is the body returned after a successful run.
const doneMessage = "Resource Auto Tagging done"

// deadlineMargin is left before the invocation deadline so the run summary
// and ledger are written before the function is frozen.
const deadlineMargin = 5 * time.Second

// Response is the invocation result.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

type runner interface {
	Run(ctx context.Context) (*orchestrator.RunResult, error)
}

type handler struct {
	runner  runner
	timeout time.Duration
	logger  *telemetry.Logger
}

func newHandler(r runner, timeout time.Duration) *handler {
	return &handler{
		runner:  r,
		timeout: timeout,
		logger:  telemetry.NewLogger("lambda"),
	}
}

// Handle runs one tagging pass for a scheduled event.
func (h *handler) Handle(ctx context.Context, event events.CloudWatchEvent) (Response, error) {
	ctx, cancel := h.runContext(ctx)
	defer cancel()

	h.logger.WithContext(ctx).Info().
		Str("event_id", event.ID).
		Str("source", event.Source).
		Msg("invocation started")

	result, err := h.runner.Run(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("auto tagging failed: %w", err)
	}

	h.logger.WithContext(ctx).Info().
		Str("run_id", result.RunID).
		Int("discovered", result.Discovered()).
		Int("tagged", result.Counts[orchestrator.OutcomeTagged]).
		Int("errors", len(result.Errors)).
		Msg("invocation finished")

	return Response{StatusCode: 200, Body: doneMessage}, nil
}

// runContext bounds the run by the configured timeout and the invocation
// deadline, whichever comes first.
func (h *handler) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if ok {
		deadline = deadline.Add(-deadlineMargin)
	}
	if h.timeout > 0 {
		if limit := time.Now().Add(h.timeout); !ok || limit.Before(deadline) {
			deadline, ok = limit, true
		}
	}
	if !ok {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}
