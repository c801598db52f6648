// Package guard runs the ordered pre-forwarding checks of a request:
// authentication, content and client policy, session assignment, request
// rewriting, rate limits and provider selection.
//
// Each Step either lets the request through (nil) or answers it with a
// terminal Response; the first terminal Response stops the pipeline.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nulpointcorp/llm-relay/internal/failure"
	"github.com/nulpointcorp/llm-relay/internal/session"
	"github.com/nulpointcorp/llm-relay/internal/tracing"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// Step is one guard check.
type Step interface {
	Name() string
	Check(ctx context.Context, s *session.Session) *Response
}

// Response is a terminal answer produced by a step.
//
// When Body is set it is written verbatim with ContentType; otherwise the
// proxy renders Message and Code in the envelope of the request format.
type Response struct {
	Status      int
	Category    failure.Category
	Code        string
	Message     string
	Body        []byte
	ContentType string
}

func reject(status int, cat failure.Category, code, msg string) *Response {
	return &Response{Status: status, Category: cat, Code: code, Message: msg}
}

// Recorder receives guard metrics.
type Recorder interface {
	RecordGuardShortCircuit(step string)
	RecordRateLimit(kind, result string)
}

type nopRecorder struct{}

func (nopRecorder) RecordGuardShortCircuit(string) {}
func (nopRecorder) RecordRateLimit(string, string) {}

// Pipeline is an ordered list of steps.
type Pipeline struct {
	name    string
	steps   []Step
	metrics Recorder
	log     *slog.Logger
}

// NewPipeline creates a Pipeline. A nil recorder or logger is replaced by a
// no-op recorder and slog.Default().
func NewPipeline(name string, steps []Step, metrics Recorder, log *slog.Logger) *Pipeline {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{name: name, steps: steps, metrics: metrics, log: log}
}

// Name returns the pipeline variant name.
func (p *Pipeline) Name() string { return p.name }

// Steps returns the step names in run order.
func (p *Pipeline) Steps() []string {
	out := make([]string, len(p.steps))
	for i, st := range p.steps {
		out[i] = st.Name()
	}
	return out
}

// Run executes the steps in order and returns the first terminal response,
// or nil when every step passed.
func (p *Pipeline) Run(ctx context.Context, s *session.Session) *Response {
	for _, st := range p.steps {
		resp := p.check(ctx, st, s)
		if resp == nil {
			continue
		}
		p.metrics.RecordGuardShortCircuit(st.Name())
		p.log.Debug("guard_short_circuit",
			slog.String("request_id", s.RequestID),
			slog.String("pipeline", p.name),
			slog.String("step", st.Name()),
			slog.Int("status", resp.Status),
			slog.String("code", resp.Code),
		)
		return resp
	}
	return nil
}

func (p *Pipeline) check(ctx context.Context, st Step, s *session.Session) (resp *Response) {
	ctx, span := tracing.Start(ctx, "guard."+st.Name(),
		attribute.String("relay.request_id", s.RequestID),
	)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("guard: step %s panicked: %v", st.Name(), rec)
			tracing.Fail(span, err)
			p.log.Error("guard_step_panic",
				slog.String("request_id", s.RequestID),
				slog.String("step", st.Name()),
				slog.Any("panic", rec),
			)
			resp = reject(http.StatusInternalServerError, failure.System, apierr.CodeInternalError, "internal error")
		}
	}()

	resp = st.Check(ctx, s)
	if resp != nil {
		span.SetAttributes(
			attribute.Int("relay.guard.status", resp.Status),
			attribute.String("relay.guard.code", resp.Code),
		)
	}
	return resp
}

// StepFunc adapts a function to Step.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, s *session.Session) *Response
}

func (f StepFunc) Name() string { return f.StepName }
func (f StepFunc) Check(ctx context.Context, s *session.Session) *Response {
	return f.Fn(ctx, s)
}
