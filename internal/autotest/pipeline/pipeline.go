// Package pipeline runs the Set, Suite and Step tree for one submission.
package pipeline

import (
	"context"
	"time"

	"autotest/internal/autotest/model"
	"autotest/internal/autotest/observer"
	"autotest/internal/autotest/sandbox"
	"autotest/internal/autotest/steps"
	"autotest/pkg/utils/contextkey"
	"autotest/pkg/utils/logger"

	"go.uber.org/zap"
)

// Sandbox is a started sandbox that can give every suite a clean state.
type Sandbox interface {
	steps.Runner
	WithCleanState(ctx context.Context, fn func(ctx context.Context) error) error
}

// StepReporter upserts step results and returns the id the coordinator assigned.
type StepReporter interface {
	UpsertStepResult(ctx context.Context, resultID int64, result model.StepResult) (int64, error)
}

// Pipeline walks the step tree of one submission.
type Pipeline struct {
	registry *steps.Registry
	reporter StepReporter
	recorder observer.Recorder
}

// New creates a pipeline.
func New(registry *steps.Registry, reporter StepReporter, recorder observer.Recorder) *Pipeline {
	return &Pipeline{registry: registry, reporter: reporter, recorder: observer.OrNop(recorder)}
}

// Run runs every set in order and returns the points scored. After each set the
// remaining sets are skipped when the total is below the set's stop_points.
func (p *Pipeline) Run(ctx context.Context, sb Sandbox, resultID int64, sets []model.Set) (float64, error) {
	total := 0.0
	for i, set := range sets {
		for _, suite := range set.Suites {
			points, err := p.runSuite(ctx, sb, resultID, suite, total)
			total += points
			if err != nil {
				return total, err
			}
		}
		if total < set.StopPoints {
			logger.Info(ctx, "Not enough points to continue",
				zap.Int64("set_id", set.ID),
				zap.Float64("total", total),
				zap.Float64("stop_points", set.StopPoints),
				zap.Int("skipped_sets", len(sets)-i-1),
			)
			break
		}
	}
	return total, nil
}

func (p *Pipeline) runSuite(ctx context.Context, sb Sandbox, resultID int64, suite model.Suite, before float64) (float64, error) {
	suiteTotal := 0.0
	err := sb.WithCleanState(ctx, func(ctx context.Context) error {
		for _, step := range suite.Steps {
			points, stop, err := p.runStep(ctx, sb, resultID, step, before+suiteTotal)
			suiteTotal += points
			if err != nil {
				return err
			}
			if stop {
				logger.Info(ctx, "Stopping remaining steps of suite", zap.Int64("suite_id", suite.ID))
				return nil
			}
		}
		return nil
	})
	return suiteTotal, err
}

// runStep reports the step as running, executes it and reports the outcome.
// It returns the points earned and whether the rest of the suite must be skipped.
func (p *Pipeline) runStep(ctx context.Context, sb Sandbox, resultID int64, step model.Step, achieved float64) (float64, bool, error) {
	ctx = context.WithValue(ctx, contextkey.StepID, step.ID)
	handler, err := p.registry.Lookup(step.Kind)
	if err != nil {
		return 0, false, err
	}

	report := &stepReport{reporter: p.reporter, resultID: resultID, stepID: step.ID}
	if err := report.update(ctx, model.StepRunning, map[string]any{}); err != nil {
		return 0, false, err
	}

	logger.Info(ctx, "Running step", zap.String("kind", step.Kind), zap.Float64("weight", step.Weight))
	begin := time.Now()
	outcome, err := handler.Execute(ctx, sb, step, achieved)
	elapsed := time.Since(begin)

	switch {
	case err == nil:
		points := outcome.Points
		if points < 0 {
			points = 0
		}
		p.recorder.ObserveStep(ctx, step.Kind, string(outcome.State), elapsed)
		logger.Info(ctx, "Ran step", zap.String("state", string(outcome.State)), zap.Float64("points", points))
		return points, false, report.update(ctx, outcome.State, outcome.Log)

	case steps.IsStopRunningSteps(err):
		logger.Info(ctx, "Step stopped the suite", zap.Error(err))
		if outcome.State != "" {
			p.recorder.ObserveStep(ctx, step.Kind, string(outcome.State), elapsed)
			return 0, true, report.update(ctx, outcome.State, outcome.Log)
		}
		return 0, true, nil

	default:
		timeout, ok := sandbox.AsTimeout(err)
		if !ok {
			return 0, false, err
		}
		logger.Warn(ctx, "Command timed out", zap.Error(err))
		p.recorder.ObserveStep(ctx, step.Kind, string(model.StepTimedOut), elapsed)
		return 0, false, report.update(ctx, model.StepTimedOut, map[string]any{
			"exit_code": -1,
			"stdout":    timeout.Stdout,
			"stderr":    timeout.Stderr,
		})
	}
}

// stepReport creates the step result on its first update and updates it afterwards.
type stepReport struct {
	reporter StepReporter
	resultID int64
	stepID   int64
	id       int64
}

func (r *stepReport) update(ctx context.Context, state model.StepState, log map[string]any) error {
	if log == nil {
		log = map[string]any{}
	}
	id, err := r.reporter.UpsertStepResult(ctx, r.resultID, model.StepResult{
		ID:     r.id,
		StepID: r.stepID,
		State:  state,
		Log:    log,
	})
	if err != nil {
		return err
	}
	r.id = id
	return nil
}
