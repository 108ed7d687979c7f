package worker

import (
	"context"
	"strconv"

	"autotest/internal/autotest/events"
	"autotest/internal/autotest/model"
	"autotest/internal/autotest/observer"
	"autotest/internal/autotest/pipeline"
	"autotest/internal/autotest/sandbox"
	"autotest/pkg/utils/contextkey"
	"autotest/pkg/utils/logger"

	"go.uber.org/zap"
)

const studentZip = sandbox.StudentHome + "/student.zip"

// Reporter is the part of the coordinator a student worker talks to.
type Reporter interface {
	pipeline.StepReporter
	UpdateResult(ctx context.Context, resultID int64, update model.ResultUpdate) error
	SubmissionURL(resultID int64) string
	WgetHeaders() []string
}

// Config is shared by every student worker of a run.
type Config struct {
	RunID       int64
	AutoTestID  int64
	Sets        []model.Set
	SetupScript string
	// MemoryLimit is applied to both memory and memory+swap, e.g. "512M".
	MemoryLimit string
}

// Student grades one submission at a time in a clone of the base sandbox.
type Student struct {
	cfg       Config
	base      *sandbox.Container
	slots     *SlotPool
	pipeline  *pipeline.Pipeline
	reporter  Reporter
	publisher events.Publisher
	recorder  observer.Recorder
}

// NewStudent creates a student worker. base must be stopped while workers run.
func NewStudent(
	cfg Config,
	base *sandbox.Container,
	slots *SlotPool,
	p *pipeline.Pipeline,
	reporter Reporter,
	publisher events.Publisher,
	recorder observer.Recorder,
) *Student {
	return &Student{
		cfg:       cfg,
		base:      base,
		slots:     slots,
		pipeline:  p,
		reporter:  reporter,
		publisher: events.OrNop(publisher),
		recorder:  observer.OrNop(recorder),
	}
}

// Run grades the submission of resultID and reports its terminal state.
// A command timeout ends the submission as timed_out without an error; a
// stopped run reports nothing; any other failure is reported as failed and returned.
func (w *Student) Run(ctx context.Context, resultID int64) error {
	ctx = context.WithValue(ctx, contextkey.ResultID, resultID)

	slot, err := w.slots.Acquire(ctx)
	if err != nil {
		return err
	}
	logger.Info(ctx, "Acquired cpu slot", zap.Int("slot", slot))

	points, runErr := w.gradeInSlot(ctx, resultID, slot)
	return w.finish(ctx, resultID, points, runErr)
}

func (w *Student) gradeInSlot(ctx context.Context, resultID int64, slot int) (float64, error) {
	defer w.slots.Release(slot)
	return w.grade(ctx, resultID, slot)
}

func (w *Student) grade(ctx context.Context, resultID int64, slot int) (float64, error) {
	cont, err := w.base.Clone(ctx)
	if err != nil {
		return 0, err
	}
	if err := w.reporter.UpdateResult(ctx, resultID, model.ResultUpdate{State: model.ResultRunning}); err != nil {
		if destroyErr := cont.Destroy(context.WithoutCancel(ctx)); destroyErr != nil {
			logger.Warn(ctx, "destroy unused clone failed", zap.Error(destroyErr))
		}
		return 0, err
	}

	var total float64
	err = cont.Started(ctx, func(ctx context.Context, s *sandbox.Started) error {
		if err := w.applyLimits(ctx, s, slot); err != nil {
			return err
		}
		if err := w.downloadSubmission(ctx, s, resultID); err != nil {
			return err
		}
		if err := w.runSetupScript(ctx, s, resultID); err != nil {
			return err
		}
		if err := dropSudo(ctx, s); err != nil {
			return err
		}
		var err error
		total, err = w.pipeline.Run(ctx, s, resultID, w.cfg.Sets)
		return err
	})
	return total, err
}

func (w *Student) applyLimits(ctx context.Context, s *sandbox.Started, slot int) error {
	limits := []struct {
		key   sandbox.LimitKey
		value string
	}{
		{sandbox.LimitMemory, w.cfg.MemoryLimit},
		{sandbox.LimitCPUSet, strconv.Itoa(slot)},
		{sandbox.LimitMemorySwap, w.cfg.MemoryLimit},
	}
	for _, l := range limits {
		if l.value == "" {
			continue
		}
		if err := s.SetResourceLimit(ctx, l.key, l.value); err != nil {
			return err
		}
	}
	return nil
}

func (w *Student) downloadSubmission(ctx context.Context, s *sandbox.Started, resultID int64) error {
	url := w.reporter.SubmissionURL(resultID)
	logger.Info(ctx, "Downloading student code", zap.String("url", url))

	wget := append([]string{"wget"}, w.reporter.WgetHeaders()...)
	wget = append(wget, url, "-O", studentZip)
	cmds := []sandbox.Command{
		{Argv: wget, User: sandbox.StudentUser},
		{Argv: []string{"mkdir", "-p", sandbox.StudentDir}, User: sandbox.StudentUser},
		{Argv: []string{"unzip", studentZip, "-d", sandbox.StudentDir}, User: sandbox.StudentUser},
		{Argv: []string{"chmod", "-R", "777", sandbox.StudentDir}, User: sandbox.StudentUser},
		{Argv: []string{"rm", "-f", studentZip}},
	}
	for _, cmd := range cmds {
		if err := s.RunCommand(ctx, cmd); err != nil {
			return err
		}
	}
	logger.Info(ctx, "Extracted student code")
	return nil
}

// runSetupScript runs the configured setup script and reports its output.
// On timeout the partial output is reported before the timeout is returned.
func (w *Student) runSetupScript(ctx context.Context, s *sandbox.Started, resultID int64) error {
	if w.cfg.SetupScript == "" {
		return nil
	}
	logger.Info(ctx, "Running setup script")
	out, err := s.RunStudentCommand(ctx, w.cfg.SetupScript, nil)
	if err != nil {
		if _, ok := sandbox.AsTimeout(err); !ok {
			return err
		}
	}
	update := model.ResultUpdate{SetupStdout: &out.Stdout, SetupStderr: &out.Stderr}
	if reportErr := w.reporter.UpdateResult(ctx, resultID, update); reportErr != nil {
		return reportErr
	}
	return err
}

func dropSudo(ctx context.Context, s *sandbox.Started) error {
	logger.Info(ctx, "Dropping sudo rights")
	if err := s.RunCommand(ctx, sandbox.Command{Argv: []string{"deluser", sandbox.StudentUser, "sudo"}}); err != nil {
		return err
	}
	return s.RunCommand(ctx, sandbox.Command{
		Argv: []string{"sed", "-i", "s/^" + sandbox.StudentUser + ".*$//g", "/etc/sudoers"},
	})
}

func (w *Student) finish(ctx context.Context, resultID int64, points float64, runErr error) error {
	if sandbox.IsStopped(runErr) {
		logger.Warn(ctx, "Submission stopped before finishing", zap.Error(runErr))
		return runErr
	}

	state := model.ResultPassed
	ret := runErr
	if runErr != nil {
		if _, ok := sandbox.AsTimeout(runErr); ok {
			logger.Error(ctx, "Command timed out", zap.Error(runErr))
			state = model.ResultTimedOut
			ret = nil
		} else {
			logger.Error(ctx, "Something went wrong", zap.Error(runErr))
			state = model.ResultFailed
		}
	}

	w.recorder.ObserveResult(ctx, string(state), points)
	if err := w.reporter.UpdateResult(ctx, resultID, model.ResultUpdate{State: state}); err != nil {
		if ret == nil {
			ret = err
		} else {
			logger.Error(ctx, "report result state failed", zap.String("state", string(state)), zap.Error(err))
		}
	}
	w.publisher.Publish(ctx, events.Event{
		Type:       events.TypeResultFinished,
		RunID:      w.cfg.RunID,
		AutoTestID: w.cfg.AutoTestID,
		ResultID:   resultID,
		State:      string(state),
		Points:     points,
	})
	logger.Info(ctx, "Finished submission", zap.String("state", string(state)), zap.Float64("points", points))
	return ret
}

