// Package runner drives one run: it provisions the base sandbox, grades every
// submission and keeps the coordinator informed.
package runner

import (
	"context"
	"runtime"
	"time"

	"autotest/internal/autotest/events"
	"autotest/internal/autotest/model"
	"autotest/internal/autotest/observer"
	"autotest/internal/autotest/pipeline"
	"autotest/internal/autotest/sandbox"
	"autotest/internal/autotest/steps"
	"autotest/internal/autotest/worker"
	"autotest/pkg/utils/contextkey"
	"autotest/pkg/utils/logger"

	"go.uber.org/zap"
)

// RunReporter is the coordinator API used during a run.
type RunReporter interface {
	worker.Reporter
	UpdateRunState(ctx context.Context, state model.RunState) error
	Heartbeat(ctx context.Context) error
	PostLogs(ctx context.Context, logs []map[string]any) error
	FixtureURL(fixtureID int64) string
}

// Runner executes runs handed out by one kind of coordinator endpoint.
type Runner interface {
	Kind() string
	Run(ctx context.Context, endpoint string, ins *model.Instructions, rc RunReporter) error
	// AfterRun returns the host at ip to a clean state once a run finished.
	AfterRun(ctx context.Context, ip string) error
}

// Config tunes every run.
type Config struct {
	Image   sandbox.ImageSpec
	Sandbox sandbox.Options
	// MemoryLimit is applied to every student sandbox.
	MemoryLimit string
	// CPUCount is the number of concurrently graded submissions; 0 means all host CPUs.
	CPUCount        int
	InstallFiles    []InstallFile
	LogPushInterval time.Duration
	JoinInterval    time.Duration
}

// Deps are the collaborators shared by every run.
type Deps struct {
	Backend   sandbox.Backend
	Catalog   *model.Catalog
	Steps     *steps.Registry
	Publisher events.Publisher
	Recorder  observer.Recorder
	Status    *Status
}

// Controller runs one run at a time.
type Controller struct {
	cfg  Config
	deps Deps
}

// NewController creates a controller.
func NewController(cfg Config, deps Deps) *Controller {
	if deps.Catalog == nil {
		deps.Catalog = model.NewCatalog()
	}
	if deps.Steps == nil {
		deps.Steps = steps.NewRegistry()
	}
	deps.Publisher = events.OrNop(deps.Publisher)
	deps.Recorder = observer.OrNop(deps.Recorder)
	if cfg.Sandbox.Recorder == nil {
		cfg.Sandbox.Recorder = deps.Recorder
	}
	return &Controller{cfg: cfg, deps: deps}
}

func (c *Controller) cpuCount() int {
	if c.cfg.CPUCount > 0 {
		return c.cfg.CPUCount
	}
	return runtime.NumCPU()
}

// Run executes ins and reports its terminal state: done on success, crashed
// otherwise. Logs collected during the run are flushed before the final state
// is reported. The returned error is the one that crashed the run.
func (c *Controller) Run(ctx context.Context, endpoint string, ins *model.Instructions, rc RunReporter) (err error) {
	ctx = context.WithValue(ctx, contextkey.RunID, ins.RunID)
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	c.deps.Status.begin(ins, endpoint)
	defer c.deps.Status.end()

	shipper := startLogShipper(ctx, rc, c.cfg.LogPushInterval)
	heartbeat := startHeartbeat(ctx, rc, ins.Heartbeat())
	tracker := newStateTracker(rc, c.deps.Status)

	defer func() {
		final := context.WithoutCancel(ctx)
		heartbeat.stop()

		state := model.RunDone
		if err != nil {
			logger.Warn(ctx, "Something went wrong running tests", zap.Error(err))
			state = model.RunCrashed
		} else {
			logger.Info(ctx, "Finished running tests")
		}
		shipper.stop(final)

		if patchErr := tracker.set(final, state); patchErr != nil {
			if err == nil {
				err = patchErr
			} else {
				logger.Error(ctx, "report final run state failed", zap.Error(patchErr))
			}
		}
		c.deps.Recorder.ObserveRun(ctx, string(state))
		c.deps.Publisher.Publish(ctx, events.Event{
			Type:       events.TypeRunFinished,
			RunID:      ins.RunID,
			AutoTestID: ins.AutoTestID,
			State:      string(state),
		})
	}()

	if err := tracker.set(ctx, model.RunStarting); err != nil {
		return err
	}
	defer logger.Timed(ctx, "run_complete_auto_test")()
	return c.run(ctx, stop, ins, rc, tracker)
}

func (c *Controller) run(ctx context.Context, stop context.CancelFunc, ins *model.Instructions, rc RunReporter, tracker *stateTracker) error {
	systems, err := c.deps.Catalog.Resolve(ins.BaseSystems)
	if err != nil {
		return err
	}
	if err := c.deps.Steps.CheckSets(ins.Sets); err != nil {
		return err
	}

	base, err := sandbox.Create(ctx, c.deps.Backend, c.cfg.Image, c.cfg.Sandbox)
	if err != nil {
		return err
	}
	return base.Started(ctx, func(ctx context.Context, s *sandbox.Started) error {
		if err := c.provision(ctx, s, ins, systems, rc); err != nil {
			return err
		}
		if err := s.Stop(ctx); err != nil {
			return err
		}
		if err := tracker.set(ctx, model.RunRunning); err != nil {
			return err
		}

		slots := worker.NewSlotPool(c.cpuCount(), c.deps.Recorder)
		c.deps.Status.setSlots(slots)
		student := worker.NewStudent(
			worker.Config{
				RunID:       ins.RunID,
				AutoTestID:  ins.AutoTestID,
				Sets:        ins.Sets,
				SetupScript: ins.SetupScript,
				MemoryLimit: c.cfg.MemoryLimit,
			},
			base,
			slots,
			pipeline.New(c.deps.Steps, rc, c.deps.Recorder),
			rc,
			c.deps.Publisher,
			c.deps.Recorder,
		)
		pool := worker.NewPool(slots)
		if c.cfg.JoinInterval > 0 {
			pool.JoinInterval = c.cfg.JoinInterval
		}

		defer logger.Timed(ctx, "running_students", zap.Int("submissions", len(ins.ResultIDs)))()
		if err := pool.Run(ctx, ins.ResultIDs, student.Run); err != nil {
			logger.Info(ctx, "Done with containers, cleaning up")
			stop()
			return err
		}
		return nil
	})
}

// Simple runs tests on the local host and needs no cleanup afterwards.
type Simple struct {
	*Controller
}

const KindSimple = "simple_runner"

// NewSimple creates the simple_runner variant.
func NewSimple(controller *Controller) *Simple {
	return &Simple{Controller: controller}
}

func (s *Simple) Kind() string {
	return KindSimple
}

func (s *Simple) AfterRun(ctx context.Context, ip string) error {
	logger.Info(ctx, "Call after run", zap.String("ip", ip))
	return nil
}
