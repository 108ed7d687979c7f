package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"autotest/internal/autotest/coordinator"
	"autotest/internal/autotest/events"
	"autotest/internal/autotest/model"
	"autotest/internal/autotest/observer"
	"autotest/internal/autotest/ops"
	"autotest/internal/autotest/poller"
	"autotest/internal/autotest/runner"
	"autotest/internal/autotest/sandbox"
	"autotest/internal/autotest/sandbox/dockerengine"
	"autotest/internal/autotest/sandbox/engine"
	"autotest/internal/common/mq"
	"autotest/pkg/utils/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConfigPath = "configs/autotest_runner.yaml"
	kafkaPingTimeout  = 5 * time.Second
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "autotest-runner",
		Short:         "Grades submissions handed out by coordinator endpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoll(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to config file")

	pollCmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll the configured endpoints and run tests until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoll(configPath)
		},
	}

	var kind, ip string
	afterRunCmd := &cobra.Command{
		Use:   "after-run",
		Short: "Return the runner host at --ip to a clean state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAfterRun(configPath, kind, ip)
		},
	}
	afterRunCmd.Flags().StringVar(&kind, "kind", runner.KindSimple, "Runner kind")
	afterRunCmd.Flags().StringVar(&ip, "ip", "", "Address of the runner host (required)")
	_ = afterRunCmd.MarkFlagRequired("ip")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(pollCmd, afterRunCmd, versionCmd)
	return rootCmd
}

// app holds everything built from the config.
type app struct {
	cfg      *AppConfig
	registry *prometheus.Registry
	status   *runner.Status
	runners  *runner.Registry
	closers  []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = logger.Sync()
}

func runPoll(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath, endpointKinds)
	if err != nil {
		return err
	}
	defer a.close()

	if len(a.cfg.Endpoints) == 0 {
		logger.Warn(ctx, "no endpoints configured")
	}
	if err := validateKinds(a.cfg.Endpoints, a.runners); err != nil {
		return err
	}

	clients := make([]*coordinator.Client, 0, len(a.cfg.Endpoints))
	for _, ep := range a.cfg.Endpoints {
		clients = append(clients, coordinator.New(ep, a.cfg.Poll.RequestTimeout))
	}
	p := poller.New(poller.FromClients(clients...), a.runners, a.cfg.Poll.Interval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ops.Serve(gctx, a.cfg.Server, ops.NewRouter(a.status, a.runners, a.registry))
	})
	g.Go(func() error {
		err := p.Run(gctx)
		stop()
		return err
	})
	if err := g.Wait(); err != nil {
		logger.Error(ctx, "runner stopped", zap.Error(err))
		return err
	}
	logger.Info(context.Background(), "runner stopped")
	return nil
}

func runAfterRun(configPath, kind, ip string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath, func(*AppConfig) []string { return []string{kind} })
	if err != nil {
		return err
	}
	defer a.close()

	run, err := a.runners.Lookup(kind)
	if err != nil {
		return err
	}
	if err := run.AfterRun(ctx, ip); err != nil {
		logger.Error(ctx, "after run failed", zap.String("kind", kind), zap.String("ip", ip), zap.Error(err))
		return err
	}
	return nil
}

func endpointKinds(cfg *AppConfig) []string {
	kinds := make([]string, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		kinds = append(kinds, ep.Kind)
	}
	return kinds
}

func newApp(ctx context.Context, configPath string, kinds func(*AppConfig) []string) (*app, error) {
	cfg, err := loadAppConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load app config failed: %w", err)
	}
	if err := logger.Init(cfg.Logger); err != nil {
		return nil, fmt.Errorf("init logger failed: %w", err)
	}
	a := &app{cfg: cfg, registry: prometheus.NewRegistry(), status: runner.NewStatus()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := observer.NewPrometheusRecorder(a.registry)

	backend, err := newBackend(cfg.Sandbox)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init sandbox backend failed: %w", err)
	}
	catalog, err := model.LoadCatalog(cfg.AutoTest.BaseSystemsFile)
	if err != nil {
		a.close()
		return nil, err
	}
	publisher, err := a.newPublisher(cfg.Events)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init kafka failed: %w", err)
	}

	controller := runner.NewController(cfg.runnerConfig(), runner.Deps{
		Backend:   backend,
		Catalog:   catalog,
		Publisher: publisher,
		Recorder:  recorder,
		Status:    a.status,
	})
	a.runners = runner.NewRegistry(runner.NewSimple(controller))
	if slices.Contains(kinds(cfg), runner.KindEC2) {
		ec2Runner, err := runner.NewEC2(ctx, controller, cfg.EC2)
		if err != nil {
			a.close()
			return nil, err
		}
		a.runners.Register(ec2Runner)
	}
	logger.Info(ctx, "autotest runner configured",
		zap.String("version", version),
		zap.String("backend", cfg.Sandbox.Backend),
		zap.Strings("kinds", a.runners.Kinds()),
		zap.Int("endpoints", len(cfg.Endpoints)),
	)
	return a, nil
}

func newBackend(cfg SandboxConfig) (sandbox.Backend, error) {
	switch cfg.Backend {
	case backendDocker:
		return dockerengine.NewBackend(cfg.Docker)
	default:
		return engine.NewBackend(cfg.Local)
	}
}

func (a *app) newPublisher(cfg EventsConfig) (events.Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return events.Nop{}, nil
	}
	producer, err := mq.NewKafkaProducer(cfg.toMQConfig())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		_ = producer.Close()
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), kafkaPingTimeout)
	defer cancel()
	if err := producer.Ping(pingCtx); err != nil {
		logger.Warn(pingCtx, "kafka broker unreachable", zap.Error(err))
	}
	return events.NewQueuePublisher(producer, cfg.Topic, cfg.PublishTimeout), nil
}
