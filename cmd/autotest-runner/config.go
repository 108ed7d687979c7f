package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"autotest/internal/autotest/coordinator"
	"autotest/internal/autotest/ops"
	"autotest/internal/autotest/runner"
	"autotest/internal/autotest/sandbox"
	"autotest/internal/autotest/sandbox/dockerengine"
	"autotest/internal/autotest/sandbox/engine"
	"autotest/internal/common/mq"
	"autotest/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultPollInterval     = 30 * time.Second
	defaultRequestTimeout   = 30 * time.Second
	defaultMaxSingleRunTime = 10 * time.Second
	defaultOutputLimit      = "64k"
	defaultEventsTopic      = "autotest.results"
	defaultSandboxRoot      = "/var/lib/autotest/sandboxes"

	backendLocal  = "local"
	backendDocker = "docker"
)

// PollConfig holds polling settings.
type PollConfig struct {
	Interval       time.Duration `yaml:"interval"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// AutoTestConfig holds per-run settings.
type AutoTestConfig struct {
	MaxSingleRunTime time.Duration        `yaml:"maxSingleRunTime"`
	OutputLimit      string               `yaml:"outputLimit"`
	MemoryLimit      string               `yaml:"memoryLimit"`
	BackingStore     string               `yaml:"backingStore"`
	CPUCount         int                  `yaml:"cpuCount"`
	BaseSystemsFile  string               `yaml:"baseSystemsFile"`
	InstallFiles     []runner.InstallFile `yaml:"installFiles"`
	LogPushInterval  time.Duration        `yaml:"logPushInterval"`
	JoinInterval     time.Duration        `yaml:"joinInterval"`
	Image            ImageConfig          `yaml:"image"`
}

// ImageConfig selects the base sandbox image.
type ImageConfig struct {
	Distribution string `yaml:"distribution"`
	Release      string `yaml:"release"`
	Arch         string `yaml:"arch"`
	Source       string `yaml:"source"`
}

// SandboxConfig holds sandbox backend settings.
type SandboxConfig struct {
	Backend      string              `yaml:"backend"`
	TempDir      string              `yaml:"tempDir"`
	PollInterval time.Duration       `yaml:"pollInterval"`
	DrainTimeout time.Duration       `yaml:"drainTimeout"`
	Local        engine.Config       `yaml:"local"`
	Docker       dockerengine.Config `yaml:"docker"`
}

// EventsConfig holds result event publishing settings. No brokers disables publishing.
type EventsConfig struct {
	Kafka          mq.KafkaConfig `yaml:"kafka"`
	RequiredAcks   int            `yaml:"requiredAcks"`
	Compression    string         `yaml:"compression"`
	Topic          string         `yaml:"topic"`
	PublishTimeout time.Duration  `yaml:"publishTimeout"`
}

// AppConfig holds autotest-runner config.
type AppConfig struct {
	Server    ops.Config             `yaml:"server"`
	Logger    logger.Config          `yaml:"logger"`
	Poll      PollConfig             `yaml:"poll"`
	Endpoints []coordinator.Endpoint `yaml:"endpoints"`
	AutoTest  AutoTestConfig         `yaml:"autotest"`
	Sandbox   SandboxConfig          `yaml:"sandbox"`
	Events    EventsConfig           `yaml:"events"`
	EC2       runner.EC2Config       `yaml:"ec2"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	for i, ep := range cfg.Endpoints {
		if ep.URL == "" {
			return nil, fmt.Errorf("endpoint %d: url is required", i)
		}
		if ep.Kind == "" {
			cfg.Endpoints[i].Kind = runner.KindSimple
		}
	}
	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = defaultPollInterval
	}
	if cfg.Poll.RequestTimeout == 0 {
		cfg.Poll.RequestTimeout = defaultRequestTimeout
	}
	if cfg.AutoTest.MaxSingleRunTime == 0 {
		cfg.AutoTest.MaxSingleRunTime = defaultMaxSingleRunTime
	}
	if cfg.AutoTest.OutputLimit == "" {
		cfg.AutoTest.OutputLimit = defaultOutputLimit
	}
	if _, err := sandbox.ParseSize(cfg.AutoTest.OutputLimit); err != nil {
		return nil, fmt.Errorf("autotest.outputLimit: %w", err)
	}
	if cfg.AutoTest.MemoryLimit != "" {
		if _, err := sandbox.ParseSize(cfg.AutoTest.MemoryLimit); err != nil {
			return nil, fmt.Errorf("autotest.memoryLimit: %w", err)
		}
	}
	if cfg.AutoTest.CPUCount < 0 {
		return nil, fmt.Errorf("autotest.cpuCount must not be negative")
	}
	switch cfg.Sandbox.Backend {
	case "":
		cfg.Sandbox.Backend = backendLocal
	case backendLocal, backendDocker:
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Sandbox.Backend)
	}
	if cfg.Sandbox.Local.Root == "" {
		cfg.Sandbox.Local.Root = defaultSandboxRoot
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = defaultEventsTopic
	}
	return &cfg, nil
}

// validateKinds fails when an endpoint names a runner kind that is not registered.
func validateKinds(endpoints []coordinator.Endpoint, runners *runner.Registry) error {
	for _, ep := range endpoints {
		if _, err := runners.Lookup(ep.Kind); err != nil {
			return fmt.Errorf("endpoint %s: %w", ep.URL, err)
		}
	}
	return nil
}

func (a AutoTestConfig) imageSpec() sandbox.ImageSpec {
	return sandbox.ImageSpec{
		Distribution: a.Image.Distribution,
		Release:      a.Image.Release,
		Arch:         a.Image.Arch,
		Source:       a.Image.Source,
		BackingStore: a.BackingStore,
	}
}

func (c *AppConfig) sandboxOptions() sandbox.Options {
	limit, _ := sandbox.ParseSize(c.AutoTest.OutputLimit)
	return sandbox.Options{
		OutputLimit:    int(limit),
		StudentTimeout: c.AutoTest.MaxSingleRunTime,
		PollInterval:   c.Sandbox.PollInterval,
		DrainTimeout:   c.Sandbox.DrainTimeout,
		TempDir:        c.Sandbox.TempDir,
	}
}

func (c *AppConfig) runnerConfig() runner.Config {
	return runner.Config{
		Image:           c.AutoTest.imageSpec(),
		Sandbox:         c.sandboxOptions(),
		MemoryLimit:     c.AutoTest.MemoryLimit,
		CPUCount:        c.AutoTest.CPUCount,
		InstallFiles:    c.AutoTest.InstallFiles,
		LogPushInterval: c.AutoTest.LogPushInterval,
		JoinInterval:    c.AutoTest.JoinInterval,
	}
}

func (e EventsConfig) toMQConfig() mq.KafkaConfig {
	cfg := e.Kafka
	cfg.RequiredAcks = kafka.RequiredAcks(e.RequiredAcks)
	cfg.Compression = parseCompression(e.Compression)
	return cfg
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}
