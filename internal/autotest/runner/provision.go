package runner

import (
	"context"
	"path"

	"autotest/internal/autotest/model"
	"autotest/internal/autotest/sandbox"
	"autotest/pkg/utils/logger"

	"go.uber.org/zap"
)

// InstallFile is a host file copied into the base sandbox and made executable.
type InstallFile struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

type fixtureSource interface {
	FixtureURL(fixtureID int64) string
	WgetHeaders() []string
}

var (
	osPackageCommands = [][]string{
		{"apt-get", "update"},
		{"apt-get", "upgrade", "-y"},
		{"apt-get", "install", "-y", "wget", "curl", "unzip"},
	}
	sudoersLine = []byte("\n" + sandbox.StudentUser + " ALL=(ALL) NOPASSWD: ALL\n")
)

// provision installs everything student sandboxes share. The sandbox user
// keeps sudo rights here; every clone drops them before running steps.
func (c *Controller) provision(ctx context.Context, s *sandbox.Started, ins *model.Instructions, systems []model.BaseSystem, fixtures fixtureSource) error {
	done := logger.Timed(ctx, "install_base_system")
	for _, argv := range osPackageCommands {
		if err := s.RunCommand(ctx, sandbox.Command{Argv: argv}); err != nil {
			done()
			return err
		}
	}
	done()

	for _, f := range c.cfg.InstallFiles {
		if err := s.CopyFile(ctx, f.Source, f.Target); err != nil {
			return err
		}
		if err := s.RunCommand(ctx, sandbox.Command{Argv: []string{"chmod", "+x", f.Target}}); err != nil {
			return err
		}
	}

	userCmds := []sandbox.Command{
		{Argv: []string{"adduser", "--shell", "/bin/bash", "--disabled-password", "--gecos", "", sandbox.StudentUser}},
		{Argv: []string{"usermod", "-aG", "sudo", sandbox.StudentUser}},
		{Argv: []string{"tee", "--append", "/etc/sudoers"}, Stdin: sudoersLine},
	}
	for _, cmd := range userCmds {
		if err := s.RunCommand(ctx, cmd); err != nil {
			return err
		}
	}

	if err := runAsStudent(ctx, s, "installing_base_systems", systems, func(bs model.BaseSystem) [][]string {
		return bs.SetupCommands
	}); err != nil {
		return err
	}
	if err := downloadFixtures(ctx, s, ins.Fixtures, fixtures); err != nil {
		return err
	}
	return runAsStudent(ctx, s, "finalize_base_systems", systems, func(bs model.BaseSystem) [][]string {
		return bs.PreStartCommands
	})
}

func runAsStudent(ctx context.Context, s *sandbox.Started, section string, systems []model.BaseSystem, commands func(model.BaseSystem) [][]string) error {
	defer logger.Timed(ctx, section)()
	for _, bs := range systems {
		for _, argv := range commands(bs) {
			if err := s.RunCommand(ctx, sandbox.Command{Argv: argv, User: sandbox.StudentUser}); err != nil {
				logger.Error(ctx, "Base system command failed", zap.String("base_system", bs.ID), zap.Error(err))
				return err
			}
		}
	}
	return nil
}

func downloadFixtures(ctx context.Context, s *sandbox.Started, fixtures []model.Fixture, src fixtureSource) error {
	defer logger.Timed(ctx, "download_fixtures")()

	if err := s.RunCommand(ctx, sandbox.Command{Argv: []string{"mkdir", "-p", sandbox.FixturesDir}, User: sandbox.StudentUser}); err != nil {
		return err
	}
	for _, f := range fixtures {
		url := src.FixtureURL(f.ID)
		argv := append([]string{"wget"}, src.WgetHeaders()...)
		argv = append(argv, url, "-O", path.Join(sandbox.FixturesDir, path.Base(f.Name)))
		if err := s.RunCommand(ctx, sandbox.Command{Argv: argv, User: sandbox.StudentUser}); err != nil {
			return err
		}
		logger.Info(ctx, "Downloaded fixture", zap.String("name", f.Name), zap.String("url", url))
	}
	return s.RunCommand(ctx, sandbox.Command{Argv: []string{"chmod", "-R", "755", sandbox.FixturesDir}, User: sandbox.StudentUser})
}
