package sandbox

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	appErr "autotest/pkg/errors"
	"autotest/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	// StudentUser is the unprivileged account student code runs as.
	StudentUser = "autotest"
	StudentHome = "/home/autotest"
	StudentDir  = "/home/autotest/student/"
	FixturesDir = "/home/autotest/fixtures/"

	systemPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// Command is one command run inside a started sandbox.
type Command struct {
	Argv []string
	Dir  string
	// User is the account to run as; empty means root.
	User  string
	Env   []string
	Stdin []byte
	// Timeout of zero means the command may run forever.
	Timeout time.Duration
	// OutputLimit of zero means output is not truncated.
	OutputLimit int
	Stdout      func([]byte)
	Stderr      func([]byte)
}

// StudentOutput is what a student command produced.
type StudentOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec runs cmd and returns its exit status. Output is streamed through two FIFOs
// into the command's sinks; both readers are drained before Exec returns.
func (s *Started) Exec(ctx context.Context, cmd Command) (int, error) {
	if err := CheckStopped(ctx, "attach"); err != nil {
		return -1, err
	}
	if len(cmd.Argv) == 0 {
		return -1, appErr.New(appErr.InvalidParams).WithMessage("command argv is empty")
	}
	s.markDirty()
	begin := time.Now()

	workDir, err := os.MkdirTemp(s.opts.TempDir, "autotest-exec-")
	if err != nil {
		return -1, appErr.Wrapf(err, appErr.AttachFailed, "create exec dir failed: %v", err)
	}
	defer func() {
		_ = os.RemoveAll(workDir)
	}()

	stdin, err := openStdin(workDir, cmd.Stdin)
	if err != nil {
		return -1, appErr.Wrapf(err, appErr.AttachFailed, "prepare stdin failed: %v", err)
	}
	defer func() {
		_ = stdin.Close()
	}()

	pipes, err := openFifoPair(workDir)
	if err != nil {
		return -1, appErr.Wrapf(err, appErr.AttachFailed, "create output pipes failed: %v", err)
	}
	defer pipes.closeReaders()
	defer pipes.closeWriters()

	limiter := newOutputLimiter(cmd.OutputLimit)
	outReader := startPipeReader(ctx, pipes.stdoutR, limiter.wrap(orDiscard(cmd.Stdout)))
	errReader := startPipeReader(ctx, pipes.stderrR, limiter.wrap(orDiscard(cmd.Stderr)))

	env := cmd.Env
	if env == nil {
		env = envFor(cmd.User)
	}
	proc, err := s.handle.Attach(ctx, AttachRequest{
		Argv:   cmd.Argv,
		Dir:    cmd.Dir,
		User:   cmd.User,
		Env:    env,
		Stdin:  stdin,
		Stdout: pipes.stdoutW,
		Stderr: pipes.stderrW,
	})
	if err != nil {
		pipes.closeWriters()
		s.joinReaders(ctx, pipes, outReader, errReader)
		return -1, wrapBackend(err, appErr.AttachFailed, "attach %q to %s failed", strings.Join(cmd.Argv, " "), s.handle.Name())
	}

	exitCode, waitErr := s.wait(ctx, proc, cmd)
	if err := proc.Release(); err != nil {
		logger.Warn(ctx, "release process failed", zap.Int("pid", proc.Pid()), zap.Error(err))
	}
	// The command has exited, so closing our write ends lets the readers reach EOF.
	pipes.closeWriters()
	s.joinReaders(ctx, pipes, outReader, errReader)

	_, timedOut := AsTimeout(waitErr)
	s.opts.Recorder.ObserveCommand(ctx, cmd.User == StudentUser, time.Since(begin), timedOut)
	return exitCode, waitErr
}

func (s *Started) wait(ctx context.Context, proc Process, cmd Command) (int, error) {
	var deadline time.Time
	if cmd.Timeout > 0 {
		deadline = time.Now().Add(cmd.Timeout)
	}
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		exited, code, err := proc.Poll()
		if err != nil {
			s.kill(ctx, proc)
			return -1, appErr.Wrapf(err, appErr.AttachFailed, "poll pid %d failed: %v", proc.Pid(), err)
		}
		if exited {
			return code, nil
		}
		if ctx.Err() != nil {
			s.kill(ctx, proc)
			return -1, stoppedError("command")
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			s.kill(ctx, proc)
			return -1, &CommandTimeoutError{Argv: cmd.Argv, Timeout: cmd.Timeout}
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

func (s *Started) kill(ctx context.Context, proc Process) {
	if err := proc.Kill(); err != nil {
		logger.Warn(ctx, "kill process failed", zap.Int("pid", proc.Pid()), zap.Error(err))
	}
}

// joinReaders waits for both readers. Background processes may keep a write end
// open, so after DrainTimeout the read ends are closed to unblock them.
func (s *Started) joinReaders(ctx context.Context, pipes *fifoPair, readers ...*pipeReader) {
	timer := time.NewTimer(s.opts.DrainTimeout)
	defer timer.Stop()
	for _, r := range readers {
		select {
		case <-r.done:
		case <-timer.C:
			logger.Warn(ctx, "output still open after command exited, closing pipes", zap.String("sandbox", s.handle.Name()))
			pipes.closeReaders()
			<-r.done
		}
	}
}

// RunCommand runs a privileged setup command without a time limit.
// Output is logged unless sinks are given; a non-zero exit status is an error.
func (s *Started) RunCommand(ctx context.Context, cmd Command) error {
	if cmd.Stdout == nil {
		cmd.Stdout = logSink(ctx, cmd.Argv, "stdout")
	}
	if cmd.Stderr == nil {
		cmd.Stderr = logSink(ctx, cmd.Argv, "stderr")
	}
	logger.Info(ctx, "running command", zap.Strings("argv", cmd.Argv), zap.String("user", userOrRoot(cmd.User)))

	code, err := s.Exec(ctx, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return appErr.Newf(appErr.CommandFailed, "command %q exited with status %d", strings.Join(cmd.Argv, " "), code).
			WithDetail("exit_code", code)
	}
	return nil
}

// RunStudentCommand runs a shell command as the student user with the student
// time limit and output cap. On timeout the returned error carries the partial output.
func (s *Started) RunStudentCommand(ctx context.Context, shell string, stdin []byte) (StudentOutput, error) {
	var stdout, stderr syncBuffer
	code, err := s.Exec(ctx, Command{
		Argv:        []string{"/bin/bash", "-c", shell},
		Dir:         StudentDir,
		User:        StudentUser,
		Stdin:       stdin,
		Timeout:     s.opts.StudentTimeout,
		OutputLimit: s.opts.OutputLimit,
		Stdout:      stdout.write,
		Stderr:      stderr.write,
	})
	out := StudentOutput{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}
	if timeout, ok := AsTimeout(err); ok {
		timeout.Stdout, timeout.Stderr = out.Stdout, out.Stderr
	}
	return out, err
}

// CopyFile copies a host file into the sandbox at dst.
func (s *Started) CopyFile(ctx context.Context, hostPath, dst string) error {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return fmt.Errorf("read %s failed: %w", hostPath, err)
	}
	if err := s.RunCommand(ctx, Command{Argv: []string{"mkdir", "-p", path.Dir(dst)}}); err != nil {
		return err
	}
	return s.RunCommand(ctx, Command{
		Argv:  []string{"dd", "status=none", "of=" + dst},
		Stdin: data,
	})
}

func envFor(user string) []string {
	if user == StudentUser {
		return []string{
			"PATH=" + userPath(StudentHome) + ":" + systemPath + ":" + StudentDir + ":" + FixturesDir,
			"USER=" + StudentUser,
			"LOGUSER=" + StudentUser,
			"HOME=" + StudentHome,
		}
	}
	name := userOrRoot(user)
	home := "/home/" + name
	if name == "root" {
		home = "/root"
	}
	return []string{
		"PATH=" + userPath(home) + ":" + systemPath,
		"USER=" + name,
		"LOGUSER=" + name,
		"HOME=" + home,
	}
}

// userPath lists the per-user tool directories of home and of the student account,
// where base systems install their tools.
func userPath(home string) string {
	dirs := []string{home + "/bin", home + "/.pyenv/bin", home + "/.local/bin"}
	if home != StudentHome {
		dirs = append(dirs, StudentHome+"/.pyenv/bin", StudentHome+"/.local/bin", StudentHome+"/bin")
	}
	return strings.Join(dirs, ":")
}

func userOrRoot(user string) string {
	if user == "" {
		return "root"
	}
	return user
}

func openStdin(dir string, data []byte) (*os.File, error) {
	if len(data) == 0 {
		return os.Open(os.DevNull)
	}
	f, err := os.CreateTemp(dir, "stdin-")
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func orDiscard(sink func([]byte)) func([]byte) {
	if sink == nil {
		return func([]byte) {}
	}
	return sink
}

func logSink(ctx context.Context, argv []string, stream string) func([]byte) {
	return func(chunk []byte) {
		logger.Info(ctx, "got output from command",
			zap.Strings("argv", argv),
			zap.String("stream", stream),
			zap.String("output", string(chunk)),
		)
	}
}
