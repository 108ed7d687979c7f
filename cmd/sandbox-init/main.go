//go:build linux

// Command sandbox-init enters a local sandbox and execs the requested command.
// It is started by the local sandbox backend with the request on fd 3.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"autotest/internal/autotest/sandbox/engine"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "sandbox-init: "+err.Error())
		os.Exit(126)
	}
}

func run() error {
	req, err := decodeRequest(os.NewFile(engine.InitRequestFD, "init-request"))
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}

	// The profile lives on the host, so it is read before entering the rootfs.
	var profile []byte
	if req.SeccompProfile != "" {
		if profile, err = os.ReadFile(req.SeccompProfile); err != nil {
			return fmt.Errorf("read seccomp profile: %w", err)
		}
	}

	if req.EnableNs {
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("make mount private: %w", err)
		}
		if err := mountProc(req.RootFS); err != nil {
			return err
		}
	}
	if err := unix.Chroot(req.RootFS); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir root: %w", err)
	}

	account, err := lookupUser(req.User)
	if err != nil {
		return err
	}
	dir := req.Dir
	if dir == "" {
		dir = account.home
	}
	if err := os.Chdir(dir); err != nil {
		return fmt.Errorf("chdir %s: %w", dir, err)
	}

	if profile != nil {
		if err := applySeccomp(profile); err != nil {
			return err
		}
	}
	if err := switchUser(account); err != nil {
		return err
	}

	env := buildEnv(req.Env)
	os.Clearenv()
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set env: %w", err)
		}
	}

	cmdPath, err := exec.LookPath(req.Argv[0])
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}
	return unix.Exec(cmdPath, req.Argv, env)
}

func decodeRequest(f *os.File) (engine.InitRequest, error) {
	if f == nil {
		return engine.InitRequest{}, fmt.Errorf("init request descriptor is missing")
	}
	defer f.Close()
	var req engine.InitRequest
	if err := json.NewDecoder(f).Decode(&req); err != nil {
		return engine.InitRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req engine.InitRequest) error {
	if len(req.Argv) == 0 {
		return fmt.Errorf("command is required")
	}
	if req.RootFS == "" {
		return fmt.Errorf("rootfs is required")
	}
	return nil
}

func mountProc(rootfs string) error {
	procPath := filepath.Join(rootfs, "proc")
	if err := os.MkdirAll(procPath, 0755); err != nil {
		return fmt.Errorf("mkdir proc: %w", err)
	}
	if err := unix.Mount("proc", procPath, "proc", 0, ""); err != nil && !errors.Is(err, unix.EBUSY) {
		return fmt.Errorf("mount proc: %w", err)
	}
	return nil
}

type account struct {
	uid  int
	gid  int
	home string
}

// lookupUser reads /etc/passwd of the current root; an empty name is root.
func lookupUser(name string) (account, error) {
	if name == "" || name == "root" {
		return account{uid: 0, gid: 0, home: "/root"}, nil
	}
	f, err := os.Open("/etc/passwd")
	if err != nil {
		return account{}, fmt.Errorf("open passwd: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 6 || fields[0] != name {
			continue
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil {
			return account{}, fmt.Errorf("invalid uid for %s: %w", name, err)
		}
		gid, err := strconv.Atoi(fields[3])
		if err != nil {
			return account{}, fmt.Errorf("invalid gid for %s: %w", name, err)
		}
		return account{uid: uid, gid: gid, home: fields[5]}, nil
	}
	if err := scanner.Err(); err != nil {
		return account{}, fmt.Errorf("read passwd: %w", err)
	}
	return account{}, fmt.Errorf("user %s not found", name)
}

func switchUser(a account) error {
	if a.uid == 0 {
		return nil
	}
	if err := unix.Setgroups([]int{a.gid}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setresgid(a.gid, a.gid, a.gid); err != nil {
		return fmt.Errorf("setgid: %w", err)
	}
	if err := unix.Setresuid(a.uid, a.uid, a.uid); err != nil {
		return fmt.Errorf("setuid: %w", err)
	}
	return nil
}

func buildEnv(env []string) []string {
	if len(env) > 0 {
		return env
	}
	return []string{"PATH=" + defaultPath}
}

type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

// applySeccomp loads the filter while still privileged, so no_new_privs is left unset
// and setuid binaries such as sudo keep working inside the sandbox.
func applySeccomp(data []byte) error {
	var cfg seccompConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse seccomp profile: %w", err)
	}
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()
	if err := filter.SetNoNewPrivsBit(false); err != nil {
		return fmt.Errorf("clear no_new_privs: %w", err)
	}
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Profiles list syscalls missing on some architectures.
				continue
			}
			if err := filter.AddRule(call, action); err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}
