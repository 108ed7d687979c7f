//go:build linux

package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"autotest/internal/autotest/sandbox"
)

var limitFiles = map[sandbox.LimitKey]string{
	sandbox.LimitMemory:     "memory.max",
	sandbox.LimitMemorySwap: "memory.swap.max",
	sandbox.LimitCPUSet:     "cpuset.cpus",
}

func createCgroup(root, name string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("cgroup root is required")
	}
	cgroupPath := filepath.Join(root, name)
	if err := os.MkdirAll(cgroupPath, 0750); err != nil {
		return "", fmt.Errorf("create cgroup path: %w", err)
	}
	return cgroupPath, nil
}

func applyCgroupLimit(cgroupPath string, key sandbox.LimitKey, value string) error {
	file, ok := limitFiles[key]
	if !ok {
		return fmt.Errorf("unsupported resource limit %q", key)
	}
	return writeCgroupValue(cgroupPath, file, cgroupValue(key, value))
}

// cgroupValue converts docker-style sizes like "512m" into bytes for memory files.
func cgroupValue(key sandbox.LimitKey, value string) string {
	if key == sandbox.LimitCPUSet {
		return value
	}
	if bytes, err := sandbox.ParseSize(value); err == nil {
		return fmt.Sprintf("%d", bytes)
	}
	return value
}

func killCgroup(cgroupPath string) error {
	killPath := filepath.Join(cgroupPath, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return err
	}
	return os.WriteFile(killPath, []byte("1"), 0600)
}

func cgroupEmpty(cgroupPath string) bool {
	data, err := os.ReadFile(filepath.Join(cgroupPath, "cgroup.procs"))
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	return strings.TrimSpace(string(data)) == ""
}

func removeCgroup(cgroupPath string) error {
	// cgroupfs directories are removed with rmdir; RemoveAll would try the control files.
	if err := os.Remove(cgroupPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func writeCgroupValue(cgroupPath, name, value string) error {
	path := filepath.Join(cgroupPath, name)
	return os.WriteFile(path, []byte(value), 0640)
}
