// Package engine is the local sandbox backend: a chroot per sandbox, a cgroup v2
// group for limits and a helper binary that enters the sandbox for each command.
package engine

import "time"

const (
	defaultHelperPath   = "sandbox-init"
	defaultStartTimeout = 30 * time.Second
)

// Config controls the local backend.
type Config struct {
	// Root holds one directory per sandbox: rootfs/ plus snapshots/.
	Root string `yaml:"root"`
	// CgroupRoot is the parent cgroup v2 directory sandboxes are created under.
	CgroupRoot string `yaml:"cgroupRoot"`
	// HelperPath is the sandbox-init binary.
	HelperPath string `yaml:"helperPath"`
	// SeccompProfile is a JSON profile applied to non-root commands.
	SeccompProfile   string        `yaml:"seccompProfile"`
	EnableSeccomp    bool          `yaml:"enableSeccomp"`
	EnableCgroup     bool          `yaml:"enableCgroup"`
	EnableNamespaces bool          `yaml:"enableNamespaces"`
	StartTimeout     time.Duration `yaml:"startTimeout"`
}

func (c Config) withDefaults() Config {
	if c.HelperPath == "" {
		c.HelperPath = defaultHelperPath
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	return c
}
