package process

import (
	"os"
	"os/exec"
	"time"
)

// ReadyMethod selects how readiness is established after a start.
type ReadyMethod string

const (
	ReadyLog  ReadyMethod = "log"
	ReadyPort ReadyMethod = "port"
	ReadyTime ReadyMethod = "time"
)

// ReadySpec configures the readiness probe.
type ReadySpec struct {
	Method  ReadyMethod   `json:"method" yaml:"method"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	Pattern string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Port    int           `json:"port,omitempty" yaml:"port,omitempty"`
}

// HealthSpec configures the health checker for one process. Zero values
// disable the corresponding level.
type HealthSpec struct {
	LogFile     string        `json:"log_file,omitempty" yaml:"log_file,omitempty"`
	Port        int           `json:"port,omitempty" yaml:"port,omitempty"`
	MaxLogAge   time.Duration `json:"max_log_age,omitempty" yaml:"max_log_age,omitempty"`
	MaxMemoryMB uint64        `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty"`
}

// Spec is the immutable definition of one supervised process.
type Spec struct {
	Name         string        `json:"name" yaml:"name"`
	Command      string        `json:"command" yaml:"command"`
	Args         []string      `json:"args,omitempty" yaml:"args,omitempty"`
	Env          []string      `json:"env,omitempty" yaml:"env,omitempty"` // KEY=VALUE, appended to the inherited environment
	WorkDir      string        `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	Managed      bool          `json:"managed" yaml:"managed"` // false: owned by another system, discovered only
	DependsOn    []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	AutoRestart  bool          `json:"auto_restart" yaml:"auto_restart"`
	RestartDelay time.Duration `json:"restart_delay" yaml:"restart_delay"`
	MaxRestarts  int           `json:"max_restarts,omitempty" yaml:"max_restarts,omitempty"` // 0: use the recovery default
	Ready        ReadySpec     `json:"ready" yaml:"ready"`
	Health       HealthSpec    `json:"health" yaml:"health"`
}

// BuildCommand constructs the *exec.Cmd for the spec. Stdio goes to the null
// device; output is expected to reach the process's own log file.
func (s *Spec) BuildCommand() *exec.Cmd {
	// #nosec G204
	cmd := exec.Command(s.Command, s.Args...)
	if s.WorkDir != "" && s.WorkDir != "." {
		if fi, err := os.Stat(s.WorkDir); err == nil && fi.IsDir() {
			cmd.Dir = s.WorkDir
		}
	}
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	configureSysProcAttr(cmd)
	return cmd
}
