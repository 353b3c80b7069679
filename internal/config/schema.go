package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config represents the root configuration structure for cellbox.
type Config struct {
	Backend   string          `json:"backend" yaml:"backend"`
	Kernel    KernelConfig    `json:"kernel" yaml:"kernel"`
	Execution ExecutionConfig `json:"execution" yaml:"execution"`
	Sessions  SessionsConfig  `json:"sessions" yaml:"sessions"`
	History   HistoryConfig   `json:"history" yaml:"history"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Docker    DockerConfig    `json:"docker" yaml:"docker"`
	Local     LocalConfig     `json:"local" yaml:"local"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

// KernelConfig describes the kernels started for sessions and the setup
// run on each of them.
type KernelConfig struct {
	Name           string        `json:"name" yaml:"name"`
	WorkingDir     string        `json:"workingDir" yaml:"workingDir"`
	Bridges        BridgesConfig `json:"bridges" yaml:"bridges"`
	PlotDefaults   bool          `json:"plotDefaults" yaml:"plotDefaults"`
	ExtraBootstrap []string      `json:"extraBootstrap,omitempty" yaml:"extraBootstrap,omitempty"`
}

// BridgesConfig enables the cross-language bridges loaded at bootstrap.
type BridgesConfig struct {
	R     bool `json:"r" yaml:"r"`
	Julia bool `json:"julia" yaml:"julia"`
}

// ExecutionConfig holds per-cell execution settings.
type ExecutionConfig struct {
	TimeoutSeconds          float64 `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	PollIntervalMillis      int     `json:"pollIntervalMillis" yaml:"pollIntervalMillis"`
	ReadyTimeoutSeconds     int     `json:"readyTimeoutSeconds" yaml:"readyTimeoutSeconds"`
	BootstrapTimeoutSeconds int     `json:"bootstrapTimeoutSeconds" yaml:"bootstrapTimeoutSeconds"`
	BootstrapPollMillis     int     `json:"bootstrapPollMillis" yaml:"bootstrapPollMillis"`
	InterruptOnTimeout      bool    `json:"interruptOnTimeout" yaml:"interruptOnTimeout"`
	GuardShellEscapes       bool    `json:"guardShellEscapes" yaml:"guardShellEscapes"`
}

// SessionsConfig controls idle eviction.
type SessionsConfig struct {
	MaxIdleSeconds       int `json:"maxIdleSeconds" yaml:"maxIdleSeconds"`
	EvictIntervalSeconds int `json:"evictIntervalSeconds" yaml:"evictIntervalSeconds"`
}

// HistoryConfig controls the per-session cell history.
type HistoryConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	DataDir        string `json:"dataDir" yaml:"dataDir"`
	MaxCells       int    `json:"maxCells" yaml:"maxCells"`
	MaxOutputBytes int    `json:"maxOutputBytes" yaml:"maxOutputBytes"`
}

// GatewayConfig locates an existing kernel gateway for the gateway backend.
type GatewayConfig struct {
	URL   string `json:"url" yaml:"url"`
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

// DockerConfig configures per-session kernel containers.
type DockerConfig struct {
	Image          string       `json:"image" yaml:"image"`
	MemoryMB       int64        `json:"memoryMb" yaml:"memoryMb"`
	CPUs           float64      `json:"cpus" yaml:"cpus"`
	MaxProcesses   int64        `json:"maxProcesses" yaml:"maxProcesses"`
	NetworkEnabled bool         `json:"networkEnabled" yaml:"networkEnabled"`
	UseGVisor      bool         `json:"useGVisor" yaml:"useGVisor"`
	ContainerPort  int          `json:"containerPort" yaml:"containerPort"`
	PoolSize       int          `json:"poolSize" yaml:"poolSize"`
	Mounts         []MountEntry `json:"mounts,omitempty" yaml:"mounts,omitempty"`
}

// MountEntry is a bind mount into kernel containers.
type MountEntry struct {
	Source   string `json:"source" yaml:"source"`
	Target   string `json:"target" yaml:"target"`
	ReadOnly bool   `json:"readOnly" yaml:"readOnly"`
}

// LocalConfig configures the local gateway process.
type LocalConfig struct {
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`
	Host    string   `json:"host" yaml:"host"`
}

// ServerConfig represents the HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// LogConfig sets the log level: debug, info, warn or error.
type LogConfig struct {
	Level string `json:"level" yaml:"level"`
}

// DefaultConfig returns a new Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Backend: "docker",
		Kernel: KernelConfig{
			Name:         "python3",
			WorkingDir:   "/home/jovyan/work",
			PlotDefaults: true,
		},
		Execution: ExecutionConfig{
			TimeoutSeconds:          120,
			PollIntervalMillis:      1000,
			ReadyTimeoutSeconds:     60,
			BootstrapTimeoutSeconds: 30,
			BootstrapPollMillis:     2000,
			InterruptOnTimeout:      true,
			GuardShellEscapes:       true,
		},
		Sessions: SessionsConfig{
			MaxIdleSeconds:       3600,
			EvictIntervalSeconds: 60,
		},
		History: HistoryConfig{
			Enabled:        true,
			DataDir:        "~/.cellbox",
			MaxCells:       500,
			MaxOutputBytes: 64 * 1024,
		},
		Docker: DockerConfig{
			Image:         "quay.io/jupyter/scipy-notebook:latest",
			MemoryMB:      2048,
			CPUs:          1,
			MaxProcesses:  256,
			ContainerPort: 8888,
			PoolSize:      1,
		},
		Local: LocalConfig{
			Host: "127.0.0.1",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Timeout returns the default cell timeout.
func (e ExecutionConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds * float64(time.Second))
}

// PollInterval returns the output polling interval.
func (e ExecutionConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMillis) * time.Millisecond
}

// ReadyTimeout returns how long a new kernel may take to answer.
func (e ExecutionConfig) ReadyTimeout() time.Duration {
	return time.Duration(e.ReadyTimeoutSeconds) * time.Second
}

// BootstrapTimeout returns the per-command bootstrap timeout.
func (e ExecutionConfig) BootstrapTimeout() time.Duration {
	return time.Duration(e.BootstrapTimeoutSeconds) * time.Second
}

// BootstrapPoll returns the bootstrap polling granularity.
func (e ExecutionConfig) BootstrapPoll() time.Duration {
	return time.Duration(e.BootstrapPollMillis) * time.Millisecond
}

// MaxIdle returns the idle time after which sessions are evicted. Zero
// disables the janitor.
func (s SessionsConfig) MaxIdle() time.Duration {
	return time.Duration(s.MaxIdleSeconds) * time.Second
}

// EvictInterval returns how often the janitor runs.
func (s SessionsConfig) EvictInterval() time.Duration {
	return time.Duration(s.EvictIntervalSeconds) * time.Second
}

// DataPath returns the expanded data directory. Histories live in its
// history subdirectory.
func (c *Config) DataPath() string {
	dir := c.History.DataDir
	if dir == "" {
		dir = GetConfigDir()
	}
	return expandPath(dir)
}

// expandPath expands ~ to the user's home directory and resolves the path.
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == filepath.Separator {
			path = filepath.Join(home, path[2:])
		} else {
			path = filepath.Join(home, path[1:])
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	return absPath
}
