package sandbox

import "time"

// Default configuration values.
const (
	DefaultImage         = "quay.io/jupyter/scipy-notebook:latest"
	DefaultMemoryMB      = 2048
	DefaultCPUs          = 1.0
	DefaultMaxProcesses  = 256
	DefaultWorkDir       = "/home/jovyan/work"
	DefaultContainerPort = 8888
	DefaultStartTimeout  = 90 * time.Second
	DefaultNetworkName   = "cellbox-isolated"
	DefaultUser          = "1000"
)

// ContainerConfig holds configuration for kernel gateway containers.
type ContainerConfig struct {
	// Image is a Jupyter image whose server exposes the kernels API.
	// Default: quay.io/jupyter/scipy-notebook:latest
	Image string

	// Command overrides the server command. "{port}", "{token}" and
	// "{workdir}" are substituted. Default: jupyter server on {port}.
	Command []string

	// MemoryMB is the memory limit in megabytes.
	// Default: 2048
	MemoryMB int64

	// CPUs is the CPU limit in cores.
	// Default: 1.0
	CPUs float64

	// MaxProcesses is the maximum number of PIDs allowed in the container.
	// Default: 256
	MaxProcesses int64

	// NetworkEnabled gives kernels outbound network access. When false the
	// container joins an internal network and is reached by its address
	// on that network.
	// Default: false
	NetworkEnabled bool

	// NetworkName is the internal network used when NetworkEnabled is false.
	// Default: cellbox-isolated
	NetworkName string

	// UseGVisor enables gVisor runtime (runsc) if available.
	// Default: false
	UseGVisor bool

	// WorkDir is the kernels' working directory inside the container.
	// Default: /home/jovyan/work
	WorkDir string

	// User runs the server. Default: 1000 (jovyan)
	User string

	// ContainerPort is the port the server listens on inside the container.
	// Default: 8888
	ContainerPort int

	// StartTimeout bounds pulling, starting and waiting for the server.
	// Default: 90s
	StartTimeout time.Duration

	// MountPaths specifies paths to mount into the container.
	MountPaths []MountPath
}

// MountPath defines a bind mount configuration.
type MountPath struct {
	// Source is the path on the host.
	Source string `json:"source" yaml:"source"`

	// Target is the path inside the container.
	Target string `json:"target" yaml:"target"`

	// ReadOnly makes the mount read-only if true.
	ReadOnly bool `json:"readOnly" yaml:"readOnly"`
}

// DefaultContainerConfig returns a ContainerConfig with sensible defaults.
func DefaultContainerConfig() ContainerConfig {
	c := ContainerConfig{}
	c.Validate()
	return c
}

// WithImage returns a copy of the config with the specified image.
func (c ContainerConfig) WithImage(image string) ContainerConfig {
	c.Image = image
	return c
}

// WithNetwork returns a copy of the config with network enabled or disabled.
func (c ContainerConfig) WithNetwork(enabled bool) ContainerConfig {
	c.NetworkEnabled = enabled
	return c
}

// AddMountPath returns a copy of the config with an additional mount path.
func (c ContainerConfig) AddMountPath(source, target string, readOnly bool) ContainerConfig {
	c.MountPaths = append(c.MountPaths, MountPath{
		Source:   source,
		Target:   target,
		ReadOnly: readOnly,
	})
	return c
}

// Validate applies defaults to unset or out of range fields.
func (c *ContainerConfig) Validate() {
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.CPUs <= 0 {
		c.CPUs = DefaultCPUs
	}
	if c.MaxProcesses <= 0 {
		c.MaxProcesses = DefaultMaxProcesses
	}
	if c.NetworkName == "" {
		c.NetworkName = DefaultNetworkName
	}
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
	if c.User == "" {
		c.User = DefaultUser
	}
	if c.ContainerPort <= 0 {
		c.ContainerPort = DefaultContainerPort
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
}

// ServerCommand returns the command line of the container's server.
func (c ContainerConfig) ServerCommand(token string) []string {
	cmd := c.Command
	if len(cmd) == 0 {
		cmd = []string{
			"jupyter", "server",
			"--ServerApp.ip=0.0.0.0",
			"--ServerApp.port={port}",
			"--ServerApp.open_browser=False",
			"--IdentityProvider.token={token}",
			"--ServerApp.root_dir={workdir}",
		}
	}
	return expand(cmd, map[string]string{
		"{port}":    itoa(c.ContainerPort),
		"{token}":   token,
		"{workdir}": c.WorkDir,
	})
}
