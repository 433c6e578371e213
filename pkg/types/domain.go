package types

// GPUVendor identifies the GPU vendor detected on the host.
type GPUVendor string

const (
	GPUNone   GPUVendor = "none"
	GPUNvidia GPUVendor = "nvidia"
	GPUAMD    GPUVendor = "amd"
	GPUIntel  GPUVendor = "intel"
	GPUOther  GPUVendor = "other"
)

// Capability describes the compute capability of the local machine.
// It is advisory: it informs default spec selection but never vetoes an
// explicit user-chosen spec.
type Capability struct {
	// GPU vendor found on the host, or "none".
	// example: nvidia
	GPU GPUVendor `json:"gpu" example:"nvidia"`
	// Number of logical CPU cores.
	// example: 16
	Cores int `json:"cores" example:"16"`
	// Estimated system memory in MB.
	// example: 32768
	MemoryMB int `json:"memory_mb" example:"32768"`
	// Human-friendly device summary for status displays.
	// example: NVIDIA GPU, 16 cores, 32768 MB
	Summary string `json:"summary,omitempty" example:"NVIDIA GPU, 16 cores, 32768 MB"`
}

// HardwareClass returns the hardware class tag this capability maps to when
// a spec leaves the class unspecified.
func (c Capability) HardwareClass() string {
	switch c.GPU {
	case GPUNvidia:
		return "cuda"
	case GPUAMD:
		return "rocm"
	case GPUIntel:
		return "xpu"
	default:
		return "cpu"
	}
}

// Dependency is a single package requirement inside an environment spec.
type Dependency struct {
	// Package name.
	// example: torch
	Name string `json:"name" yaml:"name" example:"torch"`
	// Version constraint understood by the backend's installer.
	// example: ==2.0.0+rocm5.6
	VersionConstraint string `json:"version_constraint" yaml:"version_constraint" example:"==2.0.0+rocm5.6"`
}

// EnvironmentSpec is the immutable description of one provisionable runtime
// environment. Its canonical serialization hashes to a spec key.
type EnvironmentSpec struct {
	// Target backend identifier (e.g., torch, paddle, onnx).
	// example: torch
	Backend string `json:"backend" yaml:"backend" example:"torch"`
	// Required interpreter/runtime version.
	// example: 3.9
	RuntimeVersion string `json:"runtime_version" yaml:"runtime_version" example:"3.9"`
	// Hardware class tag (cuda, rocm, xpu, cpu). Empty means "pick from probe".
	// example: rocm
	HardwareClass string `json:"hardware_class" yaml:"hardware_class" example:"rocm"`
	// Ordered dependency manifest.
	Dependencies []Dependency `json:"dependencies" yaml:"dependencies"`
}

// EnvStatus is the lifecycle status of an environment record.
type EnvStatus string

const (
	EnvNotCreated   EnvStatus = "not_created"
	EnvProvisioning EnvStatus = "provisioning"
	EnvReady        EnvStatus = "ready"
	EnvFailed       EnvStatus = "failed"
)

// CallState is the lifecycle state of one invocation.
type CallState string

const (
	CallQueued    CallState = "queued"
	CallRunning   CallState = "running"
	CallSucceeded CallState = "succeeded"
	CallFailed    CallState = "failed"
	CallTimedOut  CallState = "timed_out"
	CallCancelled CallState = "cancelled"
)

// Terminal reports whether the state can no longer change.
func (s CallState) Terminal() bool {
	switch s {
	case CallSucceeded, CallFailed, CallTimedOut, CallCancelled:
		return true
	}
	return false
}
