// Package hardware inspects the local machine for compute capability.
// Detection is advisory: it informs default environment selection but never
// vetoes an explicitly requested hardware class.
package hardware

import (
	"bufio"
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"visiond/pkg/types"
)

// DefaultBudget bounds a full Detect pass. Probes never block longer; on
// budget exhaustion Detect returns a conservative CPU-only vector.
const DefaultBudget = 800 * time.Millisecond

// perCmdTimeout caps a single probe command inside the overall budget.
const perCmdTimeout = 300 * time.Millisecond

// runner executes a probe command and returns its combined output.
// Swappable in tests.
type runner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// Probe detects local compute capability. Safe for concurrent use.
type Probe struct {
	budget time.Duration
	run    runner
	log    zerolog.Logger

	mu     sync.Mutex
	cached *types.Capability
}

// New constructs a Probe with the given budget (0 uses DefaultBudget).
func New(budget time.Duration, log zerolog.Logger) *Probe {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Probe{budget: budget, run: execRunner, log: log}
}

// Detect returns the capability vector, probing at most once. Side-effect
// free and safe to call repeatedly; subsequent calls return the cached
// result. Use Refresh to force a new probe.
func (p *Probe) Detect(ctx context.Context) types.Capability {
	p.mu.Lock()
	if p.cached != nil {
		c := *p.cached
		p.mu.Unlock()
		return c
	}
	p.mu.Unlock()
	return p.Refresh(ctx)
}

// Refresh performs a fresh probe and replaces the cached vector.
func (p *Probe) Refresh(ctx context.Context) types.Capability {
	ctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	vec := types.Capability{
		GPU:      p.detectGPU(ctx),
		Cores:    runtime.NumCPU(),
		MemoryMB: p.detectMemoryMB(ctx),
	}
	vec.Summary = summarize(vec)
	p.log.Debug().Str("gpu", string(vec.GPU)).Int("cores", vec.Cores).Int("memory_mb", vec.MemoryMB).Msg("hardware probe")

	p.mu.Lock()
	p.cached = &vec
	p.mu.Unlock()
	return vec
}

// detectGPU tries vendor tools first, then the PCI listing. Any failure or
// timeout degrades to "none" rather than an error.
func (p *Probe) detectGPU(ctx context.Context) types.GPUVendor {
	if ctx.Err() != nil {
		return types.GPUNone
	}
	if out, err := p.runBounded(ctx, "nvidia-smi", "-L"); err == nil && strings.Contains(strings.ToUpper(out), "GPU") {
		return types.GPUNvidia
	}
	if _, err := p.runBounded(ctx, "rocm-smi", "--showid"); err == nil {
		return types.GPUAMD
	}
	out, err := p.runBounded(ctx, "lspci")
	if err != nil {
		return types.GPUNone
	}
	up := strings.ToUpper(out)
	switch {
	case strings.Contains(up, "NVIDIA"):
		return types.GPUNvidia
	case strings.Contains(up, "AMD") || strings.Contains(up, "RADEON"):
		return types.GPUAMD
	case strings.Contains(up, "INTEL") && strings.Contains(up, "VGA"):
		return types.GPUIntel
	case strings.Contains(up, "VGA"):
		return types.GPUOther
	}
	return types.GPUNone
}

// detectMemoryMB reads total system memory. Returns 0 when unknown.
func (p *Probe) detectMemoryMB(ctx context.Context) int {
	switch runtime.GOOS {
	case "darwin":
		out, err := p.runBounded(ctx, "sysctl", "-n", "hw.memsize")
		if err != nil {
			return 0
		}
		bytes, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
		if err != nil {
			return 0
		}
		return int(bytes / (1024 * 1024))
	default:
		out, err := p.runBounded(ctx, "cat", "/proc/meminfo")
		if err != nil {
			return 0
		}
		return parseMemTotalMB(out)
	}
}

// runBounded runs a command with a per-command timeout nested in ctx.
func (p *Probe) runBounded(ctx context.Context, name string, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, perCmdTimeout)
	defer cancel()
	return p.run(cctx, name, args...)
}

func parseMemTotalMB(meminfo string) int {
	sc := bufio.NewScanner(strings.NewReader(meminfo))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return int(kb / 1024)
	}
	return 0
}

func summarize(c types.Capability) string {
	var b strings.Builder
	switch c.GPU {
	case types.GPUNone:
		b.WriteString("CPU only")
	default:
		b.WriteString(strings.ToUpper(string(c.GPU)))
		b.WriteString(" GPU")
	}
	b.WriteString(", ")
	b.WriteString(strconv.Itoa(c.Cores))
	b.WriteString(" cores")
	if c.MemoryMB > 0 {
		b.WriteString(", ")
		b.WriteString(strconv.Itoa(c.MemoryMB))
		b.WriteString(" MB")
	}
	return b.String()
}
