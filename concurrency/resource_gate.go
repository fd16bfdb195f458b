package concurrency

import (
	"context"
	"fmt"
	"time"

	"github.com/ByteMirror/agentfactory/config"
	"github.com/ByteMirror/agentfactory/log"
	"github.com/ByteMirror/agentfactory/store"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSampler reports point-in-time host utilisation in percent.
type HostSampler interface {
	CPUPercent(ctx context.Context) (float64, error)
	MemoryPercent(ctx context.Context) (float64, error)
}

// hostSampler samples the local machine through gopsutil.
type hostSampler struct {
	window time.Duration
}

// NewHostSampler returns a sampler that measures CPU over window.
func NewHostSampler(window time.Duration) HostSampler {
	return hostSampler{window: window}
}

func (h hostSampler) CPUPercent(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, h.window, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, fmt.Errorf("no cpu sample")
	}
	return percents[0], nil
}

func (h hostSampler) MemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// GateStatus is one admission decision with the measurements behind it.
// A negative percent means the value could not be sampled.
type GateStatus struct {
	Admit           bool      `json:"admit"`
	Reason          string    `json:"reason,omitempty"`
	Running         int       `json:"running"`
	MaxConcurrent   int       `json:"max_concurrent"`
	CPUPercent      float64   `json:"cpu_percent"`
	CPUThreshold    float64   `json:"cpu_threshold"`
	MemoryPercent   float64   `json:"memory_percent"`
	MemoryThreshold float64   `json:"memory_threshold"`
	SampledAt       time.Time `json:"sampled_at"`
}

// ResourceGate decides whether another worker may start. It checks the
// number of running workers first, then CPU, then memory. Denial is
// advisory; callers back off and ask again.
type ResourceGate struct {
	cfg     config.GateConfig
	sampler HostSampler
	running func() (int, error)

	denyLog *log.Every
}

// NewResourceGate creates a gate that counts running workers in st's
// registry and samples the local host.
func NewResourceGate(cfg config.GateConfig, st *store.Store) *ResourceGate {
	return &ResourceGate{
		cfg:     cfg,
		sampler: NewHostSampler(200 * time.Millisecond),
		running: func() (int, error) {
			reg, err := st.Registry()
			if err != nil {
				return 0, err
			}
			return reg.Running(), nil
		},
		denyLog: log.NewEvery(30 * time.Second),
	}
}

// WithSampler replaces the host sampler.
func (g *ResourceGate) WithSampler(s HostSampler) *ResourceGate {
	g.sampler = s
	return g
}

// WithRunningCounter replaces the source of the running-worker count.
func (g *ResourceGate) WithRunningCounter(fn func() (int, error)) *ResourceGate {
	g.running = fn
	return g
}

// Sample measures the host and returns the admission decision.
func (g *ResourceGate) Sample(ctx context.Context) GateStatus {
	status := GateStatus{
		Admit:           true,
		MaxConcurrent:   g.cfg.MaxConcurrent,
		CPUThreshold:    g.cfg.CPUThreshold,
		MemoryThreshold: g.cfg.MemoryThreshold,
		CPUPercent:      -1,
		MemoryPercent:   -1,
		SampledAt:       time.Now().UTC(),
	}

	running, err := g.running()
	if err != nil {
		log.WarningLog.Printf("resource gate: could not count running workers: %v", err)
	} else {
		status.Running = running
		if running >= g.cfg.MaxConcurrent {
			status.Admit = false
			status.Reason = fmt.Sprintf("%d running workers (max %d)", running, g.cfg.MaxConcurrent)
			return status
		}
	}

	cpuPct, err := g.sampler.CPUPercent(ctx)
	if err != nil {
		log.WarningLog.Printf("resource gate: cpu sample failed, skipping check: %v", err)
	} else {
		status.CPUPercent = cpuPct
		if cpuPct > g.cfg.CPUThreshold {
			status.Admit = false
			status.Reason = fmt.Sprintf("cpu %.1f%% above %.0f%%", cpuPct, g.cfg.CPUThreshold)
			return status
		}
	}

	memPct, err := g.sampler.MemoryPercent(ctx)
	if err != nil {
		log.WarningLog.Printf("resource gate: memory sample failed, skipping check: %v", err)
	} else {
		status.MemoryPercent = memPct
		if memPct > g.cfg.MemoryThreshold {
			status.Admit = false
			status.Reason = fmt.Sprintf("memory %.1f%% above %.0f%%", memPct, g.cfg.MemoryThreshold)
		}
	}
	return status
}

// Admit reports whether another worker may start now.
func (g *ResourceGate) Admit(ctx context.Context) bool {
	status := g.Sample(ctx)
	if !status.Admit && g.denyLog.ShouldLog() {
		log.WarningLog.Printf("resource gate denied admission: %s", status.Reason)
	}
	return status.Admit
}

// Check returns ErrResourceExhausted when admission is denied.
func (g *ResourceGate) Check(ctx context.Context) error {
	status := g.Sample(ctx)
	if !status.Admit {
		return fmt.Errorf("%w: %s", ErrResourceExhausted, status.Reason)
	}
	return nil
}
