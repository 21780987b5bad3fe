// Package device models the GPU consumed by the acceleration structure
// builders and the ray tracing pipeline: buffers with device addresses,
// a single command queue, explicit pipeline barriers and the device limits
// that drive shader binding table layout. Commands are executed on the host
// when a command buffer is submitted; barrier ordering is validated during
// execution so that a missing barrier surfaces as a submit error instead of
// silently stale reads.
package device

import (
	"fmt"
	"sync"

	"github.com/realDqt/govray/log"
)

// Pipeline stages used for barrier scoping.
type Stage uint8

const (
	StageTransfer Stage = 1 << iota
	StageCompute
	StageGraphics
	StageAccelBuild
	StageRayTrace

	allStages = StageTransfer | StageCompute | StageGraphics | StageAccelBuild | StageRayTrace
)

func (s Stage) String() string {
	switch s {
	case StageTransfer:
		return "transfer"
	case StageCompute:
		return "compute"
	case StageGraphics:
		return "graphics"
	case StageAccelBuild:
		return "accel-build"
	case StageRayTrace:
		return "ray-trace"
	}
	return fmt.Sprintf("stages(%08b)", uint8(s))
}

// Limits reported by the device. The alignment values drive the shader
// binding table layout; recursion depth bounds ray tracing pipeline creation.
type Limits struct {
	ShaderGroupHandleSize      uint32
	ShaderGroupHandleAlignment uint32
	ShaderGroupBaseAlignment   uint32
	MaxRayRecursionDepth       uint32
	MaxInstanceCount           uint32
}

// DefaultLimits returns the limit set used by the reference device.
func DefaultLimits() Limits {
	return Limits{
		ShaderGroupHandleSize:      32,
		ShaderGroupHandleAlignment: 32,
		ShaderGroupBaseAlignment:   64,
		MaxRayRecursionDepth:       31,
		MaxInstanceCount:           1 << 24,
	}
}

type Options struct {
	Name   string
	Limits Limits

	// Total buffer memory the device will hand out. Zero means unlimited.
	MemoryBudget int
}

// Queue statistics.
type Stats struct {
	Submits     int
	IdleWaits   int
	Allocations int
}

// Device owns the buffer address space, the acceleration structure registry
// and the command queue.
type Device struct {
	Name   string
	limits Limits
	logger log.Logger

	mu        sync.Mutex
	nextAddr  uint64
	buffers   map[uint64]*Buffer
	accels    map[uint64]*AccelStructure
	allocated int
	budget    int

	// visibility[src] is the set of stages that can observe writes made at
	// stage src since the last barrier or idle wait.
	visibility map[Stage]Stage

	stats Stats
}

// Buffer device addresses are aligned to this boundary.
const addressAlignment = 256

// Base of the fake device address space; address 0 stays invalid.
const addressBase uint64 = 0x10000

func New(opts Options) *Device {
	name := opts.Name
	if name == "" {
		name = "softrt"
	}
	limits := opts.Limits
	if limits.ShaderGroupHandleSize == 0 {
		limits = DefaultLimits()
	}

	d := &Device{
		Name:       name,
		limits:     limits,
		logger:     log.New("device"),
		nextAddr:   addressBase,
		buffers:    make(map[uint64]*Buffer),
		accels:     make(map[uint64]*AccelStructure),
		budget:     opts.MemoryBudget,
		visibility: make(map[Stage]Stage),
	}
	d.flushVisibilityLocked()
	return d
}

// Get device limits.
func (d *Device) Limits() Limits {
	return d.limits
}

// Get queue statistics.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// AllocatedBytes returns the total buffer memory currently allocated.
func (d *Device) AllocatedBytes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

// Create an empty buffer.
func (d *Device) Buffer(name string) *Buffer {
	return &Buffer{
		device: d,
		name:   name,
	}
}

// NewCommandBuffer returns an empty command buffer for recording.
func (d *Device) NewCommandBuffer() *CommandBuffer {
	return &CommandBuffer{device: d}
}

// Submit executes the recorded commands in order. Hazard checks run against
// the device-wide visibility state so refits recorded inline in a frame
// command buffer must carry their own barriers.
func (d *Device) Submit(cb *CommandBuffer) error {
	d.mu.Lock()
	d.stats.Submits++
	d.mu.Unlock()

	for index, cmd := range cb.cmds {
		if cmd.barrier {
			d.mu.Lock()
			d.applyBarrierLocked(cmd.src, cmd.dst)
			d.mu.Unlock()
			continue
		}

		d.mu.Lock()
		err := d.checkHazardLocked(cmd)
		d.mu.Unlock()
		if err != nil {
			return fmt.Errorf("device (%s): command %d (%s): %w", d.Name, index, cmd.name, err)
		}

		// The command body runs without the device lock so it can resolve
		// addresses and touch buffers through the public API.
		if err = cmd.fn(d); err != nil {
			return fmt.Errorf("device (%s): command %d (%s): %w", d.Name, index, cmd.name, err)
		}

		// This command's writes are invisible until a barrier makes them so.
		d.mu.Lock()
		d.visibility[cmd.stage] = 0
		d.mu.Unlock()
	}
	return nil
}

// SubmitAndWait executes the recorded commands and then waits for the queue
// to drain. Used for one-time setup work.
func (d *Device) SubmitAndWait(cb *CommandBuffer) error {
	if err := d.Submit(cb); err != nil {
		return err
	}
	d.WaitIdle()
	return nil
}

// WaitIdle drains the queue. All outstanding writes become visible to every
// stage. This is the synchronization point required before tearing down a
// pipeline or its shader binding table.
func (d *Device) WaitIdle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.IdleWaits++
	d.flushVisibilityLocked()
}

func (d *Device) flushVisibilityLocked() {
	for _, s := range []Stage{StageTransfer, StageCompute, StageGraphics, StageAccelBuild, StageRayTrace} {
		d.visibility[s] = allStages
	}
}

func (d *Device) applyBarrierLocked(src, dst Stage) {
	for _, s := range []Stage{StageTransfer, StageCompute, StageGraphics, StageAccelBuild, StageRayTrace} {
		if src&s != 0 {
			d.visibility[s] |= dst
		}
	}
}

func (d *Device) checkHazardLocked(cmd command) error {
	for _, s := range []Stage{StageTransfer, StageCompute, StageGraphics, StageAccelBuild, StageRayTrace} {
		if cmd.reads&s == 0 {
			continue
		}
		if d.visibility[s]&cmd.stage == 0 {
			return fmt.Errorf("hazard: %s writes are not visible to stage %s (missing barrier)", s, cmd.stage)
		}
	}
	return nil
}

// Resolve a device address to the owning buffer and the byte offset within it.
func (d *Device) resolve(addr uint64) (*Buffer, int, error) {
	for base, buf := range d.buffers {
		if addr >= base && addr < base+uint64(buf.size) {
			return buf, int(addr - base), nil
		}
	}
	return nil, 0, fmt.Errorf("device (%s): address %#x does not map to an allocated buffer", d.Name, addr)
}

// ResolveAddress is the exported form of address resolution used by the
// builders when reading geometry through device addresses.
func (d *Device) ResolveAddress(addr uint64) (*Buffer, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolve(addr)
}
