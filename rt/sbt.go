package rt

import (
	"fmt"

	"github.com/realDqt/govray/device"
)

// Region describes one of the four shader binding table regions in terms of
// its device address, record stride and total size.
type Region struct {
	Address uint64
	Stride  uint32
	Size    uint32

	// Records actually written; the tail of Size up to the base alignment
	// is padding and must not be addressable.
	Count uint32
}

// RecordCount returns the number of records the region holds.
func (r Region) RecordCount() uint32 {
	return r.Count
}

// Table is the shader binding table: one host-visible buffer holding the
// raygen, miss, hit and callable regions with the group handles written at
// their aligned record offsets. The table is regenerated whenever the
// pipeline is recreated; handles from different pipelines never mix.
type Table struct {
	buf        *device.Buffer
	handleSize uint32

	Raygen   Region
	Miss     Region
	Hit      Region
	Callable Region
}

func alignUp(value, alignment uint32) uint32 {
	return (value + alignment - 1) / alignment * alignment
}

// buildTable lays out and writes the shader binding table for a pipeline.
//
// Layout rules:
//   - record stride = handle size rounded up to the handle alignment
//   - each region starts at a multiple of the base alignment
//   - the raygen region holds exactly one record and its size equals its
//     stride
func buildTable(dev *device.Device, pipeline *Pipeline) (*Table, error) {
	limits := dev.Limits()
	handleSize := limits.ShaderGroupHandleSize
	stride := alignUp(handleSize, limits.ShaderGroupHandleAlignment)

	raygenCount, missCount, hitCount, callableCount := pipeline.regionCounts()
	if raygenCount != 1 {
		return nil, fmt.Errorf("sbt: pipeline must carry exactly one raygen group; got %d", raygenCount)
	}

	t := &Table{handleSize: handleSize}
	t.Raygen = Region{Stride: alignUp(stride, limits.ShaderGroupBaseAlignment), Count: 1}
	t.Raygen.Size = t.Raygen.Stride
	t.Miss = Region{Stride: stride, Size: alignUp(uint32(missCount)*stride, limits.ShaderGroupBaseAlignment), Count: uint32(missCount)}
	t.Hit = Region{Stride: stride, Size: alignUp(uint32(hitCount)*stride, limits.ShaderGroupBaseAlignment), Count: uint32(hitCount)}
	t.Callable = Region{Stride: stride, Size: alignUp(uint32(callableCount)*stride, limits.ShaderGroupBaseAlignment), Count: uint32(callableCount)}

	total := t.Raygen.Size + t.Miss.Size + t.Hit.Size + t.Callable.Size
	t.buf = dev.Buffer(fmt.Sprintf("sbt.%s", pipeline.config))
	if err := t.buf.Allocate(int(total), device.HostVisible); err != nil {
		return nil, err
	}

	base := t.buf.Address()
	t.Raygen.Address = base
	t.Miss.Address = base + uint64(t.Raygen.Size)
	t.Hit.Address = t.Miss.Address + uint64(t.Miss.Size)
	t.Callable.Address = t.Hit.Address + uint64(t.Hit.Size)

	// Write the group handles through the persistent mapping, region by
	// region in group order.
	mapping, err := t.buf.Mapping()
	if err != nil {
		t.buf.Release()
		return nil, err
	}

	missSlot, hitSlot, callableSlot := 0, 0, 0
	for groupIndex, group := range pipeline.groups {
		handle := pipeline.GroupHandle(groupIndex, handleSize)

		var offset uint64
		if group.Kind != GroupGeneral {
			offset = t.Hit.Address - base + uint64(hitSlot)*uint64(t.Hit.Stride)
			hitSlot++
		} else {
			switch pipeline.stages[group.General].Kind {
			case StageRaygen:
				offset = 0
			case StageMiss:
				offset = t.Miss.Address - base + uint64(missSlot)*uint64(t.Miss.Stride)
				missSlot++
			case StageCallable:
				offset = t.Callable.Address - base + uint64(callableSlot)*uint64(t.Callable.Stride)
				callableSlot++
			}
		}
		copy(mapping[offset:], handle)
	}

	return t, nil
}

// HandleAt reads back the group handle stored at a region record. Used by
// the trace dispatch to resolve the shader selected by a hit and by
// validation tooling.
func (t *Table) HandleAt(region Region, record uint32) ([]byte, error) {
	if record >= region.RecordCount() {
		return nil, fmt.Errorf("sbt: record %d out of range (%d records)", record, region.RecordCount())
	}

	offset := region.Address - t.buf.Address() + uint64(record)*uint64(region.Stride)
	out := make([]byte, t.handleSize)
	if err := t.buf.ReadAt(int(offset), out); err != nil {
		return nil, err
	}
	return out, nil
}

// Address returns the table buffer's device address.
func (t *Table) Address() uint64 {
	return t.buf.Address()
}

// Destroy releases the table buffer.
func (t *Table) Destroy() {
	if t.buf != nil {
		t.buf.Release()
		t.buf = nil
	}
}
