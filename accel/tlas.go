package accel

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/realDqt/govray/device"
	"github.com/realDqt/govray/log"
	"github.com/realDqt/govray/types"
)

// Per-instance traversal behavior overrides.
type InstanceFlags uint8

const (
	// TriangleFacingCullDisable disables backface culling for the instance.
	TriangleFacingCullDisable InstanceFlags = 1 << iota

	// TriangleFlipFacing reverses the facing determination.
	TriangleFlipFacing

	// ForceOpaque treats all geometry in the instance as opaque.
	ForceOpaque

	// ForceNoOpaque treats all geometry in the instance as non-opaque.
	ForceNoOpaque
)

// Instance is one entry of the top-level structure: a placement of a
// bottom-level structure referenced by its device address.
type Instance struct {
	// Object-to-world transform.
	Transform types.Mat4

	// CustomIndex is delivered verbatim to hit shaders; 24 bits usable.
	CustomIndex uint32

	// Mask gates the instance against the per-ray cull mask.
	Mask uint8

	// SBTOffset selects the hit group record block; 24 bits usable.
	SBTOffset uint32

	Flags InstanceFlags

	// BlasAddress is the device address of the bottom-level structure.
	BlasAddress uint64
}

// Packed instance records occupy 64 bytes: a 3x4 row-major transform,
// customIndex:24|mask:8, sbtOffset:24|flags:8 and the referenced structure's
// device address.
const InstanceRecordSize = 64

// Byte offset of the transform inside a packed instance record.
const instanceTransformOffset = 0

// EncodeInstance packs an instance into its 64-byte record form.
func EncodeInstance(dst []byte, inst Instance) {
	xform := inst.Transform.Transform3x4()
	for i, f := range xform {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(f))
	}
	binary.LittleEndian.PutUint32(dst[48:], inst.CustomIndex&0xFFFFFF|uint32(inst.Mask)<<24)
	binary.LittleEndian.PutUint32(dst[52:], inst.SBTOffset&0xFFFFFF|uint32(inst.Flags)<<24)
	binary.LittleEndian.PutUint64(dst[56:], inst.BlasAddress)
}

// DecodeInstance unpacks a 64-byte instance record.
func DecodeInstance(data []byte) Instance {
	var xform [12]float32
	for i := range xform {
		xform[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	word12 := binary.LittleEndian.Uint32(data[48:])
	word13 := binary.LittleEndian.Uint32(data[52:])
	return Instance{
		Transform:   types.Mat4FromTransform3x4(xform),
		CustomIndex: word12 & 0xFFFFFF,
		Mask:        uint8(word12 >> 24),
		SBTOffset:   word13 & 0xFFFFFF,
		Flags:       InstanceFlags(word13 >> 24),
		BlasAddress: binary.LittleEndian.Uint64(data[56:]),
	}
}

// An instance bounded by its world-space bbox, fed to the BVH builder.
type tlasInstance struct {
	index    uint32
	min, max types.Vec3
}

func (t tlasInstance) BBox() [2]types.Vec3 {
	return [2]types.Vec3{t.min, t.max}
}

func (t tlasInstance) Center() types.Vec3 {
	return t.min.Add(t.max).Mul(0.5)
}

// TopLevel is the top-level acceleration structure: a BVH over packed
// instance records stored in a device instance buffer.
type TopLevel struct {
	dev    *device.Device
	logger log.Logger

	flags BuildFlags
	accel *device.AccelStructure

	instanceBuf   *device.Buffer
	instanceCount int

	nodes []BvhNode

	// instOrder maps a leaf slot back to the instance index.
	instOrder []uint32

	// Record snapshot decoded at build/refit time; traversal reads this,
	// not the live instance buffer.
	records []Instance
}

// NewTopLevel creates an empty top-level structure on the given device.
func NewTopLevel(dev *device.Device) *TopLevel {
	return &TopLevel{
		dev:    dev,
		logger: log.New("tlasBuilder"),
	}
}

// Get the build flags.
func (t *TopLevel) Flags() BuildFlags {
	return t.flags
}

// InstanceCount returns the number of instances indexed by the structure.
func (t *TopLevel) InstanceCount() int {
	return t.instanceCount
}

// Address returns the structure's device address.
func (t *TopLevel) Address() uint64 {
	return t.accel.Address()
}

// Built returns true once Build has completed.
func (t *TopLevel) Built() bool {
	return t.accel != nil
}

// Build uploads the packed instance records and builds the top-level BVH as
// one blocking submission. A previously built structure is torn down first,
// so Build also serves as the full rebuild path when instances are added or
// removed.
func (t *TopLevel) Build(instances []Instance, flags BuildFlags) error {
	limits := t.dev.Limits()
	if len(instances) == 0 {
		return fmt.Errorf("tlasBuilder: no instances to build")
	}
	if uint32(len(instances)) > limits.MaxInstanceCount {
		return fmt.Errorf("tlasBuilder: instance count %d exceeds device limit %d", len(instances), limits.MaxInstanceCount)
	}
	for i, inst := range instances {
		if inst.CustomIndex > 0xFFFFFF {
			return fmt.Errorf("tlasBuilder: instance %d custom index %#x exceeds 24 bits", i, inst.CustomIndex)
		}
		if inst.SBTOffset > 0xFFFFFF {
			return fmt.Errorf("tlasBuilder: instance %d sbt offset %#x exceeds 24 bits", i, inst.SBTOffset)
		}
	}

	start := time.Now()
	t.teardown()

	data := make([]byte, len(instances)*InstanceRecordSize)
	for i, inst := range instances {
		EncodeInstance(data[i*InstanceRecordSize:], inst)
	}

	t.instanceBuf = t.dev.Buffer("tlas.instances")
	if err := t.instanceBuf.Allocate(len(data), device.DeviceLocal); err != nil {
		t.instanceBuf = nil
		return err
	}
	t.instanceCount = len(instances)
	t.flags = flags

	cb := t.dev.NewCommandBuffer()
	cb.UpdateBuffer(t.instanceBuf, 0, data)
	cb.Barrier(device.StageTransfer, device.StageAccelBuild)
	cb.Record("buildTLAS", device.StageAccelBuild, device.StageTransfer|device.StageAccelBuild,
		func(d *device.Device) error {
			return t.build(d)
		})

	if err := t.dev.SubmitAndWait(cb); err != nil {
		t.teardown()
		return err
	}

	t.logger.Noticef("built top-level structure over %d instances in %d ms",
		len(instances), time.Since(start).Nanoseconds()/1e6)
	return nil
}

// RefitTransforms records a transform-only update into cmd: the transform
// region of each instance record is rewritten and node bounds are tightened
// in place. The structure must have been built with AllowUpdate and the
// instance count must be unchanged; adding or removing instances requires a
// full Build.
func (t *TopLevel) RefitTransforms(transforms []types.Mat4, cmd *device.CommandBuffer) error {
	if !t.Built() {
		return fmt.Errorf("tlasBuilder: refit of unbuilt structure")
	}
	if t.flags&AllowUpdate == 0 {
		return fmt.Errorf("tlasBuilder: structure was not built with AllowUpdate")
	}
	if len(transforms) != t.instanceCount {
		return fmt.Errorf("tlasBuilder: refit instance count %d does not match built count %d; a full build is required",
			len(transforms), t.instanceCount)
	}

	for i, xform := range transforms {
		packed := xform.Transform3x4()
		data := make([]byte, 48)
		for j, f := range packed {
			binary.LittleEndian.PutUint32(data[j*4:], math.Float32bits(f))
		}
		cmd.UpdateBuffer(t.instanceBuf, i*InstanceRecordSize+instanceTransformOffset, data)
	}
	cmd.Barrier(device.StageTransfer, device.StageAccelBuild)
	cmd.Record("refitTLAS", device.StageAccelBuild, device.StageTransfer|device.StageAccelBuild,
		func(d *device.Device) error {
			return t.refit(d)
		})
	return nil
}

// Destroy releases the structure and its instance buffer.
func (t *TopLevel) Destroy() {
	t.teardown()
}

func (t *TopLevel) teardown() {
	if t.accel != nil {
		t.accel.Destroy()
		t.accel = nil
	}
	if t.instanceBuf != nil {
		t.instanceBuf.Release()
		t.instanceBuf = nil
	}
	t.nodes = nil
	t.instOrder = nil
	t.records = nil
	t.instanceCount = 0
}

// build runs on the queue: it decodes the instance records, partitions the
// instances by their world-space bounds (one instance per leaf) and uploads
// the node list.
func (tl *TopLevel) build(d *device.Device) error {
	records, err := tl.readRecords(d)
	if err != nil {
		return err
	}
	tl.records = records

	workList, err := tl.workList(d, records)
	if err != nil {
		return err
	}

	tl.instOrder = tl.instOrder[:0]
	tl.nodes = BuildBVH(workList, 1, func(leaf *BvhNode, items []BoundedVolume) {
		leaf.SetPrimitives(uint32(len(tl.instOrder)), uint32(len(items)))
		for _, item := range items {
			tl.instOrder = append(tl.instOrder, item.(tlasInstance).index)
		}
	})

	backing := d.Buffer("tlas")
	if err := backing.AllocateAndWriteData(encodeBvhNodes(tl.nodes), device.DeviceLocal); err != nil {
		return err
	}
	accel, err := d.CreateAccelStructure("tlas", device.TopLevelKind, backing)
	if err != nil {
		backing.Release()
		return err
	}
	accel.Contents = tl
	tl.accel = accel
	return nil
}

// refit runs on the queue: it re-decodes the instance records and tightens
// node bounds bottom-up over the fixed topology.
func (tl *TopLevel) refit(d *device.Device) error {
	records, err := tl.readRecords(d)
	if err != nil {
		return err
	}
	tl.records = records

	bounds := make([][2]types.Vec3, len(records))
	for i, rec := range records {
		min, max, err := tl.instanceBounds(d, rec)
		if err != nil {
			return err
		}
		bounds[i] = [2]types.Vec3{min, max}
	}

	for i := len(tl.nodes) - 1; i >= 0; i-- {
		node := &tl.nodes[i]
		if node.IsLeaf() {
			first, count := node.GetPrimitives()
			min := types.Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}
			max := types.Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}
			for slot := first; slot < first+count; slot++ {
				bb := bounds[tl.instOrder[slot]]
				min = types.MinVec3(min, bb[0])
				max = types.MaxVec3(max, bb[1])
			}
			node.Min, node.Max = min, max
			continue
		}

		left, right := node.GetChildNodes()
		node.Min = types.MinVec3(tl.nodes[left].Min, tl.nodes[right].Min)
		node.Max = types.MaxVec3(tl.nodes[left].Max, tl.nodes[right].Max)
	}

	return tl.accel.Backing().WriteAt(0, encodeBvhNodes(tl.nodes))
}

func (tl *TopLevel) readRecords(d *device.Device) ([]Instance, error) {
	data := make([]byte, tl.instanceCount*InstanceRecordSize)
	if err := tl.instanceBuf.ReadAt(0, data); err != nil {
		return nil, err
	}
	out := make([]Instance, tl.instanceCount)
	for i := range out {
		out[i] = DecodeInstance(data[i*InstanceRecordSize:])
	}
	return out, nil
}

func (tl *TopLevel) workList(d *device.Device, records []Instance) ([]BoundedVolume, error) {
	out := make([]BoundedVolume, len(records))
	for i, rec := range records {
		min, max, err := tl.instanceBounds(d, rec)
		if err != nil {
			return nil, err
		}
		out[i] = tlasInstance{index: uint32(i), min: min, max: max}
	}
	return out, nil
}

// instanceBounds transforms the referenced structure's root bounds into world
// space by taking the bbox of the 8 transformed corners.
func (tl *TopLevel) instanceBounds(d *device.Device, rec Instance) (types.Vec3, types.Vec3, error) {
	handle, err := d.AccelStructureAt(rec.BlasAddress)
	if err != nil {
		return types.Vec3{}, types.Vec3{}, fmt.Errorf("instance references invalid structure: %v", err)
	}
	blas, valid := handle.Contents.(*BottomLevel)
	if !valid {
		return types.Vec3{}, types.Vec3{}, fmt.Errorf("address %#x is not a bottom-level structure", rec.BlasAddress)
	}

	bbox := blas.RootBBox()
	min := types.Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}
	max := types.Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}
	for corner := 0; corner < 8; corner++ {
		p := types.Vec3{bbox[corner&1][0], bbox[corner>>1&1][1], bbox[corner>>2&1][2]}
		wp := rec.Transform.TransformPoint(p)
		min = types.MinVec3(min, wp)
		max = types.MaxVec3(max, wp)
	}
	return min, max, nil
}
