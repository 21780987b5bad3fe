package accel

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/realDqt/govray/device"
	"github.com/realDqt/govray/log"
	"github.com/realDqt/govray/scene"
	"github.com/realDqt/govray/types"
)

// Build flags for acceleration structures.
type BuildFlags uint8

const (
	// AllowUpdate must be set at build time for the structure to accept
	// refits later on.
	AllowUpdate BuildFlags = 1 << iota

	// PreferFastTrace trades build time for traversal speed.
	PreferFastTrace

	// PreferFastBuild trades traversal speed for build time.
	PreferFastBuild
)

// Per-geometry flags packed into the bottom-level structure.
type GeometryFlags uint8

const (
	// GeomOpaque geometry never invokes the any-hit filter.
	GeomOpaque GeometryFlags = 1 << iota

	// GeomNoDuplicateAnyHit guarantees at most one any-hit invocation per
	// primitive per ray.
	GeomNoDuplicateAnyHit
)

// Items used for leaf sizing during bottom-level builds.
const blasMinLeafItems = 2

// BottomLevel is a built bottom-level acceleration structure over a single
// geometry. The vertex positions it indexes are snapshotted at build and
// refit time; mutating the source vertex buffer has no effect on traversal
// until the next refit.
type BottomLevel struct {
	dev    *device.Device
	name   string
	flags  BuildFlags
	gflags GeometryFlags
	geom   scene.Geometry

	accel *device.AccelStructure

	// The tree topology, fixed at build time. Parent nodes always precede
	// their children in the list which makes bottom-up refits a reverse
	// iteration.
	nodes []BvhNode

	// primOrder maps a leaf primitive slot back to the original primitive
	// index in the geometry.
	primOrder []uint32

	// Position snapshot taken at build/refit time.
	positions []types.Vec3
	indices   []uint32
	aabbs     []scene.Aabb

	// Retained refit scratch, allocated on first refit.
	scratch *device.Buffer
}

// Get the structure name.
func (b *BottomLevel) Name() string {
	return b.name
}

// Get the build flags.
func (b *BottomLevel) Flags() BuildFlags {
	return b.flags
}

// Get the geometry flags.
func (b *BottomLevel) GeometryFlags() GeometryFlags {
	return b.gflags
}

// Address returns the device address instance records use to reference this
// structure.
func (b *BottomLevel) Address() uint64 {
	return b.accel.Address()
}

// RootBBox returns the bounds of the root node.
func (b *BottomLevel) RootBBox() [2]types.Vec3 {
	if len(b.nodes) == 0 {
		return [2]types.Vec3{}
	}
	return [2]types.Vec3{b.nodes[0].Min, b.nodes[0].Max}
}

// Procedural returns true if the structure indexes aabbs instead of triangles.
func (b *BottomLevel) Procedural() bool {
	return b.geom.HasAabbs()
}

// Destroy releases the structure handle, its backing memory and the retained
// refit scratch.
func (b *BottomLevel) Destroy() {
	if b.scratch != nil {
		b.scratch.Release()
		b.scratch = nil
	}
	if b.accel != nil {
		b.accel.Destroy()
		b.accel = nil
	}
}

// A bounded triangle fed to the BVH builder.
type blasTriangle struct {
	index    uint32
	min, max types.Vec3
}

func (t blasTriangle) BBox() [2]types.Vec3 {
	return [2]types.Vec3{t.min, t.max}
}

func (t blasTriangle) Center() types.Vec3 {
	return t.min.Add(t.max).Mul(0.5)
}

// A bounded aabb primitive fed to the BVH builder.
type blasAabb struct {
	index    uint32
	min, max types.Vec3
}

func (a blasAabb) BBox() [2]types.Vec3 {
	return [2]types.Vec3{a.min, a.max}
}

func (a blasAabb) Center() types.Vec3 {
	return a.min.Add(a.max).Mul(0.5)
}

// Builder constructs and refits bottom-level acceleration structures.
type Builder struct {
	dev    *device.Device
	logger log.Logger

	blas []*BottomLevel
}

// NewBuilder creates a bottom-level structure builder on the given device.
func NewBuilder(dev *device.Device) *Builder {
	return &Builder{
		dev:    dev,
		logger: log.New("blasBuilder"),
	}
}

// Count returns the number of built structures.
func (b *Builder) Count() int {
	return len(b.blas)
}

// Get a built structure by index.
func (b *Builder) BLAS(index int) *BottomLevel {
	return b.blas[index]
}

// BuildAll builds one bottom-level structure per geometry as a single batched
// submission and blocks until the queue drains. A geometry must carry either
// triangles or aabbs, never both. Opaque geometry gets the Opaque and
// NoDuplicateAnyHit flags.
func (b *Builder) BuildAll(geoms []scene.Geometry, flags BuildFlags) error {
	if len(geoms) == 0 {
		return fmt.Errorf("blasBuilder: no geometry to build")
	}

	start := time.Now()
	built := make([]*BottomLevel, 0, len(geoms))

	cb := b.dev.NewCommandBuffer()
	cb.Barrier(device.StageTransfer, device.StageAccelBuild)
	for _, geom := range geoms {
		if geom.HasTriangles() && geom.HasAabbs() {
			return fmt.Errorf("blasBuilder: geometry %q mixes triangles and aabbs", geom.Name)
		}
		if !geom.HasTriangles() && !geom.HasAabbs() {
			return fmt.Errorf("blasBuilder: geometry %q has no primitives", geom.Name)
		}

		var gflags GeometryFlags
		if geom.Opaque {
			gflags = GeomOpaque | GeomNoDuplicateAnyHit
		}

		blas := &BottomLevel{
			dev:    b.dev,
			name:   geom.Name,
			flags:  flags,
			gflags: gflags,
			geom:   geom,
		}
		built = append(built, blas)

		cb.Record(fmt.Sprintf("buildBLAS(%s)", geom.Name), device.StageAccelBuild, device.StageTransfer|device.StageCompute,
			func(d *device.Device) error {
				return blas.build(d)
			})
	}

	if err := b.dev.SubmitAndWait(cb); err != nil {
		for _, blas := range built {
			blas.Destroy()
		}
		return err
	}

	b.blas = append(b.blas, built...)
	b.logger.Noticef("built %d bottom-level structures in %d ms", len(built), time.Since(start).Nanoseconds()/1e6)
	return nil
}

// Refit records an in-place update of the structure into cmd. The refit
// re-reads the geometry through its device addresses and tightens node bounds
// without changing the tree topology. The structure must have been built with
// AllowUpdate.
func (b *Builder) Refit(index int, cmd *device.CommandBuffer) error {
	if index < 0 || index >= len(b.blas) {
		return fmt.Errorf("blasBuilder: refit of unknown structure %d", index)
	}
	blas := b.blas[index]
	if blas.flags&AllowUpdate == 0 {
		return fmt.Errorf("blasBuilder: structure %q was not built with AllowUpdate", blas.name)
	}

	cmd.Record(fmt.Sprintf("refitBLAS(%s)", blas.name), device.StageAccelBuild, device.StageTransfer|device.StageCompute,
		func(d *device.Device) error {
			return blas.refit(d)
		})
	return nil
}

// build runs on the queue: it snapshots the geometry through its device
// addresses, partitions it and uploads the node list into freshly allocated
// backing memory.
func (bl *BottomLevel) build(d *device.Device) error {
	if err := bl.snapshot(d); err != nil {
		return err
	}

	workList := bl.workList()
	bl.primOrder = bl.primOrder[:0]
	bl.nodes = BuildBVH(workList, blasMinLeafItems, func(leaf *BvhNode, items []BoundedVolume) {
		leaf.SetPrimitives(uint32(len(bl.primOrder)), uint32(len(items)))
		for _, item := range items {
			switch prim := item.(type) {
			case blasTriangle:
				bl.primOrder = append(bl.primOrder, prim.index)
			case blasAabb:
				bl.primOrder = append(bl.primOrder, prim.index)
			}
		}
	})

	backing := d.Buffer(fmt.Sprintf("%s.blas", bl.name))
	if err := backing.AllocateAndWriteData(encodeBvhNodes(bl.nodes), device.DeviceLocal); err != nil {
		return err
	}

	accel, err := d.CreateAccelStructure(bl.name, device.BottomLevelKind, backing)
	if err != nil {
		backing.Release()
		return err
	}
	accel.Contents = bl
	bl.accel = accel
	return nil
}

// refit runs on the queue: it refreshes the position snapshot and tightens
// node bounds bottom-up over the fixed topology.
func (bl *BottomLevel) refit(d *device.Device) error {
	if bl.accel == nil {
		return fmt.Errorf("refit of destroyed structure %q", bl.name)
	}

	// The refit scratch is allocated on first use and then retained for the
	// lifetime of the structure.
	if bl.scratch == nil {
		bl.scratch = d.Buffer(fmt.Sprintf("%s.blas.scratch", bl.name))
		if err := bl.scratch.Allocate(len(bl.nodes)*BvhNodeSize, device.DeviceLocal); err != nil {
			bl.scratch = nil
			return err
		}
	}

	if err := bl.snapshot(d); err != nil {
		return err
	}

	// Parents precede children so a reverse pass sees child bounds first.
	for i := len(bl.nodes) - 1; i >= 0; i-- {
		node := &bl.nodes[i]
		if node.IsLeaf() {
			first, count := node.GetPrimitives()
			min := types.Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}
			max := types.Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}
			for slot := first; slot < first+count; slot++ {
				pmin, pmax := bl.primBounds(bl.primOrder[slot])
				min = types.MinVec3(min, pmin)
				max = types.MaxVec3(max, pmax)
			}
			node.Min, node.Max = min, max
			continue
		}

		left, right := node.GetChildNodes()
		node.Min = types.MinVec3(bl.nodes[left].Min, bl.nodes[right].Min)
		node.Max = types.MaxVec3(bl.nodes[left].Max, bl.nodes[right].Max)
	}

	return bl.accel.Backing().WriteAt(0, encodeBvhNodes(bl.nodes))
}

// snapshot reads the geometry buffers through their device addresses.
func (bl *BottomLevel) snapshot(d *device.Device) error {
	if bl.geom.HasAabbs() {
		aabbs, err := readAabbs(d, bl.geom)
		if err != nil {
			return err
		}
		bl.aabbs = aabbs
		return nil
	}

	positions, err := readPositions(d, bl.geom)
	if err != nil {
		return err
	}
	indices, err := readIndices(d, bl.geom)
	if err != nil {
		return err
	}
	bl.positions = positions
	bl.indices = indices
	return nil
}

func (bl *BottomLevel) workList() []BoundedVolume {
	if bl.geom.HasAabbs() {
		out := make([]BoundedVolume, len(bl.aabbs))
		for i, box := range bl.aabbs {
			out[i] = blasAabb{index: uint32(i), min: box.Min, max: box.Max}
		}
		return out
	}

	out := make([]BoundedVolume, 0, bl.geom.TriangleCount)
	for t := uint32(0); t < bl.geom.TriangleCount; t++ {
		min, max := bl.primBounds(t)
		out = append(out, blasTriangle{index: t, min: min, max: max})
	}
	return out
}

// primBounds returns the bounds of a primitive in the current snapshot.
func (bl *BottomLevel) primBounds(prim uint32) (types.Vec3, types.Vec3) {
	if bl.geom.HasAabbs() {
		box := bl.aabbs[prim]
		return box.Min, box.Max
	}

	v0 := bl.positions[bl.indices[prim*3]]
	v1 := bl.positions[bl.indices[prim*3+1]]
	v2 := bl.positions[bl.indices[prim*3+2]]
	return types.MinVec3(v0, types.MinVec3(v1, v2)), types.MaxVec3(v0, types.MaxVec3(v1, v2))
}

// triangle returns the snapshot vertices of a triangle primitive.
func (bl *BottomLevel) triangle(prim uint32) (types.Vec3, types.Vec3, types.Vec3) {
	return bl.positions[bl.indices[prim*3]],
		bl.positions[bl.indices[prim*3+1]],
		bl.positions[bl.indices[prim*3+2]]
}

func readPositions(d *device.Device, geom scene.Geometry) ([]types.Vec3, error) {
	buf, offset, err := d.ResolveAddress(geom.VertexAddress)
	if err != nil {
		return nil, err
	}
	data := make([]byte, int(geom.VertexCount)*int(geom.VertexStride))
	if err = buf.ReadAt(offset, data); err != nil {
		return nil, err
	}

	out := make([]types.Vec3, geom.VertexCount)
	for i := range out {
		out[i] = getVec3(data[i*int(geom.VertexStride):])
	}
	return out, nil
}

func readIndices(d *device.Device, geom scene.Geometry) ([]uint32, error) {
	buf, offset, err := d.ResolveAddress(geom.IndexAddress)
	if err != nil {
		return nil, err
	}
	data := make([]byte, int(geom.TriangleCount)*3*int(geom.IndexStride))
	if err = buf.ReadAt(offset, data); err != nil {
		return nil, err
	}

	out := make([]uint32, geom.TriangleCount*3)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[i*int(geom.IndexStride):])
	}
	return out, nil
}

func readAabbs(d *device.Device, geom scene.Geometry) ([]scene.Aabb, error) {
	buf, offset, err := d.ResolveAddress(geom.AabbAddress)
	if err != nil {
		return nil, err
	}
	data := make([]byte, int(geom.AabbCount)*int(geom.AabbStride))
	if err = buf.ReadAt(offset, data); err != nil {
		return nil, err
	}

	out := make([]scene.Aabb, geom.AabbCount)
	for i := range out {
		base := i * int(geom.AabbStride)
		out[i] = scene.Aabb{Min: getVec3(data[base:]), Max: getVec3(data[base+12:])}
	}
	return out, nil
}

func getVec3(data []byte) types.Vec3 {
	return types.Vec3{
		math.Float32frombits(binary.LittleEndian.Uint32(data[0:])),
		math.Float32frombits(binary.LittleEndian.Uint32(data[4:])),
		math.Float32frombits(binary.LittleEndian.Uint32(data[8:])),
	}
}
