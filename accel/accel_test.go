package accel

import (
	"strings"
	"testing"

	"github.com/realDqt/govray/device"
	"github.com/realDqt/govray/scene"
	"github.com/realDqt/govray/types"
)

func buildTestBLAS(t *testing.T, dev *device.Device, mesh scene.Mesh, flags BuildFlags) (*Builder, *scene.Registry) {
	t.Helper()

	reg := scene.NewRegistry(dev)
	if _, err := reg.AddMesh(mesh); err != nil {
		t.Fatal(err)
	}

	builder := NewBuilder(dev)
	if err := builder.BuildAll(reg.Geometries(), flags); err != nil {
		t.Fatal(err)
	}
	return builder, reg
}

func buildTestTLAS(t *testing.T, dev *device.Device, builder *Builder, flags BuildFlags) *TopLevel {
	t.Helper()

	instances := make([]Instance, builder.Count())
	for i := range instances {
		instances[i] = Instance{
			Transform:   types.Ident4(),
			Mask:        0xFF,
			BlasAddress: builder.BLAS(i).Address(),
		}
	}

	tlas := NewTopLevel(dev)
	if err := tlas.Build(instances, flags); err != nil {
		t.Fatal(err)
	}
	return tlas
}

func downRayAt(x, z float32) Ray {
	return Ray{
		Origin: types.XYZ(x, 10, z),
		Dir:    types.XYZ(0, -1, 0),
		TMin:   1e-3,
		TMax:   1e30,
	}
}

func TestIntersectCube(t *testing.T) {
	dev := device.New(device.Options{})
	builder, reg := buildTestBLAS(t, dev, scene.NewCube(2), 0)
	defer reg.Close()
	tlas := buildTestTLAS(t, dev, builder, 0)

	hit, found := tlas.Intersect(downRayAt(0, 0), 0xFF, nil)
	if !found {
		t.Fatal("expected the ray to hit the cube")
	}
	if expT := float32(9); hit.T != expT {
		t.Fatalf("expected hit distance %f; got %f", expT, hit.T)
	}

	if _, found = tlas.Intersect(downRayAt(5, 5), 0xFF, nil); found {
		t.Fatal("expected the offset ray to miss the cube")
	}
}

func TestIntersectMaskCulling(t *testing.T) {
	dev := device.New(device.Options{})
	builder, reg := buildTestBLAS(t, dev, scene.NewCube(2), 0)
	defer reg.Close()

	tlas := NewTopLevel(dev)
	err := tlas.Build([]Instance{{
		Transform:   types.Ident4(),
		Mask:        0x01,
		BlasAddress: builder.BLAS(0).Address(),
	}}, 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, found := tlas.Intersect(downRayAt(0, 0), 0x01, nil); !found {
		t.Fatal("expected a hit with a matching cull mask")
	}
	if _, found := tlas.Intersect(downRayAt(0, 0), 0xF0, nil); found {
		t.Fatal("expected no hit with a disjoint cull mask")
	}
}

func TestBuildRejectsMixedGeometry(t *testing.T) {
	dev := device.New(device.Options{})
	builder := NewBuilder(dev)

	err := builder.BuildAll([]scene.Geometry{{
		Name:          "mixed",
		TriangleCount: 1,
		AabbCount:     1,
	}}, 0)
	if err == nil || !strings.Contains(err.Error(), "mixes triangles and aabbs") {
		t.Fatalf("expected a mixed-geometry error; got %v", err)
	}
}

func TestRefitRequiresAllowUpdate(t *testing.T) {
	dev := device.New(device.Options{})
	builder, reg := buildTestBLAS(t, dev, scene.NewCube(2), 0)
	defer reg.Close()

	cb := dev.NewCommandBuffer()
	if err := builder.Refit(0, cb); err == nil {
		t.Fatal("expected refit without AllowUpdate to fail")
	}
}

// A no-op refit must not change intersection results.
func TestRefitIdempotence(t *testing.T) {
	dev := device.New(device.Options{})
	builder, reg := buildTestBLAS(t, dev, scene.NewSphere(1, 12, 6), AllowUpdate)
	defer reg.Close()
	tlas := buildTestTLAS(t, dev, builder, AllowUpdate)

	ray := downRayAt(0.2, 0.1)
	before, foundBefore := tlas.Intersect(ray, 0xFF, nil)
	if !foundBefore {
		t.Fatal("expected the ray to hit the sphere")
	}

	cb := dev.NewCommandBuffer()
	if err := builder.Refit(0, cb); err != nil {
		t.Fatal(err)
	}
	if err := dev.SubmitAndWait(cb); err != nil {
		t.Fatal(err)
	}

	after, foundAfter := tlas.Intersect(ray, 0xFF, nil)
	if !foundAfter {
		t.Fatal("expected the ray to still hit the sphere after a no-op refit")
	}
	if before != after {
		t.Fatalf("expected identical hits; got %+v and %+v", before, after)
	}
}

// Moving a vertex and refitting must flip a miss into a hit; traversal must
// not observe vertex changes before the refit.
func TestRefitAfterVertexMove(t *testing.T) {
	dev := device.New(device.Options{})

	// Two triangles in the y=0 plane covering x in [0,1] and [2,3].
	mesh := scene.Mesh{
		Name: "pair",
		Positions: []types.Vec3{
			{0, 0, 0}, {1, 0, 0}, {0, 0, 1},
			{2, 0, 0}, {3, 0, 0}, {2, 0, 1},
		},
		Indices: []uint32{0, 1, 2, 3, 4, 5},
		Opaque:  true,
	}
	builder, reg := buildTestBLAS(t, dev, mesh, AllowUpdate)
	defer reg.Close()
	tlas := buildTestTLAS(t, dev, builder, AllowUpdate)

	probe := downRayAt(1.7, 0.25)
	if _, found := tlas.Intersect(probe, 0xFF, nil); found {
		t.Fatal("expected the probe ray to miss before the vertex move")
	}

	// Stretch the second triangle to cover the probe point.
	moved := make([]types.Vec3, len(mesh.Positions))
	copy(moved, mesh.Positions)
	moved[3] = types.XYZ(1.5, 0, 0)

	vb := reg.VertexBuffer(0)
	cb := dev.NewCommandBuffer()
	cb.Record("animateVertices", device.StageCompute, 0, func(*device.Device) error {
		return vb.WriteAt(0, scene.EncodePositions(moved))
	})
	if err := dev.SubmitAndWait(cb); err != nil {
		t.Fatal(err)
	}

	// The vertex buffer changed but the structure was not refitted yet.
	if _, found := tlas.Intersect(probe, 0xFF, nil); found {
		t.Fatal("expected traversal to ignore vertex changes before the refit")
	}

	cb = dev.NewCommandBuffer()
	if err := builder.Refit(0, cb); err != nil {
		t.Fatal(err)
	}
	cb.Barrier(device.StageAccelBuild, device.StageRayTrace)
	if err := dev.SubmitAndWait(cb); err != nil {
		t.Fatal(err)
	}

	hit, found := tlas.Intersect(probe, 0xFF, nil)
	if !found {
		t.Fatal("expected the probe ray to hit after the refit")
	}
	if expT := float32(10); hit.T != expT {
		t.Fatalf("expected hit distance %f; got %f", expT, hit.T)
	}
	if expPrim := uint32(1); hit.PrimitiveIndex != expPrim {
		t.Fatalf("expected a hit on primitive %d; got %d", expPrim, hit.PrimitiveIndex)
	}
}

// Omitting the compute to accel-build barrier between a vertex write and a
// refit in the same submission must fail the submit.
func TestRefitMissingBarrier(t *testing.T) {
	dev := device.New(device.Options{})
	builder, reg := buildTestBLAS(t, dev, scene.NewCube(2), AllowUpdate)
	defer reg.Close()

	vb := reg.VertexBuffer(0)
	data := scene.EncodePositions(scene.NewCube(2).Positions)

	cb := dev.NewCommandBuffer()
	cb.Record("animateVertices", device.StageCompute, 0, func(*device.Device) error {
		return vb.WriteAt(0, data)
	})
	// No compute -> accel-build barrier here.
	if err := builder.Refit(0, cb); err != nil {
		t.Fatal(err)
	}

	err := dev.Submit(cb)
	if err == nil || !strings.Contains(err.Error(), "missing barrier") {
		t.Fatalf("expected a missing-barrier error; got %v", err)
	}

	// The same stream with the barrier in place must pass.
	cb = dev.NewCommandBuffer()
	cb.Record("animateVertices", device.StageCompute, 0, func(*device.Device) error {
		return vb.WriteAt(0, data)
	})
	cb.Barrier(device.StageCompute, device.StageAccelBuild)
	if err = builder.Refit(0, cb); err != nil {
		t.Fatal(err)
	}
	if err = dev.SubmitAndWait(cb); err != nil {
		t.Fatal(err)
	}
}

// A transform refit with unchanged transforms must produce the same hits as
// the original build.
func TestTransformRefitIdempotence(t *testing.T) {
	dev := device.New(device.Options{})
	builder, reg := buildTestBLAS(t, dev, scene.NewCube(2), AllowUpdate)
	defer reg.Close()

	xform := types.Translation(types.XYZ(1, 0, 0))
	tlas := NewTopLevel(dev)
	err := tlas.Build([]Instance{{
		Transform:   xform,
		Mask:        0xFF,
		BlasAddress: builder.BLAS(0).Address(),
	}}, AllowUpdate)
	if err != nil {
		t.Fatal(err)
	}

	ray := downRayAt(1, 0)
	before, found := tlas.Intersect(ray, 0xFF, nil)
	if !found {
		t.Fatal("expected the ray to hit the translated cube")
	}

	cb := dev.NewCommandBuffer()
	if err = tlas.RefitTransforms([]types.Mat4{xform}, cb); err != nil {
		t.Fatal(err)
	}
	if err = dev.SubmitAndWait(cb); err != nil {
		t.Fatal(err)
	}

	after, found := tlas.Intersect(ray, 0xFF, nil)
	if !found {
		t.Fatal("expected the ray to still hit after the no-op transform refit")
	}
	if before != after {
		t.Fatalf("expected identical hits; got %+v and %+v", before, after)
	}
}

// Moving an instance via a transform refit must move its hits.
func TestTransformRefitMovesInstance(t *testing.T) {
	dev := device.New(device.Options{})
	builder, reg := buildTestBLAS(t, dev, scene.NewCube(2), AllowUpdate)
	defer reg.Close()
	tlas := buildTestTLAS(t, dev, builder, AllowUpdate)

	if _, found := tlas.Intersect(downRayAt(5, 0), 0xFF, nil); found {
		t.Fatal("expected a miss at the target position before the refit")
	}

	cb := dev.NewCommandBuffer()
	err := tlas.RefitTransforms([]types.Mat4{types.Translation(types.XYZ(5, 0, 0))}, cb)
	if err != nil {
		t.Fatal(err)
	}
	if err = dev.SubmitAndWait(cb); err != nil {
		t.Fatal(err)
	}

	if _, found := tlas.Intersect(downRayAt(5, 0), 0xFF, nil); !found {
		t.Fatal("expected a hit at the target position after the refit")
	}
	if _, found := tlas.Intersect(downRayAt(0, 0), 0xFF, nil); found {
		t.Fatal("expected a miss at the original position after the refit")
	}
}

func TestTransformRefitContract(t *testing.T) {
	dev := device.New(device.Options{})
	builder, reg := buildTestBLAS(t, dev, scene.NewCube(2), AllowUpdate)
	defer reg.Close()

	// Not built with AllowUpdate.
	noUpdate := buildTestTLAS(t, dev, builder, 0)
	cb := dev.NewCommandBuffer()
	err := noUpdate.RefitTransforms([]types.Mat4{types.Ident4()}, cb)
	if err == nil || !strings.Contains(err.Error(), "AllowUpdate") {
		t.Fatalf("expected an AllowUpdate contract error; got %v", err)
	}

	// Instance count change requires a full build.
	tlas := buildTestTLAS(t, dev, builder, AllowUpdate)
	cb = dev.NewCommandBuffer()
	err = tlas.RefitTransforms([]types.Mat4{types.Ident4(), types.Ident4()}, cb)
	if err == nil || !strings.Contains(err.Error(), "full build is required") {
		t.Fatalf("expected an instance-count contract error; got %v", err)
	}
}

func TestInstanceRecordPacking(t *testing.T) {
	inst := Instance{
		Transform:   types.Translation(types.XYZ(1, 2, 3)),
		CustomIndex: 0xABCDEF,
		Mask:        0x42,
		SBTOffset:   0x123456,
		Flags:       ForceOpaque,
		BlasAddress: 0xDEAD0000,
	}

	var data [InstanceRecordSize]byte
	EncodeInstance(data[:], inst)

	got := DecodeInstance(data[:])
	if got != inst {
		t.Fatalf("expected record to round-trip; got %+v", got)
	}

	// The custom index and mask share a packed dword.
	if expByte := uint8(0x42); data[51] != expByte {
		t.Fatalf("expected mask byte %#x at offset 51; got %#x", expByte, data[51])
	}
	if expByte := uint8(uint32(ForceOpaque)); data[55] != expByte {
		t.Fatalf("expected flags byte %#x at offset 55; got %#x", expByte, data[55])
	}
}

func TestProceduralIntersect(t *testing.T) {
	dev := device.New(device.Options{})
	reg := scene.NewRegistry(dev)
	defer reg.Close()

	_, err := reg.AddAabbs("orbs", []scene.Aabb{
		{Min: types.XYZ(-1, -1, -1), Max: types.XYZ(1, 1, 1)},
	}, true)
	if err != nil {
		t.Fatal(err)
	}

	builder := NewBuilder(dev)
	if err = builder.BuildAll(reg.Geometries(), 0); err != nil {
		t.Fatal(err)
	}
	tlas := buildTestTLAS(t, dev, builder, 0)

	hit, found := tlas.Intersect(downRayAt(0, 0), 0xFF, nil)
	if !found {
		t.Fatal("expected the ray to hit the procedural aabb")
	}
	if !hit.Procedural {
		t.Fatal("expected a procedural hit")
	}
	if expT := float32(9); hit.T != expT {
		t.Fatalf("expected entry distance %f; got %f", expT, hit.T)
	}
}

func TestAnyHitFilter(t *testing.T) {
	dev := device.New(device.Options{})
	mesh := scene.NewCube(2)
	mesh.Opaque = false
	builder, reg := buildTestBLAS(t, dev, mesh, 0)
	defer reg.Close()
	tlas := buildTestTLAS(t, dev, builder, 0)

	invocations := 0
	rejectAll := func(Hit) bool {
		invocations++
		return false
	}
	if _, found := tlas.Intersect(downRayAt(0, 0), 0xFF, rejectAll); found {
		t.Fatal("expected no hit when the any-hit filter rejects everything")
	}
	if invocations == 0 {
		t.Fatal("expected the any-hit filter to be invoked for non-opaque geometry")
	}

	// Opaque geometry never consults the filter.
	opaqueBuilder, opaqueReg := buildTestBLAS(t, dev, scene.NewCube(2), 0)
	defer opaqueReg.Close()
	opaqueTlas := buildTestTLAS(t, dev, opaqueBuilder, 0)

	invocations = 0
	if _, found := opaqueTlas.Intersect(downRayAt(0, 0), 0xFF, rejectAll); !found {
		t.Fatal("expected a hit on opaque geometry")
	}
	if invocations != 0 {
		t.Fatalf("expected no any-hit invocations for opaque geometry; got %d", invocations)
	}
}

func TestHitGroupIndex(t *testing.T) {
	hit := Hit{SBTOffset: 2}
	if expIndex := uint32(2); hit.HitGroupIndex(0) != expIndex {
		t.Fatalf("expected hit group index %d; got %d", expIndex, hit.HitGroupIndex(0))
	}
	if expIndex := uint32(3); hit.HitGroupIndex(1) != expIndex {
		t.Fatalf("expected hit group index %d; got %d", expIndex, hit.HitGroupIndex(1))
	}
}
