package scene

import (
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/realDqt/govray/device"
	"github.com/realDqt/govray/types"
)

func TestRegistryAddMesh(t *testing.T) {
	dev := device.New(device.Options{})
	reg := NewRegistry(dev)
	defer reg.Close()

	index, err := reg.AddMesh(NewCube(2))
	if err != nil {
		t.Fatal(err)
	}
	if index != 0 {
		t.Fatalf("expected first mesh index to be 0; got %d", index)
	}

	geom := reg.Geometry(index)
	if !geom.HasTriangles() || geom.HasAabbs() {
		t.Fatal("expected a triangle geometry")
	}
	if expCount := uint32(12); geom.TriangleCount != expCount {
		t.Fatalf("expected triangle count to be %d; got %d", expCount, geom.TriangleCount)
	}
	if expStride := uint32(16); geom.VertexStride != expStride {
		t.Fatalf("expected vertex stride to be %d; got %d", expStride, geom.VertexStride)
	}
	if geom.VertexAddress == 0 || geom.IndexAddress == 0 {
		t.Fatal("expected non-zero device addresses for vertex and index data")
	}

	// The first vertex of the cube should be readable back through its
	// device address.
	buf, offset, err := dev.ResolveAddress(geom.VertexAddress)
	if err != nil {
		t.Fatal(err)
	}
	data := make([]byte, 12)
	if err = buf.ReadAt(offset, data); err != nil {
		t.Fatal(err)
	}
	x := math.Float32frombits(binary.LittleEndian.Uint32(data))
	if expX := float32(-1); x != expX {
		t.Fatalf("expected first vertex x to be %f; got %f", expX, x)
	}
}

func TestRegistryRejectsDegenerateMesh(t *testing.T) {
	dev := device.New(device.Options{})
	reg := NewRegistry(dev)
	defer reg.Close()

	_, err := reg.AddMesh(Mesh{Name: "broken", Positions: []types.Vec3{{0, 0, 0}}, Indices: []uint32{0, 1}})
	if err == nil {
		t.Fatal("expected an error for a mesh with a partial triangle")
	}
}

func TestRegistryAddAabbs(t *testing.T) {
	dev := device.New(device.Options{})
	reg := NewRegistry(dev)
	defer reg.Close()

	index, err := reg.AddAabbs("spheres", []Aabb{
		{Min: types.XYZ(-1, -1, -1), Max: types.XYZ(1, 1, 1)},
		{Min: types.XYZ(2, -1, -1), Max: types.XYZ(4, 1, 1)},
	}, true)
	if err != nil {
		t.Fatal(err)
	}

	geom := reg.Geometry(index)
	if !geom.HasAabbs() || geom.HasTriangles() {
		t.Fatal("expected a procedural geometry")
	}
	if expCount := uint32(2); geom.AabbCount != expCount {
		t.Fatalf("expected aabb count to be %d; got %d", expCount, geom.AabbCount)
	}
	if reg.VertexBuffer(index) != nil {
		t.Fatal("expected no vertex buffer for procedural geometry")
	}
}

func TestRegistryAddImplicitMesh(t *testing.T) {
	dev := device.New(device.Options{})
	reg := NewRegistry(dev)
	defer reg.Close()

	index, err := reg.AddMesh(NewImplicitSphere(2))
	if err != nil {
		t.Fatal(err)
	}

	geom := reg.Geometry(index)
	if !geom.HasAabbs() || geom.HasTriangles() {
		t.Fatal("expected an implicit mesh to register as procedural geometry")
	}
	if expCount := uint32(1); geom.AabbCount != expCount {
		t.Fatalf("expected aabb count to be %d; got %d", expCount, geom.AabbCount)
	}
	if reg.VertexBuffer(index) != nil {
		t.Fatal("expected no vertex buffer for an implicit mesh")
	}

	// Triangle data on an implicit mesh is a modeling bug.
	bad := NewImplicitSphere(1)
	bad.Positions = []types.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 0, 1}}
	bad.Indices = []uint32{0, 1, 2}
	if _, err = reg.AddMesh(bad); err == nil {
		t.Fatal("expected an error for a mesh mixing triangles and aabbs")
	}
}

func TestSphereTopology(t *testing.T) {
	m := NewSphere(1, 8, 4)
	if expCount := 8 * 4 * 2; m.TriangleCount() != expCount {
		t.Fatalf("expected %d triangles; got %d", expCount, m.TriangleCount())
	}
	for _, idx := range m.Indices {
		if int(idx) >= len(m.Positions) {
			t.Fatalf("index %d out of range (%d vertices)", idx, len(m.Positions))
		}
	}
}

func TestSceneValidate(t *testing.T) {
	s := &Scene{
		Meshes:    []Mesh{NewCube(1)},
		Materials: []Material{{Name: "white"}},
		Instances: []Instance{
			{Name: "ok", MeshIndex: 0, MaterialIndex: 0, Mask: 0xFF},
		},
	}
	if err := s.Validate(); err != nil {
		t.Fatal(err)
	}

	s.Instances = append(s.Instances, Instance{Name: "bad mesh", MeshIndex: 7})
	if err := s.Validate(); err == nil {
		t.Fatal("expected an error for an out-of-range mesh index")
	}
}

func TestReadScene(t *testing.T) {
	doc := `
camera:
  eye: [0, 2, 5]
  look_at: [0, 0, 0]
  fov: 60
materials:
  - name: floor
    kind: lambert
    albedo: [0.8, 0.8, 0.8]
  - name: mirror
    kind: metal
    albedo: [0.9, 0.9, 0.9]
    roughness: 0.1
meshes:
  - name: ground
    primitive: plane
    width: 10
    depth: 10
  - name: ball
    primitive: sphere
    radius: 1
    segments: 16
    rings: 8
instances:
  - name: ground
    mesh: ground
    material: floor
  - name: ball
    mesh: ball
    material: mirror
    translate: [0, 1, 0]
    sbt_offset: 1
`
	s, err := ReadScene(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}

	if expCount := 2; len(s.Instances) != expCount {
		t.Fatalf("expected %d instances; got %d", expCount, len(s.Instances))
	}
	if expFov := float32(60); s.Camera.FovDeg != expFov {
		t.Fatalf("expected fov to be %f; got %f", expFov, s.Camera.FovDeg)
	}
	if expUp := types.XYZ(0, 1, 0); s.Camera.Up != expUp {
		t.Fatalf("expected default up vector %v; got %v", expUp, s.Camera.Up)
	}

	ball := s.Instances[1]
	if ball.MaterialIndex != 1 {
		t.Fatalf("expected ball to use material 1; got %d", ball.MaterialIndex)
	}
	if expOffset := uint32(1); ball.SBTOffset != expOffset {
		t.Fatalf("expected sbt offset %d; got %d", expOffset, ball.SBTOffset)
	}
	if expMask := uint8(0xFF); ball.Mask != expMask {
		t.Fatalf("expected default mask %#x; got %#x", expMask, ball.Mask)
	}
	if expY := float32(1); ball.Transform.TransformPoint(types.Vec3{})[1] != expY {
		t.Fatalf("expected translated origin y to be %f; got %f", expY, ball.Transform.TransformPoint(types.Vec3{})[1])
	}
}

func TestReadSceneImplicitDefaults(t *testing.T) {
	s, err := ReadScene(strings.NewReader(`
camera:
  eye: [0, 0, 5]
  look_at: [0, 0, 0]
meshes:
  - name: orb
    primitive: implicit_sphere
    radius: 1
instances:
  - name: orb
    mesh: orb
`))
	if err != nil {
		t.Fatal(err)
	}

	if !s.Meshes[0].Implicit() {
		t.Fatal("expected an implicit mesh")
	}

	// Implicit instances default to the procedural hit group record and the
	// normal-visualizing custom index marker.
	orb := s.Instances[0]
	if expOffset := uint32(1); orb.SBTOffset != expOffset {
		t.Fatalf("expected default sbt offset %d; got %d", expOffset, orb.SBTOffset)
	}
	if expIndex := uint32(CustomIndexProcedural); orb.CustomIndex != expIndex {
		t.Fatalf("expected custom index %#x; got %#x", expIndex, orb.CustomIndex)
	}
}

func TestReadSceneUnknownReferences(t *testing.T) {
	_, err := ReadScene(strings.NewReader(`
meshes:
  - name: ground
    primitive: plane
    width: 1
    depth: 1
instances:
  - name: ghost
    mesh: missing
`))
	if err == nil {
		t.Fatal("expected an error for an unknown mesh reference")
	}

	_, err = ReadScene(strings.NewReader(`
meshes:
  - name: blob
    primitive: torus
`))
	if err == nil {
		t.Fatal("expected an error for an unsupported primitive")
	}
}
