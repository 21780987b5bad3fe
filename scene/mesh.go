package scene

import (
	"github.com/chewxy/math32"

	"github.com/realDqt/govray/types"
)

// Mesh is the host-side triangle mesh representation handed to the geometry
// registry. Positions are indexed; topology never changes after upload even
// when vertex positions are animated in place.
type Mesh struct {
	Name      string
	Positions []types.Vec3
	Indices   []uint32

	// Aabbs, when set, mark the mesh as procedural (implicit) geometry
	// intersected by the intersection shader group. Positions and Indices
	// must be empty.
	Aabbs []Aabb

	// Opaque geometry skips any-hit invocations during traversal.
	Opaque bool
}

// Implicit reports whether the mesh describes procedural aabb geometry.
func (m Mesh) Implicit() bool {
	return len(m.Aabbs) > 0
}

// Aabb is an axis-aligned box used to describe procedural (implicit)
// primitives to the BLAS builder.
type Aabb struct {
	Min types.Vec3
	Max types.Vec3
}

// NewPlane creates a plane on the XZ axis centered at the origin.
func NewPlane(width, depth float32) Mesh {
	hw, hd := width*0.5, depth*0.5
	return Mesh{
		Name: "plane",
		Positions: []types.Vec3{
			{-hw, 0, -hd},
			{hw, 0, -hd},
			{hw, 0, hd},
			{-hw, 0, hd},
		},
		Indices: []uint32{0, 1, 2, 0, 2, 3},
		Opaque:  true,
	}
}

// NewCube creates an axis-aligned cube centered at the origin.
func NewCube(size float32) Mesh {
	h := size * 0.5
	return Mesh{
		Name: "cube",
		Positions: []types.Vec3{
			{-h, -h, -h}, {h, -h, -h}, {h, h, -h}, {-h, h, -h},
			{-h, -h, h}, {h, -h, h}, {h, h, h}, {-h, h, h},
		},
		Indices: []uint32{
			0, 1, 2, 0, 2, 3, // -Z
			5, 4, 7, 5, 7, 6, // +Z
			4, 0, 3, 4, 3, 7, // -X
			1, 5, 6, 1, 6, 2, // +X
			3, 2, 6, 3, 6, 7, // +Y
			4, 5, 1, 4, 1, 0, // -Y
		},
		Opaque: true,
	}
}

// NewSphere creates a UV sphere centered at the origin.
func NewSphere(radius float32, segments, rings int) Mesh {
	if segments < 3 {
		segments = 3
	}
	if rings < 2 {
		rings = 2
	}

	m := Mesh{Name: "sphere", Opaque: true}
	for ring := 0; ring <= rings; ring++ {
		phi := math32.Pi * float32(ring) / float32(rings)
		y := radius * math32.Cos(phi)
		r := radius * math32.Sin(phi)
		for seg := 0; seg <= segments; seg++ {
			theta := 2 * math32.Pi * float32(seg) / float32(segments)
			s, c := math32.Sincos(theta)
			m.Positions = append(m.Positions, types.Vec3{r * c, y, r * s})
		}
	}

	stride := uint32(segments + 1)
	for ring := 0; ring < rings; ring++ {
		for seg := 0; seg < segments; seg++ {
			i0 := uint32(ring)*stride + uint32(seg)
			i1 := i0 + 1
			i2 := i0 + stride
			i3 := i2 + 1
			m.Indices = append(m.Indices, i0, i2, i1, i1, i2, i3)
		}
	}
	return m
}

// NewImplicitSphere creates a procedural sphere: a single aabb enclosing the
// radius, resolved by the intersection shader group instead of triangles.
func NewImplicitSphere(radius float32) Mesh {
	return Mesh{
		Name: "implicit sphere",
		Aabbs: []Aabb{{
			Min: types.Vec3{-radius, -radius, -radius},
			Max: types.Vec3{radius, radius, radius},
		}},
		Opaque: true,
	}
}

// TriangleCount returns the number of triangles in the mesh.
func (m Mesh) TriangleCount() int {
	return len(m.Indices) / 3
}
