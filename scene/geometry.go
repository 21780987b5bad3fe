package scene

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/realDqt/govray/device"
	"github.com/realDqt/govray/log"
	"github.com/realDqt/govray/types"
)

// Vertex positions are uploaded as padded Vec4 entries for device alignment.
const vertexStride = 16

// Indices are uploaded as uint32 triples.
const indexStride = 4

// Aabbs are uploaded as min/max Vec3 pairs.
const aabbStride = 24

// Geometry describes a device-resident mesh to the BLAS builder: buffer
// regions referenced by device address, never by host pointers. A geometry
// holds either triangles or procedural aabbs, never both.
type Geometry struct {
	Name string

	VertexAddress uint64
	VertexStride  uint32
	VertexCount   uint32

	IndexAddress  uint64
	IndexStride   uint32
	TriangleCount uint32

	AabbAddress uint64
	AabbStride  uint32
	AabbCount   uint32

	Opaque bool
}

// HasTriangles reports whether the geometry describes indexed triangles.
func (g Geometry) HasTriangles() bool {
	return g.TriangleCount > 0
}

// HasAabbs reports whether the geometry describes procedural primitives.
func (g Geometry) HasAabbs() bool {
	return g.AabbCount > 0
}

// Registry owns the device buffers backing all scene geometry and exposes
// the normalized geometry records consumed by the BLAS builder.
type Registry struct {
	dev    *device.Device
	logger log.Logger

	geoms   []Geometry
	buffers []*device.Buffer

	// Per-geometry vertex buffer, kept for in-place vertex animation.
	vertexBufs []*device.Buffer
}

// NewRegistry creates an empty geometry registry on the given device.
func NewRegistry(dev *device.Device) *Registry {
	return &Registry{
		dev:    dev,
		logger: log.New("geometry"),
	}
}

// AddMesh uploads a mesh and registers its geometry record. Procedural
// meshes route to the aabb path; triangle and aabb data are mutually
// exclusive. Returns the mesh index used by instances to select a BLAS.
func (r *Registry) AddMesh(m Mesh) (int, error) {
	if m.Implicit() {
		if len(m.Positions) != 0 || len(m.Indices) != 0 {
			return 0, fmt.Errorf("geometry: mesh %q mixes triangles and aabbs", m.Name)
		}
		return r.AddAabbs(m.Name, m.Aabbs, m.Opaque)
	}
	if len(m.Positions) == 0 || len(m.Indices) == 0 || len(m.Indices)%3 != 0 {
		return 0, fmt.Errorf("geometry: mesh %q has no valid triangle data", m.Name)
	}

	start := time.Now()

	vertexData := make([]byte, len(m.Positions)*vertexStride)
	for i, p := range m.Positions {
		encodeVec4(vertexData[i*vertexStride:], p.Vec4(0))
	}
	indexData := make([]byte, len(m.Indices)*indexStride)
	for i, idx := range m.Indices {
		binary.LittleEndian.PutUint32(indexData[i*indexStride:], idx)
	}

	vb := r.dev.Buffer(fmt.Sprintf("%s.vertices", m.Name))
	if err := vb.AllocateAndWriteData(vertexData, device.DeviceLocal|device.HostVisible); err != nil {
		return 0, err
	}
	ib := r.dev.Buffer(fmt.Sprintf("%s.indices", m.Name))
	if err := ib.AllocateAndWriteData(indexData, device.DeviceLocal); err != nil {
		vb.Release()
		return 0, err
	}

	index := len(r.geoms)
	r.geoms = append(r.geoms, Geometry{
		Name:          m.Name,
		VertexAddress: vb.Address(),
		VertexStride:  vertexStride,
		VertexCount:   uint32(len(m.Positions)),
		IndexAddress:  ib.Address(),
		IndexStride:   indexStride,
		TriangleCount: uint32(len(m.Indices) / 3),
		Opaque:        m.Opaque,
	})
	r.buffers = append(r.buffers, vb, ib)
	r.vertexBufs = append(r.vertexBufs, vb)

	r.logger.Infof("uploaded mesh %q (%d vertices, %d triangles) in %d ms",
		m.Name, len(m.Positions), len(m.Indices)/3, time.Since(start).Nanoseconds()/1e6)

	return index, nil
}

// AddAabbs uploads a procedural primitive list and registers its geometry
// record. The resulting BLAS invokes the intersection shader group.
func (r *Registry) AddAabbs(name string, aabbs []Aabb, opaque bool) (int, error) {
	if len(aabbs) == 0 {
		return 0, fmt.Errorf("geometry: procedural geometry %q has no aabbs", name)
	}

	data := make([]byte, len(aabbs)*aabbStride)
	for i, box := range aabbs {
		encodeVec3(data[i*aabbStride:], box.Min)
		encodeVec3(data[i*aabbStride+12:], box.Max)
	}

	buf := r.dev.Buffer(fmt.Sprintf("%s.aabbs", name))
	if err := buf.AllocateAndWriteData(data, device.DeviceLocal); err != nil {
		return 0, err
	}

	index := len(r.geoms)
	r.geoms = append(r.geoms, Geometry{
		Name:        name,
		AabbAddress: buf.Address(),
		AabbStride:  aabbStride,
		AabbCount:   uint32(len(aabbs)),
		Opaque:      opaque,
	})
	r.buffers = append(r.buffers, buf)
	r.vertexBufs = append(r.vertexBufs, nil)

	return index, nil
}

// Geometry returns the geometry record for a mesh index.
func (r *Registry) Geometry(index int) Geometry {
	return r.geoms[index]
}

// Geometries returns all registered geometry records.
func (r *Registry) Geometries() []Geometry {
	return r.geoms
}

// Count returns the number of registered geometries.
func (r *Registry) Count() int {
	return len(r.geoms)
}

// VertexBuffer returns the vertex buffer backing a triangle geometry, or nil
// for procedural geometry. Used by the vertex animation pass to overwrite
// positions in place.
func (r *Registry) VertexBuffer(index int) *device.Buffer {
	return r.vertexBufs[index]
}

// Close releases all geometry buffers.
func (r *Registry) Close() {
	for _, buf := range r.buffers {
		buf.Release()
	}
	r.buffers = nil
	r.vertexBufs = nil
	r.geoms = nil
}

func encodeVec3(dst []byte, v types.Vec3) {
	binary.LittleEndian.PutUint32(dst[0:], math.Float32bits(v[0]))
	binary.LittleEndian.PutUint32(dst[4:], math.Float32bits(v[1]))
	binary.LittleEndian.PutUint32(dst[8:], math.Float32bits(v[2]))
}

func encodeVec4(dst []byte, v types.Vec4) {
	binary.LittleEndian.PutUint32(dst[0:], math.Float32bits(v[0]))
	binary.LittleEndian.PutUint32(dst[4:], math.Float32bits(v[1]))
	binary.LittleEndian.PutUint32(dst[8:], math.Float32bits(v[2]))
	binary.LittleEndian.PutUint32(dst[12:], math.Float32bits(v[3]))
}

// EncodePositions serializes vertex positions in the registry's vertex
// buffer layout. Used by animation passes that overwrite positions in place.
func EncodePositions(positions []types.Vec3) []byte {
	data := make([]byte, len(positions)*vertexStride)
	for i, p := range positions {
		encodeVec4(data[i*vertexStride:], p.Vec4(0))
	}
	return data
}
