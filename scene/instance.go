package scene

import (
	"fmt"

	"github.com/realDqt/govray/types"
)

// CustomIndexProcedural marks instances whose closest-hit shading reads
// primitive data from the intersection shader instead of a material record.
// It is the largest value representable in the 24-bit custom index field.
const CustomIndexProcedural = 0xFFFFFF

// MaterialKind selects the shading model applied by the hit shaders. The
// numeric values are shared with the shader-side material records so they
// must not be reordered.
type MaterialKind uint32

const (
	MaterialLambert MaterialKind = iota
	MaterialMetal
	MaterialDielectric
	MaterialEmissive
)

func (k MaterialKind) String() string {
	switch k {
	case MaterialLambert:
		return "lambert"
	case MaterialMetal:
		return "metal"
	case MaterialDielectric:
		return "dielectric"
	case MaterialEmissive:
		return "emissive"
	}
	return fmt.Sprintf("material(%d)", uint32(k))
}

// Material is the host-side material record referenced by instances through
// their material index.
type Material struct {
	Name      string
	Kind      MaterialKind
	Albedo    types.Vec3
	Metallic  float32
	Roughness float32
	Ior       float32
	Emission  types.Vec3
}

// Instance places a mesh (and its BLAS) in the scene. The transform is
// applied object-to-world; the remaining fields feed the packed instance
// record in the TLAS instance buffer.
type Instance struct {
	Name      string
	MeshIndex int
	Transform types.Mat4

	// MaterialIndex selects the material record used by the hit shaders.
	MaterialIndex int

	// CustomIndex is delivered to the hit shaders; 24 bits usable.
	CustomIndex uint32

	// Mask gates traversal against the per-ray cull mask; 0 makes the
	// instance invisible to every ray.
	Mask uint8

	// SBTOffset selects the hit group record block for this instance.
	SBTOffset uint32
}

// Camera holds the view parameters consumed by ray generation.
type Camera struct {
	Eye    types.Vec3
	LookAt types.Vec3
	Up     types.Vec3
	FovDeg float32
}

// Scene is the full host-side scene description: geometry, materials and
// instance placements plus the camera.
type Scene struct {
	Meshes    []Mesh
	Materials []Material
	Instances []Instance
	Camera    Camera
}

// Validate checks cross-references before any device work happens.
func (s *Scene) Validate() error {
	for i, inst := range s.Instances {
		if inst.MeshIndex < 0 || inst.MeshIndex >= len(s.Meshes) {
			return fmt.Errorf("scene: instance %d (%s) references unknown mesh %d", i, inst.Name, inst.MeshIndex)
		}
		if inst.CustomIndex != CustomIndexProcedural {
			if inst.MaterialIndex < 0 || inst.MaterialIndex >= len(s.Materials) {
				return fmt.Errorf("scene: instance %d (%s) references unknown material %d", i, inst.Name, inst.MaterialIndex)
			}
		}
		if inst.CustomIndex > CustomIndexProcedural {
			return fmt.Errorf("scene: instance %d (%s) custom index %#x exceeds 24 bits", i, inst.Name, inst.CustomIndex)
		}
	}
	return nil
}
