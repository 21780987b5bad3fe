package scene

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chewxy/math32"
	"gopkg.in/yaml.v3"

	"github.com/realDqt/govray/log"
	"github.com/realDqt/govray/types"
)

var readerLogger = log.New("scene reader")

// The yaml document schema for scene files.
type sceneFile struct {
	Camera struct {
		Eye    [3]float32 `yaml:"eye"`
		LookAt [3]float32 `yaml:"look_at"`
		Up     [3]float32 `yaml:"up"`
		Fov    float32    `yaml:"fov"`
	} `yaml:"camera"`

	Materials []struct {
		Name      string     `yaml:"name"`
		Kind      string     `yaml:"kind"`
		Albedo    [3]float32 `yaml:"albedo"`
		Metallic  float32    `yaml:"metallic"`
		Roughness float32    `yaml:"roughness"`
		Ior       float32    `yaml:"ior"`
		Emission  [3]float32 `yaml:"emission"`
	} `yaml:"materials"`

	Meshes []struct {
		Name      string  `yaml:"name"`
		Primitive string  `yaml:"primitive"`
		Size      float32 `yaml:"size"`
		Width     float32 `yaml:"width"`
		Depth     float32 `yaml:"depth"`
		Radius    float32 `yaml:"radius"`
		Segments  int     `yaml:"segments"`
		Rings     int     `yaml:"rings"`
		Opaque    *bool   `yaml:"opaque"`
	} `yaml:"meshes"`

	Instances []struct {
		Name        string     `yaml:"name"`
		Mesh        string     `yaml:"mesh"`
		Material    string     `yaml:"material"`
		Translate   [3]float32 `yaml:"translate"`
		Scale       *float32   `yaml:"scale"`
		RotateYDeg  float32    `yaml:"rotate_y"`
		Mask        *uint8     `yaml:"mask"`
		SBTOffset   *uint32    `yaml:"sbt_offset"`
		CustomIndex *uint32    `yaml:"custom_index"`
	} `yaml:"instances"`
}

// ReadScene parses a yaml scene description from r.
func ReadScene(r io.Reader) (*Scene, error) {
	var doc sceneFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("scene reader: %v", err)
	}

	out := &Scene{
		Camera: Camera{
			Eye:    doc.Camera.Eye,
			LookAt: doc.Camera.LookAt,
			Up:     doc.Camera.Up,
			FovDeg: doc.Camera.Fov,
		},
	}
	if out.Camera.Up == (types.Vec3{}) {
		out.Camera.Up = types.XYZ(0, 1, 0)
	}
	if out.Camera.FovDeg == 0 {
		out.Camera.FovDeg = 45
	}

	matIndex := make(map[string]int, len(doc.Materials))
	for _, m := range doc.Materials {
		kind, err := parseMaterialKind(m.Kind)
		if err != nil {
			return nil, err
		}
		matIndex[m.Name] = len(out.Materials)
		out.Materials = append(out.Materials, Material{
			Name:      m.Name,
			Kind:      kind,
			Albedo:    m.Albedo,
			Metallic:  m.Metallic,
			Roughness: m.Roughness,
			Ior:       m.Ior,
			Emission:  m.Emission,
		})
	}

	meshIndex := make(map[string]int, len(doc.Meshes))
	for _, m := range doc.Meshes {
		var mesh Mesh
		switch m.Primitive {
		case "plane":
			mesh = NewPlane(m.Width, m.Depth)
		case "cube":
			mesh = NewCube(m.Size)
		case "sphere":
			mesh = NewSphere(m.Radius, m.Segments, m.Rings)
		case "implicit_sphere":
			mesh = NewImplicitSphere(m.Radius)
		default:
			return nil, fmt.Errorf("scene reader: mesh %q uses unsupported primitive %q", m.Name, m.Primitive)
		}
		mesh.Name = m.Name
		if m.Opaque != nil {
			mesh.Opaque = *m.Opaque
		}
		meshIndex[m.Name] = len(out.Meshes)
		out.Meshes = append(out.Meshes, mesh)
	}

	for _, in := range doc.Instances {
		mi, exists := meshIndex[in.Mesh]
		if !exists {
			return nil, fmt.Errorf("scene reader: instance %q references unknown mesh %q", in.Name, in.Mesh)
		}

		matIdx := 0
		if in.Material != "" {
			var ok bool
			if matIdx, ok = matIndex[in.Material]; !ok {
				return nil, fmt.Errorf("scene reader: instance %q references unknown material %q", in.Name, in.Material)
			}
		}

		scale := float32(1)
		if in.Scale != nil {
			scale = *in.Scale
		}
		xform := types.Translation(in.Translate).
			Mul4(types.RotationY(in.RotateYDeg * math32.Pi / 180)).
			Mul4(types.Scale(types.XYZ(scale, scale, scale)))

		mask := uint8(0xFF)
		if in.Mask != nil {
			mask = *in.Mask
		}

		// Implicit meshes default to the procedural hit group record and,
		// without an explicit material, to the normal-visualizing marker.
		implicit := out.Meshes[mi].Implicit()
		sbtOffset := uint32(0)
		if implicit {
			sbtOffset = 1
		}
		if in.SBTOffset != nil {
			sbtOffset = *in.SBTOffset
		}
		customIndex := uint32(matIdx)
		if implicit && in.Material == "" {
			customIndex = CustomIndexProcedural
		}
		if in.CustomIndex != nil {
			customIndex = *in.CustomIndex
		}

		out.Instances = append(out.Instances, Instance{
			Name:          in.Name,
			MeshIndex:     mi,
			Transform:     xform,
			MaterialIndex: matIdx,
			CustomIndex:   customIndex,
			Mask:          mask,
			SBTOffset:     sbtOffset,
		})
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadSceneFile parses a yaml scene description from a file on disk.
func ReadSceneFile(path string) (*Scene, error) {
	start := time.Now()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scene reader: %v", err)
	}
	defer f.Close()

	s, err := ReadScene(f)
	if err != nil {
		return nil, err
	}

	readerLogger.Noticef("parsed %q (%d meshes, %d instances) in %d ms",
		path, len(s.Meshes), len(s.Instances), time.Since(start).Nanoseconds()/1e6)
	return s, nil
}

func parseMaterialKind(s string) (MaterialKind, error) {
	switch s {
	case "", "lambert":
		return MaterialLambert, nil
	case "metal":
		return MaterialMetal, nil
	case "dielectric":
		return MaterialDielectric, nil
	case "emissive":
		return MaterialEmissive, nil
	}
	return 0, fmt.Errorf("scene reader: unsupported material kind %q", s)
}
