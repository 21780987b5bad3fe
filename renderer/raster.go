package renderer

import (
	"math"

	"github.com/realDqt/govray/device"
	"github.com/realDqt/govray/types"
)

// recordRaster records the depth-buffered raster fallback: every instance's
// triangles are projected and filled with flat shading. Procedural instances
// have no triangles and are skipped.
func (r *Renderer) recordRaster(cb *device.CommandBuffer) {
	cb.Record("rasterize", device.StageGraphics, device.StageCompute|device.StageTransfer,
		func(*device.Device) error {
			r.rasterize()
			return nil
		})
}

func (r *Renderer) rasterize() {
	w, h := int(r.opts.FrameW), int(r.opts.FrameH)

	depth := make([]float32, w*h)
	for i := range depth {
		depth[i] = math.MaxFloat32
	}
	for i := range r.fb {
		r.fb[i] = background(types.XYZ(0, -1, 0))
	}

	cam := r.sc.Camera
	view := types.LookAt(cam.Eye, cam.LookAt, cam.Up)
	proj := types.Perspective(cam.FovDeg*math.Pi/180, float32(w)/float32(h), 0.1, 1000)
	viewProj := proj.Mul4(view)

	for ii, inst := range r.instances {
		mesh := r.sc.Meshes[inst.MeshIndex]
		positions := r.positions[inst.MeshIndex]
		mvp := viewProj.Mul4(r.transforms[ii])

		for tri := 0; tri < len(mesh.Indices); tri += 3 {
			v0 := project(mvp, positions[mesh.Indices[tri]], w, h)
			v1 := project(mvp, positions[mesh.Indices[tri+1]], w, h)
			v2 := project(mvp, positions[mesh.Indices[tri+2]], w, h)
			if v0[3] <= 0 || v1[3] <= 0 || v2[3] <= 0 {
				continue
			}

			// Flat shade from the world-space face normal.
			world := r.transforms[ii]
			w0 := world.TransformPoint(positions[mesh.Indices[tri]])
			w1 := world.TransformPoint(positions[mesh.Indices[tri+1]])
			w2 := world.TransformPoint(positions[mesh.Indices[tri+2]])
			normal := w1.Sub(w0).Cross(w2.Sub(w0)).Normalize()
			lambert := normal.Dot(r.lightDir)
			if lambert < 0 {
				lambert = -lambert
			}
			if lambert < 0.1 {
				lambert = 0.1
			}

			color := types.XYZ(0.7, 0.7, 0.7)
			if int(inst.MaterialIndex) < len(r.sc.Materials) {
				color = r.sc.Materials[inst.MaterialIndex].Albedo
			}
			color = color.Mul(lambert)

			r.fillTriangle(v0, v1, v2, color, depth)
		}
	}
}

// project transforms a position to screen space; the W component carries the
// clip-space w for the near-plane test and depth.
func project(mvp types.Mat4, p types.Vec3, w, h int) types.Vec4 {
	clip := mvp.TransformVec4(p.Vec4(1))
	if clip[3] <= 0 {
		return types.Vec4{0, 0, 0, clip[3]}
	}
	invW := 1 / clip[3]
	return types.Vec4{
		(clip[0]*invW + 1) * 0.5 * float32(w),
		(1 - clip[1]*invW) * 0.5 * float32(h),
		clip[2] * invW,
		clip[3],
	}
}

func (r *Renderer) fillTriangle(v0, v1, v2 types.Vec4, color types.Vec3, depth []float32) {
	w, h := int(r.opts.FrameW), int(r.opts.FrameH)

	minX := clampInt(int(min3(v0[0], v1[0], v2[0])), 0, w-1)
	maxX := clampInt(int(max3(v0[0], v1[0], v2[0]))+1, 0, w-1)
	minY := clampInt(int(min3(v0[1], v1[1], v2[1])), 0, h-1)
	maxY := clampInt(int(max3(v0[1], v1[1], v2[1]))+1, 0, h-1)

	area := edge(v0, v1, v2)
	if area == 0 {
		return
	}
	invArea := 1 / area

	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			p := types.Vec4{float32(x) + 0.5, float32(y) + 0.5, 0, 0}
			b0 := edge(v1, v2, p) * invArea
			b1 := edge(v2, v0, p) * invArea
			b2 := edge(v0, v1, p) * invArea
			if b0 < 0 || b1 < 0 || b2 < 0 {
				continue
			}

			z := b0*v0[2] + b1*v1[2] + b2*v2[2]
			idx := y*w + x
			if z >= depth[idx] {
				continue
			}
			depth[idx] = z
			r.fb[idx] = color
		}
	}
}

func edge(a, b, p types.Vec4) float32 {
	return (b[0]-a[0])*(p[1]-a[1]) - (b[1]-a[1])*(p[0]-a[0])
}

func min3(a, b, c float32) float32 {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func max3(a, b, c float32) float32 {
	if b > a {
		a = b
	}
	if c > a {
		a = c
	}
	return a
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
