// Package renderer orchestrates the per-frame work: scene mutation, bottom-
// and top-level structure updates behind the required barriers, descriptor
// and push-constant refresh and the trace dispatch itself. Frames whose
// structure updates fail are skipped; shader compile failures are recovered
// through the prebuilt blobs further down the stack.
package renderer

import (
	"fmt"
	"time"

	"github.com/chewxy/math32"

	"github.com/realDqt/govray/accel"
	"github.com/realDqt/govray/device"
	"github.com/realDqt/govray/log"
	"github.com/realDqt/govray/rt"
	"github.com/realDqt/govray/scene"
	"github.com/realDqt/govray/types"
)

// Render modes.
type Mode uint8

const (
	// ModeRayTrace renders through the ray tracing pipeline.
	ModeRayTrace Mode = iota

	// ModeRaster renders through the depth-buffered raster fallback.
	ModeRaster
)

// Animator mutates the vertex positions of a mesh for the upcoming frame.
// Returning false leaves the mesh untouched.
type Animator func(frame uint32, meshIndex int, positions []types.Vec3) bool

// Descriptor state pushed for a single frame. Pushes do not persist; the
// trace dispatch refuses to run against bindings from another frame.
type frameBindings struct {
	frame         uint32
	tlasAddress   uint64
	pushConstants []byte
	valid         bool
}

// Renderer drives the full frame loop over a scene.
type Renderer struct {
	logger log.Logger
	opts   Options

	dev      *device.Device
	sc       *scene.Scene
	registry *scene.Registry
	builder  *accel.Builder
	tlas     *accel.TopLevel
	manager  *rt.Manager

	mode     Mode
	animator Animator

	// Directional light, pointing from the surface towards the light.
	lightDir types.Vec3

	// Host copies of the per-mesh vertex positions handed to the animator.
	positions [][]types.Vec3

	// Live per-instance state.
	instances       []scene.Instance
	transforms      []types.Mat4
	transformsDirty bool
	instancesDirty  bool

	frame uint32
	fb    []types.Vec3
	out   []uint8

	bindings frameBindings
	stats    FrameStats
}

// New creates a renderer over the given scene: geometry is uploaded, all
// bottom-level structures and the top-level structure are built with update
// support, and the ray tracing pipeline is created and activated.
func New(sc *scene.Scene, opts Options, compiler rt.Compiler) (*Renderer, error) {
	if sc == nil {
		return nil, ErrSceneNotDefined
	}
	if len(sc.Instances) == 0 {
		return nil, ErrNoInstances
	}
	if sc.Camera.Eye == sc.Camera.LookAt {
		return nil, ErrCameraNotDefined
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	opts = opts.withDefaults()
	r := &Renderer{
		logger:   log.New("renderer"),
		opts:     opts,
		sc:       sc,
		lightDir: types.XYZ(0.4, 1, 0.2).Normalize(),
		fb:       make([]types.Vec3, opts.FrameW*opts.FrameH),
		out:      make([]uint8, opts.FrameW*opts.FrameH*4),
	}

	r.dev = device.New(device.Options{Name: "govray", MemoryBudget: opts.MemoryBudget})
	r.registry = scene.NewRegistry(r.dev)
	for _, mesh := range sc.Meshes {
		if _, err := r.registry.AddMesh(mesh); err != nil {
			r.Close()
			return nil, err
		}
		positions := make([]types.Vec3, len(mesh.Positions))
		copy(positions, mesh.Positions)
		r.positions = append(r.positions, positions)
	}

	r.builder = accel.NewBuilder(r.dev)
	if err := r.builder.BuildAll(r.registry.Geometries(), accel.AllowUpdate|accel.PreferFastTrace); err != nil {
		r.Close()
		return nil, err
	}

	r.instances = append(r.instances, sc.Instances...)
	r.tlas = accel.NewTopLevel(r.dev)
	if err := r.tlas.Build(r.packInstances(), accel.AllowUpdate); err != nil {
		r.Close()
		return nil, err
	}
	r.transforms = make([]types.Mat4, len(r.instances))
	for i, inst := range r.instances {
		r.transforms[i] = inst.Transform
	}

	r.manager = rt.NewManager(r.dev, compiler)
	if err := r.manager.CreatePipeline(opts.Config, opts.MaxDepth); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.manager.Activate(); err != nil {
		r.Close()
		return nil, err
	}

	return r, nil
}

// packInstances converts the live instance list into top-level structure
// records.
func (r *Renderer) packInstances() []accel.Instance {
	out := make([]accel.Instance, len(r.instances))
	for i, inst := range r.instances {
		out[i] = accel.Instance{
			Transform:   inst.Transform,
			CustomIndex: inst.CustomIndex,
			Mask:        inst.Mask,
			SBTOffset:   inst.SBTOffset,
			BlasAddress: r.builder.BLAS(inst.MeshIndex).Address(),
		}
	}
	return out
}

// Get the underlying device.
func (r *Renderer) Device() *device.Device {
	return r.dev
}

// Get render statistics.
func (r *Renderer) Stats() FrameStats {
	return r.stats
}

// Get the render mode.
func (r *Renderer) Mode() Mode {
	return r.mode
}

// SetMode toggles between ray traced and rasterized output.
func (r *Renderer) SetMode(mode Mode) {
	r.mode = mode
}

// SetAnimator attaches a vertex animator invoked every frame.
func (r *Renderer) SetAnimator(a Animator) {
	r.animator = a
}

// SetTransform replaces an instance's transform. The change reaches the
// top-level structure through a transform refit on the next frame.
func (r *Renderer) SetTransform(instance int, xform types.Mat4) error {
	if instance < 0 || instance >= len(r.transforms) {
		return fmt.Errorf("renderer: unknown instance %d", instance)
	}
	r.transforms[instance] = xform
	r.instances[instance].Transform = xform
	r.transformsDirty = true
	return nil
}

// SetInstances replaces the instance list. Because the instance count may
// change, the next frame performs a full top-level rebuild instead of a
// refit.
func (r *Renderer) SetInstances(instances []scene.Instance) error {
	for i, inst := range instances {
		if inst.MeshIndex < 0 || inst.MeshIndex >= r.builder.Count() {
			return fmt.Errorf("renderer: instance %d references unknown mesh %d", i, inst.MeshIndex)
		}
	}

	r.instances = append(r.instances[:0], instances...)
	r.transforms = make([]types.Mat4, len(instances))
	for i, inst := range instances {
		r.transforms[i] = inst.Transform
	}
	r.instancesDirty = true
	return nil
}

// ReloadShaders recreates the pipeline and its shader binding table behind a
// queue drain, picking up recompiled shaders.
func (r *Renderer) ReloadShaders() error {
	pipeline := r.manager.Pipeline()
	if pipeline == nil {
		return fmt.Errorf("renderer: no pipeline to reload")
	}
	return r.manager.Rebuild(pipeline.Config(), pipeline.MaxDepth())
}

// SetConfig switches the pipeline configuration, rebuilding pipeline and
// shader binding table.
func (r *Renderer) SetConfig(config rt.Config) error {
	pipeline := r.manager.Pipeline()
	if pipeline == nil {
		return fmt.Errorf("renderer: no pipeline to reconfigure")
	}
	return r.manager.Rebuild(config, pipeline.MaxDepth())
}

// Framebuffer returns the tonemapped RGBA output of the last frame.
func (r *Renderer) Framebuffer() []uint8 {
	return r.out
}

// FrameDims returns the output extent.
func (r *Renderer) FrameDims() (uint32, uint32) {
	return r.opts.FrameW, r.opts.FrameH
}

// Render renders the next frame. Structure build or refit failures abort the
// frame: the frame counter does not advance and the error is propagated.
func (r *Renderer) Render() error {
	start := time.Now()

	if r.manager.State() != rt.StateActive {
		return fmt.Errorf("renderer: pipeline is %s; cannot trace", r.manager.State())
	}

	updateStart := time.Now()

	// Instance count changes force a full top-level rebuild.
	if r.instancesDirty {
		if err := r.tlas.Build(r.packInstances(), accel.AllowUpdate); err != nil {
			r.stats.SkippedFrames++
			return fmt.Errorf("renderer: frame %d skipped: %v", r.frame, err)
		}
		r.instancesDirty = false
		r.transformsDirty = false
	}

	cb := r.dev.NewCommandBuffer()
	structuresDirty := false

	// Vertex animation: overwrite positions in place, then refit the
	// affected bottom-level structures behind a compute to accel-build
	// barrier.
	if r.animator != nil {
		var animated []int
		for mi := range r.positions {
			vb := r.registry.VertexBuffer(mi)
			if vb == nil || !r.animator(r.frame, mi, r.positions[mi]) {
				continue
			}
			data := scene.EncodePositions(r.positions[mi])
			buf := vb
			cb.Record(fmt.Sprintf("animateVertices(%d)", mi), device.StageCompute, 0,
				func(*device.Device) error {
					return buf.WriteAt(0, data)
				})
			animated = append(animated, mi)
		}
		if len(animated) > 0 {
			cb.Barrier(device.StageCompute, device.StageAccelBuild)
			for _, mi := range animated {
				if err := r.builder.Refit(mi, cb); err != nil {
					r.stats.SkippedFrames++
					return fmt.Errorf("renderer: frame %d skipped: %v", r.frame, err)
				}
			}
			structuresDirty = true
		}
	}

	if r.transformsDirty {
		if structuresDirty {
			// Bottom-level refits must land before the top-level refit
			// reads the updated root bounds.
			cb.Barrier(device.StageAccelBuild, device.StageAccelBuild)
		}
		if err := r.tlas.RefitTransforms(r.transforms, cb); err != nil {
			r.stats.SkippedFrames++
			return fmt.Errorf("renderer: frame %d skipped: %v", r.frame, err)
		}
		r.transformsDirty = false
		structuresDirty = true
	}

	// Descriptors and push constants are pushed fresh every frame.
	r.pushDescriptors()

	switch r.mode {
	case ModeRaster:
		if structuresDirty {
			cb.Barrier(device.StageAccelBuild, device.StageGraphics)
		}
		r.recordRaster(cb)
		cb.Barrier(device.StageGraphics, device.StageCompute)
	default:
		if structuresDirty {
			cb.Barrier(device.StageAccelBuild, device.StageRayTrace)
		}
		traceFrame := r.frame
		cb.Record("traceRays", device.StageRayTrace, device.StageAccelBuild,
			func(d *device.Device) error {
				return r.trace(d, traceFrame)
			})
		cb.Barrier(device.StageRayTrace, device.StageCompute)
	}

	cb.Record("tonemap", device.StageCompute, device.StageRayTrace|device.StageGraphics,
		func(*device.Device) error {
			r.tonemap()
			return nil
		})

	traceStart := time.Now()
	err := r.dev.Submit(cb)

	// Frame fence: wait for the queue before host-side state mutates again.
	r.dev.WaitIdle()
	if err != nil {
		r.stats.SkippedFrames++
		return fmt.Errorf("renderer: frame %d skipped: %v", r.frame, err)
	}

	r.stats.Frame = r.frame
	r.stats.UpdateTime = traceStart.Sub(updateStart)
	r.stats.TraceTime = time.Since(traceStart)
	r.stats.RenderTime = time.Since(start)
	r.frame++
	return nil
}

// pushDescriptors refreshes the frame's descriptor state. Bindings are only
// valid for the frame they were pushed for.
func (r *Renderer) pushDescriptors() {
	pipeline := r.manager.Pipeline()

	var flags uint32
	if r.opts.EnableShadows {
		flags |= rt.PushFlagShadows
	}
	if pipeline.Config() == rt.ConfigAnyHit {
		flags |= rt.PushFlagAnyHit
	}
	if pipeline.Config() == rt.ConfigReorderable {
		flags |= rt.PushFlagReorder
	}

	pc := rt.PushConstants{
		NormalMatrix:     types.Ident4().Mat3(),
		InstanceIndex:    -1,
		SceneInfoAddress: r.tlas.Address(),
		FrameCounter:     r.frame,
		MaxDepth:         pipeline.MaxDepth(),
		Flags:            flags,
	}

	r.bindings = frameBindings{
		frame:         r.frame,
		tlasAddress:   r.tlas.Address(),
		pushConstants: pc.Encode(),
		valid:         true,
	}
}

// trace runs on the queue at the ray-trace stage and fills the framebuffer.
func (r *Renderer) trace(d *device.Device, frame uint32) error {
	if !r.bindings.valid || r.bindings.frame != frame {
		return fmt.Errorf("descriptors were not pushed for frame %d", frame)
	}

	pc := rt.DecodePushConstants(r.bindings.pushConstants)

	handle, err := d.AccelStructureAt(r.bindings.tlasAddress)
	if err != nil {
		return err
	}
	tlas, valid := handle.Contents.(*accel.TopLevel)
	if !valid {
		return fmt.Errorf("bound address %#x is not a top-level structure", r.bindings.tlasAddress)
	}

	table := r.manager.Table()

	// The callable configuration routes material evaluation through the
	// callable shader record.
	useCallable := r.manager.Pipeline().Config() == rt.ConfigCallable

	var filter accel.AnyHitFilter
	if pc.Flags&rt.PushFlagAnyHit != 0 {
		// Alpha cutout: drop candidates near the first vertex.
		filter = func(hit accel.Hit) bool {
			return hit.U+hit.V > 0.05
		}
	}

	cam := r.sc.Camera
	fwd := cam.LookAt.Sub(cam.Eye).Normalize()
	right := fwd.Cross(cam.Up).Normalize()
	up := right.Cross(fwd)
	tanHalf := math32.Tan(cam.FovDeg * math32.Pi / 360)
	aspect := float32(r.opts.FrameW) / float32(r.opts.FrameH)

	var primary, shadow, hits, callableCalls uint64
	for y := uint32(0); y < r.opts.FrameH; y++ {
		py := (1 - 2*(float32(y)+0.5)/float32(r.opts.FrameH)) * tanHalf
		for x := uint32(0); x < r.opts.FrameW; x++ {
			px := (2*(float32(x)+0.5)/float32(r.opts.FrameW) - 1) * tanHalf * aspect

			dir := fwd.Add(right.Mul(px)).Add(up.Mul(py)).Normalize()
			ray := accel.Ray{Origin: cam.Eye, Dir: dir, TMin: 1e-3, TMax: 1e30}
			primary++

			hit, found := tlas.Intersect(ray, 0xFF, filter)
			if !found {
				r.fb[y*r.opts.FrameW+x] = background(dir)
				continue
			}
			hits++

			// Resolve the hit group record selected by the instance's
			// sbt offset; an out-of-range offset is a scene setup bug.
			if _, err := table.HandleAt(table.Hit, hit.HitGroupIndex(0)); err != nil {
				return err
			}

			var color types.Vec3
			if useCallable {
				if color, err = r.callableShade(table, ray, hit); err != nil {
					return err
				}
				callableCalls++
			} else {
				color = r.shade(ray, hit)
			}

			if pc.Flags&rt.PushFlagShadows != 0 {
				point := ray.Origin.Add(ray.Dir.Mul(hit.T))
				shadowRay := accel.Ray{
					Origin: point.Add(hit.Normal.Mul(1e-3)),
					Dir:    r.lightDir,
					TMin:   1e-3,
					TMax:   1e30,
				}
				shadow++
				if _, occluded := tlas.Intersect(shadowRay, 0xFF, nil); occluded {
					color = color.Mul(0.3)
				}
			}

			r.fb[y*r.opts.FrameW+x] = color
		}
	}

	r.stats.PrimaryRays = primary
	r.stats.ShadowRays = shadow
	r.stats.Hits = hits
	r.stats.CallableRays = callableCalls
	return nil
}

// callableShade evaluates the hit material through the pipeline's callable
// record, the way a callable shader dispatch would.
func (r *Renderer) callableShade(table *rt.Table, ray accel.Ray, hit accel.Hit) (types.Vec3, error) {
	if _, err := table.HandleAt(table.Callable, 0); err != nil {
		return types.Vec3{}, err
	}
	return r.shade(ray, hit), nil
}

// shade applies the material referenced by the hit's custom index. Custom
// index values outside the material table are markers for procedural
// geometry and shade from the normal instead.
func (r *Renderer) shade(ray accel.Ray, hit accel.Hit) types.Vec3 {
	normal := hit.Normal
	if normal.Dot(ray.Dir) > 0 {
		normal = normal.Mul(-1)
	}

	if int(hit.CustomIndex) >= len(r.sc.Materials) {
		// Marker instance (e.g. CustomIndexProcedural): visualize the
		// surface normal.
		return normal.Mul(0.5).Add(types.XYZ(0.5, 0.5, 0.5))
	}

	mat := r.sc.Materials[hit.CustomIndex]
	if mat.Kind == scene.MaterialEmissive {
		return mat.Emission
	}

	lambert := normal.Dot(r.lightDir)
	if lambert < 0.1 {
		lambert = 0.1
	}
	return mat.Albedo.Mul(lambert)
}

func background(dir types.Vec3) types.Vec3 {
	t := 0.5 * (dir[1] + 1)
	return types.XYZ(1, 1, 1).Mul(1 - t).Add(types.XYZ(0.4, 0.6, 0.9).Mul(t))
}

// tonemap converts the linear framebuffer into 8-bit RGBA output.
func (r *Renderer) tonemap() {
	inv := float32(1) / 2.2
	for i, c := range r.fb {
		for ch := 0; ch < 3; ch++ {
			v := 1 - math32.Exp(-c[ch]*r.opts.Exposure)
			if v < 0 {
				v = 0
			}
			r.out[i*4+ch] = uint8(math32.Pow(v, inv)*255 + 0.5)
		}
		r.out[i*4+3] = 255
	}
}

// Close tears everything down behind a queue drain.
func (r *Renderer) Close() {
	if r.manager != nil {
		r.manager.Shutdown()
	}
	if r.tlas != nil {
		r.tlas.Destroy()
	}
	if r.builder != nil {
		for i := 0; i < r.builder.Count(); i++ {
			r.builder.BLAS(i).Destroy()
		}
	}
	if r.registry != nil {
		r.registry.Close()
	}
}
