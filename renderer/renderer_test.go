package renderer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realDqt/govray/rt"
	"github.com/realDqt/govray/scene"
	"github.com/realDqt/govray/types"
)

func testScene() *scene.Scene {
	return &scene.Scene{
		Meshes: []scene.Mesh{scene.NewCube(2)},
		Materials: []scene.Material{
			{Name: "gray", Kind: scene.MaterialLambert, Albedo: types.XYZ(0.7, 0.7, 0.7)},
		},
		Instances: []scene.Instance{
			{Name: "cube", MeshIndex: 0, Transform: types.Ident4(), MaterialIndex: 0, Mask: 0xFF},
		},
		Camera: scene.Camera{
			Eye:    types.XYZ(0, 0, 5),
			LookAt: types.XYZ(0, 0, 0),
			Up:     types.XYZ(0, 1, 0),
			FovDeg: 45,
		},
	}
}

func testOptions() Options {
	return Options{FrameW: 64, FrameH: 64, Config: rt.ConfigBasic, MaxDepth: 2}
}

func TestRenderFrame(t *testing.T) {
	r, err := New(testScene(), testOptions(), nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Render())

	stats := r.Stats()
	assert.Equal(t, uint64(64*64), stats.PrimaryRays)
	assert.Greater(t, stats.Hits, uint64(0), "the centered cube must be hit")
	assert.EqualValues(t, 0, stats.SkippedFrames)

	// The center pixel shows the lit cube, not the background.
	fb := r.Framebuffer()
	center := (32*64 + 32) * 4
	assert.EqualValues(t, 255, fb[center+3], "alpha must be opaque")
	assert.Equal(t, fb[center], fb[center+1], "gray albedo has equal channels")

	// The next frame advances the counter.
	require.NoError(t, r.Render())
	assert.EqualValues(t, 1, r.Stats().Frame)
}

func TestRenderConstructorValidation(t *testing.T) {
	_, err := New(nil, testOptions(), nil)
	assert.ErrorIs(t, err, ErrSceneNotDefined)

	sc := testScene()
	sc.Instances = nil
	_, err = New(sc, testOptions(), nil)
	assert.ErrorIs(t, err, ErrNoInstances)

	sc = testScene()
	sc.Camera.LookAt = sc.Camera.Eye
	_, err = New(sc, testOptions(), nil)
	assert.ErrorIs(t, err, ErrCameraNotDefined)
}

func TestTransformRefitBetweenFrames(t *testing.T) {
	r, err := New(testScene(), testOptions(), nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Render())
	hitsBefore := r.Stats().Hits
	require.Greater(t, hitsBefore, uint64(0))

	// Move the cube far off screen; the next frame refits the top-level
	// structure and the cube disappears.
	require.NoError(t, r.SetTransform(0, types.Translation(types.XYZ(100, 0, 0))))
	require.NoError(t, r.Render())
	assert.EqualValues(t, 0, r.Stats().Hits)

	// And back again.
	require.NoError(t, r.SetTransform(0, types.Ident4()))
	require.NoError(t, r.Render())
	assert.Equal(t, hitsBefore, r.Stats().Hits)
}

func TestVertexAnimationRefit(t *testing.T) {
	r, err := New(testScene(), testOptions(), nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Render())
	require.Greater(t, r.Stats().Hits, uint64(0))

	// Push all cube vertices out of the camera frustum.
	r.SetAnimator(func(frame uint32, meshIndex int, positions []types.Vec3) bool {
		for i := range positions {
			positions[i] = positions[i].Add(types.XYZ(0, 100, 0))
		}
		return true
	})
	require.NoError(t, r.Render())
	assert.EqualValues(t, 0, r.Stats().Hits, "the refitted structure must reflect the moved vertices")
}

func TestInstanceCountChangeRebuilds(t *testing.T) {
	r, err := New(testScene(), testOptions(), nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Render())
	hitsSingle := r.Stats().Hits

	// Adding a second instance changes the count: the next frame must go
	// through a full top-level rebuild.
	instances := append([]scene.Instance{}, testScene().Instances...)
	second := instances[0]
	second.Name = "cube2"
	second.Transform = types.Translation(types.XYZ(1.5, 0, 0))
	instances = append(instances, second)
	require.NoError(t, r.SetInstances(instances))

	require.NoError(t, r.Render())
	assert.Greater(t, r.Stats().Hits, hitsSingle, "the second cube must contribute hits")
}

func TestSkippedFrameOnRefitFailure(t *testing.T) {
	// A two-triangle mesh builds a single-leaf tree, which keeps the device
	// allocations identical between runs.
	flatScene := func() *scene.Scene {
		sc := testScene()
		sc.Meshes = []scene.Mesh{{
			Name: "pair",
			Positions: []types.Vec3{
				{0, 0, 0}, {1, 0, 0}, {0, 0, 1},
				{2, 0, 0}, {3, 0, 0}, {2, 0, 1},
			},
			Indices: []uint32{0, 1, 2, 3, 4, 5},
			Opaque:  true,
		}}
		return sc
	}

	// Measure the working set of a fully constructed renderer, then rebuild
	// it with a budget that leaves no room for the refit scratch buffer.
	probe, err := New(flatScene(), testOptions(), nil)
	require.NoError(t, err)
	budget := probe.Device().AllocatedBytes() + 8
	probe.Close()

	opts := testOptions()
	opts.MemoryBudget = budget
	r, err := New(flatScene(), opts, nil)
	require.NoError(t, err)
	defer r.Close()

	r.SetAnimator(func(frame uint32, meshIndex int, positions []types.Vec3) bool {
		return true
	})

	// The refit scratch allocation exceeds the budget: the frame is skipped
	// and the counter does not advance.
	err = r.Render()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "skipped")
	assert.EqualValues(t, 1, r.Stats().SkippedFrames)

	// Without the animation the next frame needs no scratch and recovers.
	r.SetAnimator(nil)
	require.NoError(t, r.Render())
	assert.EqualValues(t, 0, r.Stats().Frame)
}

func TestHitGroupOffsetOutOfRange(t *testing.T) {
	// A single hit group: an instance pointing past it must fail the trace
	// instead of resolving a record from region padding.
	sc := testScene()
	sc.Instances[0].SBTOffset = 1

	r, err := New(sc, testOptions(), nil)
	require.NoError(t, err)
	defer r.Close()

	err = r.Render()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestProceduralGeometryRendering(t *testing.T) {
	sc := testScene()
	sc.Meshes = []scene.Mesh{scene.NewImplicitSphere(1)}
	sc.Materials = nil
	sc.Instances = []scene.Instance{{
		Name:        "orb",
		MeshIndex:   0,
		Transform:   types.Ident4(),
		CustomIndex: scene.CustomIndexProcedural,
		Mask:        0xFF,
		SBTOffset:   1,
	}}

	opts := testOptions()
	opts.Config = rt.ConfigProcedural
	r, err := New(sc, opts, nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Render())
	require.Greater(t, r.Stats().Hits, uint64(0), "the implicit sphere must be hit")

	// The marker custom index shades from the normal: the +Z entry face seen
	// from the camera leans towards blue.
	fb := r.Framebuffer()
	center := (32*64 + 32) * 4
	assert.EqualValues(t, 255, fb[center+3])
	assert.Greater(t, fb[center+2], fb[center], "normal visualization must tint the +Z face blue")
}

func TestCallableMaterialDispatch(t *testing.T) {
	opts := testOptions()
	opts.Config = rt.ConfigCallable
	r, err := New(testScene(), opts, nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Render())
	stats := r.Stats()
	require.Greater(t, stats.Hits, uint64(0))
	assert.Equal(t, stats.Hits, stats.CallableRays, "every hit must dispatch through the callable record")

	// Other configurations bypass the callable dispatch.
	require.NoError(t, r.SetConfig(rt.ConfigBasic))
	require.NoError(t, r.Render())
	assert.EqualValues(t, 0, r.Stats().CallableRays)
}

func TestRasterFallback(t *testing.T) {
	r, err := New(testScene(), testOptions(), nil)
	require.NoError(t, err)
	defer r.Close()

	r.SetMode(ModeRaster)
	require.NoError(t, r.Render())

	// The raster path fills the same framebuffer.
	fb := r.Framebuffer()
	center := (32*64 + 32) * 4
	assert.EqualValues(t, 255, fb[center+3])

	r.SetMode(ModeRayTrace)
	require.NoError(t, r.Render())
	assert.Greater(t, r.Stats().Hits, uint64(0))
}

func TestShaderReloadBetweenFrames(t *testing.T) {
	r, err := New(testScene(), testOptions(), nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Render())
	require.NoError(t, r.ReloadShaders())
	require.NoError(t, r.Render())
	assert.EqualValues(t, 1, r.Stats().Frame)

	// Switching configurations also rebuilds the pipeline.
	require.NoError(t, r.SetConfig(rt.ConfigAnyHit))
	require.NoError(t, r.Render())
	assert.EqualValues(t, 2, r.Stats().Frame)
}

func TestStatsTable(t *testing.T) {
	var buf bytes.Buffer
	FrameStats{Frame: 3, PrimaryRays: 4096}.WriteTable(&buf)
	out := buf.String()
	assert.Contains(t, out, "Frame")
	assert.Contains(t, out, "4096")
}
