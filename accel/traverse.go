package accel

import (
	"github.com/realDqt/govray/types"
)

// Ray in world space. Dir need not be normalized; reported hit distances are
// parametric along Dir.
type Ray struct {
	Origin types.Vec3
	Dir    types.Vec3
	TMin   float32
	TMax   float32
}

// Hit describes the closest intersection found by traversal.
type Hit struct {
	T float32

	// Index of the instance record in the top-level structure.
	InstanceIndex uint32

	// The instance's custom index, delivered verbatim.
	CustomIndex uint32

	// Index of the primitive within the bottom-level structure.
	PrimitiveIndex uint32

	// The instance's shader binding table offset.
	SBTOffset uint32

	// Barycentric hit coordinates for triangle hits.
	U, V float32

	// Geometric surface normal in world space, normalized.
	Normal types.Vec3

	// Procedural is set for aabb (intersection shader) hits.
	Procedural bool
}

// HitGroupIndex resolves the shader binding table hit record selected by this
// hit for the given ray type.
func (h Hit) HitGroupIndex(rayType uint32) uint32 {
	return h.SBTOffset + rayType
}

// AnyHitFilter is invoked for candidate hits on non-opaque geometry.
// Returning false ignores the candidate and traversal continues.
type AnyHitFilter func(hit Hit) bool

// Traversal stack depth; enough for trees of ~2^32 primitives.
const maxStackDepth = 64

// Intersect walks the two-level structure and returns the closest hit.
// Instances whose mask does not intersect cullMask are skipped. filter, when
// non-nil, is consulted for candidate hits on non-opaque geometry.
func (t *TopLevel) Intersect(ray Ray, cullMask uint8, filter AnyHitFilter) (Hit, bool) {
	if !t.Built() || len(t.nodes) == 0 {
		return Hit{}, false
	}

	best := Hit{T: ray.TMax}
	found := false

	invDir := types.Vec3{1 / ray.Dir[0], 1 / ray.Dir[1], 1 / ray.Dir[2]}

	var stack [maxStackDepth]uint32
	sp := 0
	stack[sp] = 0
	sp++

	for sp > 0 {
		sp--
		node := &t.nodes[stack[sp]]
		if !rayBoxHit(ray.Origin, invDir, ray.TMin, best.T, node.Min, node.Max) {
			continue
		}

		if !node.IsLeaf() {
			left, right := node.GetChildNodes()
			stack[sp] = left
			stack[sp+1] = right
			sp += 2
			continue
		}

		first, count := node.GetPrimitives()
		for slot := first; slot < first+count; slot++ {
			instIndex := t.instOrder[slot]
			rec := t.records[instIndex]
			if rec.Mask&cullMask == 0 {
				continue
			}

			handle, err := t.dev.AccelStructureAt(rec.BlasAddress)
			if err != nil {
				continue
			}
			blas, valid := handle.Contents.(*BottomLevel)
			if !valid {
				continue
			}

			if hit, ok := blas.intersect(ray, rec, instIndex, best.T, filter); ok {
				best = hit
				found = true
			}
		}
	}

	if !found {
		return Hit{}, false
	}
	return best, true
}

// intersect walks the bottom-level tree with the ray transformed into the
// structure's object space. Distances stay parametric along the world-space
// direction because the direction is transformed without normalization.
func (bl *BottomLevel) intersect(worldRay Ray, rec Instance, instIndex uint32, tMax float32, filter AnyHitFilter) (Hit, bool) {
	inv := rec.Transform.Inv()
	origin := inv.TransformPoint(worldRay.Origin)
	dir := inv.TransformDir(worldRay.Dir)
	invDir := types.Vec3{1 / dir[0], 1 / dir[1], 1 / dir[2]}

	opaque := bl.gflags&GeomOpaque != 0
	if rec.Flags&ForceOpaque != 0 {
		opaque = true
	}
	if rec.Flags&ForceNoOpaque != 0 {
		opaque = false
	}

	best := Hit{T: tMax}
	found := false

	var stack [maxStackDepth]uint32
	sp := 0
	stack[sp] = 0
	sp++

	for sp > 0 {
		sp--
		node := &bl.nodes[stack[sp]]
		if !rayBoxHit(origin, invDir, worldRay.TMin, best.T, node.Min, node.Max) {
			continue
		}

		if !node.IsLeaf() {
			left, right := node.GetChildNodes()
			stack[sp] = left
			stack[sp+1] = right
			sp += 2
			continue
		}

		first, count := node.GetPrimitives()
		for slot := first; slot < first+count; slot++ {
			prim := bl.primOrder[slot]

			var candidate Hit
			var ok bool
			if bl.geom.HasAabbs() {
				candidate, ok = bl.intersectAabb(origin, invDir, worldRay.TMin, best.T, prim)
			} else {
				candidate, ok = bl.intersectTriangle(origin, dir, worldRay.TMin, best.T, prim)
			}
			if !ok {
				continue
			}

			candidate.InstanceIndex = instIndex
			candidate.CustomIndex = rec.CustomIndex
			candidate.SBTOffset = rec.SBTOffset

			if !opaque && filter != nil && !filter(candidate) {
				continue
			}

			best = candidate
			found = true
		}
	}

	if found {
		// Normals transform by the inverse transpose.
		best.Normal = inv.Transpose().TransformDir(best.Normal).Normalize()
	}
	return best, found
}

// Moller-Trumbore ray/triangle intersection against the snapshot vertices.
func (bl *BottomLevel) intersectTriangle(origin, dir types.Vec3, tMin, tMax float32, prim uint32) (Hit, bool) {
	const epsilon = 1e-7

	v0, v1, v2 := bl.triangle(prim)
	e1 := v1.Sub(v0)
	e2 := v2.Sub(v0)

	pvec := dir.Cross(e2)
	det := e1.Dot(pvec)
	if det > -epsilon && det < epsilon {
		return Hit{}, false
	}
	invDet := 1 / det

	tvec := origin.Sub(v0)
	u := tvec.Dot(pvec) * invDet
	if u < 0 || u > 1 {
		return Hit{}, false
	}

	qvec := tvec.Cross(e1)
	v := dir.Dot(qvec) * invDet
	if v < 0 || u+v > 1 {
		return Hit{}, false
	}

	t := e2.Dot(qvec) * invDet
	if t <= tMin || t >= tMax {
		return Hit{}, false
	}

	return Hit{T: t, PrimitiveIndex: prim, U: u, V: v, Normal: e1.Cross(e2)}, true
}

// Slab intersection against a procedural primitive's aabb; the reported
// distance is the slab entry point.
func (bl *BottomLevel) intersectAabb(origin, invDir types.Vec3, tMin, tMax float32, prim uint32) (Hit, bool) {
	box := bl.aabbs[prim]
	entry, exit := raySlabs(origin, invDir, box.Min, box.Max)
	if entry > exit || exit < tMin || entry >= tMax {
		return Hit{}, false
	}

	t := entry
	if t < tMin {
		t = tMin
	}

	// The entry face determines the normal.
	var normal types.Vec3
	for axis := 0; axis < 3; axis++ {
		t0 := (box.Min[axis] - origin[axis]) * invDir[axis]
		t1 := (box.Max[axis] - origin[axis]) * invDir[axis]
		sign := float32(-1)
		if t0 > t1 {
			t0, t1 = t1, t0
			sign = 1
		}
		if t0 == entry {
			normal = types.Vec3{}
			normal[axis] = sign
		}
	}

	return Hit{T: t, PrimitiveIndex: prim, Normal: normal, Procedural: true}, true
}

func rayBoxHit(origin, invDir types.Vec3, tMin, tMax float32, min, max types.Vec3) bool {
	entry, exit := raySlabs(origin, invDir, min, max)
	return entry <= exit && exit >= tMin && entry < tMax
}

func raySlabs(origin, invDir types.Vec3, min, max types.Vec3) (float32, float32) {
	var entry float32 = -1e30
	var exit float32 = 1e30
	for axis := 0; axis < 3; axis++ {
		t0 := (min[axis] - origin[axis]) * invDir[axis]
		t1 := (max[axis] - origin[axis]) * invDir[axis]
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		if t0 > entry {
			entry = t0
		}
		if t1 < exit {
			exit = t1
		}
	}
	return entry, exit
}
