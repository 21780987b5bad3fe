package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAffineInverse(t *testing.T) {
	m := Translation(XYZ(1, 2, 3)).Mul4(RotationY(0.5))
	id := m.Mul4(m.Inv())
	want := Ident4()
	for i := range id {
		assert.InDelta(t, want[i], id[i], 1e-5, "element %d", i)
	}
}

func TestTransform3x4RoundTrip(t *testing.T) {
	m := Translation(XYZ(4, 5, 6)).Mul4(Scale(XYZ(2, 3, 4)))
	assert.Equal(t, m, Mat4FromTransform3x4(m.Transform3x4()))
}

func TestNormalMatrix(t *testing.T) {
	// The inverse transpose of a uniform scale divides by the scale factor.
	n := Scale(XYZ(2, 2, 2)).NormalMatrix()
	assert.InDelta(t, 0.5, n[0], 1e-6)
	assert.InDelta(t, 0.5, n[4], 1e-6)
	assert.InDelta(t, 0.5, n[8], 1e-6)
}

func TestLookAt(t *testing.T) {
	eye := XYZ(0, 0, 5)
	view := LookAt(eye, XYZ(0, 0, 0), XYZ(0, 1, 0))

	// The eye maps to the origin and the target lands on the -Z axis.
	p := view.TransformPoint(eye)
	assert.InDelta(t, 0, p.Len(), 1e-5)

	q := view.TransformPoint(XYZ(0, 0, 0))
	assert.InDelta(t, 0, q[0], 1e-5)
	assert.InDelta(t, 0, q[1], 1e-5)
	assert.InDelta(t, -5, q[2], 1e-5)
}

func TestPerspectiveDepthRange(t *testing.T) {
	proj := Perspective(1.0, 1.0, 0.1, 100)

	near := proj.TransformVec4(Vec4{0, 0, -0.1, 1})
	far := proj.TransformVec4(Vec4{0, 0, -100, 1})
	assert.InDelta(t, -1, near[2]/near[3], 1e-5)
	assert.InDelta(t, 1, far[2]/far[3], 1e-4)
}
