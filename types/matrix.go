package types

import (
	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"
)

// Mat3 is a 3x3 matrix stored in row-major order.
type Mat3 f32.Mat3

// Mat4 is a 4x4 matrix stored in row-major order. The translation component
// lives in elements 3, 7 and 11 which makes the first 12 elements exactly the
// 3x4 row-major transform layout consumed by the acceleration structure
// instance records.
type Mat4 f32.Mat4

// Create an identity matrix.
func Ident4() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Create a translation matrix.
func Translation(v Vec3) Mat4 {
	return Mat4{
		1, 0, 0, v[0],
		0, 1, 0, v[1],
		0, 0, 1, v[2],
		0, 0, 0, 1,
	}
}

// Create a scale matrix.
func Scale(v Vec3) Mat4 {
	return Mat4{
		v[0], 0, 0, 0,
		0, v[1], 0, 0,
		0, 0, v[2], 0,
		0, 0, 0, 1,
	}
}

// Create a rotation matrix around the Y axis.
func RotationY(angle float32) Mat4 {
	s, c := math32.Sincos(angle)
	return Mat4{
		c, 0, s, 0,
		0, 1, 0, 0,
		-s, 0, c, 0,
		0, 0, 0, 1,
	}
}

// Multiply two matrices.
func (m Mat4) Mul4(o Mat4) Mat4 {
	var out Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float32
			for k := 0; k < 4; k++ {
				sum += m[r*4+k] * o[k*4+c]
			}
			out[r*4+c] = sum
		}
	}
	return out
}

// Transform a point; the implicit W component is 1.
func (m Mat4) TransformPoint(v Vec3) Vec3 {
	return Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2] + m[3],
		m[4]*v[0] + m[5]*v[1] + m[6]*v[2] + m[7],
		m[8]*v[0] + m[9]*v[1] + m[10]*v[2] + m[11],
	}
}

// Transform a direction; the translation component is ignored.
func (m Mat4) TransformDir(v Vec3) Vec3 {
	return Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[4]*v[0] + m[5]*v[1] + m[6]*v[2],
		m[8]*v[0] + m[9]*v[1] + m[10]*v[2],
	}
}

// Transpose the matrix.
func (m Mat4) Transpose() Mat4 {
	return Mat4{
		m[0], m[4], m[8], m[12],
		m[1], m[5], m[9], m[13],
		m[2], m[6], m[10], m[14],
		m[3], m[7], m[11], m[15],
	}
}

// Invert an affine transform (rotation/scale + translation). Returns the
// identity matrix if the upper 3x3 block is singular.
func (m Mat4) Inv() Mat4 {
	// Cofactor inverse of the upper 3x3 block.
	c00 := m[5]*m[10] - m[6]*m[9]
	c01 := m[6]*m[8] - m[4]*m[10]
	c02 := m[4]*m[9] - m[5]*m[8]

	det := m[0]*c00 + m[1]*c01 + m[2]*c02
	if math32.Abs(det) < floatCmpEpsilon {
		return Ident4()
	}
	invDet := 1.0 / det

	var inv Mat4
	inv[0] = c00 * invDet
	inv[1] = (m[2]*m[9] - m[1]*m[10]) * invDet
	inv[2] = (m[1]*m[6] - m[2]*m[5]) * invDet
	inv[4] = c01 * invDet
	inv[5] = (m[0]*m[10] - m[2]*m[8]) * invDet
	inv[6] = (m[2]*m[4] - m[0]*m[6]) * invDet
	inv[8] = c02 * invDet
	inv[9] = (m[1]*m[8] - m[0]*m[9]) * invDet
	inv[10] = (m[0]*m[5] - m[1]*m[4]) * invDet

	// Invert the translation: -R^-1 * t
	inv[3] = -(inv[0]*m[3] + inv[1]*m[7] + inv[2]*m[11])
	inv[7] = -(inv[4]*m[3] + inv[5]*m[7] + inv[6]*m[11])
	inv[11] = -(inv[8]*m[3] + inv[9]*m[7] + inv[10]*m[11])
	inv[15] = 1

	return inv
}

// Extract the top-left 3x3 matrix from a 4x4 matrix.
func (m Mat4) Mat3() Mat3 {
	return Mat3{
		m[0], m[1], m[2],
		m[4], m[5], m[6],
		m[8], m[9], m[10],
	}
}

// Transform3x4 returns the 3x4 row-major transform consumed by the GPU
// instance record. The translation column is kept.
func (m Mat4) Transform3x4() [12]float32 {
	var out [12]float32
	copy(out[:], m[:12])
	return out
}

// Mat4FromTransform3x4 expands a 3x4 row-major transform back to a Mat4.
func Mat4FromTransform3x4(t [12]float32) Mat4 {
	out := Ident4()
	copy(out[:12], t[:])
	return out
}

// NormalMatrix returns the inverse-transpose of the upper 3x3 block, used to
// transform surface normals.
func (m Mat4) NormalMatrix() Mat3 {
	return m.Inv().Transpose().Mat3()
}

// Create a right-handed look-at view matrix.
func LookAt(eye, target, up Vec3) Mat4 {
	fwd := target.Sub(eye).Normalize()
	right := fwd.Cross(up).Normalize()
	upv := right.Cross(fwd)
	return Mat4{
		right[0], right[1], right[2], -right.Dot(eye),
		upv[0], upv[1], upv[2], -upv.Dot(eye),
		-fwd[0], -fwd[1], -fwd[2], fwd.Dot(eye),
		0, 0, 0, 1,
	}
}

// Create a perspective projection matrix. fovy is the vertical field of view
// in radians.
func Perspective(fovy, aspect, near, far float32) Mat4 {
	f := 1 / math32.Tan(fovy*0.5)
	return Mat4{
		f / aspect, 0, 0, 0,
		0, f, 0, 0,
		0, 0, (far + near) / (near - far), 2 * far * near / (near - far),
		0, 0, -1, 0,
	}
}

// TransformVec4 applies the full 4x4 transform.
func (m Mat4) TransformVec4(v Vec4) Vec4 {
	var out Vec4
	for r := 0; r < 4; r++ {
		out[r] = m[r*4]*v[0] + m[r*4+1]*v[1] + m[r*4+2]*v[2] + m[r*4+3]*v[3]
	}
	return out
}
