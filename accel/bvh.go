// Package accel implements the bottom- and top-level acceleration structures
// and the two-level ray traversal over them. Bottom-level structures index a
// single geometry; the top-level structure indexes packed instance records
// that reference bottom-level structures by device address.
package accel

import (
	"encoding/binary"
	"math"

	"github.com/realDqt/govray/types"
)

// Bvh nodes are comprised of two Vec3 and two multipurpose int32 parameters
// whose value depends on the node type:
//
// - For non-leaf nodes they are both >0 and point to the L/R child nodes
// - For leaf nodes:
//   - left data is <= 0 and points to the first primitive index
//   - right data is > 0 and contains the count of leaf primitives
type BvhNode struct {
	Min   types.Vec3
	LData int32

	Max   types.Vec3
	RData int32
}

// Each node occupies 32 bytes in the backing buffer.
const BvhNodeSize = 32

// Set bounding box.
func (n *BvhNode) SetBBox(bbox [2]types.Vec3) {
	n.Min = bbox[0]
	n.Max = bbox[1]
}

// Set left and right child node indices.
func (n *BvhNode) SetChildNodes(left, right uint32) {
	n.LData = int32(left)
	n.RData = int32(right)
}

// Set primitive index and count.
func (n *BvhNode) SetPrimitives(firstPrimIndex, count uint32) {
	n.LData = -int32(firstPrimIndex)
	n.RData = int32(count)
}

// Get primitive index and count.
func (n *BvhNode) GetPrimitives() (firstPrimIndex, count uint32) {
	return uint32(-n.LData), uint32(n.RData)
}

// Get left and right child node indices.
func (n *BvhNode) GetChildNodes() (left, right uint32) {
	return uint32(n.LData), uint32(n.RData)
}

// IsLeaf returns true if this node indexes primitives instead of child nodes.
func (n *BvhNode) IsLeaf() bool {
	return n.LData <= 0
}

// Serialize the node list into the backing buffer layout.
func encodeBvhNodes(nodes []BvhNode) []byte {
	data := make([]byte, len(nodes)*BvhNodeSize)
	for i, n := range nodes {
		base := i * BvhNodeSize
		putVec3(data[base:], n.Min)
		binary.LittleEndian.PutUint32(data[base+12:], uint32(n.LData))
		putVec3(data[base+16:], n.Max)
		binary.LittleEndian.PutUint32(data[base+28:], uint32(n.RData))
	}
	return data
}

func putVec3(dst []byte, v types.Vec3) {
	binary.LittleEndian.PutUint32(dst[0:], math.Float32bits(v[0]))
	binary.LittleEndian.PutUint32(dst[4:], math.Float32bits(v[1]))
	binary.LittleEndian.PutUint32(dst[8:], math.Float32bits(v[2]))
}
