package rt

import (
	"encoding/binary"
	"math"

	"github.com/realDqt/govray/types"
)

// Push-constant feature toggles.
const (
	PushFlagShadows uint32 = 1 << iota
	PushFlagAnyHit
	PushFlagReorder
)

// PushConstants is the per-frame constant block shared with the shaders.
// Encode produces the exact wire layout; both sides must agree on it.
type PushConstants struct {
	// Normal matrix of the highlighted instance, row-major.
	NormalMatrix types.Mat3

	// Index of the highlighted instance, -1 for none.
	InstanceIndex int32

	// Device address of the scene info buffer.
	SceneInfoAddress uint64

	// Metallic/roughness override applied to the highlighted instance.
	MetallicRoughness types.Vec2

	FrameCounter uint32
	MaxDepth     uint32
	Flags        uint32
}

// Wire size of the encoded block: 9 floats, int32, uint64, 2 floats and
// 3 uint32 words.
const PushConstantsSize = 68

// Encode packs the block into its wire layout.
func (p PushConstants) Encode() []byte {
	data := make([]byte, PushConstantsSize)
	for i, f := range p.NormalMatrix {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}
	binary.LittleEndian.PutUint32(data[36:], uint32(p.InstanceIndex))
	binary.LittleEndian.PutUint64(data[40:], p.SceneInfoAddress)
	binary.LittleEndian.PutUint32(data[48:], math.Float32bits(p.MetallicRoughness[0]))
	binary.LittleEndian.PutUint32(data[52:], math.Float32bits(p.MetallicRoughness[1]))
	binary.LittleEndian.PutUint32(data[56:], p.FrameCounter)
	binary.LittleEndian.PutUint32(data[60:], p.MaxDepth)
	binary.LittleEndian.PutUint32(data[64:], p.Flags)
	return data
}

// DecodePushConstants unpacks an encoded block.
func DecodePushConstants(data []byte) PushConstants {
	var p PushConstants
	for i := range p.NormalMatrix {
		p.NormalMatrix[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	p.InstanceIndex = int32(binary.LittleEndian.Uint32(data[36:]))
	p.SceneInfoAddress = binary.LittleEndian.Uint64(data[40:])
	p.MetallicRoughness[0] = math.Float32frombits(binary.LittleEndian.Uint32(data[48:]))
	p.MetallicRoughness[1] = math.Float32frombits(binary.LittleEndian.Uint32(data[52:]))
	p.FrameCounter = binary.LittleEndian.Uint32(data[56:])
	p.MaxDepth = binary.LittleEndian.Uint32(data[60:])
	p.Flags = binary.LittleEndian.Uint32(data[64:])
	return p
}
