package renderer

import "github.com/realDqt/govray/rt"

type Options struct {
	// Frame dims.
	FrameW uint32
	FrameH uint32

	// Pipeline configuration and ray recursion depth.
	Config   rt.Config
	MaxDepth uint32

	// Exposure for tonemapping.
	Exposure float32

	// Trace shadow rays towards the light.
	EnableShadows bool

	// Device memory budget in bytes; zero means unlimited.
	MemoryBudget int
}

// Fill in sane defaults for unset options.
func (o Options) withDefaults() Options {
	if o.FrameW == 0 {
		o.FrameW = 512
	}
	if o.FrameH == 0 {
		o.FrameH = 512
	}
	if o.MaxDepth == 0 {
		o.MaxDepth = 2
	}
	if o.Exposure == 0 {
		o.Exposure = 1.0
	}
	return o
}
