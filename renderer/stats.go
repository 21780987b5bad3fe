package renderer

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
)

type FrameStats struct {
	// Number of the last completed frame.
	Frame uint32

	// Ray counts for the last completed frame.
	PrimaryRays uint64
	ShadowRays  uint64
	Hits        uint64

	// Hits shaded through the callable material dispatch.
	CallableRays uint64

	// Time spent updating acceleration structures.
	UpdateTime time.Duration

	// Time spent tracing.
	TraceTime time.Duration

	// Total render time for entire frame.
	RenderTime time.Duration

	// Frames aborted due to build or refit failures.
	SkippedFrames uint32
}

// WriteTable renders the stats as a table.
func (s FrameStats) WriteTable(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Value"})
	table.Append([]string{"Frame", fmt.Sprintf("%d", s.Frame)})
	table.Append([]string{"Primary rays", fmt.Sprintf("%d", s.PrimaryRays)})
	table.Append([]string{"Shadow rays", fmt.Sprintf("%d", s.ShadowRays)})
	table.Append([]string{"Hits", fmt.Sprintf("%d", s.Hits)})
	table.Append([]string{"Callable rays", fmt.Sprintf("%d", s.CallableRays)})
	table.Append([]string{"Update time", fmt.Sprintf("%d ms", s.UpdateTime.Nanoseconds()/1e6)})
	table.Append([]string{"Trace time", fmt.Sprintf("%d ms", s.TraceTime.Nanoseconds()/1e6)})
	table.Append([]string{"Render time", fmt.Sprintf("%d ms", s.RenderTime.Nanoseconds()/1e6)})
	table.Append([]string{"Skipped frames", fmt.Sprintf("%d", s.SkippedFrames)})
	table.Render()
}
