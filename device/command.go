package device

type command struct {
	name  string
	stage Stage

	// Stages whose prior writes this command consumes. Execution fails if
	// any of them has not been made visible to cmd.stage by a barrier.
	reads Stage

	fn func(d *Device) error

	// Barrier pseudo-command.
	barrier  bool
	src, dst Stage
}

// CommandBuffer records commands for a single queue submission. Recording is
// cheap; nothing executes until Submit.
type CommandBuffer struct {
	device *Device
	cmds   []command
}

// Record appends a command. stage is where the command executes (and writes);
// reads lists the stages whose earlier writes it depends on.
func (cb *CommandBuffer) Record(name string, stage, reads Stage, fn func(d *Device) error) {
	cb.cmds = append(cb.cmds, command{name: name, stage: stage, reads: reads, fn: fn})
}

// Barrier makes writes performed at the src stages visible to the dst stages.
func (cb *CommandBuffer) Barrier(src, dst Stage) {
	cb.cmds = append(cb.cmds, command{barrier: true, src: src, dst: dst})
}

// UpdateBuffer records a transfer-stage copy of host data into buf. The data
// is captured at record time.
func (cb *CommandBuffer) UpdateBuffer(buf *Buffer, offset int, data []byte) {
	snapshot := make([]byte, len(data))
	copy(snapshot, data)
	cb.cmds = append(cb.cmds, command{
		name:  "updateBuffer(" + buf.name + ")",
		stage: StageTransfer,
		fn: func(*Device) error {
			return buf.WriteAt(offset, snapshot)
		},
	})
}

// Len returns the number of recorded commands including barriers.
func (cb *CommandBuffer) Len() int {
	return len(cb.cmds)
}

// Reset drops all recorded commands so the command buffer can be reused.
func (cb *CommandBuffer) Reset() {
	cb.cmds = cb.cmds[:0]
}
