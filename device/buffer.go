package device

import "fmt"

type MemFlags uint8

const (
	// DeviceLocal memory is only reachable through recorded commands.
	DeviceLocal MemFlags = 1 << iota

	// HostVisible memory exposes a persistent mapping for direct writes,
	// e.g. the shader binding table buffer.
	HostVisible
)

// Buffer is a block of device memory with a stable device address.
type Buffer struct {
	device *Device

	// A name for identifying the buffer.
	name string

	addr  uint64
	size  int
	flags MemFlags
	data  []byte
}

// Get buffer size.
func (b *Buffer) Size() int {
	return b.size
}

// Get buffer name.
func (b *Buffer) Name() string {
	return b.name
}

// Get the buffer device address.
func (b *Buffer) Address() uint64 {
	return b.addr
}

// Allocate a buffer with the given size and flags. An already allocated
// buffer is released first.
func (b *Buffer) Allocate(size int, flags MemFlags) error {
	b.Release()

	if size <= 0 {
		return fmt.Errorf("device (%s): invalid size %d for buffer %s", b.device.Name, size, b.name)
	}

	d := b.device
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.budget > 0 && d.allocated+size > d.budget {
		return fmt.Errorf("device (%s): could not allocate buffer %s of size %d: memory budget exhausted (%d of %d in use)",
			d.Name, b.name, size, d.allocated, d.budget)
	}

	b.addr = d.nextAddr
	b.size = size
	b.flags = flags
	b.data = make([]byte, size)

	d.nextAddr += uint64((size + addressAlignment - 1) / addressAlignment * addressAlignment)
	d.buffers[b.addr] = b
	d.allocated += size
	d.stats.Allocations++

	return nil
}

// AllocateAndWriteData allocates a buffer large enough for data and copies
// it in, the host-pointer upload used during one-time scene setup.
func (b *Buffer) AllocateAndWriteData(data []byte, flags MemFlags) error {
	if err := b.Allocate(len(data), flags); err != nil {
		return err
	}
	copy(b.data, data)
	return nil
}

// WriteAt copies host data into the buffer at the given byte offset.
func (b *Buffer) WriteAt(offset int, data []byte) error {
	if b.data == nil {
		return fmt.Errorf("device (%s): write to unallocated buffer %s", b.device.Name, b.name)
	}
	if offset < 0 || offset+len(data) > b.size {
		return fmt.Errorf("device (%s): insufficient buffer space (%d) in %s for writing %d bytes at offset %d",
			b.device.Name, b.size, b.name, len(data), offset)
	}
	copy(b.data[offset:], data)
	return nil
}

// ReadAt copies buffer contents into the supplied host slice.
func (b *Buffer) ReadAt(offset int, out []byte) error {
	if b.data == nil {
		return fmt.Errorf("device (%s): read from unallocated buffer %s", b.device.Name, b.name)
	}
	if offset < 0 || offset+len(out) > b.size {
		return fmt.Errorf("device (%s): read of %d bytes at offset %d exceeds buffer %s (size %d)",
			b.device.Name, len(out), offset, b.name, b.size)
	}
	copy(out, b.data[offset:])
	return nil
}

// Mapping returns the persistent host mapping of a host-visible buffer.
func (b *Buffer) Mapping() ([]byte, error) {
	if b.data == nil {
		return nil, fmt.Errorf("device (%s): mapping of unallocated buffer %s", b.device.Name, b.name)
	}
	if b.flags&HostVisible == 0 {
		return nil, fmt.Errorf("device (%s): buffer %s is not host visible", b.device.Name, b.name)
	}
	return b.data, nil
}

// Release the buffer and return its memory to the budget.
func (b *Buffer) Release() {
	if b.data == nil {
		return
	}
	d := b.device
	d.mu.Lock()
	delete(d.buffers, b.addr)
	d.allocated -= b.size
	d.mu.Unlock()

	b.data = nil
	b.addr = 0
	b.size = 0
}
