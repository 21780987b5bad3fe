package device

import "fmt"

type AccelKind uint8

const (
	BottomLevelKind AccelKind = iota
	TopLevelKind
)

func (k AccelKind) String() string {
	if k == BottomLevelKind {
		return "BLAS"
	}
	return "TLAS"
}

// AccelStructure is the opaque acceleration structure handle. The device
// tracks the handle, its backing memory and its device address; the builder
// that created it owns the spatial index stored in Contents.
type AccelStructure struct {
	device  *Device
	name    string
	kind    AccelKind
	backing *Buffer

	// Contents holds the built spatial index, attached by the builder.
	Contents interface{}
}

// CreateAccelStructure wraps a backing buffer into an acceleration structure
// handle addressable by the backing buffer's device address.
func (d *Device) CreateAccelStructure(name string, kind AccelKind, backing *Buffer) (*AccelStructure, error) {
	if backing == nil || backing.data == nil {
		return nil, fmt.Errorf("device (%s): %s %s requires an allocated backing buffer", d.Name, kind, name)
	}

	a := &AccelStructure{
		device:  d,
		name:    name,
		kind:    kind,
		backing: backing,
	}

	d.mu.Lock()
	d.accels[backing.addr] = a
	d.mu.Unlock()

	return a, nil
}

// Get the structure name.
func (a *AccelStructure) Name() string {
	return a.name
}

// Get the structure kind.
func (a *AccelStructure) Kind() AccelKind {
	return a.kind
}

// Address returns the device address used to reference this structure from
// instance records.
func (a *AccelStructure) Address() uint64 {
	return a.backing.addr
}

// Backing returns the buffer holding the serialized structure.
func (a *AccelStructure) Backing() *Buffer {
	return a.backing
}

// AccelStructureAt resolves an acceleration structure reference from an
// instance record's device address.
func (d *Device) AccelStructureAt(addr uint64) (*AccelStructure, error) {
	d.mu.Lock()
	a, exists := d.accels[addr]
	d.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("device (%s): address %#x does not reference an acceleration structure", d.Name, addr)
	}
	return a, nil
}

// Destroy unregisters the structure and releases its backing memory.
func (a *AccelStructure) Destroy() {
	if a.backing == nil {
		return
	}
	a.device.mu.Lock()
	delete(a.device.accels, a.backing.addr)
	a.device.mu.Unlock()

	a.backing.Release()
	a.backing = nil
	a.Contents = nil
}
