package device

import (
	"strings"
	"testing"
)

func TestBufferAllocateAndAddressing(t *testing.T) {
	dev := New(Options{})

	buf := dev.Buffer("test")
	if err := buf.AllocateAndWriteData([]byte{1, 2, 3, 4}, DeviceLocal); err != nil {
		t.Fatal(err)
	}
	if buf.Address() == 0 {
		t.Fatal("expected a non-zero device address")
	}

	other := dev.Buffer("other")
	if err := other.Allocate(16, DeviceLocal); err != nil {
		t.Fatal(err)
	}
	if other.Address() == buf.Address() {
		t.Fatal("expected distinct device addresses")
	}
	if other.Address()%addressAlignment != 0 {
		t.Fatalf("expected address %#x to be aligned to %d", other.Address(), addressAlignment)
	}

	// Interior addresses resolve to the owning buffer and offset.
	owner, offset, err := dev.ResolveAddress(buf.Address() + 2)
	if err != nil {
		t.Fatal(err)
	}
	if owner != buf {
		t.Fatal("expected the interior address to resolve to the owning buffer")
	}
	if expOffset := 2; offset != expOffset {
		t.Fatalf("expected offset %d; got %d", expOffset, offset)
	}

	buf.Release()
	if _, _, err = dev.ResolveAddress(buf.Address() + 2); err == nil {
		t.Fatal("expected address resolution to fail after release")
	}
}

func TestBufferBounds(t *testing.T) {
	dev := New(Options{})
	buf := dev.Buffer("test")
	if err := buf.Allocate(8, DeviceLocal); err != nil {
		t.Fatal(err)
	}

	if err := buf.WriteAt(6, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected an out-of-bounds write to fail")
	}
	if err := buf.ReadAt(7, make([]byte, 2)); err == nil {
		t.Fatal("expected an out-of-bounds read to fail")
	}
	if _, err := buf.Mapping(); err == nil {
		t.Fatal("expected mapping of a non host-visible buffer to fail")
	}
}

func TestMemoryBudget(t *testing.T) {
	dev := New(Options{MemoryBudget: 64})

	a := dev.Buffer("a")
	if err := a.Allocate(48, DeviceLocal); err != nil {
		t.Fatal(err)
	}

	b := dev.Buffer("b")
	err := b.Allocate(32, DeviceLocal)
	if err == nil || !strings.Contains(err.Error(), "memory budget exhausted") {
		t.Fatalf("expected a budget error; got %v", err)
	}

	// Releasing returns the memory to the budget.
	a.Release()
	if err = b.Allocate(32, DeviceLocal); err != nil {
		t.Fatal(err)
	}
}

func TestHostVisibleMapping(t *testing.T) {
	dev := New(Options{})
	buf := dev.Buffer("sbt")
	if err := buf.Allocate(8, HostVisible); err != nil {
		t.Fatal(err)
	}

	mapping, err := buf.Mapping()
	if err != nil {
		t.Fatal(err)
	}
	mapping[0] = 0xAB

	out := make([]byte, 1)
	if err = buf.ReadAt(0, out); err != nil {
		t.Fatal(err)
	}
	if expByte := uint8(0xAB); out[0] != expByte {
		t.Fatalf("expected mapped write to be visible; got %#x", out[0])
	}
}

func TestSubmitBarrierValidation(t *testing.T) {
	dev := New(Options{})
	buf := dev.Buffer("data")
	if err := buf.Allocate(4, DeviceLocal); err != nil {
		t.Fatal(err)
	}

	// Transfer write followed by a compute read without a barrier.
	cb := dev.NewCommandBuffer()
	cb.UpdateBuffer(buf, 0, []byte{1, 2, 3, 4})
	cb.Record("consume", StageCompute, StageTransfer, func(*Device) error { return nil })

	err := dev.Submit(cb)
	if err == nil || !strings.Contains(err.Error(), "missing barrier") {
		t.Fatalf("expected a missing-barrier error; got %v", err)
	}

	// The same stream with a barrier must pass.
	cb = dev.NewCommandBuffer()
	cb.UpdateBuffer(buf, 0, []byte{1, 2, 3, 4})
	cb.Barrier(StageTransfer, StageCompute)
	cb.Record("consume", StageCompute, StageTransfer, func(*Device) error { return nil })
	if err = dev.Submit(cb); err != nil {
		t.Fatal(err)
	}
}

func TestWaitIdleFlushesVisibility(t *testing.T) {
	dev := New(Options{})
	buf := dev.Buffer("data")
	if err := buf.Allocate(4, DeviceLocal); err != nil {
		t.Fatal(err)
	}

	cb := dev.NewCommandBuffer()
	cb.UpdateBuffer(buf, 0, []byte{1, 2, 3, 4})
	if err := dev.SubmitAndWait(cb); err != nil {
		t.Fatal(err)
	}

	// After an idle wait the transfer writes are visible everywhere.
	cb = dev.NewCommandBuffer()
	cb.Record("consume", StageRayTrace, StageTransfer, func(*Device) error { return nil })
	if err := dev.Submit(cb); err != nil {
		t.Fatal(err)
	}

	stats := dev.Stats()
	if expWaits := 1; stats.IdleWaits != expWaits {
		t.Fatalf("expected %d idle wait; got %d", expWaits, stats.IdleWaits)
	}
	if expSubmits := 2; stats.Submits != expSubmits {
		t.Fatalf("expected %d submits; got %d", expSubmits, stats.Submits)
	}
}

func TestAccelStructureRegistry(t *testing.T) {
	dev := New(Options{})

	backing := dev.Buffer("blas")
	if err := backing.Allocate(32, DeviceLocal); err != nil {
		t.Fatal(err)
	}

	accel, err := dev.CreateAccelStructure("blas", BottomLevelKind, backing)
	if err != nil {
		t.Fatal(err)
	}
	if expKind := BottomLevelKind; accel.Kind() != expKind {
		t.Fatalf("expected kind %v; got %v", expKind, accel.Kind())
	}

	resolved, err := dev.AccelStructureAt(accel.Address())
	if err != nil {
		t.Fatal(err)
	}
	if resolved != accel {
		t.Fatal("expected the address to resolve to the created structure")
	}

	addr := accel.Address()
	accel.Destroy()
	if _, err = dev.AccelStructureAt(addr); err == nil {
		t.Fatal("expected resolution to fail after destroy")
	}

	if _, err = dev.CreateAccelStructure("bad", TopLevelKind, dev.Buffer("empty")); err == nil {
		t.Fatal("expected creation with an unallocated backing buffer to fail")
	}
}
