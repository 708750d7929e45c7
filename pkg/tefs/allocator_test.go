package tefs

import "testing"

func newTestGeo(numPages, pageSize, blockSize int64) *Geometry {
	sb := &superblock{
		NumPages:         uint32(numPages),
		PageSizeExp:      uint8(log2(pageSize)),
		BlockSizeExp:     uint8(log2(blockSize)),
		AddressSizeExp:   1,
		HashSize:         4,
		MetadataSize:     32,
		StateSectionSize: uint32(stateSectionPages(numPages, blockSize, pageSize)),
	}
	return newGeometry(sb)
}

// newFreeAllocator marks every block free on dev's state section and loads
// an allocator from it, the same way Format leaves a freshly laid-out
// device before any block is ever reserved.
func newFreeAllocator(t *testing.T, dev BlockDevice, geo *Geometry) *allocator {
	t.Helper()
	nbytes := (geo.NumBlocks() + 7) / 8
	bits := make([]byte, nbytes)
	for i := range bits {
		bits[i] = 0xFF
	}
	if rem := geo.NumBlocks() % 8; rem != 0 {
		bits[len(bits)-1] &= byte(0xFF << uint(8-rem))
	}
	a := &allocator{dev: dev, geo: geo, bits: bits}
	if err := a.persistAll(); err != nil {
		t.Fatal(err)
	}
	loaded, err := loadAllocator(dev, geo)
	if err != nil {
		t.Fatal(err)
	}
	return loaded
}

func TestAllocatorReserveAdvancesCursor(t *testing.T) {
	geo := newTestGeo(1000, 512, 8)
	dev := NewMemDevice(1000, 512)
	a := newFreeAllocator(t, dev, geo)

	first, err := a.reserve()
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.reserve()
	if err != nil {
		t.Fatal(err)
	}
	if second != first+1 {
		t.Fatalf("expected sequential allocation, got %d then %d", first, second)
	}
}

func TestAllocatorReleasePullsCursorBack(t *testing.T) {
	geo := newTestGeo(1000, 512, 8)
	dev := NewMemDevice(1000, 512)
	a := newFreeAllocator(t, dev, geo)

	idx, err := a.reserve()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.release(idx); err != nil {
		t.Fatal(err)
	}

	again, err := a.reserve()
	if err != nil {
		t.Fatal(err)
	}
	if again != idx {
		t.Fatalf("expected release to make block %d reusable, reserve returned %d", idx, again)
	}
}

func TestAllocatorDeviceFullIsSticky(t *testing.T) {
	geo := newTestGeo(1000, 512, 8)
	dev := NewMemDevice(1000, 512)
	a := newFreeAllocator(t, dev, geo)

	n := geo.NumBlocks()
	for i := int64(0); i < n; i++ {
		if _, err := a.reserve(); err != nil {
			t.Fatalf("reserve %d of %d: %v", i, n, err)
		}
	}

	_, err := a.reserve()
	if fsErr, ok := err.(*Error); !ok || fsErr.Kind != KindDeviceFull {
		t.Fatalf("expected DeviceFull, got %v", err)
	}

	// Pool-empty is sticky until a release, even though reserve alone
	// would otherwise notice nothing changed.
	_, err = a.reserve()
	if fsErr, ok := err.(*Error); !ok || fsErr.Kind != KindDeviceFull {
		t.Fatalf("expected sticky DeviceFull, got %v", err)
	}

	if err := a.release(0); err != nil {
		t.Fatal(err)
	}
	if _, err := a.reserve(); err != nil {
		t.Fatalf("expected reserve to succeed after release: %v", err)
	}
}

func TestAllocatorReleaseIdempotent(t *testing.T) {
	geo := newTestGeo(1000, 512, 8)
	dev := NewMemDevice(1000, 512)
	a := newFreeAllocator(t, dev, geo)

	if err := a.release(5); err != nil {
		t.Fatal(err)
	}
	if err := a.release(5); err != nil {
		t.Fatalf("releasing an already-free block should be a no-op success: %v", err)
	}
}

func TestEraseBlockZeroesPages(t *testing.T) {
	geo := newTestGeo(1000, 512, 8)
	dev := NewMemDevice(1000, 512)
	a := newFreeAllocator(t, dev, geo)

	idx, err := a.reserve()
	if err != nil {
		t.Fatal(err)
	}

	addr := geo.BlockAddress(idx)
	garbage := make([]byte, 512)
	for i := range garbage {
		garbage[i] = 0xAB
	}
	if err := dev.WritePage(addr, garbage, len(garbage), 0); err != nil {
		t.Fatal(err)
	}

	if err := a.eraseBlock(idx); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 512)
	if err := dev.ReadPage(addr, buf, len(buf), 0); err != nil {
		t.Fatal(err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not erased: %#x", i, b)
		}
	}
}
