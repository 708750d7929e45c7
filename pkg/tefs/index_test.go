package tefs

import "testing"

// newRawGeo builds a Geometry with the state section Format would size for
// it, for tests that drive the index tree directly without going through
// Format/Mount.
func newRawGeo(numPages, pageSize, blockSize int64) *Geometry {
	sb := &superblock{
		NumPages:         uint32(numPages),
		PageSizeExp:      uint8(log2(pageSize)),
		BlockSizeExp:     uint8(log2(blockSize)),
		AddressSizeExp:   1, // 2-byte addresses
		HashSize:         4,
		MetadataSize:     32,
		StateSectionSize: uint32(stateSectionPages(numPages, blockSize, pageSize)),
	}
	return newGeometry(sb)
}

func TestResolvePageDegenerateReserveAndReuse(t *testing.T) {
	geo := newRawGeo(100, 16, 1) // addrsPerBlock=8, promotion threshold=8 pages
	dev := NewMemDevice(100, 16)
	alloc := newFreeAllocator(t, dev, geo)

	rootIdx, err := alloc.reserve()
	if err != nil {
		t.Fatal(err)
	}
	if err := alloc.eraseBlock(rootIdx); err != nil {
		t.Fatal(err)
	}
	rootAddr := geo.BlockAddress(rootIdx)

	addr1, err := resolvePage(dev, geo, alloc, rootAddr, 0, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	addr1Again, err := resolvePage(dev, geo, alloc, rootAddr, 1, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if addr1 != addr1Again {
		t.Fatalf("expected the same data block address on re-resolve, got %d then %d", addr1, addr1Again)
	}

	addr2, err := resolvePage(dev, geo, alloc, rootAddr, 1, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if addr2 == addr1 {
		t.Fatalf("expected distinct blocks for distinct file pages")
	}
}

func TestResolvePageRoundTrip(t *testing.T) {
	geo := newRawGeo(100, 16, 1)
	dev := NewMemDevice(100, 16)
	alloc := newFreeAllocator(t, dev, geo)

	rootIdx, _ := alloc.reserve()
	alloc.eraseBlock(rootIdx)
	rootAddr := geo.BlockAddress(rootIdx)

	addr, err := resolvePage(dev, geo, alloc, rootAddr, 0, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("hello")
	if err := dev.WritePage(addr, payload, len(payload), 0); err != nil {
		t.Fatal(err)
	}

	readAddr, err := resolvePage(dev, geo, alloc, rootAddr, 1, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(payload))
	if err := dev.ReadPage(readAddr, buf, len(buf), 0); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello" {
		t.Fatalf("round-trip mismatch: got %q", buf)
	}
}

func TestResolvePageReadOnlyEmptySlotIsUnreleasedBlock(t *testing.T) {
	geo := newRawGeo(100, 16, 1)
	dev := NewMemDevice(100, 16)
	alloc := newFreeAllocator(t, dev, geo)
	rootIdx, _ := alloc.reserve()
	alloc.eraseBlock(rootIdx)
	rootAddr := geo.BlockAddress(rootIdx)

	_, err := resolvePage(dev, geo, alloc, rootAddr, 5, 2, false)
	fsErr, ok := err.(*Error)
	if !ok || fsErr.Kind != KindUnreleasedBlock {
		t.Fatalf("expected UnreleasedBlock, got %v", err)
	}
}

func TestResolvePagePromotesAtThreshold(t *testing.T) {
	geo := newRawGeo(100, 16, 1)
	threshold := geo.PromotionThresholdPages()
	if threshold != 8 {
		t.Fatalf("test assumes threshold 8, got %d", threshold)
	}

	dev := NewMemDevice(100, 16)
	alloc := newFreeAllocator(t, dev, geo)
	rootIdx, _ := alloc.reserve()
	alloc.eraseBlock(rootIdx)
	rootAddr := geo.BlockAddress(rootIdx)

	// Fill the degenerate root's one data block worth of addressing.
	var firstBlockAddr int64
	for p := int64(0); p < threshold; p++ {
		addr, err := resolvePage(dev, geo, alloc, rootAddr, p, p, true)
		if err != nil {
			t.Fatalf("page %d: %v", p, err)
		}
		if p == 0 {
			firstBlockAddr = addr
		}
	}

	// Writing page `threshold` (the 9th page) while sizePages==threshold
	// crosses into promoted-tree territory.
	_, err := resolvePage(dev, geo, alloc, rootAddr, threshold, threshold, true)
	if err != nil {
		t.Fatalf("promoting write failed: %v", err)
	}

	childVal, err := readEntry(dev, geo, rootAddr, 0)
	if err != nil {
		t.Fatal(err)
	}
	if childVal == 0 {
		t.Fatal("expected root entry 0 to point at the promoted first child block")
	}
	childAddr := geo.BlockAddress(childVal - 1)

	// The first child's data-block addresses must match what the
	// degenerate root held before promotion.
	dv, err := readEntry(dev, geo, childAddr, 0)
	if err != nil {
		t.Fatal(err)
	}
	if geo.BlockAddress(dv-1) != firstBlockAddr {
		t.Fatalf("promotion lost the original data block mapping: got %d want %d", geo.BlockAddress(dv-1), firstBlockAddr)
	}
}

func TestResolvePageFileFull(t *testing.T) {
	geo := newRawGeo(100, 16, 1)
	addrsPerBlock := geo.AddressesPerBlock()
	span := addrsPerBlock * geo.BlockSize
	threshold := geo.PromotionThresholdPages()

	dev := NewMemDevice(100, 16)
	alloc := newFreeAllocator(t, dev, geo)
	rootIdx, _ := alloc.reserve()
	alloc.eraseBlock(rootIdx)
	rootAddr := geo.BlockAddress(rootIdx)

	pastCapacity := addrsPerBlock * span
	_, err := resolvePage(dev, geo, alloc, rootAddr, threshold+1, pastCapacity, true)
	fsErr, ok := err.(*Error)
	if !ok || fsErr.Kind != KindFileFull {
		t.Fatalf("expected FileFull, got %v", err)
	}
}

func TestReleaseDataBlockTombstonesAndFrees(t *testing.T) {
	geo := newRawGeo(100, 16, 1)
	dev := NewMemDevice(100, 16)
	alloc := newFreeAllocator(t, dev, geo)
	rootIdx, _ := alloc.reserve()
	alloc.eraseBlock(rootIdx)
	rootAddr := geo.BlockAddress(rootIdx)

	if _, err := resolvePage(dev, geo, alloc, rootAddr, 3, 2, true); err != nil {
		t.Fatal(err)
	}

	dataVal, err := readEntry(dev, geo, rootAddr, 2)
	if err != nil {
		t.Fatal(err)
	}
	dataIdx := dataVal - 1

	if bitSet(alloc.bits, dataIdx) {
		t.Fatal("expected data block to be marked in-use before release")
	}

	if err := releaseDataBlock(dev, geo, alloc, rootAddr, 3, 2); err != nil {
		t.Fatal(err)
	}

	if !bitSet(alloc.bits, dataIdx) {
		t.Fatal("expected data block to be freed after release")
	}

	v, err := readEntry(dev, geo, rootAddr, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !isEmptyOrDeleted(geo, v) || v == 0 {
		t.Fatalf("expected a deleted tombstone, not a never-allocated slot, got %d", v)
	}

	_, err = resolvePage(dev, geo, alloc, rootAddr, 3, 2, false)
	fsErr, ok := err.(*Error)
	if !ok || fsErr.Kind != KindUnreleasedBlock {
		t.Fatalf("expected UnreleasedBlock after release, got %v", err)
	}
}
