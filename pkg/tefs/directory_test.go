package tefs

import "testing"

func newTestFS(t *testing.T) *FS {
	t.Helper()
	dev := NewMemDevice(2048, 512)
	fs, err := Format(dev, FormatParams{
		NumPages:        2048,
		PageSize:        512,
		BlockSize:       8,
		HashSize:        2,
		MetadataSize:    32,
		MaxFileNameSize: 16,
	}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestHashNameNeverZero(t *testing.T) {
	fs := newTestFS(t)
	names := []string{"a", "b", "readme.txt", ""}
	for _, n := range names {
		if n == "" {
			continue
		}
		if h := fs.hashName(n); h == 0 {
			t.Fatalf("hashName(%q) returned the reserved tombstone value 0", n)
		}
	}
}

func TestHashNameTwoByteFoldsModPrime(t *testing.T) {
	fs := newTestFS(t)
	h := fs.hashName("a")
	if h >= 65521 {
		t.Fatalf("2-byte hash size must fold into [0,65521), got %d", h)
	}
}

func TestDjb2aDeterministicAndDistinguishesNames(t *testing.T) {
	if djb2a("abc") != djb2a("abc") {
		t.Fatal("djb2a must be deterministic")
	}
	if djb2a("abc") == djb2a("abd") {
		t.Fatal("djb2a collided on two trivially distinct short names (would still be valid, but this pair must not)")
	}
}

func TestLookupFindMissingIsFileNotFound(t *testing.T) {
	fs := newTestFS(t)
	_, err := fs.lookup("nope", opFind)
	fsErr, ok := err.(*Error)
	if !ok || fsErr.Kind != KindFileNotFound {
		t.Fatalf("expected FileNotFound, got %v", err)
	}
}

func TestLookupOpenCreatesThenFindResolves(t *testing.T) {
	fs := newTestFS(t)

	f, err := fs.Open("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if f.Name() != "a.txt" {
		t.Fatalf("wrong name on handle: %q", f.Name())
	}

	res, err := fs.lookup("a.txt", opFind)
	if err != nil {
		t.Fatal(err)
	}
	if res.dirOffset != f.dirOffset {
		t.Fatalf("Find disagreed with Open about directory offset: %d vs %d", res.dirOffset, f.dirOffset)
	}
}

func TestLookupFileNameTooLong(t *testing.T) {
	fs := newTestFS(t)
	longName := make([]byte, fs.geo.MaxFileNameSize+1)
	for i := range longName {
		longName[i] = 'x'
	}
	_, err := fs.lookup(string(longName), opOpen)
	fsErr, ok := err.(*Error)
	if !ok || fsErr.Kind != KindFileNameTooLong {
		t.Fatalf("expected FileNameTooLong, got %v", err)
	}
}

func TestLookupRemoveZeroesHashSlotForReuse(t *testing.T) {
	fs := newTestFS(t)

	f1, err := fs.Open("first.txt")
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Close(f1); err != nil {
		t.Fatal(err)
	}

	if err := fs.Remove("first.txt"); err != nil {
		t.Fatal(err)
	}

	// A fresh Open after Remove must reuse the tombstoned slot rather than
	// grow the directory - same dirOffset as the removed entry.
	f2, err := fs.Open("second.txt")
	if err != nil {
		t.Fatal(err)
	}
	if f2.dirOffset != f1.dirOffset {
		t.Fatalf("expected the tombstoned slot to be reused, got new offset %d want %d", f2.dirOffset, f1.dirOffset)
	}

	if _, err := fs.lookup("first.txt", opFind); err == nil {
		t.Fatal("expected first.txt to no longer resolve after removal")
	}
}

func TestLookupSurvivesHashCollision(t *testing.T) {
	fs := newTestFS(t)

	// Force two distinct names into the same hash bucket by constructing
	// the directory by hand: write a bogus hash-entries slot 0 sharing
	// collider's hash, then open collider for real and confirm it lands past the collision
	// without being confused for it.
	h := fs.hashName("collider")
	if err := fs.writeAt(fs.hashFile, 0, encodeHash(fs.geo, h)); err != nil {
		t.Fatal(err)
	}
	meta := marshalMetadataEntry(fs.geo, statusInUse, 0, 0, 1, "other-name")
	if err := fs.writeAt(fs.metaFile, 0, meta); err != nil {
		t.Fatal(err)
	}

	f, err := fs.Open("collider")
	if err != nil {
		t.Fatal(err)
	}
	if f.dirOffset == 0 {
		t.Fatal("expected collider to be assigned a slot past the colliding occupied one")
	}

	res, err := fs.lookup("collider", opFind)
	if err != nil {
		t.Fatal(err)
	}
	if res.dirOffset != f.dirOffset {
		t.Fatalf("lookup did not resolve past the collision correctly: %d vs %d", res.dirOffset, f.dirOffset)
	}
}

func TestFsckDetectsHashTombstoneViolation(t *testing.T) {
	fs := newTestFS(t)
	f, err := fs.Open("broken.txt")
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Close(f); err != nil {
		t.Fatal(err)
	}

	res, err := fs.lookup("broken.txt", opFind)
	if err != nil {
		t.Fatal(err)
	}

	// Mark the metadata entry DELETED by hand while its hash slot stays
	// non-zero (Remove itself zeroes the hash slot before it writes the
	// status), breaking spec §8 testable property 4.
	if err := fs.writeAt(fs.metaFile, res.dirOffset, []byte{statusDeleted}); err != nil {
		t.Fatal(err)
	}

	rep, err := fs.Fsck(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.TombstoneViolations) == 0 {
		t.Fatal("expected fsck to flag the uncovered hash-tombstone violation")
	}
}

func TestSlotCountTracksMetadataFileLength(t *testing.T) {
	fs := newTestFS(t)
	if fs.slotCount() != 0 {
		t.Fatalf("expected 0 slots on a freshly formatted volume, got %d", fs.slotCount())
	}

	f, err := fs.Open("x")
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Close(f); err != nil {
		t.Fatal(err)
	}
	if fs.slotCount() != 1 {
		t.Fatalf("expected 1 slot after one Open, got %d", fs.slotCount())
	}
}
