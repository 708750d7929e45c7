package tefs

import "github.com/google/uuid"

// DirEntry is a snapshot of one directory slot, returned by List.
type DirEntry struct {
	Name    string
	Status  byte
	EOFPage uint32
	EOFByte uint32
}

// List walks every in-use directory slot, the way the CLI's ls command and
// fsck both need to. Deleted and never-allocated slots are skipped.
func (fs *FS) List() ([]DirEntry, error) {
	count := fs.slotCount()
	metaBuf := make([]byte, fs.geo.MetadataSize)
	var out []DirEntry

	for i := int64(0); i < count; i++ {
		if err := fs.readAt(fs.metaFile, i*fs.geo.MetadataSize, metaBuf); err != nil {
			return nil, err
		}
		status, eofPage, eofByte, _, name := unmarshalMetadataEntry(fs.geo, metaBuf)
		if status != statusInUse {
			continue
		}
		out = append(out, DirEntry{Name: name, Status: status, EOFPage: eofPage, EOFByte: uint32(eofByte)})
	}
	return out, nil
}

// FsckReport is the result of a Fsck run: a diagnostic walk, not a repair.
// It exercises testable properties 4 (hash-tombstone invariant) and 5
// (allocator accounting) of spec §8.
type FsckReport struct {
	RunID string

	TotalSlots   int64
	InUseFiles   int64
	DeletedFiles int64

	// ReferencedBlocks is every block index reachable from an in-use
	// directory entry's index tree, including the two system files.
	ReferencedBlocks int64
	FreeBlocks       int64
	TotalBlocks      int64

	// AccountingOK is false if ReferencedBlocks + FreeBlocks != TotalBlocks,
	// meaning either a leaked (unreferenced, unfree) block or a double
	// accounting exists somewhere.
	AccountingOK bool

	// TombstoneViolations lists slot indices whose hash slot is non-zero
	// despite the metadata entry being DELETED or EMPTY.
	TombstoneViolations []int64
}

// Fsck performs a read-only consistency walk over the directory and the
// free-block bitmap. It never repairs anything; it is a diagnostic, the
// way the teacher's vdecompiler reads an image without mutating it.
func (fs *FS) Fsck(progress func(done, total int64)) (*FsckReport, error) {
	rep := &FsckReport{RunID: uuid.New().String(), TotalBlocks: fs.geo.NumBlocks()}

	seen := make(map[int64]bool)

	hashBlocks, err := collectTreeBlocks(fs.dev, fs.geo, fs.hashFile.rootAddr, fs.hashFile.eofPage)
	if err != nil {
		return nil, err
	}
	metaBlocks, err := collectTreeBlocks(fs.dev, fs.geo, fs.metaFile.rootAddr, fs.metaFile.eofPage)
	if err != nil {
		return nil, err
	}
	for _, b := range hashBlocks {
		seen[b] = true
	}
	for _, b := range metaBlocks {
		seen[b] = true
	}

	count := fs.slotCount()
	rep.TotalSlots = count

	metaBuf := make([]byte, fs.geo.MetadataSize)
	hashBuf := make([]byte, fs.geo.HashSize)

	for i := int64(0); i < count; i++ {
		if progress != nil {
			progress(i, count)
		}
		if err := fs.readAt(fs.metaFile, i*fs.geo.MetadataSize, metaBuf); err != nil {
			return nil, err
		}
		status, eofPage, _, rootAddr, _ := unmarshalMetadataEntry(fs.geo, metaBuf)

		if err := fs.readAt(fs.hashFile, i*fs.geo.HashSize, hashBuf); err != nil {
			return nil, err
		}
		hashVal := decodeHash(fs.geo, hashBuf)

		switch status {
		case statusInUse:
			rep.InUseFiles++
			blocks, err := collectTreeBlocks(fs.dev, fs.geo, int64(rootAddr), int64(eofPage))
			if err != nil {
				return nil, err
			}
			for _, b := range blocks {
				seen[b] = true
			}
		case statusDeleted:
			rep.DeletedFiles++
			if hashVal != 0 {
				rep.TombstoneViolations = append(rep.TombstoneViolations, i)
			}
		default:
			if hashVal != 0 {
				rep.TombstoneViolations = append(rep.TombstoneViolations, i)
			}
		}
	}
	if progress != nil {
		progress(count, count)
	}

	rep.ReferencedBlocks = int64(len(seen))
	rep.FreeBlocks = fs.FreeBlocks()
	rep.AccountingOK = rep.ReferencedBlocks+rep.FreeBlocks == rep.TotalBlocks

	if len(rep.TombstoneViolations) > 0 {
		fs.log.Warnf("tefs: fsck %s found %d hash-tombstone violation(s)", rep.RunID, len(rep.TombstoneViolations))
	}
	if !rep.AccountingOK {
		fs.log.Warnf("tefs: fsck %s accounting mismatch: referenced=%d free=%d total=%d",
			rep.RunID, rep.ReferencedBlocks, rep.FreeBlocks, rep.TotalBlocks)
	}

	return rep, nil
}
