package tefs

// The two-level index tree maps a 0-based page index within a file to a
// device page address. A file's root index block starts out holding
// addresses of data blocks directly (the "degenerate" tree, spec §4.3) -
// this is exactly what child block 0 of the full two-level tree would
// hold, so promoting out of degenerate mode is nothing more than copying
// the root block's raw bytes into a freshly reserved child block and
// pointing root entry 0 at it.
//
// Every stored entry is (blockIndex+1); the value 0 marks a slot that has
// never been reserved, the same zero-means-empty convention ext4 uses for
// an unallocated block pointer in pkg/ext4's inode code.

// slotDeleted is the tombstone written into an index slot by release_block
// (spec §4.3). It cannot be confused with either 0 (never allocated) or a
// real stored address (which is always blockIndex+1, so the smallest real
// value is 1 for block index 0) because it is the address field's all-ones
// value - one past the largest block index any geometry in this package can
// address.
func slotDeleted(geo *Geometry) int64 {
	if geo.AddressSize == 2 {
		return 0xFFFF
	}
	return 0xFFFFFFFF
}

func isEmptyOrDeleted(geo *Geometry, v int64) bool {
	return v == 0 || v == slotDeleted(geo)
}

func entryAddress(geo *Geometry, blockAddr int64, entryIndex int64) (page int64, offset int64) {
	perPage := geo.AddressesPerPage()
	page = blockAddr + entryIndex/perPage
	offset = (entryIndex % perPage) * geo.AddressSize
	return
}

func readEntry(dev BlockDevice, geo *Geometry, blockAddr, entryIndex int64) (int64, error) {
	page, offset := entryAddress(geo, blockAddr, entryIndex)
	return readAddress(dev, geo, page, offset)
}

func writeEntry(dev BlockDevice, geo *Geometry, blockAddr, entryIndex, value int64) error {
	page, offset := entryAddress(geo, blockAddr, entryIndex)
	return writeAddress(dev, geo, page, offset, value)
}

// reserveDataBlock allocates a fresh block and records it at entryIndex of
// the index block at blockAddr.
func reserveDataBlock(dev BlockDevice, geo *Geometry, alloc *allocator, blockAddr, entryIndex int64) (int64, error) {
	idx, err := alloc.reserve()
	if err != nil {
		return 0, err
	}
	if err := alloc.eraseBlock(idx); err != nil {
		return 0, err
	}
	if err := writeEntry(dev, geo, blockAddr, entryIndex, idx+1); err != nil {
		return 0, err
	}
	return geo.BlockAddress(idx), nil
}

// promote turns a degenerate root block into the first child block of a
// full two-level tree, and clears the root to hold child-block addresses.
func promote(dev BlockDevice, geo *Geometry, alloc *allocator, rootAddr int64) error {
	childIdx, err := alloc.reserve()
	if err != nil {
		return err
	}
	childAddr := geo.BlockAddress(childIdx)

	buf := make([]byte, geo.PageSize)
	for i := int64(0); i < geo.BlockSize; i++ {
		if err := dev.ReadPage(rootAddr+i, buf, int(geo.PageSize), 0); err != nil {
			return newError(KindRead, "promote", err)
		}
		if err := dev.WritePage(childAddr+i, buf, int(geo.PageSize), 0); err != nil {
			return newError(KindWrite, "promote", err)
		}
	}

	if err := zeroPages(dev, rootAddr, geo.BlockSize); err != nil {
		return newError(KindErase, "promote", err)
	}
	if err := writeEntry(dev, geo, rootAddr, 0, childIdx+1); err != nil {
		return err
	}
	return nil
}

// resolvePage maps pageIndex to a device page address, reserving and
// erasing index/data blocks along the way when forWrite is set. sizePages
// is the file's page count immediately before this access, used to decide
// whether the tree is still degenerate or needs to be promoted first.
func resolvePage(dev BlockDevice, geo *Geometry, alloc *allocator, rootAddr, sizePages, pageIndex int64, forWrite bool) (int64, error) {
	threshold := geo.PromotionThresholdPages()

	if sizePages <= threshold && pageIndex >= threshold {
		if !forWrite {
			return 0, newError(KindRead, "resolve", nil)
		}
		if err := promote(dev, geo, alloc, rootAddr); err != nil {
			return 0, err
		}
		sizePages = threshold + 1 // force two-level path below
	}

	if pageIndex < threshold && sizePages <= threshold {
		return resolveDegenerate(dev, geo, alloc, rootAddr, pageIndex, forWrite)
	}

	return resolveTwoLevel(dev, geo, alloc, rootAddr, pageIndex, forWrite)
}

func resolveDegenerate(dev BlockDevice, geo *Geometry, alloc *allocator, rootAddr, pageIndex int64, forWrite bool) (int64, error) {
	blockEntry := pageIndex / geo.BlockSize
	pageInBlock := pageIndex % geo.BlockSize

	v, err := readEntry(dev, geo, rootAddr, blockEntry)
	if err != nil {
		return 0, newError(KindRead, "resolve", err)
	}

	var blockAddr int64
	if isEmptyOrDeleted(geo, v) {
		if !forWrite {
			return 0, newError(KindUnreleasedBlock, "resolve", nil)
		}
		blockAddr, err = reserveDataBlock(dev, geo, alloc, rootAddr, blockEntry)
		if err != nil {
			return 0, err
		}
	} else {
		blockAddr = geo.BlockAddress(v - 1)
	}

	return blockAddr + pageInBlock, nil
}

func resolveTwoLevel(dev BlockDevice, geo *Geometry, alloc *allocator, rootAddr, pageIndex int64, forWrite bool) (int64, error) {
	span := geo.AddressesPerBlock() * geo.BlockSize
	childEntry := pageIndex / span
	if childEntry >= geo.AddressesPerBlock() {
		return 0, newError(KindFileFull, "resolve", nil)
	}
	rem := pageIndex % span
	dataEntry := rem / geo.BlockSize
	pageInBlock := rem % geo.BlockSize

	cv, err := readEntry(dev, geo, rootAddr, childEntry)
	if err != nil {
		return 0, newError(KindRead, "resolve", err)
	}

	var childAddr int64
	if isEmptyOrDeleted(geo, cv) {
		if !forWrite {
			return 0, newError(KindUnreleasedBlock, "resolve", nil)
		}
		childAddr, err = reserveDataBlock(dev, geo, alloc, rootAddr, childEntry)
		if err != nil {
			return 0, err
		}
	} else {
		childAddr = geo.BlockAddress(cv - 1)
	}

	dv, err := readEntry(dev, geo, childAddr, dataEntry)
	if err != nil {
		return 0, newError(KindRead, "resolve", err)
	}

	var dataAddr int64
	if isEmptyOrDeleted(geo, dv) {
		if !forWrite {
			return 0, newError(KindUnreleasedBlock, "resolve", nil)
		}
		dataAddr, err = reserveDataBlock(dev, geo, alloc, childAddr, dataEntry)
		if err != nil {
			return 0, err
		}
	} else {
		dataAddr = geo.BlockAddress(dv - 1)
	}

	return dataAddr + pageInBlock, nil
}

// releaseTree releases every block reachable from rootAddr, including
// rootAddr's own block, used by remove (spec §4.6) to walk the whole tree
// back into the free pool.
func releaseTree(dev BlockDevice, geo *Geometry, alloc *allocator, rootAddr, sizePages int64) error {
	rootIdx := (rootAddr - geo.FirstDataBlockAddr()) / geo.BlockSize

	threshold := geo.PromotionThresholdPages()
	if sizePages > threshold {
		entries := geo.AddressesPerBlock()
		for i := int64(0); i < entries; i++ {
			cv, err := readEntry(dev, geo, rootAddr, i)
			if err != nil {
				return newError(KindRead, "release", err)
			}
			if isEmptyOrDeleted(geo, cv) {
				continue
			}
			childAddr := geo.BlockAddress(cv - 1)
			for j := int64(0); j < entries; j++ {
				dv, err := readEntry(dev, geo, childAddr, j)
				if err != nil {
					return newError(KindRead, "release", err)
				}
				if isEmptyOrDeleted(geo, dv) {
					continue
				}
				if err := alloc.release(dv - 1); err != nil {
					return err
				}
			}
			if err := alloc.release(cv - 1); err != nil {
				return err
			}
		}
	} else {
		entries := geo.AddressesPerBlock()
		for i := int64(0); i < entries; i++ {
			dv, err := readEntry(dev, geo, rootAddr, i)
			if err != nil {
				return newError(KindRead, "release", err)
			}
			if isEmptyOrDeleted(geo, dv) {
				continue
			}
			if err := alloc.release(dv - 1); err != nil {
				return err
			}
		}
	}

	return alloc.release(rootIdx)
}

// collectTreeBlocks returns the 0-based block indices of every block
// reachable from rootAddr, including rootAddr's own block - a read-only
// counterpart to releaseTree, used by fsck to cross-check the allocator's
// accounting (spec §8 testable property 5).
func collectTreeBlocks(dev BlockDevice, geo *Geometry, rootAddr, sizePages int64) ([]int64, error) {
	rootIdx := (rootAddr - geo.FirstDataBlockAddr()) / geo.BlockSize
	blocks := []int64{rootIdx}

	entries := geo.AddressesPerBlock()
	threshold := geo.PromotionThresholdPages()

	if sizePages > threshold {
		for i := int64(0); i < entries; i++ {
			cv, err := readEntry(dev, geo, rootAddr, i)
			if err != nil {
				return nil, newError(KindRead, "fsck", err)
			}
			if isEmptyOrDeleted(geo, cv) {
				continue
			}
			childAddr := geo.BlockAddress(cv - 1)
			blocks = append(blocks, cv-1)
			for j := int64(0); j < entries; j++ {
				dv, err := readEntry(dev, geo, childAddr, j)
				if err != nil {
					return nil, newError(KindRead, "fsck", err)
				}
				if isEmptyOrDeleted(geo, dv) {
					continue
				}
				blocks = append(blocks, dv-1)
			}
		}
	} else {
		for i := int64(0); i < entries; i++ {
			dv, err := readEntry(dev, geo, rootAddr, i)
			if err != nil {
				return nil, newError(KindRead, "fsck", err)
			}
			if isEmptyOrDeleted(geo, dv) {
				continue
			}
			blocks = append(blocks, dv-1)
		}
	}

	return blocks, nil
}

// blockAllFreed reports whether every entry of the index block at addr is
// either never-allocated or already tombstoned, used by releaseDataBlock to
// decide whether a child block has become entirely empty and can itself be
// released.
func blockAllFreed(dev BlockDevice, geo *Geometry, addr int64) (bool, error) {
	entries := geo.AddressesPerBlock()
	for i := int64(0); i < entries; i++ {
		v, err := readEntry(dev, geo, addr, i)
		if err != nil {
			return false, newError(KindRead, "release", err)
		}
		if !isEmptyOrDeleted(geo, v) {
			return false, nil
		}
	}
	return true, nil
}

// releaseDataBlock implements release_block (spec §4.3): it frees the data
// block that holds file-relative page pageIndex, tombstones the slot that
// pointed to it, and - for a promoted tree whose child block becomes
// entirely tombstoned as a result - releases and tombstones that child too.
func releaseDataBlock(dev BlockDevice, geo *Geometry, alloc *allocator, rootAddr, sizePages, pageIndex int64) error {
	threshold := geo.PromotionThresholdPages()

	if sizePages <= threshold {
		blockEntry := pageIndex / geo.BlockSize
		v, err := readEntry(dev, geo, rootAddr, blockEntry)
		if err != nil {
			return newError(KindRead, "release", err)
		}
		if isEmptyOrDeleted(geo, v) {
			return newError(KindUnreleasedBlock, "release", nil)
		}
		if err := alloc.release(v - 1); err != nil {
			return err
		}
		return writeEntry(dev, geo, rootAddr, blockEntry, slotDeleted(geo))
	}

	span := geo.AddressesPerBlock() * geo.BlockSize
	childEntry := pageIndex / span
	rem := pageIndex % span
	dataEntry := rem / geo.BlockSize

	cv, err := readEntry(dev, geo, rootAddr, childEntry)
	if err != nil {
		return newError(KindRead, "release", err)
	}
	if isEmptyOrDeleted(geo, cv) {
		return newError(KindUnreleasedBlock, "release", nil)
	}
	childAddr := geo.BlockAddress(cv - 1)

	dv, err := readEntry(dev, geo, childAddr, dataEntry)
	if err != nil {
		return newError(KindRead, "release", err)
	}
	if isEmptyOrDeleted(geo, dv) {
		return newError(KindUnreleasedBlock, "release", nil)
	}
	if err := alloc.release(dv - 1); err != nil {
		return err
	}
	if err := writeEntry(dev, geo, childAddr, dataEntry, slotDeleted(geo)); err != nil {
		return err
	}

	empty, err := blockAllFreed(dev, geo, childAddr)
	if err != nil {
		return err
	}
	if empty {
		if err := alloc.release(cv - 1); err != nil {
			return err
		}
		return writeEntry(dev, geo, rootAddr, childEntry, slotDeleted(geo))
	}
	return nil
}
