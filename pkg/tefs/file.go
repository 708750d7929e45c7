package tefs

import "encoding/binary"

// File is the in-RAM handle for an open file (spec §3.6). It caches the
// authoritative size and the location of its own directory entry; the path
// through the index tree itself is resolved fresh on every access rather
// than cached.
type File struct {
	fs   *FS
	name string

	rootAddr int64 // device page address of the root index block

	// dirOffset is a raw byte offset into the metadata-entries file where
	// this file's directory entry lives, folding spec §3.6's separate
	// directory_page/directory_byte fields into one number. The sentinel
	// directoryEntrySentinel means "my entry is the superblock's embedded
	// entry", used by the two system files.
	dirOffset int64

	eofPage int64
	eofByte int64

	// sizeConsistent is false whenever the persisted directory entry's
	// eof_* fields are stale relative to eofPage/eofByte above (spec §4.6).
	sizeConsistent bool

	sysIndex int // hashFileIndex/metadataFileIndex for a system file, -1 otherwise
}

// IsSizeConsistent reports whether the persisted directory entry agrees
// with the handle's in-RAM eof_*, i.e. whether the handle is in the
// "Consistent" state of spec §4.6's state machine.
func (f *File) IsSizeConsistent() bool { return f.sizeConsistent }

// Size returns the file's current (eof_page, eof_byte).
func (f *File) Size() (eofPage int64, eofByte int64) { return f.eofPage, f.eofByte }

// Name returns the name the file was opened with.
func (f *File) Name() string { return f.name }

// readPage implements the read half of spec §4.3/§4.5: reject reads past
// EOF, walk the tree read-only, copy bytes.
func (fs *FS) readPage(f *File, page int64, buf []byte, n, off int) error {
	if err := checkBounds(int(fs.geo.PageSize), n, off); err != nil {
		return err
	}
	if page > f.eofPage || (page == f.eofPage && int64(off+n) > f.eofByte) {
		return newError(KindEOF, "read", nil)
	}

	addr, err := resolvePage(fs.dev, fs.geo, fs.alloc, f.rootAddr, f.eofPage, page, false)
	if err != nil {
		return err
	}
	if err := fs.dev.ReadPage(addr, buf, n, off); err != nil {
		return newError(KindRead, "read", err)
	}
	return nil
}

// writePage implements the write half of spec §4.3/§4.5: reject writes
// past EOF, walk the tree (reserving blocks as needed), write the payload,
// and advance the in-RAM EOF.
func (fs *FS) writePage(f *File, page int64, data []byte, n, off int) error {
	if err := checkBounds(int(fs.geo.PageSize), n, off); err != nil {
		return err
	}
	if !(page < f.eofPage || (page == f.eofPage && int64(off) <= f.eofByte)) {
		return newError(KindWritePastEnd, "write", nil)
	}

	addr, err := resolvePage(fs.dev, fs.geo, fs.alloc, f.rootAddr, f.eofPage, page, true)
	if err != nil {
		return err
	}
	if err := fs.dev.WritePage(addr, data, n, off); err != nil {
		return newError(KindWrite, "write", err)
	}

	fs.advanceEOF(f, page, int64(off+n))
	return nil
}

// advanceEOF applies spec §4.5's EOF-tracking rule: (eof_page, eof_byte) is
// only ever moved forward, wrapping eof_byte into an eof_page increment
// (and promoting the tree, transparently, the next time resolvePage sees
// the crossed threshold) on a full-page write.
func (fs *FS) advanceEOF(f *File, page, endOffset int64) {
	greater := page > f.eofPage || (page == f.eofPage && endOffset > f.eofByte)
	if !greater {
		return
	}
	f.eofPage = page
	f.eofByte = endOffset
	if f.eofByte == fs.geo.PageSize {
		f.eofByte = 0
		f.eofPage++
	}
	f.sizeConsistent = false
}

// readAt and writeAt read/write an arbitrary-length span starting at a raw
// file byte offset, splitting across the page boundary when the span
// doesn't fit in a single page - used by the directory (hash/metadata
// slots rarely align to a page) and available to any caller that wants
// file-relative byte addressing instead of the page-granular API.
func (fs *FS) readAt(f *File, byteOffset int64, buf []byte) error {
	remaining := buf
	off := byteOffset
	for len(remaining) > 0 {
		page := off / fs.geo.PageSize
		inPage := off % fs.geo.PageSize
		n := fs.geo.PageSize - inPage
		if int64(len(remaining)) < n {
			n = int64(len(remaining))
		}
		if err := fs.readPage(f, page, remaining[:n], int(n), int(inPage)); err != nil {
			return err
		}
		remaining = remaining[n:]
		off += n
	}
	return nil
}

func (fs *FS) writeAt(f *File, byteOffset int64, buf []byte) error {
	remaining := buf
	off := byteOffset
	for len(remaining) > 0 {
		page := off / fs.geo.PageSize
		inPage := off % fs.geo.PageSize
		n := fs.geo.PageSize - inPage
		if int64(len(remaining)) < n {
			n = int64(len(remaining))
		}
		if err := fs.writePage(f, page, remaining[:n], int(n), int(inPage)); err != nil {
			return err
		}
		remaining = remaining[n:]
		off += n
	}
	return nil
}

// Open resolves name via the directory (spec §4.4, op=Open) and returns a
// handle, creating the file if it did not already exist.
func (fs *FS) Open(name string) (*File, error) {
	res, err := fs.lookup(name, opOpen)
	if err != nil {
		return nil, err
	}

	f := &File{fs: fs, name: name, dirOffset: res.dirOffset, sysIndex: -1}

	if !res.isNew {
		f.eofPage = int64(res.eofPage)
		f.eofByte = int64(res.eofByte)
		f.rootAddr = int64(res.rootAddr)
		f.sizeConsistent = true
		fs.log.Debugf("tefs: open %q existing, eof=(%d,%d)", name, f.eofPage, f.eofByte)
		return f, nil
	}

	// Zero the entry first (status=EMPTY) so a crash mid-creation never
	// leaves a half-written entry looking live.
	zeroEntry := make([]byte, fs.geo.MetadataSize)
	if err := fs.writeAt(fs.metaFile, res.dirOffset, zeroEntry); err != nil {
		return nil, err
	}

	rootIdx, err := fs.alloc.reserve()
	if err != nil {
		return nil, err
	}
	if err := fs.alloc.eraseBlock(rootIdx); err != nil {
		return nil, err
	}
	f.rootAddr = fs.geo.BlockAddress(rootIdx)

	entry := marshalMetadataEntry(fs.geo, statusEmpty, 0, 0, uint32(f.rootAddr), name)
	if err := fs.writeAt(fs.metaFile, res.dirOffset, entry); err != nil {
		return nil, err
	}

	if err := fs.writeAt(fs.metaFile, res.dirOffset, []byte{statusInUse}); err != nil {
		return nil, err
	}

	dataIdx, err := fs.alloc.reserve()
	if err != nil {
		return nil, err
	}
	if err := fs.alloc.eraseBlock(dataIdx); err != nil {
		return nil, err
	}
	if err := writeEntry(fs.dev, fs.geo, f.rootAddr, 0, dataIdx+1); err != nil {
		return nil, err
	}

	f.eofPage, f.eofByte = 0, 0
	f.sizeConsistent = true

	if err := fs.Flush(f); err != nil {
		return nil, err
	}
	// The directory lookup and the entry write above may have grown the two
	// system files; persist their eof_* into the superblock as well.
	if err := fs.Flush(fs.hashFile); err != nil {
		return nil, err
	}
	if err := fs.Flush(fs.metaFile); err != nil {
		return nil, err
	}
	fs.log.Debugf("tefs: open %q new, root=%d data=%d", name, rootIdx, dataIdx)
	return f, nil
}

// Exists implements §6.3's exists(name): Find succeeds -> true, not found
// -> false with no error, any other failure propagates.
func (fs *FS) Exists(name string) (bool, error) {
	_, err := fs.lookup(name, opFind)
	if err == nil {
		return true, nil
	}
	if fsErr, ok := err.(*Error); ok && fsErr.Kind == KindFileNotFound {
		return false, nil
	}
	return false, err
}

// Remove walks the whole index tree releasing every allocated block, then
// marks the directory entry DELETED (spec §4.5). The hash slot was already
// zeroed by lookup's Remove branch.
func (fs *FS) Remove(name string) error {
	res, err := fs.lookup(name, opRemove)
	if err != nil {
		return err
	}

	if err := releaseTree(fs.dev, fs.geo, fs.alloc, int64(res.rootAddr), int64(res.eofPage)); err != nil {
		return err
	}

	if err := fs.writeAt(fs.metaFile, res.dirOffset, []byte{statusDeleted}); err != nil {
		return err
	}

	fs.log.Debugf("tefs: removed %q", name)
	return fs.dev.Flush()
}

// Read implements §6.3's read(file, page, buf, n, off).
func (fs *FS) Read(f *File, page int64, buf []byte, n, off int) error {
	return fs.readPage(f, page, buf, n, off)
}

// Write implements §6.3's write(file, page, data, n, off).
func (fs *FS) Write(f *File, page int64, data []byte, n, off int) error {
	return fs.writePage(f, page, data, n, off)
}

// ReleaseBlock implements §6.3's release_block(file, file_block_addr): it
// frees the data block covering file-relative page address blockAddr and
// tombstones the index slot(s) that pointed to it (spec §4.3).
func (fs *FS) ReleaseBlock(f *File, blockAddr int64) error {
	return releaseDataBlock(fs.dev, fs.geo, fs.alloc, f.rootAddr, f.eofPage, blockAddr)
}

// Flush persists a stale directory entry (spec §4.5/§4.6): the block
// device is always flushed; the eof_* fields are written through to the
// metadata-entries file, or directly into the superblock for the two
// system files, only if they are not already consistent.
func (fs *FS) Flush(f *File) error {
	if err := fs.dev.Flush(); err != nil {
		return newError(KindWrite, "flush", err)
	}
	if f.sizeConsistent {
		return nil
	}

	if f.dirOffset == directoryEntrySentinel {
		entry := &fs.sb.HashFileEntry
		if f.sysIndex == metadataFileIndex {
			entry = &fs.sb.MetadataFileEntry
		}
		entry.EOFPage = uint32(f.eofPage)
		entry.EOFByte = uint16(f.eofByte)
		if err := fs.writeSuperblock(); err != nil {
			return err
		}
	} else {
		eofBuf := make([]byte, 6)
		binary.LittleEndian.PutUint32(eofBuf[0:4], uint32(f.eofPage))
		binary.LittleEndian.PutUint16(eofBuf[4:6], uint16(f.eofByte))
		if err := fs.writeAt(fs.metaFile, f.dirOffset+1, eofBuf); err != nil {
			return err
		}
	}

	f.sizeConsistent = true
	fs.log.Debugf("tefs: flush %q persisted eof=(%d,%d)", f.name, f.eofPage, f.eofByte)
	return nil
}

// Close implements §6.3's close(file): flush, then the handle is no
// longer usable.
func (fs *FS) Close(f *File) error {
	return fs.Flush(f)
}
