package tefs

import "encoding/binary"

// Directory entry status values (spec §3.4).
const (
	statusEmpty   byte = 0
	statusDeleted byte = 1
	statusInUse   byte = 2
)

// metadataStaticSize is the fixed 11-byte prefix of every metadata entry:
// status(1) + eof_page(4) + eof_byte(2) + root_index_block(4).
const metadataStaticSize = 1 + 4 + 2 + 4

func marshalMetadataEntry(geo *Geometry, status byte, eofPage uint32, eofByte uint16, rootAddr uint32, name string) []byte {
	buf := make([]byte, geo.MetadataSize)
	buf[0] = status
	binary.LittleEndian.PutUint32(buf[1:5], eofPage)
	binary.LittleEndian.PutUint16(buf[5:7], eofByte)
	binary.LittleEndian.PutUint32(buf[7:11], rootAddr)
	copy(buf[metadataStaticSize:metadataStaticSize+geo.MaxFileNameSize], name)
	return buf
}

func unmarshalMetadataEntry(geo *Geometry, buf []byte) (status byte, eofPage uint32, eofByte uint16, rootAddr uint32, name string) {
	status = buf[0]
	eofPage = binary.LittleEndian.Uint32(buf[1:5])
	eofByte = binary.LittleEndian.Uint16(buf[5:7])
	rootAddr = binary.LittleEndian.Uint32(buf[7:11])

	nameBytes := buf[metadataStaticSize : metadataStaticSize+geo.MaxFileNameSize]
	n := int64(0)
	for n < int64(len(nameBytes)) && nameBytes[n] != 0 {
		n++
	}
	name = string(nameBytes[:n])
	return
}

func encodeHash(geo *Geometry, h uint32) []byte {
	buf := make([]byte, geo.HashSize)
	if geo.HashSize == 2 {
		binary.LittleEndian.PutUint16(buf, uint16(h))
	} else {
		binary.LittleEndian.PutUint32(buf, h)
	}
	return buf
}

func decodeHash(geo *Geometry, buf []byte) uint32 {
	if geo.HashSize == 2 {
		return uint32(binary.LittleEndian.Uint16(buf))
	}
	return binary.LittleEndian.Uint32(buf)
}

// djb2a is Dan Bernstein's hash, XOR-folding variant. Grounded on spec §4.4.
func djb2a(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = ((h << 5) + h) ^ uint32(name[i])
	}
	return h
}

// hashName computes the directory hash for name, preserving the invariant
// that 0 is reserved as the deletion tombstone (spec §3.5).
func (fs *FS) hashName(name string) uint32 {
	h := djb2a(name)
	if h == 0 {
		h = 1
	}
	if fs.geo.HashSize == 2 {
		h = h % 65521
		if h == 0 {
			h = 1
		}
	}
	return h
}

type lookupOp int

const (
	opFind lookupOp = iota
	opOpen
	opRemove
)

// lookupResult reports where a resolved or freshly assigned directory slot
// lives, as a raw byte offset into the metadata-entries file.
type lookupResult struct {
	isNew     bool
	dirOffset int64
	status    byte
	eofPage   uint32
	eofByte   uint16
	rootAddr  uint32
}

// slotCount is the number of directory slots the metadata-entries file
// currently holds (in use, deleted or empty alike), derived from
// the metadata-entries file's own length (spec §3.5: the hash and metadata
// files grow in lockstep, one slot per entry).
func (fs *FS) slotCount() int64 {
	bytesLen := fs.metaFile.eofPage*fs.geo.PageSize + fs.metaFile.eofByte
	return bytesLen / fs.geo.MetadataSize
}

// lookup implements the name resolution algorithm of spec §4.4: a linear
// scan of the hash-entries file (in lockstep with the metadata-entries
// file), tracking the first tombstoned slot for reuse on Open.
func (fs *FS) lookup(name string, op lookupOp) (*lookupResult, error) {
	if int64(len(name)) == 0 || int64(len(name)) > fs.geo.MaxFileNameSize {
		return nil, newError(KindFileNameTooLong, "lookup", nil)
	}

	h := fs.hashName(name)
	count := fs.slotCount()

	tombstone := int64(-1)
	hashBuf := make([]byte, fs.geo.HashSize)
	metaBuf := make([]byte, fs.geo.MetadataSize)

	for i := int64(0); i < count; i++ {
		if err := fs.readAt(fs.hashFile, i*fs.geo.HashSize, hashBuf); err != nil {
			return nil, err
		}
		slotVal := decodeHash(fs.geo, hashBuf)

		if slotVal == h {
			if err := fs.readAt(fs.metaFile, i*fs.geo.MetadataSize, metaBuf); err != nil {
				return nil, err
			}
			status, eofPage, eofByte, rootAddr, entName := unmarshalMetadataEntry(fs.geo, metaBuf)
			if status == statusInUse && entName == name {
				if op == opRemove {
					zero := make([]byte, fs.geo.HashSize)
					if err := fs.writeAt(fs.hashFile, i*fs.geo.HashSize, zero); err != nil {
						return nil, err
					}
				}
				return &lookupResult{
					dirOffset: i * fs.geo.MetadataSize,
					status:    status,
					eofPage:   eofPage,
					eofByte:   eofByte,
					rootAddr:  rootAddr,
				}, nil
			}
			if status == statusInUse {
				fs.log.Debugf("tefs: lookup %q collides with %q at hash %#x", name, entName, h)
			}
			continue
		}

		if slotVal == 0 && tombstone < 0 {
			tombstone = i
		}
	}

	switch op {
	case opOpen:
		slot := count
		if tombstone >= 0 {
			slot = tombstone
		}
		if err := fs.writeAt(fs.hashFile, slot*fs.geo.HashSize, encodeHash(fs.geo, h)); err != nil {
			return nil, err
		}
		return &lookupResult{isNew: true, dirOffset: slot * fs.geo.MetadataSize}, nil
	default:
		return nil, newError(KindFileNotFound, "lookup", nil)
	}
}
