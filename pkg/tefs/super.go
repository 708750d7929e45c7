package tefs

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/blockvault/tefs/pkg/vio"
)

// Magic is the 4-byte flag stamped at the start of the info page.
var Magic = [4]byte{0xFC, 0xFC, 0xFC, 0xFC}

const (
	hashFileIndex     = 0
	metadataFileIndex = 1

	// directoryEntrySentinel marks a file handle whose directory entry
	// lives in the superblock rather than the metadata-entries file.
	directoryEntrySentinel = 0xFFFFFFFF
)

// embeddedEntry is the 10-byte {eof_page, eof_byte, root_index_block} triple
// stored directly in the superblock for each of the two system files.
type embeddedEntry struct {
	EOFPage        uint32
	EOFByte        uint16
	RootIndexBlock uint32
}

const embeddedEntrySize = 4 + 2 + 4

func (e *embeddedEntry) marshal(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, e.EOFPage); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, e.EOFByte); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, e.RootIndexBlock)
}

func (e *embeddedEntry) unmarshal(r io.Reader) error {
	if err := binary.Read(r, binary.LittleEndian, &e.EOFPage); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.EOFByte); err != nil {
		return err
	}
	return binary.Read(r, binary.LittleEndian, &e.RootIndexBlock)
}

// superblock is the packed, on-disk layout of the info page (spec §3.2).
type superblock struct {
	Magic              [4]byte
	NumPages           uint32
	PageSizeExp        uint8
	BlockSizeExp       uint8
	AddressSizeExp     uint8
	HashSize           uint8
	MetadataSize       uint16
	MaxFileNameSize    uint16
	StateSectionSize   uint32
	HashFileEntry      embeddedEntry
	MetadataFileEntry  embeddedEntry
}

func (sb *superblock) marshal() []byte {
	buf := new(bytes.Buffer)
	buf.Write(sb.Magic[:])
	binary.Write(buf, binary.LittleEndian, sb.NumPages)
	binary.Write(buf, binary.LittleEndian, sb.PageSizeExp)
	binary.Write(buf, binary.LittleEndian, sb.BlockSizeExp)
	binary.Write(buf, binary.LittleEndian, sb.AddressSizeExp)
	binary.Write(buf, binary.LittleEndian, sb.HashSize)
	binary.Write(buf, binary.LittleEndian, sb.MetadataSize)
	binary.Write(buf, binary.LittleEndian, sb.MaxFileNameSize)
	binary.Write(buf, binary.LittleEndian, sb.StateSectionSize)
	sb.HashFileEntry.marshal(buf)
	sb.MetadataFileEntry.marshal(buf)
	return buf.Bytes()
}

func unmarshalSuperblock(data []byte) (*superblock, error) {
	r := bytes.NewReader(data)
	sb := new(superblock)
	if _, err := io.ReadFull(r, sb.Magic[:]); err != nil {
		return nil, err
	}
	for _, f := range []interface{}{
		&sb.NumPages, &sb.PageSizeExp, &sb.BlockSizeExp, &sb.AddressSizeExp,
		&sb.HashSize, &sb.MetadataSize, &sb.MaxFileNameSize, &sb.StateSectionSize,
	} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	if err := sb.HashFileEntry.unmarshal(r); err != nil {
		return nil, err
	}
	if err := sb.MetadataFileEntry.unmarshal(r); err != nil {
		return nil, err
	}
	return sb, nil
}

// Geometry holds the derived, power-of-two-friendly constants every other
// component computes addresses from. It is read-only after mount, exactly
// as spec §5 requires.
type Geometry struct {
	NumPages         int64
	PageSize         int64
	BlockSize        int64 // pages per block
	AddressSize      int64 // bytes per address, 2 or 4
	HashSize         int64 // bytes per hash slot, 2 or 4
	MetadataSize     int64
	MaxFileNameSize  int64
	StateSectionSize int64 // pages

	pageExp  uint
	blockExp uint
	addrExp  uint
}

func log2(n int64) uint {
	var e uint
	for n > 1 {
		n >>= 1
		e++
	}
	return e
}

func isPowerOfTwo(n int64) bool {
	return n > 0 && n&(n-1) == 0
}

func newGeometry(sb *superblock) *Geometry {
	g := &Geometry{
		NumPages:         int64(sb.NumPages),
		PageSize:         int64(1) << sb.PageSizeExp,
		BlockSize:        int64(1) << sb.BlockSizeExp,
		HashSize:         int64(sb.HashSize),
		MetadataSize:     int64(sb.MetadataSize),
		MaxFileNameSize:  int64(sb.MaxFileNameSize),
		StateSectionSize: int64(sb.StateSectionSize),
	}
	if sb.AddressSizeExp == 1 {
		g.AddressSize = 2
	} else {
		g.AddressSize = 4
	}
	g.pageExp = log2(g.PageSize)
	g.blockExp = sb.BlockSizeExp
	g.addrExp = log2(g.AddressSize)
	return g
}

// AddressesPerBlock is the number of addresses an index block (root or
// child) can hold.
func (g *Geometry) AddressesPerBlock() int64 {
	return g.PageSize * g.BlockSize / g.AddressSize
}

// AddressesPerPage is the number of addresses packed into a single page of
// an index block.
func (g *Geometry) AddressesPerPage() int64 {
	return g.PageSize / g.AddressSize
}

// FirstDataBlockAddr is the device page address of block index 0: right
// after the info page and the state section.
func (g *Geometry) FirstDataBlockAddr() int64 {
	return 1 + g.StateSectionSize
}

// BlockAddress converts a 0-based allocator block index into its device
// page address.
func (g *Geometry) BlockAddress(index int64) int64 {
	return g.FirstDataBlockAddr() + index*g.BlockSize
}

// PromotionThresholdPages is the file length, in pages, at which the tree
// promotes from a single (degenerate) root/child block to a root block of
// child-block addresses.
func (g *Geometry) PromotionThresholdPages() int64 {
	return g.BlockSize * g.AddressesPerBlock()
}

func writeAddress(dev BlockDevice, geo *Geometry, page, offset int64, value int64) error {
	buf := make([]byte, geo.AddressSize)
	if geo.AddressSize == 2 {
		binary.LittleEndian.PutUint16(buf, uint16(value))
	} else {
		binary.LittleEndian.PutUint32(buf, uint32(value))
	}
	return dev.WritePage(page, buf, int(geo.AddressSize), int(offset))
}

func readAddress(dev BlockDevice, geo *Geometry, page, offset int64) (int64, error) {
	buf := make([]byte, geo.AddressSize)
	if err := dev.ReadPage(page, buf, int(geo.AddressSize), int(offset)); err != nil {
		return 0, err
	}
	if geo.AddressSize == 2 {
		return int64(binary.LittleEndian.Uint16(buf)), nil
	}
	return int64(binary.LittleEndian.Uint32(buf)), nil
}

func zeroPages(dev BlockDevice, first, count int64) error {
	pageSize := dev.PageSize()
	for i := int64(0); i < count; i++ {
		if _, err := io.CopyN(pageWriter{dev: dev, page: first + i}, vio.Zeroes, int64(pageSize)); err != nil {
			return err
		}
	}
	return nil
}

// pageWriter adapts a single device page to io.Writer so vio.Zeroes can be
// streamed into it with io.CopyN, mirroring the teacher's growToBlock idiom.
type pageWriter struct {
	dev    BlockDevice
	page   int64
	offset int
}

func (w pageWriter) Write(p []byte) (int, error) {
	if err := w.dev.WritePage(w.page, p, len(p), w.offset); err != nil {
		return 0, err
	}
	w.offset += len(p)
	return len(p), nil
}
