package ext4image

import (
	"encoding/binary"

	"github.com/ext4rescue/ext4rescue/blockcache"
)

const (
	extentHeaderMagic      uint16 = 0xF30A
	extentHeaderSize       uint32 = 12
	extentEntrySize        uint32 = 12
	extentUninitializedBit uint16 = 0x8000
	rootExtentAreaSize     uint32 = 60 // i_block
)

// Extent is one contiguous logical->physical block mapping, or a
// placeholder for a range the reader could not recover (OK==false).
type Extent struct {
	PhysicalBlock uint64
	LogicalBlock  uint32
	Count         uint16
	OK            bool
}

// rawExtentHeader/rawExtentEntry tag blockcache views of the fixed-size
// pieces of an extent tree node.
type rawExtentHeader struct{}
type rawExtentEntry struct{}

type extentHeader struct {
	entries uint16
	max     uint16
	depth   uint16
}

func parseExtentHeader(b []byte) (extentHeader, bool) {
	if len(b) < int(extentHeaderSize) {
		return extentHeader{}, false
	}
	magic := binary.LittleEndian.Uint16(b[0:2])
	if magic != extentHeaderMagic {
		return extentHeader{}, false
	}
	return extentHeader{
		entries: binary.LittleEndian.Uint16(b[2:4]),
		max:     binary.LittleEndian.Uint16(b[4:6]),
		depth:   binary.LittleEndian.Uint16(b[6:8]),
	}, true
}

// clampEntries bounds a header's claimed entry count to what actually fits
// in the available node area, so a corrupt (too-large) entries field cannot
// make the reader walk off the end of the node.
func clampEntries(entries uint16, areaSize uint32) uint16 {
	maxFit := (areaSize - extentHeaderSize) / extentEntrySize
	if uint32(entries) > maxFit {
		return uint16(maxFit)
	}
	return entries
}

// extentFrame is one level of the traversal stack.
type extentFrame struct {
	isRoot   bool
	rootArea []byte // only set when isRoot: the 48-byte entry area inside i_block
	block    uint64 // containing block number, meaningful when !isRoot
	depth    uint16
	entries  uint16
	next     uint16
}

// ExtentReader lazily yields the logical->physical block mapping for one
// inode, surviving corruption at any tree node by synthesizing a bad Extent
// and skipping the affected subtree (spec.md §4.4).
type ExtentReader struct {
	cache         *blockcache.Cache
	stack         []extentFrame
	boundary      uint32 // last-known logical-block boundary, for bad yields
	treeBlockNums []uint64

	rootInvalid  bool // root header was unreadable or had a bad magic
	reportedRoot bool // the single synthetic bad-root extent was already yielded
}

// NewExtentReader constructs a reader over the extent tree rooted in an
// inode's 60-byte i_block area. rootOK reflects whether the inode (and thus
// i_block) was itself readable.
func NewExtentReader(cache *blockcache.Cache, iBlock []byte, rootOK bool) *ExtentReader {
	r := &ExtentReader{cache: cache}
	if !rootOK || len(iBlock) < int(rootExtentAreaSize) {
		r.rootInvalid = true
		return r
	}
	hdr, ok := parseExtentHeader(iBlock[:extentHeaderSize])
	if !ok {
		r.rootInvalid = true
		return r
	}
	hdr.entries = clampEntries(hdr.entries, rootExtentAreaSize)
	r.stack = append(r.stack, extentFrame{
		isRoot:   true,
		rootArea: iBlock[extentHeaderSize:rootExtentAreaSize],
		depth:    hdr.depth,
		entries:  hdr.entries,
	})
	return r
}

// TreeBlockNums returns the block numbers of every tree node visited so
// far, for later accounting.
func (r *ExtentReader) TreeBlockNums() []uint64 {
	cp := make([]uint64, len(r.treeBlockNums))
	copy(cp, r.treeBlockNums)
	return cp
}

// RootOK reports whether the inode's i_block extent-tree root was itself
// readable and well-formed. A scanner uses this to decide block_map_ok
// independently of any later bad extent deeper in the tree.
func (r *ExtentReader) RootOK() bool { return !r.rootInvalid }

// EffectiveCount returns e's actual block count, with the uninitialized
// marker bit (0x8000) subtracted when present.
func EffectiveCount(e Extent) uint16 { return effectiveCount(e) }

// Next returns the next Extent in logical-block order, or ok=false when the
// range is exhausted. A corrupt root yields exactly one bad Extent before
// exhausting.
func (r *ExtentReader) Next() (Extent, bool) {
	if r.rootInvalid {
		if r.reportedRoot {
			return Extent{}, false
		}
		r.reportedRoot = true
		return Extent{LogicalBlock: 0, OK: false}, true
	}
	for len(r.stack) > 0 {
		top := &r.stack[len(r.stack)-1]
		if top.next >= top.entries {
			r.stack = r.stack[:len(r.stack)-1]
			continue
		}
		idx := top.next
		top.next++

		raw, readOK := r.readEntry(top, idx)
		if !readOK {
			return Extent{LogicalBlock: r.boundary, OK: false}, true
		}

		if top.depth == 0 {
			ext := parseLeafEntry(raw)
			r.boundary = ext.LogicalBlock + uint32(effectiveCount(ext))
			return ext, true
		}

		_, childBlock := parseIndexEntry(raw)
		hdr, hdrOK := r.readNodeHeader(childBlock)
		if !hdrOK {
			return Extent{LogicalBlock: r.boundary, OK: false}, true
		}
		r.treeBlockNums = append(r.treeBlockNums, childBlock)
		r.stack = append(r.stack, extentFrame{
			block:   childBlock,
			depth:   hdr.depth,
			entries: hdr.entries,
		})
	}
	return Extent{}, false
}

func (r *ExtentReader) readEntry(f *extentFrame, idx uint16) ([]byte, bool) {
	if f.isRoot {
		off := int(idx) * int(extentEntrySize)
		if off+int(extentEntrySize) > len(f.rootArea) {
			return nil, false
		}
		return f.rootArea[off : off+int(extentEntrySize)], true
	}
	offset := extentHeaderSize + uint32(idx)*extentEntrySize
	view, err := blockcache.RequestStruct[rawExtentEntry](r.cache, f.block, offset, extentEntrySize)
	if err != nil {
		return nil, false
	}
	defer view.Release()
	if !view.OK() {
		return nil, false
	}
	cp := make([]byte, extentEntrySize)
	copy(cp, view.Bytes())
	return cp, true
}

func (r *ExtentReader) readNodeHeader(block uint64) (extentHeader, bool) {
	view, err := blockcache.RequestStruct[rawExtentHeader](r.cache, block, 0, extentHeaderSize)
	if err != nil {
		return extentHeader{}, false
	}
	defer view.Release()
	if !view.OK() {
		return extentHeader{}, false
	}
	hdr, ok := parseExtentHeader(view.Bytes())
	if !ok {
		return extentHeader{}, false
	}
	hdr.entries = clampEntries(hdr.entries, r.cache.BlockSize())
	return hdr, true
}

// parseLeafEntry decodes a 12-byte ext4_extent.
func parseLeafEntry(b []byte) Extent {
	logicalBlock := binary.LittleEndian.Uint32(b[0:4])
	rawCount := binary.LittleEndian.Uint16(b[4:6])
	startHi := binary.LittleEndian.Uint16(b[6:8])
	startLo := binary.LittleEndian.Uint32(b[8:12])
	physical := uint64(startHi)<<32 | uint64(startLo)
	return Extent{
		PhysicalBlock: physical,
		LogicalBlock:  logicalBlock,
		Count:         rawCount,
		OK:            true,
	}
}

// effectiveCount returns the block count to advance the logical cursor by,
// subtracting the uninitialized-extent marker bit when present (spec.md
// §4.4, Open Questions: the full declared count, uninitialized bit aside,
// still counts toward reachable/mapped byte accounting — see DESIGN.md).
func effectiveCount(e Extent) uint16 {
	if e.Count > extentUninitializedBit {
		return e.Count - extentUninitializedBit
	}
	return e.Count
}

// parseIndexEntry decodes a 12-byte ext4_extent_idx.
func parseIndexEntry(b []byte) (logicalBlock uint32, leafBlock uint64) {
	logicalBlock = binary.LittleEndian.Uint32(b[0:4])
	leafLo := binary.LittleEndian.Uint32(b[4:8])
	leafHi := binary.LittleEndian.Uint16(b[8:10])
	leafBlock = uint64(leafHi)<<32 | uint64(leafLo)
	return logicalBlock, leafBlock
}
