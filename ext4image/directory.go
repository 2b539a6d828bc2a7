package ext4image

import (
	"encoding/binary"

	"github.com/ext4rescue/ext4rescue/blockcache"
)

// DirEntryType mirrors the file_type byte of ext4_dir_entry_2.
type DirEntryType uint8

const (
	DirEntryUnknown DirEntryType = 0
	DirEntryFile    DirEntryType = 1
	DirEntryDir     DirEntryType = 2
	DirEntrySymlink DirEntryType = 7
)

// DirEntry is one decoded ext4_dir_entry_2 record.
type DirEntry struct {
	Inode uint32
	Name  string
	Type  DirEntryType
	OK    bool
}

const dirEntryMinLen uint32 = 8 // inode(4) + rec_len(2) + name_len(1) + file_type(1)

// rawDirBlock tags a whole-block blockcache view used while walking
// directory entries.
type rawDirBlock struct{}

// DirIterator walks the directory entries of an inode in on-disk order,
// across all of its good extents (spec.md §4.3 "Directory iterator").
type DirIterator struct {
	img       *Image
	extents   *ExtentReader
	blockSize uint32

	haveBlock   bool
	blockData   []byte
	blockView   *blockcache.View[rawDirBlock]
	blockOffset uint32

	curExtent  Extent
	extentLeft uint16 // remaining blocks in the current extent
	nextPhys   uint64
}

// NewDirIterator constructs a directory-entry iterator for inode, which
// must be a directory inode.
func (img *Image) NewDirIterator(inode *Inode) *DirIterator {
	return &DirIterator{
		img:       img,
		extents:   NewExtentReader(img.cache, inode.IBlock, inode.OK),
		blockSize: img.superblock.BlockSize,
	}
}

// Next returns the next directory entry, or ok=false when iteration is
// exhausted. Damaged blocks are skipped (spec.md §4.3: "Stop for the block
// if rec_len would overrun the block or the entry is not ok; continue with
// the next block.").
func (it *DirIterator) Next() (DirEntry, bool) {
	for {
		if !it.haveBlock {
			if !it.advanceBlock() {
				return DirEntry{}, false
			}
		}
		entry, ok, stop := it.nextInBlock()
		if stop {
			it.releaseBlock()
			it.haveBlock = false
			if !ok {
				continue
			}
		}
		if ok {
			return entry, true
		}
	}
}

// advanceBlock loads the next good block among the inode's extents. It
// skips bad extents and bad individual blocks entirely, as only good
// extents are walked per spec.md §4.3.
func (it *DirIterator) advanceBlock() bool {
	for {
		if it.extentLeft == 0 {
			ext, ok := it.extents.Next()
			if !ok {
				return false
			}
			if !ext.OK {
				continue
			}
			it.curExtent = ext
			it.extentLeft = effectiveCount(ext)
			it.nextPhys = ext.PhysicalBlock
		}
		phys := it.nextPhys
		it.nextPhys++
		it.extentLeft--

		view, err := blockcache.RequestStruct[rawDirBlock](it.img.cache, phys, 0, it.blockSize)
		if err != nil {
			continue
		}
		if !view.OK() {
			view.Release()
			continue
		}
		it.blockView = view
		it.blockData = view.Bytes()
		it.blockOffset = 0
		it.haveBlock = true
		return true
	}
}

// ParseDirBlockEntries decodes every directory entry in a single raw block,
// stopping at the first entry whose rec_len would overrun the block. Used
// by root recovery, which walks raw candidate blocks directly rather than
// through an inode's extents (spec.md §4.5 "Root recovery").
func ParseDirBlockEntries(data []byte, blockSize uint32) []DirEntry {
	var entries []DirEntry
	var offset uint32
	for offset+dirEntryMinLen <= blockSize {
		recLen := binary.LittleEndian.Uint16(data[offset+4 : offset+6])
		if recLen < uint16(dirEntryMinLen) || uint32(recLen)+offset > blockSize {
			break
		}
		inodeNum := binary.LittleEndian.Uint32(data[offset : offset+4])
		nameLen := data[offset+6]
		fileType := DirEntryType(data[offset+7])
		nameEnd := offset + 8 + uint32(nameLen)
		if nameEnd > offset+uint32(recLen) || nameEnd > blockSize {
			break
		}
		if inodeNum != 0 {
			entries = append(entries, DirEntry{
				Inode: inodeNum,
				Name:  string(data[offset+8 : nameEnd]),
				Type:  fileType,
				OK:    true,
			})
		}
		offset += uint32(recLen)
	}
	return entries
}

// IsPlausibleRootBlock reports whether data's first two directory entries
// are an exact "."/".." pair with inode 2, rec_len 12, and file_type dir —
// the shape root recovery looks for when scanning raw blocks for a lost
// root directory (spec.md §4.5).
func IsPlausibleRootBlock(data []byte) bool {
	if len(data) < 24 {
		return false
	}
	if binary.LittleEndian.Uint32(data[0:4]) != 2 ||
		binary.LittleEndian.Uint16(data[4:6]) != 12 ||
		data[6] != 1 ||
		DirEntryType(data[7]) != DirEntryDir ||
		string(data[8:9]) != "." {
		return false
	}
	if binary.LittleEndian.Uint32(data[12:16]) != 2 ||
		binary.LittleEndian.Uint16(data[16:18]) != 12 ||
		data[18] != 2 ||
		DirEntryType(data[19]) != DirEntryDir ||
		string(data[20:22]) != ".." {
		return false
	}
	return true
}

func (it *DirIterator) releaseBlock() {
	if it.blockView != nil {
		it.blockView.Release()
		it.blockView = nil
	}
}

// nextInBlock decodes one entry from the current block. stop==true means
// the block is exhausted or corrupt and the caller should move on; ok==true
// (with stop possibly also true, for the last entry in a block) means a
// usable entry was decoded.
func (it *DirIterator) nextInBlock() (entry DirEntry, ok bool, stop bool) {
	if it.blockOffset+dirEntryMinLen > it.blockSize {
		return DirEntry{}, false, true
	}
	b := it.blockData
	off := it.blockOffset
	recLen := binary.LittleEndian.Uint16(b[off+4 : off+6])
	if recLen < uint16(dirEntryMinLen) || uint32(recLen)+off > it.blockSize {
		return DirEntry{}, false, true
	}
	inodeNum := binary.LittleEndian.Uint32(b[off : off+4])
	nameLen := b[off+6]
	fileType := DirEntryType(b[off+7])
	nameEnd := off + 8 + uint32(nameLen)
	if nameEnd > off+uint32(recLen) || nameEnd > it.blockSize {
		it.blockOffset += recLen
		return DirEntry{}, false, it.blockOffset >= it.blockSize
	}
	name := string(b[off+8 : nameEnd])

	it.blockOffset += recLen
	atEnd := it.blockOffset >= it.blockSize

	if inodeNum == 0 {
		// unused entry: skip silently, per spec.md §4.3.
		return DirEntry{}, false, atEnd
	}
	return DirEntry{Inode: inodeNum, Name: name, Type: fileType, OK: true}, true, atEnd
}
