package ext4image

import (
	"encoding/binary"
	"fmt"

	"github.com/ext4rescue/ext4rescue/blockcache"
)

// FileType enumerates the on-disk inode types this tool models. All others
// (fifo, char/block device, socket) are ignored per spec.md Non-goals.
type FileType int

const (
	TypeUnknown FileType = iota
	TypeDirectory
	TypeRegularFile
	TypeSymlink
)

const (
	modeTypeMask   uint16 = 0xF000
	modeTypeDir    uint16 = 0x4000
	modeTypeReg    uint16 = 0x8000
	modeTypeSymlnk uint16 = 0xA000

	inodeFlagHugeFile  uint32 = 0x00040000
	inodeFlagExtents   uint32 = 0x00080000
	fastSymlinkMaxSize uint64 = 60
)

func fileTypeFromMode(mode uint16) FileType {
	switch mode & modeTypeMask {
	case modeTypeDir:
		return TypeDirectory
	case modeTypeReg:
		return TypeRegularFile
	case modeTypeSymlnk:
		return TypeSymlink
	default:
		return TypeUnknown
	}
}

// rawInode tags the blockcache.View carrying one on-disk inode record
// (ext3_inode, optionally followed by the ext4_inode extra-isize tail;
// spec.md §6).
type rawInode struct{}

// Inode holds the subset of inode fields the scanner needs.
type Inode struct {
	Number   uint32
	OK       bool
	Type     FileType
	LinkCount uint16
	Size      uint64
	DeletionTime uint32
	AccessTime   uint32
	ChangeTime   uint32
	ModifyTime   uint32
	CreateTime   uint32 // i_crtime; zero when the inode has no extra-isize tail
	Blocks512   uint64 // normalized to 512-byte sectors, per spec.md §4.3
	IBlock      []byte // the 60-byte extent/fast-symlink area, copied out
	IsFastSymlink bool
	FastSymlinkTarget string
}

// parseInode decodes a raw on-disk inode. ok reflects whether the backing
// view was fully readable; a bad inode still gets best-effort fields
// (scanning code must check OK before trusting anything beyond that).
func parseInode(b []byte, ok bool, number uint32, sb *Superblock) (*Inode, error) {
	if len(b) < 128 {
		return nil, fmt.Errorf("ext4image: inode buffer too short: %d bytes", len(b))
	}
	mode := binary.LittleEndian.Uint16(b[0x0:0x2])
	sizeLo := binary.LittleEndian.Uint32(b[0x4:0x8])
	linkCount := binary.LittleEndian.Uint16(b[0x1a:0x1c])
	blocksLo := binary.LittleEndian.Uint32(b[0x1c:0x20])
	flags := binary.LittleEndian.Uint32(b[0x20:0x24])
	atime := binary.LittleEndian.Uint32(b[0x8:0xc])
	ctime := binary.LittleEndian.Uint32(b[0xc:0x10])
	mtime := binary.LittleEndian.Uint32(b[0x10:0x14])
	dtime := binary.LittleEndian.Uint32(b[0x14:0x18])
	var sizeHigh uint32
	var blocksHigh uint16
	var crtime uint32
	if len(b) >= 0x70 {
		sizeHigh = binary.LittleEndian.Uint32(b[0x6c:0x70])
	}
	if len(b) >= 0x76 {
		blocksHigh = binary.LittleEndian.Uint16(b[0x74:0x76])
	}
	if len(b) >= 0x94 {
		crtime = binary.LittleEndian.Uint32(b[0x90:0x94])
	}

	ft := fileTypeFromMode(mode)

	var size uint64
	if ft == TypeRegularFile {
		size = uint64(sizeHigh)<<32 | uint64(sizeLo)
	} else {
		size = uint64(sizeLo)
	}

	blocks := blockCountSectors(sb, flags, blocksLo, blocksHigh)

	iBlock := make([]byte, 60)
	copy(iBlock, b[0x28:0x64])

	i := &Inode{
		Number:       number,
		OK:           ok,
		Type:         ft,
		LinkCount:    linkCount,
		Size:         size,
		DeletionTime: dtime,
		AccessTime:   atime,
		ChangeTime:   ctime,
		ModifyTime:   mtime,
		CreateTime:   crtime,
		Blocks512:    blocks,
		IBlock:       iBlock,
	}

	// fast symlink: no data blocks beyond any xattr block, target lives
	// directly in i_block, truncated to size (spec.md §4.3).
	if ft == TypeSymlink {
		dataBlocks := blocks
		// blocks are counted in 512-byte sectors; an xattr block (nonzero
		// i_file_acl) takes one filesystem block's worth of them.
		fileACL := uint64(binary.LittleEndian.Uint32(b[0x68:0x6c])) | uint64(binary.LittleEndian.Uint16(b[0x76:0x78]))<<32
		if xattrSectors := uint64(sb.BlockSize / 512); fileACL != 0 && dataBlocks >= xattrSectors {
			dataBlocks -= xattrSectors
		}
		if dataBlocks == 0 && size < fastSymlinkMaxSize {
			i.IsFastSymlink = true
			i.FastSymlinkTarget = string(iBlock[:size])
		}
	}

	return i, nil
}

// blockCountSectors implements spec.md §4.3's "Block count rules".
func blockCountSectors(sb *Superblock, flags, blocksLo uint32, blocksHigh uint16) uint64 {
	if !sb.HasHugeFile() {
		return uint64(blocksLo)
	}
	if flags&inodeFlagHugeFile == 0 {
		return uint64(blocksHigh)<<32 | uint64(blocksLo)
	}
	raw := uint64(blocksHigh)<<32 | uint64(blocksLo)
	return raw << (1 + sb.LogBlockSize)
}

// inodeLocation implements spec.md §4.3's inode addressing.
func inodeLocation(sb *Superblock, n uint32) (group uint32, block uint64, offset uint32) {
	if sb.InodesPerGroup == 0 {
		return 0, 0, 0
	}
	group = (n - 1) / sb.InodesPerGroup
	indexInGroup := (n - 1) % sb.InodesPerGroup
	inodesPerBlock := sb.BlockSize / uint32(sb.InodeSize)
	block = uint64(indexInGroup) / uint64(inodesPerBlock)
	offset = (indexInGroup % inodesPerBlock) * uint32(sb.InodeSize)
	return group, block, offset
}

// ReadInode reads inode n, locating its group descriptor and inode table.
// An out-of-range or unreachable location yields a sentinel "unreadable"
// inode rather than an error (spec.md §4.3, §7 InvalidInode).
func readInode(cache *blockcache.Cache, sb *Superblock, groups func(uint32) *GroupDescriptor, n uint32) *Inode {
	if n == 0 || n > sb.InodesCount {
		return &Inode{Number: n, OK: false}
	}
	group, relBlock, offset := inodeLocation(sb, n)
	gd := groups(group)
	if gd == nil || !gd.OK {
		return &Inode{Number: n, OK: false}
	}
	block := gd.InodeTableBlock() + relBlock
	view, err := blockcache.RequestStruct[rawInode](cache, block, offset, uint32(sb.InodeSize))
	if err != nil {
		return &Inode{Number: n, OK: false}
	}
	defer view.Release()
	i, perr := parseInode(view.Bytes(), view.OK(), n, sb)
	if perr != nil {
		return &Inode{Number: n, OK: false}
	}
	return i
}
