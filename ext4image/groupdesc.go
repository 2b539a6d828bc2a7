package ext4image

import (
	"encoding/binary"
	"fmt"

	"github.com/ext4rescue/ext4rescue/blockcache"
)

// rawGroupDesc tags the blockcache.View carrying one ext4_group_desc (32 or
// 64 bytes, depending on the 64bit incompat feature).
type rawGroupDesc struct{}

// GroupDescriptor holds the subset of ext4_group_desc fields needed to
// locate the inode table for a group.
type GroupDescriptor struct {
	OK            bool
	InodeTableLo  uint32
	InodeTableHi  uint32 // only present in the 64-byte descriptor
}

// InodeTableBlock returns the first block of this group's inode table.
func (g *GroupDescriptor) InodeTableBlock() uint64 {
	return uint64(g.InodeTableHi)<<32 | uint64(g.InodeTableLo)
}

func parseGroupDescriptor(b []byte, ok bool, descSize uint32) (*GroupDescriptor, error) {
	if len(b) < 32 {
		return nil, fmt.Errorf("ext4image: group descriptor buffer too short: %d bytes", len(b))
	}
	gd := &GroupDescriptor{
		OK:           ok,
		InodeTableLo: binary.LittleEndian.Uint32(b[0x08:0x0c]),
	}
	if descSize >= 64 && len(b) >= 0x2c {
		gd.InodeTableHi = binary.LittleEndian.Uint32(b[0x28:0x2c])
	}
	return gd, nil
}

// groupDescriptorLocation returns the block and in-block byte offset of
// group g's descriptor, per spec.md §4.3.
func groupDescriptorLocation(sb *Superblock, g uint32) (block uint64, offset uint32) {
	descSize := sb.groupDescriptorSize()
	descsPerBlock := sb.BlockSize / descSize
	if descsPerBlock == 0 {
		descsPerBlock = 1
	}
	base := superblockBlockNumber(sb.BlockSize) + 1
	block = base + uint64(g)/uint64(descsPerBlock)
	offset = (g % descsPerBlock) * descSize
	return block, offset
}

// readGroupDescriptor reads and parses group g's descriptor. A failure to
// reach the containing block yields a not-ok sentinel rather than an error,
// per spec.md §4.3 ("If the group descriptor is unreadable, return a
// sentinel 'unreadable' inode view").
func readGroupDescriptor(cache *blockcache.Cache, sb *Superblock, g uint32) *GroupDescriptor {
	block, offset := groupDescriptorLocation(sb, g)
	descSize := sb.groupDescriptorSize()
	view, err := blockcache.RequestStruct[rawGroupDesc](cache, block, offset, descSize)
	if err != nil {
		return &GroupDescriptor{OK: false}
	}
	defer view.Release()
	gd, err := parseGroupDescriptor(view.Bytes(), view.OK(), descSize)
	if err != nil {
		return &GroupDescriptor{OK: false}
	}
	return gd
}
