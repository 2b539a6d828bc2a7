package ext4image

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/ext4rescue/ext4rescue/blockcache"
)

const (
	superblockMagic        uint16 = 0xEF53
	superblockOffset       int64  = 1024
	superblockOnDiskSize   uint32 = 1024
	defaultProvisionalSize uint32 = 4096
)

// feature bits we actually consult. Anything ext4 defines beyond this is
// irrelevant to a read-only rescue scan.
const (
	incompatFeature64Bit    uint32 = 0x0080
	incompatFeatureExtents  uint32 = 0x0040
	incompatFeatureFiletype uint32 = 0x0002
	roCompatFeatureHugeFile uint32 = 0x0008
)

// rawSuperblock tags the blockcache.View carrying the 1024-byte on-disk
// ext4_super_block.
type rawSuperblock struct{}

// Superblock holds the subset of ext4_super_block fields the scanner and
// inode/group-descriptor locators need. Non-goal: no checksum verification
// beyond the magic number (spec.md Non-goals: "no consistency checking
// beyond what is needed to discover surviving data").
type Superblock struct {
	OK bool

	InodesCount      uint32
	BlocksCountLo    uint32
	FirstDataBlock   uint32
	LogBlockSize     uint32
	BlocksPerGroup   uint32
	InodesPerGroup   uint32
	InodeSize        uint16
	FeatureCompat    uint32
	FeatureIncompat  uint32
	FeatureRoCompat  uint32
	DescSize         uint16
	UUID             uuid.UUID

	BlockSize uint32 // derived: 1024 << LogBlockSize
}

// Is64Bit reports whether group descriptors are the 64-byte variant.
func (sb *Superblock) Is64Bit() bool {
	return sb.FeatureIncompat&incompatFeature64Bit != 0
}

// UsesExtents reports whether the filesystem mandates extent-mapped files
// (true for every ext4 filesystem in practice; ext2/3 images without this
// bit are out of spec.md's scope since only extents are modeled).
func (sb *Superblock) UsesExtents() bool {
	return sb.FeatureIncompat&incompatFeatureExtents != 0
}

// HasHugeFile reports the ro_compat huge_file flag controlling i_blocks
// decoding (spec.md §4.3 "Block count rules").
func (sb *Superblock) HasHugeFile() bool {
	return sb.FeatureRoCompat&roCompatFeatureHugeFile != 0
}

// groupDescriptorSize returns the on-disk size of one group descriptor.
func (sb *Superblock) groupDescriptorSize() uint32 {
	if sb.Is64Bit() && sb.DescSize > 0 {
		return uint32(sb.DescSize)
	}
	return 32
}

// BlockGroupCount returns the block group count implied by the
// superblock's block count and blocks-per-group.
func (sb *Superblock) BlockGroupCount() uint32 {
	if sb.BlocksPerGroup == 0 {
		return 0
	}
	n := sb.BlocksCountLo - sb.FirstDataBlock + sb.BlocksPerGroup - 1
	return n / sb.BlocksPerGroup
}

// parseSuperblock decodes the 1024-byte ext4_super_block starting at b[0].
// Field offsets are exactly those documented for ext4_super_block in the
// Linux kernel source (spec.md §6).
func parseSuperblock(b []byte, ok bool) (*Superblock, error) {
	if len(b) < int(superblockOnDiskSize) {
		return nil, fmt.Errorf("ext4image: superblock buffer too short: %d bytes", len(b))
	}
	magic := binary.LittleEndian.Uint16(b[0x38:0x3a])
	sb := &Superblock{
		OK:              ok && magic == superblockMagic,
		InodesCount:     binary.LittleEndian.Uint32(b[0x0:0x4]),
		BlocksCountLo:   binary.LittleEndian.Uint32(b[0x4:0x8]),
		FirstDataBlock:  binary.LittleEndian.Uint32(b[0x14:0x18]),
		LogBlockSize:    binary.LittleEndian.Uint32(b[0x18:0x1c]),
		BlocksPerGroup:  binary.LittleEndian.Uint32(b[0x20:0x24]),
		InodesPerGroup:  binary.LittleEndian.Uint32(b[0x28:0x2c]),
		InodeSize:       binary.LittleEndian.Uint16(b[0x58:0x5a]),
		FeatureCompat:   binary.LittleEndian.Uint32(b[0x5c:0x60]),
		FeatureIncompat: binary.LittleEndian.Uint32(b[0x60:0x64]),
		FeatureRoCompat: binary.LittleEndian.Uint32(b[0x64:0x68]),
		DescSize:        binary.LittleEndian.Uint16(b[0xfe:0x100]),
	}
	if u, err := uuid.FromBytes(b[0x68:0x78]); err == nil {
		sb.UUID = u
	}
	if sb.InodeSize == 0 {
		sb.InodeSize = 128
	}
	sb.BlockSize = 1024 << sb.LogBlockSize
	if !sb.OK {
		return sb, fmt.Errorf("ext4image: bad superblock (magic %#x)", magic)
	}
	return sb, nil
}

// readSuperblock reads and parses the superblock through cache, which is
// expected to have been opened with the provisional 4096 block size.
func readSuperblock(cache *blockcache.Cache) (*Superblock, error) {
	view, err := blockcache.RequestStruct[rawSuperblock](cache, 0, uint32(superblockOffset), superblockOnDiskSize)
	if err != nil {
		return nil, fmt.Errorf("ext4image: reading superblock: %w", err)
	}
	defer view.Release()
	return parseSuperblock(view.Bytes(), view.OK())
}

// superblockBlockNumber is the block index the superblock itself occupies:
// block 1 when block size is exactly 1024 (boot sector fills block 0),
// block 0 otherwise (superblock shares block 0 with the boot sector area).
func superblockBlockNumber(blockSize uint32) uint64 {
	if blockSize == 1024 {
		return 1
	}
	return 0
}
