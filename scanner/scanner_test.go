package scanner

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/ext4rescue/ext4rescue/damagemap"
	"github.com/ext4rescue/ext4rescue/ext4image"
)

const (
	testBlockSize    = 1024
	testInodesPerGrp = 16
	testInodeSize    = 128
	testBlocksPerGrp = 32
	testTotalBlocks  = 20
)

// fixtureImage builds a minimal, hand-laid-out ext4 image:
//
//	block 0: boot sector (unused)
//	block 1: superblock
//	block 2: group descriptor table (one 32-byte descriptor)
//	block 5,6: inode table (inodes 1..16, 8 per block)
//	block 7: root directory data ("." ".." "sub" "file.txt" "link")
//	block 8: "file.txt" data ("hello")
//	block 9: "sub" directory data ("." "..")
//
// Inode 2 is the root dir, inode 11 a regular file, 12 a subdirectory, 13 a
// fast symlink.
type fixtureImage struct {
	buf []byte
}

func newFixtureImage() *fixtureImage {
	return &fixtureImage{buf: make([]byte, testTotalBlocks*testBlockSize)}
}

func (f *fixtureImage) block(n int) []byte {
	return f.buf[n*testBlockSize : (n+1)*testBlockSize]
}

func putU16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:off+2], v) }
func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:off+4], v) }

func (f *fixtureImage) writeSuperblock() {
	sb := f.block(1)
	putU32(sb, 0x0, testInodesPerGrp) // s_inodes_count (single group)
	putU32(sb, 0x4, testTotalBlocks)  // s_blocks_count_lo
	putU32(sb, 0x14, 1)               // s_first_data_block
	putU32(sb, 0x18, 0)                // s_log_block_size -> 1024 << 0
	putU32(sb, 0x20, testBlocksPerGrp) // s_blocks_per_group
	putU32(sb, 0x28, testInodesPerGrp) // s_inodes_per_group
	putU16(sb, 0x38, 0xEF53)           // s_magic
	putU16(sb, 0x58, testInodeSize)    // s_inode_size
	putU16(sb, 0xfe, 32)               // s_desc_size (unused unless 64bit set)
}

func (f *fixtureImage) writeGroupDesc() {
	gd := f.block(2)
	putU32(gd, 0x08, 5) // bg_inode_table_lo
}

func (f *fixtureImage) inodeBytes(n uint32) []byte {
	idx := n - 1
	block := 5 + int(idx)/8
	offset := int(idx%8) * testInodeSize
	blk := f.block(block)
	return blk[offset : offset+testInodeSize]
}

func writeLeafExtent(area []byte, physicalBlock uint64, count uint16) {
	putU16(area, 0, 0xF30A) // magic
	putU16(area, 2, 1)      // entries
	putU16(area, 4, 4)      // max
	putU16(area, 6, 0)      // depth
	entry := area[12:24]
	putU32(entry, 0, 0) // ee_block (logical 0)
	putU16(entry, 4, count)
	putU16(entry, 6, uint16(physicalBlock>>32))
	putU32(entry, 8, uint32(physicalBlock))
}

func (f *fixtureImage) writeDirInode(n uint32, mode uint16, size uint32, linkCount uint16, dataBlock uint64) {
	b := f.inodeBytes(n)
	putU16(b, 0x0, mode)
	putU32(b, 0x4, size)
	putU16(b, 0x1a, linkCount)
	putU32(b, 0x1c, uint32(testBlockSize/512))
	writeLeafExtent(b[0x28:0x64], dataBlock, 1)
}

func (f *fixtureImage) writeRegularFileInode(n uint32, size uint32, linkCount uint16, dataBlock uint64) {
	b := f.inodeBytes(n)
	putU16(b, 0x0, 0x8000)
	putU32(b, 0x4, size)
	putU16(b, 0x1a, linkCount)
	putU32(b, 0x1c, uint32(testBlockSize/512))
	writeLeafExtent(b[0x28:0x64], dataBlock, 1)
}

func (f *fixtureImage) writeFastSymlinkInode(n uint32, target string, linkCount uint16) {
	b := f.inodeBytes(n)
	putU16(b, 0x0, 0xA000)
	putU32(b, 0x4, uint32(len(target)))
	putU16(b, 0x1a, linkCount)
	putU32(b, 0x1c, 0) // zero data blocks: fast symlink
	copy(b[0x28:0x64], target)
}

func writeDirEntry(block []byte, offset int, inode uint32, entryType ext4image.DirEntryType, name string, recLen uint16) int {
	putU32(block, offset, inode)
	putU16(block, offset+4, recLen)
	block[offset+6] = byte(len(name))
	block[offset+7] = byte(entryType)
	copy(block[offset+8:], name)
	return offset + int(recLen)
}

func (f *fixtureImage) writeRootDirBlock() {
	blk := f.block(7)
	off := 0
	off = writeDirEntry(blk, off, 2, ext4image.DirEntryDir, ".", 12)
	off = writeDirEntry(blk, off, 2, ext4image.DirEntryDir, "..", 12)
	off = writeDirEntry(blk, off, 12, ext4image.DirEntryDir, "sub", 12)
	off = writeDirEntry(blk, off, 11, ext4image.DirEntryFile, "file.txt", 16)
	writeDirEntry(blk, off, 13, ext4image.DirEntrySymlink, "link", uint16(testBlockSize-off))
}

func (f *fixtureImage) writeSubDirBlock() {
	blk := f.block(9)
	off := 0
	off = writeDirEntry(blk, off, 12, ext4image.DirEntryDir, ".", 12)
	writeDirEntry(blk, off, 2, ext4image.DirEntryDir, "..", uint16(testBlockSize-off))
}

func (f *fixtureImage) writeFileData() {
	copy(f.block(8), []byte("hello"))
}

// build assembles a self-consistent all-good fixture: root(2), file(11),
// sub(12), symlink(13).
func build() *fixtureImage {
	f := newFixtureImage()
	f.writeSuperblock()
	f.writeGroupDesc()
	f.writeDirInode(2, 0x4000, testBlockSize, 3, 7)
	f.writeRegularFileInode(11, 5, 1, 8)
	f.writeDirInode(12, 0x4000, testBlockSize, 2, 9)
	f.writeFastSymlinkInode(13, "target", 1)
	f.writeRootDirBlock()
	f.writeSubDirBlock()
	f.writeFileData()
	return f
}

func openFixture(t *testing.T, buf []byte, dmg *damagemap.Map) *ext4image.Image {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "image.img")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("writing fixture image: %v", err)
	}
	if dmg == nil {
		dmg = damagemap.AllGood(uint64(len(buf)))
	}
	img, err := ext4image.Open(path, dmg)
	if err != nil {
		t.Fatalf("ext4image.Open: %v", err)
	}
	t.Cleanup(func() { img.Close() })
	return img
}

func TestScanAllGoodImage(t *testing.T) {
	f := build()
	img := openFixture(t, f.buf, nil)

	result := Scan(img, nil, nil)

	if result.UnreadableInodes != 0 {
		t.Errorf("unreadable inodes = %d, want 0", result.UnreadableInodes)
	}
	if !result.Completed {
		t.Fatalf("scan did not complete")
	}

	roots := result.Tree.Roots()
	if len(roots) != 1 || roots[0].Inode() != 2 {
		t.Fatalf("unexpected roots: %+v", roots)
	}

	for _, n := range []uint32{2, 11, 12, 13} {
		node, ok := result.Tree.Nodes[n]
		if !ok {
			t.Fatalf("inode %d missing from tree", n)
		}
		if status := node.Status(); status != 0 {
			t.Errorf("inode %d status = %v, want 0 (ok)", n, status)
		}
	}
}

func TestScanDamagedFileDataMarksBadData(t *testing.T) {
	f := build()
	dmg, err := damagemap.New([]damagemap.Region{
		{Position: 0, Size: uint64(8 * testBlockSize), Good: true},
		{Position: uint64(8 * testBlockSize), Size: testBlockSize, Good: false}, // file.txt's data block
		{Position: uint64(9 * testBlockSize), Size: uint64(len(f.buf) - 9*testBlockSize), Good: true},
	}, uint64(len(f.buf)))
	if err != nil {
		t.Fatalf("damagemap.New: %v", err)
	}

	img := openFixture(t, f.buf, dmg)
	result := Scan(img, nil, nil)

	node := result.Tree.Nodes[11]
	if node.Status() == 0 {
		t.Errorf("expected file.txt status to be non-ok under damaged data")
	}
}

// progressCalls records every (current, total) pair seen by a Progress.
type progressCalls struct {
	calls [][2]int
}

func (p *progressCalls) record(current, total int) bool {
	p.calls = append(p.calls, [2]int{current, total})
	return true
}

func TestScanInvokesProgress(t *testing.T) {
	f := build()
	img := openFixture(t, f.buf, nil)

	var pc progressCalls
	result := Scan(img, pc.record, nil)

	if !result.Completed {
		t.Fatalf("scan did not complete")
	}
	if len(pc.calls) == 0 {
		t.Fatalf("expected at least one progress call")
	}
	last := pc.calls[len(pc.calls)-1]
	if last[0] != last[1] {
		t.Errorf("final progress call = %v, want current==total", last)
	}
}

func TestScanProgressStopsEarly(t *testing.T) {
	f := build()
	img := openFixture(t, f.buf, nil)

	calls := 0
	result := Scan(img, func(current, total int) bool {
		calls++
		return false
	}, nil)

	if result.Completed {
		t.Errorf("expected scan to stop early")
	}
	if calls != 1 {
		t.Errorf("progress called %d times, want 1", calls)
	}
}
