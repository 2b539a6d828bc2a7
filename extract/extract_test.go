package extract

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/ext4rescue/ext4rescue/damagemap"
	"github.com/ext4rescue/ext4rescue/ext4image"
	"github.com/ext4rescue/ext4rescue/scanner"
)

// The fixture below mirrors scanner's own test fixture: a root directory
// with a regular file, a subdirectory, and a fast symlink, all intact.

const (
	testBlockSize    = 1024
	testInodesPerGrp = 16
	testInodeSize    = 128
	testBlocksPerGrp = 32
	testTotalBlocks  = 20
)

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
	putU32(sb, 0x0, testInodesPerGrp)
	putU32(sb, 0x4, testTotalBlocks)
	putU32(sb, 0x14, 1)
	putU32(sb, 0x18, 0)
	putU32(sb, 0x20, testBlocksPerGrp)
	putU32(sb, 0x28, testInodesPerGrp)
	putU16(sb, 0x38, 0xEF53)
	putU16(sb, 0x58, testInodeSize)
	putU16(sb, 0xfe, 32)
}

func (f *fixtureImage) writeGroupDesc() {
	gd := f.block(2)
	putU32(gd, 0x08, 5)
}

func (f *fixtureImage) inodeBytes(n uint32) []byte {
	idx := n - 1
	block := 5 + int(idx)/8
	offset := int(idx%8) * testInodeSize
	blk := f.block(block)
	return blk[offset : offset+testInodeSize]
}

func writeLeafExtent(area []byte, physicalBlock uint64, count uint16) {
	putU16(area, 0, 0xF30A)
	putU16(area, 2, 1)
	putU16(area, 4, 4)
	putU16(area, 6, 0)
	entry := area[12:24]
	putU32(entry, 0, 0)
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
	putU32(b, 0x1c, 0)
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

func openFixture(t *testing.T, buf []byte) *ext4image.Image {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "image.img")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("writing fixture image: %v", err)
	}
	img, err := ext4image.Open(path, damagemap.AllGood(uint64(len(buf))))
	if err != nil {
		t.Fatalf("ext4image.Open: %v", err)
	}
	t.Cleanup(func() { img.Close() })
	return img
}

func TestRunExtractsFileAndSymlink(t *testing.T) {
	f := build()
	img := openFixture(t, f.buf)

	result := scanner.Scan(img, nil, nil)
	if !result.Completed {
		t.Fatalf("scan did not complete")
	}

	out := t.TempDir()
	w := New(result.Tree, img, out, false, nil)
	stats, err := w.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.FilesWritten != 2 {
		t.Errorf("files written = %d, want 2", stats.FilesWritten)
	}

	data, err := os.ReadFile(filepath.Join(out, "file.txt"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("extracted content = %q, want \"hello\"", data)
	}

	if _, err := os.Stat(filepath.Join(out, "sub")); err != nil {
		t.Errorf("expected subdirectory to exist: %v", err)
	}

	target, err := os.Readlink(filepath.Join(out, "link"))
	if err != nil {
		t.Fatalf("reading extracted symlink: %v", err)
	}
	if target != "target" {
		t.Errorf("symlink target = %q, want \"target\"", target)
	}
}

func TestRunCreatesAllDirectories(t *testing.T) {
	f := build()
	img := openFixture(t, f.buf)
	result := scanner.Scan(img, nil, nil)

	out := t.TempDir()
	w := New(result.Tree, img, out, true, nil)
	if _, err := w.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, p := range []string{".", "sub"} {
		info, err := os.Stat(filepath.Join(out, p))
		if err != nil {
			t.Fatalf("stat %q: %v", p, err)
		}
		if !info.IsDir() {
			t.Errorf("%q is not a directory", p)
		}
	}
}
