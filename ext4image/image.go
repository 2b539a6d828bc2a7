// Package ext4image opens a (possibly damaged) ext4 image, validates and
// parses its superblock and group descriptors, and exposes per-inode
// structure reads, extent iteration, directory-entry iteration, and
// symlink targets. It never writes to the image (spec.md Non-goals).
package ext4image

import (
	"fmt"

	"github.com/ext4rescue/ext4rescue/blockcache"
	"github.com/ext4rescue/ext4rescue/damagemap"
)

// defaultPageCapacity bounds how many 4 KiB host pages Image's BlockCache
// keeps mapped at once.
const defaultPageCapacity = 4096

// Image is an open, read-only view of an ext4 filesystem image, surviving
// damage reported by its DamageMap.
type Image struct {
	cache      *blockcache.Cache
	superblock *Superblock

	groupDescCache map[uint32]*GroupDescriptor
}

// Open memory-maps imagePath, validates the superblock, and prepares to
// serve inode and group-descriptor reads. dmg describes which byte ranges
// of the image are known good; pass damagemap.AllGood(size) when no rescue
// log is available.
func Open(imagePath string, dmg *damagemap.Map) (*Image, error) {
	provisional, err := blockcache.Open(imagePath, dmg, 4096, defaultPageCapacity)
	if err != nil {
		return nil, err
	}

	sb, err := readSuperblock(provisional)
	if err != nil {
		provisional.Close()
		return nil, fmt.Errorf("%w: %v", ErrBadSuperblock, err)
	}

	cache := provisional
	if sb.BlockSize != 4096 {
		rebuilt, rerr := provisional.Rebuild(sb.BlockSize, defaultPageCapacity)
		provisional.Close()
		if rerr != nil {
			return nil, fmt.Errorf("ext4image: rebuilding cache at block size %d: %w", sb.BlockSize, rerr)
		}
		cache = rebuilt
	}

	if sb.InodeSize == 0 || cache.BlockSize()%uint32(sb.InodeSize) != 0 {
		cache.Close()
		return nil, fmt.Errorf("%w: inode size %d does not divide block size %d", ErrInvalidLayout, sb.InodeSize, cache.BlockSize())
	}

	return &Image{
		cache:          cache,
		superblock:     sb,
		groupDescCache: make(map[uint32]*GroupDescriptor),
	}, nil
}

// Close releases the underlying block cache and its mmap'd pages.
func (img *Image) Close() error {
	_, err := img.cache.Close()
	return err
}

// Superblock returns the parsed superblock.
func (img *Image) Superblock() *Superblock { return img.superblock }

// BlockSize returns the filesystem's block size in bytes.
func (img *Image) BlockSize() uint32 { return img.superblock.BlockSize }

// InodeCount returns the total number of inodes the superblock declares.
func (img *Image) InodeCount() uint32 { return img.superblock.InodesCount }

// BlocksPerGroup returns s_blocks_per_group, used by root recovery to bound
// its scan of the first block group.
func (img *Image) BlocksPerGroup() uint32 { return img.superblock.BlocksPerGroup }

// DamageMap returns the damage map the image was opened with.
func (img *Image) DamageMap() *damagemap.Map { return img.cache.DamageMap() }

// groupDescriptor returns (and memoizes) group g's descriptor.
func (img *Image) groupDescriptor(g uint32) *GroupDescriptor {
	if gd, ok := img.groupDescCache[g]; ok {
		return gd
	}
	gd := readGroupDescriptor(img.cache, img.superblock, g)
	img.groupDescCache[g] = gd
	return gd
}

// ReadInode reads inode n, returning a sentinel unreadable inode (OK=false)
// if its location cannot be resolved rather than an error (spec.md §4.3,
// §7 InvalidInode).
func (img *Image) ReadInode(n uint32) *Inode {
	return readInode(img.cache, img.superblock, img.groupDescriptor, n)
}

// Extents returns a lazy ExtentReader over inode's block map.
func (img *Image) Extents(inode *Inode) *ExtentReader {
	return NewExtentReader(img.cache, inode.IBlock, inode.OK)
}

// FileReader returns a sequential reader over inode's data, for a regular
// file or slow symlink. Callers should not call Extents separately for the
// same read; FileReader owns its own ExtentReader.
func (img *Image) FileReader(inode *Inode) *FileReader {
	return NewFileReader(img.cache, img.Extents(inode), inode.Size, img.BlockSize())
}

// ReadBlock returns the raw bytes of filesystem block n together with its
// readability, for callers (root recovery) that need to scan raw blocks
// outside of any inode's extent tree.
func (img *Image) ReadBlock(n uint64) ([]byte, bool, error) {
	cb, err := img.cache.Request(n, 0)
	if err != nil {
		return nil, false, err
	}
	defer cb.Release()
	cp := make([]byte, len(cb.Bytes()))
	copy(cp, cb.Bytes())
	return cp, cb.OK(), nil
}
