package ext4image

import "github.com/ext4rescue/ext4rescue/blockcache"

// rawSymlinkBlock tags a whole-block view used to read a slow symlink's
// single data block.
type rawSymlinkBlock struct{}

// SymlinkTarget returns the link target for a symlink inode, reading the
// fast-symlink bytes directly from i_block, or the first good data block
// otherwise. ok reflects whether the full target was recovered.
func (img *Image) SymlinkTarget(inode *Inode) (target string, ok bool) {
	if inode.IsFastSymlink {
		return inode.FastSymlinkTarget, true
	}
	reader := NewExtentReader(img.cache, inode.IBlock, inode.OK)
	ext, present := reader.Next()
	if !present || !ext.OK {
		return "", false
	}
	view, err := blockcache.RequestStruct[rawSymlinkBlock](img.cache, ext.PhysicalBlock, 0, img.superblock.BlockSize)
	if err != nil {
		return "", false
	}
	defer view.Release()
	if !view.OK() {
		return "", false
	}
	size := inode.Size
	if size > uint64(len(view.Bytes())) {
		size = uint64(len(view.Bytes()))
		ok = false
	} else {
		ok = true
	}
	return string(view.Bytes()[:size]), ok
}
