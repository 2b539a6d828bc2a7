package ext4image

import "errors"

// ErrBadSuperblock is returned by Open when the superblock is unreadable or
// its magic number does not match, per spec.md §7.
var ErrBadSuperblock = errors.New("ext4image: bad superblock")

// ErrInvalidLayout is returned by Open for structural preconditions this
// tool cannot proceed without (e.g. inode size not dividing block size
// evenly), distinct from per-inode damage which is recovered locally.
var ErrInvalidLayout = errors.New("ext4image: invalid filesystem layout")
