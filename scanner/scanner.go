// Package scanner drives the inode-walking passes that populate a
// filetree.Tree from an ext4image.Image, per spec.md §4.5.
package scanner

import (
	"github.com/sirupsen/logrus"

	"github.com/ext4rescue/ext4rescue/ext4image"
	"github.com/ext4rescue/ext4rescue/filetree"
)

// Progress is invoked periodically during the scan with the number of
// inodes processed so far and the total to process; returning false stops
// the scan early, and Scan returns the partially populated tree.
type Progress func(current, total int) bool

// Result summarizes one scan pass.
type Result struct {
	Tree             *filetree.Tree
	UnreadableInodes int
	// Completed is false when progress returned false and the scan was
	// stopped early.
	Completed bool
}

// Scan walks every inode in {2} ∪ [11, inode_count], reconstructing
// directories, regular files, and symlinks into a FileTree, then attempts
// root recovery if the root inode turned out to be unreadable. logger may
// be nil, in which case logrus.StandardLogger() is used.
func Scan(img *ext4image.Image, progress Progress, logger *logrus.Logger) *Result {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &scanState{img: img, tree: filetree.New(), log: logger}
	s.run(progress)
	return &Result{Tree: s.tree, UnreadableInodes: s.unreadableInodes, Completed: s.completed}
}

type scanState struct {
	img  *ext4image.Image
	tree *filetree.Tree
	log  *logrus.Logger

	unreadableInodes int
	completed        bool
}

func inodeNumbers(total uint32) []uint32 {
	nums := []uint32{2}
	for n := uint32(11); n <= total; n++ {
		nums = append(nums, n)
	}
	return nums
}

func (s *scanState) run(progress Progress) {
	nums := inodeNumbers(s.img.InodeCount())
	total := len(nums)
	interval := (total + 1023) / 1024
	if interval == 0 {
		interval = 1
	}

	for i, n := range nums {
		if progress != nil && i%interval == 0 {
			if !progress(i, total) {
				return
			}
		}
		s.visit(n)
	}
	if progress != nil {
		progress(total, total)
	}
	s.completed = true
	s.recoverRootIfNeeded()
}

// visit implements spec.md §4.5 step 1-3 for a single inode number.
func (s *scanState) visit(n uint32) {
	inode := s.img.ReadInode(n)
	if !inode.OK {
		s.unreadableInodes++
	}

	if n == 2 {
		// Directory(2) is always recorded, readable or not, so root
		// recovery can later test root.InodeOK.
		root := s.tree.Directory(2)
		s.recordCommon(&root.Common, inode)
		if inode.OK && inode.DeletionTime == 0 && inode.Type == ext4image.TypeDirectory {
			if root.Name == nil {
				name := "/"
				root.Name = &name
			}
			s.walkDirectoryEntries(2, root, inode)
		}
		return
	}

	if !inode.OK || inode.DeletionTime != 0 {
		return
	}

	switch inode.Type {
	case ext4image.TypeDirectory:
		dir := s.tree.Directory(n)
		s.recordCommon(&dir.Common, inode)
		s.walkDirectoryEntries(n, dir, inode)
	case ext4image.TypeRegularFile:
		f := s.tree.RegularFile(n)
		s.recordCommon(&f.Common, inode)
		s.walkData(&f.Common, inode)
	case ext4image.TypeSymlink:
		l := s.tree.SymbolicLink(n)
		s.recordCommon(&l.Common, inode)
		if !inode.IsFastSymlink {
			s.walkData(&l.Common, inode)
		}
	}
}

func (s *scanState) recordCommon(c *filetree.Common, inode *ext4image.Inode) {
	c.InodeOK = inode.OK
	c.InodeLinkCount = inode.LinkCount
	c.DeclaredSectors = inode.Blocks512
	c.DeclaredSize = inode.Size
	c.BlockMapOK = true
}

// walkDirectoryEntries iterates inode's directory entries and wires up
// parent/child/name edges in the tree (spec.md §4.5 step 2).
func (s *scanState) walkDirectoryEntries(n uint32, dir *filetree.Directory, inode *ext4image.Inode) {
	it := s.img.NewDirIterator(inode)
	for {
		entry, ok := it.Next()
		if !ok {
			return
		}
		s.applyDirEntry(n, dir, entry)
	}
}

func (s *scanState) applyDirEntry(n uint32, dir *filetree.Directory, entry ext4image.DirEntry) {
	switch entry.Type {
	case ext4image.DirEntryDir:
		switch entry.Name {
		case ".":
		case "..":
			if n == 2 {
				// root's ".." conventionally points at itself on disk; the
				// data model guarantees root has no parent, so this is not
				// a real parent association (spec.md §3 invariants).
				return
			}
			parent := s.tree.Directory(entry.Inode)
			s.tree.AssociateParent(parent, n)
		default:
			child := s.tree.Directory(entry.Inode)
			if child.Name == nil {
				name := entry.Name
				child.Name = &name
			}
			s.tree.AssociateParent(dir, entry.Inode)
		}
	case ext4image.DirEntryFile:
		f := s.tree.RegularFile(entry.Inode)
		filetree.AddLink(f, n, entry.Name)
	case ext4image.DirEntrySymlink:
		l := s.tree.SymbolicLink(entry.Inode)
		filetree.AddLink(l, n, entry.Name)
	}
}

// walkData runs the data-readability check for a regular file or non-fast
// symlink (spec.md §4.5 step 3).
func (s *scanState) walkData(c *filetree.Common, inode *ext4image.Inode) {
	reader := s.img.Extents(inode)
	c.BlockMapOK = reader.RootOK()

	blockSize := uint64(s.img.BlockSize())
	dmg := s.img.DamageMap()

	for {
		ext, ok := reader.Next()
		if !ok {
			return
		}
		if !ext.OK {
			s.log.WithFields(logrus.Fields{
				"inode":         inode.Number,
				"logical_block": ext.LogicalBlock,
			}).Debug("bad extent")
			continue
		}
		count := uint64(ext4image.EffectiveCount(ext))
		size := blockSize * count

		c.Mapped += size
		c.Reachable += size

		begin := ext.PhysicalBlock * blockSize
		c.Readable += dmg.CountReadableBytes(begin, begin+size)
	}
}

// recoverRootIfNeeded implements spec.md §4.5 "Root recovery".
func (s *scanState) recoverRootIfNeeded() {
	root := s.tree.Directory(2)
	if root.InodeOK {
		return
	}

	blockSize := s.img.BlockSize()
	limit := s.img.BlocksPerGroup()
	for b := uint32(0); b < limit; b++ {
		data, readable, err := s.img.ReadBlock(uint64(b))
		if err != nil || !readable || !ext4image.IsPlausibleRootBlock(data) {
			continue
		}
		entries := ext4image.ParseDirBlockEntries(data, blockSize)
		if !s.rootCandidateConsistent(entries) {
			continue
		}
		s.applyRootCandidate(root, entries)
		s.log.WithField("block", b).Info("recovered root directory from raw block scan")
		return
	}
}

func (s *scanState) rootCandidateConsistent(entries []ext4image.DirEntry) bool {
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		existing, ok := s.tree.Nodes[e.Inode]
		if !ok {
			continue
		}
		switch e.Type {
		case ext4image.DirEntryDir:
			d, ok := existing.(*filetree.Directory)
			if !ok || (d.Parent != nil && *d.Parent != 2) {
				return false
			}
		case ext4image.DirEntryFile:
			f, ok := existing.(*filetree.RegularFile)
			if !ok || len(f.Links)+1 > int(f.InodeLinkCount) {
				return false
			}
		case ext4image.DirEntrySymlink:
			l, ok := existing.(*filetree.SymbolicLink)
			if !ok || len(l.Links)+1 > int(l.InodeLinkCount) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (s *scanState) applyRootCandidate(root *filetree.Directory, entries []ext4image.DirEntry) {
	name := "/"
	root.Name = &name
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		switch e.Type {
		case ext4image.DirEntryDir:
			child := s.tree.Directory(e.Inode)
			if child.Name == nil {
				n := e.Name
				child.Name = &n
			}
			s.tree.AssociateParent(root, e.Inode)
		case ext4image.DirEntryFile:
			f := s.tree.RegularFile(e.Inode)
			filetree.AddLink(f, 2, e.Name)
		case ext4image.DirEntrySymlink:
			l := s.tree.SymbolicLink(e.Inode)
			filetree.AddLink(l, 2, e.Name)
		}
	}
}
