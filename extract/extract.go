// Package extract copies surviving file content out of a scanned image
// into a target directory, recording each file's damage status as an
// extended attribute and restoring what timestamps could be recovered.
package extract

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/xattr"
	"github.com/sirupsen/logrus"
	times "gopkg.in/djherbis/times.v1"
	"golang.org/x/sys/unix"

	"github.com/ext4rescue/ext4rescue/ext4image"
	"github.com/ext4rescue/ext4rescue/filetree"
	"github.com/ext4rescue/ext4rescue/naming"
)

// statusAttr is the extended attribute name extracted files are tagged
// with, holding the six-letter status string from naming.StatusLetters.
const statusAttr = "user.ext4rescue.status"

// Writer copies every regular file and symbolic link reachable in tree out
// of img into TargetDir, creating directories first.
type Writer struct {
	Tree      *filetree.Tree
	Image     *ext4image.Image
	TargetDir string
	// Force re-extracts a file even if TargetDir already holds one whose
	// mtime matches the recovered inode's mtime.
	Force bool

	log *logrus.Logger

	filesWritten int
	bytesWritten uint64
	bytesLost    uint64
}

// New returns a Writer. A nil logger defaults to logrus's standard logger.
func New(tree *filetree.Tree, img *ext4image.Image, targetDir string, force bool, logger *logrus.Logger) *Writer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Writer{Tree: tree, Image: img, TargetDir: targetDir, Force: force, log: logger}
}

// Stats summarizes one Run.
type Stats struct {
	FilesWritten int
	BytesWritten uint64
	BytesLost    uint64 // zero-filled in place of unrecoverable data
}

// Run creates every directory in w.Tree under w.TargetDir, then extracts
// every regular file and symbolic link.
func (w *Writer) Run() (Stats, error) {
	if err := os.MkdirAll(w.TargetDir, 0o755); err != nil {
		return Stats{}, fmt.Errorf("extract: creating target directory: %w", err)
	}
	if err := w.createDirectories(); err != nil {
		return Stats{}, err
	}

	inodes := make([]uint32, 0, len(w.Tree.Nodes))
	for n := range w.Tree.Nodes {
		inodes = append(inodes, n)
	}
	sort.Slice(inodes, func(i, j int) bool { return inodes[i] < inodes[j] })

	for _, n := range inodes {
		switch node := w.Tree.Nodes[n].(type) {
		case *filetree.RegularFile:
			if err := w.extractRegularFile(node); err != nil {
				w.log.WithError(err).WithField("inode", n).Warn("failed to extract regular file")
			}
		case *filetree.SymbolicLink:
			if err := w.extractSymlink(node); err != nil {
				w.log.WithError(err).WithField("inode", n).Warn("failed to extract symlink")
			}
		}
	}

	return Stats{FilesWritten: w.filesWritten, BytesWritten: w.bytesWritten, BytesLost: w.bytesLost}, nil
}

// createDirectories walks directory roots breadth-first, creating each
// directory before any of its children (spec.md §6.2).
func (w *Writer) createDirectories() error {
	var queue []*filetree.Directory
	for _, n := range w.Tree.Nodes {
		if d, ok := n.(*filetree.Directory); ok && d.Parent == nil {
			queue = append(queue, d)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].InodeNumber < queue[j].InodeNumber })

	visited := make(map[uint32]bool)
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		if visited[d.InodeNumber] {
			continue
		}
		visited[d.InodeNumber] = true

		full := filepath.Join(w.TargetDir, naming.Path(w.Tree, d))
		if err := os.MkdirAll(full, 0o755); err != nil {
			return fmt.Errorf("extract: creating directory %q: %w", full, err)
		}

		children := make([]uint32, 0, len(d.Children))
		for c := range d.Children {
			children = append(children, c)
		}
		sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
		for _, c := range children {
			if cd, ok := w.Tree.Nodes[c].(*filetree.Directory); ok {
				queue = append(queue, cd)
			}
		}
	}
	return nil
}

func (w *Writer) extractRegularFile(f *filetree.RegularFile) error {
	paths := naming.Paths(w.Tree, f)
	primary := filepath.Join(w.TargetDir, paths[0])

	inode := w.Image.ReadInode(f.InodeNumber)
	if w.skipUnchanged(primary, inode) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(primary), 0o755); err != nil {
		return err
	}

	dst, err := os.Create(primary)
	if err != nil {
		return err
	}
	reader := w.Image.FileReader(inode)
	written, copyErr := io.Copy(dst, reader)
	closeErr := dst.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}

	w.filesWritten++
	w.bytesWritten += uint64(written)
	w.bytesLost += reader.Unreadable()

	if err := w.tagAndRestore(primary, f.Status(), inode); err != nil {
		w.log.WithError(err).WithField("path", primary).Warn("failed to set attributes")
	}

	for _, p := range paths[1:] {
		full := filepath.Join(w.TargetDir, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			w.log.WithError(err).WithField("path", full).Warn("failed to create directory for extra link")
			continue
		}
		os.Remove(full)
		if err := os.Link(primary, full); err != nil {
			w.log.WithError(err).WithField("path", full).Warn("failed to hard-link extra name")
		}
	}
	return nil
}

func (w *Writer) extractSymlink(l *filetree.SymbolicLink) error {
	paths := naming.Paths(w.Tree, l)
	primary := filepath.Join(w.TargetDir, paths[0])

	inode := w.Image.ReadInode(l.InodeNumber)
	target, _ := w.Image.SymlinkTarget(inode)

	if err := os.MkdirAll(filepath.Dir(primary), 0o755); err != nil {
		return err
	}
	os.Remove(primary)
	if err := os.Symlink(target, primary); err != nil {
		return err
	}
	w.filesWritten++

	if err := xattr.LSet(primary, statusAttr, []byte(naming.StatusLetters(l.Status()))); err != nil {
		w.log.WithError(err).WithField("path", primary).Warn("failed to set status xattr on symlink")
	}
	restoreSymlinkTimes(primary, inode)

	for _, p := range paths[1:] {
		full := filepath.Join(w.TargetDir, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			w.log.WithError(err).WithField("path", full).Warn("failed to create directory for extra link")
			continue
		}
		os.Remove(full)
		if err := os.Link(primary, full); err != nil {
			w.log.WithError(err).WithField("path", full).Warn("failed to hard-link extra symlink name")
		}
	}
	return nil
}

// skipUnchanged reports whether the target already holds a file whose
// mtime matches inode's recovered mtime, letting a repeated extract run
// (against a rescue log that is still draining) avoid redundant copies.
func (w *Writer) skipUnchanged(path string, inode *ext4image.Inode) bool {
	if w.Force {
		return false
	}
	ts, err := times.Stat(path)
	if err != nil {
		return false
	}
	return ts.ModTime().Equal(time.Unix(int64(inode.ModifyTime), 0))
}

func (w *Writer) tagAndRestore(path string, status filetree.Status, inode *ext4image.Inode) error {
	if err := xattr.Set(path, statusAttr, []byte(naming.StatusLetters(status))); err != nil {
		return err
	}
	atime := time.Unix(int64(inode.AccessTime), 0)
	mtime := time.Unix(int64(inode.ModifyTime), 0)
	return os.Chtimes(path, atime, mtime)
}

// restoreSymlinkTimes sets a symlink's own timestamps without following it,
// since os.Chtimes always follows. Best effort; failures are not fatal.
func restoreSymlinkTimes(path string, inode *ext4image.Inode) {
	atime := unix.NsecToTimespec(time.Unix(int64(inode.AccessTime), 0).UnixNano())
	mtime := unix.NsecToTimespec(time.Unix(int64(inode.ModifyTime), 0).UnixNano())
	_ = unix.UtimesNanoAt(unix.AT_FDCWD, path, []unix.Timespec{atime, mtime}, unix.AT_SYMLINK_NOFOLLOW)
}
