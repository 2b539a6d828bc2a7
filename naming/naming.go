// Package naming derives human-readable paths and status-letter strings
// from a reconstructed filetree.Tree, per spec.md §4.7.
package naming

import (
	"fmt"

	"github.com/ext4rescue/ext4rescue/filetree"
)

// unknownParent marks a path whose ancestry could not be fully resolved
// back to the root.
const unknownParent = "~~@UNKNOWN_PARENT"

// statusLetters are rendered one per bit, in FileStatus bit order.
const statusLetters = "ipnlmd"

var statusBits = []filetree.Status{
	filetree.BadInode,
	filetree.ParentUnknown,
	filetree.NameUnknown,
	filetree.MissingLinks,
	filetree.BadMap,
	filetree.BadData,
}

// StatusLetters renders status as six characters from "ipnlmd", one per
// bit set in badInode/parentUnknown/nameUnknown/missingLinks/badMap/badData
// order; unset bits render as '-'.
func StatusLetters(status filetree.Status) string {
	b := make([]byte, len(statusBits))
	for i, bit := range statusBits {
		if status&bit != 0 {
			b[i] = statusLetters[i]
		} else {
			b[i] = '-'
		}
	}
	return string(b)
}

// Path returns node's first path. Directories always have exactly one;
// multiply-linked files/symlinks may have more, in which case callers that
// need every path should use Paths instead.
func Path(tree *filetree.Tree, node filetree.FileNode) string {
	paths := Paths(tree, node)
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}

// Paths returns every path by which tree resolves node: directories have
// exactly one, files/symlinks with N links have N, and a node with no
// resolvable link yields one synthetic "unknown" path.
func Paths(tree *filetree.Tree, node filetree.FileNode) []string {
	switch n := node.(type) {
	case *filetree.Directory:
		return []string{directoryPath(tree, n)}
	case *filetree.RegularFile:
		return multiLinkPaths(tree, &n.MultiplyLinkedFile, "FILE")
	case *filetree.SymbolicLink:
		return multiLinkPaths(tree, &n.MultiplyLinkedFile, "SYMLINK")
	default:
		return nil
	}
}

func directoryPath(tree *filetree.Tree, d *filetree.Directory) string {
	if d.InodeNumber == 2 {
		return "/"
	}
	name := fmt.Sprintf("~~DIR@%d", d.InodeNumber)
	if d.Name != nil {
		name = *d.Name
	}
	if d.Parent == nil {
		return unknownParent + "/" + name
	}
	parent, ok := tree.Nodes[*d.Parent].(*filetree.Directory)
	if !ok {
		return unknownParent + "/" + name
	}
	parentPath := directoryPath(tree, parent)
	if parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}

func multiLinkPaths(tree *filetree.Tree, m *filetree.MultiplyLinkedFile, kind string) []string {
	if len(m.Links) == 0 {
		return []string{fmt.Sprintf("%s/~~%s@%d", unknownParent, kind, m.InodeNumber)}
	}
	paths := make([]string, 0, len(m.Links))
	for _, link := range m.Links {
		parent, ok := tree.Nodes[link.ParentInode].(*filetree.Directory)
		parentPath := unknownParent
		if ok {
			parentPath = directoryPath(tree, parent)
		}
		if parentPath == "/" {
			paths = append(paths, "/"+link.Name)
		} else {
			paths = append(paths, parentPath+"/"+link.Name)
		}
	}
	return paths
}
