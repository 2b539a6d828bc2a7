package treecache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ext4rescue/ext4rescue/filetree"
)

func buildSampleTree() *filetree.Tree {
	tr := filetree.New()

	root := tr.Directory(2)
	root.InodeOK = true
	root.InodeLinkCount = 3
	root.BlockMapOK = true
	name := "/"
	root.Name = &name

	sub := tr.Directory(12)
	sub.InodeOK = true
	sub.InodeLinkCount = 2
	sub.BlockMapOK = true
	subName := "sub"
	sub.Name = &subName
	tr.AssociateParent(root, 12)

	f := tr.RegularFile(11)
	f.InodeOK = true
	f.InodeLinkCount = 1
	f.BlockMapOK = true
	f.Mapped = 4096
	f.Reachable = 4096
	f.Readable = 4096
	f.Links = []filetree.Link{{ParentInode: 2, Name: "file.txt"}}

	l := tr.SymbolicLink(13)
	l.InodeOK = true
	l.InodeLinkCount = 1
	l.BlockMapOK = true
	l.Links = []filetree.Link{{ParentInode: 2, Name: "link"}}

	return tr
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.cache")
	tr := buildSampleTree()

	if err := Save(path, tr, "/images/disk.img", ""); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path, "/images/disk.img", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(loaded.Nodes) != len(tr.Nodes) {
		t.Fatalf("node count = %d, want %d", len(loaded.Nodes), len(tr.Nodes))
	}

	root, ok := loaded.Nodes[2].(*filetree.Directory)
	if !ok {
		t.Fatalf("inode 2 is not a directory")
	}
	if root.Name == nil || *root.Name != "/" {
		t.Errorf("root name = %v, want \"/\"", root.Name)
	}
	if _, ok := root.Children[12]; !ok || len(root.Children) != 1 {
		t.Errorf("root children = %v, want {12}", root.Children)
	}
	if root.SubdirectoryCount() != 1 {
		t.Errorf("root subdirectory count = %d, want 1", root.SubdirectoryCount())
	}
	if want := tr.Nodes[2].Status(); root.Status() != want {
		t.Errorf("root status = %v, want %v (original tree's status)", root.Status(), want)
	}
	if root.Status() != 0 {
		t.Errorf("root status = %v, want 0 (subdirCount must match InodeLinkCount-2)", root.Status())
	}

	sub, ok := loaded.Nodes[12].(*filetree.Directory)
	if !ok {
		t.Fatalf("inode 12 is not a directory")
	}
	if sub.Parent == nil || *sub.Parent != 2 {
		t.Errorf("sub parent = %v, want 2", sub.Parent)
	}
	if sub.Name == nil || *sub.Name != "sub" {
		t.Errorf("sub name = %v, want \"sub\"", sub.Name)
	}
	if len(sub.Children) != 0 {
		t.Errorf("sub children = %v, want empty", sub.Children)
	}
	if want := tr.Nodes[12].Status(); sub.Status() != want {
		t.Errorf("sub status = %v, want %v (original tree's status)", sub.Status(), want)
	}

	f, ok := loaded.Nodes[11].(*filetree.RegularFile)
	if !ok {
		t.Fatalf("inode 11 is not a regular file")
	}
	if len(f.Links) != 1 || f.Links[0].Name != "file.txt" || f.Links[0].ParentInode != 2 {
		t.Errorf("unexpected file links: %+v", f.Links)
	}
	if f.Mapped != 4096 || f.Reachable != 4096 || f.Readable != 4096 {
		t.Errorf("unexpected byte accounting: %+v", f.Common)
	}
	if want := tr.Nodes[11].Status(); f.Status() != want {
		t.Errorf("file status = %v, want %v (original tree's status)", f.Status(), want)
	}

	l, ok := loaded.Nodes[13].(*filetree.SymbolicLink)
	if !ok {
		t.Fatalf("inode 13 is not a symlink")
	}
	if len(l.Links) != 1 || l.Links[0].Name != "link" {
		t.Errorf("unexpected symlink links: %+v", l.Links)
	}
	if want := tr.Nodes[13].Status(); l.Status() != want {
		t.Errorf("symlink status = %v, want %v (original tree's status)", l.Status(), want)
	}
}

func TestLoadMissingFileReturnsErrNoCache(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.cache"), "/images/disk.img", "")
	if err != ErrNoCache {
		t.Errorf("err = %v, want ErrNoCache", err)
	}
}

func TestLoadRejectsIdentityMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.cache")
	if err := Save(path, buildSampleTree(), "/images/disk.img", ""); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := Load(path, "/images/other.img", ""); err != ErrIdentityMismatch {
		t.Errorf("err = %v, want ErrIdentityMismatch", err)
	}
}

func TestLoadRejectsVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.cache")
	if err := Save(path, buildSampleTree(), "/images/disk.img", ""); err != nil {
		t.Fatalf("Save: %v", err)
	}
	writeFileLines(t, path, []string{"1", "/images/disk.img", ""})
	if _, err := Load(path, "/images/disk.img", ""); err != ErrVersionMismatch {
		t.Errorf("err = %v, want ErrVersionMismatch", err)
	}
}

func writeFileLines(t *testing.T, path string, lines []string) {
	t.Helper()
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("rewriting cache file: %v", err)
	}
}

func TestCacheKeyChangesWithMtime(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	k1 := CacheKey("/img.dd", t1, "", time.Time{})
	k2 := CacheKey("/img.dd", t2, "", time.Time{})
	if k1 == k2 {
		t.Errorf("expected different keys for different mtimes")
	}
}

func TestCacheKeyIncludesDdrescueLog(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	without := CacheKey("/img.dd", t1, "", time.Time{})
	with := CacheKey("/img.dd", t1, "/img.log", t1)
	if without == with {
		t.Errorf("expected key to change when a ddrescue log is added")
	}
}
