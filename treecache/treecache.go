// Package treecache persists and reloads a reconstructed filetree.Tree to a
// per-image cache file, keyed by the identity of the image and rescue log
// it was built from (spec.md §4.6).
package treecache

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ext4rescue/ext4rescue/filetree"
)

// Version is the current cache file format version. Load rejects any cache
// file whose version line does not equal this exactly.
const Version = 10004

// ErrNoCache is returned by Load when the cache file does not exist: a
// normal, non-error condition meaning "nothing cached yet".
var ErrNoCache = errors.New("treecache: no cache file")

// ErrIdentityMismatch is returned by Load when the cache file names a
// different image or ddrescue log path than the one requested.
var ErrIdentityMismatch = errors.New("treecache: image or ddrescue log identity mismatch")

// ErrVersionMismatch is returned by Load when the cache file's version line
// falls outside the range this build accepts.
var ErrVersionMismatch = errors.New("treecache: version mismatch")

// ParseError describes a malformed cache file line.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("treecache: line %d: %v: %q", e.Line, e.Err, e.Text)
}

func (e *ParseError) Unwrap() error { return e.Err }

const commonFieldCount = 9 // inode/linkCount/byteCount/size/inodeOk/blockMapOk/mapped/reachable/readable

// CacheKey computes the SHA-1 hex digest identifying a (image, ddrescue log)
// pair, per spec.md §4.6: `SHA1(image_abspath "!" image_mtime_iso
// [ddrescue_abspath "!" ddrescue_mtime_iso])`. ddrescueAbs may be empty when
// no rescue log was used.
func CacheKey(imageAbs string, imageMtime time.Time, ddrescueAbs string, ddrescueMtime time.Time) string {
	key := imageAbs + "!" + imageMtime.UTC().Format(time.RFC3339Nano)
	if ddrescueAbs != "" {
		key += " " + ddrescueAbs + "!" + ddrescueMtime.UTC().Format(time.RFC3339Nano)
	}
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Path returns the cache file path for a given (image, ddrescue log) pair,
// under $HOME/.ext4rescue/.
func Path(imageAbs string, imageMtime time.Time, ddrescueAbs string, ddrescueMtime time.Time) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("treecache: resolving home directory: %w", err)
	}
	key := CacheKey(imageAbs, imageMtime, ddrescueAbs, ddrescueMtime)
	return filepath.Join(home, ".ext4rescue", key+".cache"), nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseBoolField(s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, fmt.Errorf("invalid boolean field %q", s)
	}
}

// Save writes tree to path in the line-oriented format of spec.md §4.6.
// imagePath and ddrescuePath are recorded verbatim for later identity
// checks in Load.
func Save(path string, tree *filetree.Tree, imagePath, ddrescuePath string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("treecache: creating cache directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("treecache: creating cache file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, Version)
	fmt.Fprintln(w, imagePath)
	fmt.Fprintln(w, ddrescuePath)
	for _, n := range sortedInodes(tree) {
		line, err := serializeNode(tree.Nodes[n])
		if err != nil {
			return fmt.Errorf("treecache: serializing inode %d: %w", n, err)
		}
		if line == "" {
			continue
		}
		fmt.Fprintln(w, line)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("treecache: writing cache file: %w", err)
	}
	return nil
}

func sortedInodes(tree *filetree.Tree) []uint32 {
	nums := make([]uint32, 0, len(tree.Nodes))
	for n := range tree.Nodes {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

func commonFields(c *filetree.Common) []string {
	return []string{
		strconv.FormatUint(uint64(c.InodeNumber), 10),
		strconv.FormatUint(uint64(c.InodeLinkCount), 10),
		strconv.FormatUint(c.DeclaredSectors, 10),
		strconv.FormatUint(c.DeclaredSize, 10),
		boolField(c.InodeOK),
		boolField(c.BlockMapOK),
		strconv.FormatUint(c.Mapped, 10),
		strconv.FormatUint(c.Reachable, 10),
		strconv.FormatUint(c.Readable, 10),
	}
}

func serializeNode(node filetree.FileNode) (string, error) {
	switch n := node.(type) {
	case *filetree.Directory:
		return serializeDirectory(n), nil
	case *filetree.RegularFile:
		return serializeMultiLink("r", &n.MultiplyLinkedFile), nil
	case *filetree.SymbolicLink:
		return serializeMultiLink("l", &n.MultiplyLinkedFile), nil
	default:
		return "", fmt.Errorf("unknown node type %T", node)
	}
}

func serializeDirectory(d *filetree.Directory) string {
	fields := append([]string{"d"}, commonFields(&d.Common)...)
	parent := ""
	if d.Parent != nil {
		parent = strconv.FormatUint(uint64(*d.Parent), 10)
	}
	name := ""
	if d.Name != nil {
		name = *d.Name
	}
	fields = append(fields, parent, boolField(d.ParentMismatch), name)
	return strings.Join(fields, "/")
}

func serializeMultiLink(tag string, m *filetree.MultiplyLinkedFile) string {
	fields := append([]string{tag}, commonFields(&m.Common)...)
	for _, l := range m.Links {
		fields = append(fields, strconv.FormatUint(uint64(l.ParentInode), 10), l.Name)
	}
	return strings.Join(fields, "/")
}

// Load reads and validates the cache file at path. It returns ErrNoCache if
// the file does not exist, ErrVersionMismatch or ErrIdentityMismatch for a
// recognized-but-stale file, or a *ParseError for a malformed line. All
// return values other than a populated Tree mean the caller should fall
// back to a full scan.
func Load(path, imagePath, ddrescuePath string) (*filetree.Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCache
		}
		return nil, fmt.Errorf("treecache: opening cache file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	if !scanner.Scan() {
		return nil, fmt.Errorf("treecache: empty cache file")
	}
	version, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil || version != Version {
		return nil, ErrVersionMismatch
	}

	if !scanner.Scan() {
		return nil, fmt.Errorf("treecache: missing image path line")
	}
	cachedImagePath := scanner.Text()

	if !scanner.Scan() {
		return nil, fmt.Errorf("treecache: missing ddrescue path line")
	}
	cachedDdrescuePath := scanner.Text()

	if cachedImagePath != imagePath || cachedDdrescuePath != ddrescuePath {
		return nil, ErrIdentityMismatch
	}

	tree := filetree.New()
	lineNo := 3
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := applyLine(tree, line, lineNo); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("treecache: reading cache file: %w", err)
	}
	tree.RebuildChildren()
	return tree, nil
}

func applyLine(tree *filetree.Tree, line string, lineNo int) error {
	fields := strings.Split(line, "/")
	if len(fields) < 1+commonFieldCount {
		return &ParseError{Line: lineNo, Text: line, Err: errors.New("too few fields")}
	}
	tag := fields[0]
	common, err := parseCommonFields(fields[1 : 1+commonFieldCount])
	if err != nil {
		return &ParseError{Line: lineNo, Text: line, Err: err}
	}
	tail := fields[1+commonFieldCount:]

	switch tag {
	case "d":
		return applyDirectoryLine(tree, common, tail, lineNo, line)
	case "r":
		f := tree.RegularFile(common.InodeNumber)
		return applyMultiLinkLine(&f.MultiplyLinkedFile, common, tail, lineNo, line)
	case "l":
		l := tree.SymbolicLink(common.InodeNumber)
		return applyMultiLinkLine(&l.MultiplyLinkedFile, common, tail, lineNo, line)
	default:
		return &ParseError{Line: lineNo, Text: line, Err: fmt.Errorf("unknown type tag %q", tag)}
	}
}

func parseCommonFields(f []string) (filetree.Common, error) {
	inode, err := strconv.ParseUint(f[0], 10, 32)
	if err != nil {
		return filetree.Common{}, fmt.Errorf("inode: %w", err)
	}
	linkCount, err := strconv.ParseUint(f[1], 10, 16)
	if err != nil {
		return filetree.Common{}, fmt.Errorf("link count: %w", err)
	}
	sectors, err := strconv.ParseUint(f[2], 10, 64)
	if err != nil {
		return filetree.Common{}, fmt.Errorf("byte count: %w", err)
	}
	size, err := strconv.ParseUint(f[3], 10, 64)
	if err != nil {
		return filetree.Common{}, fmt.Errorf("size: %w", err)
	}
	inodeOK, err := parseBoolField(f[4])
	if err != nil {
		return filetree.Common{}, fmt.Errorf("inode ok: %w", err)
	}
	blockMapOK, err := parseBoolField(f[5])
	if err != nil {
		return filetree.Common{}, fmt.Errorf("block map ok: %w", err)
	}
	mapped, err := strconv.ParseUint(f[6], 10, 64)
	if err != nil {
		return filetree.Common{}, fmt.Errorf("mapped: %w", err)
	}
	reachable, err := strconv.ParseUint(f[7], 10, 64)
	if err != nil {
		return filetree.Common{}, fmt.Errorf("reachable: %w", err)
	}
	readable, err := strconv.ParseUint(f[8], 10, 64)
	if err != nil {
		return filetree.Common{}, fmt.Errorf("readable: %w", err)
	}
	return filetree.Common{
		InodeNumber:     uint32(inode),
		InodeLinkCount:  uint16(linkCount),
		DeclaredSectors: sectors,
		DeclaredSize:    size,
		InodeOK:         inodeOK,
		BlockMapOK:      blockMapOK,
		Mapped:          mapped,
		Reachable:       reachable,
		Readable:        readable,
	}, nil
}

func applyDirectoryLine(tree *filetree.Tree, common filetree.Common, tail []string, lineNo int, line string) error {
	if len(tail) < 3 {
		return &ParseError{Line: lineNo, Text: line, Err: errors.New("directory record needs at least 3 trailing fields")}
	}
	d := tree.Directory(common.InodeNumber)
	d.Common = common
	if tail[0] != "" {
		parent, err := strconv.ParseUint(tail[0], 10, 32)
		if err != nil {
			return &ParseError{Line: lineNo, Text: line, Err: fmt.Errorf("parent inode: %w", err)}
		}
		p := uint32(parent)
		d.Parent = &p
	}
	mismatch, err := parseBoolField(tail[1])
	if err != nil {
		return &ParseError{Line: lineNo, Text: line, Err: err}
	}
	d.ParentMismatch = mismatch
	// the name is the last field; the root's name "/" splits into two empty
	// fields, so everything after the mismatch flag is rejoined.
	if name := strings.Join(tail[2:], "/"); name != "" {
		d.Name = &name
	}
	return nil
}

func applyMultiLinkLine(node *filetree.MultiplyLinkedFile, common filetree.Common, tail []string, lineNo int, line string) error {
	if len(tail)%2 != 0 {
		return &ParseError{Line: lineNo, Text: line, Err: errors.New("link pairs must come in twos")}
	}
	node.Common = common
	for i := 0; i < len(tail); i += 2 {
		parent, err := strconv.ParseUint(tail[i], 10, 32)
		if err != nil {
			return &ParseError{Line: lineNo, Text: line, Err: fmt.Errorf("link parent inode: %w", err)}
		}
		node.Links = append(node.Links, filetree.Link{ParentInode: uint32(parent), Name: tail[i+1]})
	}
	return nil
}
