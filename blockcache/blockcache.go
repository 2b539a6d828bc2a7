// Package blockcache memory-maps a disk image in 4 KiB host pages with LRU
// eviction, and hands out refcounted, typed views into those pages overlaid
// with per-range readability taken from a damagemap.Map.
//
// The cache is single-threaded: callers must not share a Cache, CachedBlock,
// View, or MappedExtent across goroutines concurrently (see spec.md §5).
package blockcache

import (
	"container/list"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ext4rescue/ext4rescue/damagemap"
)

// hostPageSize is the host mmap granularity this cache pages the image in.
const hostPageSize = 4096

// Cache memory-maps pages of an image file on demand and evicts the least
// recently used page once capacity is reached, provided nothing still
// references it.
type Cache struct {
	f         *os.File
	dmg       *damagemap.Map
	blockSize uint32
	imageSize int64
	capacity  int

	pages map[uint64]*pageEntry
	lru   *list.List // of *pageEntry, front = most recently used

	danglingOnClose int // pages still referenced externally at Close, for diagnostics
	closed          bool
}

type pageEntry struct {
	pageNum  uint64
	data     []byte
	ok       bool
	refCount int // cache's own membership counts as 1 while in lru
	evicted  bool
	elem     *list.Element
}

// Open opens imagePath read-only and constructs a Cache that pages it in
// blockSize-sized filesystem blocks, backed by hostPageSize-sized mmap
// pages. blockSize must divide hostPageSize evenly.
func Open(imagePath string, dmg *damagemap.Map, blockSize uint32, capacityPages int) (*Cache, error) {
	if hostPageSize%blockSize != 0 {
		return nil, fmt.Errorf("blockcache: block size %d does not divide host page size %d", blockSize, hostPageSize)
	}
	if capacityPages < 1 {
		capacityPages = 1
	}
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("blockcache: opening image: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockcache: stat image: %w", err)
	}
	return &Cache{
		f:         f,
		dmg:       dmg,
		blockSize: blockSize,
		imageSize: fi.Size(),
		capacity:  capacityPages,
		pages:     make(map[uint64]*pageEntry),
		lru:       list.New(),
	}, nil
}

// Rebuild returns a new Cache over the same image and damage map but with a
// different block size, used by ext4image once the real on-disk block size
// is known (it may differ from the provisional 4096 used to read the
// superblock). The old cache should be closed by the caller.
func (c *Cache) Rebuild(blockSize uint32, capacityPages int) (*Cache, error) {
	if hostPageSize%blockSize != 0 {
		return nil, fmt.Errorf("blockcache: block size %d does not divide host page size %d", blockSize, hostPageSize)
	}
	if capacityPages < 1 {
		capacityPages = 1
	}
	f, err := os.Open(c.f.Name())
	if err != nil {
		return nil, fmt.Errorf("blockcache: reopening image: %w", err)
	}
	return &Cache{
		f:         f,
		dmg:       c.dmg,
		blockSize: blockSize,
		imageSize: c.imageSize,
		capacity:  capacityPages,
		pages:     make(map[uint64]*pageEntry),
		lru:       list.New(),
	}, nil
}

// BlockSize returns the filesystem block size this cache was opened with.
func (c *Cache) BlockSize() uint32 { return c.blockSize }

// ImageSize returns the size of the underlying image file in bytes.
func (c *Cache) ImageSize() int64 { return c.imageSize }

// DamageMap returns the damage map this cache propagates readability from.
func (c *Cache) DamageMap() *damagemap.Map { return c.dmg }

// Close unmaps every page and closes the underlying file descriptor. It
// reports (via the returned count) how many pages still had outstanding
// external references at teardown time; those pages are unmapped anyway.
func (c *Cache) Close() (danglingPages int, err error) {
	if c.closed {
		return 0, nil
	}
	c.closed = true
	dangling := 0
	for _, p := range c.pages {
		if p.refCount > 1 {
			dangling++
		}
		if uerr := unmapPage(p); uerr != nil && err == nil {
			err = uerr
		}
	}
	c.pages = nil
	c.lru = nil
	if cerr := c.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	c.danglingOnClose = dangling
	return dangling, err
}

func unmapPage(p *pageEntry) error {
	if p.data == nil {
		return nil
	}
	err := unix.Munmap(p.data)
	p.data = nil
	return err
}

// pageForOffset gets or creates the page containing absolute byte offset
// pos, promoting it to most-recently-used. It does not increment the
// caller's refcount; callers that hand out a CachedBlock/View must increment
// refCount themselves and drop it again through release below.
func (c *Cache) pageForOffset(pos int64) (*pageEntry, error) {
	pageNum := uint64(pos) / hostPageSize
	if p, ok := c.pages[pageNum]; ok {
		c.lru.MoveToFront(p.elem)
		return p, nil
	}
	if len(c.pages) >= c.capacity {
		c.evictOne()
	}
	data, err := c.mapPage(pageNum)
	if err != nil {
		return nil, err
	}
	begin := pageNum * hostPageSize
	end := begin + hostPageSize
	ok := c.dmg.AllGood(begin, end)
	p := &pageEntry{pageNum: pageNum, data: data, ok: ok, refCount: 1}
	p.elem = c.lru.PushFront(p)
	c.pages[pageNum] = p
	return p, nil
}

func (c *Cache) mapPage(pageNum uint64) ([]byte, error) {
	offset := int64(pageNum) * hostPageSize
	if offset >= c.imageSize {
		return nil, fmt.Errorf("blockcache: page %d (offset %d) is beyond image size %d", pageNum, offset, c.imageSize)
	}
	data, err := unix.Mmap(int(c.f.Fd()), offset, hostPageSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("blockcache: mmap page %d: %w", pageNum, err)
	}
	return data, nil
}

// evictOne evicts the least-recently-used page whose only reference is the
// cache's own (refCount==1). If no such page exists, it does nothing and
// the cache grows past its nominal capacity rather than refuse service.
func (c *Cache) evictOne() {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		p := e.Value.(*pageEntry)
		if p.refCount == 1 {
			c.lru.Remove(e)
			delete(c.pages, p.pageNum)
			p.evicted = true
			p.refCount = 0
			_ = unmapPage(p)
			return
		}
	}
}

func (c *Cache) release(p *pageEntry) {
	p.refCount--
	if p.evicted && p.refCount <= 0 {
		_ = unmapPage(p)
	}
}

// CachedBlock is a refcounted view of raw bytes inside a mapped page,
// returned by Request.
type CachedBlock struct {
	cache *Cache
	page  *pageEntry
	data  []byte
	ok    bool
}

// OK reports whether every byte in this view is readable.
func (v *CachedBlock) OK() bool { return v.ok }

// Bytes returns the underlying byte slice. It is only valid until Release.
func (v *CachedBlock) Bytes() []byte { return v.data }

// Release returns the view's reference to the cache. It is safe to call at
// most once.
func (v *CachedBlock) Release() {
	if v.page == nil || v.cache == nil {
		return
	}
	v.cache.release(v.page)
	v.page = nil
	v.cache = nil
}

// Request obtains (inserting or promoting) the page containing block, and
// returns a view at [block*blockSize+byteOffset, (block+1)*blockSize).
func (c *Cache) Request(block uint64, byteOffset uint32) (*CachedBlock, error) {
	blockStart := block * uint64(c.blockSize)
	pos := int64(blockStart) + int64(byteOffset)
	p, err := c.pageForOffset(pos)
	if err != nil {
		return nil, err
	}
	p.refCount++
	blockEnd := blockStart + uint64(c.blockSize)
	inPageOffset := pos - int64(p.pageNum)*hostPageSize
	inPageEnd := int64(blockEnd) - int64(p.pageNum)*hostPageSize
	if inPageEnd > hostPageSize {
		inPageEnd = hostPageSize
	}
	if inPageOffset < 0 || inPageOffset > int64(len(p.data)) || inPageEnd < inPageOffset {
		c.release(p)
		return nil, fmt.Errorf("blockcache: request offset out of page bounds")
	}
	ok := p.ok && c.dmg.AllGood(blockStart+uint64(byteOffset), blockEnd)
	cb := &CachedBlock{cache: c, page: p, data: p.data[inPageOffset:inPageEnd], ok: ok}
	return cb, nil
}

// View is a refcounted handle borrowing a byte slice inside a page,
// interpreted by callers as an on-disk structure of type S. S is a type tag
// only: decoding is always done field-by-field, little-endian, by the
// caller (ext4image), never by reinterpreting Go memory layout.
type View[S any] struct {
	cache *Cache
	page  *pageEntry
	data  []byte
	ok    bool
}

// OK reports page.ok && DamageMap.AllGood over this view's absolute byte
// range.
func (v *View[S]) OK() bool { return v.ok }

// Bytes returns the raw on-disk bytes for this struct. Valid until Release.
func (v *View[S]) Bytes() []byte { return v.data }

// Release returns the view's reference to the cache.
func (v *View[S]) Release() {
	if v.cache == nil || v.page == nil {
		return
	}
	v.cache.release(v.page)
	v.page = nil
	v.cache = nil
}

// unmappedView returns the "unmapped, not ok" sentinel used when the caller
// has already decided the struct is unreachable (e.g. a group descriptor
// that could not be located).
func unmappedView[S any]() *View[S] {
	return &View[S]{ok: false}
}

// RequestStruct restricts Request to exactly size bytes, the on-disk size
// of S, and reports ok = page.ok && DamageMap.AllGood(absolute byte range).
func RequestStruct[S any](c *Cache, block uint64, offset uint32, size uint32) (*View[S], error) {
	blockStart := block * uint64(c.blockSize)
	if uint64(offset)+uint64(size) > uint64(c.blockSize) {
		return unmappedView[S](), fmt.Errorf("blockcache: struct [%d,%d) overruns block size %d", offset, uint64(offset)+uint64(size), c.blockSize)
	}
	pos := int64(blockStart) + int64(offset)
	p, err := c.pageForOffset(pos)
	if err != nil {
		return unmappedView[S](), err
	}
	p.refCount++
	inPageOffset := pos - int64(p.pageNum)*hostPageSize
	inPageEnd := inPageOffset + int64(size)
	if inPageEnd > hostPageSize || inPageOffset < 0 {
		c.release(p)
		return unmappedView[S](), fmt.Errorf("blockcache: struct view crosses a page boundary unexpectedly")
	}
	begin := blockStart + uint64(offset)
	end := begin + uint64(size)
	ok := p.ok && c.dmg.AllGood(begin, end)
	return &View[S]{cache: c, page: p, data: p.data[inPageOffset:inPageEnd], ok: ok}, nil
}

// UnmappedStruct returns the "unmapped, not ok" sentinel for S, with no
// backing page, for use when the caller already knows the struct cannot be
// reached (e.g. an out-of-range inode or group number).
func UnmappedStruct[S any]() *View[S] {
	return unmappedView[S]()
}

// MappedExtent maps exactly blockCount*blockSize bytes, aligned down to the
// containing host pages, independent of the LRU cache: it is unmapped when
// the handle is released, regardless of the cache's eviction policy.
type MappedExtent struct {
	data       []byte
	pageAlign  int64
	innerBegin int64
	innerEnd   int64
	ok         bool
}

// Bytes returns the mapped extent's bytes, already sliced to the requested
// [0, blockCount*blockSize) range (not the page-aligned superset).
func (m *MappedExtent) Bytes() []byte {
	return m.data[m.innerBegin:m.innerEnd]
}

// OK reports whether the damage map marks the full aligned range good.
func (m *MappedExtent) OK() bool { return m.ok }

// Release unmaps exactly the pages this handle mapped.
func (m *MappedExtent) Release() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// MapExtent maps physicalBlock for blockCount blocks, independent of the
// page cache. The mapping is not inserted into the LRU and does not count
// against capacity.
func (c *Cache) MapExtent(physicalBlock uint64, blockCount uint32) (*MappedExtent, error) {
	begin := physicalBlock * uint64(c.blockSize)
	length := uint64(blockCount) * uint64(c.blockSize)
	end := begin + length
	alignedBegin := (begin / hostPageSize) * hostPageSize
	alignedEnd := ((end + hostPageSize - 1) / hostPageSize) * hostPageSize
	if alignedEnd > uint64(c.imageSize) {
		alignedEnd = ((uint64(c.imageSize) + hostPageSize - 1) / hostPageSize) * hostPageSize
	}
	mapLen := alignedEnd - alignedBegin
	if mapLen == 0 {
		return &MappedExtent{ok: false}, nil
	}
	data, err := unix.Mmap(int(c.f.Fd()), int64(alignedBegin), int(mapLen), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("blockcache: mmap extent at block %d: %w", physicalBlock, err)
	}
	ok := c.dmg.AllGood(alignedBegin, alignedEnd)
	return &MappedExtent{
		data:       data,
		pageAlign:  int64(alignedBegin),
		innerBegin: int64(begin - alignedBegin),
		innerEnd:   int64(begin-alignedBegin) + int64(length),
		ok:         ok,
	}, nil
}
