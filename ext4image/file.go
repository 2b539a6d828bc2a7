package ext4image

import (
	"io"

	"github.com/ext4rescue/ext4rescue/blockcache"
)

// rawFileBlock tags a whole-block view used when streaming file data.
type rawFileBlock struct{}

// FileReader is a sequential io.Reader over a regular file's (or slow
// symlink's) data, built directly on ExtentReader + BlockCache rather than
// on whole-file buffering. Bytes in a gap between extents (a hole, or an
// extent the ExtentReader could not resolve) read back as zero;
// Unreadable accumulates how many such bytes have been produced so far.
type FileReader struct {
	cache     *blockcache.Cache
	extents   *ExtentReader
	blockSize uint64
	size      uint64
	cursor    uint64

	havePeek  bool
	peeked    bool
	peekedExt Extent

	unreadable uint64
}

// NewFileReader returns a FileReader over the data described by extents,
// bounded to size bytes.
func NewFileReader(cache *blockcache.Cache, extents *ExtentReader, size uint64, blockSize uint32) *FileReader {
	return &FileReader{cache: cache, extents: extents, size: size, blockSize: uint64(blockSize)}
}

// Unreadable returns the number of zero-filled bytes produced so far in
// place of data that could not be recovered. It does not distinguish a
// genuine sparse-file hole from corruption; the scanner's own mapped/
// reachable/readable accounting is authoritative for that.
func (r *FileReader) Unreadable() uint64 { return r.unreadable }

func (r *FileReader) ensurePeek() {
	if r.peeked {
		return
	}
	ext, ok := r.extents.Next()
	r.peeked = true
	r.havePeek = ok
	r.peekedExt = ext
}

// Read implements io.Reader, yielding the file's bytes in logical order.
func (r *FileReader) Read(p []byte) (int, error) {
	if r.cursor >= r.size {
		return 0, io.EOF
	}
	if uint64(len(p)) > r.size-r.cursor {
		p = p[:r.size-r.cursor]
	}

	n := uint64(0)
	for n < uint64(len(p)) {
		r.ensurePeek()

		var segEnd uint64
		var haveExtent bool
		var extStart uint64

		if !r.havePeek {
			segEnd = r.size
		} else {
			extStart = uint64(r.peekedExt.LogicalBlock) * r.blockSize
			if extStart > r.cursor {
				segEnd = min64(extStart, r.size)
			} else {
				extEnd := extStart + uint64(EffectiveCount(r.peekedExt))*r.blockSize
				if r.cursor >= extEnd {
					r.peeked = false
					continue
				}
				segEnd = min64(extEnd, r.size)
				haveExtent = true
			}
		}

		avail := segEnd - r.cursor
		toCopy := avail
		if rem := uint64(len(p)) - n; toCopy > rem {
			toCopy = rem
		}

		dst := p[n : n+toCopy]
		if haveExtent {
			r.copyFromExtent(r.peekedExt, extStart, r.cursor, toCopy, dst)
		} else {
			zeroFill(dst)
			r.unreadable += toCopy
		}

		r.cursor += toCopy
		n += toCopy
	}

	var err error
	if r.cursor >= r.size {
		err = io.EOF
	}
	return int(n), err
}

// copyFromExtent reads n bytes starting at logical byte segStart (which
// lies within ext, itself beginning at logical byte extStart) into dst.
func (r *FileReader) copyFromExtent(ext Extent, extStart, segStart, n uint64, dst []byte) {
	if !ext.OK {
		zeroFill(dst)
		r.unreadable += n
		return
	}
	offsetInExtent := segStart - extStart
	physBlock := ext.PhysicalBlock + offsetInExtent/r.blockSize
	inBlockOffset := uint32(offsetInExtent % r.blockSize)

	copied := uint64(0)
	for copied < n {
		chunk := r.blockSize - uint64(inBlockOffset)
		if rem := n - copied; chunk > rem {
			chunk = rem
		}
		view, err := blockcache.RequestStruct[rawFileBlock](r.cache, physBlock, inBlockOffset, uint32(chunk))
		if err != nil || !view.OK() {
			zeroFill(dst[copied : copied+chunk])
			r.unreadable += chunk
		} else {
			copy(dst[copied:copied+chunk], view.Bytes())
		}
		if view != nil {
			view.Release()
		}
		copied += chunk
		physBlock++
		inBlockOffset = 0
	}
}

func zeroFill(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
