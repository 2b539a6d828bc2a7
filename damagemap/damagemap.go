// Package damagemap indexes which byte ranges of a disk image are known
// good or known bad, and answers range queries against that index.
//
// A Map is built once, either from a parsed ddrescue log (see the sibling
// rescuelog package) or synthesized as a single all-good region spanning the
// whole image when no rescue log is available. It is immutable afterward.
package damagemap

import (
	"fmt"
	"sort"
)

// Region is a contiguous, half-open byte range [Position, Position+Size)
// that is either entirely readable (Good) or entirely unreadable.
type Region struct {
	Position uint64
	Size     uint64
	Good     bool
}

// end returns the exclusive end offset of the region.
func (r Region) end() uint64 {
	return r.Position + r.Size
}

// Map is a sorted, contiguous partition of [0, imageSize) into Regions.
type Map struct {
	regions   []Region
	imageSize uint64
}

// New builds a Map from regions already known to be a contiguous, sorted
// partition of [0, imageSize). rescuelog.Load builds its Map through it; the
// all-good fallback AllGood constructs its single region directly.
func New(regions []Region, imageSize uint64) (*Map, error) {
	var pos uint64
	for i, r := range regions {
		if r.Position != pos {
			return nil, fmt.Errorf("damagemap: region %d starts at %d, expected %d (gap or overlap)", i, r.Position, pos)
		}
		pos = r.end()
	}
	if pos != imageSize {
		return nil, fmt.Errorf("damagemap: regions cover [0,%d), expected [0,%d)", pos, imageSize)
	}
	cp := make([]Region, len(regions))
	copy(cp, regions)
	return &Map{regions: cp, imageSize: imageSize}, nil
}

// AllGood builds a Map consisting of a single good region spanning the whole
// image, used when no rescue log was supplied.
func AllGood(imageSize uint64) *Map {
	return &Map{
		regions:   []Region{{Position: 0, Size: imageSize, Good: true}},
		imageSize: imageSize,
	}
}

// ErrOutOfRange is returned by locate when pos is outside the image.
var ErrOutOfRange = fmt.Errorf("damagemap: position out of range")

// locate returns the index of the region containing pos.
func (m *Map) locate(pos uint64) (int, error) {
	if pos >= m.imageSize {
		return 0, ErrOutOfRange
	}
	idx := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].end() > pos
	})
	if idx >= len(m.regions) {
		return 0, ErrOutOfRange
	}
	return idx, nil
}

// AllGood reports whether every byte in [begin, end) is readable. An empty
// or inverted range is vacuously true.
func (m *Map) AllGood(begin, end uint64) bool {
	if end <= begin {
		return true
	}
	idx, err := m.locate(begin)
	if err != nil {
		return false
	}
	for pos := begin; pos < end; {
		r := m.regions[idx]
		if !r.Good {
			return false
		}
		pos = r.end()
		idx++
		if idx >= len(m.regions) {
			break
		}
	}
	return true
}

// CountReadableBytes sums the readable portion of [begin, end). The result
// is always <= end-begin.
func (m *Map) CountReadableBytes(begin, end uint64) uint64 {
	if end <= begin {
		return 0
	}
	idx, err := m.locate(begin)
	if err != nil {
		return 0
	}
	var readable uint64
	for pos := begin; pos < end && idx < len(m.regions); idx++ {
		r := m.regions[idx]
		segEnd := r.end()
		if segEnd > end {
			segEnd = end
		}
		if r.Good {
			readable += segEnd - pos
		}
		pos = segEnd
	}
	return readable
}

// TotalBadByteCount sums the size of every bad region in the map.
func (m *Map) TotalBadByteCount() uint64 {
	var bad uint64
	for _, r := range m.regions {
		if !r.Good {
			bad += r.Size
		}
	}
	return bad
}

// ImageSize returns the image size this map was built against.
func (m *Map) ImageSize() uint64 {
	return m.imageSize
}

// Regions returns a copy of the underlying region list, sorted by Position.
func (m *Map) Regions() []Region {
	cp := make([]Region, len(m.regions))
	copy(cp, m.regions)
	return cp
}
