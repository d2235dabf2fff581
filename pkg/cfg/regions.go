package cfg

import (
	"sort"

	"github.com/blacktop/go-cfg/pkg/loader"
)

// RegionIndex is a sorted list of executable address ranges, used to test
// quickly whether an address can hold code.
type RegionIndex struct {
	regions []loader.Region
	total   uint64
}

// NewRegionIndex collects the executable ranges of binary (or of every
// loaded object when binary is nil), rebased and sorted ascending. Sections
// are preferred; forceSegment switches to segments; an object exposing
// neither falls back to its raw loaded-memory chunks.
func NewRegionIndex(ldr loader.Loader, binary loader.Object, forceSegment bool) *RegionIndex {
	var objs []loader.Object
	if binary != nil {
		objs = []loader.Object{binary}
	} else if ldr != nil {
		objs = ldr.Objects()
	}

	var regions []loader.Region
	for _, obj := range objs {
		rebase := obj.RebaseAddr()
		src := obj.Sections()
		if forceSegment || len(src) == 0 {
			src = obj.Segments()
		}
		for _, r := range src {
			if !r.Executable {
				continue
			}
			r.Addr += rebase
			regions = append(regions, r)
		}
	}

	if len(regions) == 0 && ldr != nil && ldr.Main() != nil {
		main := ldr.Main()
		for _, r := range main.Chunks() {
			r.Addr += main.RebaseAddr()
			regions = append(regions, r)
		}
	}

	sort.Slice(regions, func(i, j int) bool { return regions[i].Addr < regions[j].Addr })

	var total uint64
	for _, r := range regions {
		total += r.Size
	}

	return &RegionIndex{regions: regions, total: total}
}

// Contains reports whether addr lies in an executable region.
func (x *RegionIndex) Contains(addr uint64) bool {
	i := sort.Search(len(x.regions), func(i int) bool { return x.regions[i].End() > addr })
	return i < len(x.regions) && x.regions[i].Contains(addr)
}

// Regions returns the collected ranges in ascending order.
func (x *RegionIndex) Regions() []loader.Region { return x.regions }

// TotalSize returns the summed size of all executable ranges.
func (x *RegionIndex) TotalSize() uint64 { return x.total }
