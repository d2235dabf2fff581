// Package loader abstracts the binary objects a CFG is recovered from. The
// core only needs executable address ranges, a rebase offset per object, and
// a reverse lookup from address to owning object; anything that can supply
// those can drive an analysis.
package loader

import "sort"

// Region is one contiguous virtual address range of an object, rebased.
type Region struct {
	Name       string
	Addr       uint64
	Size       uint64
	Executable bool
}

// End returns the first address past the region.
func (r Region) End() uint64 { return r.Addr + r.Size }

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint64) bool { return r.Addr <= addr && addr < r.End() }

// Object is one loaded binary image.
type Object interface {
	// Name identifies the object, usually its file path.
	Name() string
	// RebaseAddr is the offset the object was slid by at load time.
	RebaseAddr() uint64
	// Sections returns the object's sections, un-rebased. May be empty.
	Sections() []Region
	// Segments returns the object's segments, un-rebased. May be empty.
	Segments() []Region
	// Chunks returns raw loaded-memory extents, used as a fallback when an
	// object exposes neither sections nor segments.
	Chunks() []Region
}

// Loader enumerates loaded objects.
type Loader interface {
	// Objects returns every loaded object, main object first.
	Objects() []Object
	// Main returns the main loaded object.
	Main() Object
	// ObjectContaining returns the object owning addr, or nil.
	ObjectContaining(addr uint64) Object
}

// SectionFor returns the rebased section of l containing addr, if any.
func SectionFor(l Loader, addr uint64) (Region, bool) {
	return regionFor(l, addr, Object.Sections)
}

// SegmentFor returns the rebased segment of l containing addr, if any.
func SegmentFor(l Loader, addr uint64) (Region, bool) {
	return regionFor(l, addr, Object.Segments)
}

func regionFor(l Loader, addr uint64, regions func(Object) []Region) (Region, bool) {
	obj := l.ObjectContaining(addr)
	if obj == nil {
		return Region{}, false
	}
	for _, r := range regions(obj) {
		r.Addr += obj.RebaseAddr()
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// Image is an in-memory Object for tests and synthetic inputs.
type Image struct {
	ImageName string
	Rebase    uint64
	Sects     []Region
	Segs      []Region
	Raw       []Region
}

func (i *Image) Name() string       { return i.ImageName }
func (i *Image) RebaseAddr() uint64 { return i.Rebase }
func (i *Image) Sections() []Region { return i.Sects }
func (i *Image) Segments() []Region { return i.Segs }
func (i *Image) Chunks() []Region   { return i.Raw }

// Static is a Loader over a fixed object list.
type Static struct {
	objs []Object
}

// NewStatic creates a loader over objs; the first object is the main one.
func NewStatic(objs ...Object) *Static {
	return &Static{objs: objs}
}

func (s *Static) Objects() []Object { return s.objs }

func (s *Static) Main() Object {
	if len(s.objs) == 0 {
		return nil
	}
	return s.objs[0]
}

func (s *Static) ObjectContaining(addr uint64) Object {
	for _, o := range s.objs {
		regions := o.Sections()
		if len(regions) == 0 {
			regions = o.Segments()
		}
		if len(regions) == 0 {
			regions = o.Chunks()
		}
		// regions are kept sorted by producers; a linear scan is fine for
		// the handful of objects a process maps
		i := sort.Search(len(regions), func(i int) bool {
			return regions[i].End()+o.RebaseAddr() > addr
		})
		if i < len(regions) {
			r := regions[i]
			r.Addr += o.RebaseAddr()
			if r.Contains(addr) {
				return o
			}
		}
	}
	return nil
}
