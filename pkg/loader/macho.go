package loader

import (
	"fmt"
	"sort"

	"github.com/blacktop/go-macho"
)

// MachO adapts a Mach-O file to the Object interface.
type MachO struct {
	name   string
	rebase uint64
	f      *macho.File
}

// NewMachO wraps an already-open Mach-O file. rebase is the slide applied by
// the loader, zero for un-slid images.
func NewMachO(name string, f *macho.File, rebase uint64) *MachO {
	return &MachO{name: name, rebase: rebase, f: f}
}

// OpenMachO opens path and wraps it.
func OpenMachO(path string, rebase uint64) (*MachO, error) {
	f, err := macho.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return NewMachO(path, f, rebase), nil
}

func (m *MachO) Name() string       { return m.name }
func (m *MachO) RebaseAddr() uint64 { return m.rebase }

// File exposes the underlying Mach-O for callers that need more than the
// Object surface (symbol names, function starts).
func (m *MachO) File() *macho.File { return m.f }

func (m *MachO) Sections() []Region {
	execSegs := make(map[string]bool)
	for _, seg := range m.f.Segments() {
		execSegs[seg.Name] = seg.Prot.Execute()
	}
	regions := make([]Region, 0, len(m.f.Sections))
	for _, sec := range m.f.Sections {
		regions = append(regions, Region{
			Name:       sec.Seg + "." + sec.Name,
			Addr:       sec.Addr,
			Size:       sec.Size,
			Executable: execSegs[sec.Seg],
		})
	}
	sortRegions(regions)
	return regions
}

func (m *MachO) Segments() []Region {
	segs := m.f.Segments()
	regions := make([]Region, 0, len(segs))
	for _, seg := range segs {
		if seg.Name == "__PAGEZERO" {
			continue
		}
		regions = append(regions, Region{
			Name:       seg.Name,
			Addr:       seg.Addr,
			Size:       seg.Memsz,
			Executable: seg.Prot.Execute(),
		})
	}
	sortRegions(regions)
	return regions
}

func (m *MachO) Chunks() []Region {
	// Mach-O always carries segments; no raw fallback needed.
	return nil
}

func sortRegions(regions []Region) {
	sort.Slice(regions, func(i, j int) bool { return regions[i].Addr < regions[j].Addr })
}
