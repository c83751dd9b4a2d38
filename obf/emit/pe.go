package emit

import (
	"encoding/binary"

	"tlog.app/go/errors"

	"github.com/veilware/veil/obf/ir"
)

// PE32+ header offsets. Only the fields the rewrite touches are named.
const (
	peSignOff = 0x3c

	coffSections   = 6  // NumberOfSections, relative to PE signature
	coffOptSize    = 20 // SizeOfOptionalHeader
	optMagic       = 0
	optSectAlign   = 32
	optFileAlign   = 36
	optSizeOfImage = 56
	optSizeOfHdrs  = 60

	sectionEntry = 40

	secCode = 0x60000020 // code | execute | read
)

type peImage struct {
	b []byte

	pe   int // PE signature offset
	opt  int // optional header offset
	sect int // section table offset
	n    int // section count

	sectAlign uint32
	fileAlign uint32
}

func openPE(image []byte) (*peImage, error) {
	if len(image) < peSignOff+4 {
		return nil, errors.New("image too short")
	}

	pe := int(binary.LittleEndian.Uint32(image[peSignOff:]))
	if pe+24 > len(image) || string(image[pe:pe+4]) != "PE\x00\x00" {
		return nil, errors.New("bad PE signature")
	}

	opt := pe + 24
	optSize := int(binary.LittleEndian.Uint16(image[pe+coffOptSize:]))

	if optSize < optSizeOfHdrs+4 || opt+optSize > len(image) {
		return nil, errors.New("bad optional header")
	}
	if binary.LittleEndian.Uint16(image[opt+optMagic:]) != 0x20b {
		return nil, errors.New("not PE32+")
	}

	p := &peImage{
		b:    image,
		pe:   pe,
		opt:  opt,
		sect: opt + optSize,
		n:    int(binary.LittleEndian.Uint16(image[pe+coffSections:])),

		sectAlign: binary.LittleEndian.Uint32(image[opt+optSectAlign:]),
		fileAlign: binary.LittleEndian.Uint32(image[opt+optFileAlign:]),
	}

	if p.sect+p.n*sectionEntry > len(image) {
		return nil, errors.New("section table out of bounds")
	}

	return p, nil
}

func alignUp(v, a uint64) uint64 {
	if a == 0 {
		return v
	}

	return (v + a - 1) / a * a
}

// PlaceAfter returns the RVA where an appended section lands, which is where
// Module should lay the blob out.
func PlaceAfter(image []byte) (uint64, error) {
	p, err := openPE(image)
	if err != nil {
		return 0, err
	}

	size := binary.LittleEndian.Uint32(p.b[p.opt+optSizeOfImage:])

	return alignUp(uint64(size), uint64(p.sectAlign)), nil
}

// rvaToOff maps an RVA to its file offset through the section table.
func (p *peImage) rvaToOff(rva uint64) (int, error) {
	for i := 0; i < p.n; i++ {
		s := p.sect + i*sectionEntry

		vsize := uint64(binary.LittleEndian.Uint32(p.b[s+8:]))
		va := uint64(binary.LittleEndian.Uint32(p.b[s+12:]))
		raw := uint64(binary.LittleEndian.Uint32(p.b[s+20:]))

		if rva >= va && rva < va+vsize {
			return int(raw + rva - va), nil
		}
	}

	return 0, errors.New("rva %x not in any section", rva)
}

// Rewrite appends the code blob as a new executable section at RVA at and
// patches every rewritten function's original entry with a jmp thunk to its
// fresh body. Original bodies stay in place, so addresses taken before the
// rewrite keep working.
func Rewrite(image []byte, m *ir.Module, code []byte, at uint64, rvas map[ir.FuncID]uint64) ([]byte, error) {
	p, err := openPE(image)
	if err != nil {
		return nil, err
	}

	hdrs := binary.LittleEndian.Uint32(p.b[p.opt+optSizeOfHdrs:])
	tend := p.sect + p.n*sectionEntry

	if tend+sectionEntry > int(hdrs) {
		return nil, errors.New("no room in section table")
	}

	rawOff := alignUp(uint64(len(image)), uint64(p.fileAlign))
	rawSize := alignUp(uint64(len(code)), uint64(p.fileAlign))

	out := make([]byte, rawOff+rawSize)
	copy(out, image)
	copy(out[rawOff:], code)

	// section table entry
	s := out[tend : tend+sectionEntry]
	copy(s, ".veil\x00\x00\x00")
	binary.LittleEndian.PutUint32(s[8:], uint32(len(code)))
	binary.LittleEndian.PutUint32(s[12:], uint32(at))
	binary.LittleEndian.PutUint32(s[16:], uint32(rawSize))
	binary.LittleEndian.PutUint32(s[20:], uint32(rawOff))
	binary.LittleEndian.PutUint32(s[36:], secCode)

	binary.LittleEndian.PutUint16(out[p.pe+coffSections:], uint16(p.n+1))

	size := alignUp(at+uint64(len(code)), uint64(p.sectAlign))
	binary.LittleEndian.PutUint32(out[p.opt+optSizeOfImage:], uint32(size))

	for fn, nrva := range rvas {
		f := m.Funcs[fn]

		off, err := p.rvaToOff(f.RVA)
		if err != nil {
			return nil, errors.Wrap(err, "thunk for %v", f.Name)
		}

		d := int64(nrva) - int64(f.RVA+5)
		if d != int64(int32(d)) {
			return nil, errors.New("thunk for %v out of range", f.Name)
		}

		out[off] = 0xe9
		copy(out[off+1:], le32(int32(d)))
	}

	return out, nil
}
