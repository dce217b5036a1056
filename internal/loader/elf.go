package loader

import "encoding/binary"

// Hand-rolled ELF64 layout: the relocation rules in this package (§4.1)
// are specific to this ISA's two relocation kinds and are not exposed by
// a general-purpose ELF reader, so the handful of structures actually
// needed are decoded directly with encoding/binary (see DESIGN.md).

const (
	elfMagic0 = 0x7f
	elfMagic1 = 'E'
	elfMagic2 = 'L'
	elfMagic3 = 'F'

	elfClass64    = 2
	elfDataLSB    = 1
	elfVersionCur = 1

	elfOSABINone = 0 // "generic"/System V

	etREL = 2 // relocatable object type

	emNone = 0
	emBPF  = 247

	maxSections = 32

	ehdrSize = 64
	shdrSize = 64
	symSize  = 24
	relSize  = 16
)

// section header types
const (
	shtNull    = 0
	shtProgbits = 1
	shtSymtab  = 2
	shtStrtab  = 3
	shtRel     = 9
	shtNobits  = 8
)

// section header flags
const (
	shfWrite     = 0x1
	shfAlloc     = 0x2
	shfExecinstr = 0x4
)

// symbol table entry "type" (low 4 bits of st_info)
const sttFunc = 2

const (
	relBPF6464 = 1 // R_BPF_64_64: data reference
	relBPF6432 = 2 // R_BPF_64_32: call / helper reference
)

type elfHeader struct {
	Class      byte
	Data       byte
	Version    byte
	OSABI      byte
	Type       uint16
	Machine    uint16
	SHOff      uint64
	SHEntSize  uint16
	SHNum      uint16
	SHStrNdx   uint16
}

func parseELFHeader(b []byte) (elfHeader, error) {
	if len(b) < ehdrSize {
		return elfHeader{}, wrapf(ErrMalformedImage, "image shorter than ELF header (%d bytes)", len(b))
	}
	if b[0] != elfMagic0 || b[1] != elfMagic1 || b[2] != elfMagic2 || b[3] != elfMagic3 {
		return elfHeader{}, wrapf(ErrMalformedImage, "bad ELF magic")
	}
	h := elfHeader{
		Class:   b[4],
		Data:    b[5],
		Version: b[6],
		OSABI:   b[7],
	}
	if h.Class != elfClass64 {
		return elfHeader{}, wrapf(ErrUnsupportedImage, "not a 64-bit object (class=%d)", h.Class)
	}
	if h.Data != elfDataLSB {
		return elfHeader{}, wrapf(ErrUnsupportedImage, "not little-endian (data=%d)", h.Data)
	}
	if h.Version != elfVersionCur {
		return elfHeader{}, wrapf(ErrUnsupportedImage, "unsupported ELF version %d", h.Version)
	}
	if h.OSABI != elfOSABINone {
		return elfHeader{}, wrapf(ErrUnsupportedImage, "unsupported OS ABI %d", h.OSABI)
	}
	h.Type = binary.LittleEndian.Uint16(b[16:18])
	if h.Type != etREL {
		return elfHeader{}, wrapf(ErrUnsupportedImage, "not a relocatable object (type=%d)", h.Type)
	}
	h.Machine = binary.LittleEndian.Uint16(b[18:20])
	if h.Machine != emNone && h.Machine != emBPF {
		return elfHeader{}, wrapf(ErrUnsupportedImage, "unsupported machine %d", h.Machine)
	}
	h.SHOff = binary.LittleEndian.Uint64(b[40:48])
	h.SHEntSize = binary.LittleEndian.Uint16(b[58:60])
	h.SHNum = binary.LittleEndian.Uint16(b[60:62])
	h.SHStrNdx = binary.LittleEndian.Uint16(b[62:64])
	if h.SHNum > maxSections {
		return elfHeader{}, wrapf(ErrMalformedImage, "too many sections (%d > %d)", h.SHNum, maxSections)
	}
	return h, nil
}

type sectionHeader struct {
	NameOff uint32
	Type    uint32
	Flags   uint64
	Addr    uint64
	Off     uint64
	Size    uint64
	Link    uint32
	Info    uint32
	Align   uint64
	EntSize uint64
}

func parseSectionHeader(b []byte) sectionHeader {
	return sectionHeader{
		NameOff: binary.LittleEndian.Uint32(b[0:4]),
		Type:    binary.LittleEndian.Uint32(b[4:8]),
		Flags:   binary.LittleEndian.Uint64(b[8:16]),
		Addr:    binary.LittleEndian.Uint64(b[16:24]),
		Off:     binary.LittleEndian.Uint64(b[24:32]),
		Size:    binary.LittleEndian.Uint64(b[32:40]),
		Link:    binary.LittleEndian.Uint32(b[40:44]),
		Info:    binary.LittleEndian.Uint32(b[44:48]),
		Align:   binary.LittleEndian.Uint64(b[48:56]),
		EntSize: binary.LittleEndian.Uint64(b[56:64]),
	}
}

func (s sectionHeader) executable() bool {
	return s.Type == shtProgbits && s.Flags&(shfAlloc|shfExecinstr) == (shfAlloc|shfExecinstr)
}

func (s sectionHeader) writableData() bool {
	return s.Type == shtProgbits && s.Flags&(shfAlloc|shfWrite) == (shfAlloc|shfWrite)
}

type elfSymbol struct {
	NameOff uint32
	Info    byte
	Other   byte
	Shndx   uint16
	Value   uint64
	Size    uint64
}

func parseSymbol(b []byte) elfSymbol {
	return elfSymbol{
		NameOff: binary.LittleEndian.Uint32(b[0:4]),
		Info:    b[4],
		Other:   b[5],
		Shndx:   binary.LittleEndian.Uint16(b[6:8]),
		Value:   binary.LittleEndian.Uint64(b[8:16]),
		Size:    binary.LittleEndian.Uint64(b[16:24]),
	}
}

func (s elfSymbol) symType() byte { return s.Info & 0x0f }

type elfRel struct {
	Offset uint64
	Info   uint64
}

func parseRel(b []byte) elfRel {
	return elfRel{
		Offset: binary.LittleEndian.Uint64(b[0:8]),
		Info:   binary.LittleEndian.Uint64(b[8:16]),
	}
}

func (r elfRel) symIndex() uint32 { return uint32(r.Info >> 32) }
func (r elfRel) relType() uint32  { return uint32(r.Info) }
