package peview

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	dosHeaderSize     = 64
	fileHeaderSize    = 20
	sectionHeaderSize = 40
	dataDirectorySize = 8

	optionalHeader32Size = 96
	optionalHeader64Size = 112

	// Offset of CheckSum inside both optional header layouts.
	checksumFieldOffset = 64
)

var (
	dosSignature = []byte("MZ")
	peSignature  = []byte("PE\x00\x00")
)

type dosHeader struct {
	Magic    uint16     `struc:"uint16,little"`
	Cblp     uint16     `struc:"uint16,little"`
	Cp       uint16     `struc:"uint16,little"`
	Crlc     uint16     `struc:"uint16,little"`
	Cparhdr  uint16     `struc:"uint16,little"`
	MinAlloc uint16     `struc:"uint16,little"`
	MaxAlloc uint16     `struc:"uint16,little"`
	Ss       uint16     `struc:"uint16,little"`
	Sp       uint16     `struc:"uint16,little"`
	Csum     uint16     `struc:"uint16,little"`
	IP       uint16     `struc:"uint16,little"`
	Cs       uint16     `struc:"uint16,little"`
	Lfarlc   uint16     `struc:"uint16,little"`
	Ovno     uint16     `struc:"uint16,little"`
	Res      [4]uint16  `struc:"[4]uint16,little"`
	OemID    uint16     `struc:"uint16,little"`
	OemInfo  uint16     `struc:"uint16,little"`
	Res2     [10]uint16 `struc:"[10]uint16,little"`
	Lfanew   uint32     `struc:"uint32,little"`
}

type rawFileHeader struct {
	Machine              uint16 `struc:"uint16,little"`
	NumberOfSections     uint16 `struc:"uint16,little"`
	TimeDateStamp        uint32 `struc:"uint32,little"`
	PointerToSymbolTable uint32 `struc:"uint32,little"`
	NumberOfSymbols      uint32 `struc:"uint32,little"`
	SizeOfOptionalHeader uint16 `struc:"uint16,little"`
	Characteristics      uint16 `struc:"uint16,little"`
}

type rawOptionalHeader32 struct {
	Magic                       uint16 `struc:"uint16,little"`
	MajorLinkerVersion          uint8  `struc:"uint8"`
	MinorLinkerVersion          uint8  `struc:"uint8"`
	SizeOfCode                  uint32 `struc:"uint32,little"`
	SizeOfInitializedData       uint32 `struc:"uint32,little"`
	SizeOfUninitializedData     uint32 `struc:"uint32,little"`
	AddressOfEntryPoint         uint32 `struc:"uint32,little"`
	BaseOfCode                  uint32 `struc:"uint32,little"`
	BaseOfData                  uint32 `struc:"uint32,little"`
	ImageBase                   uint32 `struc:"uint32,little"`
	SectionAlignment            uint32 `struc:"uint32,little"`
	FileAlignment               uint32 `struc:"uint32,little"`
	MajorOperatingSystemVersion uint16 `struc:"uint16,little"`
	MinorOperatingSystemVersion uint16 `struc:"uint16,little"`
	MajorImageVersion           uint16 `struc:"uint16,little"`
	MinorImageVersion           uint16 `struc:"uint16,little"`
	MajorSubsystemVersion       uint16 `struc:"uint16,little"`
	MinorSubsystemVersion       uint16 `struc:"uint16,little"`
	Win32VersionValue           uint32 `struc:"uint32,little"`
	SizeOfImage                 uint32 `struc:"uint32,little"`
	SizeOfHeaders               uint32 `struc:"uint32,little"`
	CheckSum                    uint32 `struc:"uint32,little"`
	Subsystem                   uint16 `struc:"uint16,little"`
	DllCharacteristics          uint16 `struc:"uint16,little"`
	SizeOfStackReserve          uint32 `struc:"uint32,little"`
	SizeOfStackCommit           uint32 `struc:"uint32,little"`
	SizeOfHeapReserve           uint32 `struc:"uint32,little"`
	SizeOfHeapCommit            uint32 `struc:"uint32,little"`
	LoaderFlags                 uint32 `struc:"uint32,little"`
	NumberOfRvaAndSizes         uint32 `struc:"uint32,little"`
}

type rawOptionalHeader64 struct {
	Magic                       uint16 `struc:"uint16,little"`
	MajorLinkerVersion          uint8  `struc:"uint8"`
	MinorLinkerVersion          uint8  `struc:"uint8"`
	SizeOfCode                  uint32 `struc:"uint32,little"`
	SizeOfInitializedData       uint32 `struc:"uint32,little"`
	SizeOfUninitializedData     uint32 `struc:"uint32,little"`
	AddressOfEntryPoint         uint32 `struc:"uint32,little"`
	BaseOfCode                  uint32 `struc:"uint32,little"`
	ImageBase                   uint64 `struc:"uint64,little"`
	SectionAlignment            uint32 `struc:"uint32,little"`
	FileAlignment               uint32 `struc:"uint32,little"`
	MajorOperatingSystemVersion uint16 `struc:"uint16,little"`
	MinorOperatingSystemVersion uint16 `struc:"uint16,little"`
	MajorImageVersion           uint16 `struc:"uint16,little"`
	MinorImageVersion           uint16 `struc:"uint16,little"`
	MajorSubsystemVersion       uint16 `struc:"uint16,little"`
	MinorSubsystemVersion       uint16 `struc:"uint16,little"`
	Win32VersionValue           uint32 `struc:"uint32,little"`
	SizeOfImage                 uint32 `struc:"uint32,little"`
	SizeOfHeaders               uint32 `struc:"uint32,little"`
	CheckSum                    uint32 `struc:"uint32,little"`
	Subsystem                   uint16 `struc:"uint16,little"`
	DllCharacteristics          uint16 `struc:"uint16,little"`
	SizeOfStackReserve          uint64 `struc:"uint64,little"`
	SizeOfStackCommit           uint64 `struc:"uint64,little"`
	SizeOfHeapReserve           uint64 `struc:"uint64,little"`
	SizeOfHeapCommit            uint64 `struc:"uint64,little"`
	LoaderFlags                 uint32 `struc:"uint32,little"`
	NumberOfRvaAndSizes         uint32 `struc:"uint32,little"`
}

type rawSectionHeader struct {
	Name                 [8]byte `struc:"[8]byte"`
	VirtualSize          uint32  `struc:"uint32,little"`
	VirtualAddress       uint32  `struc:"uint32,little"`
	SizeOfRawData        uint32  `struc:"uint32,little"`
	PointerToRawData     uint32  `struc:"uint32,little"`
	PointerToRelocations uint32  `struc:"uint32,little"`
	PointerToLinenumbers uint32  `struc:"uint32,little"`
	NumberOfRelocations  uint16  `struc:"uint16,little"`
	NumberOfLinenumbers  uint16  `struc:"uint16,little"`
	Characteristics      uint32  `struc:"uint32,little"`
}

func formatErr(kind error, offset int64, format string, args ...interface{}) *FormatError {
	return &FormatError{Err: kind, Offset: offset, Detail: fmt.Sprintf(format, args...)}
}

// Parse validates buf as a PE image and returns its header view. buf is
// borrowed: the caller must keep it alive and unmodified while the
// returned image is in use.
func Parse(buf []byte) (*MappedImage, error) {
	c := cursor{data: buf}

	if len(buf) < len(dosSignature) || !bytes.Equal(buf[:2], dosSignature) {
		return nil, formatErr(ErrNotAPeFile, 0, "missing MZ signature")
	}
	var dos dosHeader
	if err := c.unpack(0, &dos); err != nil {
		return nil, formatErr(ErrTruncatedHeader, 0, "DOS header needs %d bytes, have %d", dosHeaderSize, len(buf))
	}

	ntOffset := int64(dos.Lfanew)
	sig, err := c.span(ntOffset, len(peSignature))
	if err != nil {
		return nil, formatErr(ErrTruncatedHeader, ntOffset, "NT signature past end of buffer")
	}
	if !bytes.Equal(sig, peSignature) {
		return nil, formatErr(ErrNotAPeFile, ntOffset, "bad NT signature %q", sig)
	}

	img := &MappedImage{data: buf, ntOffset: ntOffset}

	fileHeaderOffset := ntOffset + int64(len(peSignature))
	var fh rawFileHeader
	if err := c.unpack(fileHeaderOffset, &fh); err != nil {
		return nil, formatErr(ErrTruncatedHeader, fileHeaderOffset, "file header")
	}
	img.File = FileHeader{
		Machine:              fh.Machine,
		NumberOfSections:     fh.NumberOfSections,
		TimeDateStamp:        fh.TimeDateStamp,
		SizeOfOptionalHeader: fh.SizeOfOptionalHeader,
		Characteristics:      fh.Characteristics,
	}

	optOffset := fileHeaderOffset + fileHeaderSize
	if err := img.parseOptionalHeader(c, optOffset); err != nil {
		return nil, err
	}
	img.checksumOffset = optOffset + checksumFieldOffset

	sectionOffset := optOffset + int64(fh.SizeOfOptionalHeader)
	if err := img.parseSections(c, sectionOffset); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *MappedImage) parseOptionalHeader(c cursor, offset int64) error {
	magic, err := c.u16(offset)
	if err != nil {
		return formatErr(ErrTruncatedHeader, offset, "optional header magic")
	}

	var fixedSize int64
	switch magic {
	case Magic32:
		var oh rawOptionalHeader32
		if err := c.unpack(offset, &oh); err != nil {
			return formatErr(ErrTruncatedHeader, offset, "PE32 optional header")
		}
		fixedSize = optionalHeader32Size
		img.Optional = OptionalHeader{
			Magic:                 oh.Magic,
			AddressOfEntryPoint:   oh.AddressOfEntryPoint,
			ImageBase:             uint64(oh.ImageBase),
			SectionAlignment:      oh.SectionAlignment,
			FileAlignment:         oh.FileAlignment,
			SizeOfImage:           oh.SizeOfImage,
			SizeOfHeaders:         oh.SizeOfHeaders,
			CheckSum:              oh.CheckSum,
			Subsystem:             oh.Subsystem,
			MajorSubsystemVersion: oh.MajorSubsystemVersion,
			MinorSubsystemVersion: oh.MinorSubsystemVersion,
			DllCharacteristics:    oh.DllCharacteristics,
			NumberOfRvaAndSizes:   oh.NumberOfRvaAndSizes,
		}
	case Magic64:
		var oh rawOptionalHeader64
		if err := c.unpack(offset, &oh); err != nil {
			return formatErr(ErrTruncatedHeader, offset, "PE32+ optional header")
		}
		fixedSize = optionalHeader64Size
		img.Is64Bit = true
		img.Optional = OptionalHeader{
			Magic:                 oh.Magic,
			AddressOfEntryPoint:   oh.AddressOfEntryPoint,
			ImageBase:             oh.ImageBase,
			SectionAlignment:      oh.SectionAlignment,
			FileAlignment:         oh.FileAlignment,
			SizeOfImage:           oh.SizeOfImage,
			SizeOfHeaders:         oh.SizeOfHeaders,
			CheckSum:              oh.CheckSum,
			Subsystem:             oh.Subsystem,
			MajorSubsystemVersion: oh.MajorSubsystemVersion,
			MinorSubsystemVersion: oh.MinorSubsystemVersion,
			DllCharacteristics:    oh.DllCharacteristics,
			NumberOfRvaAndSizes:   oh.NumberOfRvaAndSizes,
		}
	default:
		return formatErr(ErrUnsupportedOptionalHeaderMagic, offset, "magic 0x%x", magic)
	}

	// Directories beyond SizeOfOptionalHeader belong to whatever follows
	// the header, so they are not read.
	count := int64(img.Optional.NumberOfRvaAndSizes)
	if count > numDirectories {
		count = numDirectories
	}
	if room := (int64(img.File.SizeOfOptionalHeader) - fixedSize) / dataDirectorySize; room < count {
		count = room
	}
	for i := int64(0); i < count; i++ {
		at := offset + fixedSize + i*dataDirectorySize
		rva, err1 := c.u32(at)
		size, err2 := c.u32(at + 4)
		if err := errors.Join(err1, err2); err != nil {
			return formatErr(ErrTruncatedHeader, at, "data directory %d", i)
		}
		img.Optional.DataDirectories = append(img.Optional.DataDirectories, DataDirectory{RVA: rva, Size: size})
	}
	return nil
}

func (img *MappedImage) parseSections(c cursor, offset int64) error {
	n := int(img.File.NumberOfSections)
	if _, err := c.span(offset, n*sectionHeaderSize); err != nil {
		return formatErr(ErrTruncatedHeader, offset, "section table of %d entries", n)
	}
	img.Sections = make([]Section, 0, n)
	for i := 0; i < n; i++ {
		at := offset + int64(i*sectionHeaderSize)
		var sh rawSectionHeader
		if err := c.unpack(at, &sh); err != nil {
			return formatErr(ErrTruncatedHeader, at, "section header %d", i)
		}
		img.Sections = append(img.Sections, Section{
			Name:             sectionName(sh.Name),
			VirtualAddress:   sh.VirtualAddress,
			VirtualSize:      sh.VirtualSize,
			PointerToRawData: sh.PointerToRawData,
			SizeOfRawData:    sh.SizeOfRawData,
			Characteristics:  sh.Characteristics,
		})
	}
	return nil
}

func sectionName(raw [8]byte) string {
	if i := bytes.IndexByte(raw[:], 0); i >= 0 {
		return string(raw[:i])
	}
	return string(raw[:])
}

// Bytes returns the buffer the image was parsed from.
func (img *MappedImage) Bytes() []byte { return img.data }

// ChecksumOffset is the file offset of the optional header CheckSum field.
func (img *MappedImage) ChecksumOffset() int64 { return img.checksumOffset }
