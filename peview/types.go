package peview

import (
	"errors"
	"fmt"
	"time"
)

const (
	MachineI386  = 0x014c
	MachineARMNT = 0x01c4
	MachineAMD64 = 0x8664
	MachineARM64 = 0xaa64

	Magic32 = 0x10b
	Magic64 = 0x20b
)

// Data directory indices.
const (
	DirectoryExport        = 0
	DirectoryImport        = 1
	DirectoryResource      = 2
	DirectoryDebug         = 6
	DirectoryDelayImport   = 13
	DirectoryComDescriptor = 14

	numDirectories = 16
)

var (
	ErrNotAPeFile                     = errors.New("not a PE file")
	ErrUnsupportedOptionalHeaderMagic = errors.New("unsupported optional header magic")
	ErrTruncatedHeader                = errors.New("truncated header")
	ErrOutOfBounds                    = errors.New("address out of bounds")
)

// FormatError reports why a buffer was rejected as a PE image.
type FormatError struct {
	Err    error
	Offset int64
	Detail string
}

func (e *FormatError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v at offset 0x%x", e.Err, e.Offset)
	}
	return fmt.Sprintf("%v at offset 0x%x: %s", e.Err, e.Offset, e.Detail)
}

func (e *FormatError) Unwrap() error { return e.Err }

// AddressError reports an RVA that does not map into the buffer.
type AddressError struct {
	RVA    uint32
	Reason string
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("%v: rva 0x%08x %s", ErrOutOfBounds, e.RVA, e.Reason)
}

func (e *AddressError) Unwrap() error { return ErrOutOfBounds }

// Section is a decoded section header. Name has its NUL padding removed.
type Section struct {
	Name             string `json:"name"`
	VirtualAddress   uint32 `json:"virtual_address"`
	VirtualSize      uint32 `json:"virtual_size"`
	PointerToRawData uint32 `json:"pointer_to_raw_data"`
	SizeOfRawData    uint32 `json:"size_of_raw_data"`
	Characteristics  uint32 `json:"characteristics"`
}

// DataDirectory locates one optional header table by RVA and size.
type DataDirectory struct {
	RVA  uint32
	Size uint32
}

// OptionalHeader holds the fields shared by the PE32 and PE32+ layouts.
type OptionalHeader struct {
	Magic                 uint16
	AddressOfEntryPoint   uint32
	ImageBase             uint64
	SectionAlignment      uint32
	FileAlignment         uint32
	SizeOfImage           uint32
	SizeOfHeaders         uint32
	CheckSum              uint32
	Subsystem             uint16
	MajorSubsystemVersion uint16
	MinorSubsystemVersion uint16
	DllCharacteristics    uint16
	NumberOfRvaAndSizes   uint32
	DataDirectories       []DataDirectory
}

// FileHeader is the COFF header following the PE signature.
type FileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// MappedImage is the validated, read-only view of a PE buffer. It is
// never modified after Parse returns.
type MappedImage struct {
	data           []byte
	ntOffset       int64
	checksumOffset int64

	Is64Bit  bool
	File     FileHeader
	Optional OptionalHeader
	Sections []Section
}

type SubsystemVersion struct {
	Major uint16
	Minor uint16
}

// Properties is the identity snapshot computed once per image.
type Properties struct {
	Machine            uint16
	Magic              uint16
	Checksum           uint32
	CorrectChecksum    bool
	Time               time.Time
	ImageBase          uint64
	SizeOfImage        uint32
	EntryPoint         uint32
	Subsystem          uint16
	SubsystemVersion   SubsystemVersion
	Characteristics    uint16
	DllCharacteristics uint16
	FileSize           int64
}

// ExportTarget is either a CodeExport or a ForwarderExport.
type ExportTarget interface {
	isExportTarget()
}

// CodeExport is an export implemented in this image.
type CodeExport struct {
	RVA uint32 `json:"rva"`
}

// ForwarderExport re-exports a symbol of another DLL, "Dll.Function".
type ForwarderExport struct {
	Target string `json:"forwarder"`
}

func (CodeExport) isExportTarget()      {}
func (ForwarderExport) isExportTarget() {}

// Export is one entry of the export address table. Name is empty for
// exports reachable by ordinal only.
type Export struct {
	Ordinal uint32       `json:"ordinal"`
	Name    string       `json:"name,omitempty"`
	Target  ExportTarget `json:"target"`
}

// Forwarder returns the forwarder string and true for re-exports.
func (e Export) Forwarder() (string, bool) {
	f, ok := e.Target.(ForwarderExport)
	return f.Target, ok
}

// CodeRVA returns the code address and true for code exports.
func (e Export) CodeRVA() (uint32, bool) {
	c, ok := e.Target.(CodeExport)
	return c.RVA, ok
}

// ImportedFunction is either an ImportByName or an ImportByOrdinal.
type ImportedFunction interface {
	isImportedFunction()
	String() string
}

// ImportByName names the imported function, with the loader hint.
type ImportByName struct {
	Hint uint16 `json:"hint"`
	Name string `json:"name"`
}

// ImportByOrdinal imports by ordinal number only.
type ImportByOrdinal struct {
	Ordinal uint16 `json:"ordinal"`
}

func (ImportByName) isImportedFunction()    {}
func (ImportByOrdinal) isImportedFunction() {}

func (f ImportByName) String() string    { return f.Name }
func (f ImportByOrdinal) String() string { return fmt.Sprintf("#%d", f.Ordinal) }

// ImportDll is one imported library. Delayed marks entries from the
// delay-load directory.
type ImportDll struct {
	Name      string             `json:"name"`
	Functions []ImportedFunction `json:"functions"`
	Delayed   bool               `json:"delayed"`
}
