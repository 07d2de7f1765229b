package peview

import (
	"fmt"
	"sync"
	"time"
)

const (
	fileExecutableImage = 0x0002
	fileDLL             = 0x2000
)

// Image is one analysis session over a parsed PE buffer. The derived
// views are computed on first request and cached; all methods are safe
// for concurrent use.
type Image struct {
	*MappedImage

	FileName string

	closeOnce sync.Once
	release   func() error
	closeErr  error

	propsOnce sync.Once
	props     Properties

	exportsOnce sync.Once
	exports     []Export

	importsOnce sync.Once
	imports     []ImportDll

	manifestOnce sync.Once
	manifest     string
	hasManifest  bool

	sectionsOnce sync.Once
	sections     []SectionInfo

	debugOnce sync.Once
	debug     DebugInfo
	debugErr  error
}

// NewImage parses buf. The slice is borrowed and must outlive the image.
func NewImage(buf []byte) (*Image, error) {
	mapped, err := Parse(buf)
	if err != nil {
		return nil, err
	}
	return &Image{MappedImage: mapped}, nil
}

// Close releases the file mapping, if the image owns one. It is safe to
// call more than once. Views not computed before Close see an empty
// buffer and come back empty; Close must not race with view requests.
func (i *Image) Close() error {
	i.closeOnce.Do(func() {
		if i.release != nil {
			i.closeErr = i.release()
			i.data = nil
		}
	})
	return i.closeErr
}

// Properties returns the header summary of the image.
func (i *Image) Properties() Properties {
	i.propsOnce.Do(func() {
		oh := i.Optional
		i.props = Properties{
			Machine:         i.File.Machine,
			Magic:           oh.Magic,
			Checksum:        oh.CheckSum,
			CorrectChecksum: i.ChecksumMatches(),
			Time:            time.Unix(int64(i.File.TimeDateStamp), 0).Local(),
			ImageBase:       oh.ImageBase,
			SizeOfImage:     oh.SizeOfImage,
			EntryPoint:      oh.AddressOfEntryPoint,
			Subsystem:       oh.Subsystem,
			SubsystemVersion: SubsystemVersion{
				Major: oh.MajorSubsystemVersion,
				Minor: oh.MinorSubsystemVersion,
			},
			Characteristics:    i.File.Characteristics,
			DllCharacteristics: oh.DllCharacteristics,
			FileSize:           int64(len(i.data)),
		}
	})
	return i.props
}

// Exports returns the export table in function table order.
func (i *Image) Exports() []Export {
	i.exportsOnce.Do(func() {
		i.exports = WalkExports(i.MappedImage)
	})
	return i.exports
}

// Imports returns the standard imports followed by the delay-load ones.
func (i *Image) Imports() []ImportDll {
	i.importsOnce.Do(func() {
		i.imports = append(WalkImports(i.MappedImage), WalkDelayImports(i.MappedImage)...)
	})
	return i.imports
}

// Manifest returns the embedded manifest text. The bool is false when the
// image has no manifest resource.
func (i *Image) Manifest() (string, bool) {
	i.manifestOnce.Do(func() {
		i.manifest, i.hasManifest = GetManifest(i.MappedImage)
	})
	return i.manifest, i.hasManifest
}

// Sections returns hashes, entropy and flags for each section.
func (i *Image) Sections() []SectionInfo {
	i.sectionsOnce.Do(func() {
		i.sections = SummarizeSections(i.MappedImage)
	})
	return i.sections
}

// DebugInfo returns the CodeView record, if any.
func (i *Image) DebugInfo() (DebugInfo, error) {
	i.debugOnce.Do(func() {
		i.debug, i.debugErr = ReadDebugInfo(i.MappedImage)
	})
	return i.debug, i.debugErr
}

// Is32BitX86 reports an i386 image, which runs under WOW64 on x64.
func (i *Image) Is32BitX86() bool { return i.File.Machine == MachineI386 }

// IsArm32 reports an ARM Thumb-2 (ARMNT) image.
func (i *Image) IsArm32() bool { return i.File.Machine == MachineARMNT }

// IsManagedRuntimeImage reports a CLR image: one whose COM descriptor
// directory has a non-zero RVA.
func (i *Image) IsManagedRuntimeImage() bool {
	d, ok := i.DataDirectory(DirectoryComDescriptor)
	return ok && d.RVA != 0
}

// Architecture names the machine type as x86, arm, arm64 or amd64.
func (i *Image) Architecture() string {
	return ArchitectureName(i.File.Machine)
}

// ArchitectureCompatible reports whether the image can run on target.
// ARM64 systems emulate x64, so arm64 images accept amd64 targets too.
func (i *Image) ArchitectureCompatible(target string) bool {
	arch := i.Architecture()
	if arch == target {
		return true
	}
	return arch == "arm64" && target == "amd64"
}

// ArchitectureName maps a machine type to x86, arm, arm64, amd64 or
// unknown.
func ArchitectureName(machine uint16) string {
	switch machine {
	case MachineI386:
		return "x86"
	case MachineARMNT:
		return "arm"
	case MachineARM64:
		return "arm64"
	case MachineAMD64:
		return "amd64"
	default:
		return "unknown"
	}
}

// FileType returns DLL, EXE or Unknown from the file characteristics.
func (i *Image) FileType() string {
	c := i.File.Characteristics
	switch {
	case c&fileDLL != 0:
		return "DLL"
	case c&fileExecutableImage != 0:
		return "EXE"
	default:
		return "Unknown"
	}
}

// IsDLL reports the IMAGE_FILE_DLL characteristic.
func (i *Image) IsDLL() bool { return i.File.Characteristics&fileDLL != 0 }

// SubsystemName describes the image subsystem.
func (i *Image) SubsystemName() string {
	return SubsystemName(i.Optional.Subsystem)
}

// SubsystemName describes a subsystem value.
func SubsystemName(subsystem uint16) string {
	switch subsystem {
	case 1:
		return "Native"
	case 2:
		return "Windows GUI"
	case 3:
		return "Windows Console"
	case 5:
		return "OS/2 Console"
	case 7:
		return "POSIX Console"
	case 8:
		return "Native Win9x Driver"
	case 9:
		return "Windows CE GUI"
	case 10:
		return "EFI Application"
	case 11:
		return "EFI Boot Service Driver"
	case 12:
		return "EFI Runtime Driver"
	case 13:
		return "EFI ROM"
	case 14:
		return "Xbox"
	case 16:
		return "Windows Boot Application"
	default:
		return fmt.Sprintf("Unknown (%d)", subsystem)
	}
}

var dllCharacteristicNames = []struct {
	flag uint16
	name string
}{
	{0x0020, "HIGH_ENTROPY_VA"},
	{0x0040, "DYNAMIC_BASE"},
	{0x0080, "FORCE_INTEGRITY"},
	{0x0100, "NX_COMPAT"},
	{0x0200, "NO_ISOLATION"},
	{0x0400, "NO_SEH"},
	{0x0800, "NO_BIND"},
	{0x1000, "APPCONTAINER"},
	{0x2000, "WDM_DRIVER"},
	{0x4000, "GUARD_CF"},
	{0x8000, "TERMINAL_SERVER_AWARE"},
}

// DllCharacteristicsNames lists the set DllCharacteristics bits.
func (i *Image) DllCharacteristicsNames() []string {
	var out []string
	for _, c := range dllCharacteristicNames {
		if i.Optional.DllCharacteristics&c.flag != 0 {
			out = append(out, c.name)
		}
	}
	return out
}
