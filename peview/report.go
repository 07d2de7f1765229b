package peview

import (
	"fmt"
	"io"

	"gopeinspect/common"
)

// ReportOptions selects the report sections after the header block.
type ReportOptions struct {
	Exports  bool
	Imports  bool
	Manifest bool
	Sections bool
	Verbose  bool
}

type reportWriter struct {
	w   io.Writer
	err error
}

func (r *reportWriter) printf(format string, args ...interface{}) {
	if r.err != nil {
		return
	}
	_, r.err = fmt.Fprintf(r.w, format, args...)
}

func (r *reportWriter) heading(title string) {
	r.printf("%s", common.FormatHeading(title))
}

// WriteReport renders a human readable analysis of img.
func WriteReport(w io.Writer, img *Image, opts ReportOptions) error {
	r := &reportWriter{w: w}
	r.printBasicInfo(img)
	r.printHeaders(img)
	if opts.Sections {
		r.printSections(img)
	}
	if opts.Exports {
		r.printExports(img, opts.Verbose)
	}
	if opts.Imports {
		r.printImports(img, opts.Verbose)
	}
	if opts.Manifest {
		r.printManifest(img)
	}
	return r.err
}

func (r *reportWriter) printBasicInfo(img *Image) {
	props := img.Properties()
	r.heading("📁 BINARY INFORMATION")
	if img.FileName != "" {
		r.printf("File Name:       %s\n", img.FileName)
	}
	r.printf("File Size:       %s (%d bytes)\n", common.FormatFileSize(props.FileSize), props.FileSize)
	r.printf("Architecture:    %s (machine 0x%04X)\n", img.Architecture(), props.Machine)
	format := "PE32"
	if img.Is64Bit {
		format = "PE32+"
	}
	r.printf("Format:          %s (magic 0x%X)\n", format, props.Magic)
	r.printf("File Type:       %s\n", img.FileType())
	if img.IsManagedRuntimeImage() {
		r.printf("Runtime:         %s .NET (CLR header present)\n", common.SymbolInfo)
	}
	if img.File.TimeDateStamp != 0 {
		r.printf("Compile Time:    %s\n", props.Time.Format("2006-01-02 15:04:05 MST"))
	} else {
		r.printf("Compile Time:    Not set\n")
	}
	if debug, err := img.DebugInfo(); err != nil {
		r.printf("PDB:             %s %v\n", common.SymbolWarn, err)
	} else if debug.HasPDB() {
		r.printf("PDB:             %s\n", debug.PDB)
		r.printf("GUID/Age:        %s\n", debug.GUIDAge)
	}
	r.printf("\n")
}

func (r *reportWriter) printHeaders(img *Image) {
	props := img.Properties()
	r.heading("🏗️  PE HEADER INFORMATION")
	r.printf("Image Base:      0x%X\n", props.ImageBase)
	r.printf("Entry Point:     0x%X (RVA)\n", props.EntryPoint)
	r.printf("Size of Image:   %d bytes (%s)\n", props.SizeOfImage, common.FormatFileSize(int64(props.SizeOfImage)))
	if props.CorrectChecksum {
		r.printf("Checksum:        0x%X %s valid\n", props.Checksum, common.SymbolCheck)
	} else {
		r.printf("Checksum:        0x%X %s expected 0x%X\n", props.Checksum, common.SymbolWarn, img.RecomputeChecksum())
	}
	r.printf("Subsystem:       %d (%s) v%d.%d\n", props.Subsystem, img.SubsystemName(),
		props.SubsystemVersion.Major, props.SubsystemVersion.Minor)
	r.printf("Characteristics: 0x%04X\n", props.Characteristics)
	r.printf("DLL Characteristics: 0x%X (%s)\n", props.DllCharacteristics, common.FormatFlags(img.DllCharacteristicsNames()))

	active := 0
	for _, d := range img.Optional.DataDirectories {
		if d.RVA != 0 || d.Size != 0 {
			active++
		}
	}
	r.printf("Data Directories: %d active of %d\n", active, len(img.Optional.DataDirectories))
	r.printf("\n")
}

func (r *reportWriter) printSections(img *Image) {
	sections := img.Sections()
	r.heading("📊 SECTION ANALYSIS")
	r.printf("Sections:        %d total\n", len(sections))
	if IsLikelyPacked(sections) {
		r.printf("Packed Status:   %s Likely PACKED\n", common.SymbolCross)
	} else {
		r.printf("Packed Status:   %s Not packed\n", common.SymbolCheck)
	}
	for _, s := range sections {
		r.printf("\n[%d] %-8s VA 0x%08X  VSize 0x%08X  Raw 0x%08X+0x%X\n",
			s.Index, s.Name, s.VirtualAddress, s.VirtualSize, s.PointerToRawData, s.SizeOfRawData)
		r.printf("    Flags:   %s\n", common.FormatFlags(s.Flags()))
		if s.IsRWX() {
			r.printf("    %s writable and executable\n", common.SymbolWarn)
		}
		r.printf("    Entropy: %.2f\n", s.Entropy)
		r.printf("    MD5:     %s\n", s.MD5)
		r.printf("    SHA256:  %s\n", s.SHA256)
		r.printf("    SSDeep:  %s\n", s.SSDeep)
	}
	r.printf("\n")
}

func (r *reportWriter) printExports(img *Image, verbose bool) {
	exports := img.Exports()
	r.heading("🔍 EXPORT ANALYSIS")
	if len(exports) == 0 {
		r.printf("%s No exported symbols found\n\n", common.SymbolCross)
		return
	}

	named, forwarded := 0, 0
	for _, e := range exports {
		if e.Name != "" {
			named++
		}
		if _, ok := e.Forwarder(); ok {
			forwarded++
		}
	}
	r.printf("Total Exported Functions: %d (%d named, %d forwarded)\n", len(exports), named, forwarded)
	for _, e := range exports {
		name := e.Name
		if name == "" {
			if !verbose {
				continue
			}
			name = "<ordinal only>"
		}
		if target, ok := e.Forwarder(); ok {
			r.printf("   • %s (Ordinal: %d) -> %s\n", name, e.Ordinal, target)
		} else if rva, ok := e.CodeRVA(); ok {
			r.printf("   • %s (Ordinal: %d, RVA: 0x%08X)\n", name, e.Ordinal, rva)
		}
	}
	r.printf("\n")
}

func (r *reportWriter) printImports(img *Image, verbose bool) {
	dlls := img.Imports()
	r.heading("📦 IMPORT ANALYSIS")
	if len(dlls) == 0 {
		r.printf("%s No imports found\n\n", common.SymbolCross)
		return
	}

	total := 0
	for _, dll := range dlls {
		total += len(dll.Functions)
	}
	r.printf("Imported Libraries: %d, Functions: %d\n", len(dlls), total)
	for _, dll := range dlls {
		kind := ""
		if dll.Delayed {
			kind = " [delay-load]"
		}
		switch {
		case common.IsAPISetDLL(dll.Name):
			kind += " [api set]"
		case !common.IsSystemDLL(dll.Name):
			kind += " [third-party]"
		}
		r.printf("   • %s%s (%d functions)\n", dll.Name, kind, len(dll.Functions))
		if !verbose {
			continue
		}
		for _, fn := range dll.Functions {
			switch f := fn.(type) {
			case ImportByName:
				r.printf("       - %s (hint %d)\n", f.Name, f.Hint)
			case ImportByOrdinal:
				r.printf("       - %s\n", f)
			}
		}
	}
	r.printf("\n")
}

func (r *reportWriter) printManifest(img *Image) {
	r.heading("📜 MANIFEST")
	text, ok := img.Manifest()
	switch {
	case !ok:
		r.printf("%s No manifest resource\n\n", common.SymbolInfo)
	case text == "":
		r.printf("%s Manifest resource is empty\n\n", common.SymbolWarn)
	default:
		r.printf("%s\n\n", text)
	}
}
