package main

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// A PE32 DLL with one section at fixtureVA holding an export table, two
// imported libraries and, optionally, a manifest resource.
const (
	fixtureVA        = 0x1000
	fixtureRawOffset = 0x400
	fixtureRawSize   = 0x800
	fixtureCodeRVA   = 0x1f00
	fixtureResource  = 0x1200
)

const fixtureManifest = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<assembly xmlns="urn:schemas-microsoft-com:asm.v1" manifestVersion="1.0">
  <assemblyIdentity name="Contoso.Tool" version="1.2.0.0" processorArchitecture="x86" type="win32"/>
  <dependency>
    <dependentAssembly>
      <assemblyIdentity type="win32" name="Microsoft.Windows.Common-Controls" version="6.0.0.0" processorArchitecture="*" publicKeyToken="6595b64144ccf1df" language="*"/>
    </dependentAssembly>
  </dependency>
  <dependency>
    <dependentAssembly>
      <assemblyIdentity type="win32" name="Contoso.Native64" version="1.0.0.0" processorArchitecture="amd64"/>
    </dependentAssembly>
  </dependency>
  <dependency>
    <dependentAssembly>
      <assemblyIdentity type="win32" name="Contoso.Legacy" version="1.0.0.0" processorArchitecture="ia64"/>
    </dependentAssembly>
  </dependency>
</assembly>`

type fixture struct {
	buf []byte
}

func (f *fixture) off(rva uint32) uint32 { return rva - fixtureVA + fixtureRawOffset }

func (f *fixture) put16(rva uint32, v uint16) {
	binary.LittleEndian.PutUint16(f.buf[f.off(rva):], v)
}

func (f *fixture) put32(rva uint32, v uint32) {
	binary.LittleEndian.PutUint32(f.buf[f.off(rva):], v)
}

// str relies on the zero-filled buffer for the terminator.
func (f *fixture) str(rva uint32, s string) {
	copy(f.buf[f.off(rva):], s)
}

func buildFixture(manifest []byte) []byte {
	f := &fixture{buf: make([]byte, fixtureRawOffset+fixtureRawSize)}
	le := binary.LittleEndian
	out := f.buf

	copy(out, "MZ")
	le.PutUint32(out[0x3c:], 0x80)
	copy(out[0x80:], "PE\x00\x00")

	fh := out[0x84:]
	le.PutUint16(fh[0:], 0x14c)
	le.PutUint16(fh[2:], 1)
	le.PutUint32(fh[4:], 0x60000000)
	le.PutUint16(fh[16:], 96+16*8)
	le.PutUint16(fh[18:], 0x2002)

	oh := out[0x98:]
	le.PutUint16(oh[0:], 0x10b)
	le.PutUint32(oh[16:], fixtureCodeRVA)
	le.PutUint32(oh[28:], 0x10000000)
	le.PutUint32(oh[32:], 0x1000)
	le.PutUint32(oh[36:], 0x200)
	le.PutUint16(oh[48:], 6)
	le.PutUint32(oh[56:], 0x2000)
	le.PutUint32(oh[60:], fixtureRawOffset)
	le.PutUint16(oh[68:], 2)
	le.PutUint16(oh[70:], 0x0140)
	le.PutUint32(oh[92:], 16)
	dirs := oh[96:]

	sh := out[0x98+96+16*8:]
	copy(sh, ".rdata")
	le.PutUint32(sh[8:], 0x1000)
	le.PutUint32(sh[12:], fixtureVA)
	le.PutUint32(sh[16:], fixtureRawSize)
	le.PutUint32(sh[20:], fixtureRawOffset)
	le.PutUint32(sh[36:], 0x40000040)

	// Exports: "Run" at fixtureCodeRVA and an unnamed forwarder.
	f.put32(0x100c, 0x1050)
	f.put32(0x1010, 1)
	f.put32(0x1014, 2)
	f.put32(0x1018, 1)
	f.put32(0x101c, 0x1028)
	f.put32(0x1020, 0x1030)
	f.put32(0x1024, 0x1034)
	f.put32(0x1028, fixtureCodeRVA)
	f.put32(0x102c, 0x1060)
	f.put32(0x1030, 0x1040)
	f.put16(0x1034, 0)
	f.str(0x1040, "Run")
	f.str(0x1050, "tool.dll")
	f.str(0x1060, "NTDLL.RtlExitUserThread")
	le.PutUint32(dirs[0:], 0x1000)
	le.PutUint32(dirs[4:], 0x80)

	// Imports: KERNEL32 by name, an API set by ordinal.
	f.put32(0x1080, 0x10c0)
	f.put32(0x108c, 0x10e0)
	f.put32(0x1090, 0x10d0)
	f.put32(0x1094, 0x10c8)
	f.put32(0x10a0, 0x10f0)
	f.put32(0x10a4, 0x10d8)
	f.put32(0x10c0, 0x1120)
	f.put32(0x10c8, 0x80000005)
	f.put32(0x10d0, 0x1120)
	f.put32(0x10d8, 0x80000005)
	f.str(0x10e0, "KERNEL32.dll")
	f.str(0x10f0, "api-ms-win-core-synch-l1-2-0.dll")
	f.put16(0x1120, 0x150)
	f.str(0x1122, "ExitProcess")
	le.PutUint32(dirs[8:], 0x1080)
	le.PutUint32(dirs[12:], 0x3c)

	if manifest != nil {
		root := uint32(fixtureResource)
		f.put16(root+14, 1)
		f.put32(root+16, 24)
		f.put32(root+20, 0x80000000|0x18)
		f.put16(root+0x18+14, 1)
		f.put32(root+0x18+16, 1)
		f.put32(root+0x18+20, 0x80000000|0x30)
		f.put16(root+0x30+14, 1)
		f.put32(root+0x30+16, 0x409)
		f.put32(root+0x30+20, 0x48)
		f.put32(root+0x48, root+0x58)
		f.put32(root+0x48+4, uint32(len(manifest)))
		copy(out[f.off(root+0x58):], manifest)
		le.PutUint32(dirs[16:], root)
		le.PutUint32(dirs[20:], 0x58+uint32(len(manifest)))
	}
	return out
}

func writeFixture(t *testing.T, name string, manifest []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, buildFixture(manifest), 0o644))
	return path
}
