package peview

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// Layout of images produced by testImage: headers in the first 0x400
// bytes, then one section mapped at sectionVA holding every table.
const (
	testLfanew     = 0x80
	testHeaderSize = 0x400
	sectionVA      = 0x1000
	// The section's virtual size exceeds its raw data by this much, so
	// RVAs in the tail map past the end of the file.
	virtualSlack = 0x10000
	// Fixed RVA inside the slack, far beyond any raw data the tests write.
	pastEndOffset = 0x8000

	testImageBase32 = 0x00400000
	testImageBase64 = 0x0000000140000000
	testTimestamp   = 0x5f5e1000
)

// blob accumulates section contents and hands out their RVAs.
type blob struct {
	base uint32
	buf  []byte
}

func (b *blob) align(n int) {
	for len(b.buf)%n != 0 {
		b.buf = append(b.buf, 0)
	}
}

func (b *blob) end() uint32 { return b.base + uint32(len(b.buf)) }

func (b *blob) reserve(n int) uint32 {
	b.align(4)
	rva := b.end()
	b.buf = append(b.buf, make([]byte, n)...)
	return rva
}

func (b *blob) add(data []byte) uint32 {
	rva := b.reserve(len(data))
	copy(b.buf[rva-b.base:], data)
	return rva
}

func (b *blob) cstring(s string) uint32 {
	return b.add(append([]byte(s), 0))
}

func (b *blob) put16(rva uint32, v uint16) {
	binary.LittleEndian.PutUint16(b.buf[rva-b.base:], v)
}

func (b *blob) put32(rva uint32, v uint32) {
	binary.LittleEndian.PutUint32(b.buf[rva-b.base:], v)
}

func (b *blob) put64(rva uint32, v uint64) {
	binary.LittleEndian.PutUint64(b.buf[rva-b.base:], v)
}

type testImage struct {
	is64            bool
	machine         uint16
	characteristics uint16
	dllChars        uint16
	subsystem       uint16
	dirs            [numDirectories]DataDirectory
	data            blob
	fixChecksum     bool
}

func newTestImage(is64 bool) *testImage {
	ti := &testImage{
		is64:            is64,
		machine:         MachineI386,
		characteristics: fileExecutableImage,
		subsystem:       3,
		dllChars:        0x0140,
		data:            blob{base: sectionVA},
	}
	if is64 {
		ti.machine = MachineAMD64
	}
	// Keep RVA 0 of the section from looking like a valid table start.
	ti.data.reserve(16)
	return ti
}

func (ti *testImage) imageBase() uint64 {
	if ti.is64 {
		return testImageBase64
	}
	return testImageBase32
}

func (ti *testImage) ptrSize() int {
	if ti.is64 {
		return 8
	}
	return 4
}

func (ti *testImage) putPtr(rva uint32, v uint64) {
	if ti.is64 {
		ti.data.put64(rva, v)
		return
	}
	ti.data.put32(rva, uint32(v))
}

func (ti *testImage) setDir(index int, rva, size uint32) {
	ti.dirs[index] = DataDirectory{RVA: rva, Size: size}
}

// pastEndRVA lies inside the section's virtual range but beyond the file.
func (ti *testImage) pastEndRVA() uint32 {
	return sectionVA + pastEndOffset
}

func (ti *testImage) rawSize() int {
	return alignUp(len(ti.data.buf), 0x200)
}

func alignUp(n, a int) int {
	return (n + a - 1) / a * a
}

func (ti *testImage) optionalHeaderSize() int {
	if ti.is64 {
		return optionalHeader64Size + numDirectories*dataDirectorySize
	}
	return optionalHeader32Size + numDirectories*dataDirectorySize
}

func (ti *testImage) checksumOffset() int {
	return testLfanew + 4 + fileHeaderSize + checksumFieldOffset
}

func (ti *testImage) bytes() []byte {
	raw := ti.rawSize()
	out := make([]byte, testHeaderSize+raw)
	le := binary.LittleEndian

	copy(out, "MZ")
	le.PutUint32(out[0x3c:], testLfanew)
	copy(out[testLfanew:], "PE\x00\x00")

	fh := out[testLfanew+4:]
	le.PutUint16(fh[0:], ti.machine)
	le.PutUint16(fh[2:], 1)
	le.PutUint32(fh[4:], testTimestamp)
	le.PutUint16(fh[16:], uint16(ti.optionalHeaderSize()))
	le.PutUint16(fh[18:], ti.characteristics)

	oh := out[testLfanew+4+fileHeaderSize:]
	sizeOfImage := uint32(sectionVA + alignUp(raw+virtualSlack, 0x1000))
	var dirs []byte
	if ti.is64 {
		le.PutUint16(oh[0:], Magic64)
		le.PutUint32(oh[16:], sectionVA)
		le.PutUint64(oh[24:], ti.imageBase())
		dirs = oh[optionalHeader64Size:]
		le.PutUint32(oh[108:], numDirectories)
	} else {
		le.PutUint16(oh[0:], Magic32)
		le.PutUint32(oh[16:], sectionVA)
		le.PutUint32(oh[28:], uint32(ti.imageBase()))
		dirs = oh[optionalHeader32Size:]
		le.PutUint32(oh[92:], numDirectories)
	}
	le.PutUint32(oh[32:], 0x1000)
	le.PutUint32(oh[36:], 0x200)
	le.PutUint16(oh[48:], 6)
	le.PutUint16(oh[50:], 1)
	le.PutUint32(oh[56:], sizeOfImage)
	le.PutUint32(oh[60:], testHeaderSize)
	le.PutUint16(oh[68:], ti.subsystem)
	le.PutUint16(oh[70:], ti.dllChars)
	for i, d := range ti.dirs {
		le.PutUint32(dirs[i*8:], d.RVA)
		le.PutUint32(dirs[i*8+4:], d.Size)
	}

	sh := out[testLfanew+4+fileHeaderSize+ti.optionalHeaderSize():]
	copy(sh, ".data")
	le.PutUint32(sh[8:], uint32(raw+virtualSlack))
	le.PutUint32(sh[12:], sectionVA)
	le.PutUint32(sh[16:], uint32(raw))
	le.PutUint32(sh[20:], testHeaderSize)
	le.PutUint32(sh[36:], scnCntInitializedData|scnMemRead|scnMemWrite)

	copy(out[testHeaderSize:], ti.data.buf)

	if ti.fixChecksum {
		le.PutUint32(out[ti.checksumOffset():], RecomputeChecksum(out, ti.checksumOffset()))
	}
	return out
}

type exportEntry struct {
	name      string
	rva       uint32
	forwarder string
}

// addExports lays out an export directory whose forwarder strings sit
// inside the directory's own range.
func (ti *testImage) addExports(base uint32, entries []exportEntry) {
	b := &ti.data
	dir := b.reserve(40)
	funcs := b.reserve(4 * len(entries))
	var named []int
	for i, e := range entries {
		if e.name != "" {
			named = append(named, i)
		}
	}
	names := b.reserve(4 * len(named))
	ords := b.reserve(2 * len(named))
	dllName := b.cstring("fixture.dll")

	for i, e := range entries {
		rva := e.rva
		if e.forwarder != "" {
			rva = b.cstring(e.forwarder)
		}
		b.put32(funcs+uint32(4*i), rva)
	}
	// Store names in reverse so name order differs from function order.
	for j := range named {
		idx := named[len(named)-1-j]
		b.put32(names+uint32(4*j), b.cstring(entries[idx].name))
		b.put16(ords+uint32(2*j), uint16(idx))
	}

	b.put32(dir+12, dllName)
	b.put32(dir+16, base)
	b.put32(dir+20, uint32(len(entries)))
	b.put32(dir+24, uint32(len(named)))
	b.put32(dir+28, funcs)
	b.put32(dir+32, names)
	b.put32(dir+36, ords)
	ti.setDir(DirectoryExport, dir, b.end()-dir)
}

type importEntry struct {
	dll       string
	funcs     []ImportedFunction
	badName   bool
	iatOnly   bool
	badThunks bool
}

func (ti *testImage) writeThunks(table uint32, funcs []ImportedFunction, rebase uint64, badLast bool) {
	b := &ti.data
	for k, fn := range funcs {
		slot := table + uint32(k*ti.ptrSize())
		switch f := fn.(type) {
		case ImportByOrdinal:
			flag := uint64(ordinalFlag32)
			if ti.is64 {
				flag = ordinalFlag64
			}
			ti.putPtr(slot, flag|uint64(f.Ordinal))
		case ImportByName:
			hn := b.reserve(2 + len(f.Name) + 1)
			b.put16(hn, f.Hint)
			copy(b.buf[hn+2-b.base:], f.Name)
			ti.putPtr(slot, uint64(hn)+rebase)
		}
	}
	if badLast {
		ti.putPtr(table+uint32(len(funcs)*ti.ptrSize()), uint64(ti.pastEndRVA())+rebase)
	}
}

func (ti *testImage) addImports(entries []importEntry) {
	b := &ti.data
	descs := b.reserve(importDescriptorSize * (len(entries) + 1))
	for i, s := range entries {
		slots := len(s.funcs) + 1
		if s.badThunks {
			slots++
		}
		table := b.reserve(slots * ti.ptrSize())
		ti.writeThunks(table, s.funcs, 0, s.badThunks)
		iat := b.reserve(slots * ti.ptrSize())
		copy(b.buf[iat-b.base:], b.buf[table-b.base:table-b.base+uint32(slots*ti.ptrSize())])

		var name uint32
		if s.badName {
			name = ti.pastEndRVA()
		} else {
			name = b.cstring(s.dll)
		}
		d := descs + uint32(i*importDescriptorSize)
		if s.iatOnly {
			b.put32(d+16, table)
		} else {
			b.put32(d, table)
			b.put32(d+16, iat)
		}
		b.put32(d+12, name)
	}
	ti.setDir(DirectoryImport, descs, uint32(importDescriptorSize*(len(entries)+1)))
}

// addDelayImports writes delay descriptors. With useVA the descriptor
// carries virtual addresses and a clear RVA attribute.
func (ti *testImage) addDelayImports(entries []importEntry, useVA bool) {
	b := &ti.data
	var rebase uint64
	attrs := uint32(delayAttributeRVA)
	if useVA {
		rebase = ti.imageBase()
		attrs = 0
	}
	descs := b.reserve(delayImportDescriptorSize * (len(entries) + 1))
	for i, s := range entries {
		slots := len(s.funcs) + 1
		nameTable := b.reserve(slots * ti.ptrSize())
		ti.writeThunks(nameTable, s.funcs, rebase, false)
		iat := b.reserve(slots * ti.ptrSize())
		handle := b.reserve(ti.ptrSize())
		name := b.cstring(s.dll)

		d := descs + uint32(i*delayImportDescriptorSize)
		b.put32(d, attrs)
		b.put32(d+4, uint32(uint64(name)+rebase))
		b.put32(d+8, uint32(uint64(handle)+rebase))
		b.put32(d+12, uint32(uint64(iat)+rebase))
		b.put32(d+16, uint32(uint64(nameTable)+rebase))
	}
	ti.setDir(DirectoryDelayImport, descs, uint32(delayImportDescriptorSize*(len(entries)+1)))
}

// addManifest builds root -> type 24 -> name 1 -> language 0x409 -> data.
// The root also holds a named entry and an RT_ICON entry ahead of the
// manifest, which the walker must step over.
func (ti *testImage) addManifest(content []byte) {
	b := &ti.data
	root := b.reserve(resourceDirectorySize + 3*resourceEntrySize)
	nameDir := b.reserve(resourceDirectorySize + resourceEntrySize)
	langDir := b.reserve(resourceDirectorySize + resourceEntrySize)
	dataEntry := b.reserve(16)
	data := b.add(content)

	b.put16(root+12, 1)
	b.put16(root+14, 2)
	entries := root + resourceDirectorySize
	b.put32(entries, resourceNameFlag|0x10)
	b.put32(entries+4, resourceSubdirectoryFlag|(nameDir-root))
	b.put32(entries+8, 3)
	b.put32(entries+12, resourceSubdirectoryFlag|(nameDir-root))
	b.put32(entries+16, resourceTypeManifest)
	b.put32(entries+20, resourceSubdirectoryFlag|(nameDir-root))

	b.put16(nameDir+14, 1)
	b.put32(nameDir+16, 1)
	b.put32(nameDir+20, resourceSubdirectoryFlag|(langDir-root))

	b.put16(langDir+14, 1)
	b.put32(langDir+16, 0x409)
	b.put32(langDir+20, dataEntry-root)

	b.put32(dataEntry, data)
	b.put32(dataEntry+4, uint32(len(content)))
	ti.setDir(DirectoryResource, root, b.end()-root)
}

// fixtureImage is a DLL exercising every table.
func fixtureImage(is64 bool) *testImage {
	ti := newTestImage(is64)
	ti.characteristics = fileExecutableImage | fileDLL
	ti.addExports(10, []exportEntry{
		{name: "Alpha", rva: 0x9000},
		{rva: 0x9010},
		{name: "Forwarded", forwarder: "KERNEL32.HeapAlloc"},
		{name: "Gamma", rva: 0x9020},
	})
	ti.addImports([]importEntry{
		{dll: "KERNEL32.dll", funcs: []ImportedFunction{
			ImportByName{Hint: 0x2b5, Name: "GetProcAddress"},
			ImportByName{Hint: 0x3c2, Name: "LoadLibraryW"},
			ImportByOrdinal{Ordinal: 17},
		}},
		{dll: "USER32.dll", funcs: []ImportedFunction{
			ImportByName{Hint: 1, Name: "MessageBoxW"},
		}},
	})
	ti.addDelayImports([]importEntry{
		{dll: "WINHTTP.dll", funcs: []ImportedFunction{
			ImportByName{Hint: 4, Name: "WinHttpOpen"},
			ImportByOrdinal{Ordinal: 9},
		}},
	}, false)
	ti.addManifest([]byte(testManifest))
	ti.fixChecksum = true
	return ti
}

const testManifest = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<assembly xmlns="urn:schemas-microsoft-com:asm.v1" manifestVersion="1.0">
  <dependency>
    <dependentAssembly>
      <assemblyIdentity type="win32" name="Microsoft.Windows.Common-Controls" version="6.0.0.0" processorArchitecture="*" publicKeyToken="6595b64144ccf1df" language="*"/>
    </dependentAssembly>
  </dependency>
</assembly>`

func mustParse(t testing.TB, buf []byte) *MappedImage {
	t.Helper()
	img, err := Parse(buf)
	require.NoError(t, err)
	return img
}
