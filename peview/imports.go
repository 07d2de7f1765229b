package peview

import (
	"fmt"

	"github.com/rs/zerolog"

	"gopeinspect/common"
)

const (
	importDescriptorSize      = 20
	delayImportDescriptorSize = 32

	ordinalFlag32 = 0x80000000
	ordinalFlag64 = 1 << 63

	// Attributes bit set when a delay descriptor holds RVAs.
	delayAttributeRVA = 0x1
)

type importDescriptor struct {
	OriginalFirstThunk uint32 `struc:"uint32,little"`
	TimeDateStamp      uint32 `struc:"uint32,little"`
	ForwarderChain     uint32 `struc:"uint32,little"`
	Name               uint32 `struc:"uint32,little"`
	FirstThunk         uint32 `struc:"uint32,little"`
}

func (d importDescriptor) isZero() bool {
	return d == importDescriptor{}
}

type delayImportDescriptor struct {
	Attributes                 uint32 `struc:"uint32,little"`
	DllNameRVA                 uint32 `struc:"uint32,little"`
	ModuleHandleRVA            uint32 `struc:"uint32,little"`
	ImportAddressTableRVA      uint32 `struc:"uint32,little"`
	ImportNameTableRVA         uint32 `struc:"uint32,little"`
	BoundImportAddressTableRVA uint32 `struc:"uint32,little"`
	UnloadInformationTableRVA  uint32 `struc:"uint32,little"`
	TimeDateStamp              uint32 `struc:"uint32,little"`
}

// addressing converts an address stored in an import table into an RVA.
type addressing func(uint64) (uint32, error)

func rvaAddressing(v uint64) (uint32, error) {
	if v > 0xffffffff {
		return 0, fmt.Errorf("%w: address 0x%x does not fit an rva", ErrOutOfBounds, v)
	}
	return uint32(v), nil
}

func vaAddressing(imageBase uint64) addressing {
	return func(v uint64) (uint32, error) {
		if v < imageBase || v-imageBase > 0xffffffff {
			return 0, fmt.Errorf("%w: va 0x%x outside image based at 0x%x", ErrOutOfBounds, v, imageBase)
		}
		return uint32(v - imageBase), nil
	}
}

// WalkImports lists the DLLs of the standard import directory in
// descriptor order. Descriptors whose DLL name cannot be read are
// skipped; a malformed thunk ends that DLL's function list.
func WalkImports(img *MappedImage) []ImportDll {
	dir, ok := img.DataDirectory(DirectoryImport)
	if !ok {
		return nil
	}
	log := common.Log.With().Str("table", "imports").Logger()
	c := img.cursor()

	var dlls []ImportDll
	for i := uint32(0); ; i++ {
		off, err := img.at(dir.RVA + i*importDescriptorSize)
		if err != nil {
			log.Debug().Err(err).Uint32("descriptor", i).Msg("import descriptor unreadable")
			break
		}
		var desc importDescriptor
		if err := c.unpack(off, &desc); err != nil {
			log.Debug().Err(err).Uint32("descriptor", i).Msg("import descriptor truncated")
			break
		}
		if desc.isZero() {
			break
		}

		name, err := img.stringAt(desc.Name)
		if err != nil {
			log.Debug().Err(err).Uint32("descriptor", i).Msg("skipping import with unreadable name")
			continue
		}
		table := desc.OriginalFirstThunk
		if table == 0 {
			table = desc.FirstThunk
		}
		dlls = append(dlls, ImportDll{
			Name:      name,
			Functions: img.walkThunks(table, rvaAddressing, log.With().Str("dll", name).Logger()),
		})
	}
	return dlls
}

// WalkDelayImports lists the DLLs of the delay-load import directory.
// Descriptors without the RVA attribute store virtual addresses, which
// are rebased on the image base before use.
func WalkDelayImports(img *MappedImage) []ImportDll {
	dir, ok := img.DataDirectory(DirectoryDelayImport)
	if !ok {
		return nil
	}
	log := common.Log.With().Str("table", "delay_imports").Logger()
	c := img.cursor()

	var dlls []ImportDll
	for i := uint32(0); ; i++ {
		off, err := img.at(dir.RVA + i*delayImportDescriptorSize)
		if err != nil {
			log.Debug().Err(err).Uint32("descriptor", i).Msg("delay descriptor unreadable")
			break
		}
		var desc delayImportDescriptor
		if err := c.unpack(off, &desc); err != nil {
			log.Debug().Err(err).Uint32("descriptor", i).Msg("delay descriptor truncated")
			break
		}
		if desc.DllNameRVA == 0 {
			break
		}

		resolve := addressing(rvaAddressing)
		if desc.Attributes&delayAttributeRVA == 0 {
			resolve = vaAddressing(img.Optional.ImageBase)
		}

		nameRVA, err := resolve(uint64(desc.DllNameRVA))
		if err != nil {
			log.Debug().Err(err).Uint32("descriptor", i).Msg("skipping delay import with bad name address")
			continue
		}
		name, err := img.stringAt(nameRVA)
		if err != nil {
			log.Debug().Err(err).Uint32("descriptor", i).Msg("skipping delay import with unreadable name")
			continue
		}

		// The delay IAT holds loader stub addresses, not thunks, so only
		// the name table can describe the functions.
		dll := ImportDll{Name: name, Delayed: true}
		dllLog := log.With().Str("dll", name).Logger()
		if desc.ImportNameTableRVA == 0 {
			dllLog.Debug().Msg("delay import without name table")
		} else if tableRVA, err := resolve(uint64(desc.ImportNameTableRVA)); err != nil {
			dllLog.Debug().Err(err).Msg("name table address invalid")
		} else {
			dll.Functions = img.walkThunks(tableRVA, resolve, dllLog)
		}
		dlls = append(dlls, dll)
	}
	return dlls
}

// walkThunks decodes a zero-terminated array of pointer-sized thunks.
func (img *MappedImage) walkThunks(tableRVA uint32, resolve addressing, log zerolog.Logger) []ImportedFunction {
	if tableRVA == 0 {
		return nil
	}
	step := uint32(4)
	if img.Is64Bit {
		step = 8
	}

	var funcs []ImportedFunction
	for rva := tableRVA; ; rva += step {
		thunk, err := img.thunkAt(rva)
		if err != nil {
			log.Debug().Err(err).Msg("thunk unreadable")
			break
		}
		if thunk == 0 {
			break
		}
		if img.isOrdinalThunk(thunk) {
			funcs = append(funcs, ImportByOrdinal{Ordinal: uint16(thunk)})
			continue
		}
		hintRVA, err := resolve(thunk)
		if err != nil {
			log.Debug().Err(err).Msg("hint/name address invalid")
			break
		}
		hint, err := img.u16At(hintRVA)
		if err != nil {
			log.Debug().Err(err).Msg("hint unreadable")
			break
		}
		name, err := img.stringAt(hintRVA + 2)
		if err != nil {
			log.Debug().Err(err).Msg("import name unreadable")
			break
		}
		funcs = append(funcs, ImportByName{Hint: hint, Name: name})
	}
	return funcs
}

func (img *MappedImage) thunkAt(rva uint32) (uint64, error) {
	if img.Is64Bit {
		return img.u64At(rva)
	}
	v, err := img.u32At(rva)
	return uint64(v), err
}

func (img *MappedImage) isOrdinalThunk(thunk uint64) bool {
	if img.Is64Bit {
		return thunk&ordinalFlag64 != 0
	}
	return thunk&ordinalFlag32 != 0
}
