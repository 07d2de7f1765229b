package peview

import (
	"gopeinspect/common"
)

type exportDirectory struct {
	Characteristics       uint32 `struc:"uint32,little"`
	TimeDateStamp         uint32 `struc:"uint32,little"`
	MajorVersion          uint16 `struc:"uint16,little"`
	MinorVersion          uint16 `struc:"uint16,little"`
	Name                  uint32 `struc:"uint32,little"`
	Base                  uint32 `struc:"uint32,little"`
	NumberOfFunctions     uint32 `struc:"uint32,little"`
	NumberOfNames         uint32 `struc:"uint32,little"`
	AddressOfFunctions    uint32 `struc:"uint32,little"`
	AddressOfNames        uint32 `struc:"uint32,little"`
	AddressOfNameOrdinals uint32 `struc:"uint32,little"`
}

// WalkExports lists the image's exports in function-table order. It never
// fails: a missing directory yields nil and a malformed one yields the
// entries read before the first bad reference.
func WalkExports(img *MappedImage) []Export {
	dir, ok := img.DataDirectory(DirectoryExport)
	if !ok {
		return nil
	}
	log := common.Log.With().Str("table", "exports").Logger()
	c := img.cursor()

	off, err := img.at(dir.RVA)
	if err != nil {
		log.Debug().Err(err).Msg("export directory unreadable")
		return nil
	}
	var ed exportDirectory
	if err := c.unpack(off, &ed); err != nil {
		log.Debug().Err(err).Msg("export directory truncated")
		return nil
	}

	// Each entry needs four bytes of the file, which bounds any sane count.
	hint := int(ed.NumberOfFunctions)
	if limit := len(img.data) / 4; hint > limit {
		hint = limit
	}
	exports := make([]Export, 0, hint)
	for i := uint32(0); i < ed.NumberOfFunctions; i++ {
		fnRVA, err := img.u32At(ed.AddressOfFunctions + 4*i)
		if err != nil {
			log.Debug().Err(err).Uint32("index", i).Msg("function table entry unreadable")
			break
		}
		entry := Export{Ordinal: ed.Base + i}
		if dir.Contains(fnRVA) {
			target, err := img.stringAt(fnRVA)
			if err != nil {
				log.Debug().Err(err).Uint32("index", i).Msg("forwarder string unreadable")
				break
			}
			entry.Target = ForwarderExport{Target: target}
		} else {
			entry.Target = CodeExport{RVA: fnRVA}
		}
		exports = append(exports, entry)
	}

	for j := uint32(0); j < ed.NumberOfNames; j++ {
		nameRVA, err := img.u32At(ed.AddressOfNames + 4*j)
		if err != nil {
			log.Debug().Err(err).Uint32("name", j).Msg("name pointer unreadable")
			break
		}
		index, err := img.u16At(ed.AddressOfNameOrdinals + 2*j)
		if err != nil {
			log.Debug().Err(err).Uint32("name", j).Msg("ordinal table entry unreadable")
			break
		}
		name, err := img.stringAt(nameRVA)
		if err != nil {
			log.Debug().Err(err).Uint32("name", j).Msg("export name unreadable")
			break
		}
		if int(index) < len(exports) {
			exports[index].Name = name
		}
	}
	return exports
}

func (img *MappedImage) u16At(rva uint32) (uint16, error) {
	off, err := img.at(rva)
	if err != nil {
		return 0, err
	}
	return img.cursor().u16(off)
}

func (img *MappedImage) u32At(rva uint32) (uint32, error) {
	off, err := img.at(rva)
	if err != nil {
		return 0, err
	}
	return img.cursor().u32(off)
}

func (img *MappedImage) u64At(rva uint32) (uint64, error) {
	off, err := img.at(rva)
	if err != nil {
		return 0, err
	}
	return img.cursor().u64(off)
}
