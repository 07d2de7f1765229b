package peview

import (
	"bytes"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"gopeinspect/common"
)

const (
	resourceTypeManifest = 24

	resourceDirectorySize = 16
	resourceEntrySize     = 8

	resourceSubdirectoryFlag = 0x80000000
	resourceNameFlag         = 0x80000000

	// Levels walked below the type entry before giving up on a leaf.
	maxResourceDepth = 3
)

type resourceDirectory struct {
	Characteristics      uint32 `struc:"uint32,little"`
	TimeDateStamp        uint32 `struc:"uint32,little"`
	MajorVersion         uint16 `struc:"uint16,little"`
	MinorVersion         uint16 `struc:"uint16,little"`
	NumberOfNamedEntries uint16 `struc:"uint16,little"`
	NumberOfIDEntries    uint16 `struc:"uint16,little"`
}

type resourceEntry struct {
	Name         uint32 `struc:"uint32,little"`
	OffsetToData uint32 `struc:"uint32,little"`
}

type resourceDataEntry struct {
	OffsetToData uint32 `struc:"uint32,little"`
	Size         uint32 `struc:"uint32,little"`
	CodePage     uint32 `struc:"uint32,little"`
	Reserved     uint32 `struc:"uint32,little"`
}

// GetManifest returns the text of the first RT_MANIFEST resource. The
// boolean is false when the image carries no manifest; an empty manifest
// resource yields ("", true).
func GetManifest(img *MappedImage) (string, bool) {
	raw, ok := manifestBytes(img)
	if !ok {
		return "", false
	}
	// A BOM selects UTF-16 when present; terminators are stripped only
	// after decoding so a UTF-16 code unit is never split.
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	text, _, err := transform.Bytes(decoder, raw)
	if err != nil {
		common.Log.Debug().Err(err).Msg("manifest is not valid text")
		text = raw
	}
	return string(bytes.TrimRight(text, "\x00")), true
}

func manifestBytes(img *MappedImage) ([]byte, bool) {
	dir, ok := img.DataDirectory(DirectoryResource)
	if !ok {
		return nil, false
	}
	log := common.Log.With().Str("table", "resources").Logger()

	entry, ok := img.findResourceID(dir.RVA, resourceTypeManifest)
	if !ok {
		return nil, false
	}
	for depth := 0; entry.OffsetToData&resourceSubdirectoryFlag != 0; depth++ {
		if depth == maxResourceDepth {
			log.Debug().Msg("manifest resource tree too deep")
			return nil, false
		}
		sub := dir.RVA + entry.OffsetToData&^resourceSubdirectoryFlag
		if entry, ok = img.firstResourceEntry(sub); !ok {
			return nil, false
		}
	}

	var data resourceDataEntry
	off, err := img.at(dir.RVA + entry.OffsetToData)
	if err == nil {
		err = img.cursor().unpack(off, &data)
	}
	if err != nil {
		log.Debug().Err(err).Msg("manifest data entry unreadable")
		return nil, false
	}
	if data.Size == 0 {
		return []byte{}, true
	}
	start, err := img.at(data.OffsetToData)
	if err != nil {
		log.Debug().Err(err).Msg("manifest data address invalid")
		return nil, false
	}
	raw, err := img.cursor().span(start, int(data.Size))
	if err != nil {
		log.Debug().Err(err).Msg("manifest data truncated")
		return nil, false
	}
	return raw, true
}

func (img *MappedImage) readResourceDirectory(rva uint32) (resourceDirectory, int64, bool) {
	var rd resourceDirectory
	off, err := img.at(rva)
	if err != nil {
		return rd, 0, false
	}
	if err := img.cursor().unpack(off, &rd); err != nil {
		return rd, 0, false
	}
	return rd, off + resourceDirectorySize, true
}

// findResourceID looks for an integer-ID entry among a directory's
// entries. Named entries come first and are skipped.
func (img *MappedImage) findResourceID(rva, id uint32) (resourceEntry, bool) {
	rd, first, ok := img.readResourceDirectory(rva)
	if !ok {
		return resourceEntry{}, false
	}
	c := img.cursor()
	total := int(rd.NumberOfNamedEntries) + int(rd.NumberOfIDEntries)
	for i := int(rd.NumberOfNamedEntries); i < total; i++ {
		var e resourceEntry
		if err := c.unpack(first+int64(i*resourceEntrySize), &e); err != nil {
			return resourceEntry{}, false
		}
		if e.Name&resourceNameFlag == 0 && e.Name == id {
			return e, true
		}
	}
	return resourceEntry{}, false
}

func (img *MappedImage) firstResourceEntry(rva uint32) (resourceEntry, bool) {
	rd, first, ok := img.readResourceDirectory(rva)
	if !ok || int(rd.NumberOfNamedEntries)+int(rd.NumberOfIDEntries) == 0 {
		return resourceEntry{}, false
	}
	var e resourceEntry
	if err := img.cursor().unpack(first, &e); err != nil {
		return resourceEntry{}, false
	}
	return e, true
}
