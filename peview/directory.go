package peview

// RVAToOffset translates rva into a file offset using the first section,
// in table order, whose virtual range contains it.
func (img *MappedImage) RVAToOffset(rva uint32) (int, error) {
	for _, s := range img.Sections {
		size := s.VirtualSize
		if size == 0 {
			size = s.SizeOfRawData
		}
		if rva < s.VirtualAddress || uint64(rva) >= uint64(s.VirtualAddress)+uint64(size) {
			continue
		}
		offset := uint64(s.PointerToRawData) + uint64(rva-s.VirtualAddress)
		if offset >= uint64(len(img.data)) {
			return 0, &AddressError{RVA: rva, Reason: "maps past end of file"}
		}
		return int(offset), nil
	}
	return 0, &AddressError{RVA: rva, Reason: "is not inside any section"}
}

// DataDirectory returns directory index, or false when the index is
// outside the header's directory array or the entry is empty.
func (img *MappedImage) DataDirectory(index int) (DataDirectory, bool) {
	if index < 0 || index >= len(img.Optional.DataDirectories) {
		return DataDirectory{}, false
	}
	d := img.Optional.DataDirectories[index]
	if d.RVA == 0 && d.Size == 0 {
		return DataDirectory{}, false
	}
	return d, true
}

// Contains reports whether rva lies inside the directory's range.
func (d DataDirectory) Contains(rva uint32) bool {
	return rva >= d.RVA && uint64(rva) < uint64(d.RVA)+uint64(d.Size)
}

// at is RVAToOffset widened for cursor reads.
func (img *MappedImage) at(rva uint32) (int64, error) {
	off, err := img.RVAToOffset(rva)
	if err != nil {
		return 0, err
	}
	return int64(off), nil
}

// stringAt reads the NUL-terminated string stored at rva.
func (img *MappedImage) stringAt(rva uint32) (string, error) {
	off, err := img.at(rva)
	if err != nil {
		return "", err
	}
	return img.cursor().cstring(off)
}

func (img *MappedImage) cursor() cursor { return cursor{data: img.data} }
