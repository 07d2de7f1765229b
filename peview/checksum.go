package peview

// RecomputeChecksum computes the PE image checksum of buf. The four bytes
// at checksumOffset are summed as zero. A negative or out-of-range offset
// excludes nothing.
func RecomputeChecksum(buf []byte, checksumOffset int) uint32 {
	var sum uint32
	n := len(buf)
	for i := 0; i < n; i += 2 {
		var word uint32
		if i+1 < n {
			word = uint32(buf[i]) | uint32(buf[i+1])<<8
		} else {
			word = uint32(buf[i])
		}
		if checksumOffset >= 0 {
			// Mask out whichever bytes of this word fall inside the field.
			if i >= checksumOffset && i < checksumOffset+4 {
				word &^= 0x00ff
			}
			if i+1 >= checksumOffset && i+1 < checksumOffset+4 {
				word &^= 0xff00
			}
		}
		sum += word
		sum = (sum & 0xffff) + (sum >> 16)
	}
	sum = (sum & 0xffff) + (sum >> 16)
	return sum + uint32(n)
}

// RecomputeChecksum computes the checksum of the image's own buffer.
func (img *MappedImage) RecomputeChecksum() uint32 {
	return RecomputeChecksum(img.data, int(img.checksumOffset))
}

// ChecksumMatches reports whether the stored CheckSum equals the
// recomputed one.
func (img *MappedImage) ChecksumMatches() bool {
	return img.Optional.CheckSum == img.RecomputeChecksum()
}
