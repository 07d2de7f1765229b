package peview

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"
)

// maxNameLength bounds NUL-terminated names read from the image.
const maxNameLength = 4096

// cursor reads little-endian values out of a byte slice. Every read is
// checked against the slice length before any byte is touched.
type cursor struct {
	data []byte
}

type readError struct {
	Offset int64
	Size   int
	Len    int
}

func (e *readError) Error() string {
	return fmt.Sprintf("read of %d bytes at offset 0x%x exceeds buffer of %d bytes", e.Size, e.Offset, e.Len)
}

func (e *readError) Unwrap() error { return ErrOutOfBounds }

func (c cursor) span(offset int64, size int) ([]byte, error) {
	if offset < 0 || size < 0 || offset > int64(len(c.data)) || int64(size) > int64(len(c.data))-offset {
		return nil, &readError{Offset: offset, Size: size, Len: len(c.data)}
	}
	return c.data[offset : offset+int64(size)], nil
}

func (c cursor) u16(offset int64) (uint16, error) {
	b, err := c.span(offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c cursor) u32(offset int64) (uint32, error) {
	b, err := c.span(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c cursor) u64(offset int64) (uint64, error) {
	b, err := c.span(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// unpack decodes the struc-tagged struct v from the bytes at offset.
func (c cursor) unpack(offset int64, v interface{}) error {
	size, err := struc.Sizeof(v)
	if err != nil {
		return err
	}
	b, err := c.span(offset, size)
	if err != nil {
		return err
	}
	return struc.Unpack(bytes.NewReader(b), v)
}

// cstring reads a NUL-terminated string. A string that runs into the end
// of the buffer, or past maxNameLength, is an error.
func (c cursor) cstring(offset int64) (string, error) {
	if offset < 0 || offset >= int64(len(c.data)) {
		return "", &readError{Offset: offset, Size: 1, Len: len(c.data)}
	}
	window := c.data[offset:]
	if len(window) > maxNameLength {
		window = window[:maxNameLength]
	}
	end := bytes.IndexByte(window, 0)
	if end < 0 {
		return "", fmt.Errorf("unterminated string at offset 0x%x", offset)
	}
	return string(window[:end]), nil
}
