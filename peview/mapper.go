package peview

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Open maps path read-only and parses it. The returned image owns the
// mapping; Close releases it.
func Open(path string) (*Image, error) {
	handle, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = handle.Close()
	}()

	info, err := handle.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	if info.Size() == 0 {
		return nil, formatErr(ErrNotAPeFile, 0, "empty file")
	}

	data, err := mmap.Map(handle, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", path, err)
	}

	img, err := NewImage(data)
	if err != nil {
		_ = data.Unmap()
		return nil, err
	}
	img.FileName = path
	img.release = data.Unmap
	return img, nil
}
