package peview

import (
	"bytes"
	"fmt"

	pe "www.velocidex.com/golang/go-pe"
)

// DebugInfo is the CodeView record of the image, as decoded by go-pe.
type DebugInfo struct {
	PDB     string
	GUIDAge string
	Machine string
}

// HasPDB reports whether the image names a program database.
func (d DebugInfo) HasPDB() bool { return d.PDB != "" }

// ReadDebugInfo decodes the CodeView debug record. Images without a debug
// directory return an empty DebugInfo and no error.
func ReadDebugInfo(img *MappedImage) (info DebugInfo, err error) {
	if _, ok := img.DataDirectory(DirectoryDebug); !ok {
		return DebugInfo{}, nil
	}

	// go-pe trusts the headers it reads and panics on some malformed
	// images.
	defer func() {
		if r := recover(); r != nil {
			info = DebugInfo{}
			err = fmt.Errorf("debug directory: %v", r)
		}
	}()

	f, err := pe.NewPEFile(bytes.NewReader(img.data))
	if err != nil {
		return DebugInfo{}, fmt.Errorf("debug directory: %w", err)
	}
	return DebugInfo{
		PDB:     f.PDB,
		GUIDAge: f.GUIDAge,
		Machine: f.Machine,
	}, nil
}
