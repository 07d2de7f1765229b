package peview

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"math"

	"github.com/michielbuddingh/spamsum"
)

const (
	scnCntCode              = 0x00000020
	scnCntInitializedData   = 0x00000040
	scnCntUninitializedData = 0x00000080
	scnMemDiscardable       = 0x02000000
	scnMemShared            = 0x10000000
	scnMemExecute           = 0x20000000
	scnMemRead              = 0x40000000
	scnMemWrite             = 0x80000000

	noRawData = "N/A (no raw data)"
)

// SectionInfo is a section header plus digests of its raw bytes.
type SectionInfo struct {
	Section
	Index        int
	Entropy      float64
	MD5          string
	SHA256       string
	SSDeep       string
	HasRawData   bool
	IsExecutable bool
	IsReadable   bool
	IsWritable   bool
}

// Flags lists the section's characteristics by name.
func (s SectionInfo) Flags() []string {
	var out []string
	if s.Characteristics&scnCntCode != 0 {
		out = append(out, "CODE")
	}
	if s.Characteristics&scnCntInitializedData != 0 {
		out = append(out, "INITIALIZED_DATA")
	}
	if s.Characteristics&scnCntUninitializedData != 0 {
		out = append(out, "UNINITIALIZED_DATA")
	}
	if s.IsExecutable {
		out = append(out, "EXECUTABLE")
	}
	if s.IsReadable {
		out = append(out, "READABLE")
	}
	if s.IsWritable {
		out = append(out, "WRITABLE")
	}
	if s.Characteristics&scnMemShared != 0 {
		out = append(out, "SHARED")
	}
	if s.Characteristics&scnMemDiscardable != 0 {
		out = append(out, "DISCARDABLE")
	}
	return out
}

// IsRWX reports a section that is writable and executable at once.
func (s SectionInfo) IsRWX() bool {
	return s.IsExecutable && s.IsWritable
}

// SummarizeSections hashes every section whose raw data lies inside the
// buffer. Sections with no readable raw data get placeholder digests.
func SummarizeSections(img *MappedImage) []SectionInfo {
	out := make([]SectionInfo, 0, len(img.Sections))
	c := img.cursor()
	for i, s := range img.Sections {
		info := SectionInfo{
			Section:      s,
			Index:        i,
			IsExecutable: s.Characteristics&scnMemExecute != 0,
			IsReadable:   s.Characteristics&scnMemRead != 0,
			IsWritable:   s.Characteristics&scnMemWrite != 0,
			MD5:          noRawData,
			SHA256:       noRawData,
			SSDeep:       noRawData,
		}
		if s.SizeOfRawData > 0 {
			if data, err := c.span(int64(s.PointerToRawData), int(s.SizeOfRawData)); err == nil {
				info.HasRawData = true
				info.MD5 = fmt.Sprintf("%x", md5.Sum(data))
				info.SHA256 = fmt.Sprintf("%x", sha256.Sum256(data))
				info.SSDeep = spamsum.HashBytes(data).String()
				info.Entropy = CalculateEntropy(data)
			}
		}
		out = append(out, info)
	}
	return out
}

// CalculateEntropy returns the Shannon entropy of data in bits per byte.
func CalculateEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0.0
	}
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	entropy := 0.0
	length := float64(len(data))
	for _, count := range freq {
		if count > 0 {
			p := float64(count) / length
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

// IsLikelyPacked flags images where most sections look compressed or
// encrypted.
func IsLikelyPacked(sections []SectionInfo) bool {
	var (
		highEntropyCount int
		total            int
		sumEntropy       float64
	)
	for _, s := range sections {
		if !s.HasRawData {
			continue
		}
		total++
		sumEntropy += s.Entropy
		if s.Entropy > 7.0 {
			highEntropyCount++
		}
	}
	if total == 0 {
		return false
	}
	avgEntropy := sumEntropy / float64(total)
	percentHigh := float64(highEntropyCount) / float64(total)

	return percentHigh > 0.5 || avgEntropy > 6.8
}
