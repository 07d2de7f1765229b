package common

import (
	"fmt"
	"path/filepath"
)

// ProcessResult is the outcome of analysing one file.
type ProcessResult struct {
	Filename string
	Session  string
	FileSize int64
	Report   string
	Error    error
}

// String returns a one-line status for the summary output.
func (r *ProcessResult) String() string {
	if r.Error != nil {
		return fmt.Sprintf("%s %s: %v", SymbolCross, filepath.Base(r.Filename), r.Error)
	}
	return fmt.Sprintf("%s %s: %s analysed", SymbolCheck, filepath.Base(r.Filename), FormatFileSize(r.FileSize))
}

// Stats accumulates results across a run.
type Stats struct {
	Processed  int
	Failed     int
	TotalBytes int64
}

func (s *Stats) Add(results []ProcessResult) {
	for _, result := range results {
		s.Processed++
		if result.Error != nil {
			s.Failed++
			continue
		}
		s.TotalBytes += result.FileSize
	}
}
