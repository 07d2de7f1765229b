package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/akamensky/argparse"
	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"gopeinspect/common"
	"gopeinspect/peview"
	"gopeinspect/sxs"
)

const version = "1.0.0"

var ErrNoFiles = errors.New("no files specified")

// jsonReport is the machine readable form of one file's analysis.
type jsonReport struct {
	File         string               `json:"file"`
	Session      string               `json:"session"`
	Architecture string               `json:"architecture"`
	Is32BitX86   bool                 `json:"is_32_bit_x86"`
	IsArm32      bool                 `json:"is_arm32"`
	IsManaged    bool                 `json:"is_managed"`
	Properties   peview.Properties    `json:"properties"`
	Debug        *peview.DebugInfo    `json:"debug,omitempty"`
	Sections     []peview.SectionInfo `json:"sections,omitempty"`
	Exports      []peview.Export      `json:"exports,omitempty"`
	Imports      []peview.ImportDll   `json:"imports,omitempty"`
	// HasManifest is set whenever the manifest was requested; Manifest is
	// present, possibly empty, only when the image carries one.
	HasManifest *bool         `json:"has_manifest,omitempty"`
	Manifest    *string       `json:"manifest,omitempty"`
	SxS         *sxs.Manifest `json:"sxs,omitempty"`
	SxSError    string        `json:"sxs_error,omitempty"`
}

type options struct {
	*common.Config
	JSON  bool
	Files []string
}

func parseArgs(args []string) (*options, error) {
	cfg := common.LoadConfig()

	parser := argparse.NewParser("gopeinspect", "Read-only structural analyzer for PE images")
	verbose := parser.Flag("v", "verbose", &argparse.Options{Default: cfg.Verbose, Help: "Verbose output and debug logging"})
	parallel := parser.Flag("j", "parallel", &argparse.Options{Default: cfg.Parallel, Help: "Analyse files in parallel"})
	workers := parser.Int("w", "workers", &argparse.Options{Default: cfg.MaxWorkers, Help: "Number of parallel workers"})
	exports := parser.Flag("e", "exports", &argparse.Options{Help: "Show the export table"})
	imports := parser.Flag("i", "imports", &argparse.Options{Help: "Show standard and delay-load imports"})
	manifest := parser.Flag("m", "manifest", &argparse.Options{Help: "Show the embedded manifest"})
	sxsDeps := parser.Flag("x", "sxs", &argparse.Options{Help: "Resolve side-by-side dependencies from the manifest"})
	sections := parser.Flag("s", "sections", &argparse.Options{Help: "Show section hashes and entropy"})
	asJSON := parser.Flag("J", "json", &argparse.Options{Help: "Emit one JSON document per file"})
	showVersion := parser.Flag("V", "version", &argparse.Options{Help: "Show version information"})
	files := parser.StringList("f", "file", &argparse.Options{Help: "PE file to analyse (repeatable)"})

	if err := parser.Parse(args); err != nil {
		return nil, fmt.Errorf("%s", parser.Usage(err))
	}

	cfg.Verbose = *verbose
	cfg.Parallel = *parallel
	cfg.Exports = *exports
	cfg.Imports = *imports
	cfg.Manifest = *manifest
	cfg.SxS = *sxsDeps
	cfg.Sections = *sections
	cfg.ShowVersion = *showVersion
	cfg.MaxWorkers = *workers
	cfg.Normalize()

	opts := &options{Config: cfg, JSON: *asJSON, Files: *files}
	if !opts.ShowVersion && len(opts.Files) == 0 {
		return nil, fmt.Errorf("%w\n%s", ErrNoFiles, parser.Usage(nil))
	}
	return opts, nil
}

func main() {
	opts, err := parseArgs(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if opts.ShowVersion {
		fmt.Printf("gopeinspect v%s\n", version)
		fmt.Println("Read-only PE header, export, import and manifest analyzer")
		return
	}

	if opts.Verbose {
		common.SetLevelDebug()
	}

	var results []common.ProcessResult
	if opts.Parallel && len(opts.Files) > 1 {
		results = processFilesParallel(opts.Files, opts)
	} else {
		results = processFilesSequential(opts.Files, opts)
	}

	for _, result := range results {
		printResult(result, opts)
	}

	var stats common.Stats
	stats.Add(results)
	if !opts.JSON {
		printSummary(stats)
	}
	if stats.Failed > 0 {
		os.Exit(1)
	}
}

// processFile analyses a single file and renders its report.
func processFile(filePath string, opts *options) common.ProcessResult {
	result := common.ProcessResult{Filename: filePath, Session: uuid.New().String()}
	log := common.Log.With().Str("session", result.Session).Str("file", filePath).Logger()

	img, err := peview.Open(filePath)
	if err != nil {
		log.Error().Err(err).Msg("open failed")
		result.Error = err
		return result
	}
	defer img.Close()
	result.FileSize = img.Properties().FileSize

	if opts.JSON {
		result.Report, result.Error = renderJSON(img, result.Session, opts)
	} else {
		result.Report, result.Error = renderText(img, opts)
	}
	if result.Error != nil {
		log.Error().Err(result.Error).Msg("analysis failed")
	} else {
		log.Debug().Int64("size", result.FileSize).Msg("analysed")
	}
	return result
}

func renderText(img *peview.Image, opts *options) (string, error) {
	var out bytes.Buffer
	err := peview.WriteReport(&out, img, peview.ReportOptions{
		Exports:  opts.Exports,
		Imports:  opts.Imports,
		Manifest: opts.Manifest,
		Sections: opts.Sections,
		Verbose:  opts.Verbose,
	})
	if err != nil {
		return "", err
	}
	if opts.SxS {
		writeDependencies(&out, img)
	}
	return out.String(), nil
}

// writeDependencies lists the side-by-side assemblies the manifest asks
// for, with wildcard architectures resolved against the image. A missing
// or unreadable manifest is reported in place and does not fail the file.
func writeDependencies(out *bytes.Buffer, img *peview.Image) {
	out.WriteString("\n" + common.FormatHeading("🧩 SIDE-BY-SIDE DEPENDENCIES"))
	if _, ok := img.Manifest(); !ok {
		fmt.Fprintf(out, "%s No manifest resource\n", common.SymbolInfo)
		return
	}
	m, err := loadSxS(img)
	if err != nil {
		fmt.Fprintf(out, "%s %v\n", common.SymbolWarn, err)
		return
	}
	if m.Identity != nil {
		fmt.Fprintf(out, "Assembly: %s\n", m.Identity)
	}
	if len(m.Dependencies) == 0 {
		out.WriteString("No dependent assemblies\n")
	}
	for _, dep := range m.Dependencies {
		arch := sxs.ResolveArch(dep.ProcessorArchitecture, img.Architecture())
		status := common.SymbolCheck
		if arch != sxs.AnyArch && !img.ArchitectureCompatible(arch) {
			status = common.SymbolWarn
		}
		fmt.Fprintf(out, "  %s %s [arch: %s]\n", status, dep, arch)
	}
	for _, f := range m.Files {
		fmt.Fprintf(out, "  file: %s\n", f.Name)
	}
}

// loadSxS parses the image manifest. Images without one, or with an empty
// one, have no dependencies.
func loadSxS(img *peview.Image) (*sxs.Manifest, error) {
	text, ok := img.Manifest()
	if !ok {
		return &sxs.Manifest{}, nil
	}
	m, err := sxs.Parse(text)
	if errors.Is(err, sxs.ErrEmptyManifest) {
		return &sxs.Manifest{}, nil
	}
	return m, err
}

func renderJSON(img *peview.Image, session string, opts *options) (string, error) {
	report := jsonReport{
		File:         img.FileName,
		Session:      session,
		Architecture: img.Architecture(),
		Is32BitX86:   img.Is32BitX86(),
		IsArm32:      img.IsArm32(),
		IsManaged:    img.IsManagedRuntimeImage(),
		Properties:   img.Properties(),
	}
	if info, err := img.DebugInfo(); err == nil && info.HasPDB() {
		report.Debug = &info
	}
	if opts.Sections {
		report.Sections = img.Sections()
	}
	if opts.Exports {
		report.Exports = img.Exports()
	}
	if opts.Imports {
		report.Imports = img.Imports()
	}
	if opts.Manifest {
		text, ok := img.Manifest()
		report.HasManifest = &ok
		if ok {
			report.Manifest = &text
		}
	}
	if opts.SxS {
		m, err := loadSxS(img)
		if err != nil {
			report.SxSError = err.Error()
		} else {
			report.SxS = m
		}
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	return string(data) + "\n", nil
}

func processFilesSequential(files []string, opts *options) []common.ProcessResult {
	results := make([]common.ProcessResult, 0, len(files))
	for _, file := range files {
		results = append(results, processFile(file, opts))
	}
	return results
}

// processFilesParallel fans files out to a fixed pool of workers. Results
// keep the order of the input list.
func processFilesParallel(files []string, opts *options) []common.ProcessResult {
	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(files))
	results := make([]common.ProcessResult, len(files))

	workers := opts.MaxWorkers
	if workers > len(files) {
		workers = len(files)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.index] = processFile(j.path, opts)
			}
		}()
	}

	for i, file := range files {
		jobs <- job{index: i, path: file}
	}
	close(jobs)
	wg.Wait()

	return results
}

func printResult(result common.ProcessResult, opts *options) {
	if result.Error != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, result.String())
		return
	}
	if opts.JSON {
		fmt.Print(result.Report)
		return
	}
	color.New(color.FgGreen, color.Bold).Println(result.String())
	fmt.Print(result.Report)
	fmt.Println()
}

func printSummary(stats common.Stats) {
	fmt.Printf("Summary:\n")
	fmt.Printf("  Files processed: %d\n", stats.Processed)
	fmt.Printf("  Successful: %d\n", stats.Processed-stats.Failed)
	if stats.Failed > 0 {
		color.Red("  Failed: %d", stats.Failed)
	}
	fmt.Printf("  Bytes analysed: %s\n", common.FormatFileSize(stats.TotalBytes))
}
