// Package sxs reads the side-by-side assembly dependencies declared in an
// application manifest.
package sxs

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var ErrEmptyManifest = errors.New("empty manifest")

// Identity is an assemblyIdentity element.
type Identity struct {
	Name                  string `xml:"name,attr" json:"name"`
	Version               string `xml:"version,attr" json:"version,omitempty"`
	Type                  string `xml:"type,attr" json:"type,omitempty"`
	ProcessorArchitecture string `xml:"processorArchitecture,attr" json:"processorArchitecture,omitempty"`
	PublicKeyToken        string `xml:"publicKeyToken,attr" json:"publicKeyToken,omitempty"`
	Language              string `xml:"language,attr" json:"language,omitempty"`
}

// IsPublisher reports an identity signed with a public key token, i.e.
// one served from the WinSxS store rather than the application folder.
func (i Identity) IsPublisher() bool { return i.PublicKeyToken != "" }

func (i Identity) String() string {
	parts := []string{i.Name}
	if i.Version != "" {
		parts = append(parts, "version="+i.Version)
	}
	if i.ProcessorArchitecture != "" {
		parts = append(parts, "arch="+i.ProcessorArchitecture)
	}
	if i.PublicKeyToken != "" {
		parts = append(parts, "token="+i.PublicKeyToken)
	}
	return strings.Join(parts, " ")
}

// File is a file element of an assembly.
type File struct {
	Name     string `xml:"name,attr" json:"name"`
	LoadFrom string `xml:"loadFrom,attr" json:"loadFrom,omitempty"`
}

// Manifest is the dependency-relevant part of an application manifest.
type Manifest struct {
	Identity     *Identity  `json:"identity,omitempty"`
	Files        []File     `json:"files,omitempty"`
	Dependencies []Identity `json:"dependencies,omitempty"`
}

type assemblyElement struct {
	XMLName      xml.Name            `xml:"assembly"`
	Identity     *Identity           `xml:"assemblyIdentity"`
	Files        []File              `xml:"file"`
	Dependencies []dependencyElement `xml:"dependency"`
}

type dependencyElement struct {
	Assemblies []struct {
		Identities []Identity `xml:"assemblyIdentity"`
	} `xml:"dependentAssembly"`
}

var (
	doubledQuotes = regexp.MustCompile(`""([\w.]*)""`)
	blankLines    = regexp.MustCompile(`(?m)^\s+$[\r\n]*`)

	// Build-time macros left unexpanded in some system manifests.
	macroReplacer = strings.NewReplacer(
		"SXS_PROCESSOR_ARCHITECTURE", `"amd64"`,
		"SXS_ASSEMBLY_VERSION", `""`,
		"SXS_ASSEMBLY_NAME", `""`,
	)
)

// normalize repairs the quoting and macro damage found in embedded
// manifests so that they parse as XML.
func normalize(text string) string {
	text = doubledQuotes.ReplaceAllString(text, `"$1"`)
	text = macroReplacer.Replace(text)
	return blankLines.ReplaceAllString(text, "")
}

// Parse decodes manifest text. Element names are matched regardless of
// namespace since embedded manifests often omit or vary it.
func Parse(manifest string) (*Manifest, error) {
	if strings.TrimSpace(manifest) == "" {
		return nil, ErrEmptyManifest
	}

	d := xml.NewDecoder(strings.NewReader(normalize(manifest)))
	d.Strict = false
	// Manifests declare encodings such as UTF-8 or utf-8 inconsistently;
	// the text is already decoded.
	d.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }

	var root assemblyElement
	if err := d.Decode(&root); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	m := &Manifest{Identity: root.Identity, Files: root.Files}
	for _, dep := range root.Dependencies {
		for _, a := range dep.Assemblies {
			m.Dependencies = append(m.Dependencies, a.Identities...)
		}
	}
	return m, nil
}

// AnyArch is the resolved architecture of a dependency that does not
// name one the resolver knows; it matches every image.
const AnyArch = "*"

// ResolveArch substitutes the image architecture for the wildcard forms
// "*" and "$(build.arch)". Known architectures are returned lower-cased;
// anything else resolves to AnyArch.
func ResolveArch(arch, imageArch string) string {
	switch a := strings.ToLower(arch); a {
	case "", "*", "$(build.arch)":
		return imageArch
	case "amd64", "x86", "wow64", "msil", "arm", "arm64":
		return a
	default:
		return AnyArch
	}
}
