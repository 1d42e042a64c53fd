// Package tbd parses Apple's YAML-based "text-based dylib" stub format
// (TBD v3/v4/v5), producing the same Dylib shape a binary dylib parse
// would (spec.md §3 Dylib, SPEC_FULL.md §4 "TBD text-stub parsing"
// expansion).
package tbd

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrNotDylib is returned when data does not look like a TBD document at
// all (spec.md §7 parser-rejection sentinel: binary dylib parsing is
// tried first, TBD second).
var ErrNotDylib = errors.New("tbd: not a text-based dylib stub")

// Dylib is the linker-facing view of a parsed TBD document (spec.md §3
// Dylib): install name, versions, and the flattened export symbol set.
type Dylib struct {
	InstallName           string
	CurrentVersion        string
	CompatibilityVersion  string
	Symbols               []string
	ReExports             []string
	AllowableClients      []string
	Weak                  bool
}

// exportGroup mirrors one `exports:`/`re-exports:` entry of a v3/v4 TBD
// document: a target list plus the symbol/reexport arrays for those
// targets.
type exportGroup struct {
	Targets          []string `yaml:"targets"`
	Symbols          []string `yaml:"symbols"`
	ReExports        []string `yaml:"re-exports"`
	ObjCClasses      []string `yaml:"objc-classes"`
	WeakSymbols      []string `yaml:"weak-symbols"`
}

type clientGroup struct {
	Targets []string `yaml:"targets"`
	Clients []string `yaml:"clients"`
}

// docV4 covers TBD v4/v5 (single top-level document, `targets:` instead
// of the v3 per-arch `archs:` list).
type docV4 struct {
	TBDVersion           int           `yaml:"tbd-version"`
	Targets              []string      `yaml:"targets"`
	InstallName          string        `yaml:"install-name"`
	CurrentVersion       yaml.Node     `yaml:"current-version"`
	CompatibilityVersion yaml.Node     `yaml:"compatibility-version"`
	Exports              []exportGroup `yaml:"exports"`
	ReExports            []exportGroup `yaml:"reexports"`
	AllowableClients     []clientGroup `yaml:"allowable-clients"`
}

// docV3 covers the older, still-encountered `archs:`/`platform:` shape.
type docV3 struct {
	Archs                []string  `yaml:"archs"`
	Platform             string    `yaml:"platform"`
	InstallName          string    `yaml:"install-name"`
	CurrentVersion       yaml.Node `yaml:"current-version"`
	CompatibilityVersion yaml.Node `yaml:"compatibility-version"`
	Exports              []exportGroup `yaml:"exports"`
}

// Parse decodes a TBD document. It tries the v4/v5 shape first (the
// modern, single-document format with `tbd-version` and `targets:`),
// falling back to the v3 `archs:`/`platform:` shape.
func Parse(data []byte) (*Dylib, error) {
	trimmed := trimLeadingSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrNotDylib
	}
	// TBD documents always open with the YAML document marker or a
	// top-level mapping key; anything binary (Mach-O magic bytes) fails
	// yaml.Unmarshal outright and is reported as ErrNotDylib.
	var v4 docV4
	if err := yaml.Unmarshal(data, &v4); err == nil && (v4.InstallName != "" || v4.TBDVersion != 0) {
		return v4.toDylib(), nil
	}

	var v3 docV3
	if err := yaml.Unmarshal(data, &v3); err != nil {
		return nil, errors.Wrap(ErrNotDylib, err.Error())
	}
	if v3.InstallName == "" {
		return nil, ErrNotDylib
	}
	return v3.toDylib(), nil
}

func (d *docV4) toDylib() *Dylib {
	out := &Dylib{
		InstallName:          d.InstallName,
		CurrentVersion:       versionString(d.CurrentVersion),
		CompatibilityVersion: versionString(d.CompatibilityVersion),
	}
	for _, g := range d.Exports {
		out.Symbols = append(out.Symbols, g.Symbols...)
		out.ReExports = append(out.ReExports, g.ReExports...)
	}
	for _, g := range d.ReExports {
		out.ReExports = append(out.ReExports, g.Symbols...)
	}
	for _, c := range d.AllowableClients {
		out.AllowableClients = append(out.AllowableClients, c.Clients...)
	}
	return out
}

func (d *docV3) toDylib() *Dylib {
	out := &Dylib{
		InstallName:          d.InstallName,
		CurrentVersion:       versionString(d.CurrentVersion),
		CompatibilityVersion: versionString(d.CompatibilityVersion),
	}
	for _, g := range d.Exports {
		out.Symbols = append(out.Symbols, g.Symbols...)
		out.ReExports = append(out.ReExports, g.ReExports...)
	}
	return out
}

// versionString renders a `current-version`/`compatibility-version`
// scalar as a string regardless of whether the document authored it as
// a YAML number (1) or a dotted string ("1.2.3").
func versionString(n yaml.Node) string {
	if n.Value == "" {
		return "0"
	}
	return n.Value
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}
