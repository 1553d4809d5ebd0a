package optreg

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Preset is the declarative, operator-friendly alternative to authoring
// raw protocol lines by hand: a TOML file of services and named fds.
// Loading one never bypasses the command layer -- Lines translates it
// into exactly the protocol-line sequence an equivalent --config file
// would contain, so every invariant the dispatcher enforces still
// applies (spec.md §6's "config is a file of protocol lines" carried
// through, not around).
type Preset struct {
	FD      map[string]PresetFD      `toml:"fd"`
	Service map[string]PresetService `toml:"service"`
}

// PresetFD declares one named fd, translated to an fd.open/fd.pipe
// line depending on which fields are set.
type PresetFD struct {
	Path  string `toml:"path"`  // fd.open path
	Flags string `toml:"flags"` // fd.open flags, e.g. "read,write,create"
	Pipe  bool   `toml:"pipe"`  // fd.pipe instead of fd.open
}

// PresetService declares one service's initial args/fds/opts.
type PresetService struct {
	Args    []string `toml:"args"`
	FDs     []string `toml:"fds"`
	Respawn bool     `toml:"respawn"`
	Delay   string   `toml:"respawn_delay"`
	SigWake []string `toml:"sig_wake"`
	Tags    string   `toml:"tags"`
	Start   bool     `toml:"start"`
}

// LoadPreset reads and parses a preset TOML file.
func LoadPreset(path string) (*Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("optreg: cannot read preset: %s: %w", path, err)
	}
	var p Preset
	if _, err := toml.Decode(string(data), &p); err != nil {
		return nil, fmt.Errorf("optreg: preset parse error in %s: %w", path, err)
	}
	return &p, nil
}

// Lines renders the preset as the ordered sequence of protocol lines
// that reproduce it: fds first (services may reference them by name),
// then each service's args/fds/opts, then service.start for any
// service marked start = true. Map iteration is made deterministic by
// sorting names, so two loads of the same file always produce
// byte-identical output -- useful for --config replay diffing.
func (p *Preset) Lines() []string {
	var lines []string

	fdNames := make([]string, 0, len(p.FD))
	for name := range p.FD {
		fdNames = append(fdNames, name)
	}
	sort.Strings(fdNames)
	for _, name := range fdNames {
		fd := p.FD[name]
		if fd.Pipe {
			lines = append(lines, fmt.Sprintf("fd.pipe\t%s", name))
			continue
		}
		flags := fd.Flags
		if flags == "" {
			flags = "read,write"
		}
		lines = append(lines, fmt.Sprintf("fd.open\t%s\t%s\t%s", name, flags, fd.Path))
	}

	svcNames := make([]string, 0, len(p.Service))
	for name := range p.Service {
		svcNames = append(svcNames, name)
	}
	sort.Strings(svcNames)
	for _, name := range svcNames {
		svc := p.Service[name]
		if len(svc.Args) > 0 {
			lines = append(lines, fmt.Sprintf("service.args\t%s\t%s", name, strings.Join(svc.Args, "\t")))
		}
		if len(svc.FDs) > 0 {
			lines = append(lines, fmt.Sprintf("service.fds\t%s\t%s", name, strings.Join(svc.FDs, "\t")))
		}
		lines = append(lines, presetOptsLines(name, svc)...)
		if svc.Start {
			lines = append(lines, fmt.Sprintf("service.start\t%s", name))
		}
	}
	return lines
}

func presetOptsLines(name string, svc PresetService) []string {
	var opts []string
	if svc.Respawn {
		opts = append(opts, "respawn")
	}
	if svc.Delay != "" {
		opts = append(opts, "respawn-delay="+svc.Delay)
	}
	for _, sig := range svc.SigWake {
		opts = append(opts, "sig_wake="+sig)
	}
	if svc.Tags != "" {
		opts = append(opts, "tags="+svc.Tags)
	}
	if len(opts) == 0 {
		return nil
	}
	return []string{fmt.Sprintf("service.opts\t%s\t%s", name, strings.Join(opts, "\t"))}
}
