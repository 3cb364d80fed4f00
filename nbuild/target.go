package nbuild

import (
	"fmt"
	"path/filepath"
)

type TargetKind int8

const (
	Objects TargetKind = iota
	StaticLibrary
	Executable
)

func (k TargetKind) String() string {
	switch k {
	case Objects:
		return "objects"
	case StaticLibrary:
		return "static_library"
	case Executable:
		return "executable"
	}
	return fmt.Sprintf("TargetKind(%d)", int8(k))
}

func ParseTargetKind(s string) (TargetKind, error) {
	switch s {
	case "objects", "OBJECTS":
		return Objects, nil
	case "static_library", "static", "STATIC_LIBRARY":
		return StaticLibrary, nil
	case "executable", "EXECUTABLE":
		return Executable, nil
	}
	return 0, fmt.Errorf("unknown target kind '%s'", s)
}

// StringSet is an insertion ordered set of strings.
type StringSet struct {
	items []string
	index map[string]struct{}
}

func (s *StringSet) add(values ...string) {
	if s.index == nil {
		s.index = make(map[string]struct{}, len(values))
	}
	for _, v := range values {
		if _, ok := s.index[v]; ok {
			continue
		}
		s.index[v] = struct{}{}
		s.items = append(s.items, v)
	}
}

func (s *StringSet) Contains(v string) bool {
	_, ok := s.index[v]
	return ok
}

func (s *StringSet) Len() int { return len(s.items) }

// Items returns a copy of the elements in insertion order.
func (s *StringSet) Items() []string {
	return append([]string(nil), s.items...)
}

// ExternalPrerequisite is a target's dependency on an external build
// reaching a given stage.
type ExternalPrerequisite struct {
	External *ExternalBuild
	Stage    ExternalState
}

// Target describes one buildable unit. Targets are assembled during
// configuration and frozen by Validate; mutating a frozen target panics.
type Target struct {
	name string
	kind TargetKind

	sources       StringSet
	includeDirs   StringSet
	defines       StringSet
	compilerFlags StringSet
	cFlags        StringSet
	cxxFlags      StringSet
	linkerFlags   StringSet

	linkDeps  []*Target
	externals []ExternalPrerequisite
	assetDir  string

	frozen bool
}

func NewTarget(name string, kind TargetKind) *Target {
	return &Target{name: name, kind: kind}
}

func NewObjects(name string) *Target       { return NewTarget(name, Objects) }
func NewStaticLibrary(name string) *Target { return NewTarget(name, StaticLibrary) }
func NewExecutable(name string) *Target    { return NewTarget(name, Executable) }

func (t *Target) Name() string      { return t.name }
func (t *Target) Kind() TargetKind  { return t.kind }
func (t *Target) AssetDir() string  { return t.assetDir }
func (t *Target) Frozen() bool      { return t.frozen }
func (t *Target) String() string    { return t.name }
func (t *Target) Sources() []string { return t.sources.Items() }

func (t *Target) IncludeDirs() []string   { return t.includeDirs.Items() }
func (t *Target) Defines() []string       { return t.defines.Items() }
func (t *Target) CompilerFlags() []string { return t.compilerFlags.Items() }
func (t *Target) CFlags() []string        { return t.cFlags.Items() }
func (t *Target) CXXFlags() []string      { return t.cxxFlags.Items() }
func (t *Target) LinkerFlags() []string   { return t.linkerFlags.Items() }

func (t *Target) LinkDependencies() []*Target {
	return append([]*Target(nil), t.linkDeps...)
}

func (t *Target) Externals() []ExternalPrerequisite {
	return append([]ExternalPrerequisite(nil), t.externals...)
}

// HasSource reports whether path (cleaned) is one of the target's sources.
func (t *Target) HasSource(path string) bool {
	return t.sources.Contains(filepath.Clean(path))
}

// Produces reports whether the target has a terminal artifact.
func (t *Target) Produces() bool { return t.kind != Objects }

func (t *Target) mutate(op string) {
	if t.frozen {
		panic(fmt.Sprintf("nbuild: %s on frozen target '%s'", op, t.name))
	}
}

func (t *Target) AddSources(paths ...string) *Target {
	t.mutate("AddSources")
	for _, p := range paths {
		t.sources.add(filepath.Clean(p))
	}
	return t
}

func (t *Target) AddIncludeDirs(dirs ...string) *Target {
	t.mutate("AddIncludeDirs")
	t.includeDirs.add(dirs...)
	return t
}

func (t *Target) AddDefines(defs ...string) *Target {
	t.mutate("AddDefines")
	t.defines.add(defs...)
	return t
}

func (t *Target) AddCompilerFlags(flags ...string) *Target {
	t.mutate("AddCompilerFlags")
	t.compilerFlags.add(flags...)
	return t
}

func (t *Target) AddCFlags(flags ...string) *Target {
	t.mutate("AddCFlags")
	t.cFlags.add(flags...)
	return t
}

func (t *Target) AddCXXFlags(flags ...string) *Target {
	t.mutate("AddCXXFlags")
	t.cxxFlags.add(flags...)
	return t
}

func (t *Target) AddLinkerFlags(flags ...string) *Target {
	t.mutate("AddLinkerFlags")
	t.linkerFlags.add(flags...)
	return t
}

// LinkTo appends link dependencies, skipping ones already present.
func (t *Target) LinkTo(deps ...*Target) *Target {
	t.mutate("LinkTo")
	for _, dep := range deps {
		if dep == nil || containsTarget(t.linkDeps, dep) {
			continue
		}
		t.linkDeps = append(t.linkDeps, dep)
	}
	return t
}

// DependOn makes the target wait for ext to reach stage (Built or
// Installed) before compiling or linking. A repeated call keeps the
// highest stage.
func (t *Target) DependOn(ext *ExternalBuild, stage ExternalState) *Target {
	t.mutate("DependOn")
	if stage != Built && stage != Installed {
		panic(fmt.Sprintf("nbuild: target '%s' may only depend on built or installed externals, got %s", t.name, stage))
	}
	for i := range t.externals {
		if t.externals[i].External == ext {
			if stage > t.externals[i].Stage {
				t.externals[i].Stage = stage
			}
			return t
		}
	}
	t.externals = append(t.externals, ExternalPrerequisite{External: ext, Stage: stage})
	return t
}

func (t *Target) SetAssetDir(dir string) *Target {
	t.mutate("SetAssetDir")
	t.assetDir = dir
	return t
}

func (t *Target) freeze() { t.frozen = true }

func containsTarget(list []*Target, t *Target) bool {
	for _, x := range list {
		if x == t {
			return true
		}
	}
	return false
}
