package nbuild

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar"
	"gopkg.in/yaml.v3"
)

const DefaultManifest = "nbuild.yml"

// FlagSet is the part of a manifest entry that carries compile and link
// settings.
type FlagSet struct {
	Includes []string `yaml:"includes"`
	Defines  []string `yaml:"defines"`
	Flags    []string `yaml:"flags"`
	CFlags   []string `yaml:"cflags"`
	CXXFlags []string `yaml:"cxxflags"`
	LDFlags  []string `yaml:"ldflags"`
}

// apply adds the settings to t. Include directories are relative to base.
func (f *FlagSet) apply(t *Target, base string) {
	for _, dir := range f.Includes {
		t.AddIncludeDirs(joinBase(base, dir))
	}
	t.AddDefines(f.Defines...)
	t.AddCompilerFlags(f.Flags...)
	t.AddCFlags(f.CFlags...)
	t.AddCXXFlags(f.CXXFlags...)
	if t.kind != Objects {
		t.AddLinkerFlags(f.LDFlags...)
	}
}

// Defaults apply to every target, followed by the overlay of the build
// type and the one of the target OS.
type Defaults struct {
	FlagSet `yaml:",inline"`
	Release *FlagSet `yaml:"release"`
	Debug   *FlagSet `yaml:"debug"`
	Linux   *FlagSet `yaml:"linux"`
	Darwin  *FlagSet `yaml:"darwin"`
	Windows *FlagSet `yaml:"windows"`
}

func (d *Defaults) overlays(config *BuildConfig) []*FlagSet {
	sets := []*FlagSet{&d.FlagSet}
	if config.BuildType == Debug {
		sets = append(sets, d.Debug)
	} else {
		sets = append(sets, d.Release)
	}
	switch config.GOOS {
	case "linux":
		sets = append(sets, d.Linux)
	case "darwin":
		sets = append(sets, d.Darwin)
	case "windows":
		sets = append(sets, d.Windows)
	}
	return sets
}

type ExternalSpec struct {
	Name         string   `yaml:"name"`
	Source       string   `yaml:"source"`
	Driver       string   `yaml:"driver"`
	Generator    string   `yaml:"generator"`
	Args         []string `yaml:"args"`
	BuildArgs    []string `yaml:"build_args"`
	TrackSources bool     `yaml:"track_sources"`
}

type ExternalRef struct {
	Name  string `yaml:"name"`
	Stage string `yaml:"stage"`
}

type TargetSpec struct {
	FlagSet   `yaml:",inline"`
	Name      string        `yaml:"name"`
	Kind      string        `yaml:"kind"`
	Sources   []string      `yaml:"sources"`
	Link      []string      `yaml:"link"`
	Externals []ExternalRef `yaml:"externals"`
	AssetDir  string        `yaml:"asset_dir"`
}

// Manifest is the decoded form of nbuild.yml.
type Manifest struct {
	Defaults  Defaults       `yaml:"defaults"`
	Externals []ExternalSpec `yaml:"externals"`
	Targets   []TargetSpec   `yaml:"targets"`
	Default   []string       `yaml:"default"`
}

// Project is a manifest turned into targets and external builds.
type Project struct {
	Config    *BuildConfig
	Targets   []*Target
	Externals []*ExternalBuild
	// Defaults are built when no target is named.
	Defaults []*Target

	byName map[string]*Target
}

func (p *Project) Target(name string) (*Target, bool) {
	t, ok := p.byName[name]
	return t, ok
}

// Select resolves target names. No names means the manifest's default
// list, or every target if there is none.
func (p *Project) Select(names []string) ([]*Target, error) {
	if len(names) == 0 {
		if len(p.Defaults) > 0 {
			return p.Defaults, nil
		}
		return p.Targets, nil
	}
	var out []*Target
	for _, name := range names {
		t, ok := p.byName[name]
		if !ok {
			return nil, configErrorf("", "unknown target '%s'%s", name, p.suggest(name))
		}
		out = append(out, t)
	}
	return out, nil
}

func (p *Project) suggest(name string) string {
	best, bestDist := "", 3
	for _, t := range p.Targets {
		if d := editDistance(name, t.name); d < bestDist {
			best, bestDist = t.name, d
		}
	}
	if best == "" {
		return ""
	}
	return fmt.Sprintf(", did you mean '%s'?", best)
}

// editDistance is the Levenshtein distance between a and b.
func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// LoadManifest reads path and builds the project for config. Relative
// paths in the manifest are relative to the manifest's directory.
func LoadManifest(path string, config *BuildConfig) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Msg: "loading manifest", Err: err}
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, &ConfigurationError{Msg: path, Err: err}
	}
	return m.Project(config, filepath.Dir(path))
}

// ParseManifest decodes a manifest, rejecting unknown fields.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &m, nil
}

// Project instantiates the manifest for config.
func (m *Manifest) Project(config *BuildConfig, base string) (*Project, error) {
	p := &Project{Config: config, byName: make(map[string]*Target)}

	externals := make(map[string]*ExternalBuild)
	for _, spec := range m.Externals {
		ext, err := newExternal(spec, config, base)
		if err != nil {
			return nil, err
		}
		if _, dup := externals[spec.Name]; dup {
			return nil, configErrorf("", "duplicate external '%s'", spec.Name)
		}
		externals[spec.Name] = ext
		p.Externals = append(p.Externals, ext)
	}

	for _, spec := range m.Targets {
		if spec.Name == "" {
			return nil, configErrorf("", "target without a name")
		}
		if _, dup := p.byName[spec.Name]; dup {
			return nil, configErrorf(spec.Name, "duplicate target name")
		}
		kind, err := ParseTargetKind(spec.Kind)
		if err != nil {
			return nil, &ConfigurationError{Target: spec.Name, Msg: "bad kind", Err: err}
		}
		t := config.NewTarget(spec.Name, kind)
		for _, set := range m.Defaults.overlays(config) {
			if set != nil {
				set.apply(t, base)
			}
		}
		spec.FlagSet.apply(t, base)
		if kind == Objects && len(spec.LDFlags) > 0 {
			return nil, configErrorf(spec.Name, "objects targets take no ldflags")
		}
		sources, err := expandSources(spec.Sources, base)
		if err != nil {
			return nil, &ConfigurationError{Target: spec.Name, Msg: "sources", Err: err}
		}
		t.AddSources(sources...)
		if spec.AssetDir != "" {
			t.SetAssetDir(joinBase(base, spec.AssetDir))
		}
		for _, ref := range spec.Externals {
			ext, ok := externals[ref.Name]
			if !ok {
				return nil, configErrorf(spec.Name, "unknown external '%s'", ref.Name)
			}
			stage, err := ParseExternalStage(ref.Stage)
			if err != nil || stage == Configured {
				return nil, configErrorf(spec.Name, "external '%s': stage must be built or installed, got '%s'", ref.Name, ref.Stage)
			}
			t.DependOn(ext, stage)
		}
		p.byName[spec.Name] = t
		p.Targets = append(p.Targets, t)
	}

	// Links may refer to targets declared later.
	for i, spec := range m.Targets {
		t := p.Targets[i]
		for _, name := range spec.Link {
			dep, ok := p.byName[name]
			if !ok {
				return nil, configErrorf(spec.Name, "links to unknown target '%s'%s", name, p.suggest(name))
			}
			t.LinkTo(dep)
		}
	}

	for _, name := range m.Default {
		t, ok := p.byName[name]
		if !ok {
			return nil, configErrorf("", "unknown default target '%s'", name)
		}
		p.Defaults = append(p.Defaults, t)
	}
	return p, nil
}

func newExternal(spec ExternalSpec, config *BuildConfig, base string) (*ExternalBuild, error) {
	if spec.Name == "" || spec.Source == "" {
		return nil, configErrorf("", "external needs a name and a source")
	}
	var driver ExternalDriver
	switch strings.ToLower(spec.Driver) {
	case "cmake", "":
		driver = &CMakeDriver{
			Generator:     spec.Generator,
			BuildType:     config.BuildType,
			ConfigureArgs: spec.Args,
			BuildArgs:     spec.BuildArgs,
		}
	default:
		return nil, configErrorf("", "external '%s': unknown driver '%s'", spec.Name, spec.Driver)
	}
	root := filepath.Join(config.BuildDir, "external", spec.Name)
	ext := NewExternalBuild(spec.Name, joinBase(base, spec.Source),
		filepath.Join(root, "build"), filepath.Join(root, "install"), driver)
	ext.TrackSources = spec.TrackSources
	return ext, nil
}

// expandSources resolves ** globs in sorted order. Plain paths are kept
// even if they do not exist yet; the scanner reports those.
func expandSources(patterns []string, base string) ([]string, error) {
	var out []string
	for _, pattern := range patterns {
		pattern = joinBase(base, pattern)
		if !strings.ContainsAny(pattern, "*?[{") {
			out = append(out, pattern)
			continue
		}
		matches, err := doublestar.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern '%s': %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("pattern '%s' matches no files", pattern)
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}
	return out, nil
}

func joinBase(base, path string) string {
	if base == "" || base == "." || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
