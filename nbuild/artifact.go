package nbuild

import (
	"path/filepath"
	"strings"
)

const (
	ObjectExt    = ".o"
	DepRecordExt = ".d"
)

// ArtifactRef ties a source to the files compiling it produces.
type ArtifactRef struct {
	SourcePath    string
	ObjectPath    string
	DepRecordPath string
}

// ArtifactMapper maps sources to their derived files under the build
// directories. All methods are pure.
type ArtifactMapper struct {
	RootDir   string
	ObjDir    string
	DepDir    string
	BinDir    string
	LibDir    string
	ExeSuffix string
}

func (m *ArtifactMapper) ObjectPathOf(source string) string {
	return filepath.Join(m.ObjDir, swapExt(m.relocate(source), ObjectExt))
}

func (m *ArtifactMapper) DepRecordPathOf(source string) string {
	return filepath.Join(m.DepDir, swapExt(m.relocate(source), DepRecordExt))
}

func (m *ArtifactMapper) Ref(source string) ArtifactRef {
	source = filepath.Clean(source)
	return ArtifactRef{
		SourcePath:    source,
		ObjectPath:    m.ObjectPathOf(source),
		DepRecordPath: m.DepRecordPathOf(source),
	}
}

// Refs returns the artifacts of the target's own sources in source order.
func (m *ArtifactMapper) Refs(t *Target) []ArtifactRef {
	sources := t.sources.items
	refs := make([]ArtifactRef, 0, len(sources))
	for _, src := range sources {
		refs = append(refs, m.Ref(src))
	}
	return refs
}

// SourceOf finds the source of t whose object is objectPath.
func (m *ArtifactMapper) SourceOf(objectPath string, t *Target) (string, error) {
	objectPath = filepath.Clean(objectPath)
	for _, src := range t.sources.items {
		if m.ObjectPathOf(src) == objectPath {
			return src, nil
		}
	}
	return "", &ArtifactNotFoundError{Path: objectPath, Target: t.name}
}

// DepRecordOfObject maps an object path back to its dependency record
// without knowing the source. It returns "" for paths outside ObjDir.
func (m *ArtifactMapper) DepRecordOfObject(objectPath string) string {
	rel, err := filepath.Rel(m.ObjDir, filepath.Clean(objectPath))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.Join(m.DepDir, swapExt(rel, DepRecordExt))
}

// BinaryPathOf returns the terminal artifact of t, or "" for object
// collections.
func (m *ArtifactMapper) BinaryPathOf(t *Target) string {
	switch t.kind {
	case Executable:
		return filepath.Join(m.BinDir, t.name+m.ExeSuffix)
	case StaticLibrary:
		return filepath.Join(m.LibDir, "lib"+t.name+".a")
	}
	return ""
}

// relocate turns source into a relative path that stays below the
// output roots. Sources outside RootDir keep their full path with
// ".." segments renamed so two different sources never meet.
func (m *ArtifactMapper) relocate(source string) string {
	source = filepath.Clean(source)
	root := m.RootDir
	if root == "" {
		root = "."
	}
	rel := source
	if filepath.IsAbs(source) == filepath.IsAbs(root) {
		if r, err := filepath.Rel(root, source); err == nil && r != ".." &&
			!strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			rel = r
		}
	}
	rel = filepath.ToSlash(rel)
	rel = strings.TrimLeft(rel, "/")
	if vol := filepath.VolumeName(rel); vol != "" {
		rel = strings.TrimSuffix(vol, ":") + rel[len(vol):]
	}
	parts := strings.Split(rel, "/")
	for i, p := range parts {
		if p == ".." {
			parts[i] = "__"
		}
	}
	return filepath.FromSlash(strings.Join(parts, "/"))
}

func swapExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}
