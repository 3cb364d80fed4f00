package nbuild

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Decision is the outcome of a staleness check. Reason explains a dirty
// decision for -d explain.
type Decision struct {
	Dirty  bool
	Reason string
}

func dirty(format string, args ...interface{}) Decision {
	return Decision{Dirty: true, Reason: fmt.Sprintf(format, args...)}
}

// DependencyScan decides what is out of date by comparing modification
// times of sources, objects and the headers listed in dependency
// records. It errs on the side of rebuilding.
type DependencyScan struct {
	disk     DiskInterface
	mapper   *ArtifactMapper
	commands *CommandBuilder
	// log may be nil; then command line changes go unnoticed.
	log CommandLog
}

func NewDependencyScan(disk DiskInterface, commands *CommandBuilder, log CommandLog) *DependencyScan {
	return &DependencyScan{disk: disk, mapper: commands.Mapper, commands: commands, log: log}
}

func (s *DependencyScan) Mapper() *ArtifactMapper { return s.mapper }

// SourceDirty reports whether src of t has to be recompiled.
func (s *DependencyScan) SourceDirty(src string, t *Target) (Decision, error) {
	ref := s.mapper.Ref(src)
	srcTime, err := s.disk.Stat(ref.SourcePath)
	if err != nil {
		return Decision{}, err
	}
	if srcTime == Missing {
		return Decision{}, configErrorf(t.name, "source '%s' does not exist", ref.SourcePath)
	}

	objTime, err := s.disk.Stat(ref.ObjectPath)
	if err != nil {
		return Decision{}, err
	}
	if objTime == Missing {
		return dirty("output %s doesn't exist", ref.ObjectPath), nil
	}
	if objTime < srcTime {
		return dirty("output %s older than source %s (%d vs %d)", ref.ObjectPath, ref.SourcePath, objTime, srcTime), nil
	}

	content, err := s.disk.ReadFile(ref.DepRecordPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return dirty("dependency record %s is missing", ref.DepRecordPath), nil
		}
		return dirty("loading dependency record %s: %v", ref.DepRecordPath, err), nil
	}
	var parser DepfileParser
	if err := parser.Parse(content); err != nil {
		return dirty("%s: %v", ref.DepRecordPath, err), nil
	}
	for _, in := range parser.Ins {
		mtime, err := s.disk.Stat(in)
		if err != nil {
			return Decision{}, err
		}
		if mtime == Missing {
			return dirty("%s lists %s which no longer exists", ref.DepRecordPath, in), nil
		}
		if objTime < mtime {
			return dirty("output %s older than most recent input %s (%d vs %d)", ref.ObjectPath, in, objTime, mtime), nil
		}
	}

	if s.log != nil {
		cmd := s.commands.BuildCompileCommand(src, t)
		if d := s.commandChanged(cmd); d.Dirty {
			return d, nil
		}
	}
	return Decision{}, nil
}

// ListedUnder returns the first input in the dependency record of src
// that lies inside one of dirs. A missing or unreadable record lists
// nothing.
func (s *DependencyScan) ListedUnder(src string, dirs []string) (string, bool) {
	content, err := s.disk.ReadFile(s.mapper.Ref(src).DepRecordPath)
	if err != nil {
		return "", false
	}
	var parser DepfileParser
	if err := parser.Parse(content); err != nil {
		return "", false
	}
	for _, in := range parser.Ins {
		for _, dir := range dirs {
			if isWithin(in, dir) {
				return in, true
			}
		}
	}
	return "", false
}

func isWithin(path, dir string) bool {
	if filepath.IsAbs(path) != filepath.IsAbs(dir) {
		var err error
		if path, err = filepath.Abs(path); err != nil {
			return false
		}
		if dir, err = filepath.Abs(dir); err != nil {
			return false
		}
	}
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// TargetDirty reports whether the archive or link step of t has to run.
// produced holds the objects compiled in this run and externalsAdvancing
// is set when an external prerequisite has a step pending.
func (s *DependencyScan) TargetDirty(t *Target, linkSet []string, produced map[string]bool, externalsAdvancing bool) (Decision, error) {
	if !t.Produces() {
		return Decision{}, nil
	}
	bin := s.mapper.BinaryPathOf(t)
	binTime, err := s.disk.Stat(bin)
	if err != nil {
		return Decision{}, err
	}
	if binTime == Missing {
		return dirty("output %s doesn't exist", bin), nil
	}
	for _, obj := range linkSet {
		if produced[obj] {
			return dirty("object %s is rebuilt", obj), nil
		}
	}
	if externalsAdvancing {
		return dirty("external prerequisite of %s advances", t.name), nil
	}
	for _, obj := range linkSet {
		mtime, err := s.disk.Stat(obj)
		if err != nil {
			return Decision{}, err
		}
		if mtime == Missing {
			return dirty("object %s is missing", obj), nil
		}
		if binTime < mtime {
			return dirty("output %s older than object %s (%d vs %d)", bin, obj, binTime, mtime), nil
		}
	}
	if s.log != nil {
		cmd, err := s.commands.BuildTargetCommand(t)
		if err != nil {
			return Decision{}, err
		}
		if d := s.commandChanged(cmd); d.Dirty {
			return d, nil
		}
	}
	return Decision{}, nil
}

func (s *DependencyScan) commandChanged(cmd *Command) Decision {
	entry, ok := s.log.LookupByOutput(cmd.Output)
	if !ok {
		return dirty("command line not found in log for %s", cmd.Output)
	}
	if entry.CommandHash != cmd.Hash() {
		return dirty("command line changed for %s", cmd.Output)
	}
	return Decision{}
}
