package nbuild

import (
	"path/filepath"
	"strings"
)

// Command describes one process invocation. Args are shell words:
// paths are quoted when they need it, user flags are kept verbatim so a
// fragment such as "-lfoo -lbar" still expands to two arguments.
type Command struct {
	Kind        ActionKind
	Program     string
	Args        []string
	Output      string
	Description string
}

func (c *Command) String() string {
	if len(c.Args) == 0 {
		return c.Program
	}
	return c.Program + " " + strings.Join(c.Args, " ")
}

// Hash identifies the command line in the build log.
func (c *Command) Hash() uint64 {
	return HashCommand(c.String())
}

// CommandBuilder assembles compile, archive and link commands. It does
// no I/O.
type CommandBuilder struct {
	Toolchain Toolchain
	Mapper    *ArtifactMapper
}

func NewCommandBuilder(config *BuildConfig) *CommandBuilder {
	return &CommandBuilder{Toolchain: config.Toolchain, Mapper: config.Mapper()}
}

var cxxExtensions = map[string]bool{
	".cpp": true,
	".cc":  true,
	".cxx": true,
	".c++": true,
	".C":   true,
	".mm":  true,
}

// IsCXX reports whether source is compiled as C++.
func IsCXX(source string) bool {
	return cxxExtensions[filepath.Ext(source)]
}

func (b *CommandBuilder) BuildCompileCommand(source string, t *Target) *Command {
	ref := b.Mapper.Ref(source)
	cmd := &Command{Kind: ActionCompile, Output: ref.ObjectPath}
	if IsCXX(source) {
		cmd.Program = b.Toolchain.CXX
		cmd.Description = "CXX " + ref.SourcePath
		cmd.Args = append(cmd.Args, t.cxxFlags.items...)
	} else {
		cmd.Program = b.Toolchain.CC
		cmd.Description = "CC " + ref.SourcePath
		cmd.Args = append(cmd.Args, t.cFlags.items...)
	}
	cmd.Args = append(cmd.Args, t.compilerFlags.items...)
	cmd.Args = append(cmd.Args, "-c")
	for _, dir := range t.includeDirs.items {
		cmd.Args = append(cmd.Args, ShellQuote("-I"+dir))
	}
	for _, def := range t.defines.items {
		cmd.Args = append(cmd.Args, ShellQuote("-D"+def))
	}
	cmd.Args = append(cmd.Args,
		"-MD", "-MF", ShellQuote(ref.DepRecordPath),
		"-o", ShellQuote(ref.ObjectPath),
		ShellQuote(ref.SourcePath))
	return cmd
}

// BuildArchiveCommand archives the whole link set of t.
func (b *CommandBuilder) BuildArchiveCommand(t *Target) (*Command, error) {
	objects, err := ResolveLinkSet(t, b.Mapper)
	if err != nil {
		return nil, err
	}
	out := b.Mapper.BinaryPathOf(t)
	args := []string{"rcs", ShellQuote(out)}
	args = append(args, quoteAll(objects)...)
	return &Command{
		Kind:        ActionArchive,
		Program:     b.Toolchain.AR,
		Args:        args,
		Output:      out,
		Description: "AR " + out,
	}, nil
}

// BuildLinkCommand links the whole link set of t with the C++ driver.
func (b *CommandBuilder) BuildLinkCommand(t *Target) (*Command, error) {
	objects, err := ResolveLinkSet(t, b.Mapper)
	if err != nil {
		return nil, err
	}
	out := b.Mapper.BinaryPathOf(t)
	args := []string{"-o", ShellQuote(out)}
	args = append(args, quoteAll(objects)...)
	args = append(args, t.linkerFlags.items...)
	return &Command{
		Kind:        ActionLink,
		Program:     b.Toolchain.CXX,
		Args:        args,
		Output:      out,
		Description: "LINK " + out,
	}, nil
}

// BuildTargetCommand returns the archive or link command of t, or nil
// for object collections.
func (b *CommandBuilder) BuildTargetCommand(t *Target) (*Command, error) {
	switch t.kind {
	case StaticLibrary:
		return b.BuildArchiveCommand(t)
	case Executable:
		return b.BuildLinkCommand(t)
	}
	return nil, nil
}

func quoteAll(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = ShellQuote(p)
	}
	return out
}

func isSafeShellByte(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("_-+=./,:@%^", c) >= 0
}

// ShellQuote quotes s for a POSIX shell when it contains anything beyond
// plain path characters.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for i := 0; i < len(s); i++ {
		if !isSafeShellByte(s[i]) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
