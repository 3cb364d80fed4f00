package nbuild

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration       = errors.New("configuration error")
	ErrArtifactNotFound    = errors.New("artifact not found")
	ErrCyclicDependency    = errors.New("cyclic dependency")
	ErrCompileFailed       = errors.New("compile failed")
	ErrArchiveFailed       = errors.New("archive failed")
	ErrLinkFailed          = errors.New("link failed")
	ErrExternalBuildFailed = errors.New("external build failed")
	ErrInterrupted         = errors.New("interrupted by user")
)

// ConfigurationError is raised before any action runs: cycles, object
// path collisions, unknown references, missing sources.
type ConfigurationError struct {
	Target string
	Msg    string
	Err    error
}

func (e *ConfigurationError) Error() string {
	var sb strings.Builder
	sb.WriteString(ErrConfiguration.Error())
	if e.Target != "" {
		fmt.Fprintf(&sb, " in target '%s'", e.Target)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Msg)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErrorf(target, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Target: target, Msg: fmt.Sprintf(format, args...)}
}

type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCyclicDependency, strings.Join(e.Path, " -> "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCyclicDependency }

type ArtifactNotFoundError struct {
	Path   string
	Target string
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("%s: no source of target '%s' maps to '%s'", ErrArtifactNotFound, e.Target, e.Path)
}

func (e *ArtifactNotFoundError) Unwrap() error { return ErrArtifactNotFound }

// ActionError reports a compiler, archiver or linker exiting non-zero.
// Output is the verbatim combined stdout/stderr of the process.
type ActionError struct {
	Kind     ActionKind
	Target   string
	Source   string
	Command  string
	ExitCode int
	Output   string
}

func (e *ActionError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Unwrap().Error())
	fmt.Fprintf(&sb, ": target '%s'", e.Target)
	if e.Source != "" {
		fmt.Fprintf(&sb, ", source '%s'", e.Source)
	}
	fmt.Fprintf(&sb, " (exit code %d)\n%s", e.ExitCode, e.Command)
	if e.Output != "" {
		sb.WriteString("\n")
		sb.WriteString(strings.TrimRight(e.Output, "\n"))
	}
	return sb.String()
}

func (e *ActionError) Unwrap() error {
	switch e.Kind {
	case ActionArchive:
		return ErrArchiveFailed
	case ActionLink:
		return ErrLinkFailed
	default:
		return ErrCompileFailed
	}
}

type ExternalBuildFailedError struct {
	Name     string
	Stage    ExternalState
	ExitCode int
	Log      string
}

func (e *ExternalBuildFailedError) Error() string {
	msg := fmt.Sprintf("%s: '%s' could not reach %s (exit code %d)", ErrExternalBuildFailed, e.Name, e.Stage, e.ExitCode)
	if e.Log != "" {
		msg += "\n" + strings.TrimRight(e.Log, "\n")
	}
	return msg
}

func (e *ExternalBuildFailedError) Unwrap() error { return ErrExternalBuildFailed }
