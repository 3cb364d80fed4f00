package nbuild

import (
	"context"
	"fmt"
	"strings"
)

// ExternalState is the lifecycle of a foreign build.
type ExternalState int8

const (
	NotConfigured ExternalState = iota
	Configured
	Built
	Installed
	Failed
)

func (s ExternalState) String() string {
	switch s {
	case NotConfigured:
		return "not_configured"
	case Configured:
		return "configured"
	case Built:
		return "built"
	case Installed:
		return "installed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("ExternalState(%d)", int8(s))
}

func ParseExternalStage(s string) (ExternalState, error) {
	switch strings.ToLower(s) {
	case "configured":
		return Configured, nil
	case "built", "":
		return Built, nil
	case "installed":
		return Installed, nil
	}
	return 0, fmt.Errorf("unknown external stage '%s' (want configured, built or installed)", s)
}

// ExternalDriver knows the command that moves a foreign build to a stage.
type ExternalDriver interface {
	Command(ext *ExternalBuild, stage ExternalState) *Command
}

// CMakeDriver drives a CMake project.
type CMakeDriver struct {
	Program       string
	Generator     string
	BuildType     BuildType
	ConfigureArgs []string
	BuildArgs     []string
}

func (d *CMakeDriver) cmakeConfig() string {
	if d.BuildType == Debug {
		return "Debug"
	}
	return "Release"
}

func (d *CMakeDriver) Command(ext *ExternalBuild, stage ExternalState) *Command {
	program := d.Program
	if program == "" {
		program = "cmake"
	}
	cmd := &Command{Kind: ActionExternal, Program: program, Output: ext.BuildDir}
	config := d.cmakeConfig()
	switch stage {
	case Configured:
		cmd.Args = []string{"-S", ShellQuote(ext.SourceRoot), "-B", ShellQuote(ext.BuildDir)}
		if d.Generator != "" {
			cmd.Args = append(cmd.Args, "-G", ShellQuote(d.Generator))
		}
		cmd.Args = append(cmd.Args, "-DCMAKE_BUILD_TYPE="+config)
		if ext.InstallDir != "" {
			cmd.Args = append(cmd.Args, ShellQuote("-DCMAKE_INSTALL_PREFIX="+ext.InstallDir))
		}
		cmd.Args = append(cmd.Args, d.ConfigureArgs...)
		cmd.Description = "CONFIGURE " + ext.Name
	case Built:
		cmd.Args = append([]string{"--build", ShellQuote(ext.BuildDir), "--config", config}, d.BuildArgs...)
		cmd.Description = "BUILD " + ext.Name
	case Installed:
		cmd.Args = []string{"--install", ShellQuote(ext.BuildDir), "--config", config}
		cmd.Output = ext.InstallDir
		cmd.Description = "INSTALL " + ext.Name
	default:
		return nil
	}
	return cmd
}

// ExternalBuild is a foreign build system seen as an opaque node with a
// configure, build and install lifecycle. The reached stage is recorded
// in an ExternalStateStore so later runs skip finished steps.
//
// An ExternalBuild is not safe for concurrent use; the builder drives it
// from its own goroutine.
type ExternalBuild struct {
	Name       string
	SourceRoot string
	BuildDir   string
	InstallDir string
	Driver     ExternalDriver
	// TrackSources resets the build to NotConfigured whenever the
	// content of SourceRoot changes.
	TrackSources bool

	store    ExternalStateStore
	exec     Executor
	loaded   bool
	stage    ExternalState
	treeHash string
	lastErr  error
	advanced bool
}

func NewExternalBuild(name, sourceRoot, buildDir, installDir string, driver ExternalDriver) *ExternalBuild {
	return &ExternalBuild{
		Name:       name,
		SourceRoot: sourceRoot,
		BuildDir:   buildDir,
		InstallDir: installDir,
		Driver:     driver,
	}
}

// Bind attaches the state store and the executor used by Configure,
// Build and Install. A nil store keeps state in memory, a nil exec runs
// commands as local processes.
func (e *ExternalBuild) Bind(store ExternalStateStore, exec Executor) {
	if store == nil {
		store = NewMemoryStateStore()
	}
	if exec == nil {
		exec = RunCommand
	}
	if e.store != store {
		e.loaded = false
	}
	e.store = store
	e.exec = exec
}

// Load reads the recorded stage once.
func (e *ExternalBuild) Load() error {
	if e.loaded {
		return nil
	}
	if e.store == nil {
		e.Bind(nil, nil)
	}
	rec, ok, err := e.store.LoadExternal(e.Name)
	if err != nil {
		return fmt.Errorf("external %s: %w", e.Name, err)
	}
	if ok {
		e.stage = rec.Stage
		e.treeHash = rec.TreeHash
	}
	if e.TrackSources {
		hash, err := HashTree(e.SourceRoot, e.Name)
		if err != nil {
			return fmt.Errorf("external %s: hashing sources: %w", e.Name, err)
		}
		if hash != e.treeHash {
			e.stage = NotConfigured
			e.treeHash = hash
		}
	}
	e.loaded = true
	return nil
}

// State is the recorded stage, or Failed if the last step failed.
func (e *ExternalBuild) State() ExternalState {
	if e.lastErr != nil {
		return Failed
	}
	return e.stage
}

// Stage is the last stage reached successfully.
func (e *ExternalBuild) Stage() ExternalState { return e.stage }

// Advanced reports whether a step succeeded during this process.
func (e *ExternalBuild) Advanced() bool { return e.advanced }

func (e *ExternalBuild) Satisfies(stage ExternalState) bool { return e.stage >= stage }

// PendingStages lists the steps still needed to reach stage, in order.
func (e *ExternalBuild) PendingStages(stage ExternalState) []ExternalState {
	var out []ExternalState
	for s := e.stage + 1; s <= stage && s <= Installed; s++ {
		out = append(out, s)
	}
	return out
}

func (e *ExternalBuild) CommandFor(stage ExternalState) *Command {
	if e.Driver == nil {
		return nil
	}
	return e.Driver.Command(e, stage)
}

// Complete records the outcome of the step towards stage. On failure
// the recorded stage is left alone.
func (e *ExternalBuild) Complete(stage ExternalState, res *Result) error {
	if res == nil || !res.Success() {
		fe := &ExternalBuildFailedError{Name: e.Name, Stage: stage, ExitCode: -1}
		if res != nil {
			fe.ExitCode = res.ExitCode
			fe.Log = res.Output
		}
		e.lastErr = fe
		return fe
	}
	if stage > e.stage {
		e.stage = stage
		e.advanced = true
	}
	e.lastErr = nil
	if e.store != nil {
		if err := e.store.RecordExternal(e.Name, ExternalRecord{Stage: e.stage, TreeHash: e.treeHash}); err != nil {
			return fmt.Errorf("external %s: %w", e.Name, err)
		}
	}
	return nil
}

func (e *ExternalBuild) Configure(ctx context.Context) error { return e.AdvanceTo(ctx, Configured) }
func (e *ExternalBuild) Build(ctx context.Context) error     { return e.AdvanceTo(ctx, Built) }
func (e *ExternalBuild) Install(ctx context.Context) error   { return e.AdvanceTo(ctx, Installed) }

// AdvanceTo runs every missing step up to stage. It is a no-op when the
// recorded stage already satisfies the request.
func (e *ExternalBuild) AdvanceTo(ctx context.Context, stage ExternalState) error {
	if err := e.Load(); err != nil {
		return err
	}
	for _, s := range e.PendingStages(stage) {
		cmd := e.CommandFor(s)
		if cmd == nil {
			return &ConfigurationError{Msg: fmt.Sprintf("external '%s' has no command for %s", e.Name, s)}
		}
		if err := e.Complete(s, e.exec(ctx, cmd)); err != nil {
			return err
		}
	}
	return nil
}
