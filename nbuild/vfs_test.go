package nbuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type virtualFile struct {
	contents []byte
	mtime    TimeStamp
}

// VirtualFileSystem is an in-memory DiskInterface with a manual clock.
// Files created get the current time; Tick advances it.
type VirtualFileSystem struct {
	now          TimeStamp
	files        map[string]*virtualFile
	dirsMade     map[string]bool
	filesRead    []string
	filesRemoved map[string]bool
}

func NewVirtualFileSystem() *VirtualFileSystem {
	return &VirtualFileSystem{
		now:          1,
		files:        make(map[string]*virtualFile),
		dirsMade:     make(map[string]bool),
		filesRemoved: make(map[string]bool),
	}
}

func (v *VirtualFileSystem) Tick() TimeStamp {
	v.now++
	return v.now
}

func (v *VirtualFileSystem) Create(path, contents string) {
	v.files[filepath.Clean(path)] = &virtualFile{contents: []byte(contents), mtime: v.now}
}

func (v *VirtualFileSystem) Exists(path string) bool {
	_, ok := v.files[filepath.Clean(path)]
	return ok
}

func (v *VirtualFileSystem) Stat(path string) (TimeStamp, error) {
	f, ok := v.files[filepath.Clean(path)]
	if !ok {
		return Missing, nil
	}
	return f.mtime, nil
}

func (v *VirtualFileSystem) ReadFile(path string) ([]byte, error) {
	path = filepath.Clean(path)
	v.filesRead = append(v.filesRead, path)
	f, ok := v.files[path]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	return f.contents, nil
}

func (v *VirtualFileSystem) WriteFile(path string, contents []byte) error {
	v.Create(path, string(contents))
	return nil
}

func (v *VirtualFileSystem) MakeDirs(path string) error {
	v.dirsMade[filepath.Dir(filepath.Clean(path))] = true
	return nil
}

func (v *VirtualFileSystem) RemoveFile(path string) (bool, error) {
	path = filepath.Clean(path)
	if _, ok := v.files[path]; !ok {
		return false, nil
	}
	delete(v.files, path)
	v.filesRemoved[path] = true
	return true, nil
}

// FakeCommandRunner "runs" actions by creating their outputs in a
// VirtualFileSystem. Compiles write a dependency record listing the
// source and the headers registered for it.
type FakeCommandRunner struct {
	fs        *VirtualFileSystem
	maxActive int
	headers   map[string][]string
	// failOn holds sources, target names or external names whose action
	// exits non-zero.
	failOn map[string]bool

	active []*Action
	ran    []*Action
}

func NewFakeCommandRunner(fs *VirtualFileSystem) *FakeCommandRunner {
	return &FakeCommandRunner{
		fs:        fs,
		maxActive: 1,
		headers:   make(map[string][]string),
		failOn:    make(map[string]bool),
	}
}

func (r *FakeCommandRunner) CanRunMore() int { return r.maxActive - len(r.active) }

func (r *FakeCommandRunner) StartCommand(a *Action) error {
	if a.Command == nil {
		return fmt.Errorf("action %s started without a command", a.Name())
	}
	r.active = append(r.active, a)
	r.ran = append(r.ran, a)
	return nil
}

func (r *FakeCommandRunner) failing(a *Action) bool {
	switch a.Kind {
	case ActionCompile:
		return r.failOn[a.Source]
	case ActionExternal:
		return r.failOn[a.External.Name]
	}
	return r.failOn[a.Target.Name()]
}

func (r *FakeCommandRunner) WaitForCommand() (*Result, bool) {
	if len(r.active) == 0 {
		return nil, false
	}
	a := r.active[0]
	r.active = r.active[1:]
	if r.failing(a) {
		return &Result{Action: a, Status: ExitFailure, ExitCode: 1, Output: "error: cannot build " + a.Name() + "\n"}, true
	}
	switch a.Kind {
	case ActionCompile:
		obj, dep := a.Outputs[0], a.Outputs[1]
		ins := append([]string{a.Source}, r.headers[a.Source]...)
		r.fs.Create(dep, obj+": "+strings.Join(ins, " ")+"\n")
		r.fs.Create(obj, "object of "+a.Source)
	case ActionArchive, ActionLink:
		r.fs.Create(a.Outputs[0], a.Command.String())
	}
	return &Result{Action: a, Status: ExitSuccess}, true
}

func (r *FakeCommandRunner) ActiveActions() []*Action { return append([]*Action(nil), r.active...) }

func (r *FakeCommandRunner) Abort() { r.active = nil }

// Ran lists the kinds and subjects of the actions run, in order.
func (r *FakeCommandRunner) Ran() []string {
	var out []string
	for _, a := range r.ran {
		switch a.Kind {
		case ActionCompile:
			out = append(out, "COMPILE "+a.Source)
		case ActionExternal:
			out = append(out, fmt.Sprintf("EXTERNAL %s %s", a.External.Name, a.Stage))
		default:
			out = append(out, a.Kind.String()+" "+a.Target.Name())
		}
	}
	return out
}

func (r *FakeCommandRunner) Reset() { r.ran = nil }

func newTestConfig() *BuildConfig {
	config := NewBuildConfig(Release, "build")
	config.Verbosity = Quiet
	config.Parallelism = 1
	return config
}

func newTestStatus(config *BuildConfig) *StatusPrinter {
	return NewStatusPrinterTo(config, NewPlainLinePrinter(io.Discard), io.Discard)
}

// buildOnce plans and runs roots on a fresh builder and returns what ran.
func buildOnce(t *testing.T, config *BuildConfig, fs *VirtualFileSystem, runner *FakeCommandRunner, log *BuildLog, roots ...*Target) ([]string, error) {
	t.Helper()
	runner.Reset()
	b := NewBuilder(config, fs, log, newTestStatus(config))
	b.SetRunner(runner)
	if err := b.AddTargets(roots...); err != nil {
		return nil, err
	}
	if b.AlreadyUpToDate() {
		return nil, nil
	}
	err := b.Build(context.Background())
	return runner.Ran(), err
}

func requireBuilds(t *testing.T, config *BuildConfig, fs *VirtualFileSystem, runner *FakeCommandRunner, roots ...*Target) []string {
	t.Helper()
	ran, err := buildOnce(t, config, fs, runner, nil, roots...)
	require.NoError(t, err)
	return ran
}
