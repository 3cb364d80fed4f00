package nbuild

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type buildTest struct {
	config *BuildConfig
	fs     *VirtualFileSystem
	runner *FakeCommandRunner
}

func newBuildTest() *buildTest {
	fs := NewVirtualFileSystem()
	createSources(fs, "src/a.cpp", "src/b.cpp", "src/main.cpp", "include/core.h")
	runner := NewFakeCommandRunner(fs)
	runner.headers["src/a.cpp"] = []string{"include/core.h"}
	runner.headers["src/main.cpp"] = []string{"include/core.h"}
	fs.Tick()
	return &buildTest{config: newTestConfig(), fs: fs, runner: runner}
}

func (bt *buildTest) build(t *testing.T, roots ...*Target) []string {
	t.Helper()
	ran := requireBuilds(t, bt.config, bt.fs, bt.runner, roots...)
	bt.fs.Tick()
	return ran
}

func TestBuildCompilesThenLinks(t *testing.T) {
	t.Parallel()
	bt := newBuildTest()
	_, app := coreAndApp()

	ran := bt.build(t, app)
	assert.Equal(t, []string{
		"COMPILE src/main.cpp",
		"COMPILE src/a.cpp",
		"COMPILE src/b.cpp",
		"LINK app",
		"ARCHIVE core",
	}, ran)
	for _, out := range []string{
		"build/obj/src/a.o", "build/dep/src/a.d",
		"build/obj/src/main.o", "build/bin/app", "build/lib/libcore.a",
	} {
		assert.True(t, bt.fs.Exists(out), out)
	}
	assert.True(t, bt.fs.dirsMade["build/obj/src"])
	assert.True(t, bt.fs.dirsMade["build/bin"])
}

func TestBuildIsIdempotent(t *testing.T) {
	t.Parallel()
	bt := newBuildTest()
	_, app := coreAndApp()
	bt.build(t, app)

	_, app = coreAndApp()
	assert.Empty(t, bt.build(t, app))
}

func TestBuildRebuildsOnlyTouchedSource(t *testing.T) {
	t.Parallel()
	bt := newBuildTest()
	_, app := coreAndApp()
	bt.build(t, app)

	bt.fs.Create("src/b.cpp", "// changed")
	_, app = coreAndApp()
	assert.Equal(t, []string{"COMPILE src/b.cpp", "LINK app", "ARCHIVE core"}, bt.build(t, app))
}

// objectsCoreAndApp links app against a plain object set instead of an
// archive.
func objectsCoreAndApp() *Target {
	core := NewObjects("core").AddSources("src/a.cpp", "src/b.cpp").AddIncludeDirs("include")
	return NewExecutable("app").AddSources("src/main.cpp").LinkTo(core)
}

func TestBuildObjectsLinkedIntoExecutable(t *testing.T) {
	t.Parallel()
	bt := newBuildTest()
	assert.Equal(t, []string{
		"COMPILE src/main.cpp",
		"COMPILE src/a.cpp",
		"COMPILE src/b.cpp",
		"LINK app",
	}, bt.build(t, objectsCoreAndApp()))
	assert.False(t, bt.fs.Exists("build/lib/libcore.a"))

	bt.fs.Create("src/b.cpp", "// changed")
	assert.Equal(t, []string{"COMPILE src/b.cpp", "LINK app"}, bt.build(t, objectsCoreAndApp()))
	assert.Empty(t, bt.build(t, objectsCoreAndApp()))
}

func TestBuildRebuildsDependentsOfTouchedHeader(t *testing.T) {
	t.Parallel()
	bt := newBuildTest()
	_, app := coreAndApp()
	bt.build(t, app)

	bt.fs.Create("include/core.h", "#pragma once")
	_, app = coreAndApp()
	assert.ElementsMatch(t,
		[]string{"COMPILE src/main.cpp", "COMPILE src/a.cpp", "LINK app", "ARCHIVE core"},
		bt.build(t, app))
}

func TestBuildRelinksWhenOutputDeleted(t *testing.T) {
	t.Parallel()
	bt := newBuildTest()
	_, app := coreAndApp()
	bt.build(t, app)

	_, _ = bt.fs.RemoveFile("build/bin/app")
	_, app = coreAndApp()
	assert.Equal(t, []string{"LINK app"}, bt.build(t, app))
}

func TestBuildCompileFailureStopsLink(t *testing.T) {
	t.Parallel()
	bt := newBuildTest()
	bt.runner.failOn["src/b.cpp"] = true
	_, app := coreAndApp()

	ran, err := buildOnce(t, bt.config, bt.fs, bt.runner, nil, app)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCompileFailed)
	assert.Equal(t, []string{"COMPILE src/main.cpp", "COMPILE src/a.cpp", "COMPILE src/b.cpp"}, ran)
	assert.False(t, bt.fs.Exists("build/bin/app"))

	var actionErr *ActionError
	require.True(t, errors.As(err, &actionErr))
	assert.Equal(t, "core", actionErr.Target)
	assert.Equal(t, "src/b.cpp", actionErr.Source)
	assert.Equal(t, 1, actionErr.ExitCode)
	assert.Contains(t, err.Error(), "-o build/obj/src/b.o")
	assert.Contains(t, err.Error(), "error: cannot build")
}

func TestBuildFailureLetsRunningActionsFinish(t *testing.T) {
	t.Parallel()
	bt := newBuildTest()
	bt.runner.maxActive = 3
	bt.runner.failOn["src/main.cpp"] = true
	_, app := coreAndApp()

	ran, err := buildOnce(t, bt.config, bt.fs, bt.runner, nil, app)
	require.ErrorIs(t, err, ErrCompileFailed)
	assert.Equal(t, []string{"COMPILE src/main.cpp", "COMPILE src/a.cpp", "COMPILE src/b.cpp"}, ran)
	assert.True(t, bt.fs.Exists("build/obj/src/a.o"))
	assert.True(t, bt.fs.Exists("build/obj/src/b.o"))
	assert.False(t, bt.fs.Exists("build/lib/libcore.a"), "no new action starts after a failure")

	// The next run only retries what failed and what depends on it.
	delete(bt.runner.failOn, "src/main.cpp")
	bt.fs.Tick()
	_, app = coreAndApp()
	ran, err = buildOnce(t, bt.config, bt.fs, bt.runner, nil, app)
	require.NoError(t, err)
	// core's objects are already there, so its archive is ready at once.
	assert.Equal(t, []string{"COMPILE src/main.cpp", "ARCHIVE core", "LINK app"}, ran)
}

func TestBuildDryRunTouchesNothing(t *testing.T) {
	t.Parallel()
	bt := newBuildTest()
	bt.config.DryRun = true
	_, app := coreAndApp()

	b := NewBuilder(bt.config, bt.fs, nil, newTestStatus(bt.config))
	require.NoError(t, b.AddTargets(app))
	require.NoError(t, b.Build(context.Background()))
	for _, a := range b.Plan().Actions() {
		assert.Equal(t, ActionSucceeded, a.State(), a.Name())
		assert.NotNil(t, a.Command)
	}
	assert.False(t, bt.fs.Exists("build/obj/src/a.o"))
	assert.False(t, bt.fs.Exists("build/bin/app"))
	assert.Empty(t, bt.fs.dirsMade)
}

func TestBuildCancelledContext(t *testing.T) {
	t.Parallel()
	bt := newBuildTest()
	_, app := coreAndApp()
	b := NewBuilder(bt.config, bt.fs, nil, newTestStatus(bt.config))
	b.SetRunner(bt.runner)
	require.NoError(t, b.AddTargets(app))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Build(ctx), ErrInterrupted)
	assert.Empty(t, bt.runner.Ran())
}

// interruptingRunner leaves a partial output for each started action and
// reports an interrupt on the first wait.
type interruptingRunner struct {
	fs      *VirtualFileSystem
	started []*Action
	aborted bool
}

func (r *interruptingRunner) CanRunMore() int { return 2 - len(r.started) }

func (r *interruptingRunner) StartCommand(a *Action) error {
	r.started = append(r.started, a)
	r.fs.Create(a.Outputs[0], "partial")
	return nil
}

func (r *interruptingRunner) WaitForCommand() (*Result, bool) {
	return &Result{Action: r.started[0], Status: ExitInterrupted}, false
}

// ActiveActions leaves out the action whose result WaitForCommand handed
// back, like RealCommandRunner.
func (r *interruptingRunner) ActiveActions() []*Action { return r.started[1:] }

func (r *interruptingRunner) Abort() { r.aborted = true }

func TestBuildInterruptRemovesPartialOutputs(t *testing.T) {
	t.Parallel()
	bt := newBuildTest()
	_, app := coreAndApp()
	runner := &interruptingRunner{fs: bt.fs}
	b := NewBuilder(bt.config, bt.fs, nil, newTestStatus(bt.config))
	b.SetRunner(runner)
	require.NoError(t, b.AddTargets(app))

	assert.ErrorIs(t, b.Build(context.Background()), ErrInterrupted)
	assert.True(t, runner.aborted)
	require.Len(t, runner.started, 2)
	for _, a := range runner.started {
		assert.False(t, bt.fs.Exists(a.Outputs[0]), a.Outputs[0])
	}
}

func TestBuildInterruptRemovesOutputOfReapedAction(t *testing.T) {
	t.Parallel()
	bt := newBuildTest()
	_, app := coreAndApp()
	var interrupted *Action
	execute := func(ctx context.Context, a *Action) *Result {
		interrupted = a
		bt.fs.Create(a.Outputs[0], "partial")
		return &Result{Status: ExitInterrupted}
	}
	b := NewBuilder(bt.config, bt.fs, nil, newTestStatus(bt.config))
	b.SetRunner(NewRealCommandRunner(context.Background(), 1, execute))
	require.NoError(t, b.AddTargets(app))

	assert.ErrorIs(t, b.Build(context.Background()), ErrInterrupted)
	require.NotNil(t, interrupted)
	assert.False(t, bt.fs.Exists(interrupted.Outputs[0]), "partial output left behind")

	bt.fs.Tick()
	_, app = coreAndApp()
	assert.Contains(t, bt.build(t, app), "COMPILE "+interrupted.Source)
}

func TestBuildArchiveStartsFromScratch(t *testing.T) {
	t.Parallel()
	bt := newBuildTest()
	core, _ := coreAndApp()
	bt.build(t, core)
	require.True(t, bt.fs.Exists("build/lib/libcore.a"))

	bt.fs.Create("src/a.cpp", "// changed")
	core, _ = coreAndApp()
	bt.build(t, core)
	assert.True(t, bt.fs.filesRemoved["build/lib/libcore.a"])
}

func TestBuildCommandChangeWithBuildLog(t *testing.T) {
	t.Parallel()
	bt := newBuildTest()
	log, err := OpenBuildLog(filepath.Join(t.TempDir(), "build.db"))
	require.NoError(t, err)
	defer log.Close()

	project := func(defines ...string) *Target {
		core, app := coreAndApp()
		core.AddDefines(defines...)
		return app
	}

	ran, err := buildOnce(t, bt.config, bt.fs, bt.runner, log, project())
	require.NoError(t, err)
	assert.Len(t, ran, 5)
	bt.fs.Tick()

	entry, ok := log.LookupByOutput("build/bin/app")
	require.True(t, ok)
	assert.NotZero(t, entry.Mtime)

	ran, err = buildOnce(t, bt.config, bt.fs, bt.runner, log, project())
	require.NoError(t, err)
	assert.Empty(t, ran)

	ran, err = buildOnce(t, bt.config, bt.fs, bt.runner, log, project("CORE_FAST=1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"COMPILE src/a.cpp", "COMPILE src/b.cpp", "LINK app", "ARCHIVE core"}, ran)
}

type fakeDriver struct{}

func (fakeDriver) Command(ext *ExternalBuild, stage ExternalState) *Command {
	return &Command{Kind: ActionExternal, Program: "step", Args: []string{ext.Name, stage.String()}, Output: ext.BuildDir}
}

func TestBuildWaitsForExternal(t *testing.T) {
	t.Parallel()
	bt := newBuildTest()
	log, err := OpenBuildLog(filepath.Join(t.TempDir(), "build.db"))
	require.NoError(t, err)
	defer log.Close()

	zlib := NewExternalBuild("zlib", "third_party/zlib", "build/external/zlib/build", "", fakeDriver{})
	project := func() *Target {
		return NewExecutable("app").AddSources("src/main.cpp").DependOn(zlib, Built)
	}

	ran, err := buildOnce(t, bt.config, bt.fs, bt.runner, log, project())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"EXTERNAL zlib configured",
		"EXTERNAL zlib built",
		"COMPILE src/main.cpp",
		"LINK app",
	}, ran)
	assert.Equal(t, Built, zlib.State())

	rec, ok, err := log.LoadExternal("zlib")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Built, rec.Stage)

	bt.fs.Tick()
	ran, err = buildOnce(t, bt.config, bt.fs, bt.runner, log, project())
	require.NoError(t, err)
	assert.Empty(t, ran)
}

func TestBuildRecompilesAgainstReinstalledHeaders(t *testing.T) {
	t.Parallel()
	bt := newBuildTest()
	createSources(bt.fs, "src/util.cpp", "build/external/zlib/install/include/zlib.h")
	bt.runner.headers["src/main.cpp"] = []string{"build/external/zlib/install/include/zlib.h"}
	log, err := OpenBuildLog(filepath.Join(t.TempDir(), "build.db"))
	require.NoError(t, err)
	defer log.Close()

	project := func() *Target {
		zlib := NewExternalBuild("zlib", "third_party/zlib", "build/external/zlib/build", "build/external/zlib/install", fakeDriver{})
		return NewExecutable("app").AddSources("src/main.cpp", "src/util.cpp").DependOn(zlib, Installed)
	}
	ran, err := buildOnce(t, bt.config, bt.fs, bt.runner, log, project())
	require.NoError(t, err)
	assert.Len(t, ran, 6)

	// zlib has to be built and installed again
	require.NoError(t, log.RecordExternal("zlib", ExternalRecord{Stage: Configured}))
	bt.fs.Tick()
	ran, err = buildOnce(t, bt.config, bt.fs, bt.runner, log, project())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"EXTERNAL zlib built",
		"EXTERNAL zlib installed",
		"COMPILE src/main.cpp",
		"LINK app",
	}, ran)
}

func TestBuildExternalFailure(t *testing.T) {
	t.Parallel()
	bt := newBuildTest()
	bt.runner.failOn["zlib"] = true
	zlib := NewExternalBuild("zlib", "third_party/zlib", "build/external/zlib/build", "", fakeDriver{})
	app := NewExecutable("app").AddSources("src/main.cpp").DependOn(zlib, Installed)

	ran, err := buildOnce(t, bt.config, bt.fs, bt.runner, nil, app)
	require.ErrorIs(t, err, ErrExternalBuildFailed)
	assert.Equal(t, []string{"EXTERNAL zlib configured"}, ran)
	assert.Equal(t, Failed, zlib.State())
	assert.Equal(t, NotConfigured, zlib.Stage())
}

func TestBuildMetrics(t *testing.T) {
	t.Parallel()
	bt := newBuildTest()
	_, app := coreAndApp()
	metrics := NewMetrics()
	b := NewBuilder(bt.config, bt.fs, nil, newTestStatus(bt.config))
	b.SetRunner(bt.runner)
	b.SetMetrics(metrics)
	require.NoError(t, b.AddTargets(app))
	require.NoError(t, b.Build(context.Background()))

	compile, ok := metrics.Get("COMPILE")
	require.True(t, ok)
	assert.Equal(t, 3, compile.Count)
	plan, ok := metrics.Get("plan")
	require.True(t, ok)
	assert.Equal(t, 1, plan.Count)
}
