package nbuild

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp/fasthttputil"

	"native-build-go/rcache"
)

type remoteCacheTest struct {
	dir      string
	action   *Action
	header   string
	compiled int
	warnings []string
	cache    *RemoteCache
	execute  ExecuteFunc
}

// startCacheServer runs an nbuild-cache server on an in-memory listener
// and returns a dialer for it.
func startCacheServer(t *testing.T) func(addr string) (net.Conn, error) {
	t.Helper()
	dir := t.TempDir()
	store, err := rcache.OpenStore(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	server := rcache.NewServer(store, dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() {
		_ = server.Shutdown(context.Background())
		_ = store.Close()
	})
	return func(string) (net.Conn, error) { return ln.Dial() }
}

func newRemoteCacheTest(t *testing.T, dial func(addr string) (net.Conn, error)) *remoteCacheTest {
	t.Helper()
	dir := t.TempDir()
	rt := &remoteCacheTest{dir: dir, header: filepath.Join(dir, "include", "a.h")}
	src := filepath.Join(dir, "src", "a.c")
	rt.write(t, src, "int a(void) { return A; }")
	rt.write(t, rt.header, "#define A 1")

	tgt := NewObjects("objs").AddSources(src)
	mapper := &ArtifactMapper{RootDir: dir, ObjDir: filepath.Join(dir, "build", "obj"), DepDir: filepath.Join(dir, "build", "dep")}
	commands := &CommandBuilder{Toolchain: Toolchain{CC: "cc"}, Mapper: mapper}
	ref := mapper.Ref(src)
	rt.action = &Action{
		Kind:    ActionCompile,
		Target:  tgt,
		Source:  ref.SourcePath,
		Outputs: []string{ref.ObjectPath, ref.DepRecordPath},
		Command: commands.BuildCompileCommand(src, tgt),
	}

	rt.cache = NewRemoteCache("http://cache/", "linux-x86_64", func(format string, args ...interface{}) {
		rt.warnings = append(rt.warnings, fmt.Sprintf(format, args...))
	})
	rt.cache.SetDial(dial)
	rt.execute = rt.cache.Wrap(rt.compile)
	return rt
}

func (rt *remoteCacheTest) write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// compile stands in for the compiler: the object embeds the header.
func (rt *remoteCacheTest) compile(ctx context.Context, a *Action) *Result {
	rt.compiled++
	header, err := os.ReadFile(rt.header)
	if err != nil {
		return &Result{Status: ExitFailure, Output: err.Error()}
	}
	obj, dep := a.Outputs[0], a.Outputs[1]
	if err := writeArtifact(dep, []byte(obj+": "+a.Source+" "+rt.header+"\n")); err != nil {
		return &Result{Status: ExitFailure, Output: err.Error()}
	}
	if err := writeArtifact(obj, append([]byte("object:"), header...)); err != nil {
		return &Result{Status: ExitFailure, Output: err.Error()}
	}
	return &Result{Status: ExitSuccess}
}

func (rt *remoteCacheTest) run(t *testing.T) *Result {
	t.Helper()
	res := rt.execute(context.Background(), rt.action)
	require.True(t, res.Success())
	return res
}

func (rt *remoteCacheTest) clean(t *testing.T) {
	t.Helper()
	for _, out := range rt.action.Outputs {
		require.NoError(t, os.Remove(out))
	}
}

func TestRemoteCacheRoundTrip(t *testing.T) {
	t.Parallel()
	rt := newRemoteCacheTest(t, startCacheServer(t))

	assert.False(t, rt.run(t).Cached)
	assert.Equal(t, 1, rt.compiled)

	rt.clean(t)
	assert.True(t, rt.run(t).Cached)
	assert.Equal(t, 1, rt.compiled)
	object, err := os.ReadFile(rt.action.Outputs[0])
	require.NoError(t, err)
	assert.Equal(t, "object:#define A 1", string(object))
	assert.FileExists(t, rt.action.Outputs[1])

	entries, err := rt.cache.Lookup(rt.action, mustHashFile(t, rt.action.Source))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Deps, 2)
	assert.Equal(t, "linux-x86_64", entries[0].Instance)
	assert.Empty(t, rt.warnings)
}

func TestRemoteCacheHeaderChangeMisses(t *testing.T) {
	t.Parallel()
	rt := newRemoteCacheTest(t, startCacheServer(t))
	rt.run(t)

	rt.write(t, rt.header, "#define A 2")
	rt.clean(t)
	assert.False(t, rt.run(t).Cached)
	assert.Equal(t, 2, rt.compiled)

	// Both variants are now stored; each header content finds its own.
	rt.write(t, rt.header, "#define A 1")
	rt.clean(t)
	assert.True(t, rt.run(t).Cached)
	object, err := os.ReadFile(rt.action.Outputs[0])
	require.NoError(t, err)
	assert.Equal(t, "object:#define A 1", string(object))
	assert.Empty(t, rt.warnings)
}

func TestRemoteCacheSourceChangeMisses(t *testing.T) {
	t.Parallel()
	rt := newRemoteCacheTest(t, startCacheServer(t))
	rt.run(t)

	rt.write(t, rt.action.Source, "int a(void) { return A + 1; }")
	rt.clean(t)
	assert.False(t, rt.run(t).Cached)
	assert.Equal(t, 2, rt.compiled)
}

func TestRemoteCacheUnreachableFallsBack(t *testing.T) {
	t.Parallel()
	rt := newRemoteCacheTest(t, func(string) (net.Conn, error) {
		return nil, fmt.Errorf("connection refused")
	})
	res := rt.run(t)
	assert.False(t, res.Cached)
	assert.Equal(t, 1, rt.compiled)
	require.Len(t, rt.warnings, 2)
	assert.Contains(t, rt.warnings[0], "remote cache lookup")
	assert.Contains(t, rt.warnings[1], "remote cache upload")
}

func TestRemoteCachePassesThroughOtherActions(t *testing.T) {
	t.Parallel()
	rt := newRemoteCacheTest(t, func(string) (net.Conn, error) {
		t.Error("no request expected")
		return nil, fmt.Errorf("unexpected")
	})
	link := &Action{Kind: ActionLink, Target: NewExecutable("app"), Outputs: []string{"app"}, Command: &Command{Program: "c++"}}
	calls := 0
	execute := rt.cache.Wrap(func(ctx context.Context, a *Action) *Result {
		calls++
		return &Result{Status: ExitSuccess}
	})
	assert.True(t, execute(context.Background(), link).Success())
	assert.Equal(t, 1, calls)
}

func TestRemoteCacheFailedCompileIsNotUploaded(t *testing.T) {
	t.Parallel()
	dial := startCacheServer(t)
	rt := newRemoteCacheTest(t, dial)
	execute := rt.cache.Wrap(func(ctx context.Context, a *Action) *Result {
		return &Result{Status: ExitFailure, ExitCode: 1}
	})
	assert.False(t, execute(context.Background(), rt.action).Success())

	entries, err := rt.cache.Lookup(rt.action, mustHashFile(t, rt.action.Source))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func mustHashFile(t *testing.T, path string) string {
	t.Helper()
	h, err := HashFile(path)
	require.NoError(t, err)
	return h
}
