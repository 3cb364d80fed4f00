package nbuild

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMapper() *ArtifactMapper {
	return &ArtifactMapper{
		RootDir: ".",
		ObjDir:  "build/obj",
		DepDir:  "build/dep",
		BinDir:  "build/bin",
		LibDir:  "build/lib",
	}
}

func TestArtifactMapperMirrorsSourceTree(t *testing.T) {
	t.Parallel()
	m := testMapper()
	ref := m.Ref("src/net/./socket.cpp")
	assert.Equal(t, ArtifactRef{
		SourcePath:    "src/net/socket.cpp",
		ObjectPath:    "build/obj/src/net/socket.o",
		DepRecordPath: "build/dep/src/net/socket.d",
	}, ref)
}

func TestArtifactMapperSourcesOutsideRoot(t *testing.T) {
	t.Parallel()
	m := testMapper()
	assert.Equal(t, "build/obj/__/shared/util.o", m.ObjectPathOf("../shared/util.c"))
	assert.Equal(t, "build/obj/usr/src/x.o", m.ObjectPathOf("/usr/src/x.c"))

	m.RootDir = "/home/dev/proj"
	assert.Equal(t, "build/obj/src/a.o", m.ObjectPathOf("/home/dev/proj/src/a.cpp"))
	assert.Equal(t, "build/obj/home/dev/other/b.o", m.ObjectPathOf("/home/dev/other/b.cpp"))
}

func TestArtifactMapperBinaries(t *testing.T) {
	t.Parallel()
	m := testMapper()
	assert.Equal(t, "build/bin/app", m.BinaryPathOf(NewExecutable("app")))
	assert.Equal(t, "build/lib/libcore.a", m.BinaryPathOf(NewStaticLibrary("core")))
	assert.Equal(t, "", m.BinaryPathOf(NewObjects("objs")))

	m.ExeSuffix = ".exe"
	assert.Equal(t, "build/bin/app.exe", m.BinaryPathOf(NewExecutable("app")))
}

func TestArtifactMapperSourceOf(t *testing.T) {
	t.Parallel()
	m := testMapper()
	tgt := NewObjects("objs").AddSources("a.c", "dir/b.cpp")

	src, err := m.SourceOf("build/obj/dir/b.o", tgt)
	require.NoError(t, err)
	assert.Equal(t, "dir/b.cpp", src)

	_, err = m.SourceOf("build/obj/c.o", tgt)
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	refs := m.Refs(tgt)
	require.Len(t, refs, 2)
	assert.Equal(t, "build/dep/a.d", refs[0].DepRecordPath)
}

func TestArtifactMapperDepRecordOfObject(t *testing.T) {
	t.Parallel()
	m := testMapper()
	assert.Equal(t, "build/dep/src/a.d", m.DepRecordOfObject("build/obj/src/a.o"))
	assert.Equal(t, "", m.DepRecordOfObject("build/bin/app"))
}
