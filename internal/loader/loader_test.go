package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/require"

	"github.com/jasona/mudforge-sub002/internal/registry"
)

func writeMudlib(t *testing.T, root, relPath, source string) {
	t.Helper()
	full := filepath.Join(root, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(source), 0o644))
}

func TestLoadObject_CachesUntilRecompile(t *testing.T) {
	root := t.TempDir()
	writeMudlib(t, root, "std/room.js", `
module.exports = function() {
	return { name: "a room", onCreate: function() { this.created = true; } };
};
`)

	reg := registry.New()
	l := New(goja.New(), root, reg, nil)

	bp1, err := l.LoadObject("/std/room")
	require.NoError(t, err)
	bp2, err := l.LoadObject("/std/room")
	require.NoError(t, err)
	require.Equal(t, bp1.Generation, bp2.Generation)

	bp3, err := l.Recompile("/std/room")
	require.NoError(t, err)
	require.Greater(t, bp3.Generation, bp1.Generation)
}

func TestClone_InvokesConstructorFreshEachTime(t *testing.T) {
	root := t.TempDir()
	writeMudlib(t, root, "std/counter.js", `
module.exports = function() {
	return {
		hits: 0,
		onCreate: function() { this.hits = this.hits + 1; }
	};
};
`)

	reg := registry.New()
	l := New(goja.New(), root, reg, nil)

	inst1, err := l.Clone("/std/counter")
	require.NoError(t, err)
	inst2, err := l.Clone("/std/counter")
	require.NoError(t, err)
	require.NotEqual(t, inst1.ID, inst2.ID)

	_, ok, err := inst1.Obj.Call("onCreate")
	require.NoError(t, err)
	require.True(t, ok)

	hits, ok := inst1.Obj.Get("hits")
	require.True(t, ok)
	require.EqualValues(t, 1, hits)
}

func TestCall_AbsentCapabilityIsNoop(t *testing.T) {
	root := t.TempDir()
	writeMudlib(t, root, "std/plain.js", `
module.exports = function() {
	return { name: "plain" };
};
`)

	reg := registry.New()
	l := New(goja.New(), root, reg, nil)

	inst, err := l.Clone("/std/plain")
	require.NoError(t, err)

	_, ok, err := inst.Obj.Call("heartbeat")
	require.NoError(t, err)
	require.False(t, ok, "heartbeat is absent on this object and must be a no-op")
}

func TestLoadObject_MissingSourceIsLoadFailure(t *testing.T) {
	root := t.TempDir()
	reg := registry.New()
	l := New(goja.New(), root, reg, nil)

	_, err := l.LoadObject("/std/nope")
	require.Error(t, err)
}

func TestLoadObject_RejectsRelativePath(t *testing.T) {
	root := t.TempDir()
	reg := registry.New()
	l := New(goja.New(), root, reg, nil)

	_, err := l.LoadObject("std/room")
	require.Error(t, err)
}

func TestInjectVars_VisibleToConstructor(t *testing.T) {
	root := t.TempDir()
	writeMudlib(t, root, "std/greeter.js", `
module.exports = function() {
	return { greeting: bridgeName };
};
`)

	reg := registry.New()
	l := New(goja.New(), root, reg, func(vm *goja.Runtime) map[string]any {
		return map[string]any{"bridgeName": "mudforge-bridge"}
	})

	inst, err := l.Clone("/std/greeter")
	require.NoError(t, err)

	greeting, ok := inst.Obj.Get("greeting")
	require.True(t, ok)
	require.Equal(t, "mudforge-bridge", greeting)
}
