package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasona/mudforge-sub002/internal/errs"
)

type fakeObject struct {
	props map[string]any
	calls map[string]int
	fail  map[string]error
}

func newFakeObject() *fakeObject {
	return &fakeObject{props: map[string]any{}, calls: map[string]int{}}
}

func (f *fakeObject) Get(prop string) (any, bool) {
	v, ok := f.props[prop]
	return v, ok
}

func (f *fakeObject) Set(prop string, value any) { f.props[prop] = value }

func (f *fakeObject) Call(method string, args ...any) (any, bool, error) {
	f.calls[method]++
	if err, ok := f.fail[method]; ok {
		return nil, true, err
	}
	switch method {
	case "onCreate", "onReset", "onEnter", "onLeave", "onDestroy", "heartbeat":
		return nil, true, nil
	default:
		return nil, false, nil
	}
}

func constructorFor(obj Object) Constructor {
	return func() (Object, error) { return obj, nil }
}

func TestInstantiate_NotFoundWhenBlueprintMissing(t *testing.T) {
	r := New()
	_, err := r.Instantiate("/std/missing")
	require.Error(t, err)
	de, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.NotFound, de.Kind)
}

func TestInstantiate_FailureLeavesNoPartialInstance(t *testing.T) {
	r := New()
	r.RegisterBlueprint("/std/bad", func() (Object, error) {
		return nil, assertErr
	})

	before := len(r.Enumerate())
	_, err := r.Instantiate("/std/bad")
	require.Error(t, err)
	de, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.LoadFailure, de.Kind)
	assert.Equal(t, before, len(r.Enumerate()))
}

var assertErr = errs.New(errs.LoadFailure, "constructor exploded")

func TestCloneThenDestructRoundTrip(t *testing.T) {
	r := New()
	r.RegisterBlueprint("/std/room", constructorFor(newFakeObject()))

	before := len(r.Enumerate())
	inst, err := r.Instantiate("/std/room")
	require.NoError(t, err)
	assert.Equal(t, before+1, len(r.Enumerate()))

	require.NoError(t, r.Destroy(inst, DestroyOptions{}))
	assert.Equal(t, before, len(r.Enumerate()))

	_, found := r.Get(inst.ID)
	assert.False(t, found)
}

func TestEnvironmentInventoryInvariant(t *testing.T) {
	r := New()
	r.RegisterBlueprint("/std/room", constructorFor(newFakeObject()))
	r.RegisterBlueprint("/std/thing", constructorFor(newFakeObject()))

	room, err := r.Instantiate("/std/room")
	require.NoError(t, err)
	thing, err := r.Instantiate("/std/thing")
	require.NoError(t, err)

	require.NoError(t, r.Move(thing, room))

	env, hasEnv := thing.Environment()
	require.True(t, hasEnv)
	assert.Equal(t, room.ID, env)
	assert.Contains(t, room.Inventory(), thing.ID)

	obj := room.Obj.(*fakeObject)
	assert.Equal(t, 1, obj.calls["onEnter"])
}

func TestDestroyRemovesFromEnvironmentAndIndex(t *testing.T) {
	r := New()
	r.RegisterBlueprint("/std/room", constructorFor(newFakeObject()))
	r.RegisterBlueprint("/std/thing", constructorFor(newFakeObject()))

	room, _ := r.Instantiate("/std/room")
	thing, _ := r.Instantiate("/std/thing")
	require.NoError(t, r.Move(thing, room))

	require.NoError(t, r.Destroy(thing, DestroyOptions{}))

	assert.NotContains(t, room.Inventory(), thing.ID)
	_, found := r.Get(thing.ID)
	assert.False(t, found)

	roomObj := room.Obj.(*fakeObject)
	assert.Equal(t, 1, roomObj.calls["onLeave"])
}

func TestDestroyRecursivelyDestroysInventory(t *testing.T) {
	r := New()
	r.RegisterBlueprint("/std/room", constructorFor(newFakeObject()))
	r.RegisterBlueprint("/std/thing", constructorFor(newFakeObject()))

	room, _ := r.Instantiate("/std/room")
	thing, _ := r.Instantiate("/std/thing")
	require.NoError(t, r.Move(thing, room))

	require.NoError(t, r.Destroy(room, DestroyOptions{}))

	_, found := r.Get(thing.ID)
	assert.False(t, found, "owned inventory must be destroyed with its environment")
}

func TestDestroyKeepInventoryOptsOut(t *testing.T) {
	r := New()
	r.RegisterBlueprint("/std/room", constructorFor(newFakeObject()))
	r.RegisterBlueprint("/std/thing", constructorFor(newFakeObject()))

	room, _ := r.Instantiate("/std/room")
	thing, _ := r.Instantiate("/std/thing")
	require.NoError(t, r.Move(thing, room))

	require.NoError(t, r.Destroy(room, DestroyOptions{KeepInventory: true}))

	_, found := r.Get(thing.ID)
	assert.True(t, found, "KeepInventory must leave owned inventory alive")
}

func TestDestroyInvokesHooks(t *testing.T) {
	r := New()
	r.RegisterBlueprint("/std/room", constructorFor(newFakeObject()))
	inst, _ := r.Instantiate("/std/room")

	var notified InstanceID
	r.OnDestroy(func(id InstanceID) { notified = id })

	require.NoError(t, r.Destroy(inst, DestroyOptions{}))
	assert.Equal(t, inst.ID, notified)
}

func TestFindResolvesCanonicalPathOrInstanceID(t *testing.T) {
	r := New()
	r.RegisterBlueprint("/daemon/master", constructorFor(newFakeObject()))
	inst, _ := r.Instantiate("/daemon/master")
	r.RegisterCanonical("/daemon/master", inst)

	byPath, ok := r.Find("/daemon/master")
	require.True(t, ok)
	assert.Equal(t, inst.ID, byPath.ID)

	byID, ok := r.Find(string(inst.ID))
	require.True(t, ok)
	assert.Equal(t, inst.ID, byID.ID)
}

func TestRegisterBlueprintIncrementsGenerationAndPreservesOldClones(t *testing.T) {
	r := New()
	gen1 := r.RegisterBlueprint("/std/room", constructorFor(newFakeObject()))
	assert.Equal(t, uint64(1), gen1)

	r1, err := r.Instantiate("/std/room")
	require.NoError(t, err)
	r2, err := r.Instantiate("/std/room")
	require.NoError(t, err)

	gen2 := r.RegisterBlueprint("/std/room", constructorFor(newFakeObject()))
	assert.Equal(t, uint64(2), gen2)

	bp, ok := r.LookupBlueprint("/std/room")
	require.True(t, ok)
	assert.Equal(t, gen2, bp.Generation)

	// existing clones still answer to the pre-reload generation.
	assert.Equal(t, gen1, r1.Blueprint.Generation)
	assert.Equal(t, gen1, r2.Blueprint.Generation)
	assert.Equal(t, r1.Blueprint.Generation, r2.Blueprint.Generation)

	r3, err := r.Instantiate("/std/room")
	require.NoError(t, err)
	assert.Equal(t, gen2, r3.Blueprint.Generation)
	assert.Greater(t, r3.Blueprint.Generation, r1.Blueprint.Generation)

	assert.Equal(t, 2, r1.Blueprint.CloneCount())
}
