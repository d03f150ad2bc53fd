package mudlib

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	calls   map[string]int
	results map[string]any
	errs    map[string]error
	ok      map[string]bool
}

func newFakeObject() *fakeObject {
	return &fakeObject{
		calls:   make(map[string]int),
		results: make(map[string]any),
		errs:    make(map[string]error),
		ok:      make(map[string]bool),
	}
}

func (f *fakeObject) Get(prop string) (any, bool) { return nil, false }
func (f *fakeObject) Set(prop string, value any)  {}
func (f *fakeObject) Call(method string, args ...any) (any, bool, error) {
	f.calls[method]++
	if err, has := f.errs[method]; has {
		return nil, true, err
	}
	ok, has := f.ok[method]
	if !has {
		return nil, false, nil
	}
	return f.results[method], ok, nil
}

func TestCallOnDriverStart_AbsentIsNotAnError(t *testing.T) {
	obj := newFakeObject()
	assert.NoError(t, CallOnDriverStart(obj))
	assert.Equal(t, 1, obj.calls[MethodOnDriverStart])
}

func TestPreloadList_DecodesAnySliceOfStrings(t *testing.T) {
	obj := newFakeObject()
	obj.ok[MethodPreloadList] = true
	obj.results[MethodPreloadList] = []any{"/std/room", "/std/player"}

	list, err := PreloadList(obj)
	require.NoError(t, err)
	assert.Equal(t, []string{"/std/room", "/std/player"}, list)
}

func TestPreloadList_AbsentReturnsEmpty(t *testing.T) {
	obj := newFakeObject()
	list, err := PreloadList(obj)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCallOnRuntimeError_SwallowsHookFailure(t *testing.T) {
	obj := newFakeObject()
	obj.errs[MethodOnRuntimeError] = errors.New("hook itself broke")

	assert.NotPanics(t, func() {
		CallOnRuntimeError(obj, errors.New("original failure"))
	})
}

func TestCallOnRuntimeError_NilMasterIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		CallOnRuntimeError(nil, errors.New("x"))
	})
}

func TestHandleAuth_DecodesResultViaJSONRoundTrip(t *testing.T) {
	obj := newFakeObject()
	obj.ok[MethodHandleAuth] = true
	obj.results[MethodHandleAuth] = map[string]any{
		"success": true,
		"player":  "anna",
	}

	result, err := HandleAuth(obj, AuthRequest{Type: "login", Name: "anna"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "anna", result.Player)
}

func TestHandleAuth_AbsentCapabilityReturnsFailureNotError(t *testing.T) {
	obj := newFakeObject()
	result, err := HandleAuth(obj, AuthRequest{Type: "login"})
	require.NoError(t, err)
	assert.False(t, result.Success)
}
