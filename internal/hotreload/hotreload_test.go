package hotreload

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_DeletionInvokesHandlerWithVirtualPath(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "std", "room.js")
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0o755))
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	var mu sync.Mutex
	var deleted string
	done := make(chan struct{})

	w, err := New(root, func(vpath string) {
		mu.Lock()
		deleted = vpath
		mu.Unlock()
		close(done)
	}, nil, nil, nil)
	require.NoError(t, err)
	w.debouncePeriod = 20 * time.Millisecond
	w.Start()
	defer w.Stop()

	require.NoError(t, os.Remove(file))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deletion handler was not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/std/room", deleted)
}

func TestWatcher_SafelistedDeletionDoesNotInvokeHandler(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "daemon", "master.js")
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0o755))
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	called := false
	w, err := New(root, func(vpath string) { called = true }, nil, []string{"/daemon/master"}, nil)
	require.NoError(t, err)
	w.debouncePeriod = 20 * time.Millisecond
	w.Start()
	defer w.Stop()

	require.NoError(t, os.Remove(file))
	time.Sleep(200 * time.Millisecond)

	assert.False(t, called)
}

func TestWatcher_ModificationCallsChangeObserverNotDeletionHandler(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "std", "room.js")
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0o755))
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	deletionCalled := false
	changeDone := make(chan string, 1)

	w, err := New(root, func(vpath string) { deletionCalled = true }, func(vpath string) {
		select {
		case changeDone <- vpath:
		default:
		}
	}, nil, nil)
	require.NoError(t, err)
	w.debouncePeriod = 20 * time.Millisecond
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(file, []byte("y"), 0o644))

	select {
	case vpath := <-changeDone:
		assert.Equal(t, "/std/room", vpath)
	case <-time.After(2 * time.Second):
		t.Fatal("change observer was not invoked")
	}
	assert.False(t, deletionCalled)
}

func TestWatcher_RapidWritesAreDebouncedToOneNotification(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "std", "room.js")
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0o755))
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	var mu sync.Mutex
	count := 0

	w, err := New(root, nil, func(vpath string) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil, nil)
	require.NoError(t, err)
	w.debouncePeriod = 100 * time.Millisecond
	w.Start()
	defer w.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(file, []byte("y"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}
