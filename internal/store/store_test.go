package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasona/mudforge-sub002/internal/errs"
)

func TestWriteThenReadFile_RoundTrips(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.WriteFile("/players/anna.json", []byte(`{"name":"anna"}`)))

	data, err := s.ReadFile("/players/anna.json")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"anna"}`, string(data))
}

func TestReadFile_MissingKeyIsNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.ReadFile("/players/ghost.json")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestLoadJSON_MalformedFileIsLoadFailureNotAbsent(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.WriteFile("/players/anna.json", []byte(`not json`)))

	var v map[string]any
	err = s.LoadJSON("/players/anna.json", &v)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.LoadFailure))
	assert.False(t, errs.Is(err, errs.NotFound))
}

func TestLoadJSON_MissingFileIsNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	var v map[string]any
	err = s.LoadJSON("/players/ghost.json", &v)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestSaveJSONThenLoadJSON_RoundTrips(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	type player struct {
		Name  string `json:"name"`
		Level int    `json:"level"`
	}
	in := player{Name: "anna", Level: 3}
	require.NoError(t, s.SaveJSON("/players/anna.json", in))

	var out player
	require.NoError(t, s.LoadJSON("/players/anna.json", &out))
	assert.Equal(t, in, out)
}

func TestResolve_RejectsRelativeAndEscapingKeys(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.ReadFile("players/anna.json")
	require.Error(t, err)

	_, err = s.ReadFile("/../../etc/passwd")
	require.Error(t, err)
}

func TestMakeDir_NonRecursiveRequiresExistingParent(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	err = s.MakeDir("/areas/valdoria", false)
	require.Error(t, err)

	require.NoError(t, s.MakeDir("/areas", false))
	require.NoError(t, s.MakeDir("/areas/valdoria", false))
}

func TestMakeDir_RecursiveCreatesFullPath(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.MakeDir("/areas/valdoria/rooms", true))

	ok, err := s.Exists("/areas/valdoria/rooms")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExists_TrueAfterWriteFalseAfterRemove(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.WriteFile("/x.json", []byte("{}")))
	ok, err := s.Exists("/x.json")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Remove("/x.json"))
	ok, err = s.Exists("/x.json")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemove_MissingKeyIsNotAnError(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	assert.NoError(t, s.Remove("/nope.json"))
}

func TestStat_ReportsSizeAndMissingIsNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.WriteFile("/x.json", []byte("hello")))
	info, err := s.Stat("/x.json")
	require.NoError(t, err)
	assert.EqualValues(t, 5, info.Size)
	assert.False(t, info.IsDir)

	_, err = s.Stat("/missing.json")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestList_ReturnsSortedEntries(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.WriteFile("/players/zed.json", []byte("{}")))
	require.NoError(t, s.WriteFile("/players/anna.json", []byte("{}")))

	entries, err := s.List("/players")
	require.NoError(t, err)
	assert.Equal(t, []string{"anna.json", "zed.json"}, entries)
}
