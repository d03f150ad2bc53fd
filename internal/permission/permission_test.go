package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorize_AdministratorAlwaysAllowed(t *testing.T) {
	m := New(10)
	m.Grant("wiz", Administrator)

	assert.True(t, m.Authorize("wiz", "write", "/areas/anywhere/room.js"))
}

func TestAuthorize_DomainPrefixAllowsWriteAtBoundary(t *testing.T) {
	m := New(10)
	m.Grant("builder1", Builder)
	m.AddDomain("builder1", "/areas/valdoria")

	assert.True(t, m.Authorize("builder1", "write", "/areas/valdoria/room.js"))
	assert.True(t, m.Authorize("builder1", "write", "/areas/valdoria"))
	assert.False(t, m.Authorize("builder1", "write", "/areas/valdoriaextra/room.js"))
	assert.False(t, m.Authorize("builder1", "write", "/areas/other/room.js"))
}

func TestAuthorize_DomainWithTrailingSlashMatchesSubtree(t *testing.T) {
	m := New(10)
	m.Grant("builder1", Builder)
	m.AddDomain("builder1", "/areas/valdoria/")

	assert.True(t, m.Authorize("builder1", "write", "/areas/valdoria/deep/room.js"))
}

func TestAuthorize_UnknownUserDefaultsToPlayerAndDenied(t *testing.T) {
	m := New(10)
	assert.False(t, m.Authorize("stranger", "write", "/areas/valdoria/room.js"))
}

func TestAuthorize_RecordsAuditEntryRegardlessOfOutcome(t *testing.T) {
	m := New(10)
	m.Grant("builder1", Builder)

	m.Authorize("builder1", "write", "/areas/valdoria/room.js")
	m.Authorize("builder1", "destruct", "/areas/valdoria/npc.js")

	tail := m.AuditTail(0)
	require.Len(t, tail, 2)
	assert.Equal(t, "write", tail[0].Action)
	assert.False(t, tail[0].Success)
	assert.Equal(t, "destruct", tail[1].Action)
}

func TestAuditTail_IsBoundedRingBuffer(t *testing.T) {
	m := New(3)
	for i := 0; i < 10; i++ {
		m.Authorize("someone", "write", "/x")
	}

	tail := m.AuditTail(0)
	assert.Len(t, tail, 3)
}

func TestAddDomain_IsIdempotent(t *testing.T) {
	m := New(10)
	m.AddDomain("b", "/areas/x")
	m.AddDomain("b", "/areas/x")

	rec := m.Get("b")
	assert.Len(t, rec.Domains, 1)
}

func TestRemoveDomain_DropsOnlyNamedPrefix(t *testing.T) {
	m := New(10)
	m.AddDomain("b", "/areas/x")
	m.AddDomain("b", "/areas/y")
	m.RemoveDomain("b", "/areas/x")

	rec := m.Get("b")
	assert.Equal(t, []string{"/areas/y"}, rec.Domains)
}

func TestExportImport_RoundTripsRecordsAndAudit(t *testing.T) {
	m := New(10)
	m.Grant("wiz", Administrator)
	m.AddDomain("builder1", "/areas/valdoria")
	m.Authorize("builder1", "write", "/areas/valdoria/room.js")

	snap := m.Export()

	m2 := New(10)
	m2.Import(snap)

	assert.Equal(t, Administrator, m2.Get("wiz").Level)
	assert.True(t, m2.Authorize("builder1", "write", "/areas/valdoria/room2.js"))
	assert.Len(t, m2.AuditTail(0), 2)
}

func TestParseLevel_RoundTripsWithString(t *testing.T) {
	for _, lvl := range []Level{Player, Builder, SeniorBuilder, Administrator} {
		parsed, ok := ParseLevel(lvl.String())
		require.True(t, ok)
		assert.Equal(t, lvl, parsed)
	}
}

func TestParseLevel_RejectsUnknown(t *testing.T) {
	_, ok := ParseLevel("superuser")
	assert.False(t, ok)
}
