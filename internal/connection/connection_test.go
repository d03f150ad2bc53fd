package connection

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame_RecognizesEachOOBPrefix(t *testing.T) {
	cases := map[string]OOBKind{
		"[AUTH_REQ]":   OOBAuthReq,
		"[SESSION]":    OOBSession,
		"[GUI]":        OOBGUI,
		"[COMPLETE]":   OOBComplete,
		"[BUG_REPORT]": OOBBugReport,
	}
	for tag, kind := range cases {
		raw := append([]byte{0x00}, []byte(tag+`{"x":1}`)...)
		gotKind, payload, isOOB, line := ParseFrame(raw)
		require.True(t, isOOB, tag)
		assert.Equal(t, kind, gotKind)
		assert.Equal(t, `{"x":1}`, payload)
		assert.Empty(t, line)
	}
}

func TestParseFrame_PlainLineIsNotOOB(t *testing.T) {
	_, _, isOOB, line := ParseFrame([]byte("look north\r\n"))
	assert.False(t, isOOB)
	assert.Equal(t, "look north", line)
}

func TestParseFrame_UnrecognizedOOBPrefixDegradesToLine(t *testing.T) {
	raw := append([]byte{0x00}, []byte("[UNKNOWN_TAG]payload")...)
	_, _, isOOB, line := ParseFrame(raw)
	assert.False(t, isOOB)
	assert.Contains(t, line, "payload")
}

func TestReplayBuffer_CapsAtRequestedSize(t *testing.T) {
	c := &Connection{ringCap: 200}
	for i := 0; i < 30; i++ {
		c.recordRing("line")
	}
	assert.Len(t, c.ReplayBuffer(20), 20)
	assert.Len(t, c.ReplayBuffer(0), 30)
}

func TestReplayBuffer_BoundedByRingCapacity(t *testing.T) {
	c := &Connection{ringCap: 5}
	for i := 0; i < 10; i++ {
		c.recordRing("line")
	}
	assert.Len(t, c.ReplayBuffer(0), 5)
}

func TestClearBuffer_EmptiesRing(t *testing.T) {
	c := &Connection{ringCap: 10}
	c.recordRing("a")
	c.ClearBuffer()
	assert.Empty(t, c.ReplayBuffer(0))
}

type recordingHandler struct {
	lines [][2]string
	oobs  []struct {
		id      string
		kind    OOBKind
		payload string
	}
	done chan struct{}
}

func (h *recordingHandler) HandleLine(connID, line string) {
	h.lines = append(h.lines, [2]string{connID, line})
	close(h.done)
}

func (h *recordingHandler) HandleOOB(connID string, kind OOBKind, payload string) {
	h.oobs = append(h.oobs, struct {
		id      string
		kind    OOBKind
		payload string
	}{connID, kind, payload})
	close(h.done)
}

func TestConnection_ReadPumpDispatchesLineOverRealSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	handler := &recordingHandler{done: make(chan struct{})}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn := New("conn-1", r.RemoteAddr, ws, 200, nil)
		conn.ReadPump(handler)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("look\r\n")))

	select {
	case <-handler.done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	require.Len(t, handler.lines, 1)
	assert.Equal(t, "look", handler.lines[0][1])
}
