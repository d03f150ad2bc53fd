// Package connection implements the Connection Layer (C1): line-framed
// traffic over a websocket, out-of-band prefix recognition, and the bounded
// outgoing-message ring buffer used for resume replay.
//
// Grounded on the MUD-Engine reference server's Client/readPump/writePump
// shape (other_examples) — the teacher lists gorilla/websocket as a
// dependency but never exercises it, so this component follows the
// reference server's pump structure instead.
package connection

import (
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/jasona/mudforge-sub002/internal/logging"
)

// OOBKind identifies one of the out-of-band prefixes
type OOBKind string

const (
	OOBAuthReq   OOBKind = "AUTH_REQ"
	OOBSession   OOBKind = "SESSION"
	OOBGUI       OOBKind = "GUI"
	OOBComplete  OOBKind = "COMPLETE"
	OOBBugReport OOBKind = "BUG_REPORT"
)

// prefixes maps the bracketed tag (without the leading \x00) to its kind.
var prefixes = map[string]OOBKind{
	"[AUTH_REQ]":   OOBAuthReq,
	"[SESSION]":    OOBSession,
	"[GUI]":        OOBGUI,
	"[COMPLETE]":   OOBComplete,
	"[BUG_REPORT]": OOBBugReport,
}

// ParseFrame classifies one inbound frame. Frames beginning with a zero
// byte are out-of-band; isOOB reports which, with payload holding the JSON
// body. Anything else is a plain line (already right-trimmed).
func ParseFrame(raw []byte) (kind OOBKind, payload string, isOOB bool, line string) {
	if len(raw) == 0 || raw[0] != 0x00 {
		return "", "", false, strings.TrimRight(string(raw), "\r\n")
	}
	rest := string(raw[1:])
	for tag, k := range prefixes {
		if strings.HasPrefix(rest, tag) {
			return k, strings.TrimSpace(strings.TrimPrefix(rest, tag)), true, ""
		}
	}
	// Unrecognized OOB prefix: treat the remainder as a plain line so the
	// driver degrades gracefully instead of silently dropping input.
	return "", "", false, strings.TrimRight(rest, "\r\n")
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	defaultBufSize = 256
)

// Handler receives classified input from a Connection's read pump.
type Handler interface {
	HandleLine(connID, line string)
	HandleOOB(connID string, kind OOBKind, payload string)
}

// Connection wraps one websocket session: outgoing writes, a bounded replay
// ring, and the read/write pump goroutines.
type Connection struct {
	ID         string
	RemoteAddr string

	ws   *websocket.Conn
	send chan []byte
	log  *logging.Logger

	mu      sync.Mutex
	ring    []string
	ringCap int
	closed  bool

	limiter *rate.Limiter
}

// New wraps ws as a Connection with a replay ring of capacity ringCap
// (default 200 when ringCap <= 0).
func New(id, remoteAddr string, ws *websocket.Conn, ringCap int, log *logging.Logger) *Connection {
	if ringCap <= 0 {
		ringCap = 200
	}
	return &Connection{
		ID:         id,
		RemoteAddr: remoteAddr,
		ws:         ws,
		send:       make(chan []byte, defaultBufSize),
		log:        log,
		ringCap:    ringCap,
		limiter:    rate.NewLimiter(rate.Inf, 0),
	}
}

// SetRateLimit throttles how fast ReadPump will accept input lines and OOB
// frames from this connection, perSec sustained with burst allowed in a
// single instant. A zero or negative perSec leaves the connection
// unthrottled (the New default).
func (c *Connection) SetRateLimit(perSec float64, burst int) {
	if perSec <= 0 {
		return
	}
	c.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
}

// SendLine writes a player-visible line: it is both sent immediately and
// recorded in the replay ring.
func (c *Connection) SendLine(line string) {
	c.recordRing(line)
	c.enqueue([]byte(line))
}

// SendRaw writes an out-of-band envelope without recording it in the replay
// ring — OOB envelopes are not replayed on resume.
func (c *Connection) SendRaw(data []byte) {
	c.enqueue(data)
}

func (c *Connection) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		if c.log != nil {
			c.log.With().WithField("connection", c.ID).Warn("outgoing buffer full, dropping message")
		}
	}
}

func (c *Connection) recordRing(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring = append(c.ring, line)
	if len(c.ring) > c.ringCap {
		c.ring = c.ring[len(c.ring)-c.ringCap:]
	}
}

// ReplayBuffer returns a snapshot of the buffered trailing lines, capped at
// n. n <= 0 returns the full ring.
func (c *Connection) ReplayBuffer(n int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.ring) {
		n = len(c.ring)
	}
	out := make([]string, n)
	copy(out, c.ring[len(c.ring)-n:])
	return out
}

// ClearBuffer empties the replay ring. The orchestrator reads the buffer
// on takeover and disconnect but does not call ClearBuffer; the old
// connection is discarded instead.
func (c *Connection) ClearBuffer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring = nil
}

// ReadPump blocks reading frames from the websocket and dispatches each to
// handler, until the connection errors or closes. Callers should run it in
// its own goroutine and call Close when it returns.
func (c *Connection) ReadPump(handler Handler) {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			c.SendLine("You are sending commands too quickly. Slow down.")
			continue
		}

		kind, payload, isOOB, line := ParseFrame(data)
		if isOOB {
			handler.HandleOOB(c.ID, kind, payload)
		} else {
			handler.HandleLine(c.ID, line)
		}
	}
}

// WritePump drains c.send to the websocket and keeps the connection alive
// with periodic pings, until told to stop.
func (c *Connection) WritePump(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// Close marks the connection closed and closes the underlying socket. Safe
// to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.ws.Close()
}
