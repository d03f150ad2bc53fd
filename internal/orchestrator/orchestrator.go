// Package orchestrator implements the Driver Orchestrator (C11): the
// startup/shutdown state machine, the per-player connection state machine,
// and the single entry point for inbound network data.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jasona/mudforge-sub002/internal/bridge"
	"github.com/jasona/mudforge-sub002/internal/command"
	"github.com/jasona/mudforge-sub002/internal/config"
	"github.com/jasona/mudforge-sub002/internal/connection"
	"github.com/jasona/mudforge-sub002/internal/errs"
	"github.com/jasona/mudforge-sub002/internal/hotreload"
	"github.com/jasona/mudforge-sub002/internal/logging"
	"github.com/jasona/mudforge-sub002/internal/mudlib"
	"github.com/jasona/mudforge-sub002/internal/permission"
	"github.com/jasona/mudforge-sub002/internal/registry"
	"github.com/jasona/mudforge-sub002/internal/scheduler"
	"github.com/jasona/mudforge-sub002/internal/session"
)

// State is the driver's lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// PlayerState is the per-player connection state machine's state.
type PlayerState int

const (
	StateLogin PlayerState = iota
	StateActive
	StateLimbo
	StateGone
)

// Conn is the subset of connection.Connection the orchestrator depends on,
// kept as an interface so the state machine can be unit-tested without a
// live socket.
type Conn interface {
	SendLine(string)
	SendRaw([]byte)
	ReplayBuffer(n int) []string
	ClearBuffer()
	Close()
}

type handlerKind int

const (
	handlerLogin handlerKind = iota
	handlerPlayer
)

type connBinding struct {
	kind       handlerKind
	playerName string
	conn       Conn
	remoteAddr string
}

type playerRecord struct {
	name             string
	instance         *registry.Instance
	level            permission.Level
	state            PlayerState
	connID           string
	conn             Conn
	remoteAddr       string
	previousLocation string
	disconnectHandle scheduler.Handle
	hasDisconnect    bool
	disconnectBuffer []string
}

const voidPath = "/std/void"

// Driver owns every subsystem and the orchestration state machines.
type Driver struct {
	cfg     *config.Config
	log     *logging.Logger
	reg     *registry.Registry
	sched   *scheduler.Scheduler
	perms   *permission.Manager
	sess    *session.Manager
	cmds    *command.Manager
	br      *bridge.Bridge
	watcher *hotreload.Watcher

	mu    sync.Mutex
	state State

	master   registry.Object
	login    registry.Object
	loginObj *registry.Instance

	connMu sync.Mutex
	conns  map[string]*connBinding

	playersMu sync.Mutex
	players   map[string]*playerRecord

	onCommand func(verb string, dur time.Duration)

	// eventCh is the single dispatch queue every goja-touching operation
	// funnels through: connection input, scheduler call-outs, and
	// scheduler heartbeats all run as tasks drained one at a time by
	// runEventLoop, so the shared goja.Runtime, the registry, and the
	// connection/player maps only ever see one caller at once.
	eventCh    chan func()
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// Deps bundles the already-constructed subsystems a Driver wires together.
type Deps struct {
	Config     *config.Config
	Log        *logging.Logger
	Registry   *registry.Registry
	Scheduler  *scheduler.Scheduler
	Permission *permission.Manager
	Session    *session.Manager
	Commands   *command.Manager
	Bridge     *bridge.Bridge
	Watcher    *hotreload.Watcher

	// OnCommand, if set, is called after every dispatched line of player
	// input with the verb that was attempted and how long it took —
	// wired to the operator metrics surface in cmd/mudforged.
	OnCommand func(verb string, dur time.Duration)
}

// New creates a Driver in the stopped state.
func New(deps Deps) *Driver {
	d := &Driver{
		cfg:     deps.Config,
		log:     deps.Log,
		reg:     deps.Registry,
		sched:   deps.Scheduler,
		perms:   deps.Permission,
		sess:    deps.Session,
		cmds:    deps.Commands,
		br:      deps.Bridge,
		watcher: deps.Watcher,
		conns:   make(map[string]*connBinding),
		players: make(map[string]*playerRecord),

		onCommand: deps.OnCommand,

		eventCh: make(chan func(), 256),
		loopCtx: context.Background(),
	}
	if d.reg != nil && d.sched != nil {
		d.reg.OnDestroy(func(id registry.InstanceID) { d.sched.UnregisterHeartbeat(string(id)) })
	}
	d.registerOperatorCommands()
	return d
}

// dispatch enqueues fn onto the driver's single event-loop goroutine and
// blocks until it has run. Every call site that touches the mudlib VM, the
// registry, or the connection/player maps from outside that goroutine must
// go through dispatch instead of calling in directly.
func (d *Driver) dispatch(fn func()) {
	done := make(chan struct{})
	task := func() {
		fn()
		close(done)
	}
	select {
	case d.eventCh <- task:
	case <-d.loopCtx.Done():
		return
	}
	select {
	case <-done:
	case <-d.loopCtx.Done():
	}
}

func (d *Driver) runEventLoop(ctx context.Context) {
	defer close(d.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-d.eventCh:
			task()
		}
	}
}

// State reports the driver's current lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) transition(from []State, to State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ok := false
	for _, f := range from {
		if d.state == f {
			ok = true
			break
		}
	}
	if !ok {
		return errs.ValidationErrorf("cannot move to %s from %s", to, d.state)
	}
	d.state = to
	return nil
}

// Loader abstracts the mudlib loader's Clone capability, kept narrow so the
// orchestrator doesn't need to import goja transitively through tests.
type Loader interface {
	Clone(path string) (*registry.Instance, error)
}

// StartOptions carries the well-known blueprint paths consulted at startup.
type StartOptions struct {
	Loader          Loader
	MasterPath      string
	LoginDaemonPath string
}

// Start runs the startup sequence start() from any state
// other than stopped is an error.
func (d *Driver) Start(ctx context.Context, opts StartOptions) error {
	if err := d.transition([]State{Stopped}, Starting); err != nil {
		return err
	}

	masterInst, err := opts.Loader.Clone(opts.MasterPath)
	if err != nil {
		d.setState(Stopped)
		return errs.Fatalf(err, "load master object %s", opts.MasterPath)
	}
	d.master = masterInst.Obj
	d.reg.RegisterCanonical(opts.MasterPath, masterInst)
	if err := mudlib.CallOnDriverStart(d.master); err != nil && d.log != nil {
		d.log.With().WithError(err).Warn("master onDriverStart raised")
	}

	preload, err := mudlib.PreloadList(d.master)
	if err != nil && d.log != nil {
		d.log.With().WithError(err).Warn("preloadList raised")
	}
	for _, path := range preload {
		if _, err := opts.Loader.Clone(path); err != nil && d.log != nil {
			d.log.With().WithField("path", path).WithError(err).Warn("preload failed")
		}
	}

	loginInst, err := opts.Loader.Clone(opts.LoginDaemonPath)
	if err != nil {
		d.setState(Stopped)
		return errs.Fatalf(err, "load login daemon %s", opts.LoginDaemonPath)
	}
	d.login = loginInst.Obj
	d.loginObj = loginInst
	d.reg.RegisterCanonical(opts.LoginDaemonPath, loginInst)

	if voidInst, err := opts.Loader.Clone(voidPath); err != nil {
		if d.log != nil {
			d.log.With().WithError(err).Warn("void environment failed to load")
		}
	} else {
		d.reg.RegisterCanonical(voidPath, voidInst)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.loopCtx = loopCtx
	d.loopCancel = cancel
	d.loopDone = make(chan struct{})
	go d.runEventLoop(loopCtx)

	d.sched.Start(ctx)
	if d.watcher != nil {
		d.watcher.Start()
	}

	return d.transition([]State{Starting}, Running)
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Stop runs the shutdown sequence, the reverse of Start: Master.onShutdown
// first, scheduler.Clear() last.
func (d *Driver) Stop() error {
	if err := d.transition([]State{Running}, Stopping); err != nil {
		return err
	}

	if d.master != nil {
		d.dispatch(func() {
			if err := mudlib.CallOnShutdown(d.master); err != nil && d.log != nil {
				d.log.With().WithError(err).Warn("master onShutdown raised")
			}
		})
	}
	if d.watcher != nil {
		_ = d.watcher.Stop()
	}
	d.sched.Stop()

	if d.loopCancel != nil {
		d.loopCancel()
		<-d.loopDone
	}
	d.sched.Clear()

	return d.transition([]State{Stopping}, Stopped)
}

// RegisterConnection records a brand-new connection bound to the login
// daemon, the starting state for every socket.
func (d *Driver) RegisterConnection(connID, remoteAddr string, conn Conn) {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	d.conns[connID] = &connBinding{kind: handlerLogin, conn: conn, remoteAddr: remoteAddr}
}

// DropConnection removes bookkeeping for a closed socket without touching
// the player's table entry (a socket drop alone only triggers Disconnect
// when the caller decides the player was ACTIVE).
func (d *Driver) DropConnection(connID string) {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	delete(d.conns, connID)
}

// --- Player directory (bridge.PlayerDirectory) -----------------------------

// AllPlayers implements bridge.PlayerDirectory.
func (d *Driver) AllPlayers() []bridge.PlayerInfo {
	d.playersMu.Lock()
	defer d.playersMu.Unlock()
	out := make([]bridge.PlayerInfo, 0, len(d.players))
	for _, r := range d.players {
		out = append(out, bridge.PlayerInfo{
			Name: r.name, Instance: r.instance.ID,
			Active: r.state != StateGone, Bound: r.state == StateActive,
		})
	}
	return out
}

// FindActivePlayer implements bridge.PlayerDirectory.
func (d *Driver) FindActivePlayer(name string) (bridge.PlayerInfo, bool) {
	d.playersMu.Lock()
	defer d.playersMu.Unlock()
	r, ok := d.players[strings.ToLower(name)]
	if !ok {
		return bridge.PlayerInfo{}, false
	}
	return bridge.PlayerInfo{Name: r.name, Instance: r.instance.ID, Active: true, Bound: r.state == StateActive}, true
}

// FindConnectedPlayer implements bridge.PlayerDirectory.
func (d *Driver) FindConnectedPlayer(name string) (bridge.PlayerInfo, bool) {
	d.playersMu.Lock()
	defer d.playersMu.Unlock()
	r, ok := d.players[strings.ToLower(name)]
	if !ok || r.state != StateActive {
		return bridge.PlayerInfo{}, false
	}
	return bridge.PlayerInfo{Name: r.name, Instance: r.instance.ID, Active: true, Bound: true}, true
}

// SendOOB implements bridge.ConnectionSender.
func (d *Driver) SendOOB(player string, envelope []byte) bool {
	d.playersMu.Lock()
	r, ok := d.players[strings.ToLower(player)]
	d.playersMu.Unlock()
	if !ok || r.state != StateActive || r.conn == nil {
		return false
	}
	r.conn.SendRaw(envelope)
	return true
}

// --- Login / takeover / disconnect / resume / quit -------------------------

// Login implements the LOGIN -> ACTIVE transition, including duplicate-login
// takeover, for a player instance the login daemon has already authenticated.
func (d *Driver) Login(connID string, player *registry.Instance, name string, level permission.Level, conn Conn, remoteAddr string) (string, error) {
	key := strings.ToLower(name)

	d.playersMu.Lock()
	if existing, ok := d.players[key]; ok && existing.state == StateActive {
		d.takeoverLocked(existing, conn, connID, remoteAddr)
	} else {
		d.players[key] = &playerRecord{
			name: name, instance: player, level: level,
			state: StateActive, connID: connID, conn: conn, remoteAddr: remoteAddr,
		}
	}
	d.playersMu.Unlock()

	d.connMu.Lock()
	d.conns[connID] = &connBinding{kind: handlerPlayer, playerName: name, conn: conn, remoteAddr: remoteAddr}
	d.connMu.Unlock()

	token, err := d.sess.Issue(name, remoteAddr)
	if err != nil {
		return "", err
	}
	return token, nil
}

// takeoverLocked disconnects an existing physical connection and rebinds the
// player record to newConn. The old connection's replay buffer is read and
// discarded, not carried over to newConn. Callers must hold d.playersMu.
func (d *Driver) takeoverLocked(existing *playerRecord, newConn Conn, newConnID, remoteAddr string) {
	if existing.conn != nil {
		_ = existing.conn.ReplayBuffer(0) // captured for diagnostics; the player object itself is not recreated
		existing.conn.SendLine("Another connection has taken over this session.")
		existing.conn.Close()
	}
	if existing.hasDisconnect {
		d.sched.RemoveCallOut(existing.disconnectHandle)
		existing.hasDisconnect = false
	}
	existing.conn = newConn
	existing.connID = newConnID
	existing.remoteAddr = remoteAddr
	existing.state = StateActive
}

func (d *Driver) broadcastToRoom(player *registry.Instance, message string) {
	envID, ok := player.Environment()
	if !ok {
		return
	}
	room, ok := d.reg.Get(envID)
	if !ok {
		return
	}
	for _, id := range room.Inventory() {
		if id == player.ID {
			continue
		}
		if sibling, ok := d.reg.Get(id); ok {
			_, _, _ = sibling.Obj.Call("receiveMessage", message)
		}
	}
}

// Disconnect implements the ACTIVE -> LIMBO transition on socket drop.
func (d *Driver) Disconnect(name string) error {
	key := strings.ToLower(name)
	d.playersMu.Lock()
	r, ok := d.players[key]
	if !ok || r.state != StateActive {
		d.playersMu.Unlock()
		return errs.ValidationErrorf("%s is not an active player", name)
	}

	if envID, ok := r.instance.Environment(); ok {
		r.previousLocation = string(envID)
	}
	d.broadcastToRoom(r.instance, fmt.Sprintf("%s fades from view.", r.name))

	if r.conn != nil {
		r.disconnectBuffer = r.conn.ReplayBuffer(0)
	}

	if void, ok := d.reg.Find(voidPath); ok {
		_ = d.reg.Move(r.instance, void)
	}

	timeout := d.cfg.DisconnectTimeout()
	handle := d.sched.CallOut(func() { d.dispatch(func() { d.expire(name) }) }, timeout)
	r.disconnectHandle = handle
	r.hasDisconnect = true
	r.conn = nil
	r.connID = ""
	r.state = StateLimbo
	d.playersMu.Unlock()

	if err := d.br.SavePlayer(r.instance); err != nil && d.log != nil {
		d.log.With().WithField("player", name).WithError(err).Warn("save on disconnect failed")
	}
	return nil
}

// Resume implements the LIMBO -> ACTIVE resume path. ok is false if the
// token, player, or state didn't support a resume; the caller should then
// send session_invalid and fall through to the normal LOGIN path.
func (d *Driver) Resume(connID, tokenStr, remoteAddr string, conn Conn) (ok bool, newToken string, err error) {
	claims, err := d.sess.Validate(tokenStr, remoteAddr)
	if err != nil {
		return false, "", err
	}

	key := strings.ToLower(claims.Player)
	d.playersMu.Lock()
	r, ok := d.players[key]
	if !ok || r.state != StateLimbo {
		d.playersMu.Unlock()
		return false, "", errs.ValidationErrorf("player %s is not resumable", claims.Player)
	}

	if r.hasDisconnect {
		d.sched.RemoveCallOut(r.disconnectHandle)
		r.hasDisconnect = false
	}
	if r.previousLocation != "" {
		if loc, ok := d.reg.Get(registry.InstanceID(r.previousLocation)); ok {
			_ = d.reg.Move(r.instance, loc)
		}
	}

	replay := r.disconnectBuffer
	r.disconnectBuffer = nil
	r.conn = conn
	r.connID = connID
	r.remoteAddr = remoteAddr
	r.state = StateActive
	playerName := r.name
	d.playersMu.Unlock()

	d.connMu.Lock()
	d.conns[connID] = &connBinding{kind: handlerPlayer, playerName: playerName, conn: conn, remoteAddr: remoteAddr}
	d.connMu.Unlock()

	conn.SendLine("Replaying missed messages")
	for _, line := range capReplay(replay, d.cfg.ReplayCap) {
		conn.SendLine(line)
	}
	conn.SendLine("End of replay")

	next, issueErr := d.sess.Issue(playerName, remoteAddr)
	if issueErr != nil {
		return true, "", issueErr
	}
	return true, next, nil
}

func capReplay(lines []string, cap int) []string {
	if len(lines) <= cap {
		return lines
	}
	return lines[len(lines)-cap:]
}

// expire implements the LIMBO -> GONE timeout path.
func (d *Driver) expire(name string) {
	d.finish(name)
}

// Quit implements the explicit-quit path to GONE from either ACTIVE or LIMBO.
func (d *Driver) Quit(name string) error {
	key := strings.ToLower(name)
	d.playersMu.Lock()
	_, ok := d.players[key]
	d.playersMu.Unlock()
	if !ok {
		return errs.NotFoundf("player %s", name)
	}
	d.finish(name)
	return nil
}

func (d *Driver) finish(name string) {
	key := strings.ToLower(name)
	d.playersMu.Lock()
	r, ok := d.players[key]
	if !ok || r.state == StateGone {
		d.playersMu.Unlock()
		return
	}
	if r.hasDisconnect {
		d.sched.RemoveCallOut(r.disconnectHandle)
	}
	if r.conn != nil {
		r.conn.Close()
	}
	connID := r.connID
	r.state = StateGone
	delete(d.players, key)
	d.playersMu.Unlock()

	if connID != "" {
		d.connMu.Lock()
		delete(d.conns, connID)
		d.connMu.Unlock()
	}

	if err := d.br.SavePlayer(r.instance); err != nil && d.log != nil {
		d.log.With().WithField("player", name).WithError(err).Warn("final save failed")
	}
	_ = d.reg.Destroy(r.instance, registry.DestroyOptions{})
}

// --- Input routing (connection.Handler) -------------------------------------

// HandleOOB implements connection.Handler for out-of-band envelopes. It is
// called from each connection's own read-pump goroutine, so the actual work
// is dispatched onto the driver's single event-loop goroutine.
func (d *Driver) HandleOOB(connID string, kind connection.OOBKind, payload string) {
	d.dispatch(func() { d.handleOOBOnLoop(connID, kind, payload) })
}

func (d *Driver) handleOOBOnLoop(connID string, kind connection.OOBKind, payload string) {
	d.connMu.Lock()
	binding, ok := d.conns[connID]
	d.connMu.Unlock()
	if !ok {
		return
	}

	switch kind {
	case connection.OOBAuthReq:
		d.handleAuthReq(connID, binding, payload)
	case connection.OOBSession:
		d.handleSessionResume(connID, binding, payload)
	case connection.OOBGUI:
		d.handleGUI(binding, payload)
	case connection.OOBComplete:
		d.handleComplete(binding, payload)
	case connection.OOBBugReport:
		if d.log != nil {
			d.log.With().WithField("connection", connID).Info("bug report received")
		}
	}
}

type sessionResumePayload struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

func (d *Driver) handleSessionResume(connID string, binding *connBinding, payload string) {
	var req sessionResumePayload
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		binding.conn.SendRaw([]byte(`{"type":"session_invalid"}`))
		return
	}
	ok, newToken, err := d.Resume(connID, req.Token, binding.remoteAddr, binding.conn)
	if !ok || err != nil {
		binding.conn.SendRaw([]byte(`{"type":"session_invalid"}`))
		return
	}
	binding.conn.SendRaw([]byte(`{"type":"session_resume","success":true}`))

	env := map[string]string{"type": "session_token", "token": newToken}
	data, _ := json.Marshal(env)
	binding.conn.SendRaw(data)
}

func (d *Driver) handleAuthReq(connID string, binding *connBinding, payload string) {
	var req mudlib.AuthRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		binding.conn.SendRaw([]byte(`{"type":"auth_response","success":false,"message":"malformed request"}`))
		return
	}
	if d.login == nil {
		binding.conn.SendRaw([]byte(`{"type":"auth_response","success":false,"message":"login daemon unavailable"}`))
		return
	}
	result, err := mudlib.HandleAuth(d.login, req)
	if err != nil {
		binding.conn.SendRaw([]byte(`{"type":"auth_response","success":false,"message":"internal error"}`))
		return
	}
	env := map[string]any{"type": "auth_response", "success": result.Success, "message": result.Message}
	data, _ := json.Marshal(env)
	binding.conn.SendRaw(data)
}

func (d *Driver) handleGUI(binding *connBinding, payload string) {
	if binding.kind != handlerPlayer {
		return
	}
	d.playersMu.Lock()
	r, ok := d.players[strings.ToLower(binding.playerName)]
	d.playersMu.Unlock()
	if !ok {
		return
	}
	_, _, _ = r.instance.Obj.Call("onGUIResponse", payload)
}

type completePayload struct {
	Prefix string `json:"prefix"`
}

func (d *Driver) handleComplete(binding *connBinding, payload string) {
	if binding.kind != handlerPlayer {
		return
	}
	d.playersMu.Lock()
	r, ok := d.players[strings.ToLower(binding.playerName)]
	d.playersMu.Unlock()
	if !ok || r.level < permission.Builder {
		return
	}
	var req completePayload
	_ = json.Unmarshal([]byte(payload), &req)

	env := map[string]any{"type": "completion", "candidates": []string{}}
	data, _ := json.Marshal(env)
	binding.conn.SendRaw(data)
}

// HandleLine implements connection.Handler for plain line input: OOB prefix
// dispatch has already been ruled out by the connection layer's ParseFrame.
// It is called from each connection's own read-pump goroutine, so the
// actual work is dispatched onto the driver's single event-loop goroutine.
func (d *Driver) HandleLine(connID, line string) {
	d.dispatch(func() { d.handleLineOnLoop(connID, line) })
}

func (d *Driver) handleLineOnLoop(connID, line string) {
	d.connMu.Lock()
	binding, ok := d.conns[connID]
	d.connMu.Unlock()
	if !ok {
		return
	}

	if binding.kind == handlerLogin {
		if d.login != nil {
			d.safeCall(binding.playerName, func() {
				_, _, _ = d.login.Call("processInput", line)
			})
		}
		return
	}

	d.playersMu.Lock()
	r, ok := d.players[strings.ToLower(binding.playerName)]
	d.playersMu.Unlock()
	if !ok {
		return
	}

	d.safeCall(binding.playerName, func() {
		restore := d.br.SetContext(bridge.ActorContext{Player: r.name, Object: r.instance.ID})
		defer restore()

		send := func(s string) { binding.conn.SendRaw([]byte(s)) }
		sendLine := func(s string) { binding.conn.SendLine(s) }

		start := time.Now()
		verb := line
		if i := strings.IndexByte(line, ' '); i >= 0 {
			verb = line[:i]
		}
		defer func() {
			if d.onCommand != nil {
				d.onCommand(strings.ToLower(strings.TrimSpace(verb)), time.Since(start))
			}
		}()

		if d.cmds.Execute(r.name, line, r.level, send, sendLine) {
			return
		}
		if d.cmds.TrySocial(r.name, line) {
			return
		}
		_, _, _ = r.instance.Obj.Call("processInput", line)
	})
}

// registerOperatorCommands installs the CLI/operator surface: update, and
// the permission-management verbs grant/revoke/adddomain/rmdomain/domains/
// audit, all Administrator-gated and routed through the ordinary command
// dispatch path so they run on the driver's single event-loop goroutine
// like any other player input.
func (d *Driver) registerOperatorCommands() {
	_ = d.cmds.Register(command.Command{
		Name:  "update",
		Level: permission.Administrator,
		Execute: func(ctx command.Context) error {
			path := strings.TrimSpace(ctx.Args)
			if path == "" {
				if ctx.SendLine != nil {
					ctx.SendLine("Usage: update <path> | update here")
				}
				return nil
			}
			if path == "here" {
				resolved, ok := d.resolvePlayerRoomPath(ctx.Player)
				if !ok {
					if ctx.SendLine != nil {
						ctx.SendLine("You have no environment to reload.")
					}
					return nil
				}
				path = resolved
			}
			result := d.br.ReloadObject(path)
			if ctx.SendLine == nil {
				return nil
			}
			if !result.Success {
				ctx.SendLine(fmt.Sprintf("Reload failed: %v", result.Error))
				return nil
			}
			ctx.SendLine(fmt.Sprintf("Reloaded %s (%d existing clone(s) still running the old generation).", path, result.ExistingClones))
			return nil
		},
	})

	_ = d.cmds.Register(command.Command{
		Name:  "grant",
		Level: permission.Administrator,
		Execute: func(ctx command.Context) error {
			user, levelName, ok := splitTwo(ctx.Args)
			if !ok {
				if ctx.SendLine != nil {
					ctx.SendLine("Usage: grant <user> <level>")
				}
				return nil
			}
			level, ok := permission.ParseLevel(levelName)
			if !ok {
				if ctx.SendLine != nil {
					ctx.SendLine(fmt.Sprintf("Unknown level: %s", levelName))
				}
				return nil
			}
			d.perms.Grant(user, level)
			if ctx.SendLine != nil {
				ctx.SendLine(fmt.Sprintf("%s is now %s.", user, level))
			}
			return nil
		},
	})

	_ = d.cmds.Register(command.Command{
		Name:  "revoke",
		Level: permission.Administrator,
		Execute: func(ctx command.Context) error {
			user := strings.TrimSpace(ctx.Args)
			if user == "" {
				if ctx.SendLine != nil {
					ctx.SendLine("Usage: revoke <user>")
				}
				return nil
			}
			d.perms.Revoke(user)
			if ctx.SendLine != nil {
				ctx.SendLine(fmt.Sprintf("%s has been reset to Player.", user))
			}
			return nil
		},
	})

	_ = d.cmds.Register(command.Command{
		Name:  "adddomain",
		Level: permission.Administrator,
		Execute: func(ctx command.Context) error {
			user, prefix, ok := splitTwo(ctx.Args)
			if !ok {
				if ctx.SendLine != nil {
					ctx.SendLine("Usage: adddomain <user> <prefix>")
				}
				return nil
			}
			d.perms.AddDomain(user, prefix)
			if ctx.SendLine != nil {
				ctx.SendLine(fmt.Sprintf("Added domain %s to %s.", prefix, user))
			}
			return nil
		},
	})

	_ = d.cmds.Register(command.Command{
		Name:  "rmdomain",
		Level: permission.Administrator,
		Execute: func(ctx command.Context) error {
			user, prefix, ok := splitTwo(ctx.Args)
			if !ok {
				if ctx.SendLine != nil {
					ctx.SendLine("Usage: rmdomain <user> <prefix>")
				}
				return nil
			}
			d.perms.RemoveDomain(user, prefix)
			if ctx.SendLine != nil {
				ctx.SendLine(fmt.Sprintf("Removed domain %s from %s.", prefix, user))
			}
			return nil
		},
	})

	_ = d.cmds.Register(command.Command{
		Name:  "domains",
		Level: permission.Administrator,
		Execute: func(ctx command.Context) error {
			if ctx.SendLine == nil {
				return nil
			}
			user := strings.TrimSpace(ctx.Args)
			if user != "" {
				rec := d.perms.Get(user)
				ctx.SendLine(fmt.Sprintf("%s: %s %v", rec.User, rec.Level, rec.Domains))
				return nil
			}
			for _, rec := range d.perms.All() {
				ctx.SendLine(fmt.Sprintf("%s: %s %v", rec.User, rec.Level, rec.Domains))
			}
			return nil
		},
	})

	_ = d.cmds.Register(command.Command{
		Name:  "audit",
		Level: permission.Administrator,
		Execute: func(ctx command.Context) error {
			if ctx.SendLine == nil {
				return nil
			}
			n := 0
			if arg := strings.TrimSpace(ctx.Args); arg != "" {
				if parsed, err := strconv.Atoi(arg); err == nil {
					n = parsed
				}
			}
			for _, entry := range d.perms.AuditTail(n) {
				ctx.SendLine(fmt.Sprintf("[%s] %s %s %s success=%t",
					entry.Timestamp.Format(time.RFC3339), entry.Actor, entry.Action, entry.Target, entry.Success))
			}
			return nil
		},
	})
}

// splitTwo tokenizes "a b" into (a, b, true); anything else (0 or 1 tokens)
// returns ok=false.
func splitTwo(args string) (first, second string, ok bool) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], strings.Join(fields[1:], " "), true
}

// resolvePlayerRoomPath returns the blueprint path of the room player is
// currently in, for "update here".
func (d *Driver) resolvePlayerRoomPath(player string) (string, bool) {
	d.playersMu.Lock()
	r, ok := d.players[strings.ToLower(player)]
	d.playersMu.Unlock()
	if !ok {
		return "", false
	}
	envID, ok := r.instance.Environment()
	if !ok {
		return "", false
	}
	room, ok := d.reg.Get(envID)
	if !ok {
		return "", false
	}
	return room.Blueprint.Path, true
}

// RunHeartbeat invokes an instance's heartbeat capability on the driver's
// single event-loop goroutine, serializing it against player input and
// call-outs exactly like any other goja-touching operation. id is an opaque
// registry.InstanceID string — the scheduler that calls this does not
// import the registry package.
func (d *Driver) RunHeartbeat(id string) error {
	var callErr error
	d.dispatch(func() {
		inst, ok := d.reg.Get(registry.InstanceID(id))
		if !ok {
			return
		}
		_, _, callErr = inst.Obj.Call("heartbeat")
	})
	return callErr
}

// safeCall is the error-containment wrapper around a mudlib call: a raised
// error is logged with the actor id, offered to Master's onRuntimeError, and
// never drops the connection (a mudlib error is not a connection-layer
// error).
func (d *Driver) safeCall(actor string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if d.log != nil {
				d.log.With().WithField("actor", actor).Errorf("input handling panicked: %v", r)
			}
			mudlib.CallOnRuntimeError(d.master, fmt.Errorf("panic: %v", r))
		}
	}()
	fn()
}
