// Package bridge implements the Runtime-Services Bridge (C6) — the single
// API surface the mudlib sees, built around the capability-set
// registry.Object facade from internal/registry.
package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/jasona/mudforge-sub002/internal/config"
	"github.com/jasona/mudforge-sub002/internal/errs"
	"github.com/jasona/mudforge-sub002/internal/loader"
	"github.com/jasona/mudforge-sub002/internal/logging"
	"github.com/jasona/mudforge-sub002/internal/permission"
	"github.com/jasona/mudforge-sub002/internal/registry"
	"github.com/jasona/mudforge-sub002/internal/scheduler"
	"github.com/jasona/mudforge-sub002/internal/store"
)

// PlayerInfo is the projection returned by the allPlayers/findXPlayer family.
type PlayerInfo struct {
	Name     string
	Instance registry.InstanceID
	Active   bool
	Bound    bool
}

// PlayerDirectory is the read-only view over the orchestrator-owned
// active-players table; the bridge never mutates it, only projects it.
type PlayerDirectory interface {
	AllPlayers() []PlayerInfo
	FindActivePlayer(name string) (PlayerInfo, bool)
	FindConnectedPlayer(name string) (PlayerInfo, bool)
}

// ConnectionSender delivers an out-of-band envelope to a player's currently
// bound connection, if any.
type ConnectionSender interface {
	SendOOB(player string, envelope []byte) bool
}

// ActorContext is the scoped (current player, current object) pair the
// driver sets before running mudlib-facing code.
type ActorContext struct {
	Player string
	Object registry.InstanceID
}

// ReloadResult is returned by ReloadObject.
type ReloadResult struct {
	Success        bool
	ExistingClones int
	Error          error
}

// Bridge is the concrete C6 implementation, wired to every other component
// at driver startup.
type Bridge struct {
	reg    *registry.Registry
	ld     *loader.Loader
	sched  *scheduler.Scheduler
	fs     *store.Store
	perms  *permission.Manager
	cfg    *config.Config
	log    *logging.Logger
	dir    PlayerDirectory
	conns  ConnectionSender

	mu    sync.Mutex
	stack []ActorContext
}

// New creates a Bridge. dir and conns may be set later via SetPlayerDirectory
// / SetConnectionSender once the orchestrator has constructed them, since
// they often depend on the bridge itself.
func New(reg *registry.Registry, ld *loader.Loader, sched *scheduler.Scheduler, fs *store.Store, perms *permission.Manager, cfg *config.Config, log *logging.Logger) *Bridge {
	return &Bridge{reg: reg, ld: ld, sched: sched, fs: fs, perms: perms, cfg: cfg, log: log}
}

// SetPlayerDirectory wires the active-players projection.
func (b *Bridge) SetPlayerDirectory(dir PlayerDirectory) { b.dir = dir }

// SetConnectionSender wires guiSend's delivery target.
func (b *Bridge) SetConnectionSender(conns ConnectionSender) { b.conns = conns }

// FindObject looks up an instance by blueprint path (canonical) or instance id.
func (b *Bridge) FindObject(pathOrID string) (*registry.Instance, error) {
	inst, ok := b.reg.Find(pathOrID)
	if !ok {
		return nil, errs.NotFoundf("object %s", pathOrID)
	}
	return inst, nil
}

// CloneObject compiles path if needed and instantiates it, firing onCreate.
func (b *Bridge) CloneObject(path string) (*registry.Instance, error) {
	inst, err := b.ld.Clone(path)
	if err != nil {
		return nil, err
	}
	if _, _, callErr := inst.Obj.Call("onCreate"); callErr != nil && b.log != nil {
		b.log.With().WithField("instance", string(inst.ID)).WithError(callErr).Warn("onCreate raised")
	}
	return inst, nil
}

// ReloadObject recompiles path. Existing clones keep running their old
// generation; only the blueprint used for future clones changes.
func (b *Bridge) ReloadObject(path string) ReloadResult {
	existing := 0
	if bp, ok := b.reg.LookupBlueprint(path); ok {
		existing = bp.CloneCount()
	}
	if _, err := b.ld.Recompile(path); err != nil {
		return ReloadResult{Success: false, ExistingClones: existing, Error: err}
	}
	return ReloadResult{Success: true, ExistingClones: existing}
}

// Destruct destroys inst, after checking actor's write/destroy authorization
// against the blueprint's path. Administrators are always
// allowed; everyone else needs a matching domain.
func (b *Bridge) Destruct(actor string, inst *registry.Instance) error {
	if !b.perms.Authorize(actor, "destruct", inst.Blueprint.Path) {
		return errs.PermissionDeniedf("%s may not destroy %s", actor, inst.Blueprint.Path)
	}
	return b.reg.Destroy(inst, registry.DestroyOptions{})
}

// Send delivers message to target's receive capability. It never raises —
// a target without the capability, or one whose handler errors, is simply
// logged and ignored.
func (b *Bridge) Send(target registry.InstanceID, message string) bool {
	inst, ok := b.reg.Get(target)
	if !ok {
		return false
	}
	_, handled, err := inst.Obj.Call("receiveMessage", message)
	if err != nil && b.log != nil {
		b.log.With().WithField("instance", string(target)).WithError(err).Warn("receiveMessage raised")
	}
	return handled
}

// ReadFile loads a blob from the persistence store.
func (b *Bridge) ReadFile(path string) ([]byte, error) { return b.fs.ReadFile(path) }

// WriteFile persists a blob, gated through C7 authorization for actor.
func (b *Bridge) WriteFile(actor, path string, data []byte) error {
	if !b.perms.Authorize(actor, "write", path) {
		return errs.PermissionDeniedf("%s may not write %s", actor, path)
	}
	return b.fs.WriteFile(path, data)
}

// FileExists reports whether path is present in the store.
func (b *Bridge) FileExists(path string) (bool, error) { return b.fs.Exists(path) }

// FileStat reports size/kind/mtime for path.
func (b *Bridge) FileStat(path string) (store.FileInfo, error) { return b.fs.Stat(path) }

// ReadDir enumerates a store directory.
func (b *Bridge) ReadDir(path string) ([]string, error) { return b.fs.List(path) }

// MakeDir creates a directory, gated through C7 for actor.
func (b *Bridge) MakeDir(actor, path string, recursive bool) error {
	if !b.perms.Authorize(actor, "write", path) {
		return errs.PermissionDeniedf("%s may not create %s", actor, path)
	}
	return b.fs.MakeDir(path, recursive)
}

// DeleteFile removes a blob, gated through C7 for actor.
func (b *Bridge) DeleteFile(actor, path string) error {
	if !b.perms.Authorize(actor, "destruct", path) {
		return errs.PermissionDeniedf("%s may not delete %s", actor, path)
	}
	return b.fs.Remove(path)
}

// AllPlayers projects the orchestrator's active-players table.
func (b *Bridge) AllPlayers() []PlayerInfo {
	if b.dir == nil {
		return nil
	}
	return b.dir.AllPlayers()
}

// FindActivePlayer looks up a player by name regardless of connection state.
func (b *Bridge) FindActivePlayer(name string) (PlayerInfo, bool) {
	if b.dir == nil {
		return PlayerInfo{}, false
	}
	return b.dir.FindActivePlayer(name)
}

// FindConnectedPlayer looks up a player only if currently bound to a live
// connection (i.e. ACTIVE, not LIMBO).
func (b *Bridge) FindConnectedPlayer(name string) (PlayerInfo, bool) {
	if b.dir == nil {
		return PlayerInfo{}, false
	}
	return b.dir.FindConnectedPlayer(name)
}

// SetContext pushes a new actor context, returning a restore function that
// pops it back off — guaranteed scoped acquisition/release even if the
// caller panics,
func (b *Bridge) SetContext(ctx ActorContext) (restore func()) {
	b.mu.Lock()
	b.stack = append(b.stack, ctx)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		if n := len(b.stack); n > 0 {
			b.stack = b.stack[:n-1]
		}
		b.mu.Unlock()
	}
}

// GetContext returns the current (innermost) actor context, if any.
func (b *Bridge) GetContext() (ActorContext, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.stack) == 0 {
		return ActorContext{}, false
	}
	return b.stack[len(b.stack)-1], true
}

// ClearContext pops the current actor context; it is a no-op if the stack
// is already empty.
func (b *Bridge) ClearContext() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.stack); n > 0 {
		b.stack = b.stack[:n-1]
	}
}

// WithContext runs fn with ctx pushed as the current actor context,
// guaranteeing restore even if fn panics.
func (b *Bridge) WithContext(ctx ActorContext, fn func()) {
	restore := b.SetContext(ctx)
	defer restore()
	fn()
}

// playerSave is the persisted shape of a player's save file
// (/data/players/<name>.json).
type playerSave struct {
	Properties map[string]any        `json:"properties"`
	Inventory  []registry.InstanceID `json:"inventory"`
}

// SavePlayer serializes player's property bag and inventory descriptors.
func (b *Bridge) SavePlayer(player *registry.Instance) error {
	name, _ := player.Property("name")
	key := fmt.Sprintf("/players/%v.json", name)
	save := playerSave{
		Properties: player.Properties(),
		Inventory:  player.Inventory(),
	}
	if err := b.fs.SaveJSON(key, save); err != nil {
		return errs.Transientf(err, "save player %v", name)
	}
	return nil
}

// LoadPlayer restores a previously saved player blob, or returns a
// NotFound-kind error if the player has never been saved.
func (b *Bridge) LoadPlayer(name string) (map[string]any, []registry.InstanceID, error) {
	var save playerSave
	key := fmt.Sprintf("/players/%s.json", name)
	if err := b.fs.LoadJSON(key, &save); err != nil {
		return nil, nil, err
	}
	return save.Properties, save.Inventory, nil
}

// GetMudConfig is a typed settings lookup over driver configuration.
func (b *Bridge) GetMudConfig(key string) (any, bool) {
	switch key {
	case "mudlibPath":
		return b.cfg.MudlibPath, true
	case "dataPath":
		return b.cfg.DataPath, true
	case "masterObject":
		return b.cfg.MasterObject, true
	case "port":
		return b.cfg.Port, true
	case "heartbeatIntervalMs":
		return b.cfg.HeartbeatIntervalMs, true
	case "hotReload":
		return b.cfg.HotReload, true
	case "disconnect.timeoutMinutes":
		return b.cfg.Disconnect.TimeoutMinutes, true
	default:
		return nil, false
	}
}

// GUISend pipes an opaque envelope to the currently bound connection of
// player, the actor context's current player if one is not given.
func (b *Bridge) GUISend(player string, envelope []byte) bool {
	if b.conns == nil {
		return false
	}
	if player == "" {
		if ctx, ok := b.GetContext(); ok {
			player = ctx.Player
		}
	}
	return b.conns.SendOOB(player, envelope)
}

// SetHeartbeat enrolls or unenrolls instance for periodic heartbeat dispatch.
func (b *Bridge) SetHeartbeat(instance registry.InstanceID, enabled bool) {
	if enabled {
		b.sched.RegisterHeartbeat(string(instance))
	} else {
		b.sched.UnregisterHeartbeat(string(instance))
	}
}

// CallOut re-exports the scheduler's call-out primitive.
func (b *Bridge) CallOut(fn func(), delay time.Duration) scheduler.Handle {
	return b.sched.CallOut(fn, delay)
}

// RemoveCallOut re-exports the scheduler's cancellation primitive.
func (b *Bridge) RemoveCallOut(h scheduler.Handle) {
	b.sched.RemoveCallOut(h)
}
