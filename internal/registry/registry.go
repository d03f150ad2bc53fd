// Package registry implements the Object Registry (C2): the canonical
// blueprint-path → compiled-class mapping and the instance-id → live
// instance index, plus the environment/inventory containment graph.
//
// Environments are stored as borrowed (non-owning) instance-id references
// and inventories as owning slices of instance-id handles: this keeps
// destroy deterministic without any cycle collector, since inventory is
// strictly a tree at any instant while environment references may point
// anywhere.
package registry

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jasona/mudforge-sub002/internal/errs"
)

// InstanceID uniquely identifies a live instance for the lifetime of the process.
type InstanceID string

// NewInstanceID mints a fresh, process-unique instance id.
func NewInstanceID() InstanceID {
	return InstanceID(uuid.NewString())
}

// Object is the capability-set facade the registry holds for a live
// instance's scripted behavior. The driver queries a capability by name
// rather than assuming a concrete class; an absent capability is a no-op
// for the caller (Call's second return value reports presence).
type Object interface {
	// Get reads a property from the object's bag.
	Get(prop string) (any, bool)
	// Set writes a property into the object's bag.
	Set(prop string, value any)
	// Call invokes a named capability if present. ok is false, err is nil
	// when the capability is simply absent (a legitimate no-op).
	Call(method string, args ...any) (result any, ok bool, err error)
}

// Constructor produces a fresh Object for a new clone of a blueprint.
type Constructor func() (Object, error)

// Blueprint is an immutable-per-generation class definition loaded from a
// mudlib path. Reload supersedes rather than mutates: existing clones keep
// pointing at the Blueprint value captured at clone time.
type Blueprint struct {
	Path        string
	Generation  uint64
	Constructor Constructor

	mu     sync.Mutex
	clones map[InstanceID]struct{}
}

// CloneCount returns the number of live instances of this blueprint generation.
func (b *Blueprint) CloneCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clones)
}

func (b *Blueprint) addClone(id InstanceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clones == nil {
		b.clones = make(map[InstanceID]struct{})
	}
	b.clones[id] = struct{}{}
}

func (b *Blueprint) removeClone(id InstanceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clones, id)
}

// Instance is a live clone of a Blueprint.
type Instance struct {
	ID        InstanceID
	Blueprint *Blueprint
	Obj       Object

	mu          sync.Mutex
	environment InstanceID
	hasEnv      bool
	inventory   []InstanceID
	properties  map[string]any
}

// Environment returns the instance currently containing this one, if any.
func (i *Instance) Environment() (InstanceID, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.environment, i.hasEnv
}

// Inventory returns a snapshot of the instance's contained instance ids, in order.
func (i *Instance) Inventory() []InstanceID {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]InstanceID, len(i.inventory))
	copy(out, i.inventory)
	return out
}

// Property reads a value from the instance's property bag.
func (i *Instance) Property(key string) (any, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.properties[key]
	return v, ok
}

// SetProperty writes a value into the instance's property bag.
func (i *Instance) SetProperty(key string, value any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.properties == nil {
		i.properties = make(map[string]any)
	}
	i.properties[key] = value
}

// Properties returns a snapshot copy of the property bag.
func (i *Instance) Properties() map[string]any {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]any, len(i.properties))
	for k, v := range i.properties {
		out[k] = v
	}
	return out
}

func (i *Instance) addToInventory(id InstanceID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.inventory = append(i.inventory, id)
}

func (i *Instance) removeFromInventory(id InstanceID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, v := range i.inventory {
		if v == id {
			i.inventory = append(i.inventory[:idx], i.inventory[idx+1:]...)
			return
		}
	}
}

func (i *Instance) setEnvironment(env InstanceID, has bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.environment = env
	i.hasEnv = has
}

// DestroyHook is notified when an instance is destroyed, so subscribers can
// cancel anything keyed on the instance (the orchestrator registers one that
// removes the instance from the scheduler's heartbeat set).
type DestroyHook func(InstanceID)

// Registry is the canonical blueprint and instance index.
type Registry struct {
	mu            sync.RWMutex
	blueprints    map[string]*Blueprint
	instances     map[InstanceID]*Instance
	canonicalPath map[string]InstanceID // blueprint path -> singleton instance, e.g. daemons

	destroyHooksMu sync.Mutex
	destroyHooks   []DestroyHook
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		blueprints:    make(map[string]*Blueprint),
		instances:     make(map[InstanceID]*Instance),
		canonicalPath: make(map[string]InstanceID),
	}
}

// OnDestroy registers a hook invoked (synchronously) whenever an instance
// is destroyed, after it has been unlinked from the graph and indices.
func (r *Registry) OnDestroy(hook DestroyHook) {
	r.destroyHooksMu.Lock()
	defer r.destroyHooksMu.Unlock()
	r.destroyHooks = append(r.destroyHooks, hook)
}

// RegisterBlueprint installs a compiled blueprint under path, incrementing
// the generation if one was already registered there, and returns the new
// generation number. It does not touch existing clones.
func (r *Registry) RegisterBlueprint(path string, ctor Constructor) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen := uint64(1)
	if existing, ok := r.blueprints[path]; ok {
		gen = existing.Generation + 1
	}
	r.blueprints[path] = &Blueprint{Path: path, Generation: gen, Constructor: ctor}
	return gen
}

// LookupBlueprint returns the current blueprint registered at path, if any.
func (r *Registry) LookupBlueprint(path string) (*Blueprint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bp, ok := r.blueprints[path]
	return bp, ok
}

// UnregisterBlueprint removes a blueprint from the path index entirely
// (used on mudlib source deletion, per the hot-reload watcher contract).
func (r *Registry) UnregisterBlueprint(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blueprints, path)
}

// Instantiate constructs a new, environment-less instance from the
// blueprint currently registered at path. On constructor failure it
// leaves no partially-constructed instance in the index.
func (r *Registry) Instantiate(path string) (*Instance, error) {
	r.mu.RLock()
	bp, ok := r.blueprints[path]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.NotFoundf("blueprint not loaded: %s", path)
	}

	obj, err := bp.Constructor()
	if err != nil {
		return nil, errs.LoadFailuref(err, "construct %s", path)
	}

	inst := &Instance{
		ID:        NewInstanceID(),
		Blueprint: bp,
		Obj:       obj,
	}

	r.mu.Lock()
	r.instances[inst.ID] = inst
	r.mu.Unlock()
	bp.addClone(inst.ID)

	return inst, nil
}

// RegisterCanonical marks inst as the canonical singleton for path, so
// Find(path) resolves to it (used for daemons: master, login, void).
func (r *Registry) RegisterCanonical(path string, inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canonicalPath[path] = inst.ID
}

// Find resolves either a blueprint path (returning its canonical
// singleton, if registered) or an instance id.
func (r *Registry) Find(pathOrID string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id, ok := r.canonicalPath[pathOrID]; ok {
		if inst, ok := r.instances[id]; ok {
			return inst, true
		}
	}
	if inst, ok := r.instances[InstanceID(pathOrID)]; ok {
		return inst, true
	}
	return nil, false
}

// Get resolves an instance strictly by id.
func (r *Registry) Get(id InstanceID) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Enumerate returns a snapshot of all live instances.
func (r *Registry) Enumerate() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Move relinquishes inst from its current environment (if any, firing
// onLeave) and places it into env's inventory (firing onEnter). Passing
// a nil env moves the instance to no environment.
func (r *Registry) Move(inst *Instance, env *Instance) error {
	if old, ok := inst.Environment(); ok {
		if oldEnv, found := r.Get(old); found {
			oldEnv.removeFromInventory(inst.ID)
			_, _, _ = oldEnv.Obj.Call("onLeave", inst.ID)
		}
	}

	if env == nil {
		inst.setEnvironment("", false)
		return nil
	}

	env.addToInventory(inst.ID)
	inst.setEnvironment(env.ID, true)
	_, _, err := env.Obj.Call("onEnter", inst.ID)
	return err
}

// DestroyOptions controls Destroy's handling of owned inventory.
type DestroyOptions struct {
	// KeepInventory, if true, skips recursively destroying owned inventory;
	// callers that opt out are responsible for relocating it themselves.
	KeepInventory bool
}

// Destroy removes inst from the graph and every index: its environment's
// inventory (firing onLeave), its own owned inventory (recursively
// destroyed unless KeepInventory is set), and the instance-id index. All
// registered destroy hooks are invoked afterward so subscribers can cancel
// anything keyed on the instance.
func (r *Registry) Destroy(inst *Instance, opts DestroyOptions) error {
	if env, ok := inst.Environment(); ok {
		if envInst, found := r.Get(env); found {
			envInst.removeFromInventory(inst.ID)
			_, _, _ = envInst.Obj.Call("onLeave", inst.ID)
		}
	}

	if !opts.KeepInventory {
		for _, childID := range inst.Inventory() {
			if child, found := r.Get(childID); found {
				if err := r.Destroy(child, DestroyOptions{}); err != nil {
					return err
				}
			}
		}
	}

	_, _, _ = inst.Obj.Call("onDestroy")

	r.mu.Lock()
	delete(r.instances, inst.ID)
	for path, id := range r.canonicalPath {
		if id == inst.ID {
			delete(r.canonicalPath, path)
		}
	}
	r.mu.Unlock()

	inst.Blueprint.removeClone(inst.ID)

	r.destroyHooksMu.Lock()
	hooks := make([]DestroyHook, len(r.destroyHooks))
	copy(hooks, r.destroyHooks)
	r.destroyHooksMu.Unlock()
	for _, hook := range hooks {
		hook(inst.ID)
	}

	return nil
}
