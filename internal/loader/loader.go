// Package loader implements the Mudlib Loader & Compiler (C3): it resolves
// virtual mudlib paths to source files, transforms and evaluates them in a
// goja JavaScript runtime, and caches the resulting blueprint constructor
// in the Object Registry.
//
// The driver owns exactly one goja.Runtime. goja.Runtime is not safe for
// concurrent use, so every access — connection input, scheduler call-outs,
// scheduler heartbeats — is funneled through the orchestrator's single
// dispatch goroutine; no two callers ever touch this Loader's vm at once.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/jasona/mudforge-sub002/internal/errs"
	"github.com/jasona/mudforge-sub002/internal/registry"
)

// commonJSWrapper lets mudlib source use `module.exports = function() {...}`
// without a full require() implementation: the loader supplies the module
// object, runs the source as a function body, and reads back the export.
const commonJSWrapper = "(function(module) {\n%s\n;return module.exports;\n})"

// gojaObject adapts a goja object value to the registry.Object capability
// facade: Get/Set proxy JS properties, Call checks whether the named
// property is a function before invoking it (an absent capability is not
// an error, it's a no-op per the driver's capability-set design).
type gojaObject struct {
	vm    *goja.Runtime
	value goja.Value
}

func (g *gojaObject) Get(prop string) (any, bool) {
	obj := g.value.ToObject(g.vm)
	if obj == nil {
		return nil, false
	}
	v := obj.Get(prop)
	if v == nil || goja.IsUndefined(v) {
		return nil, false
	}
	return v.Export(), true
}

func (g *gojaObject) Set(prop string, value any) {
	obj := g.value.ToObject(g.vm)
	if obj == nil {
		return
	}
	_ = obj.Set(prop, g.vm.ToValue(value))
}

func (g *gojaObject) Call(method string, args ...any) (any, bool, error) {
	obj := g.value.ToObject(g.vm)
	if obj == nil {
		return nil, false, nil
	}
	fn, ok := goja.AssertFunction(obj.Get(method))
	if !ok {
		return nil, false, nil
	}

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = g.vm.ToValue(a)
	}

	result, err := fn(g.value, jsArgs...)
	if err != nil {
		return nil, true, fmt.Errorf("%s: %w", method, err)
	}
	if result == nil || goja.IsUndefined(result) {
		return nil, true, nil
	}
	return result.Export(), true, nil
}

// ConstructorFactory builds the per-call arguments injected into a
// blueprint constructor before it runs — the bridge API surface the
// mudlib script sees as globals (e.g. `bridge`, `properties`).
type ConstructorFactory func(vm *goja.Runtime) map[string]any

// Loader resolves, compiles, and caches mudlib blueprints.
type Loader struct {
	vm         *goja.Runtime
	root       string
	registry   *registry.Registry
	injectVars ConstructorFactory

	mu      sync.Mutex
	sources map[string]*goja.Program // path -> compiled wrapper program
}

// New creates a Loader rooted at mudlibRoot, backed by reg, sharing vm with
// the rest of the driver. injectVars (optional) supplies additional
// globals set on vm immediately before each constructor call.
func New(vm *goja.Runtime, root string, reg *registry.Registry, injectVars ConstructorFactory) *Loader {
	return &Loader{
		vm:         vm,
		root:       root,
		registry:   reg,
		injectVars: injectVars,
		sources:    make(map[string]*goja.Program),
	}
}

// resolve maps a virtual absolute mudlib path to a concrete source file.
func (l *Loader) resolve(path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", errs.ValidationErrorf("mudlib path must be absolute: %q", path)
	}
	clean := filepath.Clean(path)
	full := filepath.Join(l.root, clean)
	if !strings.HasPrefix(full, filepath.Clean(l.root)+string(filepath.Separator)) && full != filepath.Clean(l.root) {
		return "", errs.ValidationErrorf("mudlib path escapes root: %q", path)
	}
	if filepath.Ext(full) == "" {
		full += ".js"
	}
	return full, nil
}

// compile reads, wraps, and parses source for path, without evaluating it.
func (l *Loader) compile(path string) (*goja.Program, error) {
	file, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, errs.LoadFailuref(err, "read mudlib source %s", path)
	}

	wrapped := fmt.Sprintf(commonJSWrapper, string(src))
	prog, err := goja.Compile(file, wrapped, false)
	if err != nil {
		return nil, errs.LoadFailuref(err, "parse mudlib source %s", path)
	}
	return prog, nil
}

// constructorFor evaluates the compiled program and extracts the exported
// constructor function, returning a registry.Constructor closure that
// invokes it fresh on every clone.
func (l *Loader) constructorFor(path string, prog *goja.Program) registry.Constructor {
	return func() (registry.Object, error) {
		if l.injectVars != nil {
			for k, v := range l.injectVars(l.vm) {
				if err := l.vm.Set(k, v); err != nil {
					return nil, errs.LoadFailuref(err, "inject %s for %s", k, path)
				}
			}
		}

		moduleVal, err := l.vm.RunProgram(prog)
		if err != nil {
			return nil, errs.LoadFailuref(err, "evaluate mudlib module %s", path)
		}
		exportsFn, ok := goja.AssertFunction(moduleVal)
		if !ok {
			return nil, errs.LoadFailuref(nil, "%s: default export is not a constructor function", path)
		}

		instanceVal, err := exportsFn(goja.Undefined())
		if err != nil {
			return nil, errs.LoadFailuref(err, "construct %s", path)
		}
		if instanceVal == nil || goja.IsUndefined(instanceVal) || goja.IsNull(instanceVal) {
			return nil, errs.LoadFailuref(nil, "%s: constructor returned no object", path)
		}

		return &gojaObject{vm: l.vm, value: instanceVal}, nil
	}
}

// LoadObject compiles path if not already cached and registers its
// blueprint in the registry, returning the (possibly pre-existing)
// blueprint. Multiple loads of the same path yield the same generation
// until an explicit Recompile.
func (l *Loader) LoadObject(path string) (*registry.Blueprint, error) {
	if bp, ok := l.registry.LookupBlueprint(path); ok {
		return bp, nil
	}
	return l.Recompile(path)
}

// Recompile re-reads and re-parses path, registers a new generation, and
// returns it. It never mutates or upgrades existing clones — callers that
// want the new behavior must clone again.
func (l *Loader) Recompile(path string) (*registry.Blueprint, error) {
	prog, err := l.compile(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.sources[path] = prog
	l.mu.Unlock()

	gen := l.registry.RegisterBlueprint(path, l.constructorFor(path, prog))
	bp, _ := l.registry.LookupBlueprint(path)
	_ = gen
	return bp, nil
}

// Clone is the convenience load-then-instantiate operation.
func (l *Loader) Clone(path string) (*registry.Instance, error) {
	if _, err := l.LoadObject(path); err != nil {
		return nil, err
	}
	return l.registry.Instantiate(path)
}
