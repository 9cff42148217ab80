// Package script embeds the Lua runtime that handles requests.
//
// A Runtime wraps a single *lua.LState, which is not safe for concurrent
// use. Every Runtime is owned by exactly one Worker goroutine: the worker
// creates it, loads the script into it, runs every call against it and
// closes it. Nothing else may touch the Runtime or any Lua value it produced.
package script

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	lua "github.com/yuin/gopher-lua"
)

// DefaultEntryPoint is the global function called for every request.
const DefaultEntryPoint = "do_request"

// Source is a script read once at startup and shared by every shard.
type Source struct {
	Name string
	Code []byte
}

// LoadSource reads the script at path.
func LoadSource(path string) (*Source, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, path)
		}
		return nil, fmt.Errorf("read script %s: %w", path, err)
	}
	return &Source{Name: path, Code: code}, nil
}

// Options configures how a Runtime is created.
type Options struct {
	// EntryPoint is the global function name; defaults to DefaultEntryPoint.
	EntryPoint string
	// Sandbox restricts the standard library to base, table, string and math.
	Sandbox bool
}

func (o Options) entryPoint() string {
	if o.EntryPoint == "" {
		return DefaultEntryPoint
	}
	return o.EntryPoint
}

// Runtime is one loaded script environment.
type Runtime struct {
	state      *lua.LState
	entryPoint string
}

// newRuntime creates an LState, compiles src and runs its top-level chunk once.
// Must be called on the goroutine that will own the Runtime.
func newRuntime(src *Source, opts Options) (*Runtime, error) {
	L := newState(opts.Sandbox)
	registerRequestType(L)

	fn, err := L.Load(bytes.NewReader(src.Code), src.Name)
	if err != nil {
		L.Close()
		return nil, &LoadError{Name: src.Name, Phase: "compile", Cause: err}
	}
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return nil, &LoadError{Name: src.Name, Phase: "exec", Cause: err}
	}
	L.SetTop(0)

	return &Runtime{state: L, entryPoint: opts.entryPoint()}, nil
}

func newState(sandbox bool) *lua.LState {
	if !sandbox {
		return lua.NewState()
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "require", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetTop(0)
	return L
}

// EntryPoint returns the name of the global function called per request.
func (r *Runtime) EntryPoint() string { return r.entryPoint }

// HasEntryPoint reports whether the script defines the entry point function.
func (r *Runtime) HasEntryPoint() bool {
	_, ok := r.state.GetGlobal(r.entryPoint).(*lua.LFunction)
	return ok
}

// Handle calls the entry point with req and converts its return value.
// Global script state persists between calls.
func (r *Runtime) Handle(req *Request) (*Response, error) {
	L := r.state
	fn, ok := L.GetGlobal(r.entryPoint).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoEntryPoint, r.entryPoint)
	}

	top := L.GetTop()
	defer L.SetTop(top)

	err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, pushRequest(L, req))
	if err != nil {
		return nil, &CallError{Function: r.entryPoint, Cause: err}
	}
	return toResponse(L.Get(-1))
}

// Global returns the Lua global name converted to a Go string, mostly useful
// to inspect script state from tests and debugging tools.
func (r *Runtime) Global(name string) string {
	return r.state.GetGlobal(name).String()
}

func (r *Runtime) close() {
	r.state.Close()
}
