// Package routines implements the server-side mining and movement
// programs that drive a turtle through its exclusive session.
package routines

import (
	"context"
	"sort"
	"sync"

	"github.com/denecity/TaaS/internal/common/logger"
	"github.com/denecity/TaaS/internal/turtle"
	"github.com/denecity/TaaS/internal/turtle/state"
)

// Env is everything a running routine may touch.
type Env struct {
	Session *turtle.Session
	Store   *state.Store
	Logger  *logger.Logger
	Config  Config
}

// TurtleID is a shorthand for the driven turtle's id.
func (e *Env) TurtleID() int { return e.Session.Turtle().ID }

// RunFunc is the body of a routine. Cancellation arrives through ctx;
// command failures are handled inside (they are values, not errors), so a
// returned error means the routine itself broke.
type RunFunc func(ctx context.Context, env *Env) error

// Routine is one registered program.
type Routine struct {
	Name           string
	Description    string
	ConfigTemplate string
	Run            RunFunc
}

// Registry holds the named routines offered over the API.
type Registry struct {
	mu       sync.RWMutex
	routines map[string]*Routine
	order    []string
}

// NewRegistry returns a registry with every built-in routine installed.
func NewRegistry() *Registry {
	r := &Registry{routines: make(map[string]*Routine)}
	for _, rt := range builtins() {
		r.Register(rt)
	}
	return r
}

// Register installs or replaces a routine under its name.
func (r *Registry) Register(rt *Routine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routines[rt.Name]; !exists {
		r.order = append(r.order, rt.Name)
	}
	r.routines[rt.Name] = rt
}

// Get looks a routine up by name.
func (r *Registry) Get(name string) (*Routine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routines[name]
	return rt, ok
}

// List returns all routines in registration order.
func (r *Registry) List() []*Routine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Routine, 0, len(r.order))
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	for _, name := range names {
		out = append(out, r.routines[name])
	}
	return out
}

func builtins() []*Routine {
	return []*Routine{
		digToCoordinateRoutine(),
		moveToCoordinateRoutine(),
		mineOreVeinRoutine(),
		avoidGoldDigDiamondRoutine(),
		mineFullChunkRoutine(),
		autoChunkMinerRoutine(),
		smartMineFullRoutine(),
		executeCommandRoutine(),
		setLabelRoutine(),
		simpleWalkRoutine(),
		simpleDigRoutine(),
	}
}
