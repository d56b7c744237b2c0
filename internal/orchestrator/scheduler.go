// Package orchestrator assigns routines to connected turtles and tracks
// their lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/denecity/TaaS/internal/common/logger"
	"github.com/denecity/TaaS/internal/events"
	"github.com/denecity/TaaS/internal/events/bus"
	"github.com/denecity/TaaS/internal/routines"
	"github.com/denecity/TaaS/internal/turtle"
	"github.com/denecity/TaaS/internal/turtle/state"
)

// Common errors surfaced as 404s by the API layer.
var (
	ErrUnknownRoutine    = errors.New("unknown routine")
	ErrNotConnected      = errors.New("turtle not connected")
	ErrNoPreviousRoutine = errors.New("no previous routine")
)

// Assignment statuses.
const (
	StatusRunning      = "running"
	StatusFinished     = "finished"
	StatusAborted      = "aborted"
	StatusFailed       = "failed"
	StatusDisconnected = "disconnected"
)

// Assignment is the in-memory record of a turtle's current or last routine.
type Assignment struct {
	Routine string      `json:"routine"`
	Status  string      `json:"status"`
	Config  interface{} `json:"config"`
	Error   string      `json:"error,omitempty"`
}

// TurtleRegistry is the connected-turtle lookup the scheduler needs.
type TurtleRegistry interface {
	Get(turtleID int) (*turtle.Turtle, bool)
	List() []int
}

// Scheduler starts, aborts, and tracks routine runs, one at a time per
// turtle. Assignments live in memory only; they describe the session,
// not history.
type Scheduler struct {
	registry TurtleRegistry
	routines *routines.Registry
	store    *state.Store
	bus      bus.EventBus
	logger   *logger.Logger

	mu          sync.Mutex
	assignments map[int]*Assignment
	runs        map[int]*runHandle
	lastRun     map[int]lastRun

	wg sync.WaitGroup
}

type lastRun struct {
	routine string
	config  interface{}
}

// runHandle ties one runner goroutine to its cancel func and assignment
// record, so a stale runner can never touch a successor's bookkeeping.
type runHandle struct {
	cancel     context.CancelFunc
	assignment *Assignment
}

// NewScheduler wires the scheduler and registers the state-change
// broadcast: every store mutation produces one state_updated event.
func NewScheduler(reg TurtleRegistry, routineReg *routines.Registry, store *state.Store, eventBus bus.EventBus, log *logger.Logger) *Scheduler {
	s := &Scheduler{
		registry:    reg,
		routines:    routineReg,
		store:       store,
		bus:         eventBus,
		logger:      log.WithFields(zap.String("component", "scheduler")),
		assignments: make(map[int]*Assignment),
		runs:        make(map[int]*runHandle),
		lastRun:     make(map[int]lastRun),
	}
	store.OnChange(s.publishStateUpdated)
	return s
}

// Wait blocks until all runner goroutines have finished. Used on shutdown.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Connected reports whether the turtle has a live session.
func (s *Scheduler) Connected(turtleID int) bool {
	t, ok := s.registry.Get(turtleID)
	return ok && t.Alive()
}

// Assignment returns a copy of the turtle's assignment, nil when it never
// ran anything.
func (s *Scheduler) Assignment(turtleID int) *Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[turtleID]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

// Execute starts a routine on a connected turtle, cancelling whatever was
// running before. The call returns once the runner is spawned.
func (s *Scheduler) Execute(turtleID int, routineName string, rawConfig interface{}) error {
	rt, ok := s.routines.Get(routineName)
	if !ok {
		return ErrUnknownRoutine
	}
	t, ok := s.registry.Get(turtleID)
	if !ok || !t.Alive() {
		return ErrNotConnected
	}

	cfg := routines.ParseConfig(rawConfig)
	ctx, cancel := context.WithCancel(context.Background())
	assignment := &Assignment{
		Routine: routineName,
		Status:  StatusRunning,
		Config:  cfg.Raw(),
	}
	handle := &runHandle{cancel: cancel, assignment: assignment}

	s.mu.Lock()
	if prev, running := s.runs[turtleID]; running {
		prev.cancel()
	}
	s.runs[turtleID] = handle
	s.assignments[turtleID] = assignment
	s.lastRun[turtleID] = lastRun{routine: routineName, config: rawConfig}
	s.mu.Unlock()

	s.logger.Sugar().Infof("Turtle %d starting routine %s", turtleID, routineName)
	s.wg.Add(1)
	go s.run(ctx, handle, t, rt, cfg)
	return nil
}

// Abort cancels the running routine. false when nothing is running.
func (s *Scheduler) Abort(turtleID int) bool {
	s.mu.Lock()
	handle, ok := s.runs[turtleID]
	if ok {
		delete(s.runs, turtleID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	handle.cancel()
	return true
}

// Continue re-runs the turtle's last routine with its last config.
func (s *Scheduler) Continue(turtleID int) error {
	s.mu.Lock()
	last, ok := s.lastRun[turtleID]
	s.mu.Unlock()
	if !ok {
		return ErrNoPreviousRoutine
	}
	return s.Execute(turtleID, last.routine, last.config)
}

// Restart validates that the turtle is reachable and its session is free.
// The firmware reboots on socket loss, so there is nothing else to do
// server-side.
func (s *Scheduler) Restart(ctx context.Context, turtleID int) error {
	t, ok := s.registry.Get(turtleID)
	if !ok || !t.Alive() {
		return ErrNotConnected
	}
	sess, err := t.Session(ctx)
	if err != nil {
		return err
	}
	sess.Close()
	s.logger.Sugar().Infof("Turtle %d restart acknowledged", turtleID)
	return nil
}

// run is the routine runner goroutine. Exactly one lifecycle event is
// published for the outcome.
func (s *Scheduler) run(ctx context.Context, handle *runHandle, t *turtle.Turtle, rt *routines.Routine, cfg routines.Config) {
	defer s.wg.Done()
	defer handle.cancel()

	log := s.logger.WithTurtleID(t.ID).WithRoutine(rt.Name)

	s.publish(events.RoutineStarted, events.RoutineEventData(events.RoutineStarted, t.ID, rt.Name))

	sess, err := t.Session(ctx)
	if err != nil {
		s.finish(t.ID, handle, rt.Name, StatusAborted, "")
		return
	}
	defer sess.Close()

	env := &routines.Env{
		Session: sess,
		Store:   s.store,
		Logger:  log,
		Config:  cfg,
	}

	err = s.runGuarded(ctx, rt, env)
	switch {
	case err == nil:
		log.Info("routine finished")
		s.finish(t.ID, handle, rt.Name, StatusFinished, "")
	case ctx.Err() != nil:
		log.Info("routine aborted")
		s.finish(t.ID, handle, rt.Name, StatusAborted, "")
	default:
		log.Error("routine failed", zap.Error(err))
		s.finish(t.ID, handle, rt.Name, StatusFailed, err.Error())
	}
}

// runGuarded converts routine panics into failures with a stack trace.
func (s *Scheduler) runGuarded(ctx context.Context, rt *routines.Routine, env *routines.Env) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v\n%s", r, debug.Stack())
		}
	}()
	return rt.Run(ctx, env)
}

// finish records the outcome and publishes the matching lifecycle event.
// A routine that lost its turtle keeps the disconnected status set by
// HandleDisconnect; a stale runner replaced by a newer Execute touches
// nothing.
func (s *Scheduler) finish(turtleID int, handle *runHandle, routineName, status, errText string) {
	s.mu.Lock()
	if s.runs[turtleID] == handle {
		delete(s.runs, turtleID)
	}
	a := handle.assignment
	published := status
	if a.Status == StatusRunning {
		a.Status = status
		a.Error = errText
	} else {
		published = ""
	}
	s.mu.Unlock()

	switch published {
	case StatusFinished:
		s.publish(events.RoutineFinished, events.RoutineEventData(events.RoutineFinished, turtleID, routineName))
	case StatusAborted:
		s.publish(events.RoutineAborted, events.RoutineEventData(events.RoutineAborted, turtleID, routineName))
	case StatusFailed:
		s.publish(events.RoutineFailed, events.RoutineFailureData(turtleID, routineName, errText))
	}
}

// HandleConnect runs as a registry on-connect callback: persist the
// connection, seed defaults for first-time turtles, kick off background
// state detection, and announce the turtle.
func (s *Scheduler) HandleConnect(t *turtle.Turtle) error {
	ctx := context.Background()
	if err := s.store.UpsertSeen(ctx, t.ID); err != nil {
		return err
	}
	if err := s.store.SetConnectionStatus(ctx, t.ID, state.StatusConnected); err != nil {
		return err
	}

	st := s.store.Get(ctx, t.ID)
	if st.Coords == nil {
		heading, fuel := 0, 0
		coords := state.Coords{}
		if err := s.store.Apply(ctx, t.ID, state.Patch{
			Coords:    &coords,
			Heading:   &heading,
			FuelLevel: &fuel,
		}); err != nil {
			s.logger.Warn("failed to seed default state",
				zap.Int("turtle_id", t.ID), zap.Error(err))
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.DetectState(context.Background(), t)
	}()

	s.publish(events.TurtleConnected,
		events.TurtleEventData(events.TurtleConnected, t.ID, s.Summary(ctx, t.ID)))
	return nil
}

// HandleDisconnect runs as a registry on-disconnect callback: persist the
// drop, cancel the running routine, and announce the loss.
func (s *Scheduler) HandleDisconnect(turtleID int) error {
	ctx := context.Background()
	if err := s.store.SetConnectionStatus(ctx, turtleID, state.StatusDisconnected); err != nil {
		s.logger.Warn("failed to persist disconnect",
			zap.Int("turtle_id", turtleID), zap.Error(err))
	}

	s.mu.Lock()
	if a, ok := s.assignments[turtleID]; ok && a.Status == StatusRunning {
		a.Status = StatusDisconnected
	}
	handle, running := s.runs[turtleID]
	if running {
		delete(s.runs, turtleID)
	}
	s.mu.Unlock()
	if running {
		handle.cancel()
	}

	s.publish(events.TurtleDisconnected,
		events.TurtleEventData(events.TurtleDisconnected, turtleID, s.Summary(ctx, turtleID)))
	return nil
}

func (s *Scheduler) publishStateUpdated(turtleID int) {
	s.publish(events.TurtleStateUpdated,
		events.TurtleEventData(events.TurtleStateUpdated, turtleID, s.Summary(context.Background(), turtleID)))
}

func (s *Scheduler) publish(subject string, data map[string]interface{}) {
	event := bus.NewEvent(events.WireType(subject), events.Source, data)
	if err := s.bus.Publish(context.Background(), subject, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}
