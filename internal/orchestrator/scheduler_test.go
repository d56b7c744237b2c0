package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/denecity/TaaS/internal/common/logger"
	"github.com/denecity/TaaS/internal/db"
	"github.com/denecity/TaaS/internal/events/bus"
	"github.com/denecity/TaaS/internal/routines"
	"github.com/denecity/TaaS/internal/turtle"
	"github.com/denecity/TaaS/internal/turtle/state"
	"github.com/denecity/TaaS/pkg/protocol"
)

// stubRegistry is a fixed map of connected turtles.
type stubRegistry struct {
	mu      sync.Mutex
	turtles map[int]*turtle.Turtle
}

func (r *stubRegistry) Get(id int) (*turtle.Turtle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.turtles[id]
	return t, ok
}

func (r *stubRegistry) List() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.turtles))
	for id := range r.turtles {
		ids = append(ids, id)
	}
	return ids
}

// eventSink records every event type the scheduler publishes.
type eventSink struct {
	mu    sync.Mutex
	types []string
}

func (e *eventSink) handle(_ context.Context, event *bus.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := event.Data["type"].(string); ok {
		e.types = append(e.types, t)
	}
	return nil
}

func (e *eventSink) seen(eventType string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.types {
		if t == eventType {
			return true
		}
	}
	return false
}

type fixture struct {
	scheduler *Scheduler
	registry  *stubRegistry
	store     *state.Store
	sink      *eventSink
}

// echoTurtle answers every command with ok/true so sessions never stall.
func echoTurtle(id int, store *state.Store) *turtle.Turtle {
	var tr *turtle.Turtle
	send := func(data []byte) error {
		var cmd protocol.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			return err
		}
		reply := fmt.Sprintf(`{"in_reply_to":%q,"ok":true,"value":true}`, cmd.ID)
		go tr.HandleFrame([]byte(reply))
		return nil
	}
	tr = turtle.New(id, send, store, logger.Default())
	return tr
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool, err := db.OpenSQLite(filepath.Join(t.TempDir(), "turtles.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	store, err := state.New(pool, logger.Default())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	memBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(memBus.Close)

	sink := &eventSink{}
	for _, pattern := range []string{"routine.*", "turtle.*"} {
		if _, err := memBus.Subscribe(pattern, sink.handle); err != nil {
			t.Fatalf("failed to subscribe: %v", err)
		}
	}

	reg := &stubRegistry{turtles: map[int]*turtle.Turtle{}}
	routineReg := routines.NewRegistry()
	routineReg.Register(&routines.Routine{
		Name:        "instant",
		Description: "finishes immediately",
		Run:         func(ctx context.Context, env *routines.Env) error { return nil },
	})
	routineReg.Register(&routines.Routine{
		Name:        "block_forever",
		Description: "waits for cancellation",
		Run: func(ctx context.Context, env *routines.Env) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	routineReg.Register(&routines.Routine{
		Name:        "broken",
		Description: "always fails",
		Run: func(ctx context.Context, env *routines.Env) error {
			return errors.New("drill bit snapped")
		},
	})

	sched := NewScheduler(reg, routineReg, store, memBus, logger.Default())
	return &fixture{scheduler: sched, registry: reg, store: store, sink: sink}
}

func (f *fixture) connect(t *testing.T, id int) *turtle.Turtle {
	t.Helper()
	tr := echoTurtle(id, f.store)
	f.registry.mu.Lock()
	f.registry.turtles[id] = tr
	f.registry.mu.Unlock()
	return tr
}

func waitForStatus(t *testing.T, f *fixture, id int, status string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a := f.scheduler.Assignment(id); a != nil && a.Status == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	a := f.scheduler.Assignment(id)
	t.Fatalf("assignment never reached %q, got %+v", status, a)
}

func waitForEvent(t *testing.T, f *fixture, eventType string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if f.sink.seen(eventType) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("event %q never published", eventType)
}

func TestExecuteUnknownRoutine(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	if err := f.scheduler.Execute(1, "no_such_routine", nil); !errors.Is(err, ErrUnknownRoutine) {
		t.Fatalf("got %v, want ErrUnknownRoutine", err)
	}
}

func TestExecuteNotConnected(t *testing.T) {
	f := newFixture(t)
	if err := f.scheduler.Execute(9, "instant", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestExecuteRunsToCompletion(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)

	if err := f.scheduler.Execute(1, "instant", "steps: 3\n"); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	waitForStatus(t, f, 1, StatusFinished)
	waitForEvent(t, f, "routine_started")
	waitForEvent(t, f, "routine_finished")

	a := f.scheduler.Assignment(1)
	if a.Routine != "instant" {
		t.Errorf("assignment routine = %q", a.Routine)
	}
}

func TestExecuteFailureCarriesError(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)

	if err := f.scheduler.Execute(1, "broken", nil); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	waitForStatus(t, f, 1, StatusFailed)
	waitForEvent(t, f, "routine_failed")

	a := f.scheduler.Assignment(1)
	if a.Error != "drill bit snapped" {
		t.Errorf("assignment error = %q", a.Error)
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)

	if err := f.scheduler.Execute(1, "block_forever", nil); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	waitForStatus(t, f, 1, StatusRunning)

	if !f.scheduler.Abort(1) {
		t.Fatal("first abort should report true")
	}
	waitForStatus(t, f, 1, StatusAborted)
	waitForEvent(t, f, "routine_aborted")

	if f.scheduler.Abort(1) {
		t.Fatal("second abort should report false")
	}
}

func TestAbortWithoutRoutine(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	if f.scheduler.Abort(1) {
		t.Fatal("abort with nothing running should report false")
	}
}

func TestDisconnectCancelsRoutine(t *testing.T) {
	f := newFixture(t)
	tr := f.connect(t, 1)

	if err := f.scheduler.Execute(1, "block_forever", nil); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	waitForStatus(t, f, 1, StatusRunning)

	tr.ConnectionLost()
	if err := f.scheduler.HandleDisconnect(1); err != nil {
		t.Fatalf("disconnect handling failed: %v", err)
	}
	waitForStatus(t, f, 1, StatusDisconnected)
	waitForEvent(t, f, "disconnected")

	st := f.store.Get(context.Background(), 1)
	if st.ConnectionStatus != state.StatusDisconnected {
		t.Errorf("stored status = %q", st.ConnectionStatus)
	}
	// The runner saw the cancel but must not overwrite disconnected.
	time.Sleep(50 * time.Millisecond)
	if a := f.scheduler.Assignment(1); a.Status != StatusDisconnected {
		t.Errorf("assignment status = %q after runner exit", a.Status)
	}
}

func TestContinueReplaysLastRoutine(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)

	if err := f.scheduler.Continue(1); !errors.Is(err, ErrNoPreviousRoutine) {
		t.Fatalf("got %v, want ErrNoPreviousRoutine", err)
	}

	if err := f.scheduler.Execute(1, "instant", "steps: 2\n"); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	waitForStatus(t, f, 1, StatusFinished)

	if err := f.scheduler.Continue(1); err != nil {
		t.Fatalf("continue failed: %v", err)
	}
	waitForStatus(t, f, 1, StatusFinished)
}

func TestRestartRequiresConnection(t *testing.T) {
	f := newFixture(t)
	if err := f.scheduler.Restart(context.Background(), 3); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}

	f.connect(t, 3)
	if err := f.scheduler.Restart(context.Background(), 3); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
}

func TestHandleConnectSeedsStateAndPublishes(t *testing.T) {
	f := newFixture(t)
	tr := f.connect(t, 7)

	if err := f.scheduler.HandleConnect(tr); err != nil {
		t.Fatalf("connect handling failed: %v", err)
	}
	waitForEvent(t, f, "connected")

	st := f.store.Get(context.Background(), 7)
	if st.ConnectionStatus != state.StatusConnected {
		t.Errorf("stored status = %q", st.ConnectionStatus)
	}
	if st.Coords == nil || st.Heading == nil {
		t.Error("defaults were not seeded")
	}
}

func TestSummaryShape(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	ctx := context.Background()

	if err := f.store.UpsertSeen(ctx, 1); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	fuel := 640
	heading := 2
	coords := state.Coords{X: 10, Y: 64, Z: -4}
	if err := f.store.Apply(ctx, 1, state.Patch{
		FuelLevel: &fuel, Heading: &heading, Coords: &coords,
	}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	sum := f.scheduler.Summary(ctx, 1)
	if sum["id"] != 1 {
		t.Errorf("id = %v", sum["id"])
	}
	if sum["alive"] != true {
		t.Errorf("alive = %v", sum["alive"])
	}
	if got := sum["coords"].(map[string]int); got["x"] != 10 || got["z"] != -4 {
		t.Errorf("coords = %v", got)
	}
	if a, ok := sum["assignment"].(*Assignment); !ok || a != nil {
		t.Errorf("assignment = %v (%T), want nil pointer", sum["assignment"], sum["assignment"])
	}
}

func TestDetectHeadingSkipsOriginFix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var sent []string
	var tr *turtle.Turtle
	send := func(data []byte) error {
		var cmd protocol.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			return err
		}
		mu.Lock()
		sent = append(sent, cmd.Command)
		mu.Unlock()
		value := "true"
		if strings.Contains(cmd.Command, "gps.locate") {
			value = "[0,0,0]"
		}
		reply := fmt.Sprintf(`{"in_reply_to":%q,"ok":true,"value":%s}`, cmd.ID, value)
		go tr.HandleFrame([]byte(reply))
		return nil
	}
	tr = turtle.New(1, send, f.store, logger.Default())
	f.registry.mu.Lock()
	f.registry.turtles[1] = tr
	f.registry.mu.Unlock()

	heading := 3
	if err := f.store.Apply(ctx, 1, state.Patch{Heading: &heading}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	f.scheduler.DetectState(ctx, tr)

	mu.Lock()
	for _, line := range sent {
		if strings.Contains(line, "turtle.turnRight") || strings.Contains(line, "turtle.forward") {
			t.Errorf("movement issued despite origin fix: %q", line)
		}
	}
	mu.Unlock()

	st := f.store.Get(ctx, 1)
	if st.Heading == nil || *st.Heading != 3 {
		t.Errorf("heading = %v, want 3", st.Heading)
	}
}

func TestStartedEventPrecedesSessionAcquisition(t *testing.T) {
	f := newFixture(t)
	tr := f.connect(t, 1)

	// Holding the session keeps the runner parked before it can talk to
	// the turtle.
	held, err := tr.Session(context.Background())
	if err != nil {
		t.Fatalf("session acquisition failed: %v", err)
	}
	defer held.Close()

	if err := f.scheduler.Execute(1, "instant", nil); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	waitForEvent(t, f, "routine_started")

	if !f.scheduler.Abort(1) {
		t.Fatal("abort should report true while the runner waits")
	}
	waitForStatus(t, f, 1, StatusAborted)
	waitForEvent(t, f, "routine_aborted")
}

func TestKnownIDsMergesSources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.connect(t, 5)
	if err := f.store.UpsertSeen(ctx, 2); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := f.store.UpsertSeen(ctx, 9); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got := f.scheduler.KnownIDs(ctx)
	want := []int{2, 5, 9}
	if len(got) != len(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}
}
