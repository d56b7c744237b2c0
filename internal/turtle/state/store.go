package state

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/denecity/TaaS/internal/common/logger"
	"github.com/denecity/TaaS/internal/db"
	"github.com/denecity/TaaS/internal/db/dialect"
)

// ChangeNotifier is invoked with the turtle id after every committed
// mutation. Implementations must not block; delivery downstream is
// best-effort.
type ChangeNotifier func(turtleID int)

// Store is the authoritative map of turtle id to persisted state, backed by
// the turtles and function_calls tables. All mutations are serialized
// through the pool's writer; reads go through the reader.
type Store struct {
	pool   *db.Pool
	driver string
	logger *logger.Logger

	mu     sync.RWMutex
	notify ChangeNotifier
}

// New initializes the schema on the given pool and returns a Store.
func New(pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{
		pool:   pool,
		driver: pool.DriverName(),
		logger: log.WithFields(zap.String("component", "state_store")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS turtles (
			turtle_id INTEGER PRIMARY KEY,
			name TEXT,
			label TEXT,
			first_seen_ms BIGINT,
			last_seen_ms BIGINT,
			fuel_level INTEGER,
			inventory TEXT,
			x INTEGER,
			y INTEGER,
			z INTEGER,
			heading INTEGER,
			connection_status TEXT DEFAULT 'disconnected'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turtles_last_seen ON turtles(last_seen_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_turtles_connection ON turtles(connection_status)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS function_calls (
			id %s,
			ts_ms BIGINT,
			turtle_id INTEGER,
			call_name TEXT,
			args_json TEXT,
			ok INTEGER,
			result_json TEXT,
			error_text TEXT,
			request_id TEXT,
			duration_ms BIGINT
		)`, dialect.AutoIncrementPK(s.driver)),
		`CREATE INDEX IF NOT EXISTS idx_calls_turtle ON function_calls(turtle_id, ts_ms)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// OnChange registers the notifier invoked after each mutation. Registering
// replaces any previous notifier.
func (s *Store) OnChange(fn ChangeNotifier) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

func (s *Store) notifyChange(turtleID int) {
	s.mu.RLock()
	fn := s.notify
	s.mu.RUnlock()
	if fn != nil {
		fn(turtleID)
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// UpsertSeen creates the row for a turtle on first contact and refreshes
// last_seen_ms on every subsequent one.
func (s *Store) UpsertSeen(ctx context.Context, turtleID int) error {
	now := nowMs()
	res, err := s.pool.Writer().ExecContext(ctx,
		s.pool.Writer().Rebind(`UPDATE turtles SET last_seen_ms=? WHERE turtle_id=?`),
		now, turtleID)
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	if affected == 0 {
		_, err = s.pool.Writer().ExecContext(ctx,
			s.pool.Writer().Rebind(`INSERT INTO turtles(turtle_id, first_seen_ms, last_seen_ms) VALUES (?, ?, ?)`),
			turtleID, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert turtle row: %w", err)
		}
	}
	s.notifyChange(turtleID)
	return nil
}

type turtleRow struct {
	TurtleID         int            `db:"turtle_id"`
	Name             sql.NullString `db:"name"`
	Label            sql.NullString `db:"label"`
	FirstSeenMs      sql.NullInt64  `db:"first_seen_ms"`
	LastSeenMs       sql.NullInt64  `db:"last_seen_ms"`
	FuelLevel        sql.NullInt64  `db:"fuel_level"`
	Inventory        sql.NullString `db:"inventory"`
	X                sql.NullInt64  `db:"x"`
	Y                sql.NullInt64  `db:"y"`
	Z                sql.NullInt64  `db:"z"`
	Heading          sql.NullInt64  `db:"heading"`
	ConnectionStatus sql.NullString `db:"connection_status"`
}

func (r *turtleRow) toState() TurtleState {
	st := TurtleState{
		ID:               r.TurtleID,
		InventoryJSON:    r.Inventory.String,
		ConnectionStatus: StatusDisconnected,
		FirstSeenMs:      r.FirstSeenMs.Int64,
		LastSeenMs:       r.LastSeenMs.Int64,
	}
	if r.Name.Valid {
		name := r.Name.String
		st.Name = &name
	}
	if r.Label.Valid {
		label := r.Label.String
		st.Label = &label
	}
	if r.FuelLevel.Valid {
		fuel := int(r.FuelLevel.Int64)
		st.FuelLevel = &fuel
	}
	// Coords surface only when the whole triple is present.
	if r.X.Valid && r.Y.Valid && r.Z.Valid {
		st.Coords = &Coords{X: int(r.X.Int64), Y: int(r.Y.Int64), Z: int(r.Z.Int64)}
	}
	if r.Heading.Valid {
		heading := int(r.Heading.Int64)
		st.Heading = &heading
	}
	if r.ConnectionStatus.Valid && r.ConnectionStatus.String != "" {
		st.ConnectionStatus = r.ConnectionStatus.String
	}
	return st
}

// Get returns a snapshot of a turtle's state. Unknown turtles come back as
// an empty disconnected record rather than an error.
func (s *Store) Get(ctx context.Context, turtleID int) TurtleState {
	var row turtleRow
	err := s.pool.Reader().GetContext(ctx, &row,
		s.pool.Reader().Rebind(`SELECT turtle_id, name, label, first_seen_ms, last_seen_ms,
			fuel_level, inventory, x, y, z, heading, connection_status
			FROM turtles WHERE turtle_id=?`),
		turtleID)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logger.Warn("failed to read turtle state",
				zap.Int("turtle_id", turtleID), zap.Error(err))
		}
		return TurtleState{ID: turtleID, ConnectionStatus: StatusDisconnected}
	}
	return row.toState()
}

// ListIDs enumerates every turtle ever seen, ascending.
func (s *Store) ListIDs(ctx context.Context) ([]int, error) {
	var ids []int
	err := s.pool.Reader().SelectContext(ctx, &ids,
		`SELECT turtle_id FROM turtles ORDER BY turtle_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list turtle ids: %w", err)
	}
	return ids, nil
}

// LastSeen returns the last_seen_ms timestamp for every known turtle.
func (s *Store) LastSeen(ctx context.Context) (map[int]int64, error) {
	rows, err := s.pool.Reader().QueryxContext(ctx,
		`SELECT turtle_id, last_seen_ms FROM turtles`)
	if err != nil {
		return nil, fmt.Errorf("failed to read last seen map: %w", err)
	}
	defer rows.Close()

	out := make(map[int]int64)
	for rows.Next() {
		var id int
		var lastSeen sql.NullInt64
		if err := rows.Scan(&id, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan last seen row: %w", err)
		}
		out[id] = lastSeen.Int64
	}
	return out, rows.Err()
}

// Apply writes a partial update. Fields left nil in the patch keep their
// stored values; a row is created when the turtle has never been seen.
func (s *Store) Apply(ctx context.Context, turtleID int, patch Patch) error {
	var x, y, z *int
	if patch.Coords != nil {
		x, y, z = &patch.Coords.X, &patch.Coords.Y, &patch.Coords.Z
	}

	res, err := s.pool.Writer().ExecContext(ctx,
		s.pool.Writer().Rebind(`UPDATE turtles SET
			fuel_level=COALESCE(?, fuel_level),
			inventory=COALESCE(?, inventory),
			x=COALESCE(?, x), y=COALESCE(?, y), z=COALESCE(?, z),
			heading=COALESCE(?, heading),
			connection_status=COALESCE(?, connection_status),
			label=COALESCE(?, label)
			WHERE turtle_id=?`),
		patch.FuelLevel, patch.InventoryJSON, x, y, z,
		patch.Heading, patch.ConnectionStatus, patch.Label, turtleID)
	if err != nil {
		return fmt.Errorf("failed to patch turtle state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to patch turtle state: %w", err)
	}
	if affected == 0 {
		status := StatusDisconnected
		if patch.ConnectionStatus != nil {
			status = *patch.ConnectionStatus
		}
		_, err = s.pool.Writer().ExecContext(ctx,
			s.pool.Writer().Rebind(`INSERT INTO turtles(turtle_id, fuel_level, inventory,
				x, y, z, heading, connection_status, label)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			turtleID, patch.FuelLevel, patch.InventoryJSON, x, y, z,
			patch.Heading, status, patch.Label)
		if err != nil {
			return fmt.Errorf("failed to insert turtle state: %w", err)
		}
	}
	s.notifyChange(turtleID)
	return nil
}

// SetLabel persists a turtle's display label.
func (s *Store) SetLabel(ctx context.Context, turtleID int, label string) error {
	return s.Apply(ctx, turtleID, Patch{Label: &label})
}

// SetName persists the name reported by the firmware.
func (s *Store) SetName(ctx context.Context, turtleID int, name string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		s.pool.Writer().Rebind(`UPDATE turtles SET name=? WHERE turtle_id=?`),
		name, turtleID)
	if err != nil {
		return fmt.Errorf("failed to set turtle name: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set turtle name: %w", err)
	}
	if affected == 0 {
		_, err = s.pool.Writer().ExecContext(ctx,
			s.pool.Writer().Rebind(`INSERT INTO turtles(turtle_id, name, connection_status) VALUES (?, ?, ?)`),
			turtleID, name, StatusDisconnected)
		if err != nil {
			return fmt.Errorf("failed to insert turtle name: %w", err)
		}
	}
	s.notifyChange(turtleID)
	return nil
}

// SetConnectionStatus flips a turtle between connected and disconnected.
func (s *Store) SetConnectionStatus(ctx context.Context, turtleID int, status string) error {
	return s.Apply(ctx, turtleID, Patch{ConnectionStatus: &status})
}

// LogCall appends one row to the command audit table. Audit writes do not
// trigger change notifications; they never alter visible turtle state.
func (s *Store) LogCall(ctx context.Context, rec CallRecord) error {
	if rec.TsMs == 0 {
		rec.TsMs = nowMs()
	}
	var ok *int
	if rec.OK != nil {
		v := dialect.BoolToInt(*rec.OK)
		ok = &v
	}
	_, err := s.pool.Writer().ExecContext(ctx,
		s.pool.Writer().Rebind(`INSERT INTO function_calls(ts_ms, turtle_id, call_name,
			args_json, ok, result_json, error_text, request_id, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.TsMs, rec.TurtleID, rec.CallName, rec.ArgsJSON, ok,
		rec.ResultJSON, rec.ErrorText, rec.RequestID, rec.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to record call audit: %w", err)
	}
	return nil
}

// Calls returns the most recent audit records for a turtle, newest first.
func (s *Store) Calls(ctx context.Context, turtleID, limit int) ([]CallRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var recs []CallRecord
	err := s.pool.Reader().SelectContext(ctx, &recs,
		s.pool.Reader().Rebind(`SELECT id, ts_ms, turtle_id, call_name, args_json,
			ok, result_json, error_text, request_id, duration_ms
			FROM function_calls WHERE turtle_id=? ORDER BY ts_ms DESC, id DESC LIMIT ?`),
		turtleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read call audit: %w", err)
	}
	return recs, nil
}
