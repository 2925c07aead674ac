// Package notestore implements the system of record for notes, challenge
// templates, and spaced-repetition scheduling state.
//
// While open, the authoritative copy lives in an in-memory SQLite database;
// every mutation runs in one transaction there and marks the store dirty.
// Flushing serializes the working database into the snapshot file through a
// coordinated write scope, and loading reconciles on-disk copies into
// memory through the version-vector merge engine, so two devices can edit
// independent snapshots and converge when the files meet.
package notestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/perthro/internal/apperr"
	"github.com/starford/perthro/internal/challenge"
	"github.com/starford/perthro/internal/clock"
	"github.com/starford/perthro/internal/markdown"
	"github.com/starford/perthro/internal/noteid"
	"github.com/starford/perthro/internal/notestore/migrations"
	"github.com/starford/perthro/internal/scheduler"
	"github.com/starford/perthro/internal/snapshot"
	"github.com/starford/perthro/internal/vclock"
)

// State is the store lifecycle phase.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

// Store owns note records, metadata, challenge templates, and challenge
// scheduling state. Single store instance per snapshot file.
type Store struct {
	mu sync.RWMutex

	state State
	conn  *sql.DB
	dirty bool
	vv    vclock.Vector

	file     *snapshot.File
	device   vclock.DeviceIdentity
	registry *challenge.Registry
	cache    *challenge.Cache
	parser   markdown.Parser
	sched    *scheduler.Scheduler
	clock    clock.Clock
	rng      *rand.Rand
	ids      *noteid.Generator
	logger   *slog.Logger
	broker   *Broker
}

// Option configures a Store.
type Option func(*Store)

// WithParser overrides the markdown parser collaborator.
func WithParser(p markdown.Parser) Option { return func(s *Store) { s.parser = p } }

// WithRegistry overrides the challenge template registry.
func WithRegistry(r *challenge.Registry) Option { return func(s *Store) { s.registry = r } }

// WithScheduler overrides the spaced-repetition scheduler.
func WithScheduler(sch *scheduler.Scheduler) Option { return func(s *Store) { s.sched = sch } }

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

// WithRand overrides the jitter source for due-date fuzzing.
func WithRand(r *rand.Rand) Option { return func(s *Store) { s.rng = r } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// New creates a store for the snapshot at file, writing as device.
// The store starts Closed; call Open before use.
func New(file *snapshot.File, device vclock.DeviceIdentity, opts ...Option) *Store {
	s := &Store{
		file:     file,
		device:   device,
		registry: challenge.Builtin(),
		cache:    challenge.NewCache(256),
		parser:   markdown.Default{},
		sched:    scheduler.New(scheduler.DefaultParameters()),
		clock:    clock.Real{},
		logger:   slog.Default(),
		vv:       vclock.Vector{},
		broker:   NewBroker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(s.clock.Now().UnixNano()))
	}
	s.ids = noteid.NewGenerator(instanceFromUUID(device.UUID), s.clock)
	return s
}

// instanceFromUUID folds the device UUID into the 10-bit identifier
// instance number.
func instanceFromUUID(uuid string) int {
	h := 0
	for _, c := range uuid {
		h = (h*31 + int(c)) & 0x3FF
	}
	return h
}

// Open loads the snapshot (and any conflict siblings) into memory and
// transitions the store to Open. Opening an empty location starts an empty
// store.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateClosed {
		return fmt.Errorf("notestore: open: store already open")
	}
	s.state = StateOpening
	if s.broker.closed.Load() {
		// Reopening after Close; the old broker's loop is gone.
		s.broker = NewBroker()
	}

	conn, err := openMemoryDB()
	if err != nil {
		s.state = StateClosed
		return err
	}
	s.conn = conn

	if err := s.loadLocked(ctx); err != nil {
		conn.Close()
		s.conn = nil
		s.state = StateClosed
		return err
	}

	s.state = StateOpen
	s.logger.Info("store opened",
		slog.String("path", s.file.Path()),
		slog.String("device", s.device.UUID))
	return nil
}

// Close flushes dirty state and releases the working database. The store
// can be reopened afterwards.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return apperr.ErrNotOpen
	}

	var flushErr error
	if s.dirty {
		flushErr = s.flushLocked(ctx)
	}

	s.broker.Close()
	if err := s.conn.Close(); err != nil && flushErr == nil {
		flushErr = fmt.Errorf("notestore: close working db: %w", err)
	}
	s.conn = nil
	s.state = StateClosed
	s.logger.Info("store closed", slog.String("path", s.file.Path()))
	return flushErr
}

// Events returns the broker used to observe store changes.
func (s *Store) Events() *Broker { return s.broker }

// Dirty reports whether there are unsaved changes.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// VersionVector returns a copy of the store's current version vector.
func (s *Store) VersionVector() vclock.Vector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vv.Clone()
}

func openMemoryDB() (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("notestore: open working db: %w", err)
	}
	// A second connection would be a second, empty in-memory database.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("notestore: ping working db: %w", err)
	}
	if err := migrations.Up(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("notestore: init fts: %w", err)
	}
	return conn, nil
}

func openSnapshotDB(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("notestore: open snapshot %s: %w", path, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("notestore: ping snapshot %s: %w", path, err)
	}
	return conn, nil
}

// requireOpen is called with at least a read lock held.
func (s *Store) requireOpen() error {
	if s.state != StateOpen {
		return apperr.ErrNotOpen
	}
	return nil
}

// markModified records a local write inside tx: the device row advances and
// the in-memory vector component follows. Callers must commit tx and then
// call noteDirty.
func (s *Store) markModified(tx *sql.Tx, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO device (uuid, name, latest_change) VALUES (?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name          = excluded.name,
			latest_change = max(latest_change, excluded.latest_change)
	`, s.device.UUID, s.device.Name, now)
	if err != nil {
		return fmt.Errorf("notestore: record device change: %w", err)
	}
	return nil
}

// noteDirty is called after a successful mutating commit, with the write
// lock held.
func (s *Store) noteDirty(now time.Time) {
	s.vv.Observe(s.device.UUID, now)
	s.dirty = true
}
