package revdb

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultUndoLimit caps per-database undo history unless Options overrides
// it.
const DefaultUndoLimit = 200

// Options configure an Engine. The zero value is usable: logging goes to
// slog.Default, ids are UUIDs, recomputes run on an internal scheduler and
// notifications are dropped.
type Options struct {
	// Logger receives operational logging. Defaults to slog.Default().
	Logger *slog.Logger

	// Notifier receives a notification after every commit and view refresh.
	Notifier Notifier

	// Scheduler runs view recomputes. Defaults to an internal in-process
	// scheduler owned (and closed) by the engine; a caller-provided one is
	// left open.
	Scheduler Scheduler

	// Now supplies revision timestamps, for tests.
	Now func() time.Time

	// GenerateID mints row, field, option and view ids. Defaults to
	// uuid.NewString. Ids must never repeat.
	GenerateID func() string

	// UndoLimit caps per-database undo history. 0 means DefaultUndoLimit,
	// negative disables undo entirely.
	UndoLimit int

	// Verbose logs every commit at debug level.
	Verbose bool
}

// Engine serves revision-tracked databases out of one log store. Databases
// are opened lazily on first access: snapshot restored if present, remaining
// log replayed, view projections rebuilt. The engine owns the store and
// closes it on Close.
type Engine struct {
	store     LogStore
	logger    *slog.Logger
	notifier  Notifier
	sched     Scheduler
	ownSched  bool
	now       func() time.Time
	genID     func() string
	undoLimit int
	verbose   bool

	dbs    *xsync.MapOf[string, *Database]
	openMu sync.Mutex
	closed atomic.Bool
}

// Open wires an engine to a log store and verifies the store is readable.
func Open(store LogStore, opt Options) (*Engine, error) {
	if store == nil {
		panic("revdb: nil store")
	}
	eng := &Engine{
		store:     store,
		logger:    opt.Logger,
		notifier:  opt.Notifier,
		sched:     opt.Scheduler,
		now:       opt.Now,
		genID:     opt.GenerateID,
		undoLimit: opt.UndoLimit,
		verbose:   opt.Verbose,
		dbs:       xsync.NewMapOf[string, *Database](),
	}
	if eng.logger == nil {
		eng.logger = slog.Default()
	}
	if eng.notifier == nil {
		eng.notifier = nopNotifier{}
	}
	if eng.sched == nil {
		eng.sched = newInprocScheduler()
		eng.ownSched = true
	}
	if eng.now == nil {
		eng.now = time.Now
	}
	if eng.genID == nil {
		eng.genID = uuid.NewString
	}
	if eng.undoLimit == 0 {
		eng.undoLimit = DefaultUndoLimit
	}

	ids, err := store.Databases()
	if err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}
	if eng.verbose {
		eng.logger.Debug("engine opened", "databases", len(ids))
	}
	return eng, nil
}

// DB returns the database with the given id, opening it on first access and
// creating it empty if it has no history yet.
func (eng *Engine) DB(id string) (*Database, error) {
	if eng.isClosed() {
		return nil, ErrClosed
	}
	if id == "" {
		return nil, schemaErrf("", "", "", "database id must not be empty")
	}
	if db, ok := eng.dbs.Load(id); ok {
		return db, nil
	}
	eng.openMu.Lock()
	defer eng.openMu.Unlock()
	if db, ok := eng.dbs.Load(id); ok {
		return db, nil
	}
	db, err := eng.openDatabase(id)
	if err != nil {
		return nil, err
	}
	eng.dbs.Store(id, db)
	return db, nil
}

func (eng *Engine) openDatabase(id string) (*Database, error) {
	started := time.Now()
	db := &Database{
		id:    id,
		eng:   eng,
		store: newStore(id),
		views: make(map[string]*viewState),
		undo:  undoStack{limit: eng.undoLimit},
	}
	if ss, ok := eng.store.(SnapshotStore); ok {
		seq, data, err := ss.LoadSnapshot(id)
		if err != nil {
			return nil, fmt.Errorf("loading snapshot of %s: %w", id, err)
		}
		if data != nil {
			if err := db.store.restore(data); err != nil {
				return nil, corruptErr(id, seq, err, "snapshot does not decode")
			}
			db.tail, db.floor = seq, seq
		}
	}
	if err := eng.store.Load(id, db.tail+1, db.replay); err != nil {
		return nil, err
	}
	db.rebuildViewsAfterReplay()
	eng.logger.Info("database opened",
		"db", id, "tail", db.tail, "floor", db.floor,
		"rows", len(db.store.order), "fields", len(db.store.schema.fields),
		"views", len(db.views), "took", time.Since(started))
	return db, nil
}

// Databases lists the ids of all persisted databases, sorted.
func (eng *Engine) Databases() ([]string, error) {
	ids, err := eng.store.Databases()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Close stops background recomputes, closes the store and rejects further
// commits with ErrClosed. Safe to call twice.
func (eng *Engine) Close() error {
	if eng.closed.Swap(true) {
		return nil
	}
	if eng.ownSched {
		eng.sched.Close()
	}
	err := eng.store.Close()
	if err != nil {
		eng.logger.Error("closing log store", "err", err)
	}
	return err
}

func (eng *Engine) isClosed() bool {
	return eng.closed.Load()
}
