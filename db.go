package revdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Database is one revision-tracked database: a field schema, ordered rows and
// views, all derived from an append-only revision log. All methods are safe
// for concurrent use. Obtain instances via Engine.DB; the engine replays the
// persisted log (and snapshot, if any) before handing the database out.
type Database struct {
	id  string
	eng *Engine

	mu    sync.RWMutex
	store *store
	tail  uint64
	floor uint64      // history below this is compacted away
	revs  []*Revision // revisions (floor, tail], for merge rebasing

	views map[string]*viewState
	undo  undoStack

	pending      []Notification
	pendingTasks []func()
}

// CommitResult reports one committed revision: its sequence number, the
// revision itself, the exact changes it made, plus the warnings produced
// while merging (overridden concurrent commits and lossy cell coercions).
type CommitResult struct {
	Seq        uint64
	Revision   *Revision
	Delta      *Delta
	Superseded []Supersession
	Coercions  []CoercionLoss

	inverse []Op
}

// Row returns the row the commit created or rewrote, for the row-producing
// convenience methods.
func (r *CommitResult) Row() *Row {
	for _, ch := range r.Delta.Rows {
		if ch.Row != nil {
			return ch.Row
		}
	}
	return nil
}

// Field returns the field the commit created or rewrote.
func (r *CommitResult) Field() *Field {
	for _, ch := range r.Delta.Fields {
		if ch.Field != nil {
			return ch.Field
		}
	}
	return nil
}

// View returns the view configuration the commit created or rewrote.
func (r *CommitResult) View() *ViewConfig {
	for _, ch := range r.Delta.Views {
		if ch.View != nil {
			return ch.View
		}
	}
	return nil
}

func (db *Database) ID() string {
	return db.id
}

// Append commits one operation authored against the state at
// expectedBaseSeq. When expectedBaseSeq is behind the current tail, the
// operation is first rebased across every revision committed in between; the
// rebase preserves the operation's intent where possible and resolves
// genuine conflicts last-write-wins, reporting overridden commits in the
// result. Inapplicable operations (the target was deleted meanwhile) fail
// with a SupersededError and commit nothing.
func (db *Database) Append(op Op, expectedBaseSeq uint64) (*CommitResult, error) {
	return db.run(OriginLocal, func() (Op, uint64, error) {
		return op, expectedBaseSeq, nil
	})
}

// ApplyRemote commits an operation that originated elsewhere (sync,
// multi-process). It merges exactly like Append but tags the revision remote,
// which also invalidates local undo history.
func (db *Database) ApplyRemote(op Op, expectedBaseSeq uint64) (*CommitResult, error) {
	return db.run(OriginRemote, func() (Op, uint64, error) {
		return op, expectedBaseSeq, nil
	})
}

// run executes the full commit pipeline: build the op under the write lock,
// commit it, then deliver notifications and kick scheduled recomputes after
// the lock is released.
func (db *Database) run(origin Origin, build func() (Op, uint64, error)) (*CommitResult, error) {
	db.mu.Lock()
	op, base, err := build()
	var res *CommitResult
	if err == nil {
		res, err = db.commitLocked(op, base, origin)
	}
	notifs, tasks := db.drainLocked()
	db.mu.Unlock()
	db.dispatch(notifs, tasks)
	if errors.Is(err, errNothingToDo) {
		err = nil
	}
	return res, err
}

func (db *Database) commitLocked(op Op, base uint64, origin Origin) (*CommitResult, error) {
	if db.eng.isClosed() {
		return nil, ErrClosed
	}
	if op == nil {
		return nil, schemaErrf(db.id, "", "", "nil operation")
	}
	if base > db.tail {
		return nil, notFoundErr(db.id, "revision", strconv.FormatUint(base, 10))
	}
	if base < db.floor {
		return nil, supersededErr(db.id, db.floor, "base %d predates compacted history (floor %d)", base, db.floor)
	}
	started := time.Now()

	var supers []Supersession
	var coercions []CoercionLoss
	for _, prior := range db.revsSinceLocked(base) {
		var ss []Supersession
		var cl []CoercionLoss
		var err error
		op, ss, cl, err = transformOp(op, prior, db.store)
		if err != nil {
			return nil, err
		}
		supers = append(supers, ss...)
		coercions = append(coercions, cl...)
	}
	if err := db.store.check(op); err != nil {
		return nil, err
	}

	seq := db.tail + 1
	rev := &Revision{DB: db.id, Seq: seq, Base: base, Origin: origin, Time: db.eng.now().Unix(), Op: op}
	if err := db.eng.store.Append(rev); err != nil {
		return nil, fmt.Errorf("appending revision %d of %s: %w", seq, db.id, err)
	}

	var rawDeleted *Row
	if del, ok := op.(*DeleteRowOp); ok {
		if r := db.store.row(del.RowID); r != nil {
			rawDeleted = r.Clone()
		}
	}

	delta, err := db.store.apply(rev)
	if err != nil {
		// the revision is persisted but no longer applies; the log and
		// the checks disagree, refuse to continue
		return nil, corruptErr(db.id, seq, err, "applying committed revision")
	}
	for i := range supers {
		supers[i].WinnerSeq = seq
	}
	delta.Superseded = supers
	delta.Coercions = append(coercions, delta.Coercions...)

	db.tail = seq
	db.revs = append(db.revs, rev)

	res := &CommitResult{
		Seq:        seq,
		Revision:   rev,
		Delta:      delta,
		Superseded: supers,
		Coercions:  delta.Coercions,
		inverse:    invertDelta(delta, rawDeleted),
	}
	db.recordUndoLocked(rev, res)
	db.applyToViewsLocked(delta)
	db.pending = append(db.pending, commitNotification(rev, delta))
	db.eng.noteCommit(db.id, rev, delta, time.Since(started))
	return res, nil
}

func (db *Database) revsSinceLocked(base uint64) []*Revision {
	return db.revs[base-db.floor:]
}

func (db *Database) recordUndoLocked(rev *Revision, res *CommitResult) {
	switch rev.Origin {
	case OriginLocal:
		if undoable(rev.Op.OpKind()) {
			db.undo.recordLocal(&undoEntry{seq: rev.Seq, ops: res.inverse})
		}
	case OriginRemote:
		db.undo.invalidate()
	}
}

func (db *Database) applyToViewsLocked(delta *Delta) {
	for _, ch := range delta.Views {
		switch ch.Kind {
		case ChangeInsert:
			if db.views[ch.View.ID] == nil {
				db.views[ch.View.ID] = newViewState(ch.View.ID, ch.View.Clone())
			}
		case ChangeDelete:
			delete(db.views, ch.ViewID())
		}
	}
	for id, vs := range db.views {
		vs.applyDelta(db.store, delta)
		if vs.stale && vs.scheduled != vs.gen {
			vs.scheduled = vs.gen
			db.queueRecomputeLocked(id, vs.gen)
		}
	}
}

func (db *Database) queueRecomputeLocked(viewID string, gen uint64) {
	key := db.id + "/" + viewID
	db.pendingTasks = append(db.pendingTasks, func() {
		db.eng.sched.Submit(key, func(ctx context.Context) {
			db.runRecompute(ctx, viewID, gen)
		})
	})
}

func (db *Database) drainLocked() ([]Notification, []func()) {
	notifs, tasks := db.pending, db.pendingTasks
	db.pending, db.pendingTasks = nil, nil
	return notifs, tasks
}

func (db *Database) dispatch(notifs []Notification, tasks []func()) {
	for _, n := range notifs {
		db.eng.notifier.DatabaseChanged(n)
	}
	for _, t := range tasks {
		t()
	}
}

// runRecompute rebuilds one view's projection from scratch. It runs on the
// scheduler; a generation mismatch means a newer reconfiguration superseded
// this run and its result must be discarded.
func (db *Database) runRecompute(ctx context.Context, viewID string, gen uint64) {
	if ctx.Err() != nil {
		return
	}
	db.mu.Lock()
	vs := db.views[viewID]
	if vs == nil || vs.gen != gen || !vs.stale {
		db.mu.Unlock()
		return
	}
	cfg := vs.pendingCfg
	if cfg == nil {
		cfg = vs.activeCfg
	}
	if cfg == nil {
		if sv := db.store.view(viewID); sv != nil {
			cfg = sv.Clone()
		}
	}
	if cfg == nil {
		db.mu.Unlock()
		return
	}
	vs.recompute(db.store, cfg, db.tail)
	n := refreshNotification(db.id, viewID, db.tail)
	db.mu.Unlock()
	db.eng.noteRecompute(db.id, viewID)
	db.eng.notifier.DatabaseChanged(n)
}

// RecomputeView forces a synchronous full recompute of one view, bypassing
// the scheduler.
func (db *Database) RecomputeView(viewID string) error {
	db.mu.Lock()
	vs := db.views[viewID]
	if vs == nil {
		db.mu.Unlock()
		return notFoundErr(db.id, "view", viewID)
	}
	cfg := vs.pendingCfg
	if cfg == nil {
		cfg = vs.activeCfg
	}
	if cfg == nil {
		if sv := db.store.view(viewID); sv != nil {
			cfg = sv.Clone()
		}
	}
	if cfg == nil {
		db.mu.Unlock()
		return notFoundErr(db.id, "view", viewID)
	}
	vs.gen++
	vs.scheduled = vs.gen
	vs.recompute(db.store, cfg, db.tail)
	n := refreshNotification(db.id, viewID, db.tail)
	db.mu.Unlock()
	db.eng.notifier.DatabaseChanged(n)
	return nil
}

// replay folds one persisted revision into the store during open. No lock:
// the database is not published yet.
func (db *Database) replay(rev *Revision) error {
	if rev.Seq != db.tail+1 {
		return corruptErr(db.id, rev.Seq, nil, "sequence gap: expected %d", db.tail+1)
	}
	if _, err := db.store.apply(rev); err != nil {
		return corruptErr(db.id, rev.Seq, err, "revision does not apply")
	}
	db.tail = rev.Seq
	db.revs = append(db.revs, rev)
	return nil
}

// rebuildViewsAfterReplay computes every view projection synchronously so
// opened databases serve fresh projections immediately.
func (db *Database) rebuildViewsAfterReplay() {
	db.views = make(map[string]*viewState, len(db.store.views))
	for _, id := range db.store.viewOrder {
		vs := newViewState(id, nil)
		vs.recompute(db.store, db.store.views[id].Clone(), db.tail)
		db.views[id] = vs
	}
}

// ----- Field operations -----

// CreateField commits a new field at ordinal at (out of range appends). A
// blank field id is assigned automatically, as are blank option ids.
func (db *Database) CreateField(f *Field, at int) (*CommitResult, error) {
	return db.run(OriginLocal, func() (Op, uint64, error) {
		if f == nil {
			return nil, 0, schemaErrf(db.id, "", "", "nil field")
		}
		c := f.Clone()
		if c.ID == "" {
			c.ID = db.eng.genID()
		}
		for i := range c.Options {
			if c.Options[i].ID == "" {
				c.Options[i].ID = db.eng.genID()
			}
		}
		return &InsertFieldOp{Field: c, At: at}, db.tail, nil
	})
}

// UpdateField commits a partial field update. Changing the type (or removing
// select options) rewrites affected cells through the coercion rules and
// reports every lossy cell in the result.
func (db *Database) UpdateField(fieldID string, patch FieldPatch) (*CommitResult, error) {
	return db.run(OriginLocal, func() (Op, uint64, error) {
		if patch.isZero() {
			return nil, 0, schemaErrf(db.id, fieldID, "", "empty field patch")
		}
		return &UpdateFieldOp{FieldID: fieldID, FieldPatch: patch}, db.tail, nil
	})
}

// DeleteField commits a field removal. Cells of the field disappear from
// reads and views; view rules referencing the field are dropped in the same
// revision.
func (db *Database) DeleteField(fieldID string) (*CommitResult, error) {
	return db.run(OriginLocal, func() (Op, uint64, error) {
		return &DeleteFieldOp{FieldID: fieldID, At: db.store.schema.indexOf(fieldID)}, db.tail, nil
	})
}

// ReorderField commits moving a field to ordinal to.
func (db *Database) ReorderField(fieldID string, to int) (*CommitResult, error) {
	return db.run(OriginLocal, func() (Op, uint64, error) {
		return &ReorderFieldOp{FieldID: fieldID, From: db.store.schema.indexOf(fieldID), To: to}, db.tail, nil
	})
}

// DuplicateField commits a copy of the field (same type, options and
// visibility, fresh id, name suffixed) right after the original. Cell values
// are not copied.
func (db *Database) DuplicateField(fieldID string) (*CommitResult, error) {
	return db.run(OriginLocal, func() (Op, uint64, error) {
		src := db.store.schema.field(fieldID)
		if src == nil {
			return nil, 0, notFoundErr(db.id, "field", fieldID)
		}
		c := src.Clone()
		c.ID = db.eng.genID()
		c.Name = src.Name + " copy"
		return &InsertFieldOp{Field: c, At: db.store.schema.indexOf(fieldID) + 1}, db.tail, nil
	})
}

// ----- Row operations -----

// CreateRow commits a new row at the end of the database. Empty values in
// cells are dropped.
func (db *Database) CreateRow(cells map[string]Value) (*CommitResult, error) {
	return db.run(OriginLocal, func() (Op, uint64, error) {
		afterID := ""
		if n := len(db.store.order); n > 0 {
			afterID = db.store.order[n-1].ID
		}
		op, err := db.buildInsertRowLocked(cells, afterID)
		return op, db.tail, err
	})
}

// CreateRowAfter commits a new row right after the given row; an empty
// afterID inserts at the head.
func (db *Database) CreateRowAfter(cells map[string]Value, afterID string) (*CommitResult, error) {
	return db.run(OriginLocal, func() (Op, uint64, error) {
		op, err := db.buildInsertRowLocked(cells, afterID)
		return op, db.tail, err
	})
}

// DuplicateRow commits a copy of the row (fresh id, same cells) right after
// the original.
func (db *Database) DuplicateRow(rowID string) (*CommitResult, error) {
	return db.run(OriginLocal, func() (Op, uint64, error) {
		src := db.store.row(rowID)
		if src == nil {
			return nil, 0, notFoundErr(db.id, "row", rowID)
		}
		visible := db.store.visibleRow(src)
		op, err := db.buildInsertRowLocked(visible.Cells, rowID)
		return op, db.tail, err
	})
}

func (db *Database) buildInsertRowLocked(cells map[string]Value, afterID string) (Op, error) {
	lo, hi, ok := db.store.neighbors(afterID)
	if !ok {
		return nil, notFoundErr(db.id, "row", afterID)
	}
	r := &Row{ID: db.eng.genID(), Pos: posBetween(lo, hi)}
	if len(cells) > 0 {
		r.Cells = make(map[string]Value, len(cells))
		for id, v := range cells {
			if !v.IsEmpty() {
				r.Cells[id] = v.Clone()
			}
		}
	}
	return &InsertRowOp{Row: r, AfterID: afterID}, nil
}

// UpdateRowCells commits new values for some cells of a row. An empty Value
// clears the cell.
func (db *Database) UpdateRowCells(rowID string, cells map[string]Value) (*CommitResult, error) {
	return db.run(OriginLocal, func() (Op, uint64, error) {
		return &UpdateCellsOp{RowID: rowID, Cells: cloneCells(cells)}, db.tail, nil
	})
}

// DeleteRow commits a row removal. Row ids are never reused.
func (db *Database) DeleteRow(rowID string) (*CommitResult, error) {
	return db.run(OriginLocal, func() (Op, uint64, error) {
		return &DeleteRowOp{RowID: rowID}, db.tail, nil
	})
}

// MoveRow commits moving a row right after another; an empty afterID moves it
// to the head.
func (db *Database) MoveRow(rowID, afterID string) (*CommitResult, error) {
	return db.run(OriginLocal, func() (Op, uint64, error) {
		lo, hi, ok := db.store.neighbors(afterID)
		if !ok {
			return nil, 0, notFoundErr(db.id, "row", afterID)
		}
		return &MoveRowOp{RowID: rowID, Pos: posBetween(lo, hi), AfterID: afterID}, db.tail, nil
	})
}

// RenormalizePositions commits evenly respaced position tokens for all rows,
// preserving order. Returns nil without committing when positions are
// already normal.
func (db *Database) RenormalizePositions() (*CommitResult, error) {
	return db.run(OriginLocal, func() (Op, uint64, error) {
		tokens := posSequence(len(db.store.order))
		pos := make(map[string]string, len(tokens))
		for i, r := range db.store.order {
			if r.Pos != tokens[i] {
				pos[r.ID] = tokens[i]
			}
		}
		if len(pos) == 0 {
			return nil, 0, errNothingToDo
		}
		return &RenormalizeOp{Pos: pos}, db.tail, nil
	})
}

// ----- View operations -----

// ConfigureView commits the full settings of a view, creating it on first
// use of its id; a blank id is assigned automatically. The view's projection
// keeps serving its previous output, marked stale, until the scheduled
// recompute swaps in the new one.
func (db *Database) ConfigureView(cfg *ViewConfig) (*CommitResult, error) {
	return db.run(OriginLocal, func() (Op, uint64, error) {
		if cfg == nil {
			return nil, 0, schemaErrf(db.id, "", "", "nil view configuration")
		}
		c := cfg.Clone()
		if c.ID == "" {
			c.ID = db.eng.genID()
		}
		return &ConfigureViewOp{View: c}, db.tail, nil
	})
}

// DeleteView commits a view removal. View ids are never reused, though a
// concurrent ConfigureView can revive one (the later write wins).
func (db *Database) DeleteView(viewID string) (*CommitResult, error) {
	return db.run(OriginLocal, func() (Op, uint64, error) {
		return &DeleteViewOp{ViewID: viewID}, db.tail, nil
	})
}

// ----- Undo/redo -----

// Undo reverses the most recent undoable local commit by committing its
// inverse operations. Returns ErrNoUndo when there is nothing to undo (also
// after a remote commit, which invalidates local undo history).
func (db *Database) Undo() ([]*CommitResult, error) {
	return db.rewind(OriginUndo)
}

// Redo re-applies the most recently undone commit.
func (db *Database) Redo() ([]*CommitResult, error) {
	return db.rewind(OriginRedo)
}

func (db *Database) rewind(origin Origin) ([]*CommitResult, error) {
	db.mu.Lock()
	var entry *undoEntry
	if origin == OriginUndo {
		entry = db.undo.popUndo()
	} else {
		entry = db.undo.popRedo()
	}
	if entry == nil {
		db.mu.Unlock()
		if origin == OriginUndo {
			return nil, ErrNoUndo
		}
		return nil, ErrNoRedo
	}

	var results []*CommitResult
	var err error
	for _, op := range entry.ops {
		var res *CommitResult
		res, err = db.commitLocked(op, db.tail, origin)
		if err != nil {
			// half-rewound state; recorded inverses are no longer
			// trustworthy
			db.undo.invalidate()
			break
		}
		results = append(results, res)
	}
	if err == nil && len(results) > 0 {
		// Inverses run in reverse commit order, but each commit's own ops
		// keep their order: a field restore must precede its cell restores.
		var reverse []Op
		for i := len(results) - 1; i >= 0; i-- {
			reverse = append(reverse, results[i].inverse...)
		}
		e := &undoEntry{seq: results[len(results)-1].Seq, ops: reverse}
		if origin == OriginUndo {
			db.undo.pushRedo(e)
		} else {
			db.undo.pushUndo(e)
		}
	}
	notifs, tasks := db.drainLocked()
	db.mu.Unlock()
	db.dispatch(notifs, tasks)
	return results, err
}

// ----- Reads -----

// Fields returns the live fields in schema order.
func (db *Database) Fields() []*Field {
	db.mu.RLock()
	defer db.mu.RUnlock()
	fields := make([]*Field, len(db.store.schema.fields))
	for i, f := range db.store.schema.fields {
		fields[i] = f.Clone()
	}
	return fields
}

func (db *Database) Field(fieldID string) (*Field, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	f := db.store.schema.field(fieldID)
	if f == nil {
		return nil, notFoundErr(db.id, "field", fieldID)
	}
	return f.Clone(), nil
}

// Rows returns all rows in position order.
func (db *Database) Rows() []*Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rows := make([]*Row, len(db.store.order))
	for i, r := range db.store.order {
		rows[i] = db.store.visibleRow(r)
	}
	return rows
}

func (db *Database) Row(rowID string) (*Row, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	r := db.store.row(rowID)
	if r == nil {
		return nil, notFoundErr(db.id, "row", rowID)
	}
	return db.store.visibleRow(r), nil
}

func (db *Database) RowCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.store.order)
}

// Views returns all view configurations in creation order.
func (db *Database) Views() []*ViewConfig {
	db.mu.RLock()
	defer db.mu.RUnlock()
	views := make([]*ViewConfig, 0, len(db.store.viewOrder))
	for _, id := range db.store.viewOrder {
		views = append(views, db.store.views[id].Clone())
	}
	return views
}

func (db *Database) View(viewID string) (*ViewConfig, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v := db.store.view(viewID)
	if v == nil {
		return nil, notFoundErr(db.id, "view", viewID)
	}
	return v.Clone(), nil
}

// Projection returns the current computed output of a view. The projection
// may be marked stale while a reconfiguration's recompute is pending; it then
// still reflects the previous configuration and remains internally
// consistent.
func (db *Database) Projection(viewID string) (*Projection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	vs := db.views[viewID]
	if vs == nil {
		return nil, notFoundErr(db.id, "view", viewID)
	}
	return vs.snapshot(), nil
}

// TailSeq returns the sequence number of the latest committed revision.
func (db *Database) TailSeq() uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.tail
}

// FloorSeq returns the lowest sequence number merges can still rebase
// across; history below it has been compacted into a snapshot.
func (db *Database) FloorSeq() uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.floor
}

// Revisions streams persisted revisions in order, starting at fromSeq.
func (db *Database) Revisions(fromSeq uint64, fn func(rev *Revision) error) error {
	return db.eng.store.Load(db.id, fromSeq, fn)
}

// ----- Snapshots -----

// SaveSnapshot persists the current materialized state, allowing faster
// opens. The revision log is left intact. Requires a SnapshotStore.
func (db *Database) SaveSnapshot() (uint64, error) {
	ss, ok := db.eng.store.(SnapshotStore)
	if !ok {
		return 0, fmt.Errorf("snapshots: %w", errors.ErrUnsupported)
	}
	db.mu.RLock()
	data, err := db.store.snapshot()
	seq := db.tail
	db.mu.RUnlock()
	if err != nil {
		return 0, fmt.Errorf("snapshotting %s: %w", db.id, err)
	}
	if err := ss.PutSnapshot(db.id, seq, data); err != nil {
		return 0, fmt.Errorf("storing snapshot of %s: %w", db.id, err)
	}
	return seq, nil
}

// Compact persists a snapshot at the current tail and drops the covered log
// prefix. Operations based below the new floor can no longer be merged and
// fail with a SupersededError. Requires a SnapshotStore.
func (db *Database) Compact() (uint64, error) {
	ss, ok := db.eng.store.(SnapshotStore)
	if !ok {
		return 0, fmt.Errorf("snapshots: %w", errors.ErrUnsupported)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	data, err := db.store.snapshot()
	if err != nil {
		return 0, fmt.Errorf("snapshotting %s: %w", db.id, err)
	}
	seq := db.tail
	if err := ss.PutSnapshot(db.id, seq, data); err != nil {
		return 0, fmt.Errorf("storing snapshot of %s: %w", db.id, err)
	}
	if err := ss.CompactLog(db.id, seq); err != nil {
		return 0, fmt.Errorf("compacting log of %s: %w", db.id, err)
	}
	db.floor = seq
	db.revs = nil
	return seq, nil
}

// errNothingToDo makes a convenience builder abort the commit without error;
// run translates it to a nil result.
var errNothingToDo = errors.New("nothing to do")
